package stream

// Frame is a server->client message. Exactly one of Started, Stdout, Exited, or Err is meaningful per frame.
type Frame struct {
	Started bool
	ID      string

	Stdout []byte

	// Exited is true once the output has ended. ExitCode is -1 if it is unknown.
	Exited   bool
	ExitCode int
	TimeMS   int64

	Err string

	// set on exit frames until the process has been reclaimed
	reaped   <-chan struct{}
	exitCode func() (int, bool)
}

// Result describes a stream that ran to completion.
type Result struct {
	ID       string
	ExitCode int
	TimeMS   int64
}
