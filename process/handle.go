package process

import (
	"errors"
	"fmt"
	"io"
)

// ErrStartFailure is matched by every error returned from a failed Handle.Start.
var ErrStartFailure = errors.New("process start failure")

// StartError is returned when the OS could not create the process or its output stream.
type StartError struct {
	Command string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("starting %q: %s", e.Command, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

func (e *StartError) Is(target error) bool { return target == ErrStartFailure }

// Stream is the readable output of a started process.
type Stream interface {
	io.Reader
	Fd() uintptr
}

// Handle starts, probes, and stops one OS process.
type Handle interface {
	// Start launches the process and returns its output stream.
	// Errors are always *StartError.
	Start() (Stream, error)
	// Stop releases the stream and reclaims the process. It must not block on the process exiting.
	// It is a no-op for nil, foreign, or already stopped streams.
	Stop(s Stream)
	// IsRunning reports whether the stream is still open and has not reached end-of-data.
	// It never reads from the stream.
	IsRunning(s Stream) bool
	Command() string
}
