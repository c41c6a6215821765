package supervisor

import "github.com/guseggert/procworker/event"

const (
	KindStart  event.Kind = "process.start"
	KindOutput event.Kind = "process.output"
	KindExit   event.Kind = "process.exit"
)

// StartEvent is published once the process has started, before any output.
type StartEvent struct {
	Supervisor *Supervisor
}

// OutputEvent carries the bytes read in one readiness callback.
// Payload is only valid for the duration of the publish; listeners that retain it must copy it.
type OutputEvent struct {
	Supervisor *Supervisor
	Payload    []byte
}

// ExitEvent is published once, after the output stream ended. It is always the last event of a supervisor.
type ExitEvent struct {
	Supervisor *Supervisor
}
