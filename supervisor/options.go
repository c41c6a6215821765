package supervisor

import (
	"github.com/guseggert/procworker/event"
	"github.com/guseggert/procworker/process"
	"go.uber.org/zap"
)

const DefaultChunkSize = 8192

type Option func(s *Supervisor)

// WithHandle overrides the default shell-backed process handle.
func WithHandle(h process.Handle) Option {
	return func(s *Supervisor) {
		s.handle = h
	}
}

// WithBus publishes onto a bus that may be shared with other supervisors.
func WithBus(b *event.Bus) Option {
	return func(s *Supervisor) {
		s.bus = b
	}
}

// WithUnit sets the enclosing unit, which is stopped when the process exits.
func WithUnit(u Unit) Option {
	return func(s *Supervisor) {
		s.unit = u
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		s.log = l.Named("supervisor").Sugar()
	}
}

// WithChunkSize bounds the number of bytes read per readiness callback.
func WithChunkSize(n int) Option {
	return func(s *Supervisor) {
		s.chunkSize = n
	}
}

func WithID(id string) Option {
	return func(s *Supervisor) {
		s.id = id
	}
}

// Unit is the service unit enclosing a supervisor. It terminates together with the supervised process.
type Unit interface {
	Stop()
}

type UnitFunc func()

func (f UnitFunc) Stop() { f() }
