/*
Package supervisor runs one OS process under a readiness loop and publishes its lifecycle as events.

A Supervisor moves through three states. It is Idle until Start, Running while the process's output stream is registered with the loop,
and Exited once the stream ends or the host stops it. Each readiness callback performs one bounded read and publishes what it got as a single OutputEvent,
so a supervisor publishes exactly [Start, Output*, Exit] when the process runs to completion.

Supervisor methods are not goroutine-safe and must be called on the loop goroutine.
*/
package supervisor

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/guseggert/procworker/event"
	"github.com/guseggert/procworker/process"
	"github.com/guseggert/procworker/reactor"
	"go.uber.org/zap"
)

var ErrAlreadyStarted = errors.New("supervisor already started")

type State int

const (
	Idle State = iota
	Running
	Exited
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Exited:
		return "exited"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Reactor is the readiness notifier the supervisor registers its output stream with.
type Reactor interface {
	NotifyOnReadable(p reactor.Pollable, fn func()) error
	CancelNotify(p reactor.Pollable) bool
}

type Supervisor struct {
	log *zap.SugaredLogger

	id        string
	command   string
	handle    process.Handle
	bus       *event.Bus
	reactor   Reactor
	unit      Unit
	chunkSize int

	state  State
	stream process.Stream
	buf    []byte

	onStart  func(*Supervisor)
	onOutput func(*Supervisor, []byte)
	onExit   func(*Supervisor)

	unsubscribe []func()
}

func New(command string, r Reactor, opts ...Option) (*Supervisor, error) {
	if command == "" {
		return nil, errors.New("command is required")
	}
	if r == nil {
		return nil, errors.New("reactor is required")
	}
	s := &Supervisor{
		log:       zap.NewNop().Sugar(),
		command:   command,
		reactor:   r,
		chunkSize: DefaultChunkSize,
	}
	for _, o := range opts {
		o(s)
	}
	if s.chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", s.chunkSize)
	}
	if s.handle == nil {
		s.handle = process.NewDefaultHandle(command)
	}
	if s.bus == nil {
		s.bus = event.NewBus()
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	s.buf = make([]byte, s.chunkSize)

	s.registerSlotListeners()
	return s, nil
}

// registerSlotListeners wires the single-slot callbacks into the bus, so they are ordered like any other listener of priority 0.
// They are removed once the supervisor has exited.
func (s *Supervisor) registerSlotListeners() {
	start := s.bus.Subscribe(KindStart, func(ev any) error {
		if e, ok := ev.(StartEvent); ok && e.Supervisor == s && s.onStart != nil {
			s.onStart(s)
		}
		return nil
	}, 0)
	output := s.bus.Subscribe(KindOutput, func(ev any) error {
		if e, ok := ev.(OutputEvent); ok && e.Supervisor == s && s.onOutput != nil {
			s.onOutput(s, e.Payload)
		}
		return nil
	}, 0)
	exit := s.bus.Subscribe(KindExit, func(ev any) error {
		if e, ok := ev.(ExitEvent); ok && e.Supervisor == s && s.onExit != nil {
			s.onExit(s)
		}
		return nil
	}, 0)
	s.unsubscribe = []func(){start, output, exit}
}

func (s *Supervisor) unregisterSlotListeners() {
	for _, f := range s.unsubscribe {
		f()
	}
	s.unsubscribe = nil
}

// SetOnStart sets the start callback. A nil fn clears it.
func (s *Supervisor) SetOnStart(fn func(*Supervisor)) { s.onStart = fn }

// SetOnOutput sets the output callback. The payload must be copied if retained after the callback returns.
func (s *Supervisor) SetOnOutput(fn func(*Supervisor, []byte)) { s.onOutput = fn }

func (s *Supervisor) SetOnExit(fn func(*Supervisor)) { s.onExit = fn }

// AddListener subscribes l to kind on the supervisor's bus and returns a func that removes it.
// If the bus is shared, l also receives events from other supervisors.
func (s *Supervisor) AddListener(kind event.Kind, l event.Listener, priority int) (unsubscribe func()) {
	return s.bus.Subscribe(kind, l, priority)
}

func (s *Supervisor) ID() string             { return s.id }
func (s *Supervisor) Command() string        { return s.command }
func (s *Supervisor) Handle() process.Handle { return s.handle }
func (s *Supervisor) Bus() *event.Bus        { return s.bus }
func (s *Supervisor) State() State           { return s.state }

// ExitCode returns the process exit code once the supervisor has exited and the handle has reclaimed the process.
// It reports false before that, or if the handle does not record exit codes.
func (s *Supervisor) ExitCode() (int, bool) {
	if s.state != Exited {
		return 0, false
	}
	ec, ok := s.stream.(process.ExitCoder)
	if !ok {
		return 0, false
	}
	select {
	case <-ec.Reaped():
		return ec.ExitCode(), true
	default:
		return 0, false
	}
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Reaped returns a channel that is closed once ExitCode has its final answer.
// It is nil until the supervisor has exited. Unlike the other methods it may be waited on from any goroutine.
func (s *Supervisor) Reaped() <-chan struct{} {
	if s.state != Exited {
		return nil
	}
	if ec, ok := s.stream.(process.ExitCoder); ok {
		return ec.Reaped()
	}
	return closedChan
}

// Start launches the process, publishes StartEvent, and registers the output stream with the reactor.
// If the handle fails to start, nothing is published and the supervisor stays Idle.
func (s *Supervisor) Start() error {
	if s.state != Idle {
		return ErrAlreadyStarted
	}

	stream, err := s.handle.Start()
	if err != nil {
		s.log.Debugw("process failed to start", "ID", s.id, "Command", s.command, "Error", err)
		return err
	}
	s.stream = stream
	s.state = Running
	s.log.Debugw("process started", "ID", s.id, "Command", s.command)

	s.publish(StartEvent{Supervisor: s}, KindStart)
	if s.state != Running {
		// stopped by a start listener
		return nil
	}

	err = s.reactor.NotifyOnReadable(stream, s.onReadable)
	if err != nil {
		s.exit()
		return fmt.Errorf("registering output stream: %w", err)
	}
	return nil
}

// Stop tears the supervisor down without publishing anything and without stopping the enclosing unit.
// It is a no-op once exited.
func (s *Supervisor) Stop() {
	switch s.state {
	case Idle:
		s.state = Exited
		s.unregisterSlotListeners()
	case Running:
		s.state = Exited
		s.reactor.CancelNotify(s.stream)
		s.handle.Stop(s.stream)
		s.unregisterSlotListeners()
		s.log.Debugw("supervisor stopped", "ID", s.id)
	}
}

func (s *Supervisor) onReadable() {
	if s.state != Running {
		return
	}

	n, err := s.stream.Read(s.buf)
	if err != nil && !errors.Is(err, io.EOF) {
		s.log.Debugw("read failed, treating as end of stream", "ID", s.id, "Error", err)
	}
	ended := err != nil || !s.handle.IsRunning(s.stream)

	if n > 0 || !ended {
		s.publish(OutputEvent{Supervisor: s, Payload: s.buf[:n]}, KindOutput)
	}
	if ended {
		s.exit()
	}
}

func (s *Supervisor) exit() {
	if s.state != Running {
		return
	}
	s.state = Exited
	s.reactor.CancelNotify(s.stream)
	s.handle.Stop(s.stream)
	if s.unit != nil {
		s.unit.Stop()
	}
	s.log.Debugw("process exited", "ID", s.id, "Command", s.command)
	s.publish(ExitEvent{Supervisor: s}, KindExit)
	s.unregisterSlotListeners()
}

func (s *Supervisor) publish(ev any, kind event.Kind) {
	if err := s.bus.Publish(ev, kind); err != nil {
		s.log.Errorw("event listener failed", "ID", s.id, "Kind", kind, "Error", err)
	}
}
