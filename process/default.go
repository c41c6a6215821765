package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// DefaultKillGrace is how long a process may keep running after its output has ended before Stop's reaper kills it.
const DefaultKillGrace = 5 * time.Second

// ExitCoder is implemented by streams that record the exit code of their process.
// The process is reclaimed in the background after Stop, so the code may arrive later.
type ExitCoder interface {
	// Reaped is closed once the process has been reclaimed.
	Reaped() <-chan struct{}
	// ExitCode is -1 until Reaped is closed, and stays -1 if the process was killed.
	ExitCode() int
}

// DefaultHandle runs a command line through a shell and exposes its standard output as the stream.
type DefaultHandle struct {
	log *zap.SugaredLogger

	command  string
	shell    string
	env      []string
	dir      string
	combined bool

	killGrace time.Duration
}

type Option func(h *DefaultHandle)

// WithShell sets the shell used to interpret the command line. It is invoked as "<shell> -c <command>".
func WithShell(shell string) Option {
	return func(h *DefaultHandle) {
		h.shell = shell
	}
}

// WithCombinedOutput routes the process's stderr into the same stream as stdout.
func WithCombinedOutput() Option {
	return func(h *DefaultHandle) {
		h.combined = true
	}
}

// WithEnv appends variables to the inherited environment.
func WithEnv(env ...string) Option {
	return func(h *DefaultHandle) {
		h.env = append(h.env, env...)
	}
}

func WithDir(dir string) Option {
	return func(h *DefaultHandle) {
		h.dir = dir
	}
}

// WithKillGrace sets how long a process may outlive the end of its output before it is killed.
// A non-positive d never kills it.
func WithKillGrace(d time.Duration) Option {
	return func(h *DefaultHandle) {
		h.killGrace = d
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(h *DefaultHandle) {
		h.log = l.Named("process_handle").Sugar()
	}
}

func NewDefaultHandle(command string, opts ...Option) *DefaultHandle {
	h := &DefaultHandle{
		log:       zap.NewNop().Sugar(),
		command:   command,
		shell:     "/bin/sh",
		killGrace: DefaultKillGrace,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *DefaultHandle) Command() string { return h.command }

func (h *DefaultHandle) Start() (Stream, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, &StartError{Command: h.command, Err: fmt.Errorf("creating output pipe: %w", err)}
	}

	cmd := exec.Command(h.shell, "-c", h.command)
	cmd.Dir = h.dir
	if len(h.env) > 0 {
		cmd.Env = append(os.Environ(), h.env...)
	}
	cmd.Stdout = pw
	if h.combined {
		cmd.Stderr = pw
	}

	err = cmd.Start()
	// the child holds its own copy of the write end
	pw.Close()
	if err != nil {
		pr.Close()
		return nil, &StartError{Command: h.command, Err: err}
	}
	h.log.Debugw("process started", "Command", h.command, "PID", cmd.Process.Pid)

	return &pipeStream{
		owner:    h,
		file:     pr,
		fd:       pr.Fd(),
		cmd:      cmd,
		reaped:   make(chan struct{}),
		exitCode: -1,
	}, nil
}

func (h *DefaultHandle) IsRunning(s Stream) bool {
	ps, ok := h.own(s)
	if !ok {
		return false
	}
	return !ps.closed && !ps.eof
}

func (h *DefaultHandle) Stop(s Stream) {
	ps, ok := h.own(s)
	if !ok || ps.closed {
		return
	}
	ps.closed = true

	if err := ps.file.Close(); err != nil {
		h.log.Debugf("error closing output pipe: %s", err)
	}

	// Without end-of-data the process may never exit on its own, so it is killed before reclaiming it.
	if !ps.eof {
		h.kill(ps)
	}
	go h.reap(ps)
}

func (h *DefaultHandle) kill(ps *pipeStream) {
	if err := ps.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		h.log.Debugf("error killing process %d: %s", ps.cmd.Process.Pid, err)
	}
}

// reap waits for the process off the caller's goroutine, killing it if it outlives its output by the kill grace.
func (h *DefaultHandle) reap(ps *pipeStream) {
	if ps.eof && h.killGrace > 0 {
		timer := time.AfterFunc(h.killGrace, func() {
			h.log.Debugw("process still running after end of output, killing", "Command", h.command, "PID", ps.cmd.Process.Pid)
			h.kill(ps)
		})
		defer timer.Stop()
	}

	err := ps.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		h.log.Debugf("unexpected wait error: %s", err)
	}
	ps.exitCode = ps.cmd.ProcessState.ExitCode()
	close(ps.reaped)
	h.log.Debugw("process reclaimed", "Command", h.command, "PID", ps.cmd.Process.Pid, "ExitCode", ps.exitCode)
}

func (h *DefaultHandle) own(s Stream) (*pipeStream, bool) {
	ps, ok := s.(*pipeStream)
	if !ok || ps == nil || ps.owner != h {
		return nil, false
	}
	return ps, true
}

// pipeStream is the read end of the pipe connected to the process's stdout.
type pipeStream struct {
	owner *DefaultHandle
	file  *os.File
	fd    uintptr
	cmd   *exec.Cmd

	eof    bool
	closed bool

	// exitCode is written once before reaped is closed.
	reaped   chan struct{}
	exitCode int
}

func (s *pipeStream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, os.ErrClosed
	}
	n, err := s.file.Read(p)
	if errors.Is(err, io.EOF) {
		s.eof = true
	}
	return n, err
}

func (s *pipeStream) Fd() uintptr { return s.fd }

func (s *pipeStream) Reaped() <-chan struct{} { return s.reaped }

func (s *pipeStream) ExitCode() int {
	select {
	case <-s.reaped:
		return s.exitCode
	default:
		return -1
	}
}
