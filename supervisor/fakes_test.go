package supervisor

import (
	"io"

	"github.com/guseggert/procworker/process"
	"github.com/guseggert/procworker/reactor"
)

type fakeStream struct {
	chunks [][]byte
	// eofWithData makes the last chunk come back together with io.EOF
	eofWithData bool
}

func (s *fakeStream) Read(p []byte) (int, error) {
	if len(s.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.chunks[0])
	if n < len(s.chunks[0]) {
		s.chunks[0] = s.chunks[0][n:]
		return n, nil
	}
	s.chunks = s.chunks[1:]
	if len(s.chunks) == 0 && s.eofWithData {
		return n, io.EOF
	}
	return n, nil
}

func (s *fakeStream) Fd() uintptr { return 42 }

type fakeHandle struct {
	command     string
	chunks      [][]byte
	eofWithData bool
	startErr    error

	stream    *fakeStream
	starts    int
	stops     int
	stopped   bool
	exhausted bool
}

func newFakeHandle(chunks ...string) *fakeHandle {
	h := &fakeHandle{command: "fake"}
	for _, c := range chunks {
		h.chunks = append(h.chunks, []byte(c))
	}
	return h
}

func (h *fakeHandle) Start() (process.Stream, error) {
	h.starts++
	if h.startErr != nil {
		return nil, h.startErr
	}
	h.stream = &fakeStream{chunks: h.chunks, eofWithData: h.eofWithData}
	return h.stream, nil
}

func (h *fakeHandle) Stop(s process.Stream) {
	h.stops++
	h.stopped = true
}

// IsRunning stays true until a read has come back empty-handed with no chunks left, like a pipe reaching EOF.
func (h *fakeHandle) IsRunning(s process.Stream) bool {
	if h.stopped || s != process.Stream(h.stream) {
		return false
	}
	return len(h.stream.chunks) > 0 || !h.stream.eofWithData
}

func (h *fakeHandle) Command() string { return h.command }

// fakeReactor records registrations. It keeps the last callback after cancellation so tests can fire it erroneously.
type fakeReactor struct {
	notifyErr error

	registered    bool
	last          func()
	registrations int
	cancels       int
}

func (r *fakeReactor) NotifyOnReadable(p reactor.Pollable, fn func()) error {
	if r.notifyErr != nil {
		return r.notifyErr
	}
	r.registered = true
	r.last = fn
	r.registrations++
	return nil
}

func (r *fakeReactor) CancelNotify(p reactor.Pollable) bool {
	r.cancels++
	was := r.registered
	r.registered = false
	return was
}

// fire delivers one readiness notification if registered.
func (r *fakeReactor) fire() bool {
	if !r.registered {
		return false
	}
	r.last()
	return true
}

// drain fires until the registration is cancelled.
func (r *fakeReactor) drain() {
	for i := 0; i < 1000 && r.fire(); i++ {
	}
}

type countingUnit struct{ stops int }

func (u *countingUnit) Stop() { u.stops++ }
