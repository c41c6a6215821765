//go:build linux

package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const maxEvents = 64

// Loop is an epoll-backed reactor. Registrations are level-triggered.
type Loop struct {
	log *zap.SugaredLogger

	epfd   int
	wakefd int

	mut       sync.Mutex
	callbacks map[int32]registration
	nextGen   int32
	posted    []func()
	running   bool
	closed    bool
	released  bool
}

// registration is a callback for a descriptor. gen is carried in the epoll event so that readiness
// collected for a closed descriptor is not delivered to a new registration that reuses its number.
type registration struct {
	gen int32
	fn  func()
}

func New(opts ...Option) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("creating epoll instance: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("creating wake eventfd: %w", err)
	}
	err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)})
	if err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("registering wake eventfd: %w", err)
	}

	l := &Loop{
		log:       zap.NewNop().Sugar(),
		epfd:      epfd,
		wakefd:    wakefd,
		callbacks: map[int32]registration{},
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// NotifyOnReadable calls fn on the loop goroutine each time p is readable or hung up, until CancelNotify.
// Registering an already registered descriptor replaces its callback.
func (l *Loop) NotifyOnReadable(p Pollable, fn func()) error {
	fd := int32(p.Fd())

	l.mut.Lock()
	defer l.mut.Unlock()
	if l.closed {
		return ErrClosed
	}

	op := unix.EPOLL_CTL_ADD
	if _, ok := l.callbacks[fd]; ok {
		op = unix.EPOLL_CTL_MOD
	}
	l.nextGen++
	gen := l.nextGen
	ev := &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLRDHUP, Fd: fd, Pad: gen}
	if err := unix.EpollCtl(l.epfd, op, int(fd), ev); err != nil {
		return fmt.Errorf("registering fd %d: %w", fd, err)
	}
	l.callbacks[fd] = registration{gen: gen, fn: fn}
	l.log.Debugf("registered fd %d", fd)
	return nil
}

// CancelNotify removes the registration for p, returning false if there was none.
// Readiness already collected for p but not yet dispatched is dropped.
func (l *Loop) CancelNotify(p Pollable) bool {
	fd := int32(p.Fd())

	l.mut.Lock()
	defer l.mut.Unlock()
	if _, ok := l.callbacks[fd]; !ok {
		return false
	}
	delete(l.callbacks, fd)
	if l.released {
		return true
	}
	// the descriptor may already have been closed, which removes it from the interest list
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, int(fd), nil); err != nil && !errors.Is(err, unix.EBADF) && !errors.Is(err, unix.ENOENT) {
		l.log.Debugf("error deregistering fd %d: %s", fd, err)
	}
	l.log.Debugf("deregistered fd %d", fd)
	return true
}

// Post schedules fn to run on the loop goroutine. It is safe to call from any goroutine.
func (l *Loop) Post(fn func()) error {
	l.mut.Lock()
	if l.closed {
		l.mut.Unlock()
		return ErrClosed
	}
	l.posted = append(l.posted, fn)
	l.mut.Unlock()
	l.wake()
	return nil
}

// Run dispatches readiness callbacks and posted functions until ctx is done or the loop is closed.
func (l *Loop) Run(ctx context.Context) error {
	l.mut.Lock()
	if l.closed {
		l.mut.Unlock()
		return ErrClosed
	}
	if l.running {
		l.mut.Unlock()
		return errors.New("reactor already running")
	}
	l.running = true
	l.mut.Unlock()

	defer func() {
		l.mut.Lock()
		l.running = false
		if l.closed {
			l.release()
		}
		l.mut.Unlock()
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.wake()
		case <-done:
		}
	}()

	events := make([]unix.EpollEvent, maxEvents)
	for {
		l.runPosted()
		if ctx.Err() != nil || l.isClosed() {
			return nil
		}

		n, err := unix.EpollWait(l.epfd, events, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("waiting for readiness: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := events[i].Fd
			if fd == int32(l.wakefd) {
				l.drainWake()
				continue
			}
			l.mut.Lock()
			reg, ok := l.callbacks[fd]
			l.mut.Unlock()
			if !ok || reg.gen != events[i].Pad {
				continue
			}
			reg.fn()
		}
	}
}

// Close stops Run and releases the loop's descriptors. It does not close registered descriptors.
func (l *Loop) Close() error {
	l.mut.Lock()
	defer l.mut.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.running {
		l.wakeLocked()
		return nil
	}
	l.release()
	return nil
}

func (l *Loop) isClosed() bool {
	l.mut.Lock()
	defer l.mut.Unlock()
	return l.closed
}

func (l *Loop) runPosted() {
	l.mut.Lock()
	posted := l.posted
	l.posted = nil
	l.mut.Unlock()
	for _, fn := range posted {
		fn()
	}
}

// release must be called with mut held.
func (l *Loop) release() {
	if l.released {
		return
	}
	l.released = true
	unix.Close(l.wakefd)
	unix.Close(l.epfd)
	l.callbacks = map[int32]registration{}
	l.posted = nil
}

func (l *Loop) wake() {
	l.mut.Lock()
	defer l.mut.Unlock()
	l.wakeLocked()
}

func (l *Loop) wakeLocked() {
	if l.released {
		return
	}
	_, err := unix.Write(l.wakefd, []byte{1, 0, 0, 0, 0, 0, 0, 0})
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		l.log.Debugf("error waking loop: %s", err)
	}
}

func (l *Loop) drainWake() {
	var buf [8]byte
	_, err := unix.Read(l.wakefd, buf[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		l.log.Debugf("error draining wake eventfd: %s", err)
	}
}
