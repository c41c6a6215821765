//go:build linux

package reactor

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newPipe(t *testing.T) (*os.File, *os.File) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		r.Close()
		w.Close()
	})
	return r, w
}

func runLoop(t *testing.T, l *Loop) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errCh)
		require.NoError(t, l.Close())
	})
}

func TestNotifyOnReadable(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	r, w := newPipe(t)
	got := make(chan string, 10)
	err = l.NotifyOnReadable(r, func() {
		buf := make([]byte, 64)
		n, err := r.Read(buf)
		if err != nil {
			l.CancelNotify(r)
			close(got)
			return
		}
		got <- string(buf[:n])
	})
	require.NoError(t, err)
	runLoop(t, l)

	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", recv(t, got))

	_, err = w.Write([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, "world", recv(t, got))

	// hang up is delivered as readability
	require.NoError(t, w.Close())
	select {
	case _, ok := <-got:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for hang up")
	}
}

func TestCancelNotify(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	r, _ := newPipe(t)
	assert.False(t, l.CancelNotify(r))
	require.NoError(t, l.NotifyOnReadable(r, func() {}))
	assert.True(t, l.CancelNotify(r))
	assert.False(t, l.CancelNotify(r))
}

func TestCancelDropsPendingReadiness(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	r1, w1 := newPipe(t)
	r2, w2 := newPipe(t)

	fired := make(chan string, 10)
	// whichever fires first cancels the other, so only one can ever fire
	require.NoError(t, l.NotifyOnReadable(r1, func() {
		l.CancelNotify(r1)
		l.CancelNotify(r2)
		fired <- "r1"
	}))
	require.NoError(t, l.NotifyOnReadable(r2, func() {
		l.CancelNotify(r1)
		l.CancelNotify(r2)
		fired <- "r2"
	}))

	_, err = w1.Write([]byte("a"))
	require.NoError(t, err)
	_, err = w2.Write([]byte("b"))
	require.NoError(t, err)

	runLoop(t, l)

	recv(t, fired)
	done := make(chan string, 1)
	require.NoError(t, l.Post(func() { done <- "posted" }))
	assert.Equal(t, "posted", recv(t, done))
	assert.Len(t, fired, 0)
}

type rawFd int

func (f rawFd) Fd() uintptr { return uintptr(f) }

func TestReusedDescriptorDoesNotGetStaleReadiness(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	r1, w1 := newPipe(t)
	r2, w2 := newPipe(t)
	fd1, fd2 := int(r1.Fd()), int(r2.Fd())

	fired := make(chan string, 10)
	var reused []int
	swapped := false
	// The first callback to fire closes the other pipe and registers an empty pipe under the same fd number,
	// while readiness for the old pipe is still pending in the same batch.
	swap := func(name string, otherFd int, other *os.File) func() {
		return func() {
			fired <- name
			if swapped {
				return
			}
			swapped = true
			l.CancelNotify(r1)
			l.CancelNotify(r2)
			other.Close()

			p := make([]int, 2)
			if err := unix.Pipe2(p, unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
				panic(err)
			}
			if err := unix.Dup3(p[0], otherFd, unix.O_CLOEXEC); err != nil {
				panic(err)
			}
			unix.Close(p[0])
			reused = []int{otherFd, p[1]}
			if err := l.NotifyOnReadable(rawFd(otherFd), func() { fired <- "stale" }); err != nil {
				panic(err)
			}
		}
	}
	require.NoError(t, l.NotifyOnReadable(r1, swap("r1", fd2, r2)))
	require.NoError(t, l.NotifyOnReadable(r2, swap("r2", fd1, r1)))

	_, err = w1.Write([]byte("a"))
	require.NoError(t, err)
	_, err = w2.Write([]byte("b"))
	require.NoError(t, err)

	runLoop(t, l)

	first := recv(t, fired)
	assert.Contains(t, []string{"r1", "r2"}, first)

	done := make(chan struct{})
	require.NoError(t, l.Post(func() {
		for _, fd := range reused {
			l.CancelNotify(rawFd(fd))
			unix.Close(fd)
		}
		close(done)
	}))
	recv(t, done)
	assert.Len(t, fired, 0)
}

func TestPost(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	runLoop(t, l)

	got := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		require.NoError(t, l.Post(func() { got <- i }))
	}
	for i := 0; i < 3; i++ {
		select {
		case v := <-got:
			assert.Equal(t, i, v)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for posted func")
		}
	}
}

func TestClose(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(context.Background()) }()

	started := make(chan struct{})
	require.NoError(t, l.Post(func() { close(started) }))
	recv(t, started)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after close")
	}

	r, _ := newPipe(t)
	assert.ErrorIs(t, l.NotifyOnReadable(r, func() {}), ErrClosed)
	assert.ErrorIs(t, l.Post(func() {}), ErrClosed)
	assert.ErrorIs(t, l.Run(context.Background()), ErrClosed)
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}
