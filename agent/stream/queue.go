package stream

import (
	"context"
	"sync"
)

// frameQueue is an unbounded FIFO. Pushing never blocks, so it is safe to push from loop callbacks
// while a slow connection drains it.
type frameQueue struct {
	mut    sync.Mutex
	frames []Frame
	closed bool
	notify chan struct{}
}

func newFrameQueue() *frameQueue {
	return &frameQueue{notify: make(chan struct{}, 1)}
}

// push drops f if the queue is closed.
func (q *frameQueue) push(f Frame) {
	q.mut.Lock()
	if q.closed {
		q.mut.Unlock()
		return
	}
	q.frames = append(q.frames, f)
	q.mut.Unlock()
	q.signal()
}

// close lets pop drain the remaining frames and then report false.
func (q *frameQueue) close() {
	q.mut.Lock()
	q.closed = true
	q.mut.Unlock()
	q.signal()
}

func (q *frameQueue) pop(ctx context.Context) (Frame, bool) {
	for {
		q.mut.Lock()
		if len(q.frames) > 0 {
			f := q.frames[0]
			q.frames[0] = Frame{}
			q.frames = q.frames[1:]
			q.mut.Unlock()
			return f, true
		}
		closed := q.closed
		q.mut.Unlock()
		if closed {
			return Frame{}, false
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return Frame{}, false
		}
	}
}

func (q *frameQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
