/*
Package reactor provides a single-goroutine readiness loop.

Callbacks registered with NotifyOnReadable and functions passed to Post all run on the goroutine that calls Run,
one at a time. Code running in a callback must not block beyond a single bounded read, since it stalls every other registration.
*/
package reactor

import (
	"errors"

	"go.uber.org/zap"
)

var (
	ErrClosed      = errors.New("reactor closed")
	ErrUnsupported = errors.New("reactor not supported on this platform")
)

// Pollable is anything backed by a file descriptor that can be watched for readability.
type Pollable interface {
	Fd() uintptr
}

type Option func(l *Loop)

func WithLogger(l *zap.Logger) Option {
	return func(loop *Loop) {
		loop.log = l.Named("reactor").Sugar()
	}
}
