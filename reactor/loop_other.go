//go:build !linux

package reactor

import (
	"context"

	"go.uber.org/zap"
)

// Loop is unavailable on this platform; New always fails.
type Loop struct {
	log *zap.SugaredLogger
}

func New(opts ...Option) (*Loop, error) {
	return nil, ErrUnsupported
}

func (l *Loop) NotifyOnReadable(p Pollable, fn func()) error { return ErrUnsupported }

func (l *Loop) CancelNotify(p Pollable) bool { return false }

func (l *Loop) Post(fn func()) error { return ErrUnsupported }

func (l *Loop) Run(ctx context.Context) error { return ErrUnsupported }

func (l *Loop) Close() error { return nil }
