// Package lifecycle tracks readiness of background subsystems.
package lifecycle

import (
	"context"
	"sync"
)

// Lifecycle is constructed once per process. Ready is closed exactly once by
// MarkReady; waiters block on it instead of polling a flag.
type Lifecycle struct {
	name  string
	ready chan struct{}
	once  sync.Once
}

func New(name string) *Lifecycle {
	return &Lifecycle{name: name, ready: make(chan struct{})}
}

func (l *Lifecycle) Name() string { return l.name }

func (l *Lifecycle) MarkReady() {
	l.once.Do(func() { close(l.ready) })
}

func (l *Lifecycle) Ready() <-chan struct{} { return l.ready }

func (l *Lifecycle) IsReady() bool {
	select {
	case <-l.ready:
		return true
	default:
		return false
	}
}

// Wait blocks until the subsystem is ready or ctx ends.
func (l *Lifecycle) Wait(ctx context.Context) error {
	select {
	case <-l.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
