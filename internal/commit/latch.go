package commit

import (
	"context"
	"sync"
)

// Latch blocks outcome handlers while the driver is still sending a phase.
// It starts released; Arm and Release are idempotent.
type Latch struct {
	mu sync.Mutex
	ch chan struct{}
}

func (l *Latch) init() {
	if l.ch == nil {
		l.ch = make(chan struct{})
		close(l.ch)
	}
}

// Arm makes subsequent Wait calls block until Release.
func (l *Latch) Arm() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.init()
	select {
	case <-l.ch:
		l.ch = make(chan struct{})
	default:
	}
}

// Release wakes all waiters.
func (l *Latch) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.init()
	select {
	case <-l.ch:
	default:
		close(l.ch)
	}
}

// Wait blocks until the latch is released or ctx is done.
func (l *Latch) Wait(ctx context.Context) error {
	l.mu.Lock()
	l.init()
	ch := l.ch
	l.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
