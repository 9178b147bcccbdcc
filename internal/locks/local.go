package locks

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Local — блокировки внутри одного процесса.
type Local struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
	wait  time.Duration
}

// NewLocal создаёт Local. wait <= 0 — ждать до отмены контекста.
func NewLocal(wait time.Duration) *Local {
	return &Local{
		slots: make(map[string]chan struct{}),
		wait:  wait,
	}
}

func (l *Local) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// Acquire реализует Locker.
func (l *Local) Acquire(ctx context.Context, key string) (Unlock, error) {
	ch := l.slot(key)

	var timeout <-chan time.Time
	if l.wait > 0 {
		timer := time.NewTimer(l.wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-timeout:
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
