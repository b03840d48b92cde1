package grade

import (
	"context"
	"sync"
)

// pairLocks serializes recompute attempts per (student, offering) pair.
// Each key owns a one-slot channel acting as a mutex that can be waited
// on under a context deadline.
type pairLocks struct {
	mu sync.Mutex
	m  map[string]chan struct{}
}

func newPairLocks() *pairLocks {
	return &pairLocks{m: map[string]chan struct{}{}}
}

func (l *pairLocks) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.m[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.m[key] = ch
	}
	return ch
}

// acquire blocks until the pair lock is held or ctx expires. The returned
// release must be called exactly once.
func (l *pairLocks) acquire(ctx context.Context, key string) (release func(), err error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
