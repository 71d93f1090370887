package lending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// keyedLocker hands out one exclusive lock per key. Entries are reference
// counted and dropped once nobody holds or waits for them.
type keyedLocker struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
	timeout time.Duration
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func newKeyedLocker(timeout time.Duration) *keyedLocker {
	return &keyedLocker{
		entries: make(map[string]*lockEntry),
		timeout: timeout,
	}
}

// Lock blocks until key is free, the timeout elapses or ctx ends. A timeout
// surfaces as ErrLockTimeout so the caller can retry.
func (k *keyedLocker) Lock(ctx context.Context, key string) (unlock func(), err error) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	waitCtx := ctx
	if k.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, k.timeout)
		defer cancel()
	}
	if err := e.sem.Acquire(waitCtx, 1); err != nil {
		k.drop(key, e)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			k.drop(key, e)
		})
	}, nil
}

func (k *keyedLocker) drop(key string, e *lockEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}
