// Package lock provides named mutual exclusion with acquisition timeouts.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrLockTimeout is returned when a lock cannot be acquired in time.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// DefaultTimeout bounds how long Acquire waits when no timeout is given.
const DefaultTimeout = 300 * time.Second

// Keyed hands out one weighted semaphore per name. Entries are reference
// counted and dropped once nobody holds or waits for them.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
	timeout time.Duration
}

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// NewKeyed constructs a Keyed lock set. A non-positive timeout uses
// DefaultTimeout.
func NewKeyed(timeout time.Duration) *Keyed {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Keyed{
		entries: make(map[string]*entry),
		timeout: timeout,
	}
}

// Acquire blocks until name is free, the timeout elapses or ctx ends.
// The returned release func must be called exactly once.
func (k *Keyed) Acquire(ctx context.Context, name string) (func(), error) {
	e := k.ref(name)

	waitCtx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := e.sem.Acquire(waitCtx, 1); err != nil {
		k.unref(name)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("acquire %s: %w", name, ctx.Err())
		}
		return nil, fmt.Errorf("acquire %s after %s: %w", name, k.timeout, ErrLockTimeout)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			k.unref(name)
		})
	}, nil
}

// Held reports how many names currently have holders or waiters.
func (k *Keyed) Held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

func (k *Keyed) ref(name string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[name]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		k.entries[name] = e
	}
	e.refs++
	return e
}

func (k *Keyed) unref(name string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[name]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(k.entries, name)
	}
}
