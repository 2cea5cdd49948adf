// Package task implements the concurrency core: the Task Manager
// (background task submission, typing keepalive) and the Conversation
// Mutex (per-key FIFO exclusion).
package task

import (
	"context"
	"sync"
)

// Mutex provides per-key mutual exclusion with FIFO ordering: concurrent
// Acquire calls for the same key are granted in call order, because each
// waits on a receive from a single-token channel, and Go's channel runtime
// wakes blocked receivers in the order they parked.
//
// Invariant M1: for any key, at most one acquisition is held at a time.
// Invariant M2: the returned release is idempotent and safe to call on
// every code path, including after an error.
type Mutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	token    chan struct{}
	refcount int
}

// NewMutex constructs an empty Mutex.
func NewMutex() *Mutex {
	return &Mutex{locks: map[string]*keyLock{}}
}

// Acquire blocks until key is free (or ctx is done) and returns a release
// function. Callers must call release exactly once they are done, though
// calling it more than once is harmless.
func (m *Mutex) Acquire(ctx context.Context, key string) (release func(), err error) {
	m.mu.Lock()
	kl, ok := m.locks[key]
	if !ok {
		kl = &keyLock{token: make(chan struct{}, 1)}
		kl.token <- struct{}{}
		m.locks[key] = kl
	}
	kl.refcount++
	m.mu.Unlock()

	select {
	case <-kl.token:
		var once sync.Once
		release = func() {
			once.Do(func() {
				kl.token <- struct{}{}
				m.mu.Lock()
				kl.refcount--
				if kl.refcount == 0 {
					delete(m.locks, key)
				}
				m.mu.Unlock()
			})
		}
		return release, nil
	case <-ctx.Done():
		m.mu.Lock()
		kl.refcount--
		if kl.refcount == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
		return func() {}, ctx.Err()
	}
}
