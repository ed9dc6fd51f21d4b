// Package locks provides the two lock primitives the consent core requires
// from its environment: a blocking exclusive lock and a non-blocking try-lock,
// both scoped to an arbitrary string key.
//
// Contract signing and audit appends use the blocking form (ordering matters
// more than latency); PIN validation uses the try-lock form and surfaces
// LOCK_CONTENTION to the caller instead of queueing.
package locks

import (
	"context"
	"sync"

	"github.com/consentmesh/trustcore/pkg/consent"
)

// Locker acquires exclusive locks keyed by string. Both methods return a
// release function that must be called exactly once.
type Locker interface {
	// Acquire blocks until the lock is held or ctx is done.
	Acquire(ctx context.Context, key string) (release func(), err error)
	// TryAcquire returns a LOCK_CONTENTION error immediately if the lock is
	// already held.
	TryAcquire(ctx context.Context, key string) (release func(), err error)
}

// KeyedMutex is the in-process Locker for single-instance deployments. Each
// key maps to a one-slot semaphore, so acquisition honors context
// cancellation and supports a try variant.
type KeyedMutex struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

// NewKeyedMutex creates an empty keyed mutex map.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{sems: make(map[string]chan struct{})}
}

func (m *KeyedMutex) sem(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sems[key]
	if !ok {
		s = make(chan struct{}, 1)
		m.sems[key] = s
	}
	return s
}

// Acquire blocks until the key's lock is free or ctx is done.
func (m *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	s := m.sem(key)
	select {
	case s <- struct{}{}:
		return func() { <-s }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire takes the key's lock if free, otherwise fails fast with
// LOCK_CONTENTION.
func (m *KeyedMutex) TryAcquire(_ context.Context, key string) (func(), error) {
	s := m.sem(key)
	select {
	case s <- struct{}{}:
		return func() { <-s }, nil
	default:
		return nil, consent.Errorf(consent.KindLockContention, "lock %q is held", key)
	}
}
