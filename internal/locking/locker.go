// Package locking provides the per-table mutual exclusion the engine relies
// on: at most one sync cycle runs against a tracked table at a time, whether
// the competing cycles live in one process or several.
package locking

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrLockHeld is returned when the lock is already held by another cycle.
var ErrLockHeld = errors.New("lock already held")

// Locker serializes sync cycles per table. AcquireLock returns a lease ID
// that must be passed back to ReleaseLock.
type Locker interface {
	AcquireLock(ctx context.Context, name string) (string, error)
	ReleaseLock(ctx context.Context, name string, leaseID string) error
}

// ProcessLocker is an in-process Locker backed by a map of held leases.
// Sufficient when only one process syncs a given table.
type ProcessLocker struct {
	mu   sync.Mutex
	held map[string]string
}

// NewProcessLocker returns an empty in-process locker.
func NewProcessLocker() *ProcessLocker {
	return &ProcessLocker{held: make(map[string]string)}
}

// AcquireLock implements Locker. It never blocks: a held lock fails
// immediately with ErrLockHeld so the caller can skip the cycle.
func (p *ProcessLocker) AcquireLock(_ context.Context, name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.held[name]; ok {
		return "", ErrLockHeld
	}
	lease := uuid.NewString()
	p.held[name] = lease
	return lease, nil
}

// ReleaseLock implements Locker.
func (p *ProcessLocker) ReleaseLock(_ context.Context, name, leaseID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.held[name] != leaseID {
		return errors.New("lease does not match holder")
	}
	delete(p.held, name)
	return nil
}
