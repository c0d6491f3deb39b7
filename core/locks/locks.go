// Package locks implements the two lock tiers of the engine: a database-wide
// shared/exclusive transaction lock and per-collection mutual exclusion.
// Every acquisition honors the configured timeout and fails with
// ErrLockTimeout instead of deadlocking.
package locks

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrLockTimeout is returned when a lock is not acquired within the
// configured timeout.
var ErrLockTimeout = errors.New("locks: timeout waiting for lock")

// maxReaders bounds concurrent shared holders of the database lock; the
// exclusive path acquires the full weight.
const maxReaders = 1 << 20

// LockService hands out database and collection locks. The ordering rule is
// database lock strictly before collection locks, and collection locks in
// lexicographic order.
type LockService struct {
	logger *zap.Logger

	mu      sync.Mutex
	timeout time.Duration

	db          *semaphore.Weighted
	collections map[string]*semaphore.Weighted
}

// NewLockService creates a lock service with the given acquisition timeout.
func NewLockService(timeout time.Duration, logger *zap.Logger) *LockService {
	return &LockService{
		logger:      logger,
		timeout:     timeout,
		db:          semaphore.NewWeighted(maxReaders),
		collections: make(map[string]*semaphore.Weighted),
	}
}

// SetTimeout updates the acquisition timeout (TIMEOUT pragma).
func (l *LockService) SetTimeout(timeout time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timeout = timeout
}

func (l *LockService) acquireTimeout() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timeout
}

func (l *LockService) acquire(sem *semaphore.Weighted, weight int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.acquireTimeout())
	defer cancel()
	if err := sem.Acquire(ctx, weight); err != nil {
		return ErrLockTimeout
	}
	return nil
}

// EnterTransaction takes the shared database lock. Every mutating operation
// holds it for the duration of its transaction.
func (l *LockService) EnterTransaction() error {
	return l.acquire(l.db, 1)
}

// ExitTransaction releases the shared database lock.
func (l *LockService) ExitTransaction() {
	l.db.Release(1)
}

// EnterExclusive takes the exclusive database lock, waiting out all shared
// holders. Used by checkpoint and structural operations.
func (l *LockService) EnterExclusive() error {
	return l.acquire(l.db, maxReaders)
}

// TryEnterExclusive attempts the exclusive lock without waiting.
func (l *LockService) TryEnterExclusive() bool {
	return l.db.TryAcquire(maxReaders)
}

// ExitExclusive releases the exclusive database lock.
func (l *LockService) ExitExclusive() {
	l.db.Release(maxReaders)
}

func (l *LockService) collection(name string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.collections[name]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.collections[name] = sem
	}
	return sem
}

// EnterLock takes a collection's write lock.
func (l *LockService) EnterLock(name string) error {
	if err := l.acquire(l.collection(name), 1); err != nil {
		l.logger.Warn("collection lock timeout", zap.String("collection", name))
		return err
	}
	return nil
}

// ExitLock releases a collection's write lock.
func (l *LockService) ExitLock(name string) {
	l.collection(name).Release(1)
}

// EnterLocks acquires several collection locks in lexicographic order,
// releasing any acquired lock on failure.
func (l *LockService) EnterLocks(names []string) error {
	ordered := make([]string, len(names))
	copy(ordered, names)
	sort.Strings(ordered)
	for i, name := range ordered {
		if err := l.EnterLock(name); err != nil {
			for j := i - 1; j >= 0; j-- {
				l.ExitLock(ordered[j])
			}
			return err
		}
	}
	return nil
}
