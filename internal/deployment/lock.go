package deployment

import "sync"

// LockManager hands out one mutex per repository so jobs for the same
// working copy never overlap.
//
// Two levels of locking:
// 1. mu protects the locks map itself
// 2. each repository has its own mutex held for the whole job
//
// Jobs for different repositories proceed independently.
type LockManager struct {
	mu    sync.Mutex             // Protects the locks map
	locks map[string]*sync.Mutex // Per-repository locks
}

// NewLockManager creates a new lock manager
func NewLockManager() *LockManager {
	return &LockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

func (lm *LockManager) get(repo string) *sync.Mutex {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lock, exists := lm.locks[repo]
	if !exists {
		lock = &sync.Mutex{}
		lm.locks[repo] = lock
	}
	return lock
}

// Lock blocks until the repository's lock is acquired. Queued jobs are not
// guaranteed to run in arrival order.
func (lm *LockManager) Lock(repo string) {
	lm.get(repo).Lock()
}

// Unlock releases the repository's lock. Typically deferred right after Lock.
//
// It is safe to call for a repository that was never locked (no-op).
func (lm *LockManager) Unlock(repo string) {
	lm.mu.Lock()
	lock := lm.locks[repo]
	lm.mu.Unlock()

	if lock != nil {
		lock.Unlock()
	}
}
