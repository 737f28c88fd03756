// Package decision runs the per-account trading cycle as an explicit
// state machine and hosts the strategy evaluators.
package decision

import "sync"

// LockRegistry hands out one mutex per account. Every code path that
// mutates account state (the cycle loop, the weight adapter) takes the
// account's lock, so cycles for one account are strictly serialized
// while different accounts proceed concurrently.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]*sync.Mutex)}
}

// Get returns the lock for an account, creating it on first use.
func (r *LockRegistry) Get(accountID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[accountID] = l
	}
	return l
}
