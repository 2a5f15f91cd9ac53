package engine

import "sync"

// lockMap provides a critical section per equipment id. Locks are
// created on first use and retained; the map is bounded by fleet size.
type lockMap struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockMap() *lockMap {
	return &lockMap{locks: make(map[string]*sync.Mutex)}
}

// Acquire blocks until the lock for id is held and returns its release
// function. Callers must not acquire a second id while holding one;
// every engine operation touches exactly one unit at a time.
func (l *lockMap) Acquire(id string) (release func()) {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Len returns the number of distinct ids seen. Used for testing.
func (l *lockMap) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
