package guardrails

import "sync"

// familyLocks serializes work within one loop family while letting
// different families proceed in parallel. Entries are reference counted
// and removed when the last holder releases, so the map does not grow
// with the number of families ever seen.
type familyLocks struct {
	mu    sync.Mutex
	locks map[string]*familyLock
}

type familyLock struct {
	mu   sync.Mutex
	refs int
}

func newFamilyLocks() *familyLocks {
	return &familyLocks{locks: make(map[string]*familyLock)}
}

// lock blocks until the family is free and returns the release func.
func (l *familyLocks) lock(familyID string) (unlock func()) {
	l.mu.Lock()
	fl, ok := l.locks[familyID]
	if !ok {
		fl = &familyLock{}
		l.locks[familyID] = fl
	}
	fl.refs++
	l.mu.Unlock()

	fl.mu.Lock()
	return func() {
		fl.mu.Unlock()

		l.mu.Lock()
		fl.refs--
		if fl.refs == 0 {
			delete(l.locks, familyID)
		}
		l.mu.Unlock()
	}
}

// held returns how many families currently have a holder or waiter.
func (l *familyLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
