package session

import "sync"

// Locker serializes turns per session. A caller holds the lock for the
// whole agent loop, so a second request for the same session waits for
// the first to finish instead of interleaving tool interactions.
//
// Entries are refcounted: the map entry exists only while a goroutine
// holds or waits on the lock, so the map never grows with idle sessions.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocker creates an empty session locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*sessionLock)}
}

// Lock acquires the lock for sessionID, blocking until it is available,
// and returns the release function. Release must be called exactly once.
func (l *Locker) Lock(sessionID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[sessionID]
	if !ok {
		entry = &sessionLock{}
		l.locks[sessionID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()
			l.mu.Lock()
			entry.refs--
			if entry.refs <= 0 {
				delete(l.locks, sessionID)
			}
			l.mu.Unlock()
		})
	}
}

// Held reports whether any goroutine currently holds or is waiting on
// the session's lock. Eviction uses this to leave active sessions alone.
func (l *Locker) Held(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.locks[sessionID]
	return ok && entry.refs > 0
}
