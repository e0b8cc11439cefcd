package tokencore

import (
	"sync"
	"time"
)

type sessionEntry struct {
	jti      string
	issuedAt time.Time
}

// SessionLimiter tracks issued access-token identifiers per principal and
// enforces the concurrency cap. Eviction is FIFO by issuance time with
// ties broken by insertion order, so the newest session always survives.
//
// Contention is confined to a per-call mutex; Track and Enforce run only
// on issuance, never on the validation hot path.
type SessionLimiter struct {
	mu       sync.Mutex
	sessions map[string][]sessionEntry
	ttl      time.Duration
	clock    Clock
}

// NewSessionLimiter creates a limiter. ttl is the access-token lifetime;
// entries older than ttl no longer count against the cap.
func NewSessionLimiter(ttl time.Duration, clock Clock) *SessionLimiter {
	if clock == nil {
		clock = realClock{}
	}
	return &SessionLimiter{
		sessions: make(map[string][]sessionEntry),
		ttl:      ttl,
		clock:    clock,
	}
}

// Track records a newly issued token identifier for the principal.
// Entries are appended in issuance order, which is what makes the
// tie-break in Enforce deterministic.
func (l *SessionLimiter) Track(principalID, jti string, issuedAt time.Time) {
	if principalID == "" || jti == "" {
		return
	}
	l.mu.Lock()
	l.sessions[principalID] = append(l.sessions[principalID], sessionEntry{jti: jti, issuedAt: issuedAt})
	l.mu.Unlock()
}

// Enforce drops expired entries, then evicts oldest-issued sessions until
// the principal is back at maxConcurrent. It returns the evicted token
// identifiers; the caller is responsible for blacklisting each of them.
func (l *SessionLimiter) Enforce(principalID string, maxConcurrent int) []string {
	if maxConcurrent <= 0 {
		return nil
	}

	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.sessions[principalID]
	if len(entries) == 0 {
		return nil
	}

	live := entries[:0]
	for _, e := range entries {
		if e.issuedAt.Add(l.ttl).After(now) {
			live = append(live, e)
		}
	}

	var evicted []string
	for len(live) > maxConcurrent {
		oldest := 0
		for i := 1; i < len(live); i++ {
			// strictly Before keeps insertion order on equal issuedAt
			if live[i].issuedAt.Before(live[oldest].issuedAt) {
				oldest = i
			}
		}
		evicted = append(evicted, live[oldest].jti)
		live = append(live[:oldest], live[oldest+1:]...)
	}

	if len(live) == 0 {
		delete(l.sessions, principalID)
	} else {
		l.sessions[principalID] = live
	}

	return evicted
}

// Untrack removes a token identifier, typically after explicit
// revocation, so it no longer counts against the cap.
func (l *SessionLimiter) Untrack(principalID, jti string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.sessions[principalID]
	for i, e := range entries {
		if e.jti == jti {
			l.sessions[principalID] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(l.sessions[principalID]) == 0 {
		delete(l.sessions, principalID)
	}
}

// UntrackAll drops every tracked session for a principal.
func (l *SessionLimiter) UntrackAll(principalID string) {
	l.mu.Lock()
	delete(l.sessions, principalID)
	l.mu.Unlock()
}

// ActiveCount returns the number of tracked, non-expired sessions.
func (l *SessionLimiter) ActiveCount(principalID string) int {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	count := 0
	for _, e := range l.sessions[principalID] {
		if e.issuedAt.Add(l.ttl).After(now) {
			count++
		}
	}
	return count
}
