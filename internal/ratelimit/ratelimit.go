// Package ratelimit admits or rejects requests per (scope, client)
// over a sliding one-minute window.
package ratelimit

import (
	"sync"
	"time"
)

// window is the sliding interval every quota applies to.
const window = time.Minute

// Limiter tracks request timestamps per (scope, client key). Zero
// value is not usable; construct with New. Instances are independent,
// so tests and multiple servers never share state.
type Limiter struct {
	mu     sync.Mutex
	quotas map[string]int
	hits   map[string][]time.Time

	now func() time.Time // test seam
}

// New builds a limiter from scope quotas (requests per minute). Scopes
// absent from the map are admitted unconditionally.
func New(quotas map[string]int) *Limiter {
	q := make(map[string]int, len(quotas))
	for scope, n := range quotas {
		q[scope] = n
	}
	return &Limiter{
		quotas: q,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records an attempt and reports whether it fits the scope's
// quota. Timestamps older than the window are pruned on every call, so
// memory stays proportional to recent traffic.
func (l *Limiter) Allow(scope, clientKey string) bool {
	quota, limited := l.quotas[scope]
	if !limited {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-window)
	key := scope + "\x00" + clientKey

	recent := l.hits[key][:0]
	for _, t := range l.hits[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= quota {
		l.hits[key] = recent
		return false
	}
	l.hits[key] = append(recent, now)
	return true
}

// Remaining reports how many attempts the client has left in the
// current window; scopes without a quota report -1.
func (l *Limiter) Remaining(scope, clientKey string) int {
	quota, limited := l.quotas[scope]
	if !limited {
		return -1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-window)
	key := scope + "\x00" + clientKey
	n := 0
	for _, t := range l.hits[key] {
		if t.After(cutoff) {
			n++
		}
	}
	if n > quota {
		n = quota
	}
	return quota - n
}
