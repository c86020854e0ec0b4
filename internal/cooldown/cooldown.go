// Package cooldown debounces alerts per logical key. It bounds frequency per
// key, independent of the global rate limiter which bounds aggregate
// throughput.
package cooldown

import (
	"fmt"
	"sync"
	"time"
)

const (
	DefaultWindow     = time.Minute
	DefaultMaxEntries = 2000
)

// Tracker remembers, per key, when an alert last fired. It is safe for
// concurrent use; the check-then-update in ShouldFire runs under one lock.
//
// The key set is capped: expired entries are pruned opportunistically and the
// oldest entries are evicted once MaxEntries is exceeded. Eviction can only
// re-allow an alert early, never suppress one late.
type Tracker struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	lastFor map[string]time.Time
}

func New(window time.Duration, maxEntries int) (*Tracker, error) {
	if window < 0 {
		return nil, fmt.Errorf("cooldown: window must be >= 0, got %v", window)
	}
	if window == 0 {
		window = DefaultWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Tracker{
		window:  window,
		max:     maxEntries,
		lastFor: map[string]time.Time{},
	}, nil
}

// ShouldFire reports whether an alert with this key may fire at now, and if
// so records the fire. A suppressed call leaves state untouched.
func (t *Tracker) ShouldFire(key string, now time.Time) bool {
	if key == "" {
		// No key, nothing to debounce.
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if last, ok := t.lastFor[key]; ok && now.Sub(last) < t.window {
		return false
	}

	t.lastFor[key] = now
	t.pruneLocked(now)
	return true
}

// Warm seeds the tracker from persisted state. Entries older than the window
// are ignored; existing newer entries win.
func (t *Tracker) Warm(entries map[string]time.Time, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, at := range entries {
		if key == "" || now.Sub(at) >= t.window {
			continue
		}
		if cur, ok := t.lastFor[key]; ok && cur.After(at) {
			continue
		}
		t.lastFor[key] = at
	}
	t.pruneLocked(now)
}

// Snapshot copies the live (non-expired) entries, for persistence.
func (t *Tracker) Snapshot(now time.Time) map[string]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]time.Time, len(t.lastFor))
	for key, at := range t.lastFor {
		if now.Sub(at) < t.window {
			out[key] = at
		}
	}
	return out
}

// Len reports the tracked key count (observability only).
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.lastFor)
}

func (t *Tracker) pruneLocked(now time.Time) {
	for key, last := range t.lastFor {
		if now.Sub(last) >= t.window {
			delete(t.lastFor, key)
		}
	}

	// Cap: evict earliest-fired keys until within bounds.
	for len(t.lastFor) > t.max {
		var (
			oldKey string
			oldAt  time.Time
			set    bool
		)
		for key, at := range t.lastFor {
			if !set || at.Before(oldAt) {
				oldKey, oldAt, set = key, at, true
			}
		}
		if !set {
			break
		}
		delete(t.lastFor, oldKey)
	}
}
