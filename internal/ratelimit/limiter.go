// Package ratelimit implements the call budget against a throttled endpoint:
// a sliding per-minute window plus an absolute daily cap.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultWindow is the sliding window size. It is configurable so tests can
// run against a compressed clock.
const DefaultWindow = time.Minute

// pollInterval bounds how long WaitForAvailability sleeps between attempts.
const pollInterval = time.Second

type Config struct {
	// PerMinute is the cap on reservations inside one sliding Window.
	// Zero means "deny everything" (a usable kill switch); negative is a
	// configuration error.
	PerMinute int

	// PerDay is the absolute cap per local calendar day. Zero denies
	// everything; negative is a configuration error.
	PerDay int

	// Window defaults to DefaultWindow when zero.
	Window time.Duration
}

// Limiter tracks reservations against Config. It is safe for concurrent use;
// the evict-check-append sequence runs under one mutex so concurrent callers
// can never overshoot a cap.
type Limiter struct {
	mu  sync.Mutex
	cfg Config

	// calls holds the reservation timestamps still inside the window,
	// oldest first. Eviction is lazy on every Reserve/Status call.
	calls []time.Time

	daily     int
	dayAnchor time.Time // any instant of the anchor day; only the date matters

	// now is replaceable in tests.
	now func() time.Time
}

func New(cfg Config) (*Limiter, error) {
	if cfg.PerMinute < 0 {
		return nil, fmt.Errorf("ratelimit: per-minute limit must be >= 0, got %d", cfg.PerMinute)
	}
	if cfg.PerDay < 0 {
		return nil, fmt.Errorf("ratelimit: daily limit must be >= 0, got %d", cfg.PerDay)
	}
	if cfg.Window < 0 {
		return nil, fmt.Errorf("ratelimit: window must be >= 0, got %v", cfg.Window)
	}
	if cfg.Window == 0 {
		cfg.Window = DefaultWindow
	}
	l := &Limiter{cfg: cfg, now: time.Now}
	l.dayAnchor = l.now()
	return l, nil
}

// Reserve records one call if both caps allow it. On denial no state is
// mutated.
func (l *Limiter) Reserve() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.rollDayLocked(now)
	l.evictLocked(now)

	if l.cfg.PerMinute <= 0 || l.cfg.PerDay <= 0 {
		return false
	}
	if len(l.calls) >= l.cfg.PerMinute {
		return false
	}
	if l.daily >= l.cfg.PerDay {
		return false
	}

	l.calls = append(l.calls, now)
	l.daily++
	return true
}

// TimeUntilAvailable reports how long until a Reserve could succeed.
//
// When the daily cap is exhausted (or the limiter is configured to deny
// everything) it returns the time until the next local midnight, mirroring
// how published API quotas reset.
func (l *Limiter) TimeUntilAvailable() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.rollDayLocked(now)
	l.evictLocked(now)

	if l.cfg.PerMinute <= 0 || l.cfg.PerDay <= 0 || l.daily >= l.cfg.PerDay {
		return untilNextMidnight(now)
	}
	if len(l.calls) >= l.cfg.PerMinute {
		// The oldest call ages out first.
		d := l.calls[0].Add(l.cfg.Window).Sub(now)
		if d < 0 {
			d = 0
		}
		return d
	}
	return 0
}

// WaitForAvailability polls Reserve until it succeeds, maxWait elapses, or
// ctx is done. The sleep between attempts is bounded by pollInterval so the
// caller stays responsive to shutdown.
//
// On success the reservation has already been recorded.
func (l *Limiter) WaitForAvailability(ctx context.Context, maxWait time.Duration) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	deadline := time.Now().Add(maxWait)

	for {
		if l.Reserve() {
			return true
		}

		remain := time.Until(deadline)
		if remain <= 0 {
			return false
		}

		wait := l.TimeUntilAvailable()
		if wait <= 0 || wait > pollInterval {
			wait = pollInterval
		}
		if wait > remain {
			wait = remain
		}

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return false
		}
	}
}

// Status is a read-only snapshot for observability.
type Status struct {
	WindowCalls int  `json:"window_calls"`
	PerMinute   int  `json:"per_minute"`
	DailyCalls  int  `json:"daily_calls"`
	PerDay      int  `json:"per_day"`
	Available   bool `json:"available"`
}

func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.rollDayLocked(now)
	l.evictLocked(now)

	st := Status{
		WindowCalls: len(l.calls),
		PerMinute:   l.cfg.PerMinute,
		DailyCalls:  l.daily,
		PerDay:      l.cfg.PerDay,
	}
	st.Available = l.cfg.PerMinute > 0 && l.cfg.PerDay > 0 &&
		st.WindowCalls < st.PerMinute && st.DailyCalls < st.PerDay
	return st
}

// rollDayLocked resets the daily counter when the local calendar date
// changes. This is a deliberate policy choice (quota-style reset), not a
// rolling 24h window.
func (l *Limiter) rollDayLocked(now time.Time) {
	ay, am, ad := l.dayAnchor.Date()
	ny, nm, nd := now.Date()
	if ay != ny || am != nm || ad != nd {
		l.daily = 0
		l.dayAnchor = now
	}
}

func (l *Limiter) evictLocked(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.calls) && !l.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}

func untilNextMidnight(now time.Time) time.Duration {
	y, m, d := now.Date()
	next := time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
	return next.Sub(now)
}
