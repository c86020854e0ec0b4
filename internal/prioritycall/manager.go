// Package prioritycall orders bursts of outbound data calls: strict priority
// buckets, a shared rate-limit budget, and skip-not-retry semantics.
//
// It exists for startup/burst windows where many upstream fetches compete for
// a small quota. Unlike the alert path there is no queue and no retry: a call
// either runs inside the budget or is reported as skipped, and the caller
// decides about any re-run.
package prioritycall

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"alertpipe/internal/ratelimit"
	logx "alertpipe/pkg/logx"
)

const (
	// BucketMin..BucketMax bound the priority buckets (1 runs first).
	BucketMin = 1
	BucketMax = 4

	defaultWaitBudget = 30 * time.Second
	defaultCallGap    = 800 * time.Millisecond
)

// Task performs one outbound call and returns its result.
type Task func(ctx context.Context) (any, error)

// Key identifies a registered call in the results map.
type Key struct {
	Priority int
	Name     string
}

func (k Key) String() string { return fmt.Sprintf("p%d/%s", k.Priority, k.Name) }

// Result is the terminal outcome of one registered call.
type Result struct {
	Value   any
	Err     error
	Skipped bool
}

type call struct {
	name string
	fn   Task
}

type Config struct {
	// WaitBudget bounds how long ExecuteAll waits for the limiter before a
	// single call. Default 30s.
	WaitBudget time.Duration
	// CallGap is the fixed pause between executed calls. Default 800ms.
	CallGap time.Duration
}

// Manager collects deferred calls under priority buckets and executes them in
// strict bucket order against a shared limiter.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	limiter *ratelimit.Limiter
	log     logx.Logger
	buckets map[int][]call
}

func New(cfg Config, limiter *ratelimit.Limiter, log logx.Logger) (*Manager, error) {
	if limiter == nil {
		return nil, fmt.Errorf("prioritycall: limiter is required")
	}
	if cfg.WaitBudget <= 0 {
		cfg.WaitBudget = defaultWaitBudget
	}
	if cfg.CallGap < 0 {
		cfg.CallGap = 0
	} else if cfg.CallGap == 0 {
		cfg.CallGap = defaultCallGap
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cfg:     cfg,
		limiter: limiter,
		log:     log,
		buckets: map[int][]call{},
	}, nil
}

// AddCall registers a deferred call under a priority bucket.
// Registration order is preserved within a bucket.
func (m *Manager) AddCall(priority int, name string, fn Task) error {
	if priority < BucketMin || priority > BucketMax {
		return fmt.Errorf("prioritycall: bucket %d out of range [%d..%d]", priority, BucketMin, BucketMax)
	}
	if name == "" {
		return fmt.Errorf("prioritycall: call name is required")
	}
	if fn == nil {
		return fmt.Errorf("prioritycall: task is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.buckets[priority] {
		if c.name == name {
			return fmt.Errorf("prioritycall: duplicate call %q in bucket %d", name, priority)
		}
	}
	m.buckets[priority] = append(m.buckets[priority], call{name: name, fn: fn})
	return nil
}

// Len reports the number of registered calls.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.buckets {
		n += len(b)
	}
	return n
}

// ExecuteAll walks buckets 1..4 in order. Before each call it waits (up to
// the wait budget) for a limiter reservation; once the limiter cannot serve a
// call inside the budget, that call and everything after it is reported as
// skipped. Executed calls are spaced by the configured gap.
//
// Registered calls are consumed: a second ExecuteAll starts empty.
func (m *Manager) ExecuteAll(ctx context.Context) map[Key]Result {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	buckets := m.buckets
	m.buckets = map[int][]call{}
	cfg := m.cfg
	m.mu.Unlock()

	prios := make([]int, 0, len(buckets))
	for p := range buckets {
		prios = append(prios, p)
	}
	sort.Ints(prios)

	results := map[Key]Result{}
	exhausted := false
	executed := 0

	for _, p := range prios {
		for _, c := range buckets[p] {
			key := Key{Priority: p, Name: c.name}

			if exhausted || ctx.Err() != nil {
				results[key] = Result{Skipped: true}
				continue
			}

			if !m.limiter.WaitForAvailability(ctx, cfg.WaitBudget) {
				// Budget gone: everything from here down is lower or equal
				// priority and would burn the same wait again.
				exhausted = true
				m.log.Warn("call budget exhausted; skipping remaining calls",
					logx.String("call", key.String()))
				results[key] = Result{Skipped: true}
				continue
			}

			if executed > 0 && cfg.CallGap > 0 {
				t := time.NewTimer(cfg.CallGap)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
				}
			}

			start := time.Now()
			v, err := c.fn(ctx)
			executed++
			if err != nil {
				m.log.Warn("priority call failed",
					logx.String("call", key.String()),
					logx.Duration("dur", time.Since(start)),
					logx.Err(err))
			} else {
				m.log.Debug("priority call done",
					logx.String("call", key.String()),
					logx.Duration("dur", time.Since(start)))
			}
			results[key] = Result{Value: v, Err: err}
		}
	}
	return results
}
