package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"alertpipe/internal/alert"
	"alertpipe/internal/cooldown"
	"alertpipe/internal/eventbus"
	"alertpipe/internal/queue"
	"alertpipe/internal/ratelimit"
	rtsup "alertpipe/internal/runtime/supervisor"
	"alertpipe/internal/sink"
	"alertpipe/internal/storage"
	logx "alertpipe/pkg/logx"
)

// Service owns the dispatch pipeline for one sink.
//
// It is safe for concurrent use: any number of producers may Enqueue while
// the single worker drains the queue.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	snk   sink.Sink
	bus   eventbus.Bus
	store storage.Store

	cfg       Config
	limiter   *ratelimit.Limiter
	cooldowns *cooldown.Tracker
	spacing   *rate.Limiter

	accepting bool
	q         *queue.Queue
	sup       *rtsup.Supervisor
	stopDone  chan struct{} // non-nil while stopping

	// Optional persistent cooldown writes (best-effort).
	persistCh chan cooldownWrite

	delivered  atomic.Uint64
	retried    atomic.Uint64
	dropped    atomic.Uint64
	suppressed atomic.Uint64
	throttled  atomic.Uint64
	demoted    atomic.Uint64

	// In-memory history of recent terminal outcomes (for status surfaces).
	hmu     sync.Mutex
	history []HistoryItem
}

type cooldownWrite struct {
	key string
	at  time.Time
}

func New(cfg Config, snk sink.Sink, log logx.Logger, bus eventbus.Bus, store storage.Store) (*Service, error) {
	if snk == nil {
		return nil, fmt.Errorf("dispatch: sink is required")
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	cfg = withDefaults(cfg)

	limiter, err := ratelimit.New(cfg.RateLimit)
	if err != nil {
		return nil, err
	}
	cds, err := cooldown.New(cfg.CooldownWindow, cfg.CooldownMaxEntries)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	return &Service{
		log:       log,
		snk:       snk,
		bus:       bus,
		store:     store,
		cfg:       cfg,
		limiter:   limiter,
		cooldowns: cds,
		spacing:   rate.NewLimiter(rate.Every(cfg.MinSpacing), 1),
	}, nil
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps live-tunable configuration. The sink rate budget keeps its
// window state unless its caps changed; the cooldown tracker keeps its state
// unless the window or cap changed.
func (s *Service) Apply(cfg Config) error {
	if err := validate(cfg); err != nil {
		return err
	}
	cfg = withDefaults(cfg)

	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.RateLimit != s.cfg.RateLimit {
		limiter, err := ratelimit.New(cfg.RateLimit)
		if err != nil {
			return err
		}
		s.limiter = limiter
	}
	if cfg.CooldownWindow != s.cfg.CooldownWindow || cfg.CooldownMaxEntries != s.cfg.CooldownMaxEntries {
		cds, err := cooldown.New(cfg.CooldownWindow, cfg.CooldownMaxEntries)
		if err != nil {
			return err
		}
		s.cooldowns = cds
	}
	if cfg.MinSpacing != s.cfg.MinSpacing {
		s.spacing = rate.NewLimiter(rate.Every(cfg.MinSpacing), 1)
	}
	s.cfg = cfg
	return nil
}

// Start is idempotent. If a Stop is in flight it waits for it to finish
// before restarting.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.q != nil {
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.q = queue.New()
	s.accepting = true
	if s.cfg.PersistCooldowns && s.store != nil {
		s.persistCh = make(chan cooldownWrite, 1024)
	}

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "dispatch"))),
		// Dispatch failures must not take down the whole app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.q
	pch := s.persistCh
	st := s.store
	window := s.cfg.CooldownWindow
	s.mu.Unlock()

	// Warm the cooldown tracker so a restart does not re-fire alerts that
	// were suppressed when the process went down.
	if st != nil {
		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		entries, err := st.RecentCooldowns(wctx, time.Now().Add(-window))
		cancel()
		if err != nil {
			s.log.Warn("cooldown warm-up failed", logx.Err(err))
		} else if len(entries) > 0 {
			s.cooldownTracker().Warm(entries, time.Now())
			s.log.Debug("cooldown tracker warmed", logx.Int("keys", len(entries)))
		}
	}

	if pch != nil {
		sup.GoRestart("cooldown.persist", func(c context.Context) error {
			s.persistLoop(c, pch, st)
			return nil
		})
	}

	sup.GoRestart("worker", func(c context.Context) error {
		s.loop(c, q)
		return nil
	})

	s.log.Info("dispatcher started",
		logx.String("sink", s.snk.Name()),
		logx.Int("max_attempts", s.config().MaxAttempts),
		logx.Duration("min_spacing", s.config().MinSpacing))
}

// Stop signals the worker to exit after its current iteration and waits up
// to the ctx deadline. In-flight sink calls are not interrupted; the sink
// timeout bounds them.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.q
	pch := s.persistCh
	sup := s.sup
	persist := s.cfg.PersistCooldowns
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without
	// leaking state.
	go func() {
		defer close(done)
		sup.Cancel()
		q.Close()
		if pch != nil {
			func() {
				defer func() { _ = recover() }()
				close(pch)
			}()
		}
		_ = sup.Wait(context.Background())

		// Flush live cooldowns so a restart warm-up sees everything,
		// including writes the best-effort channel dropped.
		if persist && s.store != nil {
			for key, at := range s.cooldownTracker().Snapshot(time.Now()) {
				cctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
				_ = s.store.PutCooldown(cctx, key, at)
				cancel()
			}
		}

		s.mu.Lock()
		s.q = nil
		s.persistCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("dispatcher stopped")
	case <-ctx.Done():
		s.log.Warn("dispatcher stop timed out; loop will exit on its own")
	}
}

// Enqueue is the producer surface. It is fire-and-forget: errors report
// validation or lifecycle problems only, never delivery outcomes.
func (s *Service) Enqueue(ctx context.Context, priority int, payload alert.Payload, cooldownKey string) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	if err := alert.ValidatePriority(priority); err != nil {
		return err
	}
	if err := alert.ValidatePayload(payload); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.q == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.q
	s.mu.Unlock()

	a := &alert.Alert{
		Priority:    priority,
		Payload:     payload,
		CooldownKey: cooldownKey,
	}
	q.Push(a)

	s.publish(eventbus.EventAlertQueued, a, "")
	s.log.Debug("alert enqueued",
		logx.Int("priority", priority),
		logx.String("category", payload.Category),
		logx.String("cooldown_key", cooldownKey),
		logx.Int("queue_len", q.Len()))
	return nil
}

// Snapshot is the observability surface: queue depths, cumulative counters,
// and the limiter status.
func (s *Service) Snapshot() Stats {
	s.mu.Lock()
	q := s.q
	lim := s.limiter
	s.mu.Unlock()

	st := Stats{
		Running:    q != nil,
		Delivered:  s.delivered.Load(),
		Retried:    s.retried.Load(),
		Dropped:    s.dropped.Load(),
		Suppressed: s.suppressed.Load(),
		Throttled:  s.throttled.Load(),
		Demoted:    s.demoted.Load(),
		Limiter:    lim.Status(),
	}
	if q != nil {
		st.QueueDepth = q.Len()
		st.QueueDepths = q.Depths()
	}
	return st
}

// History returns recent terminal outcomes, newest last.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(title, outcome string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Title: title, Outcome: outcome})
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) cooldownTracker() *cooldown.Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cooldowns
}

func (s *Service) publish(typ string, a *alert.Alert, errText string) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: eventbus.AlertEvent{
		Priority:    a.Priority,
		Category:    a.Payload.Category,
		CooldownKey: a.CooldownKey,
		Attempts:    a.Attempts,
		At:          now,
		Error:       errText,
	}})
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan cooldownWrite, st storage.Store) {
	if ch == nil || st == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
			_ = st.PutCooldown(cctx, w.key, w.at)
			cancel()
		}
	}
}
