// Package refresh runs cron-scheduled warm bursts against the upstream data
// API. Each burst fans the configured endpoints into priority buckets and
// executes them through the shared upstream quota, so the most important data
// is fresh first when the quota is tight.
package refresh

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"alertpipe/internal/eventbus"
	"alertpipe/internal/prioritycall"
	"alertpipe/internal/ratelimit"
	logx "alertpipe/pkg/logx"
)

const (
	defaultRequestTimeout = 10 * time.Second

	// maxBodyBytes caps how much of an upstream response a warm burst reads.
	maxBodyBytes = 1 << 20
)

// Endpoint is one upstream source pulled during a burst. Priority maps to a
// call bucket (1 runs first).
type Endpoint struct {
	Name     string
	URL      string
	Priority int
}

type Config struct {
	Enabled  bool
	Schedule string
	Timezone string

	// RateLimit is the upstream API quota shared by all burst calls.
	RateLimit ratelimit.Config

	WaitBudget     time.Duration
	CallGap        time.Duration
	RequestTimeout time.Duration

	// RunAtStart fires one burst right after Start, before the first tick.
	RunAtStart bool

	Endpoints []Endpoint
}

// FetchResult is the Value stored for an executed endpoint call.
type FetchResult struct {
	StatusCode int
	Bytes      int64
	Took       time.Duration
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	limiter *ratelimit.Limiter
	parser  cron.Parser
	client  *http.Client

	c       *cron.Cron
	cancel  context.CancelFunc
	runCtx  context.Context
	running atomic.Bool
	bursts  atomic.Uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	if err := validate(cfg, parser); err != nil {
		return nil, err
	}
	limiter, err := ratelimit.New(cfg.RateLimit)
	if err != nil {
		return nil, err
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		limiter: limiter,
		parser:  parser,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
	}, nil
}

func validate(cfg Config, parser cron.Parser) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		return fmt.Errorf("refresh: schedule is required")
	}
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return fmt.Errorf("refresh: invalid schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			return fmt.Errorf("refresh: invalid timezone %q: %w", cfg.Timezone, err)
		}
	}
	if len(cfg.Endpoints) == 0 {
		return fmt.Errorf("refresh: at least one endpoint is required")
	}
	for i, ep := range cfg.Endpoints {
		if strings.TrimSpace(ep.Name) == "" {
			return fmt.Errorf("refresh: endpoint %d has no name", i)
		}
		if ep.Priority < prioritycall.BucketMin || ep.Priority > prioritycall.BucketMax {
			return fmt.Errorf("refresh: endpoint %q priority %d out of range [%d..%d]",
				ep.Name, ep.Priority, prioritycall.BucketMin, prioritycall.BucketMax)
		}
	}
	return nil
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps configuration. The upstream quota keeps its window state unless
// its caps changed; schedule or timezone changes restart the cron runner.
func (s *Service) Apply(cfg Config) error {
	if err := validate(cfg, s.parser); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.RateLimit != s.cfg.RateLimit {
		limiter, err := ratelimit.New(cfg.RateLimit)
		if err != nil {
			return err
		}
		s.limiter = limiter
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.RequestTimeout != s.cfg.RequestTimeout {
		s.client = &http.Client{Timeout: cfg.RequestTimeout}
	}

	restart := s.c != nil &&
		(cfg.Schedule != s.cfg.Schedule ||
			strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone) ||
			cfg.Enabled != s.cfg.Enabled)
	s.cfg = cfg

	if restart {
		s.stopCronLocked()
		if cfg.Enabled {
			s.startCronLocked()
		}
	}
	return nil
}

// Start begins cron triggering. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.c != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.startCronLocked()
	runAtStart := s.cfg.RunAtStart
	rctx := s.runCtx
	s.mu.Unlock()

	if runAtStart {
		go s.runBurst(rctx)
	}
}

func (s *Service) startCronLocked() {
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	rctx := s.runCtx
	if _, err := s.c.AddFunc(s.cfg.Schedule, func() { s.runBurst(rctx) }); err != nil {
		// Schedule was validated; getting here means the parser and the cron
		// runner disagree, which is worth a loud log rather than a crash.
		s.log.Error("cron registration failed", logx.String("schedule", s.cfg.Schedule), logx.Err(err))
		s.c = nil
		return
	}
	s.c.Start()
	s.log.Info("refresh scheduled",
		logx.String("schedule", s.cfg.Schedule),
		logx.String("tz", loc.String()),
		logx.Int("endpoints", len(s.cfg.Endpoints)))
}

func (s *Service) stopCronLocked() {
	if s.c == nil {
		return
	}
	c := s.c
	s.c = nil
	<-c.Stop().Done()
}

// Stop halts cron triggering and cancels any in-flight burst.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
			s.log.Info("refresh stopped")
		case <-ctx.Done():
			// best-effort
		}
	}
}

// Bursts reports how many bursts have completed since process start.
func (s *Service) Bursts() uint64 { return s.bursts.Load() }

// runBurst executes one warm burst. Overlapping ticks are skipped: a burst
// that outlives its interval keeps the quota, the next tick yields.
func (s *Service) runBurst(ctx context.Context) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if !s.running.CompareAndSwap(false, true) {
		s.log.Warn("refresh burst still running; skipping tick")
		return
	}
	defer s.running.Store(false)

	s.mu.Lock()
	cfg := s.cfg
	limiter := s.limiter
	client := s.client
	s.mu.Unlock()

	mgr, err := prioritycall.New(prioritycall.Config{
		WaitBudget: cfg.WaitBudget,
		CallGap:    cfg.CallGap,
	}, limiter, s.log.With(logx.String("comp", "refresh")))
	if err != nil {
		s.log.Error("refresh burst setup failed", logx.Err(err))
		return
	}

	for _, ep := range cfg.Endpoints {
		ep := ep
		err := mgr.AddCall(ep.Priority, ep.Name, func(ctx context.Context) (any, error) {
			return s.fetch(ctx, client, ep, cfg.RequestTimeout)
		})
		if err != nil {
			s.log.Warn("refresh endpoint rejected", logx.String("endpoint", ep.Name), logx.Err(err))
		}
	}

	start := time.Now()
	results := mgr.ExecuteAll(ctx)
	took := time.Since(start)

	var executed, failed, skipped int
	for key, r := range results {
		switch {
		case r.Skipped:
			skipped++
		case r.Err != nil:
			failed++
			s.log.Warn("refresh fetch failed", logx.String("call", key.String()), logx.Err(r.Err))
		default:
			executed++
		}
	}
	s.bursts.Add(1)

	s.log.Info("refresh burst completed",
		logx.Int("executed", executed),
		logx.Int("failed", failed),
		logx.Int("skipped", skipped),
		logx.Duration("took", took))

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.EventRefreshDone,
			Data: eventbus.RefreshEvent{Executed: executed, Failed: failed, Skipped: skipped, Took: took},
		})
	}
}

func (s *Service) fetch(ctx context.Context, client *http.Client, ep Endpoint, timeout time.Duration) (FetchResult, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, ep.URL, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("refresh: build request for %s: %w", ep.Name, err)
	}
	req.Header.Set("User-Agent", "alertpipe/1.0")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return FetchResult{}, fmt.Errorf("refresh: fetch %s: %w", ep.Name, err)
	}
	defer resp.Body.Close()

	n, _ := io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	res := FetchResult{StatusCode: resp.StatusCode, Bytes: n, Took: time.Since(start)}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return res, fmt.Errorf("refresh: fetch %s: upstream status %d", ep.Name, resp.StatusCode)
	}
	return res, nil
}
