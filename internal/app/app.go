// Package app wires configuration, logging, storage, the delivery sink, the
// dispatch pipeline and the refresh scheduler into one process lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"alertpipe/internal/config"
	"alertpipe/internal/dispatch"
	"alertpipe/internal/eventbus"
	"alertpipe/internal/refresh"
	"alertpipe/internal/runtime/supervisor"
	"alertpipe/internal/sink"
	"alertpipe/internal/storage"
	logx "alertpipe/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	snk  sink.Sink
	disp *dispatch.Service
	refr *refresh.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	snk, err := buildSink(cfg)
	if err != nil {
		return nil, err
	}

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	dispSvc, err := dispatch.New(dcfg, snk, log.With(logx.String("comp", "dispatch")), bus, store)
	if err != nil {
		return nil, err
	}

	rcfg, err := mapRefreshConfig(cfg)
	if err != nil {
		return nil, err
	}
	refrSvc, err := refresh.New(rcfg, log.With(logx.String("comp", "refresh")), bus)
	if err != nil {
		return nil, err
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		snk:     snk,
		disp:    dispSvc,
		refr:    refrSvc,
	}, nil
}

// Dispatch exposes the alert pipeline so callers (rule engines, HTTP
// handlers, tests) can enqueue alerts and read stats.
func (a *App) Dispatch() *dispatch.Service { return a.disp }

// Bus exposes the in-process event stream.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		// Parse() already ran Validate(); here we reject anything the
		// running services could not absorb.
		if _, err := buildSinkDryRun(cfg); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapRefreshConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if a.disp.Enabled() {
		a.disp.Start(a.sup.Context())
	}
	if a.refr.Enabled() {
		a.refr.Start(a.sup.Context())
	}

	// Keep a debug trace of pipeline events. Components can also subscribe themselves.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				lastApplied = newCfg

				a.applyReload(c, newCfg, sections)

				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyReload pushes a validated config into the running services.
func (a *App) applyReload(c context.Context, newCfg *config.Config, sections []string) {
	for _, s := range sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "sink":
			a.log.Warn("sink config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))

	// dispatch (live)
	prevDispEnabled := a.disp.Enabled()
	dcfg, err := mapDispatchConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Any("err", err))
	} else if err := a.disp.Apply(dcfg); err != nil {
		a.log.Warn("dispatch config rejected; keeping previous", logx.Any("err", err))
	} else {
		if prevDispEnabled && !dcfg.Enabled {
			a.log.Info("dispatcher disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.disp.Stop(stopCtx)
			cancel()
		} else if !prevDispEnabled && dcfg.Enabled {
			a.log.Info("dispatcher enabled via config")
			a.disp.Start(c)
		}
	}

	// refresh (live)
	prevRefrEnabled := a.refr.Enabled()
	rcfg, err := mapRefreshConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid refresh config; keeping previous", logx.Any("err", err))
	} else if err := a.refr.Apply(rcfg); err != nil {
		a.log.Warn("refresh config rejected; keeping previous", logx.Any("err", err))
	} else {
		if prevRefrEnabled && !rcfg.Enabled {
			a.log.Info("refresh disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.refr.Stop(stopCtx)
			cancel()
		} else if !prevRefrEnabled && rcfg.Enabled {
			a.log.Info("refresh enabled via config")
			a.refr.Start(c)
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("refresh", 2*time.Second, func(c context.Context) error { a.refr.Stop(c); return nil })
	step("dispatch", 3*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// buildSinkDryRun validates sink config without constructing network clients
// for channels that would hit the wire at construction time.
func buildSinkDryRun(cfg *config.Config) (sink.Sink, error) {
	switch strings.TrimSpace(strings.ToLower(cfg.Sink.Type)) {
	case "telegram":
		// telebot probes getMe on construction; reloads only need the
		// static checks, which Config.Validate already performed.
		return nil, nil
	default:
		return buildSink(cfg)
	}
}
