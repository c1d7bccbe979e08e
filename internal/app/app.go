// Package app wires the daemon together: config, logging, event bus,
// storage, the drill runner, schedule triggers, and the observability
// surfaces. It owns startup ordering, hot reload fan-out, and shutdown.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"baton/internal/config"
	"baton/internal/drill"
	"baton/internal/eventbus"
	"baton/internal/observability/pprof"
	"baton/internal/observability/ready"
	"baton/internal/runtime/supervisor"
	"baton/internal/schedule"
	"baton/internal/storage"
	logx "baton/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	drills *drill.Service
	obs    *drill.Observer
	sched  *schedule.Service
	pprof  *pprof.Service
	ready  *ready.Service
}

func NewApp(cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "boot"))

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		bootLog.Error("config load failed", logx.String("path", cfgPath), logx.Err(err))
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
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

	drillSvc := drill.New(drill.Config{}, log.With(logx.String("comp", "drill")), bus, store)
	defs, err := mapDrillDefs(cfg)
	if err != nil {
		return nil, err
	}
	drillSvc.Apply(defs)

	schedSvc := schedule.New(schedule.Config{
		Enabled:  cfg.Schedule.Enabled,
		Timezone: cfg.Schedule.Timezone,
	}, func(ctx context.Context, name string) error {
		_, err := drillSvc.Run(ctx, name, "schedule")
		return err
	}, log.With(logx.String("comp", "schedule")))
	schedSvc.Rebuild(defs)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		drills:  drillSvc,
		obs:     drill.NewObserver(log.With(logx.String("comp", "drill")), bus, 0),
		sched:   schedSvc,
		pprof:   pprof.New(mapPprofConfig(cfg), log.With(logx.String("comp", "pprof"))),
		ready:   ready.New(log.With(logx.String("comp", "ready"))),
	}, nil
}

// RunDrill executes one drill by name and returns its run error. Used by
// the one-shot CLI mode; the daemon loop is never started.
func (a *App) RunDrill(ctx context.Context, name string) error {
	_, err := a.drills.Run(ctx, name, "manual")
	return err
}

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop()).
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

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("schedule.timezone: invalid %q: %w", tz, err)
			}
		}
		for i := range cfg.Drills {
			if spec := strings.TrimSpace(cfg.Drills[i].Schedule); spec != "" {
				if _, err := schedule.ParseSchedule(spec); err != nil {
					return fmt.Errorf("drill %q: %w", cfg.Drills[i].Name, err)
				}
			}
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		_, err := mapDrillDefs(cfg)
		return err
	})

	a.obs.Start(a.sup.Context())
	a.drills.Start(a.sup.Context())
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	// Periodic status line for operators tailing debug logs.
	a.sup.Go0("status.heartbeat", func(c context.Context) {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				ds := a.drills.Snapshot()
				ss := a.sched.Snapshot()
				a.log.Debug("status",
					logx.Int("drills", len(ds.Drills)),
					logx.Int("running", ds.Running),
					logx.Int("history", len(ds.History)),
					logx.Int("schedules", len(ss.Entries)),
					logx.Int64("goroutines", a.sup.Active()),
				)
			}
		}
	})

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
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
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.ready.Ready(a.sup.Context())
	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, changedDrills := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(changedDrills) > 0 {
		a.log.Debug("drill config changes detected", logx.Any("drills", changedDrills))
	}

	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
			break
		}
	}

	a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: newCfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
	})

	defs, err := mapDrillDefs(newCfg)
	if err != nil {
		// The validator already vetted this config; keep running on the old set.
		a.log.Warn("invalid drill config; keeping previous", logx.Err(err))
	} else {
		a.drills.Apply(defs)
		a.sched.Rebuild(defs)
	}

	prevEnabled := a.sched.Enabled()
	a.sched.Apply(schedule.Config{
		Enabled:  newCfg.Schedule.Enabled,
		Timezone: newCfg.Schedule.Timezone,
	})
	switch {
	case prevEnabled && !newCfg.Schedule.Enabled:
		a.log.Info("schedule disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !prevEnabled && newCfg.Schedule.Enabled:
		a.log.Info("schedule enabled via config")
		a.sched.Start(ctx)
	}

	a.pprof.Reconfigure(ctx, mapPprofConfig(newCfg))

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.ready.Stopping()

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Triggers stop before the runner so nothing new fires mid-shutdown.
	step("schedule", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("drills", 3*time.Second, func(c context.Context) error { a.drills.Stop(c); return nil })
	step("observer", 1*time.Second, func(c context.Context) error { a.obs.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
