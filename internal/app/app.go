// Package app builds notifyd from its config file and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notifyd/internal/admin"
	"notifyd/internal/config"
	"notifyd/internal/dispatch"
	"notifyd/internal/eventbus"
	"notifyd/internal/jobs"
	"notifyd/internal/manager"
	"notifyd/internal/registry"
	"notifyd/internal/runtime/supervisor"
	"notifyd/internal/schedule"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	reg    *registry.Registry
	runner *jobs.Runner
	mgr    *manager.Manager
	svc    *dispatch.Service
	disp   *dispatch.Dispatcher
	sched  *schedule.Scheduler
	admin  *admin.Server
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New(), reg: registry.New()}
	if err := a.build(cfg); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(sc, a.log.With(logx.String("comp", "storage")))
		if err != nil {
			return err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	presenters, err := buildPresenters(cfg, a.log)
	if err != nil {
		return err
	}
	mcfg, err := mapManagerConfig(cfg)
	if err != nil {
		return err
	}
	a.mgr = manager.New(mcfg, a.log.With(logx.String("comp", "manager")), a.bus, a.store, presenters...)

	opts := append(mapServiceOptions(cfg), dispatch.WithBus(a.bus))
	if a.store != nil {
		opts = append(opts, dispatch.WithAuditor(a.store))
	}
	a.svc = dispatch.NewService(a.mgr, a.log.With(logx.String("comp", "dispatch.service")), opts...)
	if err := a.reg.Register(a.svc.Component()); err != nil {
		return err
	}

	rcfg, err := mapRunnerConfig(cfg)
	if err != nil {
		return err
	}
	a.runner = jobs.New(rcfg, a.log.With(logx.String("comp", "jobs")), a.bus)

	a.disp = dispatch.NewDispatcher(dispatch.DispatcherConfig{Identity: cfg.Dispatch.Identity},
		a.reg, a.runner, a.log.With(logx.String("comp", "dispatch")), a.bus)

	a.sched = schedule.New(a.disp, a.log.With(logx.String("comp", "schedule")), a.bus)
	if err := a.sched.Apply(mapScheduleConfig(cfg)); err != nil {
		return err
	}

	acfg, err := mapAdminConfig(cfg)
	if err != nil {
		return err
	}
	a.admin = admin.New(acfg, admin.Deps{
		Dispatcher: a.disp,
		Active:     a.mgr,
		Schedules:  a.sched,
		Jobs:       a.runner,
	}, a.log.With(logx.String("comp", "admin")))
	return nil
}

func (a *App) Logger() logx.Logger              { return a.log }
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }
func (a *App) Manager() *manager.Manager        { return a.mgr }
func (a *App) Scheduler() *schedule.Scheduler   { return a.sched }
func (a *App) Store() storage.Store             { return a.store }
func (a *App) Runner() *jobs.Runner             { return a.runner }
func (a *App) Admin() *admin.Server             { return a.admin }

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

// Start restores persisted state and starts the runner and scheduler.
// When watch is true the config file is watched and reloaded.
func (a *App) Start(ctx context.Context, watch bool) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if err := a.mgr.Restore(ctx); err != nil {
		return err
	}

	// The runner outlives the app context so Stop can drain queued commands.
	a.runner.Start(context.WithoutCancel(a.sup.Context()))
	if !a.runner.Enabled() {
		a.log.Warn("job runner disabled; present commands will be rejected")
	}
	a.sched.Start()
	a.admin.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if watch {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			if _, err := mapRunnerConfig(cfg); err != nil {
				return err
			}
			if _, err := mapManagerConfig(cfg); err != nil {
				return err
			}
			if _, _, err := mapStorageConfig(cfg); err != nil {
				return err
			}
			if _, err := mapAdminConfig(cfg); err != nil {
				return err
			}
			// Dry-run the schedules so a bad entry never replaces good ones.
			return schedule.New(nil, logx.Nop(), nil).Apply(mapScheduleConfig(cfg))
		})
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
		a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })
	}

	a.log.Info("app started",
		logx.Int("active", len(a.mgr.Active())),
		logx.Int("schedules", len(a.sched.Entries())),
		logx.Uint32("job_id", a.disp.JobID()),
	)
	return nil
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
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
			// Coalesce bursts.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.apply(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// apply hot-applies the sections that support it.
func (a *App) apply(oldCfg, newCfg *config.Config) {
	sections, attrs, schedChanged := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect", logx.Any("sections", restart))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if rc, err := mapRunnerConfig(newCfg); err != nil {
		a.log.Warn("invalid runner config; keeping previous", logx.Err(err))
	} else {
		a.runner.Apply(rc)
	}
	if mc, err := mapManagerConfig(newCfg); err != nil {
		a.log.Warn("invalid manager config; keeping previous", logx.Err(err))
	} else {
		a.mgr.Apply(mc)
	}
	if len(schedChanged) > 0 || oldCfg == nil || oldCfg.Schedules.Timezone != newCfg.Schedules.Timezone {
		if err := a.sched.Apply(mapScheduleConfig(newCfg)); err != nil {
			a.log.Warn("invalid schedules; keeping previous", logx.Err(err))
		}
	}

	if ac, err := mapAdminConfig(newCfg); err != nil {
		a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
	} else {
		rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		a.admin.Reconfigure(rctx, ac)
		cancel()
	}

	fields := append([]logx.Field{logx.Any("changed", sections)}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in reverse dependency order, each step bounded.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

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
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Triggers first, then drain queued commands, then close what they write to.
	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("runner", 5*time.Second, func(c context.Context) error { a.runner.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
