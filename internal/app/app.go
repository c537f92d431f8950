package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"autoflow/internal/clock"
	"autoflow/internal/config"
	"autoflow/internal/envprov"
	"autoflow/internal/eventbus"
	"autoflow/internal/executor"
	"autoflow/internal/httpapi"
	"autoflow/internal/notifier"
	rtsup "autoflow/internal/runtime/supervisor"
	"autoflow/internal/storage"
	"autoflow/internal/task/engine"
	"autoflow/internal/task/scheduler"
	"autoflow/internal/task/trigger"
	logx "autoflow/pkg/logx"
	"autoflow/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	dispatch *executor.Dispatcher
	engine   *engine.Service
	sched    *scheduler.Service
	notif    *notifier.Service
	http     *httpapi.Server

	getenv func(string) string
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.Comp("app"))
	// Components tag their own comp field.
	root := logSvc.Logger()

	bus := eventbus.New()

	store, err := storage.Open(mapStorage(cfg), root)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	n, _ := seedTasks(context.Background(), store, cfg, log)
	log.Info("tasks seeded", logx.Int("count", n), logx.String("driver", cfg.Storage.Driver))

	dispatch := buildDispatcher(cfg, root)
	env := envprov.New(mapEnvironment(cfg), root)

	engineSvc := engine.New(mapEngine(cfg), root, bus)

	ncfg := mapNotifier(cfg, os.Getenv)
	channels, err := notifier.BuildChannels(ncfg)
	if err != nil {
		log.Warn("notification channel skipped", logx.Err(err))
	}
	notifSvc := notifier.New(ncfg, channels, root, bus)

	run := &runner{
		dispatch: dispatch,
		env:      env.Build,
		store:    store,
		notify:   enabledNotifier{notifSvc},
		bus:      bus,
		log:      root.With(logx.Comp("runner")),
	}
	schedSvc := scheduler.New(mapScheduler(cfg), scheduler.Deps{
		Store:  store,
		Calc:   trigger.New(),
		Pool:   engineSvc,
		Runner: run,
		Clock:  clock.Real(),
		Log:    root,
		Bus:    bus,
	})

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		dispatch: dispatch,
		engine:   engineSvc,
		sched:    schedSvc,
		notif:    notifSvc,
		getenv:   os.Getenv,
	}

	if cfg.HTTP.Enabled {
		a.http = httpapi.New(mapHTTP(cfg), httpapi.Deps{
			Store:     store,
			Scheduler: schedSvc,
			Pool:      engineSvc,
			Reload: func(ctx context.Context) error {
				_, err := cfgm.Reload(ctx)
				return err
			},
			Supervised: a.supervised,
		}, root)
	}
	return a, nil
}

// enabledNotifier keeps a disabled pipeline from warning on every run.
type enabledNotifier struct{ s *notifier.Service }

func (n enabledNotifier) Notify(title string, success bool, body string) error {
	if n.s == nil || !n.s.Enabled() {
		return nil
	}
	return n.s.Notify(title, success, body)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) supervised() []string {
	if a.sup == nil {
		return nil
	}
	return a.sup.Running()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.logs.Logger())
	a.cfgm.SetValidator(a.validate)

	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	} else {
		a.log.Warn("engine disabled; runs will be rejected until restart")
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.http != nil {
		if err := a.http.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("http: %w", err)
		}
	}

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
				// Keep this debug-level; triggers fire often.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

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
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if wd := systemd.WatchdogInterval(); wd > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return systemd.Watchdog(c, wd)
		})
	}
	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started",
		logx.Int("workers", a.engine.Workers()),
		logx.Strings("channels", a.notif.Channels()),
	)
	return nil
}

// validate rejects configs whose tasks no registered executor can run.
func (a *App) validate(ctx context.Context, cfg *config.Config) error {
	kinds := a.dispatch.Kinds()
	var errs []error
	for _, tc := range cfg.Tasks {
		t, err := taskFromConfig(tc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !slices.Contains(kinds, t.Script.Kind) {
			errs = append(errs, fmt.Errorf("tasks.%s: no executor for kind %q", t.ID, t.Script.Kind))
		}
	}
	return errors.Join(errs...)
}

// applyConfig hot-applies the sections that support it and re-syncs tasks.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, taskChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	var restart []string
	for _, s := range sections {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	if slices.Contains(sections, "logging") {
		a.logs.Apply(mapLogging(newCfg))
	}

	if slices.Contains(sections, "notifier") {
		prev := a.notif.Enabled()
		ncfg := mapNotifier(newCfg, a.getenv)
		channels, err := notifier.BuildChannels(ncfg)
		if err != nil {
			a.log.Warn("notification channel skipped", logx.Err(err))
		}
		if prev {
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		}
		a.notif.Apply(ncfg, channels)
		if ncfg.Enabled {
			a.notif.Start(ctx)
		}
		if prev != ncfg.Enabled {
			a.log.Info("notifier toggled via config", logx.Bool("enabled", ncfg.Enabled))
		}
	}

	if len(taskChanged) > 0 {
		removed := pruneRemoved(ctx, a.store, oldCfg, newCfg)
		if _, err := seedTasks(ctx, a.store, newCfg, a.log); err != nil {
			a.log.Warn("task re-seed incomplete", logx.Err(err))
		}
		if err := a.sched.Sync(ctx); err != nil {
			a.log.Warn("scheduler sync failed", logx.Err(err))
		}
		a.log.Info("tasks resynced", logx.Strings("changed", taskChanged), logx.Strings("removed", removed))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	dl, hasDL := ctx.Deadline()
	// step bounds one component so it can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		max = stepTimeout(dl, hasDL, max)
		if max <= 0 {
			a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				<-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	step("http", time.Second, func(c context.Context) error {
		if a.http != nil {
			a.http.Stop(c)
		}
		return nil
	})
	// Scheduler first so no new fires reach a draining pool.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("engine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
