package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"taskpulse/internal/config"
	"taskpulse/internal/eventbus"
	"taskpulse/internal/jobs"
	"taskpulse/internal/metrics"
	"taskpulse/internal/notify"
	"taskpulse/internal/ratelimit"
	"taskpulse/internal/ratelimit/memory"
	"taskpulse/internal/ratelimit/redisstore"
	"taskpulse/internal/runtime/supervisor"
	"taskpulse/internal/server"
	"taskpulse/internal/storage"
	"taskpulse/internal/task/engine"
	"taskpulse/internal/task/queue"
	"taskpulse/internal/task/scheduler"
	logx "taskpulse/pkg/logx"
	"taskpulse/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *storage.SQLite
	metrics *metrics.Metrics
	notif   *notify.Service
	limiter *ratelimit.Limiter
	// counterRDB is the rate-limit counter client; nil unless counter=redis.
	counterRDB redis.UniversalClient

	exec   *engine.Executor
	sched  *scheduler.Service
	runner *jobs.Runner
	http   *server.Server
	sd     *systemd.Notifier

	// intervals is the period currently registered per job.
	intervals map[string]time.Duration
}

// NewApp loads the config and builds everything that does not need the
// network: logging, storage, metrics, notifier and the rate limiter.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := checkMappings(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	appLog := log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	appLog.Info("storage ready", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	met := metrics.New(metrics.NewRegistry())
	bus := eventbus.New()

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	nopts := []notify.Option{notify.WithObserver(met)}
	if ncfg.PersistDedup {
		nopts = append(nopts, notify.WithStore(store))
	}
	notif := notify.New(ncfg, notify.BusSink{Bus: bus}, log.With(logx.String("comp", "notifier")), nopts...)

	a := &App{
		cfgm:      cfgm,
		log:       appLog,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		metrics:   met,
		notif:     notif,
		sd:        systemd.New(log.With(logx.String("comp", "systemd"))),
		intervals: map[string]time.Duration{},
	}

	counter, err := a.newCounter(cfg)
	if err != nil {
		a.closeEarly()
		return nil, err
	}
	a.limiter = ratelimit.New(store.Policies(), counter, mapLimiterConfig(cfg),
		ratelimit.WithLogger(log.With(logx.String("comp", "ratelimit"))),
		ratelimit.WithObserver(met),
		ratelimit.WithIPCounter(memory.NewCounter()),
	)
	seeded, err := seedPolicies(context.Background(), store.Policies(), cfg)
	if err != nil {
		a.closeEarly()
		return nil, err
	}
	if seeded > 0 {
		appLog.Info("rate-limit policies seeded", logx.Int("count", seeded))
	}

	a.exec = engine.NewExecutor(engine.Config{HistorySize: cfg.Scheduler.HistorySize},
		log.With(logx.String("comp", "engine")), bus, met)

	jcfg, err := mapJobsConfig(cfg)
	if err != nil {
		a.closeEarly()
		return nil, err
	}
	a.runner = jobs.NewRunner(jcfg, jobs.Deps{
		Store:    store,
		Notifier: notif,
		Pruner:   a.limiter,
		Bus:      bus,
		Log:      log,
	})
	return a, nil
}

// newCounter picks the authenticated-tier request counter.
func (a *App) newCounter(cfg *config.Config) (ratelimit.Counter, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.RateLimit.Counter)) {
	case "memory":
		return memory.NewCounter(), nil
	case "redis":
		opt, err := redis.ParseURL(cfg.Broker.URL)
		if err != nil {
			return nil, fmt.Errorf("rate_limit.counter: %w", err)
		}
		a.counterRDB = redis.NewClient(opt)
		prefix := cfg.Broker.Prefix
		if prefix == "" {
			prefix = "taskpulse:"
		}
		return redisstore.NewCounter(a.counterRDB, redisstore.WithPrefix(prefix+"rl")), nil
	default:
		return a.store.RequestLog(), nil
	}
}

func (a *App) closeEarly() {
	if a.counterRDB != nil {
		_ = a.counterRDB.Close()
	}
	_ = a.store.Close()
	_ = a.logs.Close()
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

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Addr is the bound HTTP address once started.
func (a *App) Addr() string {
	if a.http == nil {
		return ""
	}
	return a.http.Addr()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	// Reloads are validated, then must also survive the mappers.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, next *config.Config) error {
		return checkMappings(next)
	})

	if ncfg, _ := mapNotifierConfig(cfg); ncfg.Enabled {
		a.notif.Start(a.sup.Context())
	}

	backend, err := a.selectBackend(a.sup.Context(), cfg)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(mapSchedulerConfig(cfg), backend, a.exec,
		a.log.With(logx.String("comp", "scheduler")), a.bus)
	// A broker can pass the probe and still refuse the queue commands.
	a.sched.SetFallback(func() scheduler.Backend { return a.newIntervalBackend(cfg) })
	for _, def := range a.runner.Definitions() {
		if err := a.sched.RegisterJob(def); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
		a.intervals[def.Name] = def.Interval
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	mode := a.sched.Mode()
	a.metrics.SetSchedulerMode(mode, scheduler.ModeQueue, scheduler.ModeInterval, scheduler.ModeDisabled)

	scfg, err := mapServerConfig(cfg)
	if err != nil {
		return err
	}
	a.http = server.New(scfg, server.Deps{
		Limiter:       a.limiter,
		Policies:      a.store.Policies(),
		Jobs:          a.sched,
		Notifications: a.notif,
		Metrics:       a.metrics,
		Log:           a.logs.Logger(),
	})
	// The listener outlives sup.Cancel so Stop can drain requests first.
	if err := a.http.Start(context.WithoutCancel(a.sup.Context())); err != nil {
		return err
	}

	a.logEvents()
	a.reloadLoop()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go("systemd.watchdog", a.sd.Watchdog)

	a.sd.Status(fmt.Sprintf("scheduler=%s jobs=%d", mode, len(a.intervals)))
	a.sd.Ready()
	a.log.Info("app started", logx.String("scheduler", mode), logx.String("addr", a.http.Addr()))
	return nil
}

// selectBackend probes the broker (bounded) and falls back to in-process
// timers. A disabled scheduler gets no backend at all.
func (a *App) selectBackend(ctx context.Context, cfg *config.Config) (scheduler.Backend, error) {
	if cfg.Scheduler.Disabled {
		return nil, nil
	}
	timeout, retries, err := mapProbe(cfg)
	if err != nil {
		return nil, err
	}
	url := strings.TrimSpace(cfg.Broker.URL)
	qlog := a.logs.Logger().With(logx.String("comp", "queue"))

	var (
		probe    scheduler.Prober
		newQueue func() (scheduler.Backend, error)
	)
	if url != "" {
		probe = func(c context.Context) bool { return queue.Probe(c, url, timeout, retries, qlog) }
		newQueue = func() (scheduler.Backend, error) {
			b, err := queue.Open(url, mapQueueConfig(cfg), a.exec, qlog)
			if err != nil {
				return nil, err
			}
			return b, nil
		}
	}
	newInterval := func() scheduler.Backend { return a.newIntervalBackend(cfg) }

	backend, err := scheduler.Select(ctx, probe, newQueue, newInterval)
	switch {
	case err == nil:
	case errors.Is(err, scheduler.ErrBrokerUnavailable) && url == "":
		a.log.Info("no broker configured; using interval scheduler")
	default:
		a.log.Warn("broker unavailable; using interval scheduler", logx.Err(err))
	}
	return backend, nil
}

func (a *App) newIntervalBackend(cfg *config.Config) scheduler.Backend {
	return scheduler.NewInterval(scheduler.IntervalConfig{
		Location: schedulerLocation(cfg),
		Stagger:  scheduler.DefaultStagger,
	}, a.exec, a.logs.Logger().With(logx.String("comp", "interval")))
}

// logEvents mirrors bus traffic at debug level.
func (a *App) logEvents() {
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
}

func (a *App) reloadLoop() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, next)
				lastApplied = next
			}
		}
	})
}

// applyConfig pushes the hot-reloadable sections into running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.sd.Reloading()
	defer a.sd.Ready()

	if restart := config.NeedsRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that require a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(next))

	a.limiter.SetIPDefaults(next.RateLimit.IP.Limit, next.RateLimit.IP.IPWindow())
	if n, err := seedPolicies(ctx, a.store.Policies(), next); err != nil {
		a.log.Warn("rate-limit policy seed failed", logx.Err(err))
	} else if n > 0 {
		a.log.Debug("rate-limit policies re-seeded", logx.Int("count", n))
	}

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			_ = a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	a.applyJobIntervals(next)

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// applyJobIntervals re-registers jobs whose period changed. RegisterJob is an
// upsert, so the schedule is replaced rather than duplicated.
func (a *App) applyJobIntervals(cfg *config.Config) {
	iv, err := cfg.Scheduler.JobIntervals()
	if err != nil {
		a.log.Warn("invalid job intervals; keeping previous", logx.Err(err))
		return
	}
	for _, def := range a.runner.Definitions() {
		want := jobs.DefaultInterval(def.Name)
		if d, ok := iv[def.Name]; ok && d > 0 {
			want = d
		}
		if a.intervals[def.Name] == want {
			continue
		}
		def.Interval = want
		if err := a.sched.RegisterJob(def); err != nil {
			a.log.Warn("job reschedule failed", logx.String("job", def.Name), logx.Err(err))
			continue
		}
		a.intervals[def.Name] = want
		a.log.Info("job rescheduled", logx.String("job", def.Name), logx.Duration("interval", want))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeEarly()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel the run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline passed)", logx.String("name", name))
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Warn("stop step finished after deadline",
					logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	step("http", 10*time.Second, func(c context.Context) error {
		if a.http == nil {
			return nil
		}
		return a.http.Stop(c)
	})
	step("scheduler", 5*time.Second, func(c context.Context) error {
		if a.sched == nil {
			return nil
		}
		return a.sched.Stop(c)
	})
	step("notifier", 3*time.Second, func(c context.Context) error { return a.notif.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error {
		var err error
		if a.counterRDB != nil {
			err = a.counterRDB.Close()
		}
		return errors.Join(err, a.store.Close())
	})

	a.log.Info("stopped")
	return a.logs.Close()
}
