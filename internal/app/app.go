package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"relaybot/internal/config"
	"relaybot/internal/conversation"
	"relaybot/internal/dispatch"
	"relaybot/internal/eventbus"
	"relaybot/internal/httpapi"
	"relaybot/internal/metrics"
	"relaybot/internal/pubsub"
	"relaybot/internal/recording"
	"relaybot/internal/responder"
	"relaybot/internal/router"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/scheduler"
	"relaybot/internal/settings"
	"relaybot/internal/storage"
	"relaybot/internal/task/engine"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	cfg  *config.Config
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Metrics
	db      *storage.DB
	redis   []*redis.Client

	adapter   transport.Adapter
	engine    *engine.Service
	settings  *settings.Service
	rec       *recording.Service
	dispatch  *dispatch.Dispatcher
	sched     *scheduler.Service
	pubsub    *pubsub.Service
	conv      *conversation.Manager
	router    *router.Router
	responder responder.Responder
	http      *httpapi.Server

	botID        string
	schedEnabled bool
	sweepEvery   time.Duration
	purgeEvery   time.Duration

	updates chan transport.Update
}

// Options replace parts of the configured stack. Zero values keep the
// configured driver.
type Options struct {
	Adapter   transport.Adapter
	Responder responder.Responder
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a, err := build(cfg, Options{})
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm
	cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	return a, nil
}

// NewFromConfig builds the app from an already validated config. Hot reload
// is unavailable without a config file.
func NewFromConfig(cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return build(cfg, opts)
}

func build(cfg *config.Config, opts Options) (a *App, err error) {
	logs, log := logx.New(mapLogConfig(cfg), nil)
	a = &App{
		cfg:     cfg,
		log:     log,
		logs:    logs,
		bus:     eventbus.New(),
		metrics: metrics.New(),
		botID:   strings.TrimSpace(cfg.Conversation.BotID),
		updates: make(chan transport.Update, updateQueueSize(cfg)),
	}
	defer func() {
		if err != nil {
			a.closeResources()
			_ = logs.Close()
		}
	}()

	scfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.db, err = storage.Open(scfg, log.With(logx.String("comp", "storage"))); err != nil {
		return nil, err
	}

	a.adapter = opts.Adapter
	if a.adapter == nil {
		if a.adapter, err = buildTransport(cfg, log); err != nil {
			return nil, err
		}
	}
	logs.SetSender(a.adapter)

	ecfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine.New(ecfg, log, a.bus)

	a.settings = settings.New(settings.NewSQLiteStore(a.db), settings.Defaults{
		MessageDelaySeconds: cfg.PubSub.DefaultDelaySeconds,
	}, a.bus, log)

	if a.rec, err = a.buildRecording(cfg, a.db, a.settings); err != nil {
		return nil, err
	}

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.dispatch = dispatch.New(dcfg, a.adapter, a.rec, a.bus, a.metrics, log)

	schedCfg, err := mapSchedulerConfig(cfg, dcfg.SendTimeout)
	if err != nil {
		return nil, err
	}
	schedOpts := []scheduler.Option{scheduler.WithBus(a.bus), scheduler.WithMetrics(a.metrics)}
	if strings.EqualFold(strings.TrimSpace(cfg.Scheduler.Lock), "redis") {
		rdb := newRedis(cfg.Scheduler.LockRedis)
		a.redis = append(a.redis, rdb)
		if err := pingRedis(context.Background(), rdb, "scheduler lock"); err != nil {
			return nil, err
		}
		schedOpts = append(schedOpts, scheduler.WithLocker(scheduler.NewRedisLocker(rdb, cfg.Scheduler.LockRedis.Prefix)))
	}
	a.sched = scheduler.New(schedCfg, scheduler.NewSQLiteStore(a.db), a.engine, a.dispatch, log, schedOpts...)
	a.schedEnabled = cfg.Scheduler.Enabled

	a.pubsub = pubsub.New(pubsub.Config{}, pubsub.NewSQLiteStore(a.db), a.dispatch, a.settings, log,
		pubsub.WithExecutor(a.engine),
		pubsub.WithBus(a.bus),
		pubsub.WithMetrics(a.metrics),
	)

	ccfg, sweep, err := mapConversationConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sweepEvery = sweep
	a.conv = conversation.New(ccfg, conversation.NewSQLiteStore(a.db), log,
		conversation.WithBus(a.bus),
		conversation.WithMetrics(a.metrics),
	)

	rcfg, err := mapRouterConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.router, err = router.New(rcfg, a.conv, log,
		router.WithAudit(router.NewSQLiteAudit(a.db)),
		router.WithBus(a.bus),
		router.WithMetrics(a.metrics),
	); err != nil {
		return nil, err
	}
	a.purgeEvery = auditPurgeEvery

	a.responder = opts.Responder
	if a.responder == nil {
		if a.responder, err = buildResponder(cfg, log); err != nil {
			return nil, err
		}
	}

	if cfg.HTTP.Enabled {
		a.http = httpapi.New(mapHTTPConfig(cfg), httpapi.Deps{
			Jobs:          a.sched,
			Topics:        a.pubsub,
			Settings:      a.settings,
			Conversations: a.conv,
			Router:        a.router,
			Recording:     a.rec,
			Transport:     a.adapter,
			DB:            a.db,
			Metrics:       a.metrics,
		}, log)
	}
	return a, nil
}

func (a *App) Log() logx.Logger                     { return a.log }
func (a *App) Bus() eventbus.Bus                    { return a.bus }
func (a *App) Scheduler() *scheduler.Service        { return a.sched }
func (a *App) PubSub() *pubsub.Service              { return a.pubsub }
func (a *App) Settings() *settings.Service          { return a.settings }
func (a *App) Conversations() *conversation.Manager { return a.conv }
func (a *App) Router() *router.Router               { return a.router }
func (a *App) Recording() *recording.Service        { return a.rec }
func (a *App) Dispatcher() *dispatch.Dispatcher     { return a.dispatch }

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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "app"))), rtsup.WithCancelOnError(true))

	// The engine comes first: the scheduler and the inbound loop enqueue into it.
	a.engine.Start(a.sup.Context())

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	if a.schedEnabled {
		if err := a.sched.Load(a.sup.Context()); err != nil {
			return err
		}
		a.sup.Go("scheduler", a.sched.Run)
	}

	a.sup.GoRestart("inbound.dispatch", a.dispatchLoop, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))

	if a.sweepEvery > 0 {
		a.sup.Go("conversation.sweep", func(c context.Context) error {
			return a.conv.RunSweeper(c, a.sweepEvery)
		})
	}
	a.sup.Go("router.audit_purge", func(c context.Context) error {
		return a.router.RunAuditPurge(c, a.purgeEvery)
	})
	if a.http != nil {
		a.sup.Go("http", a.http.Run)
	}

	// Debug-level event trail; components subscribe themselves for real work.
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

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("app started",
		logx.Bool("scheduler", a.schedEnabled),
		logx.Bool("http", a.http != nil),
		logx.Bool("responder", a.responder != nil),
		logx.String("recording", a.rec.BackendName()),
	)
	return nil
}

// reloadLoop applies the sections that can change at runtime. Everything
// else is logged as needing a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfg
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
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
			if newCfg == nil {
				continue
			}
			sections := config.ChangedSections(last, newCfg)
			last = newCfg
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}

			var restart []string
			for _, s := range sections {
				switch s {
				case "logging":
					a.logs.Apply(mapLogConfig(newCfg))
				case "dispatch":
					dcfg, err := mapDispatchConfig(newCfg)
					if err != nil {
						a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
						continue
					}
					a.dispatch.Apply(dcfg)
				default:
					restart = append(restart, s)
				}
			}
			if len(restart) > 0 {
				a.log.Warn("config sections changed; restart required for changes to take effect",
					logx.String("sections", strings.Join(restart, ",")))
			}
			a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		if a.logs != nil {
			_ = a.logs.Close()
		}
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// Each step gets an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				var cancel context.CancelFunc
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
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Lanes stop before the adapter so no task sends into a stopped transport.
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("resources", 1*time.Second, func(context.Context) error { a.closeResources(); return nil })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeResources() {
	if a.rec != nil {
		if err := a.rec.Close(); err != nil {
			a.log.Warn("close recording failed", logx.Err(err))
		}
		a.rec = nil
	}
	for _, rdb := range a.redis {
		_ = rdb.Close()
	}
	a.redis = nil
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("close storage failed", logx.Err(err))
		}
		a.db = nil
	}
}
