package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"fanout/internal/config"
	"fanout/internal/eventbus"
	"fanout/internal/fanout"
	"fanout/internal/httpapi"
	"fanout/internal/pushgw"
	"fanout/internal/recipients"
	"fanout/internal/reconcile"
	"fanout/internal/relay"
	"fanout/internal/runtime/supervisor"
	"fanout/internal/storage"
	"fanout/internal/task/engine"
	logx "fanout/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine   *engine.Service
	push     *pushgw.Client
	pushDisp *fanout.PushDispatcher
	coord    *fanout.Coordinator
	sweeper  *reconcile.Sweeper

	redis *redis.Client
	relay *relay.Relay

	http *httpapi.Server
}

// New loads the config and wires every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	a := &App{cfgm: cfgm, logs: logSvc, log: log.With(logx.Component("app")), bus: eventbus.New()}
	if err := a.build(cfg, log); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(sc, log)
	if errors.Is(err, storage.ErrDisabled) {
		return errors.New("storage.driver none is not supported: records need a store")
	}
	if err != nil {
		return err
	}
	a.store = store
	a.log.Info("storage ready", logx.String("driver", sc.Driver), logx.Int("query_limit", store.QueryLimit()))

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(engCfg, log, a.bus)

	pcfg, err := mapPushConfig(cfg)
	if err != nil {
		return err
	}
	a.push = pushgw.New(pcfg, log)

	fcfg, pushCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return err
	}
	a.pushDisp = fanout.NewPushDispatcher(pushCfg, store, a.push, store, log)
	a.coord = fanout.New(fcfg, fanout.Deps{
		Resolver:    recipients.New(store, log),
		Sink:        store,
		Runner:      a.engine,
		Dispatchers: []fanout.ChannelDispatcher{fanout.NewInAppDispatcher(store, log), a.pushDisp},
		Bus:         a.bus,
		Log:         log,
	})

	rcfg, err := mapReconcileConfig(cfg)
	if err != nil {
		return err
	}
	a.sweeper = reconcile.New(rcfg, store, a.coord, log)

	if rdc, ok := mapRedisConfig(cfg); ok {
		a.redis = relay.NewClient(rdc)
		a.relay = relay.New(rdc, a.redis, a.bus, log)
	}

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	router := httpapi.NewRouter(httpapi.Deps{
		Dispatcher:    a.coord,
		Records:       store,
		Subscriptions: store,
		Directory:     store,
		Health:        a.health,
		Token:         cfg.HTTP.Token,
		Pprof:         cfg.HTTP.Pprof,
		Log:           log,
	})
	a.http = httpapi.NewServer(hcfg, router, log)
	return nil
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) health() any {
	snap := a.engine.Snapshot()
	snap.History = nil
	out := map[string]any{
		"engine":  snap,
		"pending": a.coord.Pending(),
	}
	if a.sup != nil {
		out["goroutines"] = a.sup.Snapshot().Counters
	}
	if a.relay != nil {
		pub, failed := a.relay.Stats()
		out["relay"] = map[string]uint64{"published": pub, "failed": failed}
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(ctx context.Context, cfg *config.Config) error {
		if _, err := mapTaskEngineConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPushConfig(cfg); err != nil {
			return err
		}
		rc, err := mapReconcileConfig(cfg)
		if err != nil {
			return err
		}
		if rc.Enabled && strings.TrimSpace(rc.Schedule) != "" {
			if _, err := reconcile.ParseSchedule(rc.Schedule); err != nil {
				return fmt.Errorf("reconcile.schedule: %w", err)
			}
		}
		return nil
	})

	if a.engine.Enabled() {
		a.engine.Start(runCtx)
	} else {
		a.log.Warn("task engine disabled; notifications will be rejected")
	}
	if err := a.sweeper.Start(runCtx); err != nil {
		return err
	}

	if a.relay != nil {
		pctx, cancel := context.WithTimeout(runCtx, 3*time.Second)
		if err := a.redis.Ping(pctx).Err(); err != nil {
			a.log.Warn("redis not reachable yet; relay will retry", logx.Err(err))
		}
		cancel()
		a.sup.GoRestart("relay", a.relay.Run, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}

	a.sup.Go("http", a.http.Run)

	events, unsub := a.bus.Subscribe(128, "task.", fanout.EventCompleted)
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

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// applyConfig pushes the hot-reloadable sections into running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	ch := config.Summarize(prev, next)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLoggingConfig(next))

	if engCfg, err := mapTaskEngineConfig(next); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.engine.Enabled()
		a.engine.Apply(ctx, engCfg)
		switch {
		case !wasEnabled && engCfg.Enabled:
			a.log.Info("task engine enabled via config")
			a.engine.Start(ctx)
		case wasEnabled && !engCfg.Enabled:
			a.log.Info("task engine disabled via config")
			sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.engine.Stop(sctx)
			cancel()
		}
	}

	if fcfg, pushCfg, err := mapDispatchConfig(next); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.coord.Apply(fcfg)
		a.pushDisp.Apply(pushCfg)
	}

	if pcfg, err := mapPushConfig(next); err != nil {
		a.log.Warn("invalid push config; keeping previous", logx.Err(err))
	} else {
		a.push.Apply(pcfg)
	}

	if rcfg, err := mapReconcileConfig(next); err != nil {
		a.log.Warn("invalid reconcile config; keeping previous", logx.Err(err))
	} else if err := a.sweeper.Apply(ctx, rcfg); err != nil {
		a.log.Warn("reconcile reschedule failed", logx.Err(err))
	}

	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strings("sections", ch.RestartRequired))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts down in dependency order: intake first, then the pool (in-flight
// dispatches finalize, queued ones are dropped and finalized), then the
// store. Each step is bounded by ctx.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "supervisor", 10*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	a.step(ctx, "reconcile", 3*time.Second, func(context.Context) error {
		a.sweeper.Stop()
		return nil
	})
	a.step(ctx, "task.engine", 15*time.Second, func(c context.Context) error {
		a.engine.Stop(c)
		return nil
	})
	a.step(ctx, "push.deactivate", 5*time.Second, a.pushDisp.Wait)
	if a.redis != nil {
		a.step(ctx, "redis", time.Second, func(context.Context) error { return a.redis.Close() })
	}
	a.step(ctx, "storage", 3*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	return a.logs.Close()
}

// step runs fn bounded by max and the parent deadline. A step that overruns
// is logged and left to finish in the background.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
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
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
