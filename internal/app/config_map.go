package app

import (
	"strings"
	"time"

	"fanout/internal/config"
	"fanout/internal/fanout"
	"fanout/internal/httpapi"
	"fanout/internal/notification"
	"fanout/internal/pushgw"
	"fanout/internal/reconcile"
	"fanout/internal/relay"
	"fanout/internal/storage"
	"fanout/internal/task/engine"
	logx "fanout/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Components:  cfg.Logging.Components,
		DebugPerSec: cfg.Logging.DebugPerSec,
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Enabled: cfg.TaskEngineEnabled()}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	out.Workers = te.Workers
	out.QueueSize = te.QueueSize
	out.HistorySize = te.HistorySize

	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapDispatchConfig(cfg *config.Config) (fanout.Config, fanout.PushConfig, error) {
	d := cfg.Dispatch
	out := fanout.Config{BatchSize: d.BatchSize, MaxConcurrent: d.MaxConcurrent}

	var err error
	if out.FinalizeTimeout, err = config.ParseDurationField("dispatch.finalize_timeout", d.FinalizeTimeout); err != nil {
		return fanout.Config{}, fanout.PushConfig{}, err
	}
	if out.DispatchTimeout, err = config.ParseDurationField("dispatch.dispatch_timeout", d.DispatchTimeout); err != nil {
		return fanout.Config{}, fanout.PushConfig{}, err
	}
	callTimeout, err := config.ParseDurationOrDefault("dispatch.push_call_timeout", d.PushCallTimeout, fanout.DefaultPushCallTimeout)
	if err != nil {
		return fanout.Config{}, fanout.PushConfig{}, err
	}
	push := fanout.PushConfig{
		CallTimeout: callTimeout,
		Defaults: notification.PayloadDefaults{
			Icon:     strings.TrimSpace(d.DefaultIcon),
			ClickURL: strings.TrimSpace(d.ClickBaseURL),
		},
	}
	return out, push, nil
}

func mapPushConfig(cfg *config.Config) (pushgw.Config, error) {
	p := cfg.Push
	timeout, err := config.ParseDurationField("push.timeout", p.Timeout)
	if err != nil {
		return pushgw.Config{}, err
	}
	ttl, err := config.ParseDurationField("push.ttl", p.TTL)
	if err != nil {
		return pushgw.Config{}, err
	}
	return pushgw.Config{
		GatewayURL: p.GatewayURL,
		AuthToken:  p.AuthToken,
		RatePerSec: p.RatePerSec,
		Timeout:    timeout,
		TTL:        ttl,
		UserAgent:  p.UserAgent,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.StorageOrDefault()
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		QueryLimit:  sc.QueryLimit,
	}, nil
}

func mapReconcileConfig(cfg *config.Config) (reconcile.Config, error) {
	rc := cfg.ReconcileOrDefault()
	stale, err := config.ParseDurationOrDefault("reconcile.stale_after", rc.StaleAfter, reconcile.DefaultStaleAfter)
	if err != nil {
		return reconcile.Config{}, err
	}
	return reconcile.Config{Enabled: rc.Enabled, Schedule: rc.Schedule, StaleAfter: stale}, nil
}

func mapRedisConfig(cfg *config.Config) (relay.Config, bool) {
	rd := cfg.Redis
	if rd == nil || !rd.Enabled {
		return relay.Config{}, false
	}
	return relay.Config{
		Addr:          strings.TrimSpace(rd.Addr),
		Password:      rd.Password,
		DB:            rd.DB,
		ChannelPrefix: rd.ChannelPrefix,
	}, true
}

func mapHTTPConfig(cfg *config.Config) (httpapi.ServerConfig, error) {
	h := cfg.HTTP
	var (
		out httpapi.ServerConfig
		err error
	)
	out.Addr = strings.TrimSpace(h.Addr)
	if out.ReadTimeout, err = config.ParseDurationField("http.read_timeout", h.ReadTimeout); err != nil {
		return httpapi.ServerConfig{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", h.WriteTimeout); err != nil {
		return httpapi.ServerConfig{}, err
	}
	if out.ShutdownTimeout, err = config.ParseDurationField("http.shutdown_timeout", h.ShutdownTimeout); err != nil {
		return httpapi.ServerConfig{}, err
	}
	return out, nil
}
