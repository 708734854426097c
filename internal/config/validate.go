package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"strings"

	logx "fanout/pkg/logx"
)

func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Validate checks field ranges and duration syntax. It does not touch the
// network or the filesystem.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	nonNeg := func(path string, v int) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s: must be >= 0", path))
		}
	}

	level := func(path, raw string) {
		if strings.TrimSpace(raw) == "" {
			return
		}
		if _, ok := logx.ParseLevel(raw); !ok {
			errs = append(errs, fmt.Errorf("%s: unknown level %q", path, raw))
		}
	}

	level("logging.level", c.Logging.Level)
	for comp, raw := range c.Logging.Components {
		if strings.TrimSpace(raw) == "" {
			errs = append(errs, fmt.Errorf("logging.components.%s: level required", comp))
			continue
		}
		level("logging.components."+comp, raw)
	}
	nonNeg("logging.debug_per_sec", c.Logging.DebugPerSec)

	check("http.read_timeout", c.HTTP.ReadTimeout)
	check("http.write_timeout", c.HTTP.WriteTimeout)
	check("http.shutdown_timeout", c.HTTP.ShutdownTimeout)

	nonNeg("dispatch.batch_size", c.Dispatch.BatchSize)
	nonNeg("dispatch.max_concurrent", c.Dispatch.MaxConcurrent)
	check("dispatch.push_call_timeout", c.Dispatch.PushCallTimeout)
	check("dispatch.finalize_timeout", c.Dispatch.FinalizeTimeout)
	check("dispatch.dispatch_timeout", c.Dispatch.DispatchTimeout)

	if te := c.TaskEngine; te != nil {
		nonNeg("task_engine.workers", te.Workers)
		nonNeg("task_engine.queue_size", te.QueueSize)
		nonNeg("task_engine.history_size", te.HistorySize)
		check("task_engine.default_timeout", te.DefaultTimeout)
		check("task_engine.max_queue_delay", te.MaxQueueDelay)
	}

	nonNeg("push.rate_per_sec", c.Push.RatePerSec)
	check("push.timeout", c.Push.Timeout)
	check("push.ttl", c.Push.TTL)
	if u := strings.TrimSpace(c.Push.GatewayURL); u != "" {
		if pu, err := url.Parse(u); err != nil || pu.Scheme == "" || pu.Host == "" {
			errs = append(errs, fmt.Errorf("push.gateway_url: invalid url %q", u))
		}
	}

	if st := c.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "memory", "none":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				errs = append(errs, errors.New("storage.path: required for sqlite"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		check("storage.busy_timeout", st.BusyTimeout)
		nonNeg("storage.query_limit", st.QueryLimit)
	}

	if rc := c.Reconcile; rc != nil {
		check("reconcile.stale_after", rc.StaleAfter)
	}

	if rd := c.Redis; rd != nil && rd.Enabled && strings.TrimSpace(rd.Addr) == "" {
		errs = append(errs, errors.New("redis.addr: required when enabled"))
	}

	return errors.Join(errs...)
}

// TaskEngineEnabled reports whether the dispatch pool runs. An omitted
// section or key means enabled.
func (c *Config) TaskEngineEnabled() bool {
	if c == nil || c.TaskEngine == nil || c.TaskEngine.Enabled == nil {
		return true
	}
	return *c.TaskEngine.Enabled
}

// StorageOrDefault returns the storage section, defaulting to the memory driver.
func (c *Config) StorageOrDefault() StorageConfig {
	if c == nil || c.Storage == nil {
		return StorageConfig{Driver: "memory"}
	}
	return *c.Storage
}

// ReconcileOrDefault returns the reconcile section, enabled by default.
func (c *Config) ReconcileOrDefault() ReconcileConfig {
	if c == nil || c.Reconcile == nil {
		return ReconcileConfig{Enabled: true}
	}
	return *c.Reconcile
}
