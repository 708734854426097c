package config

import (
	"reflect"
	"strings"

	logx "fanout/pkg/logx"
)

// Change describes a reload.
type Change struct {
	// Sections lists top-level keys whose content changed.
	Sections []string
	// Fields are safe to log; secrets are reduced to "is set" flags.
	Fields []logx.Field
	// RestartRequired lists changed sections that are only read at startup.
	RestartRequired []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// restartOnly sections are bound once at startup.
var restartOnly = map[string]bool{"http": true, "storage": true, "redis": true}

// Summarize compares two configs section by section.
func Summarize(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var ch Change
	mark := func(section string, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Fields = append(ch.Fields, fields...)
		if restartOnly[section] {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Int("logging.debug_per_sec", newCfg.Logging.DebugPerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		mark("http",
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		mark("dispatch",
			logx.Int("dispatch.batch_size", newCfg.Dispatch.BatchSize),
			logx.Int("dispatch.max_concurrent", newCfg.Dispatch.MaxConcurrent),
			logx.String("dispatch.push_call_timeout", newCfg.Dispatch.PushCallTimeout),
		)
	}

	if !reflect.DeepEqual(derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)) {
		te := derefTaskEngine(newCfg.TaskEngine)
		mark("task_engine",
			logx.Bool("task_engine.enabled", newCfg.TaskEngineEnabled()),
			logx.Int("task_engine.workers", te.Workers),
			logx.Int("task_engine.queue_size", te.QueueSize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Push, newCfg.Push) {
		mark("push",
			logx.Bool("push.gateway_mode", strings.TrimSpace(newCfg.Push.GatewayURL) != ""),
			logx.Bool("push.auth_token_set", strings.TrimSpace(newCfg.Push.AuthToken) != ""),
			logx.Int("push.rate_per_sec", newCfg.Push.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.StorageOrDefault(), newCfg.StorageOrDefault()) {
		st := newCfg.StorageOrDefault()
		mark("storage", logx.String("storage.driver", st.Driver), logx.String("storage.path", st.Path))
	}

	if !reflect.DeepEqual(oldCfg.ReconcileOrDefault(), newCfg.ReconcileOrDefault()) {
		rc := newCfg.ReconcileOrDefault()
		mark("reconcile",
			logx.Bool("reconcile.enabled", rc.Enabled),
			logx.String("reconcile.schedule", rc.Schedule),
			logx.String("reconcile.stale_after", rc.StaleAfter),
		)
	}

	if !reflect.DeepEqual(derefRedis(oldCfg.Redis), derefRedis(newCfg.Redis)) {
		rd := derefRedis(newCfg.Redis)
		mark("redis",
			logx.Bool("redis.enabled", rd.Enabled),
			logx.String("redis.addr", rd.Addr),
			logx.Bool("redis.password_set", rd.Password != ""),
		)
	}

	return ch
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefRedis(rd *RedisConfig) RedisConfig {
	if rd == nil {
		return RedisConfig{}
	}
	return *rd
}
