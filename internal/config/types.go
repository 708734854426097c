package config

// Config is the on-disk daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown keys are rejected so typos surface at load and reload time.
type Config struct {
	Logging    LoggingConfig     `json:"logging"`
	HTTP       HTTPConfig        `json:"http"`
	Dispatch   DispatchConfig    `json:"dispatch"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Push       PushConfig        `json:"push"`
	Storage    *StorageConfig    `json:"storage,omitempty"`
	Reconcile  *ReconcileConfig  `json:"reconcile,omitempty"`
	Redis      *RedisConfig      `json:"redis,omitempty"`
}

// LoggingConfig controls sinks and levels.
//
// components overrides level per component ("push", "pushgw", "fanout",
// "http", "taskengine", ...). debug_per_sec caps debug output; 0 keeps all.
type LoggingConfig struct {
	Level       string            `json:"level"`
	Console     bool              `json:"console"`
	JSON        bool              `json:"json,omitempty"`
	File        LoggingFile       `json:"file"`
	Components  map[string]string `json:"components,omitempty"`
	DebugPerSec int               `json:"debug_per_sec,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the intake API listener.
//
// Defaults: addr "127.0.0.1:8080", read_timeout "10s", write_timeout "15s",
// shutdown_timeout "10s".
type HTTPConfig struct {
	Addr            string `json:"addr,omitempty"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	// Token enables bearer auth on /v1 and /debug routes when set (never logged).
	Token string `json:"token,omitempty"`
	// Pprof mounts the runtime profiler under /debug/pprof.
	Pprof bool `json:"pprof,omitempty"`
}

// DispatchConfig tunes the fan-out.
//
// Defaults: batch_size 50, max_concurrent 10, push_call_timeout "10s",
// finalize_timeout "10s", dispatch_timeout "0s" (disabled).
type DispatchConfig struct {
	BatchSize       int    `json:"batch_size,omitempty"`
	MaxConcurrent   int    `json:"max_concurrent,omitempty"`
	PushCallTimeout string `json:"push_call_timeout,omitempty"`
	FinalizeTimeout string `json:"finalize_timeout,omitempty"`
	DispatchTimeout string `json:"dispatch_timeout,omitempty"`
	DefaultIcon     string `json:"default_icon,omitempty"`
	ClickBaseURL    string `json:"click_base_url,omitempty"`
}

// TaskEngineConfig controls the background pool that runs dispatches.
//
// Enabled is a pointer so an omitted key defaults to true while an
// explicit false still disables the pool.
//
// Defaults: workers 4, queue_size 64, default_timeout "0s",
// max_queue_delay "0s", history_size 100.
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	// MaxQueueDelay drops dispatches that waited longer than this for a worker;
	// their records are finalized with the drop reason. "0s" disables.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

// PushConfig controls the push transport.
//
// With gateway_url empty the client posts straight to each endpoint address.
type PushConfig struct {
	GatewayURL string `json:"gateway_url,omitempty"`
	AuthToken  string `json:"auth_token,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	TTL        string `json:"ttl,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
}

// StorageConfig selects the record store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./fanout.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	QueryLimit  int    `json:"query_limit,omitempty"`
}

// ReconcileConfig controls the sweep that finalizes abandoned records.
//
// Defaults: schedule "@every 5m", stale_after "30m".
type ReconcileConfig struct {
	Enabled    bool   `json:"enabled"`
	Schedule   string `json:"schedule,omitempty"`
	StaleAfter string `json:"stale_after,omitempty"`
}

// RedisConfig enables relaying completion events to Redis pub/sub.
type RedisConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr"`
	Password      string `json:"password,omitempty"`
	DB            int    `json:"db,omitempty"`
	ChannelPrefix string `json:"channel_prefix,omitempty"`
}
