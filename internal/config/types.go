package config

// Config is the on-disk configuration. JSON or YAML; unknown keys are
// rejected. Durations are Go duration strings ("500ms", "10s", "1h").
type Config struct {
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Broker    BrokerConfig    `json:"broker"`
	Scheduler SchedulerConfig `json:"scheduler"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Risk      RiskConfig      `json:"risk"`
	Predict   PredictConfig   `json:"predict"`

	// Notifier defaults to enabled when the section is omitted.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type ServerConfig struct {
	Addr            string `json:"addr"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`

	// TrustForwarded keys the anonymous tier on X-Forwarded-For. Enable only
	// behind a proxy that overwrites the header.
	TrustForwarded bool `json:"trust_forwarded,omitempty"`

	AuthHeader string         `json:"auth_header,omitempty"` // default: X-API-Key
	Keys       []APIKeyConfig `json:"keys,omitempty"`

	// Pprof mounts /debug/pprof for admins.
	Pprof bool `json:"pprof,omitempty"`
}

type APIKeyConfig struct {
	ID     string `json:"id"`
	Role   string `json:"role"`
	Secret string `json:"secret"` // never logged
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the relational store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/taskpulse.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// BrokerConfig points at the Redis broker. An empty or unreachable URL
// selects the in-process interval backend. TASKPULSE_BROKER_URL overrides URL.
type BrokerConfig struct {
	URL           string `json:"url,omitempty"`
	ProbeTimeout  string `json:"probe_timeout,omitempty"` // default: 3s
	ProbeRetries  *int   `json:"probe_retries,omitempty"` // default: 2
	Prefix        string `json:"prefix,omitempty"`
	DeadLetterCap int64  `json:"dead_letter_cap,omitempty"`
}

// SchedulerConfig controls background jobs. TASKPULSE_DISABLE_SCHEDULER
// overrides Disabled.
type SchedulerConfig struct {
	Disabled    bool                 `json:"disabled"`
	Timezone    string               `json:"timezone,omitempty"`
	HistorySize int                  `json:"history_size,omitempty"`
	Jobs        map[string]JobConfig `json:"jobs,omitempty"`
}

// JobConfig overrides one job. Interval accepts a Go duration, "HH:MM",
// "@every 5m" or "every:5m".
type JobConfig struct {
	Interval string `json:"interval,omitempty"`
}

type RateLimitConfig struct {
	IP IPTierConfig `json:"ip"`

	// Counter selects the counting authority for authenticated traffic:
	// "sqlite" (default), "redis" (uses broker.url) or "memory".
	Counter string `json:"counter,omitempty"`

	// LogRetention bounds the request log; default is the largest policy
	// window, at least 24h.
	LogRetention string `json:"log_retention,omitempty"`

	// Policies are upserted into the policy store at startup and on reload.
	Policies []PolicyConfig `json:"policies,omitempty"`
}

type IPTierConfig struct {
	Limit       int     `json:"limit"`
	WindowHours float64 `json:"window_hours"`
}

type PolicyConfig struct {
	Scope         string `json:"scope"`
	Key           string `json:"key"`
	Method        string `json:"method,omitempty"`
	Limit         int    `json:"limit"`
	WindowSeconds int64  `json:"window_seconds"`
	Enabled       *bool  `json:"enabled,omitempty"`
}

type RiskConfig struct {
	SweepBatch int `json:"sweep_batch,omitempty"`
}

type PredictConfig struct {
	Batch    int    `json:"batch,omitempty"`
	FreshFor string `json:"fresh_for,omitempty"`
}

type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// DefaultNotifier is applied when the notifier section is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      5,
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
}

// NotifierOrDefault never returns nil.
func (c *Config) NotifierOrDefault() NotifierConfig {
	if c == nil || c.Notifier == nil {
		return DefaultNotifier()
	}
	return *c.Notifier
}
