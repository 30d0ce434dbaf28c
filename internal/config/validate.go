package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"taskpulse/internal/ratelimit"
	"taskpulse/internal/task/scheduler"
)

// Policy converts a seed entry. Case is normalized the same way as for any
// config-provided policy; Validate still rejects malformed values.
func (p PolicyConfig) Policy() ratelimit.Policy {
	out := ratelimit.Policy{
		Scope:   ratelimit.Scope(p.Scope),
		Key:     p.Key,
		Method:  p.Method,
		Limit:   p.Limit,
		Window:  ratelimit.WindowFromSeconds(p.WindowSeconds),
		Enabled: true,
	}
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	return out.Normalize()
}

// IPWindow converts window_hours; zero means the limiter default.
func (c IPTierConfig) IPWindow() time.Duration {
	if c.WindowHours <= 0 {
		return 0
	}
	return time.Duration(c.WindowHours * float64(time.Hour))
}

// JobIntervals parses scheduler.jobs.<name>.interval.
func (c SchedulerConfig) JobIntervals() (map[string]time.Duration, error) {
	out := make(map[string]time.Duration, len(c.Jobs))
	for name, jc := range c.Jobs {
		if strings.TrimSpace(jc.Interval) == "" {
			continue
		}
		d, err := scheduler.ParseInterval(jc.Interval)
		if err != nil {
			return nil, fmt.Errorf("scheduler.jobs.%s.interval: %w", name, err)
		}
		out[name] = d
	}
	return out, nil
}

// Validate checks everything that can be checked without opening a
// connection. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		add(errors.New("server.addr is required"))
	}
	dur("server.read_timeout", cfg.Server.ReadTimeout)
	dur("server.write_timeout", cfg.Server.WriteTimeout)
	dur("server.idle_timeout", cfg.Server.IdleTimeout)
	dur("server.shutdown_timeout", cfg.Server.ShutdownTimeout)
	seen := map[string]bool{}
	for i, k := range cfg.Server.Keys {
		if k.ID == "" || k.Secret == "" {
			add(fmt.Errorf("server.keys[%d]: id and secret are required", i))
		}
		if seen[k.Secret] {
			add(fmt.Errorf("server.keys[%d]: duplicate secret", i))
		}
		seen[k.Secret] = true
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	dur("broker.probe_timeout", cfg.Broker.ProbeTimeout)
	if r := cfg.Broker.ProbeRetries; r != nil && *r < 0 {
		add(errors.New("broker.probe_retries must be >= 0"))
	}
	if p := cfg.Broker.Prefix; p != "" && !strings.HasSuffix(p, ":") {
		add(errors.New("broker.prefix must end with ':'"))
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, ok := scheduler.LoadLocation(tz); !ok {
			add(fmt.Errorf("scheduler.timezone: unknown zone %q", tz))
		}
	}
	_, err := cfg.Scheduler.JobIntervals()
	add(err)

	switch strings.ToLower(strings.TrimSpace(cfg.RateLimit.Counter)) {
	case "", "sqlite", "memory":
	case "redis":
		if strings.TrimSpace(cfg.Broker.URL) == "" {
			add(errors.New("rate_limit.counter=redis requires broker.url"))
		}
	default:
		add(fmt.Errorf("rate_limit.counter: unknown driver %q", cfg.RateLimit.Counter))
	}
	if cfg.RateLimit.IP.Limit < 0 {
		add(errors.New("rate_limit.ip.limit must be >= 0"))
	}
	if cfg.RateLimit.IP.WindowHours < 0 {
		add(errors.New("rate_limit.ip.window_hours must be >= 0"))
	}
	dur("rate_limit.log_retention", cfg.RateLimit.LogRetention)
	for i, p := range cfg.RateLimit.Policies {
		if err := ratelimit.Validate(p.Policy()); err != nil {
			add(fmt.Errorf("rate_limit.policies[%d]: %w", i, err))
		}
	}

	if cfg.Risk.SweepBatch < 0 {
		add(errors.New("risk.sweep_batch must be >= 0"))
	}
	if cfg.Predict.Batch < 0 {
		add(errors.New("predict.batch must be >= 0"))
	}
	dur("predict.fresh_for", cfg.Predict.FreshFor)

	if n := cfg.Notifier; n != nil {
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.DedupMaxEntries < 0 {
			add(errors.New("notifier: counts must be >= 0"))
		}
		dur("notifier.dedup_window", n.DedupWindow)
	}

	return errors.Join(errs...)
}
