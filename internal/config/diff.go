package config

import (
	"reflect"
	"sort"
	"strings"

	logx "taskpulse/pkg/logx"
)

// RestartSections cannot be applied by hot reload.
var RestartSections = map[string]bool{
	"server":    true,
	"storage":   true,
	"broker":    true,
	"analytics": true,
}

// SummarizeConfigChange returns the changed top-level sections and safe
// attrs for logging. Secrets (API keys, broker credentials) are never
// included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", newCfg.Server.Addr),
			logx.Int("server.key_count", len(newCfg.Server.Keys)),
			logx.Bool("server.pprof", newCfg.Server.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Broker, newCfg.Broker) {
		changed = append(changed, "broker")
		attrs = append(attrs, logx.Bool("broker.url_set", strings.TrimSpace(newCfg.Broker.URL) != ""))
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.disabled", newCfg.Scheduler.Disabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("scheduler.job_overrides", len(newCfg.Scheduler.Jobs)),
		)
	}

	if !reflect.DeepEqual(oldCfg.RateLimit, newCfg.RateLimit) {
		changed = append(changed, "rate_limit")
		attrs = append(attrs,
			logx.Int("rate_limit.ip.limit", newCfg.RateLimit.IP.Limit),
			logx.Float64("rate_limit.ip.window_hours", newCfg.RateLimit.IP.WindowHours),
			logx.String("rate_limit.counter", newCfg.RateLimit.Counter),
			logx.Int("rate_limit.policy_count", len(newCfg.RateLimit.Policies)),
		)
	}

	if oldCfg.Risk != newCfg.Risk || oldCfg.Predict != newCfg.Predict {
		changed = append(changed, "analytics")
		attrs = append(attrs,
			logx.Int("risk.sweep_batch", newCfg.Risk.SweepBatch),
			logx.Int("predict.batch", newCfg.Predict.Batch),
		)
	}

	oldN, newN := oldCfg.NotifierOrDefault(), newCfg.NotifierOrDefault()
	if oldN != newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// NeedsRestart reports the changed sections that hot reload ignores.
func NeedsRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		if RestartSections[s] {
			out = append(out, s)
		}
	}
	return out
}
