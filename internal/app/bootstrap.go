package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskpulse/internal/config"
	"taskpulse/internal/jobs"
	"taskpulse/internal/notify"
	"taskpulse/internal/ratelimit"
	"taskpulse/internal/server"
	"taskpulse/internal/storage"
	"taskpulse/internal/task/queue"
	"taskpulse/internal/task/scheduler"
	logx "taskpulse/pkg/logx"
)

// Config values arrive validated; the mappers below only convert them.
// They still return errors so a config built in code fails loudly.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.TrimSpace(cfg.Storage.Driver)
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = "./data/taskpulse.db"
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapServerConfig(cfg *config.Config) (server.Config, error) {
	sc := cfg.Server
	out := server.Config{
		Addr:           sc.Addr,
		TrustForwarded: sc.TrustForwarded,
		AuthHeader:     sc.AuthHeader,
		Pprof:          sc.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("server.read_timeout", sc.ReadTimeout, 15*time.Second); err != nil {
		return server.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("server.write_timeout", sc.WriteTimeout, 30*time.Second); err != nil {
		return server.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("server.idle_timeout", sc.IdleTimeout, 60*time.Second); err != nil {
		return server.Config{}, err
	}
	if out.ShutdownTimeout, err = config.ParseDurationField("server.shutdown_timeout", sc.ShutdownTimeout); err != nil {
		return server.Config{}, err
	}
	for _, k := range sc.Keys {
		out.Keys = append(out.Keys, server.APIKey{Secret: k.Secret, ID: k.ID, Role: k.Role})
	}
	return out, nil
}

func mapNotifierConfig(cfg *config.Config) (notify.Config, error) {
	n := cfg.NotifierOrDefault()
	window, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notify.Config{}, err
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.DedupMaxEntries < 0 {
		return notify.Config{}, fmt.Errorf("notifier: counts must be >= 0")
	}
	return notify.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		DedupWindow:     window,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}, nil
}

func mapLimiterConfig(cfg *config.Config) ratelimit.Config {
	return ratelimit.Config{
		IPLimit:  cfg.RateLimit.IP.Limit,
		IPWindow: cfg.RateLimit.IP.IPWindow(),
	}
}

func mapQueueConfig(cfg *config.Config) queue.Config {
	return queue.Config{
		Prefix:        cfg.Broker.Prefix,
		DeadLetterCap: cfg.Broker.DeadLetterCap,
	}
}

// mapProbe returns the broker probe bounds (3s and 2 retries unless set).
func mapProbe(cfg *config.Config) (time.Duration, int, error) {
	timeout, err := config.ParseDurationOrDefault("broker.probe_timeout", cfg.Broker.ProbeTimeout, queue.DefaultProbeTimeout)
	if err != nil {
		return 0, 0, err
	}
	retries := queue.DefaultProbeRetries
	if r := cfg.Broker.ProbeRetries; r != nil {
		retries = *r
	}
	return timeout, retries, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Disabled: cfg.Scheduler.Disabled,
		Timezone: cfg.Scheduler.Timezone,
	}
}

func schedulerLocation(cfg *config.Config) *time.Location {
	if loc, ok := scheduler.LoadLocation(cfg.Scheduler.Timezone); ok && loc != nil {
		return loc
	}
	return time.Local
}

func mapJobsConfig(cfg *config.Config) (jobs.Config, error) {
	freshFor, err := config.ParseDurationField("predict.fresh_for", cfg.Predict.FreshFor)
	if err != nil {
		return jobs.Config{}, err
	}
	retention, err := config.ParseDurationField("rate_limit.log_retention", cfg.RateLimit.LogRetention)
	if err != nil {
		return jobs.Config{}, err
	}
	intervals, err := cfg.Scheduler.JobIntervals()
	if err != nil {
		return jobs.Config{}, err
	}
	return jobs.Config{
		RiskBatch:       cfg.Risk.SweepBatch,
		PredictBatch:    cfg.Predict.Batch,
		PredictFreshFor: freshFor,
		LogRetention:    retention,
		Location:        schedulerLocation(cfg),
		Intervals:       intervals,
	}, nil
}

// seedPolicies upserts the configured policies. Policies created through the
// admin API are left alone unless the config names the same key.
func seedPolicies(ctx context.Context, store ratelimit.PolicyStore, cfg *config.Config) (int, error) {
	n := 0
	for i, pc := range cfg.RateLimit.Policies {
		if err := store.Upsert(ctx, pc.Policy()); err != nil {
			return n, fmt.Errorf("rate_limit.policies[%d]: %w", i, err)
		}
		n++
	}
	return n, nil
}

// checkMappings runs every mapper so a reload that validates but cannot be
// applied is rejected before commit.
func checkMappings(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapServerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapProbe(cfg); err != nil {
		return err
	}
	_, err := mapJobsConfig(cfg)
	return err
}
