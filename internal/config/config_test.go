package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "taskpulse/pkg/logx"
)

const sampleYAML = `
server:
  addr: "127.0.0.1:8080"
  keys:
    - id: ops
      role: ADMIN
      secret: s3cr3t
logging:
  level: info
  console: true
storage:
  driver: sqlite
  path: ./data/taskpulse.db
broker:
  url: ""
scheduler:
  timezone: UTC
  jobs:
    risk-sweep:
      interval: "@every 10m"
    insights:
      interval: "04:00"
rate_limit:
  ip:
    limit: 50
    window_hours: 0.5
  policies:
    - scope: endpoint
      key: /export
      method: post
      limit: 5
      window_seconds: 60
    - scope: ROLE
      key: MEMBER
      limit: 1000
      window_seconds: 3600
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func noEnv(string) (string, bool) { return "", false }

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	m.SetEnv(noEnv)
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	require.Equal(t, 50, cfg.RateLimit.IP.Limit)
	require.Equal(t, 30*time.Minute, cfg.RateLimit.IP.IPWindow())

	p := cfg.RateLimit.Policies[0].Policy()
	require.Equal(t, "ENDPOINT", string(p.Scope))
	require.Equal(t, "POST", p.Method)
	require.Equal(t, time.Minute, p.Window)
	require.True(t, p.Enabled)

	iv, err := cfg.Scheduler.JobIntervals()
	require.NoError(t, err)
	require.Equal(t, 10*time.Minute, iv["risk-sweep"])
	require.Equal(t, 4*time.Hour, iv["insights"])

	require.True(t, cfg.NotifierOrDefault().Enabled)
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML+"\nextra_section: 1\n"))
	m.SetEnv(noEnv)
	_, err := m.Load()
	require.Error(t, err)
	require.Nil(t, m.Get())

	m = NewConfigManager(writeFile(t, "config.json", `{"server":{"addr":":8080"}} {}`))
	m.SetEnv(noEnv)
	_, err = m.Parse()
	require.ErrorContains(t, err, "trailing data")
}

func TestEnvOverrides(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		EnvBrokerURL:        "redis://127.0.0.1:6379/0",
		EnvDisableScheduler: "true",
	}
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	m.SetEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, "redis://127.0.0.1:6379/0", cfg.Broker.URL)
	require.True(t, cfg.Scheduler.Disabled)

	env[EnvDisableScheduler] = "maybe"
	_, err = m.Parse()
	require.ErrorContains(t, err, EnvDisableScheduler)
}

func TestValidateCollectsErrors(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Storage:   StorageConfig{Driver: "postgres"},
		Scheduler: SchedulerConfig{Timezone: "Mars/Olympus", Jobs: map[string]JobConfig{"risk-sweep": {Interval: "soon"}}},
		RateLimit: RateLimitConfig{
			Counter:  "redis",
			Policies: []PolicyConfig{{Scope: "USER", Key: "u1", Limit: 0, WindowSeconds: 60}},
		},
		Predict: PredictConfig{FreshFor: "-1h"},
	}
	err := Validate(cfg)
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"server.addr",
		"storage.driver",
		"scheduler.timezone",
		"scheduler.jobs.risk-sweep.interval",
		"requires broker.url",
		"rate_limit.policies[0]",
		"predict.fresh_for",
	} {
		require.True(t, strings.Contains(msg, want), "missing %q in %s", want, msg)
	}
}

func TestSummarizeHidesSecrets(t *testing.T) {
	t.Parallel()

	a := &Config{Server: ServerConfig{Addr: ":8080"}, Broker: BrokerConfig{URL: "redis://:pw@host:6379"}}
	b := &Config{
		Server: ServerConfig{Addr: ":8080", Keys: []APIKeyConfig{{ID: "ops", Role: "ADMIN", Secret: "hunter2"}}},
		Broker: BrokerConfig{URL: "redis://:pw2@host:6379"},
		Risk:   RiskConfig{SweepBatch: 10},
	}
	changed, attrs := SummarizeConfigChange(a, b)
	require.Equal(t, []string{"analytics", "broker", "server"}, changed)
	require.Equal(t, []string{"analytics", "broker", "server"}, NeedsRestart(changed))

	var sb strings.Builder
	logx.NewWriter(&sb, "debug").Info("config changed", attrs...)
	out := sb.String()
	require.NotContains(t, out, "hunter2")
	require.NotContains(t, out, "pw2")
	require.Contains(t, out, `"server.key_count":1`)

	changed, _ = SummarizeConfigChange(b, b)
	require.Empty(t, changed)
}

func TestWatchPublishesValidReloads(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewConfigManager(path)
	m.SetEnv(noEnv)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	// Give the watcher time to register the directory.
	time.Sleep(200 * time.Millisecond)

	// An invalid edit is never published.
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"\nbogus: true\n"), 0o600))
	select {
	case <-ch:
		t.Fatal("invalid config published")
	case <-time.After(time.Second):
	}

	updated := strings.Replace(sampleYAML, "limit: 50", "limit: 75", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
	select {
	case cfg := <-ch:
		require.Equal(t, 75, cfg.RateLimit.IP.Limit)
		require.Equal(t, 75, m.Get().RateLimit.IP.Limit)
	case <-time.After(5 * time.Second):
		t.Fatal("reload not published")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestParseDurationDefaults(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationOrDefault("server.read_timeout", " ", 15*time.Second)
	require.NoError(t, err)
	require.Equal(t, 15*time.Second, d)

	d, err = ParseDurationOrDefault("server.read_timeout", "0s", 15*time.Second)
	require.NoError(t, err)
	require.Equal(t, 15*time.Second, d)

	d, err = ParseDurationField("predict.fresh_for", "168h")
	require.NoError(t, err)
	require.Equal(t, 7*24*time.Hour, d)

	_, err = ParseDurationField("predict.fresh_for", "-1h")
	require.ErrorContains(t, err, "predict.fresh_for")
	_, err = ParseDurationField("predict.fresh_for", "a week")
	require.ErrorContains(t, err, "not a duration")
}

func TestExampleConfigLoads(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(filepath.Join("..", "..", "config.example.yaml"))
	m.SetEnv(noEnv)
	cfg, err := m.Load()
	require.NoError(t, err)

	require.Equal(t, 50, cfg.Predict.Batch)
	fresh, err := ParseDurationField("predict.fresh_for", cfg.Predict.FreshFor)
	require.NoError(t, err)
	require.Equal(t, 7*24*time.Hour, fresh)
}
