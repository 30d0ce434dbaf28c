package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskpulse/internal/config"
	"taskpulse/internal/jobs"
	"taskpulse/internal/ratelimit"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	body = strings.ReplaceAll(body, "{{dir}}", dir)
	p := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

const appYAML = `
server:
  addr: "127.0.0.1:0"
  keys:
    - id: ops
      role: admin
      secret: s3cr3t
logging:
  level: error
storage:
  driver: sqlite
  path: "{{dir}}/taskpulse.db"
scheduler:
  timezone: UTC
  jobs:
    insights:
      interval: "@every 2h"
rate_limit:
  policies:
    - scope: endpoint
      key: /admin/jobs
      method: GET
      limit: 5
      window_seconds: 60
`

func get(t *testing.T, url, key string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, string(b)
}

func TestAppLifecycleFallsBackToInterval(t *testing.T) {
	a, err := NewApp(writeConfig(t, appYAML))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	base := "http://" + a.Addr()
	code, body := get(t, base+"/health", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"scheduler":"interval"`)

	code, body = get(t, base+"/admin/jobs", "s3cr3t")
	require.Equal(t, http.StatusOK, code)
	for _, name := range jobs.Names() {
		require.Contains(t, body, name)
	}

	code, body = get(t, base+"/metrics", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `taskpulse_scheduler_backend{mode="interval"} 1`)

	require.Equal(t, 2*time.Hour, a.intervals[jobs.Insights])
	_, found, err := a.store.Policies().Find(ctx, ratelimit.ScopeEndpoint, "/admin/jobs", "GET")
	require.NoError(t, err)
	require.True(t, found)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopSignal))
	<-a.Done()
}

// pingOnlyBroker speaks enough RESP to answer PING. Every other command gets
// an error reply, so the broker probe passes and queue registration fails.
func pingOnlyBroker(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveRESP(conn)
		}
	}()
	return ln.Addr().String()
}

func serveRESP(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		reply := "-ERR syntax error\r\n"
		if len(args) > 0 && strings.EqualFold(args[0], "PING") {
			reply = "+PONG\r\n"
		}
		if _, err := io.WriteString(conn, reply); err != nil {
			return
		}
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "*") {
		return strings.Fields(line), nil
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		hdr, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		hdr = strings.TrimRight(hdr, "\r\n")
		if len(hdr) < 2 || hdr[0] != '$' {
			return nil, fmt.Errorf("bad bulk header %q", hdr)
		}
		size, err := strconv.Atoi(hdr[1:])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func TestAppFallsBackWhenBrokerRejectsQueueCommands(t *testing.T) {
	addr := pingOnlyBroker(t)
	body := appYAML + fmt.Sprintf("broker:\n  url: \"redis://%s/0\"\n  probe_timeout: 2s\n", addr)
	a, err := NewApp(writeConfig(t, body))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer stopCancel()
		require.NoError(t, a.Stop(stopCtx, StopSignal))
	}()

	code, out := get(t, "http://"+a.Addr()+"/health", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, out, `"scheduler":"interval"`)

	code, out = get(t, "http://"+a.Addr()+"/admin/jobs", "s3cr3t")
	require.Equal(t, http.StatusOK, code)
	for _, name := range jobs.Names() {
		require.Contains(t, out, name)
	}
}

func TestAppDisabledSchedulerHasNoBackend(t *testing.T) {
	a, err := NewApp(writeConfig(t, strings.Replace(appYAML, "timezone: UTC", "timezone: UTC\n  disabled: true", 1)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	code, body := get(t, "http://"+a.Addr()+"/health", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"scheduler":"disabled"`)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopSignal))
}

func TestApplyConfigReschedulesChangedJobs(t *testing.T) {
	a, err := NewApp(writeConfig(t, appYAML))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopSignal)
	}()

	prev := a.cfgm.Get()
	next := *prev
	next.Scheduler.Jobs = map[string]config.JobConfig{jobs.RiskSweep: {Interval: "@every 30m"}}
	next.RateLimit.IP.Limit = 7
	a.applyConfig(ctx, prev, &next)

	require.Equal(t, 30*time.Minute, a.intervals[jobs.RiskSweep])
	require.Equal(t, jobs.DefaultInterval(jobs.Insights), a.intervals[jobs.Insights])
	require.Equal(t, 7, a.limiter.IPPolicy().Limit)
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	_, err := NewApp(writeConfig(t, strings.Replace(appYAML, "driver: sqlite", "driver: postgres", 1)))
	require.ErrorContains(t, err, "storage.driver")
}
