package queue

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"taskpulse/internal/task/engine"
	"taskpulse/internal/task/scheduler"
	logx "taskpulse/pkg/logx"
)

// Nothing listens on port 1, so dials fail fast with connection refused.
const unreachable = "redis://127.0.0.1:1/0"

func TestProbeUnreachableIsBounded(t *testing.T) {
	t.Parallel()

	start := time.Now()
	if Probe(context.Background(), unreachable, 500*time.Millisecond, DefaultProbeRetries, logx.Nop()) {
		t.Fatalf("probe reported an unreachable broker as up")
	}
	if took := time.Since(start); took > time.Second {
		t.Fatalf("probe took %s, want <= timeout", took)
	}
}

func TestProbeBadInput(t *testing.T) {
	t.Parallel()

	for _, url := range []string{"", "   ", "not a url", "http://example.com"} {
		if Probe(context.Background(), url, 100*time.Millisecond, 0, logx.Nop()) {
			t.Fatalf("Probe(%q)=true", url)
		}
	}
}

func TestSelectFallsBackWithUnreachableBroker(t *testing.T) {
	t.Parallel()

	exec := engine.NewExecutor(engine.Config{}, logx.Nop(), nil, nil)
	start := time.Now()
	b, err := scheduler.Select(context.Background(),
		func(ctx context.Context) bool {
			return Probe(ctx, unreachable, DefaultProbeTimeout, DefaultProbeRetries, logx.Nop())
		},
		func() (scheduler.Backend, error) { return Open(unreachable, Config{}, exec, logx.Nop()) },
		func() scheduler.Backend { return scheduler.NewInterval(scheduler.IntervalConfig{}, exec, logx.Nop()) },
	)
	if !errors.Is(err, scheduler.ErrBrokerUnavailable) {
		t.Fatalf("err=%v want ErrBrokerUnavailable", err)
	}
	if b.Mode() != scheduler.ModeInterval {
		t.Fatalf("mode=%s want interval", b.Mode())
	}
	if took := time.Since(start); took > DefaultProbeTimeout+500*time.Millisecond {
		t.Fatalf("selection took %s", took)
	}
}

func TestScheduleBeforeStartAndFailedStart(t *testing.T) {
	t.Parallel()

	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	exec := engine.NewExecutor(engine.Config{}, logx.Nop(), nil, nil)
	b := New(rdb, Config{OpTimeout: 200 * time.Millisecond}, exec, logx.Nop())

	def := scheduler.JobDefinition{Name: "risk-sweep", Interval: 5 * time.Minute, Retry: engine.RetryLight, Handler: func(context.Context) error { return nil }}
	if err := b.Schedule(def); err != nil {
		t.Fatalf("Schedule before Start: %v", err)
	}
	if err := b.Schedule(def); err != nil {
		t.Fatalf("Schedule upsert: %v", err)
	}
	if got := b.Schedules(context.Background()); len(got) != 1 || got[0].MaxAttempts != 3 {
		t.Fatalf("schedules=%+v", got)
	}

	if err := b.Start(context.Background()); !errors.Is(err, scheduler.ErrBrokerUnavailable) {
		t.Fatalf("Start err=%v want ErrBrokerUnavailable", err)
	}
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := b.Schedule(def); !errors.Is(err, engine.ErrStopped) {
		t.Fatalf("Schedule after Stop err=%v", err)
	}
}

func TestKeysAndEnvelope(t *testing.T) {
	t.Parallel()

	k := keys{prefix: defaultPrefix}
	if got := k.wait("risk-sweep"); got != "taskpulse:q:wait:risk-sweep" {
		t.Fatalf("wait key=%q", got)
	}
	if got := k.def("insights"); got != "taskpulse:q:def:insights" {
		t.Fatalf("def key=%q", got)
	}

	// Shape produced by the promoter script.
	env, err := decodeEnvelope(`{"id":"risk-sweep:1760000000000","job":"risk-sweep","attempt":1,"enqueued_at":1760000000000}`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Job != "risk-sweep" || env.Attempt != 1 || env.EnqueuedAt != 1760000000000 {
		t.Fatalf("env=%+v", env)
	}
	if _, err := decodeEnvelope(`{"id":"x"}`); err == nil {
		t.Fatalf("envelope without job accepted")
	}
}

func newMiniBackend(t *testing.T) (*Backend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	exec := engine.NewExecutor(engine.Config{}, logx.Nop(), nil, nil)
	b := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), Config{
		PromoteEvery: 20 * time.Millisecond,
		BlockTimeout: time.Second,
	}, exec, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
	return b, mr
}

// enqueue pushes a first attempt the way the promoter does.
func enqueue(t *testing.T, b *Backend, name string) {
	t.Helper()
	raw, err := envelope{ID: name + ":1", Job: name, Attempt: 1, EnqueuedAt: ms(time.Now())}.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := b.rdb.LPush(context.Background(), b.keys.wait(name), raw).Err(); err != nil {
		t.Fatalf("LPUSH: %v", err)
	}
}

func waitFor(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", within)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

var fastRetry = engine.RetryPolicy{MaxAttempts: 3, Seed: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}

func TestFailingJobDeadLettersOnceAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	b, _ := newMiniBackend(t)
	ctx := context.Background()
	var runs atomic.Int32
	def := scheduler.JobDefinition{Name: "risk-sweep", Interval: time.Hour, Retry: fastRetry, Handler: func(context.Context) error {
		runs.Add(1)
		return errors.New("store offline")
	}}
	if err := b.Schedule(def); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	enqueue(t, b, def.Name)

	waitFor(t, 5*time.Second, func() bool {
		dl, err := b.DeadLetters(ctx, 10)
		return err == nil && len(dl) > 0
	})
	// Give a stray fourth attempt time to show up.
	time.Sleep(200 * time.Millisecond)

	dl, err := b.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(dl) != 1 {
		t.Fatalf("dead letters=%+v want exactly one", dl)
	}
	if dl[0].Job != def.Name || dl[0].Attempts != 3 || !strings.Contains(dl[0].Error, "store offline") {
		t.Fatalf("dead letter=%+v", dl[0])
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs=%d want 3", got)
	}
}

func TestNoRetryDeadLettersAfterOneAttempt(t *testing.T) {
	t.Parallel()

	b, _ := newMiniBackend(t)
	ctx := context.Background()
	var runs atomic.Int32
	def := scheduler.JobDefinition{Name: "automation", Interval: time.Hour, Retry: fastRetry, Handler: func(context.Context) error {
		runs.Add(1)
		return engine.NoRetry(errors.New("bad rule"))
	}}
	if err := b.Schedule(def); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	enqueue(t, b, def.Name)

	waitFor(t, 5*time.Second, func() bool {
		dl, err := b.DeadLetters(ctx, 10)
		return err == nil && len(dl) > 0
	})
	time.Sleep(100 * time.Millisecond)

	dl, _ := b.DeadLetters(ctx, 10)
	if len(dl) != 1 || dl[0].Attempts != 1 {
		t.Fatalf("dead letters=%+v want one after a single attempt", dl)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs=%d want 1", got)
	}
}

func TestRegisterSameNameKeepsOneRepeatMember(t *testing.T) {
	t.Parallel()

	b, mr := newMiniBackend(t)
	def := scheduler.JobDefinition{Name: "insights", Interval: time.Hour, Retry: engine.RetryLight, Handler: func(context.Context) error { return nil }}
	if err := b.Schedule(def); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	def.Interval = 30 * time.Minute
	if err := b.Schedule(def); err != nil {
		t.Fatalf("Schedule again: %v", err)
	}

	members, err := mr.ZMembers(b.keys.repeat())
	if err != nil {
		t.Fatalf("ZMembers: %v", err)
	}
	if len(members) != 1 || members[0] != "insights" {
		t.Fatalf("repeat members=%v want [insights]", members)
	}
	score, err := mr.ZScore(b.keys.repeat(), "insights")
	if err != nil {
		t.Fatalf("ZScore: %v", err)
	}
	if due := time.UnixMilli(int64(score)); time.Until(due) > 30*time.Minute {
		t.Fatalf("due=%s not pulled in by the shorter interval", due)
	}
	if got := mr.HGet(b.keys.def("insights"), "interval_ms"); got != "1800000" {
		t.Fatalf("interval_ms=%q", got)
	}
}

func TestStopWaitsForInFlightRun(t *testing.T) {
	t.Parallel()

	b, _ := newMiniBackend(t)
	started := make(chan struct{})
	release := make(chan struct{})
	def := scheduler.JobDefinition{Name: "predict", Interval: time.Hour, Retry: engine.RetryNone, Handler: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}
	if err := b.Schedule(def); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	enqueue(t, b, def.Name)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("job never started")
	}

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		stopped <- b.Stop(ctx)
	}()

	select {
	case err := <-stopped:
		t.Fatalf("Stop returned (%v) while a run was in flight", err)
	case <-time.After(150 * time.Millisecond):
	}
	close(release)

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Stop did not return after the run finished")
	}
}
