package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskpulse/internal/task/engine"
	logx "taskpulse/pkg/logx"
)

func newTestService(t *testing.T, cfg Config, st Stagger) (*Service, *IntervalBackend) {
	t.Helper()
	exec := engine.NewExecutor(engine.Config{}, logx.Nop(), nil, nil)
	b := NewInterval(IntervalConfig{Stagger: st}, exec, logx.Nop())
	svc := New(cfg, b, exec, logx.Nop(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return svc, b
}

func noop(context.Context) error { return nil }

func TestRegisterJobTwiceKeepsOneSchedule(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, Config{}, DefaultStagger)
	def := JobDefinition{Name: "risk-sweep", Interval: 5 * time.Minute, Handler: noop}
	if err := svc.RegisterJob(def); err != nil {
		t.Fatalf("RegisterJob: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.RegisterJob(def); err != nil {
		t.Fatalf("RegisterJob again: %v", err)
	}

	snap := svc.Snapshot(context.Background())
	if len(snap.Schedules) != 1 || snap.Schedules[0].Name != "risk-sweep" {
		t.Fatalf("schedules=%+v want exactly one risk-sweep", snap.Schedules)
	}
	if snap.Mode != ModeInterval {
		t.Fatalf("mode=%q", snap.Mode)
	}
}

func TestIntervalFiresEveryJobWithinOnePeriod(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, Config{}, Stagger{Initial: 10 * time.Millisecond, Step: 10 * time.Millisecond})
	const period = 200 * time.Millisecond
	names := []string{"risk-sweep", "automation", "deadline-warnings", "risk-alerts"}

	var mu sync.Mutex
	fired := map[string]int{}
	for _, n := range names {
		name := n
		err := svc.RegisterJob(JobDefinition{Name: name, Interval: period, Handler: func(context.Context) error {
			mu.Lock()
			fired[name]++
			mu.Unlock()
			return nil
		}})
		if err != nil {
			t.Fatalf("RegisterJob(%s): %v", name, err)
		}
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(period + 150*time.Millisecond)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(fired)
		mu.Unlock()
		if n == len(names) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	t.Fatalf("fired=%v, want all of %v within one period", fired, names)
}

func TestIntervalHandlerErrorWaitsForNextTick(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, Config{}, Stagger{Initial: 5 * time.Millisecond})
	var calls atomic.Int32
	err := svc.RegisterJob(JobDefinition{Name: "flaky", Interval: 50 * time.Millisecond, Handler: func(context.Context) error {
		calls.Add(1)
		return errors.New("downstream unavailable")
	}})
	if err != nil {
		t.Fatalf("RegisterJob: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(180 * time.Millisecond)
	if got := calls.Load(); got < 2 {
		t.Fatalf("calls=%d, want repeated ticks after failures", got)
	}
	if snap := svc.Snapshot(context.Background()); len(snap.DeadLetters) != 0 {
		t.Fatalf("interval backend must not dead-letter")
	}
}

func TestKillSwitchRecordsButNeverFires(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, Config{Disabled: true}, Stagger{})
	var calls atomic.Int32
	err := svc.RegisterJob(JobDefinition{Name: "insights", Interval: 10 * time.Millisecond, Handler: func(context.Context) error {
		calls.Add(1)
		return nil
	}})
	if err != nil {
		t.Fatalf("RegisterJob: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("disabled scheduler fired %d times", calls.Load())
	}
	snap := svc.Snapshot(context.Background())
	if snap.Enabled || snap.Mode != ModeDisabled || len(snap.Schedules) != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestRegisterJobValidates(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, Config{}, Stagger{})
	cases := []JobDefinition{
		{Interval: time.Minute, Handler: noop},
		{Name: "x", Handler: noop},
		{Name: "x", Interval: time.Minute},
	}
	for _, def := range cases {
		if err := svc.RegisterJob(def); !errors.Is(err, ErrInvalidJob) {
			t.Fatalf("RegisterJob(%+v) err=%v want ErrInvalidJob", def, err)
		}
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, Config{}, Stagger{})
	_ = svc.RegisterJob(JobDefinition{Name: "insights", Interval: time.Hour, Handler: noop})
	if !svc.Remove("insights") {
		t.Fatalf("Remove returned false")
	}
	if svc.Remove("insights") {
		t.Fatalf("second Remove returned true")
	}
	if n := len(svc.Snapshot(context.Background()).Schedules); n != 0 {
		t.Fatalf("schedules=%d", n)
	}
}

type fakeBackend struct{ IntervalBackend }

func (*fakeBackend) Mode() string { return ModeQueue }

func TestSelect(t *testing.T) {
	t.Parallel()

	exec := engine.NewExecutor(engine.Config{}, logx.Nop(), nil, nil)
	interval := func() Backend { return NewInterval(IntervalConfig{}, exec, logx.Nop()) }
	queue := func() (Backend, error) { return &fakeBackend{}, nil }

	b, err := Select(context.Background(), func(context.Context) bool { return true }, queue, interval)
	if err != nil || b.Mode() != ModeQueue {
		t.Fatalf("reachable broker: mode=%s err=%v", b.Mode(), err)
	}

	b, err = Select(context.Background(), func(context.Context) bool { return false }, queue, interval)
	if !errors.Is(err, ErrBrokerUnavailable) || b.Mode() != ModeInterval {
		t.Fatalf("unreachable broker: mode=%s err=%v", b.Mode(), err)
	}

	b, err = Select(context.Background(), func(context.Context) bool { panic("probe") }, queue, interval)
	if !errors.Is(err, ErrBrokerUnavailable) || b.Mode() != ModeInterval {
		t.Fatalf("panicking probe: mode=%s err=%v", b.Mode(), err)
	}

	failing := func() (Backend, error) { return nil, errors.New("dial") }
	b, err = Select(context.Background(), func(context.Context) bool { return true }, failing, interval)
	if !errors.Is(err, ErrBrokerUnavailable) || b.Mode() != ModeInterval {
		t.Fatalf("construction failure: mode=%s err=%v", b.Mode(), err)
	}
}

func TestStaggerDelay(t *testing.T) {
	t.Parallel()

	st := Stagger{Initial: 10 * time.Second, Step: 5 * time.Second}
	cases := []struct {
		idx   int
		every time.Duration
		want  time.Duration
	}{
		{0, time.Hour, 10 * time.Second},
		{3, time.Hour, 25 * time.Second},
		{3, 20 * time.Second, 20 * time.Second},
	}
	for _, tc := range cases {
		if got := st.delay(tc.idx, tc.every); got != tc.want {
			t.Fatalf("delay(%d,%s)=%s want %s", tc.idx, tc.every, got, tc.want)
		}
	}
}

func TestParseInterval(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{"5m", 5 * time.Minute, false},
		{"04:00", 4 * time.Hour, false},
		{"00:15", 15 * time.Minute, false},
		{"@every 30m", 30 * time.Minute, false},
		{"every:1h", time.Hour, false},
		{"", 0, true},
		{"0s", 0, true},
		{"01:75", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseInterval(tc.in)
		if (err != nil) != tc.err || got != tc.want {
			t.Fatalf("ParseInterval(%q)=(%s,%v)", tc.in, got, err)
		}
	}
}

type brokenQueue struct {
	*IntervalBackend
	stopped atomic.Bool
}

func (*brokenQueue) Mode() string { return ModeQueue }

func (*brokenQueue) Start(context.Context) error { return errors.New("ERR syntax error") }

func (b *brokenQueue) Stop(context.Context) error {
	b.stopped.Store(true)
	return nil
}

func TestStartFallsBackWhenBackendFails(t *testing.T) {
	t.Parallel()

	exec := engine.NewExecutor(engine.Config{}, logx.Nop(), nil, nil)
	broken := &brokenQueue{IntervalBackend: NewInterval(IntervalConfig{}, exec, logx.Nop())}
	svc := New(Config{}, broken, exec, logx.Nop(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})

	fired := make(chan string, 4)
	for _, name := range []string{"risk-sweep", "automation"} {
		n := name
		err := svc.RegisterJob(JobDefinition{Name: n, Interval: time.Hour, Handler: func(context.Context) error {
			select {
			case fired <- n:
			default:
			}
			return nil
		}})
		if err != nil {
			t.Fatalf("RegisterJob(%s): %v", n, err)
		}
	}

	if err := svc.Start(context.Background()); err == nil {
		t.Fatalf("Start without fallback should fail")
	}

	svc.SetFallback(func() Backend {
		return NewInterval(IntervalConfig{Stagger: Stagger{Initial: 10 * time.Millisecond, Step: 10 * time.Millisecond}}, exec, logx.Nop())
	})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start with fallback: %v", err)
	}
	if !broken.stopped.Load() {
		t.Fatalf("failed backend was not stopped")
	}
	if svc.Mode() != ModeInterval {
		t.Fatalf("mode=%q want interval", svc.Mode())
	}
	snap := svc.Snapshot(context.Background())
	if len(snap.Schedules) != 2 {
		t.Fatalf("schedules=%+v want both jobs re-registered", snap.Schedules)
	}

	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case n := <-fired:
			seen[n] = true
		case <-deadline:
			t.Fatalf("fired=%v want both jobs on the fallback", seen)
		}
	}
}
