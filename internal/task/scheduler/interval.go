package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"taskpulse/internal/task/engine"
	logx "taskpulse/pkg/logx"
)

type IntervalConfig struct {
	Location *time.Location
	Stagger  Stagger
}

type intervalEntry struct {
	def     JobDefinition
	idx     int
	delay   time.Duration
	entryID cron.EntryID
}

// IntervalBackend fires jobs on in-process timers. A failing handler is logged
// and simply waits for the next tick; there are no retries. Overlapping runs of
// one job are skipped while the previous run is still in flight.
type IntervalBackend struct {
	mu      sync.Mutex
	cfg     IntervalConfig
	log     logx.Logger
	exec    *engine.Executor
	c       *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]*intervalEntry
	seq     int
}

func NewInterval(cfg IntervalConfig, exec *engine.Executor, log logx.Logger) *IntervalBackend {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &IntervalBackend{cfg: cfg, exec: exec, log: log, entries: map[string]*intervalEntry{}}
}

func (b *IntervalBackend) Mode() string { return ModeInterval }

func (b *IntervalBackend) Schedule(def JobDefinition) error {
	if err := def.validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[def.Name]
	if ok {
		if b.c != nil && e.entryID != 0 {
			b.c.Remove(e.entryID)
			e.entryID = 0
		}
	} else {
		e = &intervalEntry{idx: b.seq}
		b.seq++
		b.entries[def.Name] = e
	}
	e.def = def
	e.delay = b.cfg.Stagger.delay(e.idx, def.Interval)
	if b.c != nil {
		b.addLocked(e, time.Now())
	}
	return nil
}

func (b *IntervalBackend) Unschedule(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[name]
	if !ok {
		return false
	}
	if b.c != nil && e.entryID != 0 {
		b.c.Remove(e.entryID)
	}
	delete(b.entries, name)
	return true
}

func (b *IntervalBackend) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.c != nil {
		return nil
	}
	b.ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	b.c = cron.New(cron.WithLocation(b.cfg.Location))
	now := time.Now()
	for _, e := range b.entries {
		b.addLocked(e, now)
	}
	b.c.Start()
	b.log.Info("interval backend started", logx.Int("jobs", len(b.entries)), logx.String("tz", b.cfg.Location.String()))
	return nil
}

func (b *IntervalBackend) addLocked(e *intervalEntry, now time.Time) {
	def := e.def
	sched := &intervalSchedule{every: def.Interval, first: now.Add(e.delay)}
	e.entryID = b.c.Schedule(sched, cron.FuncJob(func() { b.fire(def) }))
}

func (b *IntervalBackend) fire(def JobDefinition) {
	b.mu.Lock()
	ctx := b.ctx
	b.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	err := b.exec.Run(ctx, engine.Attempt{
		Job:           def.Name,
		Backend:       ModeInterval,
		Number:        1,
		Max:           1,
		Timeout:       def.Timeout,
		Handler:       def.Handler,
		SkipIfRunning: true,
	})
	if err != nil && !errors.Is(err, engine.ErrOverlapSkip) {
		b.log.Debug("interval run failed; waiting for next tick", logx.String("job", def.Name))
	}
}

// Stop halts the timers and cancels in-flight handlers. Running handlers are
// awaited until ctx expires.
func (b *IntervalBackend) Stop(ctx context.Context) error {
	b.mu.Lock()
	c := b.c
	cancel := b.cancel
	b.c = nil
	for _, e := range b.entries {
		e.entryID = 0
	}
	b.mu.Unlock()
	if c == nil {
		return nil
	}
	done := c.Stop()
	if cancel != nil {
		cancel()
	}
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *IntervalBackend) Schedules(context.Context) []ScheduleInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(b.entries))
	for _, e := range b.entries {
		it := ScheduleInfo{
			Name:         e.def.Name,
			Interval:     e.def.Interval,
			Timeout:      e.def.Timeout,
			MaxAttempts:  1,
			StartupDelay: e.delay,
		}
		if b.c != nil && e.entryID != 0 {
			ce := b.c.Entry(e.entryID)
			it.Next = ce.Next
			it.Prev = ce.Prev
		}
		out = append(out, it)
	}
	return out
}

// DeadLetters is always empty: interval runs are never retried.
func (b *IntervalBackend) DeadLetters(context.Context, int) ([]DeadLetter, error) {
	return nil, nil
}
