// Package engine runs job attempts for the scheduler backends.
//
// Backends decide when an attempt happens and whether a failure is retried;
// the executor owns what happens during one attempt: overlap gating, timeout,
// panic recovery, history, lifecycle events and metrics.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"taskpulse/internal/eventbus"
	logx "taskpulse/pkg/logx"
)

const defaultHistorySize = 200

type Config struct {
	HistorySize int
	// SlowRun is the duration above which a successful run logs at info.
	SlowRun time.Duration
}

type Executor struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	obs Observer

	stateMu sync.Mutex
	states  map[string]*RunState

	hmu     sync.Mutex
	history []HistoryItem

	idSeq atomic.Uint64
}

func NewExecutor(cfg Config, log logx.Logger, bus eventbus.Bus, obs Observer) *Executor {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.SlowRun <= 0 {
		cfg.SlowRun = 750 * time.Millisecond
	}
	return &Executor{cfg: cfg, log: log, bus: bus, obs: obs, states: map[string]*RunState{}}
}

// State returns the shared overlap gate for a job name.
func (e *Executor) State(job string) *RunState {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	st := e.states[job]
	if st == nil {
		st = &RunState{}
		e.states[job] = st
	}
	return st
}

// NewID returns a process-unique attempt id.
func (e *Executor) NewID() string {
	return fmt.Sprintf("job-%x-%x", time.Now().UnixNano(), e.idSeq.Add(1))
}

// Run executes one attempt. A failure is returned as *JobHandlerError; a
// skipped overlapping attempt returns ErrOverlapSkip.
func (e *Executor) Run(ctx context.Context, a Attempt) error {
	if a.ID == "" {
		a.ID = e.NewID()
	}
	if a.Number <= 0 {
		a.Number = 1
	}
	if a.Max < a.Number {
		a.Max = a.Number
	}
	start := time.Now()

	if a.SkipIfRunning {
		st := e.State(a.Job)
		if !st.TryAcquire() {
			e.record(HistoryItem{ID: a.ID, Job: a.Job, Backend: a.Backend, Attempt: a.Number, Started: start, Skipped: true})
			e.observe(a, OutcomeSkipped, 0)
			e.log.Debug("job.skipped", logx.String("job", a.Job), logx.String("reason", "overlap"))
			return ErrOverlapSkip
		}
		defer st.Release()
	}

	e.log.Debug("job.started", logx.String("job", a.Job), logx.Int("attempt", a.Number), logx.String("backend", a.Backend))
	e.publish(eventbus.JobStarted, a, start, 0, "")

	err := e.invoke(ctx, a)

	dur := time.Since(start)
	item := HistoryItem{ID: a.ID, Job: a.Job, Backend: a.Backend, Attempt: a.Number, Started: start, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		e.log.Warn("job.failed",
			logx.String("job", a.Job),
			logx.Int("attempt", a.Number),
			logx.Int("max_attempts", a.Max),
			logx.Duration("dur", dur),
			logx.Err(err),
		)
		e.publish(eventbus.JobFailed, a, start, dur, item.Error)
		e.observe(a, OutcomeFailure, dur)
	} else {
		fields := []logx.Field{logx.String("job", a.Job), logx.Duration("dur", dur), logx.Int("attempt", a.Number)}
		if dur >= e.cfg.SlowRun {
			e.log.Info("job.completed", fields...)
		} else {
			e.log.Debug("job.completed", fields...)
		}
		e.publish(eventbus.JobFinished, a, start, dur, "")
		e.observe(a, OutcomeSuccess, dur)
	}
	e.record(item)
	return err
}

func (e *Executor) invoke(ctx context.Context, a Attempt) (err error) {
	if a.Handler == nil {
		return &JobHandlerError{Job: a.Job, Attempt: a.Number, Err: errors.New("no handler")}
	}
	runCtx := ctx
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}
	// One bad handler must not take down a worker.
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("job.panic", logx.String("job", a.Job), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = &JobHandlerError{Job: a.Job, Attempt: a.Number, Panic: true, Err: fmt.Errorf("%v", r)}
		}
	}()
	if herr := a.Handler(runCtx); herr != nil {
		return &JobHandlerError{Job: a.Job, Attempt: a.Number, Err: herr}
	}
	return nil
}

// DeadLettered records the terminal failure of a job after its last attempt.
func (e *Executor) DeadLettered(a Attempt, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	e.log.Error("job.dead_lettered",
		logx.String("job", a.Job),
		logx.String("id", a.ID),
		logx.Int("attempts", a.Number),
		logx.String("backend", a.Backend),
		logx.Err(cause),
	)
	e.publish(eventbus.JobDeadLettered, a, time.Now(), 0, msg)
	e.observe(a, OutcomeDead, 0)
}

func (e *Executor) publish(typ string, a Attempt, start time.Time, dur time.Duration, errMsg string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: JobEvent{
		ID: a.ID, Job: a.Job, Backend: a.Backend, Attempt: a.Number, Max: a.Max,
		Started: start, Duration: dur, Error: errMsg,
	}})
}

func (e *Executor) observe(a Attempt, outcome string, dur time.Duration) {
	if e.obs != nil {
		e.obs.ObserveJob(a.Job, a.Backend, outcome, dur)
	}
}

func (e *Executor) record(item HistoryItem) {
	e.hmu.Lock()
	e.history = append(e.history, item)
	if len(e.history) > e.cfg.HistorySize {
		e.history = e.history[len(e.history)-e.cfg.HistorySize:]
	}
	e.hmu.Unlock()
}

// History returns a copy, oldest first.
func (e *Executor) History() []HistoryItem {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	return append([]HistoryItem(nil), e.history...)
}
