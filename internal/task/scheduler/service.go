package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"taskpulse/internal/eventbus"
	"taskpulse/internal/task/engine"
	logx "taskpulse/pkg/logx"
)

const (
	snapshotDeadLetters = 50
	fallbackStopTimeout = 5 * time.Second
)

// Service is the JobScheduler. It owns the job registry and forwards each
// definition to the backend chosen at startup.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	cfg     Config
	bus     eventbus.Bus
	exec    *engine.Executor
	backend Backend
	// fallback builds the interval backend when the selected one cannot start.
	fallback func() Backend

	defs    map[string]JobDefinition
	started bool
}

// New wires a scheduler. backend may be nil when cfg.Disabled is set.
func New(cfg Config, backend Backend, exec *engine.Executor, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		exec:    exec,
		backend: backend,
		defs:    map[string]JobDefinition{},
	}
}

// SetFallback installs the constructor Start uses when the selected backend
// fails to start. It has no effect on a scheduler that is already running.
func (s *Service) SetFallback(fn func() Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = fn
}

// Enabled reports whether jobs actually fire.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabledLocked()
}

func (s *Service) enabledLocked() bool { return !s.cfg.Disabled && s.backend != nil }

// Mode returns the active backend mode, or ModeDisabled.
func (s *Service) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabledLocked() {
		return ModeDisabled
	}
	return s.backend.Mode()
}

// RegisterJob upserts a recurring job by name. Registering the same name again
// replaces the previous schedule.
func (s *Service) RegisterJob(def JobDefinition) error {
	if err := def.validate(); err != nil {
		return err
	}
	def.Retry = def.Retry.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, replaced := s.defs[def.Name]
	s.defs[def.Name] = def
	if !s.enabledLocked() {
		s.log.Debug("job recorded (scheduler disabled)", logx.String("job", def.Name))
		return nil
	}
	if err := s.backend.Schedule(def); err != nil {
		s.log.Error("job register failed", logx.String("job", def.Name), logx.Err(err))
		return err
	}
	s.log.Debug("job registered",
		logx.String("job", def.Name),
		logx.Duration("interval", def.Interval),
		logx.Bool("replaced", replaced),
		logx.String("mode", s.backend.Mode()),
	)
	return nil
}

// Remove unschedules a job. It reports whether the name was known.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.defs[name]
	delete(s.defs, name)
	if s.enabledLocked() {
		ok = s.backend.Unschedule(name) || ok
	}
	if ok {
		s.log.Debug("job removed", logx.String("job", name))
	}
	return ok
}

// Start starts the backend unless the kill switch is set.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if !s.enabledLocked() {
		s.log.Warn("scheduler disabled; jobs will not fire", logx.Int("jobs", len(s.defs)))
		s.publishMode(ModeDisabled)
		return nil
	}
	if err := s.backend.Start(ctx); err != nil {
		if s.fallback == nil || s.backend.Mode() == ModeInterval {
			return err
		}
		if ferr := s.fallBackLocked(ctx, err); ferr != nil {
			return ferr
		}
	}
	s.started = true
	s.log.Info("scheduler started", logx.String("mode", s.backend.Mode()), logx.Int("jobs", len(s.defs)))
	s.publishMode(s.backend.Mode())
	return nil
}

// fallBackLocked releases the failed backend, re-registers every definition
// on a fresh interval backend and starts it.
func (s *Service) fallBackLocked(ctx context.Context, cause error) error {
	if !errors.Is(cause, ErrBrokerUnavailable) {
		cause = fmt.Errorf("%w: %v", ErrBrokerUnavailable, cause)
	}
	s.log.Warn("backend failed to start; using interval scheduler",
		logx.String("from", s.backend.Mode()), logx.Err(cause))

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fallbackStopTimeout)
	if err := s.backend.Stop(sctx); err != nil {
		s.log.Warn("failed backend did not stop cleanly", logx.Err(err))
	}
	cancel()

	next := s.fallback()
	if next == nil {
		return cause
	}
	names := make([]string, 0, len(s.defs))
	for name := range s.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := next.Schedule(s.defs[name]); err != nil {
			return fmt.Errorf("fallback register %s: %w", name, err)
		}
	}
	if err := next.Start(ctx); err != nil {
		return fmt.Errorf("fallback start: %w", err)
	}
	s.backend = next
	return nil
}

// Stop stops the backend. Queue workers are drained within ctx.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	b := s.backend
	started := s.started
	s.started = false
	s.mu.Unlock()

	if !started || b == nil {
		return nil
	}
	err := b.Stop(ctx)
	s.log.Info("scheduler stopped", logx.String("mode", b.Mode()), logx.Duration("took", time.Since(start)), logx.Err(err))
	return err
}

func (s *Service) publishMode(mode string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.SchedulerMode, Data: map[string]any{"mode": mode}})
}

// Snapshot lists schedules, recent runs and dead letters.
func (s *Service) Snapshot(ctx context.Context) Snapshot {
	s.mu.Lock()
	enabled := s.enabledLocked()
	b := s.backend
	tz := s.cfg.Timezone
	defs := make([]JobDefinition, 0, len(s.defs))
	for _, d := range s.defs {
		defs = append(defs, d)
	}
	s.mu.Unlock()

	snap := Snapshot{Enabled: enabled, Mode: ModeDisabled, Timezone: tz}
	if loc, _ := LoadLocation(tz); tz == "" {
		snap.Timezone = loc.String()
	}

	if enabled {
		snap.Mode = b.Mode()
		snap.Schedules = b.Schedules(ctx)
		dl, err := b.DeadLetters(ctx, snapshotDeadLetters)
		if err != nil {
			s.log.Warn("dead letters unavailable", logx.Err(err))
		}
		snap.DeadLetters = dl
	} else {
		for _, d := range defs {
			snap.Schedules = append(snap.Schedules, ScheduleInfo{
				Name: d.Name, Interval: d.Interval, Timeout: d.Timeout, MaxAttempts: d.Retry.MaxAttempts,
			})
		}
	}
	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].Name < snap.Schedules[j].Name })
	if s.exec != nil {
		snap.History = s.exec.History()
	}
	return snap
}
