// Package jobs holds the recurring background jobs and their default
// schedule. Every handler is idempotent: backends deliver at-least-once.
package jobs

import (
	"context"
	"encoding/json"
	"time"

	"taskpulse/internal/domain"
	"taskpulse/internal/eventbus"
	"taskpulse/internal/notify"
	"taskpulse/internal/predict"
	"taskpulse/internal/risk"
	"taskpulse/internal/storage"
	"taskpulse/internal/task/engine"
	"taskpulse/internal/task/scheduler"
	logx "taskpulse/pkg/logx"
)

const (
	RiskSweep         = "risk-sweep"
	Automation        = "automation"
	DeadlineWarnings  = "deadline-warnings"
	RiskAlerts        = "risk-alerts"
	WeeklySummary     = "weekly-summary"
	PredictionRefresh = "prediction-refresh"
	Insights          = "insights"
	RequestLogPrune   = "request-log-prune"
)

type jobDefaults struct {
	interval time.Duration
	timeout  time.Duration
	retry    engine.RetryPolicy
}

var defaults = map[string]jobDefaults{
	RiskSweep:         {5 * time.Minute, 2 * time.Minute, engine.RetryLight},
	Automation:        {15 * time.Minute, 2 * time.Minute, engine.RetryLight},
	DeadlineWarnings:  {time.Hour, 2 * time.Minute, engine.RetryLight},
	RiskAlerts:        {30 * time.Minute, 2 * time.Minute, engine.RetryLight},
	WeeklySummary:     {15 * time.Minute, 2 * time.Minute, engine.RetryLight},
	PredictionRefresh: {4 * time.Hour, 10 * time.Minute, engine.RetryHeavy},
	Insights:          {24 * time.Hour, 10 * time.Minute, engine.RetryHeavy},
	RequestLogPrune:   {time.Hour, 5 * time.Minute, engine.RetryLight},
}

// Names lists every job in registration order.
func Names() []string {
	return []string{RiskSweep, Automation, DeadlineWarnings, RiskAlerts, WeeklySummary, PredictionRefresh, Insights, RequestLogPrune}
}

// DefaultInterval returns the built-in period of a job, or zero.
func DefaultInterval(name string) time.Duration { return defaults[name].interval }

// Store is the persistence the jobs need. *storage.SQLite implements it.
type Store interface {
	risk.Store
	predict.Store
	predict.History
	TasksDueBetween(ctx context.Context, from, to time.Time, limit int) ([]domain.TaskSnapshot, error)
	TasksAtRisk(ctx context.Context, levels []domain.RiskLevel, limit int) ([]domain.TaskSnapshot, []domain.RiskAssessment, error)
	EscalatePriority(ctx context.Context, taskID string, from, to domain.Priority) (bool, error)
	AssignTask(ctx context.Context, taskID, userID string) (bool, error)
	Project(ctx context.Context, id string) (domain.Project, bool, error)
	UserTaskCounts(ctx context.Context, now time.Time) ([]storage.UserTaskCounts, error)
	ProjectInsights(ctx context.Context, now time.Time) ([]storage.ProjectInsight, error)
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
	SeenRecently(ctx context.Context, key string, until time.Time) (bool, error)
}

// Pruner deletes request records older than the retention window
// (ratelimit.Limiter implements it).
type Pruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

type Config struct {
	RiskBatch       int
	PredictBatch    int
	PredictFreshFor time.Duration
	// AutomationBatch bounds tasks inspected per automation run.
	AutomationBatch int
	// NotifyBatch bounds tasks per notification run.
	NotifyBatch  int
	LogRetention time.Duration
	Location     *time.Location
	// Intervals overrides the default period per job name.
	Intervals map[string]time.Duration
}

type Deps struct {
	Store    Store
	Notifier notify.Notifier
	Pruner   Pruner
	Bus      eventbus.Bus
	Log      logx.Logger
	Now      func() time.Time
}

// Runner owns the per-job state (sweep and automation cursors).
type Runner struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	sweeper   *risk.Sweeper
	refresher *predict.Refresher
	auto      *automation
}

func NewRunner(cfg Config, deps Deps) *Runner {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.NotifyBatch <= 0 {
		cfg.NotifyBatch = 500
	}
	if cfg.AutomationBatch <= 0 {
		cfg.AutomationBatch = risk.DefaultSweepBatch
	}
	if cfg.LogRetention <= 0 {
		cfg.LogRetention = 24 * time.Hour
	}
	r := &Runner{cfg: cfg, deps: deps, log: deps.Log.With(logx.String("comp", "jobs"))}
	r.sweeper = risk.NewSweeper(deps.Store,
		risk.WithBatchSize(cfg.RiskBatch),
		risk.WithClock(deps.Now),
		risk.WithLogger(r.log),
	)
	r.refresher = predict.NewRefresher(predict.NewEstimator(deps.Store, deps.Now), deps.Store, predict.RefresherConfig{
		Batch:    cfg.PredictBatch,
		FreshFor: cfg.PredictFreshFor,
		Now:      deps.Now,
		Log:      r.log,
	})
	r.auto = &automation{batch: cfg.AutomationBatch}
	return r
}

// Definitions returns every job ready for scheduler.RegisterJob.
func (r *Runner) Definitions() []scheduler.JobDefinition {
	handlers := map[string]engine.Handler{
		RiskSweep:         r.RiskSweep,
		Automation:        r.Automation,
		DeadlineWarnings:  r.DeadlineWarnings,
		RiskAlerts:        r.RiskAlerts,
		WeeklySummary:     r.WeeklySummary,
		PredictionRefresh: r.PredictionRefresh,
		Insights:          r.Insights,
		RequestLogPrune:   r.RequestLogPrune,
	}
	out := make([]scheduler.JobDefinition, 0, len(handlers))
	for _, name := range Names() {
		sp := defaults[name]
		interval := sp.interval
		if d, ok := r.cfg.Intervals[name]; ok && d > 0 {
			interval = d
		}
		out = append(out, scheduler.JobDefinition{
			Name:     name,
			Interval: interval,
			Timeout:  sp.timeout,
			Retry:    sp.retry,
			Handler:  handlers[name],
		})
	}
	return out
}

// audit is best-effort; a failed write never fails the job.
func (r *Runner) audit(ctx context.Context, action, target string, start time.Time, err error, meta any) {
	e := storage.AuditEntry{
		At:     r.deps.Now(),
		Actor:  "system",
		Action: action,
		Target: target,
		OK:     err == nil,
		TookMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if meta != nil {
		if b, mErr := json.Marshal(meta); mErr == nil {
			e.MetaJSON = string(b)
		}
	}
	if aErr := r.deps.Store.AppendAudit(ctx, e); aErr != nil {
		r.log.Debug("audit write failed", logx.String("action", action), logx.Err(aErr))
	}
}

// notify is fire-and-forget.
func (r *Runner) notify(ctx context.Context, userID string, p notify.Payload) bool {
	if r.deps.Notifier == nil || userID == "" {
		return false
	}
	if err := r.deps.Notifier.Notify(ctx, userID, p); err != nil {
		r.log.Debug("notify not queued", logx.String("kind", p.Kind), logx.Err(err))
		return false
	}
	return true
}

func (r *Runner) publish(typ string, data any) {
	if r.deps.Bus != nil {
		r.deps.Bus.Publish(eventbus.Event{Type: typ, Time: r.deps.Now(), Data: data})
	}
}
