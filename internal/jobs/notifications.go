package jobs

import (
	"context"
	"fmt"
	"time"

	"taskpulse/internal/domain"
	"taskpulse/internal/notify"
	logx "taskpulse/pkg/logx"
)

const (
	KindDeadlineWarning = "deadline_warning"
	KindRiskAlert       = "risk_alert"
	KindWeeklySummary   = "weekly_summary"

	deadlineHorizon = 24 * time.Hour
	// A risk alert repeats only when the level changes or after this long.
	riskAlertQuiet = 7 * 24 * time.Hour
)

// claim reports whether key is new; an unavailable dedup store skips the
// notification rather than risking duplicates.
func (r *Runner) claim(ctx context.Context, key string, until time.Time) bool {
	seen, err := r.deps.Store.SeenRecently(ctx, key, until)
	if err != nil {
		r.log.Warn("dedup check failed", logx.String("key", key), logx.Err(err))
		return false
	}
	return !seen
}

// DeadlineWarnings notifies assignees of tasks due within 24h, once per task
// per day.
func (r *Runner) DeadlineWarnings(ctx context.Context) error {
	now := r.deps.Now()
	tasks, err := r.deps.Store.TasksDueBetween(ctx, now, now.Add(deadlineHorizon), r.cfg.NotifyBatch)
	if err != nil {
		return fmt.Errorf("deadline warnings: %w", err)
	}
	day := now.In(r.cfg.Location).Format(time.DateOnly)
	sent := 0
	for _, t := range tasks {
		key := fmt.Sprintf("deadline:%s:%s", t.ID, day)
		if !r.claim(ctx, key, now.Add(24*time.Hour)) {
			continue
		}
		hours := int(t.DueDate.Sub(now).Hours())
		if r.notify(ctx, t.AssigneeID, notify.Payload{
			Kind:   KindDeadlineWarning,
			Title:  fmt.Sprintf("%q is due in %dh", t.Title, hours),
			TaskID: t.ID,
			Key:    key,
			Data:   map[string]any{"dueDate": t.DueDate.UTC(), "priority": t.Priority},
		}) {
			sent++
		}
	}
	r.log.Debug("deadline warnings done", logx.Int("due", len(tasks)), logx.Int("sent", sent))
	return nil
}

// RiskAlerts notifies assignees of HIGH and CRITICAL tasks, once per task per
// level.
func (r *Runner) RiskAlerts(ctx context.Context) error {
	now := r.deps.Now()
	tasks, asses, err := r.deps.Store.TasksAtRisk(ctx, []domain.RiskLevel{domain.RiskCritical, domain.RiskHigh}, r.cfg.NotifyBatch)
	if err != nil {
		return fmt.Errorf("risk alerts: %w", err)
	}
	sent := 0
	for i, t := range tasks {
		a := asses[i]
		key := fmt.Sprintf("risk:%s:%s", t.ID, a.RiskLevel)
		if !r.claim(ctx, key, now.Add(riskAlertQuiet)) {
			continue
		}
		if r.notify(ctx, t.AssigneeID, notify.Payload{
			Kind:   KindRiskAlert,
			Title:  fmt.Sprintf("%q is at %s risk", t.Title, a.RiskLevel),
			TaskID: t.ID,
			Key:    key,
			Data:   map[string]any{"riskLevel": a.RiskLevel, "isOverdue": a.IsOverdue, "priorityScore": a.PriorityScore},
		}) {
			sent++
		}
	}
	r.log.Debug("risk alerts done", logx.Int("at_risk", len(tasks)), logx.Int("sent", sent))
	return nil
}

// WeeklySummary runs often but only acts on Mondays (scheduler timezone),
// once per user per ISO week.
func (r *Runner) WeeklySummary(ctx context.Context) error {
	now := r.deps.Now()
	local := now.In(r.cfg.Location)
	if local.Weekday() != time.Monday {
		return nil
	}
	year, week := local.ISOWeek()
	counts, err := r.deps.Store.UserTaskCounts(ctx, now)
	if err != nil {
		return fmt.Errorf("weekly summary: %w", err)
	}
	sent := 0
	for _, c := range counts {
		key := fmt.Sprintf("weekly:%s:%04d-W%02d", c.UserID, year, week)
		if !r.claim(ctx, key, now.Add(8*24*time.Hour)) {
			continue
		}
		if r.notify(ctx, c.UserID, notify.Payload{
			Kind:  KindWeeklySummary,
			Title: fmt.Sprintf("Week %d: %d open tasks, %d overdue", week, c.Open, c.Overdue),
			Key:   key,
			Data:  map[string]any{"open": c.Open, "overdue": c.Overdue},
		}) {
			sent++
		}
	}
	if sent > 0 {
		r.log.Info("weekly summaries sent", logx.Int("users", sent))
	}
	return nil
}
