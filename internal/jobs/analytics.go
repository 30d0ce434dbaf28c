package jobs

import (
	"context"
	"time"

	"taskpulse/internal/eventbus"
	logx "taskpulse/pkg/logx"
)

// RiskSweep recomputes one bounded page of assessments.
func (r *Runner) RiskSweep(ctx context.Context) error {
	start := time.Now()
	res, err := r.sweeper.Run(ctx)
	r.audit(ctx, "risk.sweep", "tasks", start, err, res)
	if err != nil {
		return err
	}
	if res.Changed > 0 {
		r.publish(eventbus.RiskSweepApplied, res)
	}
	return nil
}

// PredictionRefresh recomputes stale predictions, one batch per run.
func (r *Runner) PredictionRefresh(ctx context.Context) error {
	start := time.Now()
	res, err := r.refresher.Run(ctx)
	r.audit(ctx, "prediction.refresh", "tasks", start, err, res)
	return err
}

// Insights writes per-project aggregates to the audit log.
func (r *Runner) Insights(ctx context.Context) error {
	start := time.Now()
	rows, err := r.deps.Store.ProjectInsights(ctx, r.deps.Now())
	if err != nil {
		r.audit(ctx, "insights.generate", "projects", start, err, nil)
		return err
	}
	for _, pi := range rows {
		r.audit(ctx, "insights.project", pi.ProjectID, start, nil, pi)
	}
	r.log.Info("insights generated", logx.Int("projects", len(rows)), logx.Duration("took", time.Since(start)))
	return nil
}

// RequestLogPrune drops request records no window can still count.
func (r *Runner) RequestLogPrune(ctx context.Context) error {
	if r.deps.Pruner == nil {
		return nil
	}
	start := time.Now()
	n, err := r.deps.Pruner.Prune(ctx, r.cfg.LogRetention)
	r.audit(ctx, "requestlog.prune", "request_log", start, err, map[string]int64{"deleted": n})
	if err != nil {
		return err
	}
	if n > 0 {
		r.log.Debug("request log pruned", logx.Int64("deleted", n))
	}
	return nil
}
