package predict

import (
	"context"
	"fmt"
	"time"

	"taskpulse/internal/domain"
	logx "taskpulse/pkg/logx"
)

const (
	DefaultRefreshBatch = 50
	DefaultFreshFor     = 7 * 24 * time.Hour
)

// Store lists stale tasks and appends predictions.
type Store interface {
	// TasksNeedingPrediction returns open tasks with no prediction computed
	// at or after freshSince, oldest prediction first.
	TasksNeedingPrediction(ctx context.Context, freshSince time.Time, limit int) ([]domain.TaskSnapshot, error)
	SavePrediction(ctx context.Context, p domain.Prediction) error
}

type RefreshResult struct {
	Considered int
	Saved      int
	Failed     int
}

type Refresher struct {
	est      *Estimator
	store    Store
	batch    int
	freshFor time.Duration
	now      func() time.Time
	log      logx.Logger
}

type RefresherConfig struct {
	Batch    int
	FreshFor time.Duration
	Now      func() time.Time
	Log      logx.Logger
}

func NewRefresher(est *Estimator, store Store, cfg RefresherConfig) *Refresher {
	r := &Refresher{est: est, store: store, batch: cfg.Batch, freshFor: cfg.FreshFor, now: cfg.Now, log: cfg.Log}
	if r.batch <= 0 {
		r.batch = DefaultRefreshBatch
	}
	if r.freshFor <= 0 {
		r.freshFor = DefaultFreshFor
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Run refreshes one batch. A failing task is logged and skipped; the run only
// errors when the batch itself cannot be listed.
func (r *Refresher) Run(ctx context.Context) (RefreshResult, error) {
	var res RefreshResult
	tasks, err := r.store.TasksNeedingPrediction(ctx, r.now().Add(-r.freshFor), r.batch)
	if err != nil {
		return res, fmt.Errorf("prediction refresh: list: %w", err)
	}
	res.Considered = len(tasks)
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		p, err := r.est.Estimate(ctx, t)
		if err == nil {
			err = r.store.SavePrediction(ctx, p)
		}
		if err != nil {
			res.Failed++
			r.log.Warn("prediction failed", logx.String("task_id", t.ID), logx.Err(err))
			continue
		}
		res.Saved++
	}
	return res, nil
}
