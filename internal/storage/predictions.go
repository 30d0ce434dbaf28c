package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"taskpulse/internal/domain"
	"taskpulse/internal/predict"
)

const hoursExpr = `(completed_ms - created_ms) / 3600000.0`

func (s *SQLite) UserVelocity(ctx context.Context, assigneeID string, since time.Time) (predict.Sample, error) {
	return s.sample(ctx,
		`SELECT AVG(`+hoursExpr+`), COUNT(*) FROM tasks
		 WHERE assignee_id = ? AND status = 'COMPLETED' AND completed_ms IS NOT NULL AND completed_ms >= ?`,
		assigneeID, since.UnixMilli())
}

func (s *SQLite) SimilarTasks(ctx context.Context, projectID string, priority domain.Priority, limit int) (predict.Sample, error) {
	return s.sample(ctx,
		`SELECT AVG(h), COUNT(*) FROM (
		   SELECT `+hoursExpr+` AS h FROM tasks
		   WHERE project_id = ? AND priority = ? AND status = 'COMPLETED' AND completed_ms IS NOT NULL
		   ORDER BY completed_ms DESC LIMIT ?
		 )`,
		projectID, string(priority), limit)
}

func (s *SQLite) sample(ctx context.Context, query string, args ...any) (predict.Sample, error) {
	var (
		avg sql.NullFloat64
		n   int
	)
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&avg, &n); err != nil {
		return predict.Sample{}, err
	}
	if !avg.Valid {
		return predict.Sample{}, nil
	}
	return predict.Sample{Hours: avg.Float64, N: n}, nil
}

// TasksNeedingPrediction orders never-predicted tasks first, then the stalest.
func (s *SQLite) TasksNeedingPrediction(ctx context.Context, freshSince time.Time, limit int) ([]domain.TaskSnapshot, error) {
	return s.queryTasks(ctx,
		`SELECT t.id, t.project_id, t.assignee_id, t.title, t.status, t.priority, t.due_ms, t.last_activity_ms, t.created_ms, t.completed_ms
		 FROM tasks t
		 LEFT JOIN (SELECT task_id, MAX(computed_ms) AS last FROM predictions GROUP BY task_id) p ON p.task_id = t.id
		 WHERE t.status NOT IN ('COMPLETED','CANCELLED') AND (p.last IS NULL OR p.last < ?)
		 ORDER BY COALESCE(p.last, 0), t.id LIMIT ?`,
		freshSince.UnixMilli(), limit)
}

// SavePrediction appends; older rows stay for audit.
func (s *SQLite) SavePrediction(ctx context.Context, p domain.Prediction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO predictions(task_id, predicted_ms, estimate_hours, confidence, sample_size, computed_ms)
		 VALUES(?,?,?,?,?,?)`,
		p.TaskID, p.PredictedCompletionAt.UnixMilli(), p.EstimateHours, p.Confidence, p.BasedOnSampleSize, p.ComputedAt.UnixMilli(),
	)
	return err
}

func (s *SQLite) LatestPrediction(ctx context.Context, taskID string) (domain.Prediction, bool, error) {
	var (
		p                  domain.Prediction
		predicted, computd int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, predicted_ms, estimate_hours, confidence, sample_size, computed_ms
		 FROM predictions WHERE task_id = ? ORDER BY id DESC LIMIT 1`, taskID,
	).Scan(&p.TaskID, &predicted, &p.EstimateHours, &p.Confidence, &p.BasedOnSampleSize, &computd)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Prediction{}, false, nil
	}
	if err != nil {
		return domain.Prediction{}, false, err
	}
	p.PredictedCompletionAt = fromMillis(predicted)
	p.ComputedAt = fromMillis(computd)
	return p, true, nil
}
