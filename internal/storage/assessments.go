package storage

import (
	"context"
	"fmt"

	"taskpulse/internal/domain"
)

func (s *SQLite) Assessments(ctx context.Context, taskIDs []string) (map[string]domain.RiskAssessment, error) {
	out := make(map[string]domain.RiskAssessment, len(taskIDs))
	if len(taskIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(taskIDs))
	for i, id := range taskIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, is_overdue, risk_level, priority_score, computed_ms
		 FROM risk_assessments WHERE task_id IN (`+placeholders(len(taskIDs))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			a        domain.RiskAssessment
			overdue  int
			level    string
			computed int64
		)
		if err := rows.Scan(&a.TaskID, &overdue, &level, &a.PriorityScore, &computed); err != nil {
			return nil, err
		}
		a.IsOverdue = overdue != 0
		a.RiskLevel = domain.RiskLevel(level)
		a.ComputedAt = fromMillis(computed)
		out[a.TaskID] = a
	}
	return out, rows.Err()
}

// SaveAssessments overwrites in one transaction.
func (s *SQLite) SaveAssessments(ctx context.Context, items []domain.RiskAssessment) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO risk_assessments(task_id, is_overdue, risk_level, priority_score, computed_ms)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(task_id) DO UPDATE SET
		   is_overdue=excluded.is_overdue,
		   risk_level=excluded.risk_level,
		   priority_score=excluded.priority_score,
		   computed_ms=excluded.computed_ms`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, a := range items {
		if _, err := stmt.ExecContext(ctx, a.TaskID, boolInt(a.IsOverdue), string(a.RiskLevel), a.PriorityScore, millis(a.ComputedAt)); err != nil {
			return fmt.Errorf("save assessment %s: %w", a.TaskID, err)
		}
	}
	return tx.Commit()
}
