package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"taskpulse/internal/domain"
)

// Task and project rows belong to the task subsystem. The writers here are
// what automation is allowed to change, plus UpsertTask/UpsertProject for
// the owning subsystem and tests.

const taskColumns = `id, project_id, assignee_id, title, status, priority, due_ms, last_activity_ms, created_ms, completed_ms`

const openStatusFilter = `status NOT IN ('COMPLETED','CANCELLED')`

func scanTask(r rowScanner) (domain.TaskSnapshot, error) {
	var (
		t                domain.TaskSnapshot
		status, priority string
		due, completed   sql.NullInt64
		activity, create int64
	)
	if err := r.Scan(&t.ID, &t.ProjectID, &t.AssigneeID, &t.Title, &status, &priority, &due, &activity, &create, &completed); err != nil {
		return domain.TaskSnapshot{}, err
	}
	t.Status = domain.Status(status)
	t.Priority = domain.Priority(priority)
	t.DueDate = fromNullMillis(due)
	t.LastActivityAt = fromMillis(activity)
	t.CreatedAt = fromMillis(create)
	t.CompletedAt = fromNullMillis(completed)
	return t, nil
}

func (s *SQLite) queryTasks(ctx context.Context, query string, args ...any) ([]domain.TaskSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TaskSnapshot
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) UpsertTask(ctx context.Context, t domain.TaskSnapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(`+taskColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   project_id=excluded.project_id, assignee_id=excluded.assignee_id, title=excluded.title,
		   status=excluded.status, priority=excluded.priority, due_ms=excluded.due_ms,
		   last_activity_ms=excluded.last_activity_ms, created_ms=excluded.created_ms,
		   completed_ms=excluded.completed_ms`,
		t.ID, t.ProjectID, t.AssigneeID, t.Title, string(t.Status), string(t.Priority),
		nullMillis(t.DueDate), millis(t.LastActivityAt), millis(t.CreatedAt), nullMillis(t.CompletedAt),
	)
	return err
}

func (s *SQLite) UpsertProject(ctx context.Context, p domain.Project) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects(id, name, owner_id) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, owner_id=excluded.owner_id`,
		p.ID, p.Name, p.OwnerID,
	)
	return err
}

func (s *SQLite) Task(ctx context.Context, id string) (domain.TaskSnapshot, bool, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskSnapshot{}, false, nil
	}
	return t, err == nil, err
}

// ActiveTasks pages open tasks (IN_REVIEW included) by id.
func (s *SQLite) ActiveTasks(ctx context.Context, afterID string, limit int) ([]domain.TaskSnapshot, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE `+openStatusFilter+` AND id > ? ORDER BY id LIMIT ?`,
		afterID, limit)
}

// TasksDueBetween lists assigned open tasks with a due date in [from, to).
func (s *SQLite) TasksDueBetween(ctx context.Context, from, to time.Time, limit int) ([]domain.TaskSnapshot, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE `+openStatusFilter+` AND status <> 'IN_REVIEW' AND assignee_id <> ''
		   AND due_ms >= ? AND due_ms < ?
		 ORDER BY due_ms, id LIMIT ?`,
		from.UnixMilli(), to.UnixMilli(), limit)
}

// TasksAtRisk joins open tasks with their current assessment.
func (s *SQLite) TasksAtRisk(ctx context.Context, levels []domain.RiskLevel, limit int) ([]domain.TaskSnapshot, []domain.RiskAssessment, error) {
	if len(levels) == 0 {
		return nil, nil, nil
	}
	args := make([]any, 0, len(levels)+1)
	for _, l := range levels {
		args = append(args, string(l))
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.project_id, t.assignee_id, t.title, t.status, t.priority, t.due_ms, t.last_activity_ms, t.created_ms, t.completed_ms,
		        a.is_overdue, a.risk_level, a.priority_score, a.computed_ms
		 FROM tasks t JOIN risk_assessments a ON a.task_id = t.id
		 WHERE t.status NOT IN ('COMPLETED','CANCELLED') AND t.assignee_id <> ''
		   AND a.risk_level IN (`+placeholders(len(levels))+`)
		 ORDER BY a.priority_score DESC, t.id LIMIT ?`, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var (
		tasks []domain.TaskSnapshot
		asses []domain.RiskAssessment
	)
	for rows.Next() {
		var (
			t                domain.TaskSnapshot
			a                domain.RiskAssessment
			status, priority string
			level            string
			due, completed   sql.NullInt64
			activity, create int64
			overdue          int
			computed         int64
		)
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.AssigneeID, &t.Title, &status, &priority, &due, &activity, &create, &completed,
			&overdue, &level, &a.PriorityScore, &computed); err != nil {
			return nil, nil, err
		}
		t.Status, t.Priority = domain.Status(status), domain.Priority(priority)
		t.DueDate, t.CompletedAt = fromNullMillis(due), fromNullMillis(completed)
		t.LastActivityAt, t.CreatedAt = fromMillis(activity), fromMillis(create)
		a.TaskID, a.IsOverdue, a.RiskLevel, a.ComputedAt = t.ID, overdue != 0, domain.RiskLevel(level), fromMillis(computed)
		tasks = append(tasks, t)
		asses = append(asses, a)
	}
	return tasks, asses, rows.Err()
}

// EscalatePriority only applies when the task still has priority from, so a
// repeated run is a no-op.
func (s *SQLite) EscalatePriority(ctx context.Context, taskID string, from, to domain.Priority) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET priority = ? WHERE id = ? AND priority = ? AND `+openStatusFilter,
		string(to), taskID, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AssignTask only fills an empty assignee.
func (s *SQLite) AssignTask(ctx context.Context, taskID, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET assignee_id = ? WHERE id = ? AND assignee_id = '' AND `+openStatusFilter,
		userID, taskID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLite) Project(ctx context.Context, id string) (domain.Project, bool, error) {
	var p domain.Project
	err := s.db.QueryRowContext(ctx, `SELECT id, name, owner_id FROM projects WHERE id = ?`, id).Scan(&p.ID, &p.Name, &p.OwnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Project{}, false, nil
	}
	return p, err == nil, err
}

// UserTaskCounts groups open work per assignee. Overdue follows the same
// rule as risk.IsOverdue: IN_REVIEW never counts.
func (s *SQLite) UserTaskCounts(ctx context.Context, now time.Time) ([]UserTaskCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT assignee_id, COUNT(*),
		        SUM(CASE WHEN due_ms IS NOT NULL AND due_ms < ? AND status <> 'IN_REVIEW' THEN 1 ELSE 0 END)
		 FROM tasks WHERE `+openStatusFilter+` AND assignee_id <> ''
		 GROUP BY assignee_id ORDER BY assignee_id`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserTaskCounts
	for rows.Next() {
		var c UserTaskCounts
		if err := rows.Scan(&c.UserID, &c.Open, &c.Overdue); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ProjectInsights aggregates open work per project from the current
// assessments and the latest prediction of each task.
func (s *SQLite) ProjectInsights(ctx context.Context, now time.Time) ([]ProjectInsight, error) {
	rows, err := s.db.QueryContext(ctx,
		`WITH latest AS (
		   SELECT p.task_id, p.predicted_ms FROM predictions p
		   JOIN (SELECT task_id, MAX(id) AS id FROM predictions GROUP BY task_id) m ON m.id = p.id
		 )
		 SELECT t.project_id,
		        COUNT(*),
		        SUM(CASE WHEN a.is_overdue = 1 THEN 1 ELSE 0 END),
		        SUM(CASE WHEN a.risk_level = 'CRITICAL' THEN 1 ELSE 0 END),
		        AVG(CASE WHEN l.predicted_ms IS NOT NULL THEN (l.predicted_ms - ?) / 3600000.0 END)
		 FROM tasks t
		 LEFT JOIN risk_assessments a ON a.task_id = t.id
		 LEFT JOIN latest l ON l.task_id = t.id
		 WHERE t.status NOT IN ('COMPLETED','CANCELLED') AND t.project_id <> ''
		 GROUP BY t.project_id ORDER BY t.project_id`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProjectInsight
	for rows.Next() {
		var (
			pi   ProjectInsight
			lead sql.NullFloat64
		)
		if err := rows.Scan(&pi.ProjectID, &pi.Open, &pi.Overdue, &pi.Critical, &lead); err != nil {
			return nil, err
		}
		if lead.Valid {
			pi.AvgLeadHours = lead.Float64
		}
		out = append(out, pi)
	}
	return out, rows.Err()
}
