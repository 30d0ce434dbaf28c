package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"taskpulse/internal/domain"
	"taskpulse/internal/risk"
	logx "taskpulse/pkg/logx"
)

type automation struct {
	batch int

	mu     sync.Mutex
	cursor string
}

type AutomationResult struct {
	Scanned   int `json:"scanned"`
	Escalated int `json:"escalated"`
	Assigned  int `json:"assigned"`
}

// Automation escalates overdue LOW/MEDIUM tasks by one priority level and
// assigns unassigned HIGH/URGENT tasks to their project owner. Both updates are
// conditional in storage, so a rerun is a no-op.
func (r *Runner) Automation(ctx context.Context) error {
	a := r.auto
	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()
	tasks, err := r.deps.Store.ActiveTasks(ctx, a.cursor, a.batch)
	if err != nil {
		err = fmt.Errorf("automation: list tasks: %w", err)
		r.audit(ctx, "automation.run", "tasks", start, err, nil)
		return err
	}
	if len(tasks) < a.batch {
		a.cursor = ""
	} else {
		a.cursor = tasks[len(tasks)-1].ID
	}

	now := r.deps.Now()
	res := AutomationResult{Scanned: len(tasks)}
	owners := map[string]string{}
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if risk.IsOverdue(t.DueDate, t.Status, now) && (t.Priority == domain.PriorityLow || t.Priority == domain.PriorityMedium) {
			to := t.Priority.Bump()
			ok, err := r.deps.Store.EscalatePriority(ctx, t.ID, t.Priority, to)
			if err != nil {
				r.log.Warn("auto-escalate failed", logx.String("task_id", t.ID), logx.Err(err))
			} else if ok {
				res.Escalated++
				r.audit(ctx, "automation.escalate", t.ID, start, nil, map[string]string{"from": string(t.Priority), "to": string(to)})
			}
		}
		if t.AssigneeID == "" && t.Priority.Elevated() && t.ProjectID != "" {
			owner, err := r.projectOwner(ctx, owners, t.ProjectID)
			if err != nil {
				r.log.Warn("project lookup failed", logx.String("project_id", t.ProjectID), logx.Err(err))
				continue
			}
			if owner == "" {
				continue
			}
			ok, err := r.deps.Store.AssignTask(ctx, t.ID, owner)
			if err != nil {
				r.log.Warn("auto-assign failed", logx.String("task_id", t.ID), logx.Err(err))
			} else if ok {
				res.Assigned++
				r.audit(ctx, "automation.assign", t.ID, start, nil, map[string]string{"assignee": owner})
			}
		}
	}
	r.log.Debug("automation done",
		logx.Int("scanned", res.Scanned),
		logx.Int("escalated", res.Escalated),
		logx.Int("assigned", res.Assigned),
	)
	return nil
}

func (r *Runner) projectOwner(ctx context.Context, cache map[string]string, projectID string) (string, error) {
	if owner, ok := cache[projectID]; ok {
		return owner, nil
	}
	p, _, err := r.deps.Store.Project(ctx, projectID)
	if err != nil {
		return "", err
	}
	cache[projectID] = p.OwnerID
	return p.OwnerID, nil
}
