// Package domain holds the task-side types the automation core reads and writes.
// Tasks themselves are owned by the task subsystem; this module only consumes
// snapshots of them and produces derived assessments and predictions.
package domain

import (
	"strings"
	"time"
)

type Status string

const (
	StatusTodo       Status = "TODO"
	StatusInProgress Status = "IN_PROGRESS"
	StatusInReview   Status = "IN_REVIEW"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further work is expected on the task.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// ParsePriority normalizes case; unknown values are kept as-is and score like LOW.
func ParsePriority(s string) Priority {
	return Priority(strings.ToUpper(strings.TrimSpace(s)))
}

// Elevated is true for HIGH and URGENT.
func (p Priority) Elevated() bool { return p == PriorityHigh || p == PriorityUrgent }

// Bump returns the next priority up, capped at URGENT.
func (p Priority) Bump() Priority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	case PriorityHigh, PriorityUrgent:
		return PriorityUrgent
	default:
		return PriorityMedium
	}
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// TaskSnapshot is a read-only view of a task.
type TaskSnapshot struct {
	ID             string
	ProjectID      string
	AssigneeID     string
	Title          string
	DueDate        *time.Time
	Status         Status
	Priority       Priority
	LastActivityAt time.Time
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// ActivityAt falls back to CreatedAt when no activity was ever recorded.
func (t TaskSnapshot) ActivityAt() time.Time {
	if t.LastActivityAt.IsZero() {
		return t.CreatedAt
	}
	return t.LastActivityAt
}

// RiskAssessment is overwritten in place on every sweep that changes it.
type RiskAssessment struct {
	TaskID        string    `json:"taskId"`
	IsOverdue     bool      `json:"isOverdue"`
	RiskLevel     RiskLevel `json:"riskLevel"`
	PriorityScore int       `json:"priorityScore"`
	ComputedAt    time.Time `json:"computedAt"`
}

// SameAs compares the derived fields only; ComputedAt is ignored.
func (a RiskAssessment) SameAs(b RiskAssessment) bool {
	return a.TaskID == b.TaskID &&
		a.IsOverdue == b.IsOverdue &&
		a.RiskLevel == b.RiskLevel &&
		a.PriorityScore == b.PriorityScore
}

// Prediction rows are appended; the newest per task is the current one.
type Prediction struct {
	TaskID                string    `json:"taskId"`
	PredictedCompletionAt time.Time `json:"predictedCompletionAt"`
	EstimateHours         float64   `json:"estimateHours"`
	Confidence            float64   `json:"confidence"`
	BasedOnSampleSize     int       `json:"basedOnSampleSize"`
	ComputedAt            time.Time `json:"computedAt"`
}

// Project carries what automation needs to know about a project.
type Project struct {
	ID      string
	Name    string
	OwnerID string
}
