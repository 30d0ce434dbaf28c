// Package risk derives overdue/risk/priority signals from task snapshots.
//
// The rule functions are pure: the caller supplies "now", and the same inputs
// always produce the same assessment.
package risk

import (
	"time"

	"taskpulse/internal/domain"
)

const (
	elevatedInactiveDays = 3
	staleInactiveDays    = 7
	maxPriorityScore     = 100
)

// IsOverdue is false without a due date and for COMPLETED, IN_REVIEW and
// CANCELLED tasks; otherwise it reports due < now.
func IsOverdue(due *time.Time, status domain.Status, now time.Time) bool {
	if due == nil || due.IsZero() {
		return false
	}
	switch status {
	case domain.StatusCompleted, domain.StatusInReview, domain.StatusCancelled:
		return false
	}
	return due.Before(now)
}

// DaysInactive counts whole days since lastActivity. A zero time counts as active now.
func DaysInactive(lastActivity, now time.Time) int {
	if lastActivity.IsZero() || !lastActivity.Before(now) {
		return 0
	}
	return int(now.Sub(lastActivity) / (24 * time.Hour))
}

// LevelFor evaluates the risk ladder top-down; the first matching rung wins.
func LevelFor(overdue bool, lastActivity time.Time, priority domain.Priority, now time.Time) domain.RiskLevel {
	inactive := DaysInactive(lastActivity, now)
	switch {
	case overdue && priority.Elevated():
		return domain.RiskCritical
	case overdue, priority.Elevated() && inactive > elevatedInactiveDays:
		return domain.RiskHigh
	case priority == domain.PriorityMedium, inactive > staleInactiveDays:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

// PriorityScore is the base score for the priority plus overdue and risk
// bonuses, capped at 100.
func PriorityScore(priority domain.Priority, overdue bool, level domain.RiskLevel) int {
	score := basePriorityScore(priority)
	if overdue {
		score += 30
	}
	switch level {
	case domain.RiskCritical:
		score += 20
	case domain.RiskHigh:
		score += 10
	}
	return min(score, maxPriorityScore)
}

func basePriorityScore(p domain.Priority) int {
	switch p {
	case domain.PriorityUrgent:
		return 80
	case domain.PriorityHigh:
		return 60
	case domain.PriorityMedium:
		return 40
	default:
		return 20
	}
}

// Assess applies all three rules to one task.
func Assess(t domain.TaskSnapshot, now time.Time) domain.RiskAssessment {
	overdue := IsOverdue(t.DueDate, t.Status, now)
	level := LevelFor(overdue, t.ActivityAt(), t.Priority, now)
	return domain.RiskAssessment{
		TaskID:        t.ID,
		IsOverdue:     overdue,
		RiskLevel:     level,
		PriorityScore: PriorityScore(t.Priority, overdue, level),
		ComputedAt:    now,
	}
}
