// Package predict estimates task completion dates from historical velocity.
package predict

import (
	"context"
	"fmt"
	"math"
	"time"

	"taskpulse/internal/domain"
)

const (
	DefaultEstimateHours = 48.0
	VelocityLookback     = 90 * 24 * time.Hour
	SimilarSampleLimit   = 10

	similarWeight  = 0.6
	velocityWeight = 0.4

	confidenceBothBase = 0.5
	confidencePerPeer  = 0.035
	confidenceBothCap  = 0.85
	confidenceSimilar  = 0.7
	confidenceVelocity = 0.6
	confidenceDefault  = 0.3
)

// Sample is a mean duration over N completed tasks. N == 0 means no data.
type Sample struct {
	Hours float64
	N     int
}

func (s Sample) ok() bool { return s.N > 0 && s.Hours > 0 }

// History answers the two questions the estimator asks about past work.
type History interface {
	// UserVelocity averages completedAt-createdAt over the assignee's tasks
	// completed at or after since.
	UserVelocity(ctx context.Context, assigneeID string, since time.Time) (Sample, error)
	// SimilarTasks averages completion time over up to limit most recent
	// completed tasks in the same project with the same priority.
	SimilarTasks(ctx context.Context, projectID string, priority domain.Priority, limit int) (Sample, error)
}

// Blend combines the two signals into hours and a confidence, before any
// priority adjustment.
func Blend(similar, velocity Sample) (hours, confidence float64) {
	switch {
	case similar.ok() && velocity.ok():
		hours = similarWeight*similar.Hours + velocityWeight*velocity.Hours
		confidence = math.Min(confidenceBothCap, confidenceBothBase+confidencePerPeer*float64(similar.N))
	case similar.ok():
		hours, confidence = similar.Hours, confidenceSimilar
	case velocity.ok():
		hours, confidence = velocity.Hours, confidenceVelocity
	default:
		hours, confidence = DefaultEstimateHours, confidenceDefault
	}
	return hours, confidence
}

// PriorityMultiplier shortens estimates for urgent work.
func PriorityMultiplier(p domain.Priority) float64 {
	switch p {
	case domain.PriorityUrgent:
		return 0.7
	case domain.PriorityHigh:
		return 0.85
	default:
		return 1.0
	}
}

// CompletionDate rounds the estimate up to whole days from now.
func CompletionDate(now time.Time, hours float64) time.Time {
	days := int(math.Ceil(hours / 24))
	return now.Add(time.Duration(days) * 24 * time.Hour)
}

type Estimator struct {
	history History
	now     func() time.Time
}

func NewEstimator(h History, now func() time.Time) *Estimator {
	if now == nil {
		now = time.Now
	}
	return &Estimator{history: h, now: now}
}

func (e *Estimator) Estimate(ctx context.Context, t domain.TaskSnapshot) (domain.Prediction, error) {
	now := e.now()

	var velocity Sample
	if t.AssigneeID != "" {
		v, err := e.history.UserVelocity(ctx, t.AssigneeID, now.Add(-VelocityLookback))
		if err != nil {
			return domain.Prediction{}, fmt.Errorf("estimate %s: velocity: %w", t.ID, err)
		}
		velocity = v
	}
	similar, err := e.history.SimilarTasks(ctx, t.ProjectID, t.Priority, SimilarSampleLimit)
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("estimate %s: similar tasks: %w", t.ID, err)
	}

	hours, confidence := Blend(similar, velocity)
	hours *= PriorityMultiplier(t.Priority)

	samples := 0
	if similar.ok() {
		samples += similar.N
	}
	if velocity.ok() {
		samples += velocity.N
	}
	return domain.Prediction{
		TaskID:                t.ID,
		PredictedCompletionAt: CompletionDate(now, hours),
		EstimateHours:         hours,
		Confidence:            confidence,
		BasedOnSampleSize:     samples,
		ComputedAt:            now,
	}, nil
}
