package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"taskpulse/internal/domain"
	logx "taskpulse/pkg/logx"
)

// DefaultSweepBatch bounds the work done by a single sweep invocation.
const DefaultSweepBatch = 1000

// Store is the persistence the sweep needs.
type Store interface {
	// ActiveTasks pages non-terminal tasks ordered by id, strictly after afterID.
	ActiveTasks(ctx context.Context, afterID string, limit int) ([]domain.TaskSnapshot, error)
	Assessments(ctx context.Context, taskIDs []string) (map[string]domain.RiskAssessment, error)
	SaveAssessments(ctx context.Context, items []domain.RiskAssessment) error
}

type SweepResult struct {
	Scanned int
	Changed int
	// Wrapped is true when this run reached the end of the task list and the
	// next run starts over from the beginning.
	Wrapped bool
}

// Sweeper recomputes assessments one bounded page at a time. Consecutive runs
// continue where the previous one stopped, so every active task is visited
// without any single run exceeding the batch size.
type Sweeper struct {
	store Store
	batch int
	now   func() time.Time
	log   logx.Logger

	mu     sync.Mutex
	cursor string
}

type SweeperOption func(*Sweeper)

func WithBatchSize(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 && n <= DefaultSweepBatch {
			s.batch = n
		}
	}
}

func WithClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(log logx.Logger) SweeperOption {
	return func(s *Sweeper) { s.log = log }
}

func NewSweeper(store Store, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{store: store, batch: DefaultSweepBatch, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run processes one page and writes only the assessments whose derived
// fields differ from the stored ones. The mutex keeps overlapping runs
// (possible under the interval backend) from racing on the cursor.
func (s *Sweeper) Run(ctx context.Context) (SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res SweepResult
	tasks, err := s.store.ActiveTasks(ctx, s.cursor, s.batch)
	if err != nil {
		return res, fmt.Errorf("risk sweep: list tasks: %w", err)
	}
	res.Scanned = len(tasks)
	if len(tasks) < s.batch {
		res.Wrapped = true
	}
	if len(tasks) == 0 {
		s.cursor = ""
		return res, nil
	}

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	prev, err := s.store.Assessments(ctx, ids)
	if err != nil {
		return res, fmt.Errorf("risk sweep: load assessments: %w", err)
	}

	now := s.now()
	changed := make([]domain.RiskAssessment, 0, len(tasks))
	for _, t := range tasks {
		next := Assess(t, now)
		if old, ok := prev[t.ID]; ok && old.SameAs(next) {
			continue
		}
		changed = append(changed, next)
	}
	if len(changed) > 0 {
		if err := s.store.SaveAssessments(ctx, changed); err != nil {
			return res, fmt.Errorf("risk sweep: save: %w", err)
		}
	}
	res.Changed = len(changed)

	if res.Wrapped {
		s.cursor = ""
	} else {
		s.cursor = tasks[len(tasks)-1].ID
	}
	s.log.Debug("risk sweep page done",
		logx.Int("scanned", res.Scanned),
		logx.Int("changed", res.Changed),
		logx.Bool("wrapped", res.Wrapped),
	)
	return res, nil
}
