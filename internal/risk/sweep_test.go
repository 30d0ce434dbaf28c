package risk

import (
	"context"
	"sort"
	"testing"
	"time"

	"taskpulse/internal/domain"
)

type fakeStore struct {
	tasks  []domain.TaskSnapshot
	saved  map[string]domain.RiskAssessment
	writes int
}

func (f *fakeStore) ActiveTasks(_ context.Context, afterID string, limit int) ([]domain.TaskSnapshot, error) {
	sort.Slice(f.tasks, func(i, j int) bool { return f.tasks[i].ID < f.tasks[j].ID })
	var out []domain.TaskSnapshot
	for _, t := range f.tasks {
		if t.ID <= afterID || t.Status.Terminal() {
			continue
		}
		out = append(out, t)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) Assessments(_ context.Context, ids []string) (map[string]domain.RiskAssessment, error) {
	out := map[string]domain.RiskAssessment{}
	for _, id := range ids {
		if a, ok := f.saved[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

func (f *fakeStore) SaveAssessments(_ context.Context, items []domain.RiskAssessment) error {
	for _, a := range items {
		f.saved[a.TaskID] = a
		f.writes++
	}
	return nil
}

func TestSweepWritesOnlyChanges(t *testing.T) {
	t.Parallel()

	st := &fakeStore{saved: map[string]domain.RiskAssessment{}}
	for _, id := range []string{"a", "b", "c"} {
		st.tasks = append(st.tasks, domain.TaskSnapshot{ID: id, Status: domain.StatusTodo, Priority: domain.PriorityMedium, LastActivityAt: now})
	}
	st.tasks = append(st.tasks, domain.TaskSnapshot{ID: "d", Status: domain.StatusCompleted, Priority: domain.PriorityHigh})

	clock := now
	sw := NewSweeper(st, WithClock(func() time.Time { return clock }))

	res, err := sw.Run(context.Background())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if res.Scanned != 3 || res.Changed != 3 || !res.Wrapped {
		t.Fatalf("first run result: %+v", res)
	}

	clock = now.Add(time.Minute)
	res, err = sw.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Changed != 0 || st.writes != 3 {
		t.Fatalf("unchanged tasks rewritten: %+v writes=%d", res, st.writes)
	}

	st.tasks[0].Priority = domain.PriorityUrgent
	st.tasks[0].DueDate = ptr(now.Add(-time.Hour))
	res, _ = sw.Run(context.Background())
	if res.Changed != 1 || st.saved["a"].RiskLevel != domain.RiskCritical {
		t.Fatalf("expected single change to a: %+v %+v", res, st.saved["a"])
	}
}

func TestSweepPagesAcrossRuns(t *testing.T) {
	t.Parallel()

	st := &fakeStore{saved: map[string]domain.RiskAssessment{}}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		st.tasks = append(st.tasks, domain.TaskSnapshot{ID: id, Status: domain.StatusTodo, Priority: domain.PriorityLow, LastActivityAt: now})
	}
	sw := NewSweeper(st, WithBatchSize(2), WithClock(func() time.Time { return now }))

	var scanned []int
	for i := 0; i < 3; i++ {
		res, err := sw.Run(context.Background())
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		scanned = append(scanned, res.Scanned)
	}
	if scanned[0] != 2 || scanned[1] != 2 || scanned[2] != 1 {
		t.Fatalf("pages = %v", scanned)
	}
	if len(st.saved) != 5 {
		t.Fatalf("saved %d assessments, want 5", len(st.saved))
	}
	if res, _ := sw.Run(context.Background()); res.Scanned != 2 {
		t.Fatalf("cursor did not wrap: %+v", res)
	}
}
