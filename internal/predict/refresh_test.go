package predict

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskpulse/internal/domain"
)

type fakeStore struct {
	tasks      []domain.TaskSnapshot
	freshSince time.Time
	limit      int
	saved      []domain.Prediction
	failFor    string
}

func (f *fakeStore) TasksNeedingPrediction(_ context.Context, freshSince time.Time, limit int) ([]domain.TaskSnapshot, error) {
	f.freshSince, f.limit = freshSince, limit
	if len(f.tasks) > limit {
		return f.tasks[:limit], nil
	}
	return f.tasks, nil
}

func (f *fakeStore) SavePrediction(_ context.Context, p domain.Prediction) error {
	if p.TaskID == f.failFor {
		return errors.New("constraint failed")
	}
	f.saved = append(f.saved, p)
	return nil
}

func TestRefresherDefaultsAndSkipsFailures(t *testing.T) {
	t.Parallel()

	st := &fakeStore{failFor: "b"}
	for _, id := range []string{"a", "b", "c"} {
		st.tasks = append(st.tasks, domain.TaskSnapshot{ID: id, Priority: domain.PriorityMedium})
	}
	clock := func() time.Time { return now }
	r := NewRefresher(NewEstimator(&fakeHistory{}, clock), st, RefresherConfig{Now: clock})

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, RefreshResult{Considered: 3, Saved: 2, Failed: 1}, res)
	require.Equal(t, DefaultRefreshBatch, st.limit)
	require.Equal(t, now.Add(-DefaultFreshFor), st.freshSince)
	require.Len(t, st.saved, 2)
}

func TestRefresherHonoursBatch(t *testing.T) {
	t.Parallel()

	st := &fakeStore{}
	for i := 0; i < 10; i++ {
		st.tasks = append(st.tasks, domain.TaskSnapshot{ID: string(rune('a' + i))})
	}
	clock := func() time.Time { return now }
	r := NewRefresher(NewEstimator(&fakeHistory{}, clock), st, RefresherConfig{Batch: 4, Now: clock})

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, res.Considered)
	require.Equal(t, 4, res.Saved)
}
