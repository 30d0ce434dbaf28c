package jobs_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskpulse/internal/domain"
	"taskpulse/internal/jobs"
	"taskpulse/internal/notify"
	"taskpulse/internal/storage"
	logx "taskpulse/pkg/logx"
)

// A Monday, far enough ahead that dedup windows are still open in real time.
var monday = time.Date(2030, 1, 7, 9, 0, 0, 0, time.UTC)

type sent struct {
	user string
	p    notify.Payload
}

type fakeNotifier struct {
	mu  sync.Mutex
	out []sent
}

func (f *fakeNotifier) Notify(_ context.Context, userID string, p notify.Payload) error {
	f.mu.Lock()
	f.out = append(f.out, sent{userID, p})
	f.mu.Unlock()
	return nil
}

func (f *fakeNotifier) kinds(kind string) []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sent
	for _, s := range f.out {
		if s.p.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

type fakePruner struct{ retention time.Duration }

func (p *fakePruner) Prune(_ context.Context, retention time.Duration) (int64, error) {
	p.retention = retention
	return 3, nil
}

func setup(t *testing.T, now time.Time) (*jobs.Runner, *storage.SQLite, *fakeNotifier, *fakePruner) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	n := &fakeNotifier{}
	p := &fakePruner{}
	r := jobs.NewRunner(jobs.Config{Location: time.UTC, LogRetention: 2 * time.Hour}, jobs.Deps{
		Store:    st,
		Notifier: n,
		Pruner:   p,
		Log:      logx.Nop(),
		Now:      func() time.Time { return now },
	})
	return r, st, n, p
}

func tp(t time.Time) *time.Time { return &t }

func seed(t *testing.T, st *storage.SQLite, tasks ...domain.TaskSnapshot) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.UpsertProject(ctx, domain.Project{ID: "p1", Name: "Launch", OwnerID: "owner"}))
	for _, task := range tasks {
		if task.CreatedAt.IsZero() {
			task.CreatedAt = monday.Add(-10 * 24 * time.Hour)
		}
		if task.LastActivityAt.IsZero() {
			task.LastActivityAt = monday.Add(-time.Hour)
		}
		if task.ProjectID == "" {
			task.ProjectID = "p1"
		}
		require.NoError(t, st.UpsertTask(ctx, task))
	}
}

func TestDefinitions(t *testing.T) {
	t.Parallel()

	r := jobs.NewRunner(jobs.Config{Intervals: map[string]time.Duration{jobs.RiskSweep: time.Minute}}, jobs.Deps{})
	defs := r.Definitions()
	require.Len(t, defs, len(jobs.Names()))

	byName := map[string]time.Duration{}
	for _, d := range defs {
		require.NotNil(t, d.Handler, d.Name)
		byName[d.Name] = d.Interval
	}
	require.Equal(t, time.Minute, byName[jobs.RiskSweep])
	require.Equal(t, 15*time.Minute, byName[jobs.Automation])
	require.Equal(t, time.Hour, byName[jobs.DeadlineWarnings])
	require.Equal(t, 30*time.Minute, byName[jobs.RiskAlerts])
	require.Equal(t, 4*time.Hour, byName[jobs.PredictionRefresh])
	require.Equal(t, 24*time.Hour, byName[jobs.Insights])
}

func TestAutomationIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, st, _, _ := setup(t, monday)
	seed(t, st,
		domain.TaskSnapshot{ID: "late-low", AssigneeID: "u1", Title: "a", Status: domain.StatusInProgress, Priority: domain.PriorityLow, DueDate: tp(monday.Add(-24 * time.Hour))},
		domain.TaskSnapshot{ID: "late-review", AssigneeID: "u1", Title: "b", Status: domain.StatusInReview, Priority: domain.PriorityLow, DueDate: tp(monday.Add(-24 * time.Hour))},
		domain.TaskSnapshot{ID: "urgent-free", Title: "c", Status: domain.StatusTodo, Priority: domain.PriorityUrgent},
		domain.TaskSnapshot{ID: "low-free", Title: "d", Status: domain.StatusTodo, Priority: domain.PriorityLow},
	)

	require.NoError(t, r.Automation(ctx))
	require.NoError(t, r.Automation(ctx))

	got, ok, err := st.Task(ctx, "late-low")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.PriorityMedium, got.Priority, "escalated exactly one level")

	got, _, _ = st.Task(ctx, "late-review")
	require.Equal(t, domain.PriorityLow, got.Priority, "IN_REVIEW is never overdue")

	got, _, _ = st.Task(ctx, "urgent-free")
	require.Equal(t, "owner", got.AssigneeID)

	got, _, _ = st.Task(ctx, "low-free")
	require.Empty(t, got.AssigneeID)
}

func TestDeadlineWarningsOncePerDay(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, st, n, _ := setup(t, monday)
	seed(t, st,
		domain.TaskSnapshot{ID: "soon", AssigneeID: "u1", Title: "ship", Status: domain.StatusTodo, Priority: domain.PriorityMedium, DueDate: tp(monday.Add(5 * time.Hour))},
		domain.TaskSnapshot{ID: "later", AssigneeID: "u1", Title: "plan", Status: domain.StatusTodo, Priority: domain.PriorityMedium, DueDate: tp(monday.Add(72 * time.Hour))},
		domain.TaskSnapshot{ID: "done", AssigneeID: "u1", Title: "old", Status: domain.StatusCompleted, Priority: domain.PriorityMedium, DueDate: tp(monday.Add(2 * time.Hour))},
	)

	require.NoError(t, r.DeadlineWarnings(ctx))
	require.NoError(t, r.DeadlineWarnings(ctx))

	got := n.kinds(jobs.KindDeadlineWarning)
	require.Len(t, got, 1)
	require.Equal(t, "u1", got[0].user)
	require.Equal(t, "soon", got[0].p.TaskID)
}

func TestRiskSweepThenAlerts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, st, n, _ := setup(t, monday)
	seed(t, st,
		domain.TaskSnapshot{ID: "crit", AssigneeID: "u1", Title: "x", Status: domain.StatusInProgress, Priority: domain.PriorityHigh, DueDate: tp(monday.Add(-time.Hour))},
		domain.TaskSnapshot{ID: "calm", AssigneeID: "u2", Title: "y", Status: domain.StatusInProgress, Priority: domain.PriorityLow},
	)

	require.NoError(t, r.RiskSweep(ctx))
	as, err := st.Assessments(ctx, []string{"crit", "calm"})
	require.NoError(t, err)
	require.Equal(t, domain.RiskCritical, as["crit"].RiskLevel)
	require.Equal(t, 100, as["crit"].PriorityScore)
	require.Equal(t, domain.RiskLow, as["calm"].RiskLevel)

	require.NoError(t, r.RiskAlerts(ctx))
	require.NoError(t, r.RiskAlerts(ctx))
	got := n.kinds(jobs.KindRiskAlert)
	require.Len(t, got, 1)
	require.Equal(t, "crit", got[0].p.TaskID)

	audit, err := st.RecentAudit(ctx, "risk.sweep", 5)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	require.True(t, audit[0].OK)
}

func TestWeeklySummaryOnlyMondaysOncePerWeek(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tuesday := monday.Add(24 * time.Hour)
	r, st, n, _ := setup(t, tuesday)
	seed(t, st, domain.TaskSnapshot{ID: "t1", AssigneeID: "u1", Title: "a", Status: domain.StatusTodo, Priority: domain.PriorityLow, DueDate: tp(monday.Add(-time.Hour))})
	require.NoError(t, r.WeeklySummary(ctx))
	require.Empty(t, n.kinds(jobs.KindWeeklySummary))

	r2, st2, n2, _ := setup(t, monday)
	seed(t, st2, domain.TaskSnapshot{ID: "t1", AssigneeID: "u1", Title: "a", Status: domain.StatusTodo, Priority: domain.PriorityLow, DueDate: tp(monday.Add(-time.Hour))})
	require.NoError(t, r2.WeeklySummary(ctx))
	require.NoError(t, r2.WeeklySummary(ctx))
	got := n2.kinds(jobs.KindWeeklySummary)
	require.Len(t, got, 1)
	require.Equal(t, 1, got[0].p.Data["overdue"])
}

func TestPredictionRefreshAndInsights(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, st, _, _ := setup(t, monday)
	seed(t, st,
		domain.TaskSnapshot{ID: "open", AssigneeID: "u1", Title: "a", Status: domain.StatusInProgress, Priority: domain.PriorityMedium},
		domain.TaskSnapshot{ID: "hist", AssigneeID: "u1", Title: "b", Status: domain.StatusCompleted, Priority: domain.PriorityMedium,
			CreatedAt: monday.Add(-5 * 24 * time.Hour), CompletedAt: tp(monday.Add(-5*24*time.Hour + 20*time.Hour))},
	)

	require.NoError(t, r.PredictionRefresh(ctx))
	p, ok, err := st.LatestPrediction(ctx, "open")
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, 20.0, p.EstimateHours, 0.001)

	require.NoError(t, r.Insights(ctx))
	rows, err := st.RecentAudit(ctx, "insights.project", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "p1", rows[0].Target)
}

func TestRequestLogPrune(t *testing.T) {
	t.Parallel()

	r, _, _, p := setup(t, monday)
	require.NoError(t, r.RequestLogPrune(context.Background()))
	require.Equal(t, 2*time.Hour, p.retention)
}
