package systemd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "taskpulse/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
	err    error
}

func (r *recorder) notify(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func TestStates(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	n := New(logx.Nop(), WithTransport(rec.notify, nil))
	require.True(t, n.Ready())
	require.True(t, n.Status("scheduler=interval"))
	require.True(t, n.Stopping())
	require.Equal(t, []string{"READY=1", "STATUS=scheduler=interval", "STOPPING=1"}, rec.snapshot())

	rec.err = errors.New("socket gone")
	require.False(t, n.Ready())
}

func TestWatchdogDisabledReturns(t *testing.T) {
	t.Parallel()

	n := New(logx.Nop(), WithTransport((&recorder{}).notify, func() (time.Duration, error) { return 0, nil }))
	done := make(chan struct{})
	go func() {
		_ = n.Watchdog(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchdog should return when disabled")
	}
}

func TestWatchdogPings(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	n := New(logx.Nop(), WithTransport(rec.notify, func() (time.Duration, error) { return 20 * time.Millisecond, nil }))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, n.Watchdog(ctx))
	states := rec.snapshot()
	require.NotEmpty(t, states)
	require.Equal(t, "WATCHDOG=1", states[0])
}
