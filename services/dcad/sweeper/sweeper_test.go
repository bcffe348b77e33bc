package sweeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"recurswap/native/dca"
)

type stubSource struct {
	calls atomic.Int32
	plans []*dca.Plan
}

func (s *stubSource) StalledPlans() []*dca.Plan {
	s.calls.Add(1)
	return s.plans
}

func TestSweepCountsStalledPlans(t *testing.T) {
	src := &stubSource{plans: []*dca.Plan{
		{ID: 1, Owner: "0xa", Status: dca.PlanActive, LastError: "dca: fee ledger exhausted"},
		{ID: 4, Owner: "0xb", Status: dca.PlanActive},
	}}
	sw, err := New(src, "@every 1h", WithMetrics(nil))
	require.NoError(t, err)
	require.Equal(t, 2, sw.Sweep())
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(&stubSource{}, "every minute")
	require.Error(t, err)
	_, err = New(&stubSource{}, " ")
	require.Error(t, err)
	_, err = New(nil, "@every 1m")
	require.Error(t, err)
}

func TestRunSweepsOnScheduleUntilCancelled(t *testing.T) {
	src := &stubSource{}
	sw, err := New(src, "@every 1s", WithMetrics(nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()

	require.Eventually(t, func() bool { return src.calls.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
