package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/3leaps/flinkwatch/pkg/collector"
)

// stubRunner scripts cycle outcomes by call number (1-based).
type stubRunner struct {
	calls    atomic.Int32
	active   atomic.Int32
	overlap  atomic.Bool
	delay    time.Duration
	failOn   map[int32]error
	panicOn  map[int32]bool
	blockCtx bool
}

func (r *stubRunner) CollectActive(ctx context.Context) ([]collector.Result, error) {
	n := r.calls.Add(1)
	if r.active.Add(1) > 1 {
		r.overlap.Store(true)
	}
	defer r.active.Add(-1)

	if r.blockCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.panicOn[n] {
		panic("nil map write")
	}
	if err := r.failOn[n]; err != nil {
		return nil, err
	}
	found := 1
	return []collector.Result{
		{ClusterName: "east", Status: collector.StatusHealthy, JobsProcessed: 1, JobsFound: &found},
		{ClusterName: "west", Status: collector.StatusUnhealthy, Error: "health check failed"},
	}, nil
}

func TestStartStopIdempotent(t *testing.T) {
	runner := &stubRunner{}
	s := New(runner)

	assert.False(t, s.Running())
	s.Stop() // stopping a stopped scheduler is a no-op

	require.True(t, s.Start(time.Hour))
	assert.True(t, s.Running())
	assert.False(t, s.Start(time.Millisecond), "second start must be a no-op")
	assert.Equal(t, time.Hour, s.Status().Interval)

	require.Eventually(t, func() bool { return runner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.False(t, s.Running())
	s.Stop()
	assert.False(t, s.Running())

	// Only the first cycle ran; the hour-long wait was cancelled.
	assert.Equal(t, int32(1), runner.calls.Load())

	require.True(t, s.Start(time.Hour))
	s.Stop()
}

func TestLoopRunsCyclesOnInterval(t *testing.T) {
	runner := &stubRunner{delay: 2 * time.Millisecond}
	s := New(runner)

	require.True(t, s.Start(5*time.Millisecond))
	require.Eventually(t, func() bool { return runner.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	assert.False(t, runner.overlap.Load(), "cycles must not overlap")
	st := s.Status()
	assert.False(t, st.Running)
	assert.GreaterOrEqual(t, st.Cycles, int64(3))
	assert.NotNil(t, st.LastRun)
}

func TestLoopSurvivesErrorsAndPanics(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	runner := &stubRunner{
		failOn:  map[int32]error{1: errors.New("registry unavailable")},
		panicOn: map[int32]bool{2: true},
	}
	s := New(runner, WithLogger(zap.New(core)), WithBackoff(time.Millisecond))

	require.True(t, s.Start(time.Millisecond))
	require.Eventually(t, func() bool { return runner.calls.Load() >= 4 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	assert.GreaterOrEqual(t, logs.FilterMessage("Error in scheduled collection").Len(), 2)
	assert.Equal(t, 1, logs.FilterMessage("Collection cycle panicked").Len())
	assert.GreaterOrEqual(t, logs.FilterMessage("Cluster collected").Len(), 1)
	assert.GreaterOrEqual(t, logs.FilterMessage("Cluster collection failed").Len(), 1)
	assert.Empty(t, s.Status().LastError)
}

func TestStopCancelsInFlightCycle(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	runner := &stubRunner{blockCtx: true}
	s := New(runner, WithLogger(zap.New(core)))

	require.True(t, s.Start(time.Hour))
	require.Eventually(t, func() bool { return runner.active.Load() == 1 }, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	// Cancellation is an expected transition, not a reportable failure.
	assert.Equal(t, 0, logs.FilterMessage("Error in scheduled collection").Len())
	assert.Equal(t, 1, logs.FilterMessage("Scheduler stopped").Len())
}

func TestConcurrentStop(t *testing.T) {
	s := New(&stubRunner{})
	require.True(t, s.Start(time.Hour))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop()
		}()
	}
	wg.Wait()
	assert.False(t, s.Running())
}

func TestStartDefaultsInterval(t *testing.T) {
	s := New(&stubRunner{})
	require.True(t, s.Start(0))
	defer s.Stop()
	assert.Equal(t, DefaultInterval, s.Status().Interval)
}

func TestRunOnce(t *testing.T) {
	runner := &stubRunner{panicOn: map[int32]bool{2: true}}
	s := New(runner)

	results, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.False(t, s.Running())

	_, err = s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}
