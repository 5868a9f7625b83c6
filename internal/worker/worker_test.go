package worker

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

	"vaultflow/internal/models"
)

func TestExecutorRunsJobs(t *testing.T) {
	ex := NewExecutor(2, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ex.Run(ctx)
		close(done)
	}()

	var ran int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		job := Job{RunID: "r", Name: "deposit", Run: func(context.Context) error {
			defer wg.Done()
			atomic.AddInt32(&ran, 1)
			return nil
		}}
		require.Eventually(t, func() bool { return ex.Submit(job) == nil }, time.Second, time.Millisecond)
	}
	wg.Wait()
	assert.Equal(t, int32(6), atomic.LoadInt32(&ran))

	cancel()
	<-done
	assert.ErrorIs(t, ex.Submit(Job{Run: func(context.Context) error { return nil }}), ErrStopped)
}

func TestExecutorRejectsWhenFull(t *testing.T) {
	ex := NewExecutor(1, zap.NewNop())

	// nothing consumes before Run, so the queue fills at its depth
	require.NoError(t, ex.Submit(Job{Run: func(context.Context) error { return nil }}))
	assert.ErrorIs(t, ex.Submit(Job{Run: func(context.Context) error { return nil }}), ErrQueueFull)
}

func TestExecutorSurvivesFailingJobs(t *testing.T) {
	ex := NewExecutor(1, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ex.Run(ctx)

	finished := make(chan struct{})
	require.NoError(t, ex.Submit(Job{Name: "boom", Run: func(context.Context) error { panic("boom") }}))
	require.Eventually(t, func() bool {
		return ex.Submit(Job{Name: "err", Run: func(context.Context) error { return errors.New("failed") }}) == nil
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return ex.Submit(Job{Name: "ok", Run: func(context.Context) error { close(finished); return nil }}) == nil
	}, time.Second, time.Millisecond)

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("executor stopped handling jobs")
	}
}

type fakeTracker struct {
	mu      sync.Mutex
	waiting []string
	arrived map[string]bool
	checked []string
	pruned  int
}

func (f *fakeTracker) RunsIn(step models.Step) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if step != models.StepWaitingArrival {
		return nil
	}
	return append([]string(nil), f.waiting...)
}

func (f *fakeTracker) CheckArrival(_ context.Context, runID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = append(f.checked, runID)
	if runID == "broken" {
		return false, errors.New("rpc down")
	}
	return f.arrived[runID], nil
}

func (f *fakeTracker) Prune(time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned++
	return 0
}

func TestMonitorPollChecksEveryWaitingRun(t *testing.T) {
	tracker := &fakeTracker{
		waiting: []string{"a", "broken", "b"},
		arrived: map[string]bool{"b": true},
	}
	m := NewMonitor(tracker, time.Hour, time.Hour, zap.NewNop())

	m.poll(context.Background())

	assert.Equal(t, []string{"a", "broken", "b"}, tracker.checked)
	assert.Equal(t, 1, tracker.pruned)
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	tracker := &fakeTracker{waiting: []string{"a"}}
	m := NewMonitor(tracker, time.Millisecond, 0, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		tracker.mu.Lock()
		defer tracker.mu.Unlock()
		return len(tracker.checked) >= 3
	}, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	assert.Equal(t, 0, tracker.pruned)
}
