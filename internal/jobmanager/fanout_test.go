package jobmanager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jobconfig "github.com/me/fhirsync/internal/config"
	"github.com/me/fhirsync/internal/clock"
	"github.com/me/fhirsync/internal/jobstore"
	"github.com/me/fhirsync/pkg/job"
)

// concurrencyTrackingExecutor records the maximum number of overlapping
// Execute calls it ever observes, to verify the fan-out respects the
// configured concurrency cap.
type concurrencyTrackingExecutor struct {
	current int32
	peak    int32
	delay   time.Duration
}

func (e *concurrencyTrackingExecutor) Execute(ctx context.Context, tc job.TaskContext, sink job.ProgressSink) (job.TaskResult, error) {
	n := atomic.AddInt32(&e.current, 1)
	defer atomic.AddInt32(&e.current, -1)
	for {
		peak := atomic.LoadInt32(&e.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&e.peak, peak, n) {
			break
		}
	}

	select {
	case <-time.After(e.delay):
	case <-ctx.Done():
		return job.TaskResult{}, ctx.Err()
	}

	return job.TaskResult{
		ResourceType:      tc.ResourceType,
		ContinuationToken: job.DrainedToken,
		ProcessedCount:    1,
		IsCompleted:       true,
	}, nil
}

func TestJobManager_RunFanout_RespectsConcurrencyCap(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore("holder", time.Minute)
	executor := &concurrencyTrackingExecutor{delay: 10 * time.Millisecond}

	cfg := jobconfig.Config{MaxConcurrencyCount: 2}
	m := New(store, executor, staticCatalog{}, clock.Fixed(time.Now()), cfg, testLogger())

	j := job.NewJob("job-1", "acme", []string{"A", "B", "C", "D", "E"}, job.DataPeriod{Start: time.Unix(0, 0), End: time.Unix(100, 0)}, time.Now())

	if err := m.runFanout(ctx, j); err != nil {
		t.Fatalf("runFanout: %v", err)
	}
	if peak := atomic.LoadInt32(&executor.peak); peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak)
	}
	for _, rt := range j.ResourceTypes {
		if !j.IsResourceCompleted(rt) {
			t.Fatalf("resource type %s not completed", rt)
		}
	}
}

// cancellationWatchingExecutor blocks until the context is cancelled, then
// returns promptly, to verify that a sibling task failure cancels the
// remaining in-flight tasks without delay.
type cancellationWatchingExecutor struct {
	fail      string
	cancelled chan struct{}
}

func (e *cancellationWatchingExecutor) Execute(ctx context.Context, tc job.TaskContext, sink job.ProgressSink) (job.TaskResult, error) {
	if tc.ResourceType == e.fail {
		return job.TaskResult{}, context.DeadlineExceeded
	}
	select {
	case <-ctx.Done():
		close(e.cancelled)
		return job.TaskResult{}, ctx.Err()
	case <-time.After(5 * time.Second):
		return job.TaskResult{}, nil
	}
}

func TestJobManager_RunFanout_CancelsRemainingTasksOnFailure(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore("holder", time.Minute)
	executor := &cancellationWatchingExecutor{fail: "A", cancelled: make(chan struct{})}

	cfg := jobconfig.Config{MaxConcurrencyCount: 2}
	m := New(store, executor, staticCatalog{}, clock.Fixed(time.Now()), cfg, testLogger())

	j := job.NewJob("job-1", "acme", []string{"A", "B"}, job.DataPeriod{Start: time.Unix(0, 0), End: time.Unix(100, 0)}, time.Now())

	err := m.runFanout(ctx, j)
	if err == nil {
		t.Fatalf("expected error from failed task")
	}

	select {
	case <-executor.cancelled:
	case <-time.After(time.Second):
		t.Fatalf("expected the still-running task to observe cancellation promptly")
	}
}

func TestJobManager_RunFanout_SkipsAlreadyCompletedResourceTypes(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore("holder", time.Minute)

	var mu sync.Mutex
	var executed []string
	executor := &recordingFanoutExecutor{onExecute: func(tc job.TaskContext) {
		mu.Lock()
		executed = append(executed, tc.ResourceType)
		mu.Unlock()
	}}

	cfg := jobconfig.Config{MaxConcurrencyCount: 2}
	m := New(store, executor, staticCatalog{}, clock.Fixed(time.Now()), cfg, testLogger())

	j := job.NewJob("job-1", "acme", []string{"A", "B"}, job.DataPeriod{Start: time.Unix(0, 0), End: time.Unix(100, 0)}, time.Now())
	j.MarkResourceCompleted("A")

	if err := m.runFanout(ctx, j); err != nil {
		t.Fatalf("runFanout: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(executed) != 1 || executed[0] != "B" {
		t.Fatalf("expected only B executed, got %v", executed)
	}
}

type recordingFanoutExecutor struct {
	onExecute func(job.TaskContext)
}

func (e *recordingFanoutExecutor) Execute(ctx context.Context, tc job.TaskContext, sink job.ProgressSink) (job.TaskResult, error) {
	if e.onExecute != nil {
		e.onExecute(tc)
	}
	return job.TaskResult{
		ResourceType:      tc.ResourceType,
		ContinuationToken: job.DrainedToken,
		ProcessedCount:    1,
		IsCompleted:       true,
	}, nil
}
