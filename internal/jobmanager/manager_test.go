package jobmanager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/me/fhirsync/internal/clock"
	jobconfig "github.com/me/fhirsync/internal/config"
	"github.com/me/fhirsync/internal/jobstore"
	"github.com/me/fhirsync/pkg/job"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticCatalog struct {
	types []string
}

func (c staticCatalog) GetAll(ctx context.Context) ([]string, error) {
	return c.types, nil
}

// drainExecutor completes every resource type in a single call, optionally
// failing a named resource type on its first page.
type drainExecutor struct {
	mu       sync.Mutex
	fail     map[string]bool
	executed []string
}

func (e *drainExecutor) Execute(ctx context.Context, tc job.TaskContext, sink job.ProgressSink) (job.TaskResult, error) {
	e.mu.Lock()
	e.executed = append(e.executed, tc.ResourceType)
	shouldFail := e.fail[tc.ResourceType]
	e.mu.Unlock()

	sink(job.TaskContext{
		ResourceType:      tc.ResourceType,
		ContinuationToken: "mid-page",
		ProcessedCount:    1,
	})

	if shouldFail {
		return job.TaskResult{}, errors.New("synthetic executor failure")
	}

	return job.TaskResult{
		ResourceType:      tc.ResourceType,
		ContinuationToken: job.DrainedToken,
		ProcessedCount:    2,
		IsCompleted:       true,
	}, nil
}

func newTestManager(store job.Store, executor job.Executor, cfg jobconfig.Config, now time.Time) *JobManager {
	return New(store, executor, staticCatalog{types: []string{"Patient", "Encounter"}}, clock.Fixed(now), cfg, testLogger())
}

func TestJobManager_Trigger_ColdStartSucceeds(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore("holder", time.Minute)
	executor := &drainExecutor{fail: map[string]bool{}}

	now := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
	cfg := jobconfig.Config{
		StartTime:               time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndTime:                 time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC),
		ResourceTypeFilters:     []string{"A", "B"},
		MaxConcurrencyCount:     2,
		JobQueryLatencyInMinutes: 0,
	}
	m := newTestManager(store, executor, cfg, now)

	if err := m.Trigger(ctx); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	active, err := store.GetActiveJobs(ctx)
	if err != nil {
		t.Fatalf("GetActiveJobs: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active jobs after success, got %d", len(active))
	}

	meta, err := store.GetSchedulerMetadata(ctx)
	if err != nil {
		t.Fatalf("GetSchedulerMetadata: %v", err)
	}
	if !meta.LastScheduledTimestamp.Equal(cfg.EndTime) {
		t.Fatalf("watermark = %v, want %v", meta.LastScheduledTimestamp, cfg.EndTime)
	}
}

func TestJobManager_Trigger_StartInFuture(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore("holder", time.Minute)
	executor := &drainExecutor{fail: map[string]bool{}}

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := jobconfig.Config{StartTime: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := newTestManager(store, executor, cfg, now)

	err := m.Trigger(ctx)
	var startErr *job.StartJobFailedError
	if !errors.As(err, &startErr) {
		t.Fatalf("expected StartJobFailedError, got %v", err)
	}

	active, err2 := store.GetActiveJobs(ctx)
	if err2 != nil {
		t.Fatalf("GetActiveJobs: %v", err2)
	}
	if len(active) != 0 {
		t.Fatalf("expected no job persisted, got %d", len(active))
	}
}

func TestJobManager_Trigger_TaskFailureMarksJobFailed(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore("holder", time.Minute)
	executor := &drainExecutor{fail: map[string]bool{"B": true}}

	now := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
	cfg := jobconfig.Config{
		StartTime:           time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndTime:             time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC),
		ResourceTypeFilters: []string{"A", "B"},
		MaxConcurrencyCount: 2,
	}
	m := newTestManager(store, executor, cfg, now)

	err := m.Trigger(ctx)
	var execErr *job.ExecuteTaskFailedError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecuteTaskFailedError, got %v", err)
	}

	active, err2 := store.GetActiveJobs(ctx)
	if err2 != nil {
		t.Fatalf("GetActiveJobs: %v", err2)
	}
	if len(active) != 1 {
		t.Fatalf("expected failed job left active for retry, got %d", len(active))
	}
	if active[0].Status != job.StatusFailed {
		t.Fatalf("status = %v, want Failed", active[0].Status)
	}
	if active[0].FailedReason == "" {
		t.Fatalf("expected non-empty FailedReason")
	}

	meta, err3 := store.GetSchedulerMetadata(ctx)
	if err3 != nil {
		t.Fatalf("GetSchedulerMetadata: %v", err3)
	}
	if meta != nil {
		t.Fatalf("expected watermark unchanged (nil), got %v", meta)
	}
}

func TestJobManager_Trigger_CompletesJobLeftSucceededByCrash(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore("holder", time.Minute)
	executor := &drainExecutor{fail: map[string]bool{}}

	now := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
	cfg := jobconfig.Config{StartTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := newTestManager(store, executor, cfg, now)

	stuck := job.NewJob("stuck-job", "acme", []string{"A"}, job.DataPeriod{Start: time.Unix(0, 0), End: time.Unix(100, 0)}, now)
	stuck.Status = job.StatusSucceeded
	if err := store.UpdateJob(ctx, stuck); err != nil {
		t.Fatalf("seeding stuck job: %v", err)
	}

	if err := m.Trigger(ctx); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	active, err := store.GetActiveJobs(ctx)
	if err != nil {
		t.Fatalf("GetActiveJobs: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected stuck job archived and no new job started this cycle, got %d", len(active))
	}
	if len(executor.executed) != 0 {
		t.Fatalf("expected no executor calls this cycle, got %v", executor.executed)
	}
}

func TestJobManager_Trigger_ResumesMidPagination(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore("holder", time.Minute)

	resumed := job.NewJob("resume-job", "acme", []string{"A"}, job.DataPeriod{Start: time.Unix(0, 0), End: time.Unix(100, 0)}, time.Unix(0, 0))
	resumed.Status = job.StatusRunning
	resumed.ApplyProgress("A", "tok1", 10, 5, 0, 1)
	if err := store.UpdateJob(ctx, resumed); err != nil {
		t.Fatalf("seeding resumed job: %v", err)
	}

	var sawToken string
	executor := &recordingExecutor{onExecute: func(tc job.TaskContext) { sawToken = tc.ContinuationToken }}

	cfg := jobconfig.Config{StartTime: time.Unix(0, 0), MaxConcurrencyCount: 1}
	m := newTestManager(store, executor, cfg, time.Unix(0, 0))

	if err := m.Trigger(ctx); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if sawToken != "tok1" {
		t.Fatalf("executor saw continuation token %q, want tok1", sawToken)
	}

	meta, err := store.GetSchedulerMetadata(ctx)
	if err != nil {
		t.Fatalf("GetSchedulerMetadata: %v", err)
	}
	if !meta.LastScheduledTimestamp.Equal(time.Unix(100, 0)) {
		t.Fatalf("watermark not advanced: %v", meta.LastScheduledTimestamp)
	}
}

type recordingExecutor struct {
	onExecute func(job.TaskContext)
}

func (e *recordingExecutor) Execute(ctx context.Context, tc job.TaskContext, sink job.ProgressSink) (job.TaskResult, error) {
	if e.onExecute != nil {
		e.onExecute(tc)
	}
	return job.TaskResult{
		ResourceType:      tc.ResourceType,
		ContinuationToken: job.DrainedToken,
		ProcessedCount:    tc.ProcessedCount + 1,
		IsCompleted:       true,
	}, nil
}
