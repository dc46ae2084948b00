package jobmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/me/fhirsync/pkg/job"
)

// taskOutcome is what one task goroutine reports back to the fan-out loop.
type taskOutcome struct {
	resourceType string
	result       job.TaskResult
	err          error
}

// jobWriter serializes every durable UpdateJob call issued during the
// fan-out onto one goroutine, so the in-memory critical section protecting
// the Job never holds across store I/O. A store failure observed here is
// treated as a task failure.
type jobWriter struct {
	store job.Store
	ch    chan *job.Job
	done  chan struct{}
	mu    sync.Mutex
	err   error
}

func newJobWriter(ctx context.Context, store job.Store) *jobWriter {
	w := &jobWriter{store: store, ch: make(chan *job.Job, 1), done: make(chan struct{})}
	go func() {
		defer close(w.done)
		for snapshot := range w.ch {
			if err := store.UpdateJob(ctx, snapshot); err != nil {
				w.recordErr(fmt.Errorf("%w: persisting progress for job %s: %v", job.ErrStoreUnavailable, snapshot.ID, err))
			}
		}
	}()
	return w
}

func (w *jobWriter) recordErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

func (w *jobWriter) firstErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// post enqueues a snapshot for the writer goroutine; if the writer is behind
// and a snapshot is still queued, it drops that older queued snapshot and
// queues this one in its place, since only the most recent snapshot per job
// matters.
func (w *jobWriter) post(snapshot *job.Job) {
	select {
	case w.ch <- snapshot:
	default:
		select {
		case <-w.ch:
		default:
		}
		w.ch <- snapshot
	}
}

func (w *jobWriter) closeAndWait() error {
	close(w.ch)
	<-w.done
	return w.firstErr()
}

// runFanout builds a TaskContext per incomplete resource type, runs them
// under a concurrency cap with whenAny-then-fold submission followed by a
// whenAll drain of the tasks still in flight, and folds every progress callback and terminal
// result into j under a single mutex.
func (m *JobManager) runFanout(ctx context.Context, j *job.Job) error {
	taskCtx, cancelTasks := context.WithCancel(ctx)
	defer cancelTasks()

	executionCtx, cancelExecution := context.WithCancel(ctx)
	defer cancelExecution()

	writer := newJobWriter(ctx, m.store)

	var mu sync.Mutex

	pending := make([]string, 0, len(j.ResourceTypes))
	for _, rt := range j.ResourceTypes {
		tc := job.TaskContextFor(j, rt)
		if tc.IsCompleted(j) {
			continue
		}
		pending = append(pending, rt)
	}

	results := make(chan taskOutcome, len(pending)+1)
	inFlight := 0
	var firstErr error

	submit := func(rt string) {
		inFlight++
		tc := func() job.TaskContext {
			mu.Lock()
			defer mu.Unlock()
			return job.TaskContextFor(j, rt)
		}()

		sink := func(checkpoint job.TaskContext) {
			if executionCtx.Err() != nil {
				return
			}
			mu.Lock()
			if j.IsResourceCompleted(checkpoint.ResourceType) {
				mu.Unlock()
				return
			}
			j.ApplyProgress(checkpoint.ResourceType, checkpoint.ContinuationToken, checkpoint.SearchCount, checkpoint.ProcessedCount, checkpoint.SkippedCount, checkpoint.PartID)
			snapshot := j.Clone()
			mu.Unlock()
			writer.post(snapshot)
		}

		go func() {
			result, err := m.executor.Execute(taskCtx, tc, sink)
			results <- taskOutcome{resourceType: rt, result: result, err: err}
		}()
	}

	maxInFlight := m.config.MaxConcurrencyCount
	if maxInFlight <= 0 {
		maxInFlight = 1
	}

	for len(pending) > 0 && firstErr == nil {
		for inFlight < maxInFlight && len(pending) > 0 {
			rt := pending[0]
			pending = pending[1:]
			submit(rt)
		}
		if inFlight == 0 {
			break
		}

		outcome := <-results
		inFlight--
		if outcome.err != nil {
			firstErr = job.NewExecuteTaskFailedError(outcome.resourceType, outcome.err)
			cancelTasks()
			continue
		}
		mu.Lock()
		m.foldResult(j, outcome.resourceType, outcome.result)
		snapshot := j.Clone()
		mu.Unlock()
		writer.post(snapshot)
	}

	// whenAll drain: collect every still-in-flight task, whether the
	// submission loop exited cleanly or broke early on failure.
	for inFlight > 0 {
		outcome := <-results
		inFlight--
		if outcome.err != nil {
			if firstErr == nil {
				firstErr = job.NewExecuteTaskFailedError(outcome.resourceType, outcome.err)
			}
			continue
		}
		mu.Lock()
		m.foldResult(j, outcome.resourceType, outcome.result)
		snapshot := j.Clone()
		mu.Unlock()
		writer.post(snapshot)
	}

	if writerErr := writer.closeAndWait(); firstErr == nil {
		firstErr = writerErr
	}

	if firstErr == nil {
		// Cancel the execution context now that every task has produced a
		// terminal result, so any late progress write racing a slow,
		// already-finished executor's goroutine is dropped by the sink
		// rather than racing the caller's final UpdateJob/CommitJobData.
		cancelExecution()
	}

	return firstErr
}

// foldResult applies a task's terminal report, marking the resource type
// completed last so the drained sentinel set by MarkResourceCompleted is
// not overwritten by the result's own continuation token.
func (m *JobManager) foldResult(j *job.Job, rt string, result job.TaskResult) {
	j.ApplyProgress(rt, result.ContinuationToken, result.SearchCount, result.ProcessedCount, result.SkippedCount, result.PartID)
	if result.IsCompleted {
		j.MarkResourceCompleted(rt)
	}
}
