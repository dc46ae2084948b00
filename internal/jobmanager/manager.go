// Package jobmanager implements the orchestrator that leases exclusive
// execution against a job.Store, constructs or resumes a job.Job, fans out
// per-resource-type tasks under a concurrency cap, and commits or fails the
// window.
package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/me/fhirsync/internal/clock"
	"github.com/me/fhirsync/internal/config"
	"github.com/me/fhirsync/pkg/job"
)

// JobManager is the orchestrator described by the core: it owns the lease,
// constructs or resumes a Job, runs the task fan-out, and commits.
type JobManager struct {
	store    job.Store
	executor job.Executor
	catalog  job.Catalog
	clock    clock.Clock
	config   config.Config
	logger   *slog.Logger
	newID    func() string
}

// New creates a JobManager.
func New(store job.Store, executor job.Executor, catalog job.Catalog, clk clock.Clock, cfg config.Config, logger *slog.Logger) *JobManager {
	return &JobManager{
		store:    store,
		executor: executor,
		catalog:  catalog,
		clock:    clk,
		config:   cfg,
		logger:   logger.With("component", "jobmanager"),
		newID:    func() string { return uuid.NewString() },
	}
}

// Trigger runs one scheduling cycle: acquire the lease, select or construct
// the active job, fan out its tasks, and finalize. Repeated rapid calls are
// safe; a call that loses the lease race returns nil without error.
func (m *JobManager) Trigger(ctx context.Context) error {
	acquired, err := m.store.AcquireLease(ctx)
	if err != nil {
		return fmt.Errorf("acquiring lease: %w", err)
	}
	if !acquired {
		m.logger.Debug("lease unavailable, yielding to current holder")
		return nil
	}

	renewCtx, stopRenewal := context.WithCancel(ctx)
	renewalDone := make(chan struct{})
	go m.renewLeaseLoop(renewCtx, renewalDone)
	defer func() {
		stopRenewal()
		<-renewalDone
		if err := m.store.ReleaseLease(ctx); err != nil {
			m.logger.Error("releasing lease failed", "error", err)
		}
	}()

	j, err := m.selectOrConstructJob(ctx)
	if err != nil {
		var startErr *job.StartJobFailedError
		if errors.As(err, &startErr) {
			m.logger.Info("refusing to start a new job", "reason", startErr.Reason)
		}
		return err
	}
	if j == nil {
		// selectOrConstructJob already completed a Job found Succeeded on
		// load (crash between CommitJobData and CompleteJob). Nothing more
		// to do this cycle.
		return nil
	}

	if err := m.runFanout(ctx, j); err != nil {
		j.Status = job.StatusFailed
		j.FailedReason = err.Error()
		if updateErr := m.store.UpdateJob(ctx, j); updateErr != nil {
			m.logger.Error("persisting failed job state failed", "job_id", j.ID, "error", updateErr)
		}
		return err
	}

	if err := m.store.UpdateJob(ctx, j); err != nil {
		return fmt.Errorf("%w: persisting final counts: %v", job.ErrStoreUnavailable, err)
	}
	if err := m.store.CommitJobData(ctx, j); err != nil {
		return fmt.Errorf("%w: committing job data: %v", job.ErrStoreUnavailable, err)
	}
	j.Status = job.StatusSucceeded
	if err := m.store.CompleteJob(ctx, j); err != nil {
		return fmt.Errorf("%w: completing job: %v", job.ErrStoreUnavailable, err)
	}

	m.logger.Info("job succeeded", "job_id", j.ID, "period_start", j.DataPeriod.Start, "period_end", j.DataPeriod.End)
	return nil
}

// selectOrConstructJob resumes the active job if one exists, completing it
// in place if it was left Succeeded by a crash between CommitJobData and
// CompleteJob, or constructs a new one from the watermark.
func (m *JobManager) selectOrConstructJob(ctx context.Context) (*job.Job, error) {
	active, err := m.store.GetActiveJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: loading active jobs: %v", job.ErrStoreUnavailable, err)
	}

	if len(active) > 0 {
		j := active[0]
		if j.Status == job.StatusSucceeded {
			m.logger.Info("completing job left succeeded by a prior crash", "job_id", j.ID)
			if err := m.store.CompleteJob(ctx, j); err != nil {
				return nil, fmt.Errorf("%w: completing recovered job: %v", job.ErrStoreUnavailable, err)
			}
			return nil, nil
		}
		j.Status = job.StatusRunning
		j.FailedReason = ""
		return j, nil
	}

	return m.newJob(ctx)
}

func (m *JobManager) renewLeaseLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	interval := m.config.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := m.store.RenewLease(ctx)
			if err != nil {
				m.logger.Error("renewing lease failed", "error", err)
				continue
			}
			if !held {
				m.logger.Warn("lost lease ownership during renewal")
				return
			}
		}
	}
}
