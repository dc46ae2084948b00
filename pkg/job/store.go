package job

import "context"

// Store is the durable backing for scheduler state: the watermark, the
// at-most-one active Job, the completed/failed archive, and the advisory
// lease. All operations are failable and cancellable; implementations wrap
// transient I/O errors in ErrStoreUnavailable.
type Store interface {
	// AcquireLease is advisory and non-blocking. Returns true iff no other
	// holder currently owns the lease. Idempotent for the current holder.
	AcquireLease(ctx context.Context) (bool, error)

	// ReleaseLease is idempotent; safe to call when the caller does not
	// hold the lease.
	ReleaseLease(ctx context.Context) error

	// RenewLease extends the current holder's lease TTL. Returns false if
	// the caller no longer holds the lease (e.g. it expired and was taken
	// over by another holder).
	RenewLease(ctx context.Context) (bool, error)

	GetSchedulerMetadata(ctx context.Context) (*SchedulerMetadata, error)

	// GetActiveJobs returns Jobs in {New, Running, Failed}, ordered by
	// CreatedAt. The lease guarantees at most one element in practice;
	// callers treat the first element as "the" active job.
	GetActiveJobs(ctx context.Context) ([]*Job, error)

	// UpdateJob is an atomic snapshot write of the full Job record.
	UpdateJob(ctx context.Context, j *Job) error

	// CompleteJob archives j into the completed store (Status=Succeeded) or
	// the failed store (Status=Failed) and removes it from the active set.
	// Idempotent: re-invocation for an already-archived Job id is a no-op.
	CompleteJob(ctx context.Context, j *Job) error

	// CommitJobData finalizes output parts for j's window and atomically
	// advances SchedulerMetadata.LastScheduledTimestamp to j.DataPeriod.End.
	// Idempotent: re-invocation after a crash either completes the commit
	// or leaves no partial effect.
	CommitJobData(ctx context.Context, j *Job) error

	Close() error
}
