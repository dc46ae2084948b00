package job

import "context"

// Executor drives one resource type's extraction to completion. It must
// resume from tc.ContinuationToken, report progress at each pagination
// page via sink, and return a TaskResult whose IsCompleted is true iff
// upstream pagination is exhausted. On cancellation it must return
// promptly; a successful cancellation is still reported as an error to the
// caller, which decides whether to surface it.
type Executor interface {
	Execute(ctx context.Context, tc TaskContext, sink ProgressSink) (TaskResult, error)
}

// Catalog enumerates all resource types known to the source server, used
// when a job's configuration does not restrict them.
type Catalog interface {
	GetAll(ctx context.Context) ([]string, error)
}
