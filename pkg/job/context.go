package job

// TaskContext is the in-memory per-resource work descriptor a TaskExecutor
// resumes from and reports progress against.
type TaskContext struct {
	ResourceType      string
	ContinuationToken string
	SearchCount       int64
	ProcessedCount    int64
	SkippedCount      int64
	PartID            int
}

// IsCompleted reports whether the context represents already-drained work:
// either the continuation token is the drained sentinel, or the owning Job
// already lists the resource type as completed.
func (t TaskContext) IsCompleted(j *Job) bool {
	return t.ContinuationToken == DrainedToken || j.IsResourceCompleted(t.ResourceType)
}

// TaskContextFor builds the TaskContext a resource type resumes from,
// reading its last-persisted progress off the Job.
func TaskContextFor(j *Job, rt string) TaskContext {
	return TaskContext{
		ResourceType:      rt,
		ContinuationToken: j.ResourceProgresses[rt],
		SearchCount:       j.TotalResourceCounts[rt],
		ProcessedCount:    j.ProcessedResourceCounts[rt],
		SkippedCount:      j.SkippedResourceCounts[rt],
		PartID:            j.PartIDs[rt],
	}
}

// TaskResult is the terminal report from one task.
type TaskResult struct {
	ResourceType      string
	ContinuationToken string
	SearchCount       int64
	ProcessedCount    int64
	SkippedCount      int64
	PartID            int
	IsCompleted       bool
}

// ProgressSink is invoked by a TaskExecutor at each pagination checkpoint.
type ProgressSink func(TaskContext)
