// Package job defines the data model and store/executor/catalog contracts
// for the extraction job scheduler: the Job record, its per-resource-type
// progress fields, and the interfaces external collaborators implement.
package job

import "time"

// DataPeriod is the half-open time interval [Start, End) of source-record
// timestamps a Job processes.
type DataPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Valid reports whether Start is strictly before End.
func (p DataPeriod) Valid() bool {
	return p.Start.Before(p.End)
}

// DrainedToken is the sentinel continuation-token value marking a resource
// type as fully drained. Once MarkResourceCompleted has set it for a
// resource type, ApplyProgress no longer overwrites it.
const DrainedToken = "\x00drained"

// Job is one in-flight extraction window.
type Job struct {
	ID            string
	ContainerName string
	Status        Status
	ResourceTypes []string
	DataPeriod    DataPeriod
	CreatedAt     time.Time

	// CompletedResources is the set of resource types fully drained.
	// Represented as a map for O(1) membership tests; stores that persist
	// JSON marshal it as an object keyed by resource type.
	CompletedResources map[string]bool

	ResourceProgresses      map[string]string
	TotalResourceCounts     map[string]int64
	ProcessedResourceCounts map[string]int64
	SkippedResourceCounts   map[string]int64
	PartIDs                 map[string]int

	FailedReason string
}

// NewJob constructs a Job in the New status with empty per-resource maps.
func NewJob(id, containerName string, resourceTypes []string, period DataPeriod, createdAt time.Time) *Job {
	return &Job{
		ID:                      id,
		ContainerName:           containerName,
		Status:                  StatusNew,
		ResourceTypes:           resourceTypes,
		DataPeriod:              period,
		CreatedAt:                createdAt,
		CompletedResources:      make(map[string]bool),
		ResourceProgresses:      make(map[string]string),
		TotalResourceCounts:     make(map[string]int64),
		ProcessedResourceCounts: make(map[string]int64),
		SkippedResourceCounts:   make(map[string]int64),
		PartIDs:                 make(map[string]int),
	}
}

// IsResourceCompleted reports whether rt is in CompletedResources.
// CompletedResources is always a subset of ResourceTypes: callers only ever
// add members of ResourceTypes to it.
func (j *Job) IsResourceCompleted(rt string) bool {
	return j.CompletedResources[rt]
}

// MarkResourceCompleted adds rt to CompletedResources and sets its
// continuation token to the drained sentinel. Idempotent.
func (j *Job) MarkResourceCompleted(rt string) {
	j.CompletedResources[rt] = true
	j.ResourceProgresses[rt] = DrainedToken
}

// ApplyProgress overwrites rt's per-resource fields unless rt is already
// completed; completed resource types are never resurrected. Returns false
// if the write was dropped because rt was already completed.
func (j *Job) ApplyProgress(rt, continuationToken string, total, processed, skipped int64, partID int) bool {
	if j.CompletedResources[rt] {
		return false
	}
	j.ResourceProgresses[rt] = continuationToken
	j.TotalResourceCounts[rt] = total
	j.ProcessedResourceCounts[rt] = processed
	j.SkippedResourceCounts[rt] = skipped
	j.PartIDs[rt] = partID
	return true
}

// Clone returns a deep copy of the Job, suitable for handing to a store
// write after releasing updateJobLock so the in-memory mutation and the
// durable write never share mutable state.
func (j *Job) Clone() *Job {
	c := *j
	c.ResourceTypes = append([]string(nil), j.ResourceTypes...)
	c.CompletedResources = copyBoolMap(j.CompletedResources)
	c.ResourceProgresses = copyStringMap(j.ResourceProgresses)
	c.TotalResourceCounts = copyInt64Map(j.TotalResourceCounts)
	c.ProcessedResourceCounts = copyInt64Map(j.ProcessedResourceCounts)
	c.SkippedResourceCounts = copyInt64Map(j.SkippedResourceCounts)
	c.PartIDs = copyIntMap(j.PartIDs)
	return &c
}

func copyBoolMap(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyInt64Map(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyIntMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SchedulerMetadata is process-wide durable state outside any Job.
type SchedulerMetadata struct {
	// LastScheduledTimestamp is the end of the most recently succeeded
	// window. Zero value means "never scheduled".
	LastScheduledTimestamp time.Time
}
