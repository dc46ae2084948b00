package jobstore

import (
	"context"
	"sync"
	"time"

	"github.com/me/fhirsync/pkg/job"
)

// memoryBackend is the shared, mutex-guarded state behind one or more
// MemoryStore handles. Separating it from MemoryStore lets WithHolder
// create additional handles bound to a different lease identity but the
// same durable state, the way two processes share one object store.
type memoryBackend struct {
	mu sync.Mutex

	leaseHolder string
	leaseExpiry time.Time

	metadata  *job.SchedulerMetadata
	active    map[string]*job.Job
	completed map[string]*job.Job
	failed    map[string]*job.Job
}

// MemoryStore is an in-process job.Store backed by a map, guarded by a
// mutex. It exists purely as a fast unit-test double for internal/jobmanager
// and carries no third-party dependency: there is no map-backed test-double
// library in the dependency pack appropriate for this.
type MemoryStore struct {
	backend  *memoryBackend
	holderID string
	leaseTTL time.Duration
}

// NewMemoryStore creates an empty MemoryStore. holderID identifies this
// process for lease acquisition.
func NewMemoryStore(holderID string, leaseTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		backend: &memoryBackend{
			active:    make(map[string]*job.Job),
			completed: make(map[string]*job.Job),
			failed:    make(map[string]*job.Job),
		},
		holderID: holderID,
		leaseTTL: leaseTTL,
	}
}

// WithHolder returns a handle onto the same durable state bound to a
// different lease identity, simulating a second process contending for the
// same store.
func (s *MemoryStore) WithHolder(holderID string) *MemoryStore {
	return &MemoryStore{backend: s.backend, holderID: holderID, leaseTTL: s.leaseTTL}
}

func (s *MemoryStore) AcquireLease(ctx context.Context) (bool, error) {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.leaseHolder != "" && b.leaseHolder != s.holderID && now.Before(b.leaseExpiry) {
		return false, nil
	}
	b.leaseHolder = s.holderID
	b.leaseExpiry = now.Add(s.leaseTTL)
	return true, nil
}

func (s *MemoryStore) RenewLease(ctx context.Context) (bool, error) {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.leaseHolder != s.holderID {
		return false, nil
	}
	b.leaseExpiry = time.Now().Add(s.leaseTTL)
	return true, nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context) error {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.leaseHolder == s.holderID {
		b.leaseHolder = ""
		b.leaseExpiry = time.Time{}
	}
	return nil
}

func (s *MemoryStore) GetSchedulerMetadata(ctx context.Context) (*job.SchedulerMetadata, error) {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.metadata == nil {
		return nil, nil
	}
	clone := *b.metadata
	return &clone, nil
}

func (s *MemoryStore) GetActiveJobs(ctx context.Context) ([]*job.Job, error) {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	jobs := make([]*job.Job, 0, len(b.active))
	for _, j := range b.active {
		jobs = append(jobs, j.Clone())
	}
	sortJobsByCreatedAt(jobs)
	return jobs, nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, j *job.Job) error {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	b.active[j.ID] = j.Clone()
	return nil
}

func (s *MemoryStore) CompleteJob(ctx context.Context, j *job.Job) error {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.completed[j.ID]; ok {
		return nil
	}
	if _, ok := b.failed[j.ID]; ok {
		return nil
	}

	delete(b.active, j.ID)
	if j.Status == job.StatusFailed {
		b.failed[j.ID] = j.Clone()
	} else {
		b.completed[j.ID] = j.Clone()
	}
	return nil
}

// CommitJobData advances the watermark to j.DataPeriod.End. Re-invocation
// with the same or an earlier period is a no-op, satisfying idempotence.
func (s *MemoryStore) CommitJobData(ctx context.Context, j *job.Job) error {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.metadata != nil && !j.DataPeriod.End.After(b.metadata.LastScheduledTimestamp) {
		return nil
	}
	b.metadata = &job.SchedulerMetadata{LastScheduledTimestamp: j.DataPeriod.End}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
