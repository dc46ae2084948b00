package jobmanager

import (
	"context"
	"fmt"

	"github.com/me/fhirsync/pkg/job"
)

// newJob computes the next window from the watermark and the configured
// latency margin, resolves the resource type set, and persists the
// resulting Job in the New status before returning it.
func (m *JobManager) newJob(ctx context.Context) (*job.Job, error) {
	metadata, err := m.store.GetSchedulerMetadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: loading scheduler metadata: %v", job.ErrStoreUnavailable, err)
	}

	triggerStart := m.config.StartTime
	if metadata != nil && !metadata.LastScheduledTimestamp.IsZero() {
		triggerStart = metadata.LastScheduledTimestamp
	}

	triggerEnd := m.clock.Now().Add(-m.config.LatencyMargin())
	if !m.config.EndTime.IsZero() && m.config.EndTime.Before(triggerEnd) {
		triggerEnd = m.config.EndTime
	}

	if !m.config.EndTime.IsZero() && !triggerStart.Before(m.config.EndTime) {
		return nil, job.NewStartJobFailedError("scheduled to end")
	}
	if !triggerStart.Before(triggerEnd) {
		return nil, job.NewStartJobFailedError("start is in the future")
	}

	resourceTypes := m.config.ResourceTypeFilters
	if len(resourceTypes) == 0 {
		resourceTypes, err = m.catalog.GetAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading resource type catalog: %w", err)
		}
	}

	j := job.NewJob(m.newID(), m.config.ContainerName, resourceTypes, job.DataPeriod{Start: triggerStart, End: triggerEnd}, m.clock.Now())
	if err := m.store.UpdateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("%w: persisting new job: %v", job.ErrStoreUnavailable, err)
	}
	return j, nil
}
