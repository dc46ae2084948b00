// Package taskexec provides the one concrete job.Executor the module
// ships: it pages a resource type through internal/sourceclient and writes
// each page's records to a PartWriter, reporting progress after every page.
package taskexec

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/me/fhirsync/internal/sourceclient"
	"github.com/me/fhirsync/pkg/job"
)

// HTTPExecutor implements job.Executor by paginating a resource type
// through a sourceclient.Client and persisting each page with a
// PartWriter.
type HTTPExecutor struct {
	client        *sourceclient.Client
	writer        *PartWriter
	containerName string
	logger        *slog.Logger
}

// NewHTTPExecutor creates an HTTPExecutor.
func NewHTTPExecutor(client *sourceclient.Client, writer *PartWriter, containerName string, logger *slog.Logger) *HTTPExecutor {
	return &HTTPExecutor{
		client:        client,
		writer:        writer,
		containerName: containerName,
		logger:        logger.With("component", "taskexec"),
	}
}

// Execute pages tc.ResourceType to completion, writing each page to a part
// file and reporting a checkpoint via sink after every page. It returns
// once the upstream reports no more pages, the context is cancelled, or a
// page fetch fails.
func (e *HTTPExecutor) Execute(ctx context.Context, tc job.TaskContext, sink job.ProgressSink) (job.TaskResult, error) {
	logger := e.logger.With("resource_type", tc.ResourceType)

	continuation := tc.ContinuationToken
	if continuation == job.DrainedToken {
		return job.TaskResult{
			ResourceType:      tc.ResourceType,
			ContinuationToken: job.DrainedToken,
			SearchCount:       tc.SearchCount,
			ProcessedCount:    tc.ProcessedCount,
			SkippedCount:      tc.SkippedCount,
			PartID:            tc.PartID,
			IsCompleted:       true,
		}, nil
	}

	searchCount, processedCount, skippedCount := tc.SearchCount, tc.ProcessedCount, tc.SkippedCount
	partID := tc.PartID

	for {
		if err := ctx.Err(); err != nil {
			return job.TaskResult{}, err
		}

		page, err := e.client.FetchPage(ctx, tc.ResourceType, continuation)
		if err != nil {
			return job.TaskResult{}, fmt.Errorf("fetching page for %s: %w", tc.ResourceType, err)
		}

		if len(page.Records) > 0 {
			if err := e.writer.WritePart(e.containerName, tc.ResourceType, partID, page.Records); err != nil {
				return job.TaskResult{}, fmt.Errorf("writing part for %s: %w", tc.ResourceType, err)
			}
			processedCount += int64(len(page.Records))
			partID++
		} else {
			skippedCount++
		}
		searchCount = page.Total

		continuation = page.NextContinuation
		if !page.HasMore {
			continuation = job.DrainedToken
		}

		checkpoint := job.TaskContext{
			ResourceType:      tc.ResourceType,
			ContinuationToken: continuation,
			SearchCount:       searchCount,
			ProcessedCount:    processedCount,
			SkippedCount:      skippedCount,
			PartID:            partID,
		}
		sink(checkpoint)

		if !page.HasMore {
			logger.Debug("resource type drained", "processed", processedCount, "skipped", skippedCount)
			return job.TaskResult{
				ResourceType:      tc.ResourceType,
				ContinuationToken: job.DrainedToken,
				SearchCount:       searchCount,
				ProcessedCount:    processedCount,
				SkippedCount:      skippedCount,
				PartID:            partID,
				IsCompleted:       true,
			}, nil
		}
	}
}
