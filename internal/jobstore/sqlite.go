// Package jobstore provides job.Store implementations: SQLiteStore for
// local and development use, S3Store for production, and MemoryStore for
// tests.
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/me/fhirsync/pkg/job"
)

// jobPayload is the JSON shape persisted in each job table's payload
// column; it carries every Job field except id/created_at, which get their
// own indexed columns.
type jobPayload struct {
	ContainerName           string            `json:"container_name"`
	Status                  job.Status        `json:"status"`
	ResourceTypes           []string          `json:"resource_types"`
	DataPeriod              job.DataPeriod    `json:"data_period"`
	CompletedResources      map[string]bool   `json:"completed_resources"`
	ResourceProgresses      map[string]string `json:"resource_progresses"`
	TotalResourceCounts     map[string]int64  `json:"total_resource_counts"`
	ProcessedResourceCounts map[string]int64  `json:"processed_resource_counts"`
	SkippedResourceCounts   map[string]int64  `json:"skipped_resource_counts"`
	PartIDs                 map[string]int    `json:"part_ids"`
	FailedReason            string            `json:"failed_reason"`
}

func toPayload(j *job.Job) jobPayload {
	return jobPayload{
		ContainerName:           j.ContainerName,
		Status:                  j.Status,
		ResourceTypes:           j.ResourceTypes,
		DataPeriod:              j.DataPeriod,
		CompletedResources:      j.CompletedResources,
		ResourceProgresses:      j.ResourceProgresses,
		TotalResourceCounts:     j.TotalResourceCounts,
		ProcessedResourceCounts: j.ProcessedResourceCounts,
		SkippedResourceCounts:   j.SkippedResourceCounts,
		PartIDs:                 j.PartIDs,
		FailedReason:            j.FailedReason,
	}
}

func (p jobPayload) toJob(id string, createdAt time.Time) *job.Job {
	return &job.Job{
		ID:                      id,
		ContainerName:           p.ContainerName,
		Status:                  p.Status,
		ResourceTypes:           p.ResourceTypes,
		DataPeriod:              p.DataPeriod,
		CreatedAt:               createdAt,
		CompletedResources:      p.CompletedResources,
		ResourceProgresses:      p.ResourceProgresses,
		TotalResourceCounts:     p.TotalResourceCounts,
		ProcessedResourceCounts: p.ProcessedResourceCounts,
		SkippedResourceCounts:   p.SkippedResourceCounts,
		PartIDs:                 p.PartIDs,
		FailedReason:            p.FailedReason,
	}
}

// SQLiteStore implements job.Store over a local SQLite database, for
// single-process development and integration tests.
type SQLiteStore struct {
	db       *sql.DB
	holderID string
	leaseTTL time.Duration
	logger   *slog.Logger
}

// OpenSQLiteStore opens (creating if necessary) the database at path in
// WAL mode and applies the schema.
func OpenSQLiteStore(path, holderID string, leaseTTL time.Duration, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &SQLiteStore{
		db:       db,
		holderID: holderID,
		leaseTTL: leaseTTL,
		logger:   logger.With("component", "jobstore.sqlite"),
	}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) AcquireLease(ctx context.Context) (bool, error) {
	now := time.Now().UTC()

	var holder string
	var expiresAt string
	err := s.db.QueryRowContext(ctx, `SELECT holder_id, expires_at FROM scheduler_lease WHERE id = 1`).Scan(&holder, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// no lease row yet, fall through to claim it
	case err != nil:
		return false, fmt.Errorf("%w: reading lease: %v", job.ErrStoreUnavailable, err)
	default:
		expiry, parseErr := time.Parse(time.RFC3339Nano, expiresAt)
		if parseErr == nil && holder != s.holderID && now.Before(expiry) {
			return false, nil
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduler_lease (id, holder_id, expires_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET holder_id = excluded.holder_id, expires_at = excluded.expires_at`,
		s.holderID, now.Add(s.leaseTTL).Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("%w: claiming lease: %v", job.ErrStoreUnavailable, err)
	}
	return true, nil
}

func (s *SQLiteStore) RenewLease(ctx context.Context) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduler_lease SET expires_at = ? WHERE id = 1 AND holder_id = ?`,
		time.Now().UTC().Add(s.leaseTTL).Format(time.RFC3339Nano), s.holderID)
	if err != nil {
		return false, fmt.Errorf("%w: renewing lease: %v", job.ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: checking renew result: %v", job.ErrStoreUnavailable, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduler_lease WHERE id = 1 AND holder_id = ?`, s.holderID)
	if err != nil {
		return fmt.Errorf("%w: releasing lease: %v", job.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) GetSchedulerMetadata(ctx context.Context) (*job.SchedulerMetadata, error) {
	var ts string
	err := s.db.QueryRowContext(ctx, `SELECT last_scheduled_timestamp FROM scheduler_metadata WHERE id = 1`).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading scheduler metadata: %v", job.ErrStoreUnavailable, err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parsing watermark: %w", err)
	}
	return &job.SchedulerMetadata{LastScheduledTimestamp: parsed}, nil
}

func (s *SQLiteStore) GetActiveJobs(ctx context.Context) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, created_at, payload FROM active_jobs ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: querying active jobs: %v", job.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		var id, createdAtStr, payloadStr string
		if err := rows.Scan(&id, &createdAtStr, &payloadStr); err != nil {
			return nil, fmt.Errorf("scanning active job row: %w", err)
		}
		j, err := decodeJobRow(id, createdAtStr, payloadStr)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func decodeJobRow(id, createdAtStr, payloadStr string) (*job.Job, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", id, err)
	}
	var p jobPayload
	if err := json.Unmarshal([]byte(payloadStr), &p); err != nil {
		return nil, fmt.Errorf("unmarshaling payload for job %s: %w", id, err)
	}
	return p.toJob(id, createdAt), nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, j *job.Job) error {
	payload, err := json.Marshal(toPayload(j))
	if err != nil {
		return fmt.Errorf("marshaling job payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO active_jobs (id, created_at, payload) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
		j.ID, j.CreatedAt.UTC().Format(time.RFC3339Nano), payload)
	if err != nil {
		return fmt.Errorf("%w: updating job %s: %v", job.ErrStoreUnavailable, j.ID, err)
	}
	return nil
}

// CompleteJob moves j from active_jobs into completed_jobs or failed_jobs
// by Status. INSERT OR IGNORE makes the archive write idempotent; deleting
// from active_jobs is likewise a no-op if already deleted.
func (s *SQLiteStore) CompleteJob(ctx context.Context, j *job.Job) error {
	payload, err := json.Marshal(toPayload(j))
	if err != nil {
		return fmt.Errorf("marshaling job payload: %w", err)
	}

	table := "completed_jobs"
	if j.Status == job.StatusFailed {
		table = "failed_jobs"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning complete transaction: %v", job.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT OR IGNORE INTO %s (id, created_at, payload) VALUES (?, ?, ?)`, table),
		j.ID, j.CreatedAt.UTC().Format(time.RFC3339Nano), payload); err != nil {
		return fmt.Errorf("%w: archiving job %s: %v", job.ErrStoreUnavailable, j.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM active_jobs WHERE id = ?`, j.ID); err != nil {
		return fmt.Errorf("%w: removing job %s from active: %v", job.ErrStoreUnavailable, j.ID, err)
	}

	return tx.Commit()
}

// CommitJobData advances the watermark to j.DataPeriod.End if it is later
// than the current value. The WHERE clause makes the update a no-op on
// re-invocation after a crash between this call and CompleteJob.
func (s *SQLiteStore) CommitJobData(ctx context.Context, j *job.Job) error {
	end := j.DataPeriod.End.UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning commit transaction: %v", job.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE scheduler_metadata SET last_scheduled_timestamp = ?
		WHERE id = 1 AND last_scheduled_timestamp < ?`, end, end)
	if err != nil {
		return fmt.Errorf("%w: advancing watermark: %v", job.ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: checking watermark update: %v", job.ErrStoreUnavailable, err)
	}
	if n == 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO scheduler_metadata (id, last_scheduled_timestamp) VALUES (1, ?)`, end); err != nil {
			return fmt.Errorf("%w: seeding watermark: %v", job.ErrStoreUnavailable, err)
		}
	}

	return tx.Commit()
}
