package jobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"github.com/me/fhirsync/pkg/job"
)

// s3API is the subset of *s3.Client that S3Store exercises, narrowed for
// testability.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store implements job.Store over an S3 bucket, namespaced under
// containerName. Active jobs live under active/, archived jobs under
// completed/ or failed/, and the watermark and lease live under
// scheduler/metadata and scheduler/lease. The lease and the archive write
// in CompleteJob both rely on S3's conditional-write headers rather than a
// transaction, since S3 has none.
type S3Store struct {
	client        s3API
	bucket        string
	containerName string
	holderID      string
	leaseTTL      time.Duration
	logger        *slog.Logger
}

// NewS3Store creates an S3Store. client is typically *s3.Client built from
// aws-sdk-go-v2/config.LoadDefaultConfig.
func NewS3Store(client s3API, bucket, containerName, holderID string, leaseTTL time.Duration, logger *slog.Logger) *S3Store {
	return &S3Store{
		client:        client,
		bucket:        bucket,
		containerName: containerName,
		holderID:      holderID,
		leaseTTL:      leaseTTL,
		logger:        logger.With("component", "jobstore.s3"),
	}
}

func (s *S3Store) key(parts ...string) string {
	key := s.containerName
	for _, p := range parts {
		key += "/" + p
	}
	return key
}

type leaseBlob struct {
	HolderID  string    `json:"holder_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *S3Store) leaseKey() string { return s.key("scheduler", "lease") }

func (s *S3Store) AcquireLease(ctx context.Context) (bool, error) {
	now := time.Now().UTC()

	existing, etag, err := s.getLease(ctx)
	if err != nil {
		return false, err
	}

	if existing == nil {
		return s.putLease(ctx, now, aws.String("*"), nil)
	}
	if existing.HolderID == s.holderID || now.After(existing.ExpiresAt) {
		return s.putLease(ctx, now, nil, etag)
	}
	return false, nil
}

func (s *S3Store) RenewLease(ctx context.Context) (bool, error) {
	existing, etag, err := s.getLease(ctx)
	if err != nil {
		return false, err
	}
	if existing == nil || existing.HolderID != s.holderID {
		return false, nil
	}
	return s.putLease(ctx, time.Now().UTC(), nil, etag)
}

func (s *S3Store) putLease(ctx context.Context, now time.Time, ifNoneMatch, ifMatch *string) (bool, error) {
	body, err := json.Marshal(leaseBlob{HolderID: s.holderID, ExpiresAt: now.Add(s.leaseTTL)})
	if err != nil {
		return false, fmt.Errorf("marshaling lease: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.leaseKey()),
		Body:   bytes.NewReader(body),
	}
	if ifNoneMatch != nil {
		input.IfNoneMatch = ifNoneMatch
	}
	if ifMatch != nil {
		input.IfMatch = ifMatch
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		if isPreconditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: writing lease: %v", job.ErrStoreUnavailable, err)
	}
	return true, nil
}

func (s *S3Store) getLease(ctx context.Context) (*leaseBlob, *string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.leaseKey())})
	if err != nil {
		if isNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("%w: reading lease: %v", job.ErrStoreUnavailable, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading lease body: %w", err)
	}
	var blob leaseBlob
	if err := json.Unmarshal(body, &blob); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling lease: %w", err)
	}
	return &blob, out.ETag, nil
}

func (s *S3Store) ReleaseLease(ctx context.Context) error {
	existing, _, err := s.getLease(ctx)
	if err != nil {
		return err
	}
	if existing == nil || existing.HolderID != s.holderID {
		return nil
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.leaseKey())})
	if err != nil {
		return fmt.Errorf("%w: releasing lease: %v", job.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *S3Store) metadataKey() string { return s.key("scheduler", "metadata") }

func (s *S3Store) GetSchedulerMetadata(ctx context.Context) (*job.SchedulerMetadata, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.metadataKey())})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: reading scheduler metadata: %v", job.ErrStoreUnavailable, err)
	}
	defer out.Body.Close()

	var meta job.SchedulerMetadata
	if err := json.NewDecoder(out.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("unmarshaling scheduler metadata: %w", err)
	}
	return &meta, nil
}

// CommitJobData advances the watermark via a read-then-conditional-write
// loop keyed on the object's ETag, retrying once on a lost race; the lease
// guarantees only one job runs at a time, so contention here comes solely
// from a crash-retry of the same job, and the monotonicity check makes that
// retry a no-op.
func (s *S3Store) CommitJobData(ctx context.Context, j *job.Job) error {
	for attempt := 0; attempt < 2; attempt++ {
		current, etag, err := s.getMetadataWithETag(ctx)
		if err != nil {
			return err
		}
		if current != nil && !j.DataPeriod.End.After(current.LastScheduledTimestamp) {
			return nil
		}

		body, err := json.Marshal(job.SchedulerMetadata{LastScheduledTimestamp: j.DataPeriod.End})
		if err != nil {
			return fmt.Errorf("marshaling scheduler metadata: %w", err)
		}

		input := &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.metadataKey()),
			Body:   bytes.NewReader(body),
		}
		if etag != nil {
			input.IfMatch = etag
		} else {
			input.IfNoneMatch = aws.String("*")
		}

		if _, err := s.client.PutObject(ctx, input); err != nil {
			if isPreconditionFailed(err) {
				continue
			}
			return fmt.Errorf("%w: writing scheduler metadata: %v", job.ErrStoreUnavailable, err)
		}
		return nil
	}
	return fmt.Errorf("%w: commit job data: lost race on scheduler metadata", job.ErrStoreUnavailable)
}

func (s *S3Store) getMetadataWithETag(ctx context.Context) (*job.SchedulerMetadata, *string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.metadataKey())})
	if err != nil {
		if isNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("%w: reading scheduler metadata: %v", job.ErrStoreUnavailable, err)
	}
	defer out.Body.Close()

	var meta job.SchedulerMetadata
	if err := json.NewDecoder(out.Body).Decode(&meta); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling scheduler metadata: %w", err)
	}
	return &meta, out.ETag, nil
}

func (s *S3Store) activePrefix() string { return s.key("active") + "/" }

func (s *S3Store) activeKey(id string) string { return s.key("active", id+".json") }

func (s *S3Store) GetActiveJobs(ctx context.Context) ([]*job.Job, error) {
	var jobs []*job.Job
	var continuationToken *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.activePrefix()),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: listing active jobs: %v", job.ErrStoreUnavailable, err)
		}

		for _, obj := range out.Contents {
			j, err := s.getJob(ctx, aws.ToString(obj.Key))
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, j)
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuationToken = out.NextContinuationToken
	}

	sortJobsByCreatedAt(jobs)
	return jobs, nil
}

func (s *S3Store) getJob(ctx context.Context, key string) (*job.Job, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("%w: reading job object %s: %v", job.ErrStoreUnavailable, key, err)
	}
	defer out.Body.Close()

	var record struct {
		ID        string     `json:"id"`
		CreatedAt time.Time  `json:"created_at"`
		Payload   jobPayload `json:"payload"`
	}
	if err := json.NewDecoder(out.Body).Decode(&record); err != nil {
		return nil, fmt.Errorf("unmarshaling job object %s: %w", key, err)
	}
	return record.Payload.toJob(record.ID, record.CreatedAt), nil
}

func (s *S3Store) UpdateJob(ctx context.Context, j *job.Job) error {
	body, err := encodeJobRecord(j)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.activeKey(j.ID)),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("%w: updating job %s: %v", job.ErrStoreUnavailable, j.ID, err)
	}
	return nil
}

// CompleteJob writes j to completed/ or failed/ with If-None-Match: * so a
// crash-retry of the same archive write is a silent no-op, then deletes the
// active/ object. DeleteObject on a missing key succeeds, so re-running the
// delete after a crash between the two steps is also a no-op.
func (s *S3Store) CompleteJob(ctx context.Context, j *job.Job) error {
	body, err := encodeJobRecord(j)
	if err != nil {
		return err
	}

	archivePrefix := "completed"
	if j.Status == job.StatusFailed {
		archivePrefix = "failed"
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(archivePrefix, j.ID+".json")),
		Body:        bytes.NewReader(body),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil && !isPreconditionFailed(err) {
		return fmt.Errorf("%w: archiving job %s: %v", job.ErrStoreUnavailable, j.ID, err)
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.activeKey(j.ID))})
	if err != nil {
		return fmt.Errorf("%w: removing job %s from active: %v", job.ErrStoreUnavailable, j.ID, err)
	}
	return nil
}

func (s *S3Store) Close() error { return nil }

func encodeJobRecord(j *job.Job) ([]byte, error) {
	record := struct {
		ID        string     `json:"id"`
		CreatedAt time.Time  `json:"created_at"`
		Payload   jobPayload `json:"payload"`
	}{ID: j.ID, CreatedAt: j.CreatedAt, Payload: toPayload(j)}

	body, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshaling job %s: %w", j.ID, err)
	}
	return body, nil
}

func sortJobsByCreatedAt(jobs []*job.Job) {
	for i := 1; i < len(jobs); i++ {
		for k := i; k > 0 && jobs[k-1].CreatedAt.After(jobs[k].CreatedAt); k-- {
			jobs[k-1], jobs[k] = jobs[k], jobs[k-1]
		}
	}
}

func isNotFound(err error) bool {
	var nf *types.NoSuchKey
	if errors.As(err, &nf) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "PreconditionFailed" || code == "ConditionalRequestConflict"
	}
	return false
}
