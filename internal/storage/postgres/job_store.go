package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/content-ingest/internal/ingest"
)

const jobColumns = `id, job_type, target_key, priority, status, attempt_count, leased_by,
	lease_expires_at, next_attempt_at, created_at, updated_at, last_error`

const defaultListLimit = 100

// JobStore persists crawl jobs in the crawl_jobs table. Leases are claimed
// with FOR UPDATE SKIP LOCKED so concurrent consumers never share a job.
type JobStore struct {
	db    DB
	clock ingest.Clock
	ids   ingest.IDGenerator
}

// NewJobStore constructs a JobStore on db.
func NewJobStore(db DB, clk ingest.Clock, ids ingest.IDGenerator) (*JobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clk == nil || ids == nil {
		return nil, fmt.Errorf("clock and id generator are required")
	}
	return &JobStore{db: db, clock: clk, ids: ids}, nil
}

// CreateJobs bulk-inserts PENDING jobs, skipping targets already in flight.
func (s *JobStore) CreateJobs(ctx context.Context, jobType ingest.JobType, targetKeys []string, priority int) (int, error) {
	if !jobType.Valid() {
		return 0, &ingest.ValidationError{Field: "job_type", Reason: fmt.Sprintf("unknown job type %q", jobType)}
	}
	seen := make(map[string]struct{}, len(targetKeys))
	keys := make([]string, 0, len(targetKeys))
	ids := make([]string, 0, len(targetKeys))
	for _, raw := range targetKeys {
		key := strings.TrimSpace(raw)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		jobID, err := s.ids.NewID()
		if err != nil {
			return 0, fmt.Errorf("create job id: %w", err)
		}
		keys = append(keys, key)
		ids = append(ids, jobID)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	const query = `
INSERT INTO crawl_jobs (id, job_type, target_key, priority, status, next_attempt_at, created_at, updated_at)
SELECT u.id, $1, u.target_key, $2, 'PENDING', $3, $3, $3
FROM unnest($4::text[], $5::text[]) AS u(id, target_key)
ON CONFLICT (job_type, target_key) WHERE status IN ('PENDING', 'LEASED') DO NOTHING`

	tag, err := s.db.Exec(ctx, query, string(jobType), priority, s.clock.Now(), ids, keys)
	if err != nil {
		return 0, fmt.Errorf("insert jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// LeaseJobs claims up to req.Limit eligible jobs ordered by priority then age.
func (s *JobStore) LeaseJobs(ctx context.Context, req ingest.LeaseRequest) ([]ingest.CrawlJob, error) {
	if req.Limit <= 0 {
		return nil, nil
	}
	query := `
UPDATE crawl_jobs
SET status = 'LEASED', leased_by = $1, lease_expires_at = $2, updated_at = $3
WHERE id IN (
	SELECT id FROM crawl_jobs
	WHERE status = 'PENDING' AND next_attempt_at <= $3
	ORDER BY priority, created_at, id
	LIMIT $4
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns

	rows, err := s.db.Query(ctx, query, req.WorkerID, req.Now.Add(req.LeaseFor), req.Now, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("lease jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("lease jobs: %w", err)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority < jobs[j].Priority
		}
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs, nil
}

// MarkDone completes a job held by workerID.
func (s *JobStore) MarkDone(ctx context.Context, jobID, workerID string) error {
	const query = `
UPDATE crawl_jobs
SET status = 'DONE', leased_by = '', lease_expires_at = NULL, last_error = '', updated_at = $3
WHERE id = $1 AND status = 'LEASED' AND leased_by = $2`

	tag, err := s.db.Exec(ctx, query, jobID, workerID, s.clock.Now())
	if err != nil {
		return fmt.Errorf("mark job done: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.leaseError(ctx, jobID)
	}
	return nil
}

// MarkRetry returns a job held by workerID to PENDING after a failed attempt.
func (s *JobStore) MarkRetry(ctx context.Context, jobID, workerID string, nextAttemptAt time.Time, errText string) error {
	const query = `
UPDATE crawl_jobs
SET status = 'PENDING', attempt_count = attempt_count + 1, next_attempt_at = $3, last_error = $4,
	leased_by = '', lease_expires_at = NULL, updated_at = $5
WHERE id = $1 AND status = 'LEASED' AND leased_by = $2`

	tag, err := s.db.Exec(ctx, query, jobID, workerID, nextAttemptAt, errText, s.clock.Now())
	if err != nil {
		return fmt.Errorf("mark job retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.leaseError(ctx, jobID)
	}
	return nil
}

// MarkTerminal moves a job held by workerID to DEAD or FAILED.
func (s *JobStore) MarkTerminal(ctx context.Context, jobID, workerID string, status ingest.JobStatus, errText string) error {
	if status != ingest.JobStatusDead && status != ingest.JobStatusFailed {
		return &ingest.ValidationError{Field: "status", Reason: fmt.Sprintf("%s is not a failure status", status)}
	}
	const query = `
UPDATE crawl_jobs
SET status = $3, attempt_count = attempt_count + 1, last_error = $4,
	leased_by = '', lease_expires_at = NULL, updated_at = $5
WHERE id = $1 AND status = 'LEASED' AND leased_by = $2`

	tag, err := s.db.Exec(ctx, query, jobID, workerID, string(status), errText, s.clock.Now())
	if err != nil {
		return fmt.Errorf("mark job %s: %w", strings.ToLower(string(status)), err)
	}
	if tag.RowsAffected() == 0 {
		return s.leaseError(ctx, jobID)
	}
	return nil
}

// RequeueExpired returns every job whose lease ended at or before now to PENDING.
func (s *JobStore) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	const query = `
UPDATE crawl_jobs
SET status = 'PENDING', leased_by = '', lease_expires_at = NULL, updated_at = $1
WHERE status = 'LEASED' AND lease_expires_at <= $1`

	tag, err := s.db.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("requeue expired leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (ingest.CrawlJob, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM crawl_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return ingest.CrawlJob{}, fmt.Errorf("get job: %w", notFound(err, "job "+jobID))
	}
	return job, nil
}

// ListJobs returns jobs matching filter in creation order.
func (s *JobStore) ListJobs(ctx context.Context, filter ingest.JobFilter) ([]ingest.CrawlJob, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.JobType != "" {
		args = append(args, string(filter.JobType))
		where = append(where, fmt.Sprintf("job_type = $%d", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)

	query := `SELECT ` + jobColumns + ` FROM crawl_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d`, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// RequeueJob gives a DEAD or FAILED job a fresh set of attempts.
func (s *JobStore) RequeueJob(ctx context.Context, jobID string) (ingest.CrawlJob, error) {
	query := `
UPDATE crawl_jobs
SET status = 'PENDING', attempt_count = 0, last_error = '', next_attempt_at = $2, updated_at = $2
WHERE id = $1 AND status IN ('DEAD', 'FAILED')
RETURNING ` + jobColumns

	job, err := scanJob(s.db.QueryRow(ctx, query, jobID, s.clock.Now()))
	switch {
	case err == nil:
		return job, nil
	case pgErrorCode(err) == codeUniqueViolation:
		return ingest.CrawlJob{}, fmt.Errorf("requeue job %s: %w", jobID, ingest.ErrDuplicateJob)
	case !errors.Is(err, pgx.ErrNoRows):
		return ingest.CrawlJob{}, fmt.Errorf("requeue job: %w", err)
	}

	current, err := s.GetJob(ctx, jobID)
	if err != nil {
		return ingest.CrawlJob{}, err
	}
	return ingest.CrawlJob{}, &ingest.ValidationError{
		Field:  "status",
		Reason: fmt.Sprintf("only DEAD or FAILED jobs can be requeued, job is %s", current.Status),
	}
}

// leaseError explains why a guarded transition matched no row.
func (s *JobStore) leaseError(ctx context.Context, jobID string) error {
	var (
		status   string
		leasedBy string
	)
	err := s.db.QueryRow(ctx, `SELECT status, leased_by FROM crawl_jobs WHERE id = $1`, jobID).Scan(&status, &leasedBy)
	if err != nil {
		return fmt.Errorf("check lease: %w", notFound(err, "job "+jobID))
	}
	return fmt.Errorf("job %s held by %q in %s: %w", jobID, leasedBy, status, ingest.ErrLeaseLost)
}

func collectJobs(rows pgx.Rows) ([]ingest.CrawlJob, error) {
	defer rows.Close()
	var jobs []ingest.CrawlJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (ingest.CrawlJob, error) {
	var (
		job     ingest.CrawlJob
		jobType string
		status  string
	)
	err := row.Scan(
		&job.ID,
		&jobType,
		&job.TargetKey,
		&job.Priority,
		&status,
		&job.AttemptCount,
		&job.LeasedBy,
		&job.LeaseExpiresAt,
		&job.NextAttemptAt,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.LastError,
	)
	if err != nil {
		return ingest.CrawlJob{}, err
	}
	job.JobType = ingest.JobType(jobType)
	job.Status = ingest.JobStatus(status)
	return job, nil
}
