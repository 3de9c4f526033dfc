package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/content-ingest/internal/clock"
	"github.com/JakeFAU/content-ingest/internal/id"
	"github.com/JakeFAU/content-ingest/internal/ingest"
)

const defaultListLimit = 100

type targetKey struct {
	jobType ingest.JobType
	target  string
}

type jobRow struct {
	job ingest.CrawlJob
	seq int64
}

// JobStore provides an in-memory job queue for development and tests.
// Every transition is a compare-and-set under one mutex, so a job is never
// leased by two workers at once.
type JobStore struct {
	mu       sync.Mutex
	clock    ingest.Clock
	ids      ingest.IDGenerator
	seq      int64
	jobs     map[string]*jobRow
	inFlight map[targetKey]string
}

// NewJobStore constructs a JobStore. Nil dependencies fall back to the system
// clock and UUIDv7 identifiers.
func NewJobStore(clk ingest.Clock, ids ingest.IDGenerator) *JobStore {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if ids == nil {
		ids = id.NewUUIDGenerator()
	}
	return &JobStore{
		clock:    clk,
		ids:      ids,
		jobs:     make(map[string]*jobRow),
		inFlight: make(map[targetKey]string),
	}
}

// CreateJobs inserts PENDING jobs for keys not already in flight.
func (s *JobStore) CreateJobs(_ context.Context, jobType ingest.JobType, targetKeys []string, priority int) (int, error) {
	if !jobType.Valid() {
		return 0, &ingest.ValidationError{Field: "job_type", Reason: fmt.Sprintf("unknown job type %q", jobType)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	created := 0
	for _, raw := range targetKeys {
		key := strings.TrimSpace(raw)
		if key == "" {
			continue
		}
		tk := targetKey{jobType: jobType, target: key}
		if _, busy := s.inFlight[tk]; busy {
			continue
		}
		jobID, err := s.ids.NewID()
		if err != nil {
			return created, fmt.Errorf("create job id: %w", err)
		}
		s.seq++
		s.jobs[jobID] = &jobRow{
			seq: s.seq,
			job: ingest.CrawlJob{
				ID:            jobID,
				JobType:       jobType,
				TargetKey:     key,
				Priority:      priority,
				Status:        ingest.JobStatusPending,
				NextAttemptAt: now,
				CreatedAt:     now,
				UpdatedAt:     now,
			},
		}
		s.inFlight[tk] = jobID
		created++
	}
	return created, nil
}

// LeaseJobs claims up to req.Limit eligible jobs ordered by priority then age.
func (s *JobStore) LeaseJobs(_ context.Context, req ingest.LeaseRequest) ([]ingest.CrawlJob, error) {
	if req.Limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*jobRow
	for _, row := range s.jobs {
		if row.job.Status == ingest.JobStatusPending && !row.job.NextAttemptAt.After(req.Now) {
			eligible = append(eligible, row)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].job.Priority != eligible[j].job.Priority {
			return eligible[i].job.Priority < eligible[j].job.Priority
		}
		return eligible[i].seq < eligible[j].seq
	})
	if len(eligible) > req.Limit {
		eligible = eligible[:req.Limit]
	}

	expires := req.Now.Add(req.LeaseFor)
	out := make([]ingest.CrawlJob, 0, len(eligible))
	for _, row := range eligible {
		row.job.Status = ingest.JobStatusLeased
		row.job.LeasedBy = req.WorkerID
		row.job.LeaseExpiresAt = &expires
		row.job.UpdatedAt = req.Now
		out = append(out, copyJob(row.job))
	}
	return out, nil
}

// MarkDone completes a job held by workerID.
func (s *JobStore) MarkDone(_ context.Context, jobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.leased(jobID, workerID)
	if err != nil {
		return err
	}
	s.finish(row, ingest.JobStatusDone, "")
	return nil
}

// MarkRetry returns a job held by workerID to PENDING after a failed attempt.
func (s *JobStore) MarkRetry(_ context.Context, jobID, workerID string, nextAttemptAt time.Time, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.leased(jobID, workerID)
	if err != nil {
		return err
	}
	row.job.Status = ingest.JobStatusPending
	row.job.AttemptCount++
	row.job.NextAttemptAt = nextAttemptAt
	row.job.LastError = errText
	row.job.LeasedBy = ""
	row.job.LeaseExpiresAt = nil
	row.job.UpdatedAt = s.clock.Now()
	return nil
}

// MarkTerminal moves a job held by workerID to DEAD or FAILED.
func (s *JobStore) MarkTerminal(_ context.Context, jobID, workerID string, status ingest.JobStatus, errText string) error {
	if status != ingest.JobStatusDead && status != ingest.JobStatusFailed {
		return &ingest.ValidationError{Field: "status", Reason: fmt.Sprintf("%s is not a failure status", status)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.leased(jobID, workerID)
	if err != nil {
		return err
	}
	row.job.AttemptCount++
	s.finish(row, status, errText)
	return nil
}

// RequeueExpired returns every job whose lease ended at or before now to PENDING.
func (s *JobStore) RequeueExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, row := range s.jobs {
		if row.job.Status != ingest.JobStatusLeased || row.job.LeaseExpiresAt == nil {
			continue
		}
		if row.job.LeaseExpiresAt.After(now) {
			continue
		}
		row.job.Status = ingest.JobStatusPending
		row.job.LeasedBy = ""
		row.job.LeaseExpiresAt = nil
		row.job.UpdatedAt = now
		n++
	}
	return n, nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (ingest.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.jobs[jobID]
	if !ok {
		return ingest.CrawlJob{}, fmt.Errorf("job %s: %w", jobID, ingest.ErrNotFound)
	}
	return copyJob(row.job), nil
}

// ListJobs returns jobs matching filter in creation order.
func (s *JobStore) ListJobs(_ context.Context, filter ingest.JobFilter) ([]ingest.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows := make([]*jobRow, 0, len(s.jobs))
	for _, row := range s.jobs {
		if filter.Status != "" && row.job.Status != filter.Status {
			continue
		}
		if filter.JobType != "" && row.job.JobType != filter.JobType {
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	if len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]ingest.CrawlJob, 0, len(rows))
	for _, row := range rows {
		out = append(out, copyJob(row.job))
	}
	return out, nil
}

// RequeueJob gives a DEAD or FAILED job a fresh set of attempts.
func (s *JobStore) RequeueJob(_ context.Context, jobID string) (ingest.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.jobs[jobID]
	if !ok {
		return ingest.CrawlJob{}, fmt.Errorf("job %s: %w", jobID, ingest.ErrNotFound)
	}
	if row.job.Status != ingest.JobStatusDead && row.job.Status != ingest.JobStatusFailed {
		return ingest.CrawlJob{}, &ingest.ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("only DEAD or FAILED jobs can be requeued, job is %s", row.job.Status),
		}
	}
	tk := targetKey{jobType: row.job.JobType, target: row.job.TargetKey}
	if other, busy := s.inFlight[tk]; busy {
		return ingest.CrawlJob{}, fmt.Errorf("requeue job %s: target held by %s: %w", jobID, other, ingest.ErrDuplicateJob)
	}
	now := s.clock.Now()
	row.job.Status = ingest.JobStatusPending
	row.job.AttemptCount = 0
	row.job.LastError = ""
	row.job.NextAttemptAt = now
	row.job.UpdatedAt = now
	s.inFlight[tk] = jobID
	return copyJob(row.job), nil
}

// leased returns the row for jobID if workerID still holds its lease.
func (s *JobStore) leased(jobID, workerID string) (*jobRow, error) {
	row, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ingest.ErrNotFound)
	}
	if row.job.Status != ingest.JobStatusLeased || row.job.LeasedBy != workerID {
		return nil, fmt.Errorf("job %s held by %q in %s: %w", jobID, row.job.LeasedBy, row.job.Status, ingest.ErrLeaseLost)
	}
	return row, nil
}

func (s *JobStore) finish(row *jobRow, status ingest.JobStatus, errText string) {
	row.job.Status = status
	row.job.LastError = errText
	row.job.LeasedBy = ""
	row.job.LeaseExpiresAt = nil
	row.job.UpdatedAt = s.clock.Now()
	delete(s.inFlight, targetKey{jobType: row.job.JobType, target: row.job.TargetKey})
}

func copyJob(job ingest.CrawlJob) ingest.CrawlJob {
	if job.LeaseExpiresAt != nil {
		ts := *job.LeaseExpiresAt
		job.LeaseExpiresAt = &ts
	}
	return job
}
