package ingest

import (
	"context"
	"io"
	"time"
)

// LeaseRequest asks a JobStore to claim pending work for one worker.
type LeaseRequest struct {
	WorkerID string
	Limit    int
	Now      time.Time
	LeaseFor time.Duration
}

// JobFilter narrows ListJobs results. Zero values match everything.
type JobFilter struct {
	Status  JobStatus
	JobType JobType
	Limit   int
}

// JobStore persists crawl jobs and arbitrates leases between workers.
type JobStore interface {
	// CreateJobs inserts PENDING jobs, skipping targets already in flight, and
	// returns how many rows were created.
	CreateJobs(ctx context.Context, jobType JobType, targetKeys []string, priority int) (int, error)
	// LeaseJobs claims up to req.Limit eligible jobs for req.WorkerID.
	LeaseJobs(ctx context.Context, req LeaseRequest) ([]CrawlJob, error)
	MarkDone(ctx context.Context, jobID, workerID string) error
	// MarkRetry returns a leased job to PENDING, not eligible before nextAttemptAt.
	MarkRetry(ctx context.Context, jobID, workerID string, nextAttemptAt time.Time, errText string) error
	// MarkTerminal moves a leased job to DEAD or FAILED.
	MarkTerminal(ctx context.Context, jobID, workerID string, status JobStatus, errText string) error
	// RequeueExpired returns jobs whose lease expired before now to PENDING.
	RequeueExpired(ctx context.Context, now time.Time) (int, error)
	GetJob(ctx context.Context, jobID string) (CrawlJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]CrawlJob, error)
	// RequeueJob moves a DEAD or FAILED job back to PENDING with its attempts reset.
	RequeueJob(ctx context.Context, jobID string) (CrawlJob, error)
}

// ContentTx exposes the content operations that must run inside one transaction.
type ContentTx interface {
	// FindMasterByDomainTitleYear matches on the normalized title key and release year.
	FindMasterByDomainTitleYear(ctx context.Context, domain Domain, titleKey string, year int) (MasterRecord, error)
	CreateMaster(ctx context.Context, master MasterRecord) error
	FindPlatformByPlatformAndID(ctx context.Context, platformName, platformSpecificID string) (PlatformRecord, error)
	CreateOrUpdatePlatform(ctx context.Context, record PlatformRecord) error
}

// ContentStore persists master and platform records.
type ContentStore interface {
	// InTx runs fn in a transaction committed only when fn returns nil.
	InTx(ctx context.Context, fn func(ctx context.Context, tx ContentTx) error) error
	GetMaster(ctx context.Context, contentID string) (MasterRecord, error)
	ListPlatforms(ctx context.Context, contentID string) ([]PlatformRecord, error)
	// DeleteMaster removes a master record and every platform record it owns.
	DeleteMaster(ctx context.Context, contentID string) error
}

// Fetcher adapts one external source.
type Fetcher interface {
	FetchList(ctx context.Context, sourceKey string) ([]string, error)
	FetchDetail(ctx context.Context, targetKey string) (Payload, error)
}

// RateLimiter gates requests per source.
type RateLimiter interface {
	// Acquire blocks until a slot for sourceKey is free. It fails with
	// ErrThrottled when the acquire deadline elapses first.
	Acquire(ctx context.Context, sourceKey string) error
}

// BlobStore persists opaque artifacts such as dead-lettered payloads.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher emits events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher produces content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}
