// Package producer discovers target keys from sources and turns them into
// crawl jobs, on demand or on a cron schedule.
package producer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/content-ingest/internal/ingest"
	"github.com/JakeFAU/content-ingest/internal/metrics"
)

const defaultBatchSize = 500

// Run outcomes recorded in metrics.
const (
	outcomeOK    = "ok"
	outcomeEmpty = "empty"
	outcomeError = "error"
)

// Config controls how listed keys are inserted.
type Config struct {
	// BatchSize caps the keys passed to one CreateJobs call.
	BatchSize int
}

// Result summarizes one producer run.
type Result struct {
	JobType ingest.JobType `json:"job_type"`
	Listed  int            `json:"listed"`
	Created int            `json:"created"`
}

// Producer lists targets through a job type's fetcher and enqueues them.
type Producer struct {
	store    ingest.JobStore
	fetchers map[ingest.JobType]ingest.Fetcher
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Producer.
func New(store ingest.JobStore, fetchers map[ingest.JobType]ingest.Fetcher, cfg Config, logger *zap.Logger) *Producer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		store:    store,
		fetchers: fetchers,
		cfg:      cfg,
		logger:   logger,
	}
}

// Produce lists the current targets of jobType and creates a job for every
// key not already in flight. List failures are returned without retry; the
// next scheduled run tries again.
func (p *Producer) Produce(ctx context.Context, jobType ingest.JobType, priority int) (Result, error) {
	res := Result{JobType: jobType}
	info, ok := jobType.Info()
	if !ok {
		return res, &ingest.ValidationError{Field: "job_type", Reason: fmt.Sprintf("unknown job type %q", jobType)}
	}
	fetcher, ok := p.fetchers[jobType]
	if !ok {
		metrics.ObserveProducerRun(string(jobType), outcomeError)
		return res, fmt.Errorf("%w: no fetcher for %s", ingest.ErrConfiguration, jobType)
	}
	logger := p.logger.With(zap.String("job_type", string(jobType)), zap.String("source", info.Source))

	keys, err := fetcher.FetchList(ctx, info.Source)
	if err != nil {
		metrics.ObserveProducerRun(string(jobType), outcomeError)
		logger.Error("list targets failed", zap.Error(err))
		return res, fmt.Errorf("list %s targets: %w", jobType, err)
	}
	res.Listed = len(keys)
	if len(keys) == 0 {
		metrics.ObserveProducerRun(string(jobType), outcomeEmpty)
		logger.Info("source listed no targets")
		return res, nil
	}

	for start := 0; start < len(keys); start += p.cfg.BatchSize {
		end := min(start+p.cfg.BatchSize, len(keys))
		created, err := p.store.CreateJobs(ctx, jobType, keys[start:end], priority)
		res.Created += created
		if err != nil {
			metrics.ObserveJobsCreated(string(jobType), res.Created)
			metrics.ObserveProducerRun(string(jobType), outcomeError)
			logger.Error("create jobs failed", zap.Int("created", res.Created), zap.Error(err))
			return res, fmt.Errorf("create %s jobs: %w", jobType, err)
		}
	}
	metrics.ObserveJobsCreated(string(jobType), res.Created)
	metrics.ObserveProducerRun(string(jobType), outcomeOK)
	logger.Info("producer run complete",
		zap.Int("listed", res.Listed),
		zap.Int("created", res.Created),
		zap.Int("skipped", res.Listed-res.Created),
	)
	return res, nil
}

// Enqueue creates jobs for explicit target keys.
func (p *Producer) Enqueue(ctx context.Context, jobType ingest.JobType, keys []string, priority int) (int, error) {
	if !jobType.Valid() {
		return 0, &ingest.ValidationError{Field: "job_type", Reason: fmt.Sprintf("unknown job type %q", jobType)}
	}
	if len(keys) == 0 {
		return 0, &ingest.ValidationError{Field: "target_keys", Reason: "at least one key is required"}
	}
	created, err := p.store.CreateJobs(ctx, jobType, keys, priority)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s jobs: %w", jobType, err)
	}
	metrics.ObserveJobsCreated(string(jobType), created)
	p.logger.Info("jobs enqueued",
		zap.String("job_type", string(jobType)),
		zap.Int("requested", len(keys)),
		zap.Int("created", created),
	)
	return created, nil
}
