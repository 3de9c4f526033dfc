// Package worker implements the consumer loop that turns leased crawl jobs into
// upserted content.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/content-ingest/internal/identity"
	"github.com/JakeFAU/content-ingest/internal/ingest"
	"github.com/JakeFAU/content-ingest/internal/metrics"
	"github.com/JakeFAU/content-ingest/internal/normalize"
	"github.com/JakeFAU/content-ingest/internal/rules"
)

// Job outcomes recorded in metrics.
const (
	OutcomeDone    = "done"
	OutcomeRetry   = "retry"
	OutcomeDead    = "dead"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// RuleSource resolves the mapping rule for a platform and domain.
type RuleSource interface {
	Lookup(platform string, domain ingest.Domain) (rules.MappingRule, error)
}

// Transformer maps a normalized payload into canonical records.
type Transformer interface {
	Transform(payload ingest.Payload, rule rules.MappingRule) (ingest.MasterRecord, ingest.PlatformRecord, error)
}

// Upserter writes canonical records.
type Upserter interface {
	Upsert(ctx context.Context, req identity.UpsertRequest) (identity.Result, error)
}

// Archiver keeps payloads that failed validation.
type Archiver interface {
	Archive(ctx context.Context, job ingest.CrawlJob, payload ingest.Payload, cause error) (string, error)
}

// Config controls Worker behavior.
type Config struct {
	WorkerID     string
	BatchSize    int
	PollInterval time.Duration
	LeaseTimeout time.Duration
	FetchTimeout time.Duration
	// EventTopic receives a ContentEvent after every successful upsert.
	EventTopic string
	Retry      RetryPolicy
}

// Deps carries the collaborators of a Worker. Archiver and Publisher are optional.
type Deps struct {
	Store       ingest.JobStore
	Fetchers    map[ingest.JobType]ingest.Fetcher
	Rules       RuleSource
	Transformer Transformer
	Limiter     ingest.RateLimiter
	Upserter    Upserter
	Archiver    Archiver
	Publisher   ingest.Publisher
	Clock       ingest.Clock
}

// Worker leases batches of jobs and processes them one at a time.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("job store is required")
	case deps.Rules == nil || deps.Transformer == nil:
		return nil, fmt.Errorf("rules and transformer are required")
	case deps.Limiter == nil:
		return nil, fmt.Errorf("rate limiter is required")
	case deps.Upserter == nil:
		return nil, fmt.Errorf("upserter is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	case cfg.WorkerID == "":
		return nil, fmt.Errorf("worker id is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 5 * time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(zap.String("worker_id", cfg.WorkerID)),
		tracer: otel.Tracer("github.com/JakeFAU/content-ingest/internal/worker"),
	}, nil
}

// ID returns the lease owner name of this worker.
func (w *Worker) ID() string {
	return w.cfg.WorkerID
}

// Run polls for work until ctx is cancelled. A full batch triggers an
// immediate re-poll; otherwise the worker waits for the next tick.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := w.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			w.logger.Error("poll failed", zap.Error(err))
		} else if n >= w.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce leases one batch and processes every job in it. It returns the
// number of jobs leased. Jobs left unprocessed after ctx is cancelled keep
// their lease until the sweeper returns them to the queue.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.deps.Store.LeaseJobs(ctx, ingest.LeaseRequest{
		WorkerID: w.cfg.WorkerID,
		Limit:    w.cfg.BatchSize,
		Now:      w.deps.Clock.Now(),
		LeaseFor: w.cfg.LeaseTimeout,
	})
	if err != nil {
		return 0, fmt.Errorf("lease jobs: %w", err)
	}
	metrics.ObserveLeased(len(jobs))
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if now := w.deps.Clock.Now(); job.LeaseExpiresAt != nil && !job.LeaseExpiresAt.After(now) {
			// The sweeper may already have handed the job to another worker.
			w.logger.Warn("lease expired before processing, skipping job",
				zap.String("job_id", job.ID),
				zap.String("target_key", job.TargetKey),
				zap.Time("lease_expires_at", *job.LeaseExpiresAt),
			)
			metrics.ObserveJob(string(job.JobType), OutcomeSkipped, 0)
			continue
		}
		w.process(ctx, job)
	}
	return len(jobs), nil
}

func (w *Worker) process(ctx context.Context, job ingest.CrawlJob) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	start := time.Now()

	ctx, span := w.tracer.Start(ctx, "ingest.job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.JobType)),
		attribute.String("job.target_key", job.TargetKey),
		attribute.Int("job.attempt", job.AttemptCount+1),
	))
	defer span.End()

	logger := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.JobType)),
		zap.String("target_key", job.TargetKey),
		zap.Int("attempt", job.AttemptCount+1),
	)

	res, payload, err := w.execute(ctx, job, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if err != nil && ctx.Err() != nil {
		logger.Info("shutdown during job, leaving lease to expire", zap.Error(err))
		return
	}
	outcome := w.settle(ctx, job, payload, err, logger)
	metrics.ObserveJob(string(job.JobType), outcome, time.Since(start))
	if outcome == OutcomeDone {
		span.SetAttributes(attribute.String("content.id", res.ContentID))
		logger.Info("job done",
			zap.String("content_id", res.ContentID),
			zap.String("upsert", res.Outcome),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// execute runs the pipeline for one job. It returns the raw payload whenever
// one was fetched so validation failures can be archived.
func (w *Worker) execute(ctx context.Context, job ingest.CrawlJob, logger *zap.Logger) (res identity.Result, payload ingest.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	info, ok := job.JobType.Info()
	if !ok {
		return res, nil, fmt.Errorf("%w: unknown job type %s", ingest.ErrConfiguration, job.JobType)
	}
	fetcher, ok := w.deps.Fetchers[job.JobType]
	if !ok {
		return res, nil, fmt.Errorf("%w: no fetcher for %s", ingest.ErrConfiguration, job.JobType)
	}
	rule, err := w.deps.Rules.Lookup(info.Platform, info.Domain)
	if err != nil {
		return res, nil, fmt.Errorf("lookup rule: %w", err)
	}

	if err := w.deps.Limiter.Acquire(ctx, info.Source); err != nil {
		return res, nil, fmt.Errorf("acquire %s: %w", info.Source, err)
	}
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	payload, err = fetcher.FetchDetail(fetchCtx, job.TargetKey)
	cancel()
	if err != nil {
		return res, nil, err
	}

	master, platform, err := w.deps.Transformer.Transform(normalize.Payload(payload, rule.Flatten), rule)
	if err != nil {
		return res, payload, fmt.Errorf("transform with %s: %w", rule.ID(), err)
	}
	platform.PlatformName = info.Platform
	specificID := platform.PlatformSpecificID
	if specificID == "" {
		specificID = job.TargetKey
	}
	url := platform.URL
	if url == "" && info.URLTemplate != "" {
		url = fmt.Sprintf(info.URLTemplate, specificID)
	}

	res, err = w.deps.Upserter.Upsert(ctx, identity.UpsertRequest{
		Domain:             info.Domain,
		Master:             master,
		Platform:           platform,
		PlatformSpecificID: specificID,
		URL:                url,
	})
	if err != nil {
		return res, payload, fmt.Errorf("upsert: %w", err)
	}
	w.publish(ctx, job, info, specificID, res, logger)
	return res, payload, nil
}

// publish emits the content event. Failures are logged and never fail the job.
func (w *Worker) publish(ctx context.Context, job ingest.CrawlJob, info ingest.JobTypeInfo, specificID string, res identity.Result, logger *zap.Logger) {
	if w.deps.Publisher == nil {
		return
	}
	event := ingest.ContentEvent{
		ContentID:          res.ContentID,
		Domain:             info.Domain,
		PlatformName:       info.Platform,
		PlatformSpecificID: specificID,
		JobID:              job.ID,
		JobType:            job.JobType,
		OccurredAt:         w.deps.Clock.Now(),
	}
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.EventTopic, event); err != nil {
		logger.Warn("publish content event failed", zap.String("content_id", res.ContentID), zap.Error(err))
	}
}

// settle records the job's next state and returns the outcome.
func (w *Worker) settle(ctx context.Context, job ingest.CrawlJob, payload ingest.Payload, cause error, logger *zap.Logger) string {
	var (
		outcome string
		err     error
	)
	switch {
	case cause == nil:
		outcome = OutcomeDone
		err = w.deps.Store.MarkDone(ctx, job.ID, w.cfg.WorkerID)

	case errors.Is(cause, ingest.ErrConfiguration):
		outcome = OutcomeFailed
		logger.Error("job failed on configuration", zap.Error(cause))
		err = w.deps.Store.MarkTerminal(ctx, job.ID, w.cfg.WorkerID, ingest.JobStatusFailed, cause.Error())

	case errors.Is(cause, ingest.ErrValidation):
		outcome = OutcomeDead
		errText := cause.Error()
		if uri := w.archive(ctx, job, payload, cause, logger); uri != "" {
			errText = fmt.Sprintf("%s (payload: %s)", errText, uri)
		}
		logger.Warn("job dead on validation", zap.Error(cause))
		err = w.deps.Store.MarkTerminal(ctx, job.ID, w.cfg.WorkerID, ingest.JobStatusDead, errText)

	case errors.Is(cause, ingest.ErrPermanent):
		outcome = OutcomeDead
		logger.Warn("job dead on permanent source error", zap.Error(cause))
		err = w.deps.Store.MarkTerminal(ctx, job.ID, w.cfg.WorkerID, ingest.JobStatusDead, cause.Error())

	case w.cfg.Retry.Exhausted(job.AttemptCount + 1):
		outcome = OutcomeDead
		logger.Warn("job dead after retries", zap.Int("max_retries", w.cfg.Retry.MaxRetries), zap.Error(cause))
		err = w.deps.Store.MarkTerminal(ctx, job.ID, w.cfg.WorkerID, ingest.JobStatusDead, cause.Error())

	default:
		outcome = OutcomeRetry
		delay := w.cfg.Retry.Delay(job.AttemptCount+1, cause)
		logger.Info("job scheduled for retry", zap.Duration("delay", delay), zap.Error(cause))
		err = w.deps.Store.MarkRetry(ctx, job.ID, w.cfg.WorkerID, w.deps.Clock.Now().Add(delay), cause.Error())
	}

	if err != nil {
		if errors.Is(err, ingest.ErrLeaseLost) {
			logger.Warn("lease lost before job settled", zap.String("outcome", outcome), zap.Error(err))
		} else {
			logger.Error("settle job failed", zap.String("outcome", outcome), zap.Error(err))
		}
	}
	return outcome
}

func (w *Worker) archive(ctx context.Context, job ingest.CrawlJob, payload ingest.Payload, cause error, logger *zap.Logger) string {
	if w.deps.Archiver == nil || payload == nil {
		return ""
	}
	uri, err := w.deps.Archiver.Archive(ctx, job, payload, cause)
	if err != nil {
		logger.Error("archive payload failed", zap.Error(err))
		return ""
	}
	return uri
}
