package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/content-ingest/internal/clock"
	"github.com/JakeFAU/content-ingest/internal/deadletter"
	"github.com/JakeFAU/content-ingest/internal/id"
	"github.com/JakeFAU/content-ingest/internal/identity"
	"github.com/JakeFAU/content-ingest/internal/ingest"
	"github.com/JakeFAU/content-ingest/internal/policy/ratelimit"
	"github.com/JakeFAU/content-ingest/internal/publisher/memory"
	"github.com/JakeFAU/content-ingest/internal/rules"
	memstore "github.com/JakeFAU/content-ingest/internal/storage/memory"
	"github.com/JakeFAU/content-ingest/internal/transform"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu       sync.Mutex
	payloads map[string]ingest.Payload
	errs     map[string]error
	panics   map[string]bool
	hooks    map[string]func() error
	calls    []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		payloads: map[string]ingest.Payload{},
		errs:     map[string]error{},
		panics:   map[string]bool{},
		hooks:    map[string]func() error{},
	}
}

func (f *fakeFetcher) FetchList(context.Context, string) ([]string, error) {
	return nil, nil
}

func (f *fakeFetcher) FetchDetail(_ context.Context, key string) (ingest.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)
	if f.panics[key] {
		panic("decoder exploded")
	}
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	if hook, ok := f.hooks[key]; ok {
		return nil, hook()
	}
	if p, ok := f.payloads[key]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("item %s: %w", key, ingest.ErrPermanent)
}

type harness struct {
	clock     *clock.Manual
	jobs      *memstore.JobStore
	content   *memstore.ContentStore
	blobs     *memstore.BlobStore
	publisher *memory.Publisher
	fetcher   *fakeFetcher
	identity  *identity.Service
	worker    *Worker
}

func newHarness(t *testing.T, registry *rules.Registry, retry RetryPolicy) *harness {
	t.Helper()

	clk := clock.NewManual(epoch)
	h := &harness{
		clock:     clk,
		jobs:      memstore.NewJobStore(clk, id.NewSequence("job")),
		content:   memstore.NewContentStore(),
		blobs:     memstore.NewBlobStore(),
		publisher: memory.New(),
		fetcher:   newFakeFetcher(),
	}
	h.identity = identity.New(h.content, id.NewSequence("id"), clk, identity.Config{}, zap.NewNop())

	archiver, err := deadletter.New(h.blobs, nil, clk, "deadletter")
	require.NoError(t, err)

	w, err := New(Deps{
		Store:       h.jobs,
		Fetchers:    map[ingest.JobType]ingest.Fetcher{ingest.JobTypeSteamGame: h.fetcher},
		Rules:       registry,
		Transformer: transform.NewEngine(),
		Limiter:     ratelimit.New(ratelimit.Config{}),
		Upserter:    h.identity,
		Archiver:    archiver,
		Publisher:   h.publisher,
		Clock:       clk,
	}, Config{
		WorkerID:   "worker-0",
		BatchSize:  10,
		EventTopic: "content-upserted",
		Retry:      retry,
	}, zap.NewNop())
	require.NoError(t, err)
	h.worker = w
	return h
}

func defaultRegistry(t *testing.T) *rules.Registry {
	t.Helper()
	reg, err := rules.Load("")
	require.NoError(t, err)
	return reg
}

func testPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:       3,
		BaseDelay:        time.Minute,
		MaxDelay:         time.Hour,
		ThrottleCooldown: 10 * time.Minute,
	}
}

func steamPayload(name string) ingest.Payload {
	return ingest.Payload{
		"name":              name,
		"short_description": "A puzzle game.",
		"header_image":      "https://cdn.example.com/620.jpg",
		"release_date":      map[string]any{"date": "18 Apr, 2011"},
		"metacritic":        map[string]any{"score": float64(95)},
	}
}

func (h *harness) enqueue(t *testing.T, keys ...string) {
	t.Helper()
	n, err := h.jobs.CreateJobs(context.Background(), ingest.JobTypeSteamGame, keys, 0)
	require.NoError(t, err)
	require.Equal(t, len(keys), n)
}

func (h *harness) job(t *testing.T, key string) ingest.CrawlJob {
	t.Helper()
	jobs, err := h.jobs.ListJobs(context.Background(), ingest.JobFilter{})
	require.NoError(t, err)
	for _, job := range jobs {
		if job.TargetKey == key {
			return job
		}
	}
	t.Fatalf("no job for %s", key)
	return ingest.CrawlJob{}
}

func TestWorkerRunOnceUpsertsAndPublishes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultRegistry(t), testPolicy())
	h.fetcher.payloads["620"] = steamPayload("  Portal 2 [Deluxe] ")
	h.enqueue(t, "620")

	n, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job := h.job(t, "620")
	assert.Equal(t, ingest.JobStatusDone, job.Status)
	assert.Empty(t, job.LastError)

	msgs := h.publisher.Messages("content-upserted")
	require.Len(t, msgs, 1)
	var event ingest.ContentEvent
	require.NoError(t, msgs[0].Decode(&event))
	assert.Equal(t, ingest.DomainGame, event.Domain)
	assert.Equal(t, "STEAM", event.PlatformName)
	assert.Equal(t, "620", event.PlatformSpecificID)
	assert.Equal(t, job.ID, event.JobID)

	content, err := h.identity.Get(context.Background(), event.ContentID)
	require.NoError(t, err)
	assert.Equal(t, "Portal 2", content.Master.MasterTitle)
	assert.Equal(t, 2011, content.Master.ReleaseYear())
	require.Len(t, content.Platforms, 1)
	platform := content.Platforms[0]
	assert.Equal(t, "https://store.steampowered.com/app/620", platform.URL)
	require.NotNil(t, platform.Rating)
	assert.InDelta(t, 9.5, *platform.Rating, 1e-9)
}

func TestWorkerReprocessingSameTargetIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultRegistry(t), testPolicy())
	h.fetcher.payloads["620"] = steamPayload("Portal 2")

	for range 2 {
		h.enqueue(t, "620")
		_, err := h.worker.RunOnce(context.Background())
		require.NoError(t, err)
	}

	msgs := h.publisher.Messages("")
	require.Len(t, msgs, 2)
	var first, second ingest.ContentEvent
	require.NoError(t, msgs[0].Decode(&first))
	require.NoError(t, msgs[1].Decode(&second))
	assert.Equal(t, first.ContentID, second.ContentID)

	content, err := h.identity.Get(context.Background(), first.ContentID)
	require.NoError(t, err)
	assert.Len(t, content.Platforms, 1)
}

func TestWorkerValidationFailureIsDeadAndArchived(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultRegistry(t), testPolicy())
	payload := steamPayload("Portal 2")
	payload["release_date"] = map[string]any{"date": "coming soon-ish"}
	h.fetcher.payloads["620"] = payload
	h.enqueue(t, "620")

	_, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)

	job := h.job(t, "620")
	assert.Equal(t, ingest.JobStatusDead, job.Status)
	assert.Equal(t, 1, job.AttemptCount)
	assert.Contains(t, job.LastError, "releaseDate")

	paths := h.blobs.Paths()
	require.Len(t, paths, 1)
	assert.True(t, strings.HasPrefix(paths[0], "deadletter/STEAM_GAME/620/"))
	assert.Contains(t, job.LastError, "memory://"+paths[0])
	assert.Empty(t, h.publisher.Messages(""))
}

func TestWorkerPermanentSourceErrorIsDead(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultRegistry(t), testPolicy())
	h.enqueue(t, "404")

	_, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)

	job := h.job(t, "404")
	assert.Equal(t, ingest.JobStatusDead, job.Status)
	assert.Contains(t, job.LastError, "permanent")
	assert.Empty(t, h.blobs.Paths())
}

func TestWorkerTransientErrorSchedulesBackoff(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultRegistry(t), testPolicy())
	h.fetcher.errs["620"] = errors.New("connection reset by peer")
	h.enqueue(t, "620")

	_, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)

	job := h.job(t, "620")
	assert.Equal(t, ingest.JobStatusPending, job.Status)
	assert.Equal(t, 1, job.AttemptCount)
	assert.Contains(t, job.LastError, "connection reset")
	wait := job.NextAttemptAt.Sub(epoch)
	assert.GreaterOrEqual(t, wait, 30*time.Second)
	assert.Less(t, wait, time.Minute)

	n, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "job must not be eligible before its backoff elapses")
}

func TestWorkerThrottleWaitsForCooldown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultRegistry(t), testPolicy())
	h.fetcher.errs["620"] = fmt.Errorf("status 429: %w", ingest.ErrThrottled)
	h.enqueue(t, "620")

	_, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)

	job := h.job(t, "620")
	assert.Equal(t, ingest.JobStatusPending, job.Status)
	assert.GreaterOrEqual(t, job.NextAttemptAt.Sub(epoch), 10*time.Minute)
}

func TestWorkerExhaustedRetriesAreDead(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultRegistry(t), testPolicy())
	h.fetcher.errs["620"] = errors.New("upstream timeout")
	h.enqueue(t, "620")

	for attempt := 1; attempt <= 3; attempt++ {
		n, err := h.worker.RunOnce(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, n, "attempt %d", attempt)
		h.clock.Advance(2 * time.Hour)
	}

	job := h.job(t, "620")
	assert.Equal(t, ingest.JobStatusDead, job.Status)
	assert.Equal(t, 3, job.AttemptCount)
	assert.Len(t, h.fetcher.calls, 3)
}

func TestWorkerMissingRuleFailsWithoutFetching(t *testing.T) {
	t.Parallel()

	h := newHarness(t, rules.NewRegistry(), testPolicy())
	h.fetcher.payloads["620"] = steamPayload("Portal 2")
	h.enqueue(t, "620")

	_, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)

	job := h.job(t, "620")
	assert.Equal(t, ingest.JobStatusFailed, job.Status)
	assert.Contains(t, job.LastError, "mapping rule not found")
	assert.Empty(t, h.fetcher.calls)
}

func TestWorkerPanicIsContainedPerJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultRegistry(t), testPolicy())
	h.fetcher.panics["1"] = true
	h.fetcher.payloads["2"] = steamPayload("Half-Life")
	h.enqueue(t, "1", "2")

	n, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	crashed := h.job(t, "1")
	assert.Equal(t, ingest.JobStatusPending, crashed.Status)
	assert.Contains(t, crashed.LastError, "panic: decoder exploded")
	assert.Equal(t, ingest.JobStatusDone, h.job(t, "2").Status)
}

func TestWorkerCancelledContextLeavesLease(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultRegistry(t), testPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	h.fetcher.hooks["620"] = func() error {
		cancel()
		return context.Canceled
	}
	h.enqueue(t, "620")

	_, err := h.worker.RunOnce(ctx)
	require.NoError(t, err)

	job := h.job(t, "620")
	assert.Equal(t, ingest.JobStatusLeased, job.Status)
	assert.Equal(t, "worker-0", job.LeasedBy)
	assert.Zero(t, job.AttemptCount)
}

func TestWorkerSkipsJobsWhoseLeaseExpiredMidBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultRegistry(t), testPolicy())
	h.fetcher.payloads["570"] = steamPayload("Dota 2")
	h.fetcher.hooks["620"] = func() error {
		// A slow fetch outlives the batch lease; the sweeper hands the rest to worker-1.
		h.clock.Advance(6 * time.Minute)
		n, err := h.jobs.RequeueExpired(context.Background(), h.clock.Now())
		if err != nil || n != 2 {
			return fmt.Errorf("requeued %d: %v", n, err)
		}
		leased, err := h.jobs.LeaseJobs(context.Background(), ingest.LeaseRequest{
			WorkerID: "worker-1",
			Limit:    10,
			Now:      h.clock.Now(),
			LeaseFor: 5 * time.Minute,
		})
		if err != nil || len(leased) != 2 {
			return fmt.Errorf("leased %d: %v", len(leased), err)
		}
		return errors.New("upstream slow")
	}
	h.enqueue(t, "620", "570")

	n, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	assert.Equal(t, []string{"620"}, h.fetcher.calls)
	assert.Empty(t, h.publisher.Messages(""))
	for _, key := range []string{"620", "570"} {
		job := h.job(t, key)
		assert.Equal(t, ingest.JobStatusLeased, job.Status, key)
		assert.Equal(t, "worker-1", job.LeasedBy, key)
		assert.Zero(t, job.AttemptCount, key)
	}
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultRegistry(t), testPolicy())
	h.fetcher.payloads["620"] = steamPayload("Portal 2")
	h.enqueue(t, "620")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		done, err := h.jobs.ListJobs(context.Background(), ingest.JobFilter{Status: ingest.JobStatusDone})
		return err == nil && len(done) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{WorkerID: "w"}, nil)
	require.Error(t, err)
}
