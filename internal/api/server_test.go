package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/content-ingest/internal/clock"
	"github.com/JakeFAU/content-ingest/internal/config"
	"github.com/JakeFAU/content-ingest/internal/id"
	"github.com/JakeFAU/content-ingest/internal/identity"
	"github.com/JakeFAU/content-ingest/internal/ingest"
	"github.com/JakeFAU/content-ingest/internal/producer"
	"github.com/JakeFAU/content-ingest/internal/storage/memory"
)

type listFetcher struct {
	keys []string
	err  error
}

func (f listFetcher) FetchList(context.Context, string) ([]string, error) {
	return f.keys, f.err
}

func (f listFetcher) FetchDetail(context.Context, string) (ingest.Payload, error) {
	return nil, errors.New("not used")
}

type testEnv struct {
	clock    *clock.Manual
	jobs     *memory.JobStore
	identity *identity.Service
	server   *Server
}

func newTestEnv(t *testing.T, auth config.AuthConfig, ready map[string]ReadinessCheck) *testEnv {
	t.Helper()

	clk := clock.NewManual(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	jobs := memory.NewJobStore(clk, id.NewSequence("job"))
	svc := identity.New(memory.NewContentStore(), id.NewSequence("content"), clk, identity.Config{}, zap.NewNop())
	prod := producer.New(jobs, map[ingest.JobType]ingest.Fetcher{
		ingest.JobTypeSteamGame: listFetcher{keys: []string{"10", "20", "30"}},
		ingest.JobTypeTMDBMovie: listFetcher{err: errors.New("tmdb unavailable")},
	}, producer.Config{}, zap.NewNop())

	return &testEnv{
		clock:    clk,
		jobs:     jobs,
		identity: svc,
		server: NewServer(Deps{
			Jobs:     jobs,
			Producer: prod,
			Contents: svc,
			Ready:    ready,
		}, auth, zap.NewNop()),
	}
}

func (e *testEnv) do(t *testing.T, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.AuthConfig{}, nil)
	rec := env.do(t, http.MethodGet, "/healthz", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_ReadyzReportsFailingDependency(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.AuthConfig{}, map[string]ReadinessCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})
	rec := env.do(t, http.MethodGet, "/readyz", "")

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis")
	assert.NotContains(t, rec.Body.String(), "postgres")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.AuthConfig{}, nil)
	rec := env.do(t, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ingest_active_workers")
}

func TestServer_EnqueueSkipsInFlightTargets(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.AuthConfig{}, nil)
	rec := env.do(t, http.MethodPost, "/v1/job-types/steam_game/jobs", `{"target_keys":["620","570"],"priority":5}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body struct {
		JobType   string `json:"job_type"`
		Submitted int    `json:"submitted"`
		Created   int    `json:"created"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "STEAM_GAME", body.JobType)
	assert.Equal(t, 2, body.Submitted)
	assert.Equal(t, 2, body.Created)

	rec = env.do(t, http.MethodPost, "/v1/job-types/STEAM_GAME/jobs", `{"target_keys":["620","730"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	decode(t, rec, &body)
	assert.Equal(t, 1, body.Created)
}

func TestServer_EnqueueRejectsBadInput(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.AuthConfig{}, nil)
	cases := []struct {
		name   string
		target string
		body   string
	}{
		{name: "unknown job type", target: "/v1/job-types/imdb/jobs", body: `{"target_keys":["1"]}`},
		{name: "invalid json", target: "/v1/job-types/steam_game/jobs", body: `{invalid`},
		{name: "no keys", target: "/v1/job-types/steam_game/jobs", body: `{"target_keys":[]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, tc.target, tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestServer_Produce(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.AuthConfig{}, nil)

	rec := env.do(t, http.MethodPost, "/v1/job-types/steam_game/produce", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var body struct {
		Listed  int `json:"listed"`
		Created int `json:"created"`
	}
	decode(t, rec, &body)
	assert.Equal(t, 3, body.Listed)
	assert.Equal(t, 3, body.Created)

	rec = env.do(t, http.MethodPost, "/v1/job-types/tmdb_tv/produce", `{"priority":1}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "no fetcher configured")

	rec = env.do(t, http.MethodPost, "/v1/job-types/tmdb_movie/produce", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "failed to produce jobs")
}

func TestServer_ListAndGetJobs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.AuthConfig{}, nil)
	ctx := context.Background()
	_, err := env.jobs.CreateJobs(ctx, ingest.JobTypeSteamGame, []string{"1", "2"}, 0)
	require.NoError(t, err)
	_, err = env.jobs.CreateJobs(ctx, ingest.JobTypeTMDBMovie, []string{"550"}, 0)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/v1/jobs?job_type=tmdb_movie&status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Jobs []ingest.CrawlJob `json:"jobs"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, "550", list.Jobs[0].TargetKey)

	rec = env.do(t, http.MethodGet, "/v1/jobs/"+list.Jobs[0].ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"target_key":"550"`)

	rec = env.do(t, http.MethodGet, "/v1/jobs?status=dead", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jobs":[]}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/jobs?status=stuck", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/jobs?limit=-1", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/jobs/missing", "").Code)
}

func TestServer_RequeueDeadJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.AuthConfig{}, nil)
	ctx := context.Background()
	_, err := env.jobs.CreateJobs(ctx, ingest.JobTypeSteamGame, []string{"620"}, 0)
	require.NoError(t, err)
	leased, err := env.jobs.LeaseJobs(ctx, ingest.LeaseRequest{WorkerID: "w", Limit: 1, Now: env.clock.Now(), LeaseFor: time.Minute})
	require.NoError(t, err)
	require.Len(t, leased, 1)
	jobID := leased[0].ID

	rec := env.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/requeue", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "leased jobs cannot be requeued")

	require.NoError(t, env.jobs.MarkTerminal(ctx, jobID, "w", ingest.JobStatusDead, "validation failed"))

	_, err = env.jobs.CreateJobs(ctx, ingest.JobTypeSteamGame, []string{"620"}, 0)
	require.NoError(t, err)
	rec = env.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/requeue", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "a newer job for the target is in flight")

	pending, err := env.jobs.ListJobs(ctx, ingest.JobFilter{Status: ingest.JobStatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	leased, err = env.jobs.LeaseJobs(ctx, ingest.LeaseRequest{WorkerID: "w", Limit: 1, Now: env.clock.Now(), LeaseFor: time.Minute})
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.NoError(t, env.jobs.MarkDone(ctx, leased[0].ID, "w"))

	rec = env.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/requeue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Job ingest.CrawlJob `json:"job"`
	}
	decode(t, rec, &body)
	assert.Equal(t, ingest.JobStatusPending, body.Job.Status)
	assert.Zero(t, body.Job.AttemptCount)
	assert.Empty(t, body.Job.LastError)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/v1/jobs/missing/requeue", "").Code)
}

func TestServer_ContentLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.AuthConfig{}, nil)
	res, err := env.identity.Upsert(context.Background(), identity.UpsertRequest{
		Domain:             ingest.DomainGame,
		Master:             ingest.MasterRecord{MasterTitle: "Dota 2"},
		Platform:           ingest.PlatformRecord{PlatformName: "STEAM"},
		PlatformSpecificID: "570",
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/v1/contents/"+res.ContentID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var content identity.Content
	decode(t, rec, &content)
	assert.Equal(t, "Dota 2", content.Master.MasterTitle)
	require.Len(t, content.Platforms, 1)
	assert.Equal(t, "570", content.Platforms[0].PlatformSpecificID)

	rec = env.do(t, http.MethodDelete, "/v1/contents/"+res.ContentID, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/contents/"+res.ContentID, "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/v1/contents/"+res.ContentID, "").Code)
}

func TestServer_APIKeyGuardsV1Only(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.AuthConfig{Enabled: true, APIKey: "secret"}, nil)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/v1/jobs", "").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/jobs?api_key=secret", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	handler := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}
