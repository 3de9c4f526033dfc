package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/content-ingest/internal/ingest"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
)

type enqueueRequest struct {
	TargetKeys []string `json:"target_keys"`
	Priority   int      `json:"priority"`
}

type produceRequest struct {
	Priority int `json:"priority"`
}

// enqueueJobs handles POST /v1/job-types/{job_type}/jobs. Targets already in
// flight are skipped, so "created" may be lower than the number submitted.
func (s *Server) enqueueJobs(w http.ResponseWriter, r *http.Request) {
	jobType, err := ingest.ParseJobType(chi.URLParam(r, "job_type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.TargetKeys) == 0 {
		writeError(w, http.StatusBadRequest, "target_keys required")
		return
	}
	created, err := s.deps.Producer.Enqueue(r.Context(), jobType, req.TargetKeys, req.Priority)
	if err != nil {
		s.writeStoreError(w, err, "failed to enqueue jobs")
		return
	}
	s.logger.Info("jobs enqueued via API",
		zap.String("job_type", string(jobType)),
		zap.Int("submitted", len(req.TargetKeys)),
		zap.Int("created", created),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_type":  jobType,
		"submitted": len(req.TargetKeys),
		"created":   created,
	})
}

// produce handles POST /v1/job-types/{job_type}/produce, running one listing
// cycle of the source outside its schedule.
func (s *Server) produce(w http.ResponseWriter, r *http.Request) {
	jobType, err := ingest.ParseJobType(chi.URLParam(r, "job_type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req produceRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	res, err := s.deps.Producer.Produce(r.Context(), jobType, req.Priority)
	if err != nil {
		if res.Created > 0 {
			s.logger.Warn("produce stopped early", zap.Int("created", res.Created), zap.Error(err))
		}
		s.writeStoreError(w, err, "failed to produce jobs")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_type": res.JobType,
		"listed":   res.Listed,
		"created":  res.Created,
	})
}

// listJobs handles GET /v1/jobs?status=&job_type=&limit=.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseJobFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := s.deps.Jobs.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []ingest.CrawlJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeStoreError(w, err, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// requeueJob handles POST /v1/jobs/{job_id}/requeue for DEAD and FAILED jobs.
func (s *Server) requeueJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.RequeueJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeStoreError(w, err, "failed to requeue job")
		return
	}
	s.logger.Info("job requeued via API",
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.JobType)),
		zap.String("target_key", job.TargetKey),
	)
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func parseJobFilter(r *http.Request) (ingest.JobFilter, error) {
	q := r.URL.Query()
	filter := ingest.JobFilter{Limit: defaultJobLimit}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, err := ingest.ParseJobStatus(raw)
		if err != nil {
			return ingest.JobFilter{}, err
		}
		filter.Status = status
	}
	if raw := strings.TrimSpace(q.Get("job_type")); raw != "" {
		jobType, err := ingest.ParseJobType(raw)
		if err != nil {
			return ingest.JobFilter{}, err
		}
		filter.JobType = jobType
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return ingest.JobFilter{}, errors.New("invalid limit")
		}
		filter.Limit = min(limit, maxJobLimit)
	}
	return filter, nil
}
