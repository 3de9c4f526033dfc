// Package deadletter archives payloads that failed validation so operators can
// inspect and replay them.
package deadletter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/JakeFAU/content-ingest/internal/ingest"
)

const contentType = "application/json"

// SHA256 hashes archived payloads into stable object names.
type SHA256 struct{}

// Hash returns the hex encoded SHA-256 digest of data.
func (SHA256) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Record is the archived document.
type Record struct {
	JobID      string          `json:"job_id"`
	JobType    ingest.JobType  `json:"job_type"`
	TargetKey  string          `json:"target_key"`
	Error      string          `json:"error"`
	ArchivedAt time.Time       `json:"archived_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Archiver writes dead-lettered payloads to a blob store under
// <prefix>/<job_type>/<target_key>/<sha256>.json.
type Archiver struct {
	store  ingest.BlobStore
	hasher ingest.Hasher
	clock  ingest.Clock
	prefix string
}

// New constructs an Archiver. A nil hasher defaults to SHA256.
func New(store ingest.BlobStore, hasher ingest.Hasher, clock ingest.Clock, prefix string) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if hasher == nil {
		hasher = SHA256{}
	}
	return &Archiver{
		store:  store,
		hasher: hasher,
		clock:  clock,
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

// Archive stores payload together with the job that produced it and returns
// the object URI. Identical payloads for one target map to the same object.
func (a *Archiver) Archive(ctx context.Context, job ingest.CrawlJob, payload ingest.Payload, cause error) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	digest, err := a.hasher.Hash(raw)
	if err != nil {
		return "", fmt.Errorf("hash payload: %w", err)
	}
	rec := Record{
		JobID:      job.ID,
		JobType:    job.JobType,
		TargetKey:  job.TargetKey,
		ArchivedAt: a.clock.Now(),
		Payload:    raw,
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	uri, err := a.store.PutObject(ctx, a.ObjectPath(job, digest), contentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("archive payload: %w", err)
	}
	return uri, nil
}

// ObjectPath returns the blob path for job and digest.
func (a *Archiver) ObjectPath(job ingest.CrawlJob, digest string) string {
	return path.Join(a.prefix, string(job.JobType), url.PathEscape(job.TargetKey), digest+".json")
}
