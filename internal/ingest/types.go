// Package ingest defines the shared model and contracts of the content ingestion pipeline.
package ingest

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Payload is an untyped, JSON-shaped document returned by a source.
type Payload = map[string]any

// Domain classifies content across platforms.
type Domain string

// Supported content domains.
const (
	DomainAV       Domain = "AV"
	DomainGame     Domain = "GAME"
	DomainWebtoon  Domain = "WEBTOON"
	DomainWebnovel Domain = "WEBNOVEL"
)

// Valid reports whether d is a known domain.
func (d Domain) Valid() bool {
	switch d {
	case DomainAV, DomainGame, DomainWebtoon, DomainWebnovel:
		return true
	default:
		return false
	}
}

// ParseDomain converts s into a Domain, ignoring case.
func ParseDomain(s string) (Domain, error) {
	d := Domain(strings.ToUpper(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", &ValidationError{Field: "domain", Reason: fmt.Sprintf("unknown domain %q", s)}
	}
	return d, nil
}

// JobType identifies one external source and entity kind.
type JobType string

// Supported job types.
const (
	JobTypeSteamGame    JobType = "STEAM_GAME"
	JobTypeTMDBMovie    JobType = "TMDB_MOVIE"
	JobTypeTMDBTV       JobType = "TMDB_TV"
	JobTypeNaverWebtoon JobType = "NAVER_WEBTOON"
	JobTypeKakaoWebtoon JobType = "KAKAO_WEBTOON"
	JobTypeRidiWebnovel JobType = "RIDI_WEBNOVEL"
)

// JobTypeInfo describes the static properties of a job type.
type JobTypeInfo struct {
	// Source keys the rate limiter; job types sharing an upstream API share a source.
	Source string
	// Platform is stored on every PlatformRecord produced by this job type.
	Platform string
	Domain   Domain
	// URLTemplate builds the canonical platform URL from a target key.
	URLTemplate string
}

var jobTypes = map[JobType]JobTypeInfo{
	JobTypeSteamGame: {
		Source:      "steam",
		Platform:    "STEAM",
		Domain:      DomainGame,
		URLTemplate: "https://store.steampowered.com/app/%s",
	},
	JobTypeTMDBMovie: {
		Source:      "tmdb",
		Platform:    "TMDB_MOVIE",
		Domain:      DomainAV,
		URLTemplate: "https://www.themoviedb.org/movie/%s",
	},
	JobTypeTMDBTV: {
		Source:      "tmdb",
		Platform:    "TMDB_TV",
		Domain:      DomainAV,
		URLTemplate: "https://www.themoviedb.org/tv/%s",
	},
	JobTypeNaverWebtoon: {
		Source:      "naver",
		Platform:    "NAVER_WEBTOON",
		Domain:      DomainWebtoon,
		URLTemplate: "https://comic.naver.com/webtoon/list?titleId=%s",
	},
	JobTypeKakaoWebtoon: {
		Source:      "kakao",
		Platform:    "KAKAO_WEBTOON",
		Domain:      DomainWebtoon,
		URLTemplate: "https://webtoon.kakao.com/content/%s",
	},
	JobTypeRidiWebnovel: {
		Source:      "ridi",
		Platform:    "RIDI",
		Domain:      DomainWebnovel,
		URLTemplate: "https://ridibooks.com/books/%s",
	},
}

// Info returns the static description of t.
func (t JobType) Info() (JobTypeInfo, bool) {
	info, ok := jobTypes[t]
	return info, ok
}

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	_, ok := jobTypes[t]
	return ok
}

// ParseJobType converts s into a JobType, ignoring case.
func ParseJobType(s string) (JobType, error) {
	t := JobType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", &ValidationError{Field: "job_type", Reason: fmt.Sprintf("unknown job type %q", s)}
	}
	return t, nil
}

// JobTypes lists every known job type in lexical order.
func JobTypes() []JobType {
	out := make([]JobType, 0, len(jobTypes))
	for t := range jobTypes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// JobStatus enumerates the lifecycle states of a crawl job.
type JobStatus string

// Job lifecycle states.
const (
	JobStatusPending JobStatus = "PENDING"
	JobStatusLeased  JobStatus = "LEASED"
	JobStatusDone    JobStatus = "DONE"
	// JobStatusFailed marks jobs that cannot succeed until configuration changes.
	JobStatusFailed JobStatus = "FAILED"
	JobStatusDead   JobStatus = "DEAD"
)

// Terminal reports whether no automatic transition leaves s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusDone, JobStatusFailed, JobStatusDead:
		return true
	default:
		return false
	}
}

// InFlight reports whether a job in status s blocks duplicate submissions.
func (s JobStatus) InFlight() bool {
	return s == JobStatusPending || s == JobStatusLeased
}

// ParseJobStatus converts s into a JobStatus, ignoring case.
func ParseJobStatus(s string) (JobStatus, error) {
	st := JobStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case JobStatusPending, JobStatusLeased, JobStatusDone, JobStatusFailed, JobStatusDead:
		return st, nil
	default:
		return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", s)}
	}
}

// CrawlJob is one unit of crawl work for a (job type, target key) pair.
type CrawlJob struct {
	ID             string     `json:"id"`
	JobType        JobType    `json:"job_type"`
	TargetKey      string     `json:"target_key"`
	Priority       int        `json:"priority"`
	Status         JobStatus  `json:"status"`
	AttemptCount   int        `json:"attempt_count"`
	LeasedBy       string     `json:"leased_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	NextAttemptAt  time.Time  `json:"next_attempt_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastError      string     `json:"last_error,omitempty"`
}

// MasterRecord is the canonical, platform-agnostic content entity.
type MasterRecord struct {
	ContentID      string     `json:"content_id"`
	Domain         Domain     `json:"domain"`
	MasterTitle    string     `json:"master_title"`
	OriginalTitle  string     `json:"original_title,omitempty"`
	ReleaseDate    *time.Time `json:"release_date,omitempty"`
	PosterImageURL string     `json:"poster_image_url,omitempty"`
	Synopsis       string     `json:"synopsis,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ReleaseYear returns the release year, or 0 when the date is unknown.
func (m MasterRecord) ReleaseYear() int {
	if m.ReleaseDate == nil {
		return 0
	}
	return m.ReleaseDate.Year()
}

// TitleKey returns the identity-matching form of the master title.
func (m MasterRecord) TitleKey() string {
	return NormalizeTitle(m.MasterTitle)
}

// NormalizeTitle lower-cases s and collapses every whitespace run into one space.
func NormalizeTitle(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// PlatformRecord holds platform-specific data attached to a MasterRecord.
type PlatformRecord struct {
	PlatformDataID     string         `json:"platform_data_id"`
	ContentID          string         `json:"content_id"`
	PlatformName       string         `json:"platform_name"`
	PlatformSpecificID string         `json:"platform_specific_id"`
	URL                string         `json:"url,omitempty"`
	Rating             *float64       `json:"rating,omitempty"`
	ReviewCount        *int64         `json:"review_count,omitempty"`
	Attributes         map[string]any `json:"attributes,omitempty"`
	LastSeenAt         time.Time      `json:"last_seen_at"`
}

// ContentEvent is published after a platform record is upserted.
type ContentEvent struct {
	ContentID          string    `json:"content_id"`
	Domain             Domain    `json:"domain"`
	PlatformName       string    `json:"platform_name"`
	PlatformSpecificID string    `json:"platform_specific_id"`
	JobID              string    `json:"job_id"`
	JobType            JobType   `json:"job_type"`
	OccurredAt         time.Time `json:"occurred_at"`
}
