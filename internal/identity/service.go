// Package identity resolves canonical content identity and upserts master and
// platform records.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/content-ingest/internal/ingest"
	"github.com/JakeFAU/content-ingest/internal/metrics"
)

// Upsert outcomes recorded in metrics and logs.
const (
	OutcomeUpdated  = "updated"
	OutcomeAttached = "attached"
	OutcomeCreated  = "created"
)

// Config controls conflict handling.
type Config struct {
	// MaxAttempts bounds how often an upsert restarts after an identity conflict.
	MaxAttempts int
}

// UpsertRequest carries one transformed item.
type UpsertRequest struct {
	Domain             ingest.Domain
	Master             ingest.MasterRecord
	Platform           ingest.PlatformRecord
	PlatformSpecificID string
	URL                string
}

// Result reports what an upsert did.
type Result struct {
	ContentID string
	Outcome   string
}

// Content is a master record together with its platform records.
type Content struct {
	Master    ingest.MasterRecord     `json:"master"`
	Platforms []ingest.PlatformRecord `json:"platforms"`
}

// Service matches incoming records against stored ones and writes them.
//
// Identity is exact: within a domain, the normalized title and release year
// select at most one master record. Near-duplicate titles are not merged.
type Service struct {
	store  ingest.ContentStore
	ids    ingest.IDGenerator
	clock  ingest.Clock
	cfg    Config
	locks  *keyedMutex
	logger *zap.Logger
}

// New constructs a Service.
func New(store ingest.ContentStore, ids ingest.IDGenerator, clock ingest.Clock, cfg Config, logger *zap.Logger) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		ids:    ids,
		clock:  clock,
		cfg:    cfg,
		locks:  newKeyedMutex(),
		logger: logger,
	}
}

// Upsert attaches req to an existing master record or creates one, and
// returns the content ID. An identity conflict raised by the store restarts the
// transaction, which then finds and attaches to the winning record.
func (s *Service) Upsert(ctx context.Context, req UpsertRequest) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}
	req.Master.Domain = req.Domain
	key := fmt.Sprintf("%s|%s|%d", req.Domain, req.Master.TitleKey(), req.Master.ReleaseYear())
	unlock := s.locks.Lock(key)
	defer unlock()

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		res, err := s.upsertOnce(ctx, req)
		if err == nil {
			metrics.ObserveUpsert(string(req.Domain), res.Outcome)
			s.logger.Debug("content upserted",
				zap.String("content_id", res.ContentID),
				zap.String("outcome", res.Outcome),
				zap.String("platform", req.Platform.PlatformName),
				zap.String("platform_specific_id", req.PlatformSpecificID),
			)
			return res, nil
		}
		if !errors.Is(err, ingest.ErrIdentityConflict) {
			return Result{}, err
		}
		metrics.ObserveIdentityConflict(string(req.Domain))
		s.logger.Info("identity conflict, retrying upsert",
			zap.Int("attempt", attempt),
			zap.String("title_key", req.Master.TitleKey()),
			zap.Error(err),
		)
		lastErr = err
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
	}
	return Result{}, fmt.Errorf("upsert %s/%s after %d attempts: %w",
		req.Platform.PlatformName, req.PlatformSpecificID, s.cfg.MaxAttempts, lastErr)
}

func (s *Service) upsertOnce(ctx context.Context, req UpsertRequest) (Result, error) {
	var res Result
	err := s.store.InTx(ctx, func(ctx context.Context, tx ingest.ContentTx) error {
		now := s.clock.Now()
		existing, err := tx.FindPlatformByPlatformAndID(ctx, req.Platform.PlatformName, req.PlatformSpecificID)
		switch {
		case err == nil:
			existing.Rating = req.Platform.Rating
			existing.ReviewCount = req.Platform.ReviewCount
			existing.Attributes = req.Platform.Attributes
			if req.URL != "" {
				existing.URL = req.URL
			}
			existing.LastSeenAt = now
			res = Result{ContentID: existing.ContentID, Outcome: OutcomeUpdated}
			return tx.CreateOrUpdatePlatform(ctx, existing)
		case !errors.Is(err, ingest.ErrNotFound):
			return err
		}

		master, err := tx.FindMasterByDomainTitleYear(ctx, req.Domain, req.Master.TitleKey(), req.Master.ReleaseYear())
		switch {
		case err == nil:
			res = Result{ContentID: master.ContentID, Outcome: OutcomeAttached}
		case errors.Is(err, ingest.ErrNotFound):
			contentID, err := s.ids.NewID()
			if err != nil {
				return fmt.Errorf("create content id: %w", err)
			}
			created := req.Master
			created.ContentID = contentID
			created.CreatedAt = now
			created.UpdatedAt = now
			if err := tx.CreateMaster(ctx, created); err != nil {
				return err
			}
			res = Result{ContentID: contentID, Outcome: OutcomeCreated}
		default:
			return err
		}

		platformDataID, err := s.ids.NewID()
		if err != nil {
			return fmt.Errorf("create platform data id: %w", err)
		}
		record := req.Platform
		record.PlatformDataID = platformDataID
		record.ContentID = res.ContentID
		record.PlatformSpecificID = req.PlatformSpecificID
		record.URL = req.URL
		record.LastSeenAt = now
		return tx.CreateOrUpdatePlatform(ctx, record)
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// Get returns a master record and its platform records.
func (s *Service) Get(ctx context.Context, contentID string) (Content, error) {
	master, err := s.store.GetMaster(ctx, contentID)
	if err != nil {
		return Content{}, err
	}
	platforms, err := s.store.ListPlatforms(ctx, contentID)
	if err != nil {
		return Content{}, err
	}
	return Content{Master: master, Platforms: platforms}, nil
}

// Delete removes a master record and every platform record attached to it.
func (s *Service) Delete(ctx context.Context, contentID string) error {
	if err := s.store.DeleteMaster(ctx, contentID); err != nil {
		return err
	}
	s.logger.Info("content deleted", zap.String("content_id", contentID))
	return nil
}

func validate(req UpsertRequest) error {
	if !req.Domain.Valid() {
		return &ingest.ValidationError{Field: "domain", Reason: fmt.Sprintf("unknown domain %q", req.Domain)}
	}
	if strings.TrimSpace(req.Master.MasterTitle) == "" {
		return &ingest.ValidationError{Field: "masterTitle", Reason: "required"}
	}
	if req.Platform.PlatformName == "" {
		return &ingest.ValidationError{Field: "platformName", Reason: "required"}
	}
	if strings.TrimSpace(req.PlatformSpecificID) == "" {
		return &ingest.ValidationError{Field: "platformSpecificId", Reason: "required"}
	}
	return nil
}
