package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/content-ingest/internal/ingest"
)

type identityKey struct {
	domain   ingest.Domain
	titleKey string
	year     int
}

type platformKey struct {
	platform   string
	specificID string
}

// ContentStore keeps master and platform records in memory.
//
// InTx holds the store lock for the whole transaction and publishes staged
// writes only when fn succeeds. fn must not call the non-transactional methods.
type ContentStore struct {
	mu         sync.Mutex
	masters    map[string]ingest.MasterRecord
	platforms  map[string]ingest.PlatformRecord
	byIdentity map[identityKey]string
	byPlatform map[platformKey]string
}

// NewContentStore creates an empty ContentStore.
func NewContentStore() *ContentStore {
	return &ContentStore{
		masters:    make(map[string]ingest.MasterRecord),
		platforms:  make(map[string]ingest.PlatformRecord),
		byIdentity: make(map[identityKey]string),
		byPlatform: make(map[platformKey]string),
	}
}

// InTx runs fn against a staged view of the store.
func (s *ContentStore) InTx(ctx context.Context, fn func(ctx context.Context, tx ingest.ContentTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &contentTx{
		store:      s,
		masters:    make(map[string]ingest.MasterRecord),
		platforms:  make(map[string]ingest.PlatformRecord),
		byIdentity: make(map[identityKey]string),
		byPlatform: make(map[platformKey]string),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for k, v := range tx.masters {
		s.masters[k] = v
	}
	for k, v := range tx.byIdentity {
		s.byIdentity[k] = v
	}
	for k, v := range tx.platforms {
		s.platforms[k] = v
	}
	for k, v := range tx.byPlatform {
		s.byPlatform[k] = v
	}
	return nil
}

// GetMaster fetches a master record by content ID.
func (s *ContentStore) GetMaster(_ context.Context, contentID string) (ingest.MasterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.masters[contentID]
	if !ok {
		return ingest.MasterRecord{}, fmt.Errorf("content %s: %w", contentID, ingest.ErrNotFound)
	}
	return copyMaster(m), nil
}

// ListPlatforms returns the platform records attached to contentID.
func (s *ContentStore) ListPlatforms(_ context.Context, contentID string) ([]ingest.PlatformRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ingest.PlatformRecord
	for _, p := range s.platforms {
		if p.ContentID == contentID {
			out = append(out, copyPlatform(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PlatformName != out[j].PlatformName {
			return out[i].PlatformName < out[j].PlatformName
		}
		return out[i].PlatformSpecificID < out[j].PlatformSpecificID
	})
	return out, nil
}

// DeleteMaster removes a master record and its platform records.
func (s *ContentStore) DeleteMaster(_ context.Context, contentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.masters[contentID]
	if !ok {
		return fmt.Errorf("content %s: %w", contentID, ingest.ErrNotFound)
	}
	for pid, p := range s.platforms {
		if p.ContentID != contentID {
			continue
		}
		delete(s.byPlatform, platformKey{platform: p.PlatformName, specificID: p.PlatformSpecificID})
		delete(s.platforms, pid)
	}
	delete(s.byIdentity, masterIdentity(m))
	delete(s.masters, contentID)
	return nil
}

type contentTx struct {
	store      *ContentStore
	masters    map[string]ingest.MasterRecord
	platforms  map[string]ingest.PlatformRecord
	byIdentity map[identityKey]string
	byPlatform map[platformKey]string
}

func (tx *contentTx) FindMasterByDomainTitleYear(_ context.Context, domain ingest.Domain, titleKey string, year int) (ingest.MasterRecord, error) {
	k := identityKey{domain: domain, titleKey: titleKey, year: year}
	contentID, ok := tx.byIdentity[k]
	if !ok {
		contentID, ok = tx.store.byIdentity[k]
	}
	if !ok {
		return ingest.MasterRecord{}, fmt.Errorf("master %s/%q/%d: %w", domain, titleKey, year, ingest.ErrNotFound)
	}
	return copyMaster(tx.master(contentID)), nil
}

func (tx *contentTx) CreateMaster(_ context.Context, master ingest.MasterRecord) error {
	if master.ContentID == "" {
		return &ingest.ValidationError{Field: "content_id", Reason: "required"}
	}
	if _, ok := tx.lookupMaster(master.ContentID); ok {
		return fmt.Errorf("content %s exists: %w", master.ContentID, ingest.ErrIdentityConflict)
	}
	k := masterIdentity(master)
	if _, ok := tx.byIdentity[k]; ok {
		return fmt.Errorf("master %s/%q/%d exists: %w", k.domain, k.titleKey, k.year, ingest.ErrIdentityConflict)
	}
	if _, ok := tx.store.byIdentity[k]; ok {
		return fmt.Errorf("master %s/%q/%d exists: %w", k.domain, k.titleKey, k.year, ingest.ErrIdentityConflict)
	}
	tx.masters[master.ContentID] = copyMaster(master)
	tx.byIdentity[k] = master.ContentID
	return nil
}

func (tx *contentTx) FindPlatformByPlatformAndID(_ context.Context, platformName, platformSpecificID string) (ingest.PlatformRecord, error) {
	k := platformKey{platform: platformName, specificID: platformSpecificID}
	pid, ok := tx.byPlatform[k]
	if !ok {
		pid, ok = tx.store.byPlatform[k]
	}
	if !ok {
		return ingest.PlatformRecord{}, fmt.Errorf("platform %s/%s: %w", platformName, platformSpecificID, ingest.ErrNotFound)
	}
	p, _ := tx.lookupPlatform(pid)
	return copyPlatform(p), nil
}

func (tx *contentTx) CreateOrUpdatePlatform(_ context.Context, record ingest.PlatformRecord) error {
	if record.PlatformDataID == "" {
		return &ingest.ValidationError{Field: "platform_data_id", Reason: "required"}
	}
	if _, ok := tx.lookupMaster(record.ContentID); !ok {
		return fmt.Errorf("content %s: %w", record.ContentID, ingest.ErrNotFound)
	}
	k := platformKey{platform: record.PlatformName, specificID: record.PlatformSpecificID}
	owner, ok := tx.byPlatform[k]
	if !ok {
		owner, ok = tx.store.byPlatform[k]
	}
	if ok && owner != record.PlatformDataID {
		return fmt.Errorf("platform %s/%s owned by %s: %w", k.platform, k.specificID, owner, ingest.ErrIdentityConflict)
	}
	tx.platforms[record.PlatformDataID] = copyPlatform(record)
	tx.byPlatform[k] = record.PlatformDataID
	return nil
}

func (tx *contentTx) master(contentID string) ingest.MasterRecord {
	m, _ := tx.lookupMaster(contentID)
	return m
}

func (tx *contentTx) lookupMaster(contentID string) (ingest.MasterRecord, bool) {
	if m, ok := tx.masters[contentID]; ok {
		return m, true
	}
	m, ok := tx.store.masters[contentID]
	return m, ok
}

func (tx *contentTx) lookupPlatform(pid string) (ingest.PlatformRecord, bool) {
	if p, ok := tx.platforms[pid]; ok {
		return p, true
	}
	p, ok := tx.store.platforms[pid]
	return p, ok
}

func masterIdentity(m ingest.MasterRecord) identityKey {
	return identityKey{domain: m.Domain, titleKey: m.TitleKey(), year: m.ReleaseYear()}
}

func copyMaster(m ingest.MasterRecord) ingest.MasterRecord {
	if m.ReleaseDate != nil {
		d := *m.ReleaseDate
		m.ReleaseDate = &d
	}
	return m
}

func copyPlatform(p ingest.PlatformRecord) ingest.PlatformRecord {
	if p.Rating != nil {
		r := *p.Rating
		p.Rating = &r
	}
	if p.ReviewCount != nil {
		n := *p.ReviewCount
		p.ReviewCount = &n
	}
	if p.Attributes != nil {
		attrs := make(map[string]any, len(p.Attributes))
		for k, v := range p.Attributes {
			attrs[k] = v
		}
		p.Attributes = attrs
	}
	return p
}
