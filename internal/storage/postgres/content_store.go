package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/content-ingest/internal/ingest"
)

const masterColumns = `content_id, domain, master_title, original_title, release_date,
	poster_image_url, synopsis, created_at, updated_at`

const platformColumns = `platform_data_id, content_id, platform_name, platform_specific_id, url,
	rating, review_count, attributes, last_seen_at`

// ContentStore persists master and platform records.
type ContentStore struct {
	db DB
}

// NewContentStore constructs a ContentStore on db.
func NewContentStore(db DB) (*ContentStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ContentStore{db: db}, nil
}

// InTx runs fn inside a database transaction committed only when fn returns nil.
func (s *ContentStore) InTx(ctx context.Context, fn func(ctx context.Context, tx ingest.ContentTx) error) error {
	return s.withTx(ctx, func(q querier) error {
		return fn(ctx, &contentTx{q: q})
	})
}

func (s *ContentStore) withTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin content tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit content tx: %w", classify(err))
	}
	committed = true
	return nil
}

// GetMaster fetches a master record by content ID.
func (s *ContentStore) GetMaster(ctx context.Context, contentID string) (ingest.MasterRecord, error) {
	row := s.db.QueryRow(ctx, `SELECT `+masterColumns+` FROM master_records WHERE content_id = $1`, contentID)
	m, err := scanMaster(row)
	if err != nil {
		return ingest.MasterRecord{}, fmt.Errorf("get master: %w", notFound(err, "content "+contentID))
	}
	return m, nil
}

// ListPlatforms returns the platform records attached to contentID.
func (s *ContentStore) ListPlatforms(ctx context.Context, contentID string) ([]ingest.PlatformRecord, error) {
	rows, err := s.db.Query(ctx, `SELECT `+platformColumns+` FROM platform_records
WHERE content_id = $1 ORDER BY platform_name, platform_specific_id`, contentID)
	if err != nil {
		return nil, fmt.Errorf("list platforms: %w", err)
	}
	defer rows.Close()

	var out []ingest.PlatformRecord
	for rows.Next() {
		p, err := scanPlatform(rows)
		if err != nil {
			return nil, fmt.Errorf("list platforms: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list platforms: %w", err)
	}
	return out, nil
}

// DeleteMaster removes a master record and its platform records in one transaction.
func (s *ContentStore) DeleteMaster(ctx context.Context, contentID string) error {
	return s.withTx(ctx, func(q querier) error {
		if _, err := q.Exec(ctx, `DELETE FROM platform_records WHERE content_id = $1`, contentID); err != nil {
			return fmt.Errorf("delete platforms: %w", err)
		}
		tag, err := q.Exec(ctx, `DELETE FROM master_records WHERE content_id = $1`, contentID)
		if err != nil {
			return fmt.Errorf("delete master: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("content %s: %w", contentID, ingest.ErrNotFound)
		}
		return nil
	})
}

type contentTx struct {
	q querier
}

func (tx *contentTx) FindMasterByDomainTitleYear(ctx context.Context, domain ingest.Domain, titleKey string, year int) (ingest.MasterRecord, error) {
	row := tx.q.QueryRow(ctx, `SELECT `+masterColumns+` FROM master_records
WHERE domain = $1 AND title_key = $2 AND release_year = $3`, string(domain), titleKey, year)
	m, err := scanMaster(row)
	if err != nil {
		return ingest.MasterRecord{}, fmt.Errorf("find master: %w", notFound(err, fmt.Sprintf("master %s/%q/%d", domain, titleKey, year)))
	}
	return m, nil
}

func (tx *contentTx) CreateMaster(ctx context.Context, m ingest.MasterRecord) error {
	const query = `
INSERT INTO master_records (content_id, domain, master_title, title_key, release_year, original_title,
	release_date, poster_image_url, synopsis, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := tx.q.Exec(ctx, query,
		m.ContentID,
		string(m.Domain),
		m.MasterTitle,
		m.TitleKey(),
		m.ReleaseYear(),
		m.OriginalTitle,
		m.ReleaseDate,
		m.PosterImageURL,
		m.Synopsis,
		m.CreatedAt,
		m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert master: %w", classify(err))
	}
	return nil
}

func (tx *contentTx) FindPlatformByPlatformAndID(ctx context.Context, platformName, platformSpecificID string) (ingest.PlatformRecord, error) {
	row := tx.q.QueryRow(ctx, `SELECT `+platformColumns+` FROM platform_records
WHERE platform_name = $1 AND platform_specific_id = $2`, platformName, platformSpecificID)
	p, err := scanPlatform(row)
	if err != nil {
		return ingest.PlatformRecord{}, fmt.Errorf("find platform: %w", notFound(err, "platform "+platformName+"/"+platformSpecificID))
	}
	return p, nil
}

func (tx *contentTx) CreateOrUpdatePlatform(ctx context.Context, p ingest.PlatformRecord) error {
	attrs, err := marshalAttributes(p.Attributes)
	if err != nil {
		return err
	}
	const query = `
INSERT INTO platform_records (platform_data_id, content_id, platform_name, platform_specific_id, url,
	rating, review_count, attributes, last_seen_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (platform_data_id) DO UPDATE SET
	url = EXCLUDED.url,
	rating = EXCLUDED.rating,
	review_count = EXCLUDED.review_count,
	attributes = EXCLUDED.attributes,
	last_seen_at = EXCLUDED.last_seen_at`

	_, err = tx.q.Exec(ctx, query,
		p.PlatformDataID,
		p.ContentID,
		p.PlatformName,
		p.PlatformSpecificID,
		p.URL,
		p.Rating,
		p.ReviewCount,
		attrs,
		p.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("upsert platform: %w", classify(err))
	}
	return nil
}

// classify maps constraint violations onto the shared sentinels.
func classify(err error) error {
	switch pgErrorCode(err) {
	case codeUniqueViolation:
		return fmt.Errorf("%w: %v", ingest.ErrIdentityConflict, err)
	case codeForeignKeyViolation:
		return fmt.Errorf("%w: %v", ingest.ErrNotFound, err)
	default:
		return err
	}
}

func marshalAttributes(attrs map[string]any) ([]byte, error) {
	if attrs == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("marshal attributes: %w", err)
	}
	return data, nil
}

func scanMaster(row pgx.Row) (ingest.MasterRecord, error) {
	var (
		m      ingest.MasterRecord
		domain string
	)
	err := row.Scan(
		&m.ContentID,
		&domain,
		&m.MasterTitle,
		&m.OriginalTitle,
		&m.ReleaseDate,
		&m.PosterImageURL,
		&m.Synopsis,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return ingest.MasterRecord{}, err
	}
	m.Domain = ingest.Domain(domain)
	if m.ReleaseDate != nil {
		d := m.ReleaseDate.UTC()
		m.ReleaseDate = &d
	}
	return m, nil
}

func scanPlatform(row pgx.Row) (ingest.PlatformRecord, error) {
	var (
		p     ingest.PlatformRecord
		attrs []byte
		seen  time.Time
	)
	err := row.Scan(
		&p.PlatformDataID,
		&p.ContentID,
		&p.PlatformName,
		&p.PlatformSpecificID,
		&p.URL,
		&p.Rating,
		&p.ReviewCount,
		&attrs,
		&seen,
	)
	if err != nil {
		return ingest.PlatformRecord{}, err
	}
	p.LastSeenAt = seen
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &p.Attributes); err != nil {
			return ingest.PlatformRecord{}, fmt.Errorf("decode attributes: %w", err)
		}
		if len(p.Attributes) == 0 {
			p.Attributes = nil
		}
	}
	return p, nil
}
