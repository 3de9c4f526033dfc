package identity

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/content-ingest/internal/clock"
	"github.com/JakeFAU/content-ingest/internal/id"
	"github.com/JakeFAU/content-ingest/internal/ingest"
	"github.com/JakeFAU/content-ingest/internal/storage/memory"
)

var epoch = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func newService(store ingest.ContentStore) *Service {
	return New(store, id.NewSequence("id"), clock.NewManual(epoch), Config{MaxAttempts: 3}, zap.NewNop())
}

func gameRequest(platform, specificID, title string, year int, rating float64) UpsertRequest {
	released := time.Date(year, time.June, 1, 0, 0, 0, 0, time.UTC)
	return UpsertRequest{
		Domain: ingest.DomainGame,
		Master: ingest.MasterRecord{
			MasterTitle: title,
			ReleaseDate: &released,
		},
		Platform: ingest.PlatformRecord{
			PlatformName: platform,
			Rating:       &rating,
			Attributes:   map[string]any{"genres": []any{"Action"}},
		},
		PlatformSpecificID: specificID,
		URL:                "https://example.com/" + specificID,
	}
}

func TestUpsertIsIdempotentPerPlatformID(t *testing.T) {
	t.Parallel()

	store := memory.NewContentStore()
	svc := newService(store)
	ctx := context.Background()

	first, err := svc.Upsert(ctx, gameRequest("STEAM", "578080", "PUBG", 2017, 8.6))
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, first.Outcome)
	require.NotEmpty(t, first.ContentID)

	second, err := svc.Upsert(ctx, gameRequest("STEAM", "578080", "PUBG: BATTLEGROUNDS", 2017, 7.9))
	require.NoError(t, err)
	require.Equal(t, OutcomeUpdated, second.Outcome)
	require.Equal(t, first.ContentID, second.ContentID)

	content, err := svc.Get(ctx, first.ContentID)
	require.NoError(t, err)
	require.Equal(t, "PUBG", content.Master.MasterTitle)
	require.Equal(t, ingest.DomainGame, content.Master.Domain)
	require.Len(t, content.Platforms, 1)
	require.InDelta(t, 7.9, *content.Platforms[0].Rating, 1e-9)
	require.Equal(t, "578080", content.Platforms[0].PlatformSpecificID)
	require.Equal(t, epoch, content.Platforms[0].LastSeenAt)
}

func TestUpsertAttachesAcrossPlatforms(t *testing.T) {
	t.Parallel()

	svc := newService(memory.NewContentStore())
	ctx := context.Background()

	steam, err := svc.Upsert(ctx, gameRequest("STEAM", "578080", "PUBG", 2017, 8.6))
	require.NoError(t, err)
	kakao, err := svc.Upsert(ctx, gameRequest("KAKAO_GAMES", "pubg", "  pubg ", 2017, 9.1))
	require.NoError(t, err)

	require.Equal(t, OutcomeAttached, kakao.Outcome)
	require.Equal(t, steam.ContentID, kakao.ContentID)

	content, err := svc.Get(ctx, steam.ContentID)
	require.NoError(t, err)
	require.Len(t, content.Platforms, 2)
}

func TestUpsertDifferentYearCreatesNewMaster(t *testing.T) {
	t.Parallel()

	svc := newService(memory.NewContentStore())
	ctx := context.Background()

	original, err := svc.Upsert(ctx, gameRequest("STEAM", "7670", "BioShock", 2007, 9))
	require.NoError(t, err)
	remake, err := svc.Upsert(ctx, gameRequest("STEAM", "409710", "BioShock", 2016, 8))
	require.NoError(t, err)

	require.Equal(t, OutcomeCreated, remake.Outcome)
	require.NotEqual(t, original.ContentID, remake.ContentID)
}

func TestUpsertRejectsIncompleteRequests(t *testing.T) {
	t.Parallel()

	svc := newService(memory.NewContentStore())
	ctx := context.Background()

	req := gameRequest("STEAM", "", "PUBG", 2017, 8)
	_, err := svc.Upsert(ctx, req)
	require.ErrorIs(t, err, ingest.ErrValidation)

	req = gameRequest("STEAM", "1", "   ", 2017, 8)
	_, err = svc.Upsert(ctx, req)
	require.ErrorIs(t, err, ingest.ErrValidation)

	req = gameRequest("STEAM", "1", "PUBG", 2017, 8)
	req.Domain = "MUSIC"
	_, err = svc.Upsert(ctx, req)
	require.ErrorIs(t, err, ingest.ErrValidation)
}

func TestConcurrentUpsertsConvergeOnOneMaster(t *testing.T) {
	t.Parallel()

	store := memory.NewContentStore()
	svc := newService(store)
	ctx := context.Background()

	const workers = 16
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Upsert(ctx, gameRequest(fmt.Sprintf("P%d", i), "1", "Solo Leveling", 2018, 9))
			if assert.NoError(t, err) {
				ids[i] = res.ContentID
			}
		}()
	}
	wg.Wait()

	for _, got := range ids {
		require.Equal(t, ids[0], got)
	}
	content, err := svc.Get(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, content.Platforms, workers)
	require.Zero(t, svc.locks.size())
}

// racingStore lets another writer commit the same master between this
// transaction's lookup and its insert.
type racingStore struct {
	*memory.ContentStore
	winner ingest.MasterRecord
	raced  bool
}

type staleTx struct {
	ingest.ContentTx
}

func (staleTx) FindMasterByDomainTitleYear(context.Context, ingest.Domain, string, int) (ingest.MasterRecord, error) {
	return ingest.MasterRecord{}, ingest.ErrNotFound
}

func (s *racingStore) InTx(ctx context.Context, fn func(context.Context, ingest.ContentTx) error) error {
	if s.raced {
		return s.ContentStore.InTx(ctx, fn)
	}
	s.raced = true
	err := s.ContentStore.InTx(ctx, func(ctx context.Context, tx ingest.ContentTx) error {
		return tx.CreateMaster(ctx, s.winner)
	})
	if err != nil {
		return err
	}
	return s.ContentStore.InTx(ctx, func(ctx context.Context, tx ingest.ContentTx) error {
		return fn(ctx, staleTx{tx})
	})
}

func TestUpsertRetriesIdentityConflictAsAttach(t *testing.T) {
	t.Parallel()

	released := time.Date(2017, time.June, 1, 0, 0, 0, 0, time.UTC)
	store := &racingStore{
		ContentStore: memory.NewContentStore(),
		winner: ingest.MasterRecord{
			ContentID:   "winner",
			Domain:      ingest.DomainGame,
			MasterTitle: "PUBG",
			ReleaseDate: &released,
		},
	}
	svc := newService(store)

	res, err := svc.Upsert(context.Background(), gameRequest("STEAM", "578080", "PUBG", 2017, 8.6))
	require.NoError(t, err)
	require.Equal(t, "winner", res.ContentID)
	require.Equal(t, OutcomeAttached, res.Outcome)
}

type conflictingStore struct {
	*memory.ContentStore
	attempts int
}

type conflictingTx struct {
	ingest.ContentTx
}

func (conflictingTx) CreateMaster(context.Context, ingest.MasterRecord) error {
	return fmt.Errorf("insert master: %w", ingest.ErrIdentityConflict)
}

func (s *conflictingStore) InTx(ctx context.Context, fn func(context.Context, ingest.ContentTx) error) error {
	s.attempts++
	return s.ContentStore.InTx(ctx, func(ctx context.Context, tx ingest.ContentTx) error {
		return fn(ctx, conflictingTx{tx})
	})
}

func TestUpsertGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	store := &conflictingStore{ContentStore: memory.NewContentStore()}
	svc := newService(store)

	_, err := svc.Upsert(context.Background(), gameRequest("STEAM", "578080", "PUBG", 2017, 8.6))
	require.ErrorIs(t, err, ingest.ErrIdentityConflict)
	require.Equal(t, 3, store.attempts)
}

func TestDeleteCascades(t *testing.T) {
	t.Parallel()

	svc := newService(memory.NewContentStore())
	ctx := context.Background()
	res, err := svc.Upsert(ctx, gameRequest("STEAM", "578080", "PUBG", 2017, 8.6))
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, res.ContentID))
	_, err = svc.Get(ctx, res.ContentID)
	require.ErrorIs(t, err, ingest.ErrNotFound)
	require.ErrorIs(t, svc.Delete(ctx, res.ContentID), ingest.ErrNotFound)
}
