package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/content-ingest/internal/ingest"
)

var masterColumnNames = []string{
	"content_id", "domain", "master_title", "original_title", "release_date",
	"poster_image_url", "synopsis", "created_at", "updated_at",
}

var platformColumnNames = []string{
	"platform_data_id", "content_id", "platform_name", "platform_specific_id", "url",
	"rating", "review_count", "attributes", "last_seen_at",
}

func newContentStore(t *testing.T) (*ContentStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewContentStore(mock)
	require.NoError(t, err)
	return store, mock
}

func TestInTxCreatesMasterAndPlatform(t *testing.T) {
	t.Parallel()

	store, mock := newContentStore(t)
	released := time.Date(2017, time.December, 21, 0, 0, 0, 0, time.UTC)
	rating := 8.6
	reviews := int64(1543021)
	master := ingest.MasterRecord{
		ContentID:   "c1",
		Domain:      ingest.DomainGame,
		MasterTitle: "PUBG: BATTLEGROUNDS",
		ReleaseDate: &released,
		CreatedAt:   epoch,
		UpdatedAt:   epoch,
	}
	platform := ingest.PlatformRecord{
		PlatformDataID:     "p1",
		ContentID:          "c1",
		PlatformName:       "STEAM",
		PlatformSpecificID: "578080",
		URL:                "https://store.steampowered.com/app/578080",
		Rating:             &rating,
		ReviewCount:        &reviews,
		Attributes:         map[string]any{"genres": []any{"Action"}},
		LastSeenAt:         epoch,
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO master_records").
		WithArgs("c1", "GAME", "PUBG: BATTLEGROUNDS", "pubg: battlegrounds", 2017, "", &released, "", "", epoch, epoch).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO platform_records").
		WithArgs("p1", "c1", "STEAM", "578080", platform.URL, &rating, &reviews, []byte(`{"genres":["Action"]}`), epoch).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := store.InTx(context.Background(), func(ctx context.Context, tx ingest.ContentTx) error {
		if err := tx.CreateMaster(ctx, master); err != nil {
			return err
		}
		return tx.CreateOrUpdatePlatform(ctx, platform)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxMapsUniqueViolationAndRollsBack(t *testing.T) {
	t.Parallel()

	store, mock := newContentStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO master_records").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "master_records_identity_uq"})
	mock.ExpectRollback()

	err := store.InTx(context.Background(), func(ctx context.Context, tx ingest.ContentTx) error {
		return tx.CreateMaster(ctx, ingest.MasterRecord{ContentID: "c2", Domain: ingest.DomainGame, MasterTitle: "PUBG"})
	})
	require.ErrorIs(t, err, ingest.ErrIdentityConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxRollsBackCallbackError(t *testing.T) {
	t.Parallel()

	store, mock := newContentStore(t)
	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.InTx(context.Background(), func(context.Context, ingest.ContentTx) error { return boom })
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindMasterByDomainTitleYear(t *testing.T) {
	t.Parallel()

	store, mock := newContentStore(t)
	released := time.Date(2017, time.December, 21, 0, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery("FROM master_records").
		WithArgs("GAME", "pubg", 2017).
		WillReturnRows(mock.NewRows(masterColumnNames).
			AddRow("c1", "GAME", "PUBG", "PUBG", &released, "", "", epoch, epoch))
	mock.ExpectQuery("FROM master_records").
		WithArgs("GAME", "dota 2", 2013).
		WillReturnRows(mock.NewRows(masterColumnNames))
	mock.ExpectCommit()

	err := store.InTx(context.Background(), func(ctx context.Context, tx ingest.ContentTx) error {
		m, err := tx.FindMasterByDomainTitleYear(ctx, ingest.DomainGame, "pubg", 2017)
		require.NoError(t, err)
		require.Equal(t, "c1", m.ContentID)
		require.Equal(t, ingest.DomainGame, m.Domain)
		require.Equal(t, 2017, m.ReleaseYear())

		_, err = tx.FindMasterByDomainTitleYear(ctx, ingest.DomainGame, "dota 2", 2013)
		require.ErrorIs(t, err, ingest.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPlatformsDecodesAttributes(t *testing.T) {
	t.Parallel()

	store, mock := newContentStore(t)
	rating := 8.6
	var noReviews *int64
	mock.ExpectQuery("FROM platform_records").
		WithArgs("c1").
		WillReturnRows(mock.NewRows(platformColumnNames).
			AddRow("p1", "c1", "STEAM", "578080", "", &rating, noReviews, []byte(`{"genres":["Action"]}`), epoch).
			AddRow("p2", "c1", "TMDB_MOVIE", "1", "", (*float64)(nil), noReviews, []byte(`{}`), epoch))

	platforms, err := store.ListPlatforms(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, platforms, 2)
	require.Equal(t, []any{"Action"}, platforms[0].Attributes["genres"])
	require.InDelta(t, 8.6, *platforms[0].Rating, 1e-9)
	require.Nil(t, platforms[1].Attributes)
	require.Nil(t, platforms[1].Rating)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteMasterCascades(t *testing.T) {
	t.Parallel()

	store, mock := newContentStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM platform_records").
		WithArgs("c1").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec("DELETE FROM master_records").
		WithArgs("c1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()
	require.NoError(t, store.DeleteMaster(context.Background(), "c1"))

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM platform_records").
		WithArgs("c9").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("DELETE FROM master_records").
		WithArgs("c9").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectRollback()
	require.ErrorIs(t, store.DeleteMaster(context.Background(), "c9"), ingest.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
