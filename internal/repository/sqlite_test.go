package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/xpm-connect/internal/domain"
	"github.com/smallbiznis/xpm-connect/internal/domain/xero"
)

func newSQLiteRepo(t *testing.T) *SQLiteTokenRepo {
	t.Helper()
	repo, err := NewSQLiteTokenRepo(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestSQLiteTokenRepoUpsertReplacesRow(t *testing.T) {
	ctx := context.Background()
	repo := newSQLiteRepo(t)
	now := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Upsert(ctx, domain.TokenRecord{
		TenantID:    "tenant-1",
		TokenSetEnc: "first",
		ExpiresAt:   now.Add(time.Hour),
		UpdatedAt:   now,
	}))
	require.NoError(t, repo.Upsert(ctx, domain.TokenRecord{
		TenantID:    "tenant-1",
		TokenSetEnc: "second",
		ExpiresAt:   now.Add(2 * time.Hour),
		UpdatedAt:   now.Add(time.Minute),
	}))

	rec, err := repo.Get(ctx, "tenant-1")
	require.NoError(t, err)
	require.Equal(t, "second", rec.TokenSetEnc)
	require.True(t, rec.ExpiresAt.Equal(now.Add(2*time.Hour)))
	require.True(t, rec.UpdatedAt.Equal(now.Add(time.Minute)))

	records, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestSQLiteTokenRepoGetMissing(t *testing.T) {
	repo := newSQLiteRepo(t)

	_, err := repo.Get(context.Background(), "unknown")
	require.ErrorIs(t, err, xero.ErrTokenNotFound)
}

func TestSQLiteTokenRepoListNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := newSQLiteRepo(t)
	now := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, repo.Upsert(ctx, domain.TokenRecord{
			TenantID:    id,
			TokenSetEnc: "blob-" + id,
			ExpiresAt:   now.Add(time.Hour),
			UpdatedAt:   now.Add(time.Duration(i) * time.Minute),
		}))
	}

	records, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "c", records[0].TenantID)
	require.Equal(t, "a", records[2].TenantID)
}
