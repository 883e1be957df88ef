//go:build integration

package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/xpm-connect/internal/domain"
	"github.com/smallbiznis/xpm-connect/internal/domain/xero"
)

func TestPostgresTokenRepoIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, PostgresSchema)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `DELETE FROM xero_tokens WHERE tenant_id = 'it-tenant'`)
	require.NoError(t, err)

	repo := NewPostgresTokenRepo(pool)
	now := time.Now().UTC().Truncate(time.Second)

	_, err = repo.Get(ctx, "it-tenant")
	require.ErrorIs(t, err, xero.ErrTokenNotFound)

	require.NoError(t, repo.Upsert(ctx, domain.TokenRecord{TenantID: "it-tenant", TokenSetEnc: "one", ExpiresAt: now.Add(time.Hour), UpdatedAt: now}))
	require.NoError(t, repo.Upsert(ctx, domain.TokenRecord{TenantID: "it-tenant", TokenSetEnc: "two", ExpiresAt: now.Add(2 * time.Hour), UpdatedAt: now}))

	rec, err := repo.Get(ctx, "it-tenant")
	require.NoError(t, err)
	require.Equal(t, "two", rec.TokenSetEnc)
	require.True(t, rec.ExpiresAt.Equal(now.Add(2*time.Hour)))
}
