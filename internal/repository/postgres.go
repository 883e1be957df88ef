package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/xpm-connect/internal/domain"
	"github.com/smallbiznis/xpm-connect/internal/domain/xero"
)

// PostgresSchema creates the token table.
const PostgresSchema = `CREATE TABLE IF NOT EXISTS xero_tokens (
	tenant_id     TEXT PRIMARY KEY,
	token_set_enc TEXT NOT NULL,
	expires_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

var _ TokenRepository = (*PostgresTokenRepo)(nil)

// PostgresTokenRepo implements TokenRepository on pgx.
type PostgresTokenRepo struct {
	db *pgxpool.Pool
}

func NewPostgresTokenRepo(pool *pgxpool.Pool) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: pool}
}

const upsertTokenSQL = `INSERT INTO xero_tokens (tenant_id, token_set_enc, expires_at, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (tenant_id) DO UPDATE SET
	token_set_enc = EXCLUDED.token_set_enc,
	expires_at = EXCLUDED.expires_at,
	updated_at = EXCLUDED.updated_at`

func (r *PostgresTokenRepo) Upsert(ctx context.Context, record domain.TokenRecord) error {
	if _, err := r.db.Exec(ctx, upsertTokenSQL, record.TenantID, record.TokenSetEnc, record.ExpiresAt, record.UpdatedAt); err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}
	return nil
}

const selectTokenSQL = `SELECT tenant_id, token_set_enc, expires_at, updated_at
FROM xero_tokens
WHERE tenant_id = $1`

func (r *PostgresTokenRepo) Get(ctx context.Context, tenantID string) (domain.TokenRecord, error) {
	var rec domain.TokenRecord
	err := r.db.QueryRow(ctx, selectTokenSQL, tenantID).Scan(&rec.TenantID, &rec.TokenSetEnc, &rec.ExpiresAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TokenRecord{}, fmt.Errorf("tenant %s: %w", tenantID, xero.ErrTokenNotFound)
		}
		return domain.TokenRecord{}, fmt.Errorf("get token: %w", err)
	}
	return rec, nil
}

const listTokensSQL = `SELECT tenant_id, token_set_enc, expires_at, updated_at
FROM xero_tokens
ORDER BY updated_at DESC`

func (r *PostgresTokenRepo) List(ctx context.Context) ([]domain.TokenRecord, error) {
	rows, err := r.db.Query(ctx, listTokensSQL)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.TokenRecord, error) {
		var rec domain.TokenRecord
		err := row.Scan(&rec.TenantID, &rec.TokenSetEnc, &rec.ExpiresAt, &rec.UpdatedAt)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan tokens: %w", err)
	}
	return records, nil
}
