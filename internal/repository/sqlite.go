package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/smallbiznis/xpm-connect/internal/domain"
	"github.com/smallbiznis/xpm-connect/internal/domain/xero"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS xero_tokens (
	tenant_id     TEXT PRIMARY KEY,
	token_set_enc TEXT NOT NULL,
	expires_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
)`

var _ TokenRepository = (*SQLiteTokenRepo)(nil)

// SQLiteTokenRepo implements TokenRepository on a local SQLite file, for
// single-instance and development deployments.
type SQLiteTokenRepo struct {
	db *sql.DB
}

// NewSQLiteTokenRepo opens dsn and creates the token table if needed.
func NewSQLiteTokenRepo(dsn string) (*SQLiteTokenRepo, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLiteTokenRepo{db: db}, nil
}

// Close releases the underlying database handle.
func (r *SQLiteTokenRepo) Close() error {
	return r.db.Close()
}

func (r *SQLiteTokenRepo) Upsert(ctx context.Context, record domain.TokenRecord) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO xero_tokens (tenant_id, token_set_enc, expires_at, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (tenant_id) DO UPDATE SET
	token_set_enc = excluded.token_set_enc,
	expires_at = excluded.expires_at,
	updated_at = excluded.updated_at`,
		record.TenantID, record.TokenSetEnc, record.ExpiresAt.UTC(), record.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}
	return nil
}

func (r *SQLiteTokenRepo) Get(ctx context.Context, tenantID string) (domain.TokenRecord, error) {
	var rec domain.TokenRecord
	row := r.db.QueryRowContext(ctx, `SELECT tenant_id, token_set_enc, expires_at, updated_at FROM xero_tokens WHERE tenant_id = ?`, tenantID)
	if err := row.Scan(&rec.TenantID, &rec.TokenSetEnc, &rec.ExpiresAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TokenRecord{}, fmt.Errorf("tenant %s: %w", tenantID, xero.ErrTokenNotFound)
		}
		return domain.TokenRecord{}, fmt.Errorf("get token: %w", err)
	}
	return rec, nil
}

func (r *SQLiteTokenRepo) List(ctx context.Context) ([]domain.TokenRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT tenant_id, token_set_enc, expires_at, updated_at FROM xero_tokens ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var records []domain.TokenRecord
	for rows.Next() {
		var rec domain.TokenRecord
		if err := rows.Scan(&rec.TenantID, &rec.TokenSetEnc, &rec.ExpiresAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tokens: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}
	return records, nil
}
