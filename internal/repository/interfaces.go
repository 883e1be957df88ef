package repository

import (
	"context"

	"github.com/smallbiznis/xpm-connect/internal/domain"
)

// TokenRepository persists one encrypted token record per tenant.
// Get returns an error wrapping xero.ErrTokenNotFound when no row exists.
type TokenRepository interface {
	Upsert(ctx context.Context, record domain.TokenRecord) error
	Get(ctx context.Context, tenantID string) (domain.TokenRecord, error)
	List(ctx context.Context) ([]domain.TokenRecord, error)
}
