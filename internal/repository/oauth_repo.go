package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/xpm-connect/internal/domain/xero"
)

// OAuthStateStore persists short-lived authorization state between consent and callback.
type OAuthStateStore interface {
	SaveState(ctx context.Context, key string, data xero.OAuthState, ttl time.Duration) error
	// ConsumeState loads and deletes the state in one step. A missing key yields (nil, nil).
	ConsumeState(ctx context.Context, key string) (*xero.OAuthState, error)
}
