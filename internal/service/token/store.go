// Package token keeps per-tenant Xero token sets encrypted at rest and hands
// out access tokens that are refreshed shortly before they expire.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/smallbiznis/xpm-connect/internal/crypto"
	"github.com/smallbiznis/xpm-connect/internal/domain"
	"github.com/smallbiznis/xpm-connect/internal/domain/xero"
	"github.com/smallbiznis/xpm-connect/internal/repository"
)

const (
	// RefreshWindow is how close to expiry an access token is refreshed.
	RefreshWindow = 60 * time.Second
	// defaultRecordTTL is used for the record column when the token set carries no expiry.
	defaultRecordTTL = time.Hour
	// refreshTimeout bounds a refresh grant detached from its caller.
	refreshTimeout = 30 * time.Second
)

// Refresher redeems a refresh token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*xero.TokenSet, error)
}

// AccessToken is a usable bearer token for one tenant.
type AccessToken struct {
	AccessToken string
	TenantID    string
	TokenSet    xero.TokenSet
}

// Store defines token persistence and refresh behaviors.
type Store interface {
	Save(ctx context.Context, tenantID string, set xero.TokenSet) error
	Load(ctx context.Context, tenantID string) (xero.TokenSet, error)
	GetValidAccessToken(ctx context.Context, tenantID string) (*AccessToken, error)
}

// Option customizes the store.
type Option func(*store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *store) {
		if now != nil {
			s.now = now
		}
	}
}

type store struct {
	repo      repository.TokenRepository
	cipher    *crypto.Cipher
	refresher Refresher
	logger    *zap.Logger
	now       func() time.Time
	flights   singleflight.Group
}

// NewStore wires the token store.
func NewStore(repo repository.TokenRepository, cipher *crypto.Cipher, refresher Refresher, logger *zap.Logger, opts ...Option) Store {
	if logger == nil {
		logger = zap.L()
	}
	s := &store{
		repo:      repo,
		cipher:    cipher,
		refresher: refresher,
		logger:    logger.Named("token_store"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *store) Save(ctx context.Context, tenantID string, set xero.TokenSet) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenant id required", xero.ErrInvalidRequest)
	}
	payload, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("encode token set: %w", err)
	}
	blob, err := s.cipher.Encrypt(payload)
	if err != nil {
		return fmt.Errorf("encrypt token set: %w", err)
	}

	now := s.now().UTC()
	expiresAt := set.Expiry()
	if expiresAt.IsZero() {
		expiresAt = now.Add(defaultRecordTTL)
	}

	record := domain.TokenRecord{
		TenantID:    tenantID,
		TokenSetEnc: blob,
		ExpiresAt:   expiresAt,
		UpdatedAt:   now,
	}
	if err := s.repo.Upsert(ctx, record); err != nil {
		return fmt.Errorf("%w: %w", xero.ErrPersistence, err)
	}

	s.logger.Debug("token set saved",
		zap.String("tenant_id", tenantID),
		zap.Time("expires_at", expiresAt),
		zap.Bool("has_refresh_token", set.RefreshToken != ""),
	)
	return nil
}

func (s *store) Load(ctx context.Context, tenantID string) (xero.TokenSet, error) {
	record, err := s.repo.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, xero.ErrTokenNotFound) {
			return xero.TokenSet{}, err
		}
		return xero.TokenSet{}, fmt.Errorf("%w: %w", xero.ErrPersistence, err)
	}

	plaintext, err := s.cipher.Decrypt(record.TokenSetEnc)
	if err != nil {
		return xero.TokenSet{}, fmt.Errorf("%w: tenant %s: %w", xero.ErrDecryption, tenantID, err)
	}
	var set xero.TokenSet
	if err := json.Unmarshal(plaintext, &set); err != nil {
		return xero.TokenSet{}, fmt.Errorf("%w: tenant %s: decode: %w", xero.ErrDecryption, tenantID, err)
	}
	return set, nil
}

func (s *store) GetValidAccessToken(ctx context.Context, tenantID string) (*AccessToken, error) {
	set, err := s.Load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !set.ExpiresWithin(s.now(), RefreshWindow) {
		return &AccessToken{AccessToken: set.AccessToken, TenantID: tenantID, TokenSet: set}, nil
	}

	// Concurrent callers for one tenant share a single refresh grant. The grant
	// ignores cancellation of the caller that started it; each caller stops
	// waiting when its own ctx is done.
	flight := s.flights.DoChan(tenantID, func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return s.refresh(refreshCtx, tenantID, set)
	})

	var res singleflight.Result
	select {
	case res = <-flight:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	refreshed := res.Val.(xero.TokenSet)
	if res.Shared {
		s.logger.Debug("joined in-flight refresh", zap.String("tenant_id", tenantID))
	}
	return &AccessToken{AccessToken: refreshed.AccessToken, TenantID: tenantID, TokenSet: refreshed}, nil
}

func (s *store) refresh(ctx context.Context, tenantID string, current xero.TokenSet) (xero.TokenSet, error) {
	if current.RefreshToken == "" {
		return xero.TokenSet{}, fmt.Errorf("%w: tenant %s has no refresh token", xero.ErrAuthExpired, tenantID)
	}

	s.logger.Info("refreshing access token",
		zap.String("tenant_id", tenantID),
		zap.Time("expires_at", current.Expiry()),
	)
	next, err := s.refresher.Refresh(ctx, current.RefreshToken)
	if err != nil {
		if status, ok := xero.UpstreamStatus(err); ok && status >= 400 && status < 500 {
			s.logger.Warn("refresh grant rejected", zap.String("tenant_id", tenantID), zap.Int("status", status))
			return xero.TokenSet{}, fmt.Errorf("%w: %w", xero.ErrAuthExpired, err)
		}
		return xero.TokenSet{}, fmt.Errorf("refresh token: %w", err)
	}

	refreshed := *next
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = current.RefreshToken
	}
	if err := s.Save(ctx, tenantID, refreshed); err != nil {
		return xero.TokenSet{}, err
	}
	return refreshed, nil
}
