package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/xpm-connect/internal/crypto"
	"github.com/smallbiznis/xpm-connect/internal/domain"
	"github.com/smallbiznis/xpm-connect/internal/domain/xero"
)

var testNow = time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

func TestStoreRoundTrip(t *testing.T) {
	h := newStoreHarness(t)
	ctx := context.Background()

	set := xero.TokenSet{
		AccessToken:  "access",
		RefreshToken: "refresh",
		IDToken:      "id",
		TokenType:    "Bearer",
		Scope:        "openid offline_access",
		ExpiresAt:    testNow.Add(30 * time.Minute).Unix(),
	}
	require.NoError(t, h.store.Save(ctx, "t1", set))

	rec := h.repo.records["t1"]
	require.NotContains(t, rec.TokenSetEnc, "access")
	require.True(t, rec.ExpiresAt.Equal(testNow.Add(30*time.Minute)))

	loaded, err := h.store.Load(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, set, loaded)
}

func TestStoreSaveDefaultsRecordExpiry(t *testing.T) {
	h := newStoreHarness(t)

	require.NoError(t, h.store.Save(context.Background(), "t1", xero.TokenSet{AccessToken: "a"}))
	require.True(t, h.repo.records["t1"].ExpiresAt.Equal(testNow.Add(time.Hour)))
}

func TestStoreSaveSurfacesPersistenceError(t *testing.T) {
	h := newStoreHarness(t)
	h.repo.upsertErr = errors.New("disk full")

	err := h.store.Save(context.Background(), "t1", xero.TokenSet{AccessToken: "a"})
	require.ErrorIs(t, err, xero.ErrPersistence)
	require.ErrorContains(t, err, "disk full")
}

func TestStoreLoadNotFound(t *testing.T) {
	h := newStoreHarness(t)

	_, err := h.store.Load(context.Background(), "missing")
	require.ErrorIs(t, err, xero.ErrTokenNotFound)

	_, err = h.store.GetValidAccessToken(context.Background(), "missing")
	require.ErrorIs(t, err, xero.ErrTokenNotFound)
}

func TestStoreLoadTamperedBlob(t *testing.T) {
	h := newStoreHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, "t1", xero.TokenSet{AccessToken: "a"}))

	rec := h.repo.records["t1"]
	raw := []byte(rec.TokenSetEnc)
	if raw[20] == 'A' {
		raw[20] = 'B'
	} else {
		raw[20] = 'A'
	}
	rec.TokenSetEnc = string(raw)
	h.repo.records["t1"] = rec

	set, err := h.store.Load(ctx, "t1")
	require.ErrorIs(t, err, xero.ErrDecryption)
	require.Empty(t, set.AccessToken)
}

func TestStoreLoadWithWrongKey(t *testing.T) {
	h := newStoreHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, "t1", xero.TokenSet{AccessToken: "a"}))

	other := NewStore(h.repo, newCipher(t), h.refresher, zap.NewNop(), WithClock(func() time.Time { return testNow }))
	_, err := other.Load(ctx, "t1")
	require.ErrorIs(t, err, xero.ErrDecryption)
}

func TestGetValidAccessTokenRefreshesNearExpiry(t *testing.T) {
	h := newStoreHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, "t1", xero.TokenSet{
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    testNow.Add(30 * time.Second).Unix(),
	}))
	h.refresher.next = &xero.TokenSet{
		AccessToken:  "new-access",
		RefreshToken: "new-refresh",
		ExpiresAt:    testNow.Add(30 * time.Minute).Unix(),
	}

	tok, err := h.store.GetValidAccessToken(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "new-access", tok.AccessToken)
	require.Equal(t, "t1", tok.TenantID)
	require.Equal(t, int32(1), h.refresher.calls.Load())
	require.Equal(t, "old-refresh", h.refresher.lastRefreshToken)

	persisted, err := h.store.Load(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "new-access", persisted.AccessToken)
	require.Equal(t, "new-refresh", persisted.RefreshToken)
}

func TestGetValidAccessTokenSkipsFreshToken(t *testing.T) {
	h := newStoreHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, "t1", xero.TokenSet{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    testNow.Add(10 * time.Minute).Unix(),
	}))

	tok, err := h.store.GetValidAccessToken(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "access", tok.AccessToken)
	require.Zero(t, h.refresher.calls.Load())
}

func TestGetValidAccessTokenWithoutExpiryIsNotRefreshed(t *testing.T) {
	h := newStoreHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, "t1", xero.TokenSet{AccessToken: "access", RefreshToken: "refresh"}))

	tok, err := h.store.GetValidAccessToken(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "access", tok.AccessToken)
	require.Zero(t, h.refresher.calls.Load())
}

func TestGetValidAccessTokenKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	h := newStoreHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, "t1", xero.TokenSet{
		AccessToken:  "old",
		RefreshToken: "keep-me",
		ExpiresAt:    testNow.Add(-time.Minute).Unix(),
	}))
	h.refresher.next = &xero.TokenSet{AccessToken: "new", ExpiresAt: testNow.Add(time.Hour).Unix()}

	_, err := h.store.GetValidAccessToken(ctx, "t1")
	require.NoError(t, err)

	persisted, err := h.store.Load(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "keep-me", persisted.RefreshToken)
}

func TestGetValidAccessTokenRejectedRefresh(t *testing.T) {
	h := newStoreHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, "t1", xero.TokenSet{
		AccessToken:  "old",
		RefreshToken: "revoked",
		ExpiresAt:    testNow.Add(10 * time.Second).Unix(),
	}))
	h.refresher.err = &xero.UpstreamError{Status: 400, Body: `{"error":"invalid_grant"}`, Endpoint: "token"}

	_, err := h.store.GetValidAccessToken(ctx, "t1")
	require.ErrorIs(t, err, xero.ErrAuthExpired)

	persisted, err := h.store.Load(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "old", persisted.AccessToken)
}

func TestGetValidAccessTokenUpstreamOutageIsNotReauth(t *testing.T) {
	h := newStoreHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, "t1", xero.TokenSet{
		AccessToken:  "old",
		RefreshToken: "r",
		ExpiresAt:    testNow.Add(10 * time.Second).Unix(),
	}))
	h.refresher.err = &xero.UpstreamError{Status: 503, Endpoint: "token"}

	_, err := h.store.GetValidAccessToken(ctx, "t1")
	require.Error(t, err)
	require.NotErrorIs(t, err, xero.ErrAuthExpired)
}

func TestGetValidAccessTokenMissingRefreshToken(t *testing.T) {
	h := newStoreHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, "t1", xero.TokenSet{
		AccessToken: "old",
		ExpiresAt:   testNow.Add(-time.Hour).Unix(),
	}))

	_, err := h.store.GetValidAccessToken(ctx, "t1")
	require.ErrorIs(t, err, xero.ErrAuthExpired)
	require.Zero(t, h.refresher.calls.Load())
}

func TestGetValidAccessTokenConcurrentCallersShareRefresh(t *testing.T) {
	h := newStoreHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, "t1", xero.TokenSet{
		AccessToken:  "old",
		RefreshToken: "r",
		ExpiresAt:    testNow.Add(5 * time.Second).Unix(),
	}))
	release := make(chan struct{})
	h.refresher.block = release
	h.refresher.next = &xero.TokenSet{AccessToken: "new", RefreshToken: "r2", ExpiresAt: testNow.Add(time.Hour).Unix()}

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := h.store.GetValidAccessToken(ctx, "t1")
			if err != nil {
				results <- "error: " + err.Error()
				return
			}
			results <- tok.AccessToken
		}()
	}

	require.Eventually(t, func() bool { return h.refresher.calls.Load() == 1 }, time.Second, time.Millisecond)
	// Give the remaining callers time to join the in-flight refresh.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for got := range results {
		require.Equal(t, "new", got)
	}
	require.Equal(t, int32(1), h.refresher.calls.Load())
}

func TestGetValidAccessTokenCancelledCallerDoesNotAbortRefresh(t *testing.T) {
	h := newStoreHarness(t)
	require.NoError(t, h.store.Save(context.Background(), "t1", xero.TokenSet{
		AccessToken:  "old",
		RefreshToken: "r",
		ExpiresAt:    testNow.Add(5 * time.Second).Unix(),
	}))
	release := make(chan struct{})
	h.refresher.block = release
	h.refresher.next = &xero.TokenSet{AccessToken: "new", RefreshToken: "r2", ExpiresAt: testNow.Add(time.Hour).Unix()}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := h.store.GetValidAccessToken(ctx, "t1")
		errc <- err
	}()

	require.Eventually(t, func() bool { return h.refresher.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	close(release)
	require.Eventually(t, func() bool {
		set, err := h.store.Load(context.Background(), "t1")
		return err == nil && set.AccessToken == "new"
	}, time.Second, time.Millisecond)
	require.Equal(t, "<nil>", h.refresher.ctxErr.Load())

	// The refreshed token is now fresh, so the next caller needs no grant.
	tok, err := h.store.GetValidAccessToken(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, "new", tok.AccessToken)
	require.Equal(t, int32(1), h.refresher.calls.Load())
}

// ---- Test harness and fakes ----

type storeHarness struct {
	store     Store
	repo      *memoryTokenRepo
	refresher *fakeRefresher
}

func newStoreHarness(t *testing.T) *storeHarness {
	t.Helper()
	repo := newMemoryTokenRepo()
	refresher := &fakeRefresher{}
	s := NewStore(repo, newCipher(t), refresher, zap.NewNop(), WithClock(func() time.Time { return testNow }))
	return &storeHarness{store: s, repo: repo, refresher: refresher}
}

func newCipher(t *testing.T) *crypto.Cipher {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	c, err := crypto.NewCipherFromBase64(key)
	require.NoError(t, err)
	return c
}

type memoryTokenRepo struct {
	mu        sync.Mutex
	records   map[string]domain.TokenRecord
	upsertErr error
}

func newMemoryTokenRepo() *memoryTokenRepo {
	return &memoryTokenRepo{records: map[string]domain.TokenRecord{}}
}

func (m *memoryTokenRepo) Upsert(_ context.Context, record domain.TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.records[record.TenantID] = record
	return nil
}

func (m *memoryTokenRepo) Get(_ context.Context, tenantID string) (domain.TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[tenantID]
	if !ok {
		return domain.TokenRecord{}, fmt.Errorf("tenant %s: %w", tenantID, xero.ErrTokenNotFound)
	}
	return rec, nil
}

func (m *memoryTokenRepo) List(context.Context) ([]domain.TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.TokenRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out, nil
}

type fakeRefresher struct {
	calls            atomic.Int32
	next             *xero.TokenSet
	err              error
	block            chan struct{}
	lastRefreshToken string
	ctxErr           atomic.Value
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (*xero.TokenSet, error) {
	f.calls.Add(1)
	f.lastRefreshToken = refreshToken
	if f.block != nil {
		<-f.block
	}
	f.ctxErr.Store(fmt.Sprint(ctx.Err()))
	if f.err != nil {
		return nil, f.err
	}
	copied := *f.next
	return &copied, nil
}
