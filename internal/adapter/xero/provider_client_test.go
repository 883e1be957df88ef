package xero

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	domainxero "github.com/smallbiznis/xpm-connect/internal/domain/xero"
)

var fixedNow = time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, srv *httptest.Server) *HTTPProviderClient {
	t.Helper()
	cfg := domainxero.ProviderConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "https://app.example.com/callback",
		Scopes:       []string{"openid", "offline_access"},
		LoginURL:     srv.URL + "/identity/connect/authorize",
		IdentityURL:  srv.URL + "/connect/token",
		APIBaseURL:   srv.URL,
	}
	return NewHTTPProviderClient(cfg, Options{
		HTTPClient: srv.Client(),
		Logger:     zap.NewNop(),
		Now:        func() time.Time { return fixedNow },
	})
}

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test"))
	require.NoError(t, err)
	return token
}

func TestAuthCodeURL(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	client := newTestClient(t, srv)

	raw := client.AuthCodeURL("state-1", []string{"openid", "practicemanager"})
	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "/identity/connect/authorize", parsed.Path)

	q := parsed.Query()
	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, "client-id", q.Get("client_id"))
	require.Equal(t, "https://app.example.com/callback", q.Get("redirect_uri"))
	require.Equal(t, "openid practicemanager", q.Get("scope"))
	require.Equal(t, "state-1", q.Get("state"))
}

func TestExchangeCodeUsesBasicAuthAndComputesExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/connect/token", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "client-id", user)
		require.Equal(t, "client-secret", pass)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		require.Equal(t, "auth-code", r.PostForm.Get("code"))
		require.Equal(t, "https://app.example.com/callback", r.PostForm.Get("redirect_uri"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access",
			"refresh_token": "refresh",
			"token_type":    "Bearer",
			"scope":         "openid offline_access",
			"expires_in":    1800,
		})
	}))
	defer srv.Close()

	token, err := newTestClient(t, srv).ExchangeCode(context.Background(), "auth-code")
	require.NoError(t, err)
	require.Equal(t, "access", token.AccessToken)
	require.Equal(t, "refresh", token.RefreshToken)
	require.Equal(t, fixedNow.Add(30*time.Minute).Unix(), token.ExpiresAt)
}

func TestExchangeCodeFallsBackToClaimExpiry(t *testing.T) {
	exp := fixedNow.Add(20 * time.Minute)
	var access string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": access, "refresh_token": "r"})
	}))
	defer srv.Close()
	access = signedToken(t, jwt.MapClaims{"exp": exp.Unix(), "authentication_event_id": "evt-1"})

	token, err := newTestClient(t, srv).ExchangeCode(context.Background(), "code")
	require.NoError(t, err)
	require.Equal(t, exp.Unix(), token.ExpiresAt)
}

func TestRefreshRejectedReturnsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		require.Equal(t, "old-refresh", r.PostForm.Get("refresh_token"))
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Refresh(context.Background(), "old-refresh")
	status, ok := domainxero.UpstreamStatus(err)
	require.True(t, ok)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestTokenEndpointBreakerOpensAfterServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	client := newTestClient(t, srv)

	for i := 0; i < 5; i++ {
		_, err := client.Refresh(context.Background(), "r")
		status, ok := domainxero.UpstreamStatus(err)
		require.True(t, ok)
		require.Equal(t, http.StatusBadGateway, status)
	}

	_, err := client.Refresh(context.Background(), "r")
	require.ErrorIs(t, err, ErrIdentityUnavailable)
	require.Equal(t, int32(5), calls.Load())
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	client := newTestClient(t, srv)

	for i := 0; i < 8; i++ {
		_, err := client.Refresh(context.Background(), "r")
		require.NotErrorIs(t, err, ErrIdentityUnavailable)
	}
	require.Equal(t, int32(8), calls.Load())
}

func TestListConnections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/connections", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[{"id":"c1","tenantId":"t1","tenantType":"PRACTICEMANAGER","tenantName":"Demo Practice","authEventId":"e1"}]`))
	}))
	defer srv.Close()

	conns, err := newTestClient(t, srv).ListConnections(context.Background(), "tok")
	require.NoError(t, err)
	require.Len(t, conns, 1)
	require.Equal(t, "t1", conns[0].TenantID)
	require.Equal(t, "PRACTICEMANAGER", conns[0].TenantType)
	require.Equal(t, "Demo Practice", conns[0].TenantName)
}

func TestListConnectionsUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("expired"))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).ListConnections(context.Background(), "tok")
	var upstream *domainxero.UpstreamError
	require.ErrorAs(t, err, &upstream)
	require.Equal(t, http.StatusUnauthorized, upstream.Status)
	require.Equal(t, "expired", upstream.Body)
}

func TestOrganisation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api.xro/2.0/Organisation", r.URL.Path)
		require.Equal(t, "t1", r.Header.Get("xero-tenant-id"))
		_, _ = w.Write([]byte(`{"Organisations":[{"OrganisationID":"o1","Name":"Acme","BaseCurrency":"NZD","IsDemoCompany":true}]}`))
	}))
	defer srv.Close()

	org, err := newTestClient(t, srv).Organisation(context.Background(), "tok", "t1")
	require.NoError(t, err)
	require.Equal(t, "o1", org.OrganisationID)
	require.Equal(t, "Acme", org.Name)
	require.Equal(t, "NZD", org.BaseCurrency)
	require.True(t, org.IsDemoCompany)
}

func TestGetBoundsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()
	client := newTestClient(t, srv)
	client.maxBody = 32

	_, err := client.Get(context.Background(), "tok", "t1", srv.URL+"/big", "")
	require.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestParseAccessTokenClaims(t *testing.T) {
	exp := time.Unix(1736510400, 0).UTC()
	token := signedToken(t, jwt.MapClaims{
		"sub":                     "user-1",
		"xero_userid":             "xu-1",
		"authentication_event_id": "evt-9",
		"exp":                     exp.Unix(),
	})

	claims, err := ParseAccessTokenClaims(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "xu-1", claims.XeroUserID)
	require.Equal(t, "evt-9", claims.AuthEventID)
	require.True(t, claims.Expiry.Equal(exp))

	_, err = ParseAccessTokenClaims("opaque-token")
	require.Error(t, err)
}
