package xero

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	domainxero "github.com/smallbiznis/xpm-connect/internal/domain/xero"
)

const (
	defaultMaxBodyBytes = 8 << 20
	// tokenBodyLimit bounds identity and connection responses, which are small JSON documents.
	tokenBodyLimit = 1 << 20
)

// ErrIdentityUnavailable indicates the identity endpoint breaker is open.
var ErrIdentityUnavailable = errors.New("xero: identity endpoint unavailable")

// ErrBodyTooLarge indicates an upstream response exceeded the configured size bound.
var ErrBodyTooLarge = errors.New("xero: response body too large")

// ProviderClient encapsulates outbound HTTP calls to Xero.
type ProviderClient interface {
	AuthCodeURL(state string, scopes []string) string
	ExchangeCode(ctx context.Context, code string) (*domainxero.TokenSet, error)
	Refresh(ctx context.Context, refreshToken string) (*domainxero.TokenSet, error)
	ListConnections(ctx context.Context, accessToken string) ([]domainxero.Connection, error)
	Organisation(ctx context.Context, accessToken, tenantID string) (*domainxero.Organisation, error)
	Get(ctx context.Context, accessToken, tenantID, rawURL, accept string) (*Response, error)
}

// Response is a raw upstream reply.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Options configures HTTPProviderClient. Zero values select defaults.
type Options struct {
	HTTPClient   *http.Client
	MaxBodyBytes int64
	Logger       *zap.Logger
	Now          func() time.Time
}

// HTTPProviderClient is the default HTTP implementation.
type HTTPProviderClient struct {
	cfg        domainxero.ProviderConfig
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	maxBody    int64
	logger     *zap.Logger
	now        func() time.Time
}

var _ ProviderClient = (*HTTPProviderClient)(nil)

// NewHTTPProviderClient constructs the default ProviderClient.
func NewHTTPProviderClient(cfg domainxero.ProviderConfig, opts Options) *HTTPProviderClient {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.L()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "xero-identity",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// 4xx replies do not count against the breaker.
			if status, ok := domainxero.UpstreamStatus(err); ok {
				return status < 500
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &HTTPProviderClient{
		cfg:        cfg,
		httpClient: client,
		breaker:    breaker,
		maxBody:    maxBody,
		logger:     logger,
		now:        now,
	}
}

// AuthCodeURL builds the consent URL for the authorization-code flow.
func (c *HTTPProviderClient) AuthCodeURL(state string, scopes []string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURI)
	q.Set("scope", strings.Join(scopes, " "))
	q.Set("state", state)

	sep := "?"
	if strings.Contains(c.cfg.LoginURL, "?") {
		sep = "&"
	}
	return c.cfg.LoginURL + sep + q.Encode()
}

// ExchangeCode performs the OAuth token exchange.
func (c *HTTPProviderClient) ExchangeCode(ctx context.Context, code string) (*domainxero.TokenSet, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("%w: code missing", domainxero.ErrInvalidRequest)
	}
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", c.cfg.RedirectURI)
	return c.tokenRequest(ctx, data)
}

// Refresh redeems a refresh token for a new token set.
func (c *HTTPProviderClient) Refresh(ctx context.Context, refreshToken string) (*domainxero.TokenSet, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, fmt.Errorf("%w: refresh token missing", domainxero.ErrInvalidRequest)
	}
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	return c.tokenRequest(ctx, data)
}

func (c *HTTPProviderClient) tokenRequest(ctx context.Context, form url.Values) (*domainxero.TokenSet, error) {
	if strings.TrimSpace(c.cfg.IdentityURL) == "" {
		return nil, fmt.Errorf("token url missing")
	}

	result, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.IdentityURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, fmt.Errorf("build token request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)

		status, body, err := c.do(req, tokenBodyLimit)
		if err != nil {
			return nil, fmt.Errorf("token request: %w", err)
		}
		if status < 200 || status >= 300 {
			return nil, &domainxero.UpstreamError{Status: status, Body: string(body), Endpoint: "token"}
		}
		return body, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w", ErrIdentityUnavailable, err)
		}
		return nil, err
	}

	token, err := c.decodeTokenSet(result.([]byte))
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.String("grant_type", form.Get("grant_type")),
		zap.Bool("has_refresh_token", token.RefreshToken != ""),
		zap.Bool("has_id_token", token.IDToken != ""),
		zap.Int64("expires_at", token.ExpiresAt),
	}
	if claims, err := ParseAccessTokenClaims(token.AccessToken); err == nil && claims.AuthEventID != "" {
		fields = append(fields, zap.String("auth_event_id", claims.AuthEventID))
	}
	c.logger.Info("token grant completed", fields...)
	return token, nil
}

func (c *HTTPProviderClient) decodeTokenSet(body []byte) (*domainxero.TokenSet, error) {
	var token domainxero.TokenSet
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("decode token response: access_token missing")
	}

	switch {
	case token.ExpiresIn > 0:
		token.ExpiresAt = c.now().Add(time.Duration(token.ExpiresIn) * time.Second).Unix()
	case token.ExpiresAt <= 0:
		if claims, err := ParseAccessTokenClaims(token.AccessToken); err == nil && !claims.Expiry.IsZero() {
			token.ExpiresAt = claims.Expiry.Unix()
		}
	}
	return &token, nil
}

// ListConnections returns the tenants reachable with accessToken.
func (c *HTTPProviderClient) ListConnections(ctx context.Context, accessToken string) ([]domainxero.Connection, error) {
	endpoint := c.cfg.APIBaseURL + "/connections"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build connections request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	status, body, err := c.do(req, tokenBodyLimit)
	if err != nil {
		return nil, fmt.Errorf("connections request: %w", err)
	}
	if status < 200 || status >= 300 {
		return nil, &domainxero.UpstreamError{Status: status, Body: string(body), Endpoint: "connections"}
	}

	var connections []domainxero.Connection
	if err := json.Unmarshal(body, &connections); err != nil {
		return nil, fmt.Errorf("decode connections: %w", err)
	}
	return connections, nil
}

// Organisation loads the Accounting API organisation for tenantID.
func (c *HTTPProviderClient) Organisation(ctx context.Context, accessToken, tenantID string) (*domainxero.Organisation, error) {
	resp, err := c.Get(ctx, accessToken, tenantID, c.cfg.APIBaseURL+"/api.xro/2.0/Organisation", "application/json")
	if err != nil {
		return nil, fmt.Errorf("organisation request: %w", err)
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return nil, &domainxero.UpstreamError{Status: resp.Status, Body: string(resp.Body), Endpoint: "organisation"}
	}

	var payload struct {
		Organisations []domainxero.Organisation `json:"Organisations"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, fmt.Errorf("decode organisation: %w", err)
	}
	if len(payload.Organisations) == 0 {
		return nil, &domainxero.UpstreamError{Status: resp.Status, Body: "no organisation returned", Endpoint: "organisation"}
	}
	return &payload.Organisations[0], nil
}

// Get issues a tenant-scoped GET and returns the raw reply for any status.
func (c *HTTPProviderClient) Get(ctx context.Context, accessToken, tenantID, rawURL, accept string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("xero-tenant-id", tenantID)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readBounded(resp.Body, c.maxBody)
	if err != nil {
		return nil, err
	}
	return &Response{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func (c *HTTPProviderClient) do(req *http.Request, limit int64) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := readBounded(resp.Body, limit)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func readBounded(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrBodyTooLarge, limit)
	}
	return bytes.TrimPrefix(body, []byte("\xef\xbb\xbf")), nil
}
