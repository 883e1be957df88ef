package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	xeroadapter "github.com/smallbiznis/xpm-connect/internal/adapter/xero"
	"github.com/smallbiznis/xpm-connect/internal/config"
	"github.com/smallbiznis/xpm-connect/internal/domain/xero"
	"github.com/smallbiznis/xpm-connect/internal/repository"
	"github.com/smallbiznis/xpm-connect/internal/service/token"
	"github.com/smallbiznis/xpm-connect/internal/telemetry"
)

// OAuthService drives the Xero authorization-code flow.
type OAuthService interface {
	StartAuthorization(ctx context.Context, variant string) (*StartAuthorizationOutput, error)
	HandleCallback(ctx context.Context, in OAuthCallbackInput) (*CallbackResult, error)
}

// StartAuthorizationOutput returns the prepared consent URL.
type StartAuthorizationOutput struct {
	AuthorizationURL string
	State            string
	Variant          string
}

// OAuthCallbackInput captures callback query parameters.
type OAuthCallbackInput struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackResult describes a completed consent.
type CallbackResult struct {
	TenantID    string
	Variant     string
	Tenants     []xero.Connection
	RedirectURL string
}

// NoTenantError reports a consent whose token reaches no tenant. It carries
// the diagnostics shown to the operator.
type NoTenantError struct {
	Tenants []xero.Connection
	Scope   string
}

func (e *NoTenantError) Error() string { return xero.ErrNoTenant.Error() }

func (e *NoTenantError) Unwrap() error { return xero.ErrNoTenant }

// Provider is the subset of the Xero client used by the flow.
type Provider interface {
	AuthCodeURL(state string, scopes []string) string
	ExchangeCode(ctx context.Context, code string) (*xero.TokenSet, error)
	ListConnections(ctx context.Context, accessToken string) ([]xero.Connection, error)
}

var _ Provider = (xeroadapter.ProviderClient)(nil)

type oauthService struct {
	stateStore repository.OAuthStateStore
	provider   Provider
	tokens     token.Store
	cfg        config.Config
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// NewOAuthService wires the OAuth service implementation.
func NewOAuthService(
	stateStore repository.OAuthStateStore,
	provider Provider,
	tokens token.Store,
	cfg config.Config,
	logger *zap.Logger,
) OAuthService {
	return &oauthService{
		stateStore: stateStore,
		provider:   provider,
		tokens:     tokens,
		cfg:        cfg,
		logger:     logger,
		tracer:     telemetry.Tracer("oauth"),
		now:        time.Now,
	}
}

const (
	statePrefix = "xero:oauth:state:"
	stateTTL    = 10 * time.Minute
)

func (s *oauthService) StartAuthorization(ctx context.Context, variant string) (*StartAuthorizationOutput, error) {
	switch variant {
	case "":
		variant = xero.VariantCombined
	case xero.VariantCombined, xero.VariantXPMOnly:
	default:
		return nil, fmt.Errorf("%w: unknown consent variant %q", xero.ErrInvalidRequest, variant)
	}

	state, err := secureRandomString(32)
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	record := xero.OAuthState{State: state, Variant: variant, CreatedAt: s.now().UTC()}
	if err := s.stateStore.SaveState(ctx, buildStateKey(state), record, stateTTL); err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}

	scopes := s.cfg.Provider().ScopesFor(variant)
	s.log().Info("starting xero consent",
		zap.String("variant", variant),
		zap.Strings("scopes", scopes),
	)
	return &StartAuthorizationOutput{
		AuthorizationURL: s.provider.AuthCodeURL(state, scopes),
		State:            state,
		Variant:          variant,
	}, nil
}

func (s *oauthService) HandleCallback(ctx context.Context, in OAuthCallbackInput) (*CallbackResult, error) {
	ctx, span := s.tracer.Start(ctx, "xero.oauth.callback")
	defer span.End()

	res, err := s.handleCallback(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "callback failed")
		return nil, err
	}
	span.SetAttributes(
		telemetry.Variant.String(res.Variant),
		telemetry.TenantID.String(res.TenantID),
		telemetry.TenantCount.Int(len(uniqueTenantIDs(res.Tenants))),
	)
	return res, nil
}

func (s *oauthService) handleCallback(ctx context.Context, in OAuthCallbackInput) (*CallbackResult, error) {
	if strings.TrimSpace(in.Error) != "" {
		// A denied consent still consumes the state.
		if strings.TrimSpace(in.State) != "" {
			_, _ = s.stateStore.ConsumeState(ctx, buildStateKey(in.State))
		}
		return nil, fmt.Errorf("%w: %s %s", xero.ErrConsentDenied, in.Error, in.ErrorDescription)
	}
	if err := validateCallbackInput(in); err != nil {
		return nil, err
	}

	state, err := s.stateStore.ConsumeState(ctx, buildStateKey(in.State))
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if state == nil || state.State != strings.TrimSpace(in.State) {
		return nil, xero.ErrInvalidState
	}

	tokenSet, err := s.provider.ExchangeCode(ctx, in.Code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	connections, err := s.provider.ListConnections(ctx, tokenSet.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	tenantIDs := uniqueTenantIDs(connections)
	if len(tenantIDs) == 0 {
		return nil, &NoTenantError{Tenants: connections, Scope: tokenSet.Scope}
	}

	for _, tenantID := range tenantIDs {
		if err := s.tokens.Save(ctx, tenantID, *tokenSet); err != nil {
			return nil, fmt.Errorf("save token for tenant %s: %w", tenantID, err)
		}
	}

	s.log().Info("xero consent completed",
		zap.String("variant", state.Variant),
		zap.Int("tenants", len(tenantIDs)),
		zap.String("tenant_id", tenantIDs[0]),
	)
	return &CallbackResult{
		TenantID:    tenantIDs[0],
		Variant:     state.Variant,
		Tenants:     connections,
		RedirectURL: s.connectedURL(state.Variant, tenantIDs[0]),
	}, nil
}

func (s *oauthService) connectedURL(variant, tenantID string) string {
	segment := "xero"
	if variant == xero.VariantXPMOnly {
		segment = "xpm"
	}
	return fmt.Sprintf("%s/%s/connected?tenantId=%s", s.cfg.BaseURL, segment, url.QueryEscape(tenantID))
}

func validateCallbackInput(in OAuthCallbackInput) error {
	if strings.TrimSpace(in.State) == "" || strings.TrimSpace(in.Code) == "" {
		return fmt.Errorf("%w: code and state are required", xero.ErrInvalidRequest)
	}
	return nil
}

func uniqueTenantIDs(connections []xero.Connection) []string {
	seen := make(map[string]struct{}, len(connections))
	out := make([]string, 0, len(connections))
	for _, c := range connections {
		id := strings.TrimSpace(c.TenantID)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// IsNoTenant extracts the diagnostics of a tenant-less consent.
func IsNoTenant(err error) (*NoTenantError, bool) {
	var nt *NoTenantError
	if errors.As(err, &nt) {
		return nt, true
	}
	return nil, false
}

func (s *oauthService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}

func buildStateKey(state string) string {
	return statePrefix + strings.TrimSpace(state)
}

func secureRandomString(size int) (string, error) {
	if size <= 0 {
		size = 32
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
