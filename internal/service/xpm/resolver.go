// Package xpm resolves which tenants a token reaches and queries Practice
// Manager invoices across the endpoint generations tenants are provisioned on.
package xpm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/xpm-connect/internal/adapter/xero"
	domainxero "github.com/smallbiznis/xpm-connect/internal/domain/xero"
	"github.com/smallbiznis/xpm-connect/internal/service/token"
	"github.com/smallbiznis/xpm-connect/internal/telemetry"
)

// AcceptHeader prefers XML since older Practice Manager endpoints only speak XML.
const AcceptHeader = "application/xml, application/json;q=0.9, */*;q=0.8"

const (
	defaultCandidateTimeout = 10 * time.Second
	defaultQueryTimeout     = 30 * time.Second
)

// Client is the subset of the provider client used by the resolver.
type Client interface {
	ListConnections(ctx context.Context, accessToken string) ([]domainxero.Connection, error)
	Organisation(ctx context.Context, accessToken, tenantID string) (*domainxero.Organisation, error)
	Get(ctx context.Context, accessToken, tenantID, rawURL, accept string) (*xero.Response, error)
}

// TokenSource hands out valid access tokens per tenant.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, tenantID string) (*token.AccessToken, error)
}

// InvoiceResult is the outcome of FetchInvoices. When no candidate succeeded,
// Status and RawErrorBody describe the last attempt and Records is empty.
type InvoiceResult struct {
	Status       int
	EndpointUsed string
	Accepted     bool
	Records      []domainxero.InvoiceRecord
	RawErrorBody string
}

// Overview is the connection and organisation snapshot for one tenant.
type Overview struct {
	Connections     []domainxero.Connection
	Organisation    *domainxero.Organisation
	OrganisationErr error
}

// Resolver defines tenant resolution and query behaviors.
type Resolver interface {
	ListConnections(ctx context.Context, accessToken string) ([]domainxero.Connection, error)
	Overview(ctx context.Context, tenantID string) (*Overview, error)
	FetchInvoices(ctx context.Context, tenantID string, window DateRange) (*InvoiceResult, error)
}

// Config tunes the resolver. Zero values select defaults.
type Config struct {
	APIBaseURL       string
	CandidateTimeout time.Duration
	QueryTimeout     time.Duration
	Candidates       []Candidate
}

type resolver struct {
	client     Client
	tokens     TokenSource
	cfg        Config
	candidates []Candidate
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewResolver wires the resolver implementation.
func NewResolver(client Client, tokens TokenSource, cfg Config, logger *zap.Logger) Resolver {
	if logger == nil {
		logger = zap.L()
	}
	if cfg.CandidateTimeout <= 0 {
		cfg.CandidateTimeout = defaultCandidateTimeout
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	candidates := cfg.Candidates
	if len(candidates) == 0 {
		candidates = DefaultCandidates()
	}
	return &resolver{
		client:     client,
		tokens:     tokens,
		cfg:        cfg,
		candidates: candidates,
		logger:     logger.Named("xpm_resolver"),
		tracer:     telemetry.Tracer("xpm"),
	}
}

func (r *resolver) ListConnections(ctx context.Context, accessToken string) ([]domainxero.Connection, error) {
	conns, err := r.client.ListConnections(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return conns, nil
}

func (r *resolver) Overview(ctx context.Context, tenantID string) (*Overview, error) {
	tok, err := r.tokens.GetValidAccessToken(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	conns, err := r.ListConnections(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}

	out := &Overview{Connections: conns}
	org, err := r.client.Organisation(ctx, tok.AccessToken, tenantID)
	if err != nil {
		// Practice Manager only tenants have no Accounting organisation.
		r.logger.Info("organisation lookup failed", zap.String("tenant_id", tenantID), zap.Error(err))
		out.OrganisationErr = err
		return out, nil
	}
	out.Organisation = org
	return out, nil
}

func (r *resolver) FetchInvoices(ctx context.Context, tenantID string, window DateRange) (*InvoiceResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id required", domainxero.ErrInvalidRequest)
	}
	if !window.Bounded() || window.From.After(window.To) {
		return nil, fmt.Errorf("%w: invalid date range", domainxero.ErrInvalidRequest)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.QueryTimeout)
	defer cancel()

	tok, err := r.tokens.GetValidAccessToken(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	result := &InvoiceResult{Records: []domainxero.InvoiceRecord{}}
	for _, cand := range r.candidates {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("fetch invoices: %w", err)
		}

		endpoint := cand.URL(r.cfg.APIBaseURL, window)
		status, body := r.attempt(ctx, tok.AccessToken, tenantID, cand.Name, endpoint)
		result.Status = status
		result.EndpointUsed = endpoint

		if status >= 200 && status < 300 {
			records, err := cand.Decode(body, window)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", cand.Name, err)
			}
			result.Accepted = true
			result.Records = records
			result.RawErrorBody = ""
			return result, nil
		}
		result.RawErrorBody = string(body)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fetch invoices: %w", err)
	}
	r.logger.Warn("no invoice endpoint accepted the request",
		zap.String("tenant_id", tenantID),
		zap.Int("last_status", result.Status),
		zap.String("last_endpoint", result.EndpointUsed),
	)
	return result, nil
}

// attempt performs one bounded candidate request. Transport failures are
// reported as status 0 with the error text as body.
func (r *resolver) attempt(ctx context.Context, accessToken, tenantID, name, endpoint string) (int, []byte) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CandidateTimeout)
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "xpm.invoices.candidate", trace.WithAttributes(
		telemetry.Candidate.String(name),
		telemetry.CandidateURL.String(endpoint),
		telemetry.TenantID.String(tenantID),
	))
	defer span.End()

	started := time.Now()
	resp, err := r.client.Get(ctx, accessToken, tenantID, endpoint, AcceptHeader)
	elapsed := time.Since(started)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		level := r.logger.Warn
		if errors.Is(err, context.DeadlineExceeded) {
			level = r.logger.Error
		}
		level("invoice candidate failed",
			zap.String("candidate", name),
			zap.String("endpoint", endpoint),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
		return 0, []byte(err.Error())
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
	if resp.Status >= http.StatusBadRequest {
		span.SetStatus(codes.Error, http.StatusText(resp.Status))
	}
	r.logger.Info("invoice candidate attempted",
		zap.String("candidate", name),
		zap.String("endpoint", endpoint),
		zap.Int("status", resp.Status),
		zap.Duration("duration", elapsed),
	)
	return resp.Status, resp.Body
}
