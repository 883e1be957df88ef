package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	xeroadapter "github.com/smallbiznis/xpm-connect/internal/adapter/xero"
	"github.com/smallbiznis/xpm-connect/internal/domain/xero"
	"github.com/smallbiznis/xpm-connect/internal/http/middleware"
	authsvc "github.com/smallbiznis/xpm-connect/internal/service/auth"
	"github.com/smallbiznis/xpm-connect/internal/service/xpm"
)

const queryDate = "2006-01-02"

// XeroHandler serves the consent flow and the read-only proxy endpoints.
type XeroHandler struct {
	OAuth    authsvc.OAuthService
	Resolver xpm.Resolver
	logger   *zap.Logger
}

// NewXeroHandler creates the handler set.
func NewXeroHandler(oauth authsvc.OAuthService, resolver xpm.Resolver, logger *zap.Logger) *XeroHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &XeroHandler{OAuth: oauth, Resolver: resolver, logger: logger}
}

// Connect redirects to the combined Accounting and Practice Manager consent.
func (h *XeroHandler) Connect(c *gin.Context) {
	h.startConsent(c, xero.VariantCombined)
}

// ConnectXPM redirects to the Practice Manager only consent.
func (h *XeroHandler) ConnectXPM(c *gin.Context) {
	h.startConsent(c, xero.VariantXPMOnly)
}

func (h *XeroHandler) startConsent(c *gin.Context, variant string) {
	out, err := h.OAuth.StartAuthorization(c.Request.Context(), variant)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Redirect(http.StatusFound, out.AuthorizationURL)
}

// Callback completes the consent and redirects to the tenant landing page.
func (h *XeroHandler) Callback(c *gin.Context) {
	res, err := h.OAuth.HandleCallback(c.Request.Context(), authsvc.OAuthCallbackInput{
		Code:             c.Query("code"),
		State:            c.Query("state"),
		Error:            c.Query("error"),
		ErrorDescription: c.Query("error_description"),
	})
	if err != nil {
		h.respondCallbackError(c, err)
		return
	}
	middleware.SetTenantID(c, res.TenantID)
	c.Redirect(http.StatusFound, res.RedirectURL)
}

func (h *XeroHandler) respondCallbackError(c *gin.Context, err error) {
	_ = c.Error(err)
	if nt, ok := authsvc.IsNoTenant(err); ok {
		tenants := nt.Tenants
		if tenants == nil {
			tenants = []xero.Connection{}
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "No tenant connection",
			"debug": gin.H{
				"tenantsCount": len(tenants),
				"tenants":      tenants,
				"tokenScopes":  nt.Scope,
			},
		})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, xero.ErrInvalidRequest),
		errors.Is(err, xero.ErrInvalidState),
		errors.Is(err, xero.ErrConsentDenied):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{
		"error":   "OAuth callback failed",
		"message": err.Error(),
		"details": errorDetails(err),
	})
}

// Demo returns the tenant's connections and organisation.
func (h *XeroHandler) Demo(c *gin.Context) {
	tenantID := middleware.TenantID(c)
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "tenantId is required"})
		return
	}

	ov, err := h.Resolver.Overview(c.Request.Context(), tenantID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	var organisation any = ov.Organisation
	if ov.OrganisationErr != nil {
		status, _ := xero.UpstreamStatus(ov.OrganisationErr)
		organisation = gin.H{
			"error":   status,
			"message": ov.OrganisationErr.Error(),
			"details": errorDetails(ov.OrganisationErr),
		}
	}
	connections := ov.Connections
	if connections == nil {
		connections = []xero.Connection{}
	}
	c.JSON(http.StatusOK, gin.H{
		"connections":  connections,
		"organisation": organisation,
		"tenantId":     tenantID,
		"success":      true,
	})
}

// Invoices queries Practice Manager invoices for an inclusive date range.
func (h *XeroHandler) Invoices(c *gin.Context) {
	tenantID := middleware.TenantID(c)
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "tenantId is required"})
		return
	}
	window, err := parseWindow(c.Query("from"), c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	res, err := h.Resolver.FetchInvoices(c.Request.Context(), tenantID, window)
	if err != nil {
		h.respondError(c, err)
		return
	}

	body := gin.H{
		"status":        res.Status,
		"endpointTried": res.EndpointUsed,
		"count":         len(res.Records),
		"data":          res.Records,
	}
	if !res.Accepted {
		body["errorBody"] = res.RawErrorBody
	}
	c.JSON(http.StatusOK, body)
}

// Healthz reports liveness.
func (h *XeroHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func parseWindow(fromRaw, toRaw string) (xpm.DateRange, error) {
	fromRaw, toRaw = strings.TrimSpace(fromRaw), strings.TrimSpace(toRaw)
	if fromRaw == "" || toRaw == "" {
		return xpm.DateRange{}, errors.New("from and to (YYYY-MM-DD) are required")
	}
	from, err := time.Parse(queryDate, fromRaw)
	if err != nil {
		return xpm.DateRange{}, errors.New("from must be YYYY-MM-DD")
	}
	to, err := time.Parse(queryDate, toRaw)
	if err != nil {
		return xpm.DateRange{}, errors.New("to must be YYYY-MM-DD")
	}
	if from.After(to) {
		return xpm.DateRange{}, errors.New("from must not be after to")
	}
	return xpm.DateRange{From: from, To: to}, nil
}

func (h *XeroHandler) respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	switch {
	case errors.Is(err, xero.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, xero.ErrTokenNotFound):
		// An unknown tenant id is invalid input.
		c.JSON(http.StatusBadRequest, gin.H{"error": "no_token", "message": "No Xero connection is stored for this tenant."})
	case errors.Is(err, xero.ErrAuthExpired):
		h.logger.Warn("xero authorization expired", zap.String("tenant_id", middleware.TenantID(c)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reauth_required",
			"message": "The Xero authorization has expired. Connect again.",
			"details": errorDetails(err),
		})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   errorCode(err),
			"message": err.Error(),
			"details": errorDetails(err),
		})
	}
}

func errorCode(err error) string {
	var upstream *xero.UpstreamError
	switch {
	case errors.Is(err, xero.ErrDecryption):
		return "decryption_failed"
	case errors.Is(err, xero.ErrPersistence):
		return "persistence_failed"
	case errors.Is(err, xeroadapter.ErrIdentityUnavailable):
		return "identity_unavailable"
	case errors.As(err, &upstream):
		return "upstream_error"
	default:
		return "internal_error"
	}
}

func errorDetails(err error) any {
	var upstream *xero.UpstreamError
	if errors.As(err, &upstream) {
		return gin.H{"status": upstream.Status, "endpoint": upstream.Endpoint, "body": upstream.Body}
	}
	return nil
}
