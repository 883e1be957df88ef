package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// TenantHeader is accepted in place of the tenantId query parameter.
const TenantHeader = "X-Tenant-ID"

// Tenant requires a tenant id on the request and attaches it to the gin
// context for handlers, logging and rate limiting.
func Tenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := TenantID(c)
		if tenantID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "tenantId is required"})
			return
		}
		SetTenantID(c, tenantID)
		c.Next()
	}
}
