package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/covehq/cove-auth/internal/tenant"
)

const ginTenantContextKey = "tenantContext"

type tenantContextKey struct{}

// Tenant resolves the tenant for the request and stores it in both the
// Gin context and the request context. Requests with no identifiable or
// an inactive tenant are rejected here.
func Tenant(resolver *tenant.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantCtx, err := resolver.Resolve(c.Request.Context(), c.Request)
		if err != nil {
			switch {
			case errors.Is(err, tenant.ErrNotIdentified):
				c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "invalid_tenant", "error_description": "Unknown tenant."})
			case errors.Is(err, tenant.ErrInactive):
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid_tenant", "error_description": "Tenant is disabled."})
			default:
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Tenant resolution failed."})
			}
			return
		}

		ctx := context.WithValue(c.Request.Context(), tenantContextKey{}, tenantCtx)
		c.Request = c.Request.WithContext(ctx)

		c.Set(ginTenantContextKey, tenantCtx)
		c.Set("tenant_id", tenantCtx.Tenant.ID)

		c.Next()
	}
}

// GetTenantContext extracts the tenant context from gin.
func GetTenantContext(c *gin.Context) (*tenant.Context, bool) {
	value, ok := c.Get(ginTenantContextKey)
	if !ok {
		return nil, false
	}
	tenantCtx, ok := value.(*tenant.Context)
	return tenantCtx, ok
}

// TenantContextFromContext extracts the tenant context from a standard context.
func TenantContextFromContext(ctx context.Context) (*tenant.Context, bool) {
	value := ctx.Value(tenantContextKey{})
	if value == nil {
		return nil, false
	}
	tenantCtx, ok := value.(*tenant.Context)
	return tenantCtx, ok
}
