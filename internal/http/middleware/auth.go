package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/covehq/cove-auth/internal/service"
)

const principalKey = "principal"

// Auth guards resource endpoints with bearer tokens.
type Auth struct {
	AuthService *service.AuthService
}

// RequireToken ensures the request carries a valid bearer token for the
// resolved tenant. Tokens from other tenants fail exactly like unknown
// tokens.
func (m *Auth) RequireToken(requiredScope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantCtx, ok := GetTenantContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "invalid_tenant", "error_description": "Tenant not resolved."})
			return
		}

		principal, err := m.AuthService.AuthenticateRequest(c.Request.Context(), tenantCtx, c.GetHeader("Authorization"), requiredScope)
		if err != nil {
			if oauthErr, ok := err.(*service.OAuthError); ok {
				if oauthErr.Status == http.StatusUnauthorized {
					c.Header("WWW-Authenticate", `Bearer error="invalid_token"`)
				}
				c.AbortWithStatusJSON(oauthErr.Status, gin.H{"error": oauthErr.Code, "error_description": oauthErr.Description})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Token validation failed."})
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

// GetPrincipal exposes the authenticated caller to handlers.
func GetPrincipal(c *gin.Context) (*service.Principal, bool) {
	value, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	principal, ok := value.(*service.Principal)
	return principal, ok
}
