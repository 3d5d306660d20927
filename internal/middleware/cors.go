package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/covehq/cove-auth/internal/config"
	"github.com/covehq/cove-auth/internal/tenant"
)

const ginTenantContextKey = "tenantContext"

// TenantCORS applies the configured CORS policy, widened per request
// with the resolved tenant's custom domain as an allowed origin.
func TenantCORS(cfg config.Config) gin.HandlerFunc {
	methods := strings.Join(cfg.CORSAllowedMethods, ", ")
	headers := strings.Join(cfg.CORSAllowedHeaders, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}

		if allowed, wildcard := originAllowed(c, cfg, origin); allowed {
			h := c.Writer.Header()
			h.Set("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", methods)
			h.Set("Access-Control-Allow-Headers", headers)
			switch {
			case cfg.CORSAllowCredentials:
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Allow-Origin", origin)
			case wildcard:
				h.Set("Access-Control-Allow-Origin", "*")
			default:
				h.Set("Access-Control-Allow-Origin", origin)
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// originAllowed checks the Origin against the configured allow-list and
// the tenant's custom domain. wildcard reports whether the match came
// from a "*" entry, which changes how the allow header is echoed.
func originAllowed(c *gin.Context, cfg config.Config, origin string) (allowed, wildcard bool) {
	for _, candidate := range cfg.CORSAllowedOrigins {
		switch {
		case candidate == "*":
			return true, true
		case strings.EqualFold(candidate, origin):
			return true, false
		}
	}

	tc, ok := tenantContextFromGin(c)
	if !ok || tc == nil || tc.Tenant.Domain == "" {
		return false, false
	}
	host := tc.Tenant.Domain
	if strings.EqualFold(origin, "https://"+host) || strings.EqualFold(origin, "http://"+host) {
		return true, false
	}
	return false, false
}

func tenantContextFromGin(c *gin.Context) (*tenant.Context, bool) {
	value, ok := c.Get(ginTenantContextKey)
	if !ok {
		return nil, false
	}
	tc, ok := value.(*tenant.Context)
	return tc, ok
}
