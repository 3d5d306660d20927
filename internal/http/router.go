package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/covehq/cove-auth/internal/config"
	"github.com/covehq/cove-auth/internal/http/handler"
	httpmiddleware "github.com/covehq/cove-auth/internal/http/middleware"
	"github.com/covehq/cove-auth/internal/middleware"
	"github.com/covehq/cove-auth/internal/tenant"
)

// NewRouter wires Gin routes and middleware. Tenant resolution is applied
// per group: tenant registration and the tenant directory must work
// before any tenant exists.
func NewRouter(
	cfg config.Config,
	authHandler *handler.AuthHandler,
	tenantHandler *handler.TenantHandler,
	authMiddleware *httpmiddleware.Auth,
	resolver *tenant.Resolver,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	r.Use(middleware.RateLimit(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/tenants/register", middleware.TenantCORS(cfg), tenantHandler.Register)
	r.GET("/tenants/list", middleware.TenantCORS(cfg), tenantHandler.List)

	// The tenant admin surface is mounted twice: flat for requests
	// identified by header, subdomain or custom domain, and under
	// /tenants/:slug for the path form of resolution.
	tenantRoutes := func(g *gin.RouterGroup) {
		g.GET("/info", tenantHandler.Info)
		g.GET("/stats", tenantHandler.Stats)
		g.GET("/users", tenantHandler.ListUsers)
		g.POST("/users", tenantHandler.CreateUser)
		g.PUT("/users/:id/role", tenantHandler.UpdateRole)
		g.GET("/settings", tenantHandler.Settings)
		g.PUT("/settings", tenantHandler.UpdateSettings)
	}
	tenantRoutes(r.Group("/tenants", httpmiddleware.Tenant(resolver), middleware.TenantCORS(cfg)))
	tenantRoutes(r.Group("/tenants/:slug", httpmiddleware.Tenant(resolver), middleware.TenantCORS(cfg)))

	oauth := r.Group("/oauth", httpmiddleware.Tenant(resolver), middleware.TenantCORS(cfg))
	{
		oauth.POST("/register", authHandler.Register)
		oauth.POST("/login", authHandler.Login)
		oauth.POST("/logout", authHandler.Logout)
		oauth.GET("/authorize", authHandler.Authorize)
		oauth.POST("/authorize", authHandler.AuthorizeDecision)
		oauth.POST("/token", authHandler.Token)
		oauth.POST("/revoke", authHandler.Revoke)
		oauth.POST("/introspect", authHandler.Introspect)
		oauth.GET("/userinfo", authMiddleware.RequireToken(""), authHandler.UserInfo)
		oauth.POST("/client/register", authHandler.RegisterClient)
		oauth.GET("/client/list", authHandler.ListClients)
	}

	return r
}
