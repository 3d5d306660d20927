package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/covehq/cove-auth/internal/domain"
	"github.com/covehq/cove-auth/internal/http/middleware"
	"github.com/covehq/cove-auth/internal/service"
)

// TenantHandler exposes tenant lifecycle and administration endpoints.
type TenantHandler struct {
	Tenants *service.TenantService
	Auth    *service.AuthService
}

// NewTenantHandler creates the handler set.
func NewTenantHandler(tenants *service.TenantService, auth *service.AuthService) *TenantHandler {
	return &TenantHandler{Tenants: tenants, Auth: auth}
}

// Register provisions a tenant and its owner. This endpoint runs outside
// tenant resolution; there is no tenant yet.
func (h *TenantHandler) Register(c *gin.Context) {
	var req struct {
		Slug          string `json:"slug" binding:"required"`
		Name          string `json:"name" binding:"required"`
		Domain        string `json:"domain"`
		Plan          string `json:"plan"`
		OwnerUsername string `json:"owner_username" binding:"required"`
		OwnerEmail    string `json:"owner_email" binding:"required"`
		OwnerPassword string `json:"owner_password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "slug, name and owner credentials are required."})
		return
	}

	created, owner, err := h.Tenants.Register(c.Request.Context(), service.TenantRegistration{
		Slug:          req.Slug,
		DisplayName:   req.Name,
		Domain:        req.Domain,
		Plan:          domain.Plan(req.Plan),
		OwnerUsername: req.OwnerUsername,
		OwnerEmail:    req.OwnerEmail,
		OwnerPassword: req.OwnerPassword,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"tenant": tenantJSON(created),
		"owner":  userJSON(owner),
	})
}

// List returns all active tenants. Also runs outside tenant resolution.
func (h *TenantHandler) List(c *gin.Context) {
	tenants, err := h.Tenants.ListActive(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]gin.H, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, tenantJSON(t))
	}
	c.JSON(http.StatusOK, gin.H{"tenants": out})
}

// Info returns the resolved tenant's public metadata.
func (h *TenantHandler) Info(c *gin.Context) {
	tenantCtx, ok := middleware.GetTenantContext(c)
	if !ok {
		respondNoTenant(c)
		return
	}
	c.JSON(http.StatusOK, tenantJSON(tenantCtx.Tenant))
}

// Stats returns usage counters. Admin or owner session required.
func (h *TenantHandler) Stats(c *gin.Context) {
	tenantCtx, ok := middleware.GetTenantContext(c)
	if !ok {
		respondNoTenant(c)
		return
	}
	if _, err := h.requireManager(c); err != nil {
		return
	}

	stats, err := h.Tenants.Stats(c.Request.Context(), tenantCtx)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ListUsers returns the tenant's users. Admin or owner session required.
func (h *TenantHandler) ListUsers(c *gin.Context) {
	tenantCtx, ok := middleware.GetTenantContext(c)
	if !ok {
		respondNoTenant(c)
		return
	}
	if _, err := h.requireManager(c); err != nil {
		return
	}

	users, err := h.Tenants.ListUsers(c.Request.Context(), tenantCtx)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]gin.H, 0, len(users))
	for _, u := range users {
		out = append(out, userJSON(u))
	}
	c.JSON(http.StatusOK, gin.H{"users": out})
}

// CreateUser adds a user to the tenant. Admin or owner session required.
func (h *TenantHandler) CreateUser(c *gin.Context) {
	tenantCtx, ok := middleware.GetTenantContext(c)
	if !ok {
		respondNoTenant(c)
		return
	}
	if _, err := h.requireManager(c); err != nil {
		return
	}

	var req struct {
		Username string `json:"username" binding:"required"`
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
		Role     string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "username, email and password are required."})
		return
	}

	user, err := h.Auth.RegisterUser(c.Request.Context(), tenantCtx, req.Username, req.Email, req.Password, domain.Role(req.Role))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, userJSON(user))
}

// UpdateRole changes a user's role. Owner session required.
func (h *TenantHandler) UpdateRole(c *gin.Context) {
	tenantCtx, ok := middleware.GetTenantContext(c)
	if !ok {
		respondNoTenant(c)
		return
	}

	actor, err := h.sessionActor(c)
	if err != nil {
		return
	}

	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid user id."})
		return
	}

	var req struct {
		Role string `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "role is required."})
		return
	}

	updated, err := h.Tenants.UpdateRole(c.Request.Context(), tenantCtx, actor, userID, domain.Role(req.Role))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, userJSON(updated))
}

// Settings returns the tenant settings document. Admin or owner session
// required.
func (h *TenantHandler) Settings(c *gin.Context) {
	tenantCtx, ok := middleware.GetTenantContext(c)
	if !ok {
		respondNoTenant(c)
		return
	}
	if _, err := h.requireManager(c); err != nil {
		return
	}

	settings, err := h.Tenants.Settings(c.Request.Context(), tenantCtx)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

// UpdateSettings merges keys into the tenant settings. Admin or owner
// session required.
func (h *TenantHandler) UpdateSettings(c *gin.Context) {
	tenantCtx, ok := middleware.GetTenantContext(c)
	if !ok {
		respondNoTenant(c)
		return
	}

	actor, err := h.sessionActor(c)
	if err != nil {
		return
	}

	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Settings body must be a JSON object."})
		return
	}

	settings, err := h.Tenants.UpdateSettings(c.Request.Context(), tenantCtx, actor, patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

// sessionActor loads the logged-in user or writes a 401.
func (h *TenantHandler) sessionActor(c *gin.Context) (domain.User, error) {
	tenantCtx, _ := middleware.GetTenantContext(c)

	token, err := c.Cookie(sessionCookie)
	if err != nil || token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "login_required", "error_description": "Log in first."})
		return domain.User{}, http.ErrNoCookie
	}

	user, err := h.Auth.SessionUser(c.Request.Context(), tenantCtx, token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "login_required", "error_description": "Log in first."})
		return domain.User{}, err
	}
	return user, nil
}

// requireManager loads the session user and writes a 403 unless they can
// manage the tenant.
func (h *TenantHandler) requireManager(c *gin.Context) (domain.User, error) {
	user, err := h.sessionActor(c)
	if err != nil {
		return domain.User{}, err
	}
	if !user.Role.CanManageUsers() {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access_denied", "error_description": "Admin role required."})
		return domain.User{}, errForbidden
	}
	return user, nil
}

var errForbidden = errors.New("forbidden")

func tenantJSON(t domain.Tenant) gin.H {
	return gin.H{
		"id":         t.ID,
		"slug":       t.Slug,
		"name":       t.DisplayName,
		"domain":     t.Domain,
		"plan":       t.Plan,
		"max_users":  t.MaxUsers,
		"active":     t.Active,
		"created_at": t.CreatedAt,
	}
}
