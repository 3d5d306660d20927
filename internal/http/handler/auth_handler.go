package handler

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/covehq/cove-auth/internal/domain"
	"github.com/covehq/cove-auth/internal/http/middleware"
	"github.com/covehq/cove-auth/internal/service"
	"github.com/covehq/cove-auth/internal/tenant"
)

const sessionCookie = "cove_session"

// AuthHandler orchestrates the OAuth and account endpoints.
type AuthHandler struct {
	Auth *service.AuthService
}

// NewAuthHandler creates the handler set.
func NewAuthHandler(auth *service.AuthService) *AuthHandler {
	return &AuthHandler{Auth: auth}
}

// Register creates a user inside the resolved tenant.
func (h *AuthHandler) Register(c *gin.Context) {
	tenantCtx, ok := middleware.GetTenantContext(c)
	if !ok {
		respondNoTenant(c)
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

// Login verifies credentials and opens a session cookie.
func (h *AuthHandler) Login(c *gin.Context) {
	tenantCtx, ok := middleware.GetTenantContext(c)
	if !ok {
		respondNoTenant(c)
		return
	}

	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "username and password are required."})
		return
	}

	session, user, err := h.Auth.Login(c.Request.Context(), tenantCtx, req.Username, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}

	maxAge := int(session.ExpiresAt.Sub(session.CreatedAt).Seconds())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, session.Token, maxAge, "/", "", schemeOnly(c.Request) == "https", true)
	c.JSON(http.StatusOK, gin.H{"user": userJSON(user)})
}

// Logout drops the session. Missing or unknown sessions are a no-op.
func (h *AuthHandler) Logout(c *gin.Context) {
	if token, err := c.Cookie(sessionCookie); err == nil && token != "" {
		_ = h.Auth.Logout(c.Request.Context(), token)
	}
	c.SetCookie(sessionCookie, "", -1, "/", "", schemeOnly(c.Request) == "https", true)
	c.JSON(http.StatusOK, gin.H{"logged_out": true})
}

// authorizeRequest reads the authorization parameters from the query
// string or, on the consent POST, from the submitted form.
func authorizeRequest(c *gin.Context) service.AuthorizeRequest {
	v := c.Request.FormValue
	return service.AuthorizeRequest{
		ClientID:            v("client_id"),
		RedirectURI:         v("redirect_uri"),
		ResponseType:        v("response_type"),
		Scope:               v("scope"),
		State:               v("state"),
		CodeChallenge:       v("code_challenge"),
		CodeChallengeMethod: v("code_challenge_method"),
	}
}

// beginAuthorize validates the authorization request and the login
// session shared by the authorize endpoints. When ok is false a
// response has already been written.
func (h *AuthHandler) beginAuthorize(c *gin.Context) (tc *tenant.Context, req service.AuthorizeRequest, client domain.OAuthClient, user domain.User, ok bool) {
	tenantCtx, found := middleware.GetTenantContext(c)
	if !found {
		respondNoTenant(c)
		return
	}

	req = authorizeRequest(c)
	client, err := h.Auth.ValidateAuthorizationRequest(c.Request.Context(), tenantCtx, req)
	if err != nil {
		// Client or redirect URI problems must never be redirected to
		// an unverified URI.
		if oauthErr, isOAuth := err.(*service.OAuthError); isOAuth {
			switch oauthErr.Code {
			case "invalid_client", "invalid_request":
				c.JSON(oauthErr.Status, gin.H{"error": oauthErr.Code, "error_description": oauthErr.Description})
			default:
				redirectError(c, req.RedirectURI, req.State, oauthErr.Code, oauthErr.Description)
			}
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Authorization failed."})
		return
	}

	user, err = h.sessionUser(c, tenantCtx)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "login_required", "error_description": "Log in before authorizing a client."})
		return
	}
	return tenantCtx, req, client, user, true
}

// Authorize returns the details the consent screen presents for a
// valid authorization request. No code is issued here; that happens in
// the POST decision step.
func (h *AuthHandler) Authorize(c *gin.Context) {
	_, req, client, user, ok := h.beginAuthorize(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"client_id":    client.ClientID,
		"client_name":  client.Name,
		"redirect_uri": req.RedirectURI,
		"scope":        req.Scope,
		"state":        req.State,
		"username":     user.Username,
	})
}

// AuthorizeDecision applies the user's consent decision. Approval
// redirects back to the client with a fresh single-use code; anything
// other than an explicit confirmation is a denial.
func (h *AuthHandler) AuthorizeDecision(c *gin.Context) {
	tenantCtx, req, client, user, ok := h.beginAuthorize(c)
	if !ok {
		return
	}

	if c.PostForm("confirm") != "yes" {
		c.JSON(http.StatusForbidden, gin.H{"error": "access_denied", "error_description": "The user denied the authorization request."})
		return
	}

	code, err := h.Auth.CreateAuthorizationCode(c.Request.Context(), tenantCtx, user.ID, client, req)
	if err != nil {
		if oauthErr, isOAuth := err.(*service.OAuthError); isOAuth {
			redirectError(c, req.RedirectURI, req.State, oauthErr.Code, oauthErr.Description)
			return
		}
		redirectError(c, req.RedirectURI, req.State, "server_error", "Authorization failed.")
		return
	}

	target, _ := url.Parse(req.RedirectURI)
	q := target.Query()
	q.Set("code", code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	target.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, target.String())
}

// Token handles OAuth token grant exchanges.
func (h *AuthHandler) Token(c *gin.Context) {
	tenantCtx, ok := middleware.GetTenantContext(c)
	if !ok {
		respondNoTenant(c)
		return
	}

	var req struct {
		GrantType    string `form:"grant_type" binding:"required"`
		Username     string `form:"username"`
		Password     string `form:"password"`
		Scope        string `form:"scope"`
		RefreshToken string `form:"refresh_token"`
		Code         string `form:"code"`
		RedirectURI  string `form:"redirect_uri"`
		CodeVerifier string `form:"code_verifier"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "grant_type is required."})
		return
	}

	auth := clientAuthFromRequest(c)
	client, err := h.Auth.AuthenticateClient(c.Request.Context(), tenantCtx, auth)
	if err != nil {
		if oauthErr, ok := err.(*service.OAuthError); ok && oauthErr.Status == http.StatusUnauthorized && auth.Method == domain.AuthMethodSecretBasic {
			c.Header("WWW-Authenticate", `Basic realm="oauth"`)
		}
		respondError(c, err)
		return
	}

	var resp *service.TokenResponse
	switch strings.ToLower(req.GrantType) {
	case "password":
		resp, err = h.Auth.PasswordGrant(c.Request.Context(), tenantCtx, client, req.Username, req.Password, req.Scope)
	case "refresh_token":
		resp, err = h.Auth.RefreshGrant(c.Request.Context(), tenantCtx, client, req.RefreshToken, req.Scope)
	case "authorization_code":
		resp, err = h.Auth.AuthorizationCodeGrant(c.Request.Context(), tenantCtx, client, req.Code, req.RedirectURI, req.CodeVerifier)
	case "client_credentials":
		resp, err = h.Auth.ClientCredentialsGrant(c.Request.Context(), tenantCtx, client, req.Scope)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_grant_type", "error_description": "Unsupported grant type."})
		return
	}

	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, resp)
}

// Revoke invalidates a token. Per RFC 7009 unknown tokens still return 200.
func (h *AuthHandler) Revoke(c *gin.Context) {
	tenantCtx, ok := middleware.GetTenantContext(c)
	if !ok {
		respondNoTenant(c)
		return
	}

	var req struct {
		Token         string `form:"token" binding:"required"`
		TokenTypeHint string `form:"token_type_hint"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "token is required."})
		return
	}

	client, err := h.Auth.AuthenticateClient(c.Request.Context(), tenantCtx, clientAuthFromRequest(c))
	if err != nil {
		respondError(c, err)
		return
	}

	if err := h.Auth.Revoke(c.Request.Context(), tenantCtx, client, req.Token, req.TokenTypeHint); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// Introspect reports token state per RFC 7662.
func (h *AuthHandler) Introspect(c *gin.Context) {
	tenantCtx, ok := middleware.GetTenantContext(c)
	if !ok {
		respondNoTenant(c)
		return
	}

	var req struct {
		Token         string `form:"token" binding:"required"`
		TokenTypeHint string `form:"token_type_hint"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "token is required."})
		return
	}

	client, err := h.Auth.AuthenticateClient(c.Request.Context(), tenantCtx, clientAuthFromRequest(c))
	if err != nil {
		respondError(c, err)
		return
	}

	resp, err := h.Auth.Introspect(c.Request.Context(), tenantCtx, client, req.Token, req.TokenTypeHint)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// UserInfo returns scope-gated claims for the token's user. The bearer
// guard runs before this handler.
func (h *AuthHandler) UserInfo(c *gin.Context) {
	principal, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Missing bearer token."})
		return
	}

	claims, err := h.Auth.UserInfo(c.Request.Context(), principal)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, claims)
}

// RegisterClient creates an OAuth client owned by the session user. The
// plaintext secret appears in this response and nowhere else.
func (h *AuthHandler) RegisterClient(c *gin.Context) {
	tenantCtx, ok := middleware.GetTenantContext(c)
	if !ok {
		respondNoTenant(c)
		return
	}

	user, err := h.sessionUser(c, tenantCtx)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "login_required", "error_description": "Log in before registering a client."})
		return
	}

	var req struct {
		Name                    string   `json:"name" binding:"required"`
		RedirectURIs            []string `json:"redirect_uris" binding:"required"`
		GrantTypes              []string `json:"grant_types"`
		Scope                   string   `json:"scope"`
		TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "name and redirect_uris are required."})
		return
	}

	grants := make([]domain.GrantType, 0, len(req.GrantTypes))
	for _, g := range req.GrantTypes {
		grants = append(grants, domain.GrantType(g))
	}

	creds, err := h.Auth.RegisterClient(c.Request.Context(), tenantCtx, user.ID, service.ClientRegistration{
		Name:                    req.Name,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grants,
		Scopes:                  strings.Fields(req.Scope),
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	resp := clientJSON(creds.Client)
	if creds.ClientSecret != "" {
		resp["client_secret"] = creds.ClientSecret
	}
	c.JSON(http.StatusCreated, resp)
}

// ListClients lists clients owned by the session user. Secrets are never
// included.
func (h *AuthHandler) ListClients(c *gin.Context) {
	tenantCtx, ok := middleware.GetTenantContext(c)
	if !ok {
		respondNoTenant(c)
		return
	}

	user, err := h.sessionUser(c, tenantCtx)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "login_required", "error_description": "Log in to list clients."})
		return
	}

	clients, err := h.Auth.ListClients(c.Request.Context(), tenantCtx, user.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]gin.H, 0, len(clients))
	for _, client := range clients {
		out = append(out, clientJSON(client))
	}
	c.JSON(http.StatusOK, gin.H{"clients": out})
}

func (h *AuthHandler) sessionUser(c *gin.Context, tc *tenant.Context) (domain.User, error) {
	token, err := c.Cookie(sessionCookie)
	if err != nil || token == "" {
		return domain.User{}, http.ErrNoCookie
	}
	return h.Auth.SessionUser(c.Request.Context(), tc, token)
}

func clientAuthFromRequest(c *gin.Context) service.ClientAuth {
	if id, secret, ok := c.Request.BasicAuth(); ok {
		return service.ClientAuth{ClientID: id, ClientSecret: secret, Method: domain.AuthMethodSecretBasic}
	}
	id := c.PostForm("client_id")
	if secret := c.PostForm("client_secret"); secret != "" {
		return service.ClientAuth{ClientID: id, ClientSecret: secret, Method: domain.AuthMethodSecretPost}
	}
	return service.ClientAuth{ClientID: id, Method: domain.AuthMethodNone}
}

func redirectError(c *gin.Context, redirectURI, state, code, desc string) {
	target, err := url.Parse(redirectURI)
	if err != nil || !target.IsAbs() {
		c.JSON(http.StatusBadRequest, gin.H{"error": code, "error_description": desc})
		return
	}
	q := target.Query()
	q.Set("error", code)
	q.Set("error_description", desc)
	if state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, target.String())
}

func respondError(c *gin.Context, err error) {
	if oauthErr, ok := err.(*service.OAuthError); ok {
		c.JSON(oauthErr.Status, gin.H{"error": oauthErr.Code, "error_description": oauthErr.Description})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal error."})
}

func respondNoTenant(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "invalid_tenant", "error_description": "Tenant not resolved."})
}

func userJSON(u domain.User) gin.H {
	return gin.H{
		"id":         u.ID,
		"username":   u.Username,
		"email":      u.Email,
		"role":       u.Role,
		"active":     u.Active,
		"created_at": u.CreatedAt,
	}
}

func clientJSON(c domain.OAuthClient) gin.H {
	return gin.H{
		"client_id":                  c.ClientID,
		"name":                       c.Name,
		"redirect_uris":              c.RedirectURIs,
		"grant_types":                c.GrantTypes,
		"scope":                      strings.Join(c.Scopes, " "),
		"token_endpoint_auth_method": c.TokenEndpointAuthMethod,
		"created_at":                 c.CreatedAt,
	}
}

func schemeOnly(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}
