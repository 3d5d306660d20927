package domain

import (
	"slices"
	"strings"
	"time"
)

// GrantType is one of the standardized OAuth 2.0 flows.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantPassword          GrantType = "password"
	GrantRefreshToken      GrantType = "refresh_token"
	GrantClientCredentials GrantType = "client_credentials"
)

// Token endpoint client authentication methods.
const (
	AuthMethodSecretBasic = "client_secret_basic"
	AuthMethodSecretPost  = "client_secret_post"
	AuthMethodNone        = "none"
)

// OAuthClient is a registered OAuth 2.0 client application. The plaintext
// secret is returned once at registration; only its hash is persisted.
type OAuthClient struct {
	ID                      int64
	TenantID                int64
	OwnerUserID             int64
	ClientID                string
	SecretHash              string // empty for public clients
	Name                    string
	RedirectURIs            []string
	GrantTypes              []GrantType
	Scopes                  []string
	TokenEndpointAuthMethod string
	CreatedAt               time.Time
}

// Public reports whether the client has no secret and must use PKCE.
func (c *OAuthClient) Public() bool {
	return c.SecretHash == ""
}

// AllowsGrant reports whether the client is registered for the grant type.
func (c *OAuthClient) AllowsGrant(gt GrantType) bool {
	return slices.Contains(c.GrantTypes, gt)
}

// CheckRedirectURI requires an exact match against a registered URI;
// partial or prefix matching is never applied.
func (c *OAuthClient) CheckRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// CheckEndpointAuthMethod reports whether the authentication method is
// acceptable for the given endpoint (token, introspection, revocation).
// All endpoints share the client's declared method.
func (c *OAuthClient) CheckEndpointAuthMethod(method, endpoint string) bool {
	_ = endpoint
	return c.TokenEndpointAuthMethod == method
}

// ScopeAllowed reports whether every requested scope is in the client's
// allowed set. An empty request is always allowed.
func (c *OAuthClient) ScopeAllowed(scope string) bool {
	for _, s := range strings.Fields(scope) {
		if !slices.Contains(c.Scopes, s) {
			return false
		}
	}
	return true
}

// ScopeSubset reports whether every scope in sub is present in super,
// both space-separated scope strings.
func ScopeSubset(sub, super string) bool {
	granted := strings.Fields(super)
	for _, s := range strings.Fields(sub) {
		if !slices.Contains(granted, s) {
			return false
		}
	}
	return true
}
