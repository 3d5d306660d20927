package domain

import "time"

// AuthorizationCode is a short-lived, single-use code bound to the exact
// redirect URI, scope and optional PKCE challenge of the authorize request.
type AuthorizationCode struct {
	Code                string
	TenantID            int64
	ClientID            string
	UserID              int64
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	IssuedAt            time.Time
	ExpiresAt           time.Time
	Used                bool
}

// Expired reports whether the code can no longer be exchanged.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Token is an issued access/refresh token pair. Expiries are stored as
// absolute timestamps; the relative expires_in value in responses is
// computed at serialization time.
type Token struct {
	ID               int64
	TenantID         int64
	ClientID         string
	UserID           *int64 // nil for client_credentials tokens
	TokenType        string
	AccessToken      string
	RefreshToken     string // empty when no refresh token was issued
	Scope            string
	IssuedAt         time.Time
	AccessExpiresAt  time.Time
	RefreshExpiresAt *time.Time
	Revoked          bool
}

// AccessExpired reports whether the access token is past its expiry.
func (t *Token) AccessExpired(now time.Time) bool {
	return now.After(t.AccessExpiresAt)
}

// RefreshExpired reports whether the refresh token is absent or expired.
func (t *Token) RefreshExpired(now time.Time) bool {
	if t.RefreshToken == "" || t.RefreshExpiresAt == nil {
		return true
	}
	return now.After(*t.RefreshExpiresAt)
}

// Session is a DB-backed login session used by the authorization and
// client-registration flows. Sessions are shared across workers, so no
// in-process state is kept.
type Session struct {
	Token     string
	TenantID  int64
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}
