package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/covehq/cove-auth/internal/domain"
	"github.com/covehq/cove-auth/internal/repository"
	"github.com/covehq/cove-auth/internal/tenant"
)

// Principal is the authenticated caller of a protected resource. User is
// nil for tokens issued through the client_credentials grant.
type Principal struct {
	Token  domain.Token
	User   *domain.User
	Tenant domain.Tenant
}

// HasScope reports whether the token grants the scope.
func (p *Principal) HasScope(scope string) bool {
	return slices.Contains(scopeFields(p.Token.Scope), scope)
}

// AuthenticateRequest validates a bearer token against the resolved
// tenant. A token issued under another tenant is rejected exactly like an
// unknown token; callers cannot probe for tokens across tenants.
func (s *AuthService) AuthenticateRequest(ctx context.Context, tc *tenant.Context, authorization, requiredScope string) (*Principal, error) {
	ctx, span := s.startSpan(ctx, "AuthService.AuthenticateRequest")
	defer span.End()

	raw, ok := bearerToken(authorization)
	if !ok {
		return nil, errInvalidToken("Missing bearer token.")
	}

	token, err := s.tokens.GetByAccess(ctx, raw)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errInvalidToken("Token is invalid.")
		}
		span.RecordError(err)
		return nil, fmt.Errorf("load token: %w", err)
	}

	if token.TenantID != tc.Tenant.ID {
		s.audit("guard.cross_tenant_rejected",
			zap.Int64("tenant_id", tc.Tenant.ID),
			zap.Int64("token_tenant_id", token.TenantID))
		return nil, errInvalidToken("Token is invalid.")
	}
	if token.Revoked || token.AccessExpired(s.now()) {
		return nil, errInvalidToken("Token is invalid.")
	}

	if requiredScope != "" && !domain.ScopeSubset(requiredScope, token.Scope) {
		return nil, errInsufficientScope("Token does not grant the required scope.")
	}

	principal := &Principal{Token: token, Tenant: tc.Tenant}
	if token.UserID != nil {
		user, err := s.users.GetByID(ctx, token.TenantID, *token.UserID)
		if err != nil {
			return nil, errInvalidToken("Token is invalid.")
		}
		if !user.Active {
			return nil, errInvalidToken("Token is invalid.")
		}
		principal.User = &user
	}
	return principal, nil
}

// IntrospectionResponse is the RFC 7662 payload. Only Active is emitted
// for inactive tokens.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Username  string `json:"username,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Sub       string `json:"sub,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
}

// Introspect reports the state of a token. Unknown, expired, revoked and
// cross-tenant tokens all introspect as inactive.
func (s *AuthService) Introspect(ctx context.Context, tc *tenant.Context, client domain.OAuthClient, tokenValue, hint string) (*IntrospectionResponse, error) {
	ctx, span := s.startSpan(ctx, "AuthService.Introspect")
	defer span.End()

	token, found, err := s.findToken(ctx, tokenValue, hint)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !found || token.TenantID != tc.Tenant.ID || token.Revoked {
		return &IntrospectionResponse{Active: false}, nil
	}

	active := !token.AccessExpired(s.now())
	if token.AccessToken != tokenValue && token.RefreshToken == tokenValue {
		active = !token.RefreshExpired(s.now()) && !token.Revoked
	}
	if !active {
		return &IntrospectionResponse{Active: false}, nil
	}

	resp := &IntrospectionResponse{
		Active:    true,
		Scope:     token.Scope,
		ClientID:  token.ClientID,
		TokenType: token.TokenType,
		Exp:       token.AccessExpiresAt.Unix(),
		Iat:       token.IssuedAt.Unix(),
	}
	if token.UserID != nil {
		resp.Sub = fmt.Sprintf("%d", *token.UserID)
		if user, err := s.users.GetByID(ctx, token.TenantID, *token.UserID); err == nil {
			resp.Username = user.Username
		}
	}
	return resp, nil
}

// Revoke invalidates a token pair. Revoking a refresh token kills its
// access token as well since both live in one grant. Unknown tokens and
// repeated revocations succeed silently per RFC 7009.
func (s *AuthService) Revoke(ctx context.Context, tc *tenant.Context, client domain.OAuthClient, tokenValue, hint string) error {
	ctx, span := s.startSpan(ctx, "AuthService.Revoke")
	defer span.End()

	token, found, err := s.findToken(ctx, tokenValue, hint)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !found || token.TenantID != tc.Tenant.ID || token.ClientID != client.ClientID {
		return nil
	}

	if err := s.tokens.Revoke(ctx, token.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("revoke token: %w", err)
	}

	s.audit("token.revoked",
		zap.Int64("tenant_id", tc.Tenant.ID),
		zap.String("client_id", client.ClientID))
	return nil
}

// findToken looks a token value up by the hinted column first, then the
// other one. The hint only orders the lookups, it never excludes a match.
func (s *AuthService) findToken(ctx context.Context, value, hint string) (domain.Token, bool, error) {
	if value == "" {
		return domain.Token{}, false, nil
	}

	lookups := []func(context.Context, string) (domain.Token, error){
		s.tokens.GetByAccess,
		s.tokens.GetByRefresh,
	}
	if hint == "refresh_token" {
		lookups[0], lookups[1] = lookups[1], lookups[0]
	}

	for _, lookup := range lookups {
		token, err := lookup(ctx, value)
		if err == nil {
			return token, true, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return domain.Token{}, false, fmt.Errorf("find token: %w", err)
		}
	}
	return domain.Token{}, false, nil
}

// UserInfo returns claims about the token's user, gated by scope: the
// profile scope exposes username and role, the email scope exposes email.
// The subject is always present.
func (s *AuthService) UserInfo(ctx context.Context, principal *Principal) (map[string]any, error) {
	if principal.User == nil {
		return nil, errInvalidToken("Token has no associated user.")
	}

	claims := map[string]any{
		"sub":       fmt.Sprintf("%d", principal.User.ID),
		"tenant_id": principal.Tenant.ID,
	}
	if principal.HasScope("profile") {
		claims["username"] = principal.User.Username
		claims["role"] = string(principal.User.Role)
	}
	if principal.HasScope("email") {
		claims["email"] = principal.User.Email
	}
	return claims, nil
}

func bearerToken(authorization string) (string, bool) {
	const prefix = "bearer "
	if len(authorization) <= len(prefix) || !strings.EqualFold(authorization[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(authorization[len(prefix):])
	return token, token != ""
}
