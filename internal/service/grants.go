package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/covehq/cove-auth/internal/domain"
	"github.com/covehq/cove-auth/internal/repository"
	"github.com/covehq/cove-auth/internal/tenant"
)

// ClientAuth carries the client credentials presented on a request and
// how they were transmitted.
type ClientAuth struct {
	ClientID     string
	ClientSecret string
	Method       string // client_secret_basic, client_secret_post or none
}

// AuthenticateClient resolves and authenticates the calling client within
// the tenant. Unknown client, wrong secret and mismatched auth method all
// produce the same invalid_client error.
func (s *AuthService) AuthenticateClient(ctx context.Context, tc *tenant.Context, auth ClientAuth) (domain.OAuthClient, error) {
	ctx, span := s.startSpan(ctx, "AuthService.AuthenticateClient")
	defer span.End()

	if auth.ClientID == "" {
		return domain.OAuthClient{}, errInvalidClient("Client authentication required.")
	}

	client, err := s.clients.GetByClientID(ctx, tc.Tenant.ID, auth.ClientID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.OAuthClient{}, errInvalidClient("Client authentication failed.")
		}
		span.RecordError(err)
		return domain.OAuthClient{}, fmt.Errorf("load client: %w", err)
	}

	if !client.CheckEndpointAuthMethod(auth.Method, "token") {
		return domain.OAuthClient{}, errInvalidClient("Client authentication failed.")
	}

	if auth.Method == domain.AuthMethodNone {
		if !client.Public() {
			return domain.OAuthClient{}, errInvalidClient("Client authentication failed.")
		}
		return client, nil
	}

	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(auth.ClientSecret)); err != nil {
		return domain.OAuthClient{}, errInvalidClient("Client authentication failed.")
	}
	return client, nil
}

// PasswordGrant exchanges resource owner credentials for a token pair.
func (s *AuthService) PasswordGrant(ctx context.Context, tc *tenant.Context, client domain.OAuthClient, username, password, scope string) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "AuthService.PasswordGrant")
	defer span.End()

	if !client.AllowsGrant(domain.GrantPassword) {
		return nil, errUnauthorizedClient("Client is not registered for the password grant.")
	}
	if !client.ScopeAllowed(scope) {
		return nil, errInvalidScope("Requested scope exceeds the client's allowed scopes.")
	}

	user, err := s.verifyPassword(ctx, tc.Tenant.ID, username, password)
	if err != nil {
		return nil, errInvalidGrant("Invalid resource owner credentials.")
	}

	pair, err := s.newTokenPair(tc.Tenant.ID, client.ClientID, &user.ID, scope, true)
	if err != nil {
		return nil, err
	}
	created, err := s.tokens.Create(ctx, pair)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("store token: %w", err)
	}

	s.audit("grant.password",
		zap.Int64("tenant_id", tc.Tenant.ID),
		zap.String("client_id", client.ClientID),
		zap.Int64("user_id", user.ID))
	return newTokenResponse(created, s.now()), nil
}

// ClientCredentialsGrant issues a token for the client itself. No refresh
// token is issued and the token has no associated user.
func (s *AuthService) ClientCredentialsGrant(ctx context.Context, tc *tenant.Context, client domain.OAuthClient, scope string) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "AuthService.ClientCredentialsGrant")
	defer span.End()

	if client.Public() {
		return nil, errUnauthorizedClient("Public clients cannot use the client_credentials grant.")
	}
	if !client.AllowsGrant(domain.GrantClientCredentials) {
		return nil, errUnauthorizedClient("Client is not registered for the client_credentials grant.")
	}
	if !client.ScopeAllowed(scope) {
		return nil, errInvalidScope("Requested scope exceeds the client's allowed scopes.")
	}

	pair, err := s.newTokenPair(tc.Tenant.ID, client.ClientID, nil, scope, false)
	if err != nil {
		return nil, err
	}
	created, err := s.tokens.Create(ctx, pair)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("store token: %w", err)
	}

	s.audit("grant.client_credentials",
		zap.Int64("tenant_id", tc.Tenant.ID),
		zap.String("client_id", client.ClientID))
	return newTokenResponse(created, s.now()), nil
}

// AuthorizationCodeGrant exchanges a single-use authorization code for a
// token pair. Consumption and issuance happen in one transaction; a code
// can never be exchanged twice, and a failed exchange leaves the code
// unconsumed only if the transaction rolled back before marking it used.
func (s *AuthService) AuthorizationCodeGrant(ctx context.Context, tc *tenant.Context, client domain.OAuthClient, code, redirectURI, codeVerifier string) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "AuthService.AuthorizationCodeGrant")
	defer span.End()

	if !client.AllowsGrant(domain.GrantAuthorizationCode) {
		return nil, errUnauthorizedClient("Client is not registered for the authorization_code grant.")
	}
	if code == "" {
		return nil, errInvalidRequest("Missing authorization code.")
	}

	verify := func(c domain.AuthorizationCode) error {
		if c.TenantID != tc.Tenant.ID || c.ClientID != client.ClientID {
			return errInvalidGrant("Authorization code is invalid, expired, or already used.")
		}
		if c.Expired(s.now()) {
			return errInvalidGrant("Authorization code is invalid, expired, or already used.")
		}
		if c.RedirectURI != redirectURI {
			return errInvalidGrant("redirect_uri does not match the authorization request.")
		}
		return s.checkPKCE(c, codeVerifier)
	}

	issue := func(c domain.AuthorizationCode) (domain.Token, error) {
		return s.newTokenPair(c.TenantID, c.ClientID, &c.UserID, c.Scope, true)
	}

	created, err := s.tokens.ExchangeCode(ctx, code, verify, issue)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errInvalidGrant("Authorization code is invalid, expired, or already used.")
		}
		var oauthErr *OAuthError
		if errors.As(err, &oauthErr) {
			return nil, oauthErr
		}
		span.RecordError(err)
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	s.audit("grant.authorization_code",
		zap.Int64("tenant_id", tc.Tenant.ID),
		zap.String("client_id", client.ClientID))
	return newTokenResponse(created, s.now()), nil
}

func (s *AuthService) checkPKCE(c domain.AuthorizationCode, verifier string) error {
	if c.CodeChallenge == "" {
		return nil
	}
	if verifier == "" {
		return errInvalidRequest("Missing code_verifier.")
	}
	if c.CodeChallengeMethod != "S256" {
		return errInvalidRequest("Unsupported code challenge method.")
	}
	derived := pkceChallenge(verifier)
	if subtle.ConstantTimeCompare([]byte(derived), []byte(c.CodeChallenge)) != 1 {
		return errInvalidGrant("code_verifier does not match the code challenge.")
	}
	return nil
}

// RefreshGrant rotates a refresh token. The presented token is revoked in
// the same transaction that stores its replacement, so a replayed refresh
// token always fails. The new scope may only narrow the original grant.
func (s *AuthService) RefreshGrant(ctx context.Context, tc *tenant.Context, client domain.OAuthClient, refreshToken, scope string) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "AuthService.RefreshGrant")
	defer span.End()

	if !client.AllowsGrant(domain.GrantRefreshToken) {
		return nil, errUnauthorizedClient("Client is not registered for the refresh_token grant.")
	}
	if refreshToken == "" {
		return nil, errInvalidRequest("Missing refresh_token.")
	}

	verify := func(old domain.Token) error {
		if old.TenantID != tc.Tenant.ID || old.ClientID != client.ClientID {
			return errInvalidGrant("Refresh token is invalid, expired, or revoked.")
		}
		if old.Revoked || old.RefreshExpired(s.now()) {
			return errInvalidGrant("Refresh token is invalid, expired, or revoked.")
		}
		if scope != "" && !domain.ScopeSubset(scope, old.Scope) {
			return errInvalidScope("Requested scope exceeds the original grant.")
		}
		return nil
	}

	next := func(old domain.Token) (domain.Token, error) {
		nextScope := old.Scope
		if scope != "" {
			nextScope = scope
		}
		return s.newTokenPair(old.TenantID, old.ClientID, old.UserID, nextScope, true)
	}

	created, err := s.tokens.RotateRefresh(ctx, refreshToken, verify, next)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errInvalidGrant("Refresh token is invalid, expired, or revoked.")
		}
		var oauthErr *OAuthError
		if errors.As(err, &oauthErr) {
			return nil, oauthErr
		}
		span.RecordError(err)
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}

	s.audit("grant.refresh_token",
		zap.Int64("tenant_id", tc.Tenant.ID),
		zap.String("client_id", client.ClientID))
	return newTokenResponse(created, s.now()), nil
}

// AuthorizeRequest is the validated input of the authorization endpoint.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ValidateAuthorizationRequest checks an authorize request before any
// user interaction. Client and redirect URI problems are returned as
// non-redirectable errors; everything after that point is safe to report
// via redirect.
func (s *AuthService) ValidateAuthorizationRequest(ctx context.Context, tc *tenant.Context, req AuthorizeRequest) (domain.OAuthClient, error) {
	ctx, span := s.startSpan(ctx, "AuthService.ValidateAuthorizationRequest")
	defer span.End()

	client, err := s.clients.GetByClientID(ctx, tc.Tenant.ID, req.ClientID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.OAuthClient{}, errInvalidClient("Unknown client.")
		}
		span.RecordError(err)
		return domain.OAuthClient{}, fmt.Errorf("load client: %w", err)
	}

	// Redirect URI must match before anything is redirected anywhere.
	if req.RedirectURI == "" || !client.CheckRedirectURI(req.RedirectURI) {
		return domain.OAuthClient{}, errInvalidRequest("redirect_uri is not registered for this client.")
	}
	if u, err := url.Parse(req.RedirectURI); err != nil || !u.IsAbs() {
		return domain.OAuthClient{}, errInvalidRequest("redirect_uri must be absolute.")
	}

	if req.ResponseType != "code" {
		return client, newOAuthError("unsupported_response_type", "Only the code response type is supported.", 400)
	}
	if !client.AllowsGrant(domain.GrantAuthorizationCode) {
		return client, errUnauthorizedClient("Client is not registered for the authorization_code grant.")
	}
	if !client.ScopeAllowed(req.Scope) {
		return client, errInvalidScope("Requested scope exceeds the client's allowed scopes.")
	}

	if req.CodeChallenge != "" && req.CodeChallengeMethod != "S256" {
		return client, errInvalidRequest("Only the S256 code challenge method is supported.")
	}
	if client.Public() && req.CodeChallenge == "" {
		return client, errInvalidRequest("Public clients must use PKCE.")
	}

	return client, nil
}

// CreateAuthorizationCode stores a short-lived single-use code bound to
// the exact parameters of the authorize request.
func (s *AuthService) CreateAuthorizationCode(ctx context.Context, tc *tenant.Context, userID int64, client domain.OAuthClient, req AuthorizeRequest) (string, error) {
	ctx, span := s.startSpan(ctx, "AuthService.CreateAuthorizationCode")
	defer span.End()

	code, err := secureRandomString(32)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	now := s.now().UTC()
	err = s.codes.Create(ctx, domain.AuthorizationCode{
		Code:                code,
		TenantID:            tc.Tenant.ID,
		ClientID:            client.ClientID,
		UserID:              userID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		IssuedAt:            now,
		ExpiresAt:           now.Add(s.cfg.AuthCodeTTL),
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("store code: %w", err)
	}

	s.audit("authorize.code_issued",
		zap.Int64("tenant_id", tc.Tenant.ID),
		zap.String("client_id", client.ClientID),
		zap.Int64("user_id", userID))
	return code, nil
}

// scopeFields normalizes a space-separated scope string.
func scopeFields(scope string) []string {
	return strings.Fields(scope)
}
