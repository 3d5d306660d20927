package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/covehq/cove-auth/internal/config"
	"github.com/covehq/cove-auth/internal/domain"
	"github.com/covehq/cove-auth/internal/repository"
	"github.com/covehq/cove-auth/internal/tenant"
)

// AuthService implements registration, login sessions, client management
// and the OAuth 2.0 endpoints. All operations are scoped to the resolved
// tenant; nothing in this service ever crosses tenant boundaries.
type AuthService struct {
	tenants  repository.TenantRepository
	users    repository.UserRepository
	clients  repository.ClientRepository
	codes    repository.CodeRepository
	tokens   repository.TokenRepository
	sessions repository.SessionRepository
	cfg      config.Config
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewAuthService wires the auth service implementation.
func NewAuthService(
	tenants repository.TenantRepository,
	users repository.UserRepository,
	clients repository.ClientRepository,
	codes repository.CodeRepository,
	tokens repository.TokenRepository,
	sessions repository.SessionRepository,
	cfg config.Config,
	logger *zap.Logger,
) *AuthService {
	return &AuthService{
		tenants:  tenants,
		users:    users,
		clients:  clients,
		codes:    codes,
		tokens:   tokens,
		sessions: sessions,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("cove-auth/service"),
		now:      time.Now,
	}
}

func (s *AuthService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name)
}

func (s *AuthService) audit(event string, fields ...zap.Field) {
	s.logger.Info(event, fields...)
}

// TokenResponse is the token endpoint payload. ExpiresIn is derived from
// the stored absolute expiry at serialization time.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func newTokenResponse(t domain.Token, now time.Time) *TokenResponse {
	expiresIn := int64(t.AccessExpiresAt.Sub(now).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	return &TokenResponse{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		ExpiresIn:    expiresIn,
		RefreshToken: t.RefreshToken,
		Scope:        t.Scope,
	}
}

func (s *AuthService) newTokenPair(tenantID int64, clientID string, userID *int64, scope string, withRefresh bool) (domain.Token, error) {
	access, err := secureRandomString(s.cfg.TokenBytes)
	if err != nil {
		return domain.Token{}, fmt.Errorf("generate access token: %w", err)
	}

	now := s.now().UTC()
	t := domain.Token{
		TenantID:        tenantID,
		ClientID:        clientID,
		UserID:          userID,
		TokenType:       "Bearer",
		AccessToken:     access,
		Scope:           scope,
		IssuedAt:        now,
		AccessExpiresAt: now.Add(s.cfg.AccessTokenTTL),
	}

	if withRefresh {
		refresh, err := secureRandomString(s.cfg.TokenBytes)
		if err != nil {
			return domain.Token{}, fmt.Errorf("generate refresh token: %w", err)
		}
		refreshExpiry := now.Add(s.cfg.RefreshTokenTTL)
		t.RefreshToken = refresh
		t.RefreshExpiresAt = &refreshExpiry
	}

	return t, nil
}

// RegisterUser creates a user inside the tenant. Username and email only
// need to be unique within the tenant.
func (s *AuthService) RegisterUser(ctx context.Context, tc *tenant.Context, username, email, password string, role domain.Role) (domain.User, error) {
	ctx, span := s.startSpan(ctx, "AuthService.RegisterUser")
	defer span.End()

	username = strings.TrimSpace(strings.ToLower(username))
	email = strings.TrimSpace(strings.ToLower(email))

	switch {
	case username == "":
		return domain.User{}, errInvalidRequest("Username is required.")
	case email == "" || !strings.Contains(email, "@"):
		return domain.User{}, errInvalidRequest("A valid email is required.")
	case len(password) < 8:
		return domain.User{}, errInvalidRequest("Password must be at least 8 characters.")
	}

	if role == "" {
		role = domain.RoleUser
	}
	if !domain.ValidRole(role) {
		return domain.User{}, errInvalidRequest("Unknown role.")
	}

	if tc.Tenant.MaxUsers > 0 {
		count, err := s.users.Count(ctx, tc.Tenant.ID, false)
		if err != nil {
			span.RecordError(err)
			return domain.User{}, fmt.Errorf("count users: %w", err)
		}
		if count >= int64(tc.Tenant.MaxUsers) {
			return domain.User{}, newOAuthError("limit_exceeded", "Tenant user limit reached.", http.StatusForbidden)
		}
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		span.RecordError(err)
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}

	created, err := s.users.Create(ctx, domain.User{
		TenantID:     tc.Tenant.ID,
		Username:     username,
		Email:        email,
		PasswordHash: string(hashed),
		Role:         role,
		Active:       true,
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return domain.User{}, newOAuthError("conflict", "Username or email already registered for this tenant.", http.StatusConflict)
		}
		span.RecordError(err)
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}

	s.audit("user.register", zap.Int64("tenant_id", tc.Tenant.ID), zap.Int64("user_id", created.ID))
	return created, nil
}

// Login verifies credentials and opens a server-side session. Unknown
// user, wrong password and disabled account all fail identically.
func (s *AuthService) Login(ctx context.Context, tc *tenant.Context, username, password string) (domain.Session, domain.User, error) {
	ctx, span := s.startSpan(ctx, "AuthService.Login")
	defer span.End()

	user, err := s.verifyPassword(ctx, tc.Tenant.ID, username, password)
	if err != nil {
		return domain.Session{}, domain.User{}, newOAuthError("invalid_credentials", "Invalid username or password.", http.StatusUnauthorized)
	}

	token, err := secureRandomString(32)
	if err != nil {
		return domain.Session{}, domain.User{}, fmt.Errorf("generate session token: %w", err)
	}

	now := s.now().UTC()
	session := domain.Session{
		Token:     token,
		TenantID:  tc.Tenant.ID,
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		span.RecordError(err)
		return domain.Session{}, domain.User{}, fmt.Errorf("create session: %w", err)
	}

	s.audit("user.login", zap.Int64("tenant_id", tc.Tenant.ID), zap.Int64("user_id", user.ID))
	return session, user, nil
}

// Logout removes the session. Unknown session tokens are a no-op.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	return s.sessions.Delete(ctx, token)
}

// SessionUser loads the user behind a session token, rejecting expired
// sessions and sessions issued under a different tenant.
func (s *AuthService) SessionUser(ctx context.Context, tc *tenant.Context, token string) (domain.User, error) {
	session, err := s.sessions.Get(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.User{}, errInvalidToken("Session not found.")
		}
		return domain.User{}, fmt.Errorf("load session: %w", err)
	}

	if session.TenantID != tc.Tenant.ID {
		return domain.User{}, errInvalidToken("Session not found.")
	}
	if s.now().After(session.ExpiresAt) {
		_ = s.sessions.Delete(ctx, token)
		return domain.User{}, errInvalidToken("Session expired.")
	}

	user, err := s.users.GetByID(ctx, session.TenantID, session.UserID)
	if err != nil {
		return domain.User{}, errInvalidToken("Session not found.")
	}
	if !user.Active {
		return domain.User{}, errInvalidToken("Account disabled.")
	}
	return user, nil
}

func (s *AuthService) verifyPassword(ctx context.Context, tenantID int64, username, password string) (domain.User, error) {
	username = strings.TrimSpace(strings.ToLower(username))

	user, err := s.users.GetByUsername(ctx, tenantID, username)
	if err != nil {
		// Burn a bcrypt comparison so unknown users take as long as
		// known ones.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"), []byte(password))
		return domain.User{}, err
	}
	if !user.Active {
		return domain.User{}, errors.New("account disabled")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// ClientRegistration is the input for RegisterClient.
type ClientRegistration struct {
	Name                    string
	RedirectURIs            []string
	GrantTypes              []domain.GrantType
	Scopes                  []string
	TokenEndpointAuthMethod string
}

// ClientCredentials carries the one-time plaintext secret returned at
// registration.
type ClientCredentials struct {
	Client       domain.OAuthClient
	ClientSecret string // empty for public clients
}

// RegisterClient creates an OAuth client owned by the given user. The
// plaintext secret is returned exactly once; only its hash is stored.
func (s *AuthService) RegisterClient(ctx context.Context, tc *tenant.Context, ownerID int64, in ClientRegistration) (ClientCredentials, error) {
	ctx, span := s.startSpan(ctx, "AuthService.RegisterClient")
	defer span.End()

	if strings.TrimSpace(in.Name) == "" {
		return ClientCredentials{}, errInvalidRequest("Client name is required.")
	}
	if len(in.RedirectURIs) == 0 {
		return ClientCredentials{}, errInvalidRequest("At least one redirect URI is required.")
	}
	for _, raw := range in.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || u.Fragment != "" {
			return ClientCredentials{}, errInvalidRequest("Redirect URIs must be absolute and fragment-free.")
		}
	}
	if len(in.GrantTypes) == 0 {
		in.GrantTypes = []domain.GrantType{domain.GrantAuthorizationCode, domain.GrantRefreshToken}
	}
	for _, gt := range in.GrantTypes {
		switch gt {
		case domain.GrantAuthorizationCode, domain.GrantPassword, domain.GrantRefreshToken, domain.GrantClientCredentials:
		default:
			return ClientCredentials{}, errInvalidRequest("Unknown grant type.")
		}
	}

	method := in.TokenEndpointAuthMethod
	if method == "" {
		method = domain.AuthMethodSecretBasic
	}
	switch method {
	case domain.AuthMethodSecretBasic, domain.AuthMethodSecretPost, domain.AuthMethodNone:
	default:
		return ClientCredentials{}, errInvalidRequest("Unknown token endpoint auth method.")
	}

	client := domain.OAuthClient{
		TenantID:                tc.Tenant.ID,
		OwnerUserID:             ownerID,
		ClientID:                uuid.NewString(),
		Name:                    strings.TrimSpace(in.Name),
		RedirectURIs:            in.RedirectURIs,
		GrantTypes:              in.GrantTypes,
		Scopes:                  in.Scopes,
		TokenEndpointAuthMethod: method,
	}

	var plaintext string
	if method != domain.AuthMethodNone {
		secret, err := secureRandomString(48)
		if err != nil {
			return ClientCredentials{}, fmt.Errorf("generate client secret: %w", err)
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return ClientCredentials{}, fmt.Errorf("hash client secret: %w", err)
		}
		client.SecretHash = string(hashed)
		plaintext = secret
	} else if !publicGrantsAllowed(client.GrantTypes) {
		return ClientCredentials{}, errInvalidRequest("Public clients may only use authorization_code and refresh_token grants.")
	}

	created, err := s.clients.Create(ctx, client)
	if err != nil {
		span.RecordError(err)
		return ClientCredentials{}, fmt.Errorf("create client: %w", err)
	}

	s.audit("client.register",
		zap.Int64("tenant_id", tc.Tenant.ID),
		zap.String("client_id", created.ClientID),
		zap.Bool("public", created.Public()))
	return ClientCredentials{Client: created, ClientSecret: plaintext}, nil
}

// ListClients returns the clients owned by the user within the tenant.
func (s *AuthService) ListClients(ctx context.Context, tc *tenant.Context, ownerID int64) ([]domain.OAuthClient, error) {
	return s.clients.ListByOwner(ctx, tc.Tenant.ID, ownerID)
}

func publicGrantsAllowed(grants []domain.GrantType) bool {
	for _, gt := range grants {
		if gt == domain.GrantPassword || gt == domain.GrantClientCredentials {
			return false
		}
	}
	return true
}

func secureRandomString(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
