package handler_test

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/covehq/cove-auth/internal/config"
	"github.com/covehq/cove-auth/internal/domain"
	transport "github.com/covehq/cove-auth/internal/http"
	"github.com/covehq/cove-auth/internal/http/handler"
	httpmiddleware "github.com/covehq/cove-auth/internal/http/middleware"
	"github.com/covehq/cove-auth/internal/repository"
	"github.com/covehq/cove-auth/internal/service"
	"github.com/covehq/cove-auth/internal/tenant"
)

// testEnv wires the real router against in-memory repositories.
type testEnv struct {
	router   *gin.Engine
	tenants  *fakeTenantRepo
	users    *fakeUserRepo
	clients  *fakeClientRepo
	tokens   *fakeTokenRepo
	sessions *fakeSessionRepo
	auth     *service.AuthService
}

func newTestEnv() *testEnv {
	gin.SetMode(gin.TestMode)

	cfg := config.Config{
		AccessTokenTTL:     time.Hour,
		RefreshTokenTTL:    24 * time.Hour,
		AuthCodeTTL:        10 * time.Minute,
		SessionTTL:         time.Hour,
		TokenBytes:         32,
		ServiceName:        "cove-auth-test",
		RateLimitRPS:       1000,
		RateLimitBurst:     1000,
		CORSAllowedOrigins: []string{"*"},
		CORSAllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		CORSAllowedHeaders: []string{"Authorization", "Content-Type"},
	}

	users := &fakeUserRepo{}
	tenants := &fakeTenantRepo{users: users}
	clients := &fakeClientRepo{}
	codes := &fakeCodeRepo{codes: make(map[string]*domain.AuthorizationCode)}
	tokens := &fakeTokenRepo{codes: codes}
	sessions := &fakeSessionRepo{sessions: make(map[string]domain.Session)}

	logger := zap.NewNop()
	authSvc := service.NewAuthService(tenants, users, clients, codes, tokens, sessions, cfg, logger)
	tenantSvc := service.NewTenantService(tenants, users, clients, tokens, logger)
	resolver := tenant.NewResolver(tenants)

	router := transport.NewRouter(
		cfg,
		handler.NewAuthHandler(authSvc),
		handler.NewTenantHandler(tenantSvc, authSvc),
		&httpmiddleware.Auth{AuthService: authSvc},
		resolver,
	)

	return &testEnv{
		router:   router,
		tenants:  tenants,
		users:    users,
		clients:  clients,
		tokens:   tokens,
		sessions: sessions,
		auth:     authSvc,
	}
}

func (e *testEnv) seedTenant(id int64, slug string) domain.Tenant {
	t := domain.Tenant{ID: id, Slug: slug, DisplayName: slug, Plan: domain.PlanFree, MaxUsers: 10, Active: true}
	e.tenants.tenants = append(e.tenants.tenants, t)
	if id > e.tenants.nextID {
		e.tenants.nextID = id
	}
	return t
}

func (e *testEnv) seedUser(tenantID int64, username, password string, role domain.Role) domain.User {
	hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	user, _ := e.users.Create(context.Background(), domain.User{
		TenantID:     tenantID,
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: string(hash),
		Role:         role,
		Active:       true,
	})
	return user
}

func (e *testEnv) seedClient(tenantID int64, clientID, secret string, grants ...domain.GrantType) domain.OAuthClient {
	c := domain.OAuthClient{
		TenantID:                tenantID,
		OwnerUserID:             1,
		ClientID:                clientID,
		Name:                    clientID,
		RedirectURIs:            []string{"https://app.example.com/callback"},
		GrantTypes:              grants,
		Scopes:                  []string{"read", "write", "profile", "email"},
		TokenEndpointAuthMethod: domain.AuthMethodSecretBasic,
	}
	if secret != "" {
		hash, _ := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
		c.SecretHash = string(hash)
	} else {
		c.TokenEndpointAuthMethod = domain.AuthMethodNone
	}
	created, _ := e.clients.Create(context.Background(), c)
	return created
}

type fakeTenantRepo struct {
	tenants []domain.Tenant
	users   *fakeUserRepo
	nextID  int64
}

func (m *fakeTenantRepo) CreateWithOwner(ctx context.Context, t domain.Tenant, owner domain.User) (domain.Tenant, domain.User, error) {
	for _, existing := range m.tenants {
		if existing.Slug == t.Slug || (t.Domain != "" && existing.Domain == t.Domain) {
			return domain.Tenant{}, domain.User{}, repository.ErrDuplicate
		}
	}
	m.nextID++
	t.ID = m.nextID
	m.tenants = append(m.tenants, t)

	owner.TenantID = t.ID
	createdOwner, err := m.users.Create(ctx, owner)
	if err != nil {
		m.tenants = m.tenants[:len(m.tenants)-1]
		return domain.Tenant{}, domain.User{}, err
	}
	return t, createdOwner, nil
}

func (m *fakeTenantRepo) GetByID(ctx context.Context, id int64) (domain.Tenant, error) {
	for _, t := range m.tenants {
		if t.ID == id {
			return t, nil
		}
	}
	return domain.Tenant{}, repository.ErrNotFound
}

func (m *fakeTenantRepo) GetBySlug(ctx context.Context, slug string) (domain.Tenant, error) {
	for _, t := range m.tenants {
		if t.Slug == slug {
			return t, nil
		}
	}
	return domain.Tenant{}, repository.ErrNotFound
}

func (m *fakeTenantRepo) GetByDomain(ctx context.Context, host string) (domain.Tenant, error) {
	for _, t := range m.tenants {
		if t.Domain == host {
			return t, nil
		}
	}
	return domain.Tenant{}, repository.ErrNotFound
}

func (m *fakeTenantRepo) ListActive(ctx context.Context) ([]domain.Tenant, error) {
	var out []domain.Tenant
	for _, t := range m.tenants {
		if t.Active {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *fakeTenantRepo) UpdateSettings(ctx context.Context, tenantID int64, settings map[string]any) (domain.Tenant, error) {
	for i, t := range m.tenants {
		if t.ID == tenantID {
			m.tenants[i].Settings = settings
			return m.tenants[i], nil
		}
	}
	return domain.Tenant{}, repository.ErrNotFound
}

type fakeUserRepo struct {
	users  []domain.User
	nextID int64
}

func (m *fakeUserRepo) Create(ctx context.Context, user domain.User) (domain.User, error) {
	for _, existing := range m.users {
		if existing.TenantID == user.TenantID && (existing.Username == user.Username || existing.Email == user.Email) {
			return domain.User{}, repository.ErrDuplicate
		}
	}
	m.nextID++
	user.ID = m.nextID
	user.CreatedAt = time.Now()
	m.users = append(m.users, user)
	return user, nil
}

func (m *fakeUserRepo) GetByUsername(ctx context.Context, tenantID int64, username string) (domain.User, error) {
	for _, u := range m.users {
		if u.TenantID == tenantID && u.Username == username {
			return u, nil
		}
	}
	return domain.User{}, repository.ErrNotFound
}

func (m *fakeUserRepo) GetByID(ctx context.Context, tenantID, userID int64) (domain.User, error) {
	for _, u := range m.users {
		if u.TenantID == tenantID && u.ID == userID {
			return u, nil
		}
	}
	return domain.User{}, repository.ErrNotFound
}

func (m *fakeUserRepo) List(ctx context.Context, tenantID int64) ([]domain.User, error) {
	var out []domain.User
	for _, u := range m.users {
		if u.TenantID == tenantID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *fakeUserRepo) Count(ctx context.Context, tenantID int64, activeOnly bool) (int64, error) {
	var n int64
	for _, u := range m.users {
		if u.TenantID == tenantID && (!activeOnly || u.Active) {
			n++
		}
	}
	return n, nil
}

func (m *fakeUserRepo) UpdateRole(ctx context.Context, tenantID, userID int64, role domain.Role) (domain.User, error) {
	for i, u := range m.users {
		if u.TenantID == tenantID && u.ID == userID {
			m.users[i].Role = role
			return m.users[i], nil
		}
	}
	return domain.User{}, repository.ErrNotFound
}

type fakeClientRepo struct {
	clients []domain.OAuthClient
	nextID  int64
}

func (m *fakeClientRepo) Create(ctx context.Context, c domain.OAuthClient) (domain.OAuthClient, error) {
	m.nextID++
	c.ID = m.nextID
	c.CreatedAt = time.Now()
	m.clients = append(m.clients, c)
	return c, nil
}

func (m *fakeClientRepo) GetByClientID(ctx context.Context, tenantID int64, clientID string) (domain.OAuthClient, error) {
	for _, c := range m.clients {
		if c.TenantID == tenantID && c.ClientID == clientID {
			return c, nil
		}
	}
	return domain.OAuthClient{}, repository.ErrNotFound
}

func (m *fakeClientRepo) ListByOwner(ctx context.Context, tenantID, userID int64) ([]domain.OAuthClient, error) {
	var out []domain.OAuthClient
	for _, c := range m.clients {
		if c.TenantID == tenantID && c.OwnerUserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *fakeClientRepo) Count(ctx context.Context, tenantID int64) (int64, error) {
	var n int64
	for _, c := range m.clients {
		if c.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

type fakeCodeRepo struct {
	codes map[string]*domain.AuthorizationCode
}

func (m *fakeCodeRepo) Create(ctx context.Context, code domain.AuthorizationCode) error {
	m.codes[code.Code] = &code
	return nil
}

type fakeTokenRepo struct {
	codes  *fakeCodeRepo
	tokens []*domain.Token
	nextID int64
}

func (m *fakeTokenRepo) insert(t domain.Token) domain.Token {
	m.nextID++
	t.ID = m.nextID
	stored := t
	m.tokens = append(m.tokens, &stored)
	return stored
}

func (m *fakeTokenRepo) Create(ctx context.Context, t domain.Token) (domain.Token, error) {
	return m.insert(t), nil
}

func (m *fakeTokenRepo) GetByAccess(ctx context.Context, access string) (domain.Token, error) {
	for _, t := range m.tokens {
		if t.AccessToken == access {
			return *t, nil
		}
	}
	return domain.Token{}, repository.ErrNotFound
}

func (m *fakeTokenRepo) GetByRefresh(ctx context.Context, refresh string) (domain.Token, error) {
	for _, t := range m.tokens {
		if t.RefreshToken != "" && t.RefreshToken == refresh {
			return *t, nil
		}
	}
	return domain.Token{}, repository.ErrNotFound
}

func (m *fakeTokenRepo) Revoke(ctx context.Context, id int64) error {
	for _, t := range m.tokens {
		if t.ID == id {
			t.Revoked = true
		}
	}
	return nil
}

func (m *fakeTokenRepo) CountActive(ctx context.Context, tenantID int64, now time.Time) (int64, error) {
	var n int64
	for _, t := range m.tokens {
		if t.TenantID == tenantID && !t.Revoked && t.AccessExpiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (m *fakeTokenRepo) ExchangeCode(ctx context.Context, code string, verify func(domain.AuthorizationCode) error, issue func(domain.AuthorizationCode) (domain.Token, error)) (domain.Token, error) {
	c, ok := m.codes.codes[code]
	if !ok || c.Used {
		return domain.Token{}, repository.ErrNotFound
	}
	c.Used = true
	if err := verify(*c); err != nil {
		c.Used = false
		return domain.Token{}, err
	}
	t, err := issue(*c)
	if err != nil {
		c.Used = false
		return domain.Token{}, err
	}
	return m.insert(t), nil
}

func (m *fakeTokenRepo) RotateRefresh(ctx context.Context, refresh string, verify func(domain.Token) error, next func(domain.Token) (domain.Token, error)) (domain.Token, error) {
	var old *domain.Token
	for _, t := range m.tokens {
		if t.RefreshToken != "" && t.RefreshToken == refresh {
			old = t
			break
		}
	}
	if old == nil {
		return domain.Token{}, repository.ErrNotFound
	}
	if err := verify(*old); err != nil {
		return domain.Token{}, err
	}
	replacement, err := next(*old)
	if err != nil {
		return domain.Token{}, err
	}
	old.Revoked = true
	return m.insert(replacement), nil
}

type fakeSessionRepo struct {
	sessions map[string]domain.Session
}

func (m *fakeSessionRepo) Create(ctx context.Context, s domain.Session) error {
	m.sessions[s.Token] = s
	return nil
}

func (m *fakeSessionRepo) Get(ctx context.Context, token string) (domain.Session, error) {
	s, ok := m.sessions[token]
	if !ok {
		return domain.Session{}, repository.ErrNotFound
	}
	return s, nil
}

func (m *fakeSessionRepo) Delete(ctx context.Context, token string) error {
	delete(m.sessions, token)
	return nil
}
