package service_test

import (
	"context"
	"time"

	"github.com/covehq/cove-auth/internal/domain"
	"github.com/covehq/cove-auth/internal/repository"
)

// In-memory repositories backing the service tests. They honor the same
// contracts as the postgres implementations: sentinel errors, per-tenant
// uniqueness, and rollback semantics for ExchangeCode and RotateRefresh.

type memoryTenantRepo struct {
	tenants []domain.Tenant
	users   *memoryUserRepo
	nextID  int64
}

func (m *memoryTenantRepo) CreateWithOwner(ctx context.Context, t domain.Tenant, owner domain.User) (domain.Tenant, domain.User, error) {
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

func (m *memoryTenantRepo) GetByID(ctx context.Context, id int64) (domain.Tenant, error) {
	for _, t := range m.tenants {
		if t.ID == id {
			return t, nil
		}
	}
	return domain.Tenant{}, repository.ErrNotFound
}

func (m *memoryTenantRepo) GetBySlug(ctx context.Context, slug string) (domain.Tenant, error) {
	for _, t := range m.tenants {
		if t.Slug == slug {
			return t, nil
		}
	}
	return domain.Tenant{}, repository.ErrNotFound
}

func (m *memoryTenantRepo) GetByDomain(ctx context.Context, host string) (domain.Tenant, error) {
	for _, t := range m.tenants {
		if t.Domain == host {
			return t, nil
		}
	}
	return domain.Tenant{}, repository.ErrNotFound
}

func (m *memoryTenantRepo) ListActive(ctx context.Context) ([]domain.Tenant, error) {
	var out []domain.Tenant
	for _, t := range m.tenants {
		if t.Active {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memoryTenantRepo) UpdateSettings(ctx context.Context, tenantID int64, settings map[string]any) (domain.Tenant, error) {
	for i, t := range m.tenants {
		if t.ID == tenantID {
			m.tenants[i].Settings = settings
			return m.tenants[i], nil
		}
	}
	return domain.Tenant{}, repository.ErrNotFound
}

type memoryUserRepo struct {
	users  []domain.User
	nextID int64
}

func (m *memoryUserRepo) Create(ctx context.Context, user domain.User) (domain.User, error) {
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

func (m *memoryUserRepo) GetByUsername(ctx context.Context, tenantID int64, username string) (domain.User, error) {
	for _, u := range m.users {
		if u.TenantID == tenantID && u.Username == username {
			return u, nil
		}
	}
	return domain.User{}, repository.ErrNotFound
}

func (m *memoryUserRepo) GetByID(ctx context.Context, tenantID, userID int64) (domain.User, error) {
	for _, u := range m.users {
		if u.TenantID == tenantID && u.ID == userID {
			return u, nil
		}
	}
	return domain.User{}, repository.ErrNotFound
}

func (m *memoryUserRepo) List(ctx context.Context, tenantID int64) ([]domain.User, error) {
	var out []domain.User
	for _, u := range m.users {
		if u.TenantID == tenantID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *memoryUserRepo) Count(ctx context.Context, tenantID int64, activeOnly bool) (int64, error) {
	var n int64
	for _, u := range m.users {
		if u.TenantID == tenantID && (!activeOnly || u.Active) {
			n++
		}
	}
	return n, nil
}

func (m *memoryUserRepo) UpdateRole(ctx context.Context, tenantID, userID int64, role domain.Role) (domain.User, error) {
	for i, u := range m.users {
		if u.TenantID == tenantID && u.ID == userID {
			m.users[i].Role = role
			return m.users[i], nil
		}
	}
	return domain.User{}, repository.ErrNotFound
}

type memoryClientRepo struct {
	clients []domain.OAuthClient
	nextID  int64
}

func (m *memoryClientRepo) Create(ctx context.Context, c domain.OAuthClient) (domain.OAuthClient, error) {
	m.nextID++
	c.ID = m.nextID
	c.CreatedAt = time.Now()
	m.clients = append(m.clients, c)
	return c, nil
}

func (m *memoryClientRepo) GetByClientID(ctx context.Context, tenantID int64, clientID string) (domain.OAuthClient, error) {
	for _, c := range m.clients {
		if c.TenantID == tenantID && c.ClientID == clientID {
			return c, nil
		}
	}
	return domain.OAuthClient{}, repository.ErrNotFound
}

func (m *memoryClientRepo) ListByOwner(ctx context.Context, tenantID, userID int64) ([]domain.OAuthClient, error) {
	var out []domain.OAuthClient
	for _, c := range m.clients {
		if c.TenantID == tenantID && c.OwnerUserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memoryClientRepo) Count(ctx context.Context, tenantID int64) (int64, error) {
	var n int64
	for _, c := range m.clients {
		if c.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

type memoryCodeRepo struct {
	codes map[string]*domain.AuthorizationCode
}

func newMemoryCodeRepo() *memoryCodeRepo {
	return &memoryCodeRepo{codes: make(map[string]*domain.AuthorizationCode)}
}

func (m *memoryCodeRepo) Create(ctx context.Context, code domain.AuthorizationCode) error {
	m.codes[code.Code] = &code
	return nil
}

type memoryTokenRepo struct {
	codes  *memoryCodeRepo
	tokens []*domain.Token
	nextID int64
}

func (m *memoryTokenRepo) insert(t domain.Token) domain.Token {
	m.nextID++
	t.ID = m.nextID
	stored := t
	m.tokens = append(m.tokens, &stored)
	return stored
}

func (m *memoryTokenRepo) Create(ctx context.Context, t domain.Token) (domain.Token, error) {
	return m.insert(t), nil
}

func (m *memoryTokenRepo) GetByAccess(ctx context.Context, access string) (domain.Token, error) {
	for _, t := range m.tokens {
		if t.AccessToken == access {
			return *t, nil
		}
	}
	return domain.Token{}, repository.ErrNotFound
}

func (m *memoryTokenRepo) GetByRefresh(ctx context.Context, refresh string) (domain.Token, error) {
	for _, t := range m.tokens {
		if t.RefreshToken != "" && t.RefreshToken == refresh {
			return *t, nil
		}
	}
	return domain.Token{}, repository.ErrNotFound
}

func (m *memoryTokenRepo) Revoke(ctx context.Context, id int64) error {
	for _, t := range m.tokens {
		if t.ID == id {
			t.Revoked = true
		}
	}
	return nil
}

func (m *memoryTokenRepo) CountActive(ctx context.Context, tenantID int64, now time.Time) (int64, error) {
	var n int64
	for _, t := range m.tokens {
		if t.TenantID == tenantID && !t.Revoked && t.AccessExpiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (m *memoryTokenRepo) ExchangeCode(ctx context.Context, code string, verify func(domain.AuthorizationCode) error, issue func(domain.AuthorizationCode) (domain.Token, error)) (domain.Token, error) {
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

func (m *memoryTokenRepo) RotateRefresh(ctx context.Context, refresh string, verify func(domain.Token) error, next func(domain.Token) (domain.Token, error)) (domain.Token, error) {
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

type memorySessionRepo struct {
	sessions map[string]domain.Session
}

func newMemorySessionRepo() *memorySessionRepo {
	return &memorySessionRepo{sessions: make(map[string]domain.Session)}
}

func (m *memorySessionRepo) Create(ctx context.Context, s domain.Session) error {
	m.sessions[s.Token] = s
	return nil
}

func (m *memorySessionRepo) Get(ctx context.Context, token string) (domain.Session, error) {
	s, ok := m.sessions[token]
	if !ok {
		return domain.Session{}, repository.ErrNotFound
	}
	return s, nil
}

func (m *memorySessionRepo) Delete(ctx context.Context, token string) error {
	delete(m.sessions, token)
	return nil
}
