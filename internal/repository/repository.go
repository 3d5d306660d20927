package repository

import (
	"context"
	"errors"
	"time"

	"github.com/covehq/cove-auth/internal/domain"
)

// Sentinel errors returned by all implementations. Callers use errors.Is
// so that the service layer never sees driver-level errors.
var (
	ErrNotFound  = errors.New("repository: not found")
	ErrDuplicate = errors.New("repository: duplicate")
)

// TenantRepository persists tenants.
type TenantRepository interface {
	// CreateWithOwner inserts the tenant and its owner user in one
	// transaction; neither row exists if either insert fails.
	CreateWithOwner(ctx context.Context, t domain.Tenant, owner domain.User) (domain.Tenant, domain.User, error)
	GetByID(ctx context.Context, id int64) (domain.Tenant, error)
	GetBySlug(ctx context.Context, slug string) (domain.Tenant, error)
	GetByDomain(ctx context.Context, host string) (domain.Tenant, error)
	ListActive(ctx context.Context) ([]domain.Tenant, error)
	UpdateSettings(ctx context.Context, tenantID int64, settings map[string]any) (domain.Tenant, error)
}

// UserRepository persists users, always scoped by tenant.
type UserRepository interface {
	// Create returns ErrDuplicate when (tenant_id, username) or
	// (tenant_id, email) already exists.
	Create(ctx context.Context, user domain.User) (domain.User, error)
	GetByUsername(ctx context.Context, tenantID int64, username string) (domain.User, error)
	GetByID(ctx context.Context, tenantID, userID int64) (domain.User, error)
	List(ctx context.Context, tenantID int64) ([]domain.User, error)
	Count(ctx context.Context, tenantID int64, activeOnly bool) (int64, error)
	UpdateRole(ctx context.Context, tenantID, userID int64, role domain.Role) (domain.User, error)
}

// ClientRepository persists OAuth clients.
type ClientRepository interface {
	Create(ctx context.Context, c domain.OAuthClient) (domain.OAuthClient, error)
	GetByClientID(ctx context.Context, tenantID int64, clientID string) (domain.OAuthClient, error)
	ListByOwner(ctx context.Context, tenantID, userID int64) ([]domain.OAuthClient, error)
	Count(ctx context.Context, tenantID int64) (int64, error)
}

// CodeRepository persists authorization codes. Consumption happens inside
// TokenRepository.ExchangeCode so that consume and issue share a transaction.
type CodeRepository interface {
	Create(ctx context.Context, code domain.AuthorizationCode) error
}

// TokenRepository persists access/refresh token pairs.
type TokenRepository interface {
	Create(ctx context.Context, t domain.Token) (domain.Token, error)
	GetByAccess(ctx context.Context, access string) (domain.Token, error)
	GetByRefresh(ctx context.Context, refresh string) (domain.Token, error)
	// Revoke is idempotent; revoking an already revoked token succeeds.
	Revoke(ctx context.Context, id int64) error
	CountActive(ctx context.Context, tenantID int64, now time.Time) (int64, error)

	// ExchangeCode atomically consumes the authorization code and issues a
	// token. Under concurrent exchanges of the same code exactly one call
	// reaches verify; the rest return ErrNotFound. If verify or issue
	// fails the transaction rolls back and the code is left unconsumed.
	ExchangeCode(ctx context.Context, code string, verify func(domain.AuthorizationCode) error, issue func(domain.AuthorizationCode) (domain.Token, error)) (domain.Token, error)

	// RotateRefresh atomically revokes the token pair holding the given
	// refresh token and inserts its replacement. The old refresh token is
	// unusable once the transaction commits.
	RotateRefresh(ctx context.Context, refresh string, verify func(domain.Token) error, next func(domain.Token) (domain.Token, error)) (domain.Token, error)
}

// SessionRepository persists login sessions used by the authorize and
// client-registration flows.
type SessionRepository interface {
	Create(ctx context.Context, s domain.Session) error
	Get(ctx context.Context, token string) (domain.Session, error)
	Delete(ctx context.Context, token string) error
}
