package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/covehq/cove-auth/internal/domain"
)

// Compile-time interface assertions.
var (
	_ TenantRepository  = (*PostgresTenantRepo)(nil)
	_ UserRepository    = (*PostgresUserRepo)(nil)
	_ ClientRepository  = (*PostgresClientRepo)(nil)
	_ CodeRepository    = (*PostgresCodeRepo)(nil)
	_ TokenRepository   = (*PostgresTokenRepo)(nil)
	_ SessionRepository = (*PostgresSessionRepo)(nil)
)

const uniqueViolation = "23505"

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return err
}

// PostgresTenantRepo implements TenantRepository.
type PostgresTenantRepo struct {
	db *pgxpool.Pool
}

func NewPostgresTenantRepo(db *pgxpool.Pool) *PostgresTenantRepo {
	return &PostgresTenantRepo{db: db}
}

const tenantColumns = `id, slug, display_name, COALESCE(domain, ''), plan, max_users, active, settings, created_at, updated_at`

func scanTenant(row pgx.Row) (domain.Tenant, error) {
	var (
		t        domain.Tenant
		settings []byte
	)
	err := row.Scan(&t.ID, &t.Slug, &t.DisplayName, &t.Domain, &t.Plan, &t.MaxUsers, &t.Active, &settings, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.Tenant{}, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &t.Settings); err != nil {
			return domain.Tenant{}, fmt.Errorf("decode settings: %w", err)
		}
	}
	return t, nil
}

func (r *PostgresTenantRepo) CreateWithOwner(ctx context.Context, t domain.Tenant, owner domain.User) (domain.Tenant, domain.User, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.Tenant{}, domain.User{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	settings, err := json.Marshal(t.Settings)
	if err != nil {
		return domain.Tenant{}, domain.User{}, fmt.Errorf("encode settings: %w", err)
	}

	created, err := scanTenant(tx.QueryRow(ctx, `
		INSERT INTO tenants (slug, display_name, domain, plan, max_users, active, settings)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
		RETURNING `+tenantColumns,
		t.Slug, t.DisplayName, t.Domain, t.Plan, t.MaxUsers, t.Active, settings))
	if err != nil {
		return domain.Tenant{}, domain.User{}, translate(fmt.Errorf("insert tenant: %w", err))
	}

	createdOwner, err := scanUser(tx.QueryRow(ctx, insertUserSQL,
		created.ID, owner.Username, owner.Email, owner.PasswordHash, owner.Role, owner.Active))
	if err != nil {
		return domain.Tenant{}, domain.User{}, translate(fmt.Errorf("insert owner: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Tenant{}, domain.User{}, fmt.Errorf("commit: %w", err)
	}
	return created, createdOwner, nil
}

func (r *PostgresTenantRepo) GetByID(ctx context.Context, id int64) (domain.Tenant, error) {
	t, err := scanTenant(r.db.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	return t, translate(err)
}

func (r *PostgresTenantRepo) GetBySlug(ctx context.Context, slug string) (domain.Tenant, error) {
	t, err := scanTenant(r.db.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE slug = $1`, slug))
	return t, translate(err)
}

func (r *PostgresTenantRepo) GetByDomain(ctx context.Context, host string) (domain.Tenant, error) {
	t, err := scanTenant(r.db.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE domain = $1`, host))
	return t, translate(err)
}

func (r *PostgresTenantRepo) ListActive(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := r.db.Query(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE active ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []domain.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (r *PostgresTenantRepo) UpdateSettings(ctx context.Context, tenantID int64, settings map[string]any) (domain.Tenant, error) {
	encoded, err := json.Marshal(settings)
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("encode settings: %w", err)
	}
	t, err := scanTenant(r.db.QueryRow(ctx, `
		UPDATE tenants SET settings = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+tenantColumns, tenantID, encoded))
	return t, translate(err)
}

// PostgresUserRepo implements UserRepository.
type PostgresUserRepo struct {
	db *pgxpool.Pool
}

func NewPostgresUserRepo(db *pgxpool.Pool) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

const userColumns = `id, tenant_id, username, email, password_hash, role, active, created_at, updated_at`

const insertUserSQL = `INSERT INTO users (tenant_id, username, email, password_hash, role, active)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING ` + userColumns

func scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.TenantID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (r *PostgresUserRepo) Create(ctx context.Context, user domain.User) (domain.User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, insertUserSQL,
		user.TenantID, user.Username, user.Email, user.PasswordHash, user.Role, user.Active))
	return u, translate(err)
}

func (r *PostgresUserRepo) GetByUsername(ctx context.Context, tenantID int64, username string) (domain.User, error) {
	u, err := scanUser(r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE tenant_id = $1 AND username = $2`, tenantID, username))
	return u, translate(err)
}

func (r *PostgresUserRepo) GetByID(ctx context.Context, tenantID, userID int64) (domain.User, error) {
	u, err := scanUser(r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE tenant_id = $1 AND id = $2`, tenantID, userID))
	return u, translate(err)
}

func (r *PostgresUserRepo) List(ctx context.Context, tenantID int64) ([]domain.User, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *PostgresUserRepo) Count(ctx context.Context, tenantID int64, activeOnly bool) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx,
		`SELECT count(*) FROM users WHERE tenant_id = $1 AND (NOT $2 OR active)`, tenantID, activeOnly).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (r *PostgresUserRepo) UpdateRole(ctx context.Context, tenantID, userID int64, role domain.Role) (domain.User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, `
		UPDATE users SET role = $3, updated_at = now()
		WHERE tenant_id = $1 AND id = $2
		RETURNING `+userColumns, tenantID, userID, role))
	return u, translate(err)
}

// PostgresClientRepo implements ClientRepository.
type PostgresClientRepo struct {
	db *pgxpool.Pool
}

func NewPostgresClientRepo(db *pgxpool.Pool) *PostgresClientRepo {
	return &PostgresClientRepo{db: db}
}

const clientColumns = `id, tenant_id, owner_user_id, client_id, COALESCE(secret_hash, ''), name,
redirect_uris, grant_types, scopes, token_endpoint_auth_method, created_at`

func scanClient(row pgx.Row) (domain.OAuthClient, error) {
	var (
		c      domain.OAuthClient
		grants []string
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.OwnerUserID, &c.ClientID, &c.SecretHash, &c.Name,
		&c.RedirectURIs, &grants, &c.Scopes, &c.TokenEndpointAuthMethod, &c.CreatedAt)
	if err != nil {
		return domain.OAuthClient{}, err
	}
	c.GrantTypes = make([]domain.GrantType, 0, len(grants))
	for _, g := range grants {
		c.GrantTypes = append(c.GrantTypes, domain.GrantType(g))
	}
	return c, nil
}

func grantStrings(grants []domain.GrantType) []string {
	out := make([]string, 0, len(grants))
	for _, g := range grants {
		out = append(out, string(g))
	}
	return out
}

func (r *PostgresClientRepo) Create(ctx context.Context, c domain.OAuthClient) (domain.OAuthClient, error) {
	created, err := scanClient(r.db.QueryRow(ctx, `
		INSERT INTO oauth_clients (tenant_id, owner_user_id, client_id, secret_hash, name,
			redirect_uris, grant_types, scopes, token_endpoint_auth_method)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9)
		RETURNING `+clientColumns,
		c.TenantID, c.OwnerUserID, c.ClientID, c.SecretHash, c.Name,
		c.RedirectURIs, grantStrings(c.GrantTypes), c.Scopes, c.TokenEndpointAuthMethod))
	return created, translate(err)
}

func (r *PostgresClientRepo) GetByClientID(ctx context.Context, tenantID int64, clientID string) (domain.OAuthClient, error) {
	c, err := scanClient(r.db.QueryRow(ctx,
		`SELECT `+clientColumns+` FROM oauth_clients WHERE tenant_id = $1 AND client_id = $2`, tenantID, clientID))
	return c, translate(err)
}

func (r *PostgresClientRepo) ListByOwner(ctx context.Context, tenantID, userID int64) ([]domain.OAuthClient, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+clientColumns+` FROM oauth_clients WHERE tenant_id = $1 AND owner_user_id = $2 ORDER BY id`, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var clients []domain.OAuthClient
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

func (r *PostgresClientRepo) Count(ctx context.Context, tenantID int64) (int64, error) {
	var n int64
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM oauth_clients WHERE tenant_id = $1`, tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count clients: %w", err)
	}
	return n, nil
}

// PostgresCodeRepo implements CodeRepository.
type PostgresCodeRepo struct {
	db *pgxpool.Pool
}

func NewPostgresCodeRepo(db *pgxpool.Pool) *PostgresCodeRepo {
	return &PostgresCodeRepo{db: db}
}

func (r *PostgresCodeRepo) Create(ctx context.Context, code domain.AuthorizationCode) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO oauth_codes (code, tenant_id, client_id, user_id, redirect_uri, scope,
			code_challenge, code_challenge_method, issued_at, expires_at, used)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false)`,
		code.Code, code.TenantID, code.ClientID, code.UserID, code.RedirectURI, code.Scope,
		code.CodeChallenge, code.CodeChallengeMethod, code.IssuedAt, code.ExpiresAt)
	if err != nil {
		return translate(fmt.Errorf("insert code: %w", err))
	}
	return nil
}

// PostgresTokenRepo implements TokenRepository.
type PostgresTokenRepo struct {
	db *pgxpool.Pool
}

func NewPostgresTokenRepo(db *pgxpool.Pool) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: db}
}

const tokenColumns = `id, tenant_id, client_id, user_id, token_type, access_token,
COALESCE(refresh_token, ''), scope, issued_at, access_expires_at, refresh_expires_at, revoked`

const insertTokenSQL = `INSERT INTO oauth_tokens (tenant_id, client_id, user_id, token_type, access_token,
	refresh_token, scope, issued_at, access_expires_at, refresh_expires_at, revoked)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, false)
RETURNING ` + tokenColumns

func scanToken(row pgx.Row) (domain.Token, error) {
	var t domain.Token
	err := row.Scan(&t.ID, &t.TenantID, &t.ClientID, &t.UserID, &t.TokenType, &t.AccessToken,
		&t.RefreshToken, &t.Scope, &t.IssuedAt, &t.AccessExpiresAt, &t.RefreshExpiresAt, &t.Revoked)
	return t, err
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertToken(ctx context.Context, q querier, t domain.Token) (domain.Token, error) {
	return scanToken(q.QueryRow(ctx, insertTokenSQL,
		t.TenantID, t.ClientID, t.UserID, t.TokenType, t.AccessToken,
		t.RefreshToken, t.Scope, t.IssuedAt, t.AccessExpiresAt, t.RefreshExpiresAt))
}

func (r *PostgresTokenRepo) Create(ctx context.Context, t domain.Token) (domain.Token, error) {
	created, err := insertToken(ctx, r.db, t)
	return created, translate(err)
}

func (r *PostgresTokenRepo) GetByAccess(ctx context.Context, access string) (domain.Token, error) {
	t, err := scanToken(r.db.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM oauth_tokens WHERE access_token = $1`, access))
	return t, translate(err)
}

func (r *PostgresTokenRepo) GetByRefresh(ctx context.Context, refresh string) (domain.Token, error) {
	t, err := scanToken(r.db.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM oauth_tokens WHERE refresh_token = $1`, refresh))
	return t, translate(err)
}

func (r *PostgresTokenRepo) Revoke(ctx context.Context, id int64) error {
	if _, err := r.db.Exec(ctx, `UPDATE oauth_tokens SET revoked = true WHERE id = $1`, id); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (r *PostgresTokenRepo) CountActive(ctx context.Context, tenantID int64, now time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx,
		`SELECT count(*) FROM oauth_tokens WHERE tenant_id = $1 AND NOT revoked AND access_expires_at > $2`,
		tenantID, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tokens: %w", err)
	}
	return n, nil
}

func (r *PostgresTokenRepo) ExchangeCode(ctx context.Context, code string, verify func(domain.AuthorizationCode) error, issue func(domain.AuthorizationCode) (domain.Token, error)) (domain.Token, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.Token{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// The conditional update serializes concurrent exchanges of the same
	// code: the first transaction flips used and the rest see no row.
	var c domain.AuthorizationCode
	err = tx.QueryRow(ctx, `
		UPDATE oauth_codes SET used = true
		WHERE code = $1 AND NOT used
		RETURNING code, tenant_id, client_id, user_id, redirect_uri, scope,
			code_challenge, code_challenge_method, issued_at, expires_at, used`, code).
		Scan(&c.Code, &c.TenantID, &c.ClientID, &c.UserID, &c.RedirectURI, &c.Scope,
			&c.CodeChallenge, &c.CodeChallengeMethod, &c.IssuedAt, &c.ExpiresAt, &c.Used)
	if err != nil {
		return domain.Token{}, translate(err)
	}

	if err := verify(c); err != nil {
		return domain.Token{}, err
	}

	t, err := issue(c)
	if err != nil {
		return domain.Token{}, err
	}

	created, err := insertToken(ctx, tx, t)
	if err != nil {
		return domain.Token{}, translate(fmt.Errorf("insert token: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Token{}, fmt.Errorf("commit: %w", err)
	}
	return created, nil
}

func (r *PostgresTokenRepo) RotateRefresh(ctx context.Context, refresh string, verify func(domain.Token) error, next func(domain.Token) (domain.Token, error)) (domain.Token, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.Token{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	old, err := scanToken(tx.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM oauth_tokens WHERE refresh_token = $1 FOR UPDATE`, refresh))
	if err != nil {
		return domain.Token{}, translate(err)
	}

	if err := verify(old); err != nil {
		return domain.Token{}, err
	}

	if _, err := tx.Exec(ctx, `UPDATE oauth_tokens SET revoked = true WHERE id = $1`, old.ID); err != nil {
		return domain.Token{}, fmt.Errorf("revoke old token: %w", err)
	}

	replacement, err := next(old)
	if err != nil {
		return domain.Token{}, err
	}

	created, err := insertToken(ctx, tx, replacement)
	if err != nil {
		return domain.Token{}, translate(fmt.Errorf("insert token: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Token{}, fmt.Errorf("commit: %w", err)
	}
	return created, nil
}

// PostgresSessionRepo implements SessionRepository.
type PostgresSessionRepo struct {
	db *pgxpool.Pool
}

func NewPostgresSessionRepo(db *pgxpool.Pool) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

func (r *PostgresSessionRepo) Create(ctx context.Context, s domain.Session) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO sessions (token, tenant_id, user_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		s.Token, s.TenantID, s.UserID, s.CreatedAt, s.ExpiresAt)
	if err != nil {
		return translate(fmt.Errorf("insert session: %w", err))
	}
	return nil
}

func (r *PostgresSessionRepo) Get(ctx context.Context, token string) (domain.Session, error) {
	var s domain.Session
	err := r.db.QueryRow(ctx,
		`SELECT token, tenant_id, user_id, created_at, expires_at FROM sessions WHERE token = $1`, token).
		Scan(&s.Token, &s.TenantID, &s.UserID, &s.CreatedAt, &s.ExpiresAt)
	return s, translate(err)
}

func (r *PostgresSessionRepo) Delete(ctx context.Context, token string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE token = $1`, token); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
