package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/covehq/cove-auth/internal/domain"
	"github.com/covehq/cove-auth/internal/repository"
	"github.com/covehq/cove-auth/internal/tenant"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Per-plan user ceilings applied when registration does not specify one.
var planUserLimits = map[domain.Plan]int{
	domain.PlanFree:       10,
	domain.PlanBasic:      50,
	domain.PlanPremium:    500,
	domain.PlanEnterprise: 10000,
}

// TenantService manages tenant lifecycle and tenant administration.
type TenantService struct {
	tenants repository.TenantRepository
	users   repository.UserRepository
	clients repository.ClientRepository
	tokens  repository.TokenRepository
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewTenantService wires the tenant service implementation.
func NewTenantService(
	tenants repository.TenantRepository,
	users repository.UserRepository,
	clients repository.ClientRepository,
	tokens repository.TokenRepository,
	logger *zap.Logger,
) *TenantService {
	return &TenantService{
		tenants: tenants,
		users:   users,
		clients: clients,
		tokens:  tokens,
		logger:  logger,
		tracer:  otel.Tracer("cove-auth/service"),
		now:     time.Now,
	}
}

// TenantRegistration is the input for Register.
type TenantRegistration struct {
	Slug          string
	DisplayName   string
	Domain        string
	Plan          domain.Plan
	OwnerUsername string
	OwnerEmail    string
	OwnerPassword string
}

// Register creates a tenant together with its owner user. Both rows are
// written in one transaction; a failed owner insert leaves no tenant
// behind.
func (s *TenantService) Register(ctx context.Context, in TenantRegistration) (domain.Tenant, domain.User, error) {
	ctx, span := s.tracer.Start(ctx, "TenantService.Register")
	defer span.End()

	// The slug is validated as given. Uppercase is rejected, not folded.
	slug := strings.TrimSpace(in.Slug)
	switch {
	case slug == "" || !slugPattern.MatchString(slug):
		return domain.Tenant{}, domain.User{}, errInvalidRequest("Slug must contain only lowercase letters, digits and hyphens.")
	case strings.TrimSpace(in.DisplayName) == "":
		return domain.Tenant{}, domain.User{}, errInvalidRequest("Display name is required.")
	case strings.TrimSpace(in.OwnerUsername) == "":
		return domain.Tenant{}, domain.User{}, errInvalidRequest("Owner username is required.")
	case !strings.Contains(in.OwnerEmail, "@"):
		return domain.Tenant{}, domain.User{}, errInvalidRequest("A valid owner email is required.")
	case len(in.OwnerPassword) < 8:
		return domain.Tenant{}, domain.User{}, errInvalidRequest("Owner password must be at least 8 characters.")
	}

	plan := in.Plan
	if plan == "" {
		plan = domain.PlanFree
	}
	if !domain.ValidPlan(plan) {
		return domain.Tenant{}, domain.User{}, errInvalidRequest("Unknown plan.")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(in.OwnerPassword), bcrypt.DefaultCost)
	if err != nil {
		span.RecordError(err)
		return domain.Tenant{}, domain.User{}, fmt.Errorf("hash owner password: %w", err)
	}

	t := domain.Tenant{
		Slug:        slug,
		DisplayName: strings.TrimSpace(in.DisplayName),
		Domain:      strings.TrimSpace(strings.ToLower(in.Domain)),
		Plan:        plan,
		MaxUsers:    planUserLimits[plan],
		Active:      true,
		Settings:    map[string]any{},
	}
	owner := domain.User{
		Username:     strings.TrimSpace(strings.ToLower(in.OwnerUsername)),
		Email:        strings.TrimSpace(strings.ToLower(in.OwnerEmail)),
		PasswordHash: string(hashed),
		Role:         domain.RoleOwner,
		Active:       true,
	}

	created, createdOwner, err := s.tenants.CreateWithOwner(ctx, t, owner)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return domain.Tenant{}, domain.User{}, newOAuthError("conflict", "Slug or domain already in use.", http.StatusConflict)
		}
		span.RecordError(err)
		return domain.Tenant{}, domain.User{}, fmt.Errorf("create tenant: %w", err)
	}

	s.logger.Info("tenant.register",
		zap.Int64("tenant_id", created.ID),
		zap.String("slug", created.Slug),
		zap.String("plan", string(created.Plan)))
	return created, createdOwner, nil
}

// ListActive returns all active tenants.
func (s *TenantService) ListActive(ctx context.Context) ([]domain.Tenant, error) {
	return s.tenants.ListActive(ctx)
}

// Stats summarizes the tenant's resource usage.
func (s *TenantService) Stats(ctx context.Context, tc *tenant.Context) (domain.TenantStats, error) {
	ctx, span := s.tracer.Start(ctx, "TenantService.Stats")
	defer span.End()

	total, err := s.users.Count(ctx, tc.Tenant.ID, false)
	if err != nil {
		return domain.TenantStats{}, fmt.Errorf("count users: %w", err)
	}
	active, err := s.users.Count(ctx, tc.Tenant.ID, true)
	if err != nil {
		return domain.TenantStats{}, fmt.Errorf("count active users: %w", err)
	}
	clients, err := s.clients.Count(ctx, tc.Tenant.ID)
	if err != nil {
		return domain.TenantStats{}, fmt.Errorf("count clients: %w", err)
	}
	tokens, err := s.tokens.CountActive(ctx, tc.Tenant.ID, s.now())
	if err != nil {
		return domain.TenantStats{}, fmt.Errorf("count tokens: %w", err)
	}

	return domain.TenantStats{
		TotalUsers:   total,
		ActiveUsers:  active,
		TotalClients: clients,
		ActiveTokens: tokens,
		Plan:         tc.Tenant.Plan,
		MaxUsers:     tc.Tenant.MaxUsers,
	}, nil
}

// ListUsers returns the tenant's users. Caller authorization happens at
// the handler via the acting user's role.
func (s *TenantService) ListUsers(ctx context.Context, tc *tenant.Context) ([]domain.User, error) {
	return s.users.List(ctx, tc.Tenant.ID)
}

// UpdateRole changes a user's role. Only owners may change roles, nobody
// may change their own role, and the last owner cannot be demoted.
func (s *TenantService) UpdateRole(ctx context.Context, tc *tenant.Context, actor domain.User, userID int64, role domain.Role) (domain.User, error) {
	ctx, span := s.tracer.Start(ctx, "TenantService.UpdateRole")
	defer span.End()

	if actor.Role != domain.RoleOwner {
		return domain.User{}, errAccessDenied("Only owners may change roles.")
	}
	if actor.ID == userID {
		return domain.User{}, errInvalidRequest("Cannot change your own role.")
	}
	if !domain.ValidRole(role) {
		return domain.User{}, errInvalidRequest("Unknown role.")
	}

	target, err := s.users.GetByID(ctx, tc.Tenant.ID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.User{}, newOAuthError("not_found", "User not found.", http.StatusNotFound)
		}
		span.RecordError(err)
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}

	if target.Role == domain.RoleOwner && role != domain.RoleOwner {
		owners, err := s.countOwners(ctx, tc.Tenant.ID)
		if err != nil {
			span.RecordError(err)
			return domain.User{}, err
		}
		if owners <= 1 {
			return domain.User{}, errInvalidRequest("Cannot demote the only owner.")
		}
	}

	updated, err := s.users.UpdateRole(ctx, tc.Tenant.ID, userID, role)
	if err != nil {
		span.RecordError(err)
		return domain.User{}, fmt.Errorf("update role: %w", err)
	}

	s.logger.Info("tenant.role_updated",
		zap.Int64("tenant_id", tc.Tenant.ID),
		zap.Int64("user_id", userID),
		zap.String("role", string(role)))
	return updated, nil
}

func (s *TenantService) countOwners(ctx context.Context, tenantID int64) (int, error) {
	users, err := s.users.List(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}
	owners := 0
	for _, u := range users {
		if u.Role == domain.RoleOwner && u.Active {
			owners++
		}
	}
	return owners, nil
}

// Settings returns the tenant's settings document.
func (s *TenantService) Settings(ctx context.Context, tc *tenant.Context) (map[string]any, error) {
	t, err := s.tenants.GetByID(ctx, tc.Tenant.ID)
	if err != nil {
		return nil, fmt.Errorf("load tenant: %w", err)
	}
	if t.Settings == nil {
		return map[string]any{}, nil
	}
	return t.Settings, nil
}

// UpdateSettings merges the given keys into the tenant's settings. Only
// admins and owners may write settings.
func (s *TenantService) UpdateSettings(ctx context.Context, tc *tenant.Context, actor domain.User, patch map[string]any) (map[string]any, error) {
	ctx, span := s.tracer.Start(ctx, "TenantService.UpdateSettings")
	defer span.End()

	if !actor.Role.CanManageUsers() {
		return nil, errAccessDenied("Only admins and owners may update settings.")
	}

	current, err := s.Settings(ctx, tc)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	for k, v := range patch {
		current[k] = v
	}

	updated, err := s.tenants.UpdateSettings(ctx, tc.Tenant.ID, current)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("update settings: %w", err)
	}

	s.logger.Info("tenant.settings_updated", zap.Int64("tenant_id", tc.Tenant.ID))
	return updated.Settings, nil
}
