package tenant

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/covehq/cove-auth/internal/domain"
	"github.com/covehq/cove-auth/internal/repository"
)

// Resolution errors. Handlers map ErrNotIdentified and ErrInactive to
// distinct HTTP responses, so they stay separate sentinels.
var (
	ErrNotIdentified = errors.New("tenant: not identified")
	ErrInactive      = errors.New("tenant: inactive")
)

// Subdomain labels that never name a tenant.
var reservedSubdomains = map[string]struct{}{
	"www":   {},
	"api":   {},
	"admin": {},
}

// Context stores the resolved tenant plus how it was identified, used
// throughout the request lifecycle.
type Context struct {
	Tenant domain.Tenant
	Source string // header-slug, header-id, subdomain, domain, path
}

// Resolver identifies the tenant a request belongs to. Strategies are
// tried in a fixed order; the first hit wins and later strategies are
// not consulted even if they would disagree.
type Resolver struct {
	repo repository.TenantRepository
}

// NewResolver creates a tenant resolver.
func NewResolver(repo repository.TenantRepository) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve identifies the tenant for an incoming request. Order:
// X-Tenant-Slug header, X-Tenant-ID header, subdomain, full custom
// domain, then a /tenants/<slug>/ path prefix. Returns ErrNotIdentified
// when no strategy matches and ErrInactive when the matched tenant is
// disabled.
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) (*Context, error) {
	if slug := strings.TrimSpace(req.Header.Get("X-Tenant-Slug")); slug != "" {
		return r.bySlug(ctx, strings.ToLower(slug), "header-slug")
	}

	if raw := strings.TrimSpace(req.Header.Get("X-Tenant-ID")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, ErrNotIdentified
		}
		t, err := r.repo.GetByID(ctx, id)
		if err != nil {
			return nil, r.lookupErr(err, "header-id", raw)
		}
		return r.checked(t, "header-id")
	}

	host := hostOnly(req.Host)

	if slug, ok := subdomainSlug(host); ok {
		tc, err := r.bySlug(ctx, slug, "subdomain")
		if err == nil || errors.Is(err, ErrInactive) {
			return tc, err
		}
		// Fall through: the first label may just be part of a custom domain.
	}

	if host != "" {
		t, err := r.repo.GetByDomain(ctx, host)
		if err == nil {
			return r.checked(t, "domain")
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("resolve by domain: %w", err)
		}
	}

	if slug, ok := pathSlug(req.URL.Path); ok {
		return r.bySlug(ctx, slug, "path")
	}

	return nil, ErrNotIdentified
}

func (r *Resolver) bySlug(ctx context.Context, slug, source string) (*Context, error) {
	t, err := r.repo.GetBySlug(ctx, slug)
	if err != nil {
		return nil, r.lookupErr(err, source, slug)
	}
	return r.checked(t, source)
}

func (r *Resolver) checked(t domain.Tenant, source string) (*Context, error) {
	if !t.Active {
		return nil, ErrInactive
	}
	zap.L().Debug("tenant resolved",
		zap.Int64("tenant_id", t.ID),
		zap.String("slug", t.Slug),
		zap.String("source", source))
	return &Context{Tenant: t, Source: source}, nil
}

func (r *Resolver) lookupErr(err error, source, key string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotIdentified
	}
	zap.L().Error("tenant lookup failed",
		zap.String("source", source),
		zap.String("key", key),
		zap.Error(err))
	return fmt.Errorf("resolve tenant: %w", err)
}

// hostOnly strips the port from a Host header value.
func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return strings.ToLower(h)
	}
	return strings.ToLower(strings.TrimSpace(host))
}

// subdomainSlug extracts a candidate tenant slug from the leftmost host
// label. Hosts with fewer than three labels have no subdomain, and
// reserved labels never name a tenant.
func subdomainSlug(host string) (string, bool) {
	labels := strings.Split(host, ".")
	if len(labels) < 3 {
		return "", false
	}
	first := labels[0]
	if _, reserved := reservedSubdomains[first]; reserved || first == "" {
		return "", false
	}
	return first, true
}

// pathSlug extracts the slug from a /tenants/<slug>/... path.
func pathSlug(path string) (string, bool) {
	const prefix = "/tenants/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(path, prefix)
	slug, _, _ := strings.Cut(rest, "/")
	if slug == "" {
		return "", false
	}
	return strings.ToLower(slug), true
}
