package domain

import "time"

// Plan is a tenant subscription tier.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanBasic      Plan = "basic"
	PlanPremium    Plan = "premium"
	PlanEnterprise Plan = "enterprise"
)

// ValidPlan reports whether p is a known subscription tier.
func ValidPlan(p Plan) bool {
	switch p {
	case PlanFree, PlanBasic, PlanPremium, PlanEnterprise:
		return true
	}
	return false
}

// Tenant represents an isolated customer organization. Tenants are never
// physically deleted; disabled tenants keep Active=false.
type Tenant struct {
	ID          int64
	Slug        string
	DisplayName string
	Domain      string // optional custom domain, empty when unset
	Plan        Plan
	MaxUsers    int
	Active      bool
	Settings    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TenantStats summarizes tenant resource usage for admin dashboards.
type TenantStats struct {
	TotalUsers   int64 `json:"total_users"`
	ActiveUsers  int64 `json:"active_users"`
	TotalClients int64 `json:"total_clients"`
	ActiveTokens int64 `json:"active_tokens"`
	Plan         Plan  `json:"plan"`
	MaxUsers     int   `json:"max_users"`
}
