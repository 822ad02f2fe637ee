package domain

import "fmt"

// PlanTier is a tenant's subscription tier as reported by billing.
type PlanTier string

const (
	TierFree       PlanTier = "free"
	TierStarter    PlanTier = "starter"
	TierPro        PlanTier = "pro"
	TierEnterprise PlanTier = "enterprise"
)

// Tiers lists every known tier, lowest first.
var Tiers = []PlanTier{TierFree, TierStarter, TierPro, TierEnterprise}

// ParsePlanTier validates a tier name.
func ParsePlanTier(s string) (PlanTier, error) {
	for _, t := range Tiers {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown plan tier %q", ErrInvalidInput, s)
}

// TenantPlan maps a tenant to its current tier.
type TenantPlan struct {
	UserID string   `json:"user_id" db:"user_id"`
	Tier   PlanTier `json:"tier" db:"tier"`
}

// QuotaTable maps a tier to its hourly request ceiling per endpoint.
type QuotaTable map[PlanTier]int

// Limit returns the hourly ceiling for a tier. Unknown tiers get zero.
func (q QuotaTable) Limit(tier PlanTier) int {
	limit, ok := q[tier]
	if !ok || limit < 0 {
		return 0
	}
	return limit
}

// HasAPIAccess reports whether the tier is entitled to any API traffic.
func (q QuotaTable) HasAPIAccess(tier PlanTier) bool {
	return q.Limit(tier) > 0
}
