package ratelimit

import (
	"time"

	"github.com/bcnelson/feedgate/internal/domain"
)

// Named anonymous policies.
const (
	PolicyAuth     = "auth"
	PolicyWaitlist = "waitlist"
	PolicyAPI      = "api"
)

// Policies is the anonymous policy table keyed by name.
type Policies map[string]domain.RateLimitPolicy

// DefaultPolicies returns the stock policy table.
func DefaultPolicies() Policies {
	return Policies{
		PolicyAuth:     {Name: PolicyAuth, Window: 15 * time.Minute, MaxRequests: 5},
		PolicyWaitlist: {Name: PolicyWaitlist, Window: time.Hour, MaxRequests: 3},
		PolicyAPI:      {Name: PolicyAPI, Window: time.Minute, MaxRequests: 100},
	}
}

// Get returns the named policy, falling back to the general API policy.
func (p Policies) Get(name string) domain.RateLimitPolicy {
	if policy, ok := p[name]; ok {
		return policy
	}
	return p[PolicyAPI]
}

// LongestWindow returns the largest window across all policies.
func (p Policies) LongestWindow() time.Duration {
	var longest time.Duration
	for _, policy := range p {
		longest = max(longest, policy.Window)
	}
	return longest
}

// DefaultQuotaTable returns the stock hourly ceilings per tier.
func DefaultQuotaTable() domain.QuotaTable {
	return domain.QuotaTable{
		domain.TierFree:       0,
		domain.TierStarter:    100,
		domain.TierPro:        1000,
		domain.TierEnterprise: 10000,
	}
}
