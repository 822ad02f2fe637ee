package auth

import (
	"context"
	"errors"

	"github.com/bcnelson/feedgate/internal/domain"
	"github.com/bcnelson/feedgate/internal/storage"
)

// PlanResolver maps a tenant to its current subscription tier.
type PlanResolver interface {
	Resolve(ctx context.Context, userID string) (domain.PlanTier, error)
}

// StorePlanResolver reads tiers from the plan table and falls back to a
// default tier for tenants billing has not written yet.
type StorePlanResolver struct {
	store       storage.PlanStore
	defaultTier domain.PlanTier
}

// NewStorePlanResolver creates a StorePlanResolver.
func NewStorePlanResolver(store storage.PlanStore, defaultTier domain.PlanTier) *StorePlanResolver {
	return &StorePlanResolver{store: store, defaultTier: defaultTier}
}

// Resolve returns the tenant's tier.
func (r *StorePlanResolver) Resolve(ctx context.Context, userID string) (domain.PlanTier, error) {
	plan, err := r.store.GetTenantPlan(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return r.defaultTier, nil
	}
	if err != nil {
		return "", err
	}
	return plan.Tier, nil
}

// StaticPlanResolver returns the same tier for every tenant.
type StaticPlanResolver domain.PlanTier

// Resolve returns the fixed tier.
func (r StaticPlanResolver) Resolve(ctx context.Context, userID string) (domain.PlanTier, error) {
	return domain.PlanTier(r), nil
}
