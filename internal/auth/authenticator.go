package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bcnelson/feedgate/internal/domain"
	"github.com/bcnelson/feedgate/internal/storage"
)

// Authenticator validates presented API keys and resolves the caller's tier.
type Authenticator struct {
	keys   storage.APIKeyStore
	plans  PlanResolver
	quotas domain.QuotaTable
	logger *slog.Logger

	// Now is the clock; tests may replace it.
	Now func() time.Time
	// TouchTimeout bounds the background last_used_at update.
	TouchTimeout time.Duration

	wg sync.WaitGroup
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(keys storage.APIKeyStore, plans PlanResolver, quotas domain.QuotaTable, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		keys:         keys,
		plans:        plans,
		quotas:       quotas,
		logger:       logger,
		Now:          time.Now,
		TouchTimeout: 5 * time.Second,
	}
}

// Authenticate checks the presented key. Failures are *domain.AuthError;
// any other error means a collaborator was unreachable.
func (a *Authenticator) Authenticate(ctx context.Context, presented string) (*domain.Principal, error) {
	if presented == "" {
		return nil, domain.NewAuthError(domain.AuthMalformedKey, "missing API key")
	}
	if !WellFormed(presented) {
		return nil, domain.NewAuthError(domain.AuthMalformedKey,
			fmt.Sprintf("API key must start with %s or %s", domain.LiveKeyPrefix, domain.TestKeyPrefix))
	}

	key, err := a.keys.GetAPIKeyByHash(ctx, HashKey(presented))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NewAuthError(domain.AuthInvalidKey, "invalid API key")
	}
	if err != nil {
		return nil, fmt.Errorf("looking up API key: %w", err)
	}

	now := a.Now()
	if !key.IsActive {
		return nil, domain.NewAuthError(domain.AuthRevoked, "API key has been revoked")
	}
	if key.Expired(now) {
		return nil, domain.NewAuthError(domain.AuthExpired, "API key has expired")
	}

	tier, err := a.plans.Resolve(ctx, key.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolving plan: %w", err)
	}
	if !a.quotas.HasAPIAccess(tier) {
		return nil, domain.NewAuthError(domain.AuthPlanIneligible,
			fmt.Sprintf("the %s plan does not include API access", tier))
	}

	a.touch(ctx, key.ID, now)

	return &domain.Principal{UserID: key.UserID, KeyID: key.ID, Tier: tier}, nil
}

// touch records last use in the background. Its failure never fails the request.
func (a *Authenticator) touch(ctx context.Context, keyID string, at time.Time) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.TouchTimeout)
		defer cancel()
		if err := a.keys.UpdateAPIKeyLastUsed(ctx, keyID, at); err != nil {
			a.logger.Warn("failed to update API key last use", "key_id", keyID, "error", err)
		}
	}()
}

// Wait blocks until pending last-use updates finish.
func (a *Authenticator) Wait() {
	a.wg.Wait()
}
