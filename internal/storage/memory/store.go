package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bcnelson/feedgate/internal/domain"
	"github.com/bcnelson/feedgate/internal/storage"
	"github.com/google/uuid"
)

var _ storage.Storage = (*Store)(nil)

// Store is an in-memory implementation of the storage interface for testing.
// A single mutex serializes every operation, which makes each check-and-write atomic.
type Store struct {
	mu sync.RWMutex

	apiKeys    map[string]*domain.APIKey          // key: id
	plans      map[string]*domain.TenantPlan      // key: user id
	quotas     map[quotaKey]int                   // key: user:endpoint:window
	ipLog      map[ipKey][]time.Time              // key: ip:endpoint, ascending
	usage      []*domain.UsageRecord              // append-only
	webhooks   map[string]*domain.Webhook         // key: id
	deliveries map[string]*domain.WebhookDelivery // key: id
}

type quotaKey struct {
	userID      string
	endpoint    string
	windowStart int64
}

type ipKey struct {
	ip       string
	endpoint string
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		apiKeys:    make(map[string]*domain.APIKey),
		plans:      make(map[string]*domain.TenantPlan),
		quotas:     make(map[quotaKey]int),
		ipLog:      make(map[ipKey][]time.Time),
		webhooks:   make(map[string]*domain.Webhook),
		deliveries: make(map[string]*domain.WebhookDelivery),
	}
}

func (s *Store) Close() error { return nil }

// ============================================
// API Keys
// ============================================

func (s *Store) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.apiKeys[key.ID]; exists {
		return domain.ErrAlreadyExists
	}
	for _, k := range s.apiKeys {
		if k.KeyHash == key.KeyHash {
			return domain.ErrAlreadyExists
		}
	}
	cp := *key
	s.apiKeys[key.ID] = &cp
	return nil
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, k := range s.apiKeys {
		if k.KeyHash == keyHash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) ListAPIKeys(ctx context.Context, userID string) ([]*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]*domain.APIKey, 0)
	for _, k := range s.apiKeys {
		if k.UserID == userID {
			cp := *k
			keys = append(keys, &cp)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
	return keys, nil
}

func (s *Store) RevokeAPIKey(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, exists := s.apiKeys[id]
	if !exists || k.UserID != userID {
		return domain.ErrNotFound
	}
	k.IsActive = false
	return nil
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, exists := s.apiKeys[id]
	if !exists {
		return domain.ErrNotFound
	}
	k.LastUsedAt = &at
	return nil
}

// ============================================
// Plans
// ============================================

func (s *Store) GetTenantPlan(ctx context.Context, userID string) (*domain.TenantPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.plans[userID]
	if !exists {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) SetTenantPlan(ctx context.Context, plan *domain.TenantPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *plan
	s.plans[plan.UserID] = &cp
	return nil
}

// ============================================
// Quota windows
// ============================================

func (s *Store) IncrementQuota(ctx context.Context, userID, endpoint string, windowStart time.Time, limit int) (domain.QuotaResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := quotaKey{userID: userID, endpoint: endpoint, windowStart: windowStart.Unix()}
	count := s.quotas[key]
	if count >= limit {
		return domain.QuotaResult{Allowed: false, Count: count}, nil
	}
	count++
	s.quotas[key] = count
	return domain.QuotaResult{Allowed: true, Count: count}, nil
}

func (s *Store) DeleteQuotaWindowsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key := range s.quotas {
		if key.windowStart < cutoff.Unix() {
			delete(s.quotas, key)
			n++
		}
	}
	return n, nil
}

// QuotaCount returns the current count of a window.
func (s *Store) QuotaCount(userID, endpoint string, windowStart time.Time) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quotas[quotaKey{userID: userID, endpoint: endpoint, windowStart: windowStart.Unix()}]
}

// ============================================
// IP log
// ============================================

func (s *Store) ConsumeIPSlot(ctx context.Context, ip, endpoint string, now time.Time, window time.Duration, max int) (domain.IPSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ipKey{ip: ip, endpoint: endpoint}
	since := now.Add(-window)

	var slot domain.IPSlot
	for _, t := range s.ipLog[key] {
		if t.Before(since) {
			continue
		}
		if slot.Count == 0 {
			slot.Oldest = t
		}
		slot.Count++
	}
	if slot.Count >= max {
		return slot, nil
	}

	s.ipLog[key] = insertSorted(s.ipLog[key], now)
	if slot.Count == 0 || now.Before(slot.Oldest) {
		slot.Oldest = now
	}
	slot.Count++
	slot.Allowed = true
	return slot, nil
}

func insertSorted(ts []time.Time, t time.Time) []time.Time {
	i := sort.Search(len(ts), func(i int) bool { return ts[i].After(t) })
	ts = append(ts, time.Time{})
	copy(ts[i+1:], ts[i:])
	ts[i] = t
	return ts
}

func (s *Store) PruneIPRecords(ctx context.Context, ip, endpoint string, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ipKey{ip: ip, endpoint: endpoint}
	s.ipLog[key] = pruneBefore(s.ipLog[key], before)
	if len(s.ipLog[key]) == 0 {
		delete(s.ipLog, key)
	}
	return nil
}

func (s *Store) DeleteIPRecordsBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, ts := range s.ipLog {
		kept := pruneBefore(ts, before)
		n += int64(len(ts) - len(kept))
		if len(kept) == 0 {
			delete(s.ipLog, key)
		} else {
			s.ipLog[key] = kept
		}
	}
	return n, nil
}

func pruneBefore(ts []time.Time, before time.Time) []time.Time {
	i := sort.Search(len(ts), func(i int) bool { return !ts[i].Before(before) })
	return append([]time.Time(nil), ts[i:]...)
}

// IPRecordCount returns the number of logged rows for (ip, endpoint).
func (s *Store) IPRecordCount(ip, endpoint string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ipLog[ipKey{ip: ip, endpoint: endpoint}])
}

// ============================================
// Usage
// ============================================

func (s *Store) InsertUsageRecord(ctx context.Context, rec *domain.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	s.usage = append(s.usage, &cp)
	return nil
}

func (s *Store) ListUsageRecords(ctx context.Context, q domain.UsageQuery) ([]*domain.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*domain.UsageRecord, 0)
	for i := len(s.usage) - 1; i >= 0; i-- {
		r := s.usage[i]
		if r.UserID != q.UserID || r.CreatedAt.Before(q.Since) {
			continue
		}
		cp := *r
		records = append(records, &cp)
		if q.Limit > 0 && len(records) >= q.Limit {
			break
		}
	}
	return records, nil
}

func (s *Store) DeleteUsageRecordsBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.usage[:0]
	var n int64
	for _, r := range s.usage {
		if r.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.usage = kept
	return n, nil
}

// ============================================
// Webhooks
// ============================================

func copyWebhook(h *domain.Webhook) *domain.Webhook {
	cp := *h
	cp.EventTypes = append([]string(nil), h.EventTypes...)
	return &cp
}

func (s *Store) CreateWebhook(ctx context.Context, hook *domain.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.webhooks[hook.ID]; exists {
		return domain.ErrAlreadyExists
	}
	s.webhooks[hook.ID] = copyWebhook(hook)
	return nil
}

func (s *Store) GetWebhook(ctx context.Context, id string) (*domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, exists := s.webhooks[id]
	if !exists {
		return nil, domain.ErrNotFound
	}
	return copyWebhook(h), nil
}

func (s *Store) ListWebhooks(ctx context.Context, userID string) ([]*domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hooks := make([]*domain.Webhook, 0)
	for _, h := range s.webhooks {
		if h.UserID == userID {
			hooks = append(hooks, copyWebhook(h))
		}
	}
	sortWebhooks(hooks)
	return hooks, nil
}

func (s *Store) ListDeliverableWebhooks(ctx context.Context, userID string, threshold int) ([]*domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hooks := make([]*domain.Webhook, 0)
	for _, h := range s.webhooks {
		if h.UserID == userID && h.IsActive && h.FailureCount < threshold {
			hooks = append(hooks, copyWebhook(h))
		}
	}
	sortWebhooks(hooks)
	return hooks, nil
}

func sortWebhooks(hooks []*domain.Webhook) {
	sort.Slice(hooks, func(i, j int) bool {
		if hooks[i].CreatedAt.Equal(hooks[j].CreatedAt) {
			return hooks[i].ID < hooks[j].ID
		}
		return hooks[i].CreatedAt.Before(hooks[j].CreatedAt)
	})
}

func (s *Store) UpdateWebhook(ctx context.Context, hook *domain.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.webhooks[hook.ID]
	if !exists {
		return domain.ErrNotFound
	}
	// Health counters are owned by RecordWebhookOutcome.
	cp := copyWebhook(hook)
	cp.FailureCount = existing.FailureCount
	cp.LastTriggeredAt = existing.LastTriggeredAt
	cp.LastStatusCode = existing.LastStatusCode
	cp.LastError = existing.LastError
	s.webhooks[hook.ID] = cp
	return nil
}

func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.webhooks[id]; !exists {
		return domain.ErrNotFound
	}
	delete(s.webhooks, id)
	return nil
}

func (s *Store) RecordWebhookOutcome(ctx context.Context, id string, outcome domain.DeliveryOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, exists := s.webhooks[id]
	if !exists {
		return domain.ErrNotFound
	}
	at := outcome.At
	h.LastTriggeredAt = &at
	if outcome.StatusCode != nil {
		code := *outcome.StatusCode
		h.LastStatusCode = &code
	}
	if outcome.Success {
		h.FailureCount = 0
		h.LastError = nil
	} else {
		h.FailureCount++
		h.LastError = outcome.Error
	}
	return nil
}

// SetWebhookFailureCount overwrites a webhook's failure counter.
func (s *Store) SetWebhookFailureCount(id string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, exists := s.webhooks[id]; exists {
		h.FailureCount = n
	}
}

// ============================================
// Deliveries
// ============================================

func copyDelivery(d *domain.WebhookDelivery) *domain.WebhookDelivery {
	cp := *d
	cp.Payload = append([]byte(nil), d.Payload...)
	return &cp
}

func (s *Store) CreateDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.deliveries[d.ID]; exists {
		return domain.ErrAlreadyExists
	}
	s.deliveries[d.ID] = copyDelivery(d)
	return nil
}

func (s *Store) CompleteDelivery(ctx context.Context, id string, outcome domain.DeliveryOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, exists := s.deliveries[id]
	if !exists {
		return domain.ErrNotFound
	}
	if d.Status != domain.DeliveryPending {
		return domain.ErrAlreadyCompleted
	}
	at := outcome.At
	d.Status = outcome.Status()
	d.StatusCode = outcome.StatusCode
	d.ResponseBody = outcome.ResponseBody
	d.ErrorMessage = outcome.Error
	d.DeliveredAt = &at
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, id string) (*domain.WebhookDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, exists := s.deliveries[id]
	if !exists {
		return nil, domain.ErrNotFound
	}
	return copyDelivery(d), nil
}

func (s *Store) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]*domain.WebhookDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	deliveries := make([]*domain.WebhookDelivery, 0)
	for _, d := range s.deliveries {
		if d.WebhookID == webhookID {
			deliveries = append(deliveries, copyDelivery(d))
		}
	}
	sort.Slice(deliveries, func(i, j int) bool {
		return deliveries[i].CreatedAt.After(deliveries[j].CreatedAt)
	})
	if limit > 0 && len(deliveries) > limit {
		deliveries = deliveries[:limit]
	}
	return deliveries, nil
}
