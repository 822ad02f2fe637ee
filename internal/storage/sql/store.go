package sql

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bcnelson/feedgate/internal/domain"
	"github.com/bcnelson/feedgate/internal/storage"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const driverPostgres = "postgres"

var _ storage.Storage = (*Store)(nil)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY conflict.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgUniqueViolation
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// wrapUniqueError converts UNIQUE violations to domain.ErrAlreadyExists.
func wrapUniqueError(err error) error {
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	return err
}

// Store implements the storage.Storage interface using SQL.
type Store struct {
	db     *sqlx.DB
	driver string
}

// New creates a new SQL store and applies pending migrations.
func New(driver, dsn string) (*Store, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// SQLite allows one writer; a single connection serializes every
	// statement and transaction through it.
	if driver != driverPostgres {
		db.SetMaxOpenConns(1)
	}

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect(driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}

	if err := goose.Up(db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, driver: driver}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// helper to get the correct database interface
type dbInterface interface {
	sqlx.ExtContext
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func rowsAffected(result sql.Result) int64 {
	n, _ := result.RowsAffected()
	return n
}

// ============================================
// API Keys
// ============================================

const apiKeyColumns = `id, user_id, name, key_hash, key_prefix, is_active, expires_at, created_at, last_used_at`

func (s *Store) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (`+apiKeyColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.IsActive,
		key.ExpiresAt, key.CreatedAt.UTC(), key.LastUsedAt)
	return wrapUniqueError(err)
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	var key domain.APIKey
	err := s.db.GetContext(ctx, &key,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1`, keyHash)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *Store) ListAPIKeys(ctx context.Context, userID string) ([]*domain.APIKey, error) {
	keys := []*domain.APIKey{}
	err := s.db.SelectContext(ctx, &keys,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *Store) RevokeAPIKey(ctx context.Context, userID, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET is_active = $1 WHERE id = $2 AND user_id = $3`, false, id, userID)
	if err != nil {
		return err
	}
	if rowsAffected(result) == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, at.UTC(), id)
	return err
}

// ============================================
// Plans
// ============================================

func (s *Store) GetTenantPlan(ctx context.Context, userID string) (*domain.TenantPlan, error) {
	var plan domain.TenantPlan
	err := s.db.GetContext(ctx, &plan,
		`SELECT user_id, tier FROM tenant_plans WHERE user_id = $1`, userID)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (s *Store) SetTenantPlan(ctx context.Context, plan *domain.TenantPlan) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenant_plans (user_id, tier) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET tier = excluded.tier`,
		plan.UserID, string(plan.Tier))
	return err
}

// ============================================
// Quota windows
// ============================================

// IncrementQuota performs the check and the increment in one statement. The
// conditional DO UPDATE only fires while the stored count is below the limit,
// so concurrent callers serialize on the row and none can overshoot.
func (s *Store) IncrementQuota(ctx context.Context, userID, endpoint string, windowStart time.Time, limit int) (domain.QuotaResult, error) {
	windowStart = windowStart.UTC()
	if limit <= 0 {
		return domain.QuotaResult{}, nil
	}

	var count int
	err := s.db.GetContext(ctx, &count,
		`INSERT INTO quota_windows (user_id, endpoint, window_start, request_count)
		 VALUES ($1, $2, $3, 1)
		 ON CONFLICT (user_id, endpoint, window_start)
		 DO UPDATE SET request_count = quota_windows.request_count + 1
		 WHERE quota_windows.request_count < $4
		 RETURNING request_count`,
		userID, endpoint, windowStart, limit)
	if err == nil {
		return domain.QuotaResult{Allowed: true, Count: count}, nil
	}
	if err != sql.ErrNoRows {
		return domain.QuotaResult{}, err
	}

	// Conflict row was at the limit; report its count.
	err = s.db.GetContext(ctx, &count,
		`SELECT request_count FROM quota_windows WHERE user_id = $1 AND endpoint = $2 AND window_start = $3`,
		userID, endpoint, windowStart)
	if err != nil && err != sql.ErrNoRows {
		return domain.QuotaResult{}, err
	}
	return domain.QuotaResult{Allowed: false, Count: count}, nil
}

func (s *Store) DeleteQuotaWindowsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM quota_windows WHERE window_start < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return rowsAffected(result), nil
}

// ============================================
// IP log
// ============================================

// ConsumeIPSlot runs count-then-append in one transaction. On PostgreSQL a
// transaction-scoped advisory lock keyed by (ip, endpoint) serializes
// concurrent callers; SQLite serializes through its single connection.
func (s *Store) ConsumeIPSlot(ctx context.Context, ip, endpoint string, now time.Time, window time.Duration, max int) (domain.IPSlot, error) {
	now = now.UTC()
	since := now.Add(-window)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.IPSlot{}, err
	}
	defer tx.Rollback()

	if s.driver == driverPostgres {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ip+"|"+endpoint); err != nil {
			return domain.IPSlot{}, fmt.Errorf("acquiring ip lock: %w", err)
		}
	}

	slot, err := countIPRecords(ctx, tx, ip, endpoint, since)
	if err != nil {
		return domain.IPSlot{}, err
	}
	if slot.Count >= max {
		return slot, tx.Commit()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ip_rate_records (id, ip_address, endpoint, created_at) VALUES ($1, $2, $3, $4)`,
		uuid.New().String(), ip, endpoint, now)
	if err != nil {
		return domain.IPSlot{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.IPSlot{}, err
	}

	if slot.Count == 0 {
		slot.Oldest = now
	}
	slot.Count++
	slot.Allowed = true
	return slot, nil
}

func countIPRecords(ctx context.Context, db dbInterface, ip, endpoint string, since time.Time) (domain.IPSlot, error) {
	var slot domain.IPSlot
	err := db.GetContext(ctx, &slot.Count,
		`SELECT COUNT(*) FROM ip_rate_records WHERE ip_address = $1 AND endpoint = $2 AND created_at >= $3`,
		ip, endpoint, since)
	if err != nil {
		return slot, err
	}
	if slot.Count == 0 {
		return slot, nil
	}
	// ORDER BY/LIMIT instead of MIN() keeps the column type so the driver
	// scans it as a timestamp.
	err = db.GetContext(ctx, &slot.Oldest,
		`SELECT created_at FROM ip_rate_records
		 WHERE ip_address = $1 AND endpoint = $2 AND created_at >= $3
		 ORDER BY created_at ASC LIMIT 1`,
		ip, endpoint, since)
	return slot, err
}

func (s *Store) PruneIPRecords(ctx context.Context, ip, endpoint string, before time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM ip_rate_records WHERE ip_address = $1 AND endpoint = $2 AND created_at < $3`,
		ip, endpoint, before.UTC())
	return err
}

func (s *Store) DeleteIPRecordsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM ip_rate_records WHERE created_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return rowsAffected(result), nil
}

// ============================================
// Usage
// ============================================

const usageColumns = `id, user_id, endpoint, method, status_code, latency_ms, ip_address, user_agent, created_at`

func (s *Store) InsertUsageRecord(ctx context.Context, rec *domain.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (`+usageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.UserID, rec.Endpoint, rec.Method, rec.StatusCode, rec.LatencyMs,
		rec.IPAddress, rec.UserAgent, rec.CreatedAt.UTC())
	return err
}

func (s *Store) ListUsageRecords(ctx context.Context, q domain.UsageQuery) ([]*domain.UsageRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	records := []*domain.UsageRecord{}
	err := s.db.SelectContext(ctx, &records,
		`SELECT `+usageColumns+` FROM usage_records
		 WHERE user_id = $1 AND created_at >= $2
		 ORDER BY created_at DESC LIMIT $3`,
		q.UserID, q.Since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) DeleteUsageRecordsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM usage_records WHERE created_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return rowsAffected(result), nil
}

// ============================================
// Webhooks
// ============================================

const webhookColumns = `id, user_id, url, secret, event_types_json, feed_id, collection_id, is_active,
	failure_count, last_triggered_at, last_status_code, last_error, created_at, updated_at`

type webhookRow struct {
	ID              string     `db:"id"`
	UserID          string     `db:"user_id"`
	URL             string     `db:"url"`
	Secret          *string    `db:"secret"`
	EventTypesJSON  string     `db:"event_types_json"`
	FeedID          *string    `db:"feed_id"`
	CollectionID    *string    `db:"collection_id"`
	IsActive        bool       `db:"is_active"`
	FailureCount    int        `db:"failure_count"`
	LastTriggeredAt *time.Time `db:"last_triggered_at"`
	LastStatusCode  *int       `db:"last_status_code"`
	LastError       *string    `db:"last_error"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

func rowToWebhook(row *webhookRow) (*domain.Webhook, error) {
	hook := &domain.Webhook{
		ID:              row.ID,
		UserID:          row.UserID,
		URL:             row.URL,
		Secret:          row.Secret,
		FeedID:          row.FeedID,
		CollectionID:    row.CollectionID,
		IsActive:        row.IsActive,
		FailureCount:    row.FailureCount,
		LastTriggeredAt: row.LastTriggeredAt,
		LastStatusCode:  row.LastStatusCode,
		LastError:       row.LastError,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(row.EventTypesJSON), &hook.EventTypes); err != nil {
		return nil, fmt.Errorf("decoding event types for webhook %s: %w", row.ID, err)
	}
	return hook, nil
}

func rowsToWebhooks(rows []webhookRow) ([]*domain.Webhook, error) {
	hooks := make([]*domain.Webhook, 0, len(rows))
	for i := range rows {
		hook, err := rowToWebhook(&rows[i])
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, hook)
	}
	return hooks, nil
}

func (s *Store) CreateWebhook(ctx context.Context, hook *domain.Webhook) error {
	eventTypes, err := json.Marshal(hook.EventTypes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO webhooks (`+webhookColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		hook.ID, hook.UserID, hook.URL, hook.Secret, string(eventTypes), hook.FeedID, hook.CollectionID,
		hook.IsActive, hook.FailureCount, hook.LastTriggeredAt, hook.LastStatusCode, hook.LastError,
		hook.CreatedAt.UTC(), hook.UpdatedAt.UTC())
	return wrapUniqueError(err)
}

func (s *Store) GetWebhook(ctx context.Context, id string) (*domain.Webhook, error) {
	var row webhookRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rowToWebhook(&row)
}

func (s *Store) ListWebhooks(ctx context.Context, userID string) ([]*domain.Webhook, error) {
	var rows []webhookRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+webhookColumns+` FROM webhooks WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	return rowsToWebhooks(rows)
}

func (s *Store) ListDeliverableWebhooks(ctx context.Context, userID string, threshold int) ([]*domain.Webhook, error) {
	var rows []webhookRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+webhookColumns+` FROM webhooks
		 WHERE user_id = $1 AND is_active = $2 AND failure_count < $3
		 ORDER BY created_at, id`,
		userID, true, threshold)
	if err != nil {
		return nil, err
	}
	return rowsToWebhooks(rows)
}

func (s *Store) UpdateWebhook(ctx context.Context, hook *domain.Webhook) error {
	eventTypes, err := json.Marshal(hook.EventTypes)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET url = $1, secret = $2, event_types_json = $3, feed_id = $4,
		 collection_id = $5, is_active = $6, updated_at = $7 WHERE id = $8`,
		hook.URL, hook.Secret, string(eventTypes), hook.FeedID, hook.CollectionID,
		hook.IsActive, hook.UpdatedAt.UTC(), hook.ID)
	if err != nil {
		return err
	}
	if rowsAffected(result) == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rowsAffected(result) == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RecordWebhookOutcome updates the health counters in place so concurrent
// deliveries to the same webhook never lose an increment.
func (s *Store) RecordWebhookOutcome(ctx context.Context, id string, outcome domain.DeliveryOutcome) error {
	at := outcome.At.UTC()
	var (
		result sql.Result
		err    error
	)
	if outcome.Success {
		result, err = s.db.ExecContext(ctx,
			`UPDATE webhooks SET failure_count = 0, last_error = NULL, last_triggered_at = $1,
			 last_status_code = $2, updated_at = $1 WHERE id = $3`,
			at, outcome.StatusCode, id)
	} else if outcome.StatusCode != nil {
		result, err = s.db.ExecContext(ctx,
			`UPDATE webhooks SET failure_count = failure_count + 1, last_error = $1,
			 last_triggered_at = $2, last_status_code = $3, updated_at = $2 WHERE id = $4`,
			outcome.Error, at, *outcome.StatusCode, id)
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE webhooks SET failure_count = failure_count + 1, last_error = $1,
			 last_triggered_at = $2, updated_at = $2 WHERE id = $3`,
			outcome.Error, at, id)
	}
	if err != nil {
		return err
	}
	if rowsAffected(result) == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ============================================
// Deliveries
// ============================================

const deliveryColumns = `id, webhook_id, event_type, payload, status, status_code, response_body,
	error_message, created_at, delivered_at`

type deliveryRow struct {
	ID           string     `db:"id"`
	WebhookID    string     `db:"webhook_id"`
	EventType    string     `db:"event_type"`
	Payload      string     `db:"payload"`
	Status       string     `db:"status"`
	StatusCode   *int       `db:"status_code"`
	ResponseBody *string    `db:"response_body"`
	ErrorMessage *string    `db:"error_message"`
	CreatedAt    time.Time  `db:"created_at"`
	DeliveredAt  *time.Time `db:"delivered_at"`
}

func rowToDelivery(row *deliveryRow) *domain.WebhookDelivery {
	return &domain.WebhookDelivery{
		ID:           row.ID,
		WebhookID:    row.WebhookID,
		EventType:    row.EventType,
		Payload:      json.RawMessage(row.Payload),
		Status:       domain.DeliveryStatus(row.Status),
		StatusCode:   row.StatusCode,
		ResponseBody: row.ResponseBody,
		ErrorMessage: row.ErrorMessage,
		CreatedAt:    row.CreatedAt,
		DeliveredAt:  row.DeliveredAt,
	}
}

func (s *Store) CreateDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (`+deliveryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.WebhookID, d.EventType, string(d.Payload), string(d.Status), d.StatusCode,
		d.ResponseBody, d.ErrorMessage, d.CreatedAt.UTC(), d.DeliveredAt)
	return wrapUniqueError(err)
}

func (s *Store) CompleteDelivery(ctx context.Context, id string, outcome domain.DeliveryOutcome) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE webhook_deliveries SET status = $1, status_code = $2, response_body = $3,
		 error_message = $4, delivered_at = $5 WHERE id = $6 AND status = $7`,
		string(outcome.Status()), outcome.StatusCode, outcome.ResponseBody, outcome.Error,
		outcome.At.UTC(), id, string(domain.DeliveryPending))
	if err != nil {
		return err
	}
	if rowsAffected(result) > 0 {
		return nil
	}
	if _, err := s.GetDelivery(ctx, id); err != nil {
		return err
	}
	return domain.ErrAlreadyCompleted
}

func (s *Store) GetDelivery(ctx context.Context, id string) (*domain.WebhookDelivery, error) {
	var row deliveryRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rowToDelivery(&row), nil
}

func (s *Store) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]*domain.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []deliveryRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		 WHERE webhook_id = $1 ORDER BY created_at DESC LIMIT $2`,
		webhookID, limit)
	if err != nil {
		return nil, err
	}
	deliveries := make([]*domain.WebhookDelivery, 0, len(rows))
	for i := range rows {
		deliveries = append(deliveries, rowToDelivery(&rows[i]))
	}
	return deliveries, nil
}
