// Package redis implements the counter stores on Redis. Each check-and-write
// runs as a Lua script so Redis executes it atomically.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bcnelson/feedgate/internal/domain"
	"github.com/bcnelson/feedgate/internal/storage"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

var _ storage.CounterStore = (*CounterStore)(nil)

// CounterStore implements storage.CounterStore on Redis.
type CounterStore struct {
	client *redis.Client
	prefix string
}

// incrementQuotaScript increments KEYS[1] only while it is below ARGV[1] and
// expires the key ARGV[2] milliseconds after its first increment.
var incrementQuotaScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= tonumber(ARGV[1]) then
	return {0, count}
end
count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, count}
`)

// consumeSlotScript counts members of the sorted set KEYS[1] scored at or
// after ARGV[1] and appends ARGV[4] at score ARGV[2] if fewer than ARGV[3].
// Returns {allowed, count, oldest score}.
var consumeSlotScript = redis.NewScript(`
local since = ARGV[1]
local count = redis.call('ZCOUNT', KEYS[1], since, '+inf')
if count >= tonumber(ARGV[3]) then
	local first = redis.call('ZRANGEBYSCORE', KEYS[1], since, '+inf', 'WITHSCORES', 'LIMIT', 0, 1)
	return {0, count, first[2] or '0'}
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
local first = redis.call('ZRANGEBYSCORE', KEYS[1], since, '+inf', 'WITHSCORES', 'LIMIT', 0, 1)
return {1, count + 1, first[2] or ARGV[2]}
`)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*CounterStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "feedgate"
	}
	return &CounterStore{client: client, prefix: prefix}, nil
}

// Close closes the client.
func (s *CounterStore) Close() error {
	return s.client.Close()
}

func (s *CounterStore) quotaKey(userID, endpoint string, windowStart time.Time) string {
	return fmt.Sprintf("%s:quota:%s:%s:%d", s.prefix, userID, endpoint, windowStart.Unix())
}

func (s *CounterStore) ipKey(ip, endpoint string) string {
	return fmt.Sprintf("%s:ip:%s:%s", s.prefix, ip, endpoint)
}

func (s *CounterStore) IncrementQuota(ctx context.Context, userID, endpoint string, windowStart time.Time, limit int) (domain.QuotaResult, error) {
	if limit <= 0 {
		return domain.QuotaResult{}, nil
	}
	// Keep the key one extra window so late readers still see the final count.
	ttl := (2 * time.Hour).Milliseconds()
	res, err := incrementQuotaScript.Run(ctx, s.client,
		[]string{s.quotaKey(userID, endpoint, windowStart)}, limit, ttl).Int64Slice()
	if err != nil {
		return domain.QuotaResult{}, err
	}
	if len(res) != 2 {
		return domain.QuotaResult{}, fmt.Errorf("unexpected quota script reply %v", res)
	}
	return domain.QuotaResult{Allowed: res[0] == 1, Count: int(res[1])}, nil
}

// DeleteQuotaWindowsBefore is a no-op: quota keys expire on their own.
func (s *CounterStore) DeleteQuotaWindowsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (s *CounterStore) ConsumeIPSlot(ctx context.Context, ip, endpoint string, now time.Time, window time.Duration, max int) (domain.IPSlot, error) {
	nowMs := now.UnixMilli()
	sinceMs := now.Add(-window).UnixMilli()
	res, err := consumeSlotScript.Run(ctx, s.client,
		[]string{s.ipKey(ip, endpoint)},
		sinceMs, nowMs, max, uuid.New().String(), window.Milliseconds()).Slice()
	if err != nil {
		return domain.IPSlot{}, err
	}
	if len(res) != 3 {
		return domain.IPSlot{}, fmt.Errorf("unexpected slot script reply %v", res)
	}

	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)
	slot := domain.IPSlot{Allowed: allowed == 1, Count: int(count)}
	if oldest, ok := res[2].(string); ok {
		// Scores come back as float text; some servers use exponent form.
		if ms, err := strconv.ParseFloat(oldest, 64); err == nil && ms > 0 {
			slot.Oldest = time.UnixMilli(int64(ms))
		}
	}
	return slot, nil
}

func (s *CounterStore) PruneIPRecords(ctx context.Context, ip, endpoint string, before time.Time) error {
	return s.client.ZRemRangeByScore(ctx, s.ipKey(ip, endpoint),
		"-inf", "("+strconv.FormatInt(before.UnixMilli(), 10)).Err()
}

// DeleteIPRecordsBefore is a no-op: per-key pruning and key expiry bound the sets.
func (s *CounterStore) DeleteIPRecordsBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}
