package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kestrelhq/kestrel/internal/domain"
)

// recipientSetTTL bounds the distinct-recipient set used by the velocity
// analyzer. Membership may be lossy under cache pressure.
const recipientSetTTL = 300 * time.Second

// RedisStore implements domain.Cache on Redis. All writes use single-key
// atomic or pipelined primitives; there are no multi-key transactions.
type RedisStore struct {
	client *redis.Client
	prefix string
	cfg    domain.CacheConfig
}

// NewRedisStore creates a Redis-backed cache store.
func NewRedisStore(cfg domain.CacheConfig) (*RedisStore, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "kestrel"
	}

	return &RedisStore{client: client, prefix: prefix, cfg: cfg}, nil
}

// IncrementVelocity bumps count and amount for one window in a single
// pipelined transaction and refreshes both TTLs to the window length.
func (s *RedisStore) IncrementVelocity(ctx context.Context, userID string, window domain.VelocityWindow, amount float64) (domain.VelocityStat, error) {
	countKey := s.key("vel", userID, string(window), "count")
	amountKey := s.key("vel", userID, string(window), "amount")
	ttl := window.Duration()

	pipe := s.client.TxPipeline()
	count := pipe.Incr(ctx, countKey)
	pipe.Expire(ctx, countKey, ttl)
	total := pipe.IncrByFloat(ctx, amountKey, amount)
	pipe.Expire(ctx, amountKey, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return domain.VelocityStat{}, err
	}

	return domain.VelocityStat{Count: count.Val(), TotalAmount: total.Val()}, nil
}

// GetVelocity reads the counters without incrementing.
func (s *RedisStore) GetVelocity(ctx context.Context, userID string, window domain.VelocityWindow) (domain.VelocityStat, error) {
	countKey := s.key("vel", userID, string(window), "count")
	amountKey := s.key("vel", userID, string(window), "amount")

	pipe := s.client.Pipeline()
	count := pipe.Get(ctx, countKey)
	total := pipe.Get(ctx, amountKey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return domain.VelocityStat{}, err
	}

	stat := domain.VelocityStat{}
	if c, err := count.Int64(); err == nil {
		stat.Count = c
	}
	if a, err := total.Float64(); err == nil {
		stat.TotalAmount = a
	}
	return stat, nil
}

// TouchRecipientSet adds the recipient to the bounded 5-minute set and
// returns its cardinality.
func (s *RedisStore) TouchRecipientSet(ctx context.Context, userID, recipientID string) (int64, error) {
	key := s.key("vel", userID, "recipients")

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, domain.ShortHash(recipientID))
	pipe.Expire(ctx, key, recipientSetTTL)
	card := pipe.SCard(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

// GetUserHistory retrieves the cached history snapshot.
func (s *RedisStore) GetUserHistory(ctx context.Context, userID string) (*domain.UserHistory, error) {
	var h domain.UserHistory
	ok, err := s.getJSON(ctx, s.key("hist", userID), &h)
	if err != nil || !ok {
		return nil, err
	}
	return &h, nil
}

// SetUserHistory caches the history snapshot.
func (s *RedisStore) SetUserHistory(ctx context.Context, userID string, h *domain.UserHistory, ttl time.Duration) error {
	return s.setJSON(ctx, s.key("hist", userID), h, ttl)
}

// InvalidateUserHistory drops the snapshot after a completed analysis.
func (s *RedisStore) InvalidateUserHistory(ctx context.Context, userID string) error {
	return s.client.Del(ctx, s.key("hist", userID)).Err()
}

// GetLastGeo retrieves the user's last-seen location.
func (s *RedisStore) GetLastGeo(ctx context.Context, userID string) (*domain.GeoPoint, error) {
	var p domain.GeoPoint
	ok, err := s.getJSON(ctx, s.key("geo", userID), &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

// SetLastGeo records the user's current location.
func (s *RedisStore) SetLastGeo(ctx context.Context, userID string, p *domain.GeoPoint, ttl time.Duration) error {
	return s.setJSON(ctx, s.key("geo", userID), p, ttl)
}

// GetDeviceInfo retrieves the device record. Keys are truncated fingerprint
// hashes so raw fingerprints never reach the keyspace.
func (s *RedisStore) GetDeviceInfo(ctx context.Context, fingerprint string) (*domain.DeviceInfo, error) {
	var d domain.DeviceInfo
	ok, err := s.getJSON(ctx, s.key("dev", domain.ShortHash(fingerprint)), &d)
	if err != nil || !ok {
		return nil, err
	}
	return &d, nil
}

// SetDeviceInfo caches the device record.
func (s *RedisStore) SetDeviceInfo(ctx context.Context, fingerprint string, info *domain.DeviceInfo, ttl time.Duration) error {
	return s.setJSON(ctx, s.key("dev", domain.ShortHash(fingerprint)), info, ttl)
}

// GetRecipientInfo retrieves the recipient record.
func (s *RedisStore) GetRecipientInfo(ctx context.Context, recipientID string) (*domain.RecipientInfo, error) {
	var r domain.RecipientInfo
	ok, err := s.getJSON(ctx, s.key("rcpt", recipientID), &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}

// SetRecipientInfo caches the recipient record.
func (s *RedisStore) SetRecipientInfo(ctx context.Context, recipientID string, info *domain.RecipientInfo, ttl time.Duration) error {
	return s.setJSON(ctx, s.key("rcpt", recipientID), info, ttl)
}

// IsInBlocklist checks the blocklist cache index. Only positive results are
// ever stored, so a miss means "ask the store".
func (s *RedisStore) IsInBlocklist(ctx context.Context, typ domain.BlocklistType, value string) (bool, error) {
	key := s.key("bl", string(typ), domain.ShortHash(value))
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AddToBlocklistCache records a positive blocklist hit.
func (s *RedisStore) AddToBlocklistCache(ctx context.Context, typ domain.BlocklistType, value string, ttl time.Duration) error {
	key := s.key("bl", string(typ), domain.ShortHash(value))
	return s.client.Set(ctx, key, "1", ttl).Err()
}

// GetCachedAnalysis reads the idempotency marker.
func (s *RedisStore) GetCachedAnalysis(ctx context.Context, transactionID string) (*domain.CachedDecision, error) {
	var d domain.CachedDecision
	ok, err := s.getJSON(ctx, s.key("an", transactionID), &d)
	if err != nil || !ok {
		return nil, err
	}
	return &d, nil
}

// CacheAnalysis writes the idempotency marker.
func (s *RedisStore) CacheAnalysis(ctx context.Context, transactionID string, d *domain.CachedDecision, ttl time.Duration) error {
	return s.setJSON(ctx, s.key("an", transactionID), d, ttl)
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) getJSON(ctx context.Context, key string, out any) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, data, ttl).Err()
}

func (s *RedisStore) key(parts ...string) string {
	key := s.prefix
	for _, p := range parts {
		key += ":" + p
	}
	return key
}
