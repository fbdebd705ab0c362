package domain

import (
	"context"
	"time"
)

// Cache defines the shared hot-path store. Every method is fail-open: on
// transport error implementations return the zero value and the caller
// degrades rather than aborting the pipeline. Velocity counters live only
// here, never in process memory, so worker pods can come and go.
type Cache interface {
	// IncrementVelocity atomically bumps the (count, amount) pair for one
	// window in a single pipelined transaction and returns the new values.
	// The counter TTL equals the window length.
	IncrementVelocity(ctx context.Context, userID string, window VelocityWindow, amount float64) (VelocityStat, error)

	// GetVelocity reads the current counters without incrementing.
	GetVelocity(ctx context.Context, userID string, window VelocityWindow) (VelocityStat, error)

	// TouchRecipientSet adds a recipient to the bounded 5-minute distinct
	// set and returns its cardinality. Membership may be lossy under cache
	// pressure; the velocity analyzer tolerates that.
	TouchRecipientSet(ctx context.Context, userID, recipientID string) (int64, error)

	// User history snapshot, cache-through with configured TTL.
	GetUserHistory(ctx context.Context, userID string) (*UserHistory, error)
	SetUserHistory(ctx context.Context, userID string, h *UserHistory, ttl time.Duration) error
	InvalidateUserHistory(ctx context.Context, userID string) error

	// Last-seen location per user, for travel-speed checks.
	GetLastGeo(ctx context.Context, userID string) (*GeoPoint, error)
	SetLastGeo(ctx context.Context, userID string, p *GeoPoint, ttl time.Duration) error

	// Device reputation, keyed by truncated fingerprint hash.
	GetDeviceInfo(ctx context.Context, fingerprint string) (*DeviceInfo, error)
	SetDeviceInfo(ctx context.Context, fingerprint string, info *DeviceInfo, ttl time.Duration) error

	// Recipient reputation.
	GetRecipientInfo(ctx context.Context, recipientID string) (*RecipientInfo, error)
	SetRecipientInfo(ctx context.Context, recipientID string, info *RecipientInfo, ttl time.Duration) error

	// Blocklist cache-through index, keyed by truncated value hash.
	// Negative results are not cached.
	IsInBlocklist(ctx context.Context, typ BlocklistType, value string) (bool, error)
	AddToBlocklistCache(ctx context.Context, typ BlocklistType, value string, ttl time.Duration) error

	// Idempotency marker memoizing the decision per transactionId.
	GetCachedAnalysis(ctx context.Context, transactionID string) (*CachedDecision, error)
	CacheAnalysis(ctx context.Context, transactionID string, d *CachedDecision, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CachedDecision is the idempotency marker payload. Re-delivery within the
// marker TTL returns this instead of re-running the pipeline.
type CachedDecision struct {
	Decision  Decision  `json:"decision"`
	Score     float64   `json:"score"`
	Timestamp time.Time `json:"timestamp"`
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `mapstructure:"type"`

	// KeyPrefix namespaces every key.
	KeyPrefix string `mapstructure:"key_prefix"`

	// In-memory settings (tests and single-node deployments)
	LocalMaxSize int `mapstructure:"local_max_size"`

	// Redis settings
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// TTLs
	UserHistoryTTL time.Duration `mapstructure:"ttl_user_history"`
	DeviceTTL      time.Duration `mapstructure:"ttl_device"`
	RecipientTTL   time.Duration `mapstructure:"ttl_recipient"`
	BlocklistTTL   time.Duration `mapstructure:"ttl_blocklist"`
	AnalysisTTL    time.Duration `mapstructure:"ttl_analysis"`
}
