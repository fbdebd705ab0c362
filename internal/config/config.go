// Package config loads the kestrel configuration from the environment.
package config

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/kestrelhq/kestrel/internal/domain"
)

const envPrefix = "KESTREL"

// Load builds configuration from defaults and KESTREL_-prefixed environment
// variables. Nested keys map with underscores, e.g. KESTREL_CACHE_REDIS_ADDR.
func Load() (*domain.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, domain.DefaultConfig())

	cfg := &domain.Config{}
	decode := func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
	if err := v.Unmarshal(cfg, decode); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot serve with.
func Validate(cfg *domain.Config) error {
	t := cfg.Rules.Thresholds
	if t.SuspiciousMin > t.RejectMin {
		return fmt.Errorf("threshold suspicious_min %.2f exceeds reject_min %.2f", t.SuspiciousMin, t.RejectMin)
	}
	if cfg.Pipeline.ProcessingTimeout <= 0 {
		return fmt.Errorf("pipeline processing_timeout must be positive")
	}
	if cfg.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline workers must be positive")
	}
	switch cfg.Bus.Type {
	case "kafka", "nats", "channel":
	default:
		return fmt.Errorf("unsupported bus type %q", cfg.Bus.Type)
	}
	switch cfg.Cache.Type {
	case "redis", "memory":
	default:
		return fmt.Errorf("unsupported cache type %q", cfg.Cache.Type)
	}
	if cfg.ML.HashValidation && cfg.ML.ModelPath != "" && cfg.ML.ExpectedSHA256 == "" {
		return fmt.Errorf("ml hash_validation enabled but expected_sha256 is empty")
	}
	return nil
}

// setDefaults registers every recognized option so AutomaticEnv can see it.
func setDefaults(v *viper.Viper, d *domain.Config) {
	v.SetDefault("service_name", d.ServiceName)
	v.SetDefault("encryption_key", "")

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)

	v.SetDefault("log.level", d.Logging.Level)
	v.SetDefault("log.format", d.Logging.Format)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)

	v.SetDefault("cache.type", d.Cache.Type)
	v.SetDefault("cache.key_prefix", d.Cache.KeyPrefix)
	v.SetDefault("cache.local_max_size", d.Cache.LocalMaxSize)
	v.SetDefault("cache.redis_addr", d.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", d.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", d.Cache.RedisDB)
	v.SetDefault("cache.ttl_user_history", d.Cache.UserHistoryTTL)
	v.SetDefault("cache.ttl_device", d.Cache.DeviceTTL)
	v.SetDefault("cache.ttl_recipient", d.Cache.RecipientTTL)
	v.SetDefault("cache.ttl_blocklist", d.Cache.BlocklistTTL)
	v.SetDefault("cache.ttl_analysis", d.Cache.AnalysisTTL)

	v.SetDefault("db.driver", d.DB.Driver)
	v.SetDefault("db.sqlite_path", d.DB.SQLitePath)
	v.SetDefault("db.host", d.DB.PostgresHost)
	v.SetDefault("db.port", d.DB.PostgresPort)
	v.SetDefault("db.user", d.DB.PostgresUser)
	v.SetDefault("db.password", d.DB.PostgresPassword)
	v.SetDefault("db.name", d.DB.PostgresDB)
	v.SetDefault("db.sslmode", d.DB.PostgresSSLMode)
	v.SetDefault("db.max_open_conns", d.DB.MaxOpenConns)
	v.SetDefault("db.max_idle_conns", d.DB.MaxIdleConns)
	v.SetDefault("db.conn_max_lifetime", d.DB.ConnMaxLifetime)

	v.SetDefault("bus.type", d.Bus.Type)
	v.SetDefault("bus.channel_buffer", d.Bus.ChannelBufferSize)
	v.SetDefault("bus.kafka_brokers", d.Bus.KafkaBrokers)
	v.SetDefault("bus.kafka_group_id", d.Bus.KafkaGroupID)
	v.SetDefault("bus.kafka_compression", d.Bus.KafkaCompression)
	v.SetDefault("bus.nats_url", d.Bus.NATSUrl)
	v.SetDefault("bus.nats_token", d.Bus.NATSToken)
	v.SetDefault("bus.nats_max_reconnects", d.Bus.NATSMaxReconnects)
	v.SetDefault("bus.nats_reconnect_wait", d.Bus.NATSReconnectWait)

	v.SetDefault("topic.transfers_created", d.Topics.TransfersCreated)
	v.SetDefault("topic.fraud_analysis", d.Topics.FraudAnalysis)
	v.SetDefault("topic.fraud_suspected", d.Topics.FraudSuspected)
	v.SetDefault("topic.manual_review", d.Topics.ManualReview)
	v.SetDefault("topic.review_complete", d.Topics.ReviewComplete)

	v.SetDefault("pipeline.processing_timeout", d.Pipeline.ProcessingTimeout)
	v.SetDefault("pipeline.publish_budget", d.Pipeline.PublishBudget)
	v.SetDefault("pipeline.workers", d.Pipeline.Workers)

	v.SetDefault("rules.threshold.approve_max", d.Rules.Thresholds.ApproveMax)
	v.SetDefault("rules.threshold.suspicious_min", d.Rules.Thresholds.SuspiciousMin)
	v.SetDefault("rules.threshold.suspicious_max", d.Rules.Thresholds.SuspiciousMax)
	v.SetDefault("rules.threshold.reject_min", d.Rules.Thresholds.RejectMin)

	v.SetDefault("rules.velocity.limit_5m", d.Rules.Velocity.Limit5m)
	v.SetDefault("rules.velocity.limit_1h", d.Rules.Velocity.Limit1h)
	v.SetDefault("rules.velocity.limit_24h", d.Rules.Velocity.Limit24h)
	v.SetDefault("rules.velocity.weight_5m", d.Rules.Velocity.Weight5m)
	v.SetDefault("rules.velocity.weight_1h", d.Rules.Velocity.Weight1h)
	v.SetDefault("rules.velocity.weight_24h", d.Rules.Velocity.Weight24h)

	v.SetDefault("rules.amount.unusual_multiplier", d.Rules.Amount.UnusualMultiplier)
	v.SetDefault("rules.amount.large_transfer_min", d.Rules.Amount.LargeTransferMin)

	v.SetDefault("rules.geo.impossible_travel_hours", d.Rules.Geo.ImpossibleTravelHours)
	v.SetDefault("rules.geo.max_speed_kmh", d.Rules.Geo.MaxReasonableSpeedKmH)
	v.SetDefault("rules.geo.maxmind_city_db", d.Rules.Geo.MaxMindCityDB)
	v.SetDefault("rules.geo.high_risk_countries", d.Rules.Geo.HighRiskCountries)

	v.SetDefault("rules.recipient.new_days", d.Rules.Recipient.NewRecipientDays)

	v.SetDefault("rules.weight.velocity", d.Rules.Weights.Velocity)
	v.SetDefault("rules.weight.amount", d.Rules.Weights.Amount)
	v.SetDefault("rules.weight.geographic", d.Rules.Weights.Geographic)
	v.SetDefault("rules.weight.recipient", d.Rules.Weights.Recipient)
	v.SetDefault("rules.weight.device", d.Rules.Weights.Device)
	v.SetDefault("rules.weight.time", d.Rules.Weights.Time)
	v.SetDefault("rules.weight.ml", d.Rules.Weights.ML)
	v.SetDefault("rules.weight.policy", d.Rules.Weights.Policy)

	v.SetDefault("ml.model_path", d.ML.ModelPath)
	v.SetDefault("ml.fallback_model_path", d.ML.FallbackModelPath)
	v.SetDefault("ml.expected_sha256", d.ML.ExpectedSHA256)
	v.SetDefault("ml.hash_validation", d.ML.HashValidation)
	v.SetDefault("ml.inference_timeout", d.ML.InferenceTimeout)
	v.SetDefault("ml.model_version", d.ML.ModelVersion)
}

// ParseHighRiskCountries parses the "CC:score" comma list into a lookup
// table. Malformed entries are skipped.
func ParseHighRiskCountries(s string) map[string]float64 {
	out := make(map[string]float64)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		cc, score, ok := strings.Cut(part, ":")
		cc = strings.TrimSpace(cc)
		if !ok || cc == "" {
			continue
		}
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(score), "%g", &f); err != nil {
			continue
		}
		out[strings.ToUpper(cc)] = f
	}
	return out
}

// Redacted returns a copy safe for startup logging.
func Redacted(cfg *domain.Config) map[string]any {
	return map[string]any{
		"cache":              cfg.Cache.Type,
		"db":                 cfg.DB.Driver,
		"bus":                cfg.Bus.Type,
		"workers":            cfg.Pipeline.Workers,
		"processing_timeout": cfg.Pipeline.ProcessingTimeout.String(),
	}
}
