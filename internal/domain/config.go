package domain

import (
	"time"
)

// Config holds the complete kestrel configuration. Values are bound from
// KESTREL_-prefixed environment variables by internal/config.
type Config struct {
	ServiceName string `mapstructure:"service_name"`

	Server   ServerConfig     `mapstructure:"server"`
	Logging  LoggingConfig    `mapstructure:"log"`
	Tracing  TracingConfig    `mapstructure:"tracing"`
	Cache    CacheConfig      `mapstructure:"cache"`
	DB       RepositoryConfig `mapstructure:"db"`
	Bus      EventBusConfig   `mapstructure:"bus"`
	Topics   TopicConfig      `mapstructure:"topic"`
	Pipeline PipelineConfig   `mapstructure:"pipeline"`
	Rules    RulesConfig      `mapstructure:"rules"`
	ML       MLConfig         `mapstructure:"ml"`

	// EncryptionKey optionally encrypts blocklist plaintext at rest.
	EncryptionKey string `mapstructure:"encryption_key"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// PipelineConfig governs the orchestrator.
type PipelineConfig struct {
	// ProcessingTimeout is the hard deadline for one analysis.
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout"`

	// PublishBudget bounds the post-deadline publish stage.
	PublishBudget time.Duration `mapstructure:"publish_budget"`

	// Workers is the ingress worker pool size.
	Workers int `mapstructure:"workers"`
}

// ThresholdConfig maps the final score to a decision.
type ThresholdConfig struct {
	ApproveMax    float64 `mapstructure:"approve_max"`
	SuspiciousMin float64 `mapstructure:"suspicious_min"`
	SuspiciousMax float64 `mapstructure:"suspicious_max"`
	RejectMin     float64 `mapstructure:"reject_min"`
}

// VelocityConfig holds the window thresholds and in-method weights.
type VelocityConfig struct {
	Limit5m  int64 `mapstructure:"limit_5m"`
	Limit1h  int64 `mapstructure:"limit_1h"`
	Limit24h int64 `mapstructure:"limit_24h"`

	Weight5m  float64 `mapstructure:"weight_5m"`
	Weight1h  float64 `mapstructure:"weight_1h"`
	Weight24h float64 `mapstructure:"weight_24h"`
}

// Limit returns the configured threshold for a window.
func (c VelocityConfig) Limit(w VelocityWindow) int64 {
	switch w {
	case WindowFiveMinutes:
		return c.Limit5m
	case WindowOneHour:
		return c.Limit1h
	case WindowTwentyFourHours:
		return c.Limit24h
	}
	return 0
}

// WindowWeight returns the configured weight for a window.
func (c VelocityConfig) WindowWeight(w VelocityWindow) float64 {
	switch w {
	case WindowFiveMinutes:
		return c.Weight5m
	case WindowOneHour:
		return c.Weight1h
	case WindowTwentyFourHours:
		return c.Weight24h
	}
	return 0
}

// AmountConfig holds the amount analyzer knobs.
type AmountConfig struct {
	UnusualMultiplier float64 `mapstructure:"unusual_multiplier"`
	LargeTransferMin  float64 `mapstructure:"large_transfer_min"`
}

// GeoConfig holds the geographic analyzer knobs.
type GeoConfig struct {
	ImpossibleTravelHours float64 `mapstructure:"impossible_travel_hours"`
	MaxReasonableSpeedKmH float64 `mapstructure:"max_speed_kmh"`

	// MaxMindCityDB is the path to a GeoLite2 City database; empty disables
	// IP resolution and the payload country is used as-is.
	MaxMindCityDB string `mapstructure:"maxmind_city_db"`

	// HighRiskCountries is a "CC:score" comma list, e.g. "NG:0.12,RU:0.10".
	HighRiskCountries string `mapstructure:"high_risk_countries"`
}

// RecipientConfig holds the recipient analyzer knobs.
type RecipientConfig struct {
	NewRecipientDays int `mapstructure:"new_days"`
}

// WeightConfig is the per-method aggregation weight table.
type WeightConfig struct {
	Velocity   float64 `mapstructure:"velocity"`
	Amount     float64 `mapstructure:"amount"`
	Geographic float64 `mapstructure:"geographic"`
	Recipient  float64 `mapstructure:"recipient"`
	Device     float64 `mapstructure:"device"`
	Time       float64 `mapstructure:"time"`
	ML         float64 `mapstructure:"ml"`
	Policy     float64 `mapstructure:"policy"`
}

// For returns the weight of a method.
func (w WeightConfig) For(m RiskMethod) float64 {
	switch m {
	case MethodVelocity:
		return w.Velocity
	case MethodAmount:
		return w.Amount
	case MethodGeographic:
		return w.Geographic
	case MethodRecipient:
		return w.Recipient
	case MethodDevice:
		return w.Device
	case MethodTime:
		return w.Time
	case MethodML:
		return w.ML
	case MethodPolicy:
		return w.Policy
	}
	return 0
}

// RulesConfig groups all analyzer configuration.
type RulesConfig struct {
	Thresholds ThresholdConfig `mapstructure:"threshold"`
	Velocity   VelocityConfig  `mapstructure:"velocity"`
	Amount     AmountConfig    `mapstructure:"amount"`
	Geo        GeoConfig       `mapstructure:"geo"`
	Recipient  RecipientConfig `mapstructure:"recipient"`
	Weights    WeightConfig    `mapstructure:"weight"`
}

// MLConfig holds the model loading and inference settings.
type MLConfig struct {
	ModelPath         string        `mapstructure:"model_path"`
	FallbackModelPath string        `mapstructure:"fallback_model_path"`
	ExpectedSHA256    string        `mapstructure:"expected_sha256"`
	HashValidation    bool          `mapstructure:"hash_validation"`
	InferenceTimeout  time.Duration `mapstructure:"inference_timeout"`
	ModelVersion      string        `mapstructure:"model_version"`
}

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "kestrel",
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8086,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Cache: CacheConfig{
			Type:           "redis",
			KeyPrefix:      "kestrel",
			LocalMaxSize:   10000,
			RedisAddr:      "localhost:6379",
			UserHistoryTTL: 30 * time.Minute,
			DeviceTTL:      24 * time.Hour,
			RecipientTTL:   24 * time.Hour,
			BlocklistTTL:   time.Hour,
			AnalysisTTL:    5 * time.Minute,
		},
		DB: RepositoryConfig{
			Driver:          "sqlite",
			SQLitePath:      "./kestrel.db",
			PostgresPort:    5432,
			PostgresDB:      "kestrel",
			PostgresSSLMode: "disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Bus: EventBusConfig{
			Type:              "kafka",
			ChannelBufferSize: 1000,
			KafkaBrokers:      "localhost:9092",
			KafkaGroupID:      "kestrel-fraud",
			KafkaCompression:  "gzip",
			NATSMaxReconnects: 10,
			NATSReconnectWait: 5,
		},
		Topics: TopicConfig{
			TransfersCreated: "banking.transfers.created",
			FraudAnalysis:    "banking.fraud.analysis",
			FraudSuspected:   "banking.fraud.suspected",
			ManualReview:     "banking.fraud.manual_review",
			ReviewComplete:   "banking.fraud.review_complete",
		},
		Pipeline: PipelineConfig{
			ProcessingTimeout: 5 * time.Second,
			PublishBudget:     2 * time.Second,
			Workers:           8,
		},
		Rules: RulesConfig{
			Thresholds: ThresholdConfig{
				ApproveMax:    0.50,
				SuspiciousMin: 0.50,
				SuspiciousMax: 0.80,
				RejectMin:     0.80,
			},
			Velocity: VelocityConfig{
				Limit5m: 3, Limit1h: 10, Limit24h: 50,
				Weight5m: 0.15, Weight1h: 0.10, Weight24h: 0.08,
			},
			Amount: AmountConfig{
				UnusualMultiplier: 5.0,
				LargeTransferMin:  10000,
			},
			Geo: GeoConfig{
				ImpossibleTravelHours: 2.0,
				MaxReasonableSpeedKmH: 900,
				HighRiskCountries:     "NG:0.12,RU:0.10,UA:0.08,RO:0.07,CN:0.08,VN:0.08,PH:0.06,IN:0.05",
			},
			Recipient: RecipientConfig{NewRecipientDays: 30},
			Weights: WeightConfig{
				Velocity:   0.25,
				Amount:     0.25,
				Geographic: 0.20,
				Recipient:  0.15,
				Device:     0.15,
				Time:       0.10,
				ML:         0.30,
				Policy:     0.10,
			},
		},
		ML: MLConfig{
			HashValidation:   true,
			InferenceTimeout: 5 * time.Second,
			ModelVersion:     "fraud-v2",
		},
	}
}
