// Package domain defines the core interfaces and types for kestrel.
package domain

import (
	"context"
	"time"
)

// PolicyRule is an operator-defined CEL expression evaluated against the
// fraud feature set. Enabled rules contribute an extra weighted factor.
type PolicyRule struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Expression  string    `json:"expression"`
	Weight      float64   `json:"weight"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Repository defines the interface for data persistence.
type Repository interface {
	// Audit trail. SaveAnalysis enforces one row per transactionId.
	SaveAnalysis(ctx context.Context, a *FraudAnalysis) error
	GetAnalysisByTransaction(ctx context.Context, transactionID string) (*FraudAnalysis, error)

	// Transactions mirror backing the user-history snapshot.
	SaveTransaction(ctx context.Context, userID string, tx *HistoricalTransaction) error
	GetRecentTransactions(ctx context.Context, userID string, limit int) ([]HistoricalTransaction, error)
	GetUserFirstSeen(ctx context.Context, userID string) (time.Time, error)

	// Blocklist operations, indexed by (type, value_hash).
	GetBlocklistEntry(ctx context.Context, typ BlocklistType, valueHash string) (*BlocklistEntry, error)
	AddBlocklistEntry(ctx context.Context, e *BlocklistEntry) error
	DeactivateBlocklistEntry(ctx context.Context, id string) error
	RecordBlocklistMatch(ctx context.Context, id string, at time.Time) error

	// Manual review queue.
	SaveManualReview(ctx context.Context, r *ManualReview) error

	// Per-user rolling aggregates.
	UpsertUserRiskProfile(ctx context.Context, a *FraudAnalysis) error
	GetUserRiskProfile(ctx context.Context, userID string) (*UserRiskProfile, error)

	// Confirmed fraud, recorded when a review closes as fraudulent.
	SaveConfirmedFraud(ctx context.Context, cf *ConfirmedFraud) error
	CountConfirmedFraud(ctx context.Context, userID string) (int64, error)

	// ML audit.
	RecordModelPerformance(ctx context.Context, rec *ModelPerformanceRecord) error

	// Policy rules.
	ListPolicyRules(ctx context.Context) ([]*PolicyRule, error)
	SavePolicyRule(ctx context.Context, rule *PolicyRule) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"host"`
	PostgresPort     int    `mapstructure:"port"`
	PostgresUser     string `mapstructure:"user"`
	PostgresPassword string `mapstructure:"password"`
	PostgresDB       string `mapstructure:"name"`
	PostgresSSLMode  string `mapstructure:"sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}
