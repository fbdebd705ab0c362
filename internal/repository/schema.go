package repository

// Schema definitions for the kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaFraudAnalyses = `
CREATE TABLE IF NOT EXISTS fraud_analyses (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL UNIQUE,
    user_id TEXT NOT NULL,
    final_score REAL NOT NULL,
    decision TEXT NOT NULL,
    confidence TEXT NOT NULL,
    status TEXT NOT NULL,
    factors TEXT NOT NULL,
    component_scores TEXT,
    model_version TEXT,
    analysis_time_ms INTEGER NOT NULL,
    requires_manual_review INTEGER NOT NULL DEFAULT 0,
    correlation_id TEXT,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fraud_analyses_user ON fraud_analyses(user_id);
CREATE INDEX IF NOT EXISTS idx_fraud_analyses_decision ON fraud_analyses(decision);
CREATE INDEX IF NOT EXISTS idx_fraud_analyses_timestamp ON fraud_analyses(timestamp);
`

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    amount REAL NOT NULL,
    recipient_id TEXT NOT NULL,
    country TEXT,
    device_fingerprint TEXT,
    fraud_score REAL NOT NULL DEFAULT 0,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, timestamp);
`

const schemaBlocklist = `
CREATE TABLE IF NOT EXISTS fraud_blocklist (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    value TEXT,
    value_hash TEXT NOT NULL,
    reason TEXT,
    severity TEXT,
    source TEXT,
    is_active INTEGER NOT NULL DEFAULT 1,
    expires_at TIMESTAMP,
    match_count INTEGER NOT NULL DEFAULT 0,
    last_match_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_blocklist_type_hash ON fraud_blocklist(type, value_hash);
CREATE INDEX IF NOT EXISTS idx_blocklist_active ON fraud_blocklist(is_active);
`

const schemaManualReviews = `
CREATE TABLE IF NOT EXISTS manual_reviews (
    id TEXT PRIMARY KEY,
    analysis_id TEXT NOT NULL,
    transaction_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    score REAL NOT NULL,
    decision TEXT NOT NULL,
    priority TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_manual_reviews_status ON manual_reviews(status, priority);
CREATE INDEX IF NOT EXISTS idx_manual_reviews_user ON manual_reviews(user_id);
`

const schemaConfirmedFraud = `
CREATE TABLE IF NOT EXISTS confirmed_fraud (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    amount REAL NOT NULL,
    reviewer_id TEXT,
    notes TEXT,
    confirmed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_confirmed_fraud_user ON confirmed_fraud(user_id);
`

const schemaModelPerformance = `
CREATE TABLE IF NOT EXISTS model_performance (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL,
    model_version TEXT NOT NULL,
    score REAL NOT NULL,
    confidence REAL NOT NULL,
    latency_ms INTEGER NOT NULL,
    fallback INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_model_performance_version ON model_performance(model_version);
`

const schemaUserRiskProfiles = `
CREATE TABLE IF NOT EXISTS user_risk_profiles (
    user_id TEXT PRIMARY KEY,
    analysis_count INTEGER NOT NULL DEFAULT 0,
    average_score REAL NOT NULL DEFAULT 0,
    suspicious_count INTEGER NOT NULL DEFAULT 0,
    rejected_count INTEGER NOT NULL DEFAULT 0,
    last_decision TEXT,
    last_score REAL NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaPolicyRules = `
CREATE TABLE IF NOT EXISTS policy_rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 0.1,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns every schema statement in creation order.
func AllSchemas() []string {
	return []string{
		schemaFraudAnalyses,
		schemaTransactions,
		schemaBlocklist,
		schemaManualReviews,
		schemaConfirmedFraud,
		schemaModelPerformance,
		schemaUserRiskProfiles,
		schemaPolicyRules,
	}
}
