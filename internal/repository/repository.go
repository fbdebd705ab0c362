// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelhq/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveAnalysis inserts the audit record. The unique key on transaction_id
// makes the insert idempotent: redelivered events insert no second row.
func (r *SQLRepository) SaveAnalysis(ctx context.Context, a *domain.FraudAnalysis) error {
	if a.TransactionID == "" {
		return fmt.Errorf("%w: transactionId is required", ErrInvalidInput)
	}

	factors, _ := json.Marshal(a.Factors)
	components, _ := json.Marshal(a.ComponentScores)

	review := 0
	if a.RequiresManualReview {
		review = 1
	}

	query := `
		INSERT INTO fraud_analyses (
			id, transaction_id, user_id, final_score, decision, confidence,
			status, factors, component_scores, model_version,
			analysis_time_ms, requires_manual_review, correlation_id, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (transaction_id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.AnalysisID, a.TransactionID, a.UserID,
		a.FinalScore, string(a.Decision), string(a.Confidence),
		string(a.Status), string(factors), string(components), a.ModelVersion,
		a.AnalysisTimeMs, review, a.CorrelationID, a.Timestamp,
	)
	return err
}

// GetAnalysisByTransaction retrieves the audit record for a transaction.
func (r *SQLRepository) GetAnalysisByTransaction(ctx context.Context, transactionID string) (*domain.FraudAnalysis, error) {
	query := `
		SELECT id, transaction_id, user_id, final_score, decision, confidence,
			   status, factors, component_scores, model_version,
			   analysis_time_ms, requires_manual_review, correlation_id, timestamp
		FROM fraud_analyses
		WHERE transaction_id = ?
	`

	var a domain.FraudAnalysis
	var decision, confidence, status string
	var factors string
	var components sql.NullString
	var modelVersion, correlationID sql.NullString
	var review int

	err := r.db.QueryRowContext(ctx, r.rebind(query), transactionID).Scan(
		&a.AnalysisID, &a.TransactionID, &a.UserID,
		&a.FinalScore, &decision, &confidence,
		&status, &factors, &components, &modelVersion,
		&a.AnalysisTimeMs, &review, &correlationID, &a.Timestamp,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.Decision = domain.Decision(decision)
	a.Confidence = domain.Confidence(confidence)
	a.Status = domain.AnalysisStatus(status)
	a.RequiresManualReview = review == 1
	a.ModelVersion = modelVersion.String
	a.CorrelationID = correlationID.String
	if err := json.Unmarshal([]byte(factors), &a.Factors); err != nil {
		return nil, fmt.Errorf("failed to parse factors: %w", err)
	}
	if components.Valid && components.String != "" {
		json.Unmarshal([]byte(components.String), &a.ComponentScores)
	}

	return &a, nil
}

// SaveTransaction appends to the transactions mirror backing user history.
func (r *SQLRepository) SaveTransaction(ctx context.Context, userID string, tx *domain.HistoricalTransaction) error {
	if userID == "" || tx.TransactionID == "" {
		return fmt.Errorf("%w: userID and transactionId are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO transactions (
			id, user_id, amount, recipient_id, country,
			device_fingerprint, fraud_score, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.TransactionID, userID, tx.Amount, tx.RecipientID,
		tx.Country, tx.DeviceFingerprint, tx.FraudScore, tx.Timestamp,
	)
	return err
}

// GetRecentTransactions returns the newest transactions for a user,
// newest first.
func (r *SQLRepository) GetRecentTransactions(ctx context.Context, userID string, limit int) ([]domain.HistoricalTransaction, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, amount, recipient_id, country, device_fingerprint, fraud_score, timestamp
		FROM transactions
		WHERE user_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []domain.HistoricalTransaction
	for rows.Next() {
		var tx domain.HistoricalTransaction
		var country, fingerprint sql.NullString

		if err := rows.Scan(
			&tx.TransactionID, &tx.Amount, &tx.RecipientID,
			&country, &fingerprint, &tx.FraudScore, &tx.Timestamp,
		); err != nil {
			return nil, err
		}
		tx.Country = country.String
		tx.DeviceFingerprint = fingerprint.String
		txs = append(txs, tx)
	}

	return txs, rows.Err()
}

// GetUserFirstSeen returns the timestamp of the user's oldest transaction,
// a proxy for account age when no account service is wired.
func (r *SQLRepository) GetUserFirstSeen(ctx context.Context, userID string) (time.Time, error) {
	query := `
		SELECT timestamp FROM transactions
		WHERE user_id = ?
		ORDER BY timestamp ASC
		LIMIT 1
	`

	var first time.Time
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID).Scan(&first)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return first, nil
}

// GetBlocklistEntry fetches a blocklist row by (type, value_hash).
func (r *SQLRepository) GetBlocklistEntry(ctx context.Context, typ domain.BlocklistType, valueHash string) (*domain.BlocklistEntry, error) {
	query := `
		SELECT id, type, value, value_hash, reason, severity, source,
			   is_active, expires_at, match_count, last_match_at, created_at, updated_at
		FROM fraud_blocklist
		WHERE type = ? AND value_hash = ?
	`

	var e domain.BlocklistEntry
	var typStr string
	var value, reason, severity, source sql.NullString
	var active int
	var expiresAt, lastMatchAt sql.NullTime

	err := r.db.QueryRowContext(ctx, r.rebind(query), string(typ), valueHash).Scan(
		&e.ID, &typStr, &value, &e.ValueHash, &reason, &severity, &source,
		&active, &expiresAt, &e.MatchCount, &lastMatchAt, &e.CreatedAt, &e.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	e.Type = domain.BlocklistType(typStr)
	e.Value = value.String
	e.Reason = reason.String
	e.Severity = severity.String
	e.Source = source.String
	e.IsActive = active == 1
	if expiresAt.Valid {
		e.ExpiresAt = &expiresAt.Time
	}
	if lastMatchAt.Valid {
		e.LastMatchAt = &lastMatchAt.Time
	}

	return &e, nil
}

// AddBlocklistEntry inserts a blocklist row, hashing the value if the
// caller did not.
func (r *SQLRepository) AddBlocklistEntry(ctx context.Context, e *domain.BlocklistEntry) error {
	if e.Value == "" && e.ValueHash == "" {
		return fmt.Errorf("%w: value or valueHash is required", ErrInvalidInput)
	}
	if e.ValueHash == "" {
		e.ValueHash = domain.HashValue(e.Value)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	active := 0
	if e.IsActive {
		active = 1
	}

	query := `
		INSERT INTO fraud_blocklist (
			id, type, value, value_hash, reason, severity, source,
			is_active, expires_at, match_count, last_match_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		e.ID, string(e.Type), e.Value, e.ValueHash, e.Reason, e.Severity, e.Source,
		active, e.ExpiresAt, e.MatchCount, e.LastMatchAt, e.CreatedAt, e.UpdatedAt,
	)
	return err
}

// DeactivateBlocklistEntry soft-deletes a blocklist row.
func (r *SQLRepository) DeactivateBlocklistEntry(ctx context.Context, id string) error {
	query := `
		UPDATE fraud_blocklist
		SET is_active = 0, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// RecordBlocklistMatch bumps the match counter. At-least-once semantics:
// a small duplicate count on redelivery is acceptable.
func (r *SQLRepository) RecordBlocklistMatch(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE fraud_blocklist
		SET match_count = match_count + 1, last_match_at = ?, updated_at = ?
		WHERE id = ?
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query), at, at, id)
	return err
}

// SaveManualReview queues an analysis for manual review.
func (r *SQLRepository) SaveManualReview(ctx context.Context, m *domain.ManualReview) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Status == "" {
		m.Status = "PENDING"
	}

	query := `
		INSERT INTO manual_reviews (
			id, analysis_id, transaction_id, user_id, score, decision, priority, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		m.ID, m.AnalysisID, m.TransactionID, m.UserID,
		m.Score, string(m.Decision), m.Priority, m.Status, m.CreatedAt,
	)
	return err
}

// UpsertUserRiskProfile folds a completed analysis into the rolling
// per-user aggregate.
func (r *SQLRepository) UpsertUserRiskProfile(ctx context.Context, a *domain.FraudAnalysis) error {
	suspicious := 0
	rejected := 0
	switch a.Decision {
	case domain.DecisionSuspicious:
		suspicious = 1
	case domain.DecisionReject:
		rejected = 1
	}

	query := `
		INSERT INTO user_risk_profiles (
			user_id, analysis_count, average_score, suspicious_count,
			rejected_count, last_decision, last_score, updated_at
		) VALUES (?, 1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			analysis_count = user_risk_profiles.analysis_count + 1,
			average_score = (user_risk_profiles.average_score * user_risk_profiles.analysis_count + excluded.average_score)
				/ (user_risk_profiles.analysis_count + 1),
			suspicious_count = user_risk_profiles.suspicious_count + excluded.suspicious_count,
			rejected_count = user_risk_profiles.rejected_count + excluded.rejected_count,
			last_decision = excluded.last_decision,
			last_score = excluded.last_score,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.UserID, a.FinalScore, suspicious, rejected,
		string(a.Decision), a.FinalScore, time.Now().UTC(),
	)
	return err
}

// GetUserRiskProfile retrieves the rolling aggregate for a user.
func (r *SQLRepository) GetUserRiskProfile(ctx context.Context, userID string) (*domain.UserRiskProfile, error) {
	query := `
		SELECT user_id, analysis_count, average_score, suspicious_count,
			   rejected_count, last_decision, last_score, updated_at
		FROM user_risk_profiles
		WHERE user_id = ?
	`

	var p domain.UserRiskProfile
	var lastDecision sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), userID).Scan(
		&p.UserID, &p.AnalysisCount, &p.AverageScore, &p.SuspiciousCount,
		&p.RejectedCount, &lastDecision, &p.LastScore, &p.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.LastDecision = domain.Decision(lastDecision.String)
	return &p, nil
}

// SaveConfirmedFraud records a review-confirmed fraudulent transaction.
func (r *SQLRepository) SaveConfirmedFraud(ctx context.Context, cf *domain.ConfirmedFraud) error {
	if cf.ID == "" {
		cf.ID = uuid.New().String()
	}
	if cf.ConfirmedAt.IsZero() {
		cf.ConfirmedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO confirmed_fraud (
			id, transaction_id, user_id, amount, reviewer_id, notes, confirmed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		cf.ID, cf.TransactionID, cf.UserID, cf.Amount,
		cf.ReviewerID, cf.Notes, cf.ConfirmedAt,
	)
	return err
}

// CountConfirmedFraud counts prior confirmed fraud for a user.
func (r *SQLRepository) CountConfirmedFraud(ctx context.Context, userID string) (int64, error) {
	query := `SELECT COUNT(*) FROM confirmed_fraud WHERE user_id = ?`

	var count int64
	if err := r.db.QueryRowContext(ctx, r.rebind(query), userID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// RecordModelPerformance appends an ML scoring audit row.
func (r *SQLRepository) RecordModelPerformance(ctx context.Context, rec *domain.ModelPerformanceRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	fallback := 0
	if rec.Fallback {
		fallback = 1
	}

	query := `
		INSERT INTO model_performance (
			id, transaction_id, model_version, score, confidence, latency_ms, fallback, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, rec.TransactionID, rec.ModelVersion,
		rec.Score, rec.Confidence, rec.LatencyMs, fallback, rec.CreatedAt,
	)
	return err
}

// ListPolicyRules returns all enabled policy rules.
func (r *SQLRepository) ListPolicyRules(ctx context.Context) ([]*domain.PolicyRule, error) {
	query := `
		SELECT id, name, description, expression, weight, enabled, created_at, updated_at
		FROM policy_rules
		WHERE enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.PolicyRule
	for rows.Next() {
		var rule domain.PolicyRule
		var description sql.NullString
		var enabled int

		if err := rows.Scan(
			&rule.ID, &rule.Name, &description, &rule.Expression,
			&rule.Weight, &enabled, &rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, err
		}
		rule.Description = description.String
		rule.Enabled = enabled == 1
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// SavePolicyRule inserts or replaces a policy rule.
func (r *SQLRepository) SavePolicyRule(ctx context.Context, rule *domain.PolicyRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.Expression == "" {
		return fmt.Errorf("%w: expression is required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	query := `
		INSERT INTO policy_rules (
			id, name, description, expression, weight, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			weight = excluded.weight,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Expression,
		rule.Weight, enabled, rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
