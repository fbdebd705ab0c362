// Package engine implements the per-transaction analysis pipeline:
// idempotency check, context load, parallel scoring, aggregation,
// decision, persistence, and publication.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrelhq/kestrel/internal/analyzer"
	"github.com/kestrelhq/kestrel/internal/domain"
	"github.com/kestrelhq/kestrel/internal/history"
	"github.com/kestrelhq/kestrel/internal/metrics"
	"github.com/kestrelhq/kestrel/internal/ml"
)

// Engine orchestrates one analysis per transaction event.
type Engine struct {
	cache     domain.Cache
	repo      domain.Repository
	history   *history.Service
	analyzers []analyzer.Analyzer
	policy    *analyzer.PolicyAnalyzer
	scorer    *ml.Scorer
	publisher *Publisher

	thresholds domain.ThresholdConfig
	weights    domain.WeightConfig
	timeout    time.Duration
	budget     time.Duration
	markerTTL  time.Duration

	tracer trace.Tracer
}

// Config assembles an engine.
type Config struct {
	Cache      domain.Cache
	Repo       domain.Repository
	History    *history.Service
	Analyzers  []analyzer.Analyzer
	Policy     *analyzer.PolicyAnalyzer
	Scorer     *ml.Scorer
	Publisher  *Publisher
	Thresholds domain.ThresholdConfig
	Weights    domain.WeightConfig
	Timeout    time.Duration
	Budget     time.Duration
	MarkerTTL  time.Duration
}

// New creates an engine.
func New(cfg Config) *Engine {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	budget := cfg.Budget
	if budget <= 0 {
		budget = 2 * time.Second
	}
	markerTTL := cfg.MarkerTTL
	if markerTTL <= 0 {
		markerTTL = 5 * time.Minute
	}

	return &Engine{
		cache:      cfg.Cache,
		repo:       cfg.Repo,
		history:    cfg.History,
		analyzers:  cfg.Analyzers,
		policy:     cfg.Policy,
		scorer:     cfg.Scorer,
		publisher:  cfg.Publisher,
		thresholds: cfg.Thresholds,
		weights:    cfg.Weights,
		timeout:    timeout,
		budget:     budget,
		markerTTL:  markerTTL,
		tracer:     otel.Tracer("kestrel/engine"),
	}
}

// Process runs the idempotent end-to-end pipeline for one event. The
// returned analysis is nil when the idempotency marker suppressed the run.
// Only unrecoverable consumer-layer failures return an error; everything
// recoverable degrades.
func (e *Engine) Process(ctx context.Context, event *domain.TransactionEvent) (*domain.FraudAnalysis, error) {
	start := time.Now()
	txID := event.Payload.TransactionID
	userID := event.Payload.UserID

	ctx, span := e.tracer.Start(ctx, "engine.Process",
		trace.WithAttributes(
			attribute.String("transaction.id", txID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	// 1. Idempotency: a marker means this transaction was already decided
	// and published within the TTL window.
	if cached, err := e.cache.GetCachedAnalysis(ctx, txID); err == nil && cached != nil {
		metrics.EventsConsumed.WithLabelValues("duplicate").Inc()
		slog.Info("duplicate delivery suppressed",
			"tx_id", txID,
			"decision", cached.Decision,
		)
		return nil, nil
	}

	// Hard deadline for scoring. Persistence and publish run on a
	// separate budget so a scoring timeout cannot swallow the decision.
	scoreCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	// 2. Context load.
	ac := e.history.Load(scoreCtx, userID)

	// 3. Parallel scoring, then ML over the rule outcomes.
	factors, timedOut := e.fanOut(scoreCtx, event, ac)

	var mlResult *ml.Result
	if !timedOut {
		factors = append(factors, e.runPolicy(scoreCtx, event, ac)...)
		var mlFactor domain.RiskFactor
		mlFactor, mlResult = e.runML(scoreCtx, event, ac)
		factors = append(factors, mlFactor)
	} else {
		metrics.Timeouts.Inc()
		factors = append(factors, *domain.UnavailableFactor(domain.MethodML))
	}

	// 4. Aggregation and decision.
	finalScore := aggregate(factors)
	decision, review := decide(finalScore, factors, e.thresholds)

	status := domain.StatusCompleted
	if timedOut {
		status = domain.StatusTimeout
	}

	analysis := &domain.FraudAnalysis{
		AnalysisID:           uuid.New().String(),
		TransactionID:        txID,
		UserID:               userID,
		FinalScore:           finalScore,
		Decision:             decision,
		Status:               status,
		Factors:              factors,
		AnalysisTimeMs:       time.Since(start).Milliseconds(),
		Timestamp:            time.Now().UTC(),
		RequiresManualReview: review,
		ComponentScores:      componentScores(factors),
		CorrelationID:        event.CorrelationID,
	}
	if mlResult != nil {
		analysis.ModelVersion = mlResult.ModelVersion
		analysis.Confidence = confidence(mlResult.Confidence, true, factors)
	} else {
		analysis.Confidence = confidence(0, false, factors)
	}

	for i := range factors {
		metrics.FactorScore.WithLabelValues(string(factors[i].Method)).Observe(factors[i].RawScore)
	}
	metrics.Decisions.WithLabelValues(string(decision)).Inc()
	span.SetAttributes(
		attribute.Float64("analysis.score", finalScore),
		attribute.String("analysis.decision", string(decision)),
	)

	// Post-scoring work runs on the publish budget, detached from the
	// scoring deadline so a timeout still produces a decision downstream.
	tailCtx, tailCancel := context.WithTimeout(context.WithoutCancel(ctx), e.budget)
	defer tailCancel()

	// 5. Persist. The authoritative record is the bus message; storage
	// failures are logged and the pipeline continues.
	e.persist(tailCtx, analysis, event, mlResult)

	// 6. Publish.
	e.publisher.Publish(tailCtx, analysis)

	// 7. Idempotency marker.
	marker := &domain.CachedDecision{
		Decision:  decision,
		Score:     finalScore,
		Timestamp: analysis.Timestamp,
	}
	if err := e.cache.CacheAnalysis(tailCtx, txID, marker, e.markerTTL); err != nil {
		slog.Warn("failed to write idempotency marker", "tx_id", txID, "error", err)
	}

	metrics.EventsConsumed.WithLabelValues("processed").Inc()
	metrics.PipelineDuration.Observe(time.Since(start).Seconds())

	slog.Info("transaction analyzed",
		"tx_id", txID,
		"user_id", userID,
		"decision", decision,
		"score", finalScore,
		"status", status,
		"duration_ms", analysis.AnalysisTimeMs,
	)

	return analysis, nil
}

type analyzerOutcome struct {
	method domain.RiskMethod
	factor *domain.RiskFactor
}

// fanOut runs the rule analyzers concurrently and collects their factors.
// An analyzer error or a deadline expiry yields the neutral zero-score
// factor; timedOut reports whether the deadline cut the fan-in short.
func (e *Engine) fanOut(ctx context.Context, event *domain.TransactionEvent, ac *domain.AnalysisContext) ([]domain.RiskFactor, bool) {
	results := make(chan analyzerOutcome, len(e.analyzers))

	for _, an := range e.analyzers {
		go func(an analyzer.Analyzer) {
			factor, err := an.Analyze(ctx, event, ac)
			if err != nil || factor == nil {
				metrics.AnalyzerFailures.WithLabelValues(string(an.Method())).Inc()
				slog.Warn("analyzer failed, neutralized",
					"method", an.Method(),
					"tx_id", event.Payload.TransactionID,
					"error", err,
				)
				factor = domain.UnavailableFactor(an.Method())
			}
			if factor.Blocklisted() {
				metrics.BlocklistHits.WithLabelValues(string(an.Method())).Inc()
			}
			results <- analyzerOutcome{method: an.Method(), factor: factor}
		}(an)
	}

	collected := make(map[domain.RiskMethod]*domain.RiskFactor, len(e.analyzers))
	timedOut := false

collect:
	for range e.analyzers {
		select {
		case r := <-results:
			collected[r.method] = r.factor
		case <-ctx.Done():
			timedOut = true
			break collect
		}
	}

	factors := make([]domain.RiskFactor, 0, len(e.analyzers)+2)
	for _, an := range e.analyzers {
		if f, ok := collected[an.Method()]; ok {
			factors = append(factors, *f)
		} else {
			factors = append(factors, *domain.UnavailableFactor(an.Method()))
		}
	}
	return factors, timedOut
}

// runPolicy evaluates the operator policies, if any are loaded.
func (e *Engine) runPolicy(ctx context.Context, event *domain.TransactionEvent, ac *domain.AnalysisContext) []domain.RiskFactor {
	if e.policy == nil || !e.policy.Active() {
		return nil
	}
	factor, err := e.policy.Analyze(ctx, event, ac)
	if err != nil || factor == nil {
		metrics.AnalyzerFailures.WithLabelValues(string(domain.MethodPolicy)).Inc()
		return []domain.RiskFactor{*domain.UnavailableFactor(domain.MethodPolicy)}
	}
	return []domain.RiskFactor{*factor}
}

// runML builds the feature vector from the rule outcomes and scores it.
func (e *Engine) runML(ctx context.Context, event *domain.TransactionEvent, ac *domain.AnalysisContext) (domain.RiskFactor, *ml.Result) {
	features := ml.BuildFeatures(event, ac)
	result := e.scorer.Score(ctx, features)

	factor := domain.NewRiskFactor(domain.MethodML, result.Score, e.weights.ML,
		"Model score "+result.ModelVersion,
		map[string]any{
			"confidence":   result.Confidence,
			"modelVersion": result.ModelVersion,
		},
	)
	return *factor, result
}

// persist writes the audit record and its satellites. Failures here are
// logged, never fatal: the bus message is the authoritative output.
func (e *Engine) persist(ctx context.Context, a *domain.FraudAnalysis, event *domain.TransactionEvent, mlResult *ml.Result) {
	if err := e.repo.SaveAnalysis(ctx, a); err != nil {
		slog.Error("failed to persist analysis, continuing to publish",
			"tx_id", a.TransactionID,
			"error", err,
		)
	}

	if a.RequiresManualReview {
		review := &domain.ManualReview{
			AnalysisID:    a.AnalysisID,
			TransactionID: a.TransactionID,
			UserID:        a.UserID,
			Score:         a.FinalScore,
			Decision:      a.Decision,
			Priority:      reviewPriority(a.FinalScore),
		}
		if err := e.repo.SaveManualReview(ctx, review); err != nil {
			slog.Warn("failed to queue manual review", "tx_id", a.TransactionID, "error", err)
		}
	}

	if err := e.repo.UpsertUserRiskProfile(ctx, a); err != nil {
		slog.Warn("failed to update risk profile", "user_id", a.UserID, "error", err)
	}

	if mlResult != nil {
		perf := &domain.ModelPerformanceRecord{
			TransactionID: a.TransactionID,
			ModelVersion:  mlResult.ModelVersion,
			Score:         mlResult.Score,
			Confidence:    mlResult.Confidence,
			LatencyMs:     mlResult.LatencyMs,
			Fallback:      mlResult.Fallback,
		}
		if err := e.repo.RecordModelPerformance(ctx, perf); err != nil {
			slog.Warn("failed to record model performance", "tx_id", a.TransactionID, "error", err)
		}
	}

	// Mirror the transaction so the next analysis sees it in history.
	tx := &domain.HistoricalTransaction{
		TransactionID: a.TransactionID,
		Amount:        event.Payload.Amount,
		RecipientID:   event.Payload.RecipientID,
		Timestamp:     event.Timestamp,
		FraudScore:    a.FinalScore,
	}
	if g := event.Payload.Geographic; g != nil {
		tx.Country = g.Country
	}
	if d := event.Payload.Device; d != nil {
		tx.DeviceFingerprint = d.Fingerprint
	}
	e.history.Record(ctx, a.UserID, tx)
}

// componentScores extracts per-method raw scores for the audit record.
func componentScores(factors []domain.RiskFactor) map[string]float64 {
	out := make(map[string]float64, len(factors))
	for i := range factors {
		out[string(factors[i].Method)] = factors[i].RawScore
	}
	return out
}
