package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelhq/kestrel/internal/domain"
	"github.com/kestrelhq/kestrel/internal/metrics"
)

// Publisher emits the outbound decision events. Messages are keyed by
// transactionId for per-key ordering; payload compression is supplied by
// the bus transport (the Kafka producer is configured for gzip).
//
// Publish failures are logged and swallowed: at-least-once delivery is
// supplied by redelivery, since the inbound offset commits after publish.
type Publisher struct {
	bus     domain.EventBus
	topics  domain.TopicConfig
	service string
}

// NewPublisher creates a publisher.
func NewPublisher(bus domain.EventBus, topics domain.TopicConfig, service string) *Publisher {
	return &Publisher{bus: bus, topics: topics, service: service}
}

// Publish emits the events matching the decision:
//
//	APPROVE    -> fraud_analysis (FraudAnalysisComplete)
//	SUSPICIOUS -> fraud_suspected (FraudSuspected) + manual_review
//	REJECT     -> fraud_suspected (FraudSuspected, or BlocklistMatch on a
//	              blocklist hit) + manual_review
func (p *Publisher) Publish(ctx context.Context, a *domain.FraudAnalysis) {
	switch a.Decision {
	case domain.DecisionApprove:
		p.emit(ctx, p.topics.FraudAnalysis, domain.EventTypeFraudAnalysisComplete, a, a)

	case domain.DecisionSuspicious:
		p.emit(ctx, p.topics.FraudSuspected, domain.EventTypeFraudSuspected, a, a)
		p.emitReview(ctx, a)

	case domain.DecisionReject:
		eventType := domain.EventTypeFraudSuspected
		payload := any(a)
		if hit := blocklistedFactor(a); hit != nil {
			eventType = domain.EventTypeBlocklistMatch
			payload = blocklistMatchPayload(a, hit)
		}
		p.emit(ctx, p.topics.FraudSuspected, eventType, a, payload)
		p.emitReview(ctx, a)
	}
}

func (p *Publisher) emitReview(ctx context.Context, a *domain.FraudAnalysis) {
	review := &domain.ManualReviewRequest{
		AnalysisID:    a.AnalysisID,
		TransactionID: a.TransactionID,
		UserID:        a.UserID,
		Score:         a.FinalScore,
		Decision:      string(a.Decision),
		Priority:      reviewPriority(a.FinalScore),
		Reasons:       a.Reasons(),
	}
	p.emit(ctx, p.topics.ManualReview, domain.EventTypeManualReviewRequired, a, review)
}

// emit wraps the payload in the standard envelope and publishes it keyed
// by transactionId.
func (p *Publisher) emit(ctx context.Context, topic, eventType string, a *domain.FraudAnalysis, payload any) {
	envelope := &domain.OutboundEvent{
		EventType:     eventType,
		EventID:       uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		Version:       domain.EventVersion,
		Service:       p.service,
		CorrelationID: a.CorrelationID,
		Payload:       payload,
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		slog.Error("failed to marshal outbound event",
			"topic", topic,
			"tx_id", a.TransactionID,
			"error", err,
		)
		return
	}

	headers := map[string]string{
		domain.HeaderEventType:     eventType,
		domain.HeaderEventVersion:  domain.EventVersion,
		domain.HeaderSourceService: p.service,
	}
	if a.CorrelationID != "" {
		headers[domain.HeaderCorrelationID] = a.CorrelationID
	}

	if err := p.bus.Publish(ctx, topic, a.TransactionID, data, headers); err != nil {
		metrics.PublishFailures.WithLabelValues(topic).Inc()
		slog.Error("publish failed, relying on redelivery",
			"topic", topic,
			"tx_id", a.TransactionID,
			"error", err,
		)
	}
}

// blocklistedFactor returns the blocklist short-circuit factor, if any.
func blocklistedFactor(a *domain.FraudAnalysis) *domain.RiskFactor {
	for i := range a.Factors {
		if a.Factors[i].Blocklisted() {
			return &a.Factors[i]
		}
	}
	return nil
}

// blocklistMatchPayload carries the analysis plus the hashed match. The
// plaintext value never leaves the engine.
func blocklistMatchPayload(a *domain.FraudAnalysis, hit *domain.RiskFactor) map[string]any {
	payload := map[string]any{
		"analysis": a,
	}
	if hit.Details != nil {
		payload["blocklistType"] = hit.Details["blocklistType"]
		payload["valueHash"] = hit.Details["valueHash"]
	}
	return payload
}
