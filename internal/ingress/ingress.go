// Package ingress consumes the inbound transfer topic and drives the
// analysis pipeline.
package ingress

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/kestrelhq/kestrel/internal/domain"
	"github.com/kestrelhq/kestrel/internal/engine"
	"github.com/kestrelhq/kestrel/internal/metrics"
)

// Consumer subscribes to the transfers topic and feeds the engine. A
// worker-pool semaphore bounds concurrent analyses; per-key ordering is
// supplied by the bus partitioning.
type Consumer struct {
	bus     domain.EventBus
	engine  *engine.Engine
	repo    domain.Repository
	topics  domain.TopicConfig
	group   string
	workers int

	subscriptions []domain.Subscription
	sem           chan struct{}
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewConsumer creates the ingress consumer.
func NewConsumer(bus domain.EventBus, eng *engine.Engine, repo domain.Repository, topics domain.TopicConfig, group string, workers int) *Consumer {
	if workers <= 0 {
		workers = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		bus:     bus,
		engine:  eng,
		repo:    repo,
		topics:  topics,
		group:   group,
		workers: workers,
		sem:     make(chan struct{}, workers),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the transfers and review-complete topics.
func (c *Consumer) Start() error {
	sub, err := c.bus.Subscribe(c.ctx, c.topics.TransfersCreated, c.group, c.handleTransfer)
	if err != nil {
		return err
	}
	c.subscriptions = append(c.subscriptions, sub)

	reviewSub, err := c.bus.Subscribe(c.ctx, c.topics.ReviewComplete, c.group, c.handleReviewComplete)
	if err != nil {
		slog.Warn("review-complete subscription failed, fraud flags will lag",
			"topic", c.topics.ReviewComplete,
			"error", err,
		)
	} else {
		c.subscriptions = append(c.subscriptions, reviewSub)
	}

	slog.Info("ingress started",
		"topic", c.topics.TransfersCreated,
		"group", c.group,
		"workers", c.workers,
	)
	return nil
}

// handleTransfer decodes and validates one inbound event, then runs the
// pipeline. A validation failure is a poison pill: log and return nil so
// the offset commits and the event is never re-queued. Returning an error
// is reserved for in-flight shutdown, where redelivery is wanted.
func (c *Consumer) handleTransfer(ctx context.Context, msg *domain.Message) error {
	var event domain.TransactionEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		metrics.EventsConsumed.WithLabelValues("invalid").Inc()
		slog.Warn("dropping malformed event",
			"message_id", msg.ID,
			"error", err,
		)
		return nil
	}

	if err := event.Validate(); err != nil {
		metrics.EventsConsumed.WithLabelValues("invalid").Inc()
		slog.Warn("dropping invalid event",
			"event_id", event.EventID,
			"error", err,
		)
		return nil
	}

	select {
	case c.sem <- struct{}{}:
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
	defer func() { <-c.sem }()

	c.wg.Add(1)
	defer c.wg.Done()

	if _, err := c.engine.Process(ctx, &event); err != nil {
		metrics.EventsConsumed.WithLabelValues("failed").Inc()
		return err
	}
	return nil
}

// handleReviewComplete records confirmed fraud from closed reviews so the
// previousFraudFlags feature reflects them.
func (c *Consumer) handleReviewComplete(ctx context.Context, msg *domain.Message) error {
	var envelope struct {
		Payload domain.ReviewCompleteEvent `json:"payload"`
	}
	if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
		slog.Warn("dropping malformed review-complete event",
			"message_id", msg.ID,
			"error", err,
		)
		return nil
	}

	review := envelope.Payload
	if !review.Confirmed || review.TransactionID == "" || review.UserID == "" {
		return nil
	}

	cf := &domain.ConfirmedFraud{
		TransactionID: review.TransactionID,
		UserID:        review.UserID,
		Amount:        review.Amount,
		ReviewerID:    review.ReviewerID,
		Notes:         review.Notes,
	}
	if err := c.repo.SaveConfirmedFraud(ctx, cf); err != nil {
		slog.Warn("failed to record confirmed fraud",
			"tx_id", review.TransactionID,
			"error", err,
		)
	}
	return nil
}

// Stop pauses consumption, drains in-flight analyses, then returns.
// Ordering matters: the subscriptions go first so nothing new arrives
// while the wait group drains.
func (c *Consumer) Stop() error {
	for _, sub := range c.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	c.subscriptions = nil

	c.cancel()
	c.wg.Wait()

	slog.Info("ingress stopped")
	return nil
}
