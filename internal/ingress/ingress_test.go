package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/kestrelhq/kestrel/internal/bus"
	"github.com/kestrelhq/kestrel/internal/cache"
	"github.com/kestrelhq/kestrel/internal/domain"
	"github.com/kestrelhq/kestrel/internal/engine"
	"github.com/kestrelhq/kestrel/internal/history"
	"github.com/kestrelhq/kestrel/internal/ml"
	"github.com/kestrelhq/kestrel/internal/repository"
)

type zeroModel struct{}

func (zeroModel) Version() string                          { return "test-zero" }
func (zeroModel) Confidence() float64                      { return 0.9 }
func (zeroModel) Score(*ml.FeatureVector) (float64, error) { return 0, nil }

func newTestConsumer(t *testing.T) (*Consumer, *bus.ChannelBus, domain.Repository) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-ingress-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	store := cache.NewMemoryStore(1000)
	t.Cleanup(func() { store.Close() })

	channelBus := bus.NewChannelBus(100)
	t.Cleanup(func() { channelBus.Close() })

	cfg := domain.DefaultConfig()
	eng := engine.New(engine.Config{
		Cache:      store,
		Repo:       repo,
		History:    history.NewService(repo, store, time.Minute),
		Scorer:     ml.NewScorerWithModel(zeroModel{}, cfg.ML),
		Publisher:  engine.NewPublisher(channelBus, cfg.Topics, "kestrel"),
		Thresholds: cfg.Rules.Thresholds,
		Weights:    cfg.Rules.Weights,
		Timeout:    time.Second,
		Budget:     time.Second,
		MarkerTTL:  time.Minute,
	})

	consumer := NewConsumer(channelBus, eng, repo, cfg.Topics, "test-group", 2)
	if err := consumer.Start(); err != nil {
		t.Fatalf("failed to start consumer: %v", err)
	}
	t.Cleanup(func() { consumer.Stop() })

	return consumer, channelBus, repo
}

func waitForAnalysis(t *testing.T, repo domain.Repository, txID string) *domain.FraudAnalysis {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		a, err := repo.GetAnalysisByTransaction(context.Background(), txID)
		if err == nil {
			return a
		}
		if !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("unexpected error: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("analysis for %s never appeared", txID)
	return nil
}

func validEvent(txID string) *domain.TransactionEvent {
	return &domain.TransactionEvent{
		EventType: domain.EventTypeTransactionCreated,
		EventID:   "evt-" + txID,
		Timestamp: time.Now().UTC(),
		Version:   "1.0",
		Payload: domain.TransactionPayload{
			TransactionID:        txID,
			UserID:               "u-1",
			SourceAccountID:      "acc-1",
			DestinationAccountID: "acc-2",
			RecipientID:          "r-1",
			Amount:               120,
			Currency:             "USD",
		},
	}
}

func TestConsumerProcessesTransfer(t *testing.T) {
	_, channelBus, repo := newTestConsumer(t)
	ctx := context.Background()

	payload, _ := json.Marshal(validEvent("tx-ok"))
	topics := domain.DefaultConfig().Topics
	if err := channelBus.Publish(ctx, topics.TransfersCreated, "tx-ok", payload, nil); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	a := waitForAnalysis(t, repo, "tx-ok")
	if a.UserID != "u-1" {
		t.Errorf("unexpected analysis %+v", a)
	}
}

func TestConsumerDropsPoisonPills(t *testing.T) {
	_, channelBus, repo := newTestConsumer(t)
	ctx := context.Background()
	topics := domain.DefaultConfig().Topics

	// Malformed JSON.
	_ = channelBus.Publish(ctx, topics.TransfersCreated, "k", []byte("{not json"), nil)

	// Valid JSON, invalid event (negative amount).
	bad := validEvent("tx-bad")
	bad.Payload.Amount = -5
	payload, _ := json.Marshal(bad)
	_ = channelBus.Publish(ctx, topics.TransfersCreated, "tx-bad", payload, nil)

	// A good event after the poison pills still processes: the pills were
	// skipped, not requeued, and did not wedge the consumer.
	good, _ := json.Marshal(validEvent("tx-after"))
	_ = channelBus.Publish(ctx, topics.TransfersCreated, "tx-after", good, nil)

	waitForAnalysis(t, repo, "tx-after")

	if _, err := repo.GetAnalysisByTransaction(ctx, "tx-bad"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("poison pill produced an analysis: %v", err)
	}
}

func TestConsumerRecordsConfirmedFraud(t *testing.T) {
	_, channelBus, repo := newTestConsumer(t)
	ctx := context.Background()
	topics := domain.DefaultConfig().Topics

	envelope := map[string]any{
		"eventType": "ReviewComplete",
		"payload": domain.ReviewCompleteEvent{
			TransactionID: "tx-rev",
			UserID:        "u-9",
			Amount:        2500,
			Confirmed:     true,
		},
	}
	payload, _ := json.Marshal(envelope)
	_ = channelBus.Publish(ctx, topics.ReviewComplete, "tx-rev", payload, nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := repo.CountConfirmedFraud(ctx, "u-9"); n == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("confirmed fraud never recorded")
}
