package history

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/kestrelhq/kestrel/internal/cache"
	"github.com/kestrelhq/kestrel/internal/domain"
	"github.com/kestrelhq/kestrel/internal/repository"
)

func newTestService(t *testing.T) (*Service, domain.Repository, *cache.MemoryStore) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-history-*.db")
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

	return NewService(repo, store, 30*time.Minute), repo, store
}

func seed(t *testing.T, repo domain.Repository, userID string, txs []domain.HistoricalTransaction) {
	t.Helper()
	for i := range txs {
		if err := repo.SaveTransaction(context.Background(), userID, &txs[i]); err != nil {
			t.Fatalf("failed to seed: %v", err)
		}
	}
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("NewUserGetsZeroHistory", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		ac := svc.Load(ctx, "u-new")
		if ac.History == nil {
			t.Fatal("expected synthesized history")
		}
		if ac.History.TotalTransactions != 0 {
			t.Errorf("expected zero history, got %d", ac.History.TotalTransactions)
		}
		if len(ac.KnownDevices) != 0 || len(ac.KnownCountries) != 0 {
			t.Error("expected empty known sets")
		}
	})

	t.Run("StatsAndKnownSets", func(t *testing.T) {
		svc, repo, _ := newTestService(t)

		now := time.Now().UTC()
		var txs []domain.HistoricalTransaction
		for i := 0; i < 6; i++ {
			txs = append(txs, domain.HistoricalTransaction{
				TransactionID:     fmt.Sprintf("tx-%d", i),
				Amount:            100,
				RecipientID:       "r-steady",
				Country:           "US",
				DeviceFingerprint: "fp-1",
				Timestamp:         now.Add(-time.Duration(i+1) * time.Hour),
			})
		}
		// One risky transfer to a second recipient.
		txs = append(txs, domain.HistoricalTransaction{
			TransactionID: "tx-risky",
			Amount:        5000,
			RecipientID:   "r-once",
			Country:       "RO",
			FraudScore:    0.9,
			Timestamp:     now.Add(-30 * time.Hour),
		})
		seed(t, repo, "u-1", txs)

		ac := svc.Load(ctx, "u-1")
		h := ac.History
		if h.TotalTransactions != 7 {
			t.Fatalf("expected 7 transactions, got %d", h.TotalTransactions)
		}
		if h.UniqueRecipients != 2 || h.UniqueCountries != 2 || h.UniqueDevices != 1 {
			t.Errorf("unique counts wrong: %d %d %d", h.UniqueRecipients, h.UniqueCountries, h.UniqueDevices)
		}
		if h.MaxAmount != 5000 || h.MinAmount != 100 {
			t.Errorf("min/max wrong: %v %v", h.MinAmount, h.MaxAmount)
		}

		if _, ok := ac.KnownCountries["US"]; !ok {
			t.Error("expected US in known countries")
		}
		if _, ok := ac.KnownDevices["fp-1"]; !ok {
			t.Error("expected fp-1 in known devices")
		}

		// r-steady has 6 clean transfers -> trusted; the risky one-off
		// recipient is not.
		if _, ok := ac.TrustedRecipients["r-steady"]; !ok {
			t.Error("expected r-steady trusted")
		}
		if _, ok := ac.TrustedRecipients["r-once"]; ok {
			t.Error("r-once must not be trusted")
		}
	})

	t.Run("CacheThrough", func(t *testing.T) {
		svc, repo, store := newTestService(t)

		seed(t, repo, "u-2", []domain.HistoricalTransaction{{
			TransactionID: "tx-1",
			Amount:        100,
			RecipientID:   "r-1",
			Timestamp:     time.Now().UTC().Add(-time.Hour),
		}})

		_ = svc.Load(ctx, "u-2")
		cached, err := store.GetUserHistory(ctx, "u-2")
		if err != nil || cached == nil {
			t.Fatalf("expected cached snapshot, got %v (%v)", cached, err)
		}

		// A second load hits the cache even if the repo grows.
		seed(t, repo, "u-2", []domain.HistoricalTransaction{{
			TransactionID: "tx-2",
			Amount:        200,
			RecipientID:   "r-1",
			Timestamp:     time.Now().UTC(),
		}})
		ac := svc.Load(ctx, "u-2")
		if ac.History.TotalTransactions != 1 {
			t.Errorf("expected cached history of 1, got %d", ac.History.TotalTransactions)
		}
	})

	t.Run("RecordInvalidatesCache", func(t *testing.T) {
		svc, repo, store := newTestService(t)

		seed(t, repo, "u-3", []domain.HistoricalTransaction{{
			TransactionID: "tx-1",
			Amount:        100,
			RecipientID:   "r-1",
			Timestamp:     time.Now().UTC().Add(-time.Hour),
		}})

		_ = svc.Load(ctx, "u-3")
		svc.Record(ctx, "u-3", &domain.HistoricalTransaction{
			TransactionID: "tx-2",
			Amount:        150,
			RecipientID:   "r-1",
			Timestamp:     time.Now().UTC(),
		})

		if cached, _ := store.GetUserHistory(ctx, "u-3"); cached != nil {
			t.Error("expected invalidated cache after record")
		}

		ac := svc.Load(ctx, "u-3")
		if ac.History.TotalTransactions != 2 {
			t.Errorf("expected 2 after record, got %d", ac.History.TotalTransactions)
		}
	})

	t.Run("PreviousFraudFlags", func(t *testing.T) {
		svc, repo, _ := newTestService(t)

		_ = repo.SaveConfirmedFraud(ctx, &domain.ConfirmedFraud{
			TransactionID: "tx-bad",
			UserID:        "u-4",
			Amount:        900,
		})

		ac := svc.Load(ctx, "u-4")
		if ac.PreviousFraudFlags != 1 {
			t.Errorf("expected 1 fraud flag, got %d", ac.PreviousFraudFlags)
		}
	})
}
