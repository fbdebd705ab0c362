package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/kestrelhq/kestrel/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-repo-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func sampleAnalysis(txID string) *domain.FraudAnalysis {
	return &domain.FraudAnalysis{
		AnalysisID:    "an-" + txID,
		TransactionID: txID,
		UserID:        "u-1",
		FinalScore:    0.42,
		Decision:      domain.DecisionApprove,
		Confidence:    domain.ConfidenceMedium,
		Status:        domain.StatusCompleted,
		Factors: []domain.RiskFactor{
			*domain.NewRiskFactor(domain.MethodAmount, 0.3, 0.25, "test", nil),
		},
		ModelVersion:   "fraud-v2",
		AnalysisTimeMs: 12,
		Timestamp:      time.Now().UTC(),
	}
}

func TestAnalysisPersistence(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	t.Run("SaveAndLoad", func(t *testing.T) {
		if err := repo.SaveAnalysis(ctx, sampleAnalysis("tx-1")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		got, err := repo.GetAnalysisByTransaction(ctx, "tx-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.FinalScore != 0.42 || got.Decision != domain.DecisionApprove {
			t.Errorf("round trip corrupted: %+v", got)
		}
		if len(got.Factors) != 1 || got.Factors[0].Method != domain.MethodAmount {
			t.Errorf("factors corrupted: %+v", got.Factors)
		}
	})

	t.Run("DuplicateTransactionInsertsNoSecondRow", func(t *testing.T) {
		dup := sampleAnalysis("tx-1")
		dup.AnalysisID = "an-other"
		dup.FinalScore = 0.99
		if err := repo.SaveAnalysis(ctx, dup); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		got, err := repo.GetAnalysisByTransaction(ctx, "tx-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.FinalScore != 0.42 {
			t.Errorf("duplicate insert overwrote the row: %v", got.FinalScore)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.GetAnalysisByTransaction(ctx, "tx-missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestTransactionsMirror(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-10 * time.Hour)
	for i := 0; i < 5; i++ {
		tx := &domain.HistoricalTransaction{
			TransactionID: fmt.Sprintf("tx-%d", i),
			Amount:        float64(100 + i),
			RecipientID:   "r-1",
			Country:       "US",
			Timestamp:     base.Add(time.Duration(i) * time.Hour),
		}
		if err := repo.SaveTransaction(ctx, "u-1", tx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	t.Run("NewestFirst", func(t *testing.T) {
		txs, err := repo.GetRecentTransactions(ctx, "u-1", 3)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(txs) != 3 {
			t.Fatalf("expected 3, got %d", len(txs))
		}
		if txs[0].TransactionID != "tx-4" {
			t.Errorf("expected newest first, got %s", txs[0].TransactionID)
		}
	})

	t.Run("FirstSeen", func(t *testing.T) {
		first, err := repo.GetUserFirstSeen(ctx, "u-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !first.Equal(base) && first.Sub(base).Abs() > time.Second {
			t.Errorf("expected %v, got %v", base, first)
		}
	})

	t.Run("FirstSeenUnknownUser", func(t *testing.T) {
		if _, err := repo.GetUserFirstSeen(ctx, "u-nobody"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestBlocklist(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	entry := &domain.BlocklistEntry{
		Type:     domain.BlocklistRecipient,
		Value:    "mule-1",
		Reason:   "test",
		Severity: "HIGH",
		IsActive: true,
	}
	if err := repo.AddBlocklistEntry(ctx, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("LookupByHash", func(t *testing.T) {
		got, err := repo.GetBlocklistEntry(ctx, domain.BlocklistRecipient, domain.HashValue("mule-1"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !got.IsActive || got.ValueHash != domain.HashValue("mule-1") {
			t.Errorf("entry corrupted: %+v", got)
		}
	})

	t.Run("RecordMatch", func(t *testing.T) {
		now := time.Now().UTC()
		if err := repo.RecordBlocklistMatch(ctx, entry.ID, now); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got, _ := repo.GetBlocklistEntry(ctx, domain.BlocklistRecipient, domain.HashValue("mule-1"))
		if got.MatchCount != 1 {
			t.Errorf("expected matchCount 1, got %d", got.MatchCount)
		}
		if got.LastMatchAt == nil {
			t.Error("expected lastMatchAt set")
		}
	})

	t.Run("Deactivate", func(t *testing.T) {
		if err := repo.DeactivateBlocklistEntry(ctx, entry.ID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got, _ := repo.GetBlocklistEntry(ctx, domain.BlocklistRecipient, domain.HashValue("mule-1"))
		if got.IsActive {
			t.Error("expected inactive entry")
		}
	})

	t.Run("DeactivateMissing", func(t *testing.T) {
		if err := repo.DeactivateBlocklistEntry(ctx, "no-such-id"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestUserRiskProfile(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	a1 := sampleAnalysis("tx-1")
	a1.FinalScore = 0.2
	if err := repo.UpsertUserRiskProfile(ctx, a1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a2 := sampleAnalysis("tx-2")
	a2.FinalScore = 0.6
	a2.Decision = domain.DecisionSuspicious
	if err := repo.UpsertUserRiskProfile(ctx, a2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p, err := repo.GetUserRiskProfile(ctx, "u-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.AnalysisCount != 2 {
		t.Errorf("expected 2 analyses, got %d", p.AnalysisCount)
	}
	if diff := p.AverageScore - 0.4; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected rolling average 0.4, got %v", p.AverageScore)
	}
	if p.SuspiciousCount != 1 {
		t.Errorf("expected 1 suspicious, got %d", p.SuspiciousCount)
	}
	if p.LastDecision != domain.DecisionSuspicious {
		t.Errorf("expected last decision SUSPICIOUS, got %s", p.LastDecision)
	}
}

func TestConfirmedFraud(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cf := &domain.ConfirmedFraud{
			TransactionID: fmt.Sprintf("tx-%d", i),
			UserID:        "u-1",
			Amount:        1000,
		}
		if err := repo.SaveConfirmedFraud(ctx, cf); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	count, err := repo.CountConfirmedFraud(ctx, "u-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3, got %d", count)
	}

	count, _ = repo.CountConfirmedFraud(ctx, "u-other")
	if count != 0 {
		t.Errorf("expected 0 for other user, got %d", count)
	}
}

func TestPolicyRules(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rule := &domain.PolicyRule{
		Name:       "high-velocity",
		Expression: "count_5m > 5",
		Weight:     0.2,
		Enabled:    true,
	}
	if err := repo.SavePolicyRule(ctx, rule); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	disabled := &domain.PolicyRule{
		Name:       "disabled",
		Expression: "amount > 100.0",
		Weight:     0.1,
		Enabled:    false,
	}
	if err := repo.SavePolicyRule(ctx, disabled); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rules, err := repo.ListPolicyRules(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected only enabled rules, got %d", len(rules))
	}
	if rules[0].Name != "high-velocity" {
		t.Errorf("unexpected rule %s", rules[0].Name)
	}

	// Upsert by ID replaces.
	rule.Weight = 0.3
	if err := repo.SavePolicyRule(ctx, rule); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rules, _ = repo.ListPolicyRules(ctx)
	if len(rules) != 1 || rules[0].Weight != 0.3 {
		t.Errorf("expected upsert, got %+v", rules)
	}
}

func TestModelPerformance(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rec := &domain.ModelPerformanceRecord{
		TransactionID: "tx-1",
		ModelVersion:  "fraud-v2",
		Score:         0.4,
		Confidence:    0.8,
		LatencyMs:     3,
	}
	if err := repo.RecordModelPerformance(ctx, rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestManualReview(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	review := &domain.ManualReview{
		AnalysisID:    "an-1",
		TransactionID: "tx-1",
		UserID:        "u-1",
		Score:         0.7,
		Decision:      domain.DecisionSuspicious,
		Priority:      domain.PriorityMedium,
	}
	if err := repo.SaveManualReview(ctx, review); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if review.ID == "" || review.Status != "PENDING" {
		t.Errorf("expected defaults applied: %+v", review)
	}
}
