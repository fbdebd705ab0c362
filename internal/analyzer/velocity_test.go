package analyzer

import (
	"context"
	"fmt"
	"testing"

	"github.com/kestrelhq/kestrel/internal/cache"
	"github.com/kestrelhq/kestrel/internal/domain"
)

func velocityConfig() domain.VelocityConfig {
	return domain.VelocityConfig{
		Limit5m: 3, Limit1h: 10, Limit24h: 50,
		Weight5m: 0.15, Weight1h: 0.10, Weight24h: 0.08,
	}
}

func TestVelocityAnalyzer(t *testing.T) {
	ctx := context.Background()

	t.Run("Monotonicity", func(t *testing.T) {
		store := cache.NewMemoryStore(100)
		defer store.Close()
		a := NewVelocityAnalyzer(store, velocityConfig(), 0.25)

		var last *domain.RiskFactor
		for i := 0; i < 5; i++ {
			ac := &domain.AnalysisContext{}
			f, err := a.Analyze(ctx, amountEvent(100), ac)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			last = f
			if got := ac.Velocity.FiveMin.Count; got < int64(i+1) {
				t.Errorf("after %d events, 5m count %d < %d", i+1, got, i+1)
			}
		}
		// Five events against a 5m limit of 3 must have triggered.
		if last.RawScore == 0 {
			t.Error("expected non-zero score after exceeding 5m limit")
		}
	})

	t.Run("WindowContribution", func(t *testing.T) {
		store := cache.NewMemoryStore(100)
		defer store.Close()
		a := NewVelocityAnalyzer(store, velocityConfig(), 0.25)

		// Four events: the fourth exceeds limit 3 with ratio 4/3.
		var f *domain.RiskFactor
		for i := 0; i < 4; i++ {
			f, _ = a.Analyze(ctx, amountEvent(100), &domain.AnalysisContext{})
		}
		want := 0.15 * (4.0 / 3.0)
		if diff := f.RawScore - want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("expected %v, got %v", want, f.RawScore)
		}
	})

	t.Run("RatioCappedAtTwo", func(t *testing.T) {
		store := cache.NewMemoryStore(100)
		defer store.Close()
		a := NewVelocityAnalyzer(store, velocityConfig(), 0.25)

		var f *domain.RiskFactor
		for i := 0; i < 10; i++ {
			f, _ = a.Analyze(ctx, amountEvent(100), &domain.AnalysisContext{})
		}
		// 10 events: 5m ratio capped at 2.0 -> 0.30; 1h and 24h under limit.
		want := 0.15 * 2.0
		if diff := f.RawScore - want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("expected %v, got %v", want, f.RawScore)
		}
	})

	t.Run("DiverseRecipients", func(t *testing.T) {
		store := cache.NewMemoryStore(100)
		defer store.Close()
		a := NewVelocityAnalyzer(store, velocityConfig(), 0.25)

		var f *domain.RiskFactor
		for i := 0; i < 3; i++ {
			ev := amountEvent(100)
			ev.Payload.RecipientID = fmt.Sprintf("r-%d", i)
			f, _ = a.Analyze(ctx, ev, &domain.AnalysisContext{})
		}
		// Third event: count5m = 3, three distinct recipients -> +0.10,
		// no window limit exceeded yet.
		if diff := f.RawScore - 0.10; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("expected 0.10 for diverse recipients, got %v", f.RawScore)
		}
	})

	t.Run("SnapshotShared", func(t *testing.T) {
		store := cache.NewMemoryStore(100)
		defer store.Close()
		a := NewVelocityAnalyzer(store, velocityConfig(), 0.25)

		ac := &domain.AnalysisContext{}
		if _, err := a.Analyze(ctx, amountEvent(250), ac); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ac.Velocity == nil {
			t.Fatal("expected velocity snapshot on context")
		}
		if ac.Velocity.TwentyFour.TotalAmount != 250 {
			t.Errorf("expected 24h amount 250, got %v", ac.Velocity.TwentyFour.TotalAmount)
		}
	})
}
