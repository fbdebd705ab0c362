package analyzer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kestrelhq/kestrel/internal/domain"
)

// historyAtHours builds a history with one transaction per given hour,
// cycling over weekdays (Mon-Fri).
func historyAtHours(hours []int, count int) *domain.UserHistory {
	// Monday at midnight UTC.
	base := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	txs := make([]domain.HistoricalTransaction, count)
	for i := range txs {
		h := hours[i%len(hours)]
		day := base.AddDate(0, 0, -(i%5 + 3)) // always a weekday, in the past
		txs[i] = domain.HistoricalTransaction{
			TransactionID: fmt.Sprintf("tx-%d", i),
			Amount:        100,
			RecipientID:   "r-1",
			Timestamp:     time.Date(day.Year(), day.Month(), day.Day(), h, 30, 0, 0, time.UTC),
		}
	}
	return domain.NewUserHistory("u-1", txs, base.AddDate(-1, 0, 0))
}

func timeEvent(ts time.Time) *domain.TransactionEvent {
	ev := amountEvent(100)
	ev.Timestamp = ts
	return ev
}

func TestTimeAnalyzer(t *testing.T) {
	ctx := context.Background()
	a := NewTimeAnalyzer(0.10)

	t.Run("DaytimeNoHistory", func(t *testing.T) {
		// Tuesday 14:00.
		ts := time.Date(2025, 6, 3, 14, 0, 0, 0, time.UTC)
		f, err := a.Analyze(ctx, timeEvent(ts), &domain.AnalysisContext{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if f.RawScore != 0 {
			t.Errorf("expected zero score, got %v (%s)", f.RawScore, f.Reason)
		}
	})

	t.Run("EarlyHoursNoHistory", func(t *testing.T) {
		// Tuesday 03:00: no-pattern early hours 0.06 + late night 0.08.
		ts := time.Date(2025, 6, 3, 3, 0, 0, 0, time.UTC)
		f, err := a.Analyze(ctx, timeEvent(ts), &domain.AnalysisContext{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if diff := f.RawScore - 0.14; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("expected 0.14, got %v", f.RawScore)
		}
	})

	t.Run("FarFromPreferredHours", func(t *testing.T) {
		// User always transacts 14:00-15:00; event at 03:00 is distance
		// 11 from the preferred set.
		h := historyAtHours([]int{14, 15}, 20)
		ac := &domain.AnalysisContext{History: h}
		ts := time.Date(2025, 6, 3, 3, 0, 0, 0, time.UTC)
		f, err := a.Analyze(ctx, timeEvent(ts), ac)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// hour deviation 0.10 + late night 0.08 + weekday-only user on a
		// weekday: no day hit.
		if diff := f.RawScore - 0.18; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("expected 0.18, got %v (%s)", f.RawScore, f.Reason)
		}
	})

	t.Run("WeekendFromWeekdayOnlyUser", func(t *testing.T) {
		h := historyAtHours([]int{14}, 20)
		ac := &domain.AnalysisContext{History: h}
		// Saturday 14:30.
		ts := time.Date(2025, 6, 7, 14, 30, 0, 0, time.UTC)
		f, err := a.Analyze(ctx, timeEvent(ts), ac)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// weekend-from-weekday-only 0.06; hour matches preference.
		if diff := f.RawScore - 0.06; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("expected 0.06, got %v (%s)", f.RawScore, f.Reason)
		}
	})

	t.Run("Holiday", func(t *testing.T) {
		// Dec 25, 14:00, Thursday.
		ts := time.Date(2025, 12, 25, 14, 0, 0, 0, time.UTC)
		f, err := a.Analyze(ctx, timeEvent(ts), &domain.AnalysisContext{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if diff := f.RawScore - 0.04; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("expected 0.04, got %v", f.RawScore)
		}
	})

	t.Run("BurstAtUnusualHour", func(t *testing.T) {
		// Three transactions in the last hour, event at 03:30.
		now := time.Date(2025, 6, 3, 3, 30, 0, 0, time.UTC)
		txs := []domain.HistoricalTransaction{
			{TransactionID: "a", Amount: 50, RecipientID: "r", Timestamp: now.Add(-10 * time.Minute)},
			{TransactionID: "b", Amount: 50, RecipientID: "r", Timestamp: now.Add(-20 * time.Minute)},
			{TransactionID: "c", Amount: 50, RecipientID: "r", Timestamp: now.Add(-30 * time.Minute)},
		}
		h := domain.NewUserHistory("u-1", txs, now.AddDate(-1, 0, 0))
		ac := &domain.AnalysisContext{History: h}

		f, err := a.Analyze(ctx, timeEvent(now), ac)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// early-hours-no-pattern 0.06 (only 3 tx) + late night 0.08 +
		// burst 0.10.
		if diff := f.RawScore - 0.24; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("expected 0.24, got %v (%s)", f.RawScore, f.Reason)
		}
	})

	t.Run("WeekendBurstAfterNone", func(t *testing.T) {
		h := historyAtHours([]int{10}, 60)
		ac := &domain.AnalysisContext{History: h}
		// Sunday 10:30: weekend burst 0.08 + weekend-from-weekday-only 0.06.
		ts := time.Date(2025, 6, 8, 10, 30, 0, 0, time.UTC)
		f, err := a.Analyze(ctx, timeEvent(ts), ac)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if diff := f.RawScore - 0.14; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("expected 0.14, got %v (%s)", f.RawScore, f.Reason)
		}
	})
}
