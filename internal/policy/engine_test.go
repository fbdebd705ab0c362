package policy

import (
	"testing"

	"github.com/kestrelhq/kestrel/internal/domain"
)

func baseActivation() map[string]any {
	return map[string]any{
		"amount":               2500.0,
		"currency":             "USD",
		"count_5m":             int64(4),
		"count_1h":             int64(6),
		"count_24h":            int64(10),
		"amount_5m":            float64(4000),
		"amount_1h":            float64(5000),
		"amount_24h":           float64(9000),
		"avg_amount":           200.0,
		"max_amount":           500.0,
		"total_tx_count":       int64(40),
		"account_age_days":     120.0,
		"country":              "US",
		"is_new_country":       false,
		"impossible_travel":    false,
		"is_new_recipient":     true,
		"is_new_device":        false,
		"hour":                 int64(3),
		"day_of_week":          int64(2),
		"previous_fraud_flags": int64(0),
	}
}

func TestEngine(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	t.Run("BooleanRule", func(t *testing.T) {
		rule := &domain.PolicyRule{
			ID:         "p-1",
			Name:       "velocity-burst",
			Expression: "count_5m > 3 && is_new_recipient",
			Weight:     0.2,
			Enabled:    true,
		}
		if err := engine.LoadRule(rule); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		results := engine.EvaluateAll(baseActivation())
		if len(results) != 1 {
			t.Fatalf("expected 1 result, got %d", len(results))
		}
		if results[0].Score != 1.0 {
			t.Errorf("expected score 1.0, got %v", results[0].Score)
		}
		if results[0].Weight != 0.2 {
			t.Errorf("expected weight 0.2, got %v", results[0].Weight)
		}
	})

	t.Run("NumericRuleClamped", func(t *testing.T) {
		rule := &domain.PolicyRule{
			ID:         "p-2",
			Name:       "ratio",
			Expression: "amount / avg_amount / 10.0",
			Weight:     0.1,
			Enabled:    true,
		}
		if err := engine.LoadRule(rule); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		results := engine.EvaluateAll(baseActivation())
		for _, r := range results {
			if r.RuleID == "p-2" && r.Score != 1.0 {
				// 2500/200/10 = 1.25, clamped to 1.
				t.Errorf("expected clamped 1.0, got %v", r.Score)
			}
		}
	})

	t.Run("CompileError", func(t *testing.T) {
		rule := &domain.PolicyRule{
			ID:         "p-bad",
			Name:       "broken",
			Expression: "no_such_variable > 1",
			Enabled:    true,
		}
		if err := engine.ValidateRule(rule); err == nil {
			t.Error("expected compile error for unknown variable")
		}
	})

	t.Run("NonScalarRejected", func(t *testing.T) {
		rule := &domain.PolicyRule{
			ID:         "p-str",
			Name:       "string-result",
			Expression: "currency",
			Enabled:    true,
		}
		if err := engine.ValidateRule(rule); err == nil {
			t.Error("expected rejection of string-typed expression")
		}
	})

	t.Run("ReloadSwapsRuleSet", func(t *testing.T) {
		rules := []*domain.PolicyRule{
			{ID: "p-only", Name: "only", Expression: "amount > 1000.0", Weight: 0.1, Enabled: true},
			{ID: "p-off", Name: "off", Expression: "amount > 0.0", Weight: 0.1, Enabled: false},
		}
		if err := engine.ReloadRules(rules); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if engine.RuleCount() != 1 {
			t.Errorf("expected 1 rule after reload, got %d", engine.RuleCount())
		}
	})
}
