package engine

import (
	"testing"

	"github.com/kestrelhq/kestrel/internal/domain"
)

func thresholds() domain.ThresholdConfig {
	return domain.ThresholdConfig{
		ApproveMax:    0.50,
		SuspiciousMin: 0.50,
		SuspiciousMax: 0.80,
		RejectMin:     0.80,
	}
}

func factor(method domain.RiskMethod, raw, weight float64) domain.RiskFactor {
	return *domain.NewRiskFactor(method, raw, weight, "", nil)
}

func TestAggregate(t *testing.T) {
	t.Run("SumOfContributions", func(t *testing.T) {
		factors := []domain.RiskFactor{
			factor(domain.MethodVelocity, 0.4, 0.25),
			factor(domain.MethodAmount, 0.2, 0.25),
		}
		got := aggregate(factors)
		if diff := got - 0.15; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("expected 0.15, got %v", got)
		}
	})

	t.Run("ClampedAtOne", func(t *testing.T) {
		factors := []domain.RiskFactor{
			{Method: domain.MethodRecipient, RawScore: 1, Weight: 1, ContributedScore: 1},
			factor(domain.MethodAmount, 1, 0.25),
		}
		if got := aggregate(factors); got != 1 {
			t.Errorf("expected clamp at 1, got %v", got)
		}
	})

	t.Run("EmptyIsZero", func(t *testing.T) {
		if got := aggregate(nil); got != 0 {
			t.Errorf("expected 0, got %v", got)
		}
	})
}

func TestDecide(t *testing.T) {
	cases := []struct {
		name       string
		score      float64
		wantDec    domain.Decision
		wantReview bool
	}{
		{"Approve", 0.10, domain.DecisionApprove, false},
		{"ApproveJustUnder", 0.499, domain.DecisionApprove, false},
		{"SuspiciousAtBoundary", 0.50, domain.DecisionSuspicious, true},
		{"Suspicious", 0.65, domain.DecisionSuspicious, true},
		{"RejectAtBoundary", 0.80, domain.DecisionReject, true},
		{"Reject", 0.95, domain.DecisionReject, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dec, review := decide(tc.score, nil, thresholds())
			if dec != tc.wantDec {
				t.Errorf("score %v: expected %s, got %s", tc.score, tc.wantDec, dec)
			}
			if review != tc.wantReview {
				t.Errorf("score %v: expected review=%v", tc.score, tc.wantReview)
			}
		})
	}

	t.Run("BlocklistOverride", func(t *testing.T) {
		factors := []domain.RiskFactor{
			{Method: domain.MethodDevice, RawScore: 1, Weight: 1, ContributedScore: 1},
		}
		// A low aggregate still rejects on a blocklist factor.
		dec, review := decide(0.05, factors, thresholds())
		if dec != domain.DecisionReject {
			t.Errorf("expected REJECT, got %s", dec)
		}
		if !review {
			t.Error("expected review flag")
		}
	})

	t.Run("MLContributionCannotForceReject", func(t *testing.T) {
		// Only RECIPIENT and DEVICE may override via contribution 1.0.
		factors := []domain.RiskFactor{
			{Method: domain.MethodML, RawScore: 1, Weight: 1, ContributedScore: 1},
		}
		dec, _ := decide(0.05, factors, thresholds())
		if dec != domain.DecisionApprove {
			t.Errorf("expected APPROVE, got %s", dec)
		}
	})
}

func TestConfidence(t *testing.T) {
	rules := func(n int) []domain.RiskFactor {
		methods := []domain.RiskMethod{
			domain.MethodVelocity, domain.MethodAmount, domain.MethodGeographic,
			domain.MethodRecipient, domain.MethodDevice, domain.MethodTime,
		}
		out := make([]domain.RiskFactor, 0, 6)
		for i, m := range methods {
			raw := 0.0
			if i < n {
				raw = 0.2
			}
			out = append(out, factor(m, raw, 0.2))
		}
		return out
	}

	t.Run("HighNeedsConfidentMLAndThreeRules", func(t *testing.T) {
		if got := confidence(0.9, true, rules(3)); got != domain.ConfidenceHigh {
			t.Errorf("expected HIGH, got %s", got)
		}
	})

	t.Run("MediumWithFewRules", func(t *testing.T) {
		if got := confidence(0.9, true, rules(1)); got != domain.ConfidenceMedium {
			t.Errorf("expected MEDIUM, got %s", got)
		}
	})

	t.Run("MediumConfidence", func(t *testing.T) {
		if got := confidence(0.6, true, rules(5)); got != domain.ConfidenceMedium {
			t.Errorf("expected MEDIUM, got %s", got)
		}
	})

	t.Run("LowWithoutML", func(t *testing.T) {
		if got := confidence(0, false, rules(5)); got != domain.ConfidenceLow {
			t.Errorf("expected LOW, got %s", got)
		}
	})

	t.Run("LowMLConfidence", func(t *testing.T) {
		if got := confidence(0.1, true, rules(5)); got != domain.ConfidenceLow {
			t.Errorf("expected LOW, got %s", got)
		}
	})
}

func TestReviewPriority(t *testing.T) {
	if got := reviewPriority(0.85); got != domain.PriorityHigh {
		t.Errorf("expected HIGH, got %s", got)
	}
	if got := reviewPriority(0.6); got != domain.PriorityMedium {
		t.Errorf("expected MEDIUM, got %s", got)
	}
	if got := reviewPriority(0.8); got != domain.PriorityMedium {
		t.Errorf("expected MEDIUM at exactly 0.8, got %s", got)
	}
}
