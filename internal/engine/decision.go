package engine

import (
	"github.com/kestrelhq/kestrel/internal/domain"
)

// aggregate computes finalScore = min(1, sum of contributed scores).
func aggregate(factors []domain.RiskFactor) float64 {
	var sum float64
	for i := range factors {
		sum += factors[i].ContributedScore
	}
	if sum > 1 {
		return 1
	}
	return sum
}

// decide maps the final score to a decision via the configured thresholds.
// A blocklist short-circuit (contributedScore 1.0 from RECIPIENT or
// DEVICE) forces REJECT regardless of the sum.
func decide(finalScore float64, factors []domain.RiskFactor, t domain.ThresholdConfig) (domain.Decision, bool) {
	for i := range factors {
		if factors[i].Blocklisted() {
			return domain.DecisionReject, true
		}
	}

	switch {
	case finalScore >= t.RejectMin:
		return domain.DecisionReject, true
	case finalScore >= t.SuspiciousMin:
		return domain.DecisionSuspicious, true
	default:
		return domain.DecisionApprove, false
	}
}

// confidence grades the decision: HIGH needs a confident ML factor plus at
// least three non-zero rule factors; MEDIUM needs moderate ML confidence.
func confidence(mlConfidence float64, mlPresent bool, factors []domain.RiskFactor) domain.Confidence {
	if !mlPresent {
		return domain.ConfidenceLow
	}

	nonZeroRules := 0
	for i := range factors {
		f := &factors[i]
		if f.Method != domain.MethodML && f.RawScore > 0 {
			nonZeroRules++
		}
	}

	switch {
	case mlConfidence >= 0.8 && nonZeroRules >= 3:
		return domain.ConfidenceHigh
	case mlConfidence >= 0.5:
		return domain.ConfidenceMedium
	default:
		return domain.ConfidenceLow
	}
}

// reviewPriority grades the manual-review queue entry.
func reviewPriority(score float64) string {
	if score > 0.8 {
		return domain.PriorityHigh
	}
	return domain.PriorityMedium
}
