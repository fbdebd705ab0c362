// Package analyzer contains the rule-based risk analyzers. Each analyzer
// inspects one dimension of a transfer and returns a weighted RiskFactor;
// the engine runs them concurrently and neutralizes failures.
package analyzer

import (
	"context"

	"github.com/kestrelhq/kestrel/internal/domain"
)

// Analyzer scores one risk dimension of a transaction.
//
// Analyze must be safe to run concurrently with the other analyzers. It may
// write its own outcome pointer on the AnalysisContext (velocity, geo,
// recipient, device); those fields are read only after fan-in.
type Analyzer interface {
	Method() domain.RiskMethod
	Analyze(ctx context.Context, event *domain.TransactionEvent, ac *domain.AnalysisContext) (*domain.RiskFactor, error)
}

// capped clamps an additive rule total to the analyzer's maximum.
func capped(score, cap float64) float64 {
	if score > cap {
		return cap
	}
	return score
}
