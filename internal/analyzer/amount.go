package analyzer

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kestrelhq/kestrel/internal/domain"
)

// amountCap bounds the amount method's raw score.
const amountCap = 0.40

// minHistoryForStats is the history size below which the statistical rules
// are skipped.
const minHistoryForStats = 5

// roundExactAmounts are psychologically round transfer values that show up
// disproportionately in fraud.
var roundExactAmounts = map[float64]struct{}{
	1000: {}, 2000: {}, 5000: {}, 10000: {}, 20000: {}, 50000: {}, 100000: {},
}

// AmountAnalyzer scores the transfer amount against the user's historical
// distribution and structuring heuristics.
type AmountAnalyzer struct {
	cfg    domain.AmountConfig
	weight float64
}

// NewAmountAnalyzer creates an amount analyzer.
func NewAmountAnalyzer(cfg domain.AmountConfig, weight float64) *AmountAnalyzer {
	return &AmountAnalyzer{cfg: cfg, weight: weight}
}

func (a *AmountAnalyzer) Method() domain.RiskMethod { return domain.MethodAmount }

func (a *AmountAnalyzer) Analyze(ctx context.Context, event *domain.TransactionEvent, ac *domain.AnalysisContext) (*domain.RiskFactor, error) {
	amount := event.Payload.Amount
	h := ac.History

	var score float64
	var reasons []string
	details := map[string]any{"amount": amount}

	hasStats := h != nil && h.TotalTransactions >= minHistoryForStats

	// Ratio to the historical average.
	if hasStats && h.AverageAmount > 0 {
		ratio := amount / h.AverageAmount
		details["ratioToAvg"] = ratio
		switch {
		case ratio >= 2*a.cfg.UnusualMultiplier:
			score += 0.20
			reasons = append(reasons, fmt.Sprintf("amount %.1fx the user average", ratio))
		case ratio >= a.cfg.UnusualMultiplier:
			score += 0.12
			reasons = append(reasons, fmt.Sprintf("amount %.1fx the user average", ratio))
		}
	}

	// Exceeds the historical maximum.
	if hasStats && h.MaxAmount > 0 {
		switch {
		case amount > 2*h.MaxAmount:
			score += 0.15
			reasons = append(reasons, "amount more than double the historical max")
		case amount > 1.5*h.MaxAmount:
			score += 0.08
			reasons = append(reasons, "amount well above the historical max")
		}
	}

	// Absolute size, independent of history.
	switch {
	case amount >= 10*a.cfg.LargeTransferMin:
		score += 0.12
		reasons = append(reasons, "very large transfer")
	case amount >= 5*a.cfg.LargeTransferMin:
		score += 0.08
		reasons = append(reasons, "large transfer")
	case amount >= a.cfg.LargeTransferMin:
		score += 0.04
		reasons = append(reasons, "sizable transfer")
	}

	// Round-number heuristics.
	if _, ok := roundExactAmounts[amount]; ok {
		score += 0.05
		reasons = append(reasons, "round-number amount")
	}
	if amount >= 500 && math.Mod(amount, 100) == 0 {
		score += 0.03
	}

	// Structuring bands just under reporting thresholds.
	switch {
	case amount >= 9000 && amount < 10000:
		score += 0.15
		reasons = append(reasons, "amount just under CTR threshold")
	case amount >= 4800 && amount < 5000:
		score += 0.08
		reasons = append(reasons, "amount just under 5000")
	case amount >= 2900 && amount < 3000:
		score += 0.05
		reasons = append(reasons, "amount just under 3000")
	}

	// Z-score against the user's distribution.
	if hasStats && h.StdDeviation > 0 {
		z := (amount - h.AverageAmount) / h.StdDeviation
		details["zScore"] = z
		switch {
		case z >= 4:
			score += 0.18
			reasons = append(reasons, fmt.Sprintf("z-score %.1f", z))
		case z >= 3:
			score += 0.12
			reasons = append(reasons, fmt.Sprintf("z-score %.1f", z))
		case z >= 2:
			score += 0.06
			reasons = append(reasons, fmt.Sprintf("z-score %.1f", z))
		}
	}

	// New accounts moving real money.
	if h != nil && !h.AccountCreatedAt.IsZero() {
		if h.AccountAgeDays(time.Now().UTC()) < 30 && amount > 1000 {
			score += 0.08
			reasons = append(reasons, "new account with large transfer")
		}
	}

	reason := "Amount consistent with history"
	if len(reasons) > 0 {
		reason = strings.Join(reasons, "; ")
	}

	return domain.NewRiskFactor(domain.MethodAmount, capped(score, amountCap), a.weight, reason, details), nil
}
