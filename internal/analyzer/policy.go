package analyzer

import (
	"context"
	"strings"

	"github.com/kestrelhq/kestrel/internal/domain"
	"github.com/kestrelhq/kestrel/internal/policy"
)

// PolicyAnalyzer evaluates operator-defined CEL policies as one extra
// factor. It runs after the rule analyzers so the activation can carry
// their outcomes. With no policies loaded it contributes nothing.
type PolicyAnalyzer struct {
	engine *policy.Engine
	weight float64
}

// NewPolicyAnalyzer creates a policy analyzer.
func NewPolicyAnalyzer(engine *policy.Engine, weight float64) *PolicyAnalyzer {
	return &PolicyAnalyzer{engine: engine, weight: weight}
}

func (a *PolicyAnalyzer) Method() domain.RiskMethod { return domain.MethodPolicy }

// Active reports whether any policies are loaded.
func (a *PolicyAnalyzer) Active() bool {
	return a.engine != nil && a.engine.RuleCount() > 0
}

func (a *PolicyAnalyzer) Analyze(ctx context.Context, event *domain.TransactionEvent, ac *domain.AnalysisContext) (*domain.RiskFactor, error) {
	results := a.engine.EvaluateAll(activation(event, ac))

	var score float64
	var reasons []string
	details := map[string]any{}

	for _, r := range results {
		if r.Err != nil {
			details[r.Name] = "error: " + r.Err.Error()
			continue
		}
		if r.Score > 0 {
			score += r.Score * r.Weight
			reasons = append(reasons, "policy "+r.Name)
			details[r.Name] = r.Score
		}
	}
	if score > 1 {
		score = 1
	}

	reason := "No policy matched"
	if len(reasons) > 0 {
		reason = strings.Join(reasons, "; ")
	}

	return domain.NewRiskFactor(domain.MethodPolicy, score, a.weight, reason, details), nil
}

// activation maps the event and analysis context onto the CEL variables.
func activation(event *domain.TransactionEvent, ac *domain.AnalysisContext) map[string]any {
	vars := map[string]any{
		"amount":               event.Payload.Amount,
		"currency":             event.Payload.Currency,
		"count_5m":             int64(0),
		"count_1h":             int64(0),
		"count_24h":            int64(0),
		"amount_5m":            0.0,
		"amount_1h":            0.0,
		"amount_24h":           0.0,
		"avg_amount":           0.0,
		"max_amount":           0.0,
		"total_tx_count":       int64(0),
		"account_age_days":     0.0,
		"country":              "",
		"is_new_country":       false,
		"impossible_travel":    false,
		"is_new_recipient":     false,
		"is_new_device":        false,
		"hour":                 int64(event.Timestamp.Hour()),
		"day_of_week":          int64(event.Timestamp.Weekday()),
		"previous_fraud_flags": int64(ac.PreviousFraudFlags),
	}

	if v := ac.Velocity; v != nil {
		vars["count_5m"] = v.FiveMin.Count
		vars["count_1h"] = v.OneHour.Count
		vars["count_24h"] = v.TwentyFour.Count
		vars["amount_5m"] = v.FiveMin.TotalAmount
		vars["amount_1h"] = v.OneHour.TotalAmount
		vars["amount_24h"] = v.TwentyFour.TotalAmount
	}

	if h := ac.History; h != nil {
		vars["avg_amount"] = h.AverageAmount
		vars["max_amount"] = h.MaxAmount
		vars["total_tx_count"] = int64(h.TotalTransactions)
		vars["account_age_days"] = h.AccountAgeDays(event.Timestamp)

		newRecipient := true
		for _, tx := range h.Transactions {
			if tx.RecipientID == event.Payload.RecipientID {
				newRecipient = false
				break
			}
		}
		vars["is_new_recipient"] = newRecipient
	}

	if g := ac.Geo; g != nil {
		vars["country"] = g.Country
		vars["is_new_country"] = g.NewCountry
		vars["impossible_travel"] = g.ImpossibleTravel
	}

	if d := event.Payload.Device; d != nil && d.Fingerprint != "" {
		_, known := ac.KnownDevices[d.Fingerprint]
		vars["is_new_device"] = !known
	}

	return vars
}
