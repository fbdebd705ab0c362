package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kestrelhq/kestrel/internal/domain"
)

// velocityCap bounds the velocity method's raw score.
const velocityCap = 0.45

// VelocityAnalyzer maintains and scores the sliding-window counters.
// State lives only in the shared cache, never in process memory.
type VelocityAnalyzer struct {
	cache  domain.Cache
	cfg    domain.VelocityConfig
	weight float64
}

// NewVelocityAnalyzer creates a velocity analyzer.
func NewVelocityAnalyzer(cache domain.Cache, cfg domain.VelocityConfig, weight float64) *VelocityAnalyzer {
	return &VelocityAnalyzer{cache: cache, cfg: cfg, weight: weight}
}

func (a *VelocityAnalyzer) Method() domain.RiskMethod { return domain.MethodVelocity }

// Analyze reads the pre-increment counters, atomically bumps all three
// windows by (1, amount), then scores the post-increment observations.
func (a *VelocityAnalyzer) Analyze(ctx context.Context, event *domain.TransactionEvent, ac *domain.AnalysisContext) (*domain.RiskFactor, error) {
	userID := event.Payload.UserID
	amount := event.Payload.Amount

	pre5m, err5 := a.cache.GetVelocity(ctx, userID, domain.WindowFiveMinutes)
	pre24h, err24 := a.cache.GetVelocity(ctx, userID, domain.WindowTwentyFourHours)
	if err5 != nil || err24 != nil {
		slog.Warn("velocity pre-read failed", "user_id", userID)
	}

	snapshot := &domain.VelocitySnapshot{}
	degraded := false
	for _, w := range domain.Windows() {
		stat, err := a.cache.IncrementVelocity(ctx, userID, w, amount)
		if err != nil {
			degraded = true
			continue
		}
		switch w {
		case domain.WindowFiveMinutes:
			snapshot.FiveMin = stat
		case domain.WindowOneHour:
			snapshot.OneHour = stat
		case domain.WindowTwentyFourHours:
			snapshot.TwentyFour = stat
		}
	}

	if uniq, err := a.cache.TouchRecipientSet(ctx, userID, event.Payload.RecipientID); err == nil {
		snapshot.UniqueRecipients5m = uniq
	}

	ac.Velocity = snapshot

	if degraded {
		return domain.NewRiskFactor(domain.MethodVelocity, 0, a.weight,
			"No velocity data", map[string]any{"degraded": true}), nil
	}

	var score float64
	var reasons []string

	for _, w := range domain.Windows() {
		limit := a.cfg.Limit(w)
		count := snapshot.Stat(w).Count
		if limit > 0 && count > limit {
			ratio := float64(count) / float64(limit)
			if ratio > 2.0 {
				ratio = 2.0
			}
			score += a.cfg.WindowWeight(w) * ratio
			reasons = append(reasons, fmt.Sprintf("%d transfers in %s (limit %d)", count, w, limit))
		}
	}

	// Amount spike relative to the 24h running average.
	if pre24h.Count > 0 {
		avg24h := pre24h.TotalAmount / float64(pre24h.Count)
		if pre5m.TotalAmount+amount > 10*avg24h {
			score += 0.12
			reasons = append(reasons, "5m amount spike over 24h average")
		}
	}

	// Rapid fan-out to distinct recipients.
	if snapshot.FiveMin.Count >= 3 && snapshot.UniqueRecipients5m >= 3 {
		score += 0.10
		reasons = append(reasons, "rapid transfers to diverse recipients")
	}

	reason := "Velocity within limits"
	if len(reasons) > 0 {
		reason = strings.Join(reasons, "; ")
	}

	return domain.NewRiskFactor(domain.MethodVelocity, capped(score, velocityCap), a.weight, reason, map[string]any{
		"count5m":            snapshot.FiveMin.Count,
		"count1h":            snapshot.OneHour.Count,
		"count24h":           snapshot.TwentyFour.Count,
		"amount5m":           snapshot.FiveMin.TotalAmount,
		"amount1h":           snapshot.OneHour.TotalAmount,
		"amount24h":          snapshot.TwentyFour.TotalAmount,
		"uniqueRecipients5m": snapshot.UniqueRecipients5m,
	}), nil
}
