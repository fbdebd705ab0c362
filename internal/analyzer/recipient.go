package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kestrelhq/kestrel/internal/blocklist"
	"github.com/kestrelhq/kestrel/internal/domain"
)

// recipientCap bounds the recipient method's raw score. A blocklist hit
// bypasses the cap entirely.
const recipientCap = 0.45

// RecipientAnalyzer checks the destination side of a transfer. It is the
// pre-scoring gate for the recipient/account blocklist: a hit terminates
// with a hard-reject factor.
type RecipientAnalyzer struct {
	cache     domain.Cache
	blocklist *blocklist.Store
	highRisk  map[string]float64
	cfg       domain.RecipientConfig
	ttl       time.Duration
	weight    float64
}

// NewRecipientAnalyzer creates a recipient analyzer.
func NewRecipientAnalyzer(cache domain.Cache, bl *blocklist.Store, highRisk map[string]float64, cfg domain.RecipientConfig, recipientTTL time.Duration, weight float64) *RecipientAnalyzer {
	return &RecipientAnalyzer{
		cache:     cache,
		blocklist: bl,
		highRisk:  highRisk,
		cfg:       cfg,
		ttl:       recipientTTL,
		weight:    weight,
	}
}

func (a *RecipientAnalyzer) Method() domain.RiskMethod { return domain.MethodRecipient }

func (a *RecipientAnalyzer) Analyze(ctx context.Context, event *domain.TransactionEvent, ac *domain.AnalysisContext) (*domain.RiskFactor, error) {
	recipientID := event.Payload.RecipientID
	destAccount := event.Payload.DestinationAccountID

	// Blocklist short-circuit. This is the only analyzer allowed to emit
	// a contributedScore of 1.0; it outranks every other signal.
	if entry := a.checkBlocklist(ctx, recipientID, destAccount); entry != nil {
		a.blocklist.RecordMatch(ctx, entry)
		return &domain.RiskFactor{
			Method:           domain.MethodRecipient,
			RawScore:         1.0,
			Weight:           1.0,
			ContributedScore: 1.0,
			Reason:           "Recipient is blocklisted",
			Details: map[string]any{
				"blocklistType": string(entry.Type),
				"valueHash":     entry.ValueHash,
			},
		}, nil
	}

	var score float64
	var reasons []string
	details := map[string]any{"recipientId": recipientID}

	info, err := a.cache.GetRecipientInfo(ctx, recipientID)
	if err != nil {
		slog.Warn("recipient info read failed", "recipient_id", recipientID, "error", err)
	}

	now := event.Timestamp
	priorToRecipient := 0
	var newRecipients24h = make(map[string]struct{})
	if ac.History != nil {
		seen := make(map[string]time.Time)
		for _, tx := range ac.History.Transactions {
			if tx.RecipientID == "" {
				continue
			}
			if tx.RecipientID == recipientID {
				priorToRecipient++
			}
			if first, ok := seen[tx.RecipientID]; !ok || tx.Timestamp.Before(first) {
				seen[tx.RecipientID] = tx.Timestamp
			}
		}
		for id, first := range seen {
			if now.Sub(first) <= 24*time.Hour {
				newRecipients24h[id] = struct{}{}
			}
		}
	}

	firstEver := priorToRecipient == 0 && (info == nil || info.TransactionCount == 0)
	if firstEver {
		score += 0.15
		reasons = append(reasons, "first transfer to this recipient")
	}

	// Recently-seen recipient with thin relationship.
	if !firstEver && info != nil && !info.FirstSeen.IsZero() {
		ageDays := now.Sub(info.FirstSeen).Hours() / 24
		if ageDays < float64(a.cfg.NewRecipientDays) && priorToRecipient < 3 {
			score += 0.10
			reasons = append(reasons, "recently added recipient")
		}
	}

	if info != nil {
		if info.RiskScore > 0.3 {
			score += 0.2 * info.RiskScore
			reasons = append(reasons, fmt.Sprintf("recipient risk score %.2f", info.RiskScore))
		}
		if !info.AccountCreatedAt.IsZero() && now.Sub(info.AccountCreatedAt).Hours()/24 < 30 {
			score += 0.10
			reasons = append(reasons, "recipient account under 30 days old")
		}
		if info.Country != "" {
			if _, risky := a.highRisk[strings.ToUpper(info.Country)]; risky {
				score += 0.08
				reasons = append(reasons, "recipient in high-risk country")
			}
		}
		if !info.Verified {
			score += 0.05
			reasons = append(reasons, "recipient not verified")
		}
	} else {
		// Unknown recipient record: treat as unverified.
		score += 0.05
		reasons = append(reasons, "recipient not verified")
	}

	// Burst of new recipients in the user's last day.
	if len(newRecipients24h) >= 3 {
		score += 0.12
		reasons = append(reasons, "burst of new recipients in 24h")
	}

	a.touchRecipient(ctx, recipientID, info, now)
	ac.Recipient = info

	reason := "Recipient consistent with history"
	if len(reasons) > 0 {
		reason = strings.Join(reasons, "; ")
	}

	return domain.NewRiskFactor(domain.MethodRecipient, capped(score, recipientCap), a.weight, reason, details), nil
}

// checkBlocklist matches the recipientId and destination account against
// the active blocklist. Lookup errors degrade to "no match": a dead store
// must not reject every transfer.
func (a *RecipientAnalyzer) checkBlocklist(ctx context.Context, recipientID, destAccount string) *domain.BlocklistEntry {
	if entry, err := a.blocklist.Lookup(ctx, domain.BlocklistRecipient, recipientID); err == nil && entry != nil {
		return entry
	} else if err != nil {
		slog.Warn("recipient blocklist lookup failed", "error", err)
	}
	if entry, err := a.blocklist.Lookup(ctx, domain.BlocklistAccount, destAccount); err == nil && entry != nil {
		return entry
	} else if err != nil {
		slog.Warn("account blocklist lookup failed", "error", err)
	}
	return nil
}

// touchRecipient refreshes the cached recipient record.
func (a *RecipientAnalyzer) touchRecipient(ctx context.Context, recipientID string, info *domain.RecipientInfo, now time.Time) {
	if info == nil {
		info = &domain.RecipientInfo{RecipientID: recipientID, FirstSeen: now}
	}
	info.TransactionCount++
	if err := a.cache.SetRecipientInfo(ctx, recipientID, info, a.ttl); err != nil {
		slog.Warn("recipient info write failed", "recipient_id", recipientID, "error", err)
	}
}
