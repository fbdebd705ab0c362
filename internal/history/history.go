// Package history builds the per-user context the analyzers read.
package history

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kestrelhq/kestrel/internal/domain"
	"github.com/kestrelhq/kestrel/internal/repository"
)

// snapshotSize is how many recent transactions the history snapshot holds.
const snapshotSize = 100

// Service loads UserHistory cache-through and derives the known-entity
// sets. All reads are fail-open: on store errors a zero-history is
// returned so the analyzers degrade instead of aborting.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
	ttl   time.Duration
}

// NewService creates a history service.
func NewService(repo domain.Repository, cache domain.Cache, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Service{repo: repo, cache: cache, ttl: ttl}
}

// Load returns the user's AnalysisContext: history snapshot plus the
// known-device, known-country, and trusted-recipient sets derived from it.
// A brand-new user gets a synthesized zero-history.
func (s *Service) Load(ctx context.Context, userID string) *domain.AnalysisContext {
	h := s.userHistory(ctx, userID)

	ac := &domain.AnalysisContext{
		History:           h,
		KnownDevices:      make(map[string]struct{}),
		KnownCountries:    make(map[string]struct{}),
		TrustedRecipients: make(map[string]struct{}),
	}

	// Derive known sets from the snapshot. A recipient is trusted after
	// three completed clean transfers.
	recipientCounts := make(map[string]int)
	for _, tx := range h.Transactions {
		if tx.DeviceFingerprint != "" {
			ac.KnownDevices[tx.DeviceFingerprint] = struct{}{}
		}
		if tx.Country != "" {
			ac.KnownCountries[tx.Country] = struct{}{}
		}
		if tx.RecipientID != "" && tx.FraudScore < 0.5 {
			recipientCounts[tx.RecipientID]++
		}
	}
	for recipient, n := range recipientCounts {
		if n >= 3 {
			ac.TrustedRecipients[recipient] = struct{}{}
		}
	}

	if flags, err := s.repo.CountConfirmedFraud(ctx, userID); err == nil {
		ac.PreviousFraudFlags = int(flags)
	} else {
		slog.Warn("failed to count confirmed fraud, degrading to zero",
			"user_id", userID,
			"error", err,
		)
	}

	return ac
}

// userHistory is the cache-through snapshot load.
func (s *Service) userHistory(ctx context.Context, userID string) *domain.UserHistory {
	cached, err := s.cache.GetUserHistory(ctx, userID)
	if err != nil {
		slog.Warn("history cache read failed", "user_id", userID, "error", err)
	}
	if cached != nil {
		return cached
	}

	txs, err := s.repo.GetRecentTransactions(ctx, userID, snapshotSize)
	if err != nil {
		slog.Warn("history load failed, degrading to zero-history",
			"user_id", userID,
			"error", err,
		)
		return domain.NewUserHistory(userID, nil, time.Time{})
	}

	firstSeen, err := s.repo.GetUserFirstSeen(ctx, userID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		slog.Warn("first-seen load failed", "user_id", userID, "error", err)
	}

	h := domain.NewUserHistory(userID, txs, firstSeen)

	if err := s.cache.SetUserHistory(ctx, userID, h, s.ttl); err != nil {
		slog.Warn("history cache write failed", "user_id", userID, "error", err)
	}

	return h
}

// Record appends the analyzed transaction to the mirror and invalidates
// the cached snapshot so the next analysis sees it.
func (s *Service) Record(ctx context.Context, userID string, tx *domain.HistoricalTransaction) {
	if err := s.repo.SaveTransaction(ctx, userID, tx); err != nil {
		slog.Warn("failed to mirror transaction",
			"user_id", userID,
			"tx_id", tx.TransactionID,
			"error", err,
		)
	}
	if err := s.cache.InvalidateUserHistory(ctx, userID); err != nil {
		slog.Warn("failed to invalidate history cache",
			"user_id", userID,
			"error", err,
		)
	}
}
