// Package blocklist provides the authoritative blocklist with a
// cache-through hashed index.
package blocklist

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kestrelhq/kestrel/internal/domain"
	"github.com/kestrelhq/kestrel/internal/repository"
)

// Store wraps the persisted blocklist behind the shared cache. Positive
// hits short-circuit the database; negative results are never cached.
type Store struct {
	repo     domain.Repository
	cache    domain.Cache
	cacheTTL time.Duration
	cipher   *fieldCipher
}

// NewStore creates a blocklist store.
func NewStore(repo domain.Repository, cache domain.Cache, cacheTTL time.Duration) *Store {
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	return &Store{repo: repo, cache: cache, cacheTTL: cacheTTL}
}

// WithEncryption enables at-rest encryption of entry plaintext. Matching
// is unaffected: lookups always go through the value hash.
func (s *Store) WithEncryption(key string) error {
	c, err := newFieldCipher(key)
	if err != nil {
		return err
	}
	s.cipher = c
	return nil
}

// Lookup returns the active entry matching (type, value), or nil.
// The value is hashed before any lookup; plaintext never reaches the
// cache keyspace or the index.
func (s *Store) Lookup(ctx context.Context, typ domain.BlocklistType, value string) (*domain.BlocklistEntry, error) {
	if value == "" {
		return nil, nil
	}

	// Cache short-circuit. A positive hit skips the database entirely;
	// a cache transport error falls through instead of failing the lookup.
	hit, err := s.cache.IsInBlocklist(ctx, typ, value)
	if err != nil {
		slog.Warn("blocklist cache unavailable, falling through",
			"type", typ,
			"error", err,
		)
	}
	if hit {
		return &domain.BlocklistEntry{
			Type:      typ,
			ValueHash: domain.HashValue(value),
			IsActive:  true,
			Reason:    "cached match",
		}, nil
	}

	entry, err := s.repo.GetBlocklistEntry(ctx, typ, domain.HashValue(value))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if !entry.IsActive || entry.Expired(time.Now().UTC()) {
		return nil, nil
	}

	if err := s.cache.AddToBlocklistCache(ctx, typ, value, s.cacheTTL); err != nil {
		slog.Warn("failed to cache blocklist hit", "type", typ, "error", err)
	}

	return entry, nil
}

// RecordMatch bumps the entry's match counter and last-match timestamp.
// Entries synthesized from a cache hit carry no ID; those are resolved by
// hash first. At-least-once: redelivery may double-count, acceptable.
func (s *Store) RecordMatch(ctx context.Context, entry *domain.BlocklistEntry) {
	if entry == nil {
		return
	}

	id := entry.ID
	if id == "" && entry.ValueHash != "" {
		persisted, err := s.repo.GetBlocklistEntry(ctx, entry.Type, entry.ValueHash)
		if err != nil {
			slog.Warn("failed to resolve blocklist entry for match",
				"type", entry.Type,
				"error", err,
			)
			return
		}
		id = persisted.ID
	}
	if id == "" {
		return
	}

	if err := s.repo.RecordBlocklistMatch(ctx, id, time.Now().UTC()); err != nil {
		slog.Warn("failed to record blocklist match",
			"entry_id", id,
			"error", err,
		)
	}
}

// Add inserts a new blocklist entry and primes the cache. The hash is
// always taken over the plaintext; the stored value is encrypted when a
// field key is configured.
func (s *Store) Add(ctx context.Context, entry *domain.BlocklistEntry) error {
	plaintext := entry.Value
	if entry.ValueHash == "" && plaintext != "" {
		entry.ValueHash = domain.HashValue(plaintext)
	}

	if s.cipher != nil && plaintext != "" {
		sealed, err := s.cipher.seal(plaintext)
		if err != nil {
			return err
		}
		entry.Value = sealed
	}

	if err := s.repo.AddBlocklistEntry(ctx, entry); err != nil {
		entry.Value = plaintext
		return err
	}
	entry.Value = plaintext

	if entry.IsActive && plaintext != "" {
		_ = s.cache.AddToBlocklistCache(ctx, entry.Type, plaintext, s.cacheTTL)
	}
	return nil
}

// Deactivate soft-deletes an entry. The cached positive lapses with its
// TTL; until then Lookup still matches the value from the cache without
// reading the database.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	return s.repo.DeactivateBlocklistEntry(ctx, id)
}
