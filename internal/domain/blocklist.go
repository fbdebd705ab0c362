package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// BlocklistType is the kind of value a blocklist entry matches.
type BlocklistType string

const (
	BlocklistAccount   BlocklistType = "ACCOUNT"
	BlocklistDevice    BlocklistType = "DEVICE"
	BlocklistIP        BlocklistType = "IP"
	BlocklistRecipient BlocklistType = "RECIPIENT"
	BlocklistEmail     BlocklistType = "EMAIL"
	BlocklistPhone     BlocklistType = "PHONE"
)

// BlocklistEntry is the persisted blocklist record. Lookup is always by
// (type, valueHash); the plaintext value is never required for a match.
type BlocklistEntry struct {
	ID          string        `json:"id"`
	Type        BlocklistType `json:"type"`
	Value       string        `json:"value,omitempty"`
	ValueHash   string        `json:"valueHash"`
	Reason      string        `json:"reason"`
	Severity    string        `json:"severity"`
	Source      string        `json:"source"`
	IsActive    bool          `json:"isActive"`
	ExpiresAt   *time.Time    `json:"expiresAt,omitempty"`
	MatchCount  int64         `json:"matchCount"`
	LastMatchAt *time.Time    `json:"lastMatchAt,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// Expired reports whether the entry has lapsed.
func (e *BlocklistEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// HashValue returns the SHA-256 hex digest used as the blocklist index key.
func HashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// ShortHash truncates a value hash to 16 hex chars for cache keys, so raw
// fingerprints and blocklist values never appear in the cache keyspace.
func ShortHash(value string) string {
	return HashValue(value)[:16]
}
