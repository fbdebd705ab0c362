package domain

import (
	"math"
	"time"
)

// HistoricalTransaction is one entry of a user's recent-transaction snapshot.
type HistoricalTransaction struct {
	TransactionID     string    `json:"transactionId"`
	Amount            float64   `json:"amount"`
	RecipientID       string    `json:"recipientId"`
	Country           string    `json:"country,omitempty"`
	DeviceFingerprint string    `json:"deviceFingerprint,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	FraudScore        float64   `json:"fraudScore"`
}

// UserHistory is the derived snapshot the analyzers read. Cached with a
// configured TTL and invalidated on each new completed analysis.
type UserHistory struct {
	UserID            string                  `json:"userId"`
	Transactions      []HistoricalTransaction `json:"transactions"`
	TotalTransactions int                     `json:"totalTransactions"`
	AverageAmount     float64                 `json:"averageAmount"`
	MaxAmount         float64                 `json:"maxAmount"`
	MinAmount         float64                 `json:"minAmount"`
	StdDeviation      float64                 `json:"stdDeviation"`
	UniqueRecipients  int                     `json:"uniqueRecipients"`
	UniqueCountries   int                     `json:"uniqueCountries"`
	UniqueDevices     int                     `json:"uniqueDevices"`
	AccountCreatedAt  time.Time               `json:"accountCreatedAt"`
	LastTransactionAt time.Time               `json:"lastTransactionAt"`
}

// NewUserHistory derives the statistics block from a transaction snapshot.
// An empty snapshot yields the zero-history used for brand-new users.
func NewUserHistory(userID string, txs []HistoricalTransaction, accountCreatedAt time.Time) *UserHistory {
	h := &UserHistory{
		UserID:            userID,
		Transactions:      txs,
		TotalTransactions: len(txs),
		AccountCreatedAt:  accountCreatedAt,
	}
	if len(txs) == 0 {
		return h
	}

	recipients := make(map[string]struct{})
	countries := make(map[string]struct{})
	devices := make(map[string]struct{})

	var sum float64
	h.MinAmount = txs[0].Amount
	for _, tx := range txs {
		sum += tx.Amount
		if tx.Amount > h.MaxAmount {
			h.MaxAmount = tx.Amount
		}
		if tx.Amount < h.MinAmount {
			h.MinAmount = tx.Amount
		}
		if tx.RecipientID != "" {
			recipients[tx.RecipientID] = struct{}{}
		}
		if tx.Country != "" {
			countries[tx.Country] = struct{}{}
		}
		if tx.DeviceFingerprint != "" {
			devices[tx.DeviceFingerprint] = struct{}{}
		}
		if tx.Timestamp.After(h.LastTransactionAt) {
			h.LastTransactionAt = tx.Timestamp
		}
	}
	h.AverageAmount = sum / float64(len(txs))

	var variance float64
	for _, tx := range txs {
		d := tx.Amount - h.AverageAmount
		variance += d * d
	}
	h.StdDeviation = math.Sqrt(variance / float64(len(txs)))

	h.UniqueRecipients = len(recipients)
	h.UniqueCountries = len(countries)
	h.UniqueDevices = len(devices)
	return h
}

// MostRecent returns the newest transaction in the snapshot, or nil.
func (h *UserHistory) MostRecent() *HistoricalTransaction {
	var latest *HistoricalTransaction
	for i := range h.Transactions {
		if latest == nil || h.Transactions[i].Timestamp.After(latest.Timestamp) {
			latest = &h.Transactions[i]
		}
	}
	return latest
}

// AccountAgeDays returns the account age relative to now.
func (h *UserHistory) AccountAgeDays(now time.Time) float64 {
	if h.AccountCreatedAt.IsZero() {
		return 0
	}
	return now.Sub(h.AccountCreatedAt).Hours() / 24
}

// VelocityWindow names one of the sliding counter windows.
type VelocityWindow string

const (
	WindowFiveMinutes     VelocityWindow = "5m"
	WindowOneHour         VelocityWindow = "1h"
	WindowTwentyFourHours VelocityWindow = "24h"
)

// Windows lists all velocity windows in ascending order.
func Windows() []VelocityWindow {
	return []VelocityWindow{WindowFiveMinutes, WindowOneHour, WindowTwentyFourHours}
}

// Duration is the window length, which is also the counter TTL.
func (w VelocityWindow) Duration() time.Duration {
	switch w {
	case WindowFiveMinutes:
		return 5 * time.Minute
	case WindowOneHour:
		return time.Hour
	case WindowTwentyFourHours:
		return 24 * time.Hour
	}
	return 0
}

// VelocityStat is the (count, amount-sum) pair for one window.
type VelocityStat struct {
	Count       int64   `json:"count"`
	TotalAmount float64 `json:"totalAmount"`
}

// VelocitySnapshot holds the post-increment counters for all windows.
type VelocitySnapshot struct {
	FiveMin            VelocityStat `json:"fiveMin"`
	OneHour            VelocityStat `json:"oneHour"`
	TwentyFour         VelocityStat `json:"twentyFour"`
	UniqueRecipients5m int64        `json:"uniqueRecipients5m"`
}

// Stat returns the counters for a window.
func (s *VelocitySnapshot) Stat(w VelocityWindow) VelocityStat {
	switch w {
	case WindowFiveMinutes:
		return s.FiveMin
	case WindowOneHour:
		return s.OneHour
	case WindowTwentyFourHours:
		return s.TwentyFour
	}
	return VelocityStat{}
}

// DeviceInfo is the cached device reputation record.
type DeviceInfo struct {
	Fingerprint string    `json:"fingerprint"`
	TrustScore  float64   `json:"trustScore"`
	FirstSeen   time.Time `json:"firstSeen"`
	LastSeen    time.Time `json:"lastSeen"`
	UserCount   int       `json:"userCount"`
}

// RecipientInfo is the cached recipient reputation record.
type RecipientInfo struct {
	RecipientID      string    `json:"recipientId"`
	RiskScore        float64   `json:"riskScore"`
	TransactionCount int64     `json:"transactionCount"`
	FirstSeen        time.Time `json:"firstSeen"`
	AccountCreatedAt time.Time `json:"accountCreatedAt,omitempty"`
	Verified         bool      `json:"verified"`
	Country          string    `json:"country,omitempty"`
}

// GeoPoint is the cached last-seen location of a user, consulted for
// travel-speed checks and the distance-from-last-transaction feature.
type GeoPoint struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Country   string    `json:"country"`
	Timestamp time.Time `json:"timestamp"`
}

// GeoOutcome is what the geographic analyzer records for the ML features.
type GeoOutcome struct {
	Country            string  `json:"country"`
	NewCountry         bool    `json:"newCountry"`
	DistanceFromLastKm float64 `json:"distanceFromLastKm"`
	ImpossibleTravel   bool    `json:"impossibleTravel"`
}

// AnalysisContext is the per-transaction shared state. The context-load
// fields are read-only during fan-out; each outcome pointer is written by
// exactly one analyzer and read only after the fan-in barrier.
type AnalysisContext struct {
	History            *UserHistory
	KnownDevices       map[string]struct{}
	KnownCountries     map[string]struct{}
	TrustedRecipients  map[string]struct{}
	PreviousFraudFlags int

	// Written by the owning analyzer during fan-out.
	Velocity  *VelocitySnapshot
	Geo       *GeoOutcome
	Recipient *RecipientInfo
	Device    *DeviceInfo
}
