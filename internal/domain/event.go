package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrValidation marks events that must be dropped, never retried.
var ErrValidation = errors.New("validation failed")

// Event types on the wire.
const (
	EventTypeTransactionCreated    = "TransactionCreated"
	EventTypeFraudAnalysisComplete = "FraudAnalysisComplete"
	EventTypeFraudSuspected        = "FraudSuspected"
	EventTypeManualReviewRequired  = "ManualReviewRequired"
	EventTypeBlocklistMatch        = "BlocklistMatch"
)

// EventVersion is the envelope version stamped on every outbound message.
const EventVersion = "1.0"

// TransactionEvent is the inbound envelope from the transfers topic.
type TransactionEvent struct {
	EventType     string             `json:"eventType"`
	EventID       string             `json:"eventId"`
	Timestamp     time.Time          `json:"timestamp"`
	Version       string             `json:"version"`
	CorrelationID string             `json:"correlationId,omitempty"`
	Payload       TransactionPayload `json:"payload"`
}

// TransactionPayload carries the transfer under analysis.
type TransactionPayload struct {
	TransactionID        string          `json:"transactionId"`
	UserID               string          `json:"userId"`
	SourceAccountID      string          `json:"sourceAccountId"`
	DestinationAccountID string          `json:"destinationAccountId"`
	RecipientID          string          `json:"recipientId"`
	Amount               float64         `json:"amount"`
	Currency             string          `json:"currency"`
	Geographic           *GeoContext     `json:"geographic,omitempty"`
	Device               *DeviceContext  `json:"device,omitempty"`
	Metadata             json.RawMessage `json:"metadata,omitempty"`
}

// GeoContext is the optional location block of an inbound event.
type GeoContext struct {
	IP        string  `json:"ip,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Country   string  `json:"country,omitempty"`
	City      string  `json:"city,omitempty"`
}

// HasCoordinates reports whether both latitude and longitude were supplied.
func (g *GeoContext) HasCoordinates() bool {
	return g != nil && (g.Latitude != 0 || g.Longitude != 0)
}

// DeviceContext is the optional device block of an inbound event.
type DeviceContext struct {
	Fingerprint string `json:"fingerprint,omitempty"`
	UserAgent   string `json:"userAgent,omitempty"`
	DeviceID    string `json:"deviceId,omitempty"`
	DeviceType  string `json:"deviceType,omitempty"`
}

// Validate checks the fields without which the pipeline cannot run.
// A failure here is a poison pill: skip with a warning, never re-queue.
func (e *TransactionEvent) Validate() error {
	if e.EventType != EventTypeTransactionCreated {
		return fmt.Errorf("%w: unexpected eventType %q", ErrValidation, e.EventType)
	}
	if e.EventID == "" {
		return fmt.Errorf("%w: missing eventId", ErrValidation)
	}
	p := &e.Payload
	if p.TransactionID == "" {
		return fmt.Errorf("%w: missing transactionId", ErrValidation)
	}
	if p.UserID == "" {
		return fmt.Errorf("%w: missing userId", ErrValidation)
	}
	if p.SourceAccountID == "" || p.DestinationAccountID == "" {
		return fmt.Errorf("%w: missing account identifiers", ErrValidation)
	}
	if p.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %v", ErrValidation, p.Amount)
	}
	if len(p.Currency) != 3 {
		return fmt.Errorf("%w: currency must be ISO-4217, got %q", ErrValidation, p.Currency)
	}
	return nil
}

// OutboundEvent is the envelope published on the banking.fraud.* topics.
type OutboundEvent struct {
	EventType     string      `json:"eventType"`
	EventID       string      `json:"eventId"`
	Timestamp     time.Time   `json:"timestamp"`
	Version       string      `json:"version"`
	Service       string      `json:"service"`
	CorrelationID string      `json:"correlationId,omitempty"`
	Payload       interface{} `json:"payload"`
}

// ManualReviewRequest is the payload of a ManualReviewRequired event.
type ManualReviewRequest struct {
	AnalysisID    string   `json:"analysisId"`
	TransactionID string   `json:"transactionId"`
	UserID        string   `json:"userId"`
	Score         float64  `json:"score"`
	Decision      string   `json:"decision"`
	Priority      string   `json:"priority"` // HIGH when score > 0.8, else MEDIUM
	Reasons       []string `json:"reasons,omitempty"`
}
