package ml

import (
	"time"

	"github.com/kestrelhq/kestrel/internal/domain"
)

// FeatureVector is the fixed 26-feature model input. Field order is the
// wire contract with the training pipeline; never reorder.
type FeatureVector struct {
	TxCountFiveMin         float64
	TxCountOneHour         float64
	TxCountTwentyFourHours float64
	AmountFiveMin          float64
	AmountOneHour          float64
	AmountTwentyFourHours  float64
	Amount                 float64
	AmountRatioToAvg       float64
	AmountRatioToMax       float64
	AmountZScore           float64
	IsNewCountry           float64
	DistanceFromLastTx     float64
	ImpossibleTravel       float64
	HourOfDay              float64
	DayOfWeek              float64
	IsUnusualHour          float64
	TimeSinceLastTx        float64 // milliseconds
	IsNewRecipient         float64
	RecipientRiskScore     float64
	RecipientTxCount       float64
	IsNewDevice            float64
	DeviceTrustScore       float64
	AccountAge             float64 // days
	TotalTxCount           float64
	AvgTxAmount            float64
	PreviousFraudFlags     float64
}

// Values returns the features in wire order.
func (f *FeatureVector) Values() [26]float64 {
	return [26]float64{
		f.TxCountFiveMin, f.TxCountOneHour, f.TxCountTwentyFourHours,
		f.AmountFiveMin, f.AmountOneHour, f.AmountTwentyFourHours,
		f.Amount, f.AmountRatioToAvg, f.AmountRatioToMax, f.AmountZScore,
		f.IsNewCountry, f.DistanceFromLastTx, f.ImpossibleTravel,
		f.HourOfDay, f.DayOfWeek, f.IsUnusualHour, f.TimeSinceLastTx,
		f.IsNewRecipient, f.RecipientRiskScore, f.RecipientTxCount,
		f.IsNewDevice, f.DeviceTrustScore, f.AccountAge,
		f.TotalTxCount, f.AvgTxAmount, f.PreviousFraudFlags,
	}
}

// BuildFeatures derives the model input from the event and the rule
// analyzers' outcomes. It runs after fan-in, so the context outcome
// pointers are stable.
func BuildFeatures(event *domain.TransactionEvent, ac *domain.AnalysisContext) *FeatureVector {
	f := &FeatureVector{
		Amount:    event.Payload.Amount,
		HourOfDay: float64(event.Timestamp.Hour()),
		DayOfWeek: float64(event.Timestamp.Weekday()),
	}

	hour := event.Timestamp.Hour()
	if hour >= 1 && hour <= 5 {
		f.IsUnusualHour = 1
	}

	if v := ac.Velocity; v != nil {
		f.TxCountFiveMin = float64(v.FiveMin.Count)
		f.TxCountOneHour = float64(v.OneHour.Count)
		f.TxCountTwentyFourHours = float64(v.TwentyFour.Count)
		f.AmountFiveMin = v.FiveMin.TotalAmount
		f.AmountOneHour = v.OneHour.TotalAmount
		f.AmountTwentyFourHours = v.TwentyFour.TotalAmount
	}

	if h := ac.History; h != nil {
		if h.AverageAmount > 0 {
			f.AmountRatioToAvg = event.Payload.Amount / h.AverageAmount
		}
		if h.MaxAmount > 0 {
			f.AmountRatioToMax = event.Payload.Amount / h.MaxAmount
		}
		if h.StdDeviation > 0 {
			f.AmountZScore = (event.Payload.Amount - h.AverageAmount) / h.StdDeviation
		}
		if !h.LastTransactionAt.IsZero() {
			f.TimeSinceLastTx = float64(event.Timestamp.Sub(h.LastTransactionAt) / time.Millisecond)
		}
		f.AccountAge = h.AccountAgeDays(event.Timestamp)
		f.TotalTxCount = float64(h.TotalTransactions)
		f.AvgTxAmount = h.AverageAmount

		newRecipient := true
		for _, tx := range h.Transactions {
			if tx.RecipientID == event.Payload.RecipientID {
				newRecipient = false
				break
			}
		}
		if newRecipient {
			f.IsNewRecipient = 1
		}
	}

	if g := ac.Geo; g != nil {
		if g.NewCountry {
			f.IsNewCountry = 1
		}
		if g.ImpossibleTravel {
			f.ImpossibleTravel = 1
		}
		f.DistanceFromLastTx = g.DistanceFromLastKm
	}

	if r := ac.Recipient; r != nil {
		f.RecipientRiskScore = r.RiskScore
		f.RecipientTxCount = float64(r.TransactionCount)
	}

	f.DeviceTrustScore = 1.0
	if d := ac.Device; d != nil {
		f.DeviceTrustScore = d.TrustScore
	}
	if d := event.Payload.Device; d != nil && d.Fingerprint != "" {
		if _, known := ac.KnownDevices[d.Fingerprint]; !known {
			f.IsNewDevice = 1
		}
	}

	f.PreviousFraudFlags = float64(ac.PreviousFraudFlags)

	return f
}
