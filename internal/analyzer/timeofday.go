package analyzer

import (
	"context"
	"strings"
	"time"

	"github.com/kestrelhq/kestrel/internal/domain"
)

// timeCap bounds the time method's raw score.
const timeCap = 0.25

// minHistoryForPatterns is the history size below which hour/day patterns
// are not derived.
const minHistoryForPatterns = 10

// holidays are fixed-date days with elevated fraud volume.
var holidays = map[[2]int]struct{}{
	{1, 1}:   {}, // Jan 1
	{7, 4}:   {}, // Jul 4
	{12, 25}: {}, // Dec 25
	{12, 31}: {}, // Dec 31
}

// TimeAnalyzer scores deviation from the user's hour and day patterns.
type TimeAnalyzer struct {
	weight float64
}

// NewTimeAnalyzer creates a time analyzer.
func NewTimeAnalyzer(weight float64) *TimeAnalyzer {
	return &TimeAnalyzer{weight: weight}
}

func (a *TimeAnalyzer) Method() domain.RiskMethod { return domain.MethodTime }

func (a *TimeAnalyzer) Analyze(ctx context.Context, event *domain.TransactionEvent, ac *domain.AnalysisContext) (*domain.RiskFactor, error) {
	ts := event.Timestamp
	hour := ts.Hour()
	day := int(ts.Weekday()) // 0 = Sunday
	weekend := day == 0 || day == 6

	var score float64
	var reasons []string
	details := map[string]any{"hour": hour, "dayOfWeek": day}

	preferredHours, preferredDays := preferredPatterns(ac.History)

	if len(preferredHours) == 0 {
		if hour >= 1 && hour <= 5 {
			score += 0.06
			reasons = append(reasons, "early-hours transfer with no pattern history")
		}
	} else if _, ok := preferredHours[hour]; !ok {
		dist := circularHourDistance(hour, preferredHours)
		switch {
		case dist >= 6:
			score += 0.10
			reasons = append(reasons, "far outside preferred hours")
		case dist >= 3:
			score += 0.05
			reasons = append(reasons, "outside preferred hours")
		}
	}

	if len(preferredDays) > 0 {
		if _, ok := preferredDays[day]; !ok {
			weekdayOnly := true
			for d := range preferredDays {
				if d == 0 || d == 6 {
					weekdayOnly = false
					break
				}
			}
			if weekend && weekdayOnly {
				score += 0.06
				reasons = append(reasons, "weekend transfer from weekday-only user")
			} else {
				score += 0.04
				reasons = append(reasons, "unusual day of week")
			}
		}
	}

	// Late night, regardless of patterns.
	switch {
	case hour >= 2 && hour <= 5:
		score += 0.08
		reasons = append(reasons, "late-night transfer")
	case hour == 0 || hour == 1:
		score += 0.04
		reasons = append(reasons, "midnight transfer")
	}

	// Weekend burst for a strictly-weekday user.
	if weekend && ac.History != nil && ac.History.TotalTransactions >= 50 {
		hasWeekend := false
		for _, tx := range ac.History.Transactions {
			wd := tx.Timestamp.Weekday()
			if wd == time.Saturday || wd == time.Sunday {
				hasWeekend = true
				break
			}
		}
		if !hasWeekend {
			score += 0.08
			reasons = append(reasons, "first weekend activity")
		}
	}

	if _, ok := holidays[[2]int{int(ts.Month()), ts.Day()}]; ok {
		score += 0.04
		reasons = append(reasons, "holiday transfer")
	}

	// Burst of activity at an unusual hour.
	if hour >= 1 && hour <= 5 && ac.History != nil {
		recent := 0
		for _, tx := range ac.History.Transactions {
			if ts.Sub(tx.Timestamp) <= time.Hour && ts.After(tx.Timestamp) {
				recent++
			}
		}
		if recent >= 3 {
			score += 0.10
			reasons = append(reasons, "activity burst at unusual hour")
		}
	}

	reason := "Timing consistent with history"
	if len(reasons) > 0 {
		reason = strings.Join(reasons, "; ")
	}

	return domain.NewRiskFactor(domain.MethodTime, capped(score, timeCap), a.weight, reason, details), nil
}

// preferredPatterns derives the user's habitual hours (share >= 10%) and
// days (share >= 5%). Requires at least ten historical transactions.
func preferredPatterns(h *domain.UserHistory) (hours map[int]struct{}, days map[int]struct{}) {
	hours = make(map[int]struct{})
	days = make(map[int]struct{})
	if h == nil || len(h.Transactions) < minHistoryForPatterns {
		return hours, days
	}

	hourCounts := make(map[int]int)
	dayCounts := make(map[int]int)
	for _, tx := range h.Transactions {
		hourCounts[tx.Timestamp.Hour()]++
		dayCounts[int(tx.Timestamp.Weekday())]++
	}

	total := float64(len(h.Transactions))
	for hr, n := range hourCounts {
		if float64(n)/total >= 0.10 {
			hours[hr] = struct{}{}
		}
	}
	for d, n := range dayCounts {
		if float64(n)/total >= 0.05 {
			days[d] = struct{}{}
		}
	}
	return hours, days
}

// circularHourDistance is the minimum wrap-around distance from hour to
// any preferred hour.
func circularHourDistance(hour int, preferred map[int]struct{}) int {
	best := 12
	for p := range preferred {
		d := hour - p
		if d < 0 {
			d = -d
		}
		if d > 12 {
			d = 24 - d
		}
		if d < best {
			best = d
		}
	}
	return best
}
