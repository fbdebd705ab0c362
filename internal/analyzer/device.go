package analyzer

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelhq/kestrel/internal/blocklist"
	"github.com/kestrelhq/kestrel/internal/domain"
)

// deviceCap bounds the device method's raw score. A blocklist hit bypasses
// the cap entirely.
const deviceCap = 0.40

// unknownDeviceScore is the neutral raw score when no device data arrived.
const unknownDeviceScore = 0.12

// automationMarkers are user-agent substrings of headless browsers and
// crawlers.
var automationMarkers = []string{
	"headlesschrome", "phantomjs", "selenium", "puppeteer",
	"playwright", "crawl", "bot", "spider",
}

// anonymizerMarkers are user-agent substrings of proxy and anonymizer
// tooling.
var anonymizerMarkers = []string{"proxy", "vpn", "tor", "anonymous"}

// DeviceAnalyzer scores the presenting device: fingerprint reputation,
// user-agent heuristics, and the device blocklist gate.
type DeviceAnalyzer struct {
	cache     domain.Cache
	blocklist *blocklist.Store
	ttl       time.Duration
	weight    float64
}

// NewDeviceAnalyzer creates a device analyzer.
func NewDeviceAnalyzer(cache domain.Cache, bl *blocklist.Store, deviceTTL time.Duration, weight float64) *DeviceAnalyzer {
	return &DeviceAnalyzer{cache: cache, blocklist: bl, ttl: deviceTTL, weight: weight}
}

func (a *DeviceAnalyzer) Method() domain.RiskMethod { return domain.MethodDevice }

func (a *DeviceAnalyzer) Analyze(ctx context.Context, event *domain.TransactionEvent, ac *domain.AnalysisContext) (*domain.RiskFactor, error) {
	device := event.Payload.Device

	var fingerprint, userAgent string
	if device != nil {
		fingerprint = device.Fingerprint
		userAgent = device.UserAgent
	}

	if fingerprint == "" && userAgent == "" {
		return domain.NewRiskFactor(domain.MethodDevice, unknownDeviceScore, a.weight,
			"No device data", nil), nil
	}

	// Blocklist short-circuit on the fingerprint.
	if fingerprint != "" {
		if entry, err := a.blocklist.Lookup(ctx, domain.BlocklistDevice, fingerprint); err == nil && entry != nil {
			a.blocklist.RecordMatch(ctx, entry)
			return &domain.RiskFactor{
				Method:           domain.MethodDevice,
				RawScore:         1.0,
				Weight:           1.0,
				ContributedScore: 1.0,
				Reason:           "Device is blocklisted",
				Details: map[string]any{
					"blocklistType": string(domain.BlocklistDevice),
					"valueHash":     entry.ValueHash,
				},
			}, nil
		} else if err != nil {
			slog.Warn("device blocklist lookup failed", "error", err)
		}
	}

	var score float64
	var reasons []string
	details := map[string]any{}

	newDevice := false
	if fingerprint != "" {
		if _, known := ac.KnownDevices[fingerprint]; !known {
			newDevice = true
			if len(ac.KnownDevices) > 0 {
				score += 0.12
				reasons = append(reasons, "unrecognized device")
			} else {
				score += 0.06
				reasons = append(reasons, "first recorded device")
			}
		}

		info, err := a.cache.GetDeviceInfo(ctx, fingerprint)
		if err != nil {
			slog.Warn("device info read failed", "error", err)
		}
		if info != nil && info.TrustScore < 0.5 {
			score += (1 - info.TrustScore) * 0.15
			reasons = append(reasons, "low device trust score")
		}
		ac.Device = info
		a.touchDevice(ctx, fingerprint, info, event.Timestamp)

		score += fingerprintQuality(fingerprint, &reasons)
	}

	if userAgent != "" {
		score += userAgentScore(userAgent, &reasons)
	}

	// A long-stable device pattern suddenly broken.
	if newDevice && ac.History != nil &&
		len(ac.KnownDevices) > 0 && len(ac.KnownDevices) <= 2 &&
		ac.History.TotalTransactions >= 50 {
		score += 0.10
		reasons = append(reasons, "stable device pattern disrupted")
	}

	reason := "Device consistent with history"
	if len(reasons) > 0 {
		reason = strings.Join(reasons, "; ")
	}

	return domain.NewRiskFactor(domain.MethodDevice, capped(score, deviceCap), a.weight, reason, details), nil
}

// userAgentScore applies the user-agent heuristics.
func userAgentScore(ua string, reasons *[]string) float64 {
	lower := strings.ToLower(ua)
	var score float64

	for _, marker := range automationMarkers {
		if strings.Contains(lower, marker) {
			score += 0.25
			*reasons = append(*reasons, "automation tool user-agent")
			break
		}
	}

	if major, ok := browserMajor(ua, "Chrome/"); ok && major < 70 {
		score += 0.08
		*reasons = append(*reasons, "outdated Chrome")
	} else if major, ok := browserMajor(ua, "Firefox/"); ok && major < 60 {
		score += 0.08
		*reasons = append(*reasons, "outdated Firefox")
	}

	if strings.Contains(lower, "linux") &&
		!strings.Contains(lower, "chrome") && !strings.Contains(lower, "firefox") {
		score += 0.05
		*reasons = append(*reasons, "unusual Linux browser")
	}

	if len(ua) < 20 {
		score += 0.15
		*reasons = append(*reasons, "truncated user-agent")
	}

	for _, marker := range anonymizerMarkers {
		if strings.Contains(lower, marker) {
			score += 0.10
			*reasons = append(*reasons, "anonymizer user-agent")
			break
		}
	}

	return score
}

// browserMajor extracts the major version after a "Name/" marker.
func browserMajor(ua, marker string) (int, bool) {
	idx := strings.Index(ua, marker)
	if idx < 0 {
		return 0, false
	}
	rest := ua[idx+len(marker):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	major, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0, false
	}
	return major, true
}

// fingerprintQuality scores degenerate fingerprints that suggest spoofing.
func fingerprintQuality(fp string, reasons *[]string) float64 {
	var score float64

	if len(fp) < 16 {
		score += 0.15
		*reasons = append(*reasons, "short fingerprint")
	}

	unique := make(map[rune]struct{})
	allZero := true
	for _, r := range fp {
		unique[r] = struct{}{}
		if r != '0' {
			allZero = false
		}
	}
	if len(unique) < 4 {
		score += 0.20
		*reasons = append(*reasons, "low-entropy fingerprint")
	}
	if len(unique) == 1 || allZero {
		score += 0.25
		*reasons = append(*reasons, "degenerate fingerprint")
	}

	return score
}

// touchDevice refreshes the cached device record.
func (a *DeviceAnalyzer) touchDevice(ctx context.Context, fingerprint string, info *domain.DeviceInfo, now time.Time) {
	if info == nil {
		info = &domain.DeviceInfo{
			Fingerprint: domain.ShortHash(fingerprint),
			TrustScore:  1.0,
			FirstSeen:   now,
			UserCount:   1,
		}
	}
	info.LastSeen = now
	if err := a.cache.SetDeviceInfo(ctx, fingerprint, info, a.ttl); err != nil {
		slog.Warn("device info write failed", "error", err)
	}
}
