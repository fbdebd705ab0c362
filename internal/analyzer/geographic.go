package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kestrelhq/kestrel/internal/domain"
	"github.com/kestrelhq/kestrel/internal/geo"
)

// geoCap bounds the geographic method's raw score.
const geoCap = 0.50

// lastGeoTTL keeps the last-seen location long enough to catch slow
// impossible-travel pairs.
const lastGeoTTL = 7 * 24 * time.Hour

// GeographicAnalyzer checks impossible travel, new countries, and
// high-risk jurisdictions.
type GeographicAnalyzer struct {
	cache    domain.Cache
	resolver geo.Resolver
	vpn      geo.VPNIndicator
	highRisk map[string]float64
	cfg      domain.GeoConfig
	weight   float64
}

// NewGeographicAnalyzer creates a geographic analyzer. highRisk maps
// ISO country codes to their policy scores.
func NewGeographicAnalyzer(cache domain.Cache, resolver geo.Resolver, vpn geo.VPNIndicator, highRisk map[string]float64, cfg domain.GeoConfig, weight float64) *GeographicAnalyzer {
	if resolver == nil {
		resolver = geo.NoopResolver{}
	}
	if vpn == nil {
		vpn = geo.NoopVPNIndicator{}
	}
	return &GeographicAnalyzer{
		cache:    cache,
		resolver: resolver,
		vpn:      vpn,
		highRisk: highRisk,
		cfg:      cfg,
		weight:   weight,
	}
}

func (a *GeographicAnalyzer) Method() domain.RiskMethod { return domain.MethodGeographic }

func (a *GeographicAnalyzer) Analyze(ctx context.Context, event *domain.TransactionEvent, ac *domain.AnalysisContext) (*domain.RiskFactor, error) {
	g := event.Payload.Geographic
	outcome := &domain.GeoOutcome{}
	ac.Geo = outcome

	country, lat, lon := a.resolveLocation(g)
	outcome.Country = country

	if country == "" {
		return domain.NewRiskFactor(domain.MethodGeographic, 0, a.weight,
			"No geographic data", nil), nil
	}

	var score float64
	var reasons []string
	details := map[string]any{"country": country}

	// Impossible travel against the last recorded transaction.
	last, err := a.cache.GetLastGeo(ctx, event.Payload.UserID)
	if err != nil {
		slog.Warn("last-geo read failed", "user_id", event.Payload.UserID, "error", err)
	}
	if last == nil {
		// Fall back to the newest history entry; it carries no
		// coordinates, so only the country check applies.
		if recent := historyLastGeo(ac.History); recent != nil {
			last = recent
		}
	}

	if last != nil && last.Country != "" && last.Country != country {
		hours := event.Timestamp.Sub(last.Timestamp).Hours()
		if hours >= 0 {
			triggered := hours < a.cfg.ImpossibleTravelHours

			if !triggered && g.HasCoordinates() && (last.Latitude != 0 || last.Longitude != 0) && hours > 0 {
				distance := geo.HaversineKm(last.Latitude, last.Longitude, lat, lon)
				outcome.DistanceFromLastKm = distance
				details["distanceKm"] = distance
				if distance/hours > a.cfg.MaxReasonableSpeedKmH {
					triggered = true
				}
			}

			if triggered {
				outcome.ImpossibleTravel = true
				score += 0.35
				reasons = append(reasons, fmt.Sprintf("impossible travel %s to %s in %.1fh", last.Country, country, hours))
			}
		}
	}

	// First appearance of this country for the user.
	if len(ac.KnownCountries) > 0 {
		if _, known := ac.KnownCountries[country]; !known {
			outcome.NewCountry = true
			score += 0.15
			reasons = append(reasons, "new country "+country)
		}
	}

	// High-risk jurisdiction policy table.
	if add, ok := a.highRisk[country]; ok {
		score += add
		reasons = append(reasons, "high-risk country "+country)
	}

	// Anonymized source address.
	if g != nil && g.IP != "" && a.vpn.IsAnonymized(g.IP) {
		score += 0.10
		reasons = append(reasons, "anonymized IP")
	}

	// Record the current location for the next transfer's travel check.
	point := &domain.GeoPoint{
		Latitude:  lat,
		Longitude: lon,
		Country:   country,
		Timestamp: event.Timestamp,
	}
	if err := a.cache.SetLastGeo(ctx, event.Payload.UserID, point, lastGeoTTL); err != nil {
		slog.Warn("last-geo write failed", "user_id", event.Payload.UserID, "error", err)
	}

	reason := "Location consistent with history"
	if len(reasons) > 0 {
		reason = strings.Join(reasons, "; ")
	}

	return domain.NewRiskFactor(domain.MethodGeographic, capped(score, geoCap), a.weight, reason, details), nil
}

// resolveLocation prefers the payload country and falls back to IP lookup.
func (a *GeographicAnalyzer) resolveLocation(g *domain.GeoContext) (country string, lat, lon float64) {
	if g == nil {
		return "", 0, 0
	}
	if g.Country != "" {
		return strings.ToUpper(g.Country), g.Latitude, g.Longitude
	}
	if g.IP == "" {
		return "", 0, 0
	}

	loc, err := a.resolver.Resolve(g.IP)
	if err != nil || loc == nil {
		return "", 0, 0
	}
	return strings.ToUpper(loc.Country), loc.Latitude, loc.Longitude
}

// historyLastGeo synthesizes a coordinate-less GeoPoint from the newest
// history transaction.
func historyLastGeo(h *domain.UserHistory) *domain.GeoPoint {
	if h == nil {
		return nil
	}
	recent := h.MostRecent()
	if recent == nil || recent.Country == "" {
		return nil
	}
	return &domain.GeoPoint{Country: recent.Country, Timestamp: recent.Timestamp}
}
