package geo

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// MaxMindResolver resolves IPs against a GeoLite2/GeoIP2 City database.
type MaxMindResolver struct {
	city *geoip2.Reader
}

// NewMaxMindResolver opens the City database at path.
func NewMaxMindResolver(path string) (*MaxMindResolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open maxmind city db: %w", err)
	}
	return &MaxMindResolver{city: reader}, nil
}

// Resolve looks up an IP. Unparseable or unlocatable IPs yield nil.
func (r *MaxMindResolver) Resolve(ip string) (*Location, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("invalid ip %q", ip)
	}

	record, err := r.city.City(parsed)
	if err != nil {
		return nil, err
	}
	if record.Country.IsoCode == "" {
		return nil, nil
	}

	loc := &Location{
		Country:   record.Country.IsoCode,
		Latitude:  record.Location.Latitude,
		Longitude: record.Location.Longitude,
	}
	if name, ok := record.City.Names["en"]; ok {
		loc.City = name
	}
	return loc, nil
}

// Close releases the database.
func (r *MaxMindResolver) Close() error {
	return r.city.Close()
}
