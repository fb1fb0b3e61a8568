package geoip

import (
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Provider wraps the GeoIP2 database reader for country lookups on session
// real addresses.
type Provider struct {
	db *geoip2.Reader
}

// Open initializes the GeoIP database reader from a file path.
func Open(path string) (*Provider, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}

	return &Provider{db: db}, nil
}

// Close closes the underlying GeoIP database reader.
func (p *Provider) Close() error {
	return p.db.Close()
}

// CountryCode looks up the ISO country code for an address as it appears in
// status output: either a bare IP or "ip:port". Returns an empty string
// when the address is unparsable or the country unknown.
func (p *Provider) CountryCode(addr string) string {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}

	record, err := p.db.Country(ip)
	if err != nil {
		return ""
	}

	return record.Country.IsoCode
}
