// Package geoip answers country lookups from a MaxMind MMDB file.
package geoip

import (
	"net"
	"net/netip"

	"github.com/oschwald/maxminddb-golang"
	log "github.com/sirupsen/logrus"
)

// DB wraps an open MMDB reader. A nil *DB is valid and reports every
// address as unknown.
type DB struct {
	reader *maxminddb.Reader
}

func Open(path string) (*DB, error) {
	r, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &DB{reader: r}, nil
}

// Country returns the ISO country code for ip, or "" when unknown.
func (d *DB) Country(ip netip.Addr) string {
	if d == nil || d.reader == nil {
		return ""
	}

	var rec struct {
		Country struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
	}

	if err := d.reader.Lookup(net.IP(ip.Unmap().AsSlice()), &rec); err != nil {
		log.Warnf("geoip lookup failed for %v: %v", ip, err)
		return ""
	}

	return rec.Country.ISOCode
}

func (d *DB) Close() error {
	if d == nil || d.reader == nil {
		return nil
	}
	return d.reader.Close()
}
