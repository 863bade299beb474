// Package geoip provides a local, read-only IP-range -> location lookup
// backed by a SQLite file, the default GeoIP implementation a broker wires
// in at startup.
package geoip

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"net"

	_ "modernc.org/sqlite"
)

// Record is the location annotation returned for a queried IP. A Record
// with CountryCode "--" means the address fell outside every loaded range
// (private, reserved, or simply absent from the database).
type Record struct {
	CountryCode string
	CountryName string
	RegionCode  string
	RegionName  string
	City        string
}

// Unknown is returned for any address the database has no range for.
var Unknown = Record{CountryCode: "--", CountryName: "Unknown"}

// DB is a SQLite-backed GeoIP lookup table. The schema expected is a single
// table `ranges(start_ip INTEGER, end_ip INTEGER, country_code TEXT,
// country_name TEXT, region_code TEXT, region_name TEXT, city TEXT)` with
// start_ip/end_ip the big-endian uint32 bounds of an IPv4 range, ordered by
// start_ip so range queries can use an index.
type DB struct {
	conn *sql.DB
}

// Open opens the SQLite file at path read-only. Callers own Close.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("geoip: open %s: %w", path, err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("geoip: ping %s: %w", path, err)
	}
	return &DB{conn: conn}, nil
}

// Close releases the underlying database handle.
func (d *DB) Close() error { return d.conn.Close() }

// Lookup returns the Record for ip, or Unknown if ip is not IPv4, is
// unspecified/loopback/private, or falls outside every loaded range.
func (d *DB) Lookup(ip string) (Record, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Unknown, fmt.Errorf("geoip: %q is not an IP", ip)
	}
	v4 := parsed.To4()
	if v4 == nil || parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsUnspecified() {
		return Unknown, nil
	}
	key := binary.BigEndian.Uint32(v4)

	row := d.conn.QueryRow(
		`SELECT country_code, country_name, region_code, region_name, city
		 FROM ranges WHERE start_ip <= ? AND end_ip >= ? LIMIT 1`, key, key)

	var rec Record
	if err := row.Scan(&rec.CountryCode, &rec.CountryName, &rec.RegionCode, &rec.RegionName, &rec.City); err != nil {
		if err == sql.ErrNoRows {
			return Unknown, nil
		}
		return Unknown, fmt.Errorf("geoip: lookup %s: %w", ip, err)
	}
	return rec, nil
}
