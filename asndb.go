package aresolve

import (
	"net"
	"net/netip"

	"github.com/oschwald/maxminddb-golang"
	"github.com/pkg/errors"
)

// ASNAnnotator enriches housekeeping log lines with the autonomous system
// an entry's first address belongs to. It never participates in
// resolution or endpoint selection -- purely an operational aid, adapted
// from the teacher's ASNDB/geo-blocklist matcher for a database lookup
// instead of a blocklist decision.
type ASNAnnotator struct {
	db *maxminddb.Reader
}

// OpenASNAnnotator opens a MaxMind-format ASN database (e.g.
// GeoLite2-ASN.mmdb). The returned annotator must be closed by the host
// when the Cache is no longer needed.
func OpenASNAnnotator(path string) (*ASNAnnotator, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening asn database %q", path)
	}
	return &ASNAnnotator{db: db}, nil
}

type asnRecord struct {
	ASN          uint64 `maxminddb:"autonomous_system_number"`
	Organization string `maxminddb:"autonomous_system_organization"`
}

// Lookup returns the ASN and organization name for addr, or ok=false if
// the address has no entry in the database.
func (a *ASNAnnotator) Lookup(addr netip.Addr) (asn uint64, org string, ok bool) {
	if a == nil || a.db == nil {
		return 0, "", false
	}
	var rec asnRecord
	if err := a.db.Lookup(net.IP(addr.AsSlice()), &rec); err != nil {
		return 0, "", false
	}
	if rec.ASN == 0 {
		return 0, "", false
	}
	return rec.ASN, rec.Organization, true
}

// Close releases the underlying database file.
func (a *ASNAnnotator) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}
