package geo

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
)

// offlineTable is the local, offline-loadable CIDR→location table
// consulted before any network call. Loaded from a flat file so it
// can be refreshed without a code change or a network-reachable
// geolocation service.
type offlineTable struct {
	entries []cidrEntry
}

type cidrEntry struct {
	net      *net.IPNet
	location Location
}

// NewEmptyOfflineTable is used when no offline CIDR file is
// configured — every lookup falls through to the remote fallback.
func NewEmptyOfflineTable() *offlineTable {
	return &offlineTable{}
}

// LoadOfflineTable reads a CIDR table from a CSV-like flat file:
// one entry per line, "cidr,country,region,city". Blank lines and
// lines starting with '#' are skipped.
func LoadOfflineTable(path string) (*offlineTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geo: open offline table: %w", err)
	}
	defer f.Close()

	t := &offlineTable{}
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 1 {
			continue
		}
		_, cidr, err := net.ParseCIDR(strings.TrimSpace(fields[0]))
		if err != nil {
			return nil, fmt.Errorf("geo: offline table line %d: %w", lineNo, err)
		}
		loc := Location{}
		if len(fields) > 1 {
			loc.Country = strings.TrimSpace(fields[1])
		}
		if len(fields) > 2 {
			loc.Region = strings.TrimSpace(fields[2])
		}
		if len(fields) > 3 {
			loc.City = strings.TrimSpace(fields[3])
		}
		loc.RawLabel = loc.label()
		t.entries = append(t.entries, cidrEntry{net: cidr, location: loc})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("geo: scan offline table: %w", err)
	}
	return t, nil
}

// lookup returns the first entry, in file order, whose CIDR contains
// ip; it does not search for the longest matching prefix.
func (t *offlineTable) lookup(ip net.IP) (Location, bool) {
	for _, e := range t.entries {
		if e.net.Contains(ip) {
			return e.location, true
		}
	}
	return Location{}, false
}

