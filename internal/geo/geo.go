// Package geo resolves a client IP to a coarse location: a local
// offline CIDR table first, a remote HTTP lookup service as a
// fallback, both behind an in-process LRU cache (spec §4.8).
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Location is the enrichment attached to an AuditEvent's geo field.
// It's marshaled straight to the geo column as a short string
// ("country,region,city" or the "private" sentinel), not a struct —
// RawLabel is what callers actually want.
type Location struct {
	Country  string
	Region   string
	City     string
	RawLabel string
}

const privateLabel = "private"

// Resolver looks up Location by IP, consulting the local table, then
// the remote fallback, then caching the result either way.
type Resolver struct {
	local      *offlineTable
	httpClient *http.Client
	remoteURL  string // e.g. "https://example-geoip.internal/lookup/%s"; empty disables the fallback

	mu    sync.Mutex
	cache *lruCache
}

// NewResolver builds a Resolver. remoteURL, if non-empty, must contain
// exactly one %s placeholder for the IP. cacheSize <= 0 defaults to
// 1000, the spec's stated floor.
func NewResolver(table *offlineTable, remoteURL string, cacheSize int) *Resolver {
	return &Resolver{
		local:      table,
		httpClient: &http.Client{Timeout: 3 * time.Second},
		remoteURL:  remoteURL,
		cache:      newLRUCache(cacheSize),
	}
}

// Resolve returns ip's Location. Private/loopback/link-local ranges
// never reach the cache or the network: they always resolve to the
// "private" sentinel, per spec §4.8.
func (r *Resolver) Resolve(ctx context.Context, ip string) Location {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Location{RawLabel: "unknown"}
	}
	if isPrivate(parsed) {
		return Location{RawLabel: privateLabel}
	}

	r.mu.Lock()
	if loc, ok := r.cache.get(ip); ok {
		r.mu.Unlock()
		return loc
	}
	r.mu.Unlock()

	loc, ok := r.local.lookup(parsed)
	if !ok {
		loc, ok = r.remoteLookup(ctx, ip)
	}
	if !ok {
		loc = Location{RawLabel: "unknown"}
	}

	r.mu.Lock()
	r.cache.add(ip, loc)
	r.mu.Unlock()
	return loc
}

func (r *Resolver) remoteLookup(ctx context.Context, ip string) (Location, bool) {
	if r.remoteURL == "" {
		return Location{}, false
	}
	url := fmt.Sprintf(r.remoteURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Location{}, false
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Location{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Location{}, false
	}

	var body struct {
		Country string `json:"country"`
		Region  string `json:"region"`
		City    string `json:"city"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Location{}, false
	}
	loc := Location{Country: body.Country, Region: body.Region, City: body.City}
	loc.RawLabel = loc.label()
	return loc, true
}

func (l Location) label() string {
	if l.RawLabel != "" {
		return l.RawLabel
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{l.Country, l.Region, l.City} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, ",")
}

var privateBlocks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

func isPrivate(ip net.IP) bool {
	for _, n := range privateBlocks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the IP geolocation should use for a request: the
// left-most entry of X-Forwarded-For that is not itself a known
// proxy hop (i.e. not one of remoteAddr or any address already listed
// as trusted by the caller), falling back to remoteAddr (spec §4.8).
func ClientIP(forwardedFor, remoteAddr string, trustedProxies map[string]bool) string {
	if forwardedFor == "" {
		return remoteAddr
	}
	for _, hop := range strings.Split(forwardedFor, ",") {
		ip := strings.TrimSpace(hop)
		if ip == "" {
			continue
		}
		if trustedProxies[ip] || ip == remoteAddr {
			continue
		}
		return ip
	}
	return remoteAddr
}
