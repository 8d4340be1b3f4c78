package geo

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_PrivateRangeNeverLeavesLocal(t *testing.T) {
	r := NewResolver(NewEmptyOfflineTable(), "", 10)

	for _, ip := range []string{"10.0.0.5", "192.168.1.1", "127.0.0.1", "::1"} {
		loc := r.Resolve(context.Background(), ip)
		assert.Equal(t, privateLabel, loc.RawLabel, "ip %s should resolve private", ip)
	}
}

func TestResolve_UnparseableIPIsUnknown(t *testing.T) {
	r := NewResolver(NewEmptyOfflineTable(), "", 10)
	loc := r.Resolve(context.Background(), "not-an-ip")
	assert.Equal(t, "unknown", loc.RawLabel)
}

func TestResolve_OfflineTableHit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "geo.csv")
	require.NoError(t, os.WriteFile(path, []byte("8.8.8.0/24,US,California,Mountain View\n"), 0o644))

	table, err := LoadOfflineTable(path)
	require.NoError(t, err)

	r := NewResolver(table, "", 10)
	loc := r.Resolve(context.Background(), "8.8.8.8")
	assert.Equal(t, "US", loc.Country)
	assert.Equal(t, "US,California,Mountain View", loc.RawLabel)
}

func TestResolve_CachesLookups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "geo.csv")
	require.NoError(t, os.WriteFile(path, []byte("8.8.8.0/24,US,California,Mountain View\n"), 0o644))
	table, err := LoadOfflineTable(path)
	require.NoError(t, err)

	r := NewResolver(table, "", 10)
	first := r.Resolve(context.Background(), "8.8.8.8")
	second := r.Resolve(context.Background(), "8.8.8.8")
	assert.Equal(t, first, second)
}

func TestResolve_NoMatchAndNoRemoteIsUnknown(t *testing.T) {
	r := NewResolver(NewEmptyOfflineTable(), "", 10)
	loc := r.Resolve(context.Background(), "8.8.8.8")
	assert.Equal(t, "unknown", loc.RawLabel)
}

func TestLoadOfflineTable_SkipsBlankAndCommentLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "geo.csv")
	contents := "# comment\n\n8.8.8.0/24,US,California,Mountain View\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	table, err := LoadOfflineTable(path)
	require.NoError(t, err)
	assert.Len(t, table.entries, 1)
}

func TestLoadOfflineTable_RejectsBadCIDR(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "geo.csv")
	require.NoError(t, os.WriteFile(path, []byte("not-a-cidr,US\n"), 0o644))

	_, err := LoadOfflineTable(path)
	assert.Error(t, err)
}

func TestClientIP_UsesLeftmostUntrustedHop(t *testing.T) {
	ip := ClientIP("203.0.113.5, 10.0.0.1", "10.0.0.1", map[string]bool{"10.0.0.1": true})
	assert.Equal(t, "203.0.113.5", ip)
}

func TestClientIP_FallsBackToRemoteAddrWhenHeaderEmpty(t *testing.T) {
	ip := ClientIP("", "198.51.100.1", nil)
	assert.Equal(t, "198.51.100.1", ip)
}

func TestClientIP_SkipsAllTrustedHops(t *testing.T) {
	ip := ClientIP("10.0.0.2, 10.0.0.1", "10.0.0.1", map[string]bool{"10.0.0.1": true, "10.0.0.2": true})
	assert.Equal(t, "10.0.0.1", ip)
}
