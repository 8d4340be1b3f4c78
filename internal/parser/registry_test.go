package parser

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixtureYAML = `
modes:
  - mode_key: system_log
    display_name: System Log
    description: General syslog-style line extraction.
    enabled: true
    visible_to_users: true
    admin_only: false
    output_shape: key_value
    binary_path: /opt/parsers/system_log
    args_template: ["--archive", "{archive_path}"]
    timeout_seconds: 600
    memory_soft_cap_mb: 512

  - mode_key: raw_dump
    display_name: Raw Dump
    description: Unstructured passthrough.
    enabled: false
    visible_to_users: false
    admin_only: true
    output_shape: free_text
    binary_path: /opt/parsers/raw_dump
    args_template: ["--archive", "{archive_path}"]
    timeout_seconds: 300
    memory_soft_cap_mb: 256
`

func writeFixture(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parsers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadRegistry_Success(t *testing.T) {
	reg, err := LoadRegistry(writeFixture(t, fixtureYAML))
	require.NoError(t, err)
	assert.Len(t, reg.All(), 2)
	assert.Len(t, reg.Enabled(), 1)
}

func TestLoadRegistry_RejectsInvalidModeKey(t *testing.T) {
	bad := `
modes:
  - mode_key: "Bad-Key!"
    display_name: Bad
    enabled: true
    binary_path: /opt/parsers/bad
`
	_, err := LoadRegistry(writeFixture(t, bad))
	assert.Error(t, err)
}

func TestLoadRegistry_RejectsMissingBinaryPath(t *testing.T) {
	bad := `
modes:
  - mode_key: no_binary
    display_name: No Binary
    enabled: true
`
	_, err := LoadRegistry(writeFixture(t, bad))
	assert.Error(t, err)
}

func TestRegistry_Get(t *testing.T) {
	reg, err := LoadRegistry(writeFixture(t, fixtureYAML))
	require.NoError(t, err)

	d, ok := reg.Get("system_log")
	require.True(t, ok)
	assert.Equal(t, "System Log", d.DisplayName)

	_, ok = reg.Get("does_not_exist")
	assert.False(t, ok)
}

func TestRegistry_EnabledExcludesDisabled(t *testing.T) {
	reg, err := LoadRegistry(writeFixture(t, fixtureYAML))
	require.NoError(t, err)

	for _, d := range reg.Enabled() {
		assert.True(t, d.Enabled)
	}
}

func TestRegistry_AllIncludesDisabled(t *testing.T) {
	reg, err := LoadRegistry(writeFixture(t, fixtureYAML))
	require.NoError(t, err)

	var sawDisabled bool
	for _, d := range reg.All() {
		if d.ModeKey == "raw_dump" {
			sawDisabled = true
			assert.False(t, d.Enabled)
		}
	}
	assert.True(t, sawDisabled, "All() must include disabled descriptors")
}

func TestDescriptor_TimeoutDefault(t *testing.T) {
	d := Descriptor{}
	assert.Equal(t, 10*time.Minute, d.Timeout())
}

func TestDescriptor_TimeoutConfigured(t *testing.T) {
	d := Descriptor{TimeoutSeconds: 45}
	assert.Equal(t, 45*time.Second, d.Timeout())
}

func TestValidModeKey(t *testing.T) {
	assert.True(t, ValidModeKey("system_log"))
	assert.True(t, ValidModeKey("a"))
	assert.False(t, ValidModeKey("Bad-Key"))
	assert.False(t, ValidModeKey(""))
}
