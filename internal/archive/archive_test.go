package archive

import (
	"archive/zip"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	zw := zip.NewWriter(f)
	w, err := zw.Create("a.log")
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
}

func writeTarGzip(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	gw := gzip.NewWriter(f)
	require.NoError(t, gw.Close())
}

func TestDetectFormat_RecognizesZipMagicBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.zip")
	writeZip(t, path)

	format, err := DetectFormat(path)

	require.NoError(t, err)
	assert.Equal(t, FormatZip, format)
}

func TestDetectFormat_RecognizesGzipMagicBytesEvenWithWrongExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.bin")
	writeTarGzip(t, path)

	format, err := DetectFormat(path)

	require.NoError(t, err)
	assert.Equal(t, FormatTarGzip, format)
}

func TestDetectFormat_FallsBackToExtensionWhenBytesAreAmbiguous(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.tar.bz2")
	require.NoError(t, os.WriteFile(path, []byte{}, 0o644))

	format, err := DetectFormat(path)

	require.NoError(t, err)
	assert.Equal(t, FormatTarBzip2, format)
}

func TestDetectFormat_ReturnsUnsupportedForUnrecognizedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("plain text, no magic bytes"), 0o644))

	_, err := DetectFormat(path)

	assert.Error(t, err)
}

func TestDetectFormat_PropagatesOpenErrorForMissingFile(t *testing.T) {
	_, err := DetectFormat(filepath.Join(t.TempDir(), "does-not-exist.zip"))
	assert.Error(t, err)
}
