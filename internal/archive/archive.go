// Package archive inspects and time-filters uploaded log archives
// without attributing meaning to member contents (spec C2). It never
// extracts a whole archive to disk; it reads enough of each container
// format to enumerate members and their mtimes, and writes a filtered
// copy containing only the members a caller asked to keep.
package archive

import (
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"io"
	"os"
	"strings"

	"github.com/logship/core/internal/errors"
)

// Format is one of the three container formats this package understands.
type Format string

const (
	FormatTarGzip  Format = "tar.gz"
	FormatTarBzip2 Format = "tar.bz2"
	FormatZip      Format = "zip"
)

var (
	magicGzip = []byte{0x1f, 0x8b}
	magicBzip2 = []byte{'B', 'Z', 'h'}
	magicZip  = []byte{'P', 'K', 0x03, 0x04}
)

// DetectFormat identifies path's container format by magic bytes,
// falling back to its file extension when the bytes are ambiguous (a
// zero-length or truncated file still usually keeps a legible
// extension). Returns errors.UnsupportedArchive if neither yields a
// recognized format.
func DetectFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	header := make([]byte, 4)
	n, _ := io.ReadFull(f, header)
	header = header[:n]

	switch {
	case hasPrefix(header, magicZip):
		return FormatZip, nil
	case hasPrefix(header, magicGzip):
		return FormatTarGzip, nil
	case hasPrefix(header, magicBzip2):
		return FormatTarBzip2, nil
	}

	switch {
	case strings.HasSuffix(path, ".zip"):
		return FormatZip, nil
	case strings.HasSuffix(path, ".tar.gz"), strings.HasSuffix(path, ".tgz"):
		return FormatTarGzip, nil
	case strings.HasSuffix(path, ".tar.bz2"), strings.HasSuffix(path, ".tbz2"):
		return FormatTarBzip2, nil
	}

	return "", errors.UnsupportedArchive()
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

// decompressingReader returns a reader over the tar byte stream inside
// path for the gzip/bzip2 formats, plus a closer for the underlying file.
func decompressingReader(path string, format Format) (io.Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	br := bufio.NewReader(f)
	switch format {
	case FormatTarGzip:
		gz, err := gzip.NewReader(br)
		if err != nil {
			f.Close()
			return nil, nil, errors.CorruptArchive()
		}
		return gz, f, nil
	case FormatTarBzip2:
		return bzip2.NewReader(br), f, nil
	default:
		f.Close()
		return nil, nil, errors.UnsupportedArchive()
	}
}
