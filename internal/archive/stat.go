package archive

import (
	"archive/tar"
	"archive/zip"
	"io"
	"time"

	"github.com/logship/core/internal/errors"
)

// Stats summarizes an archive's membership without exposing member
// contents.
type Stats struct {
	MemberCount   int
	EarliestMtime time.Time
	LatestMtime   time.Time
}

// member is one entry's identity, independent of container format.
type member struct {
	name  string
	mtime time.Time
	size  int64
}

// Stat reads path's central directory (zip) or tar header stream
// (tar.gz/tar.bz2) and reports member count and mtime range. It never
// reads a member's decoded body content.
func Stat(path string) (*Stats, Format, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, "", err
	}
	members, err := listMembers(path, format)
	if err != nil {
		return nil, format, err
	}
	if len(members) == 0 {
		return &Stats{}, format, nil
	}
	stats := &Stats{MemberCount: len(members), EarliestMtime: members[0].mtime, LatestMtime: members[0].mtime}
	for _, m := range members[1:] {
		if m.mtime.Before(stats.EarliestMtime) {
			stats.EarliestMtime = m.mtime
		}
		if m.mtime.After(stats.LatestMtime) {
			stats.LatestMtime = m.mtime
		}
	}
	return stats, format, nil
}

func listMembers(path string, format Format) ([]member, error) {
	switch format {
	case FormatZip:
		return listZipMembers(path)
	case FormatTarGzip, FormatTarBzip2:
		return listTarMembers(path, format)
	default:
		return nil, errors.UnsupportedArchive()
	}
}

func listZipMembers(path string) ([]member, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, errors.CorruptArchive()
	}
	defer zr.Close()

	members := make([]member, 0, len(zr.File))
	for _, f := range zr.File {
		members = append(members, member{name: f.Name, mtime: f.Modified.UTC(), size: int64(f.UncompressedSize64)})
	}
	return members, nil
}

func listTarMembers(path string, format Format) ([]member, error) {
	r, closer, err := decompressingReader(path, format)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	tr := tar.NewReader(r)
	var members []member
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.CorruptArchive()
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		members = append(members, member{name: hdr.Name, mtime: hdr.ModTime.UTC(), size: hdr.Size})
	}
	return members, nil
}
