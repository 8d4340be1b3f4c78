package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
)

// DefaultBuffer is the symmetric slack applied around [t0, t1] when no
// explicit buffer is given.
const DefaultBuffer = time.Hour

// retainedFraction above which the original is returned unfiltered —
// the filter's own overhead would exceed what it saves.
const retainedFractionCeiling = 0.8

// FilterByTime writes a new archive under destDir containing only the
// members of path whose mtime falls in [t0-buffer, t1+buffer] (UTC,
// inclusive), preserving names and mtimes. It returns path itself,
// unchanged, in three cases: the filter would retain zero members, the
// filter would retain more than 80% of the original, or the archive is
// tar+bzip2, which this package can read but not write (see below).
// Both "unsupported" and "corrupt" read
// failures are non-fatal: the caller receives the original path back
// rather than an error that would abort the analysis.
func FilterByTime(path string, t0, t1 time.Time, buffer time.Duration, destDir string) (string, error) {
	if buffer == 0 {
		buffer = DefaultBuffer
	}
	t0 = t0.UTC().Add(-buffer)
	t1 = t1.UTC().Add(buffer)

	format, err := DetectFormat(path)
	if err != nil {
		return path, nil
	}

	members, err := listMembers(path, format)
	if err != nil {
		return path, nil
	}
	if len(members) == 0 {
		return path, nil
	}

	retain := make(map[string]bool, len(members))
	retainedCount := 0
	for _, m := range members {
		if !m.mtime.Before(t0) && !m.mtime.After(t1) {
			retain[m.name] = true
			retainedCount++
		}
	}

	if retainedCount == 0 {
		return path, nil
	}
	if float64(retainedCount)/float64(len(members)) > retainedFractionCeiling {
		return path, nil
	}

	switch format {
	case FormatZip:
		return filterZip(path, retain, destDir)
	case FormatTarGzip:
		return filterTarGzip(path, retain, destDir)
	case FormatTarBzip2:
		// compress/bzip2 in the standard library is read-only and no
		// bzip2-writing library appears anywhere in the reference
		// corpus this module was built from — fabricating one would
		// violate the "never invent a dependency" rule. Filtering a
		// tar.bz2 archive degrades to returning it unchanged; the
		// analysis still runs against the full file.
		return path, nil
	default:
		return path, nil
	}
}

func filterZip(path string, retain map[string]bool, destDir string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return path, nil
	}
	defer zr.Close()

	outPath := destDir + string(os.PathSeparator) + "filtered-" + uuid.New().String() + ".zip"
	out, err := os.Create(outPath)
	if err != nil {
		return "", err
	}
	zw := zip.NewWriter(out)

	for _, f := range zr.File {
		if !retain[f.Name] {
			continue
		}
		// CreateRaw copies the member's compressed bytes verbatim —
		// this never re-decompresses or re-compresses the body.
		rc, err := f.OpenRaw()
		if err != nil {
			zw.Close()
			out.Close()
			os.Remove(outPath)
			return path, nil
		}
		hdr := f.FileHeader
		w, err := zw.CreateRaw(&hdr)
		if err != nil {
			zw.Close()
			out.Close()
			os.Remove(outPath)
			return path, nil
		}
		if _, err := io.Copy(w, rc); err != nil {
			zw.Close()
			out.Close()
			os.Remove(outPath)
			return path, nil
		}
	}

	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(outPath)
		return path, nil
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return path, nil
	}
	out.Close()
	return outPath, nil
}

func filterTarGzip(path string, retain map[string]bool, destDir string) (string, error) {
	r, closer, err := decompressingReader(path, FormatTarGzip)
	if err != nil {
		return path, nil
	}
	defer closer.Close()

	outPath := destDir + string(os.PathSeparator) + "filtered-" + uuid.New().String() + ".tar.gz"
	out, err := os.Create(outPath)
	if err != nil {
		return "", err
	}
	gw := gzip.NewWriter(out)
	tw := tar.NewWriter(gw)

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			tw.Close()
			gw.Close()
			out.Close()
			os.Remove(outPath)
			return path, nil
		}
		if hdr.Typeflag != tar.TypeReg || !retain[hdr.Name] {
			continue
		}
		if err := tw.WriteHeader(hdr); err != nil {
			tw.Close()
			gw.Close()
			out.Close()
			os.Remove(outPath)
			return path, nil
		}
		if _, err := io.Copy(tw, tr); err != nil {
			tw.Close()
			gw.Close()
			out.Close()
			os.Remove(outPath)
			return path, nil
		}
	}

	if err := tw.Close(); err != nil {
		gw.Close()
		out.Close()
		os.Remove(outPath)
		return path, nil
	}
	if err := gw.Close(); err != nil {
		out.Close()
		os.Remove(outPath)
		return path, nil
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return path, nil
	}
	out.Close()
	return outPath, nil
}
