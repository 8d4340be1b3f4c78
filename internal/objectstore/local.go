package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/logship/core/internal/errors"
)

// LocalBackend is a filesystem-backed Backend rooted at a single
// directory. Put writes to a temporary file in the same directory and
// renames it into place on success — renaming within one filesystem is
// atomic, so a reader can never observe a partially-written file. A
// prior version of this store wrote directly to the destination path
// while a concurrent reader had it open, corrupting the read; that is
// the correctness property this type exists to guarantee (spec §8).
type LocalBackend struct {
	root string
}

// NewLocalBackend roots a LocalBackend at dir, creating it if absent.
func NewLocalBackend(dir string) (*LocalBackend, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("objectstore: create root dir: %w", err)
	}
	return &LocalBackend{root: dir}, nil
}

// path resolves storedRef to a filesystem path under root, allowing the
// directory segments a caller's logicalName contributes (spec §6's
// "<principal_id>/<epoch_seconds>_<random>_<safe_name>" layout) while
// refusing anything that would climb out of root.
func (b *LocalBackend) path(storedRef string) (string, error) {
	if storedRef == "" || filepath.IsAbs(storedRef) {
		return "", fmt.Errorf("objectstore: invalid stored ref %q", storedRef)
	}
	clean := filepath.Clean(storedRef)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("objectstore: invalid stored ref %q", storedRef)
	}
	full := filepath.Join(b.root, clean)
	if full != b.root && !strings.HasPrefix(full, b.root+string(filepath.Separator)) {
		return "", fmt.Errorf("objectstore: invalid stored ref %q", storedRef)
	}
	return full, nil
}

// Put streams r to a temp file and renames it into place. The stored ref
// keeps logicalName's directory segments (e.g. the principal_id prefix
// callers build per spec §6) so the on-disk layout mirrors the object's
// logical grouping rather than flattening every upload into one
// directory; a uuid is interleaved into the final segment so two
// uploads that land on the same logical name never collide.
func (b *LocalBackend) Put(ctx context.Context, r io.Reader, logicalName string) (string, error) {
	ref := buildStoredRef(logicalName)
	dest, err := b.path(ref)
	if err != nil {
		return "", err
	}
	destDir := filepath.Dir(dest)
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return "", fmt.Errorf("objectstore: create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(destDir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("objectstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", errors.Wrap(errors.ErrCodeInternalServer, "failed to write upload", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("objectstore: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("objectstore: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("objectstore: rename into place: %w", err)
	}
	if dir, err := os.Open(destDir); err == nil {
		dir.Sync()
		dir.Close()
	}
	return ref, nil
}

func (b *LocalBackend) OpenReader(ctx context.Context, storedRef string) (io.ReadCloser, error) {
	p, err := b.path(storedRef)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("stored object")
		}
		return nil, fmt.Errorf("objectstore: open: %w", err)
	}
	return f, nil
}

func (b *LocalBackend) Delete(ctx context.Context, storedRef string) error {
	p, err := b.path(storedRef)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("objectstore: delete: %w", err)
	}
	return nil
}

func (b *LocalBackend) Size(ctx context.Context, storedRef string) (int64, error) {
	p, err := b.path(storedRef)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.NotFound("stored object")
		}
		return 0, fmt.Errorf("objectstore: stat: %w", err)
	}
	return fi.Size(), nil
}

// buildStoredRef turns a caller-supplied logical name (e.g.
// "<principal_id>/<epoch_seconds>_<safe_name>") into an object ref:
// each path segment is stripped to filesystem-safe characters, and a
// uuid is woven into the final segment so two uploads that share every
// other component never collide. A logical name with no usable
// segments (empty, or pure punctuation) still yields a valid ref.
func buildStoredRef(logicalName string) string {
	var segments []string
	for _, s := range strings.Split(logicalName, "/") {
		if c := sanitizeSegment(s); c != "" {
			segments = append(segments, c)
		}
	}
	if len(segments) == 0 {
		return uuid.New().String()
	}
	last := len(segments) - 1
	segments[last] = uuid.New().String() + "-" + segments[last]
	return strings.Join(segments, "/")
}

// sanitizeSegment strips a single path segment down to filesystem-safe
// characters, so neither a principal id nor a user-supplied file name
// can smuggle in a directory separator or a traversal sequence.
func sanitizeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		}
		if b.Len() >= 64 {
			break
		}
	}
	return b.String()
}
