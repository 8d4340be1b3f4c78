// Package objectstore is the durability layer for uploaded log archives
// (spec C1). A stored_ref returned by Put is opaque to callers — only
// the backend that issued it knows how to open, size, or delete it.
package objectstore

import (
	"context"
	"io"
)

// Backend stores and retrieves opaque byte streams. Put must be atomic
// with respect to concurrent readers: either the full stream lands under
// stored_ref, or stored_ref never exists. A backend must never leave a
// partially-written artifact visible to Open/Size/Delete.
type Backend interface {
	// Put streams r to durable storage under a name derived from
	// logicalName and returns an opaque stored_ref.
	Put(ctx context.Context, r io.Reader, logicalName string) (storedRef string, err error)

	// OpenReader opens storedRef for reading. Callers must Close it.
	OpenReader(ctx context.Context, storedRef string) (io.ReadCloser, error)

	// Delete removes the bytes behind storedRef. Deleting a ref that no
	// longer exists is not an error.
	Delete(ctx context.Context, storedRef string) error

	// Size reports the byte length stored under storedRef.
	Size(ctx context.Context, storedRef string) (int64, error)
}
