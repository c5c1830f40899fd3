// Package core defines the capability interface for bulk payload storage
// backends used by the file storage system.
package core

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"projectcore/pkg/record"
)

// Driver identifies a concrete payload backend implementation.
type Driver string

const (
	// DriverArchive represents the self-contained single-file container
	// backend (small/simple payloads, easy transport).
	DriverArchive Driver = "archive"
	// DriverChunk represents the chunked database backend (large arrays,
	// in-place partial writes for streaming acquisition).
	DriverChunk Driver = "chunk"
	// DriverS3 represents an S3 / MinIO compatible remote backend used for
	// backup and read-only remote projects.
	DriverS3 Driver = "s3"
	// DriverMemory represents an in-memory implementation for tests.
	DriverMemory Driver = "memory"
)

// Ref locates an item's payload inside the backend that owns it. It is the
// record stored in the project index; an item has exactly one Ref at a time.
type Ref struct {
	Driver  Driver `json:"driver"`
	Locator string `json:"locator"`
}

// Handler persists and retrieves bulk array payloads for one backend.
// All calls are blocking; implementations serialize internal access so a
// single handler instance is safe to use from multiple goroutines, but no
// ordering is guaranteed across distinct items written concurrently.
type Handler interface {
	// Write persists the payload for the item, overwriting any previous
	// payload stored for the same UUID, and returns the locator to record
	// in the index.
	Write(ctx context.Context, id uuid.UUID, arr *record.Array, meta map[string]any) (Ref, error)
	// Read retrieves the payload; a missing or corrupt payload yields a
	// *record.ReadError.
	Read(ctx context.Context, ref Ref) (*record.Array, map[string]any, error)
	// Delete removes the underlying storage. Deleting an already-missing
	// payload is not an error.
	Delete(ctx context.Context, ref Ref) error
	// WritePartial overwrites an axis-aligned sub-region of an existing
	// payload in place. Backends without the capability return
	// ErrUnsupported.
	WritePartial(ctx context.Context, ref Ref, region record.Region, arr *record.Array) error
	// SupportsPartialWrite reports the WritePartial capability so callers
	// can branch on capability rather than concrete type.
	SupportsPartialWrite() bool
	Driver() Driver
	// Close releases backend resources (open file handles in particular).
	Close() error
}

// ErrUnsupported is returned when an optional capability is not available.
var ErrUnsupported = errors.New("payload: unsupported operation")
