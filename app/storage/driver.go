package storage

// Package storage defines the capability surface the core consumes from object
// storage drivers. The core never touches driver internals; uploads go through
// the chunked upload triple (initiate, stream, complete) and committed content
// lives at ContentPath(digest).

import (
	"context"
	"io"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// ErrObjectNotFound is returned by Get/Remove for a missing path.
var ErrObjectNotFound = errors.New("object not found")

// Driver is the object storage capability surface.
type Driver interface {
	// PreferredLocations lists the default location names for new uploads.
	PreferredLocations() []string

	// InitiateChunkedUpload starts a resumable upload at one location and
	// returns the driver upload id plus opaque driver metadata carried on the
	// BlobUpload row.
	InitiateChunkedUpload(ctx context.Context, location string) (uploadID, metadata string, err error)

	// StreamUploadChunk appends a chunk at the given offset, returning the
	// number of bytes written and updated driver metadata.
	StreamUploadChunk(ctx context.Context, locations []string, uploadID string, offset, length int64, in io.Reader, metadata string) (written int64, newMetadata string, err error)

	// CancelChunkedUpload drops an in-progress upload.
	CancelChunkedUpload(ctx context.Context, locations []string, uploadID, metadata string) error

	// CompleteChunkedUpload moves the uploaded bytes into their final path.
	CompleteChunkedUpload(ctx context.Context, locations []string, uploadID, finalPath, metadata string) error

	// Exists probes a path at any of the given locations.
	Exists(ctx context.Context, locations []string, path string) (bool, error)

	// Get opens the object for reading from the first location holding it.
	Get(ctx context.Context, locations []string, path string) (io.ReadCloser, error)

	// Put writes a whole object, used only for seeding well-known content.
	Put(ctx context.Context, location, path string, content []byte) error

	// CopyBetween copies one path from a source location to a destination.
	CopyBetween(ctx context.Context, path, srcLocation, dstLocation string) error

	// Remove deletes a path from all given locations where present.
	Remove(ctx context.Context, locations []string, path string) error
}

// ContentPath is the canonical content-addressed path of a committed blob.
func ContentPath(dgst digest.Digest) string {
	return "sha256/" + dgst.Hex()[0:2] + "/" + dgst.Hex()
}
