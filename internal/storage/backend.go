// Package storage defines the Backend interface for raw object storage.
// The remote blob service keeps its media and message records in a Backend.
package storage

import (
	"context"
	"io"
)

// Backend is the interface for object storage backends.
//
// Missing keys are reported with an error wrapping fs.ErrNotExist so callers
// can match them without importing a concrete backend.
type Backend interface {
	// GetObject retrieves an object by key with optional range support.
	// If length is 0 the object is read from offset to its end. The returned
	// size is the number of bytes the reader will yield.
	GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error)

	// PutObject uploads content to the given key, replacing any existing object.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes an object by key. Deleting a missing key is not an error.
	DeleteObject(ctx context.Context, key string) error

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// Type returns the backend type identifier ("s3", "local").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
