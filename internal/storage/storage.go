// Package storage defines the Storage interface used to archive sensor readings
// before they are purged.
//
// Backends register themselves with the factory from an init() function:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.ArchiveConfig) (storage.Storage, error) {
//	        return New(cfg)
//	    })
//	}
//
// The server binary imports each backend with a blank import to trigger init().
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Download when the object does not exist.
var ErrNotFound = errors.New("object not found")

// Storage defines the interface for all archive backends
type Storage interface {
	// Upload stores an object and returns its path, size and SHA-256 checksum
	Upload(ctx context.Context, path string, reader io.Reader, size int64) (*UploadResult, error)

	// Download retrieves an object. The caller must close the reader.
	Download(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error

	// Exists reports whether an object is present at path
	Exists(ctx context.Context, path string) (bool, error)
}

// UploadResult contains the result of an upload operation
type UploadResult struct {
	Path     string
	Size     int64
	Checksum string // SHA256 hex
}
