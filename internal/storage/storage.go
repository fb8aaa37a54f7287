// Package storage defines the ObjectStore interface shared by all backup
// storage backends.
//
// New backends are added by implementing ObjectStore and registering with the
// factory via an init() function in the backend's own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (ObjectStore, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// The main package imports each backend with a blank import to trigger init(),
// so adding a backend requires no changes to the factory or main package
// beyond the blank import.
package storage

import (
	"context"
	"io"
	"time"
)

// ObjectStore is the destination for backup exports. Implementations must
// support upload, download, listing under a prefix, and deletion; retention
// cleanup depends on List returning accurate LastModified timestamps.
type ObjectStore interface {
	// Upload stores an object and returns the result with key and checksum.
	Upload(ctx context.Context, key string, reader io.Reader, size int64) (*UploadResult, error)

	// Download retrieves an object as a reader.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// List enumerates objects under the given key prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Exists checks whether an object exists at the given key.
	Exists(ctx context.Context, key string) (bool, error)

	// GetMetadata retrieves object metadata without downloading the body.
	GetMetadata(ctx context.Context, key string) (*ObjectMetadata, error)
}

// UploadResult contains information about an uploaded object
type UploadResult struct {
	// Key is the storage key where the object was stored
	Key string

	// Size is the object size in bytes
	Size int64

	// Checksum is the SHA256 hash of the object contents
	Checksum string
}

// ObjectInfo is one entry in a List result.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectMetadata contains metadata about a stored object
type ObjectMetadata struct {
	// Key is the storage key of the object
	Key string

	// Size is the object size in bytes
	Size int64

	// Checksum is the SHA256 hash of the object contents
	Checksum string

	// LastModified is the timestamp when the object was last modified
	LastModified time.Time
}
