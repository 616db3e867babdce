// Package archive stores raw request bodies in object storage, snappy
// compressed, keyed by store, table, day and row id.
package archive

import (
	"context"
	"errors"
)

// Common errors for object storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
)

// ObjectStore abstracts object storage.
// Implementations include S3 and the local filesystem.
type ObjectStore interface {
	// Put writes data under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte) error

	// Get reads the object under key. Missing objects return ErrObjectNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns all keys under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
