package archive

import (
	"context"
	"fmt"
)

// Backend selects and configures the ObjectStore behind an Archiver.
type Backend struct {
	// Type is "local" or "s3".
	Type string
	// Path is the base directory of a local archive.
	Path string
	// Bucket is the S3 bucket of an s3 archive.
	Bucket string
	S3     S3Config
}

// Open creates the ObjectStore described by b.
func Open(ctx context.Context, b Backend) (ObjectStore, error) {
	switch b.Type {
	case "local":
		return NewLocalStore(b.Path)
	case "s3":
		if b.Bucket == "" {
			return nil, fmt.Errorf("s3 archive requires a bucket")
		}
		return NewS3Store(ctx, b.Bucket, b.S3)
	default:
		return nil, fmt.Errorf("unsupported archive type: %s", b.Type)
	}
}
