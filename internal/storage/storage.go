package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Default expiry duration for presigned URLs
const DefaultPresignedURLExpiry = 15 * time.Minute

// ErrPresignUnsupported is returned by disks that serve files themselves.
var ErrPresignUnsupported = errors.New("disk does not support presigned URLs")

// FileStorage is the disk a finished upload lives on. Reassembly always
// happens on the local filesystem; Publish then hands the assembled file over.
type FileStorage interface {
	// Kind is the label stored on the upload record ("local", "s3").
	Kind() string

	// Publish takes ownership of the assembled file at localPath and returns
	// the location later passed to Open and DeleteObject.
	Publish(ctx context.Context, key, localPath, contentType string) (location string, err error)

	// Open returns the content of a published file and its size.
	Open(ctx context.Context, location string) (io.ReadCloser, int64, error)

	// GeneratePresignedDownloadURL creates a temporary URL for downloading
	// directly from the storage provider.
	GeneratePresignedDownloadURL(ctx context.Context, location string, expires time.Duration) (string, error)

	// DeleteObject removes a published file. Missing files are not an error.
	DeleteObject(ctx context.Context, location string) error
}
