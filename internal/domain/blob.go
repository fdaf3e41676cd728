package domain

import (
	"context"
	"io"
)

// BlobWriter uploads an object to blob storage at the given path.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}
