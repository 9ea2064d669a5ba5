// Package storage defines the object store contract chunk sources read from
// and a resilient wrapper that adds retry, circuit breaking and rate limiting
// to any store.
package storage

import (
	"context"
)

// BlobStore reads whole objects by name. Implementations return an error
// with code OBJECT_NOT_FOUND for a missing object so sources can tell an
// unwritten chunk from a failure.
type BlobStore interface {
	Get(ctx context.Context, name string) ([]byte, error)
}

// BlobWriter is implemented by stores that can also be written, used to seed
// test and demo data
type BlobWriter interface {
	Put(ctx context.Context, name string, data []byte) error
}
