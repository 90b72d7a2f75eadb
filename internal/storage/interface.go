package storage

import (
	"context"
	"io"
)

// ChunkStore defines durable storage for staged chunks and assembled objects
type ChunkStore interface {
	// WriteChunk persists one chunk under the session's staging namespace.
	// The write is flushed before it returns; the returned count is the
	// number of bytes durably written.
	WriteChunk(ctx context.Context, uploadID string, index int, content io.Reader) (int64, error)

	// ReadChunk opens a staged chunk for reading
	ReadChunk(ctx context.Context, uploadID string, index int) (io.ReadCloser, error)

	// ChunkSize returns the size of a staged chunk
	ChunkSize(ctx context.Context, uploadID string, index int) (int64, error)

	// Assemble concatenates chunks 0..totalChunks-1 in ascending index order
	// into the final namespace under fileName. Partial output never becomes
	// visible under the final name. Returns the final path and object size.
	Assemble(ctx context.Context, uploadID string, totalChunks int, fileName string) (string, int64, error)

	// OpenFinal opens an assembled object for reading
	OpenFinal(ctx context.Context, fileName string) (io.ReadCloser, error)

	// DeleteStaging removes all staged chunks of a session
	DeleteStaging(ctx context.Context, uploadID string, totalChunks int) error

	// DeleteFinal removes an assembled object
	DeleteFinal(ctx context.Context, fileName string) error

	// FreeSpace reports the bytes available to the store
	FreeSpace() (uint64, error)
}
