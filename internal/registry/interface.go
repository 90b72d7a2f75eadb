package registry

import (
	"context"
	"time"

	"github.com/lgulliver/mediavault/pkg/types"
)

// SessionRegistry is the canonical mapping of upload handle to session record.
// Implementations serialize mutations per handle; reads return snapshots that
// callers may retain without locking.
type SessionRegistry interface {
	// Create stores a new record; a duplicate handle is a conflict
	Create(ctx context.Context, session *types.UploadSession) error

	// Get returns a snapshot of the record for the handle
	Get(ctx context.Context, uploadID string) (*types.UploadSession, error)

	// Update applies mutate to the record under the handle's write lock. If
	// mutate returns an error the stored record is left unchanged. The
	// returned snapshot reflects the committed state.
	Update(ctx context.Context, uploadID string, mutate func(*types.UploadSession) error) (*types.UploadSession, error)

	// ScanByLastActivityBefore returns snapshots of sessions whose last
	// activity is strictly before cutoff, filtered to the given statuses
	// (all statuses when none are given).
	ScanByLastActivityBefore(ctx context.Context, cutoff time.Time, statuses ...types.UploadStatus) ([]*types.UploadSession, error)

	// Delete removes the record for the handle
	Delete(ctx context.Context, uploadID string) error

	// Stats aggregates monitoring counters across all sessions
	Stats(ctx context.Context) (*types.UploadStats, error)

	// Close releases the backing store
	Close() error
}
