package registry

import (
	"context"
	"sync"
	"time"

	"github.com/lgulliver/mediavault/internal/common"
	"github.com/lgulliver/mediavault/pkg/types"
)

// MemoryRegistry is a non-durable SessionRegistry for development and tests
type MemoryRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*memoryEntry
}

type memoryEntry struct {
	mu     sync.Mutex
	record *types.UploadSession
}

// NewMemoryRegistry creates an empty in-memory registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{sessions: make(map[string]*memoryEntry)}
}

// Create stores a new record
func (r *MemoryRegistry) Create(ctx context.Context, session *types.UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.UploadID]; exists {
		return common.Errorf(common.KindConflict, "session %s already exists", session.UploadID)
	}
	r.sessions[session.UploadID] = &memoryEntry{record: session.Clone()}
	return nil
}

func (r *MemoryRegistry) entry(uploadID string) (*memoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.sessions[uploadID]
	if !ok {
		return nil, common.Errorf(common.KindNotFound, "session %s not found", uploadID)
	}
	return entry, nil
}

// Get returns a snapshot of the record
func (r *MemoryRegistry) Get(ctx context.Context, uploadID string) (*types.UploadSession, error) {
	entry, err := r.entry(uploadID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.record.Clone(), nil
}

// Update applies mutate under the handle's lock; a failed mutation leaves the
// stored record unchanged
func (r *MemoryRegistry) Update(ctx context.Context, uploadID string, mutate func(*types.UploadSession) error) (*types.UploadSession, error) {
	entry, err := r.entry(uploadID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	next := entry.record.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	entry.record = next
	return next.Clone(), nil
}

// ScanByLastActivityBefore returns snapshots of matching sessions
func (r *MemoryRegistry) ScanByLastActivityBefore(ctx context.Context, cutoff time.Time, statuses ...types.UploadStatus) ([]*types.UploadSession, error) {
	r.mu.RLock()
	entries := make([]*memoryEntry, 0, len(r.sessions))
	for _, entry := range r.sessions {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	var out []*types.UploadSession
	for _, entry := range entries {
		entry.mu.Lock()
		rec := entry.record
		if rec.LastActivityAt.Before(cutoff) && statusMatches(rec.Status, statuses) {
			out = append(out, rec.Clone())
		}
		entry.mu.Unlock()
	}
	return out, nil
}

// Delete removes the record for the handle
func (r *MemoryRegistry) Delete(ctx context.Context, uploadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[uploadID]; !ok {
		return common.Errorf(common.KindNotFound, "session %s not found", uploadID)
	}
	delete(r.sessions, uploadID)
	return nil
}

// Stats aggregates counters across all sessions
func (r *MemoryRegistry) Stats(ctx context.Context) (*types.UploadStats, error) {
	r.mu.RLock()
	entries := make([]*memoryEntry, 0, len(r.sessions))
	for _, entry := range r.sessions {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	sessions := make([]*types.UploadSession, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		sessions = append(sessions, entry.record.Clone())
		entry.mu.Unlock()
	}
	return computeStats(sessions), nil
}

// Close is a no-op for the in-memory registry
func (r *MemoryRegistry) Close() error { return nil }

func statusMatches(status types.UploadStatus, statuses []types.UploadStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if status == s {
			return true
		}
	}
	return false
}

// computeStats folds session snapshots into the monitoring counters
func computeStats(sessions []*types.UploadSession) *types.UploadStats {
	stats := &types.UploadStats{}
	var speedSum float64
	var speedCount int64

	for _, rec := range sessions {
		stats.TotalUploads++
		stats.TotalSize += rec.BytesReceived
		switch rec.Status {
		case types.StatusFailed:
			stats.FailedUploads++
		case types.StatusInitialized, types.StatusReceiving, types.StatusAssembling:
			stats.ActiveUploads++
		}
		if rec.Status == types.StatusCompleted {
			if speed := rec.Speed(); speed > 0 {
				speedSum += speed
				speedCount++
			}
		}
	}

	if speedCount > 0 {
		stats.AverageSpeed = speedSum / float64(speedCount)
	}
	return stats
}
