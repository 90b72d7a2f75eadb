package registry

import (
	"context"
	"errors"
	"time"

	"github.com/lgulliver/mediavault/internal/common"
	"github.com/lgulliver/mediavault/pkg/types"
	"github.com/rs/zerolog/log"
)

const (
	redisSessionPrefix = "mediavault:session:"
	redisSessionIndex  = "mediavault:sessions"
)

// RedisRegistry persists session records as JSON values in Redis, with a set
// of handles as the scan index. Mutations are serialized per handle in
// process; the coordinator owns its sessions exclusively.
type RedisRegistry struct {
	cache *common.Cache
	locks *handleLocks
}

// NewRedisRegistry wraps a connected cache
func NewRedisRegistry(cache *common.Cache) *RedisRegistry {
	return &RedisRegistry{cache: cache, locks: newHandleLocks()}
}

func sessionKey(uploadID string) string {
	return redisSessionPrefix + uploadID
}

// Create stores a new record and indexes its handle
func (r *RedisRegistry) Create(ctx context.Context, session *types.UploadSession) error {
	var existing types.UploadSession
	err := r.cache.Get(ctx, sessionKey(session.UploadID), &existing)
	if err == nil {
		return common.Errorf(common.KindConflict, "session %s already exists", session.UploadID)
	}
	if !errors.Is(err, common.ErrCacheMiss) {
		return common.WrapError(common.KindIOFailure, err, "failed to check session")
	}

	if err := r.cache.Set(ctx, sessionKey(session.UploadID), session, 0); err != nil {
		return common.WrapError(common.KindIOFailure, err, "failed to store session")
	}
	if err := r.cache.SAdd(ctx, redisSessionIndex, session.UploadID); err != nil {
		return common.WrapError(common.KindIOFailure, err, "failed to index session")
	}
	return nil
}

func (r *RedisRegistry) load(ctx context.Context, uploadID string) (*types.UploadSession, error) {
	var rec types.UploadSession
	if err := r.cache.Get(ctx, sessionKey(uploadID), &rec); err != nil {
		if errors.Is(err, common.ErrCacheMiss) {
			return nil, common.Errorf(common.KindNotFound, "session %s not found", uploadID)
		}
		return nil, common.WrapError(common.KindIOFailure, err, "failed to load session")
	}
	return &rec, nil
}

// Get returns a snapshot of the record
func (r *RedisRegistry) Get(ctx context.Context, uploadID string) (*types.UploadSession, error) {
	return r.load(ctx, uploadID)
}

// Update applies mutate under the handle's write lock and writes back the
// full record. A failed mutation leaves the stored value untouched.
func (r *RedisRegistry) Update(ctx context.Context, uploadID string, mutate func(*types.UploadSession) error) (*types.UploadSession, error) {
	l := r.locks.acquire(uploadID)
	defer r.locks.release(uploadID, l)

	rec, err := r.load(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	if err := mutate(rec); err != nil {
		return nil, err
	}

	if err := r.cache.Set(ctx, sessionKey(uploadID), rec, 0); err != nil {
		return nil, common.WrapError(common.KindIOFailure, err, "failed to persist session")
	}
	return rec.Clone(), nil
}

func (r *RedisRegistry) loadAll(ctx context.Context) ([]*types.UploadSession, error) {
	ids, err := r.cache.SMembers(ctx, redisSessionIndex)
	if err != nil {
		return nil, common.WrapError(common.KindIOFailure, err, "failed to list sessions")
	}

	out := make([]*types.UploadSession, 0, len(ids))
	for _, id := range ids {
		rec, err := r.load(ctx, id)
		if err != nil {
			if common.IsKind(err, common.KindNotFound) {
				// Index entry outlived its record; repair the index
				log.Warn().Str("upload_id", id).Msg("dropping dangling session index entry")
				_ = r.cache.SRem(ctx, redisSessionIndex, id)
				continue
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ScanByLastActivityBefore returns snapshots of matching sessions
func (r *RedisRegistry) ScanByLastActivityBefore(ctx context.Context, cutoff time.Time, statuses ...types.UploadStatus) ([]*types.UploadSession, error) {
	all, err := r.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	var out []*types.UploadSession
	for _, rec := range all {
		if rec.LastActivityAt.Before(cutoff) && statusMatches(rec.Status, statuses) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Delete removes the record and its index entry
func (r *RedisRegistry) Delete(ctx context.Context, uploadID string) error {
	l := r.locks.acquire(uploadID)
	defer r.locks.release(uploadID, l)

	if _, err := r.load(ctx, uploadID); err != nil {
		return err
	}
	if err := r.cache.Delete(ctx, sessionKey(uploadID)); err != nil {
		return common.WrapError(common.KindIOFailure, err, "failed to delete session")
	}
	if err := r.cache.SRem(ctx, redisSessionIndex, uploadID); err != nil {
		return common.WrapError(common.KindIOFailure, err, "failed to unindex session")
	}
	return nil
}

// Stats aggregates counters across all sessions
func (r *RedisRegistry) Stats(ctx context.Context) (*types.UploadStats, error) {
	all, err := r.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	return computeStats(all), nil
}

// Close closes the Redis connection
func (r *RedisRegistry) Close() error {
	return r.cache.Close()
}
