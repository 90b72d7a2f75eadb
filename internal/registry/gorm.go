package registry

import (
	"context"
	"errors"
	"time"

	"github.com/lgulliver/mediavault/internal/common"
	"github.com/lgulliver/mediavault/pkg/types"
	"gorm.io/gorm"
)

// GormRegistry is a SQL-backed SessionRegistry. Records survive restart; any
// session whose last mutation was acknowledged is restored on recovery.
type GormRegistry struct {
	db    *common.Database
	locks *handleLocks
}

// NewGormRegistry wraps an open database connection and runs migrations
func NewGormRegistry(db *common.Database) (*GormRegistry, error) {
	if err := db.Migrate(); err != nil {
		return nil, err
	}
	return &GormRegistry{db: db, locks: newHandleLocks()}, nil
}

// Create stores a new record
func (r *GormRegistry) Create(ctx context.Context, session *types.UploadSession) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&types.UploadSession{}).
		Where("upload_id = ?", session.UploadID).Count(&count).Error; err != nil {
		return common.WrapError(common.KindIOFailure, err, "failed to check session")
	}
	if count > 0 {
		return common.Errorf(common.KindConflict, "session %s already exists", session.UploadID)
	}

	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return common.WrapError(common.KindIOFailure, err, "failed to create session")
	}
	return nil
}

func (r *GormRegistry) load(ctx context.Context, uploadID string) (*types.UploadSession, error) {
	var rec types.UploadSession
	err := r.db.WithContext(ctx).Where("upload_id = ?", uploadID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.Errorf(common.KindNotFound, "session %s not found", uploadID)
		}
		return nil, common.WrapError(common.KindIOFailure, err, "failed to load session")
	}
	return &rec, nil
}

// Get returns a snapshot of the record
func (r *GormRegistry) Get(ctx context.Context, uploadID string) (*types.UploadSession, error) {
	return r.load(ctx, uploadID)
}

// Update applies mutate under the handle's write lock and persists the result.
// A failed mutation leaves the stored row untouched.
func (r *GormRegistry) Update(ctx context.Context, uploadID string, mutate func(*types.UploadSession) error) (*types.UploadSession, error) {
	l := r.locks.acquire(uploadID)
	defer r.locks.release(uploadID, l)

	rec, err := r.load(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	if err := mutate(rec); err != nil {
		return nil, err
	}

	if err := r.db.WithContext(ctx).Save(rec).Error; err != nil {
		return nil, common.WrapError(common.KindIOFailure, err, "failed to persist session")
	}
	return rec.Clone(), nil
}

// ScanByLastActivityBefore returns snapshots of matching sessions
func (r *GormRegistry) ScanByLastActivityBefore(ctx context.Context, cutoff time.Time, statuses ...types.UploadStatus) ([]*types.UploadSession, error) {
	query := r.db.WithContext(ctx).Where("last_activity_at < ?", cutoff)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}

	var recs []*types.UploadSession
	if err := query.Find(&recs).Error; err != nil {
		return nil, common.WrapError(common.KindIOFailure, err, "failed to scan sessions")
	}
	return recs, nil
}

// Delete removes the record for the handle
func (r *GormRegistry) Delete(ctx context.Context, uploadID string) error {
	l := r.locks.acquire(uploadID)
	defer r.locks.release(uploadID, l)

	result := r.db.WithContext(ctx).Where("upload_id = ?", uploadID).Delete(&types.UploadSession{})
	if result.Error != nil {
		return common.WrapError(common.KindIOFailure, result.Error, "failed to delete session")
	}
	if result.RowsAffected == 0 {
		return common.Errorf(common.KindNotFound, "session %s not found", uploadID)
	}
	return nil
}

// Stats aggregates counters with SQL counts; the derived average speed is
// folded from completed rows
func (r *GormRegistry) Stats(ctx context.Context) (*types.UploadStats, error) {
	db := r.db.WithContext(ctx)
	stats := &types.UploadStats{}

	if err := db.Model(&types.UploadSession{}).Count(&stats.TotalUploads).Error; err != nil {
		return nil, common.WrapError(common.KindIOFailure, err, "failed to count sessions")
	}
	if err := db.Model(&types.UploadSession{}).
		Where("status IN ?", []types.UploadStatus{types.StatusInitialized, types.StatusReceiving, types.StatusAssembling}).
		Count(&stats.ActiveUploads).Error; err != nil {
		return nil, common.WrapError(common.KindIOFailure, err, "failed to count active sessions")
	}
	if err := db.Model(&types.UploadSession{}).
		Where("status = ?", types.StatusFailed).
		Count(&stats.FailedUploads).Error; err != nil {
		return nil, common.WrapError(common.KindIOFailure, err, "failed to count failed sessions")
	}
	if err := db.Model(&types.UploadSession{}).
		Select("COALESCE(SUM(bytes_received), 0)").
		Scan(&stats.TotalSize).Error; err != nil {
		return nil, common.WrapError(common.KindIOFailure, err, "failed to sum received bytes")
	}

	var completed []*types.UploadSession
	if err := db.Where("status = ?", types.StatusCompleted).Find(&completed).Error; err != nil {
		return nil, common.WrapError(common.KindIOFailure, err, "failed to load completed sessions")
	}
	var speedSum float64
	var speedCount int64
	for _, rec := range completed {
		if speed := rec.Speed(); speed > 0 {
			speedSum += speed
			speedCount++
		}
	}
	if speedCount > 0 {
		stats.AverageSpeed = speedSum / float64(speedCount)
	}

	return stats, nil
}

// Close closes the database connection
func (r *GormRegistry) Close() error {
	return r.db.Close()
}
