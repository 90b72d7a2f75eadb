package upload

import (
	"context"
	"time"

	"github.com/lgulliver/mediavault/internal/common"
	"github.com/lgulliver/mediavault/internal/validation"
	"github.com/lgulliver/mediavault/pkg/types"
	"github.com/rs/zerolog/log"
)

// Reaper periodically aborts stale sessions and reclaims expired artifacts.
// It never touches a session whose activity is more recent than the stale
// threshold: scan results are snapshots, and a stale session is re-read under
// the registry's write lock before it is aborted. Terminal sessions past
// retention are cleaned up from the scan snapshot without a re-read.
type Reaper struct {
	svc     *Service
	limiter *validation.RateLimiter

	interval   time.Duration
	staleAfter time.Duration
	retention  time.Duration

	now func() time.Time
}

// NewReaper creates a reaper over the service's registry and store
func NewReaper(svc *Service, limiter *validation.RateLimiter) *Reaper {
	return &Reaper{
		svc:        svc,
		limiter:    limiter,
		interval:   svc.cfg.Upload.ReaperInterval,
		staleAfter: svc.cfg.Upload.StaleThreshold,
		retention:  svc.cfg.Upload.Retention,
		now:        time.Now,
	}
}

// Start runs the reaper loop until ctx is cancelled
func (r *Reaper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		log.Info().
			Dur("interval", r.interval).
			Dur("stale_threshold", r.staleAfter).
			Msg("reaper started")

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("reaper stopped")
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}()
}

// Sweep runs one reap pass
func (r *Reaper) Sweep(ctx context.Context) {
	now := r.now()

	r.reapStale(ctx, now)
	r.reapExpired(ctx, now)

	if r.limiter != nil {
		r.limiter.Prune(time.Hour)
	}
}

// reapStale aborts live sessions idle past the stale threshold
func (r *Reaper) reapStale(ctx context.Context, now time.Time) {
	cutoff := now.Add(-r.staleAfter)
	stale, err := r.svc.registry.ScanByLastActivityBefore(ctx, cutoff,
		types.StatusInitialized, types.StatusReceiving)
	if err != nil {
		log.Error().Err(err).Msg("stale session scan failed")
		return
	}

	for _, snapshot := range stale {
		uploadID := snapshot.UploadID

		_, err := r.svc.registry.Update(ctx, uploadID, func(rec *types.UploadSession) error {
			// The snapshot may be outdated; only a session still idle and
			// still live is reaped
			if rec.Status.Terminal() || rec.Status == types.StatusAssembling {
				return common.NewError(common.KindConflict, "session no longer reapable")
			}
			if !rec.LastActivityAt.Before(cutoff) {
				return common.NewError(common.KindConflict, "session active again")
			}
			rec.Status = types.StatusAborted
			rec.FailureKind = string(common.KindCancelled)
			rec.FailureReason = "reaped after inactivity"
			rec.LastActivityAt = now
			return nil
		})
		if err != nil {
			if !common.IsKind(err, common.KindConflict) && !common.IsKind(err, common.KindNotFound) {
				log.Error().Err(err).Str("upload_id", uploadID).Msg("failed to reap session")
			}
			continue
		}

		r.svc.scheduler.CancelSession(uploadID)
		if err := r.svc.store.DeleteStaging(ctx, uploadID, snapshot.TotalChunks); err != nil {
			log.Warn().Err(err).Str("upload_id", uploadID).Msg("staging cleanup after reap failed")
		}

		log.Info().
			Str("upload_id", uploadID).
			Time("last_activity", snapshot.LastActivityAt).
			Msg("stale session aborted")
	}
}

// reapExpired reclaims artifacts of terminal sessions past retention.
// Completed sessions keep their record with the artifact removed; failed and
// aborted records are purged outright.
func (r *Reaper) reapExpired(ctx context.Context, now time.Time) {
	cutoff := now.Add(-r.retention)

	completed, err := r.svc.registry.ScanByLastActivityBefore(ctx, cutoff, types.StatusCompleted)
	if err != nil {
		log.Error().Err(err).Msg("expired session scan failed")
		return
	}
	for _, rec := range completed {
		if rec.CompletedAt == nil || !rec.CompletedAt.Before(cutoff) {
			continue
		}
		if rec.StoragePath == "" {
			continue
		}
		if err := r.svc.store.DeleteFinal(ctx, rec.FileName); err != nil {
			log.Warn().Err(err).Str("upload_id", rec.UploadID).Msg("expired artifact cleanup failed")
			continue
		}
		_, err := r.svc.registry.Update(ctx, rec.UploadID, func(cur *types.UploadSession) error {
			cur.StoragePath = ""
			return nil
		})
		if err != nil {
			log.Warn().Err(err).Str("upload_id", rec.UploadID).Msg("failed to clear storage path")
		}
		log.Info().Str("upload_id", rec.UploadID).Msg("expired artifact removed")
	}

	terminal, err := r.svc.registry.ScanByLastActivityBefore(ctx, cutoff,
		types.StatusFailed, types.StatusAborted)
	if err != nil {
		log.Error().Err(err).Msg("terminal session scan failed")
		return
	}
	for _, rec := range terminal {
		if err := r.svc.store.DeleteStaging(ctx, rec.UploadID, rec.TotalChunks); err != nil {
			log.Warn().Err(err).Str("upload_id", rec.UploadID).Msg("staging cleanup failed")
		}
		if err := r.svc.registry.Delete(ctx, rec.UploadID); err != nil && !common.IsKind(err, common.KindNotFound) {
			log.Warn().Err(err).Str("upload_id", rec.UploadID).Msg("failed to purge session record")
			continue
		}
		r.svc.locks.Delete(rec.UploadID)
		log.Info().Str("upload_id", rec.UploadID).Str("status", string(rec.Status)).Msg("terminal session purged")
	}
}
