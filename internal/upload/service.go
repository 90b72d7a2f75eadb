package upload

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lgulliver/mediavault/internal/common"
	"github.com/lgulliver/mediavault/internal/registry"
	"github.com/lgulliver/mediavault/internal/scheduler"
	"github.com/lgulliver/mediavault/internal/storage"
	"github.com/lgulliver/mediavault/internal/validation"
	"github.com/lgulliver/mediavault/pkg/config"
	"github.com/lgulliver/mediavault/pkg/types"
	"github.com/lgulliver/mediavault/pkg/utils"
	"github.com/rs/zerolog/log"
)

// Consecutive IO write failures on the same session that mark it failed
const maxWriteFailures = 3

// Service is the session manager: it owns the upload lifecycle state machine
// and orchestrates the validator, scheduler, chunk store and registry. All
// record mutations flow through it.
type Service struct {
	cfg       *config.Config
	registry  registry.SessionRegistry
	store     storage.ChunkStore
	scheduler *scheduler.Scheduler
	validator *validation.Validator

	// Serializes compound transitions (assembly, abort) per handle. The
	// per-chunk hot path does not take this lock around I/O.
	locks sync.Map

	now func() time.Time
}

// NewService wires the session manager
func NewService(cfg *config.Config, reg registry.SessionRegistry, store storage.ChunkStore, sched *scheduler.Scheduler) *Service {
	return &Service{
		cfg:       cfg,
		registry:  reg,
		store:     store,
		scheduler: sched,
		validator: validation.NewValidator(cfg.Upload.ChunkSize, cfg.Upload.MaxFileSize),
		now:       time.Now,
	}
}

func (s *Service) handleLock(uploadID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(uploadID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Init validates the declared fields and creates a session in Initialized
func (s *Service) Init(ctx context.Context, req *validation.InitRequest) (string, error) {
	req.FileName = utils.SanitizeFileName(req.FileName)
	if err := s.validator.CheckInit(req); err != nil {
		return "", err
	}

	uploadID, err := utils.GenerateUploadID()
	if err != nil {
		return "", common.WrapError(common.KindIOFailure, err, "failed to generate upload id")
	}

	now := s.now()
	session := &types.UploadSession{
		UploadID:       uploadID,
		FileName:       req.FileName,
		FileSize:       req.FileSize,
		FileType:       req.FileType,
		TotalChunks:    req.TotalChunks,
		ChunkSize:      s.cfg.Upload.ChunkSize,
		Received:       types.NewChunkBitmap(req.TotalChunks),
		Status:         types.StatusInitialized,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	if err := s.registry.Create(ctx, session); err != nil {
		return "", err
	}

	log.Info().
		Str("upload_id", uploadID).
		Str("file_name", req.FileName).
		Int64("file_size", req.FileSize).
		Str("file_type", req.FileType).
		Int("total_chunks", req.TotalChunks).
		Msg("upload session created")

	return uploadID, nil
}

// touch advances lastActivityAt on a live session; rejections count as
// activity but never mutate anything else
func (s *Service) touch(ctx context.Context, uploadID string) {
	_, _ = s.registry.Update(ctx, uploadID, func(rec *types.UploadSession) error {
		if rec.Status.Terminal() {
			return common.NewError(common.KindConflict, "session closed")
		}
		rec.LastActivityAt = s.now()
		return nil
	})
}

// PutChunk validates, admits, persists and records one chunk. Duplicate
// indices are acknowledged idempotently.
func (s *Service) PutChunk(ctx context.Context, uploadID string, req *validation.ChunkRequest) (*types.Progress, error) {
	rec, err := s.registry.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	if err := s.validator.CheckChunk(rec, req); err != nil {
		s.touch(ctx, uploadID)
		return nil, err
	}

	// Idempotent acknowledgement for an index already persisted
	if rec.Received.Has(req.Index) {
		s.touch(ctx, uploadID)
		progress := rec.Progress()
		return &progress, nil
	}

	release, err := s.scheduler.Admit(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	defer release()

	// Cancellation is checked again at this safe point, after waiting on
	// admission and before touching the store
	current, err := s.registry.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if current.Status == types.StatusAborted {
		return nil, common.Errorf(common.KindCancelled, "session %s was aborted", uploadID)
	}
	if current.Status.Terminal() || current.Status == types.StatusAssembling {
		return nil, common.Errorf(common.KindBadRequest, "session %s is %s", uploadID, current.Status)
	}

	wctx, cancel := context.WithTimeout(ctx, s.cfg.Scheduler.WriteTimeout)
	defer cancel()

	written, err := s.store.WriteChunk(wctx, uploadID, req.Index, bytes.NewReader(req.Payload))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || wctx.Err() == context.DeadlineExceeded {
			err = common.WrapError(common.KindTimeout, err, "chunk write timed out")
		}
		return nil, s.recordWriteFailure(ctx, uploadID, req.Index, err)
	}

	now := s.now()
	garbage := false
	updated, err := s.registry.Update(ctx, uploadID, func(r *types.UploadSession) error {
		if r.Status == types.StatusAborted {
			garbage = true
			return common.Errorf(common.KindCancelled, "session %s was aborted", uploadID)
		}
		if r.Status.Terminal() || r.Status == types.StatusAssembling {
			// Staging still feeds an in-progress assembly; only a closed
			// session's staging is garbage
			garbage = r.Status.Terminal()
			return common.Errorf(common.KindBadRequest, "session %s is %s", uploadID, r.Status)
		}
		if !r.Received.Has(req.Index) {
			r.Received.Set(req.Index)
			r.BytesReceived += written
		}
		if r.FirstChunkAt == nil {
			t := now
			r.FirstChunkAt = &t
		}
		if r.Status == types.StatusInitialized {
			r.Status = types.StatusReceiving
		}
		r.WriteFailures = 0
		r.LastActivityAt = now
		return nil
	})
	if err != nil {
		if garbage {
			// The write lost the race against an abort or another terminal
			// transition; its artifact is garbage now
			_ = s.store.DeleteStaging(ctx, uploadID, rec.TotalChunks)
		}
		return nil, err
	}

	log.Debug().
		Str("upload_id", uploadID).
		Int("index", req.Index).
		Int64("bytes", written).
		Int("received", updated.Received.Count()).
		Int("total", updated.TotalChunks).
		Msg("chunk accepted")

	progress := updated.Progress()

	// The final chunk drives assembly; an explicit complete call remains
	// idempotent after this
	if updated.Received.Count() == updated.TotalChunks {
		if _, _, err := s.Complete(ctx, uploadID, ""); err != nil {
			return nil, err
		}
	}

	return &progress, nil
}

// recordWriteFailure tracks consecutive store failures; only repeated IO
// failures move the session to Failed, transient kinds leave its status
// unchanged and only advance lastActivityAt
func (s *Service) recordWriteFailure(ctx context.Context, uploadID string, index int, writeErr error) error {
	kind := common.KindOf(writeErr)
	log.Warn().
		Err(writeErr).
		Str("upload_id", uploadID).
		Int("index", index).
		Str("kind", string(kind)).
		Msg("chunk write failed")

	if kind != common.KindIOFailure {
		s.touch(ctx, uploadID)
		return writeErr
	}

	failed := false
	_, err := s.registry.Update(ctx, uploadID, func(r *types.UploadSession) error {
		if r.Status.Terminal() {
			return common.NewError(common.KindConflict, "session closed")
		}
		r.WriteFailures++
		r.LastActivityAt = s.now()
		if r.WriteFailures >= maxWriteFailures {
			r.Status = types.StatusFailed
			r.FailureKind = string(common.KindIOFailure)
			r.FailureReason = "repeated chunk write failures"
			failed = true
		}
		return nil
	})
	if err != nil {
		return writeErr
	}
	if failed {
		log.Error().Str("upload_id", uploadID).Msg("session failed after repeated write errors")
		s.scheduler.CancelSession(uploadID)
	}
	return writeErr
}

// Complete verifies all chunks are present, assembles the final object and
// marks the session completed. Repeated calls return the recorded result.
func (s *Service) Complete(ctx context.Context, uploadID string, checksum string) (*types.UploadSession, *types.FinalObject, error) {
	mu := s.handleLock(uploadID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.registry.Get(ctx, uploadID)
	if err != nil {
		return nil, nil, err
	}

	switch rec.Status {
	case types.StatusCompleted:
		return rec, finalObjectOf(rec), nil
	case types.StatusAborted:
		return nil, nil, common.Errorf(common.KindCancelled, "session %s was aborted", uploadID)
	case types.StatusFailed:
		return nil, nil, common.Errorf(common.KindBadRequest, "session %s failed: %s", uploadID, rec.FailureReason)
	case types.StatusAssembling:
		// Entry is idempotent; an interrupted assembly is retried below
	default:
		if rec.Received.Count() != rec.TotalChunks {
			return nil, nil, common.Errorf(common.KindBadRequest,
				"upload incomplete: %d of %d chunks received", rec.Received.Count(), rec.TotalChunks)
		}
	}

	rec, err = s.registry.Update(ctx, uploadID, func(r *types.UploadSession) error {
		if r.Status != types.StatusReceiving && r.Status != types.StatusAssembling {
			return common.Errorf(common.KindConflict, "session %s is %s", uploadID, r.Status)
		}
		if r.Received.Count() != r.TotalChunks {
			return common.Errorf(common.KindBadRequest,
				"upload incomplete: %d of %d chunks received", r.Received.Count(), r.TotalChunks)
		}
		r.Status = types.StatusAssembling
		r.LastActivityAt = s.now()
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	path, size, err := s.store.Assemble(ctx, uploadID, rec.TotalChunks, rec.FileName)
	if err != nil {
		s.fail(ctx, uploadID, common.KindIOFailure, "assembly failed")
		return nil, nil, err
	}

	if size != rec.FileSize {
		_ = s.store.DeleteFinal(ctx, rec.FileName)
		s.fail(ctx, uploadID, common.KindBadRequest, "assembled size does not match declared size")
		return nil, nil, common.Errorf(common.KindBadRequest,
			"assembled %d bytes, declared %d", size, rec.FileSize)
	}

	if checksum != "" {
		if err := s.verifyChecksum(ctx, rec.FileName, checksum); err != nil {
			_ = s.store.DeleteFinal(ctx, rec.FileName)
			s.fail(ctx, uploadID, common.KindBadRequest, "checksum mismatch")
			return nil, nil, err
		}
	}

	now := s.now()
	updated, err := s.registry.Update(ctx, uploadID, func(r *types.UploadSession) error {
		r.Status = types.StatusCompleted
		r.StoragePath = path
		r.AssembledAt = &now
		r.CompletedAt = &now
		r.LastActivityAt = now
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	if err := s.store.DeleteStaging(ctx, uploadID, rec.TotalChunks); err != nil {
		log.Warn().Err(err).Str("upload_id", uploadID).Msg("staging cleanup after assembly failed")
	}

	log.Info().
		Str("upload_id", uploadID).
		Str("file_name", rec.FileName).
		Int64("size", size).
		Msg("upload completed")

	return updated, finalObjectOf(updated), nil
}

func (s *Service) verifyChecksum(ctx context.Context, fileName, expected string) error {
	reader, err := s.store.OpenFinal(ctx, fileName)
	if err != nil {
		return err
	}
	defer reader.Close()

	actual, err := utils.ComputeSHA256FromReader(reader)
	if err != nil {
		return common.WrapError(common.KindIOFailure, err, "failed to checksum assembled object")
	}
	if actual != expected {
		return common.Errorf(common.KindBadRequest, "checksum mismatch: got %s", actual)
	}
	return nil
}

// fail moves a non-terminal session to Failed with the given reason
func (s *Service) fail(ctx context.Context, uploadID string, kind common.ErrorKind, reason string) {
	_, err := s.registry.Update(ctx, uploadID, func(r *types.UploadSession) error {
		if r.Status.Terminal() {
			return common.NewError(common.KindConflict, "session closed")
		}
		r.Status = types.StatusFailed
		r.FailureKind = string(kind)
		r.FailureReason = reason
		r.LastActivityAt = s.now()
		return nil
	})
	if err != nil && !common.IsKind(err, common.KindConflict) {
		log.Error().Err(err).Str("upload_id", uploadID).Msg("failed to record session failure")
	}
	s.scheduler.CancelSession(uploadID)
}

// Status returns a snapshot of the session record
func (s *Service) Status(ctx context.Context, uploadID string) (*types.UploadSession, error) {
	return s.registry.Get(ctx, uploadID)
}

// Resume returns the set of chunk indices the client may safely skip
func (s *Service) Resume(ctx context.Context, uploadID string) (*types.ResumeState, error) {
	rec, err := s.registry.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	return &types.ResumeState{
		ReceivedIndices: rec.Received.Indices(),
		TotalCount:      rec.TotalChunks,
	}, nil
}

// Abort drives a non-terminal session to Aborted, cancels its queued and
// in-flight work and deletes its staging artifacts. Aborting an already
// aborted session is a no-op.
func (s *Service) Abort(ctx context.Context, uploadID string) error {
	mu := s.handleLock(uploadID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.registry.Get(ctx, uploadID)
	if err != nil {
		return err
	}
	if rec.Status == types.StatusAborted {
		return nil
	}
	if rec.Status.Terminal() {
		return common.Errorf(common.KindConflict, "session %s is %s", uploadID, rec.Status)
	}

	_, err = s.registry.Update(ctx, uploadID, func(r *types.UploadSession) error {
		if r.Status.Terminal() {
			return common.NewError(common.KindConflict, "session closed")
		}
		r.Status = types.StatusAborted
		r.FailureKind = string(common.KindCancelled)
		r.FailureReason = "aborted by client"
		r.LastActivityAt = s.now()
		return nil
	})
	if err != nil {
		return err
	}

	s.scheduler.CancelSession(uploadID)

	if err := s.store.DeleteStaging(ctx, uploadID, rec.TotalChunks); err != nil {
		log.Warn().Err(err).Str("upload_id", uploadID).Msg("staging cleanup after abort failed")
	}

	log.Info().Str("upload_id", uploadID).Msg("upload aborted")
	return nil
}

// Remove aborts the session if still live, deletes every artifact and purges
// the registry record. Backs the DELETE endpoint.
func (s *Service) Remove(ctx context.Context, uploadID string) error {
	rec, err := s.registry.Get(ctx, uploadID)
	if err != nil {
		return err
	}

	if !rec.Status.Terminal() {
		if err := s.Abort(ctx, uploadID); err != nil {
			return err
		}
	} else {
		s.scheduler.CancelSession(uploadID)
		if err := s.store.DeleteStaging(ctx, uploadID, rec.TotalChunks); err != nil {
			log.Warn().Err(err).Str("upload_id", uploadID).Msg("staging cleanup failed")
		}
	}

	if rec.Status == types.StatusCompleted {
		if err := s.store.DeleteFinal(ctx, rec.FileName); err != nil {
			log.Warn().Err(err).Str("upload_id", uploadID).Msg("final artifact cleanup failed")
		}
	}

	if err := s.registry.Delete(ctx, uploadID); err != nil && !common.IsKind(err, common.KindNotFound) {
		return err
	}
	s.locks.Delete(uploadID)

	log.Info().Str("upload_id", uploadID).Msg("upload removed")
	return nil
}

// Stats aggregates monitoring counters across all sessions
func (s *Service) Stats(ctx context.Context) (*types.UploadStats, error) {
	return s.registry.Stats(ctx)
}

func finalObjectOf(rec *types.UploadSession) *types.FinalObject {
	obj := &types.FinalObject{
		UploadID:    rec.UploadID,
		Name:        rec.FileName,
		Size:        rec.FileSize,
		MimeType:    rec.FileType,
		StoragePath: rec.StoragePath,
	}
	if rec.AssembledAt != nil {
		obj.AssembledAt = *rec.AssembledAt
	}
	return obj
}
