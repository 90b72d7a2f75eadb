package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lgulliver/mediavault/internal/common"
	"github.com/rs/zerolog/log"
)

const (
	stagingDir = "chunks"
	finalDir   = "final"

	// Free space kept in reserve beyond the incoming chunk itself
	freeSpaceMargin = 64 << 20
)

// LocalStorage implements ChunkStore on the local filesystem. Staged chunks
// live under <base>/chunks/<uploadID>-<index>; assembled objects under
// <base>/final/<name>.
type LocalStorage struct {
	basePath  string
	chunkSize int64
}

// NewLocalStorage creates the staging and final namespaces under basePath
func NewLocalStorage(basePath string, chunkSize int64) (*LocalStorage, error) {
	for _, dir := range []string{filepath.Join(basePath, stagingDir), filepath.Join(basePath, finalDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Error().Err(err).Str("path", dir).Msg("failed to create storage directory")
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	log.Info().Str("path", basePath).Msg("local chunk storage initialized")
	return &LocalStorage{basePath: basePath, chunkSize: chunkSize}, nil
}

func (ls *LocalStorage) chunkPath(uploadID string, index int) string {
	return filepath.Join(ls.basePath, stagingDir, fmt.Sprintf("%s-%d", uploadID, index))
}

func (ls *LocalStorage) finalPath(fileName string) string {
	return filepath.Join(ls.basePath, finalDir, fileName)
}

// WriteChunk persists one chunk with a temp-file write, fsync and atomic rename
func (ls *LocalStorage) WriteChunk(ctx context.Context, uploadID string, index int, content io.Reader) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, common.WrapError(common.KindCancelled, ctx.Err(), "chunk write cancelled")
	default:
	}

	free, err := ls.FreeSpace()
	if err == nil && free < uint64(ls.chunkSize)+freeSpaceMargin {
		log.Warn().
			Str("upload_id", uploadID).
			Uint64("free_bytes", free).
			Msg("rejecting chunk write, insufficient disk space")
		return 0, common.NewError(common.KindExhausted, "insufficient storage space")
	}

	finalPath := ls.chunkPath(uploadID, index)
	tempPath := finalPath + ".tmp." + fmt.Sprintf("%d", time.Now().UnixNano())
	tempFile, err := os.Create(tempPath)
	if err != nil {
		log.Error().Err(err).Str("upload_id", uploadID).Int("index", index).Msg("failed to create temporary chunk file")
		return 0, common.WrapError(common.KindIOFailure, err, "failed to create chunk file")
	}

	defer func() {
		tempFile.Close()
		if _, err := os.Stat(tempPath); err == nil {
			os.Remove(tempPath)
		}
	}()

	bytesWritten, err := io.Copy(tempFile, content)
	if err != nil {
		log.Error().Err(err).Str("upload_id", uploadID).Int("index", index).Msg("failed to write chunk content")
		return 0, common.WrapError(common.KindIOFailure, err, "failed to write chunk")
	}

	if err := tempFile.Sync(); err != nil {
		log.Error().Err(err).Str("upload_id", uploadID).Int("index", index).Msg("failed to sync chunk file")
		return 0, common.WrapError(common.KindIOFailure, err, "failed to sync chunk")
	}
	tempFile.Close()

	select {
	case <-ctx.Done():
		return 0, common.WrapError(common.KindCancelled, ctx.Err(), "chunk write cancelled")
	default:
	}

	// Last writer wins for concurrent writes of the same (uploadID, index)
	if err := os.Rename(tempPath, finalPath); err != nil {
		log.Error().Err(err).Str("upload_id", uploadID).Int("index", index).Msg("failed to move chunk into staging")
		return 0, common.WrapError(common.KindIOFailure, err, "failed to finalize chunk")
	}

	log.Debug().
		Str("upload_id", uploadID).
		Int("index", index).
		Int64("bytes_written", bytesWritten).
		Msg("chunk stored")

	return bytesWritten, nil
}

// ReadChunk opens a staged chunk for reading
func (ls *LocalStorage) ReadChunk(ctx context.Context, uploadID string, index int) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, common.WrapError(common.KindCancelled, ctx.Err(), "chunk read cancelled")
	default:
	}

	file, err := os.Open(ls.chunkPath(uploadID, index))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.Errorf(common.KindNotFound, "chunk %d not found", index)
		}
		return nil, common.WrapError(common.KindIOFailure, err, "failed to open chunk")
	}
	return file, nil
}

// ChunkSize returns the size of a staged chunk
func (ls *LocalStorage) ChunkSize(ctx context.Context, uploadID string, index int) (int64, error) {
	info, err := os.Stat(ls.chunkPath(uploadID, index))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, common.Errorf(common.KindNotFound, "chunk %d not found", index)
		}
		return 0, common.WrapError(common.KindIOFailure, err, "failed to stat chunk")
	}
	return info.Size(), nil
}

// Assemble concatenates staged chunks in ascending index order into the final
// namespace. The object is built in a temp file and renamed, so a partial
// assembly never appears under the final name. At most one chunk's worth of
// data is buffered at a time.
func (ls *LocalStorage) Assemble(ctx context.Context, uploadID string, totalChunks int, fileName string) (string, int64, error) {
	startTime := time.Now()
	finalPath := ls.finalPath(fileName)
	tempPath := finalPath + ".tmp." + fmt.Sprintf("%d", time.Now().UnixNano())

	out, err := os.Create(tempPath)
	if err != nil {
		return "", 0, common.WrapError(common.KindIOFailure, err, "failed to create assembly file")
	}
	defer func() {
		out.Close()
		if _, err := os.Stat(tempPath); err == nil {
			os.Remove(tempPath)
		}
	}()

	var totalBytes int64
	for index := 0; index < totalChunks; index++ {
		select {
		case <-ctx.Done():
			return "", 0, common.WrapError(common.KindCancelled, ctx.Err(), "assembly cancelled")
		default:
		}

		chunk, err := os.Open(ls.chunkPath(uploadID, index))
		if err != nil {
			if os.IsNotExist(err) {
				return "", 0, common.Errorf(common.KindIOFailure, "chunk %d missing during assembly", index)
			}
			return "", 0, common.WrapError(common.KindIOFailure, err, "failed to open chunk during assembly")
		}

		n, err := io.Copy(out, chunk)
		chunk.Close()
		if err != nil {
			return "", 0, common.WrapError(common.KindIOFailure, err, "failed to append chunk during assembly")
		}
		totalBytes += n
	}

	if err := out.Sync(); err != nil {
		return "", 0, common.WrapError(common.KindIOFailure, err, "failed to sync assembled object")
	}
	out.Close()

	if err := os.Rename(tempPath, finalPath); err != nil {
		return "", 0, common.WrapError(common.KindIOFailure, err, "failed to finalize assembled object")
	}

	log.Info().
		Str("upload_id", uploadID).
		Str("file_name", fileName).
		Int("chunks", totalChunks).
		Int64("size", totalBytes).
		Dur("duration", time.Since(startTime)).
		Msg("object assembled")

	return finalPath, totalBytes, nil
}

// OpenFinal opens an assembled object for reading
func (ls *LocalStorage) OpenFinal(ctx context.Context, fileName string) (io.ReadCloser, error) {
	file, err := os.Open(ls.finalPath(fileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.Errorf(common.KindNotFound, "object %s not found", fileName)
		}
		return nil, common.WrapError(common.KindIOFailure, err, "failed to open object")
	}
	return file, nil
}

// DeleteStaging removes every staged chunk of a session, including interrupted
// temp files. Failures are logged; the first error is returned after the
// sweep finishes.
func (ls *LocalStorage) DeleteStaging(ctx context.Context, uploadID string, totalChunks int) error {
	pattern := filepath.Join(ls.basePath, stagingDir, uploadID+"-*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return common.WrapError(common.KindIOFailure, err, "failed to scan staging")
	}

	var firstErr error
	removed := 0
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Error().Err(err).Str("path", path).Msg("failed to delete staged chunk")
			if firstErr == nil {
				firstErr = common.WrapError(common.KindIOFailure, err, "failed to delete staged chunk")
			}
			continue
		}
		removed++
	}

	if removed > 0 {
		log.Debug().Str("upload_id", uploadID).Int("removed", removed).Msg("staging artifacts deleted")
	}
	return firstErr
}

// DeleteFinal removes an assembled object
func (ls *LocalStorage) DeleteFinal(ctx context.Context, fileName string) error {
	if err := os.Remove(ls.finalPath(fileName)); err != nil && !os.IsNotExist(err) {
		log.Error().Err(err).Str("file_name", fileName).Msg("failed to delete assembled object")
		return common.WrapError(common.KindIOFailure, err, "failed to delete object")
	}
	return nil
}

// FreeSpace reports the bytes available on the volume backing the store
func (ls *LocalStorage) FreeSpace() (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(ls.basePath, &st); err != nil {
		return 0, common.WrapError(common.KindIOFailure, err, "failed to probe free space")
	}
	return st.Bavail * uint64(st.Bsize), nil
}
