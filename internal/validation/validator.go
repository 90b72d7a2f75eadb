package validation

import (
	"bytes"

	"github.com/lgulliver/mediavault/internal/common"
	"github.com/lgulliver/mediavault/pkg/types"
)

// allowedTypes is the declared-MIME allow-set for uploads
var allowedTypes = map[string]bool{
	"image/jpeg":               true,
	"image/png":                true,
	"image/gif":                true,
	"video/mp4":                true,
	"video/webm":               true,
	"application/pdf":          true,
	"text/plain":               true,
	"application/octet-stream": true,
}

// magicNumbers maps a declared MIME to the leading bytes the first chunk must
// carry. Types absent from the table are accepted without a signature check.
var magicNumbers = map[string][]byte{
	"image/jpeg": {0xFF, 0xD8, 0xFF},
	"image/png":  {0x89, 0x50, 0x4E, 0x47},
	"image/gif":  {0x47, 0x49, 0x46, 0x38},
	"video/mp4":  {0x00, 0x00, 0x00, 0x20, 0x66, 0x74, 0x79, 0x70},
	"video/webm": {0x1A, 0x45, 0xDF, 0xA3},
}

// InitRequest carries the declared fields of a new upload
type InitRequest struct {
	FileName    string `json:"fileName" binding:"required"`
	FileSize    int64  `json:"fileSize" binding:"required"`
	FileType    string `json:"fileType" binding:"required"`
	TotalChunks int    `json:"totalChunks" binding:"required"`
}

// ChunkRequest carries the declared and observed properties of one chunk
type ChunkRequest struct {
	Index       int
	TotalChunks int
	FileType    string
	Payload     []byte
}

// Validator applies pre-acceptance checks on declared and observed upload
// properties. Checks run in order and short-circuit on the first rejection.
type Validator struct {
	chunkSize   int64
	maxFileSize int64
}

// NewValidator creates a validator for the configured size bounds
func NewValidator(chunkSize, maxFileSize int64) *Validator {
	return &Validator{chunkSize: chunkSize, maxFileSize: maxFileSize}
}

// CheckInit validates the declared fields of an init request. The file name
// must already be sanitized by the caller.
func (v *Validator) CheckInit(req *InitRequest) error {
	if req.FileName == "" {
		return common.NewError(common.KindBadRequest, "file name is empty after sanitization")
	}
	if req.FileSize <= 0 {
		return common.NewError(common.KindBadRequest, "file size must be positive")
	}
	if req.FileSize > v.maxFileSize {
		return common.Errorf(common.KindTooLarge, "file size %d exceeds limit %d", req.FileSize, v.maxFileSize)
	}
	if !allowedTypes[req.FileType] {
		return common.Errorf(common.KindBadRequest, "file type %s is not allowed", req.FileType)
	}

	expected := int((req.FileSize + v.chunkSize - 1) / v.chunkSize)
	if req.TotalChunks != expected {
		return common.Errorf(common.KindBadRequest,
			"declared %d chunks, expected %d for %d bytes", req.TotalChunks, expected, req.FileSize)
	}
	return nil
}

// CheckChunk validates one chunk against its session: structural bounds,
// declared-type consistency, and the magic-number rule for the first chunk
func (v *Validator) CheckChunk(session *types.UploadSession, req *ChunkRequest) error {
	// Structural
	switch {
	case session.Status == types.StatusAborted:
		return common.Errorf(common.KindCancelled, "session %s was aborted", session.UploadID)
	case session.Status.Terminal() || session.Status == types.StatusAssembling:
		return common.Errorf(common.KindBadRequest, "session %s is %s", session.UploadID, session.Status)
	}
	if req.Index < 0 || req.Index >= session.TotalChunks {
		return common.Errorf(common.KindBadRequest,
			"chunk index %d out of range [0, %d)", req.Index, session.TotalChunks)
	}
	if int64(len(req.Payload)) > session.ChunkSize {
		return common.Errorf(common.KindTooLarge,
			"chunk of %d bytes exceeds limit %d", len(req.Payload), session.ChunkSize)
	}
	if len(req.Payload) == 0 {
		return common.NewError(common.KindBadRequest, "chunk payload is empty")
	}

	// Declared fields must stay consistent across calls for the same handle
	if req.TotalChunks != 0 && req.TotalChunks != session.TotalChunks {
		return common.Errorf(common.KindConflict,
			"declared %d total chunks, session has %d", req.TotalChunks, session.TotalChunks)
	}
	if req.FileType != "" && req.FileType != session.FileType {
		return common.Errorf(common.KindConflict,
			"declared type %s, session has %s", req.FileType, session.FileType)
	}

	if !allowedTypes[session.FileType] {
		return common.Errorf(common.KindBadRequest, "file type %s is not allowed", session.FileType)
	}

	if req.Index == 0 {
		if err := v.CheckMagic(session.FileType, req.Payload); err != nil {
			return err
		}
	}
	return nil
}

// CheckMagic verifies the leading bytes of the first chunk match the declared
// MIME type's signature
func (v *Validator) CheckMagic(fileType string, leading []byte) error {
	magic, ok := magicNumbers[fileType]
	if !ok {
		return nil
	}
	if len(leading) < len(magic) || !bytes.Equal(leading[:len(magic)], magic) {
		return common.Errorf(common.KindBadRequest, "content does not match declared type %s", fileType)
	}
	return nil
}
