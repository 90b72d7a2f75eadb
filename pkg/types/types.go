package types

import (
	"database/sql/driver"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/bits"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UploadStatus is the lifecycle state of an upload session
type UploadStatus string

const (
	StatusInitialized UploadStatus = "initialized"
	StatusReceiving   UploadStatus = "receiving"
	StatusAssembling  UploadStatus = "assembling"
	StatusCompleted   UploadStatus = "completed"
	StatusFailed      UploadStatus = "failed"
	StatusAborted     UploadStatus = "aborted"
)

// Terminal reports whether no further mutation is accepted in this state
func (s UploadStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// ChunkBitmap is a dense bitmap of received chunk indices, bounded by the
// declared chunk count at creation time
type ChunkBitmap []byte

// NewChunkBitmap allocates a bitmap sized for totalChunks indices
func NewChunkBitmap(totalChunks int) ChunkBitmap {
	if totalChunks <= 0 {
		return ChunkBitmap{}
	}
	return make(ChunkBitmap, (totalChunks+7)/8)
}

// Has reports whether index is set
func (b ChunkBitmap) Has(index int) bool {
	if index < 0 || index/8 >= len(b) {
		return false
	}
	return b[index/8]&(1<<(index%8)) != 0
}

// Set marks index as received
func (b ChunkBitmap) Set(index int) {
	if index < 0 || index/8 >= len(b) {
		return
	}
	b[index/8] |= 1 << (index % 8)
}

// Count returns the number of set indices
func (b ChunkBitmap) Count() int {
	n := 0
	for _, by := range b {
		n += bits.OnesCount8(by)
	}
	return n
}

// Indices returns the set indices in ascending order
func (b ChunkBitmap) Indices() []int {
	out := make([]int, 0, b.Count())
	for i := 0; i < len(b)*8; i++ {
		if b.Has(i) {
			out = append(out, i)
		}
	}
	return out
}

// Clone returns an independent copy of the bitmap
func (b ChunkBitmap) Clone() ChunkBitmap {
	if b == nil {
		return nil
	}
	out := make(ChunkBitmap, len(b))
	copy(out, b)
	return out
}

// Value implements the driver.Valuer interface for GORM
func (b ChunkBitmap) Value() (driver.Value, error) {
	return base64.StdEncoding.EncodeToString(b), nil
}

// Scan implements the sql.Scanner interface for GORM
func (b *ChunkBitmap) Scan(value interface{}) error {
	if value == nil {
		*b = nil
		return nil
	}

	var s string
	switch v := value.(type) {
	case []byte:
		s = string(v)
	case string:
		s = v
	default:
		return fmt.Errorf("cannot scan %T into ChunkBitmap", value)
	}

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid bitmap encoding: %w", err)
	}
	*b = ChunkBitmap(raw)
	return nil
}

// MarshalJSON encodes the bitmap as base64 for non-SQL registries
func (b ChunkBitmap) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(b))
}

// UnmarshalJSON decodes the base64 bitmap representation
func (b *ChunkBitmap) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid bitmap encoding: %w", err)
	}
	*b = ChunkBitmap(raw)
	return nil
}

// UploadSession is the persisted record of one upload in progress
type UploadSession struct {
	ID             uuid.UUID    `json:"id" gorm:"primaryKey"`
	UploadID       string       `json:"upload_id" gorm:"uniqueIndex;not null"`
	FileName       string       `json:"file_name" gorm:"not null"`
	FileSize       int64        `json:"file_size" gorm:"not null"`
	FileType       string       `json:"file_type" gorm:"not null"`
	TotalChunks    int          `json:"total_chunks" gorm:"not null"`
	ChunkSize      int64        `json:"chunk_size" gorm:"not null"`
	Received       ChunkBitmap  `json:"received" gorm:"type:text"`
	BytesReceived  int64        `json:"bytes_received"`
	WriteFailures  int          `json:"write_failures"`
	Status         UploadStatus `json:"status" gorm:"index"`
	FailureKind    string       `json:"failure_kind,omitempty"`
	FailureReason  string       `json:"failure_reason,omitempty"`
	StoragePath    string       `json:"storage_path,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	LastActivityAt time.Time    `json:"last_activity_at" gorm:"index"`
	FirstChunkAt   *time.Time   `json:"first_chunk_at,omitempty"`
	AssembledAt    *time.Time   `json:"assembled_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
}

// BeforeCreate generates a UUID for the session record ID
func (s *UploadSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// Clone returns a deep copy safe to hand out as a snapshot
func (s *UploadSession) Clone() *UploadSession {
	out := *s
	out.Received = s.Received.Clone()
	if s.FirstChunkAt != nil {
		t := *s.FirstChunkAt
		out.FirstChunkAt = &t
	}
	if s.AssembledAt != nil {
		t := *s.AssembledAt
		out.AssembledAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// Progress returns the received/total counters for the session
func (s *UploadSession) Progress() Progress {
	received := s.Received.Count()
	p := Progress{ReceivedCount: received, TotalCount: s.TotalChunks}
	if s.TotalChunks > 0 {
		p.Percentage = float64(received) / float64(s.TotalChunks) * 100
	}
	return p
}

// Speed derives the average upload rate in bytes per second. It is computed
// on read, never maintained by writers.
func (s *UploadSession) Speed() float64 {
	if s.FirstChunkAt == nil || s.BytesReceived == 0 {
		return 0
	}
	elapsed := s.LastActivityAt.Sub(*s.FirstChunkAt).Seconds()
	if elapsed <= 0 {
		return float64(s.BytesReceived)
	}
	return float64(s.BytesReceived) / elapsed
}

// Progress reports how much of a session has been received
type Progress struct {
	ReceivedCount int     `json:"receivedCount"`
	TotalCount    int     `json:"totalCount"`
	Percentage    float64 `json:"percentage"`
}

// FinalObject describes the assembled file of a completed session
type FinalObject struct {
	UploadID    string    `json:"upload_id"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	MimeType    string    `json:"mime_type"`
	AssembledAt time.Time `json:"assembled_at"`
	StoragePath string    `json:"storage_path"`
}

// ResumeState is the set of chunk indices a client may safely skip
type ResumeState struct {
	ReceivedIndices []int `json:"receivedIndices"`
	TotalCount      int   `json:"totalCount"`
}

// UploadStats aggregates monitoring counters across all sessions
type UploadStats struct {
	TotalUploads  int64   `json:"totalUploads"`
	ActiveUploads int64   `json:"activeUploads"`
	FailedUploads int64   `json:"failedUploads"`
	TotalSize     int64   `json:"totalSize"`
	AverageSpeed  float64 `json:"averageSpeed"`
}
