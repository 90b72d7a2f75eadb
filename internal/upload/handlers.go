package upload

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/mediavault/internal/common"
	"github.com/lgulliver/mediavault/internal/validation"
	"github.com/lgulliver/mediavault/pkg/types"
	"github.com/rs/zerolog/log"
)

// Handlers exposes the coordinator over HTTP
type Handlers struct {
	svc *Service
}

// NewHandlers creates the HTTP handler set for the service
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

func respondError(c *gin.Context, err error) {
	kind := common.KindOf(err)
	status := common.HTTPStatus(kind)
	if status == http.StatusTooManyRequests {
		c.Header("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	}
	c.JSON(status, gin.H{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

// InitUpload handles POST /api/upload/init
func (h *Handlers) InitUpload(c *gin.Context) {
	var req validation.InitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, common.WrapError(common.KindBadRequest, err, "invalid init request"))
		return
	}

	uploadID, err := h.svc.Init(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"uploadId": uploadID})
}

// UploadChunk handles POST /api/upload/chunk/:uploadId
func (h *Handlers) UploadChunk(c *gin.Context) {
	uploadID := c.Param("uploadId")

	fileHeader, err := c.FormFile("chunk")
	if err != nil {
		respondError(c, common.WrapError(common.KindBadRequest, err, "missing chunk part"))
		return
	}

	index, err := strconv.Atoi(c.PostForm("chunkIndex"))
	if err != nil {
		respondError(c, common.NewError(common.KindBadRequest, "invalid chunkIndex"))
		return
	}

	totalChunks := 0
	if v := c.PostForm("totalChunks"); v != "" {
		if totalChunks, err = strconv.Atoi(v); err != nil {
			respondError(c, common.NewError(common.KindBadRequest, "invalid totalChunks"))
			return
		}
	}

	file, err := fileHeader.Open()
	if err != nil {
		respondError(c, common.WrapError(common.KindBadRequest, err, "unreadable chunk part"))
		return
	}
	defer file.Close()

	// One byte past the limit is enough to detect an oversize chunk without
	// buffering an unbounded body
	maxChunk := h.svc.cfg.Upload.ChunkSize
	payload, err := io.ReadAll(io.LimitReader(file, maxChunk+1))
	if err != nil {
		respondError(c, common.WrapError(common.KindIOFailure, err, "failed to read chunk"))
		return
	}
	if int64(len(payload)) > maxChunk {
		respondError(c, common.Errorf(common.KindTooLarge, "chunk exceeds limit %d", maxChunk))
		return
	}

	progress, err := h.svc.PutChunk(c.Request.Context(), uploadID, &validation.ChunkRequest{
		Index:       index,
		TotalChunks: totalChunks,
		FileType:    c.PostForm("fileType"),
		Payload:     payload,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"progress": progress,
	})
}

// CompleteUpload handles POST /api/upload/complete/:uploadId
func (h *Handlers) CompleteUpload(c *gin.Context) {
	uploadID := c.Param("uploadId")

	var req struct {
		Checksum string `json:"checksum"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, common.WrapError(common.KindBadRequest, err, "invalid complete request"))
			return
		}
	}

	rec, _, err := h.svc.Complete(c.Request.Context(), uploadID, req.Checksum)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"uploadSpeed": rec.Speed(),
		"status":      string(types.StatusCompleted),
	})
}

// UploadStatus handles GET /api/upload/status/:uploadId
func (h *Handlers) UploadStatus(c *gin.Context) {
	rec, err := h.svc.Status(c.Request.Context(), c.Param("uploadId"))
	if err != nil {
		respondError(c, err)
		return
	}

	progress := rec.Progress()
	c.JSON(http.StatusOK, gin.H{
		"status":         string(rec.Status),
		"uploadedChunks": progress.ReceivedCount,
		"totalChunks":    progress.TotalCount,
		"progress":       progress.Percentage,
	})
}

// ResumeUpload handles GET /api/upload/resume/:uploadId
func (h *Handlers) ResumeUpload(c *gin.Context) {
	state, err := h.svc.Resume(c.Request.Context(), c.Param("uploadId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// DeleteUpload handles DELETE /api/upload/:uploadId
func (h *Handlers) DeleteUpload(c *gin.Context) {
	if err := h.svc.Remove(c.Request.Context(), c.Param("uploadId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// MonitoringStats handles GET /api/monitoring/stats
func (h *Handlers) MonitoringStats(c *gin.Context) {
	stats, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// RequestLogger logs upload requests with structured fields
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Str("client_ip", c.ClientIP()).
			Msg("request handled")
	}
}
