package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/visionsearch/internal/domain"
	"github.com/timmy/visionsearch/internal/service"
)

// MediaManager manages catalog items.
type MediaManager interface {
	Upload(ctx context.Context, req *service.UploadRequest) (*domain.MediaItem, error)
	List(ctx context.Context) ([]domain.MediaItem, int64, error)
	Get(ctx context.Context, id string) (*domain.MediaItem, error)
	Delete(ctx context.Context, id string) error
}

// MediaHandler handles media catalog endpoints.
type MediaHandler struct {
	media   MediaManager
	maxSize int64
}

// NewMediaHandler creates a new media handler.
// Parameters:
//   - media: media service instance.
//   - maxSize: upper bound on bytes read from one uploaded file.
// Returns:
//   - *MediaHandler: initialized handler.
func NewMediaHandler(media MediaManager, maxSize int64) *MediaHandler {
	return &MediaHandler{media: media, maxSize: maxSize}
}

// Upload handles POST /api/media/upload.
func (h *MediaHandler) Upload(c *gin.Context) {
	upload, ok := readUpload(c, h.maxSize)
	if !ok {
		return
	}

	item, err := h.media.Upload(c.Request.Context(), &service.UploadRequest{
		Name:      upload.name,
		MIMEType:  upload.mimeType,
		Data:      upload.data,
		SourceURL: c.PostForm("sourceUrl"),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    item,
		"models":  item.Bundle.Keys(),
	})
}

// List handles GET /api/media.
func (h *MediaHandler) List(c *gin.Context) {
	items, total, err := h.media.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if items == nil {
		items = []domain.MediaItem{}
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    items,
		"total":   total,
	})
}

// Get handles GET /api/media/:id.
func (h *MediaHandler) Get(c *gin.Context) {
	item, err := h.media.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    item,
		"models":  item.Bundle.Keys(),
	})
}

// Delete handles DELETE /api/media/:id.
func (h *MediaHandler) Delete(c *gin.Context) {
	if err := h.media.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Media deleted",
	})
}

type uploadedFile struct {
	name     string
	mimeType string
	data     []byte
}

// readUpload reads the multipart "file" field, writing a 400 response on failure.
// A maxSize of 0 disables the size check.
func readUpload(c *gin.Context, maxSize int64) (*uploadedFile, bool) {
	fh, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "Missing file: "+err.Error())
		return nil, false
	}
	if maxSize > 0 && fh.Size > maxSize {
		badRequest(c, fmt.Sprintf("File too large: %d bytes, limit %d", fh.Size, maxSize))
		return nil, false
	}
	f, err := fh.Open()
	if err != nil {
		badRequest(c, "Unreadable file: "+err.Error())
		return nil, false
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		badRequest(c, "Unreadable file: "+err.Error())
		return nil, false
	}
	return &uploadedFile{
		name:     fh.Filename,
		mimeType: fh.Header.Get("Content-Type"),
		data:     data,
	}, true
}
