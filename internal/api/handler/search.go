package handler

import (
	"context"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/visionsearch/internal/domain"
	"github.com/timmy/visionsearch/internal/service"
)

// Searcher runs text and media similarity searches.
type Searcher interface {
	TextSearch(ctx context.Context, req *service.TextSearchRequest) (*service.SearchResponse, error)
	MediaSearch(ctx context.Context, req *service.MediaSearchRequest) (*service.SearchResponse, error)
}

// SearchHandler handles search-related endpoints.
type SearchHandler struct {
	searcher Searcher
	maxSize  int64
}

// NewSearchHandler creates a new search handler.
// Parameters:
//   - searcher: search service instance.
//   - maxSize: upper bound on bytes read from one query file.
// Returns:
//   - *SearchHandler: initialized handler.
func NewSearchHandler(searcher Searcher, maxSize int64) *SearchHandler {
	return &SearchHandler{searcher: searcher, maxSize: maxSize}
}

// TextSearch handles POST /api/search/text.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *SearchHandler) TextSearch(c *gin.Context) {
	var req service.TextSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request: "+err.Error())
		return
	}

	result, err := h.searcher.TextSearch(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	writeResults(c, result)
}

// MediaSearch handles POST /api/search/media with a multipart "file" field.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *SearchHandler) MediaSearch(c *gin.Context) {
	upload, ok := readUpload(c, h.maxSize)
	if !ok {
		return
	}
	opts, ok := formOptions(c)
	if !ok {
		return
	}

	result, err := h.searcher.MediaSearch(c.Request.Context(), &service.MediaSearchRequest{
		Name:          upload.name,
		MIMEType:      upload.mimeType,
		Data:          upload.data,
		SearchOptions: opts,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	writeResults(c, result)
}

func writeResults(c *gin.Context, result *service.SearchResponse) {
	if result.Results == nil {
		result.Results = []domain.SearchResult{}
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"data":         result.Results,
		"count":        len(result.Results),
		"query":        result.Query,
		"primaryModel": result.PrimaryModel,
		"models":       result.Models,
	})
}

// formOptions reads limit, minScore and primaryModel from form fields.
func formOptions(c *gin.Context) (service.SearchOptions, bool) {
	var opts service.SearchOptions
	if v := c.PostForm("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			badRequest(c, "Invalid limit: "+v)
			return opts, false
		}
		opts.Limit = limit
	}
	if v := c.PostForm("minScore"); v != "" {
		minScore, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(minScore) || math.IsInf(minScore, 0) {
			badRequest(c, "Invalid minScore: "+v)
			return opts, false
		}
		opts.MinScore = &minScore
	}
	opts.PrimaryModel = c.PostForm("primaryModel")
	return opts, true
}
