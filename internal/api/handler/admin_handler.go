package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/visionsearch/internal/logger"
	"github.com/timmy/visionsearch/internal/service"
	"github.com/timmy/visionsearch/internal/source"
)

// Ingester imports files from a source.
type Ingester interface {
	IngestFromSource(ctx context.Context, src source.Source, limit int) (*service.IngestStats, error)
}

// SelfChecker reports per-model self-similarity for a stored item.
type SelfChecker interface {
	SelfCheck(ctx context.Context, id string) ([]service.SelfCheckResult, error)
}

// AdminHandler handles admin operations.
type AdminHandler struct {
	ingester Ingester
	checker  SelfChecker
	sources  map[string]source.Source

	// Ingest run state
	mu            sync.RWMutex
	isRunning     bool
	currentStats  *service.IngestStats
	lastRunTime   time.Time
	lastRunStatus string
}

// NewAdminHandler creates a new admin handler.
// Parameters:
//   - ingester: ingest service instance.
//   - checker: media service used for self checks.
//   - sources: configured source adapters keyed by name.
// Returns:
//   - *AdminHandler: initialized handler.
func NewAdminHandler(ingester Ingester, checker SelfChecker, sources map[string]source.Source) *AdminHandler {
	return &AdminHandler{
		ingester: ingester,
		checker:  checker,
		sources:  sources,
	}
}

// IngestRequest represents the ingest API request.
type IngestRequest struct {
	Source string `json:"source" binding:"required"`
	Limit  int    `json:"limit" binding:"min=0,max=100000"`
}

// IngestStatusResponse represents the ingest status.
type IngestStatusResponse struct {
	IsRunning     bool                 `json:"is_running"`
	LastRunTime   string               `json:"last_run_time,omitempty"`
	LastRunStatus string               `json:"last_run_status,omitempty"`
	CurrentStats  *service.IngestStats `json:"current_stats,omitempty"`
}

// TriggerIngest handles POST /api/admin/ingest. The run is synchronous and
// detached from request cancellation.
func (h *AdminHandler) TriggerIngest(c *gin.Context) {
	ctx := c.Request.Context()

	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	src, ok := h.sources[req.Source]
	if !ok {
		logger.CtxWarn(ctx, "Unknown source requested: source=%s, client_ip=%s", req.Source, c.ClientIP())
		badRequest(c, "Unknown source: "+req.Source)
		return
	}

	h.mu.Lock()
	if h.isRunning {
		h.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": "Ingest is already running"})
		return
	}
	h.isRunning = true
	h.currentStats = nil
	h.mu.Unlock()

	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldSource: req.Source,
		logger.FieldJobID:  time.Now().UTC().Format("20060102T150405"),
	})
	start := time.Now()
	stats, err := h.ingester.IngestFromSource(context.WithoutCancel(ctx), src, req.Limit)
	duration := time.Since(start)

	h.mu.Lock()
	h.isRunning = false
	h.currentStats = stats
	h.lastRunTime = time.Now()
	if err != nil {
		h.lastRunStatus = "failed: " + err.Error()
	} else {
		h.lastRunStatus = "success"
	}
	h.mu.Unlock()

	if err != nil {
		logger.With(logger.Fields{logger.FieldSource: req.Source}).WithDuration(duration.Milliseconds()).Error(ctx, "Ingest failed: source=%s, error=%v", req.Source, err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error(), "stats": stats})
		return
	}

	logger.With(logger.Fields{logger.FieldSource: req.Source}).
		WithDuration(duration.Milliseconds()).
		WithCount(int(stats.ProcessedItems)).
		Info(ctx, "Ingest completed: source=%s, total=%d, failed=%d, skipped=%d",
		req.Source, stats.TotalItems, stats.FailedItems, stats.SkippedItems)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Ingest completed",
		"stats":   stats,
	})
}

// GetIngestStatus handles GET /api/admin/ingest/status.
func (h *AdminHandler) GetIngestStatus(c *gin.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	resp := IngestStatusResponse{
		IsRunning:     h.isRunning,
		LastRunStatus: h.lastRunStatus,
		CurrentStats:  h.currentStats,
	}
	if !h.lastRunTime.IsZero() {
		resp.LastRunTime = h.lastRunTime.Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

// SelfCheck handles GET /api/admin/media/:id/selfcheck.
func (h *AdminHandler) SelfCheck(c *gin.Context) {
	results, err := h.checker.SelfCheck(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    results,
	})
}
