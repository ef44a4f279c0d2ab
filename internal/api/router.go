package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/timmy/visionsearch/internal/api/handler"
	"github.com/timmy/visionsearch/internal/api/middleware"
	"github.com/timmy/visionsearch/internal/config"
	"github.com/timmy/visionsearch/internal/logger"
	"github.com/timmy/visionsearch/internal/metrics"
	"github.com/timmy/visionsearch/internal/source"
)

// Services are the handlers' collaborators.
type Services struct {
	Search   handler.Searcher
	Media    handler.MediaManager
	Models   handler.ModelLister
	Ingest   handler.Ingester
	Checker  handler.SelfChecker
	Sources  map[string]source.Source
	Metrics  *metrics.Metrics
	Logger   *logger.Logger
	LocalDir string // served under /uploads when set
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(cfg *config.Config, svc Services) *gin.Engine {
	switch cfg.Server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	r.MaxMultipartMemory = cfg.Upload.MaxFileSize + 1<<20

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(svc.Logger))
	r.Use(middleware.CORS(cfg.Server.CORS))
	if cfg.Metrics.Enabled && svc.Metrics != nil {
		r.Use(middleware.Metrics(svc.Metrics))
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(promhttp.HandlerFor(svc.Metrics.Registry, promhttp.HandlerOpts{})))
	}

	healthHandler := handler.NewHealthHandler("visionsearch", svc.Models)
	searchHandler := handler.NewSearchHandler(svc.Search, cfg.Upload.MaxFileSize)
	mediaHandler := handler.NewMediaHandler(svc.Media, cfg.Upload.MaxFileSize)

	r.GET("/health", healthHandler.Health)
	if svc.LocalDir != "" {
		r.Static("/uploads", svc.LocalDir)
	}

	v1 := r.Group("/api")
	{
		v1.GET("/models", healthHandler.Models)

		v1.POST("/search/text", searchHandler.TextSearch)
		v1.POST("/search/media", searchHandler.MediaSearch)

		v1.POST("/media/upload", mediaHandler.Upload)
		v1.GET("/media", mediaHandler.List)
		v1.GET("/media/:id", mediaHandler.Get)
		v1.DELETE("/media/:id", mediaHandler.Delete)
	}

	if svc.Ingest != nil && svc.Checker != nil {
		adminHandler := handler.NewAdminHandler(svc.Ingest, svc.Checker, svc.Sources)
		admin := r.Group("/api/admin")
		{
			admin.POST("/ingest", adminHandler.TriggerIngest)
			admin.GET("/ingest/status", adminHandler.GetIngestStatus)
			admin.GET("/media/:id/selfcheck", adminHandler.SelfCheck)
		}
	}

	return r
}
