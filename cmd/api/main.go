package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/visionsearch/internal/api"
	"github.com/timmy/visionsearch/internal/app"
	"github.com/timmy/visionsearch/internal/config"
	"github.com/timmy/visionsearch/internal/logger"
	"github.com/timmy/visionsearch/internal/storage"
)

func main() {
	appLogger := logger.NewFromEnv(nil)
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx := context.Background()
	a, err := app.Build(ctx, cfg, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize services")
	}
	defer a.Close()

	for _, m := range a.Registry.Models() {
		appLogger.WithFields(logger.Fields{
			logger.FieldModel: m.Key,
			"dimensions":      m.Dimensions,
			"configured":      m.Configured,
		}).Info("Embedding model registered")
	}

	services := api.Services{
		Search:  a.Search,
		Media:   a.Media,
		Models:  a.Registry,
		Ingest:  a.Ingest,
		Checker: a.Media,
		Sources: app.Sources(&cfg.Ingest),
		Metrics: a.Metrics,
		Logger:  appLogger,
	}
	if local, ok := a.Storage.(*storage.LocalStorage); ok {
		services.LocalDir = local.Root()
	}
	router := api.SetupRouter(cfg, services)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port":    cfg.Server.Port,
			"mode":    cfg.Server.Mode,
			"catalog": cfg.Catalog.Backend,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}

	appLogger.Info("Server exited")
}
