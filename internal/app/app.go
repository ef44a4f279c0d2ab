// Package app wires configuration into the catalog, storage and services shared
// by the API server and the ingest CLI.
package app

import (
	"context"
	"fmt"

	"github.com/timmy/visionsearch/internal/config"
	"github.com/timmy/visionsearch/internal/logger"
	"github.com/timmy/visionsearch/internal/metrics"
	"github.com/timmy/visionsearch/internal/repository"
	"github.com/timmy/visionsearch/internal/service"
	"github.com/timmy/visionsearch/internal/source"
	"github.com/timmy/visionsearch/internal/source/localdir"
	"github.com/timmy/visionsearch/internal/source/manifest"
	"github.com/timmy/visionsearch/internal/storage"
)

// App holds the constructed services.
type App struct {
	Registry     *service.EmbeddingRegistry
	Orchestrator *service.Orchestrator
	Catalog      service.MediaCatalog
	Storage      storage.ObjectStorage
	Search       *service.SearchService
	Media        *service.MediaService
	Ingest       *service.IngestService
	Metrics      *metrics.Metrics

	closers []func() error
}

// Build constructs every service from cfg.
// Parameters:
//   - ctx: context for startup calls (migrations, bucket and collection checks).
//   - cfg: loaded configuration.
//   - log: application logger.
// Returns:
//   - *App: wired services; call Close when done.
//   - error: non-nil if any backend cannot be initialized.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{Metrics: metrics.New()}

	reg, err := service.NewEmbeddingRegistry(&cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding registry: %w", err)
	}
	a.Registry = reg

	a.Orchestrator, err = service.NewOrchestratorFromRegistry(reg, cfg.Embedding.DefaultTimeout, a.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to build orchestrator: %w", err)
	}

	if err := a.buildCatalog(ctx, cfg, reg); err != nil {
		a.Close()
		return nil, err
	}

	a.Storage, err = storage.NewStorage(&cfg.Storage, cfg.Server.PublicBaseURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if s3, ok := a.Storage.(*storage.S3Storage); ok {
		if err := s3.EnsureBucket(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to ensure storage bucket: %w", err)
		}
	}
	if !a.Storage.IsPublic() {
		log.Warn("Object storage has no public URL; URL-only models are skipped for media")
	}

	a.Search = service.NewSearchService(reg.Table(), a.Orchestrator, a.Catalog, a.Storage, service.SearchConfig{
		DefaultLimit:        cfg.Search.DefaultLimit,
		MaxLimit:            cfg.Search.MaxLimit,
		DefaultMinScore:     cfg.Search.DefaultMinScore,
		DefaultPrimaryModel: cfg.Search.DefaultPrimaryModel,
		MaxTextLength:       cfg.Search.MaxTextLength,
		UploadQueryMedia:    cfg.Search.UploadQueryMedia,
		QueryKeyPrefix:      cfg.Storage.KeyPrefix + "/queries",
	})
	a.Media = service.NewMediaService(a.Orchestrator, a.Catalog, a.Storage, service.MediaConfig{
		MaxFileSize:  cfg.Upload.MaxFileSize,
		AllowedTypes: cfg.Upload.AllowedTypes,
		KeyPrefix:    cfg.Storage.KeyPrefix + "/media",
	})
	a.Ingest = service.NewIngestService(a.Media, log, &service.IngestConfig{
		Workers:   cfg.Ingest.Workers,
		BatchSize: cfg.Ingest.BatchSize,
	})
	return a, nil
}

func (a *App) buildCatalog(ctx context.Context, cfg *config.Config, reg *service.EmbeddingRegistry) error {
	switch cfg.Catalog.Backend {
	case "qdrant":
		repo, err := repository.NewQdrantRepository(&repository.QdrantConnectionConfig{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			Collection: cfg.Qdrant.Collection,
			APIKey:     cfg.Qdrant.APIKey,
			UseTLS:     cfg.Qdrant.UseTLS,
		}, reg.Table())
		if err != nil {
			return fmt.Errorf("failed to initialize qdrant catalog: %w", err)
		}
		a.closers = append(a.closers, repo.Close)
		if err := repo.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("failed to ensure qdrant collection: %w", err)
		}
		a.Catalog = repo
	default:
		db, err := repository.InitDB(&cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			a.closers = append(a.closers, sqlDB.Close)
		}
		if cfg.Database.AutoMigrate {
			if err := repository.Migrate(db, reg.Table(), cfg.Database.VectorIndex); err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
		}
		a.Catalog = repository.NewMediaRepository(db, reg.Table())
	}
	return nil
}

// Sources returns the configured ingest sources keyed by name.
func Sources(cfg *config.IngestConfig) map[string]source.Source {
	sources := make(map[string]source.Source)
	if cfg.LocalDir != "" {
		sources["localdir"] = localdir.NewAdapter(cfg.LocalDir)
	}
	if cfg.ManifestDir != "" {
		sources["manifest"] = manifest.NewAdapter(cfg.ManifestDir)
	}
	return sources
}

// Close releases catalog connections.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("Failed to close resource: %v", err)
		}
	}
	a.closers = nil
}
