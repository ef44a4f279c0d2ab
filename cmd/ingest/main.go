package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/visionsearch/internal/app"
	"github.com/timmy/visionsearch/internal/config"
	"github.com/timmy/visionsearch/internal/logger"
	"github.com/timmy/visionsearch/internal/source"
	"github.com/timmy/visionsearch/internal/source/localdir"
	"github.com/timmy/visionsearch/internal/source/manifest"
)

func main() {
	envCfg := logger.LoadFromEnv()
	envCfg.ServiceName = "visionsearch-ingest"
	appLogger := logger.NewFromEnv(envCfg)
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	sourceType := flag.String("source", "localdir", "Source type: localdir or manifest")
	path := flag.String("path", "", "Directory to import (defaults to ingest.local_dir / ingest.manifest_dir)")
	limit := flag.Int("limit", 0, "Maximum number of files to import (0 = all)")
	workers := flag.Int("workers", 0, "Worker count (defaults to ingest.workers)")
	selfCheck := flag.String("selfcheck", "", "Report per-model self-similarity for a stored media ID and exit")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	if *workers > 0 {
		cfg.Ingest.Workers = *workers
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize services")
	}
	defer a.Close()

	if *selfCheck != "" {
		runSelfCheck(ctx, a, *selfCheck)
		return
	}

	src, err := buildSource(*sourceType, *path, &cfg.Ingest)
	if err != nil {
		appLogger.WithError(err).Fatal("Invalid source")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, canceling...")
		cancel()
	}()

	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldComponent: "ingest",
		logger.FieldSource:    src.GetSourceID(),
	})
	stats, err := a.Ingest.IngestFromSource(ctx, src, *limit)
	if err != nil {
		appLogger.WithError(err).Error("Ingestion stopped early")
	}
	if stats != nil {
		fmt.Printf("total=%d processed=%d skipped=%d failed=%d duration=%s\n",
			stats.TotalItems, stats.ProcessedItems, stats.SkippedItems, stats.FailedItems,
			stats.EndTime.Sub(stats.StartTime).Round(time.Millisecond))
	}
	if err != nil || (stats != nil && stats.FailedItems > 0) {
		a.Close()
		logger.Sync()
		os.Exit(1)
	}
}

func buildSource(kind, path string, cfg *config.IngestConfig) (source.Source, error) {
	switch kind {
	case "localdir":
		if path == "" {
			path = cfg.LocalDir
		}
		if path == "" {
			return nil, fmt.Errorf("-path or ingest.local_dir is required")
		}
		return localdir.NewAdapter(path), nil
	case "manifest":
		if path == "" {
			path = cfg.ManifestDir
		}
		if path == "" {
			return nil, fmt.Errorf("-path or ingest.manifest_dir is required")
		}
		return manifest.NewAdapter(path), nil
	default:
		return nil, fmt.Errorf("unknown source type %q", kind)
	}
}

func runSelfCheck(ctx context.Context, a *app.App, id string) {
	results, err := a.Media.SelfCheck(ctx, id)
	if err != nil {
		logger.GetDefault().WithError(err).Fatal("Self check failed")
	}
	for _, r := range results {
		line := fmt.Sprintf("%-16s self=%.6f", r.Model, r.SelfScore)
		if r.NearestID != "" {
			line += fmt.Sprintf(" nearest=%s (%.6f)", r.NearestID, r.NearestScore)
		}
		if r.ReembedScore != nil {
			line += fmt.Sprintf(" reembed=%.6f", *r.ReembedScore)
		}
		fmt.Println(line)
	}
}
