package service

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timmy/visionsearch/internal/domain"
	"github.com/timmy/visionsearch/internal/logger"
	"github.com/timmy/visionsearch/internal/source"
)

// Uploader stores one media file in the catalog.
type Uploader interface {
	Upload(ctx context.Context, req *UploadRequest) (*domain.MediaItem, error)
}

// IngestService feeds files from a source through the upload pipeline with a worker pool.
type IngestService struct {
	uploader  Uploader
	logger    *logger.Logger
	workers   int
	batchSize int
}

// IngestConfig holds configuration for the ingest service
type IngestConfig struct {
	Workers   int
	BatchSize int
}

// NewIngestService creates a new ingest service
func NewIngestService(uploader Uploader, log *logger.Logger, cfg *IngestConfig) *IngestService {
	workers, batchSize := cfg.Workers, cfg.BatchSize
	if workers <= 0 {
		workers = 1
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	return &IngestService{
		uploader:  uploader,
		logger:    log,
		workers:   workers,
		batchSize: batchSize,
	}
}

// log returns the service logger, or the context logger when none was given
func (s *IngestService) log(ctx context.Context) *logger.Logger {
	if s.logger != nil {
		return s.logger
	}
	return logger.FromContext(ctx)
}

// IngestStats holds statistics for an ingestion run
type IngestStats struct {
	TotalItems     int64
	ProcessedItems int64
	SkippedItems   int64
	FailedItems    int64
	StartTime      time.Time
	EndTime        time.Time
}

// IngestFromSource uploads up to limit files from src. Files with identical
// content within one run are uploaded once. A limit <= 0 means no limit.
func (s *IngestService) IngestFromSource(ctx context.Context, src source.Source, limit int) (*IngestStats, error) {
	stats := &IngestStats{StartTime: time.Now()}

	s.log(ctx).WithFields(logger.Fields{
		"source":  src.GetSourceID(),
		"limit":   limit,
		"workers": s.workers,
	}).Info("Starting ingestion")

	filesChan := make(chan source.MediaFile, s.workers*2)
	resultsChan := make(chan *processResult, s.workers*2)
	var seen sync.Map

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx, filesChan, resultsChan, &seen)
		}()
	}

	done := make(chan struct{})
	go func() {
		for result := range resultsChan {
			atomic.AddInt64(&stats.ProcessedItems, 1)
			if result.skipped {
				atomic.AddInt64(&stats.SkippedItems, 1)
			} else if result.err != nil {
				atomic.AddInt64(&stats.FailedItems, 1)
				s.log(ctx).WithFields(logger.Fields{
					"source_id": result.sourceID,
				}).WithError(result.err).Error("Failed to process file")
			}
		}
		close(done)
	}()

	fetchErr := s.feed(ctx, src, limit, filesChan, stats)

	close(filesChan)
	wg.Wait()
	close(resultsChan)
	<-done

	stats.EndTime = time.Now()
	s.log(ctx).WithFields(logger.Fields{
		"total":     stats.TotalItems,
		"processed": stats.ProcessedItems,
		"skipped":   stats.SkippedItems,
		"failed":    stats.FailedItems,
		"duration":  stats.EndTime.Sub(stats.StartTime).String(),
	}).Info("Ingestion completed")

	if fetchErr != nil {
		return stats, fetchErr
	}
	return stats, ctx.Err()
}

// feed pages through src and hands files to the workers.
func (s *IngestService) feed(ctx context.Context, src source.Source, limit int, out chan<- source.MediaFile, stats *IngestStats) error {
	cursor := ""
	fetched := 0
	for ctx.Err() == nil {
		batchLimit := s.batchSize
		if limit > 0 {
			remaining := limit - fetched
			if remaining <= 0 {
				return nil
			}
			if batchLimit > remaining {
				batchLimit = remaining
			}
		}

		files, nextCursor, err := src.FetchBatch(ctx, cursor, batchLimit)
		if err != nil {
			return fmt.Errorf("failed to fetch batch: %w", err)
		}
		if len(files) == 0 {
			return nil
		}
		atomic.AddInt64(&stats.TotalItems, int64(len(files)))
		fetched += len(files)

		for _, f := range files {
			select {
			case out <- f:
			case <-ctx.Done():
				return nil
			}
		}

		if nextCursor == "" {
			return nil
		}
		cursor = nextCursor
	}
	return nil
}

type processResult struct {
	sourceID string
	skipped  bool
	err      error
}

var errSkipDuplicate = errors.New("skipped: duplicate content")

func (s *IngestService) worker(ctx context.Context, files <-chan source.MediaFile, results chan<- *processResult, seen *sync.Map) {
	for f := range files {
		if ctx.Err() != nil {
			results <- &processResult{sourceID: f.SourceID, err: ctx.Err()}
			continue
		}

		result := &processResult{sourceID: f.SourceID}
		if err := s.processFile(ctx, f, seen); err != nil {
			if errors.Is(err, errSkipDuplicate) {
				result.skipped = true
			} else {
				result.err = err
			}
		}
		results <- result
	}
}

func (s *IngestService) processFile(ctx context.Context, f source.MediaFile, seen *sync.Map) error {
	data, err := os.ReadFile(f.LocalPath)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	sum := md5.Sum(data)
	hash := hex.EncodeToString(sum[:])
	if _, dup := seen.LoadOrStore(hash, f.SourceID); dup {
		return errSkipDuplicate
	}

	item, err := s.uploader.Upload(ctx, &UploadRequest{
		Name:      f.Name,
		MIMEType:  f.MIMEType,
		Data:      data,
		SourceURL: f.URL,
	})
	if err != nil {
		// allow a later identical file to retry
		seen.Delete(hash)
		return err
	}

	s.log(ctx).WithFields(logger.Fields{
		"source_id": f.SourceID,
		"media_id":  item.ID,
		"models":    item.Bundle.Keys(),
	}).Debug("File ingested")
	return nil
}
