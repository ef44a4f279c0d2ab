package source

import (
	"context"
	"fmt"
	"strconv"
)

// MediaFile is one file offered by a source for ingestion.
type MediaFile struct {
	SourceID  string // Unique ID within the source
	Name      string // Display name, usually the file name
	LocalPath string // Local file path
	URL       string // Publicly reachable origin URL, if any
	MIMEType  string // Optional; detected from the name when empty
}

// Source defines the interface for media sources fed to the ingest service.
type Source interface {
	// GetSourceID returns the unique identifier for this source.
	GetSourceID() string

	// FetchBatch fetches a batch of files starting from the given cursor.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	//   - cursor: pagination cursor or empty for first page.
	//   - limit: maximum number of files to fetch.
	// Returns:
	//   - files: batch of media files.
	//   - nextCursor: cursor for the next batch or empty if done.
	//   - err: non-nil if fetching fails.
	FetchBatch(ctx context.Context, cursor string, limit int) (files []MediaFile, nextCursor string, err error)
}

// Page slices files using an index cursor.
func Page(files []MediaFile, cursor string, limit int) ([]MediaFile, string, error) {
	start := 0
	if cursor != "" {
		var err error
		start, err = strconv.Atoi(cursor)
		if err != nil || start < 0 {
			return nil, "", fmt.Errorf("invalid cursor %q", cursor)
		}
	}
	if limit <= 0 {
		return nil, "", fmt.Errorf("limit must be positive, got %d", limit)
	}
	if start >= len(files) {
		return []MediaFile{}, "", nil
	}

	end := start + limit
	if end > len(files) {
		end = len(files)
	}
	next := ""
	if end < len(files) {
		next = strconv.Itoa(end)
	}
	return files[start:end], next, nil
}
