package manifest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/timmy/visionsearch/internal/logger"
	"github.com/timmy/visionsearch/internal/source"
)

const (
	// FileName is the JSONL manifest file name inside a staged directory.
	FileName = "manifest.jsonl"
	// FilesDir holds the staged files referenced by the manifest.
	FilesDir = "files"
)

// Entry is one line of manifest.jsonl.
type Entry struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	Name      string `json:"name"`
	MIMEType  string `json:"mime_type"`
	SourceURL string `json:"source_url"`
}

// Adapter reads a staged directory described by a JSONL manifest.
type Adapter struct {
	basePath string
	files    []source.MediaFile
	loaded   bool
}

// NewAdapter creates a new manifest adapter.
// Parameters:
//   - basePath: directory holding manifest.jsonl and the files/ directory.
// Returns:
//   - *Adapter: initialized manifest adapter.
func NewAdapter(basePath string) *Adapter {
	return &Adapter{basePath: basePath}
}

// GetSourceID returns the source identifier with a "manifest:" prefix.
func (a *Adapter) GetSourceID() string {
	return "manifest:" + filepath.Base(a.basePath)
}

// FetchBatch fetches a batch of staged files.
// Parameters:
//   - ctx: context for cancellation and deadlines (unused for local reads).
//   - cursor: pagination cursor as an index string.
//   - limit: maximum number of files to fetch.
// Returns:
//   - []source.MediaFile: batch of files.
//   - string: next cursor or empty if no more files.
//   - error: non-nil if loading or parsing fails.
func (a *Adapter) FetchBatch(ctx context.Context, cursor string, limit int) ([]source.MediaFile, string, error) {
	if !a.loaded {
		if err := a.load(ctx); err != nil {
			return nil, "", fmt.Errorf("failed to load manifest: %w", err)
		}
		a.loaded = true
	}
	return source.Page(a.files, cursor, limit)
}

func (a *Adapter) load(ctx context.Context) error {
	manifestPath := filepath.Join(a.basePath, FileName)
	filesPath := filepath.Join(a.basePath, FilesDir)

	file, err := os.Open(manifestPath)
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()

	a.files = []source.MediaFile{}
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			logger.CtxWarn(ctx, "Skipping malformed manifest line %d: %v", lineNo, err)
			continue
		}
		if entry.ID == "" || entry.Filename == "" || seen[entry.ID] {
			continue
		}

		localPath := filepath.Join(filesPath, filepath.Clean("/"+entry.Filename))
		if _, err := os.Stat(localPath); err != nil {
			logger.CtxWarn(ctx, "Skipping manifest entry %s: %v", entry.ID, err)
			continue
		}
		seen[entry.ID] = true

		name := entry.Name
		if name == "" {
			name = filepath.Base(entry.Filename)
		}
		a.files = append(a.files, source.MediaFile{
			SourceID:  entry.ID,
			Name:      name,
			LocalPath: localPath,
			URL:       entry.SourceURL,
			MIMEType:  entry.MIMEType,
		})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading manifest: %w", err)
	}

	sort.Slice(a.files, func(i, j int) bool {
		return a.files[i].SourceID < a.files[j].SourceID
	})
	return nil
}
