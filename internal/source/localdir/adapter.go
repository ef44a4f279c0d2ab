package localdir

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/timmy/visionsearch/internal/source"
)

const SourceID = "localdir"

var mediaExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
}

// Adapter walks a directory tree and offers every image and video in it.
type Adapter struct {
	root   string
	files  []source.MediaFile
	loaded bool
}

// NewAdapter creates a new directory adapter rooted at root.
func NewAdapter(root string) *Adapter {
	return &Adapter{root: root}
}

// GetSourceID returns the unique identifier for this source
func (a *Adapter) GetSourceID() string {
	return SourceID
}

// FetchBatch fetches a batch of files
func (a *Adapter) FetchBatch(ctx context.Context, cursor string, limit int) ([]source.MediaFile, string, error) {
	if !a.loaded {
		if err := a.load(); err != nil {
			return nil, "", fmt.Errorf("failed to load files: %w", err)
		}
		a.loaded = true
	}
	return source.Page(a.files, cursor, limit)
}

// Count returns the number of media files under the root.
func (a *Adapter) Count() (int, error) {
	if !a.loaded {
		if err := a.load(); err != nil {
			return 0, err
		}
		a.loaded = true
	}
	return len(a.files), nil
}

func (a *Adapter) load() error {
	if _, err := os.Stat(a.root); os.IsNotExist(err) {
		return fmt.Errorf("directory does not exist: %s", a.root)
	}

	a.files = []source.MediaFile{}
	err := filepath.WalkDir(a.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != a.root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		mimeType, ok := mediaExtensions[strings.ToLower(filepath.Ext(name))]
		if !ok {
			return nil
		}

		rel, _ := filepath.Rel(a.root, path)
		a.files = append(a.files, source.MediaFile{
			SourceID:  filepath.ToSlash(rel),
			Name:      name,
			LocalPath: path,
			MIMEType:  mimeType,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk directory: %w", err)
	}

	sort.Slice(a.files, func(i, j int) bool {
		return a.files[i].SourceID < a.files[j].SourceID
	})
	return nil
}
