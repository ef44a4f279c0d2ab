package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/visionsearch/internal/domain"
	"github.com/timmy/visionsearch/internal/logger"
	"github.com/timmy/visionsearch/internal/storage"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// MediaConfig holds upload validation limits and the storage key prefix.
type MediaConfig struct {
	MaxFileSize  int64
	AllowedTypes []string
	KeyPrefix    string
}

// MediaService manages the media catalog: upload with embedding, listing and deletion.
type MediaService struct {
	embedder Embedder
	catalog  MediaCatalog
	storage  storage.ObjectStorage
	cfg      MediaConfig
	allowed  map[string]bool
}

// NewMediaService creates a new media service.
// Parameters:
//   - embedder: builds vector bundles for uploaded media.
//   - catalog: media catalog.
//   - objectStorage: where uploaded files are kept.
//   - cfg: upload limits.
// Returns:
//   - *MediaService: initialized media service.
func NewMediaService(embedder Embedder, catalog MediaCatalog, objectStorage storage.ObjectStorage, cfg MediaConfig) *MediaService {
	allowed := make(map[string]bool, len(cfg.AllowedTypes))
	for _, t := range cfg.AllowedTypes {
		allowed[normalizeMIME(t)] = true
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "media"
	}
	return &MediaService{
		embedder: embedder,
		catalog:  catalog,
		storage:  objectStorage,
		cfg:      cfg,
		allowed:  allowed,
	}
}

// UploadRequest is one file to add to the catalog.
type UploadRequest struct {
	Name     string
	MIMEType string
	Data     []byte
	// SourceURL is an already public location of the file, used by URL-only models
	// when the configured storage is not public.
	SourceURL string
}

// Upload validates, stores and embeds a file, then inserts it into the catalog.
// The stored object is removed again if embedding or the insert fails.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - req: file content and metadata.
// Returns:
//   - *domain.MediaItem: the inserted item.
//   - error: ErrInvalidQuery for rejected files, otherwise storage, embedding or catalog errors.
func (s *MediaService) Upload(ctx context.Context, req *UploadRequest) (*domain.MediaItem, error) {
	mimeType, err := s.validate(req)
	if err != nil {
		return nil, err
	}
	mediaType := domain.MediaTypeFromMIME(mimeType)

	id := uuid.NewString()
	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldComponent: "media",
		logger.FieldMediaID:   id,
	})
	start := time.Now()

	key := path.Join(s.cfg.KeyPrefix, fmt.Sprintf("%d-%s%s", time.Now().UnixMilli(), id, extensionFor(mimeType, req.Name)))
	if err := s.storage.Upload(ctx, key, bytes.NewReader(req.Data), int64(len(req.Data)), mimeType); err != nil {
		return nil, fmt.Errorf("failed to store file: %w", err)
	}
	fileURL := s.storage.GetURL(key)

	sourceURL := req.SourceURL
	if sourceURL == "" && s.storage.IsPublic() {
		sourceURL = fileURL
	}

	bundle, err := s.embedder.EmbedMedia(ctx, domain.MediaInput(mediaType, req.Data, mimeType, sourceURL))
	if err != nil {
		s.rollback(ctx, key)
		return nil, fmt.Errorf("failed to embed media: %w", err)
	}

	item := &domain.MediaItem{
		ID:        id,
		Name:      displayName(req.Name, id),
		URL:       fileURL,
		Type:      mediaType,
		ObjectKey: key,
		Bundle:    bundle,
	}
	if err := s.catalog.Insert(ctx, item); err != nil {
		s.rollback(ctx, key)
		return nil, fmt.Errorf("failed to save media item: %w", err)
	}

	logger.With(logger.Fields{
		logger.FieldCount:      bundle.Len(),
		logger.FieldSize:       len(req.Data),
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Info(ctx, "Media uploaded: name=%s, type=%s, models=%s", item.Name, mediaType, strings.Join(bundle.Keys(), ","))

	return item, nil
}

// List returns all items newest first together with the total count.
func (s *MediaService) List(ctx context.Context) ([]domain.MediaItem, int64, error) {
	items, err := s.catalog.List(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list media: %w", err)
	}
	total, err := s.catalog.Count(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count media: %w", err)
	}
	return items, total, nil
}

// Get returns one item with its vector bundle.
func (s *MediaService) Get(ctx context.Context, id string) (*domain.MediaItem, error) {
	return s.catalog.Get(ctx, id)
}

// Delete removes an item from the catalog, then its stored file. A failure to
// remove the file is logged and does not fail the call.
func (s *MediaService) Delete(ctx context.Context, id string) error {
	item, err := s.catalog.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.catalog.Delete(ctx, id); err != nil {
		return err
	}
	if item.ObjectKey != "" {
		if err := s.storage.Delete(ctx, item.ObjectKey); err != nil {
			logger.CtxWarn(ctx, "Failed to delete stored file: id=%s, key=%s, error=%v", id, item.ObjectKey, err)
		}
	}
	logger.CtxInfo(ctx, "Media deleted: id=%s", id)
	return nil
}

// SelfCheckResult is the similarity of a stored item to itself and to its
// nearest other item, for one model. ReembedScore compares the stored vector
// with a fresh embedding of the stored file and is nil when that was not possible.
type SelfCheckResult struct {
	Model        string   `json:"model"`
	SelfScore    float64  `json:"self_score"`
	NearestID    string   `json:"nearest_id,omitempty"`
	NearestScore float64  `json:"nearest_score,omitempty"`
	ReembedScore *float64 `json:"reembed_score,omitempty"`
}

// SelfCheck queries the catalog with an item's own vectors, then embeds the
// stored file again. A healthy catalog reports a self score of 1 for every
// populated model, and a deterministic model a re-embed score close to 1.
func (s *MediaService) SelfCheck(ctx context.Context, id string) ([]SelfCheckResult, error) {
	item, err := s.catalog.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Bundle.IsEmpty() {
		return nil, fmt.Errorf("%w: item %s has no vectors", domain.ErrPrimaryModelUnavailable, id)
	}

	results := make([]SelfCheckResult, 0, item.Bundle.Len())
	for _, key := range item.Bundle.Keys() {
		hits, err := s.catalog.SimilaritySearch(ctx, domain.SimilarityQuery{
			PrimaryModel: key,
			Query:        item.Bundle,
			MinScore:     -1,
			Limit:        2,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to search with model %s: %w", key, err)
		}

		res := SelfCheckResult{Model: key}
		for _, hit := range hits {
			if hit.Item.ID == id {
				res.SelfScore = hit.Scores[key]
			} else if res.NearestID == "" {
				res.NearestID = hit.Item.ID
				res.NearestScore = hit.Scores[key]
			}
		}
		results = append(results, res)
	}

	if fresh, ok := s.reembed(ctx, item); ok {
		for i := range results {
			if score, ok := item.Bundle.Similarity(fresh, results[i].Model); ok {
				results[i].ReembedScore = &score
			}
		}
	}
	return results, nil
}

// reembed downloads an item's stored file and embeds it again. ok is false,
// with the reason logged, when the file is gone or cannot be embedded.
func (s *MediaService) reembed(ctx context.Context, item *domain.MediaItem) (domain.VectorBundle, bool) {
	if item.ObjectKey == "" {
		return domain.VectorBundle{}, false
	}
	exists, err := s.storage.Exists(ctx, item.ObjectKey)
	if err != nil {
		logger.CtxWarn(ctx, "Failed to check stored file: id=%s, key=%s, error=%v", item.ID, item.ObjectKey, err)
		return domain.VectorBundle{}, false
	}
	if !exists {
		logger.CtxWarn(ctx, "Stored file is missing: id=%s, key=%s", item.ID, item.ObjectKey)
		return domain.VectorBundle{}, false
	}

	rc, err := s.storage.Download(ctx, item.ObjectKey)
	if err != nil {
		logger.CtxWarn(ctx, "Failed to download stored file: id=%s, error=%v", item.ID, err)
		return domain.VectorBundle{}, false
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		logger.CtxWarn(ctx, "Failed to read stored file: id=%s, error=%v", item.ID, err)
		return domain.VectorBundle{}, false
	}

	sourceURL := ""
	if s.storage.IsPublic() {
		sourceURL = item.URL
	}
	fresh, err := s.embedder.EmbedMedia(ctx, domain.MediaInput(item.Type, data, mimeForKey(item.ObjectKey), sourceURL))
	if err != nil {
		logger.CtxWarn(ctx, "Failed to re-embed stored file: id=%s, error=%v", item.ID, err)
		return domain.VectorBundle{}, false
	}
	return fresh, true
}

// validate checks size, type and, for images, that the header decodes.
func (s *MediaService) validate(req *UploadRequest) (string, error) {
	if len(req.Data) == 0 {
		return "", fmt.Errorf("%w: file is empty", domain.ErrInvalidQuery)
	}
	if s.cfg.MaxFileSize > 0 && int64(len(req.Data)) > s.cfg.MaxFileSize {
		return "", fmt.Errorf("%w: file exceeds %d bytes", domain.ErrInvalidQuery, s.cfg.MaxFileSize)
	}

	mimeType := normalizeMIME(req.MIMEType)
	if mimeType == "" {
		mimeType = normalizeMIME(mime.TypeByExtension(strings.ToLower(filepath.Ext(req.Name))))
	}
	if len(s.allowed) > 0 && !s.allowed[mimeType] {
		return "", fmt.Errorf("%w: file type %q is not allowed", domain.ErrInvalidQuery, mimeType)
	}
	if !strings.HasPrefix(mimeType, "image/") && !strings.HasPrefix(mimeType, "video/") {
		return "", fmt.Errorf("%w: file type %q is not media", domain.ErrInvalidQuery, mimeType)
	}

	if strings.HasPrefix(mimeType, "image/") {
		if _, _, err := image.DecodeConfig(bytes.NewReader(req.Data)); err != nil {
			return "", fmt.Errorf("%w: image cannot be decoded: %v", domain.ErrInvalidQuery, err)
		}
	}
	return mimeType, nil
}

func (s *MediaService) rollback(ctx context.Context, key string) {
	if err := s.storage.Delete(context.WithoutCancel(ctx), key); err != nil {
		logger.CtxWarn(ctx, "Failed to roll back stored file: key=%s, error=%v", key, err)
	}
}

// normalizeMIME lowercases a MIME type and strips parameters.
func normalizeMIME(s string) string {
	if s == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(s); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// extensionFor prefers the original file extension and falls back to the MIME type.
func extensionFor(mimeType, name string) string {
	if ext := strings.ToLower(filepath.Ext(name)); ext != "" && len(ext) <= 6 {
		return ext
	}
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "video/quicktime":
		return ".mov"
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

// mimeForKey recovers a MIME type from a storage key's extension.
func mimeForKey(key string) string {
	switch ext := strings.ToLower(path.Ext(key)); ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".avi":
		return "video/x-msvideo"
	default:
		return normalizeMIME(mime.TypeByExtension(ext))
	}
}

func displayName(name, id string) string {
	name = strings.TrimSpace(filepath.Base(name))
	if name == "" || name == "." || name == "/" {
		return id
	}
	return name
}
