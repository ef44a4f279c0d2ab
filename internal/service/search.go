package service

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"path"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/timmy/visionsearch/internal/domain"
	"github.com/timmy/visionsearch/internal/logger"
	"github.com/timmy/visionsearch/internal/storage"
)

// MediaCatalog persists media items with their vector bundles and answers
// similarity queries over them.
type MediaCatalog interface {
	// Insert stores item and its bundle. ID and CreatedAt are assigned when empty.
	Insert(ctx context.Context, item *domain.MediaItem) error
	// List returns all items, newest first.
	List(ctx context.Context) ([]domain.MediaItem, error)
	Count(ctx context.Context) (int64, error)
	// Get returns one item with its bundle, or domain.ErrMediaNotFound.
	Get(ctx context.Context, id string) (*domain.MediaItem, error)
	// Delete removes one item, or returns domain.ErrMediaNotFound.
	Delete(ctx context.Context, id string) error
	// SimilaritySearch returns items with a populated primary slot scoring
	// strictly above q.MinScore, best first, ties by ID ascending.
	SimilaritySearch(ctx context.Context, q domain.SimilarityQuery) ([]domain.ScoredMedia, error)
}

// SearchConfig holds request defaults and limits for search.
type SearchConfig struct {
	DefaultLimit        int
	MaxLimit            int
	DefaultMinScore     float64
	DefaultPrimaryModel string
	MaxTextLength       int
	UploadQueryMedia    bool
	QueryKeyPrefix      string
}

// SearchService ranks catalog items against text or media queries.
type SearchService struct {
	table    *domain.ModelTable
	embedder Embedder
	catalog  MediaCatalog
	storage  storage.ObjectStorage
	cfg      SearchConfig
}

// NewSearchService creates a new search service.
// Parameters:
//   - table: model descriptor table.
//   - embedder: builds query bundles.
//   - catalog: media catalog to rank.
//   - objectStorage: optional storage used to publish query media; may be nil.
//   - cfg: search defaults and limits.
// Returns:
//   - *SearchService: initialized search service.
func NewSearchService(
	table *domain.ModelTable,
	embedder Embedder,
	catalog MediaCatalog,
	objectStorage storage.ObjectStorage,
	cfg SearchConfig,
) *SearchService {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 100
	}
	if cfg.DefaultLimit > cfg.MaxLimit {
		cfg.DefaultLimit = cfg.MaxLimit
	}
	if cfg.QueryKeyPrefix == "" {
		cfg.QueryKeyPrefix = "queries"
	}
	return &SearchService{
		table:    table,
		embedder: embedder,
		catalog:  catalog,
		storage:  objectStorage,
		cfg:      cfg,
	}
}

// SearchOptions are the caller-controlled ranking parameters. Zero values take defaults;
// MinScore is a pointer so an explicit 0 can be told apart from unset.
type SearchOptions struct {
	Limit        int      `json:"limit"`
	MinScore     *float64 `json:"minScore"`
	PrimaryModel string   `json:"primaryModel"`
}

// TextSearchRequest is a text query.
type TextSearchRequest struct {
	Text string `json:"text"`
	SearchOptions
}

// MediaSearchRequest is an image or video query.
type MediaSearchRequest struct {
	Name     string
	MIMEType string
	Data     []byte
	SearchOptions
}

// SearchResponse carries ranked results and the parameters actually applied.
type SearchResponse struct {
	Results      []domain.SearchResult `json:"results"`
	Query        string                `json:"query,omitempty"`
	PrimaryModel string                `json:"primaryModel"`
	Models       []string              `json:"models"`
}

// Rank orders catalog items by similarity to query under the primary model.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - query: query vector bundle.
//   - primaryModel: model key whose score filters and orders results.
//   - minScore: exclusive lower bound on the primary score.
//   - limit: maximum number of results, must be positive.
// Returns:
//   - []domain.SearchResult: results with the primary score and a score for every model.
//   - error: ErrInvalidQuery for a bad key or limit, ErrPrimaryModelUnavailable when
//     the query has no vector for the primary model.
func (s *SearchService) Rank(ctx context.Context, query domain.VectorBundle, primaryModel string, minScore float64, limit int) ([]domain.SearchResult, error) {
	if primaryModel == "" {
		return nil, fmt.Errorf("%w: primary model is required", domain.ErrInvalidQuery)
	}
	if _, ok := s.table.Lookup(primaryModel); !ok {
		return nil, fmt.Errorf("%w: unknown primary model %q", domain.ErrInvalidQuery, primaryModel)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", domain.ErrInvalidQuery)
	}
	if !query.Has(primaryModel) {
		return nil, fmt.Errorf("%w: %s", domain.ErrPrimaryModelUnavailable, primaryModel)
	}

	hits, err := s.catalog.SimilaritySearch(ctx, domain.SimilarityQuery{
		PrimaryModel: primaryModel,
		Query:        query,
		MinScore:     minScore,
		Limit:        limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search catalog: %w", err)
	}

	keys := s.table.Keys()
	results := make([]domain.SearchResult, 0, len(hits))
	for _, hit := range hits {
		primary, ok := hit.Scores[primaryModel]
		if !ok || !(primary > minScore) {
			continue
		}
		scores := make(map[string]float64, len(keys))
		for _, key := range keys {
			scores[key] = hit.Scores[key]
		}
		results = append(results, domain.SearchResult{
			MediaItem: hit.Item,
			Score:     primary,
			Scores:    scores,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// TextSearch embeds text with every text-capable model and ranks the catalog.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - req: text and search options.
// Returns:
//   - *SearchResponse: ranked results.
//   - error: non-nil if the query is invalid, embedding fails or ranking fails.
func (s *SearchService) TextSearch(ctx context.Context, req *TextSearchRequest) (*SearchResponse, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: text is required", domain.ErrInvalidQuery)
	}
	if s.cfg.MaxTextLength > 0 && utf8.RuneCountInString(text) > s.cfg.MaxTextLength {
		return nil, fmt.Errorf("%w: text exceeds %d characters", domain.ErrInvalidQuery, s.cfg.MaxTextLength)
	}

	primary, minScore, limit, err := s.resolve(req.SearchOptions)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	ctx = logger.WithFields(ctx, logger.Fields{logger.FieldComponent: "search"})
	logger.CtxInfo(ctx, "Performing text search: query=%q, primary=%s, min_score=%.3f, limit=%d",
		text, primary, minScore, limit)

	bundle, err := s.embedder.EmbedText(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	results, err := s.Rank(ctx, bundle, primary, minScore, limit)
	if err != nil {
		return nil, err
	}

	logger.With(logger.Fields{logger.FieldModel: primary}).
		WithCount(len(results)).
		WithDuration(time.Since(start).Milliseconds()).
		Info(ctx, "Text search completed")
	return &SearchResponse{Results: results, Query: text, PrimaryModel: primary, Models: bundle.Keys()}, nil
}

// MediaSearch embeds an image or video with every capable model and ranks the catalog.
// When configured and the storage is public, the query file is published for the
// duration of the call so URL-only models can take part.
func (s *SearchService) MediaSearch(ctx context.Context, req *MediaSearchRequest) (*SearchResponse, error) {
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: media file is required", domain.ErrInvalidQuery)
	}
	mimeType := normalizeMIME(req.MIMEType)
	if mimeType == "" {
		return nil, fmt.Errorf("%w: media type is required", domain.ErrInvalidQuery)
	}
	if !strings.HasPrefix(mimeType, "image/") && !strings.HasPrefix(mimeType, "video/") {
		return nil, fmt.Errorf("%w: unsupported media type %s", domain.ErrInvalidQuery, mimeType)
	}
	mediaType := domain.MediaTypeFromMIME(mimeType)

	primary, minScore, limit, err := s.resolve(req.SearchOptions)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	ctx = logger.WithFields(ctx, logger.Fields{logger.FieldComponent: "search"})
	logger.CtxInfo(ctx, "Performing media search: type=%s, size=%d, primary=%s, min_score=%.3f, limit=%d",
		mediaType, len(req.Data), primary, minScore, limit)

	sourceURL := s.publishQuery(ctx, req, mimeType)
	if sourceURL != "" {
		defer s.unpublishQuery(ctx, sourceURL)
	}

	bundle, err := s.embedder.EmbedMedia(ctx, domain.MediaInput(mediaType, req.Data, mimeType, s.urlOf(sourceURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	results, err := s.Rank(ctx, bundle, primary, minScore, limit)
	if err != nil {
		return nil, err
	}

	logger.With(logger.Fields{logger.FieldModel: primary}).
		WithCount(len(results)).
		WithDuration(time.Since(start).Milliseconds()).
		Info(ctx, "Media search completed")
	return &SearchResponse{Results: results, PrimaryModel: primary, Models: bundle.Keys()}, nil
}

// resolve fills unset options with defaults and clamps the limit. The primary
// key and threshold are validated here so a bad request never reaches a provider.
func (s *SearchService) resolve(opts SearchOptions) (primary string, minScore float64, limit int, err error) {
	primary = strings.TrimSpace(opts.PrimaryModel)
	if primary == "" {
		primary = s.cfg.DefaultPrimaryModel
	}
	if primary == "" {
		return "", 0, 0, fmt.Errorf("%w: primary model is required", domain.ErrInvalidQuery)
	}
	if _, ok := s.table.Lookup(primary); !ok {
		return "", 0, 0, fmt.Errorf("%w: unknown primary model %q", domain.ErrInvalidQuery, primary)
	}
	minScore = s.cfg.DefaultMinScore
	if opts.MinScore != nil {
		minScore = *opts.MinScore
	}
	if math.IsNaN(minScore) || math.IsInf(minScore, 0) {
		return "", 0, 0, fmt.Errorf("%w: minScore must be a finite number", domain.ErrInvalidQuery)
	}
	limit = opts.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	if limit > s.cfg.MaxLimit {
		limit = s.cfg.MaxLimit
	}
	return primary, minScore, limit, nil
}

// publishQuery uploads query media and returns its storage key, or "" when not published.
func (s *SearchService) publishQuery(ctx context.Context, req *MediaSearchRequest, mimeType string) string {
	if !s.cfg.UploadQueryMedia || s.storage == nil || !s.storage.IsPublic() {
		return ""
	}
	key := path.Join(s.cfg.QueryKeyPrefix, uuid.NewString()+extensionFor(mimeType, req.Name))
	if err := s.storage.Upload(ctx, key, bytes.NewReader(req.Data), int64(len(req.Data)), mimeType); err != nil {
		logger.CtxWarn(ctx, "Failed to publish query media, URL-only models will be skipped: error=%v", err)
		return ""
	}
	return key
}

func (s *SearchService) unpublishQuery(ctx context.Context, key string) {
	if err := s.storage.Delete(context.WithoutCancel(ctx), key); err != nil {
		logger.CtxWarn(ctx, "Failed to remove query media: key=%s, error=%v", key, err)
	}
}

func (s *SearchService) urlOf(key string) string {
	if key == "" {
		return ""
	}
	return s.storage.GetURL(key)
}
