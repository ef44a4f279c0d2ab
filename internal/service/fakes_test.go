package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/timmy/visionsearch/internal/domain"
)

const testDim = 4

var (
	allModalities = []domain.Modality{domain.ModalityText, domain.ModalityImage, domain.ModalityVideo}
	textAndImage  = []domain.Modality{domain.ModalityText, domain.ModalityImage}
)

// fiveModelTable mirrors the shipped model set with small vectors.
func fiveModelTable(t *testing.T) *domain.ModelTable {
	t.Helper()
	table, err := domain.NewModelTable([]domain.ModelDescriptor{
		{Key: "doubao_250615", Dimensions: testDim, Modalities: allModalities},
		{Key: "doubao_251215", Dimensions: testDim, Modalities: allModalities, SupportsInstruction: true},
		{Key: "jina_v4", Dimensions: testDim, Modalities: textAndImage},
		{Key: "jina_clip_v2", Dimensions: testDim, Modalities: textAndImage},
		{Key: "qwen_vl", Dimensions: testDim, Modalities: allModalities},
	})
	require.NoError(t, err)
	return table
}

type fakeProvider struct {
	desc  domain.ModelDescriptor
	embed func(ctx context.Context, in domain.Input) ([]float32, error)
	calls atomic.Int32
}

func (f *fakeProvider) Descriptor() domain.ModelDescriptor { return f.desc }

func (f *fakeProvider) Embed(ctx context.Context, in domain.Input) ([]float32, error) {
	f.calls.Add(1)
	return f.embed(ctx, in)
}

// constantProvider always returns vec.
func constantProvider(desc domain.ModelDescriptor, vec []float32) *fakeProvider {
	return &fakeProvider{desc: desc, embed: func(context.Context, domain.Input) ([]float32, error) {
		return append([]float32(nil), vec...), nil
	}}
}

// failingProvider always fails with kind.
func failingProvider(desc domain.ModelDescriptor, kind error) *fakeProvider {
	return &fakeProvider{desc: desc, embed: func(context.Context, domain.Input) ([]float32, error) {
		return nil, domain.NewProviderError(desc.Key, kind, "fake", nil)
	}}
}

// blockingProvider waits for its context to end.
func blockingProvider(desc domain.ModelDescriptor) *fakeProvider {
	return &fakeProvider{desc: desc, embed: func(ctx context.Context, _ domain.Input) ([]float32, error) {
		<-ctx.Done()
		return nil, domain.NewProviderError(desc.Key, domain.ErrProviderFailure, "cancelled", ctx.Err())
	}}
}

func mustDesc(t *testing.T, table *domain.ModelTable, key string) domain.ModelDescriptor {
	t.Helper()
	d, ok := table.Lookup(key)
	require.True(t, ok, "missing descriptor %s", key)
	return d
}

func mustBundle(t *testing.T, table *domain.ModelTable, vectors map[string][]float32) domain.VectorBundle {
	t.Helper()
	b, err := domain.NewVectorBundle(table, vectors)
	require.NoError(t, err)
	return b
}

// memoryCatalog is an in-memory MediaCatalog that scores with the bundle's cosine similarity.
type memoryCatalog struct {
	mu        sync.Mutex
	items     map[string]domain.MediaItem
	insertErr error
	lastQuery domain.SimilarityQuery
}

func newMemoryCatalog(items ...domain.MediaItem) *memoryCatalog {
	c := &memoryCatalog{items: make(map[string]domain.MediaItem)}
	for _, it := range items {
		c.items[it.ID] = it
	}
	return c
}

func (c *memoryCatalog) Insert(_ context.Context, item *domain.MediaItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.insertErr != nil {
		return c.insertErr
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	c.items[item.ID] = *item
	return nil
}

func (c *memoryCatalog) List(context.Context) ([]domain.MediaItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.MediaItem, 0, len(c.items))
	for _, it := range c.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (c *memoryCatalog) Count(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.items)), nil
}

func (c *memoryCatalog) Get(_ context.Context, id string) (*domain.MediaItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[id]
	if !ok {
		return nil, domain.ErrMediaNotFound
	}
	return &it, nil
}

func (c *memoryCatalog) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[id]; !ok {
		return domain.ErrMediaNotFound
	}
	delete(c.items, id)
	return nil
}

func (c *memoryCatalog) SimilaritySearch(_ context.Context, q domain.SimilarityQuery) ([]domain.ScoredMedia, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastQuery = q

	var hits []domain.ScoredMedia
	for _, it := range c.items {
		primary, ok := it.Bundle.Similarity(q.Query, q.PrimaryModel)
		if !ok || !(primary > q.MinScore) {
			continue
		}
		scores := make(map[string]float64)
		for _, key := range q.Query.Keys() {
			if s, ok := it.Bundle.Similarity(q.Query, key); ok {
				scores[key] = s
			}
		}
		hits = append(hits, domain.ScoredMedia{Item: it, Scores: scores})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		si, sj := hits[i].Scores[q.PrimaryModel], hits[j].Scores[q.PrimaryModel]
		if si != sj {
			return si > sj
		}
		return hits[i].Item.ID < hits[j].Item.ID
	})
	if len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

// stubEmbedder returns fixed bundles and records the inputs it saw.
type stubEmbedder struct {
	bundle domain.VectorBundle
	err    error

	mu     sync.Mutex
	inputs []domain.Input
}

func (e *stubEmbedder) EmbedText(_ context.Context, text string) (domain.VectorBundle, error) {
	e.mu.Lock()
	e.inputs = append(e.inputs, domain.TextInput(text))
	e.mu.Unlock()
	return e.bundle, e.err
}

func (e *stubEmbedder) EmbedMedia(_ context.Context, in domain.Input) (domain.VectorBundle, error) {
	e.mu.Lock()
	e.inputs = append(e.inputs, in)
	e.mu.Unlock()
	return e.bundle, e.err
}

func (e *stubEmbedder) lastInput() domain.Input {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.inputs) == 0 {
		return domain.Input{}
	}
	return e.inputs[len(e.inputs)-1]
}

// memoryStorage is an in-memory ObjectStorage.
type memoryStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	public  bool
	deleted []string
}

func newMemoryStorage(public bool) *memoryStorage {
	return &memoryStorage{objects: make(map[string][]byte), public: public}
}

func (s *memoryStorage) Upload(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *memoryStorage) Download(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memoryStorage) GetURL(key string) string { return "https://cdn.example.com/" + key }

func (s *memoryStorage) IsPublic() bool { return s.public }

func (s *memoryStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *memoryStorage) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *memoryStorage) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
