package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/visionsearch/internal/domain"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestMedia(embedder Embedder, catalog MediaCatalog, store *memoryStorage) *MediaService {
	return NewMediaService(embedder, catalog, store, MediaConfig{
		MaxFileSize:  1 << 20,
		AllowedTypes: []string{"image/png", "image/jpeg", "video/mp4"},
		KeyPrefix:    "media",
	})
}

func TestMediaUpload(t *testing.T) {
	table := fiveModelTable(t)
	embedder := &stubEmbedder{bundle: mustBundle(t, table, map[string][]float32{
		"doubao_250615": {1, 0, 0, 0},
		"jina_v4":       {0, 1, 0, 0},
	})}
	catalog := newMemoryCatalog()
	store := newMemoryStorage(true)
	s := newTestMedia(embedder, catalog, store)

	data := pngBytes(t)
	item, err := s.Upload(context.Background(), &UploadRequest{Name: "cat.PNG", MIMEType: "image/png", Data: data})
	require.NoError(t, err)

	assert.NotEmpty(t, item.ID)
	assert.Equal(t, "cat.PNG", item.Name)
	assert.Equal(t, domain.MediaTypeImage, item.Type)
	assert.True(t, strings.HasPrefix(item.ObjectKey, "media/"))
	assert.True(t, strings.HasSuffix(item.ObjectKey, ".png"))
	assert.Equal(t, "https://cdn.example.com/"+item.ObjectKey, item.URL)
	assert.Equal(t, []string{"doubao_250615", "jina_v4"}, item.Bundle.Keys())
	assert.Equal(t, 1, store.count())

	in := embedder.lastInput()
	assert.Equal(t, data, in.Data)
	assert.Equal(t, item.URL, in.SourceURL)

	items, total, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, items, 1)
	assert.Equal(t, item.ID, items[0].ID)
}

func TestMediaUploadPrivateStorageUsesGivenSourceURL(t *testing.T) {
	table := fiveModelTable(t)
	embedder := &stubEmbedder{bundle: mustBundle(t, table, map[string][]float32{"doubao_250615": {1, 0, 0, 0}})}
	s := newTestMedia(embedder, newMemoryCatalog(), newMemoryStorage(false))

	_, err := s.Upload(context.Background(), &UploadRequest{Name: "a.png", MIMEType: "image/png", Data: pngBytes(t)})
	require.NoError(t, err)
	assert.Empty(t, embedder.lastInput().SourceURL)

	_, err = s.Upload(context.Background(), &UploadRequest{
		Name: "b.mp4", MIMEType: "video/mp4", Data: []byte("mp4"),
		SourceURL: "https://origin.example.com/b.mp4",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://origin.example.com/b.mp4", embedder.lastInput().SourceURL)
	assert.Equal(t, domain.ModalityVideo, embedder.lastInput().Modality)
}

func TestMediaUploadValidation(t *testing.T) {
	table := fiveModelTable(t)
	embedder := &stubEmbedder{bundle: mustBundle(t, table, map[string][]float32{"doubao_250615": {1, 0, 0, 0}})}
	store := newMemoryStorage(true)
	s := newTestMedia(embedder, newMemoryCatalog(), store)

	tests := []struct {
		name string
		req  UploadRequest
	}{
		{"empty", UploadRequest{Name: "a.png", MIMEType: "image/png"}},
		{"too large", UploadRequest{Name: "a.mp4", MIMEType: "video/mp4", Data: make([]byte, 1<<20+1)}},
		{"type not allowed", UploadRequest{Name: "a.gif", MIMEType: "image/gif", Data: []byte("GIF89a")}},
		{"not an image", UploadRequest{Name: "a.png", MIMEType: "image/png", Data: []byte("not a png")}},
		{"text", UploadRequest{Name: "a.txt", MIMEType: "text/plain", Data: []byte("hello")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			_, err := s.Upload(context.Background(), &req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrInvalidQuery), "got %v", err)
		})
	}
	assert.Equal(t, 0, store.count())

	// the MIME type falls back to the file extension
	_, err := s.Upload(context.Background(), &UploadRequest{Name: "a.png", Data: pngBytes(t)})
	assert.NoError(t, err)
}

func TestMediaUploadRollsBack(t *testing.T) {
	table := fiveModelTable(t)

	t.Run("embedding fails", func(t *testing.T) {
		store := newMemoryStorage(true)
		s := newTestMedia(&stubEmbedder{err: domain.ErrAllProvidersFailed}, newMemoryCatalog(), store)

		_, err := s.Upload(context.Background(), &UploadRequest{Name: "a.png", MIMEType: "image/png", Data: pngBytes(t)})
		assert.True(t, errors.Is(err, domain.ErrAllProvidersFailed))
		assert.Equal(t, 0, store.count())
		assert.Len(t, store.deleted, 1)
	})

	t.Run("insert fails", func(t *testing.T) {
		store := newMemoryStorage(true)
		catalog := newMemoryCatalog()
		catalog.insertErr = errors.New("disk full")
		embedder := &stubEmbedder{bundle: mustBundle(t, table, map[string][]float32{"doubao_250615": {1, 0, 0, 0}})}
		s := newTestMedia(embedder, catalog, store)

		_, err := s.Upload(context.Background(), &UploadRequest{Name: "a.png", MIMEType: "image/png", Data: pngBytes(t)})
		require.Error(t, err)
		assert.Equal(t, 0, store.count())
	})
}

func TestMediaDelete(t *testing.T) {
	table := fiveModelTable(t)
	embedder := &stubEmbedder{bundle: mustBundle(t, table, map[string][]float32{"doubao_250615": {1, 0, 0, 0}})}
	catalog := newMemoryCatalog()
	store := newMemoryStorage(true)
	s := newTestMedia(embedder, catalog, store)

	item, err := s.Upload(context.Background(), &UploadRequest{Name: "a.png", MIMEType: "image/png", Data: pngBytes(t)})
	require.NoError(t, err)

	require.NoError(t, s.Delete(context.Background(), item.ID))
	assert.Equal(t, 0, store.count())

	err = s.Delete(context.Background(), item.ID)
	assert.True(t, errors.Is(err, domain.ErrMediaNotFound))
}

func TestMediaSelfCheck(t *testing.T) {
	table := fiveModelTable(t)
	catalog := newMemoryCatalog(
		item(t, table, "a", map[string][]float32{"doubao_250615": {1, 0, 0, 0}, "jina_v4": {0, 0, 1, 0}}),
		item(t, table, "b", map[string][]float32{"doubao_250615": {1, 1, 0, 0}}),
	)
	s := newTestMedia(&stubEmbedder{}, catalog, newMemoryStorage(false))

	results, err := s.SelfCheck(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "doubao_250615", results[0].Model)
	assert.InDelta(t, 1.0, results[0].SelfScore, 1e-6)
	assert.Equal(t, "b", results[0].NearestID)

	assert.Equal(t, "jina_v4", results[1].Model)
	assert.InDelta(t, 1.0, results[1].SelfScore, 1e-6)
	assert.Empty(t, results[1].NearestID)

	_, err = s.SelfCheck(context.Background(), "missing")
	assert.True(t, errors.Is(err, domain.ErrMediaNotFound))
}

func TestMediaSelfCheckReembedsStoredFile(t *testing.T) {
	table := fiveModelTable(t)
	embedder := &stubEmbedder{bundle: mustBundle(t, table, map[string][]float32{
		"doubao_250615": {1, 0, 0, 0},
		"jina_v4":       {0, 1, 0, 0},
	})}
	catalog := newMemoryCatalog()
	store := newMemoryStorage(true)
	s := newTestMedia(embedder, catalog, store)

	data := pngBytes(t)
	uploaded, err := s.Upload(context.Background(), &UploadRequest{Name: "a.png", MIMEType: "image/png", Data: data})
	require.NoError(t, err)

	embedder.bundle = mustBundle(t, table, map[string][]float32{
		"doubao_250615": {1, 1, 0, 0},
		"jina_v4":       {0, 1, 0, 0},
	})
	results, err := s.SelfCheck(context.Background(), uploaded.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.NotNil(t, results[0].ReembedScore)
	assert.InDelta(t, 1/math.Sqrt2, *results[0].ReembedScore, 1e-6)
	require.NotNil(t, results[1].ReembedScore)
	assert.InDelta(t, 1.0, *results[1].ReembedScore, 1e-6)

	in := embedder.lastInput()
	assert.Equal(t, data, in.Data)
	assert.Equal(t, "image/png", in.MIMEType)
	assert.Equal(t, uploaded.URL, in.SourceURL)

	require.NoError(t, store.Delete(context.Background(), uploaded.ObjectKey))
	results, err = s.SelfCheck(context.Background(), uploaded.ID)
	require.NoError(t, err)
	for _, r := range results {
		assert.Nil(t, r.ReembedScore, "missing file must not be re-embedded")
	}
}

func TestMimeForKey(t *testing.T) {
	assert.Equal(t, "image/jpeg", mimeForKey("media/1-a.JPG"))
	assert.Equal(t, "image/png", mimeForKey("media/1-a.png"))
	assert.Equal(t, "video/mp4", mimeForKey("media/1-a.mp4"))
	assert.Equal(t, "", mimeForKey("media/noext"))
}
