package app

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/visionsearch/internal/config"
	"github.com/timmy/visionsearch/internal/logger"
	"github.com/timmy/visionsearch/internal/repository"
	"github.com/timmy/visionsearch/internal/service"
	"github.com/timmy/visionsearch/internal/storage"
)

func testConfig(t *testing.T, embeddingURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	model := func(key string) config.ModelConfig {
		return config.ModelConfig{
			Key:        key,
			Provider:   config.ProviderDoubao,
			Model:      "remote-" + key,
			APIKey:     "test-key",
			BaseURL:    embeddingURL,
			Dimensions: 4,
			Modalities: []string{"text", "image", "video"},
		}
	}
	return &config.Config{
		Server:   config.ServerConfig{PublicBaseURL: "http://localhost:8080"},
		Database: config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(dir, "catalog.db"), AutoMigrate: true, VectorIndex: "hnsw"},
		Catalog:  config.CatalogConfig{Backend: "database"},
		Storage:  config.StorageConfig{Type: "local", LocalDir: filepath.Join(dir, "uploads"), KeyPrefix: "vs"},
		Embedding: config.EmbeddingConfig{
			DefaultTimeout: 5 * time.Second,
			Models:         []config.ModelConfig{model("doubao_a"), model("doubao_b")},
		},
		Search: config.SearchConfig{DefaultLimit: 10, MaxLimit: 50, DefaultMinScore: 0.2, DefaultPrimaryModel: "doubao_a", MaxTextLength: 256},
		Upload: config.UploadConfig{MaxFileSize: 1 << 20, AllowedTypes: config.DefaultAllowedTypes},
		Ingest: config.IngestConfig{Workers: 2, BatchSize: 4, LocalDir: filepath.Join(dir, "incoming")},
	}
}

func TestBuildUploadAndSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"embedding":[0.1,0.2,0.3,0.4]}}`))
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	a, err := Build(context.Background(), cfg, logger.New(nil))
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &repository.MediaRepository{}, a.Catalog)
	require.IsType(t, &storage.LocalStorage{}, a.Storage)
	assert.Equal(t, []string{"doubao_a", "doubao_b"}, a.Registry.Table().Keys())

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 3, 3))))
	item, err := a.Media.Upload(context.Background(), &service.UploadRequest{Name: "grey.png", MIMEType: "image/png", Data: buf.Bytes()})
	require.NoError(t, err)
	assert.Equal(t, []string{"doubao_a", "doubao_b"}, item.Bundle.Keys())
	assert.Contains(t, item.URL, "http://localhost:8080/uploads/vs/media/")

	resp, err := a.Search.TextSearch(context.Background(), &service.TextSearchRequest{Text: "grey square"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, item.ID, resp.Results[0].ID)
	assert.InDelta(t, 1.0, resp.Results[0].Score, 1e-6)
	assert.InDelta(t, 1.0, resp.Results[0].Scores["doubao_b"], 1e-6)

	checks, err := a.Media.SelfCheck(context.Background(), item.ID)
	require.NoError(t, err)
	require.Len(t, checks, 2)
	assert.InDelta(t, 1.0, checks[0].SelfScore, 1e-6)
	for _, c := range checks {
		require.NotNil(t, c.ReembedScore, "model %s", c.Model)
		assert.InDelta(t, 1.0, *c.ReembedScore, 1e-6)
	}

	sources := Sources(&cfg.Ingest)
	assert.Contains(t, sources, "localdir")
	assert.NotContains(t, sources, "manifest")
}

func TestBuildRejectsBadStorage(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Storage.Type = "ftp"
	_, err := Build(context.Background(), cfg, logger.New(nil))
	assert.Error(t, err)
}
