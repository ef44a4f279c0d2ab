package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/visionsearch/internal/config"
	"github.com/timmy/visionsearch/internal/domain"
	"github.com/timmy/visionsearch/internal/metrics"
	"github.com/timmy/visionsearch/internal/service"
	"github.com/timmy/visionsearch/internal/source"
)

type stubServices struct{}

func (stubServices) TextSearch(ctx context.Context, req *service.TextSearchRequest) (*service.SearchResponse, error) {
	return &service.SearchResponse{Query: req.Text}, nil
}

func (stubServices) MediaSearch(ctx context.Context, req *service.MediaSearchRequest) (*service.SearchResponse, error) {
	return &service.SearchResponse{}, nil
}

func (stubServices) Upload(ctx context.Context, req *service.UploadRequest) (*domain.MediaItem, error) {
	return &domain.MediaItem{ID: "x"}, nil
}

func (stubServices) List(ctx context.Context) ([]domain.MediaItem, int64, error) {
	return nil, 0, nil
}

func (stubServices) Get(ctx context.Context, id string) (*domain.MediaItem, error) {
	return nil, domain.ErrMediaNotFound
}

func (stubServices) Delete(ctx context.Context, id string) error { return nil }

func (stubServices) Models() []service.ModelInfo {
	return []service.ModelInfo{{
		ModelDescriptor: domain.ModelDescriptor{Key: "doubao_250615", Dimensions: 1024},
		Provider:        "doubao",
		Configured:      true,
	}}
}

func (stubServices) IngestFromSource(ctx context.Context, src source.Source, limit int) (*service.IngestStats, error) {
	return &service.IngestStats{}, nil
}

func (stubServices) SelfCheck(ctx context.Context, id string) ([]service.SelfCheckResult, error) {
	return []service.SelfCheckResult{{Model: "doubao_250615", SelfScore: 1}}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{Mode: "test", CORS: config.CORSConfig{AllowedOrigins: []string{"https://app.example.com"}}},
		Upload:  config.UploadConfig{MaxFileSize: 1 << 20},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	s := stubServices{}
	return SetupRouter(testConfig(), Services{
		Search:  s,
		Media:   s,
		Models:  s,
		Ingest:  s,
		Checker: s,
		Sources: map[string]source.Source{},
		Metrics: metrics.New(),
	})
}

func TestHealthAndModels(t *testing.T) {
	r := newTestRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "visionsearch", health["service"])
	assert.NotEmpty(t, health["timestamp"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"configured":true`)
	assert.Contains(t, rec.Body.String(), `"doubao_250615"`)
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	r := newTestRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/media", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `visionsearch_http_requests_total{method="GET",route="/api/media",status="200"} 1`)
}

func TestCORS(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/search/text", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodPost, "/api/search/text", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAdminRoutes(t *testing.T) {
	r := newTestRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/media/abc/selfcheck", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"self_score":1`)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/ingest", strings.NewReader(`{"source":"nope"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/ingest/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"is_running":false`)
}
