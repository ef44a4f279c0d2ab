package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/visionsearch/internal/config"
	"github.com/timmy/visionsearch/internal/domain"
)

// EmbeddingProvider turns one normalized input into a vector for a single model.
// Errors are *domain.ProviderError values.
type EmbeddingProvider interface {
	Descriptor() domain.ModelDescriptor
	Embed(ctx context.Context, in domain.Input) ([]float32, error)
}

// ProviderConfig holds what every HTTP provider needs.
type ProviderConfig struct {
	Descriptor domain.ModelDescriptor
	Model      string
	APIKey     string
	BaseURL    string
	Task       string
	Timeout    time.Duration
}

// NewEmbeddingProvider creates the adapter for a model configuration.
// Parameters:
//   - cfg: model configuration with environment references already resolved.
// Returns:
//   - EmbeddingProvider: adapter for cfg.Provider.
//   - error: non-nil if the descriptor is invalid or the provider is unknown.
func NewEmbeddingProvider(cfg *config.ModelConfig) (EmbeddingProvider, error) {
	desc, err := cfg.Descriptor()
	if err != nil {
		return nil, err
	}

	pc := &ProviderConfig{
		Descriptor: desc,
		Model:      cfg.Model,
		APIKey:     cfg.APIKey,
		BaseURL:    cfg.BaseURL,
		Task:       cfg.Task,
		Timeout:    cfg.Timeout,
	}

	switch cfg.Provider {
	case config.ProviderDoubao:
		return NewDoubaoProvider(pc), nil
	case config.ProviderJina:
		return NewJinaProvider(pc), nil
	case config.ProviderQwen:
		return NewQwenProvider(pc), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}

// httpProvider is the shared part of the JSON-over-HTTP adapters.
type httpProvider struct {
	desc     domain.ModelDescriptor
	client   *resty.Client
	model    string
	apiKey   string
	endpoint string
}

func newHTTPProvider(cfg *ProviderConfig, endpoint string) httpProvider {
	client := resty.New()
	client.SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	return httpProvider{
		desc:     cfg.Descriptor,
		client:   client,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
	}
}

// Descriptor returns the model descriptor this adapter serves.
func (p *httpProvider) Descriptor() domain.ModelDescriptor {
	return p.desc
}

// Configured reports whether an API key is available.
func (p *httpProvider) Configured() bool {
	return p.apiKey != ""
}

func (p *httpProvider) fail(kind error, reason string, cause error) error {
	return domain.NewProviderError(p.desc.Key, kind, reason, cause)
}

// precheck rejects calls that must not reach the network.
func (p *httpProvider) precheck(in domain.Input) error {
	if p.apiKey == "" {
		return p.fail(domain.ErrNotConfigured, "api key missing", nil)
	}
	if !p.desc.Supports(in.Modality) {
		return p.fail(domain.ErrUnsupportedInput, fmt.Sprintf("modality %s not accepted", in.Modality), nil)
	}
	return nil
}

// post sends body and decodes a 2xx JSON response into result.
func (p *httpProvider) post(ctx context.Context, body, result interface{}) error {
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(result).
		Post(p.endpoint)
	if err != nil {
		return p.fail(domain.ErrProviderFailure, "request failed", err)
	}
	if !resp.IsSuccess() {
		return p.fail(domain.ErrProviderFailure,
			fmt.Sprintf("status %d: %s", resp.StatusCode(), truncate(resp.String(), 256)), nil)
	}
	return nil
}

// checkVector enforces the descriptor's dimensionality on a returned embedding.
func (p *httpProvider) checkVector(vec []float32) ([]float32, error) {
	if len(vec) == 0 {
		return nil, p.fail(domain.ErrProviderFailure, "malformed response: no embedding returned", nil)
	}
	if len(vec) != p.desc.Dimensions {
		return nil, p.fail(domain.ErrProviderFailure,
			fmt.Sprintf("malformed response: got %d dimensions, want %d", len(vec), p.desc.Dimensions), nil)
	}
	return vec, nil
}

// mediaReference prefers inline bytes and falls back to the public source URL.
func mediaReference(in domain.Input) string {
	if len(in.Data) > 0 {
		return in.DataURI()
	}
	return in.SourceURL
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
