package service

import (
	"fmt"
	"time"

	"github.com/timmy/visionsearch/internal/config"
	"github.com/timmy/visionsearch/internal/domain"
	"github.com/timmy/visionsearch/internal/logger"
)

// EmbeddingRegistry holds the model table and one provider per model, built once at start.
// Models without credentials stay registered; their providers short-circuit as not configured.
type EmbeddingRegistry struct {
	table     *domain.ModelTable
	providers map[string]EmbeddingProvider
	timeouts  map[string]time.Duration
	infos     []ModelInfo
}

// ModelInfo describes a registered model for API listings.
type ModelInfo struct {
	domain.ModelDescriptor
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Configured bool   `json:"configured"`
}

// NewEmbeddingRegistry creates providers for every configured model.
// Parameters:
//   - cfg: embedding configuration with the model list.
// Returns:
//   - *EmbeddingRegistry: registry in model table order.
//   - error: non-nil if any model configuration is invalid.
func NewEmbeddingRegistry(cfg *config.EmbeddingConfig) (*EmbeddingRegistry, error) {
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("at least one embedding model is required")
	}

	table, err := cfg.ModelTable()
	if err != nil {
		return nil, err
	}

	r := &EmbeddingRegistry{
		table:     table,
		providers: make(map[string]EmbeddingProvider, len(cfg.Models)),
		timeouts:  make(map[string]time.Duration, len(cfg.Models)),
	}

	for i := range cfg.Models {
		modelCfg := cfg.Models[i].Clone()
		modelCfg.ResolveEnvVars()

		if err := modelCfg.Validate(); err != nil {
			return nil, err
		}

		provider, err := NewEmbeddingProvider(modelCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create provider for %s: %w", modelCfg.Key, err)
		}

		timeout := modelCfg.Timeout
		if timeout <= 0 {
			timeout = cfg.DefaultTimeout
		}

		r.providers[modelCfg.Key] = provider
		r.timeouts[modelCfg.Key] = timeout
		r.infos = append(r.infos, ModelInfo{
			ModelDescriptor: provider.Descriptor(),
			Provider:        modelCfg.Provider,
			Model:           modelCfg.Model,
			Configured:      isConfigured(provider),
		})

		if !isConfigured(provider) {
			logger.Warn("Embedding model has no API key and will be skipped: model=%s, api_key_env=%s",
				modelCfg.Key, modelCfg.APIKeyEnv)
			continue
		}
		logger.Info("Registered embedding model: model=%s, provider=%s, remote_model=%s, dim=%d, timeout=%s",
			modelCfg.Key, modelCfg.Provider, modelCfg.Model, modelCfg.Dimensions, timeout)
	}

	return r, nil
}

// Table returns the model descriptor table.
func (r *EmbeddingRegistry) Table() *domain.ModelTable {
	return r.table
}

// Providers returns the providers in table order.
func (r *EmbeddingRegistry) Providers() []EmbeddingProvider {
	out := make([]EmbeddingProvider, 0, len(r.providers))
	for _, key := range r.table.Keys() {
		out = append(out, r.providers[key])
	}
	return out
}

// Get returns the provider for key.
func (r *EmbeddingRegistry) Get(key string) (EmbeddingProvider, bool) {
	p, ok := r.providers[key]
	return p, ok
}

// Timeouts returns the per-model call timeout.
func (r *EmbeddingRegistry) Timeouts() map[string]time.Duration {
	out := make(map[string]time.Duration, len(r.timeouts))
	for k, v := range r.timeouts {
		out[k] = v
	}
	return out
}

// Models lists the registered models in table order.
func (r *EmbeddingRegistry) Models() []ModelInfo {
	out := make([]ModelInfo, len(r.infos))
	copy(out, r.infos)
	return out
}

// isConfigured reports whether provider has credentials. Providers that do not
// say otherwise are assumed to be configured.
func isConfigured(p EmbeddingProvider) bool {
	if c, ok := p.(interface{ Configured() bool }); ok {
		return c.Configured()
	}
	return true
}
