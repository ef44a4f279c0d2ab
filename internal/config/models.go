package config

import (
	"fmt"
	"os"
	"time"

	"github.com/timmy/visionsearch/internal/domain"
)

// Provider identifiers understood by the provider factory.
const (
	ProviderDoubao = "doubao"
	ProviderJina   = "jina"
	ProviderQwen   = "qwen"
)

// ModelConfig defines one embedding model: its descriptor and how to reach its provider.
type ModelConfig struct {
	Key                 string        `mapstructure:"key"`          // Descriptor key, e.g. "doubao_250615"
	Provider            string        `mapstructure:"provider"`     // "doubao", "jina", "qwen"
	Model               string        `mapstructure:"model"`        // Provider-side model ID
	APIKey              string        `mapstructure:"api_key"`      // API key (direct value)
	APIKeyEnv           string        `mapstructure:"api_key_env"`  // Environment variable holding the API key
	BaseURL             string        `mapstructure:"base_url"`     // Endpoint override
	BaseURLEnv          string        `mapstructure:"base_url_env"` // Environment variable holding the endpoint
	Dimensions          int           `mapstructure:"dimensions"`
	Modalities          []string      `mapstructure:"modalities"`
	SupportsInstruction bool          `mapstructure:"supports_instruction"`
	Task                string        `mapstructure:"task"` // Provider task hint (jina)
	Timeout             time.Duration `mapstructure:"timeout"`
}

// DefaultModels returns the five models the service ships with.
func DefaultModels() []ModelConfig {
	return []ModelConfig{
		{
			Key:        "doubao_250615",
			Provider:   ProviderDoubao,
			Model:      "doubao-embedding-vision-250615",
			APIKeyEnv:  "DOUBAO_API_KEY",
			BaseURLEnv: "DOUBAO_BASE_URL",
			Dimensions: 1024,
			Modalities: []string{"text", "image", "video"},
			Timeout:    30 * time.Second,
		},
		{
			Key:                 "doubao_251215",
			Provider:            ProviderDoubao,
			Model:               "doubao-embedding-vision-251215",
			APIKeyEnv:           "DOUBAO_API_KEY",
			BaseURLEnv:          "DOUBAO_BASE_URL",
			Dimensions:          1024,
			Modalities:          []string{"text", "image", "video"},
			SupportsInstruction: true,
			Timeout:             30 * time.Second,
		},
		{
			Key:        "jina_v4",
			Provider:   ProviderJina,
			Model:      "jina-embeddings-v4",
			APIKeyEnv:  "JINA_API_KEY",
			Dimensions: 1024,
			Modalities: []string{"text", "image"},
			Task:       "text-matching",
			Timeout:    60 * time.Second,
		},
		{
			Key:        "jina_clip_v2",
			Provider:   ProviderJina,
			Model:      "jina-clip-v2",
			APIKeyEnv:  "JINA_API_KEY",
			Dimensions: 1024,
			Modalities: []string{"text", "image"},
			Timeout:    60 * time.Second,
		},
		{
			Key:        "qwen_vl",
			Provider:   ProviderQwen,
			Model:      "qwen2.5-vl-embedding",
			APIKeyEnv:  "DASHSCOPE_API_KEY",
			Dimensions: 1024,
			Modalities: []string{"text", "image", "video"},
			Timeout:    60 * time.Second,
		},
	}
}

// ResolveEnvVars resolves environment variable references in the configuration.
// Direct values (APIKey, BaseURL) take precedence if already set.
func (c *ModelConfig) ResolveEnvVars() {
	if c.APIKeyEnv != "" && c.APIKey == "" {
		if val := os.Getenv(c.APIKeyEnv); val != "" {
			c.APIKey = val
		}
	}

	if c.BaseURLEnv != "" && c.BaseURL == "" {
		if val := os.Getenv(c.BaseURLEnv); val != "" {
			c.BaseURL = val
		}
	}
}

// Validate checks that the model configuration has all required fields.
// A missing API key is not an error: the model stays in the table and its
// provider reports itself as not configured.
func (c *ModelConfig) Validate() error {
	if c.Key == "" {
		return fmt.Errorf("embedding model: key is required")
	}
	if c.Model == "" {
		return fmt.Errorf("embedding model %q: model is required", c.Key)
	}

	switch c.Provider {
	case ProviderDoubao, ProviderJina, ProviderQwen:
	case "":
		return fmt.Errorf("embedding model %q: provider is required", c.Key)
	default:
		return fmt.Errorf("embedding model %q: unknown provider %q", c.Key, c.Provider)
	}

	if c.Timeout < 0 {
		return fmt.Errorf("embedding model %q: timeout must not be negative", c.Key)
	}

	_, err := c.Descriptor()
	return err
}

// Descriptor converts the configuration into a validated model descriptor.
func (c *ModelConfig) Descriptor() (domain.ModelDescriptor, error) {
	modalities := make([]domain.Modality, 0, len(c.Modalities))
	for _, s := range c.Modalities {
		m, err := domain.ParseModality(s)
		if err != nil {
			return domain.ModelDescriptor{}, fmt.Errorf("embedding model %q: %w", c.Key, err)
		}
		modalities = append(modalities, m)
	}

	d := domain.ModelDescriptor{
		Key:                 c.Key,
		Dimensions:          c.Dimensions,
		Modalities:          modalities,
		SupportsInstruction: c.SupportsInstruction,
	}
	if err := d.Validate(); err != nil {
		return domain.ModelDescriptor{}, err
	}
	return d, nil
}

// Clone creates a deep copy of the model configuration.
func (c *ModelConfig) Clone() *ModelConfig {
	clone := *c
	clone.Modalities = append([]string(nil), c.Modalities...)
	return &clone
}

// ModelTable builds the descriptor table from the configured models.
func (c *EmbeddingConfig) ModelTable() (*domain.ModelTable, error) {
	descs := make([]domain.ModelDescriptor, 0, len(c.Models))
	for i := range c.Models {
		d, err := c.Models[i].Descriptor()
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}
	return domain.NewModelTable(descs)
}
