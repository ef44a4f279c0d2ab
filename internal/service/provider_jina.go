package service

import (
	"context"

	"github.com/timmy/visionsearch/internal/domain"
)

const jinaEndpoint = "https://api.jina.ai/v1/embeddings"

// JinaProvider calls the Jina embeddings API (text and image inputs).
type JinaProvider struct {
	httpProvider
	task string
}

// NewJinaProvider creates a Jina adapter. An empty BaseURL uses the public endpoint.
func NewJinaProvider(cfg *ProviderConfig) *JinaProvider {
	endpoint := cfg.BaseURL
	if endpoint == "" {
		endpoint = jinaEndpoint
	}
	return &JinaProvider{
		httpProvider: newHTTPProvider(cfg, endpoint),
		task:         cfg.Task,
	}
}

type jinaInput struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

type jinaRequest struct {
	Model         string      `json:"model"`
	Task          string      `json:"task,omitempty"`
	Dimensions    int         `json:"dimensions,omitempty"`
	EmbeddingType string      `json:"embedding_type,omitempty"`
	Input         []jinaInput `json:"input"`
}

type jinaResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed generates an embedding for text or image input.
func (p *JinaProvider) Embed(ctx context.Context, in domain.Input) ([]float32, error) {
	if err := p.precheck(in); err != nil {
		return nil, err
	}

	var item jinaInput
	switch in.Modality {
	case domain.ModalityText:
		item.Text = in.Text
	case domain.ModalityImage:
		item.Image = mediaReference(in)
	default:
		return nil, p.fail(domain.ErrUnsupportedInput, "video is not supported", nil)
	}

	req := jinaRequest{
		Model:         p.model,
		Task:          p.task,
		Dimensions:    p.desc.Dimensions,
		EmbeddingType: "float",
		Input:         []jinaInput{item},
	}

	var resp jinaResponse
	if err := p.post(ctx, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return p.checkVector(nil)
	}
	return p.checkVector(resp.Data[0].Embedding)
}
