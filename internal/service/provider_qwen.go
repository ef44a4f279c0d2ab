package service

import (
	"context"
	"strings"

	"github.com/timmy/visionsearch/internal/domain"
)

const (
	qwenEndpoint = "https://dashscope.aliyuncs.com/api/v1/services/embeddings/multimodal-embedding/multimodal-embedding"

	// qwenPlaceholderKey is the prefix of the sample key shipped in env templates.
	qwenPlaceholderKey = "sk-xxxx"
)

// QwenProvider calls the DashScope multimodal embedding API. Media must be
// reachable by URL; inline bytes are not accepted by the service.
type QwenProvider struct {
	httpProvider
}

// NewQwenProvider creates a DashScope adapter. Placeholder API keys count as unset.
func NewQwenProvider(cfg *ProviderConfig) *QwenProvider {
	clean := *cfg
	if strings.HasPrefix(clean.APIKey, qwenPlaceholderKey) {
		clean.APIKey = ""
	}
	endpoint := clean.BaseURL
	if endpoint == "" {
		endpoint = qwenEndpoint
	}
	return &QwenProvider{httpProvider: newHTTPProvider(&clean, endpoint)}
}

type qwenContent struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
	Video string `json:"video,omitempty"`
}

type qwenRequest struct {
	Model string `json:"model"`
	Input struct {
		Contents []qwenContent `json:"contents"`
	} `json:"input"`
}

type qwenResponse struct {
	Output struct {
		Embeddings []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
			Type      string    `json:"type"`
		} `json:"embeddings"`
	} `json:"output"`
}

// Embed generates an embedding for text, or for media that has a public URL.
func (p *QwenProvider) Embed(ctx context.Context, in domain.Input) ([]float32, error) {
	if err := p.precheck(in); err != nil {
		return nil, err
	}

	var content qwenContent
	switch in.Modality {
	case domain.ModalityText:
		content.Text = in.Text
	case domain.ModalityImage, domain.ModalityVideo:
		if !in.HasPublicURL() {
			return nil, p.fail(domain.ErrUnsupportedInput, "media requires a public http(s) URL", nil)
		}
		if in.Modality == domain.ModalityImage {
			content.Image = in.SourceURL
		} else {
			content.Video = in.SourceURL
		}
	}

	var req qwenRequest
	req.Model = p.model
	req.Input.Contents = []qwenContent{content}

	var resp qwenResponse
	if err := p.post(ctx, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Output.Embeddings) == 0 {
		return p.checkVector(nil)
	}
	return p.checkVector(resp.Output.Embeddings[0].Embedding)
}
