package service

import (
	"context"
	"strings"

	"github.com/timmy/visionsearch/internal/domain"
	"github.com/timmy/visionsearch/internal/prompts"
)

const doubaoDefaultBaseURL = "https://ark.cn-beijing.volces.com/api/v3"

// DoubaoProvider calls the Volcengine Ark multimodal embedding API.
type DoubaoProvider struct {
	httpProvider
}

// NewDoubaoProvider creates a Doubao adapter. An empty BaseURL uses the public Ark endpoint.
func NewDoubaoProvider(cfg *ProviderConfig) *DoubaoProvider {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = doubaoDefaultBaseURL
	}
	return &DoubaoProvider{httpProvider: newHTTPProvider(cfg, base+"/embeddings/multimodal")}
}

type doubaoURL struct {
	URL string `json:"url"`
}

type doubaoInput struct {
	Type     string     `json:"type"`
	Text     string     `json:"text,omitempty"`
	ImageURL *doubaoURL `json:"image_url,omitempty"`
	VideoURL *doubaoURL `json:"video_url,omitempty"`
}

type doubaoRequest struct {
	Model          string        `json:"model"`
	EncodingFormat string        `json:"encoding_format"`
	Dimensions     int           `json:"dimensions,omitempty"`
	Input          []doubaoInput `json:"input"`
	Instructions   string        `json:"instructions,omitempty"`
}

type doubaoResponse struct {
	Data struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed generates an embedding for text, image or video input.
func (p *DoubaoProvider) Embed(ctx context.Context, in domain.Input) ([]float32, error) {
	if err := p.precheck(in); err != nil {
		return nil, err
	}

	var item doubaoInput
	switch in.Modality {
	case domain.ModalityText:
		item = doubaoInput{Type: "text", Text: in.Text}
	case domain.ModalityImage:
		item = doubaoInput{Type: "image_url", ImageURL: &doubaoURL{URL: mediaReference(in)}}
	case domain.ModalityVideo:
		item = doubaoInput{Type: "video_url", VideoURL: &doubaoURL{URL: mediaReference(in)}}
	}

	req := doubaoRequest{
		Model:          p.model,
		EncodingFormat: "float",
		Dimensions:     p.desc.Dimensions,
		Input:          []doubaoInput{item},
	}
	if p.desc.SupportsInstruction {
		req.Instructions = prompts.InstructionFor(in.Modality)
	}

	var resp doubaoResponse
	if err := p.post(ctx, req, &resp); err != nil {
		return nil, err
	}
	return p.checkVector(resp.Data.Embedding)
}
