package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewModelTable(t *testing.T) {
	tests := []struct {
		name    string
		descs   []ModelDescriptor
		wantErr string
	}{
		{
			name:    "empty",
			descs:   nil,
			wantErr: "at least one",
		},
		{
			name: "duplicate key",
			descs: []ModelDescriptor{
				{Key: "a", Dimensions: 1, Modalities: []Modality{ModalityText}},
				{Key: "a", Dimensions: 1, Modalities: []Modality{ModalityText}},
			},
			wantErr: "duplicate",
		},
		{
			name:    "unsafe key",
			descs:   []ModelDescriptor{{Key: "a; drop table x", Dimensions: 1, Modalities: []Modality{ModalityText}}},
			wantErr: "must match",
		},
		{
			name:    "uppercase key",
			descs:   []ModelDescriptor{{Key: "Jina", Dimensions: 1, Modalities: []Modality{ModalityText}}},
			wantErr: "must match",
		},
		{
			name:    "zero dimensions",
			descs:   []ModelDescriptor{{Key: "a", Dimensions: 0, Modalities: []Modality{ModalityText}}},
			wantErr: "dimensions",
		},
		{
			name:    "no modalities",
			descs:   []ModelDescriptor{{Key: "a", Dimensions: 4}},
			wantErr: "modality",
		},
		{
			name: "valid",
			descs: []ModelDescriptor{
				{Key: "doubao_250615", Dimensions: 1024, Modalities: []Modality{ModalityText, ModalityImage, ModalityVideo}},
				{Key: "jina_v4", Dimensions: 1024, Modalities: []Modality{ModalityText, ModalityImage}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := NewModelTable(tt.descs)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []string{"doubao_250615", "jina_v4"}, table.Keys())
			d, ok := table.Lookup("jina_v4")
			require.True(t, ok)
			assert.Equal(t, "emb_jina_v4", d.Column())
			assert.False(t, d.Supports(ModalityVideo))
			assert.True(t, d.Supports(ModalityImage))
		})
	}
}

func TestProviderErrorMatching(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("embed: %w", NewProviderError("jina_v4", ErrProviderFailure, "request failed", cause))

	assert.ErrorIs(t, err, ErrProviderFailure)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrNotConfigured)

	pe := AsProviderError("jina_v4", err)
	assert.Equal(t, "jina_v4", pe.Model)
	assert.Equal(t, "provider_failure", pe.Outcome())

	plain := AsProviderError("qwen_vl", errors.New("boom"))
	assert.ErrorIs(t, plain, ErrProviderFailure)
	assert.Equal(t, "qwen_vl", plain.Model)

	nc := NewProviderError("qwen_vl", ErrNotConfigured, "api key missing", nil)
	assert.Equal(t, "not_configured", nc.Outcome())
	assert.Equal(t, "qwen_vl: provider not configured: api key missing", nc.Error())
}

func TestInputValidate(t *testing.T) {
	tests := []struct {
		name    string
		in      Input
		wantErr bool
		public  bool
	}{
		{name: "text", in: TextInput("sunset over mountains")},
		{name: "blank text", in: TextInput("   "), wantErr: true},
		{name: "image bytes", in: MediaInput(MediaTypeImage, []byte{1}, "image/png", "")},
		{name: "empty image", in: MediaInput(MediaTypeImage, nil, "image/png", ""), wantErr: true},
		{name: "url only video", in: MediaInput(MediaTypeVideo, nil, "video/mp4", "https://cdn.example.com/a.mp4"), public: true},
		{name: "local path is not public", in: MediaInput(MediaTypeImage, []byte{1}, "image/png", "/tmp/a.png")},
		{name: "unknown modality", in: Input{Modality: "audio", Data: []byte{1}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidQuery)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.public, tt.in.HasPublicURL())
		})
	}
}

func TestInputDataURI(t *testing.T) {
	in := MediaInput(MediaTypeImage, []byte("abc"), "image/png", "")
	assert.Equal(t, "data:image/png;base64,YWJj", in.DataURI())

	video := MediaInput(MediaTypeVideo, []byte("abc"), "", "")
	assert.Equal(t, "data:video/mp4;base64,YWJj", video.DataURI())
	assert.Equal(t, ModalityVideo, video.Modality)
}
