package domain

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// Input is a normalized embedding input. Exactly one of Text or Data is used,
// selected by Modality.
type Input struct {
	Modality  Modality
	Text      string
	Data      []byte
	MIMEType  string
	SourceURL string // optional publicly resolvable location of Data
}

// TextInput builds a text input.
func TextInput(text string) Input {
	return Input{Modality: ModalityText, Text: text}
}

// MediaInput builds an image or video input.
func MediaInput(mediaType MediaType, data []byte, mimeType, sourceURL string) Input {
	return Input{
		Modality:  mediaType.Modality(),
		Data:      data,
		MIMEType:  mimeType,
		SourceURL: sourceURL,
	}
}

// Validate reports ErrInvalidQuery when the input carries nothing to embed.
func (in Input) Validate() error {
	switch in.Modality {
	case ModalityText:
		if strings.TrimSpace(in.Text) == "" {
			return fmt.Errorf("%w: text is empty", ErrInvalidQuery)
		}
	case ModalityImage, ModalityVideo:
		if len(in.Data) == 0 && !in.HasPublicURL() {
			return fmt.Errorf("%w: media content is empty", ErrInvalidQuery)
		}
	default:
		return fmt.Errorf("%w: unknown modality %q", ErrInvalidQuery, in.Modality)
	}
	return nil
}

// HasPublicURL reports whether SourceURL is an absolute http(s) URL.
func (in Input) HasPublicURL() bool {
	if in.SourceURL == "" {
		return false
	}
	u, err := url.Parse(in.SourceURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// DataURI encodes Data as a base64 data URI.
func (in Input) DataURI() string {
	mime := in.MIMEType
	if mime == "" {
		switch in.Modality {
		case ModalityVideo:
			mime = "video/mp4"
		default:
			mime = "image/jpeg"
		}
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(in.Data)
}
