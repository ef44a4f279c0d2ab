package domain

import (
	"strings"
	"time"
)

// MediaType is the kind of stored media.
type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
)

// MediaTypeFromMIME classifies a MIME type; anything under video/ is a video.
func MediaTypeFromMIME(mime string) MediaType {
	if strings.HasPrefix(strings.ToLower(mime), "video/") {
		return MediaTypeVideo
	}
	return MediaTypeImage
}

// Modality returns the embedding modality for this media type.
func (t MediaType) Modality() Modality {
	if t == MediaTypeVideo {
		return ModalityVideo
	}
	return ModalityImage
}

// MediaItem is a stored image or video together with its vector bundle.
// Vector slots are persisted in per-model columns owned by the catalog, not by gorm.
type MediaItem struct {
	ID        string       `gorm:"type:text;primaryKey" json:"id"`
	Name      string       `gorm:"type:text;not null" json:"name"`
	URL       string       `gorm:"type:text;not null" json:"url"`
	Type      MediaType    `gorm:"type:varchar(20);not null" json:"type"`
	ObjectKey string       `gorm:"type:text" json:"-"`
	CreatedAt time.Time    `gorm:"index:idx_media_items_created_at" json:"created_at"`
	Bundle    VectorBundle `gorm:"-" json:"-"`
}

// TableName returns the catalog table name.
func (MediaItem) TableName() string {
	return "media_items"
}

// SimilarityQuery is a catalog similarity request ranked by PrimaryModel.
type SimilarityQuery struct {
	PrimaryModel string
	Query        VectorBundle
	MinScore     float64
	Limit        int
}

// ScoredMedia is a catalog hit. Scores holds a value only for models where
// both the stored item and the query have a vector.
type ScoredMedia struct {
	Item   MediaItem
	Scores map[string]float64
}

// SearchResult is a ranked media item as returned to clients.
type SearchResult struct {
	MediaItem
	Score  float64            `json:"score"`
	Scores map[string]float64 `json:"scores"`
}
