package domain

import (
	"fmt"
	"regexp"
	"sort"
)

// Modality is the kind of input an embedding model accepts.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
	ModalityVideo Modality = "video"
)

// ParseModality converts a config string into a Modality.
func ParseModality(s string) (Modality, error) {
	switch Modality(s) {
	case ModalityText, ModalityImage, ModalityVideo:
		return Modality(s), nil
	default:
		return "", fmt.Errorf("unknown modality %q", s)
	}
}

// modelKeyPattern restricts keys to identifiers that are safe to splice into SQL column names.
var modelKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,54}$`)

// ModelDescriptor is the static description of one embedding model.
type ModelDescriptor struct {
	Key                 string     `json:"key"`
	Dimensions          int        `json:"dimensions"`
	Modalities          []Modality `json:"modalities"`
	SupportsInstruction bool       `json:"supports_instruction"`
}

// Supports reports whether the model accepts inputs of modality m.
func (d ModelDescriptor) Supports(m Modality) bool {
	for _, s := range d.Modalities {
		if s == m {
			return true
		}
	}
	return false
}

// Column returns the catalog column holding this model's vectors.
func (d ModelDescriptor) Column() string {
	return "emb_" + d.Key
}

// Validate checks the descriptor for a usable key, dimension and modality set.
func (d ModelDescriptor) Validate() error {
	if !modelKeyPattern.MatchString(d.Key) {
		return fmt.Errorf("model key %q must match %s", d.Key, modelKeyPattern.String())
	}
	if d.Dimensions <= 0 {
		return fmt.Errorf("model %q: dimensions must be positive", d.Key)
	}
	if len(d.Modalities) == 0 {
		return fmt.Errorf("model %q: at least one modality is required", d.Key)
	}
	return nil
}

// ModelTable is the immutable, ordered set of model descriptors loaded at start.
type ModelTable struct {
	ordered []ModelDescriptor
	byKey   map[string]ModelDescriptor
}

// NewModelTable validates descriptors and builds a table preserving their order.
// Parameters:
//   - descs: descriptors in display order.
// Returns:
//   - *ModelTable: lookup table.
//   - error: non-nil on an invalid descriptor, duplicate key or empty input.
func NewModelTable(descs []ModelDescriptor) (*ModelTable, error) {
	if len(descs) == 0 {
		return nil, fmt.Errorf("at least one model descriptor is required")
	}

	t := &ModelTable{
		ordered: make([]ModelDescriptor, 0, len(descs)),
		byKey:   make(map[string]ModelDescriptor, len(descs)),
	}
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := t.byKey[d.Key]; dup {
			return nil, fmt.Errorf("duplicate model key %q", d.Key)
		}
		d.Modalities = append([]Modality(nil), d.Modalities...)
		t.ordered = append(t.ordered, d)
		t.byKey[d.Key] = d
	}
	return t, nil
}

// Lookup returns the descriptor for key.
func (t *ModelTable) Lookup(key string) (ModelDescriptor, bool) {
	d, ok := t.byKey[key]
	return d, ok
}

// Descriptors returns the descriptors in table order.
func (t *ModelTable) Descriptors() []ModelDescriptor {
	out := make([]ModelDescriptor, len(t.ordered))
	copy(out, t.ordered)
	return out
}

// Keys returns the model keys in table order.
func (t *ModelTable) Keys() []string {
	keys := make([]string, len(t.ordered))
	for i, d := range t.ordered {
		keys[i] = d.Key
	}
	return keys
}

// Len returns the number of models.
func (t *ModelTable) Len() int {
	return len(t.ordered)
}

// sortedKeys returns the keys of m in lexical order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
