package domain

import "fmt"

// VectorBundle maps model keys to embeddings. A model without a vector has no entry;
// a zero vector is a present value.
//
// A bundle is immutable once built. Use NewVectorBundle to construct one.
type VectorBundle struct {
	slots map[string][]float32
}

// NewVectorBundle builds a bundle from populated slots, checking every vector
// against its descriptor. Nil slices are treated as absent.
// Parameters:
//   - table: model descriptors used for key and dimension checks.
//   - vectors: populated slots keyed by model key.
// Returns:
//   - VectorBundle: bundle owning copies of the vectors.
//   - error: non-nil for unknown keys or dimension mismatches.
func NewVectorBundle(table *ModelTable, vectors map[string][]float32) (VectorBundle, error) {
	slots := make(map[string][]float32, len(vectors))
	for _, key := range sortedKeys(vectors) {
		vec := vectors[key]
		if vec == nil {
			continue
		}
		desc, ok := table.Lookup(key)
		if !ok {
			return VectorBundle{}, fmt.Errorf("unknown model key %q", key)
		}
		if len(vec) != desc.Dimensions {
			return VectorBundle{}, fmt.Errorf("model %q: vector has %d dimensions, want %d", key, len(vec), desc.Dimensions)
		}
		slots[key] = append([]float32(nil), vec...)
	}
	return VectorBundle{slots: slots}, nil
}

// Get returns a copy of the vector for key and whether it is present.
func (b VectorBundle) Get(key string) ([]float32, bool) {
	vec, ok := b.slots[key]
	if !ok {
		return nil, false
	}
	return append([]float32(nil), vec...), true
}

// Has reports whether the slot for key is populated.
func (b VectorBundle) Has(key string) bool {
	_, ok := b.slots[key]
	return ok
}

// Keys returns the populated model keys in lexical order.
func (b VectorBundle) Keys() []string {
	return sortedKeys(b.slots)
}

// Len returns the number of populated slots.
func (b VectorBundle) Len() int {
	return len(b.slots)
}

// IsEmpty reports whether no slot is populated.
func (b VectorBundle) IsEmpty() bool {
	return len(b.slots) == 0
}

// view returns the stored vector without copying. Callers must not modify it.
func (b VectorBundle) view(key string) ([]float32, bool) {
	vec, ok := b.slots[key]
	return vec, ok
}

// Similarity returns the cosine similarity between this bundle's slot for key
// and other's slot for the same key. ok is false when either slot is absent.
func (b VectorBundle) Similarity(other VectorBundle, key string) (score float64, ok bool) {
	a, okA := b.view(key)
	c, okC := other.view(key)
	if !okA || !okC {
		return 0, false
	}
	return CosineSimilarity(a, c), true
}
