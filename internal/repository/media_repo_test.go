package repository

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/visionsearch/internal/config"
	"github.com/timmy/visionsearch/internal/domain"
)

const repoTestDim = 8

func testTable(t *testing.T) *domain.ModelTable {
	t.Helper()
	all := []domain.Modality{domain.ModalityText, domain.ModalityImage, domain.ModalityVideo}
	table, err := domain.NewModelTable([]domain.ModelDescriptor{
		{Key: "doubao_250615", Dimensions: repoTestDim, Modalities: all},
		{Key: "jina_v4", Dimensions: repoTestDim, Modalities: all[:2]},
		{Key: "qwen_vl", Dimensions: repoTestDim, Modalities: all},
	})
	require.NoError(t, err)
	return table
}

func newTestRepo(t *testing.T) (*MediaRepository, *domain.ModelTable) {
	t.Helper()
	table := testTable(t)
	db, err := InitDB(&config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "catalog.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	require.NoError(t, Migrate(db, table, "hnsw"))
	// a second run must be a no-op
	require.NoError(t, Migrate(db, table, "hnsw"))

	return NewMediaRepository(db, table), table
}

func randomVector(rng *rand.Rand) []float32 {
	v := make([]float32, repoTestDim)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

func unit(i int) []float32 {
	v := make([]float32, repoTestDim)
	v[i] = 1
	return v
}

func mix(a, b float32) []float32 {
	v := make([]float32, repoTestDim)
	v[0], v[1] = a, b
	return v
}

func insertItem(t *testing.T, repo *MediaRepository, table *domain.ModelTable, id string, created time.Time, vectors map[string][]float32) *domain.MediaItem {
	t.Helper()
	bundle, err := domain.NewVectorBundle(table, vectors)
	require.NoError(t, err)
	item := &domain.MediaItem{
		ID:        id,
		Name:      id + ".jpg",
		URL:       "https://cdn.example.com/" + id + ".jpg",
		Type:      domain.MediaTypeImage,
		ObjectKey: "media/" + id + ".jpg",
		CreatedAt: created,
		Bundle:    bundle,
	}
	require.NoError(t, repo.Insert(context.Background(), item))
	return item
}

func TestMediaRepositoryRoundTripSelfSimilarity(t *testing.T) {
	repo, table := newTestRepo(t)
	rng := rand.New(rand.NewSource(7))
	ctx := context.Background()

	vectors := map[string][]float32{
		"doubao_250615": randomVector(rng),
		"jina_v4":       randomVector(rng),
		"qwen_vl":       randomVector(rng),
	}
	item := insertItem(t, repo, table, "self", time.Now().UTC(), vectors)
	insertItem(t, repo, table, "other", time.Now().UTC(), map[string][]float32{"doubao_250615": randomVector(rng)})

	loaded, err := repo.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.Name, loaded.Name)
	assert.Equal(t, domain.MediaTypeImage, loaded.Type)
	assert.Equal(t, item.ObjectKey, loaded.ObjectKey)
	assert.Equal(t, []string{"doubao_250615", "jina_v4", "qwen_vl"}, loaded.Bundle.Keys())
	got, _ := loaded.Bundle.Get("jina_v4")
	assert.Equal(t, vectors["jina_v4"], got)

	for key := range vectors {
		hits, err := repo.SimilaritySearch(ctx, domain.SimilarityQuery{
			PrimaryModel: key,
			Query:        loaded.Bundle,
			MinScore:     -1,
			Limit:        10,
		})
		require.NoError(t, err)
		require.NotEmpty(t, hits)
		assert.Equal(t, "self", hits[0].Item.ID)
		assert.InDelta(t, 1.0, hits[0].Scores[key], 1e-6)
	}
}

func TestMediaRepositoryPrimaryGating(t *testing.T) {
	repo, table := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	insertItem(t, repo, table, "full", now, map[string][]float32{
		"doubao_250615": unit(0),
		"jina_v4":       unit(1),
	})
	insertItem(t, repo, table, "partial", now, map[string][]float32{
		"doubao_250615": unit(0),
	})

	query, err := domain.NewVectorBundle(table, map[string][]float32{
		"doubao_250615": unit(0),
		"jina_v4":       unit(1),
	})
	require.NoError(t, err)

	hits, err := repo.SimilaritySearch(ctx, domain.SimilarityQuery{PrimaryModel: "jina_v4", Query: query, MinScore: 0.2, Limit: 10})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "full", hits[0].Item.ID)

	hits, err = repo.SimilaritySearch(ctx, domain.SimilarityQuery{PrimaryModel: "doubao_250615", Query: query, MinScore: 0.2, Limit: 10})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		_, hasJina := h.Scores["jina_v4"]
		assert.Equal(t, h.Item.ID == "full", hasJina)
		_, hasQwen := h.Scores["qwen_vl"]
		assert.False(t, hasQwen)
	}
}

func TestMediaRepositoryOrderingAndThreshold(t *testing.T) {
	repo, table := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	insertItem(t, repo, table, "b-tie", now, map[string][]float32{"doubao_250615": mix(1, 1)})
	insertItem(t, repo, table, "a-tie", now, map[string][]float32{"doubao_250615": mix(2, 2)})
	insertItem(t, repo, table, "exact", now, map[string][]float32{"doubao_250615": unit(0)})
	insertItem(t, repo, table, "orthogonal", now, map[string][]float32{"doubao_250615": unit(1)})
	insertItem(t, repo, table, "opposite", now, map[string][]float32{"doubao_250615": mix(-1, 0)})

	query, err := domain.NewVectorBundle(table, map[string][]float32{"doubao_250615": unit(0)})
	require.NoError(t, err)

	hits, err := repo.SimilaritySearch(ctx, domain.SimilarityQuery{PrimaryModel: "doubao_250615", Query: query, MinScore: 0, Limit: 10})
	require.NoError(t, err)
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.Item.ID
	}
	assert.Equal(t, []string{"exact", "a-tie", "b-tie"}, ids, "score 0 must not pass a 0 threshold")

	hits, err = repo.SimilaritySearch(ctx, domain.SimilarityQuery{PrimaryModel: "doubao_250615", Query: query, MinScore: -2, Limit: 4})
	require.NoError(t, err)
	require.Len(t, hits, 4)
	assert.Equal(t, "orthogonal", hits[3].Item.ID)
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Scores["doubao_250615"], hits[i].Scores["doubao_250615"])
	}
}

func TestMediaRepositoryRejectsBadQueries(t *testing.T) {
	repo, table := newTestRepo(t)
	query, err := domain.NewVectorBundle(table, map[string][]float32{"doubao_250615": unit(0)})
	require.NoError(t, err)

	_, err = repo.SimilaritySearch(context.Background(), domain.SimilarityQuery{PrimaryModel: "nope", Query: query, Limit: 1})
	assert.True(t, errors.Is(err, domain.ErrInvalidQuery))
	_, err = repo.SimilaritySearch(context.Background(), domain.SimilarityQuery{PrimaryModel: "qwen_vl", Query: query, Limit: 1})
	assert.True(t, errors.Is(err, domain.ErrInvalidQuery))
}

func TestMediaRepositoryListCountDelete(t *testing.T) {
	repo, table := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	insertItem(t, repo, table, "old", base, map[string][]float32{"doubao_250615": unit(0)})
	insertItem(t, repo, table, "new", base.Add(time.Hour), map[string][]float32{"doubao_250615": unit(1)})
	insertItem(t, repo, table, "none", base.Add(30*time.Minute), nil)

	items, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []string{"new", "none", "old"}, []string{items[0].ID, items[1].ID, items[2].ID})

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	empty, err := repo.Get(ctx, "none")
	require.NoError(t, err)
	assert.True(t, empty.Bundle.IsEmpty())

	require.NoError(t, repo.Delete(ctx, "old"))
	assert.True(t, errors.Is(repo.Delete(ctx, "old"), domain.ErrMediaNotFound))
	_, err = repo.Get(ctx, "old")
	assert.True(t, errors.Is(err, domain.ErrMediaNotFound))

	count, err = repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestMediaRepositoryAssignsIDAndTimestamp(t *testing.T) {
	repo, table := newTestRepo(t)
	bundle, err := domain.NewVectorBundle(table, map[string][]float32{"qwen_vl": unit(2)})
	require.NoError(t, err)

	item := &domain.MediaItem{Name: "x.png", URL: "u", Type: domain.MediaTypeImage, Bundle: bundle}
	require.NoError(t, repo.Insert(context.Background(), item))
	assert.NotEmpty(t, item.ID)
	assert.False(t, item.CreatedAt.IsZero())
}

func TestMediaRepositoryZeroVectorScoresAreFinite(t *testing.T) {
	repo, table := newTestRepo(t)
	ctx := context.Background()

	insertItem(t, repo, table, "blank", time.Now().UTC(), map[string][]float32{
		"doubao_250615": unit(0),
		"jina_v4":       make([]float32, repoTestDim),
	})
	query, err := domain.NewVectorBundle(table, map[string][]float32{
		"doubao_250615": unit(0),
		"jina_v4":       unit(1),
	})
	require.NoError(t, err)

	hits, err := repo.SimilaritySearch(ctx, domain.SimilarityQuery{PrimaryModel: "doubao_250615", Query: query, MinScore: 0.2, Limit: 5})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	score, ok := hits[0].Scores["jina_v4"]
	require.True(t, ok)
	assert.False(t, math.IsNaN(score))
	assert.Equal(t, 0.0, score)

	_, err = json.Marshal(hits[0].Scores)
	assert.NoError(t, err)
}

func TestScoreItemUsesFloat64AndStrictThreshold(t *testing.T) {
	table := testTable(t)
	stored, err := domain.NewVectorBundle(table, map[string][]float32{
		"doubao_250615": mix(1, 1),
		"qwen_vl":       make([]float32, repoTestDim),
	})
	require.NoError(t, err)
	query, err := domain.NewVectorBundle(table, map[string][]float32{
		"doubao_250615": unit(0),
		"qwen_vl":       unit(2),
	})
	require.NoError(t, err)
	item := &domain.MediaItem{ID: "x", Bundle: stored}

	hit, ok := scoreItem(item, "doubao_250615", domain.SimilarityQuery{Query: query, MinScore: 0.5})
	require.True(t, ok)
	assert.Equal(t, domain.CosineSimilarity(mix(1, 1), unit(0)), hit.Scores["doubao_250615"])
	assert.Equal(t, 0.0, hit.Scores["qwen_vl"])
	_, hasJina := hit.Scores["jina_v4"]
	assert.False(t, hasJina)

	_, ok = scoreItem(item, "doubao_250615", domain.SimilarityQuery{Query: query, MinScore: hit.Scores["doubao_250615"]})
	assert.False(t, ok, "a score equal to the threshold must be excluded")
	_, ok = scoreItem(item, "jina_v4", domain.SimilarityQuery{Query: query, MinScore: -1})
	assert.False(t, ok)
}

func TestSimilaritySQLReturnsVectorsForRescoring(t *testing.T) {
	table := testTable(t)
	repo := &MediaRepository{table: table, postgres: true}
	query, err := domain.NewVectorBundle(table, map[string][]float32{"jina_v4": unit(1)})
	require.NoError(t, err)
	primary, _ := table.Lookup("jina_v4")

	stmt, args := repo.similaritySQL(primary, domain.SimilarityQuery{PrimaryModel: "jina_v4", Query: query, MinScore: 0.3, Limit: 7})
	assert.Contains(t, stmt, "emb_doubao_250615, emb_jina_v4, emb_qwen_vl FROM media_items")
	assert.Contains(t, stmt, "WHERE emb_jina_v4 IS NOT NULL")
	assert.NotContains(t, stmt, " AS ")
	require.Len(t, args, 4)
	assert.InDelta(t, 0.3, args[1], 1e-5)
	assert.Less(t, args[1].(float64), 0.3)
	assert.Equal(t, 7, args[3])
}
