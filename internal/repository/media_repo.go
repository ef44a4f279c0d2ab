package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/timmy/visionsearch/internal/domain"
	"gorm.io/gorm"
)

const mediaBaseColumns = "id, name, url, type, object_key, created_at"

// MediaRepository stores media items in media_items with one vector column per model.
// On PostgreSQL candidates are selected in SQL with pgvector's cosine distance; on
// SQLite every vector is loaded. Scores are always computed in float64 in process.
type MediaRepository struct {
	db       *gorm.DB
	table    *domain.ModelTable
	postgres bool
}

// NewMediaRepository creates a new MediaRepository.
// Parameters:
//   - db: GORM database handle, already migrated with Migrate.
//   - table: model descriptor table defining the vector columns.
// Returns:
//   - *MediaRepository: repository instance bound to db.
func NewMediaRepository(db *gorm.DB, table *domain.ModelTable) *MediaRepository {
	return &MediaRepository{db: db, table: table, postgres: isPostgres(db)}
}

// Insert stores item and the populated slots of its bundle in one transaction.
func (r *MediaRepository) Insert(ctx context.Context, item *domain.MediaItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	sets := make([]string, 0, item.Bundle.Len())
	args := make([]interface{}, 0, item.Bundle.Len()+1)
	for _, key := range item.Bundle.Keys() {
		desc, ok := r.table.Lookup(key)
		if !ok {
			return fmt.Errorf("bundle slot %q is not in the model table", key)
		}
		vec, _ := item.Bundle.Get(key)
		if len(vec) != desc.Dimensions {
			return fmt.Errorf("bundle slot %q has %d dimensions, want %d", key, len(vec), desc.Dimensions)
		}
		sets = append(sets, desc.Column()+" = ?")
		args = append(args, pgvector.NewVector(vec))
	}
	args = append(args, item.ID)

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(item).Error; err != nil {
			return fmt.Errorf("failed to insert media item: %w", err)
		}
		if len(sets) == 0 {
			return nil
		}
		stmt := "UPDATE media_items SET " + strings.Join(sets, ", ") + " WHERE id = ?"
		if err := tx.Exec(stmt, args...).Error; err != nil {
			return fmt.Errorf("failed to store vectors: %w", err)
		}
		return nil
	})
}

// List returns all items newest first. Bundles are not loaded.
func (r *MediaRepository) List(ctx context.Context) ([]domain.MediaItem, error) {
	var items []domain.MediaItem
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Count returns the number of stored items.
func (r *MediaRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.MediaItem{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Get returns one item with its bundle.
func (r *MediaRepository) Get(ctx context.Context, id string) (*domain.MediaItem, error) {
	rows, err := r.db.WithContext(ctx).
		Raw("SELECT "+mediaBaseColumns+", "+r.vectorColumns()+" FROM media_items WHERE id = ?", id).
		Rows()
	if err != nil {
		return nil, fmt.Errorf("failed to load media item: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrMediaNotFound, id)
	}
	item, err := r.scanWithVectors(rows)
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Delete removes one item.
func (r *MediaRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.MediaItem{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete media item: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrMediaNotFound, id)
	}
	return nil
}

// SimilaritySearch ranks items having a primary vector by cosine similarity.
// Scores are reported for every model where both the item and the query have a vector.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - q: query bundle, primary model, exclusive score floor and limit.
// Returns:
//   - []domain.ScoredMedia: hits ordered by primary score descending, then ID ascending.
//   - error: ErrInvalidQuery for an unknown primary model or missing primary slot.
func (r *MediaRepository) SimilaritySearch(ctx context.Context, q domain.SimilarityQuery) ([]domain.ScoredMedia, error) {
	primary, ok := r.table.Lookup(q.PrimaryModel)
	if !ok {
		return nil, fmt.Errorf("%w: unknown primary model %q", domain.ErrInvalidQuery, q.PrimaryModel)
	}
	if !q.Query.Has(primary.Key) {
		return nil, fmt.Errorf("%w: query has no %s vector", domain.ErrInvalidQuery, primary.Key)
	}
	if q.Limit <= 0 {
		return nil, nil
	}

	if r.postgres {
		return r.searchSQL(ctx, primary, q)
	}
	return r.searchInProcess(ctx, primary, q)
}

// sqlSlack widens the SQL prefilter so rows that pgvector's single precision
// scores just under the threshold still reach the float64 rescoring.
const sqlSlack = 1e-6

// similaritySQL builds the candidate statement: filter, order and limit run in
// SQL, scores are recomputed from the returned vectors. Column names come from
// validated model keys.
func (r *MediaRepository) similaritySQL(primary domain.ModelDescriptor, q domain.SimilarityQuery) (string, []interface{}) {
	primaryVec, _ := q.Query.Get(primary.Key)
	pv := pgvector.NewVector(primaryVec)
	col := primary.Column()
	stmt := fmt.Sprintf(
		"SELECT %s, %s FROM media_items WHERE %s IS NOT NULL AND 1 - (%s <=> ?::vector) > ? ORDER BY %s <=> ?::vector, id LIMIT ?",
		mediaBaseColumns, r.vectorColumns(), col, col, col)
	return stmt, []interface{}{pv, q.MinScore - sqlSlack, pv, q.Limit}
}

// searchSQL runs the candidate statement on PostgreSQL and rescores in Go.
func (r *MediaRepository) searchSQL(ctx context.Context, primary domain.ModelDescriptor, q domain.SimilarityQuery) ([]domain.ScoredMedia, error) {
	stmt, args := r.similaritySQL(primary, q)
	rows, err := r.db.WithContext(ctx).Raw(stmt, args...).Rows()
	if err != nil {
		return nil, fmt.Errorf("failed to run similarity query: %w", err)
	}
	defer rows.Close()

	var hits []domain.ScoredMedia
	for rows.Next() {
		item, err := r.scanWithVectors(rows)
		if err != nil {
			return nil, err
		}
		if hit, ok := scoreItem(item, primary.Key, q); ok {
			hits = append(hits, hit)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rankHits(hits, primary.Key, q.Limit), nil
}

// searchInProcess loads every item with a primary vector and scores it in Go.
func (r *MediaRepository) searchInProcess(ctx context.Context, primary domain.ModelDescriptor, q domain.SimilarityQuery) ([]domain.ScoredMedia, error) {
	stmt := fmt.Sprintf("SELECT %s, %s FROM media_items WHERE %s IS NOT NULL",
		mediaBaseColumns, r.vectorColumns(), primary.Column())
	rows, err := r.db.WithContext(ctx).Raw(stmt).Rows()
	if err != nil {
		return nil, fmt.Errorf("failed to load vectors: %w", err)
	}
	defer rows.Close()

	var hits []domain.ScoredMedia
	for rows.Next() {
		item, err := r.scanWithVectors(rows)
		if err != nil {
			return nil, err
		}
		if hit, ok := scoreItem(item, primary.Key, q); ok {
			hits = append(hits, hit)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rankHits(hits, primary.Key, q.Limit), nil
}

// scoreItem scores item against the query in float64 for every model the query
// carries. ok is false when the item lacks the primary slot or does not beat
// q.MinScore.
func scoreItem(item *domain.MediaItem, primaryKey string, q domain.SimilarityQuery) (domain.ScoredMedia, bool) {
	score, ok := item.Bundle.Similarity(q.Query, primaryKey)
	if !ok || !(score > q.MinScore) {
		return domain.ScoredMedia{}, false
	}
	hit := domain.ScoredMedia{Item: *item, Scores: make(map[string]float64)}
	for _, key := range q.Query.Keys() {
		if s, ok := item.Bundle.Similarity(q.Query, key); ok {
			hit.Scores[key] = s
		}
	}
	return hit, true
}

// rankHits orders by primary score descending, then ID ascending, and truncates.
func rankHits(hits []domain.ScoredMedia, primaryKey string, limit int) []domain.ScoredMedia {
	sort.SliceStable(hits, func(i, j int) bool {
		si, sj := hits[i].Scores[primaryKey], hits[j].Scores[primaryKey]
		if si != sj {
			return si > sj
		}
		return hits[i].Item.ID < hits[j].Item.ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func (r *MediaRepository) vectorColumns() string {
	descs := r.table.Descriptors()
	cols := make([]string, len(descs))
	for i, d := range descs {
		cols[i] = d.Column()
	}
	return strings.Join(cols, ", ")
}

// scanWithVectors scans base columns followed by every vector column in table order.
func (r *MediaRepository) scanWithVectors(rows *sql.Rows) (*domain.MediaItem, error) {
	descs := r.table.Descriptors()
	var item domain.MediaItem
	vecs := make([]sql.Null[pgvector.Vector], len(descs))
	dest := baseDest(&item)
	for i := range vecs {
		dest = append(dest, &vecs[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("failed to scan media row: %w", err)
	}

	slots := make(map[string][]float32, len(descs))
	for i, d := range descs {
		if vecs[i].Valid {
			slots[d.Key] = vecs[i].V.Slice()
		}
	}
	bundle, err := domain.NewVectorBundle(r.table, slots)
	if err != nil {
		return nil, fmt.Errorf("media item %s: %w", item.ID, err)
	}
	item.Bundle = bundle
	return &item, nil
}

func baseDest(item *domain.MediaItem) []interface{} {
	return []interface{}{&item.ID, &item.Name, &item.URL, &item.Type, &item.ObjectKey, &item.CreatedAt}
}
