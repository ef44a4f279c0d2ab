package repository

import (
	"context"
	"crypto/tls"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"github.com/timmy/visionsearch/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

const qdrantScrollPage = 256

// QdrantConnectionConfig holds configuration for Qdrant connection
type QdrantConnectionConfig struct {
	Host       string
	Port       int
	Collection string
	APIKey     string // Qdrant Cloud API Key (enables TLS automatically)
	UseTLS     bool   // Explicitly enable TLS without API Key
}

// apiKeyInterceptor creates a unary interceptor that adds API key to metadata
func apiKeyInterceptor(apiKey string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", apiKey)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// QdrantRepository is a media catalog kept in one Qdrant collection. Each point
// carries one named vector per populated bundle slot, named by model key.
type QdrantRepository struct {
	conn           *grpc.ClientConn
	pointsClient   pb.PointsClient
	collectClient  pb.CollectionsClient
	collectionName string
	table          *domain.ModelTable
}

// NewQdrantRepository creates a new QdrantRepository.
// Supports both local Qdrant (insecure) and Qdrant Cloud (TLS + API Key).
func NewQdrantRepository(cfg *QdrantConnectionConfig, table *domain.ModelTable) (*QdrantRepository, error) {
	if cfg.Collection == "" {
		return nil, fmt.Errorf("qdrant collection name is required")
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var opts []grpc.DialOption
	if cfg.UseTLS || cfg.APIKey != "" {
		creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS13})
		opts = append(opts, grpc.WithTransportCredentials(creds))
		if cfg.APIKey != "" {
			opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
		}
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	return &QdrantRepository{
		conn:           conn,
		pointsClient:   pb.NewPointsClient(conn),
		collectClient:  pb.NewCollectionsClient(conn),
		collectionName: cfg.Collection,
		table:          table,
	}, nil
}

// Close closes the gRPC connection
func (r *QdrantRepository) Close() error {
	return r.conn.Close()
}

// EnsureCollection creates the collection with one cosine named vector per model,
// or checks that an existing collection matches the model table.
func (r *QdrantRepository) EnsureCollection(ctx context.Context) error {
	info, err := r.collectClient.Get(ctx, &pb.GetCollectionInfoRequest{
		CollectionName: r.collectionName,
	})
	if err == nil {
		return r.checkCollection(info.GetResult())
	}

	params := make(map[string]*pb.VectorParams, r.table.Len())
	for _, desc := range r.table.Descriptors() {
		params[desc.Key] = &pb.VectorParams{
			Size:     uint64(desc.Dimensions),
			Distance: pb.Distance_Cosine,
		}
	}

	_, err = r.collectClient.Create(ctx, &pb.CreateCollection{
		CollectionName: r.collectionName,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_ParamsMap{
				ParamsMap: &pb.VectorParamsMap{Map: params},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

func (r *QdrantRepository) checkCollection(info *pb.CollectionInfo) error {
	existing := info.GetConfig().GetParams().GetVectorsConfig().GetParamsMap().GetMap()
	for _, desc := range r.table.Descriptors() {
		p, ok := existing[desc.Key]
		if !ok {
			return fmt.Errorf("collection %s has no vector named %s, recreate it to add models", r.collectionName, desc.Key)
		}
		if p.GetSize() != uint64(desc.Dimensions) {
			return fmt.Errorf("collection %s vector %s has size %d, expected %d",
				r.collectionName, desc.Key, p.GetSize(), desc.Dimensions)
		}
	}
	return nil
}

// Insert stores item as one point holding only its populated slots.
func (r *QdrantRepository) Insert(ctx context.Context, item *domain.MediaItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if _, err := uuid.Parse(item.ID); err != nil {
		return fmt.Errorf("invalid point ID: %w", err)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	named := make(map[string]*pb.Vector, item.Bundle.Len())
	for _, key := range item.Bundle.Keys() {
		if _, ok := r.table.Lookup(key); !ok {
			return fmt.Errorf("bundle slot %q is not in the model table", key)
		}
		vec, _ := item.Bundle.Get(key)
		named[key] = &pb.Vector{Data: vec}
	}

	point := &pb.PointStruct{
		Id: pointID(item.ID),
		Vectors: &pb.Vectors{
			VectorsOptions: &pb.Vectors_Vectors{
				Vectors: &pb.NamedVectors{Vectors: named},
			},
		},
		Payload: map[string]*pb.Value{
			"name":       stringValue(item.Name),
			"url":        stringValue(item.URL),
			"type":       stringValue(string(item.Type)),
			"object_key": stringValue(item.ObjectKey),
			"created_at": {Kind: &pb.Value_IntegerValue{IntegerValue: item.CreatedAt.UnixNano()}},
		},
	}

	wait := true
	_, err := r.pointsClient.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: r.collectionName,
		Wait:           &wait,
		Points:         []*pb.PointStruct{point},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert point: %w", err)
	}
	return nil
}

// List scrolls the whole collection and returns items newest first.
func (r *QdrantRepository) List(ctx context.Context) ([]domain.MediaItem, error) {
	limit := uint32(qdrantScrollPage)
	var (
		items  []domain.MediaItem
		offset *pb.PointId
	)
	for {
		resp, err := r.pointsClient.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: r.collectionName,
			Offset:         offset,
			Limit:          &limit,
			WithPayload:    withPayload(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scroll points: %w", err)
		}
		for _, p := range resp.GetResult() {
			items = append(items, itemFromPayload(p.GetId().GetUuid(), p.GetPayload()))
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			break
		}
	}

	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})
	return items, nil
}

// Count returns the exact number of points.
func (r *QdrantRepository) Count(ctx context.Context) (int64, error) {
	exact := true
	resp, err := r.pointsClient.Count(ctx, &pb.CountPoints{
		CollectionName: r.collectionName,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}
	return int64(resp.GetResult().GetCount()), nil
}

// Get returns one item with its vectors.
func (r *QdrantRepository) Get(ctx context.Context, id string) (*domain.MediaItem, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrMediaNotFound, id)
	}
	resp, err := r.pointsClient.Get(ctx, &pb.GetPoints{
		CollectionName: r.collectionName,
		Ids:            []*pb.PointId{pointID(id)},
		WithPayload:    withPayload(),
		WithVectors:    withVectors(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get point: %w", err)
	}
	if len(resp.GetResult()) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrMediaNotFound, id)
	}

	p := resp.GetResult()[0]
	item := itemFromPayload(p.GetId().GetUuid(), p.GetPayload())
	bundle, err := r.bundleFrom(p.GetVectors())
	if err != nil {
		return nil, fmt.Errorf("media item %s: %w", id, err)
	}
	item.Bundle = bundle
	return &item, nil
}

// Delete removes one point.
func (r *QdrantRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}

	wait := true
	_, err := r.pointsClient.Delete(ctx, &pb.DeletePoints{
		CollectionName: r.collectionName,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: []*pb.PointId{pointID(id)}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete point: %w", err)
	}
	return nil
}

// SimilaritySearch searches the primary named vector. Qdrant's threshold is inclusive,
// so scores are recomputed from the returned vectors and filtered strictly here.
func (r *QdrantRepository) SimilaritySearch(ctx context.Context, q domain.SimilarityQuery) ([]domain.ScoredMedia, error) {
	if _, ok := r.table.Lookup(q.PrimaryModel); !ok {
		return nil, fmt.Errorf("%w: unknown primary model %q", domain.ErrInvalidQuery, q.PrimaryModel)
	}
	primaryVec, ok := q.Query.Get(q.PrimaryModel)
	if !ok {
		return nil, fmt.Errorf("%w: query has no %s vector", domain.ErrInvalidQuery, q.PrimaryModel)
	}
	if q.Limit <= 0 {
		return nil, nil
	}

	vectorName := q.PrimaryModel
	threshold := float32(q.MinScore)
	resp, err := r.pointsClient.Search(ctx, &pb.SearchPoints{
		CollectionName: r.collectionName,
		Vector:         primaryVec,
		VectorName:     &vectorName,
		Limit:          uint64(q.Limit),
		ScoreThreshold: &threshold,
		WithPayload:    withPayload(),
		WithVectors:    withVectors(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	hits := make([]domain.ScoredMedia, 0, len(resp.GetResult()))
	for _, sp := range resp.GetResult() {
		bundle, err := r.bundleFrom(sp.GetVectors())
		if err != nil {
			return nil, fmt.Errorf("point %s: %w", sp.GetId().GetUuid(), err)
		}
		primary, ok := bundle.Similarity(q.Query, q.PrimaryModel)
		if !ok || !(primary > q.MinScore) {
			continue
		}

		item := itemFromPayload(sp.GetId().GetUuid(), sp.GetPayload())
		item.Bundle = bundle
		hit := domain.ScoredMedia{Item: item, Scores: make(map[string]float64)}
		for _, key := range q.Query.Keys() {
			if s, ok := bundle.Similarity(q.Query, key); ok {
				hit.Scores[key] = s
			}
		}
		hits = append(hits, hit)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		si, sj := hits[i].Scores[q.PrimaryModel], hits[j].Scores[q.PrimaryModel]
		if si != sj {
			return si > sj
		}
		return hits[i].Item.ID < hits[j].Item.ID
	})
	return hits, nil
}

// bundleFrom converts named output vectors into a bundle, ignoring names outside the table.
func (r *QdrantRepository) bundleFrom(out *pb.VectorsOutput) (domain.VectorBundle, error) {
	slots := make(map[string][]float32)
	for name, v := range out.GetVectors().GetVectors() {
		if _, ok := r.table.Lookup(name); !ok {
			continue
		}
		data := v.GetData()
		if len(data) == 0 {
			data = v.GetDense().GetData()
		}
		if len(data) > 0 {
			slots[name] = data
		}
	}
	return domain.NewVectorBundle(r.table, slots)
}

func itemFromPayload(id string, payload map[string]*pb.Value) domain.MediaItem {
	item := domain.MediaItem{ID: id}
	if v, ok := payload["name"]; ok {
		item.Name = v.GetStringValue()
	}
	if v, ok := payload["url"]; ok {
		item.URL = v.GetStringValue()
	}
	if v, ok := payload["type"]; ok {
		item.Type = domain.MediaType(v.GetStringValue())
	}
	if v, ok := payload["object_key"]; ok {
		item.ObjectKey = v.GetStringValue()
	}
	if v, ok := payload["created_at"]; ok {
		item.CreatedAt = time.Unix(0, v.GetIntegerValue()).UTC()
	}
	return item
}

func pointID(id string) *pb.PointId {
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func withPayload() *pb.WithPayloadSelector {
	return &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}}
}

func withVectors() *pb.WithVectorsSelector {
	return &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: true}}
}
