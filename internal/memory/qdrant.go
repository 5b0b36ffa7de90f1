package memory

import (
	"context"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	apperrors "memvault/internal/errors"
)

// pointsAPI is the part of the Qdrant client the index uses
type pointsAPI interface {
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Delete(ctx context.Context, request *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
}

// similarLimit caps the neighbours returned for one memory
const similarLimit = 100

// pointNamespace derives point ids for memory ids that are not UUIDs
var pointNamespace = uuid.MustParse("6f1c2b9e-3d4a-4c8e-9a51-7b2e0d6c4f13")

// QdrantIndex mirrors memory embeddings into a Qdrant collection. Point ids
// are the memory ids when those are UUIDs, otherwise a stable UUIDv5 of the
// memory id. The memory id is always stored in the payload.
type QdrantIndex struct {
	client     pointsAPI
	collection string
}

// NewQdrantIndex creates an index over collection
func NewQdrantIndex(client *qdrant.Client, collection string) *QdrantIndex {
	return newQdrantIndex(client, collection)
}

func newQdrantIndex(client pointsAPI, collection string) *QdrantIndex {
	return &QdrantIndex{client: client, collection: collection}
}

// PointID maps a memory id to its Qdrant point id
func PointID(memoryID string) string {
	if id, err := uuid.Parse(memoryID); err == nil {
		return id.String()
	}
	return uuid.NewSHA1(pointNamespace, []byte(memoryID)).String()
}

// Upsert writes the memories that carry an embedding
func (q *QdrantIndex) Upsert(ctx context.Context, mems []Memory) error {
	points := make([]*qdrant.PointStruct, 0, len(mems))
	for _, m := range mems {
		if len(m.Embedding) == 0 {
			continue
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(PointID(m.ID)),
			Vectors: qdrant.NewVectors(m.Embedding...),
			Payload: qdrant.NewValueMap(map[string]any{
				"memory_id":    m.ID,
				"agent_id":     m.AgentID,
				"content_hash": m.ContentHash,
			}),
		})
	}
	if len(points) == 0 {
		return nil
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return apperrors.NewClassifier().Classify("qdrant", err, apperrors.KindStorage)
	}
	return nil
}

// Delete removes the points of the given memories
func (q *QdrantIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(PointID(id))
	}

	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return apperrors.NewClassifier().Classify("qdrant", err, apperrors.KindStorage)
	}
	return nil
}

// Similar queries the collection with the embedding of mem. The collection is
// expected to use cosine distance so scores compare with threshold directly.
// Points without a memory_id payload and mem's own point are skipped.
func (q *QdrantIndex) Similar(ctx context.Context, mem Memory, threshold float64, agent string) ([]Match, error) {
	if len(mem.Embedding) == 0 {
		return nil, nil
	}
	req := &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(mem.Embedding...),
		ScoreThreshold: qdrant.PtrOf(float32(threshold)),
		Limit:          qdrant.PtrOf(uint64(similarLimit)),
		WithPayload:    qdrant.NewWithPayloadInclude("memory_id"),
	}
	if agent != "" {
		req.Filter = &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("agent_id", agent)},
		}
	}

	points, err := q.client.Query(ctx, req)
	if err != nil {
		return nil, apperrors.NewClassifier().Classify("qdrant", err, apperrors.KindStorage)
	}
	matches := make([]Match, 0, len(points))
	for _, p := range points {
		id := p.GetPayload()["memory_id"].GetStringValue()
		if id == "" || id == mem.ID {
			continue
		}
		matches = append(matches, Match{ID: id, Score: float64(p.GetScore())})
	}
	return matches, nil
}
