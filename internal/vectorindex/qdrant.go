package vectorindex

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// payloadIDKey is the payload field carrying the caller's entry id. Qdrant
// point ids must be UUIDs, so the original id travels in the payload and the
// point id is derived from it deterministically.
const payloadIDKey = "_id"

// QdrantConfig holds connection parameters for a Qdrant-backed index.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string
	// Port is the Qdrant gRPC port (default: 6334).
	Port int
	// Collection is the Qdrant collection name to use.
	Collection string
	// VectorSize is the dimensionality of the stored embeddings.
	VectorSize uint64
	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string
	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// Qdrant implements Index backed by a Qdrant collection configured for
// cosine distance. It stores contract chunk vectors, which can outgrow what
// the in-memory index comfortably holds.
type Qdrant struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client
	// cfg holds the resolved configuration for this index.
	cfg *QdrantConfig
}

// NewQdrant creates a Qdrant index, ensuring the target collection exists
// (creating it if necessary).
func NewQdrant(ctx context.Context, cfg *QdrantConfig) (*Qdrant, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	q := &Qdrant{client: client, cfg: cfg}
	if err := q.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Client exposes the underlying gRPC client for readiness probes.
func (q *Qdrant) Client() *qdrant.Client { return q.client }

// ensureCollection creates the collection with cosine distance if it does
// not already exist.
func (q *Qdrant) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", q.cfg.Collection, err)
	}
	return nil
}

// pointID derives the deterministic Qdrant point UUID for an entry id.
func pointID(id string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

// Upsert stores or replaces the entry for id. Qdrant applies point upserts
// atomically, which satisfies the no-half-updated-entry requirement.
func (q *Qdrant) Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error {
	payload := map[string]interface{}{payloadIDKey: id}
	for k, v := range metadata {
		payload[k] = v
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.cfg.Collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(pointID(id)),
			Vectors: qdrant.NewVectors(vector...),
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert %s failed: %w", id, err)
	}
	return nil
}

// Query performs a cosine similarity search and returns the top-k hits by
// descending score, ties broken by ascending id. The filter is translated
// to Qdrant match conditions, so it restricts candidates before ranking.
func (q *Qdrant) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	limit := uint64(k)
	points := &qdrant.QueryPoints{
		CollectionName: q.cfg.Collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if len(filter) > 0 {
		conditions := make([]*qdrant.Condition, 0, len(filter))
		for key, value := range filter {
			conditions = append(conditions, qdrant.NewMatch(key, value))
		}
		points.Filter = &qdrant.Filter{Must: conditions}
	}

	results, err := q.client.Query(ctx, points)
	if err != nil {
		return nil, fmt.Errorf("qdrant: query failed: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hit := Hit{Score: float64(r.Score), Metadata: make(map[string]string)}
		for key, value := range r.Payload {
			if key == payloadIDKey {
				hit.ID = value.GetStringValue()
				continue
			}
			hit.Metadata[key] = value.GetStringValue()
		}
		hits = append(hits, hit)
	}

	// Qdrant does not document a tie order; re-sort so results match the
	// index contract exactly.
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	return hits, nil
}

// Delete removes the entry for id. Deleting an absent id is a no-op.
func (q *Qdrant) Delete(ctx context.Context, id string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.cfg.Collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(pointID(id))),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete %s failed: %w", id, err)
	}
	return nil
}

// Close closes the underlying Qdrant gRPC connection.
func (q *Qdrant) Close() error {
	return q.client.Close()
}
