// Package vectorindex stores (id, vector, metadata) triples and answers
// nearest-neighbour queries by cosine similarity. Two implementations are
// provided: an in-memory brute-force index used for the clause library
// (small, rebuilt from SQLite at startup) and a Qdrant-backed index used for
// contract chunks.
//
// The similarity metric is fixed: cosine over L2-normalized vectors, which
// reduces to a dot product. Indexed vectors and query vectors must come from
// the same embedding model; the gateway enforces the shared dimension.
package vectorindex

import "context"

// Filter restricts query candidates to entries whose metadata contains every
// listed key/value pair. The filter is applied before ranking: a k-limited
// result contains the top-k within the filtered set, not a post-filtered
// slice of the global top-k.
type Filter map[string]string

// Matches reports whether the given metadata satisfies the filter.
// A nil filter matches everything.
func (f Filter) Matches(metadata map[string]string) bool {
	for k, v := range f {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

// Hit is one nearest-neighbour result.
type Hit struct {
	// ID is the indexed entry's identifier.
	ID string
	// Score is the cosine similarity to the query vector.
	Score float64
	// Metadata is the entry's metadata as stored at upsert time.
	Metadata map[string]string
}

// Index is the nearest-neighbour store interface. Implementations must be
// safe for concurrent use: upserts for the same id are serialized relative
// to each other, and queries may proceed concurrently with unrelated upserts.
type Index interface {
	// Upsert stores or replaces the entry for id. Replacement is atomic from
	// the caller's perspective: no query observes a half-updated entry.
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error

	// Query returns up to k entries ordered by descending similarity to the
	// given vector, ties broken by ascending id. Only entries matching the
	// filter are considered.
	Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Hit, error)

	// Delete removes the entry for id. Deleting an absent id is a no-op.
	Delete(ctx context.Context, id string) error

	// Close releases any resources held by the index.
	Close() error
}
