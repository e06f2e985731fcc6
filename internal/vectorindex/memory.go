package vectorindex

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lexon/clausecheck/internal/domain"
)

// memoryEntry is one stored vector with its metadata. The vector is kept
// L2-normalized so queries reduce to a dot product.
type memoryEntry struct {
	id       string
	vector   []float32
	metadata map[string]string
}

// Memory is a brute-force in-memory Index. It is the backing store for the
// clause library index: libraries hold at most a few thousand clauses, where
// an exact linear scan beats any approximate structure and guarantees the
// deterministic ordering the validation report depends on.
type Memory struct {
	// mu protects entries. Upserts take the write lock, which serializes
	// replacement per id and keeps it atomic with respect to queries.
	mu sync.RWMutex
	// dims is the fixed vector dimension.
	dims int
	// entries maps id to its stored entry.
	entries map[string]memoryEntry
}

// NewMemory constructs an empty in-memory index for vectors of the given
// dimension.
func NewMemory(dims int) (*Memory, error) {
	if dims <= 0 {
		return nil, &domain.ConfigError{Field: "vectorindex.dimensions", Reason: "must be a positive vector size"}
	}
	return &Memory{dims: dims, entries: make(map[string]memoryEntry)}, nil
}

// Upsert stores or atomically replaces the entry for id. A vector of the
// wrong dimension is a fatal configuration error, never truncated or padded.
func (m *Memory) Upsert(_ context.Context, id string, vector []float32, metadata map[string]string) error {
	if len(vector) != m.dims {
		return &domain.ConfigError{
			Field:  "vectorindex.dimensions",
			Reason: fmt.Sprintf("upsert of %d-dimensional vector into %d-dimensional index", len(vector), m.dims),
		}
	}
	normalized, ok := Normalize(vector)
	if !ok {
		return &domain.DataError{Subject: fmt.Sprintf("entry %s", id), Reason: "zero-magnitude vector"}
	}

	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	m.mu.Lock()
	m.entries[id] = memoryEntry{id: id, vector: normalized, metadata: meta}
	m.mu.Unlock()
	return nil
}

// Query returns the top-k entries matching the filter by descending cosine
// similarity, ties broken by ascending id. A zero-magnitude query vector
// yields no hits.
func (m *Memory) Query(_ context.Context, vector []float32, k int, filter Filter) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	if len(vector) != m.dims {
		return nil, &domain.ConfigError{
			Field:  "vectorindex.dimensions",
			Reason: fmt.Sprintf("query with %d-dimensional vector against %d-dimensional index", len(vector), m.dims),
		}
	}
	query, ok := Normalize(vector)
	if !ok {
		return nil, nil
	}

	m.mu.RLock()
	hits := make([]Hit, 0, len(m.entries))
	for _, e := range m.entries {
		if !filter.Matches(e.metadata) {
			continue
		}
		hits = append(hits, Hit{ID: e.id, Score: Dot(query, e.vector), Metadata: e.metadata})
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Delete removes the entry for id. Deleting an absent id is a no-op.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close is a no-op for the in-memory index.
func (m *Memory) Close() error { return nil }
