package library

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/lexon/clausecheck/internal/domain"
	"github.com/lexon/clausecheck/internal/embedder"
	"github.com/lexon/clausecheck/internal/logging"
	"github.com/lexon/clausecheck/internal/vectorindex"
)

// Reindexer recomputes embeddings for stale clauses and publishes them to
// the clause vector index. Matching always reads from the index, so a clause
// is only searchable once Reindex has processed it.
type Reindexer struct {
	// store is the clause library to read stale clauses from.
	store Store
	// embedder computes clause embeddings.
	embedder embedder.Embedder
	// index receives the refreshed clause vectors.
	index vectorindex.Index
}

// NewReindexer creates a Reindexer over the given store, embedder and index.
func NewReindexer(store Store, emb embedder.Embedder, index vectorindex.Index) *Reindexer {
	return &Reindexer{store: store, embedder: emb, index: index}
}

// Reindex embeds every stale clause and upserts it into the index. It
// returns the number of clauses refreshed. A failed embedding batch leaves
// all stale clauses untouched so the next run retries them.
func (r *Reindexer) Reindex(ctx context.Context) (int, error) {
	log := logging.FromContext(ctx)

	stale, err := r.store.ListStale(ctx)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	texts := make([]string, len(stale))
	for i, c := range stale {
		texts[i] = c.Text
	}
	vectors, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("library: embed %d stale clauses: %w", len(stale), err)
	}

	refreshed := 0
	for i, c := range stale {
		if err := r.index.Upsert(ctx, c.ID, vectors[i], clauseMetadata(c)); err != nil {
			return refreshed, fmt.Errorf("library: index clause %s: %w", c.ID, err)
		}
		if err := r.store.MarkEmbedded(ctx, c.ID, c.Version, vectors[i]); err != nil {
			return refreshed, err
		}
		refreshed++
	}
	log.InfoContext(ctx, "clause library reindexed", slog.Int("refreshed", refreshed))
	return refreshed, nil
}

// Seed publishes every fresh clause's stored embedding to the index. Used at
// startup when the index is an in-memory one that starts empty; stale clauses
// are skipped and left for Reindex.
func (r *Reindexer) Seed(ctx context.Context) (int, error) {
	clauses, err := r.store.List(ctx)
	if err != nil {
		return 0, err
	}

	seeded := 0
	for _, c := range clauses {
		if c.EmbeddingStale || len(c.Embedding) == 0 {
			continue
		}
		if err := r.index.Upsert(ctx, c.ID, c.Embedding, clauseMetadata(c)); err != nil {
			return seeded, fmt.Errorf("library: seed clause %s: %w", c.ID, err)
		}
		seeded++
	}
	return seeded, nil
}

// clauseMetadata is the payload matching reads back from index hits.
func clauseMetadata(c domain.Clause) map[string]string {
	return map[string]string{
		"title":    c.Title,
		"category": c.Category,
		"version":  strconv.Itoa(c.Version),
	}
}
