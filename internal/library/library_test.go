package library

import (
	"context"
	"errors"
	"testing"

	"github.com/lexon/clausecheck/internal/domain"
	"github.com/lexon/clausecheck/internal/vectorindex"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleClause(id string) domain.Clause {
	return domain.Clause{
		ID:       id,
		Title:    "Limitation of Liability",
		Text:     "Total liability shall not exceed the fees paid in the preceding twelve months.",
		Category: "liability",
	}
}

func Test_Put_NewClauseStartsStaleAtVersionOne(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	saved, err := s.Put(ctx, sampleClause("c1"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if saved.Version != 1 {
		t.Errorf("expected version 1, got %d", saved.Version)
	}
	if !saved.EmbeddingStale {
		t.Error("expected new clause to be marked stale")
	}

	got, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != saved.Title || got.Text != saved.Text || got.Category != saved.Category {
		t.Errorf("round-trip mismatch: %+v", got)
	}
}

func Test_Put_TextEditBumpsVersionAndMarksStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	clause := sampleClause("c1")
	if _, err := s.Put(ctx, clause); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.MarkEmbedded(ctx, "c1", 1, []float32{1, 0}); err != nil {
		t.Fatalf("mark embedded: %v", err)
	}

	clause.Text = "Total liability shall not exceed two times the fees paid."
	updated, err := s.Put(ctx, clause)
	if err != nil {
		t.Fatalf("put edit: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("expected version 2 after text edit, got %d", updated.Version)
	}
	if !updated.EmbeddingStale {
		t.Error("expected text edit to mark the embedding stale")
	}

	got, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Embedding != nil {
		t.Errorf("expected stored embedding cleared on text edit, got %v", got.Embedding)
	}
}

func Test_Put_TitleEditKeepsVersionAndEmbedding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	clause := sampleClause("c1")
	if _, err := s.Put(ctx, clause); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.MarkEmbedded(ctx, "c1", 1, []float32{1, 0}); err != nil {
		t.Fatalf("mark embedded: %v", err)
	}

	clause.Title = "Liability Cap"
	updated, err := s.Put(ctx, clause)
	if err != nil {
		t.Fatalf("put edit: %v", err)
	}
	if updated.Version != 1 {
		t.Errorf("expected version unchanged, got %d", updated.Version)
	}
	if updated.EmbeddingStale {
		t.Error("expected title edit to keep the embedding fresh")
	}
}

func Test_MarkEmbedded_IgnoresOutdatedVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	clause := sampleClause("c1")
	if _, err := s.Put(ctx, clause); err != nil {
		t.Fatalf("put: %v", err)
	}
	clause.Text = "Edited while an embedding run was in flight."
	if _, err := s.Put(ctx, clause); err != nil {
		t.Fatalf("put edit: %v", err)
	}

	// Embedding computed for version 1 arrives after the edit to version 2.
	if err := s.MarkEmbedded(ctx, "c1", 1, []float32{1, 0}); err != nil {
		t.Fatalf("mark embedded: %v", err)
	}

	got, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.EmbeddingStale {
		t.Error("expected clause to remain stale after outdated MarkEmbedded")
	}
}

func Test_Delete_AbsentClauseReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Delete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := s.Put(ctx, sampleClause("c1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete(ctx, "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func Test_Put_RejectsIncompleteClause(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var dataErr *domain.DataError
	if _, err := s.Put(ctx, domain.Clause{Text: "t", Category: "c"}); !errors.As(err, &dataErr) {
		t.Errorf("expected DataError for missing id, got %v", err)
	}
	if _, err := s.Put(ctx, domain.Clause{ID: "c1", Category: "c"}); !errors.As(err, &dataErr) {
		t.Errorf("expected DataError for missing text, got %v", err)
	}
	if _, err := s.Put(ctx, domain.Clause{ID: "c1", Text: "t"}); !errors.As(err, &dataErr) {
		t.Errorf("expected DataError for missing category, got %v", err)
	}
}

func Test_Summary_CountsPerCategory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, c := range []domain.Clause{
		{ID: "l1", Title: "Cap", Text: "a", Category: "liability"},
		{ID: "l2", Title: "Indemnity", Text: "b", Category: "liability"},
		{ID: "p1", Title: "No assignment", Text: "c", Category: "prohibited"},
	} {
		if _, err := s.Put(ctx, c); err != nil {
			t.Fatalf("put %s: %v", c.ID, err)
		}
	}
	if err := s.MarkEmbedded(ctx, "l1", 1, []float32{1}); err != nil {
		t.Fatalf("mark embedded: %v", err)
	}

	summaries, err := s.Summary(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	want := []CategorySummary{
		{Category: "liability", Count: 2, Stale: 1},
		{Category: "prohibited", Count: 1, Stale: 1},
	}
	if len(summaries) != len(want) {
		t.Fatalf("expected %d categories, got %d", len(want), len(summaries))
	}
	for i := range want {
		if summaries[i] != want[i] {
			t.Errorf("summary %d: expected %+v, got %+v", i, want[i], summaries[i])
		}
	}
}

// staticEmbedder returns a fixed unit vector per text length.
type staticEmbedder struct {
	calls int
}

func (e *staticEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, float32(len(texts[i]) % 7)}
	}
	return out, nil
}

func Test_Reindex_EmbedsStaleClausesAndClearsFlag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, c := range []domain.Clause{
		{ID: "l1", Title: "Cap", Text: "liability text", Category: "liability"},
		{ID: "p1", Title: "No assignment", Text: "prohibited text", Category: "prohibited"},
	} {
		if _, err := s.Put(ctx, c); err != nil {
			t.Fatalf("put %s: %v", c.ID, err)
		}
	}

	idx, err := vectorindex.NewMemory(2)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	emb := &staticEmbedder{}

	n, err := NewReindexer(s, emb, idx).Reindex(ctx)
	if err != nil {
		t.Fatalf("reindex: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 clauses refreshed, got %d", n)
	}
	if idx.Len() != 2 {
		t.Errorf("expected 2 indexed clauses, got %d", idx.Len())
	}

	stale, err := s.ListStale(ctx)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("expected no stale clauses after reindex, got %d", len(stale))
	}

	// A second run has nothing to do.
	n, err = NewReindexer(s, emb, idx).Reindex(ctx)
	if err != nil {
		t.Fatalf("second reindex: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 clauses refreshed on clean library, got %d", n)
	}
	if emb.calls != 1 {
		t.Errorf("expected a single embedding batch, got %d", emb.calls)
	}
}

func Test_Reindex_HitCarriesCategoryMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, domain.Clause{ID: "p1", Title: "No assignment", Text: "prohibited text", Category: "prohibited"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	idx, err := vectorindex.NewMemory(2)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	if _, err := NewReindexer(s, &staticEmbedder{}, idx).Reindex(ctx); err != nil {
		t.Fatalf("reindex: %v", err)
	}

	hits, err := idx.Query(ctx, []float32{1, 1}, 1, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if hits[0].Metadata["category"] != "prohibited" {
		t.Errorf("expected category metadata, got %v", hits[0].Metadata)
	}
	if hits[0].Metadata["version"] != "1" {
		t.Errorf("expected version metadata, got %v", hits[0].Metadata)
	}
}
