package validator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/lexon/clausecheck/internal/domain"
	"github.com/lexon/clausecheck/internal/library"
	"github.com/lexon/clausecheck/internal/matcher"
	"github.com/lexon/clausecheck/internal/vectorindex"
)

// fakeLibrary is an in-memory library.Store serving a fixed clause list.
type fakeLibrary struct {
	clauses []domain.Clause
}

func (f *fakeLibrary) Put(_ context.Context, c domain.Clause) (domain.Clause, error) { return c, nil }

func (f *fakeLibrary) Get(_ context.Context, id string) (domain.Clause, error) {
	for _, c := range f.clauses {
		if c.ID == id {
			return c, nil
		}
	}
	return domain.Clause{}, library.ErrNotFound
}

func (f *fakeLibrary) List(context.Context) ([]domain.Clause, error) { return f.clauses, nil }

func (f *fakeLibrary) ListStale(context.Context) ([]domain.Clause, error) {
	var stale []domain.Clause
	for _, c := range f.clauses {
		if c.EmbeddingStale {
			stale = append(stale, c)
		}
	}
	return stale, nil
}

func (f *fakeLibrary) Delete(context.Context, string) error { return nil }

func (f *fakeLibrary) MarkEmbedded(context.Context, string, int, []float32) error { return nil }

func (f *fakeLibrary) Summary(context.Context) ([]library.CategorySummary, error) { return nil, nil }

func (f *fakeLibrary) Close() error { return nil }

// tableEmbedder maps each text to a preassigned vector.
type tableEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (e *tableEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := e.vectors[t]
		if !ok {
			return nil, fmt.Errorf("no vector for %q", t)
		}
		out[i] = v
	}
	return out, nil
}

// unitAt returns a 2D unit vector whose cosine against (1,0) equals sim.
func unitAt(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim))}
}

type fixture struct {
	validator *Validator
	index     *vectorindex.Memory
	embedder  *tableEmbedder
	library   *fakeLibrary
}

// newFixture wires a validator over a 2D memory index. Every clause is
// indexed at (1,0), so a chunk vector from unitAt(s) scores s against it.
func newFixture(t *testing.T, clauses []domain.Clause) *fixture {
	t.Helper()

	idx, err := vectorindex.NewMemory(2)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	for _, c := range clauses {
		err := idx.Upsert(context.Background(), c.ID, []float32{1, 0}, map[string]string{"category": c.Category})
		if err != nil {
			t.Fatalf("index clause %s: %v", c.ID, err)
		}
	}

	m, err := matcher.New(idx, matcher.Config{MatchThreshold: 0.85, BorderlineThreshold: 0.65, CandidateK: 5})
	if err != nil {
		t.Fatalf("new matcher: %v", err)
	}

	lib := &fakeLibrary{clauses: clauses}
	emb := &tableEmbedder{vectors: make(map[string][]float32)}
	return &fixture{
		validator: New(lib, emb, m, 2),
		index:     idx,
		embedder:  emb,
		library:   lib,
	}
}

func (f *fixture) chunk(id string, seq int, text string, sim float64) domain.Chunk {
	f.embedder.vectors[text] = unitAt(sim)
	return domain.Chunk{ID: id, ContractID: "contract-1", Text: text, SequenceIndex: seq}
}

func Test_Validate_ConfidentMatchIsSatisfied(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []domain.Clause{
		{ID: "c1", Title: "Confidentiality", Text: "Confidentiality clause", Category: "standard"},
	})
	chunks := []domain.Chunk{f.chunk("ch1", 0, "the parties shall keep all information confidential", 0.92)}

	report, err := f.validator.Validate(context.Background(), "contract-1", chunks)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(report.Verdicts) != 1 {
		t.Fatalf("expected 1 verdict, got %d", len(report.Verdicts))
	}
	v := report.Verdicts[0]
	if v.Status != domain.StatusSatisfied {
		t.Errorf("expected satisfied, got %s", v.Status)
	}
	if math.Abs(v.BestScore-0.92) > 1e-5 {
		t.Errorf("expected best score 0.92, got %g", v.BestScore)
	}
	if len(v.EvidenceChunkIDs) != 1 || v.EvidenceChunkIDs[0] != "ch1" {
		t.Errorf("expected evidence [ch1], got %v", v.EvidenceChunkIDs)
	}
	if report.OverallComplianceRatio != 1 {
		t.Errorf("expected ratio 1, got %g", report.OverallComplianceRatio)
	}
}

func Test_Validate_WeakSimilarityIsMissing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []domain.Clause{
		{ID: "c1", Title: "Confidentiality", Text: "Confidentiality clause", Category: "standard"},
	})
	chunks := []domain.Chunk{f.chunk("ch1", 0, "unrelated payment terms", 0.5)}

	report, err := f.validator.Validate(context.Background(), "contract-1", chunks)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(report.Verdicts) != 1 {
		t.Fatalf("expected 1 verdict, got %d", len(report.Verdicts))
	}
	v := report.Verdicts[0]
	if v.Status != domain.StatusMissing {
		t.Errorf("expected missing, got %s", v.Status)
	}
	if v.BestScore != 0 {
		t.Errorf("expected best score 0 for omitted candidates, got %g", v.BestScore)
	}
	if len(v.EvidenceChunkIDs) != 0 {
		t.Errorf("expected no evidence, got %v", v.EvidenceChunkIDs)
	}
	if report.OverallComplianceRatio != 0 {
		t.Errorf("expected ratio 0, got %g", report.OverallComplianceRatio)
	}
}

func Test_Validate_ProhibitedMatchIsConflicting(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []domain.Clause{
		{ID: "p1", Title: "Unlimited liability", Text: "Liability is unlimited", Category: domain.CategoryProhibited},
	})
	chunks := []domain.Chunk{f.chunk("ch1", 0, "liability of the supplier shall be unlimited", 0.9)}

	report, err := f.validator.Validate(context.Background(), "contract-1", chunks)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(report.Verdicts) != 1 {
		t.Fatalf("expected 1 verdict, got %d", len(report.Verdicts))
	}
	if report.Verdicts[0].Status != domain.StatusConflicting {
		t.Errorf("expected conflicting, got %s", report.Verdicts[0].Status)
	}
	if report.OverallComplianceRatio != 0 {
		t.Errorf("expected conflicting clause to not count as satisfied, got ratio %g", report.OverallComplianceRatio)
	}
}

func Test_Validate_BorderlineOnlyIsPartial(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []domain.Clause{
		{ID: "c1", Title: "Confidentiality", Text: "Confidentiality clause", Category: "standard"},
	})
	chunks := []domain.Chunk{
		f.chunk("ch1", 0, "somewhat related text", 0.7),
		f.chunk("ch2", 1, "another weak echo", 0.68),
	}

	report, err := f.validator.Validate(context.Background(), "contract-1", chunks)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	v := report.Verdicts[0]
	if v.Status != domain.StatusPartial {
		t.Errorf("expected partial, got %s", v.Status)
	}
	if math.Abs(v.BestScore-0.7) > 1e-5 {
		t.Errorf("expected best score 0.7, got %g", v.BestScore)
	}
	want := []string{"ch1", "ch2"}
	if !reflect.DeepEqual(v.EvidenceChunkIDs, want) {
		t.Errorf("expected evidence %v in document order, got %v", want, v.EvidenceChunkIDs)
	}
}

func Test_Validate_OrderIndependent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []domain.Clause{
		{ID: "c1", Title: "Confidentiality", Text: "Confidentiality clause", Category: "standard"},
		{ID: "p1", Title: "Unlimited liability", Text: "Liability is unlimited", Category: domain.CategoryProhibited},
	})
	chunks := []domain.Chunk{
		f.chunk("ch1", 0, "keep everything secret", 0.91),
		f.chunk("ch2", 1, "weakly related", 0.7),
		f.chunk("ch3", 2, "liability is unlimited and uncapped", 0.9),
		f.chunk("ch4", 3, "irrelevant boilerplate", 0.3),
	}

	normalize := func(r domain.ContractReport) domain.ContractReport {
		r.GeneratedAt = time.Time{}
		return r
	}

	baseline, err := f.validator.Validate(context.Background(), "contract-1", chunks)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}

	for _, perm := range permutations(len(chunks)) {
		shuffled := make([]domain.Chunk, len(chunks))
		for i, j := range perm {
			shuffled[i] = chunks[j]
		}
		report, err := f.validator.Validate(context.Background(), "contract-1", shuffled)
		if err != nil {
			t.Fatalf("validate permutation %v: %v", perm, err)
		}
		if !reflect.DeepEqual(normalize(report), normalize(baseline)) {
			t.Fatalf("permutation %v produced a different report:\n got %+v\nwant %+v", perm, report, baseline)
		}
	}
}

// permutations returns every permutation of [0, n).
func permutations(n int) [][]int {
	var out [][]int
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	var generate func(k int)
	generate = func(k int) {
		if k == n {
			out = append(out, append([]int(nil), indices...))
			return
		}
		for i := k; i < n; i++ {
			indices[k], indices[i] = indices[i], indices[k]
			generate(k + 1)
			indices[k], indices[i] = indices[i], indices[k]
		}
	}
	generate(0)
	return out
}

func Test_Validate_StaleClauseIsDegradedMissing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []domain.Clause{
		{ID: "c1", Title: "Confidentiality", Text: "Confidentiality clause", Category: "standard", EmbeddingStale: true},
	})
	// The index still holds the clause's old vector; a confident hit must be
	// discarded rather than matched against stale data.
	chunks := []domain.Chunk{f.chunk("ch1", 0, "keep everything secret", 0.95)}

	report, err := f.validator.Validate(context.Background(), "contract-1", chunks)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	v := report.Verdicts[0]
	if v.Status != domain.StatusMissing {
		t.Errorf("expected missing, got %s", v.Status)
	}
	if !v.Degraded {
		t.Error("expected degraded verdict for stale clause")
	}
	if !report.Degraded {
		t.Error("expected degraded report")
	}
	if len(report.Warnings) != 1 {
		t.Errorf("expected a staleness warning, got %v", report.Warnings)
	}
}

func Test_Validate_EmptyLibraryFlagsNoBaseline(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	chunks := []domain.Chunk{f.chunk("ch1", 0, "any text", 0.9)}

	report, err := f.validator.Validate(context.Background(), "contract-1", chunks)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !report.NoBaseline {
		t.Error("expected NoBaseline for empty library")
	}
	if report.OverallComplianceRatio != 0 {
		t.Errorf("expected ratio 0, got %g", report.OverallComplianceRatio)
	}
	if len(report.Verdicts) != 0 {
		t.Errorf("expected no verdicts, got %d", len(report.Verdicts))
	}
}

func Test_Validate_EmbeddingOutageDegradesReport(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []domain.Clause{
		{ID: "c1", Title: "Confidentiality", Text: "Confidentiality clause", Category: "standard"},
		{ID: "c2", Title: "Termination", Text: "Termination clause", Category: "standard"},
	})
	f.embedder.err = &domain.UpstreamError{Service: "embedding", Transient: true, Err: errors.New("timeout")}
	chunks := []domain.Chunk{{ID: "ch1", ContractID: "contract-1", Text: "text", SequenceIndex: 0}}

	report, err := f.validator.Validate(context.Background(), "contract-1", chunks)
	if err != nil {
		t.Fatalf("expected a degraded report, got error: %v", err)
	}
	if len(report.Verdicts) != 2 {
		t.Fatalf("expected 2 verdicts, got %d", len(report.Verdicts))
	}
	for _, v := range report.Verdicts {
		if v.Status != domain.StatusMissing {
			t.Errorf("clause %s: expected missing, got %s", v.ClauseID, v.Status)
		}
		if !v.Degraded {
			t.Errorf("clause %s: expected degraded verdict when nothing was checked", v.ClauseID)
		}
	}
	if !report.Degraded {
		t.Error("expected degraded report")
	}
	if len(report.Warnings) != 1 {
		t.Fatalf("expected one warning, got %v", report.Warnings)
	}
	if !strings.Contains(report.Warnings[0], "could not be checked") {
		t.Errorf("warning does not describe the outage: %q", report.Warnings[0])
	}
}

// flakyIndex fails queries for chunk vectors it is configured to reject and
// delegates everything else to the wrapped index.
type flakyIndex struct {
	vectorindex.Index
	failOn func(vector []float32) bool
}

func (f *flakyIndex) Query(ctx context.Context, vector []float32, k int, filter vectorindex.Filter) ([]vectorindex.Hit, error) {
	if f.failOn(vector) {
		return nil, &domain.UpstreamError{Service: "qdrant", Transient: true, Err: errors.New("connection reset")}
	}
	return f.Index.Query(ctx, vector, k, filter)
}

func Test_Validate_ChunkMatchFailureDegradesMissing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []domain.Clause{
		{ID: "c1", Title: "Confidentiality", Text: "Confidentiality clause", Category: "standard"},
		{ID: "c2", Title: "Termination", Text: "Termination clause", Category: "standard"},
	})
	// Move c2 off the (1,0) axis so only the failing chunk could have
	// produced evidence for it.
	if err := f.index.Upsert(context.Background(), "c2", []float32{0, 1}, map[string]string{"category": "standard"}); err != nil {
		t.Fatalf("move c2: %v", err)
	}
	chunks := []domain.Chunk{
		f.chunk("ch1", 0, "keep everything secret", 0.92),
		f.chunk("ch2", 1, "this chunk's query will fail", 0.9),
	}
	// Queries for ch2's vector fail; ch1 still matches c1 confidently.
	failing := f.embedder.vectors["this chunk's query will fail"]
	m, err := matcher.New(&flakyIndex{
		Index:  f.index,
		failOn: func(v []float32) bool { return reflect.DeepEqual(v, failing) },
	}, matcher.Config{MatchThreshold: 0.85, BorderlineThreshold: 0.65, CandidateK: 5})
	if err != nil {
		t.Fatalf("new matcher: %v", err)
	}
	f.validator = New(f.library, f.embedder, m, 2)

	report, err := f.validator.Validate(context.Background(), "contract-1", chunks)
	if err != nil {
		t.Fatalf("expected a degraded report, got error: %v", err)
	}
	byID := make(map[string]domain.ClauseVerdict)
	for _, v := range report.Verdicts {
		byID[v.ClauseID] = v
	}
	if byID["c1"].Status != domain.StatusSatisfied {
		t.Errorf("c1: expected satisfied from the surviving chunk, got %s", byID["c1"].Status)
	}
	if byID["c1"].Degraded {
		t.Error("c1: satisfied verdict must not be flagged degraded")
	}
	if byID["c2"].Status != domain.StatusMissing {
		t.Errorf("c2: expected missing, got %s", byID["c2"].Status)
	}
	if !byID["c2"].Degraded {
		t.Error("c2: missing verdict after a failed chunk must be degraded")
	}
	if !report.Degraded {
		t.Error("expected degraded report")
	}
	if len(report.Warnings) != 1 || !strings.Contains(report.Warnings[0], "ch2") {
		t.Errorf("expected a warning naming the failed chunk, got %v", report.Warnings)
	}
}

func Test_Validate_UnexpectedEmbedErrorAborts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []domain.Clause{
		{ID: "c1", Title: "Confidentiality", Text: "Confidentiality clause", Category: "standard"},
	})
	f.embedder.err = errors.New("nil pointer dereference")
	chunks := []domain.Chunk{{ID: "ch1", ContractID: "contract-1", Text: "text", SequenceIndex: 0}}

	if _, err := f.validator.Validate(context.Background(), "contract-1", chunks); err == nil {
		t.Fatal("expected untyped errors to abort validation")
	}
}
