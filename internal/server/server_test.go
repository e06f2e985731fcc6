package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lexon/clausecheck/internal/domain"
	"github.com/lexon/clausecheck/internal/library"
	"github.com/lexon/clausecheck/internal/pipeline"
	"github.com/lexon/clausecheck/internal/store"
	"github.com/lexon/clausecheck/internal/vectorindex"
)

// ---------------------------------------------------------------------------
// Fakes for the server's collaborator interfaces
// ---------------------------------------------------------------------------

// fakeIngestor is a test double for the Ingestor interface.
type fakeIngestor struct {
	contract store.Contract
	err      error
	// gotFilename records the filename passed to the last Ingest call.
	gotFilename string
}

func (f *fakeIngestor) Ingest(_ context.Context, filename, _ string, _ []byte) (store.Contract, error) {
	f.gotFilename = filename
	return f.contract, f.err
}

// fakeValidator is a test double for the Validator interface.
type fakeValidator struct {
	report domain.ContractReport
	err    error
	// gotChunks records the chunks passed to the last Validate call.
	gotChunks []domain.Chunk
}

func (f *fakeValidator) Validate(_ context.Context, contractID string, chunks []domain.Chunk) (domain.ContractReport, error) {
	f.gotChunks = chunks
	if f.err != nil {
		return domain.ContractReport{}, f.err
	}
	r := f.report
	r.ContractID = contractID
	return r, nil
}

// fakeSearcher is a test double for the Searcher interface.
type fakeSearcher struct {
	hits []pipeline.SearchHit
	err  error
}

func (f *fakeSearcher) Search(_ context.Context, _, _ string, _ int) ([]pipeline.SearchHit, error) {
	return f.hits, f.err
}

// fakeAnswerer is a test double for the Answerer interface. It writes its
// canned pieces to the stream the way a real model would.
type fakeAnswerer struct {
	pieces []string
	err    error
}

func (f *fakeAnswerer) Answer(_ context.Context, _, _ string, _ []domain.Chunk, w io.Writer) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	for _, piece := range f.pieces {
		if _, err := w.Write([]byte(piece)); err != nil {
			return "", err
		}
	}
	return strings.Join(f.pieces, ""), nil
}

// fakeReindexer is a test double for the Reindexer interface.
type fakeReindexer struct {
	refreshed int
	err       error
}

func (f *fakeReindexer) Reindex(_ context.Context) (int, error) {
	return f.refreshed, f.err
}

// recordingIndex wraps a vector index and records deleted IDs.
type recordingIndex struct {
	vectorindex.Index
	deleted []string
}

func (r *recordingIndex) Delete(ctx context.Context, id string) error {
	r.deleted = append(r.deleted, id)
	return r.Index.Delete(ctx, id)
}

// ---------------------------------------------------------------------------
// Test harness
// ---------------------------------------------------------------------------

// testEnv bundles a fully-wired test server with its backing stores so
// individual tests can seed data and inspect persistence side effects.
type testEnv struct {
	server    *Server
	contracts *store.SQLiteStore
	lib       library.Store
	index     *recordingIndex
}

// newTestEnv builds a Server over in-memory stores and a fresh Prometheus
// registry. mutate, if non-nil, adjusts the Deps before construction.
func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()

	contracts, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open contract store: %v", err)
	}
	lib, err := library.Open(":memory:")
	if err != nil {
		t.Fatalf("open clause library: %v", err)
	}
	mem, err := vectorindex.NewMemory(2)
	if err != nil {
		t.Fatalf("new memory index: %v", err)
	}
	idx := &recordingIndex{Index: mem}

	deps := Deps{
		Contracts:   contracts,
		Library:     lib,
		ClauseIndex: idx,
	}
	if mutate != nil {
		mutate(&deps)
	}

	s, err := New(deps, &Config{
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		MetricsRegisterer: prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() {
		s.stopRL()
		contracts.Close()
		lib.Close()
	})

	return &testEnv{server: s, contracts: contracts, lib: lib, index: idx}
}

// do routes a request through the full handler chain (routing, logging,
// metrics, rate limiting) and returns the recorded response.
func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, _ := json.Marshal(b)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

// seedContract stores a contract record plus its chunks.
func (e *testEnv) seedContract(t *testing.T, id string, chunks ...domain.Chunk) {
	t.Helper()
	c := store.Contract{
		ID:          id,
		Filename:    "msa.txt",
		ContentType: "text/plain",
		TextLength:  1000,
		ChunkCount:  len(chunks),
		UploadedAt:  time.Now().UTC(),
	}
	if err := e.contracts.SaveContract(context.Background(), c); err != nil {
		t.Fatalf("seed contract: %v", err)
	}
	if len(chunks) > 0 {
		if err := e.contracts.SaveChunks(context.Background(), id, chunks); err != nil {
			t.Fatalf("seed chunks: %v", err)
		}
	}
}

// ---------------------------------------------------------------------------
// POST /api/contracts — upload
// ---------------------------------------------------------------------------

// TestHandleUpload_RawBody verifies that a raw text/plain body is accepted
// and the ingested contract is returned with 201.
func TestHandleUpload_RawBody(t *testing.T) {
	t.Parallel()

	ing := &fakeIngestor{contract: store.Contract{ID: "c-1", Filename: "upload", ChunkCount: 3}}
	env := newTestEnv(t, func(d *Deps) { d.Ingestor = ing })

	w := env.do(http.MethodPost, "/api/contracts", "This agreement is made between the parties.")

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d — body: %s", w.Code, w.Body.String())
	}
	var got store.Contract
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != "c-1" || got.ChunkCount != 3 {
		t.Errorf("unexpected contract in response: %+v", got)
	}
}

// TestHandleUpload_EmptyBody verifies that an empty upload is rejected with 400
// before reaching the ingestion pipeline.
func TestHandleUpload_EmptyBody(t *testing.T) {
	t.Parallel()

	ing := &fakeIngestor{}
	env := newTestEnv(t, func(d *Deps) { d.Ingestor = ing })

	w := env.do(http.MethodPost, "/api/contracts", "")

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", w.Code)
	}
}

// TestHandleUpload_DataError verifies that an unreadable document maps to 422.
func TestHandleUpload_DataError(t *testing.T) {
	t.Parallel()

	ing := &fakeIngestor{err: &domain.DataError{Subject: "document", Reason: "no text could be extracted"}}
	env := newTestEnv(t, func(d *Deps) { d.Ingestor = ing })

	w := env.do(http.MethodPost, "/api/contracts", "%PDF-1.7 garbage")

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d — body: %s", w.Code, w.Body.String())
	}
}

// TestHandleUpload_UpstreamOutage verifies that a transient OCR failure maps
// to 503 so clients know to retry.
func TestHandleUpload_UpstreamOutage(t *testing.T) {
	t.Parallel()

	ing := &fakeIngestor{err: &domain.UpstreamError{Service: "ocr", Transient: true, Err: io.ErrUnexpectedEOF}}
	env := newTestEnv(t, func(d *Deps) { d.Ingestor = ing })

	w := env.do(http.MethodPost, "/api/contracts", "scanned document bytes")

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d — body: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// GET /api/contracts, GET /api/contracts/{id}
// ---------------------------------------------------------------------------

// TestHandleGetContract_NotFound verifies that an unknown contract ID maps
// to 404.
func TestHandleGetContract_NotFound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	w := env.do(http.MethodGet, "/api/contracts/nope", nil)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

// TestHandleListContracts verifies that stored contracts are returned.
func TestHandleListContracts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.seedContract(t, "c-1")
	env.seedContract(t, "c-2")

	w := env.do(http.MethodGet, "/api/contracts", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got []store.Contract
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 contracts, got %d", len(got))
	}
}

// ---------------------------------------------------------------------------
// POST /api/contracts/{id}/validate, GET /api/contracts/{id}/report
// ---------------------------------------------------------------------------

// TestHandleValidate_PersistsReport verifies the validate flow: stored chunks
// are handed to the validator and the resulting report is persisted so a
// later GET /report returns the same run.
func TestHandleValidate_PersistsReport(t *testing.T) {
	t.Parallel()

	val := &fakeValidator{report: domain.ContractReport{
		Verdicts: []domain.ClauseVerdict{
			{ClauseID: "liability-cap", Category: "liability", Status: domain.StatusSatisfied, BestScore: 0.92},
		},
		OverallComplianceRatio: 1.0,
		GeneratedAt:            time.Now().UTC(),
	}}
	env := newTestEnv(t, func(d *Deps) { d.Validator = val })
	env.seedContract(t, "c-1",
		domain.Chunk{ID: "ch-0", Text: "limitation of liability", StartOffset: 0, EndOffset: 23, SequenceIndex: 0},
		domain.Chunk{ID: "ch-1", Text: "governing law", StartOffset: 20, EndOffset: 33, SequenceIndex: 1},
	)

	w := env.do(http.MethodPost, "/api/contracts/c-1/validate", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d — body: %s", w.Code, w.Body.String())
	}
	if len(val.gotChunks) != 2 {
		t.Fatalf("validator received %d chunks, expected 2", len(val.gotChunks))
	}

	stored, err := env.contracts.GetReport(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("report was not persisted: %v", err)
	}
	if len(stored.Verdicts) != 1 || stored.Verdicts[0].ClauseID != "liability-cap" {
		t.Errorf("persisted report lost its verdicts: %+v", stored.Verdicts)
	}
}

// TestHandleValidate_UnknownContract verifies that validating a contract that
// was never uploaded returns 404 instead of an empty report.
func TestHandleValidate_UnknownContract(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(d *Deps) { d.Validator = &fakeValidator{} })

	w := env.do(http.MethodPost, "/api/contracts/ghost/validate", nil)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

// TestHandleValidate_UpstreamOutage verifies that an embedding outage during
// validation surfaces as 503 and no report is persisted.
func TestHandleValidate_UpstreamOutage(t *testing.T) {
	t.Parallel()

	val := &fakeValidator{err: &domain.UpstreamError{Service: "embedding", Transient: true, Err: io.ErrUnexpectedEOF}}
	env := newTestEnv(t, func(d *Deps) { d.Validator = val })
	env.seedContract(t, "c-1", domain.Chunk{ID: "ch-0", Text: "text", StartOffset: 0, EndOffset: 4, SequenceIndex: 0})

	w := env.do(http.MethodPost, "/api/contracts/c-1/validate", nil)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if _, err := env.contracts.GetReport(context.Background(), "c-1"); err == nil {
		t.Error("no report should be persisted after a failed run")
	}
}

// TestHandleGetReport_NotFound verifies 404 before any validation run.
func TestHandleGetReport_NotFound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.seedContract(t, "c-1")

	w := env.do(http.MethodGet, "/api/contracts/c-1/report", nil)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// POST /api/contracts/{id}/search
// ---------------------------------------------------------------------------

// TestHandleSearch_ReturnsHits verifies the search response shape.
func TestHandleSearch_ReturnsHits(t *testing.T) {
	t.Parallel()

	hits := []pipeline.SearchHit{
		{Chunk: domain.Chunk{ID: "ch-2", Text: "indemnification"}, Score: 0.91},
	}
	env := newTestEnv(t, func(d *Deps) { d.Searcher = &fakeSearcher{hits: hits} })
	env.seedContract(t, "c-1")

	w := env.do(http.MethodPost, "/api/contracts/c-1/search", map[string]any{"query": "indemnity"})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d — body: %s", w.Code, w.Body.String())
	}
	var got searchResponse
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ContractID != "c-1" || len(got.Hits) != 1 || got.Hits[0].Chunk.ID != "ch-2" {
		t.Errorf("unexpected search response: %+v", got)
	}
}

// TestHandleSearch_EmptyQuery verifies that a blank query is rejected with 400.
func TestHandleSearch_EmptyQuery(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(d *Deps) { d.Searcher = &fakeSearcher{} })
	env.seedContract(t, "c-1")

	w := env.do(http.MethodPost, "/api/contracts/c-1/search", map[string]any{"query": "   "})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// POST /api/contracts/{id}/chat — SSE
// ---------------------------------------------------------------------------

// TestHandleChat_StreamsSSE verifies that the answer arrives as SSE data
// frames terminated by a done event.
func TestHandleChat_StreamsSSE(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(d *Deps) {
		d.Answerer = &fakeAnswerer{pieces: []string{"The cap is twelve", " months of fees."}}
	})
	env.seedContract(t, "c-1")

	w := env.do(http.MethodPost, "/api/contracts/c-1/chat", map[string]any{"question": "What is the liability cap?"})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d — body: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type: expected text/event-stream, got %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "data: The cap") {
		t.Errorf("expected SSE data frames with the answer, got:\n%s", body)
	}
	if !strings.Contains(body, "event: done") {
		t.Errorf("expected a done event terminating the stream, got:\n%s", body)
	}
}

// TestHandleChat_Disabled verifies that without a model provider the chat
// endpoint reports 501 rather than failing obscurely.
func TestHandleChat_Disabled(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.seedContract(t, "c-1")

	w := env.do(http.MethodPost, "/api/contracts/c-1/chat", map[string]any{"question": "anything"})

	if w.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Clause library endpoints
// ---------------------------------------------------------------------------

// TestHandleClauses_CRUD verifies the create → get → list → delete cycle,
// including removal from the vector index on delete.
func TestHandleClauses_CRUD(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/api/clauses", map[string]any{
		"clause_id": "liability-cap",
		"title":     "Limitation of Liability",
		"text":      "Liability is capped at twelve months of fees.",
		"category":  "liability",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("create clause: expected 200, got %d — body: %s", w.Code, w.Body.String())
	}
	var created domain.Clause
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("decode created clause: %v", err)
	}
	if created.Version != 1 {
		t.Errorf("new clause version: expected 1, got %d", created.Version)
	}

	w = env.do(http.MethodGet, "/api/clauses/liability-cap", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get clause: expected 200, got %d", w.Code)
	}

	w = env.do(http.MethodGet, "/api/clauses", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list clauses: expected 200, got %d", w.Code)
	}
	var listed []domain.Clause
	if err := json.NewDecoder(w.Body).Decode(&listed); err != nil {
		t.Fatalf("decode clause list: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 clause listed, got %d", len(listed))
	}

	w = env.do(http.MethodDelete, "/api/clauses/liability-cap", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete clause: expected 204, got %d — body: %s", w.Code, w.Body.String())
	}
	if len(env.index.deleted) != 1 || env.index.deleted[0] != "liability-cap" {
		t.Errorf("expected index deletion for liability-cap, got %v", env.index.deleted)
	}

	w = env.do(http.MethodGet, "/api/clauses/liability-cap", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", w.Code)
	}
}

// TestHandlePutClause_Incomplete verifies that a clause missing required
// fields is rejected with 422.
func TestHandlePutClause_Incomplete(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/api/clauses", map[string]any{"clause_id": "x"})

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d — body: %s", w.Code, w.Body.String())
	}
}

// TestHandleClauseSummary verifies the per-category summary endpoint.
func TestHandleClauseSummary(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.do(http.MethodPost, "/api/clauses", map[string]any{
		"clause_id": "l1", "title": "Cap", "text": "capped", "category": "liability",
	})
	env.do(http.MethodPost, "/api/clauses", map[string]any{
		"clause_id": "p1", "title": "Unlimited", "text": "unlimited liability", "category": "prohibited",
	})

	w := env.do(http.MethodGet, "/api/clauses/summary", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got []library.CategorySummary
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 categories, got %+v", got)
	}
}

// TestHandleReindex verifies the reindex endpoint reports the refresh count.
func TestHandleReindex(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(d *Deps) { d.Reindexer = &fakeReindexer{refreshed: 3} })

	w := env.do(http.MethodPost, "/api/clauses/reindex", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d — body: %s", w.Code, w.Body.String())
	}
	var got reindexResponse
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Refreshed != 3 {
		t.Errorf("refreshed: expected 3, got %d", got.Refreshed)
	}
}
