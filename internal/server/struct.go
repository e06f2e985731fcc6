package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lexon/clausecheck/internal/domain"
	"github.com/lexon/clausecheck/internal/library"
	"github.com/lexon/clausecheck/internal/pipeline"
	"github.com/lexon/clausecheck/internal/store"
	"github.com/lexon/clausecheck/internal/vectorindex"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// MaxUploadBytes caps the accepted document size. Defaults to 32 MiB.
	MaxUploadBytes int64
	// MetricsRegisterer receives the server's Prometheus metrics. If nil the
	// default registry is used; tests inject a fresh one to stay hermetic.
	MetricsRegisterer prometheus.Registerer
}

// Ingestor runs the upload pipeline. *pipeline.Ingestor satisfies it; tests
// inject a fake.
type Ingestor interface {
	Ingest(ctx context.Context, filename, contentType string, data []byte) (store.Contract, error)
}

// Validator validates a contract's chunks against the clause library.
type Validator interface {
	Validate(ctx context.Context, contractID string, chunks []domain.Chunk) (domain.ContractReport, error)
}

// Searcher retrieves contract chunks for a query.
type Searcher interface {
	Search(ctx context.Context, contractID, query string, k int) ([]pipeline.SearchHit, error)
}

// Answerer streams an LLM answer grounded in contract excerpts.
type Answerer interface {
	Answer(ctx context.Context, contractID, question string, contextChunks []domain.Chunk, w io.Writer) (string, error)
}

// Reindexer refreshes stale clause embeddings.
type Reindexer interface {
	Reindex(ctx context.Context) (int, error)
}

// Deps bundles the collaborators the server routes requests to.
type Deps struct {
	// Ingestor handles document uploads.
	Ingestor Ingestor
	// Validator runs clause validation.
	Validator Validator
	// Searcher serves similarity search over contract chunks.
	Searcher Searcher
	// Answerer serves contract Q&A. Nil disables the chat endpoint.
	Answerer Answerer
	// Reindexer refreshes the clause index after library edits.
	Reindexer Reindexer
	// Contracts persists contract metadata, chunks and reports.
	Contracts *store.SQLiteStore
	// Library is the clause library store.
	Library library.Store
	// ClauseIndex is the clause vector index, needed for deletions.
	ClauseIndex vectorindex.Index
}

// Server is the HTTP server exposing the contract validation API.
type Server struct {
	// deps holds the wired collaborators.
	deps Deps
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the server's Prometheus instruments.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// searchRequest is the JSON body for POST /api/contracts/{id}/search.
type searchRequest struct {
	// Query is the natural language search query.
	Query string `json:"query"`
	// TopK is how many chunks to return (default 5).
	TopK int `json:"top_k"`
}

// searchResponse is the JSON response for POST /api/contracts/{id}/search.
type searchResponse struct {
	// ContractID identifies the searched contract.
	ContractID string `json:"contract_id"`
	// Hits are the matching chunks, best first.
	Hits []pipeline.SearchHit `json:"hits"`
}

// chatRequest is the JSON body for POST /api/contracts/{id}/chat.
type chatRequest struct {
	// Question is the user's question about the contract.
	Question string `json:"question"`
	// TopK is how many chunks to ground the answer on (default 5).
	TopK int `json:"top_k"`
}

// clauseRequest is the JSON body for POST /api/clauses.
type clauseRequest struct {
	// ID is the caller-assigned clause identifier.
	ID string `json:"clause_id"`
	// Title is the human-readable clause title.
	Title string `json:"title"`
	// Text is the canonical clause wording.
	Text string `json:"text"`
	// Category groups clauses; "prohibited" inverts match semantics.
	Category string `json:"category"`
}

// reindexResponse is the JSON response for POST /api/clauses/reindex.
type reindexResponse struct {
	// Refreshed is how many clause embeddings were recomputed.
	Refreshed int `json:"refreshed"`
}

// errorResponse is the JSON error body for all endpoints.
type errorResponse struct {
	// Error is the human-readable failure reason.
	Error string `json:"error"`
}
