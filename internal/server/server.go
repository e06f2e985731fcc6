// Package server implements the HTTP server that exposes contract upload,
// clause library management, validation, search and chat via a REST/SSE API.
// The server is started by the `clausecheck serve` CLI command.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexon/clausecheck/internal/domain"
	"github.com/lexon/clausecheck/internal/library"
	"github.com/lexon/clausecheck/internal/logging"
	"github.com/lexon/clausecheck/internal/store"
)

// defaultMaxUploadBytes caps document uploads when no limit is configured.
const defaultMaxUploadBytes = 32 << 20

// New constructs a Server from the provided dependencies and config.
func New(deps Deps, cfg *Config) (*Server, error) {
	if deps.Contracts == nil {
		return nil, fmt.Errorf("server: contract store must not be nil")
	}
	if deps.Library == nil {
		return nil, fmt.Errorf("server: clause library must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// WriteTimeout must be long enough for streaming chat responses.
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	log := cfg.Logger
	if log == nil {
		log = logging.New()
	}
	reg := cfg.MetricsRegisterer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	rps := cfg.RateLimit
	if rps == 0 {
		rps = defaultRateLimit
	}
	burst := cfg.RateBurst
	if burst == 0 {
		burst = defaultRateBurst
	}
	rl, stopRL := newRateLimiter(rps, burst, log)

	s := &Server{
		deps:    deps,
		cfg:     cfg,
		log:     log,
		pingers: cfg.Pingers,
		metrics: newServerMetrics(reg),
		stopRL:  stopRL,
	}
	if cfg.APIKey == "" {
		log.Warn("server: CLAUSECHECK_API_KEY not set — API authentication is disabled")
	}

	mux := http.NewServeMux()

	// protected wraps a handler with per-IP rate limiting and bearer auth.
	protected := func(h http.HandlerFunc) http.Handler {
		return rl.middleware(authMiddleware(cfg.APIKey, h))
	}

	mux.Handle("POST /api/contracts", protected(s.handleUpload))
	mux.Handle("GET /api/contracts", protected(s.handleListContracts))
	mux.Handle("GET /api/contracts/{id}", protected(s.handleGetContract))
	mux.Handle("POST /api/contracts/{id}/validate", protected(s.handleValidate))
	mux.Handle("GET /api/contracts/{id}/report", protected(s.handleGetReport))
	mux.Handle("POST /api/contracts/{id}/search", protected(s.handleSearch))
	mux.Handle("POST /api/contracts/{id}/chat", protected(s.handleChat))

	mux.Handle("GET /api/clauses", protected(s.handleListClauses))
	mux.Handle("GET /api/clauses/summary", protected(s.handleClauseSummary))
	mux.Handle("POST /api/clauses", protected(s.handlePutClause))
	mux.Handle("GET /api/clauses/{id}", protected(s.handleGetClause))
	mux.Handle("DELETE /api/clauses/{id}", protected(s.handleDeleteClause))
	mux.Handle("POST /api/clauses/reindex", protected(s.handleReindex))

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(log, s.metrics.middleware(mux)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Handler returns the server's root HTTP handler. Used by tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.stopRL()
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		s.stopRL()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON serializes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP status codes and emits a JSON
// error body. Upstream outages surface as 502/503 so callers can retry;
// bad input is the caller's problem (400/422); absent records are 404.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	log := logging.FromContext(r.Context())

	status := http.StatusInternalServerError
	var (
		dataErr     *domain.DataError
		upstreamErr *domain.UpstreamError
		cfgErr      *domain.ConfigError
	)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, library.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &dataErr):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &upstreamErr):
		status = http.StatusBadGateway
		if upstreamErr.Transient {
			status = http.StatusServiceUnavailable
		}
	case errors.As(err, &cfgErr):
		status = http.StatusInternalServerError
	}

	if status >= 500 {
		log.Error("request failed", slog.Int("status", status), slog.Any("error", err))
	} else {
		log.Warn("request rejected", slog.Int("status", status), slog.Any("error", err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// sseWriter wraps an http.ResponseWriter to emit Server-Sent Event data frames.
type sseWriter struct {
	// w is the underlying response writer.
	w http.ResponseWriter

	// flusher flushes buffered data to the client after each write.
	flusher http.Flusher
}

// Write formats p as one or more SSE data lines and flushes to the client.
// Each newline in p is prefixed with "data: " so multi-line chunks never
// break the SSE frame boundary.
func (s *sseWriter) Write(p []byte) (n int, err error) {
	chunk := strings.TrimRight(string(bytes.Clone(p)), "\n")
	lines := strings.Split(chunk, "\n")
	var buf strings.Builder
	for _, line := range lines {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	buf.WriteString("\n")
	if _, err = fmt.Fprint(s.w, buf.String()); err != nil {
		return 0, err
	}
	s.flusher.Flush()
	return len(p), nil
}
