package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/lexon/clausecheck/internal/domain"
	"github.com/lexon/clausecheck/internal/logging"
)

// defaultSearchK is the number of hits returned when the caller does not ask
// for a specific count.
const defaultSearchK = 5

// handleUpload handles POST /api/contracts. The document is accepted either
// as a multipart form field named "file" or as the raw request body.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	if s.deps.Ingestor == nil {
		writeError(w, r, fmt.Errorf("server: document ingestion is not configured"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	filename := "upload"
	contentType := r.Header.Get("Content-Type")
	var data []byte

	if strings.HasPrefix(contentType, "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "multipart form must carry a \"file\" field"})
			return
		}
		defer file.Close()
		data, err = io.ReadAll(file)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read uploaded file"})
			return
		}
		filename = header.Filename
		contentType = header.Header.Get("Content-Type")
	} else {
		var err error
		data, err = io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return
		}
	}

	if len(data) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "uploaded document is empty"})
		return
	}

	contract, err := s.deps.Ingestor.Ingest(r.Context(), filename, contentType, data)
	if err != nil {
		s.metrics.uploads.WithLabelValues("error").Inc()
		writeError(w, r, err)
		return
	}
	s.metrics.uploads.WithLabelValues("ok").Inc()

	log.Info("contract uploaded",
		slog.String("contract_id", contract.ID),
		slog.String("filename", contract.Filename),
		slog.Int("chunks", contract.ChunkCount))
	writeJSON(w, http.StatusCreated, contract)
}

// handleListContracts handles GET /api/contracts.
func (s *Server) handleListContracts(w http.ResponseWriter, r *http.Request) {
	contracts, err := s.deps.Contracts.ListContracts(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contracts)
}

// handleGetContract handles GET /api/contracts/{id}.
func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	contract, err := s.deps.Contracts.GetContract(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contract)
}

// handleValidate handles POST /api/contracts/{id}/validate: it runs the
// stored chunks through the clause validator and persists the resulting
// report so later GETs return the same run.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Validator == nil {
		writeError(w, r, fmt.Errorf("server: validation is not configured"))
		return
	}
	contractID := r.PathValue("id")

	if _, err := s.deps.Contracts.GetContract(r.Context(), contractID); err != nil {
		writeError(w, r, err)
		return
	}
	chunks, err := s.deps.Contracts.GetChunks(r.Context(), contractID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	report, err := s.deps.Validator.Validate(r.Context(), contractID, chunks)
	if err != nil {
		s.metrics.validations.WithLabelValues("error").Inc()
		writeError(w, r, err)
		return
	}
	s.metrics.validations.WithLabelValues("ok").Inc()

	if err := s.deps.Contracts.SaveReport(r.Context(), report); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleGetReport handles GET /api/contracts/{id}/report.
func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Contracts.GetReport(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleSearch handles POST /api/contracts/{id}/search.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Searcher == nil {
		writeError(w, r, fmt.Errorf("server: search is not configured"))
		return
	}
	contractID := r.PathValue("id")

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "query must not be empty"})
		return
	}
	k := req.TopK
	if k <= 0 {
		k = defaultSearchK
	}

	if _, err := s.deps.Contracts.GetContract(r.Context(), contractID); err != nil {
		writeError(w, r, err)
		return
	}

	hits, err := s.deps.Searcher.Search(r.Context(), contractID, req.Query, k)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{ContractID: contractID, Hits: hits})
}

// handleChat handles POST /api/contracts/{id}/chat. The answer is streamed
// to the client as Server-Sent Events, grounded in the chunks most similar
// to the question.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	if s.deps.Answerer == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "chat is not configured: no model provider available"})
		return
	}
	contractID := r.PathValue("id")

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "question must not be empty"})
		return
	}
	k := req.TopK
	if k <= 0 {
		k = defaultSearchK
	}

	if _, err := s.deps.Contracts.GetContract(r.Context(), contractID); err != nil {
		writeError(w, r, err)
		return
	}

	var chunks []domain.Chunk
	if s.deps.Searcher != nil {
		hits, err := s.deps.Searcher.Search(r.Context(), contractID, req.Question, k)
		if err != nil {
			writeError(w, r, err)
			return
		}
		for _, h := range hits {
			chunks = append(chunks, h.Chunk)
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, fmt.Errorf("server: streaming unsupported by connection"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sse := &sseWriter{w: w, flusher: flusher}
	if _, err := s.deps.Answerer.Answer(r.Context(), contractID, req.Question, chunks, sse); err != nil {
		// Headers are already gone; emit the error as a final SSE event.
		log.Error("chat stream failed", slog.String("contract_id", contractID), slog.Any("error", err))
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
		flusher.Flush()
		return
	}
	fmt.Fprint(w, "event: done\ndata: \n\n")
	flusher.Flush()
}

// handleListClauses handles GET /api/clauses.
func (s *Server) handleListClauses(w http.ResponseWriter, r *http.Request) {
	clauses, err := s.deps.Library.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, clauses)
}

// handleClauseSummary handles GET /api/clauses/summary.
func (s *Server) handleClauseSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Library.Summary(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handlePutClause handles POST /api/clauses. Creating and editing share the
// endpoint: an existing clause_id updates the record, and a text change
// marks the clause stale until the next reindex.
func (s *Server) handlePutClause(w http.ResponseWriter, r *http.Request) {
	var req clauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	clause := domain.Clause{
		ID:       req.ID,
		Title:    req.Title,
		Text:     req.Text,
		Category: req.Category,
	}
	stored, err := s.deps.Library.Put(r.Context(), clause)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// handleGetClause handles GET /api/clauses/{id}.
func (s *Server) handleGetClause(w http.ResponseWriter, r *http.Request) {
	clause, err := s.deps.Library.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, clause)
}

// handleDeleteClause handles DELETE /api/clauses/{id}. The clause is removed
// from both the library and the vector index.
func (s *Server) handleDeleteClause(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Library.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	if s.deps.ClauseIndex != nil {
		if err := s.deps.ClauseIndex.Delete(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReindex handles POST /api/clauses/reindex: stale clauses are
// re-embedded and upserted into the vector index in one batch.
func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reindexer == nil {
		writeError(w, r, fmt.Errorf("server: reindexing is not configured"))
		return
	}
	refreshed, err := s.deps.Reindexer.Reindex(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reindexResponse{Refreshed: refreshed})
}
