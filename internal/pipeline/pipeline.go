// Package pipeline ingests uploaded contract documents: extract text, chunk
// it, embed the chunks and publish them to the contract vector index, then
// persist the metadata so later validation and chat runs can reload them.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lexon/clausecheck/internal/chunker"
	"github.com/lexon/clausecheck/internal/domain"
	"github.com/lexon/clausecheck/internal/embedder"
	"github.com/lexon/clausecheck/internal/logging"
	"github.com/lexon/clausecheck/internal/ocr"
	"github.com/lexon/clausecheck/internal/store"
	"github.com/lexon/clausecheck/internal/vectorindex"
)

// Ingestor runs the upload pipeline for contract documents.
type Ingestor struct {
	// extractor turns uploaded bytes into plain text.
	extractor ocr.Extractor
	// chunker splits the text into embeddable chunks.
	chunker *chunker.Chunker
	// embedder computes chunk embeddings.
	embedder embedder.Embedder
	// index is the contract chunk vector index.
	index vectorindex.Index
	// contracts persists contract metadata and chunks.
	contracts *store.SQLiteStore
}

// NewIngestor wires the upload pipeline.
func NewIngestor(extractor ocr.Extractor, ch *chunker.Chunker, emb embedder.Embedder, index vectorindex.Index, contracts *store.SQLiteStore) *Ingestor {
	return &Ingestor{
		extractor: extractor,
		chunker:   ch,
		embedder:  emb,
		index:     index,
		contracts: contracts,
	}
}

// Ingest processes one uploaded document and returns the stored contract
// metadata. The assigned contract id is a fresh UUID.
func (in *Ingestor) Ingest(ctx context.Context, filename, contentType string, data []byte) (store.Contract, error) {
	log := logging.FromContext(ctx)
	contractID := uuid.NewString()

	text, err := in.extractor.Extract(ctx, data, contentType)
	if err != nil {
		return store.Contract{}, err
	}
	if strings.TrimSpace(text) == "" {
		return store.Contract{}, &domain.DataError{Subject: "document " + filename, Reason: "no text could be extracted"}
	}

	chunks := in.chunker.Chunk(contractID, text)
	if len(chunks) == 0 {
		return store.Contract{}, &domain.DataError{Subject: "document " + filename, Reason: "text produced no chunks"}
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	vectors, err := in.embedder.Embed(ctx, texts)
	if err != nil {
		return store.Contract{}, fmt.Errorf("pipeline: embed %d chunks: %w", len(chunks), err)
	}

	for i, ch := range chunks {
		err := in.index.Upsert(ctx, ch.ID, vectors[i], map[string]string{
			"contract_id":    contractID,
			"sequence_index": strconv.Itoa(ch.SequenceIndex),
		})
		if err != nil {
			return store.Contract{}, fmt.Errorf("pipeline: index chunk %s: %w", ch.ID, err)
		}
	}

	if err := in.contracts.SaveChunks(ctx, contractID, chunks); err != nil {
		return store.Contract{}, err
	}
	contract := store.Contract{
		ID:          contractID,
		Filename:    filename,
		ContentType: contentType,
		TextLength:  len(text),
		ChunkCount:  len(chunks),
		UploadedAt:  time.Now().UTC(),
	}
	if err := in.contracts.SaveContract(ctx, contract); err != nil {
		return store.Contract{}, err
	}

	log.InfoContext(ctx, "contract ingested",
		slog.String("contract_id", contractID),
		slog.String("filename", filename),
		slog.Int("chunks", len(chunks)),
		slog.Int("text_length", len(text)))
	return contract, nil
}

// SearchHit is one chunk retrieved for a search query.
type SearchHit struct {
	// Chunk is the matching contract chunk.
	Chunk domain.Chunk `json:"chunk"`
	// Score is the cosine similarity to the query.
	Score float64 `json:"score"`
}

// Searcher retrieves the contract chunks most similar to a query. Used by
// the search endpoint and to ground chat answers.
type Searcher struct {
	// embedder computes the query embedding.
	embedder embedder.Embedder
	// index is the contract chunk vector index.
	index vectorindex.Index
	// contracts resolves hit ids back to full chunk records.
	contracts *store.SQLiteStore
}

// NewSearcher wires a Searcher.
func NewSearcher(emb embedder.Embedder, index vectorindex.Index, contracts *store.SQLiteStore) *Searcher {
	return &Searcher{embedder: emb, index: index, contracts: contracts}
}

// Search returns the top-k chunks of the contract most similar to the query.
func (s *Searcher) Search(ctx context.Context, contractID, query string, k int) ([]SearchHit, error) {
	if k <= 0 {
		return nil, nil
	}

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("pipeline: embed query: %w", err)
	}

	hits, err := s.index.Query(ctx, vectors[0], k, vectorindex.Filter{"contract_id": contractID})
	if err != nil {
		return nil, fmt.Errorf("pipeline: query chunks: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	chunks, err := s.contracts.GetChunks(ctx, contractID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Chunk, len(chunks))
	for _, ch := range chunks {
		byID[ch.ID] = ch
	}

	results := make([]SearchHit, 0, len(hits))
	for _, hit := range hits {
		chunk, ok := byID[hit.ID]
		if !ok {
			// Index and store drifted; skip rather than surface a ghost chunk.
			continue
		}
		results = append(results, SearchHit{Chunk: chunk, Score: hit.Score})
	}
	return results, nil
}
