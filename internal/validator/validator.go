// Package validator orchestrates matching across all chunks of a contract
// and classifies every clause in the library as satisfied, partial, missing
// or conflicting. The final verdict for a clause depends only on the set of
// match results observed for it, never on chunk arrival order.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lexon/clausecheck/internal/domain"
	"github.com/lexon/clausecheck/internal/embedder"
	"github.com/lexon/clausecheck/internal/library"
	"github.com/lexon/clausecheck/internal/logging"
	"github.com/lexon/clausecheck/internal/matcher"
	"github.com/lexon/clausecheck/internal/report"
)

// DefaultConcurrency bounds how many chunks are matched in parallel.
const DefaultConcurrency = 4

// Validator validates a contract's chunks against the clause library.
type Validator struct {
	// library is the clause baseline being validated against.
	library library.Store
	// embedder computes chunk embeddings; batching is its concern.
	embedder embedder.Embedder
	// matcher classifies clause candidates per chunk.
	matcher *matcher.Matcher
	// builder assembles the final ordered report.
	builder *report.Builder
	// concurrency bounds parallel chunk matching.
	concurrency int
}

// New creates a Validator. A non-positive concurrency falls back to
// DefaultConcurrency.
func New(lib library.Store, emb embedder.Embedder, m *matcher.Matcher, concurrency int) *Validator {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Validator{
		library:     lib,
		embedder:    emb,
		matcher:     m,
		builder:     report.NewBuilder(),
		concurrency: concurrency,
	}
}

// Validate matches every chunk against the clause library and reduces the
// results into one verdict per clause. Clauses with stale embeddings are
// never matched against; they are reported as missing with a degraded flag
// so the caller can tell "confidently absent" from "could not be checked".
//
// Upstream and data failures during embedding or matching degrade the report
// instead of aborting it: the affected chunks contribute no evidence, clauses
// left missing are flagged degraded, and a top-level warning records what
// could not be checked. Only unexpected errors abort the run.
func (v *Validator) Validate(ctx context.Context, contractID string, chunks []domain.Chunk) (domain.ContractReport, error) {
	log := logging.FromContext(ctx)

	clauses, err := v.library.List(ctx)
	if err != nil {
		return domain.ContractReport{}, err
	}
	if len(clauses) == 0 {
		log.WarnContext(ctx, "validation against empty clause library",
			slog.String("contract_id", contractID))
		return v.builder.Build(contractID, nil, []string{"clause library is empty: no baseline to validate against"}), nil
	}

	stale := make(map[string]bool)
	var warnings []string
	for _, c := range clauses {
		if c.EmbeddingStale {
			stale[c.ID] = true
			warnings = append(warnings, fmt.Sprintf("clause %s has a stale embedding and was excluded from matching", c.ID))
		}
	}

	resultsByClause, matchWarnings, err := v.matchAll(ctx, chunks, stale)
	if err != nil {
		return domain.ContractReport{}, err
	}
	warnings = append(warnings, matchWarnings...)

	sequenceByChunk := make(map[string]int, len(chunks))
	for _, ch := range chunks {
		sequenceByChunk[ch.ID] = ch.SequenceIndex
	}

	verdicts := make([]domain.ClauseVerdict, 0, len(clauses))
	for _, clause := range clauses {
		verdict := reduce(contractID, clause, resultsByClause[clause.ID], sequenceByChunk)
		// When evidence went uncollected, a missing verdict means "could not
		// be checked", not "confidently absent".
		if len(matchWarnings) > 0 && verdict.Status == domain.StatusMissing {
			verdict.Degraded = true
		}
		verdicts = append(verdicts, verdict)
	}
	return v.builder.Build(contractID, verdicts, warnings), nil
}

// matchAll runs the matcher over every chunk with bounded parallelism and
// accumulates results per clause. The per-clause sets are what the verdict
// reduction consumes, so completion order is irrelevant. Upstream and data
// failures are returned as warnings, not errors: the failed chunks simply
// contribute no evidence.
func (v *Validator) matchAll(ctx context.Context, chunks []domain.Chunk, stale map[string]bool) (map[string][]domain.MatchResult, []string, error) {
	if len(chunks) == 0 {
		return nil, nil, nil
	}
	log := logging.FromContext(ctx)

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	vectors, err := v.embedder.Embed(ctx, texts)
	if err != nil {
		if !degradable(err) {
			return nil, nil, fmt.Errorf("validator: embed %d chunks: %w", len(chunks), err)
		}
		log.WarnContext(ctx, "embedding unavailable, producing degraded report",
			slog.Int("chunks", len(chunks)), slog.Any("error", err))
		return nil, []string{fmt.Sprintf("embedding unavailable: %d chunks could not be checked: %v", len(chunks), err)}, nil
	}

	var (
		mu              sync.Mutex
		resultsByClause = make(map[string][]domain.MatchResult)
		warnings        []string
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)
	for i := range chunks {
		g.Go(func() error {
			results, err := v.matcher.Match(ctx, chunks[i], vectors[i], stale)
			if err != nil {
				if !degradable(err) {
					return err
				}
				log.WarnContext(ctx, "chunk could not be matched",
					slog.String("chunk_id", chunks[i].ID), slog.Any("error", err))
				mu.Lock()
				warnings = append(warnings, fmt.Sprintf("chunk %s could not be matched: %v", chunks[i].ID, err))
				mu.Unlock()
				return nil
			}
			if len(results) == 0 {
				return nil
			}
			mu.Lock()
			for _, r := range results {
				resultsByClause[r.ClauseID] = append(resultsByClause[r.ClauseID], r)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	// Warnings arrive in completion order; sort so reports stay deterministic.
	sort.Strings(warnings)
	return resultsByClause, warnings, nil
}

// degradable reports whether a failure downgrades the report instead of
// aborting the run. Upstream outages and bad per-chunk data leave the
// affected clauses unchecked; anything else is a bug and must surface.
func degradable(err error) bool {
	var upstreamErr *domain.UpstreamError
	var dataErr *domain.DataError
	return errors.As(err, &upstreamErr) || errors.As(err, &dataErr)
}

// reduce folds a clause's match results into a single verdict.
//
// State machine: start at missing; any matched result lifts it to satisfied;
// any rejected result overrides to conflicting (a contradiction is more
// actionable than a match); borderline-only results yield partial. A stale
// clause never received results, so it stays missing and is flagged degraded.
func reduce(contractID string, clause domain.Clause, results []domain.MatchResult, sequenceByChunk map[string]int) domain.ClauseVerdict {
	verdict := domain.ClauseVerdict{
		ContractID:  contractID,
		ClauseID:    clause.ID,
		ClauseTitle: clause.Title,
		Category:    clause.Category,
		Status:      domain.StatusMissing,
		Degraded:    clause.EmbeddingStale,
	}

	var (
		anyMatched  bool
		anyRejected bool
		seenChunks  = make(map[string]bool)
	)
	for _, r := range results {
		switch r.Decision {
		case domain.DecisionMatched:
			anyMatched = true
		case domain.DecisionRejected:
			anyRejected = true
		}
		if r.Similarity > verdict.BestScore {
			verdict.BestScore = r.Similarity
		}
		if !seenChunks[r.ChunkID] {
			seenChunks[r.ChunkID] = true
			verdict.EvidenceChunkIDs = append(verdict.EvidenceChunkIDs, r.ChunkID)
		}
	}

	switch {
	case anyRejected:
		verdict.Status = domain.StatusConflicting
	case anyMatched:
		verdict.Status = domain.StatusSatisfied
	case len(results) > 0:
		verdict.Status = domain.StatusPartial
	}

	// Evidence in document order, so reports read top to bottom.
	sort.Slice(verdict.EvidenceChunkIDs, func(i, j int) bool {
		a, b := verdict.EvidenceChunkIDs[i], verdict.EvidenceChunkIDs[j]
		if sequenceByChunk[a] != sequenceByChunk[b] {
			return sequenceByChunk[a] < sequenceByChunk[b]
		}
		return a < b
	})
	return verdict
}
