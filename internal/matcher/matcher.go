// Package matcher ranks clause library candidates for a single contract
// chunk. It queries the clause vector index, applies the configured
// similarity thresholds and classifies each surviving candidate.
package matcher

import (
	"context"
	"fmt"

	"github.com/lexon/clausecheck/internal/domain"
	"github.com/lexon/clausecheck/internal/vectorindex"
)

const (
	// DefaultMatchThreshold is the similarity at or above which a candidate
	// counts as a confident match.
	DefaultMatchThreshold = 0.85
	// DefaultBorderlineThreshold is the similarity at or above which a
	// candidate is reported as a weak match. Anything below is omitted.
	DefaultBorderlineThreshold = 0.65
	// DefaultCandidateK is how many index candidates to consider per chunk.
	DefaultCandidateK = 5
)

// Config holds the matching thresholds. Both are exposed configuration, and
// MatchThreshold must be strictly greater than BorderlineThreshold.
type Config struct {
	// MatchThreshold classifies a candidate as matched (inclusive).
	MatchThreshold float64
	// BorderlineThreshold is the lowest similarity still reported (inclusive).
	BorderlineThreshold float64
	// CandidateK is the number of nearest neighbors requested per chunk.
	CandidateK int
}

// Matcher classifies clause candidates for contract chunks.
type Matcher struct {
	// index is the clause vector index queried for candidates.
	index vectorindex.Index
	// cfg holds the validated thresholds.
	cfg Config
}

// New creates a Matcher, applying defaults for zero-valued fields and
// enforcing the threshold ordering invariant at startup.
func New(index vectorindex.Index, cfg Config) (*Matcher, error) {
	if cfg.MatchThreshold == 0 {
		cfg.MatchThreshold = DefaultMatchThreshold
	}
	if cfg.BorderlineThreshold == 0 {
		cfg.BorderlineThreshold = DefaultBorderlineThreshold
	}
	if cfg.CandidateK == 0 {
		cfg.CandidateK = DefaultCandidateK
	}
	if cfg.MatchThreshold <= 0 || cfg.MatchThreshold > 1 {
		return nil, &domain.ConfigError{Field: "MATCH_THRESHOLD",
			Reason: fmt.Sprintf("must be in (0, 1], got %g", cfg.MatchThreshold)}
	}
	if cfg.BorderlineThreshold < 0 {
		return nil, &domain.ConfigError{Field: "BORDERLINE_THRESHOLD",
			Reason: fmt.Sprintf("must not be negative, got %g", cfg.BorderlineThreshold)}
	}
	if cfg.MatchThreshold <= cfg.BorderlineThreshold {
		return nil, &domain.ConfigError{Field: "MATCH_THRESHOLD",
			Reason: fmt.Sprintf("must be greater than BORDERLINE_THRESHOLD (%g <= %g)",
				cfg.MatchThreshold, cfg.BorderlineThreshold)}
	}
	if cfg.CandidateK < 0 {
		return nil, &domain.ConfigError{Field: "CANDIDATE_K",
			Reason: fmt.Sprintf("must not be negative, got %d", cfg.CandidateK)}
	}
	return &Matcher{index: index, cfg: cfg}, nil
}

// Config returns the resolved matcher configuration.
func (m *Matcher) Config() Config { return m.cfg }

// Match queries the clause index with the chunk's embedding and classifies
// each candidate at or above the borderline threshold. Candidates below it
// are omitted. A candidate in the prohibited category at or above the match
// threshold comes back rejected. Clauses listed in stale are skipped
// entirely: an embedding that lags its text must not produce a match.
//
// A zero-norm embedding (degenerate chunk text) yields an empty result
// rather than an error.
func (m *Matcher) Match(ctx context.Context, chunk domain.Chunk, embedding []float32, stale map[string]bool) ([]domain.MatchResult, error) {
	if vectorindex.Norm(embedding) == 0 {
		return nil, nil
	}

	hits, err := m.index.Query(ctx, embedding, m.cfg.CandidateK, nil)
	if err != nil {
		return nil, fmt.Errorf("matcher: query candidates for chunk %s: %w", chunk.ID, err)
	}

	results := make([]domain.MatchResult, 0, len(hits))
	for _, hit := range hits {
		if hit.Score < m.cfg.BorderlineThreshold {
			continue
		}
		if stale[hit.ID] {
			continue
		}
		decision := domain.DecisionBorderline
		if hit.Score >= m.cfg.MatchThreshold {
			decision = domain.DecisionMatched
			if hit.Metadata["category"] == domain.CategoryProhibited {
				decision = domain.DecisionRejected
			}
		}
		results = append(results, domain.MatchResult{
			ChunkID:    chunk.ID,
			ClauseID:   hit.ID,
			Similarity: hit.Score,
			Decision:   decision,
		})
	}
	return results, nil
}
