// Package domain defines the core records exchanged between the ClauseCheck
// pipeline stages: contract chunks, library clauses, match results, and the
// validation report. Enum-like fields (Decision, VerdictStatus) are typed
// strings validated at the system boundary rather than trusted implicitly
// downstream.
package domain

import (
	"fmt"
	"time"
)

// Decision classifies a single chunk-to-clause similarity candidate.
type Decision string

const (
	// DecisionMatched means the similarity met or exceeded the match threshold.
	DecisionMatched Decision = "matched"
	// DecisionBorderline means the similarity fell between the borderline and
	// match thresholds — a weak signal worth surfacing, not a confident match.
	DecisionBorderline Decision = "borderline"
	// DecisionRejected flags a confident match against a prohibited clause.
	// It is never produced for candidates that merely score low — those are
	// omitted from results entirely.
	DecisionRejected Decision = "rejected"
)

// Valid reports whether d is one of the known decision values.
func (d Decision) Valid() bool {
	switch d {
	case DecisionMatched, DecisionBorderline, DecisionRejected:
		return true
	}
	return false
}

// VerdictStatus is the per-clause outcome of validating a contract against
// the clause library.
type VerdictStatus string

const (
	// StatusSatisfied means at least one chunk matched the clause at or above
	// the match threshold.
	StatusSatisfied VerdictStatus = "satisfied"
	// StatusPartial means only borderline matches were found.
	StatusPartial VerdictStatus = "partial"
	// StatusMissing means no chunk scored above the borderline threshold.
	StatusMissing VerdictStatus = "missing"
	// StatusConflicting means a prohibited clause was confidently matched.
	// Conflicting overrides satisfied — a contradiction is more actionable
	// than a match.
	StatusConflicting VerdictStatus = "conflicting"
)

// Valid reports whether s is one of the known verdict statuses.
func (s VerdictStatus) Valid() bool {
	switch s {
	case StatusSatisfied, StatusPartial, StatusMissing, StatusConflicting:
		return true
	}
	return false
}

// CategoryProhibited marks library clauses that must NOT appear in a
// contract. A confident match against such a clause produces a rejected
// decision and a conflicting verdict.
const CategoryProhibited = "prohibited"

// Chunk is a bounded span of a contract's text, the unit of embedding and
// matching. Offsets are half-open byte positions into the original document
// text ([StartOffset, EndOffset)); chunk content may overlap its neighbours
// by the configured stride, but offsets always refer to the span the chunk
// was cut from. Chunks are immutable once created.
type Chunk struct {
	// ID is a deterministic identifier derived from the contract ID and
	// sequence index, stable across re-runs over identical input.
	ID string `json:"chunk_id"`
	// ContractID identifies the owning contract.
	ContractID string `json:"contract_id"`
	// Text is the chunk content, including any leading overlap.
	Text string `json:"text"`
	// StartOffset is the inclusive byte offset of the chunk span.
	StartOffset int `json:"start_offset"`
	// EndOffset is the exclusive byte offset of the chunk span.
	EndOffset int `json:"end_offset"`
	// SequenceIndex preserves document order (0-based).
	SequenceIndex int `json:"sequence_index"`
}

// Clause is a canonical standard-contract provision stored in the library
// and used as a matching target.
type Clause struct {
	// ID uniquely identifies the clause within the library.
	ID string `json:"clause_id"`
	// Title is the human-readable clause name.
	Title string `json:"title"`
	// Text is the canonical clause wording that gets embedded.
	Text string `json:"text"`
	// Category groups clauses for report ordering and match policy.
	// The "prohibited" category inverts match semantics (see CategoryProhibited).
	Category string `json:"category"`
	// Version increments on every text change.
	Version int `json:"version"`
	// Embedding is the clause vector. It must always reflect the current
	// Text; when Text changes the embedding is marked stale until recomputed.
	Embedding []float32 `json:"-"`
	// EmbeddingStale is true when Text changed after the embedding was
	// computed. Stale embeddings are never used for matching.
	EmbeddingStale bool `json:"-"`
	// UpdatedAt records the last library mutation.
	UpdatedAt time.Time `json:"updated_at"`
}

// MatchResult is one scored chunk-to-clause candidate. Produced by the
// matcher and consumed only by the validator; never persisted on its own.
type MatchResult struct {
	// ChunkID identifies the contract chunk that produced this candidate.
	ChunkID string `json:"chunk_id"`
	// ClauseID identifies the library clause that was matched.
	ClauseID string `json:"clause_id"`
	// Similarity is the cosine similarity in [−1, 1].
	Similarity float64 `json:"similarity_score"`
	// Decision classifies the candidate.
	Decision Decision `json:"decision"`
}

// ClauseVerdict is the aggregated outcome for one (contract, clause) pair.
type ClauseVerdict struct {
	// ContractID identifies the validated contract.
	ContractID string `json:"contract_id"`
	// ClauseID identifies the library clause this verdict covers.
	ClauseID string `json:"clause_id"`
	// ClauseTitle is carried for report readability.
	ClauseTitle string `json:"clause_title"`
	// Category is the clause category, the primary report sort key.
	Category string `json:"category"`
	// Status is the per-clause outcome.
	Status VerdictStatus `json:"status"`
	// EvidenceChunkIDs lists every chunk that contributed a match result
	// for this clause, in chunk sequence order.
	EvidenceChunkIDs []string `json:"evidence_chunk_ids"`
	// BestScore is the maximum similarity observed across all chunks.
	BestScore float64 `json:"best_score"`
	// Degraded is true when an upstream or data failure prevented this
	// clause from being fully evaluated. Degraded clauses report missing.
	Degraded bool `json:"degraded,omitempty"`
}

// ContractReport is the stable, ordered result of validating one contract
// against the full clause library. Verdicts form a total set over the
// library at validation time — no clause is silently dropped.
type ContractReport struct {
	// ContractID identifies the validated contract.
	ContractID string `json:"contract_id"`
	// Verdicts holds one entry per library clause, ordered by category then
	// clause ID. The ordering is an explicit sort, not incidental storage order.
	Verdicts []ClauseVerdict `json:"verdicts"`
	// OverallComplianceRatio is satisfied count over total clause count.
	// Zero when the library is empty; see NoBaseline.
	OverallComplianceRatio float64 `json:"overall_compliance_ratio"`
	// NoBaseline is true when the clause library was empty at validation
	// time, making the compliance ratio undefined.
	NoBaseline bool `json:"no_baseline,omitempty"`
	// Degraded is true when any verdict carries a degraded marker. A
	// degraded report is complete but explicitly flagged — the pipeline
	// never returns a silently truncated report.
	Degraded bool `json:"degraded,omitempty"`
	// Warnings carries top-level human-readable degradation notices.
	Warnings []string `json:"warnings,omitempty"`
	// GeneratedAt is when the validation run completed.
	GeneratedAt time.Time `json:"generated_at"`
}

// Validate checks chunk structural invariants against the document length.
// Offsets are half-open and must stay within the document.
func (c Chunk) Validate(docLen int) error {
	if c.StartOffset < 0 || c.EndOffset > docLen || c.StartOffset >= c.EndOffset {
		return &DataError{
			Subject: fmt.Sprintf("chunk %s", c.ID),
			Reason:  fmt.Sprintf("offsets [%d,%d) invalid for document length %d", c.StartOffset, c.EndOffset, docLen),
		}
	}
	return nil
}
