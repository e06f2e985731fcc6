// Package chunker splits raw contract text into overlapping chunks with
// stable offsets. Chunking is deterministic: identical text and parameters
// always yield identical chunk boundaries, which is required for embedding
// cache hits and reproducible validation reports.
package chunker

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/lexon/clausecheck/internal/domain"
)

// Default chunking parameters, matching the sizing the clause matcher was
// tuned against.
const (
	defaultMaxChars     = 1200
	defaultOverlapChars = 120
)

// Config holds the chunking parameters.
type Config struct {
	// MaxChars is the maximum number of bytes per chunk span.
	// Defaults to 1200 if zero.
	MaxChars int
	// OverlapChars is the number of trailing bytes of each chunk repeated at
	// the head of its successor, preserving context across clause boundaries.
	// Defaults to 120 if zero. Must be smaller than MaxChars.
	OverlapChars int
}

// Chunker splits document text on sentence and paragraph boundaries first,
// falling back to hard cuts when a single sentence exceeds the chunk budget.
type Chunker struct {
	// maxChars is the resolved per-chunk byte budget.
	maxChars int
	// overlapChars is the resolved overlap width.
	overlapChars int
}

// New constructs a Chunker, validating the parameter invariants up front so
// misconfiguration fails at startup rather than mid-run.
func New(cfg Config) (*Chunker, error) {
	if cfg.MaxChars == 0 {
		cfg.MaxChars = defaultMaxChars
	}
	if cfg.OverlapChars == 0 {
		cfg.OverlapChars = defaultOverlapChars
	}
	if cfg.MaxChars < 0 {
		return nil, &domain.ConfigError{Field: "chunker.max_chars", Reason: "must be positive"}
	}
	if cfg.OverlapChars < 0 || cfg.OverlapChars >= cfg.MaxChars {
		return nil, &domain.ConfigError{
			Field:  "chunker.overlap_chars",
			Reason: fmt.Sprintf("must be in [0, max_chars); got overlap=%d max=%d", cfg.OverlapChars, cfg.MaxChars),
		}
	}
	return &Chunker{maxChars: cfg.MaxChars, overlapChars: cfg.OverlapChars}, nil
}

// span is a half-open byte range into the original document text.
type span struct {
	start int
	end   int
}

// Chunk splits text into ordered chunks for the given contract. Empty or
// whitespace-only input yields an empty slice, not an error. Chunk spans
// tile the original text without gaps; chunk Text additionally carries the
// trailing overlap of the predecessor for every chunk after the first.
func (c *Chunker) Chunk(contractID, text string) []domain.Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	spans := c.pack(text, sentenceSpans(text))

	chunks := make([]domain.Chunk, 0, len(spans))
	for i, sp := range spans {
		body := text[sp.start:sp.end]
		if i > 0 && c.overlapChars > 0 {
			body = overlapTail(text[:sp.start], c.overlapChars) + body
		}
		chunks = append(chunks, domain.Chunk{
			ID:            chunkID(contractID, i),
			ContractID:    contractID,
			Text:          body,
			StartOffset:   sp.start,
			EndOffset:     sp.end,
			SequenceIndex: i,
		})
	}
	return chunks
}

// pack greedily groups sentence spans into chunk spans of at most maxChars
// bytes. Sentences longer than the budget are hard-cut at rune boundaries.
func (c *Chunker) pack(text string, sentences []span) []span {
	var out []span
	cur := span{start: -1}

	flush := func() {
		if cur.start >= 0 && cur.end > cur.start {
			out = append(out, cur)
		}
		cur = span{start: -1}
	}

	for _, s := range sentences {
		if s.end-s.start > c.maxChars {
			// Oversized sentence: emit what we have, then hard-cut.
			flush()
			out = append(out, hardCut(text, s, c.maxChars)...)
			continue
		}
		if cur.start < 0 {
			cur = s
			continue
		}
		if s.end-cur.start <= c.maxChars {
			cur.end = s.end
			continue
		}
		flush()
		cur = s
	}
	flush()
	return out
}

// hardCut splits an oversized span into pieces of at most maxChars bytes.
// Cut points never land inside a UTF-8 sequence; the continuation-byte walk
// backs up at most three bytes.
func hardCut(text string, s span, maxChars int) []span {
	var out []span
	for start := s.start; start < s.end; {
		end := start + maxChars
		if end >= s.end {
			out = append(out, span{start: start, end: s.end})
			break
		}
		for end > start && !utf8.RuneStart(text[end]) {
			end--
		}
		if end == start {
			end = start + maxChars // pathological input; cut anyway
		}
		out = append(out, span{start: start, end: end})
		start = end
	}
	return out
}

// sentenceSpans splits text into sentence spans that tile the entire input:
// every byte of text belongs to exactly one span. A sentence ends after
// '.', '!' or '?' followed by whitespace, or at a paragraph break ("\n\n").
// Trailing whitespace is attached to the preceding sentence so that
// concatenating spans reconstructs the original text losslessly.
func sentenceSpans(text string) []span {
	var out []span
	start := 0
	i := 0
	n := len(text)

	for i < n {
		ch := text[i]
		if ch == '.' || ch == '!' || ch == '?' {
			// Consume the terminator run, then trailing whitespace.
			j := i + 1
			for j < n && (text[j] == '.' || text[j] == '!' || text[j] == '?') {
				j++
			}
			if j < n && isSpace(text[j]) {
				for j < n && isSpace(text[j]) {
					j++
				}
				out = append(out, span{start: start, end: j})
				start = j
				i = j
				continue
			}
			i = j
			continue
		}
		if ch == '\n' && i+1 < n && text[i+1] == '\n' {
			j := i
			for j < n && isSpace(text[j]) {
				j++
			}
			out = append(out, span{start: start, end: j})
			start = j
			i = j
			continue
		}
		i++
	}
	if start < n {
		out = append(out, span{start: start, end: n})
	}
	return out
}

// isSpace reports whether b is ASCII whitespace. Contract text offsets are
// byte-based, so the byte-level check keeps span arithmetic exact.
func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// overlapTail returns up to overlap bytes from the end of prefix, aligned to
// a rune boundary so the overlap never splits a multi-byte character.
func overlapTail(prefix string, overlap int) string {
	if len(prefix) <= overlap {
		return prefix
	}
	start := len(prefix) - overlap
	for start < len(prefix) && !utf8.RuneStart(prefix[start]) {
		start++
	}
	return prefix[start:]
}

// chunkID generates a deterministic identifier for a chunk based on its
// contract ID and sequence index.
func chunkID(contractID string, index int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s#%d", contractID, index)))
	return fmt.Sprintf("%x", h[:16])
}
