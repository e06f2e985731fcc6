// Package embedder wraps the external text-embedding capability. It provides
// HTTP clients for the supported backends (OpenAI, Azure OpenAI, Ollama) and
// a Gateway that layers batching, content-hash caching, in-flight
// deduplication, and bounded retries on top of any client.
package embedder

import (
	"context"
	"fmt"
)

// Embedder is the interface for converting text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// StatusError carries the HTTP status returned by an embedding backend so
// callers can distinguish transient failures (worth retrying) from permanent
// ones.
type StatusError struct {
	// Backend names the embedding backend ("openai", "ollama").
	Backend string
	// Code is the HTTP status code.
	Code int
	// Message is the backend-reported error message, if any.
	Message string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s embedder: HTTP %d: %s", e.Backend, e.Code, e.Message)
	}
	return fmt.Sprintf("%s embedder: HTTP %d", e.Backend, e.Code)
}

// Transient reports whether the failure class is retryable: rate limits and
// server-side errors are; other client errors are not.
func (e *StatusError) Transient() bool {
	return e.Code == 429 || e.Code >= 500
}
