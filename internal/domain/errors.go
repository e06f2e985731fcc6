package domain

import "fmt"

// The pipeline distinguishes three failure classes:
//
//	ConfigError   — fatal, startup-time. The process refuses to start.
//	UpstreamError — transient external failure (embedding service, vector
//	                index, OCR). Retried with bounded backoff at the owning
//	                boundary; surfaced typed when retries exhaust.
//	DataError     — malformed or stale data affecting a single clause or
//	                chunk. Fails only the affected item; the validation run
//	                continues and records a degraded marker.

// ConfigError reports invalid startup configuration, such as inverted
// thresholds or an embedding dimension mismatch.
type ConfigError struct {
	// Field names the offending configuration value.
	Field string
	// Reason explains why the value is invalid.
	Reason string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// UpstreamError reports a failure from an external collaborator after any
// retries have been exhausted.
type UpstreamError struct {
	// Service names the failing collaborator ("embedding", "vector-index", "ocr").
	Service string
	// Transient is true when the failure class is retryable (timeout, rate
	// limit). A false value means retrying cannot help (auth failure,
	// malformed request).
	Transient bool
	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Service, e.Err)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *UpstreamError) Unwrap() error { return e.Err }

// DataError reports malformed or stale data scoped to a single clause or
// chunk. It degrades the affected item rather than aborting the run.
type DataError struct {
	// Subject names the affected item (e.g. "clause c7", "chunk ab12f3").
	Subject string
	// Reason explains what was wrong with the data.
	Reason string
}

// Error implements the error interface.
func (e *DataError) Error() string {
	return fmt.Sprintf("data: %s: %s", e.Subject, e.Reason)
}
