// Package ocr extracts plain text from uploaded contract documents by
// calling a remote OCR service. Plain-text uploads bypass the service.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lexon/clausecheck/internal/domain"
)

// Extractor turns raw document bytes into plain text.
type Extractor interface {
	// Extract returns the document's text. contentType is the MIME type of
	// the uploaded data.
	Extract(ctx context.Context, data []byte, contentType string) (string, error)
}

// HTTPClient is an Extractor backed by a remote OCR HTTP service. It POSTs
// the raw document and expects a JSON body carrying the extracted text.
type HTTPClient struct {
	// endpoint is the full URL of the OCR extraction endpoint.
	endpoint string
	// httpClient is the underlying HTTP client.
	httpClient *http.Client
}

// NewHTTPClient creates an OCR client for the given endpoint.
func NewHTTPClient(endpoint string) (*HTTPClient, error) {
	if endpoint == "" {
		return nil, &domain.ConfigError{Field: "OCR_ENDPOINT", Reason: "must not be empty"}
	}
	return &HTTPClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}, nil
}

// PlainText is an Extractor that only accepts text uploads. Used when no OCR
// service is configured.
type PlainText struct{}

// Extract returns the document bytes as text. Anything that is not plain
// text is a per-document failure, not an outage.
func (PlainText) Extract(_ context.Context, data []byte, contentType string) (string, error) {
	if contentType == "" || strings.HasPrefix(contentType, "text/") {
		return string(data), nil
	}
	return "", &domain.DataError{
		Subject: "document",
		Reason:  fmt.Sprintf("content type %q requires OCR, but no OCR_ENDPOINT is configured", contentType),
	}
}

// extractResponse is the OCR service's response body.
type extractResponse struct {
	Text string `json:"text"`
}

// errorResponse is the OCR service's error body.
type errorResponse struct {
	Error string `json:"error"`
}

// Extract sends the document to the OCR service. Plain-text input is
// returned as-is without a network round trip.
func (c *HTTPClient) Extract(ctx context.Context, data []byte, contentType string) (string, error) {
	if strings.HasPrefix(contentType, "text/plain") {
		return string(data), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("ocr: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &domain.UpstreamError{Service: "ocr", Transient: true, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return "", &domain.UpstreamError{Service: "ocr", Transient: true, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		var errResp errorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		return "", &domain.UpstreamError{
			Service:   "ocr",
			Transient: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Err:       fmt.Errorf("status %d: %s", resp.StatusCode, msg),
		}
	}

	var out extractResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("ocr: decode response: %w", err)
	}
	return out.Text, nil
}
