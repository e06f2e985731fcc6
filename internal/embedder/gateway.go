package embedder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/lexon/clausecheck/internal/domain"
	"github.com/lexon/clausecheck/internal/logging"
)

// Gateway defaults applied when the corresponding config field is zero.
const (
	defaultMaxBatchSize   = 64
	defaultMaxRetries     = 3
	defaultRequestTimeout = 30 * time.Second
	defaultCacheTTL       = time.Hour
	defaultCacheEntries   = 4096
)

// GatewayConfig holds the settings for constructing a Gateway.
type GatewayConfig struct {
	// Dimensions is the process-wide embedding vector size. Required; every
	// vector produced by the backend must have exactly this length.
	Dimensions int
	// ModelVersion identifies the embedding model for cache keying. Vectors
	// from different models never share cache entries.
	ModelVersion string
	// MaxBatchSize caps the number of texts per upstream call. Batching is a
	// throughput optimisation only and never changes results. Defaults to 64.
	MaxBatchSize int
	// MaxRetries bounds retry attempts after the first failure. Defaults to 3.
	MaxRetries uint64
	// RequestTimeout bounds each upstream call. Defaults to 30s.
	RequestTimeout time.Duration
	// RateLimit is the sustained upstream request rate (calls/second).
	// Zero disables client-side rate limiting.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst of upstream calls.
	RateBurst int
	// Cache is the vector cache. If nil a MemoryCache with a 1h TTL and a
	// 4096-entry bound is used.
	Cache Cache
	// MetricsRegisterer receives the gateway's Prometheus metrics. If nil,
	// metrics are disabled (useful in tests).
	MetricsRegisterer prometheus.Registerer
}

// inflightCall tracks one upstream embedding in progress so that concurrent
// requests for the same content wait for the in-flight result instead of
// issuing a duplicate external call.
type inflightCall struct {
	// done is closed when vector and err are populated.
	done chan struct{}
	// vector is the embedding result, valid once done is closed and err is nil.
	vector []float32
	// err is the failure, valid once done is closed.
	err error
}

// Gateway wraps an Embedder client with batching, content-hash caching,
// in-flight deduplication, client-side rate limiting, and bounded
// exponential-backoff retries. It satisfies Embedder itself so downstream
// components never see the difference.
type Gateway struct {
	// client is the wrapped embedding backend.
	client Embedder
	// cache stores vectors by content hash.
	cache Cache
	// dims is the enforced vector dimension.
	dims int
	// modelVersion is folded into every cache key.
	modelVersion string
	// maxBatch caps texts per upstream call.
	maxBatch int
	// maxRetries bounds retries per upstream call.
	maxRetries uint64
	// timeout bounds each upstream call.
	timeout time.Duration
	// limiter throttles upstream calls; nil when rate limiting is disabled.
	limiter *rate.Limiter
	// metrics holds the gateway's Prometheus counters; nil when disabled.
	metrics *gatewayMetrics

	// mu protects inflight and serializes cache lookups against settle's
	// fill-then-clear, so a cache miss and the in-flight check are one
	// atomic observation.
	mu sync.Mutex
	// inflight maps cache key to the call currently computing it.
	inflight map[uint64]*inflightCall
}

// gatewayMetrics holds the Prometheus metrics owned by the Gateway.
type gatewayMetrics struct {
	// cacheHits counts embedding requests served from the cache.
	cacheHits prometheus.Counter
	// cacheMisses counts embedding requests that went upstream.
	cacheMisses prometheus.Counter
	// upstreamRetries counts retried upstream calls.
	upstreamRetries prometheus.Counter
	// upstreamCalls counts upstream batch calls, partitioned by outcome.
	upstreamCalls *prometheus.CounterVec
}

// newGatewayMetrics registers the gateway metrics against reg.
func newGatewayMetrics(reg prometheus.Registerer) *gatewayMetrics {
	factory := promauto.With(reg)
	return &gatewayMetrics{
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "clausecheck", Subsystem: "embedding",
			Name: "cache_hits_total",
			Help: "Embedding requests served from the content-hash cache.",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "clausecheck", Subsystem: "embedding",
			Name: "cache_misses_total",
			Help: "Embedding requests that required an upstream call.",
		}),
		upstreamRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "clausecheck", Subsystem: "embedding",
			Name: "upstream_retries_total",
			Help: "Retried upstream embedding calls.",
		}),
		upstreamCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clausecheck", Subsystem: "embedding",
			Name: "upstream_calls_total",
			Help: "Upstream embedding batch calls, partitioned by outcome.",
		}, []string{"outcome"}),
	}
}

// NewGateway constructs a Gateway around the given client. A non-positive
// Dimensions is a fatal configuration error: vectors of unknown size can
// never be silently truncated or padded downstream.
func NewGateway(client Embedder, cfg *GatewayConfig) (*Gateway, error) {
	if client == nil {
		return nil, &domain.ConfigError{Field: "embedding.client", Reason: "must not be nil"}
	}
	if cfg == nil || cfg.Dimensions <= 0 {
		return nil, &domain.ConfigError{Field: "embedding.dimensions", Reason: "must be a positive vector size"}
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}
	if cfg.MaxBatchSize < 0 {
		return nil, &domain.ConfigError{Field: "embedding.max_batch_size", Reason: "must be positive"}
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NewMemoryCache(defaultCacheTTL, defaultCacheEntries)
	}

	g := &Gateway{
		client:       client,
		cache:        cache,
		dims:         cfg.Dimensions,
		modelVersion: cfg.ModelVersion,
		maxBatch:     cfg.MaxBatchSize,
		maxRetries:   cfg.MaxRetries,
		timeout:      cfg.RequestTimeout,
		inflight:     make(map[uint64]*inflightCall),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	if cfg.MetricsRegisterer != nil {
		g.metrics = newGatewayMetrics(cfg.MetricsRegisterer)
	}
	return g, nil
}

// Dimensions returns the enforced embedding vector size.
func (g *Gateway) Dimensions() int { return g.dims }

// Embed returns one vector per input text, same length and order as the
// input. Duplicate texts are embedded once and fanned out. The whole batch
// fails together: downstream matching requires complete, order-aligned
// vectors, so partial success is never returned.
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))

	// Deduplicate inputs by content hash, preserving first-appearance order.
	keys := make([]uint64, len(texts))
	firstIndex := make(map[uint64]int, len(texts))
	var uniqueKeys []uint64
	for i, t := range texts {
		k := CacheKey(g.modelVersion, t)
		keys[i] = k
		if _, seen := firstIndex[k]; !seen {
			firstIndex[k] = i
			uniqueKeys = append(uniqueKeys, k)
		}
	}

	// Partition unique keys into cache hits, calls we own, and calls another
	// goroutine already has in flight. The cache lookup and the ownership
	// decision happen under one lock acquisition: settle fills the cache and
	// clears the in-flight entry under the same lock, so a miss here
	// guarantees the in-flight map still reflects reality. Checking the cache
	// first and the map after, unlocked in between, would let a concurrent
	// settle slip through the gap and this goroutine would re-embed content
	// another call just finished.
	resolved := make(map[uint64][]float32, len(uniqueKeys))
	var ownedKeys []uint64
	owned := make(map[uint64]*inflightCall)
	waiting := make(map[uint64]*inflightCall)

	for _, k := range uniqueKeys {
		g.mu.Lock()
		if vec, ok := g.cache.Get(k); ok {
			g.mu.Unlock()
			resolved[k] = vec
			if g.metrics != nil {
				g.metrics.cacheHits.Inc()
			}
			continue
		}
		if call, ok := g.inflight[k]; ok {
			g.mu.Unlock()
			waiting[k] = call
		} else {
			call := &inflightCall{done: make(chan struct{})}
			g.inflight[k] = call
			g.mu.Unlock()
			owned[k] = call
			ownedKeys = append(ownedKeys, k)
		}
		if g.metrics != nil {
			g.metrics.cacheMisses.Inc()
		}
	}

	// Fetch owned keys upstream in bounded batches. Any failure settles the
	// remaining owned calls too, so waiters never block on a dead leader.
	var fetchErr error
	for start := 0; start < len(ownedKeys); start += g.maxBatch {
		end := min(start+g.maxBatch, len(ownedKeys))
		batchKeys := ownedKeys[start:end]

		if fetchErr != nil {
			g.settle(batchKeys, owned, nil, fetchErr)
			continue
		}

		batchTexts := make([]string, len(batchKeys))
		for i, k := range batchKeys {
			batchTexts[i] = texts[firstIndex[k]]
		}

		vectors, err := g.fetch(ctx, batchTexts)
		if err == nil {
			err = g.checkDimensions(vectors)
		}
		if err != nil {
			fetchErr = err
			g.settle(batchKeys, owned, nil, err)
			continue
		}
		g.settle(batchKeys, owned, vectors, nil)
		for i, k := range batchKeys {
			resolved[k] = vectors[i]
		}
	}
	if fetchErr != nil {
		return nil, fetchErr
	}

	// Wait for calls owned by other goroutines.
	for k, call := range waiting {
		vec, err := g.wait(ctx, call)
		if err != nil {
			return nil, err
		}
		resolved[k] = vec
	}

	for i, k := range keys {
		out[i] = resolved[k]
	}
	return out, nil
}

// settle completes the given owned calls with either their vectors or an
// error, and removes them from the in-flight map.
func (g *Gateway) settle(batchKeys []uint64, owned map[uint64]*inflightCall, vectors [][]float32, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, k := range batchKeys {
		call := owned[k]
		if err != nil {
			call.err = err
		} else {
			call.vector = vectors[i]
			g.cache.Set(k, vectors[i])
		}
		close(call.done)
		delete(g.inflight, k)
	}
}

// wait blocks until the given in-flight call completes or ctx is done.
func (g *Gateway) wait(ctx context.Context, call *inflightCall) ([]float32, error) {
	select {
	case <-ctx.Done():
		return nil, &domain.UpstreamError{Service: "embedding", Transient: true, Err: ctx.Err()}
	case <-call.done:
	}
	if call.err != nil {
		return nil, call.err
	}
	return call.vector, nil
}

// checkDimensions verifies every returned vector has the configured size.
// A mismatch means the backend and the index disagree about the embedding
// model — a fatal configuration error, never silently truncated or padded.
func (g *Gateway) checkDimensions(vectors [][]float32) error {
	for _, v := range vectors {
		if len(v) != g.dims {
			return &domain.ConfigError{
				Field:  "embedding.dimensions",
				Reason: fmt.Sprintf("backend returned a %d-dimensional vector, expected %d", len(v), g.dims),
			}
		}
	}
	return nil
}

// fetch performs one upstream batch call with rate limiting, per-call
// timeout, and bounded exponential-backoff retries. Transient failures
// (timeouts, rate limits, 5xx) are retried; anything else fails immediately.
// On exhaustion the whole batch fails with a typed upstream error.
func (g *Gateway) fetch(ctx context.Context, texts []string) ([][]float32, error) {
	log := logging.FromContext(ctx)

	var vectors [][]float32
	operation := func() error {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		result, err := g.client.Embed(callCtx, texts)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && !se.Transient() {
				return backoff.Permanent(err)
			}
			return err
		}
		vectors = result
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), g.maxRetries), ctx)
	notify := func(err error, next time.Duration) {
		if g.metrics != nil {
			g.metrics.upstreamRetries.Inc()
		}
		log.Warn("embedding: upstream call failed, retrying",
			slog.Any("error", err),
			slog.Duration("backoff", next),
			slog.Int("batch_size", len(texts)),
		)
	}

	if err := backoff.RetryNotify(operation, bo, notify); err != nil {
		if g.metrics != nil {
			g.metrics.upstreamCalls.WithLabelValues("error").Inc()
		}
		return nil, &domain.UpstreamError{Service: "embedding", Transient: isTransient(err), Err: err}
	}
	if g.metrics != nil {
		g.metrics.upstreamCalls.WithLabelValues("ok").Inc()
	}
	return vectors, nil
}

// isTransient classifies an exhausted-retry error for the typed upstream error.
func isTransient(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	// Network errors and timeouts are transient by nature.
	return !errors.Is(err, context.Canceled)
}
