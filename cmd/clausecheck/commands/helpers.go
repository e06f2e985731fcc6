package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/lexon/clausecheck/internal/chunker"
	"github.com/lexon/clausecheck/internal/embedder"
	"github.com/lexon/clausecheck/internal/library"
	"github.com/lexon/clausecheck/internal/matcher"
	"github.com/lexon/clausecheck/internal/ocr"
	"github.com/lexon/clausecheck/internal/pipeline"
	"github.com/lexon/clausecheck/internal/store"
	"github.com/lexon/clausecheck/internal/validator"
	"github.com/lexon/clausecheck/internal/vectorindex"
)

// app bundles the wired pipeline components shared by the serve, upload and
// validate commands. Construct with newApp and release with Close.
type app struct {
	log *slog.Logger

	contracts *store.SQLiteStore
	lib       library.Store

	gateway       *embedder.Gateway
	clauseIndex   vectorindex.Index
	contractIndex vectorindex.Index
	// qdrant is non-nil when the contract index is backed by Qdrant.
	qdrant *vectorindex.Qdrant

	extractor ocr.Extractor
	ingestor  *pipeline.Ingestor
	searcher  *pipeline.Searcher
	matcher   *matcher.Matcher
	validator *validator.Validator
	reindexer *library.Reindexer
}

// newApp opens the stores and wires the full validation pipeline from the
// environment. The clause index is rebuilt in memory at startup: fresh
// clauses are seeded from their stored embeddings, stale ones re-embedded.
func newApp(ctx context.Context, log *slog.Logger) (*app, error) {
	if err := embedder.Validate(log); err != nil {
		return nil, err
	}
	base, err := embedder.NewFromEnv()
	if err != nil {
		return nil, fmt.Errorf("initialise embedder: %w", err)
	}

	backend := embedder.ResolveBackend()
	dims := getEnvInt("EMBEDDING_DIMENSIONS", embedder.DefaultDimensions(backend))
	gateway, err := embedder.NewGateway(base, &embedder.GatewayConfig{
		Dimensions:   dims,
		ModelVersion: getEnvOrDefault("EMBEDDING_MODEL", backend),
		RateLimit:    getEnvFloat("EMBEDDING_RATE_LIMIT", 0),
	})
	if err != nil {
		return nil, err
	}

	dbPath, err := resolveDataPath("CLAUSECHECK_DB", "contracts.db")
	if err != nil {
		return nil, err
	}
	contracts, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open contract store at %s: %w", dbPath, err)
	}

	libPath, err := resolveDataPath("CLAUSECHECK_LIBRARY_DB", "library.db")
	if err != nil {
		contracts.Close()
		return nil, err
	}
	lib, err := library.Open(libPath)
	if err != nil {
		contracts.Close()
		return nil, fmt.Errorf("open clause library at %s: %w", libPath, err)
	}

	a := &app{log: log, contracts: contracts, lib: lib, gateway: gateway}

	// Contract chunks go to Qdrant when configured, otherwise stay in memory
	// for single-process runs.
	if os.Getenv("QDRANT_HOST") != "" {
		q, err := vectorindex.NewQdrant(ctx, &vectorindex.QdrantConfig{
			Host:       os.Getenv("QDRANT_HOST"),
			Port:       getEnvInt("QDRANT_PORT", 6334),
			Collection: getEnvOrDefault("QDRANT_COLLECTION", "clausecheck-chunks"),
			VectorSize: uint64(dims), //nolint:gosec // dimensions are bounded
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			UseTLS:     os.Getenv("QDRANT_TLS") == "true",
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to qdrant: %w", err)
		}
		a.qdrant = q
		a.contractIndex = q
		log.Info("contract index: qdrant",
			slog.String("host", os.Getenv("QDRANT_HOST")),
			slog.String("collection", getEnvOrDefault("QDRANT_COLLECTION", "clausecheck-chunks")))
	} else {
		mem, err := vectorindex.NewMemory(dims)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.contractIndex = mem
		log.Info("contract index: in-memory", slog.Int("dimensions", dims))
	}

	clauseIdx, err := vectorindex.NewMemory(dims)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.clauseIndex = clauseIdx
	a.reindexer = library.NewReindexer(lib, gateway, clauseIdx)

	seeded, err := a.reindexer.Seed(ctx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("seed clause index: %w", err)
	}
	log.Info("clause index seeded", slog.Int("clauses", seeded))

	m, err := matcher.New(clauseIdx, matcher.Config{
		MatchThreshold:      getEnvFloat("MATCH_THRESHOLD", 0),
		BorderlineThreshold: getEnvFloat("BORDERLINE_THRESHOLD", 0),
		CandidateK:          getEnvInt("CANDIDATE_K", 0),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.matcher = m
	a.validator = validator.New(lib, gateway, m, getEnvInt("VALIDATOR_CONCURRENCY", 0))

	if endpoint := os.Getenv("OCR_ENDPOINT"); endpoint != "" {
		client, err := ocr.NewHTTPClient(endpoint)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.extractor = client
	} else {
		a.extractor = ocr.PlainText{}
		log.Info("ocr: no endpoint configured, accepting plain-text uploads only")
	}

	ch, err := chunker.New(chunker.Config{
		MaxChars:     getEnvInt("CHUNK_MAX_CHARS", 0),
		OverlapChars: getEnvInt("CHUNK_OVERLAP_CHARS", 0),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.ingestor = pipeline.NewIngestor(a.extractor, ch, gateway, a.contractIndex, contracts)
	a.searcher = pipeline.NewSearcher(gateway, a.contractIndex, contracts)

	return a, nil
}

// Close releases all resources held by the app. Safe on a partially
// constructed value.
func (a *app) Close() {
	if a.qdrant != nil {
		_ = a.qdrant.Close()
	}
	if a.lib != nil {
		_ = a.lib.Close()
	}
	if a.contracts != nil {
		_ = a.contracts.Close()
	}
}

// resolveDataPath returns the env override for a data file, or its default
// location under ~/.clausecheck, creating the directory if needed.
func resolveDataPath(envKey, filename string) (string, error) {
	if v := os.Getenv(envKey); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory for %s: %w", envKey, err)
	}
	dir := filepath.Join(home, ".clausecheck")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create data directory %s: %w", dir, err)
	}
	return filepath.Join(dir, filename), nil
}

// getEnvOrDefault returns the environment value for key, or fallback when unset.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt parses an integer environment variable, returning fallback when
// unset or malformed.
func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// getEnvFloat parses a float environment variable, returning fallback when
// unset or malformed.
func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
