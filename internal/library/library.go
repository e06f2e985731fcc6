// Package library persists the baseline clause library in SQLite. Clauses
// are the reference texts contracts are validated against; each carries a
// category, a monotonically increasing version, and an embedding that is
// marked stale whenever the clause text changes.
package library

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/lexon/clausecheck/internal/domain"
)

// ErrNotFound is returned when a clause id does not exist in the library.
var ErrNotFound = errors.New("library: clause not found")

// CategorySummary aggregates clause counts per category.
type CategorySummary struct {
	// Category is the clause category name.
	Category string `json:"category"`
	// Count is the number of clauses in the category.
	Count int `json:"count"`
	// Stale is the number of clauses whose embedding lags the text.
	Stale int `json:"stale"`
}

// Store persists and retrieves baseline clauses. Implementations must be
// safe for concurrent use.
type Store interface {
	// Put inserts or updates a clause. A text change bumps the version and
	// marks the embedding stale; title or category edits alone do not.
	Put(ctx context.Context, clause domain.Clause) (domain.Clause, error)
	// Get returns the clause with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (domain.Clause, error)
	// List returns all clauses ordered by category then id.
	List(ctx context.Context) ([]domain.Clause, error)
	// ListStale returns clauses whose embedding needs recomputation.
	ListStale(ctx context.Context) ([]domain.Clause, error)
	// Delete removes a clause. Deleting an absent id returns ErrNotFound.
	Delete(ctx context.Context, id string) error
	// MarkEmbedded stores the embedding computed for the given clause
	// version. It is a no-op if the clause has been edited since, so a slow
	// embedding run never clobbers a newer text's staleness.
	MarkEmbedded(ctx context.Context, id string, version int, embedding []float32) error
	// Summary returns per-category clause counts.
	Summary(ctx context.Context) ([]CategorySummary, error)
	// Close releases any resources held by the store.
	Close() error
}

// SQLiteStore is a Store backed by a local SQLite database.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("library: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS clauses (
    id          TEXT    PRIMARY KEY,
    title       TEXT    NOT NULL,
    text        TEXT    NOT NULL,
    category    TEXT    NOT NULL,
    version     INTEGER NOT NULL DEFAULT 1,
    embedding   BLOB,
    stale       INTEGER NOT NULL DEFAULT 1,
    updated_at  INTEGER NOT NULL  -- Unix timestamp (seconds)
);
CREATE INDEX IF NOT EXISTS idx_clauses_category ON clauses (category, id);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("library: migrate: %w", err)
	}
	return nil
}

// Put inserts or updates a clause. A text change bumps the version and marks
// the embedding stale.
func (s *SQLiteStore) Put(ctx context.Context, clause domain.Clause) (domain.Clause, error) {
	if clause.ID == "" {
		return domain.Clause{}, &domain.DataError{Subject: "clause", Reason: "id must not be empty"}
	}
	if clause.Text == "" {
		return domain.Clause{}, &domain.DataError{Subject: "clause " + clause.ID, Reason: "text must not be empty"}
	}
	if clause.Category == "" {
		return domain.Clause{}, &domain.DataError{Subject: "clause " + clause.ID, Reason: "category must not be empty"}
	}

	now := time.Now()

	existing, err := s.Get(ctx, clause.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		clause.Version = 1
		clause.EmbeddingStale = true
		clause.UpdatedAt = now
		const q = `INSERT INTO clauses (id, title, text, category, version, embedding, stale, updated_at)
                   VALUES (?, ?, ?, ?, ?, NULL, 1, ?)`
		if _, err := s.db.ExecContext(ctx, q, clause.ID, clause.Title, clause.Text, clause.Category, clause.Version, now.Unix()); err != nil {
			return domain.Clause{}, fmt.Errorf("library: insert clause %s: %w", clause.ID, err)
		}
		clause.Embedding = nil
		return clause, nil
	case err != nil:
		return domain.Clause{}, err
	}

	clause.Version = existing.Version
	clause.EmbeddingStale = existing.EmbeddingStale
	clause.Embedding = existing.Embedding
	if clause.Text != existing.Text {
		clause.Version = existing.Version + 1
		clause.EmbeddingStale = true
		clause.Embedding = nil
	}
	clause.UpdatedAt = now

	const q = `UPDATE clauses SET title = ?, text = ?, category = ?, version = ?,
               embedding = CASE WHEN ? THEN NULL ELSE embedding END, stale = ?, updated_at = ?
               WHERE id = ?`
	textChanged := clause.Text != existing.Text
	if _, err := s.db.ExecContext(ctx, q, clause.Title, clause.Text, clause.Category, clause.Version,
		textChanged, clause.EmbeddingStale, now.Unix(), clause.ID); err != nil {
		return domain.Clause{}, fmt.Errorf("library: update clause %s: %w", clause.ID, err)
	}
	return clause, nil
}

// Get returns the clause with the given id, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (domain.Clause, error) {
	const q = `SELECT id, title, text, category, version, embedding, stale, updated_at FROM clauses WHERE id = ?`
	clause, err := scanClause(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Clause{}, ErrNotFound
	}
	if err != nil {
		return domain.Clause{}, fmt.Errorf("library: get clause %s: %w", id, err)
	}
	return clause, nil
}

// List returns all clauses ordered by category then id.
func (s *SQLiteStore) List(ctx context.Context) ([]domain.Clause, error) {
	const q = `SELECT id, title, text, category, version, embedding, stale, updated_at FROM clauses ORDER BY category, id`
	return s.queryClauses(ctx, q)
}

// ListStale returns clauses whose embedding needs recomputation.
func (s *SQLiteStore) ListStale(ctx context.Context) ([]domain.Clause, error) {
	const q = `SELECT id, title, text, category, version, embedding, stale, updated_at FROM clauses WHERE stale = 1 ORDER BY category, id`
	return s.queryClauses(ctx, q)
}

func (s *SQLiteStore) queryClauses(ctx context.Context, q string, args ...any) ([]domain.Clause, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("library: list clauses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var clauses []domain.Clause
	for rows.Next() {
		clause, err := scanClause(rows)
		if err != nil {
			return nil, fmt.Errorf("library: scan clause: %w", err)
		}
		clauses = append(clauses, clause)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("library: iterate clauses: %w", err)
	}
	return clauses, nil
}

// Delete removes a clause. Deleting an absent id returns ErrNotFound.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM clauses WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("library: delete clause %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("library: delete clause %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkEmbedded stores the embedding computed for the given clause version.
// The version guard makes it a no-op when the clause was edited mid-flight.
func (s *SQLiteStore) MarkEmbedded(ctx context.Context, id string, version int, embedding []float32) error {
	const q = `UPDATE clauses SET embedding = ?, stale = 0 WHERE id = ? AND version = ?`
	if _, err := s.db.ExecContext(ctx, q, encodeEmbedding(embedding), id, version); err != nil {
		return fmt.Errorf("library: mark embedded %s: %w", id, err)
	}
	return nil
}

// Summary returns per-category clause counts ordered by category.
func (s *SQLiteStore) Summary(ctx context.Context) ([]CategorySummary, error) {
	const q = `SELECT category, COUNT(*), SUM(stale) FROM clauses GROUP BY category ORDER BY category`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("library: summary: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var summaries []CategorySummary
	for rows.Next() {
		var cs CategorySummary
		if err := rows.Scan(&cs.Category, &cs.Count, &cs.Stale); err != nil {
			return nil, fmt.Errorf("library: scan summary: %w", err)
		}
		summaries = append(summaries, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("library: iterate summary: %w", err)
	}
	return summaries, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner abstracts *sql.Row and *sql.Rows for a shared scan path.
type scanner interface {
	Scan(dest ...any) error
}

func scanClause(row scanner) (domain.Clause, error) {
	var (
		clause    domain.Clause
		embedding []byte
		stale     int
		updatedAt int64
	)
	if err := row.Scan(&clause.ID, &clause.Title, &clause.Text, &clause.Category,
		&clause.Version, &embedding, &stale, &updatedAt); err != nil {
		return domain.Clause{}, err
	}
	clause.Embedding = decodeEmbedding(embedding)
	clause.EmbeddingStale = stale != 0
	clause.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return clause, nil
}

// encodeEmbedding serializes a vector as little-endian float32 bits.
func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// decodeEmbedding is the inverse of encodeEmbedding. Truncated blobs yield
// nil so a corrupt row degrades to "no embedding" rather than a bad vector.
func decodeEmbedding(buf []byte) []float32 {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v
}
