// Package store persists contract metadata, validation reports and chat
// history in a local SQLite database. Contracts and reports survive server
// restarts; chat history is injected into the LLM context on later turns.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/lexon/clausecheck/internal/domain"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Role identifies the author of a chat message.
type Role string

const (
	// RoleUser is a question asked by the human operator.
	RoleUser Role = "user"
	// RoleAssistant is an answer produced by the LLM.
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a contract's chat thread.
type Message struct {
	// Role is the author of the message.
	Role Role
	// Content is the text of the message.
	Content string
	// CreatedAt is when the message was persisted.
	CreatedAt time.Time
}

// Contract is the stored metadata for an uploaded contract document.
type Contract struct {
	// ID is the server-assigned contract identifier.
	ID string `json:"contract_id"`
	// Filename is the original upload filename.
	Filename string `json:"filename"`
	// ContentType is the MIME type of the uploaded document.
	ContentType string `json:"content_type"`
	// TextLength is the length in bytes of the extracted text.
	TextLength int `json:"text_length"`
	// ChunkCount is how many chunks the text was split into.
	ChunkCount int `json:"chunk_count"`
	// UploadedAt is when the contract was ingested.
	UploadedAt time.Time `json:"uploaded_at"`
}

// ChatStore persists and retrieves chat history keyed by contract.
// Implementations must be safe for concurrent use.
type ChatStore interface {
	// Append persists a single message for the given contract.
	Append(ctx context.Context, contractID string, role Role, content string) error
	// Recent returns the most recent n messages for the contract, ordered
	// oldest-first so they can be prepended to the LLM message slice directly.
	Recent(ctx context.Context, contractID string, n int) ([]Message, error)
}

// SQLiteStore persists contracts, reports and chat history in SQLite.
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
		return nil, fmt.Errorf("store: open %s: %w", path, err)
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
CREATE TABLE IF NOT EXISTS contracts (
    id           TEXT    PRIMARY KEY,
    filename     TEXT    NOT NULL,
    content_type TEXT    NOT NULL,
    text_length  INTEGER NOT NULL,
    chunk_count  INTEGER NOT NULL,
    uploaded_at  INTEGER NOT NULL  -- Unix timestamp (seconds)
);
CREATE TABLE IF NOT EXISTS chunks (
    id             TEXT    PRIMARY KEY,
    contract_id    TEXT    NOT NULL REFERENCES contracts(id),
    text           TEXT    NOT NULL,
    start_offset   INTEGER NOT NULL,
    end_offset     INTEGER NOT NULL,
    sequence_index INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_contract_sequence
    ON chunks (contract_id, sequence_index);
CREATE TABLE IF NOT EXISTS reports (
    contract_id  TEXT    PRIMARY KEY REFERENCES contracts(id),
    payload      TEXT    NOT NULL,  -- JSON-serialized report
    generated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS chat_messages (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    contract_id  TEXT    NOT NULL,
    role         TEXT    NOT NULL CHECK(role IN ('user','assistant')),
    content      TEXT    NOT NULL,
    created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_contract_created
    ON chat_messages (contract_id, created_at);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// SaveContract inserts or replaces contract metadata.
func (s *SQLiteStore) SaveContract(ctx context.Context, c Contract) error {
	const q = `INSERT OR REPLACE INTO contracts (id, filename, content_type, text_length, chunk_count, uploaded_at)
               VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, c.ID, c.Filename, c.ContentType, c.TextLength, c.ChunkCount, c.UploadedAt.Unix()); err != nil {
		return fmt.Errorf("store: save contract %s: %w", c.ID, err)
	}
	return nil
}

// GetContract returns the contract with the given id, or ErrNotFound.
func (s *SQLiteStore) GetContract(ctx context.Context, id string) (Contract, error) {
	const q = `SELECT id, filename, content_type, text_length, chunk_count, uploaded_at FROM contracts WHERE id = ?`
	var (
		c          Contract
		uploadedAt int64
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(&c.ID, &c.Filename, &c.ContentType, &c.TextLength, &c.ChunkCount, &uploadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Contract{}, ErrNotFound
	}
	if err != nil {
		return Contract{}, fmt.Errorf("store: get contract %s: %w", id, err)
	}
	c.UploadedAt = time.Unix(uploadedAt, 0).UTC()
	return c, nil
}

// ListContracts returns all contracts ordered by upload time, newest first.
func (s *SQLiteStore) ListContracts(ctx context.Context) ([]Contract, error) {
	const q = `SELECT id, filename, content_type, text_length, chunk_count, uploaded_at
               FROM contracts ORDER BY uploaded_at DESC, id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list contracts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var contracts []Contract
	for rows.Next() {
		var (
			c          Contract
			uploadedAt int64
		)
		if err := rows.Scan(&c.ID, &c.Filename, &c.ContentType, &c.TextLength, &c.ChunkCount, &uploadedAt); err != nil {
			return nil, fmt.Errorf("store: scan contract: %w", err)
		}
		c.UploadedAt = time.Unix(uploadedAt, 0).UTC()
		contracts = append(contracts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate contracts: %w", err)
	}
	return contracts, nil
}

// SaveChunks persists a contract's chunks in one transaction, replacing any
// chunks from a previous ingestion of the same contract.
func (s *SQLiteStore) SaveChunks(ctx context.Context, contractID string, chunks []domain.Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save chunks for %s: %w", contractID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE contract_id = ?`, contractID); err != nil {
		return fmt.Errorf("store: clear chunks for %s: %w", contractID, err)
	}
	const q = `INSERT INTO chunks (id, contract_id, text, start_offset, end_offset, sequence_index)
               VALUES (?, ?, ?, ?, ?, ?)`
	for _, ch := range chunks {
		if _, err := tx.ExecContext(ctx, q, ch.ID, contractID, ch.Text, ch.StartOffset, ch.EndOffset, ch.SequenceIndex); err != nil {
			return fmt.Errorf("store: insert chunk %s: %w", ch.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit chunks for %s: %w", contractID, err)
	}
	return nil
}

// GetChunks returns a contract's chunks in document order.
func (s *SQLiteStore) GetChunks(ctx context.Context, contractID string) ([]domain.Chunk, error) {
	const q = `SELECT id, text, start_offset, end_offset, sequence_index FROM chunks
               WHERE contract_id = ? ORDER BY sequence_index`
	rows, err := s.db.QueryContext(ctx, q, contractID)
	if err != nil {
		return nil, fmt.Errorf("store: get chunks for %s: %w", contractID, err)
	}
	defer func() { _ = rows.Close() }()

	var chunks []domain.Chunk
	for rows.Next() {
		ch := domain.Chunk{ContractID: contractID}
		if err := rows.Scan(&ch.ID, &ch.Text, &ch.StartOffset, &ch.EndOffset, &ch.SequenceIndex); err != nil {
			return nil, fmt.Errorf("store: scan chunk: %w", err)
		}
		chunks = append(chunks, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate chunks: %w", err)
	}
	return chunks, nil
}

// SaveReport persists the latest validation report for a contract,
// replacing any previous run.
func (s *SQLiteStore) SaveReport(ctx context.Context, report domain.ContractReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("store: marshal report for %s: %w", report.ContractID, err)
	}
	const q = `INSERT OR REPLACE INTO reports (contract_id, payload, generated_at) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, report.ContractID, string(payload), report.GeneratedAt.Unix()); err != nil {
		return fmt.Errorf("store: save report for %s: %w", report.ContractID, err)
	}
	return nil
}

// GetReport returns the latest report for a contract, or ErrNotFound.
func (s *SQLiteStore) GetReport(ctx context.Context, contractID string) (domain.ContractReport, error) {
	const q = `SELECT payload FROM reports WHERE contract_id = ?`
	var payload string
	err := s.db.QueryRowContext(ctx, q, contractID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ContractReport{}, ErrNotFound
	}
	if err != nil {
		return domain.ContractReport{}, fmt.Errorf("store: get report for %s: %w", contractID, err)
	}
	var report domain.ContractReport
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		return domain.ContractReport{}, fmt.Errorf("store: unmarshal report for %s: %w", contractID, err)
	}
	return report, nil
}

// Append persists a single chat message for the given contract.
func (s *SQLiteStore) Append(ctx context.Context, contractID string, role Role, content string) error {
	const q = `INSERT INTO chat_messages (contract_id, role, content, created_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, contractID, string(role), content, time.Now().Unix()); err != nil {
		return fmt.Errorf("store: append chat message: %w", err)
	}
	return nil
}

// Recent returns the most recent n chat messages for the contract, ordered
// oldest-first. Uses a subquery to select the tail then re-order for injection.
func (s *SQLiteStore) Recent(ctx context.Context, contractID string, n int) ([]Message, error) {
	const q = `SELECT role, content, created_at FROM (
                   SELECT id, role, content, created_at FROM chat_messages
                   WHERE contract_id = ? ORDER BY id DESC LIMIT ?
               ) ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, q, contractID, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent chat messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []Message
	for rows.Next() {
		var (
			m         Message
			role      string
			createdAt int64
		)
		if err := rows.Scan(&role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan chat message: %w", err)
		}
		m.Role = Role(role)
		m.CreatedAt = time.Unix(createdAt, 0).UTC()
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate chat messages: %w", err)
	}
	return messages, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
