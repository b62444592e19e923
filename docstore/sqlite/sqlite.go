/*
Package sqlite provides a SQLite-backed implementation of docstore.Store.

PURPOSE:
  Durable document storage for a single terminal or a small back office.
  Every collection lives in one table; documents are stored as JSON text
  with a version counter used for optimistic concurrency.

KEY TABLES:
  documents: (collection, key) -> data JSON, version, timestamps

TRANSACTIONS:
  WithTransaction opens BEGIN IMMEDIATE (via _txlock=immediate), so writers
  from other processes wait on busy_timeout instead of interleaving. Reads
  record the version they saw; on commit each observed version is checked
  again and writes are upserted with version+1. A changed version or a
  SQLITE_BUSY/LOCKED error becomes docstore.ErrConflict and the attempt is
  retried by the store's RetryPolicy.

QUERIES:
  Query uses json_extract(data, '$.field') = ? and is served by the
  collection index. Field names are restricted to [A-Za-z0-9_].

CONCURRENCY:
  Uses sync.RWMutex for in-process writers, like the append-only ledger
  store this package grew out of. Cross-process safety comes from SQLite
  locking plus the version check.

USAGE:
  store, err := sqlite.New("./data/ledger.db", docstore.DefaultRetryPolicy())
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - docstore/docstore.go: Interface definitions
  - docstore/memory/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/warp/stock-ledger/docstore"
)

var fieldPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Store implements docstore.Store using SQLite.
type Store struct {
	db    *sql.DB
	mu    sync.RWMutex
	retry docstore.RetryPolicy
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, retry docstore.RetryPolicy) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, retry: retry}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		key TEXT NOT NULL,
		data TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (collection, key)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_collection
		ON documents(collection);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// READS
// =============================================================================

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Get reads a single document.
func (s *Store) Get(ctx context.Context, collection, key string) (docstore.Document, bool, error) {
	if err := docstore.ValidateKey(collection, key); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, _, found, err := getDoc(ctx, s.db, collection, key)
	return doc, found, err
}

func getDoc(ctx context.Context, q queryer, collection, key string) (docstore.Document, uint64, bool, error) {
	var (
		data    string
		version uint64
	)
	err := q.QueryRowContext(ctx,
		"SELECT data, version FROM documents WHERE collection = ? AND key = ?",
		collection, key,
	).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, mapError(fmt.Errorf("failed to read document %s/%s: %w", collection, key, err))
	}

	doc, err := docstore.Unmarshal([]byte(data))
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to decode document %s/%s: %w", collection, key, err)
	}
	return doc, version, true, nil
}

// Query returns documents in collection whose field equals value.
func (s *Store) Query(ctx context.Context, collection, field string, value any) ([]docstore.Snapshot, error) {
	if !fieldPattern.MatchString(field) {
		return nil, fmt.Errorf("invalid query field %q", field)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT key, data FROM documents WHERE collection = ? AND json_extract(data, ?) = ? ORDER BY key",
		collection, "$."+field, value,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var result []docstore.Snapshot
	for rows.Next() {
		var key, data string
		if err := rows.Scan(&key, &data); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc, err := docstore.Unmarshal([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode document %s/%s: %w", collection, key, err)
		}
		result = append(result, docstore.Snapshot{Key: key, Data: doc})
	}
	return result, rows.Err()
}

// =============================================================================
// WRITES
// =============================================================================

// Append stores doc under a generated key.
func (s *Store) Append(ctx context.Context, collection string, doc docstore.Document) (string, error) {
	key := uuid.NewString()
	if err := docstore.ValidateKey(collection, key); err != nil {
		return "", err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO documents (collection, key, data, version, created_at, updated_at) VALUES (?, ?, ?, 1, ?, ?)",
		collection, key, string(data), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("failed to append document: %w", err)
	}
	return key, nil
}

// WithTransaction executes fn within a database transaction, retrying on conflict.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.retry.Run(ctx, func(int) error {
		return s.attempt(ctx, fn)
	})
}

func (s *Store) attempt(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	view := &txView{
		tx:      sqlTx,
		reads:   make(map[docKey]uint64),
		pending: make(map[docKey]docstore.Document),
	}
	if err := fn(ctx, view); err != nil {
		return err
	}
	if err := view.flush(ctx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// =============================================================================
// TRANSACTION VIEW (docstore.Tx)
// =============================================================================

type docKey struct {
	collection string
	key        string
}

type txView struct {
	tx      *sql.Tx
	reads   map[docKey]uint64
	pending map[docKey]docstore.Document
	order   []docKey
}

func (tv *txView) Get(ctx context.Context, collection, key string) (docstore.Document, bool, error) {
	if err := docstore.ValidateKey(collection, key); err != nil {
		return nil, false, err
	}
	k := docKey{collection: collection, key: key}
	if doc, ok := tv.pending[k]; ok {
		return docstore.Clone(doc), true, nil
	}

	doc, version, found, err := getDoc(ctx, tv.tx, collection, key)
	if err != nil {
		return nil, false, err
	}
	if _, seen := tv.reads[k]; !seen {
		tv.reads[k] = version
	}
	return doc, found, nil
}

func (tv *txView) Set(ctx context.Context, collection, key string, doc docstore.Document, opts docstore.SetOptions) error {
	if err := docstore.ValidateKey(collection, key); err != nil {
		return err
	}
	k := docKey{collection: collection, key: key}

	next := docstore.Clone(doc)
	if opts.Merge {
		base, _, err := tv.Get(ctx, collection, key)
		if err != nil {
			return err
		}
		next = docstore.MergeInto(base, doc)
	}
	if _, queued := tv.pending[k]; !queued {
		tv.order = append(tv.order, k)
	}
	tv.pending[k] = next
	return nil
}

// flush validates the read set and writes every pending document.
func (tv *txView) flush(ctx context.Context) error {
	for k, seen := range tv.reads {
		var current uint64
		err := tv.tx.QueryRowContext(ctx,
			"SELECT version FROM documents WHERE collection = ? AND key = ?",
			k.collection, k.key,
		).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return mapError(fmt.Errorf("failed to validate %s/%s: %w", k.collection, k.key, err))
		}
		if current != seen {
			return docstore.ErrConflict
		}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, k := range tv.order {
		data, err := json.Marshal(tv.pending[k])
		if err != nil {
			return fmt.Errorf("failed to encode document %s/%s: %w", k.collection, k.key, err)
		}
		_, err = tv.tx.ExecContext(ctx, `
			INSERT INTO documents (collection, key, data, version, created_at, updated_at)
			VALUES (?, ?, ?, 1, ?, ?)
			ON CONFLICT(collection, key) DO UPDATE SET
				data = excluded.data,
				version = documents.version + 1,
				updated_at = excluded.updated_at
		`, k.collection, k.key, string(data), now, now)
		if err != nil {
			return mapError(fmt.Errorf("failed to write %s/%s: %w", k.collection, k.key, err))
		}
	}
	return nil
}

// Helper functions

// mapError turns SQLite lock contention into a retryable conflict.
func mapError(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", docstore.ErrConflict, err)
	}
	return err
}
