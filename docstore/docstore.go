/*
Package docstore defines the document database contract the ledger runs on.

PURPOSE:
  The stock ledger never talks to a concrete database. It talks to a small
  transactional document store: collections of JSON-like documents addressed
  by (collection, key). Implementations live in sub-packages:
  - docstore/memory: in-process store used by tests and demo mode
  - docstore/sqlite: durable single-file store

KEY INTERFACES:
  Store: WithTransaction, Get, Query, Append
  Tx:    Get and Set (optionally merging) inside a transaction

TRANSACTION CONTRACT:
  WithTransaction runs fn with optimistic concurrency:
  - every Get inside fn is remembered with the version it observed
  - every Set is buffered until fn returns nil
  - at commit, if any observed document changed, the attempt is discarded
    and fn runs again (bounded by RetryPolicy)
  - either all buffered writes land or none do
  fn MUST be safe to run more than once. Side effects (logging, audit
  appends) belong after WithTransaction returns.

APPEND:
  Append creates a brand-new document with a generated key. It is used for
  append-only collections (stock moves) and is never part of a transaction.

SEE ALSO:
  - errors.go: ErrConflict, ErrTransactionFailed, TransactionError
  - retry.go: RetryPolicy
  - ledger/stock.go: the main consumer of Tx
*/
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// =============================================================================
// DOCUMENTS
// =============================================================================

// Document is a schemaless record. Values must be JSON-compatible.
type Document map[string]any

// Snapshot is a document returned by a query, together with its key.
type Snapshot struct {
	Key  string
	Data Document
}

// SetOptions controls how Tx.Set treats an existing document.
type SetOptions struct {
	// Merge keeps fields of the existing document that are not present
	// in the new one. Without Merge the document is replaced.
	Merge bool
}

// MergeAll is the common upsert option.
var MergeAll = SetOptions{Merge: true}

// =============================================================================
// STORE INTERFACES
// =============================================================================

// Tx is the handle passed to a transaction function.
type Tx interface {
	// Get reads a document. found is false when the document does not exist.
	Get(ctx context.Context, collection, key string) (doc Document, found bool, err error)

	// Set buffers a write that is applied on commit.
	Set(ctx context.Context, collection, key string, doc Document, opts SetOptions) error
}

// Store is a transactional document database.
type Store interface {
	// WithTransaction executes fn atomically, retrying on conflicts.
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Get reads a single document outside any transaction.
	Get(ctx context.Context, collection, key string) (Document, bool, error)

	// Query returns all documents in collection whose field equals value.
	Query(ctx context.Context, collection, field string, value any) ([]Snapshot, error)

	// Append creates a new document with a generated key and returns the key.
	Append(ctx context.Context, collection string, doc Document) (string, error)
}

// =============================================================================
// ENCODING HELPERS
// =============================================================================

// Encode converts a tagged struct into a Document via its JSON form.
// Numbers are kept as json.Number so int64 values survive exactly.
func Encode(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	doc, err := Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return doc, nil
}

// Decode fills v from a Document via its JSON form.
func Decode(doc Document, v any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// Unmarshal parses stored JSON into a Document, keeping numbers as
// json.Number instead of float64.
func Unmarshal(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Clone returns a shallow copy of doc, or nil for a nil doc.
func Clone(doc Document) Document {
	if doc == nil {
		return nil
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// MergeInto applies patch over base and returns the result. base is not modified.
func MergeInto(base, patch Document) Document {
	out := Clone(base)
	if out == nil {
		out = make(Document, len(patch))
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// ValuesEqual compares two document values the way an equality filter does.
// Numbers compare by value regardless of their Go type.
func ValuesEqual(a, b any) bool {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		return fa == fb
	}
	if aNum != bNum {
		return false
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
