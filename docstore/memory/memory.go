// Package memory provides an in-memory docstore.Store (for testing/dev).
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/warp/stock-ledger/docstore"
)

// =============================================================================
// MEMORY STORE - In-memory implementation with optimistic transactions
// =============================================================================

// Hooks let tests inject faults at the points where a remote store can fail.
type Hooks struct {
	// BeforeCommit runs after the transaction function succeeded and before
	// its writes are validated. A non-nil error aborts the attempt.
	BeforeCommit func(attempt int) error

	// BeforeAppend runs before Append stores a document.
	BeforeAppend func(collection string, doc docstore.Document) error
}

type Memory struct {
	mu    sync.RWMutex
	docs  map[key]entry
	retry docstore.RetryPolicy
	hooks Hooks
}

type key struct {
	Collection string
	ID         string
}

type entry struct {
	data    docstore.Document
	version uint64
}

// Option configures a Memory store.
type Option func(*Memory)

// WithRetryPolicy overrides the transaction retry budget.
func WithRetryPolicy(p docstore.RetryPolicy) Option {
	return func(m *Memory) { m.retry = p }
}

// WithHooks installs fault-injection hooks.
func WithHooks(h Hooks) Option {
	return func(m *Memory) { m.hooks = h }
}

func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		docs:  make(map[key]entry),
		retry: docstore.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetHooks replaces the fault-injection hooks.
func (m *Memory) SetHooks(h Hooks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = h
}

func (m *Memory) currentHooks() Hooks {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hooks
}

// Put writes a document directly, as a concurrent writer would.
func (m *Memory) Put(collection, id string, doc docstore.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{Collection: collection, ID: id}
	e := m.docs[k]
	m.docs[k] = entry{data: docstore.Clone(doc), version: e.version + 1}
}

// Len returns the number of documents in a collection.
func (m *Memory) Len(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for k := range m.docs {
		if k.Collection == collection {
			n++
		}
	}
	return n
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) Get(_ context.Context, collection, id string) (docstore.Document, bool, error) {
	if err := docstore.ValidateKey(collection, id); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.docs[key{Collection: collection, ID: id}]
	if !ok {
		return nil, false, nil
	}
	return docstore.Clone(e.data), true, nil
}

func (m *Memory) Query(_ context.Context, collection, field string, value any) ([]docstore.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []docstore.Snapshot
	for k, e := range m.docs {
		if k.Collection != collection {
			continue
		}
		v, ok := e.data[field]
		if !ok || !docstore.ValuesEqual(v, value) {
			continue
		}
		result = append(result, docstore.Snapshot{Key: k.ID, Data: docstore.Clone(e.data)})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// =============================================================================
// WRITES
// =============================================================================

// Append stores doc under a generated key. Append-only.
func (m *Memory) Append(_ context.Context, collection string, doc docstore.Document) (string, error) {
	if hook := m.currentHooks().BeforeAppend; hook != nil {
		if err := hook(collection, doc); err != nil {
			return "", err
		}
	}

	id := uuid.NewString()
	if err := docstore.ValidateKey(collection, id); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[key{Collection: collection, ID: id}] = entry{data: docstore.Clone(doc), version: 1}
	return id, nil
}

// WithTransaction runs fn against a private view. Reads record the version
// they saw; writes are buffered and applied only if no read went stale.
func (m *Memory) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	return m.retry.Run(ctx, func(attempt int) error {
		view := &txView{
			parent:  m,
			reads:   make(map[key]uint64),
			pending: make(map[key]docstore.Document),
		}
		if err := fn(ctx, view); err != nil {
			return err
		}
		if hook := m.currentHooks().BeforeCommit; hook != nil {
			if err := hook(attempt); err != nil {
				return err
			}
		}
		return m.commit(view)
	})
}

func (m *Memory) commit(view *txView) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate the read set (atomic check)
	for k, seen := range view.reads {
		if m.docs[k].version != seen {
			return docstore.ErrConflict
		}
	}

	// Apply all (atomic write)
	for _, w := range view.writes {
		e := m.docs[w.key]
		data := docstore.Clone(w.doc)
		if w.merge {
			data = docstore.MergeInto(e.data, w.doc)
		}
		m.docs[w.key] = entry{data: data, version: e.version + 1}
	}
	return nil
}

// =============================================================================
// TRANSACTION VIEW
// =============================================================================

type txView struct {
	parent  *Memory
	reads   map[key]uint64
	writes  []write
	pending map[key]docstore.Document // read-your-writes overlay
}

type write struct {
	key   key
	doc   docstore.Document
	merge bool
}

func (tv *txView) Get(_ context.Context, collection, id string) (docstore.Document, bool, error) {
	if err := docstore.ValidateKey(collection, id); err != nil {
		return nil, false, err
	}
	k := key{Collection: collection, ID: id}
	if doc, ok := tv.pending[k]; ok {
		return docstore.Clone(doc), true, nil
	}

	tv.parent.mu.RLock()
	e, ok := tv.parent.docs[k]
	tv.parent.mu.RUnlock()

	if _, seen := tv.reads[k]; !seen {
		tv.reads[k] = e.version
	}
	if !ok {
		return nil, false, nil
	}
	return docstore.Clone(e.data), true, nil
}

func (tv *txView) Set(ctx context.Context, collection, id string, doc docstore.Document, opts docstore.SetOptions) error {
	if err := docstore.ValidateKey(collection, id); err != nil {
		return err
	}
	k := key{Collection: collection, ID: id}

	next := docstore.Clone(doc)
	if opts.Merge {
		base, _, err := tv.Get(ctx, collection, id)
		if err != nil {
			return err
		}
		next = docstore.MergeInto(base, doc)
	}
	tv.pending[k] = next
	tv.writes = append(tv.writes, write{key: k, doc: docstore.Clone(doc), merge: opts.Merge})
	return nil
}
