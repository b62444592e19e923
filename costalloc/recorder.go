package costalloc

import (
	"context"
	"fmt"

	"github.com/warp/stock-ledger/docstore"
)

// CollectionEntries holds cost records keyed by entry ID.
const CollectionEntries = "costEntries"

// Recorder persists the cost side of an allocation. It runs after the
// stock deduction; a failure triggers compensation.
type Recorder interface {
	Record(ctx context.Context, entries []Entry) error
}

// StoreRecorder writes all entries of one allocation in a single transaction.
type StoreRecorder struct {
	store docstore.Store
}

func NewStoreRecorder(store docstore.Store) *StoreRecorder {
	return &StoreRecorder{store: store}
}

func (r *StoreRecorder) Record(ctx context.Context, entries []Entry) error {
	docs := make([]docstore.Document, len(entries))
	for i, e := range entries {
		doc, err := docstore.Encode(e)
		if err != nil {
			return err
		}
		docs[i] = doc
	}
	err := r.store.WithTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		for i, e := range entries {
			if err := tx.Set(ctx, CollectionEntries, e.ID, docs[i], docstore.SetOptions{}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write cost entries: %w", err)
	}
	return nil
}

// List returns the entries written by one saga.
func (r *StoreRecorder) List(ctx context.Context, sagaID string) ([]Entry, error) {
	snaps, err := r.store.Query(ctx, CollectionEntries, "sagaId", sagaID)
	if err != nil {
		return nil, fmt.Errorf("query cost entries: %w", err)
	}
	entries := make([]Entry, 0, len(snaps))
	for _, snap := range snaps {
		var e Entry
		if err := docstore.Decode(snap.Data, &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
