package costalloc

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/warp/stock-ledger/docstore"
	"github.com/warp/stock-ledger/ledger"
)

// CollectionSagas holds one intent record per saga, keyed by saga ID.
const CollectionSagas = "costSagas"

// Status of a saga intent. Only pending is non-terminal.
type Status string

const (
	StatusPending      Status = "pending"
	StatusCompleted    Status = "completed"
	StatusAborted      Status = "aborted"
	StatusCompensated  Status = "compensated"
	StatusInconsistent Status = "inconsistent"
	StatusOrphaned     Status = "orphaned"
)

// ParseStatus accepts a known status name.
func ParseStatus(v string) (Status, bool) {
	switch s := Status(v); s {
	case StatusPending, StatusCompleted, StatusAborted, StatusCompensated, StatusInconsistent, StatusOrphaned:
		return s, true
	}
	return "", false
}

// Intent is written before the first side effect so a crash between the
// deduction and the cost record leaves a trace.
type Intent struct {
	ID        string        `json:"id"`
	TenantID  string        `json:"tenantId"`
	Branch    string        `json:"branch"`
	DeviceID  string        `json:"deviceId,omitempty"`
	Items     []ledger.Item `json:"items"`
	Status    Status        `json:"status"`
	Detail    string        `json:"detail,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// =============================================================================
// INTENT STORE
// =============================================================================

type IntentStore struct {
	store docstore.Store
	Now   func() time.Time
}

func NewIntentStore(store docstore.Store) *IntentStore {
	return &IntentStore{store: store, Now: time.Now}
}

// Begin writes a pending intent. A reused ID fails with ErrDuplicateSaga.
func (s *IntentStore) Begin(ctx context.Context, intent Intent) error {
	now := s.Now().UTC()
	intent.Status = StatusPending
	intent.CreatedAt = now
	intent.UpdatedAt = now
	doc, err := docstore.Encode(intent)
	if err != nil {
		return err
	}
	return s.store.WithTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		_, found, err := tx.Get(ctx, CollectionSagas, intent.ID)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("%w: %s", ErrDuplicateSaga, intent.ID)
		}
		return tx.Set(ctx, CollectionSagas, intent.ID, doc, docstore.SetOptions{})
	})
}

// Transition moves an intent from one status to another. It reports false,
// without writing, when the intent is missing or no longer in from.
func (s *IntentStore) Transition(ctx context.Context, id string, from, to Status, detail string) (bool, error) {
	changed := false
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		changed = false
		doc, found, err := tx.Get(ctx, CollectionSagas, id)
		if err != nil || !found {
			return err
		}
		if current, _ := doc["status"].(string); Status(current) != from {
			return nil
		}
		patch := docstore.Document{
			"status":    string(to),
			"updatedAt": s.Now().UTC().Format(time.RFC3339Nano),
		}
		if detail != "" {
			patch["detail"] = detail
		}
		changed = true
		return tx.Set(ctx, CollectionSagas, id, patch, docstore.MergeAll)
	})
	return changed, err
}

// Get returns one intent.
func (s *IntentStore) Get(ctx context.Context, id string) (Intent, bool, error) {
	doc, found, err := s.store.Get(ctx, CollectionSagas, id)
	if err != nil || !found {
		return Intent{}, false, err
	}
	var intent Intent
	if err := docstore.Decode(doc, &intent); err != nil {
		return Intent{}, false, err
	}
	return intent, true, nil
}

// List returns intents with the given status, oldest first.
func (s *IntentStore) List(ctx context.Context, status Status) ([]Intent, error) {
	snaps, err := s.store.Query(ctx, CollectionSagas, "status", string(status))
	if err != nil {
		return nil, fmt.Errorf("query saga intents: %w", err)
	}
	out := make([]Intent, 0, len(snaps))
	for _, snap := range snaps {
		var intent Intent
		if err := docstore.Decode(snap.Data, &intent); err != nil {
			return nil, err
		}
		out = append(out, intent)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
