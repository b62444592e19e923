package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/warp/stock-ledger/branch"
	"github.com/warp/stock-ledger/docstore"
)

// =============================================================================
// MOVE LOG - append-only audit trail
// =============================================================================

// MoveLog receives one entry per product touched by a committed adjustment.
// Implementations may fail; the Service logs and drops such failures.
type MoveLog interface {
	Record(ctx context.Context, m Move) error
}

// StoreMoveLog appends moves to branchStockMoves.
type StoreMoveLog struct {
	store docstore.Store
}

func NewStoreMoveLog(store docstore.Store) *StoreMoveLog {
	return &StoreMoveLog{store: store}
}

func (l *StoreMoveLog) Record(ctx context.Context, m Move) error {
	doc, err := docstore.Encode(m)
	if err != nil {
		return err
	}
	if _, err := l.store.Append(ctx, CollectionMoves, doc); err != nil {
		return fmt.Errorf("append move: %w", err)
	}
	return nil
}

// List returns the moves of a branch, oldest first. An empty productID
// returns every product.
func (l *StoreMoveLog) List(ctx context.Context, b branch.Branch, productID string) ([]Move, error) {
	snaps, err := l.store.Query(ctx, CollectionMoves, "branch", string(b))
	if err != nil {
		return nil, fmt.Errorf("query moves for %s: %w", b, err)
	}
	moves := make([]Move, 0, len(snaps))
	for _, snap := range snaps {
		var m Move
		if err := docstore.Decode(snap.Data, &m); err != nil {
			return nil, err
		}
		if productID != "" && m.ProductID != productID {
			continue
		}
		if m.ID == "" {
			m.ID = snap.Key
		}
		moves = append(moves, m)
	}
	sort.SliceStable(moves, func(i, j int) bool {
		return moves[i].Timestamp.Before(moves[j].Timestamp)
	})
	return moves, nil
}
