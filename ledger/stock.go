package ledger

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/warp/stock-ledger/branch"
	"github.com/warp/stock-ledger/docstore"
)

// Collections owned by the ledger.
const (
	CollectionStocks = "branchStocks"
	CollectionMoves  = "branchStockMoves"
)

// =============================================================================
// STOCK REPOSITORY - reads
// =============================================================================

// StockRepository reads stock records. Writes only happen through
// applyDelta/applyDeltas inside a transaction owned by Service.
type StockRepository struct {
	store docstore.Store
}

func NewStockRepository(store docstore.Store) *StockRepository {
	return &StockRepository{store: store}
}

// Get returns the current stock, 0 when no record exists.
func (r *StockRepository) Get(ctx context.Context, b branch.Branch, productID string) (int64, error) {
	doc, found, err := r.store.Get(ctx, CollectionStocks, StockKey(b, productID))
	if err != nil {
		return 0, fmt.Errorf("read stock %s/%s: %w", b, productID, err)
	}
	if !found {
		return 0, nil
	}
	rec, err := decodeStock(doc)
	if err != nil {
		return 0, err
	}
	return rec.Stock, nil
}

// Map returns every product's stock for a branch. Eventually consistent
// with concurrent writers; meant for listings.
func (r *StockRepository) Map(ctx context.Context, b branch.Branch) (map[string]int64, error) {
	snaps, err := r.store.Query(ctx, CollectionStocks, "branch", string(b))
	if err != nil {
		return nil, fmt.Errorf("query stock for %s: %w", b, err)
	}
	prefix := string(b) + "_"
	out := make(map[string]int64, len(snaps))
	for _, snap := range snaps {
		rec, err := decodeStock(snap.Data)
		if err != nil {
			return nil, err
		}
		productID := rec.ProductID
		if productID == "" {
			productID = strings.TrimPrefix(snap.Key, prefix)
		}
		out[productID] = rec.Stock
	}
	return out, nil
}

func decodeStock(doc docstore.Document) (StockRecord, error) {
	var rec StockRecord
	if err := docstore.Decode(doc, &rec); err != nil {
		return StockRecord{}, err
	}
	if rec.Stock < 0 {
		rec.Stock = 0
	}
	return rec, nil
}

// =============================================================================
// TRANSACTIONAL WRITES
// =============================================================================

// clamp computes max(0, before+delta) without overflowing.
func clamp(before, delta int64) int64 {
	if delta > 0 && before > math.MaxInt64-delta {
		return math.MaxInt64
	}
	after := before + delta
	if after < 0 {
		return 0
	}
	return after
}

func readStock(ctx context.Context, tx docstore.Tx, b branch.Branch, productID string) (int64, error) {
	doc, found, err := tx.Get(ctx, CollectionStocks, StockKey(b, productID))
	if err != nil || !found {
		return 0, err
	}
	rec, err := decodeStock(doc)
	if err != nil {
		return 0, err
	}
	return rec.Stock, nil
}

func writeStock(ctx context.Context, tx docstore.Tx, rec StockRecord) error {
	doc, err := docstore.Encode(rec)
	if err != nil {
		return err
	}
	return tx.Set(ctx, CollectionStocks, StockKey(branch.Branch(rec.Branch), rec.ProductID), doc, docstore.MergeAll)
}

// applyDelta is the atomic unit: read, clamp, write, all inside tx.
func applyDelta(ctx context.Context, tx docstore.Tx, tenantID string, b branch.Branch, productID string, delta int64, now time.Time) (Change, error) {
	results, err := applyDeltas(ctx, tx, tenantID, b, []Item{{ProductID: productID, Delta: delta}}, now)
	if err != nil {
		return Change{}, err
	}
	return results[productID], nil
}

// applyDeltas reads every target before writing any of them. items must
// already be merged. A zero net delta is read and reported but not written.
func applyDeltas(ctx context.Context, tx docstore.Tx, tenantID string, b branch.Branch, items []Item, now time.Time) (map[string]Change, error) {
	results := make(map[string]Change, len(items))
	for _, it := range items {
		before, err := readStock(ctx, tx, b, it.ProductID)
		if err != nil {
			return nil, err
		}
		results[it.ProductID] = Change{Before: before, After: clamp(before, it.Delta), Delta: it.Delta}
	}

	for _, it := range items {
		if it.Delta == 0 {
			continue
		}
		rec := StockRecord{
			TenantID:  tenantID,
			Branch:    string(b),
			ProductID: it.ProductID,
			Stock:     results[it.ProductID].After,
			UpdatedAt: now,
		}
		if err := writeStock(ctx, tx, rec); err != nil {
			return nil, err
		}
	}
	return results, nil
}
