package ledger

import (
	"fmt"
	"time"

	"github.com/warp/stock-ledger/branch"
)

// Source tags written on every Move.
const (
	SourceAdjust     = "adjust"
	SourceBulkAdjust = "bulk-adjust"
)

// =============================================================================
// STOCK RECORD
// =============================================================================

// StockRecord is the persisted counter for one (branch, product). Absent
// records read as stock 0.
type StockRecord struct {
	TenantID  string    `json:"tenantId"`
	Branch    string    `json:"branch"`
	ProductID string    `json:"productId"`
	Stock     int64     `json:"stock"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StockKey is the document key of a stock record: {branch}_{productId}.
func StockKey(b branch.Branch, productID string) string {
	return fmt.Sprintf("%s_%s", b, productID)
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

// Item is one requested change in a bulk adjustment.
type Item struct {
	ProductID string `json:"productId"`
	Delta     int64  `json:"delta"`
}

// Change reports the effect of an adjustment on one product. Delta is the
// requested (net) delta; the applied delta may be smaller when the floor
// clamp engages.
type Change struct {
	Before int64 `json:"before"`
	After  int64 `json:"after"`
	Delta  int64 `json:"delta"`
}

// Applied returns the delta that actually landed.
func (c Change) Applied() int64 {
	return c.After - c.Before
}

// Clamped reports whether the floor cut the requested delta short.
func (c Change) Clamped() bool {
	return c.Applied() != c.Delta
}

// BulkResult maps product ID to its change.
type BulkResult struct {
	Results map[string]Change `json:"results"`
}

// MergeItems sums deltas per product, keeping first-seen order. Duplicates
// must be merged before a transaction so each product is clamped once.
func MergeItems(items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, &ArgumentError{Field: "items", Reason: "must not be empty"}
	}
	index := make(map[string]int, len(items))
	merged := make([]Item, 0, len(items))
	for i, it := range items {
		if it.ProductID == "" {
			return nil, required(fmt.Sprintf("items[%d].productId", i))
		}
		if pos, ok := index[it.ProductID]; ok {
			merged[pos].Delta += it.Delta
			continue
		}
		index[it.ProductID] = len(merged)
		merged = append(merged, it)
	}
	return merged, nil
}

// =============================================================================
// MOVES
// =============================================================================

// Move is one audit entry in branchStockMoves. Informational only.
type Move struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	Branch      string    `json:"branch"`
	ProductID   string    `json:"productId"`
	Delta       int64     `json:"delta"`
	StockBefore int64     `json:"stockBefore"`
	StockAfter  int64     `json:"stockAfter"`
	DeviceID    string    `json:"deviceId,omitempty"`
	Source      string    `json:"source"`
	Timestamp   time.Time `json:"timestamp"`
}
