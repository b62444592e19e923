package costalloc

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/ledger"
)

// Move source tags for the saga's two ledger calls.
const (
	SourceCostAllocation = "cari-maliyet"
	SourceCompensation   = "cari-maliyet-iade"
)

// =============================================================================
// REQUEST
// =============================================================================

// Line is one consumed product with its unit cost.
type Line struct {
	ProductID string          `json:"productId"`
	Quantity  int64           `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unitCost"`
	Note      string          `json:"note,omitempty"`
}

// Total is UnitCost × Quantity.
func (l Line) Total() decimal.Decimal {
	return l.UnitCost.Mul(decimal.NewFromInt(l.Quantity))
}

// Request is one cost allocation. ID doubles as the saga ID; an empty ID
// is generated.
type Request struct {
	ID    string       `json:"id"`
	Scope ledger.Scope `json:"scope"`
	Lines []Line       `json:"lines"`
	Note  string       `json:"note,omitempty"`
}

// Validate rejects requests before any I/O.
func (r Request) Validate() error {
	if err := r.Scope.Validate(); err != nil {
		return err
	}
	if len(r.Lines) == 0 {
		return &ledger.ArgumentError{Field: "lines", Reason: "must not be empty"}
	}
	for i, l := range r.Lines {
		switch {
		case l.ProductID == "":
			return &ledger.ArgumentError{Field: fmt.Sprintf("lines[%d].productId", i), Reason: "is required"}
		case l.Quantity <= 0:
			return &ledger.ArgumentError{Field: fmt.Sprintf("lines[%d].quantity", i), Reason: "must be positive"}
		case l.UnitCost.IsNegative():
			return &ledger.ArgumentError{Field: fmt.Sprintf("lines[%d].unitCost", i), Reason: "must not be negative"}
		}
	}
	return nil
}

// deductions converts lines to merged negative deltas.
func (r Request) deductions() ([]ledger.Item, error) {
	items := make([]ledger.Item, 0, len(r.Lines))
	for _, l := range r.Lines {
		items = append(items, ledger.Item{ProductID: l.ProductID, Delta: -l.Quantity})
	}
	return ledger.MergeItems(items)
}

// =============================================================================
// RESULT
// =============================================================================

// Entry is one persisted cost record, one per request line.
type Entry struct {
	ID        string          `json:"id"`
	SagaID    string          `json:"sagaId"`
	TenantID  string          `json:"tenantId"`
	Branch    string          `json:"branch"`
	ProductID string          `json:"productId"`
	Quantity  int64           `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unitCost"`
	Total     decimal.Decimal `json:"total"`
	Note      string          `json:"note,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Result is returned by a completed saga.
type Result struct {
	SagaID  string            `json:"sagaId"`
	Stock   ledger.BulkResult `json:"stock"`
	Entries []Entry           `json:"entries"`
	Total   decimal.Decimal   `json:"total"`
}
