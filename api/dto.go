/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP API, decoupled from the ledger's domain types.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Wrappers

VALIDATION:
  Request types carry go-playground/validator tags checked by decodeJSON.
  Domain rules (branch membership, clamp, saga state) stay in the domain
  packages.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/branch"
	"github.com/warp/stock-ledger/costalloc"
	"github.com/warp/stock-ledger/ledger"
)

// =============================================================================
// STOCK
// =============================================================================

type BranchesResponse struct {
	Branches []string `json:"branches"`
}

type StockDTO struct {
	Branch    string `json:"branch"`
	ProductID string `json:"productId"`
	Stock     int64  `json:"stock"`
}

type StockMapResponse struct {
	Branch string           `json:"branch"`
	Stock  map[string]int64 `json:"stock"`
}

// AdjustmentRequest is the body of POST /branches/{branch}/adjustments.
type AdjustmentRequest struct {
	TenantID  string `json:"tenantId" validate:"required"`
	ProductID string `json:"productId" validate:"required"`
	Delta     int64  `json:"delta" validate:"required"`
	DeviceID  string `json:"deviceId"`
}

type ItemRequest struct {
	ProductID string `json:"productId" validate:"required"`
	Delta     int64  `json:"delta"`
}

// BulkAdjustmentRequest is the body of POST /branches/{branch}/adjustments/bulk.
type BulkAdjustmentRequest struct {
	TenantID string        `json:"tenantId" validate:"required"`
	Items    []ItemRequest `json:"items" validate:"required,min=1,dive"`
	DeviceID string        `json:"deviceId"`
}

func (r BulkAdjustmentRequest) items() []ledger.Item {
	items := make([]ledger.Item, len(r.Items))
	for i, it := range r.Items {
		items[i] = ledger.Item{ProductID: it.ProductID, Delta: it.Delta}
	}
	return items
}

type ChangeDTO struct {
	Before  int64 `json:"before"`
	After   int64 `json:"after"`
	Delta   int64 `json:"delta"`
	Applied int64 `json:"applied"`
	Clamped bool  `json:"clamped"`
}

func toChangeDTO(c ledger.Change) ChangeDTO {
	return ChangeDTO{Before: c.Before, After: c.After, Delta: c.Delta, Applied: c.Applied(), Clamped: c.Clamped()}
}

type AdjustmentResponse struct {
	Branch    string `json:"branch"`
	ProductID string `json:"productId"`
	ChangeDTO
}

type BulkAdjustmentResponse struct {
	Branch  string               `json:"branch"`
	Results map[string]ChangeDTO `json:"results"`
}

func toResultDTOs(res ledger.BulkResult) map[string]ChangeDTO {
	out := make(map[string]ChangeDTO, len(res.Results))
	for productID, c := range res.Results {
		out[productID] = toChangeDTO(c)
	}
	return out
}

type MoveDTO struct {
	ID          string `json:"id"`
	ProductID   string `json:"productId"`
	Delta       int64  `json:"delta"`
	StockBefore int64  `json:"stockBefore"`
	StockAfter  int64  `json:"stockAfter"`
	DeviceID    string `json:"deviceId,omitempty"`
	Source      string `json:"source"`
	Timestamp   string `json:"timestamp"`
}

func toMoveDTO(m ledger.Move) MoveDTO {
	return MoveDTO{
		ID:          m.ID,
		ProductID:   m.ProductID,
		Delta:       m.Delta,
		StockBefore: m.StockBefore,
		StockAfter:  m.StockAfter,
		DeviceID:    m.DeviceID,
		Source:      m.Source,
		Timestamp:   m.Timestamp.Format(time.RFC3339),
	}
}

// =============================================================================
// DEVICES
// =============================================================================

// BindDeviceRequest is the body of PUT /devices/{deviceId}/branch.
type BindDeviceRequest struct {
	TenantID string `json:"tenantId" validate:"required"`
	Branch   string `json:"branch" validate:"required"`
	Platform string `json:"platform"`
}

type DeviceBindingDTO struct {
	DeviceID  string `json:"deviceId"`
	TenantID  string `json:"tenantId"`
	Branch    string `json:"branch"`
	Platform  string `json:"platform,omitempty"`
	UpdatedAt string `json:"updatedAt"`
	Persisted bool   `json:"persisted"`
	Warning   string `json:"warning,omitempty"`
}

func toBindingDTO(b branch.Binding) DeviceBindingDTO {
	return DeviceBindingDTO{
		DeviceID:  b.DeviceID,
		TenantID:  b.TenantID,
		Branch:    string(b.Branch),
		Platform:  b.Platform,
		UpdatedAt: b.UpdatedAt.Format(time.RFC3339),
		Persisted: true,
	}
}

// =============================================================================
// COST ALLOCATION
// =============================================================================

type CostLineRequest struct {
	ProductID string          `json:"productId" validate:"required"`
	Quantity  int64           `json:"quantity" validate:"gt=0"`
	UnitCost  decimal.Decimal `json:"unitCost"`
	Note      string          `json:"note"`
}

// CostAllocationRequest is the body of POST /cost-allocations. An empty
// branch is resolved from the device's current binding.
type CostAllocationRequest struct {
	ID       string            `json:"id"`
	TenantID string            `json:"tenantId" validate:"required"`
	DeviceID string            `json:"deviceId"`
	Branch   string            `json:"branch" validate:"required_without=DeviceID"`
	Lines    []CostLineRequest `json:"lines" validate:"required,min=1,dive"`
	Note     string            `json:"note"`
}

func (r CostAllocationRequest) lines() []costalloc.Line {
	lines := make([]costalloc.Line, len(r.Lines))
	for i, l := range r.Lines {
		lines[i] = costalloc.Line{ProductID: l.ProductID, Quantity: l.Quantity, UnitCost: l.UnitCost, Note: l.Note}
	}
	return lines
}

type CostEntryDTO struct {
	ID        string `json:"id"`
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
	UnitCost  string `json:"unitCost"`
	Total     string `json:"total"`
	Note      string `json:"note,omitempty"`
}

type CostAllocationResponse struct {
	SagaID  string               `json:"sagaId"`
	Branch  string               `json:"branch"`
	Total   string               `json:"total"`
	Stock   map[string]ChangeDTO `json:"stock"`
	Entries []CostEntryDTO       `json:"entries"`
}

func toCostAllocationResponse(scope ledger.Scope, res costalloc.Result) CostAllocationResponse {
	entries := make([]CostEntryDTO, len(res.Entries))
	for i, e := range res.Entries {
		entries[i] = CostEntryDTO{
			ID:        e.ID,
			ProductID: e.ProductID,
			Quantity:  e.Quantity,
			UnitCost:  e.UnitCost.StringFixed(2),
			Total:     e.Total.StringFixed(2),
			Note:      e.Note,
		}
	}
	return CostAllocationResponse{
		SagaID:  res.SagaID,
		Branch:  string(scope.Branch),
		Total:   res.Total.StringFixed(2),
		Stock:   toResultDTOs(res.Stock),
		Entries: entries,
	}
}

type SagaIntentDTO struct {
	ID        string        `json:"id"`
	TenantID  string        `json:"tenantId"`
	Branch    string        `json:"branch"`
	DeviceID  string        `json:"deviceId,omitempty"`
	Items     []ledger.Item `json:"items"`
	Status    string        `json:"status"`
	Detail    string        `json:"detail,omitempty"`
	CreatedAt string        `json:"createdAt"`
	UpdatedAt string        `json:"updatedAt"`
}

func toIntentDTO(i costalloc.Intent) SagaIntentDTO {
	return SagaIntentDTO{
		ID:        i.ID,
		TenantID:  i.TenantID,
		Branch:    i.Branch,
		DeviceID:  i.DeviceID,
		Items:     i.Items,
		Status:    string(i.Status),
		Detail:    i.Detail,
		CreatedAt: i.CreatedAt.Format(time.RFC3339),
		UpdatedAt: i.UpdatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
	Code    string `json:"code,omitempty"`
}
