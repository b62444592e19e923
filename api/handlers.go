/*
handlers.go - HTTP API handlers for the branch stock ledger

PURPOSE:
  Exposes the stock ledger, device branch binding and cost allocation saga
  via REST API. Handles HTTP request/response, JSON serialization, and
  delegates to domain logic.

ENDPOINTS:
  Stock:
    GET    /api/branches                             List valid branches
    GET    /api/branches/{branch}/stock              Stock map of a branch
    GET    /api/branches/{branch}/stock/{productId}  Stock of one product
    GET    /api/branches/{branch}/moves              Move history (?product=)
    POST   /api/branches/{branch}/adjustments        Single adjustment
    POST   /api/branches/{branch}/adjustments/bulk   Bulk adjustment

  Devices:
    PUT    /api/devices/{deviceId}/branch            Bind device to branch
    GET    /api/devices/{deviceId}/branch            Current binding

  Cost allocation:
    POST   /api/cost-allocations                     Run the saga
    GET    /api/cost-allocations                     Saga intents (?status=)

REQUEST FLOW:
  1. Parse HTTP request (decodeJSON validates the body)
  2. Call domain logic (ledger, branch, costalloc)
  3. Serialize response
  4. Map errors with writeDomainError

ERROR HANDLING:
  Errors are returned as JSON {error, details, code}:
  - 400: Validation errors, invalid branch, no branch selected
  - 404: Resource not found
  - 409: Duplicate cost allocation, idempotency conflicts
  - 503: Store contention exhausted, stock change not applied
  - 500: Internal errors, compensation failed

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/warp/stock-ledger/branch"
	"github.com/warp/stock-ledger/costalloc"
	"github.com/warp/stock-ledger/docstore"
	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/logger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger *ledger.Service
	Binder *branch.Binder
	Saga   *costalloc.Saga

	// Intents is nil when saga intent persistence is disabled.
	Intents *costalloc.IntentStore

	Log *logger.Logger
}

// NewHandler creates a new handler. intents may be nil.
func NewHandler(svc *ledger.Service, binder *branch.Binder, saga *costalloc.Saga, intents *costalloc.IntentStore, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{Ledger: svc, Binder: binder, Saga: saga, Intents: intents, Log: log}
}

// =============================================================================
// STOCK HANDLERS
// =============================================================================

// ListBranches returns the configured branch set.
func (h *Handler) ListBranches(w http.ResponseWriter, r *http.Request) {
	all := h.Ledger.Registry().All()
	names := make([]string, len(all))
	for i, b := range all {
		names[i] = string(b)
	}
	writeJSON(w, http.StatusOK, BranchesResponse{Branches: names})
}

// GetStockMap returns every product's stock in a branch.
func (h *Handler) GetStockMap(w http.ResponseWriter, r *http.Request) {
	b := branch.Normalize(chi.URLParam(r, "branch"))
	stock, err := h.Ledger.GetStockMap(r.Context(), string(b))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get stock", err)
		return
	}
	writeJSON(w, http.StatusOK, StockMapResponse{Branch: string(b), Stock: stock})
}

// GetStock returns one product's stock. Never-adjusted products report 0.
func (h *Handler) GetStock(w http.ResponseWriter, r *http.Request) {
	b := branch.Normalize(chi.URLParam(r, "branch"))
	productID := chi.URLParam(r, "productId")
	stock, err := h.Ledger.GetStock(r.Context(), string(b), productID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get stock", err)
		return
	}
	writeJSON(w, http.StatusOK, StockDTO{Branch: string(b), ProductID: productID, Stock: stock})
}

// ListMoves returns the audit trail of a branch, oldest first.
func (h *Handler) ListMoves(w http.ResponseWriter, r *http.Request) {
	moves, err := h.Ledger.Moves(r.Context(), chi.URLParam(r, "branch"), r.URL.Query().Get("product"))
	if err != nil {
		h.writeDomainError(w, r, "Failed to list moves", err)
		return
	}
	dtos := make([]MoveDTO, len(moves))
	for i, m := range moves {
		dtos[i] = toMoveDTO(m)
	}
	writeJSON(w, http.StatusOK, map[string]any{"moves": dtos})
}

// AdjustSingle applies one signed delta.
func (h *Handler) AdjustSingle(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	b := branch.Normalize(chi.URLParam(r, "branch"))
	ctx := h.Log.WithTenant(r.Context(), req.TenantID)

	change, err := h.Ledger.AdjustSingle(ctx, req.TenantID, string(b), req.ProductID, req.Delta, req.DeviceID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to adjust stock", err)
		return
	}
	writeJSON(w, http.StatusOK, AdjustmentResponse{
		Branch:    string(b),
		ProductID: req.ProductID,
		ChangeDTO: toChangeDTO(change),
	})
}

// AdjustBulk applies many deltas in one transaction.
func (h *Handler) AdjustBulk(w http.ResponseWriter, r *http.Request) {
	var req BulkAdjustmentRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	b := branch.Normalize(chi.URLParam(r, "branch"))
	ctx := h.Log.WithTenant(r.Context(), req.TenantID)

	res, err := h.Ledger.AdjustBulk(ctx, req.TenantID, string(b), req.items(), req.DeviceID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to adjust stock", err)
		return
	}
	writeJSON(w, http.StatusOK, BulkAdjustmentResponse{Branch: string(b), Results: toResultDTOs(res)})
}

// =============================================================================
// DEVICE HANDLERS
// =============================================================================

// BindDevice selects a device's working branch. When only persistence fails
// the selection still holds; the response is 202 with persisted=false.
func (h *Handler) BindDevice(w http.ResponseWriter, r *http.Request) {
	var req BindDeviceRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	deviceID := chi.URLParam(r, "deviceId")
	ctx := h.Log.WithTenant(r.Context(), req.TenantID)

	binding, err := h.Binder.Bind(ctx, req.TenantID, deviceID, req.Branch, req.Platform)
	if err != nil {
		if ledger.IsClientError(err) {
			h.writeDomainError(w, r, "Failed to bind device", err)
			return
		}
		dto := toBindingDTO(binding)
		dto.Persisted = false
		dto.Warning = err.Error()
		writeJSON(w, http.StatusAccepted, dto)
		return
	}
	writeJSON(w, http.StatusOK, toBindingDTO(binding))
}

// GetDeviceBranch returns the device's binding, restoring it from the
// store after a restart.
func (h *Handler) GetDeviceBranch(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	binding, ok := h.Binder.Binding(deviceID)
	if !ok {
		restored, found, err := h.Binder.Restore(r.Context(), deviceID)
		if err != nil {
			h.writeDomainError(w, r, "Failed to restore device binding", err)
			return
		}
		if !found {
			writeErrorCode(w, http.StatusNotFound, "No branch selected for device", "no_branch_selected", nil)
			return
		}
		binding = restored
	}
	writeJSON(w, http.StatusOK, toBindingDTO(binding))
}

// =============================================================================
// COST ALLOCATION HANDLERS
// =============================================================================

// CreateCostAllocation runs the deduct/record saga.
func (h *Handler) CreateCostAllocation(w http.ResponseWriter, r *http.Request) {
	var req CostAllocationRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	ctx := h.Log.WithTenant(r.Context(), req.TenantID)

	scope, err := h.resolveScope(r, req)
	if err != nil {
		h.writeDomainError(w, r, "Failed to resolve branch", err)
		return
	}

	res, err := h.Saga.Run(ctx, costalloc.Request{
		ID:    req.ID,
		Scope: scope,
		Lines: req.lines(),
		Note:  req.Note,
	})
	if err != nil {
		h.writeDomainError(w, r, "Cost allocation failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCostAllocationResponse(scope, res))
}

func (h *Handler) resolveScope(r *http.Request, req CostAllocationRequest) (ledger.Scope, error) {
	if req.Branch != "" {
		b, err := h.Binder.Registry().Parse(req.Branch)
		if err != nil {
			return ledger.Scope{}, err
		}
		return ledger.Scope{TenantID: req.TenantID, Branch: b, DeviceID: req.DeviceID}, nil
	}
	if _, ok := h.Binder.CurrentBranch(req.DeviceID); !ok {
		if _, _, err := h.Binder.Restore(r.Context(), req.DeviceID); err != nil {
			return ledger.Scope{}, err
		}
	}
	return ledger.ScopeFor(h.Binder, req.TenantID, req.DeviceID)
}

// ListCostAllocations returns saga intents in a status (default pending).
func (h *Handler) ListCostAllocations(w http.ResponseWriter, r *http.Request) {
	if h.Intents == nil {
		writeErrorCode(w, http.StatusNotFound, "Saga intent persistence is disabled", "intents_disabled", nil)
		return
	}
	status := costalloc.StatusPending
	if v := r.URL.Query().Get("status"); v != "" {
		parsed, ok := costalloc.ParseStatus(v)
		if !ok {
			writeErrorCode(w, http.StatusBadRequest, "Unknown saga status", "invalid_argument", map[string]string{"status": v})
			return
		}
		status = parsed
	}

	intents, err := h.Intents.List(r.Context(), status)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list cost allocations", err)
		return
	}
	dtos := make([]SagaIntentDTO, len(intents))
	for i, in := range intents {
		dtos[i] = toIntentDTO(in)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sagas": dtos})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeErrorCode(w http.ResponseWriter, status int, message, code string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Details: details, Code: code})
}

// writeDomainError maps ledger, branch, docstore and saga errors to a status
// and a stable code.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	ctx := h.Log.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))

	var sagaErr *costalloc.SagaError
	switch {
	case errors.As(err, &sagaErr):
		switch {
		case sagaErr.Stage == costalloc.StageCompensate:
			h.Log.Error(ctx, message, err)
			writeErrorCode(w, http.StatusInternalServerError, costalloc.ErrCompensationFailed.Error(), sagaErr.Code(), map[string]string{"sagaId": sagaErr.SagaID})
		case ledger.IsClientError(sagaErr.Cause):
			writeErrorCode(w, http.StatusBadRequest, sagaErr.Error(), sagaErr.Code(), map[string]string{"sagaId": sagaErr.SagaID})
		default:
			h.Log.Warn(ctx, message, err)
			writeErrorCode(w, http.StatusServiceUnavailable, sagaErr.Error(), sagaErr.Code(), map[string]string{"sagaId": sagaErr.SagaID})
		}
	case errors.Is(err, costalloc.ErrDuplicateSaga):
		writeErrorCode(w, http.StatusConflict, message, "duplicate_saga", err.Error())
	case errors.Is(err, branch.ErrInvalidBranch):
		writeErrorCode(w, http.StatusBadRequest, message, "invalid_branch", err.Error())
	case errors.Is(err, ledger.ErrNoBranchSelected):
		writeErrorCode(w, http.StatusBadRequest, message, "no_branch_selected", err.Error())
	case ledger.IsClientError(err):
		writeErrorCode(w, http.StatusBadRequest, message, "invalid_argument", err.Error())
	case errors.Is(err, docstore.ErrTransactionFailed):
		h.Log.Warn(ctx, message, err)
		writeErrorCode(w, http.StatusServiceUnavailable, message, "transaction_failed", err.Error())
	default:
		h.Log.Error(ctx, message, err)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
