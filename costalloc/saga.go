/*
Package costalloc implements the cost-allocation ("cari maliyet") workflow:
deduct stock AND record what the consumed stock cost.

PURPOSE:
  The two writes target different record types and cannot share a
  transaction. Saga.Run orders them and undoes the first when the second
  fails.

STATE MACHINE:
  Pending
    |  AdjustBulk(negative deltas, source "cari-maliyet")
    |-- fails --------------------------------> aborted       ErrStockNotApplied
    v
  StockDeducted
    |  Recorder.Record(entries)
    |-- ok -----------------------------------> completed
    v
  CompensationAttempted
    |  AdjustBulk(inverse deltas, source "cari-maliyet-iade")
    |-- ok -----------------------------------> compensated   ErrRecordFailedReverted
    |-- fails --------------------------------> inconsistent  ErrCompensationFailed

  Compensation is attempted exactly once. An inconsistent saga is logged at
  ERROR with inconsistency=true and left for manual reconciliation.

INVERSE DELTAS:
  The reversal adds back what the deduction actually removed (after-before
  per product), not the requested quantity. With the floor clamp these can
  differ; restoring the requested quantity would create stock.

INTENT RECORDS:
  With an IntentStore, a pending costSagas/{id} record is written before
  the deduction and moved to its terminal status afterwards. A process
  crash in between leaves it pending; Sweeper later marks it orphaned.

SEE ALSO:
  - ledger/service.go: AdjustBulk
  - recorder.go: StoreRecorder (costEntries)
  - sweeper.go: orphan detection
*/
package costalloc

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/branch"
	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/logger"
	"github.com/warp/stock-ledger/metrics"
)

// Adjuster is the slice of ledger.Service the saga needs.
type Adjuster interface {
	AdjustBulk(ctx context.Context, tenantID, branch string, items []ledger.Item, deviceID string, opts ...ledger.AdjustOption) (ledger.BulkResult, error)
	Registry() *branch.Registry
}

// =============================================================================
// SAGA
// =============================================================================

type Saga struct {
	adjuster Adjuster
	recorder Recorder
	intents  *IntentStore

	log     *logger.Logger
	metrics *metrics.Ledger
	now     func() time.Time
}

type Option func(*Saga)

// WithIntents enables persisted saga intent records.
func WithIntents(s *IntentStore) Option {
	return func(sg *Saga) { sg.intents = s }
}

func WithLogger(l *logger.Logger) Option {
	return func(sg *Saga) { sg.log = l }
}

func WithMetrics(m *metrics.Ledger) Option {
	return func(sg *Saga) { sg.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(sg *Saga) { sg.now = now }
}

func NewSaga(adjuster Adjuster, recorder Recorder, opts ...Option) *Saga {
	sg := &Saga{
		adjuster: adjuster,
		recorder: recorder,
		log:      logger.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(sg)
	}
	return sg
}

// Run executes the allocation. Validation errors, including an unknown
// branch, are returned as-is before any write; every other failure is a
// *SagaError.
func (sg *Saga) Run(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	b, err := sg.adjuster.Registry().Parse(string(req.Scope.Branch))
	if err != nil {
		return Result{}, err
	}
	req.Scope.Branch = b
	deltas, err := req.deductions()
	if err != nil {
		return Result{}, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	scope := req.Scope
	ctx = sg.log.WithFields(ctx, map[string]any{
		"saga_id":   req.ID,
		"tenant_id": scope.TenantID,
		"branch":    scope.Branch,
	})

	if sg.intents != nil {
		intent := Intent{
			ID:       req.ID,
			TenantID: scope.TenantID,
			Branch:   string(scope.Branch),
			DeviceID: scope.DeviceID,
			Items:    deltas,
		}
		if err := sg.intents.Begin(ctx, intent); err != nil {
			if errors.Is(err, ErrDuplicateSaga) {
				return Result{}, err
			}
			return Result{}, sg.fail(ctx, req.ID, StatusAborted, &SagaError{SagaID: req.ID, Stage: StageDeduct, Cause: err})
		}
	}

	// Step 2: deduct.
	stock, err := sg.adjuster.AdjustBulk(ctx, scope.TenantID, string(scope.Branch), deltas, scope.DeviceID, ledger.WithSource(SourceCostAllocation))
	if err != nil {
		return Result{}, sg.fail(ctx, req.ID, StatusAborted, &SagaError{SagaID: req.ID, Stage: StageDeduct, Cause: err})
	}

	// Step 3: record.
	entries, total := sg.entries(req)
	if err := sg.recorder.Record(ctx, entries); err != nil {
		return Result{}, sg.compensate(ctx, req, stock, err)
	}

	sg.finish(ctx, req.ID, StatusCompleted, "")
	sg.metrics.IncSagaOutcome(string(StatusCompleted))
	return Result{SagaID: req.ID, Stock: stock, Entries: entries, Total: total}, nil
}

func (sg *Saga) entries(req Request) ([]Entry, decimal.Decimal) {
	now := sg.now().UTC()
	total := decimal.Zero
	entries := make([]Entry, 0, len(req.Lines))
	for _, l := range req.Lines {
		lineTotal := l.Total()
		total = total.Add(lineTotal)
		note := l.Note
		if note == "" {
			note = req.Note
		}
		entries = append(entries, Entry{
			ID:        uuid.NewString(),
			SagaID:    req.ID,
			TenantID:  req.Scope.TenantID,
			Branch:    string(req.Scope.Branch),
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			UnitCost:  l.UnitCost,
			Total:     lineTotal,
			Note:      note,
			CreatedAt: now,
		})
	}
	return entries, total
}

// compensate reverses the applied deduction once. The caller's context may
// already be cancelled; the reversal runs regardless.
func (sg *Saga) compensate(ctx context.Context, req Request, stock ledger.BulkResult, recordErr error) error {
	inverse := make([]ledger.Item, 0, len(stock.Results))
	for productID, change := range stock.Results {
		if applied := change.Applied(); applied != 0 {
			inverse = append(inverse, ledger.Item{ProductID: productID, Delta: -applied})
		}
	}

	if len(inverse) > 0 {
		scope := req.Scope
		_, err := sg.adjuster.AdjustBulk(context.WithoutCancel(ctx), scope.TenantID, string(scope.Branch), inverse, scope.DeviceID, ledger.WithSource(SourceCompensation))
		if err != nil {
			sagaErr := &SagaError{SagaID: req.ID, Stage: StageCompensate, Cause: recordErr, CompensationCause: err}
			sg.log.Error(sg.log.WithFields(ctx, map[string]any{
				"inconsistency": true,
				"items":         inverse,
			}), "cost allocation reversal failed, stock needs manual reconciliation", sagaErr)
			return sg.fail(ctx, req.ID, StatusInconsistent, sagaErr)
		}
	}

	sg.log.Warn(ctx, "cost record failed, stock deduction reversed", recordErr)
	return sg.fail(ctx, req.ID, StatusCompensated, &SagaError{SagaID: req.ID, Stage: StageRecord, Cause: recordErr})
}

func (sg *Saga) fail(ctx context.Context, id string, status Status, err *SagaError) error {
	sg.finish(ctx, id, status, err.Error())
	sg.metrics.IncSagaOutcome(string(status))
	return err
}

// finish moves the intent out of pending. Intent bookkeeping never changes
// the saga outcome.
func (sg *Saga) finish(ctx context.Context, id string, status Status, detail string) {
	if sg.intents == nil {
		return
	}
	ctx = sg.log.WithField(ctx, "status", string(status))
	changed, err := sg.intents.Transition(context.WithoutCancel(ctx), id, StatusPending, status, detail)
	switch {
	case err != nil:
		sg.log.Warn(ctx, "saga intent not updated", err)
	case !changed:
		sg.log.Warn(ctx, "saga intent no longer pending, outcome not recorded", nil)
	}
}
