/*
Package ledger is the system of record for per-branch, per-product stock.

PURPOSE:
  Many unsynchronized terminals adjust the same counters. Every change goes
  through Service, which wraps the read-clamp-write cycle in a document
  store transaction and then writes an audit Move.

CRITICAL INVARIANTS:
  1. NON-NEGATIVE: stock >= 0 at every observable point
  2. FLOOR-CLAMP: after = max(0, before + delta); over-deduction is not an error
  3. ATOMIC BULK: one transaction per AdjustBulk; all products change or none
  4. MERGED BULK: duplicate products are summed before the transaction
  5. BEST-EFFORT AUDIT: a failed Move append never fails or reverts the
     adjustment that produced it

COLLECTIONS:
  branchStocks      {branch}_{productId} -> StockRecord
  branchStockMoves  generated key       -> Move (append-only)

EXAMPLE FLOW:
  AdjustBulk("t1", "SANCAK", [{42, +5}], "dev1")  -> 42: 0 -> 5
  AdjustSingle("t1", "SANCAK", "42", -2, "dev1")  -> 42: 5 -> 3
  AdjustSingle("t1", "SANCAK", "42", -8, "dev1")  -> 42: 3 -> 0 (clamped)

SEE ALSO:
  - stock.go: StockRepository and the transactional applyDelta
  - movelog.go: Move Log
  - costalloc: the saga that composes AdjustBulk with a cost record
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/stock-ledger/branch"
	"github.com/warp/stock-ledger/docstore"
	"github.com/warp/stock-ledger/logger"
	"github.com/warp/stock-ledger/metrics"
)

// DefaultMoveLogTimeout bounds a single background audit append.
const DefaultMoveLogTimeout = 5 * time.Second

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store    docstore.Store
	registry *branch.Registry
	stocks   *StockRepository
	history  *StoreMoveLog
	moves    MoveLog

	log            *logger.Logger
	metrics        *metrics.Ledger
	now            func() time.Time
	moveLogTimeout time.Duration

	pending sync.WaitGroup
}

type Option func(*Service)

func WithLogger(l *logger.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithMetrics(m *metrics.Ledger) Option {
	return func(s *Service) { s.metrics = m }
}

// WithMoveLog replaces the store-backed audit writer.
func WithMoveLog(m MoveLog) Option {
	return func(s *Service) { s.moves = m }
}

func WithMoveLogTimeout(d time.Duration) Option {
	return func(s *Service) { s.moveLogTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store docstore.Store, registry *branch.Registry, opts ...Option) *Service {
	history := NewStoreMoveLog(store)
	s := &Service{
		store:          store,
		registry:       registry,
		stocks:         NewStockRepository(store),
		history:        history,
		moves:          history,
		log:            logger.Nop(),
		now:            time.Now,
		moveLogTimeout: DefaultMoveLogTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the branch set calls are validated against.
func (s *Service) Registry() *branch.Registry {
	return s.registry
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

type adjustOptions struct {
	source string
}

// AdjustOption customizes a single adjustment call.
type AdjustOption func(*adjustOptions)

// WithSource sets the Move source tag, e.g. "cari-maliyet".
func WithSource(source string) AdjustOption {
	return func(o *adjustOptions) { o.source = source }
}

// AdjustSingle applies delta to one product. Positive restocks, negative
// consumes. The result may be clamped; compare Change.Applied to delta.
func (s *Service) AdjustSingle(ctx context.Context, tenantID, branchValue, productID string, delta int64, deviceID string, opts ...AdjustOption) (Change, error) {
	b, err := s.validate(tenantID, branchValue)
	if err != nil {
		return Change{}, err
	}
	if productID == "" {
		return Change{}, required("productId")
	}
	if delta == 0 {
		return Change{}, &ArgumentError{Field: "delta", Reason: "must not be zero"}
	}
	o := adjustOptions{source: SourceAdjust}
	for _, opt := range opts {
		opt(&o)
	}

	now := s.now().UTC()
	var change Change
	err = s.transact(ctx, "single", func(ctx context.Context, tx docstore.Tx) error {
		c, err := applyDelta(ctx, tx, tenantID, b, productID, delta, now)
		if err != nil {
			return err
		}
		change = c
		return nil
	})
	if err != nil {
		return Change{}, err
	}

	s.recordMoves(ctx, tenantID, b, deviceID, o.source, now, []Item{{ProductID: productID, Delta: delta}}, map[string]Change{productID: change})
	return change, nil
}

// AdjustBulk merges items by product and applies all net deltas in one
// transaction. On error nothing was changed.
func (s *Service) AdjustBulk(ctx context.Context, tenantID, branchValue string, items []Item, deviceID string, opts ...AdjustOption) (BulkResult, error) {
	b, err := s.validate(tenantID, branchValue)
	if err != nil {
		return BulkResult{}, err
	}
	merged, err := MergeItems(items)
	if err != nil {
		return BulkResult{}, err
	}
	o := adjustOptions{source: SourceBulkAdjust}
	for _, opt := range opts {
		opt(&o)
	}

	now := s.now().UTC()
	var results map[string]Change
	err = s.transact(ctx, "bulk", func(ctx context.Context, tx docstore.Tx) error {
		r, err := applyDeltas(ctx, tx, tenantID, b, merged, now)
		if err != nil {
			return err
		}
		results = r
		return nil
	})
	if err != nil {
		return BulkResult{}, err
	}

	s.recordMoves(ctx, tenantID, b, deviceID, o.source, now, merged, results)
	return BulkResult{Results: results}, nil
}

func (s *Service) validate(tenantID, branchValue string) (branch.Branch, error) {
	if tenantID == "" {
		return "", required("tenantId")
	}
	if branchValue == "" {
		return "", required("branch")
	}
	return s.registry.Parse(branchValue)
}

// transact runs fn in a store transaction. Any failure is reported as a
// transaction failure; the store guarantees nothing was written.
func (s *Service) transact(ctx context.Context, op string, fn func(ctx context.Context, tx docstore.Tx) error) error {
	attempts := 0
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		attempts++
		return fn(ctx, tx)
	})
	s.metrics.ObserveAttempts(attempts)
	s.metrics.ObserveAdjustment(op, err)
	if err == nil {
		return nil
	}

	if !errors.Is(err, docstore.ErrTransactionFailed) {
		err = &docstore.TransactionError{Attempts: attempts, Cause: err}
	}
	s.log.Warn(s.log.WithField(ctx, "op", op), "stock adjustment not applied", err)
	return fmt.Errorf("adjust stock: %w", err)
}

// =============================================================================
// MOVE LOG - fire and forget
// =============================================================================

// recordMoves appends one Move per product whose net delta was non-zero.
// It returns immediately; Flush waits for outstanding appends.
func (s *Service) recordMoves(ctx context.Context, tenantID string, b branch.Branch, deviceID, source string, at time.Time, items []Item, results map[string]Change) {
	moves := make([]Move, 0, len(items))
	for _, it := range items {
		if it.Delta == 0 {
			continue
		}
		c := results[it.ProductID]
		moves = append(moves, Move{
			ID:          uuid.NewString(),
			TenantID:    tenantID,
			Branch:      string(b),
			ProductID:   it.ProductID,
			Delta:       it.Delta,
			StockBefore: c.Before,
			StockAfter:  c.After,
			DeviceID:    deviceID,
			Source:      source,
			Timestamp:   at,
		})
	}
	if len(moves) == 0 {
		return
	}

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.moveLogTimeout)
		defer cancel()
		for _, m := range moves {
			if err := s.moves.Record(bg, m); err != nil {
				s.metrics.IncMoveLogFailure()
				fields := map[string]any{"branch": m.Branch, "product_id": m.ProductID, "source": m.Source}
				s.log.Warn(s.log.WithFields(bg, fields), "stock move not recorded", err)
			}
		}
	}()
}

// Flush blocks until every pending Move append has finished.
func (s *Service) Flush() {
	s.pending.Wait()
}

// =============================================================================
// READS
// =============================================================================

// GetStock returns one product's stock, 0 if it has never been adjusted.
func (s *Service) GetStock(ctx context.Context, branchValue, productID string) (int64, error) {
	b, err := s.registry.Parse(branchValue)
	if err != nil {
		return 0, err
	}
	if productID == "" {
		return 0, required("productId")
	}
	return s.stocks.Get(ctx, b, productID)
}

// GetStockMap returns productId -> stock for a branch.
func (s *Service) GetStockMap(ctx context.Context, branchValue string) (map[string]int64, error) {
	b, err := s.registry.Parse(branchValue)
	if err != nil {
		return nil, err
	}
	return s.stocks.Map(ctx, b)
}

// Moves returns the audit trail of a branch, optionally for one product.
func (s *Service) Moves(ctx context.Context, branchValue, productID string) ([]Move, error) {
	b, err := s.registry.Parse(branchValue)
	if err != nil {
		return nil, err
	}
	return s.history.List(ctx, b, productID)
}
