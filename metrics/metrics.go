// Package metrics exposes Prometheus instruments for the stock ledger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Ledger records outcomes of stock mutations and cost-allocation sagas.
// A nil *Ledger, or one built with a nil registerer, is a no-op.
type Ledger struct {
	adjustments  *prometheus.CounterVec
	moveFailures prometheus.Counter
	txAttempts   prometheus.Histogram
	sagaOutcomes *prometheus.CounterVec
}

// NewLedger registers the ledger metrics on the provided registerer.
func NewLedger(reg prometheus.Registerer) *Ledger {
	if reg == nil {
		return &Ledger{}
	}
	adjustments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_adjustments_total",
		Help: "Stock adjustments by operation and result.",
	}, []string{"op", "result"})
	moveFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stock_move_log_failures_total",
		Help: "Stock move audit appends that failed and were dropped.",
	})
	txAttempts := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stock_tx_attempts",
		Help:    "Transaction attempts needed per stock adjustment.",
		Buckets: []float64{1, 2, 3, 4, 5, 8},
	})
	sagaOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cost_saga_outcomes_total",
		Help: "Cost-allocation saga terminal outcomes.",
	}, []string{"outcome"})
	reg.MustRegister(adjustments, moveFailures, txAttempts, sagaOutcomes)
	return &Ledger{
		adjustments:  adjustments,
		moveFailures: moveFailures,
		txAttempts:   txAttempts,
		sagaOutcomes: sagaOutcomes,
	}
}

// ObserveAdjustment counts one single or bulk adjustment.
func (m *Ledger) ObserveAdjustment(op string, err error) {
	if m == nil || m.adjustments == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.adjustments.WithLabelValues(normalizeLabel(op), result).Inc()
}

// ObserveAttempts records how many transaction attempts a call used.
func (m *Ledger) ObserveAttempts(n int) {
	if m == nil || m.txAttempts == nil || n <= 0 {
		return
	}
	m.txAttempts.Observe(float64(n))
}

// IncMoveLogFailure counts a dropped move audit entry.
func (m *Ledger) IncMoveLogFailure() {
	if m == nil || m.moveFailures == nil {
		return
	}
	m.moveFailures.Inc()
}

// IncSagaOutcome counts a saga that reached a terminal state.
func (m *Ledger) IncSagaOutcome(outcome string) {
	if m == nil || m.sagaOutcomes == nil {
		return
	}
	m.sagaOutcomes.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
