package costalloc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warp/stock-ledger/logger"
	"github.com/warp/stock-ledger/metrics"
)

// Sweeper periodically flags pending saga intents that have outlived
// StaleAfter. Such a saga was interrupted between deduction and cost
// record; the sweeper marks it orphaned and alerts. It never touches stock.
//
// USAGE:
//
//	sweeper := NewSweeper(intents, log)
//	sweeper.Start()
//	// ... later
//	sweeper.Stop()
type Sweeper struct {
	Intents    *IntentStore
	StaleAfter time.Duration
	Interval   time.Duration
	Enabled    bool
	Metrics    *metrics.Ledger
	Now        func() time.Time

	log    *logger.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewSweeper(intents *IntentStore, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.Nop()
	}
	return &Sweeper{
		Intents:    intents,
		StaleAfter: 10 * time.Minute,
		Interval:   time.Minute,
		Enabled:    true,
		Now:        time.Now,
		log:        log,
	}
}

// Start runs a sweep immediately and then every Interval. A non-positive
// Interval leaves the sweeper stopped.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.ticker != nil {
		return
	}
	if s.Interval <= 0 {
		s.log.Warn(s.log.WithField(context.Background(), "interval", s.Interval.String()), "saga sweeper not started, interval must be positive", nil)
		return
	}
	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.log.Info(s.log.WithField(context.Background(), "interval", s.Interval.String()), "saga sweeper started")
}

// Stop halts the sweeper and waits for an in-flight sweep.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
}

func (s *Sweeper) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	s.sweep()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-stop:
			return
		}
	}
}

func (s *Sweeper) sweep() {
	ctx := context.Background()
	if _, err := s.SweepOnce(ctx); err != nil {
		s.log.Warn(ctx, "saga sweep failed", err)
	}
}

// SweepOnce marks every stale pending intent orphaned and returns how many
// it marked.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	pending, err := s.Intents.List(ctx, StatusPending)
	if err != nil {
		return 0, err
	}

	cutoff := s.Now().Add(-s.StaleAfter)
	marked := 0
	for _, intent := range pending {
		if !intent.CreatedAt.Before(cutoff) {
			continue
		}
		detail := fmt.Sprintf("no terminal status after %s", s.StaleAfter)
		changed, err := s.Intents.Transition(ctx, intent.ID, StatusPending, StatusOrphaned, detail)
		if err != nil {
			return marked, err
		}
		if !changed {
			continue
		}
		marked++
		s.Metrics.IncSagaOutcome(string(StatusOrphaned))
		s.log.Error(s.log.WithFields(ctx, map[string]any{
			"saga_id":       intent.ID,
			"tenant_id":     intent.TenantID,
			"branch":        intent.Branch,
			"items":         intent.Items,
			"inconsistency": true,
		}), "cost allocation interrupted, stock may be deducted without a cost record", nil)
	}
	return marked, nil
}
