/*
scheduler.go - Automated settlement reconciliation

PURPOSE:
  Periodically retries vehicle transfers for agreements that completed but
  whose settlement failed or was interrupted (SettlementPending = true).

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each tick runs one Service.ReconcileSettlements sweep of Batch agreements
  - A sweep never touches balances; it only calls the vehicle collaborator
    and clears SettlementPending

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 minute)
  - Batch:         Agreements per sweep (default: workandpay.DefaultReconcileBatch)
  - Enabled:       Whether scheduler is active (default: true)

USAGE:
  scheduler := NewSettlementScheduler(handler.Service, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ReconcileSettlements endpoint (manual sweep)
  - workandpay/settlement.go: Settler
*/
package api

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/warp/workpay-engine/workandpay"
)

// SettlementScheduler runs settlement sweeps on a ticker.
type SettlementScheduler struct {
	Service       *workandpay.Service
	CheckInterval time.Duration
	Batch         int
	// Timeout bounds one sweep.
	Timeout time.Duration
	Enabled bool

	log     *zap.Logger
	lastRun atomic.Int64
	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// NewSettlementScheduler creates a new scheduler.
func NewSettlementScheduler(svc *workandpay.Service, log *zap.Logger) *SettlementScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &SettlementScheduler{
		Service:       svc,
		CheckInterval: time.Minute,
		Batch:         workandpay.DefaultReconcileBatch,
		Timeout:       30 * time.Second,
		Enabled:       true,
		log:           log.Named("scheduler"),
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (s *SettlementScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.CheckInterval <= 0 {
		s.log.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.log.Info("started", zap.Duration("interval", s.CheckInterval), zap.Int("batch", s.Batch))
}

// Stop stops the scheduler and waits for an in-flight sweep.
func (s *SettlementScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.log.Info("stopped")
}

func (s *SettlementScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow()

	for {
		select {
		case <-ticker.C:
			s.RunNow()
		case <-stop:
			return
		}
	}
}

// RunNow performs one sweep (for testing/admin).
func (s *SettlementScheduler) RunNow() workandpay.ReconcileReport {
	s.lastRun.Store(time.Now().UnixNano())

	ctx := context.Background()
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	report, err := s.Service.ReconcileSettlements(ctx, s.Batch)
	if err != nil {
		s.log.Error("settlement sweep failed", zap.Error(err))
		return report
	}
	if report.Scanned > 0 {
		s.log.Info("settlement sweep",
			zap.Int("scanned", report.Scanned),
			zap.Int("settled", report.Settled),
			zap.Int("failed", report.Failed),
			zap.Int("skipped", report.Skipped),
			zap.Time("next_run", s.NextRunTime()))
	}
	return report
}

// NextRunTime returns when the next scheduled sweep will occur, measured
// from the last sweep. It is the zero time before the first sweep.
func (s *SettlementScheduler) NextRunTime() time.Time {
	last := s.lastRun.Load()
	if last == 0 {
		return time.Time{}
	}
	return time.Unix(0, last).Add(s.CheckInterval)
}
