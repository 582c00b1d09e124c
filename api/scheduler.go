/*
scheduler.go - Automated credit expiry scheduler

PURPOSE:
  Periodically runs the expiry sweeper so lapsed grants stop counting
  toward balances without anyone calling an endpoint.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Sweeps once immediately on start, then on every tick
  - Every run (scheduled, manual, CLI) is recorded as a SweepRun
  - Sweeps are idempotent, so a run that overlaps a manual trigger or a
    crashed predecessor only does the remaining work

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewExpiryScheduler(sweeper, store, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - credit/expiry.go: Sweeper
  - handlers.go: TriggerSweep endpoint (manual sweep)
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/loyalty-ledger/credit"
)

// Sweep triggers.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerCLI      = "cli"
)

// ExpiryScheduler handles automated credit expiry.
type ExpiryScheduler struct {
	Sweeper       *credit.Sweeper
	Runs          credit.SweepRunStore
	CheckInterval time.Duration
	Enabled       bool
	Logger        *zap.Logger

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewExpiryScheduler creates a new scheduler.
func NewExpiryScheduler(sweeper *credit.Sweeper, runs credit.SweepRunStore, logger *zap.Logger) *ExpiryScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExpiryScheduler{
		Sweeper:       sweeper,
		Runs:          runs,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Logger:        logger,
	}
}

// Start begins the scheduler.
func (es *ExpiryScheduler) Start() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if !es.Enabled {
		es.Logger.Info("expiry scheduler disabled, not starting")
		return
	}
	if es.ticker != nil {
		return
	}

	es.ticker = time.NewTicker(es.CheckInterval)
	es.stop = make(chan bool)
	es.wg.Add(1)

	go es.run()

	es.Logger.Info("expiry scheduler started", zap.Duration("interval", es.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight sweep.
func (es *ExpiryScheduler) Stop() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.ticker != nil {
		es.ticker.Stop()
		close(es.stop)
		es.wg.Wait()
		es.ticker = nil
		es.Logger.Info("expiry scheduler stopped")
	}
}

func (es *ExpiryScheduler) run() {
	defer es.wg.Done()

	// Run immediately on start
	es.RunNow(context.Background(), TriggerSchedule)

	for {
		select {
		case <-es.ticker.C:
			es.RunNow(context.Background(), TriggerSchedule)
		case <-es.stop:
			return
		}
	}
}

// RunNow sweeps all accounts and records the run. The returned run is
// also persisted; a failure to persist it is logged, not returned.
func (es *ExpiryScheduler) RunNow(ctx context.Context, trigger string) (credit.SweepRun, error) {
	run := credit.SweepRun{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		Status:    credit.SweepRunning,
		StartedAt: es.Sweeper.Clock.Now(),
	}
	es.save(ctx, run)

	summary, err := es.Sweeper.SweepAll(ctx)

	completed := es.Sweeper.Clock.Now()
	run.CompletedAt = &completed
	run.Accounts = summary.Accounts
	run.ExpiredEntries = summary.ExpiredEntries
	run.ExpiredAmount = summary.ExpiredAmount
	run.Failures = len(summary.Failures)
	switch {
	case err != nil:
		run.Status = credit.SweepFailed
		run.Error = err.Error()
	case run.Failures > 0:
		run.Status = credit.SweepPartial
	default:
		run.Status = credit.SweepCompleted
	}
	es.save(ctx, run)

	es.Logger.Info("expiry sweep finished",
		zap.String("run_id", run.ID),
		zap.String("trigger", trigger),
		zap.String("status", run.Status),
		zap.Int("accounts", run.Accounts),
		zap.Int("expired_entries", run.ExpiredEntries),
		zap.String("expired_amount", run.ExpiredAmount.String()),
		zap.Int("failures", run.Failures))
	return run, err
}

func (es *ExpiryScheduler) save(ctx context.Context, run credit.SweepRun) {
	if es.Runs == nil {
		return
	}
	if err := es.Runs.SaveSweepRun(ctx, run); err != nil {
		es.Logger.Warn("failed to save sweep run", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// NextRunTime returns when the next scheduled sweep will occur.
func (es *ExpiryScheduler) NextRunTime() time.Time {
	return time.Now().Add(es.CheckInterval)
}
