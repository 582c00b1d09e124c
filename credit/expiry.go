/*
expiry.go - Expiry sweep

PURPOSE:
  Converts lapsed grants into expire entries. A grant lapses when its
  ExpiryDate is at or before now. The balance fold already ignores lapsed
  grants; the sweep makes the write-off explicit in the ledger and flips
  IsExpired so the grant is never considered again.

PER GRANT (lapsed, not yet IsExpired):
  1. remaining = grant.Amount - consumed(grant)
  2. if remaining > 0: append expire entry (-remaining -> grant)
  3. MarkExpired(grant)

IDEMPOTENCY:
  A second run finds every swept grant already IsExpired and does nothing.
  If step 3 failed after step 2, the rerun sees remaining == 0, skips the
  append, and only marks. No duplicate expire entries either way.

CONCURRENCY:
  One account is swept by one goroutine. Distinct accounts are swept in
  parallel by a bounded worker pool. If Locks is set, each account is swept
  under its lock so it cannot interleave with a redemption.
*/
package credit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/loyalty-ledger/metrics"
)

// AccountSweep summarizes one account's sweep.
type AccountSweep struct {
	AccountID      AccountID
	ExpiredEntries int             // grants newly marked expired
	ExpireEntries  int             // expire entries written
	ExpiredAmount  decimal.Decimal // credit written off
}

// SweepSummary summarizes a sweep across accounts.
type SweepSummary struct {
	StartedAt      time.Time
	CompletedAt    time.Time
	Accounts       int
	ExpiredEntries int
	ExpiredAmount  decimal.Decimal
	Failures       map[AccountID]error
}

// Sweeper is the expiry batch job.
type Sweeper struct {
	Ledger  *Ledger
	Cache   *BalanceCache
	Clock   Clock
	Locks   *AccountLocks
	Workers int
	Logger  *zap.Logger
}

func NewSweeper(ledger *Ledger, cache *BalanceCache, clock Clock, locks *AccountLocks, workers int, logger *zap.Logger) *Sweeper {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		Ledger:  ledger,
		Cache:   cache,
		Clock:   orDefaultClock(clock),
		Locks:   locks,
		Workers: workers,
		Logger:  logger,
	}
}

// SweepAccount expires every lapsed grant of one account.
func (s *Sweeper) SweepAccount(ctx context.Context, accountID AccountID) (AccountSweep, error) {
	if s.Locks != nil {
		unlock := s.Locks.Lock(accountID)
		defer unlock()
	}

	result := AccountSweep{AccountID: accountID, ExpiredAmount: decimal.Zero}
	entries, err := s.Ledger.EntriesFor(ctx, accountID)
	if err != nil {
		return result, err
	}
	now := s.Clock.Now()
	consumed := ConsumedByGrant(entries)

	var lapsed []Entry
	for _, e := range entries {
		if e.IsGrant() && !e.IsExpired && e.Lapsed(now) {
			lapsed = append(lapsed, e)
		}
	}
	sort.SliceStable(lapsed, func(i, j int) bool { return fifoLess(lapsed[i], lapsed[j]) })

	for _, grant := range lapsed {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		remaining := AvailableAmount(grant, consumed)
		if remaining.IsPositive() {
			expire := Entry{
				ID:              NewEntryID(),
				AccountID:       accountID,
				Amount:          remaining.Neg(),
				Kind:            KindExpire,
				EarnedDate:      grant.EarnedDate,
				OriginalEntryID: grant.ID,
				Source:          SourceExpirySweep,
				CreatedAt:       now,
			}
			if err := s.Ledger.Append(ctx, expire); err != nil {
				return result, fmt.Errorf("expire %s: %w", grant.ID, err)
			}
			consumed[grant.ID] = consumed[grant.ID].Add(remaining)
			result.ExpireEntries++
			result.ExpiredAmount = result.ExpiredAmount.Add(remaining)
		}
		if err := s.Ledger.MarkExpired(ctx, grant.ID); err != nil {
			return result, fmt.Errorf("mark %s expired: %w", grant.ID, err)
		}
		result.ExpiredEntries++
	}

	if result.ExpiredEntries > 0 {
		metrics.EntriesExpired.Add(float64(result.ExpiredEntries))
		amount, _ := result.ExpiredAmount.Float64()
		metrics.CreditExpired.Add(amount)
		if s.Cache != nil {
			s.Cache.Refresh(ctx, accountID)
		}
		s.Logger.Info("expired lapsed credit",
			zap.String("account_id", string(accountID)),
			zap.Int("grants", result.ExpiredEntries),
			zap.String("amount", result.ExpiredAmount.String()))
	}
	return result, nil
}

// SweepAll sweeps every account holding lapsed grants. Per-account failures
// are collected in the summary and do not stop the run.
func (s *Sweeper) SweepAll(ctx context.Context) (SweepSummary, error) {
	summary := SweepSummary{
		StartedAt:     s.Clock.Now(),
		ExpiredAmount: decimal.Zero,
		Failures:      make(map[AccountID]error),
	}
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	accounts, err := s.Ledger.Store.LapsedAccounts(ctx, summary.StartedAt)
	if err != nil {
		metrics.SweepRuns.WithLabelValues(SweepFailed).Inc()
		return summary, fmt.Errorf("list lapsed accounts: %w", err)
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		jobs = make(chan AccountID)
	)
	for w := 0; w < s.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for accountID := range jobs {
				res, err := s.SweepAccount(ctx, accountID)
				mu.Lock()
				summary.Accounts++
				summary.ExpiredEntries += res.ExpiredEntries
				summary.ExpiredAmount = summary.ExpiredAmount.Add(res.ExpiredAmount)
				if err != nil {
					summary.Failures[accountID] = err
				}
				mu.Unlock()
				if err != nil {
					s.Logger.Error("sweep account failed",
						zap.String("account_id", string(accountID)), zap.Error(err))
				}
			}
		}()
	}

feed:
	for _, accountID := range accounts {
		select {
		case jobs <- accountID:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	summary.CompletedAt = s.Clock.Now()
	status := SweepCompleted
	if len(summary.Failures) > 0 {
		status = SweepPartial
	}
	metrics.SweepRuns.WithLabelValues(status).Inc()
	return summary, ctx.Err()
}

// =============================================================================
// SWEEP RUNS - Audit trail of scheduled and manual sweeps
// =============================================================================

const (
	SweepRunning   = "running"
	SweepCompleted = "completed"
	SweepPartial   = "partial"
	SweepFailed    = "failed"
)

type SweepRun struct {
	ID             string
	Trigger        string // "schedule", "manual", "cli"
	Status         string
	StartedAt      time.Time
	CompletedAt    *time.Time
	Accounts       int
	ExpiredEntries int
	ExpiredAmount  decimal.Decimal
	Failures       int
	Error          string
}

// SweepRunStore persists sweep run records.
type SweepRunStore interface {
	// SaveSweepRun inserts or updates a run by id.
	SaveSweepRun(ctx context.Context, r SweepRun) error
	// SweepRuns returns the most recent runs first.
	SweepRuns(ctx context.Context, limit int) ([]SweepRun, error)
}
