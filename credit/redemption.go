/*
redemption.go - FIFO credit redemption

PURPOSE:
  Spends an account's credit oldest-first. Each grant touched gets its own
  use entry pointing back at it, so every unit redeemed stays traceable to
  the grant it came from.

ALGORITHM:
  1. List available grants (balance.go), EarnedDate ascending, then
     CreatedAt, then ID.
  2. Greedily assign min(remaining, grant.available) per grant.
  3. If total availability < amount: InsufficientCreditError, nothing written.
  4. Append one use entry per assignment (atomic batch):
       Amount          = -assigned
       OriginalEntryID = grant.ID
       EarnedDate      = grant.EarnedDate (kept for audit)
  5. Recompute the account's balance snapshot.

EXAMPLE:
  E1 earned Jan 1, 100 available; E2 earned Feb 1, 100 available.
  Redeem 150 -> use -100 -> E1, use -50 -> E2. E2 keeps 50.

CONCURRENCY:
  No lock is taken here. Two concurrent redemptions on one account can both
  pass the availability check; callers serialize per account (see locks.go).
*/
package credit

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/loyalty-ledger/metrics"
)

// RedeemRequest describes a redemption.
type RedeemRequest struct {
	AccountID      AccountID
	Amount         decimal.Decimal
	RelatedOrderID string
	Source         string
}

// RedeemResult lists the use entries written and the refreshed balance.
type RedeemResult struct {
	Entries []Entry
	Balance *BalanceSnapshot
}

// Redeemer is the FIFO redemption engine.
type Redeemer struct {
	Ledger *Ledger
	Cache  *BalanceCache
	Clock  Clock
	Logger *zap.Logger
}

func NewRedeemer(ledger *Ledger, cache *BalanceCache, clock Clock, logger *zap.Logger) *Redeemer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redeemer{Ledger: ledger, Cache: cache, Clock: orDefaultClock(clock), Logger: logger}
}

// Plan computes the FIFO assignment without writing anything.
func (r *Redeemer) Plan(ctx context.Context, req RedeemRequest) ([]Entry, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: redemption amount %s", ErrInvalidAmount, req.Amount)
	}
	entries, err := r.Ledger.EntriesFor(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	now := r.Clock.Now()
	grants := AvailableGrants(entries, now)

	total := decimal.Zero
	for _, g := range grants {
		total = total.Add(g.Available)
	}
	if total.LessThan(req.Amount) {
		return nil, &InsufficientCreditError{
			AccountID: req.AccountID,
			Available: total,
			Requested: req.Amount,
		}
	}

	source := req.Source
	if source == "" {
		source = SourceRedemption
	}

	var uses []Entry
	remaining := req.Amount
	for _, g := range grants {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, g.Available)
		uses = append(uses, Entry{
			ID:              NewEntryID(),
			AccountID:       req.AccountID,
			Amount:          take.Neg(),
			Kind:            KindUse,
			EarnedDate:      g.Entry.EarnedDate,
			OriginalEntryID: g.Entry.ID,
			RelatedOrderID:  req.RelatedOrderID,
			Source:          source,
			CreatedAt:       now,
		})
		remaining = remaining.Sub(take)
	}
	return uses, nil
}

// Redeem consumes credit FIFO and refreshes the balance cache.
func (r *Redeemer) Redeem(ctx context.Context, req RedeemRequest) (*RedeemResult, error) {
	uses, err := r.Plan(ctx, req)
	if err != nil {
		if IsClientError(err) {
			metrics.RedemptionsRejected.Inc()
		}
		return nil, err
	}
	if err := r.Ledger.AppendBatch(ctx, uses); err != nil {
		return nil, fmt.Errorf("append use entries: %w", err)
	}

	metrics.Redemptions.Inc()
	amount, _ := req.Amount.Float64()
	metrics.CreditRedeemed.Add(amount)
	r.Logger.Debug("credit redeemed",
		zap.String("account_id", string(req.AccountID)),
		zap.String("amount", req.Amount.String()),
		zap.Int("grants_touched", len(uses)),
		zap.String("order_id", req.RelatedOrderID))

	result := &RedeemResult{Entries: uses}
	if r.Cache != nil {
		result.Balance = r.Cache.Refresh(ctx, req.AccountID)
	}
	return result, nil
}
