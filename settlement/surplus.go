/*
surplus.go - Surplus-to-credit conversion

PURPOSE:
  When a customer tenders more than the order total, the excess is kept as
  loyalty credit instead of change.

ENTRIES WRITTEN (one atomic batch):
  1. earn surplus              source "order surplus"
  2. earn bonus (optional)     source "bonus"
       bonus = floor(surplus / Threshold) * Threshold * Rate
     Defaults: Threshold 1,000,000, Rate 0.10 -> 100,000 per full million.
     No bonus entry when surplus < Threshold.

  Base and bonus stay separate entries so reports can tell promotional
  credit from change kept, and each expires under its own policy.

EXAMPLE:
  Total 900,000, cash 2,000,000 -> surplus 1,100,000
    earn 1,100,000 (order surplus)
    earn   100,000 (bonus)
*/
package settlement

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/loyalty-ledger/credit"
	"github.com/warp/loyalty-ledger/metrics"
)

// BonusPolicy is the tiered bonus rule.
type BonusPolicy struct {
	Threshold decimal.Decimal
	Rate      decimal.Decimal
}

func DefaultBonusPolicy() BonusPolicy {
	return BonusPolicy{
		Threshold: decimal.NewFromInt(1_000_000),
		Rate:      decimal.NewFromFloat(0.10),
	}
}

// Bonus returns the bonus credit earned by a surplus.
func (p BonusPolicy) Bonus(surplus decimal.Decimal) decimal.Decimal {
	if !p.Threshold.IsPositive() || !p.Rate.IsPositive() || surplus.LessThan(p.Threshold) {
		return decimal.Zero
	}
	// exact integer quotient; Div rounds to 16 digits before Floor could apply
	multiples, _ := surplus.QuoRem(p.Threshold, 0)
	return multiples.Mul(p.Threshold).Mul(p.Rate)
}

// ExpiryPolicy sets how long each kind of earned credit lives.
// Zero days means the credit never expires.
type ExpiryPolicy struct {
	BaseDays  int
	BonusDays int
}

// Conversion is what Convert wrote. Bonus is nil when no bonus applied.
type Conversion struct {
	Base  credit.Entry
	Bonus *credit.Entry
}

// Earned is base plus bonus.
func (c *Conversion) Earned() decimal.Decimal {
	if c == nil {
		return decimal.Zero
	}
	total := c.Base.Amount
	if c.Bonus != nil {
		total = total.Add(c.Bonus.Amount)
	}
	return total
}

// Converter writes surplus credit to the ledger.
type Converter struct {
	Ledger *credit.Ledger
	Cache  *credit.BalanceCache
	Clock  credit.Clock
	Bonus  BonusPolicy
	Expiry ExpiryPolicy
	Logger *zap.Logger
}

func NewConverter(ledger *credit.Ledger, cache *credit.BalanceCache, clock credit.Clock, bonus BonusPolicy, expiry ExpiryPolicy, logger *zap.Logger) *Converter {
	if clock == nil {
		clock = credit.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Converter{Ledger: ledger, Cache: cache, Clock: clock, Bonus: bonus, Expiry: expiry, Logger: logger}
}

// Plan builds the entries for a surplus without writing them.
func (c *Converter) Plan(accountID credit.AccountID, surplus decimal.Decimal, orderID string) (*Conversion, error) {
	if !surplus.IsPositive() {
		return nil, fmt.Errorf("%w: surplus %s", credit.ErrInvalidAmount, surplus)
	}
	now := c.Clock.Now()
	conv := &Conversion{
		Base: credit.Entry{
			ID:             credit.NewEntryID(),
			AccountID:      accountID,
			Amount:         surplus,
			Kind:           credit.KindEarn,
			EarnedDate:     now,
			ExpiryDate:     credit.DaysFrom(now, c.Expiry.BaseDays),
			RelatedOrderID: orderID,
			Source:         credit.SourceOrderSurplus,
			CreatedAt:      now,
		},
	}
	if bonus := c.Bonus.Bonus(surplus); bonus.IsPositive() {
		conv.Bonus = &credit.Entry{
			ID:             credit.NewEntryID(),
			AccountID:      accountID,
			Amount:         bonus,
			Kind:           credit.KindEarn,
			EarnedDate:     now,
			ExpiryDate:     credit.DaysFrom(now, c.Expiry.BonusDays),
			RelatedOrderID: orderID,
			Source:         credit.SourceBonus,
			CreatedAt:      now,
		}
	}
	return conv, nil
}

// Convert writes the surplus (and bonus) earn entries and refreshes the
// account's balance.
func (c *Converter) Convert(ctx context.Context, accountID credit.AccountID, surplus decimal.Decimal, orderID string) (*Conversion, error) {
	conv, err := c.Plan(accountID, surplus, orderID)
	if err != nil {
		return nil, err
	}
	batch := []credit.Entry{conv.Base}
	if conv.Bonus != nil {
		batch = append(batch, *conv.Bonus)
	}
	if err := c.Ledger.AppendBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("append surplus credit: %w", err)
	}

	for _, e := range batch {
		v, _ := e.Amount.Float64()
		metrics.CreditGranted.WithLabelValues(e.Source).Add(v)
	}
	c.Logger.Debug("surplus converted to credit",
		zap.String("account_id", string(accountID)),
		zap.String("order_id", orderID),
		zap.String("surplus", surplus.String()),
		zap.String("earned", conv.Earned().String()))

	if c.Cache != nil {
		c.Cache.Refresh(ctx, accountID)
	}
	return conv, nil
}
