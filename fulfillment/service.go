package fulfillment

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/warp/loyalty-ledger/credit"
	"github.com/warp/loyalty-ledger/metrics"
)

// Store persists fulfillment records.
type Store interface {
	CreateFulfillment(ctx context.Context, r Record) error
	// Fulfillment returns the record or an ErrRecordNotFound error.
	Fulfillment(ctx context.Context, id string) (Record, error)
	UpdateFulfillment(ctx context.Context, r Record) error
	// FulfillmentsByOrder returns an order's records ordered by LineNo.
	FulfillmentsByOrder(ctx context.Context, orderID string) ([]Record, error)
	FulfillmentsByAccount(ctx context.Context, accountID credit.AccountID) ([]Record, error)
	FulfillmentsByStatus(ctx context.Context, status Status) ([]Record, error)
}

// Service applies lifecycle operations to stored records.
//
// When Locks is set, each transition holds the record's account lock from
// load to update, the same lock the checkout coordinator's callers take
// before rewriting an order's fulfillments.
type Service struct {
	Store  Store
	Clock  credit.Clock
	Locks  *credit.AccountLocks
	Logger *zap.Logger
}

func NewService(store Store, clock credit.Clock, logger *zap.Logger) *Service {
	if clock == nil {
		clock = credit.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{Store: store, Clock: clock, Logger: logger}
}

func (s *Service) CompleteSession(ctx context.Context, id string) (Record, error) {
	return s.transition(ctx, id, "complete_session", (*Record).CompleteSession)
}

func (s *Service) StartHold(ctx context.Context, id string) (Record, error) {
	return s.transition(ctx, id, "start_hold", (*Record).StartHold)
}

func (s *Service) EndHold(ctx context.Context, id string) (Record, error) {
	return s.transition(ctx, id, "end_hold", (*Record).EndHold)
}

func (s *Service) Extend(ctx context.Context, id string, days int) (Record, error) {
	return s.transition(ctx, id, "extend", func(r *Record, now time.Time) error {
		return r.Extend(days, now)
	})
}

func (s *Service) Cancel(ctx context.Context, id string) (Record, error) {
	return s.transition(ctx, id, "cancel", (*Record).Cancel)
}

func (s *Service) transition(ctx context.Context, id, action string, apply func(*Record, time.Time) error) (Record, error) {
	r, err := s.Store.Fulfillment(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if s.Locks != nil {
		unlock := s.Locks.Lock(r.AccountID)
		defer unlock()
		// reload under the lock
		if r, err = s.Store.Fulfillment(ctx, id); err != nil {
			return Record{}, err
		}
	}
	from := r.Status
	if err := apply(&r, s.Clock.Now()); err != nil {
		return Record{}, err
	}
	if err := s.Store.UpdateFulfillment(ctx, r); err != nil {
		return Record{}, err
	}
	metrics.FulfillmentTransitions.WithLabelValues(action).Inc()
	s.Logger.Debug("fulfillment transition",
		zap.String("fulfillment_id", id),
		zap.String("action", action),
		zap.String("from", string(from)),
		zap.String("to", string(r.Status)))
	return r, nil
}
