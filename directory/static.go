// Package directory serves accounts and catalog items from seed data.
package directory

import (
	"context"
	"sync"

	"github.com/warp/loyalty-ledger/checkout"
	"github.com/warp/loyalty-ledger/credit"
	"github.com/warp/loyalty-ledger/fulfillment"
)

var (
	_ checkout.AccountDirectory = (*Static)(nil)
	_ checkout.CatalogLookup    = (*Static)(nil)
)

// Static is an in-memory AccountDirectory and CatalogLookup.
type Static struct {
	mu       sync.RWMutex
	accounts map[credit.AccountID]checkout.Account
	items    map[string]fulfillment.Definition
}

func NewStatic(accounts []checkout.Account, items []fulfillment.Definition) *Static {
	s := &Static{
		accounts: make(map[credit.AccountID]checkout.Account),
		items:    make(map[string]fulfillment.Definition),
	}
	for _, a := range accounts {
		s.PutAccount(a)
	}
	for _, d := range items {
		s.PutItem(d)
	}
	return s
}

func (s *Static) PutAccount(a checkout.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a
}

func (s *Static) PutItem(d fulfillment.Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[d.RefID] = d
}

func (s *Static) Account(_ context.Context, id credit.AccountID) (checkout.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return checkout.Account{}, credit.NotFound("account", string(id))
	}
	return a, nil
}

func (s *Static) Definition(_ context.Context, refID string) (fulfillment.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.items[refID]
	if !ok {
		return fulfillment.Definition{}, credit.NotFound("catalog item", refID)
	}
	return d, nil
}
