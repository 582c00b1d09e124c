// Package store provides in-memory credit.Store and credit.SnapshotStore
// implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/loyalty-ledger/credit"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	entries   map[credit.EntryID]credit.Entry
	byAccount map[credit.AccountID][]credit.EntryID
	links     map[credit.EntryID][]string
	snapshots map[credit.AccountID]credit.BalanceSnapshot
}

func NewMemory() *Memory {
	return &Memory{
		entries:   make(map[credit.EntryID]credit.Entry),
		byAccount: make(map[credit.AccountID][]credit.EntryID),
		links:     make(map[credit.EntryID][]string),
		snapshots: make(map[credit.AccountID]credit.BalanceSnapshot),
	}
}

var (
	_ credit.Store         = (*Memory)(nil)
	_ credit.SnapshotStore = (*Memory)(nil)
)

// Append adds a single entry. Append-only.
func (m *Memory) Append(_ context.Context, e credit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.ID]; ok {
		return credit.ErrDuplicateEntry
	}
	m.appendLocked(e)
	return nil
}

// AppendBatch adds multiple entries atomically.
func (m *Memory) AppendBatch(_ context.Context, es []credit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check all ids first (atomic check)
	seen := make(map[credit.EntryID]bool, len(es))
	for _, e := range es {
		if _, ok := m.entries[e.ID]; ok || seen[e.ID] {
			return credit.ErrDuplicateEntry
		}
		seen[e.ID] = true
	}

	// Append all (atomic write)
	for _, e := range es {
		m.appendLocked(e)
	}
	return nil
}

func (m *Memory) appendLocked(e credit.Entry) {
	m.entries[e.ID] = e
	m.byAccount[e.AccountID] = append(m.byAccount[e.AccountID], e.ID)
}

func (m *Memory) Entries(_ context.Context, accountID credit.AccountID) ([]credit.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byAccount[accountID]
	result := make([]credit.Entry, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.entries[id])
	}
	return result, nil
}

func (m *Memory) Entry(_ context.Context, id credit.EntryID) (credit.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return credit.Entry{}, credit.NotFound("ledger entry", string(id))
	}
	return e, nil
}

// MarkExpired flips IsExpired. The only mutation the store allows.
func (m *Memory) MarkExpired(_ context.Context, id credit.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return credit.NotFound("ledger entry", string(id))
	}
	e.IsExpired = true
	m.entries[id] = e
	return nil
}

func (m *Memory) LapsedAccounts(_ context.Context, asOf time.Time) ([]credit.AccountID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []credit.AccountID
	for accountID, ids := range m.byAccount {
		for _, id := range ids {
			e := m.entries[id]
			if e.IsGrant() && !e.IsExpired && e.Lapsed(asOf) {
				result = append(result, accountID)
				break
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

func (m *Memory) Link(_ context.Context, id credit.EntryID, refs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[id] = append(m.links[id], refs...)
	return nil
}

func (m *Memory) Links(_ context.Context, id credit.EntryID) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]string, len(m.links[id]))
	copy(result, m.links[id])
	return result, nil
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func (m *Memory) SaveSnapshot(_ context.Context, s credit.BalanceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[s.AccountID] = s
	return nil
}

func (m *Memory) Snapshot(_ context.Context, accountID credit.AccountID) (*credit.BalanceSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[accountID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}
