package credit

import "sync"

// AccountLocks is a keyed mutex serializing ledger writers per account.
//
// The ledger itself takes no locks: serializing work on one account is the
// caller's job. The HTTP layer and the expiry sweeper both go through one
// shared AccountLocks so a redemption and a sweep of the same account never
// interleave. Entries are reference counted and dropped when unused.
type AccountLocks struct {
	mu    sync.Mutex
	locks map[AccountID]*accountLock
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

func NewAccountLocks() *AccountLocks {
	return &AccountLocks{locks: make(map[AccountID]*accountLock)}
}

// Lock blocks until the account's lock is held and returns its release func.
func (l *AccountLocks) Lock(id AccountID) (unlock func()) {
	l.mu.Lock()
	al, ok := l.locks[id]
	if !ok {
		al = &accountLock{}
		l.locks[id] = al
	}
	al.refs++
	l.mu.Unlock()

	al.mu.Lock()
	return func() {
		al.mu.Unlock()
		l.mu.Lock()
		al.refs--
		if al.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
