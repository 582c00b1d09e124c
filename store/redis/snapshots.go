/*
snapshots.go - Redis balance snapshot cache

PURPOSE:
  Alternative credit.SnapshotStore that keeps balance snapshots in Redis
  hashes, so several server instances share one cache. Snapshots are
  rebuildable from the ledger, so a TTL evicts idle accounts and a miss
  just means a recompute.

LAYOUT:
  key   loyalty:balance:<account_id>
  field total_balance, earned, used, expired, adjusted,
        expiring_7d, expiring_30d (decimal strings)
        last_updated (RFC3339Nano)
*/
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-ledger/credit"
)

const keyPrefix = "loyalty:balance:"

var _ credit.SnapshotStore = (*SnapshotStore)(nil)

// Connect builds a client from a redis:// URL or a host:port address.
func Connect(addr, password string, db int) (*redis.Client, error) {
	if strings.HasPrefix(addr, "redis://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}), nil
}

type SnapshotStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSnapshotStore wraps client. ttl <= 0 keeps snapshots forever.
func NewSnapshotStore(client *redis.Client, ttl time.Duration) *SnapshotStore {
	return &SnapshotStore{client: client, ttl: ttl}
}

func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snap credit.BalanceSnapshot) error {
	key := keyPrefix + string(snap.AccountID)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"total_balance", snap.TotalBalance.String(),
			"earned", snap.Earned.String(),
			"used", snap.Used.String(),
			"expired", snap.Expired.String(),
			"adjusted", snap.Adjusted.String(),
			"expiring_7d", snap.ExpiringIn7Days.String(),
			"expiring_30d", snap.ExpiringIn30Days.String(),
			"last_updated", snap.LastUpdated.UTC().Format(time.RFC3339Nano),
		)
		if s.ttl > 0 {
			p.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.AccountID, err)
	}
	return nil
}

// Snapshot returns nil when the account has no cached snapshot.
func (s *SnapshotStore) Snapshot(ctx context.Context, accountID credit.AccountID) (*credit.BalanceSnapshot, error) {
	data, err := s.client.HGetAll(ctx, keyPrefix+string(accountID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis: %w", credit.ErrDependencyUnavailable, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	snap := credit.BalanceSnapshot{AccountID: accountID}
	for field, dst := range map[string]*decimal.Decimal{
		"total_balance": &snap.TotalBalance,
		"earned":        &snap.Earned,
		"used":          &snap.Used,
		"expired":       &snap.Expired,
		"adjusted":      &snap.Adjusted,
		"expiring_7d":   &snap.ExpiringIn7Days,
		"expiring_30d":  &snap.ExpiringIn30Days,
	} {
		v, err := decimal.NewFromString(data[field])
		if err != nil {
			// A torn or foreign hash is treated as a miss.
			return nil, nil
		}
		*dst = v
	}
	if snap.LastUpdated, err = time.Parse(time.RFC3339Nano, data["last_updated"]); err != nil {
		return nil, nil
	}
	return &snap, nil
}

// Invalidate drops an account's snapshot.
func (s *SnapshotStore) Invalidate(ctx context.Context, accountID credit.AccountID) error {
	return s.client.Del(ctx, keyPrefix+string(accountID)).Err()
}
