package redis_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-ledger/credit"
	credstore "github.com/warp/loyalty-ledger/credit/store"
	redisstore "github.com/warp/loyalty-ledger/store/redis"
)

func newStore(t *testing.T) *redisstore.SnapshotStore {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client, err := redisstore.Connect(addr, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	return redisstore.NewSnapshotStore(client, time.Minute)
}

func TestSnapshotStore_RoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	account := credit.AccountID("test-" + uuid.NewString())
	t.Cleanup(func() { s.Invalidate(ctx, account) })

	missing, err := s.Snapshot(ctx, account)
	require.NoError(t, err)
	assert.Nil(t, missing)

	snap := credit.BalanceSnapshot{
		AccountID:        account,
		TotalBalance:     decimal.NewFromInt(180),
		Earned:           decimal.NewFromInt(300),
		Used:             decimal.NewFromInt(120),
		Expired:          decimal.Zero,
		Adjusted:         decimal.Zero,
		ExpiringIn7Days:  decimal.NewFromInt(50),
		ExpiringIn30Days: decimal.NewFromInt(150),
		LastUpdated:      time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.SaveSnapshot(ctx, snap))

	got, err := s.Snapshot(ctx, account)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.TotalBalance.Equal(snap.TotalBalance))
	assert.True(t, got.ExpiringIn30Days.Equal(snap.ExpiringIn30Days))
	assert.True(t, got.LastUpdated.Equal(snap.LastUpdated))
}

func TestSnapshotStore_BehindBalanceCache(t *testing.T) {
	// GIVEN: Ledger in memory, snapshots in Redis
	// WHEN: A grant is written and the cache refreshed
	// THEN: Read serves the Redis snapshot

	s := newStore(t)
	ctx := context.Background()
	account := credit.AccountID("test-" + uuid.NewString())
	t.Cleanup(func() { s.Invalidate(ctx, account) })

	clock := credit.NewManualClock(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC))
	ledger := credit.NewLedger(credstore.NewMemory(), clock)
	cache := credit.NewBalanceCache(ledger, s, clock, time.Hour, nil)

	require.NoError(t, ledger.Append(ctx, credit.Entry{
		ID: credit.NewEntryID(), AccountID: account, Amount: decimal.NewFromInt(75),
		Kind: credit.KindEarn, EarnedDate: clock.Now(), CreatedAt: clock.Now(),
	}))
	require.NotNil(t, cache.Refresh(ctx, account))

	bal, err := cache.Read(ctx, account)
	require.NoError(t, err)
	assert.True(t, bal.TotalBalance.Equal(decimal.NewFromInt(75)))
}
