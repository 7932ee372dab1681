package redis_test

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/require"

	fwdredis "ForwardLedger/internal/cache/redis"
	"ForwardLedger/internal/oracle"
	"ForwardLedger/internal/testutil"
)

func connect(t *testing.T) *fwdredis.Client {
	t.Helper()
	addr := testutil.RequireRedis(t)
	c, err := fwdredis.New(context.Background(), fwdredis.ClientConfig{Addr: addr, DB: 15})
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Underlying().FlushDB(context.Background())
		c.Close()
	})
	return c
}

func TestPriceStoreRoundTrip(t *testing.T) {
	store := fwdredis.NewPriceStore(connect(t))
	ctx := context.Background()
	pair := oracle.Pair{Underlying: "wrap.near", Quote: "usdc.near"}

	_, ok, err := store.Load(ctx, pair)
	require.NoError(t, err)
	require.False(t, ok)

	huge, _ := sdkmath.NewIntFromString("340282366920938463463374607431768211455")
	want := oracle.PriceData{Price: huge, Timestamp: time.Unix(1_700_000_000, 5).UTC(), Decimals: 24}
	require.NoError(t, store.Save(ctx, pair, want))

	got, ok, err := store.Load(ctx, pair)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Price.Equal(want.Price))
	require.True(t, got.Timestamp.Equal(want.Timestamp))
	require.Equal(t, uint8(24), got.Decimals)
}

func TestLockManager(t *testing.T) {
	locks := fwdredis.NewLockManager(connect(t))
	ctx := context.Background()

	unlock, err := locks.Acquire(ctx, "keeper:settle", time.Minute)
	require.NoError(t, err)

	_, err = locks.Acquire(ctx, "keeper:settle", time.Minute)
	require.True(t, errors.Is(err, fwdredis.ErrLockHeld))

	unlock()
	unlock()

	again, err := locks.Acquire(ctx, "keeper:settle", time.Minute)
	require.NoError(t, err)
	again()
}
