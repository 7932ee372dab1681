package oracle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"ForwardLedger/internal/event"
	"ForwardLedger/internal/oracle"
	"ForwardLedger/internal/types"
)

const owner types.AccountID = "owner.near"

var pair = oracle.Pair{Underlying: "wrap.near", Quote: "usdc.near"}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingStore struct{}

func (failingStore) Save(context.Context, oracle.Pair, oracle.PriceData) error {
	return errors.New("disk full")
}

func (failingStore) Load(context.Context, oracle.Pair) (oracle.PriceData, bool, error) {
	return oracle.PriceData{}, false, nil
}

type routerFixture struct {
	clock  *testClock
	feed   *oracle.FeedSource
	store  *oracle.MemoryStore
	router *oracle.Router
	events []event.Event
}

func newRouter(t *testing.T) *routerFixture {
	t.Helper()
	f := &routerFixture{
		clock: &testClock{now: t0},
		feed:  oracle.NewFeedSource(time.Hour),
		store: oracle.NewMemoryStore(),
	}
	sink := event.SinkFunc(func(e event.Event) { f.events = append(f.events, e) })
	f.router = oracle.NewRouter(owner, f.feed, f.store, sink, f.clock.Now, zerolog.Nop())
	require.NoError(t, f.router.ConfigureOracle(context.Background(), owner, pair, oracle.Config{
		PoolID:          7,
		TwapWindow:      time.Minute,
		MaxStaleness:    5 * time.Minute,
		MaxDeviationBps: 1_000,
	}))
	return f
}

func (f *routerFixture) push(price int64) {
	f.feed.Record(oracle.PoolUpdate{PoolID: 7, Pair: pair, Price: sdkmath.NewInt(price), Timestamp: f.clock.Now()})
}

// hold moves the pool to price and keeps it there for a full TWAP window.
func (f *routerFixture) hold(price int64) {
	f.push(price)
	f.clock.Advance(time.Minute)
	f.push(price)
}

func TestConfigureOracleOwnerOnly(t *testing.T) {
	f := newRouter(t)
	err := f.router.ConfigureOracle(context.Background(), "mallory.near", pair, oracle.Config{PoolID: 1, TwapWindow: time.Minute, MaxStaleness: time.Minute, MaxDeviationBps: 1})
	require.ErrorIs(t, err, types.ErrUnauthorized)

	err = f.router.ConfigureOracle(context.Background(), owner, pair, oracle.Config{PoolID: 1})
	require.ErrorIs(t, err, types.ErrInvalidOracleConfig)

	cfg, ok := f.router.GetOracleConfig(pair)
	require.True(t, ok)
	require.Equal(t, uint64(7), cfg.PoolID)
}

func TestGetPriceBeforeFetch(t *testing.T) {
	f := newRouter(t)
	_, ok := f.router.GetPrice(pair)
	require.False(t, ok)
}

func TestFetchCachesAcceptedPrice(t *testing.T) {
	f := newRouter(t)
	f.push(1_000)

	p, err := f.router.FetchAndCachePrice(context.Background(), pair)
	require.NoError(t, err)
	require.Equal(t, sdkmath.NewInt(1_000), p.Price)
	require.Equal(t, uint8(oracle.DefaultDecimals), p.Decimals)

	cached, ok := f.router.GetPrice(pair)
	require.True(t, ok)
	require.Equal(t, p, cached)

	stored, ok, err := f.store.Load(context.Background(), pair)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, p, stored)

	require.IsType(t, &event.PriceUpdated{}, f.events[len(f.events)-1])
}

func TestFetchRejectsStaleObservation(t *testing.T) {
	f := newRouter(t)
	f.push(1_000)
	_, err := f.router.FetchPrice(context.Background(), pair)
	require.NoError(t, err)
	before, _ := f.router.GetPrice(pair)

	f.clock.Advance(6 * time.Minute)
	_, err = f.router.FetchPrice(context.Background(), pair)
	require.ErrorIs(t, err, types.ErrStaleData)
	require.Equal(t, types.KindOracleFailure, types.KindOf(err))

	after, _ := f.router.GetPrice(pair)
	require.Equal(t, before, after)
	require.IsType(t, &event.PriceRejected{}, f.events[len(f.events)-1])
}

func TestFetchRejectsExcessiveDeviation(t *testing.T) {
	f := newRouter(t)
	f.push(1_000)
	_, err := f.router.FetchPrice(context.Background(), pair)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	f.hold(2_000)
	_, err = f.router.FetchPrice(context.Background(), pair)
	require.ErrorIs(t, err, types.ErrExcessiveDeviation)

	cached, _ := f.router.GetPrice(pair)
	require.Equal(t, sdkmath.NewInt(1_000), cached.Price)
}

func TestFetchAcceptsMoveWithinLimit(t *testing.T) {
	f := newRouter(t)
	f.push(1_000)
	_, err := f.router.FetchPrice(context.Background(), pair)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	f.hold(1_100)
	p, err := f.router.FetchPrice(context.Background(), pair)
	require.NoError(t, err)
	require.Equal(t, sdkmath.NewInt(1_100), p.Price)
}

func TestFirstFetchSkipsDeviation(t *testing.T) {
	f := newRouter(t)
	f.push(1)
	_, err := f.router.FetchPrice(context.Background(), pair)
	require.NoError(t, err)
}

func TestFetchUnknownPair(t *testing.T) {
	f := newRouter(t)
	_, err := f.router.FetchPrice(context.Background(), oracle.Pair{Underlying: "eth.near", Quote: "usdc.near"})
	require.ErrorIs(t, err, types.ErrUnknownPool)
}

func TestFetchUnreportedPool(t *testing.T) {
	f := newRouter(t)
	_, err := f.router.FetchPrice(context.Background(), pair)
	require.ErrorIs(t, err, types.ErrUnknownPool)
}

func TestFetchWhilePaused(t *testing.T) {
	f := newRouter(t)
	f.push(1_000)
	require.ErrorIs(t, f.router.SetPaused(context.Background(), "mallory.near", true), types.ErrNotOwner)
	require.NoError(t, f.router.SetPaused(context.Background(), owner, true))

	_, err := f.router.FetchPrice(context.Background(), pair)
	require.ErrorIs(t, err, types.ErrOraclePaused)

	require.NoError(t, f.router.SetPaused(context.Background(), owner, false))
	_, err = f.router.FetchPrice(context.Background(), pair)
	require.NoError(t, err)
}

func TestFetchAndCacheRequiresStore(t *testing.T) {
	clock := &testClock{now: t0}
	feed := oracle.NewFeedSource(time.Hour)
	r := oracle.NewRouter(owner, feed, failingStore{}, nil, clock.Now, zerolog.Nop())
	require.NoError(t, r.ConfigureOracle(context.Background(), owner, pair, oracle.Config{
		PoolID: 7, TwapWindow: time.Minute, MaxStaleness: time.Minute, MaxDeviationBps: 100,
	}))
	feed.Record(oracle.PoolUpdate{PoolID: 7, Pair: pair, Price: sdkmath.NewInt(10), Timestamp: t0})

	_, err := r.FetchAndCachePrice(context.Background(), pair)
	require.ErrorIs(t, err, types.ErrSourceUnavailable)
	_, ok := r.GetPrice(pair)
	require.False(t, ok)

	// plain fetch tolerates the store failure
	_, err = r.FetchPrice(context.Background(), pair)
	require.NoError(t, err)
	_, ok = r.GetPrice(pair)
	require.True(t, ok)
}

func TestStablePoolPricing(t *testing.T) {
	f := newRouter(t)
	stable := oracle.Pair{Underlying: "usdt.near", Quote: "usdc.near"}
	require.NoError(t, f.router.ConfigureOracle(context.Background(), owner, stable, oracle.Config{
		PoolID: 9, MaxStaleness: time.Minute, MaxDeviationBps: 50, UseStablePool: true, Decimals: 6,
	}))
	f.feed.Record(oracle.PoolUpdate{
		PoolID: 9, Pair: stable,
		ReserveUnderlying: sdkmath.NewInt(1_000_000),
		ReserveQuote:      sdkmath.NewInt(999_000),
		Timestamp:         t0,
	})

	p, err := f.router.FetchPrice(context.Background(), stable)
	require.NoError(t, err)
	require.Equal(t, sdkmath.NewInt(999_000), p.Price)
}

func quoteDecimals(token types.AccountID) (uint8, bool) {
	if token == "usdc.near" {
		return 6, true
	}
	return 0, false
}

func TestPriceScaleFollowsQuoteDecimals(t *testing.T) {
	f := newRouter(t)
	f.router.SetDecimalsLookup(quoteDecimals)
	stable := oracle.Pair{Underlying: "wrap.near", Quote: "usdc.near"}
	require.NoError(t, f.router.ConfigureOracle(context.Background(), owner, stable, oracle.Config{
		PoolID: 9, MaxStaleness: time.Minute, MaxDeviationBps: 50, UseStablePool: true,
	}))
	f.feed.Record(oracle.PoolUpdate{
		PoolID: 9, Pair: stable,
		ReserveUnderlying: sdkmath.NewInt(1_000_000),
		ReserveQuote:      sdkmath.NewInt(45_000_000),
		Timestamp:         t0,
	})

	p, err := f.router.FetchPrice(context.Background(), stable)
	require.NoError(t, err)
	require.Equal(t, sdkmath.NewInt(45_000_000), p.Price)
	require.Equal(t, uint8(6), p.Decimals)

	updated, ok := f.events[len(f.events)-1].(*event.PriceUpdated)
	require.True(t, ok)
	require.Equal(t, uint8(6), updated.Decimals)
}

func TestConfigureRejectsDecimalsOffQuote(t *testing.T) {
	f := newRouter(t)
	f.router.SetDecimalsLookup(quoteDecimals)

	err := f.router.ConfigureOracle(context.Background(), owner, pair, oracle.Config{
		PoolID: 7, TwapWindow: time.Minute, MaxStaleness: time.Minute, MaxDeviationBps: 1, Decimals: 24,
	})
	require.ErrorIs(t, err, types.ErrInvalidOracleConfig)

	// an unknown quote keeps whatever the config says
	other := oracle.Pair{Underlying: "wrap.near", Quote: "dai.near"}
	require.NoError(t, f.router.ConfigureOracle(context.Background(), owner, other, oracle.Config{
		PoolID: 8, TwapWindow: time.Minute, MaxStaleness: time.Minute, MaxDeviationBps: 1, Decimals: 18,
	}))
}

func TestFetchRejectsFutureObservation(t *testing.T) {
	f := newRouter(t)
	f.feed.Record(oracle.PoolUpdate{PoolID: 7, Pair: pair, Price: sdkmath.NewInt(1_000), Timestamp: t0.Add(time.Hour)})

	_, err := f.router.FetchPrice(context.Background(), pair)
	require.ErrorIs(t, err, types.ErrFutureObservation)
	require.Equal(t, types.KindOracleFailure, types.KindOf(err))
	_, ok := f.router.GetPrice(pair)
	require.False(t, ok)

	rejected, ok := f.events[len(f.events)-1].(*event.PriceRejected)
	require.True(t, ok)
	require.Equal(t, "future", rejected.Reason)

	// within the skew allowance the price is accepted
	f.clock.Advance(time.Hour - 2*time.Second)
	p, err := f.router.FetchPrice(context.Background(), pair)
	require.NoError(t, err)
	require.Equal(t, sdkmath.NewInt(1_000), p.Price)
}

func TestWarmAndRestore(t *testing.T) {
	f := newRouter(t)
	f.push(1_000)
	_, err := f.router.FetchAndCachePrice(context.Background(), pair)
	require.NoError(t, err)

	st := f.router.Export()
	require.Len(t, st.Pairs, 1)
	require.NotNil(t, st.Pairs[0].Price)

	fresh := oracle.NewRouter("other.near", f.feed, f.store, nil, f.clock.Now, zerolog.Nop())
	fresh.Restore(st)
	require.Equal(t, owner, fresh.Owner())
	p, ok := fresh.GetPrice(pair)
	require.True(t, ok)
	require.Equal(t, sdkmath.NewInt(1_000), p.Price)

	cold := oracle.NewRouter(owner, f.feed, f.store, nil, f.clock.Now, zerolog.Nop())
	require.NoError(t, cold.ConfigureOracle(context.Background(), owner, pair, oracle.Config{
		PoolID: 7, TwapWindow: time.Minute, MaxStaleness: time.Minute, MaxDeviationBps: 100,
	}))
	n, err := cold.Warm(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

type flakySource struct{ fail bool }

func (s *flakySource) Observe(context.Context, uint64, oracle.Pair, time.Duration) (oracle.Observation, error) {
	if s.fail {
		return oracle.Observation{}, errors.New("rpc timeout")
	}
	return oracle.Observation{Samples: []oracle.Sample{sample(5, 0)}, Timestamp: t0}, nil
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	clock := &testClock{now: t0}
	src := &flakySource{fail: true}
	b := oracle.NewBreakerSource(src, oracle.BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Cooldown: time.Minute}, clock.Now, zerolog.Nop())

	for i := 0; i < 2; i++ {
		_, err := b.Observe(context.Background(), 1, pair, time.Minute)
		require.Error(t, err)
	}
	require.Equal(t, oracle.BreakerOpen, b.State())

	src.fail = false
	_, err := b.Observe(context.Background(), 1, pair, time.Minute)
	require.ErrorIs(t, err, types.ErrSourceUnavailable)

	clock.Advance(2 * time.Minute)
	_, err = b.Observe(context.Background(), 1, pair, time.Minute)
	require.NoError(t, err)
	require.Equal(t, oracle.BreakerClosed, b.State())
}

func TestRouterWrapsSourceErrors(t *testing.T) {
	clock := &testClock{now: t0}
	r := oracle.NewRouter(owner, &flakySource{fail: true}, nil, nil, clock.Now, zerolog.Nop())
	require.NoError(t, r.ConfigureOracle(context.Background(), owner, pair, oracle.Config{
		PoolID: 1, TwapWindow: time.Minute, MaxStaleness: time.Minute, MaxDeviationBps: 100,
	}))
	_, err := r.FetchPrice(context.Background(), pair)
	require.ErrorIs(t, err, types.ErrSourceUnavailable)
}

func TestFeedDropsOutOfOrderUpdates(t *testing.T) {
	feed := oracle.NewFeedSource(time.Hour)
	require.True(t, feed.Record(oracle.PoolUpdate{PoolID: 1, Pair: pair, Price: sdkmath.NewInt(1), Timestamp: t0.Add(time.Second)}))
	require.False(t, feed.Record(oracle.PoolUpdate{PoolID: 1, Pair: pair, Price: sdkmath.NewInt(2), Timestamp: t0}))
}
