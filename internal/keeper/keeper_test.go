package keeper_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"ForwardLedger/internal/core"
	"ForwardLedger/internal/factory"
	"ForwardLedger/internal/fees"
	"ForwardLedger/internal/keeper"
	"ForwardLedger/internal/market"
	"ForwardLedger/internal/observability"
	"ForwardLedger/internal/oracle"
	"ForwardLedger/internal/persistence"
	"ForwardLedger/internal/types"
)

const (
	owner    types.AccountID = "owner.near"
	reporter types.AccountID = "reporter.near"
	faucet   types.AccountID = "faucet.near"
	alice    types.AccountID = "alice.near"
	keeperID types.AccountID = "keeper.near"
	usdc     types.AccountID = "usdc.near"
	native   types.AccountID = "near"
	wrap     types.AccountID = "wrap.near"
)

var (
	t0   = time.Unix(1_700_000_000, 0).UTC()
	pair = oracle.Pair{Underlying: wrap, Quote: usdc}
)

type fixture struct {
	t      *testing.T
	engine *core.Engine
	next   int
}

func newFixture(t *testing.T) *fixture {
	e, err := core.NewEngine(core.Config{
		Factory: factory.Config{
			ID:                "factory.near",
			Owner:             owner,
			Guardian:          "guardian.near",
			Oracle:            "oracle.near",
			FeeCollector:      "fees.near",
			NativeToken:       native,
			MarketStorageCost: sdkmath.NewInt(50),
			TokenStorageCost:  sdkmath.NewInt(25),
			MaxPageLimit:      100,
		},
		Collector:   fees.Config{ID: "fees.near", Owner: owner, Registrar: "factory.near", Treasury: owner},
		OracleID:    "oracle.near",
		OracleOwner: owner,
		Reporter:    reporter,
		Tokens: []core.TokenConfig{
			{ID: native, Symbol: "NEAR", Decimals: 24, Minter: faucet},
			{ID: usdc, Symbol: "USDC", Decimals: 6, Minter: faucet},
		},
		IdempotencyCapacity: 128,
	}, core.Options{Log: zerolog.Nop()})
	require.NoError(t, err)
	return &fixture{t: t, engine: e}
}

func (f *fixture) must(typ core.CommandType, caller types.AccountID, at time.Time, payload interface{}) interface{} {
	f.t.Helper()
	cmd, err := core.NewCommand(fmt.Sprintf("req-%d", f.next), typ, caller, payload)
	require.NoError(f.t, err)
	f.next++
	cmd.At = at
	res, err := f.engine.Execute(context.Background(), cmd)
	require.NoError(f.t, err, "%s by %s", typ, caller)
	return res
}

// deploy creates a funded market maturing at t0+1h and reports prices up
// to just past maturity.
func (f *fixture) deploy() market.Info {
	for _, tok := range []types.AccountID{native, usdc} {
		f.must(core.CmdStorageDeposit, alice, t0, core.StorageDepositPayload{Token: tok})
	}
	f.must(core.CmdMint, faucet, t0, core.MintPayload{Token: native, Account: alice, Amount: sdkmath.NewInt(1_000)})
	f.must(core.CmdMint, faucet, t0, core.MintPayload{Token: usdc, Account: alice, Amount: sdkmath.NewInt(1_000_000)})
	f.must(core.CmdConfigureOracle, owner, t0, core.ConfigureOraclePayload{Pair: pair, Config: oracle.Config{
		PoolID:          7,
		TwapWindow:      10 * time.Minute,
		MaxStaleness:    5 * time.Minute,
		MaxDeviationBps: 5000,
	}})
	res := f.must(core.CmdDeployMarket, alice, t0, core.DeployMarketPayload{
		Params: market.Params{
			Underlying:   wrap,
			Quote:        usdc,
			Maturity:     t0.Add(time.Hour),
			StrikeK:      sdkmath.NewInt(50),
			LowerBoundL:  sdkmath.NewInt(30),
			UpperBoundU:  sdkmath.NewInt(70),
			MintFeeBps:   30,
			SettleFeeBps: 10,
		},
		Deposit: sdkmath.NewInt(100),
	})
	info := res.(core.DeployResult).Market
	f.must(core.CmdCreatePosition, alice, t0.Add(time.Minute), core.CreatePositionPayload{Market: info.MarketID.String(), Amount: sdkmath.NewInt(10_000)})
	f.must(core.CmdRecordObservation, reporter, t0.Add(50*time.Minute), core.ObservationPayload{Sequence: 1, Update: oracle.PoolUpdate{PoolID: 7, Pair: pair, Price: sdkmath.NewInt(60)}})
	f.must(core.CmdRecordObservation, reporter, t0.Add(61*time.Minute), core.ObservationPayload{Sequence: 2, Update: oracle.PoolUpdate{PoolID: 7, Pair: pair, Price: sdkmath.NewInt(60)}})
	return info
}

type fakeLocker struct {
	held     map[string]bool
	acquired []string
}

func (l *fakeLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	if l.held[key] {
		return nil, errors.New("held")
	}
	l.acquired = append(l.acquired, key)
	return func() {}, nil
}

type fakeSnapshots struct {
	saved    []*core.SnapshotState
	verified int
	pruned   []int
}

func (s *fakeSnapshots) SaveSnapshot(_ context.Context, snap *core.SnapshotState) (persistence.SnapshotInfo, error) {
	s.saved = append(s.saved, snap)
	return persistence.SnapshotInfo{Sequence: snap.Sequence}, nil
}

func (s *fakeSnapshots) VerifyPending(context.Context) (int, error) {
	s.verified++
	return 0, nil
}

func (s *fakeSnapshots) Prune(_ context.Context, keep int) (int64, error) {
	s.pruned = append(s.pruned, keep)
	return 0, nil
}

func clockAt(t time.Time) types.Clock {
	return func() time.Time { return t }
}

func TestSettleJobSettlesMaturedMarkets(t *testing.T) {
	f := newFixture(t)
	info := f.deploy()
	metrics := observability.NewMetrics(nil)
	locker := &fakeLocker{}

	k, err := keeper.New(keeper.Config{Caller: keeperID}, f.engine, zerolog.Nop(),
		keeper.WithClock(clockAt(t0.Add(30*time.Minute))),
		keeper.WithLocker(locker),
		keeper.WithMetrics(metrics),
	)
	require.NoError(t, err)

	// not mature yet: nothing to do
	require.NoError(t, k.RunJob(context.Background(), keeper.JobSettle))
	m, ok := f.engine.Factory().MarketByID(info.MarketID)
	require.True(t, ok)
	require.False(t, m.State().IsSettled)

	k, err = keeper.New(keeper.Config{Caller: keeperID}, f.engine, zerolog.Nop(),
		keeper.WithClock(clockAt(t0.Add(61*time.Minute))),
		keeper.WithLocker(locker),
		keeper.WithMetrics(metrics),
	)
	require.NoError(t, err)
	require.NoError(t, k.RunJob(context.Background(), keeper.JobSettle))

	st := m.State()
	require.True(t, st.IsSettled)
	require.Equal(t, "60", st.SettlementPrice.String())
	require.Equal(t, []string{"keeper:settle", "keeper:settle"}, locker.acquired)
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.KeeperRuns.WithLabelValues(keeper.JobSettle, "ok")))

	// settled markets are skipped
	require.NoError(t, k.RunJob(context.Background(), keeper.JobSettle))
}

func TestSettleJobReportsOracleFailures(t *testing.T) {
	f := newFixture(t)
	info := f.deploy()

	// the last observation is far older than max staleness
	k, err := keeper.New(keeper.Config{Caller: keeperID}, f.engine, zerolog.Nop(),
		keeper.WithClock(clockAt(t0.Add(3*time.Hour))),
	)
	require.NoError(t, err)
	err = k.RunJob(context.Background(), keeper.JobSettle)
	require.Error(t, err)
	require.Equal(t, types.KindOracleFailure, types.KindOf(err))

	m, _ := f.engine.Factory().MarketByID(info.MarketID)
	require.False(t, m.State().IsSettled)
}

func TestJobSkippedWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	metrics := observability.NewMetrics(nil)
	k, err := keeper.New(keeper.Config{Caller: keeperID}, f.engine, zerolog.Nop(),
		keeper.WithLocker(&fakeLocker{held: map[string]bool{"keeper:refresh": true}}),
		keeper.WithMetrics(metrics),
	)
	require.NoError(t, err)

	err = k.RunJob(context.Background(), keeper.JobRefresh)
	require.ErrorIs(t, err, keeper.ErrLocked)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.KeeperRuns.WithLabelValues(keeper.JobRefresh, "skipped")))
}

func TestRefreshJobFetchesConfiguredPairs(t *testing.T) {
	f := newFixture(t)
	f.deploy()

	k, err := keeper.New(keeper.Config{Caller: keeperID}, f.engine, zerolog.Nop(),
		keeper.WithClock(clockAt(t0.Add(62*time.Minute))),
	)
	require.NoError(t, err)
	require.NoError(t, k.RunJob(context.Background(), keeper.JobRefresh))

	price, ok := f.engine.Router().GetPrice(pair)
	require.True(t, ok)
	require.Equal(t, "60", price.Price.String())
}

func TestSnapshotJob(t *testing.T) {
	f := newFixture(t)
	store := &fakeSnapshots{}
	k, err := keeper.New(keeper.Config{Caller: keeperID, SnapshotKeep: 3}, f.engine, zerolog.Nop(),
		keeper.WithSnapshots(store),
	)
	require.NoError(t, err)

	// nothing sequenced yet
	require.NoError(t, k.RunJob(context.Background(), keeper.JobSnapshot))
	require.Empty(t, store.saved)
	require.Equal(t, 1, store.verified)

	f.deploy()
	require.NoError(t, k.RunJob(context.Background(), keeper.JobSnapshot))
	require.Len(t, store.saved, 1)
	require.Equal(t, f.engine.GetSequence()-1, store.saved[0].Sequence)
	require.Equal(t, []int{3}, store.pruned)
}

func TestNewRejectsBadSchedule(t *testing.T) {
	f := newFixture(t)
	_, err := keeper.New(keeper.Config{Caller: keeperID, SettleSpec: "every minute"}, f.engine, zerolog.Nop())
	require.Error(t, err)

	_, err = keeper.New(keeper.Config{Caller: "X"}, f.engine, zerolog.Nop())
	require.Error(t, err)

	k, err := keeper.New(keeper.Config{Caller: keeperID, SettleSpec: "@every 1m", SnapshotSpec: "@every 5m"}, f.engine, zerolog.Nop())
	require.NoError(t, err)
	require.Error(t, k.RunJob(context.Background(), "compact"))
}
