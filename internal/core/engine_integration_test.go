package core_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"ForwardLedger/internal/core"
	"ForwardLedger/internal/event"
	"ForwardLedger/internal/factory"
	"ForwardLedger/internal/fees"
	"ForwardLedger/internal/market"
	fpmath "ForwardLedger/internal/math"
	"ForwardLedger/internal/oracle"
	"ForwardLedger/internal/types"
)

// --- Test helpers ---

const (
	owner    types.AccountID = "owner.near"
	guardian types.AccountID = "guardian.near"
	reporter types.AccountID = "reporter.near"
	faucet   types.AccountID = "faucet.near"
	alice    types.AccountID = "alice.near"
	bob      types.AccountID = "bob.near"
	native   types.AccountID = "near"
	usdc     types.AccountID = "usdc.near"
	wrap     types.AccountID = "wrap.near"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

var pair = oracle.Pair{Underlying: wrap, Quote: usdc}

func testConfig() core.Config {
	return core.Config{
		Factory: factory.Config{
			ID:                "factory.near",
			Owner:             owner,
			Guardian:          guardian,
			Oracle:            "oracle.near",
			FeeCollector:      "fees.near",
			NativeToken:       native,
			MarketStorageCost: sdkmath.NewInt(50),
			TokenStorageCost:  sdkmath.NewInt(25),
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
	}
}

type harness struct {
	t       *testing.T
	engine  *core.Engine
	persist chan core.CoreOutput
	next    int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	persist := make(chan core.CoreOutput, 1024)
	e, err := core.NewEngine(testConfig(), core.Options{PersistChan: persist, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return &harness{t: t, engine: e, persist: persist}
}

func (h *harness) command(typ core.CommandType, caller types.AccountID, at time.Time, payload interface{}) core.Command {
	h.t.Helper()
	cmd, err := core.NewCommand(fmt.Sprintf("req-%d", h.next), typ, caller, payload)
	if err != nil {
		h.t.Fatalf("NewCommand: %v", err)
	}
	h.next++
	cmd.At = at
	return cmd
}

func (h *harness) exec(typ core.CommandType, caller types.AccountID, at time.Time, payload interface{}) (interface{}, error) {
	return h.engine.Execute(context.Background(), h.command(typ, caller, at, payload))
}

func (h *harness) must(typ core.CommandType, caller types.AccountID, at time.Time, payload interface{}) interface{} {
	h.t.Helper()
	res, err := h.exec(typ, caller, at, payload)
	if err != nil {
		h.t.Fatalf("%s by %s: %v", typ, caller, err)
	}
	return res
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func params() market.Params {
	return market.Params{
		Underlying:  wrap,
		Quote:       usdc,
		Maturity:    t0.Add(time.Hour),
		StrikeK:     sdkmath.NewInt(50),
		LowerBoundL: sdkmath.NewInt(30),
		UpperBoundU: sdkmath.NewInt(70),
		MintFeeBps:  30,
	}
}

// fundAccounts registers alice and bob and funds them from the faucet.
func (h *harness) fundAccounts() {
	for _, acct := range []types.AccountID{alice, bob} {
		for _, tok := range []types.AccountID{native, usdc} {
			h.must(core.CmdStorageDeposit, acct, t0, core.StorageDepositPayload{Token: tok})
		}
		h.must(core.CmdMint, faucet, t0, core.MintPayload{Token: native, Account: acct, Amount: sdkmath.NewInt(1_000)})
		h.must(core.CmdMint, faucet, t0, core.MintPayload{Token: usdc, Account: acct, Amount: sdkmath.NewInt(1_000_000)})
	}
}

// setupMarket funds accounts, configures the oracle and deploys one market
// with two positions. It returns the market info.
func (h *harness) setupMarket() market.Info {
	h.fundAccounts()
	h.must(core.CmdConfigureOracle, owner, t0, core.ConfigureOraclePayload{Pair: pair, Config: oracle.Config{
		PoolID:          7,
		TwapWindow:      10 * time.Minute,
		MaxStaleness:    5 * time.Minute,
		MaxDeviationBps: 5000,
	}})
	res := h.must(core.CmdDeployMarket, alice, t0, core.DeployMarketPayload{Params: params(), Deposit: sdkmath.NewInt(100)})
	info := res.(core.DeployResult).Market
	key := info.MarketID.String()
	h.must(core.CmdCreatePosition, alice, t0.Add(time.Minute), core.CreatePositionPayload{Market: key, Amount: sdkmath.NewInt(10_000)})
	h.must(core.CmdCreatePosition, bob, t0.Add(2*time.Minute), core.CreatePositionPayload{Market: key, Amount: sdkmath.NewInt(10_000)})
	return info
}

// settleAndRedeem reports prices past maturity, settles and redeems.
func (h *harness) settleAndRedeem(info market.Info) {
	key := info.MarketID.String()
	// alice sells her short claims to bob
	h.must(core.CmdTransfer, alice, t0.Add(3*time.Minute), core.TransferPayload{Token: info.ShortToken, Receiver: bob, Amount: sdkmath.NewInt(9_970)})

	h.must(core.CmdRecordObservation, reporter, t0.Add(50*time.Minute), core.ObservationPayload{Sequence: 1, Update: oracle.PoolUpdate{PoolID: 7, Pair: pair, Price: sdkmath.NewInt(60)}})
	h.must(core.CmdRecordObservation, reporter, t0.Add(61*time.Minute), core.ObservationPayload{Sequence: 2, Update: oracle.PoolUpdate{PoolID: 7, Pair: pair, Price: sdkmath.NewInt(60)}})
	h.must(core.CmdSettle, bob, t0.Add(61*time.Minute), core.MarketRef{Market: key})
	h.must(core.CmdRedeem, alice, t0.Add(62*time.Minute), core.RedeemPayload{Market: key, LongAmount: sdkmath.NewInt(9_970), ShortAmount: sdkmath.ZeroInt()})
	h.must(core.CmdRedeem, bob, t0.Add(62*time.Minute), core.RedeemPayload{Market: key, LongAmount: sdkmath.NewInt(9_970), ShortAmount: sdkmath.NewInt(19_940)})
}

// ============================================================================
// Test: full lifecycle
// ============================================================================

func TestEngineLifecycle(t *testing.T) {
	h := newHarness(t)
	info := h.setupMarket()
	h.settleAndRedeem(info)

	m, ok := h.engine.Factory().MarketByID(info.MarketID)
	if !ok {
		t.Fatalf("market %s not found", info.MarketID)
	}
	st := m.State()
	if !st.IsSettled {
		t.Fatal("market not settled")
	}
	if got, want := st.SettlementPrice.String(), "60"; got != want {
		t.Errorf("settlement price: got %s, want %s", got, want)
	}
	if !st.LongTokenSupply.IsZero() || !st.ShortTokenSupply.IsZero() {
		t.Errorf("claims left after full redemption: long %s short %s", st.LongTokenSupply, st.ShortTokenSupply)
	}

	// 2 * 30 = 60 mint fees reached the collector
	if got := h.engine.Collector().CollectedFees(usdc); !got.Equal(sdkmath.NewInt(60)) {
		t.Errorf("collected fees: got %s, want 60", got)
	}
	if err := m.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}

	var seen = map[event.EventType]int{}
	outputs := drainOutputs(h.persist)
	var prev *event.EventEnvelope
	for _, o := range outputs {
		if len(o.Events) != len(o.Envelopes) {
			t.Fatalf("command %d: %d events, %d envelopes", o.Record.Seq, len(o.Events), len(o.Envelopes))
		}
		for _, env := range o.Envelopes {
			seen[env.EventType]++
			if prev != nil {
				if env.Sequence != prev.Sequence+1 {
					t.Errorf("sequence: got %d after %d", env.Sequence, prev.Sequence)
				}
				if env.PrevHash != prev.StateHash {
					t.Errorf("seq %d does not chain to %d", env.Sequence, prev.Sequence)
				}
			}
			if env.IdempotencyKey != o.Record.Command.RequestID {
				t.Errorf("seq %d: request id %q, want %q", env.Sequence, env.IdempotencyKey, o.Record.Command.RequestID)
			}
			prev = env
		}
	}
	if prev == nil || prev.Sequence+1 != h.engine.GetSequence() {
		t.Fatalf("engine sequence %d does not follow the last envelope", h.engine.GetSequence())
	}
	if prev.StateHash != h.engine.GetStateHash() {
		t.Error("engine hash differs from the last envelope")
	}
	for et, want := range map[event.EventType]int{
		event.EventTypeMarketDeployed:   1,
		event.EventTypePositionCreated:  2,
		event.EventTypeMarketSettled:    1,
		event.EventTypePositionRedeemed: 2,
		event.EventTypeOracleConfigured: 1,
	} {
		if seen[et] != want {
			t.Errorf("%s events: got %d, want %d", et, seen[et], want)
		}
	}
	if seen[event.EventTypeJournalPosted] == 0 {
		t.Error("no journal events")
	}
}

// ============================================================================
// Test: idempotency
// ============================================================================

func TestDuplicateRequestRejected(t *testing.T) {
	h := newHarness(t)
	cmd := h.command(core.CmdStorageDeposit, alice, t0, core.StorageDepositPayload{Token: usdc})

	if _, err := h.engine.Execute(context.Background(), cmd); err != nil {
		t.Fatalf("first: %v", err)
	}
	drainOutputs(h.persist)

	_, err := h.engine.Execute(context.Background(), cmd)
	if !errors.Is(err, types.ErrDuplicateRequest) {
		t.Fatalf("second: got %v, want ErrDuplicateRequest", err)
	}
	if got := len(drainOutputs(h.persist)); got != 0 {
		t.Errorf("duplicate produced %d outputs", got)
	}
	if got := h.engine.GetCommandSequence(); got != 1 {
		t.Errorf("command sequence: got %d, want 1", got)
	}
}

func TestFailedCommandIsLoggedAndRetryable(t *testing.T) {
	h := newHarness(t)
	h.fundAccounts()
	drainOutputs(h.persist)

	bad := h.command(core.CmdTransfer, alice, t0, core.TransferPayload{Token: usdc, Receiver: bob, Amount: sdkmath.NewInt(5_000_000)})
	_, err := h.engine.Execute(context.Background(), bad)
	if !errors.Is(err, types.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	outputs := drainOutputs(h.persist)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if got, want := outputs[0].Record.ErrorKind, "InsufficientFunds"; got != want {
		t.Errorf("error kind: got %s, want %s", got, want)
	}

	// the same request id may be retried after a failure
	retry := bad
	retry.Payload, _ = json.Marshal(core.TransferPayload{Token: usdc, Receiver: bob, Amount: sdkmath.NewInt(5)})
	if _, err := h.engine.Execute(context.Background(), retry); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestMalformedCommands(t *testing.T) {
	h := newHarness(t)
	cases := []core.Command{
		{RequestID: "a", Type: "launch_rocket", Caller: alice},
		{RequestID: "b", Type: core.CmdSettle, Caller: alice},
		{RequestID: "c", Type: core.CmdSettle, Caller: alice, Payload: json.RawMessage(`{"market":`)},
	}
	for _, cmd := range cases {
		if _, err := h.engine.Execute(context.Background(), cmd); !errors.Is(err, types.ErrMalformedCommand) {
			t.Errorf("%s: got %v, want ErrMalformedCommand", cmd.RequestID, err)
		}
	}
	cmd := h.command(core.CmdSettle, alice, t0, core.MarketRef{Market: "market-9.factory.near"})
	if _, err := h.engine.Execute(context.Background(), cmd); !errors.Is(err, types.ErrUnknownMarket) {
		t.Errorf("unknown market: got %v", err)
	}
}

// ============================================================================
// Test: sequencing
// ============================================================================

func TestProducerSequence(t *testing.T) {
	h := newHarness(t)
	run := func(seq int64) error {
		cmd := h.command(core.CmdStorageDeposit, alice, t0, core.StorageDepositPayload{Token: usdc})
		cmd.Producer = "ops"
		cmd.ProducerSeq = seq
		_, err := h.engine.Execute(context.Background(), cmd)
		return err
	}
	if err := run(0); err != nil {
		t.Fatalf("seq 0: %v", err)
	}
	if err := run(2); err == nil {
		t.Fatal("seq 2 after 0: expected gap error")
	}
	if err := run(1); err != nil {
		t.Fatalf("seq 1: %v", err)
	}
	if err := run(1); err == nil {
		t.Fatal("seq 1 again: expected out-of-order error")
	}
}

func TestObservationSequence(t *testing.T) {
	h := newHarness(t)
	observe := func(seq int64, caller types.AccountID) error {
		_, err := h.exec(core.CmdRecordObservation, caller, t0.Add(time.Duration(seq)*time.Second), core.ObservationPayload{
			Sequence: seq,
			Update:   oracle.PoolUpdate{PoolID: 7, Pair: pair, Price: sdkmath.NewInt(60)},
		})
		return err
	}
	if err := observe(5, reporter); err != nil {
		t.Fatalf("seq 5: %v", err)
	}
	if err := observe(3, reporter); !errors.Is(err, types.ErrStaleData) {
		t.Fatalf("seq 3: got %v, want ErrStaleData", err)
	}
	if err := observe(9, reporter); err != nil {
		t.Fatalf("seq 9 (gap): %v", err)
	}
	if err := observe(10, alice); !errors.Is(err, types.ErrUnauthorized) {
		t.Fatalf("alice: got %v, want ErrUnauthorized", err)
	}
}

// ============================================================================
// Test: snapshot + replay
// ============================================================================

func TestSnapshotRestoreReplay(t *testing.T) {
	h := newHarness(t)
	info := h.setupMarket()

	snap := h.engine.CreateSnapshotState()
	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("encode snapshot: %v", err)
	}
	drainOutputs(h.persist)

	h.settleAndRedeem(info)
	var records []core.CommandRecord
	for _, o := range drainOutputs(h.persist) {
		records = append(records, o.Record)
	}

	restored, err := core.NewEngine(testConfig(), core.Options{Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	var decoded core.SnapshotState
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if err := restored.RestoreFromSnapshot(&decoded); err != nil {
		t.Fatalf("restore: %v", err)
	}
	n, err := restored.Replay(context.Background(), records)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != len(records) {
		t.Errorf("replayed %d of %d", n, len(records))
	}

	if got, want := restored.GetSequence(), h.engine.GetSequence(); got != want {
		t.Errorf("sequence: got %d, want %d", got, want)
	}
	if restored.GetStateHash() != h.engine.GetStateHash() {
		t.Error("state hash diverged after replay")
	}
	m, _ := restored.Factory().MarketByID(info.MarketID)
	if !m.State().IsSettled {
		t.Error("restored market not settled after replay")
	}

	// replayed request ids are known to the restored engine
	_, err = restored.Execute(context.Background(), records[len(records)-1].Command)
	if !errors.Is(err, types.ErrDuplicateRequest) {
		t.Errorf("re-execute after replay: got %v, want ErrDuplicateRequest", err)
	}
}

func TestRestoreIntoUsedEngineFails(t *testing.T) {
	h := newHarness(t)
	h.fundAccounts()
	snap := h.engine.CreateSnapshotState()
	if err := h.engine.RestoreFromSnapshot(snap); err == nil {
		t.Fatal("expected error restoring into a used engine")
	}
}

// ============================================================================
// Test: command clock
// ============================================================================

func TestCommandClockNeverRunsBackward(t *testing.T) {
	h := newHarness(t)
	info := h.setupMarket()
	key := info.MarketID.String()

	h.must(core.CmdRecordObservation, reporter, t0.Add(61*time.Minute), core.ObservationPayload{Sequence: 1, Update: oracle.PoolUpdate{PoolID: 7, Pair: pair, Price: sdkmath.NewInt(60)}})
	drainOutputs(h.persist)

	// stamped before maturity, but the engine has already seen t0+61m
	_, err := h.exec(core.CmdCreatePosition, alice, t0.Add(5*time.Minute), core.CreatePositionPayload{Market: key, Amount: sdkmath.NewInt(1_000)})
	if !errors.Is(err, types.ErrMarketExpired) {
		t.Fatalf("create after clock passed maturity: got %v, want ErrMarketExpired", err)
	}
	outputs := drainOutputs(h.persist)
	if len(outputs) != 1 {
		t.Fatalf("got %d outputs, want 1", len(outputs))
	}
	if got, want := outputs[0].Record.Command.At, t0.Add(61*time.Minute); !got.Equal(want) {
		t.Errorf("logged command time: got %s, want %s", got, want)
	}

	snap := h.engine.CreateSnapshotState()
	if got, want := snap.LastCommandAt, t0.Add(61*time.Minute).UnixNano(); got != want {
		t.Errorf("snapshot clock: got %d, want %d", got, want)
	}
	restored, err := core.NewEngine(testConfig(), core.Options{Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := restored.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	cmd, err := core.NewCommand("after-restore", core.CmdCreatePosition, bob, core.CreatePositionPayload{Market: key, Amount: sdkmath.NewInt(1_000)})
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	cmd.At = t0.Add(5 * time.Minute)
	if _, err := restored.Execute(context.Background(), cmd); !errors.Is(err, types.ErrMarketExpired) {
		t.Errorf("create after restore: got %v, want ErrMarketExpired", err)
	}
}

func TestCommandStampedAheadOfWallClock(t *testing.T) {
	h := newHarness(t)

	_, err := h.exec(core.CmdStorageDeposit, alice, time.Now().Add(time.Hour), core.StorageDepositPayload{Token: usdc})
	if !errors.Is(err, types.ErrClockSkew) {
		t.Fatalf("got %v, want ErrClockSkew", err)
	}
	if types.KindOf(err) != types.KindValidation {
		t.Errorf("kind: got %s, want Validation", types.KindOf(err))
	}
	if outputs := drainOutputs(h.persist); len(outputs) != 0 {
		t.Errorf("rejected command reached the log: %d outputs", len(outputs))
	}

	if _, err := h.exec(core.CmdStorageDeposit, alice, time.Now().Add(10*time.Second), core.StorageDepositPayload{Token: usdc}); err != nil {
		t.Errorf("command within skew: %v", err)
	}
}

// ============================================================================
// Test: price scale
// ============================================================================

func TestStablePoolSettlesInQuoteDecimals(t *testing.T) {
	h := newHarness(t)
	h.fundAccounts()
	h.must(core.CmdConfigureOracle, owner, t0, core.ConfigureOraclePayload{Pair: pair, Config: oracle.Config{
		PoolID:          7,
		MaxStaleness:    5 * time.Minute,
		MaxDeviationBps: 5000,
		UseStablePool:   true,
	}})
	p := params()
	p.StrikeK = sdkmath.NewInt(50_000_000)
	p.LowerBoundL = sdkmath.NewInt(30_000_000)
	p.UpperBoundU = sdkmath.NewInt(70_000_000)
	res := h.must(core.CmdDeployMarket, alice, t0, core.DeployMarketPayload{Params: p, Deposit: sdkmath.NewInt(100)})
	info := res.(core.DeployResult).Market
	key := info.MarketID.String()
	h.must(core.CmdCreatePosition, alice, t0.Add(time.Minute), core.CreatePositionPayload{Market: key, Amount: sdkmath.NewInt(10_000)})

	h.must(core.CmdRecordObservation, reporter, t0.Add(61*time.Minute), core.ObservationPayload{Sequence: 1, Update: oracle.PoolUpdate{
		PoolID:            7,
		Pair:              pair,
		ReserveUnderlying: sdkmath.NewInt(1_000_000),
		ReserveQuote:      sdkmath.NewInt(45_000_000),
	}})
	h.must(core.CmdSettle, bob, t0.Add(61*time.Minute), core.MarketRef{Market: key})

	m, _ := h.engine.Factory().MarketByID(info.MarketID)
	st := m.State()
	if got, want := st.SettlementPrice.String(), "45000000"; got != want {
		t.Errorf("settlement price: got %s, want %s", got, want)
	}
	if got, want := fpmath.FormatUnits(*st.SettlementFactor, fpmath.FactorDecimals), "0.375"; got != want {
		t.Errorf("settlement factor: got %s, want %s", got, want)
	}
	price, _ := h.engine.Router().GetPrice(pair)
	if price.Decimals != 6 {
		t.Errorf("price decimals: got %d, want 6", price.Decimals)
	}
}
