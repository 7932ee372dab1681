package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"ForwardLedger/internal/access"
	"ForwardLedger/internal/event"
	"ForwardLedger/internal/fees"
	"ForwardLedger/internal/ledger"
	fpmath "ForwardLedger/internal/math"
	"ForwardLedger/internal/oracle"
	"ForwardLedger/internal/types"
)

// PriceOracle is the oracle surface a market settles through.
type PriceOracle interface {
	FetchAndCachePrice(ctx context.Context, pair oracle.Pair) (oracle.PriceData, error)
}

// Info is the immutable deployment record of a market.
type Info struct {
	MarketID     types.AccountID `json:"market_id"`
	Key          string          `json:"key"`
	LongToken    types.AccountID `json:"long_token"`
	ShortToken   types.AccountID `json:"short_token"`
	Params       Params          `json:"params"`
	CreatedAt    time.Time       `json:"created_at"`
	Creator      types.AccountID `json:"creator"`
	Index        uint64          `json:"index"`
	Oracle       types.AccountID `json:"oracle"`
	FeeCollector types.AccountID `json:"fee_collector"`
}

// State is the mutable settlement state of a market.
type State struct {
	IsSettled        bool         `json:"is_settled"`
	SettlementPrice  *sdkmath.Int `json:"settlement_price,omitempty"`
	SettlementFactor *sdkmath.Int `json:"settlement_factor,omitempty"`
	SettledAt        *time.Time   `json:"settled_at,omitempty"`
	TotalCollateral  sdkmath.Int  `json:"total_collateral"`
	LongTokenSupply  sdkmath.Int  `json:"long_token_supply"`
	ShortTokenSupply sdkmath.Int  `json:"short_token_supply"`
	PausedMint       bool         `json:"paused_mint"`
	PausedSettle     bool         `json:"paused_settle"`

	// Claim supply and collateral frozen at settlement. Redemptions pay
	// each claim its factor share of the post-fee pool.
	SettlementSupply *sdkmath.Int `json:"settlement_supply,omitempty"`
	PayoutPool       *sdkmath.Int `json:"payout_pool,omitempty"`
}

func newState() State {
	return State{
		TotalCollateral:  sdkmath.ZeroInt(),
		LongTokenSupply:  sdkmath.ZeroInt(),
		ShortTokenSupply: sdkmath.ZeroInt(),
	}
}

func (s State) clone() State {
	out := s
	cp := func(v *sdkmath.Int) *sdkmath.Int {
		if v == nil {
			return nil
		}
		c := *v
		return &c
	}
	out.SettlementPrice = cp(s.SettlementPrice)
	out.SettlementFactor = cp(s.SettlementFactor)
	out.SettlementSupply = cp(s.SettlementSupply)
	out.PayoutPool = cp(s.PayoutPool)
	if s.SettledAt != nil {
		at := *s.SettledAt
		out.SettledAt = &at
	}
	return out
}

// Deps are the collaborators of a market.
type Deps struct {
	Quote  *ledger.TokenLedger
	Long   *ledger.TokenLedger
	Short  *ledger.TokenLedger
	Oracle PriceOracle
	// Roles is shared with the factory, so guardian updates apply to
	// every market.
	Roles     *access.Roles
	Directory *ledger.Directory
	Sink      event.Sink
	Clock     types.Clock
	Log       zerolog.Logger
}

// Market is a single forward market: it holds quote collateral and is
// the only minter of its LONG and SHORT ledgers.
//
// Every operation validates under mu. Calls that leave the market (the
// collateral pull, the oracle read) run without mu and their
// continuation re-validates before committing.
type Market struct {
	info   Info
	quote  *ledger.TokenLedger
	long   *ledger.TokenLedger
	short  *ledger.TokenLedger
	oracle PriceOracle
	roles  *access.Roles
	sink   event.Sink
	clock  types.Clock
	log    zerolog.Logger

	mu         sync.Mutex
	st         State
	deposits   map[types.AccountID]sdkmath.Int
	pending    map[string]*pendingAction
	nextAction uint64
	unrouted   map[fees.Kind]sdkmath.Int
}

// New builds a market and registers it as a transfer receiver.
func New(info Info, deps Deps) (*Market, error) {
	if deps.Quote == nil || deps.Long == nil || deps.Short == nil {
		return nil, fmt.Errorf("market %s: ledgers are required", info.MarketID)
	}
	if deps.Quote.ID() != info.Params.Quote {
		return nil, errorsmod.Wrapf(types.ErrWrongToken, "quote ledger %s, params say %s", deps.Quote.ID(), info.Params.Quote)
	}
	if deps.Long.Minter() != info.MarketID || deps.Short.Minter() != info.MarketID {
		return nil, errorsmod.Wrapf(types.ErrNotMinter, "market %s must mint its own claims", info.MarketID)
	}
	if deps.Sink == nil {
		deps.Sink = event.Discard
	}
	m := &Market{
		info:     info,
		quote:    deps.Quote,
		long:     deps.Long,
		short:    deps.Short,
		oracle:   deps.Oracle,
		roles:    deps.Roles,
		sink:     deps.Sink,
		clock:    deps.Clock,
		log:      deps.Log.With().Str("component", "market").Str("market", info.MarketID.String()).Logger(),
		st:       newState(),
		deposits: make(map[types.AccountID]sdkmath.Int),
		pending:  make(map[string]*pendingAction),
		unrouted: make(map[fees.Kind]sdkmath.Int),
	}
	if deps.Directory != nil {
		deps.Directory.RegisterReceiver(info.MarketID, m)
	}
	return m, nil
}

func (m *Market) ID() types.AccountID { return m.info.MarketID }

func (m *Market) Info() Info { return m.info }

// Params returns the market terms.
func (m *Market) Params() Params { return m.info.Params }

// State returns a copy of the current state.
func (m *Market) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.clone()
}

// UserDeposit returns the net collateral account has deposited.
func (m *Market) UserDeposit(account types.AccountID) sdkmath.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.deposits[account]; ok {
		return v
	}
	return sdkmath.ZeroInt()
}

// IsMature reports whether settlement may be attempted at now.
func (m *Market) IsMature(now time.Time) bool {
	return !now.Before(m.info.Params.Maturity)
}

// SetPaused sets both pause flags. Owner or guardian only.
func (m *Market) SetPaused(_ context.Context, caller types.AccountID, pauseMint, pauseSettle bool) error {
	if err := m.roles.RequirePrivileged(caller); err != nil {
		return err
	}
	m.mu.Lock()
	m.st.PausedMint = pauseMint
	m.st.PausedSettle = pauseSettle
	m.mu.Unlock()

	m.log.Info().Bool("paused_mint", pauseMint).Bool("paused_settle", pauseSettle).Str("by", caller.String()).Msg("market pause changed")
	m.sink.Emit(&event.PauseChanged{
		Base:         m.base(),
		Scope:        "market",
		PausedMint:   pauseMint,
		PausedSettle: pauseSettle,
		By:           caller.String(),
	})
	return nil
}

// PreviewSettlement values one whole claim (FactorScale units) of each
// side at a hypothetical price. Never binding.
func (m *Market) PreviewSettlement(price sdkmath.Int) (longValue, shortValue sdkmath.Int, err error) {
	if price.IsNil() || price.IsNegative() {
		return sdkmath.Int{}, sdkmath.Int{}, errorsmod.Wrap(types.ErrInvalidAmount, "price")
	}
	factor := fpmath.SettlementFactor(price, m.info.Params.LowerBoundL, m.info.Params.UpperBoundU)
	longValue = fpmath.LongValue(fpmath.FactorScale, factor)
	return longValue, fpmath.FactorScale.Sub(longValue), nil
}

// CheckInvariants verifies pairing, solvency against the quote ledger and
// agreement with the claim ledgers.
func (m *Market) CheckInvariants() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.st
	if !st.IsSettled && !st.LongTokenSupply.Equal(st.ShortTokenSupply) {
		return fmt.Errorf("market %s: long supply %s != short supply %s", m.info.MarketID, st.LongTokenSupply, st.ShortTokenSupply)
	}
	if got := m.long.TotalSupply(); !got.Equal(st.LongTokenSupply) {
		return fmt.Errorf("market %s: long ledger supply %s, state %s", m.info.MarketID, got, st.LongTokenSupply)
	}
	if got := m.short.TotalSupply(); !got.Equal(st.ShortTokenSupply) {
		return fmt.Errorf("market %s: short ledger supply %s, state %s", m.info.MarketID, got, st.ShortTokenSupply)
	}
	if need := m.liabilityLocked(); st.TotalCollateral.LT(need) {
		return fmt.Errorf("market %s: collateral %s below outstanding claims %s", m.info.MarketID, st.TotalCollateral, need)
	}
	held := m.quote.BalanceOf(m.info.MarketID)
	if owed := st.TotalCollateral.Add(m.unroutedTotalLocked()); held.LT(owed) {
		return fmt.Errorf("market %s: holds %s quote, owes %s", m.info.MarketID, held, owed)
	}
	return nil
}

// liabilityLocked is what every outstanding claim would be paid if
// redeemed now: face value before settlement, the settled share after.
func (m *Market) liabilityLocked() sdkmath.Int {
	st := m.st
	if !st.IsSettled {
		return st.LongTokenSupply
	}
	gross := fpmath.LongValue(st.LongTokenSupply, *st.SettlementFactor).
		Add(fpmath.ShortValue(st.ShortTokenSupply, *st.SettlementFactor))
	return m.scaleToPoolLocked(gross)
}

// scaleToPoolLocked converts a face-value payout into its share of the
// post-fee pool. Truncates.
func (m *Market) scaleToPoolLocked(gross sdkmath.Int) sdkmath.Int {
	if m.st.SettlementSupply == nil || m.st.SettlementSupply.IsZero() {
		return sdkmath.ZeroInt()
	}
	return fpmath.MulDiv(gross, *m.st.PayoutPool, *m.st.SettlementSupply, fpmath.RoundDown)
}

func (m *Market) base() event.Base {
	return event.NewBase(m.info.MarketID.String(), m.clock())
}
