package factory

import (
	"context"
	"fmt"
	"sync"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"ForwardLedger/internal/access"
	"ForwardLedger/internal/event"
	"ForwardLedger/internal/ledger"
	"ForwardLedger/internal/market"
	"ForwardLedger/internal/types"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 100
)

// FeeAuthorizer admits new markets to a fee collector.
type FeeAuthorizer interface {
	AuthorizeMarket(ctx context.Context, caller, market types.AccountID) error
}

// Resolver maps the oracle and fee collector identifiers held by the
// factory to live components.
type Resolver interface {
	Oracle(id types.AccountID) (market.PriceOracle, bool)
	FeeCollector(id types.AccountID) (FeeAuthorizer, bool)
}

type Config struct {
	ID           types.AccountID
	Owner        types.AccountID
	Guardian     types.AccountID
	Oracle       types.AccountID
	FeeCollector types.AccountID
	// NativeToken is the ledger deployment deposits are paid in.
	NativeToken       types.AccountID
	MarketStorageCost sdkmath.Int
	TokenStorageCost  sdkmath.Int
	MaxPageLimit      uint64
}

// RequiredDeposit is the storage cost of one market and its two ledgers.
func (c Config) RequiredDeposit() sdkmath.Int {
	m, t := c.MarketStorageCost, c.TokenStorageCost
	if m.IsNil() {
		m = sdkmath.ZeroInt()
	}
	if t.IsNil() {
		t = sdkmath.ZeroInt()
	}
	return m.Add(t.MulRaw(2))
}

type entry struct {
	info   market.Info
	market *market.Market
}

// Factory deploys markets, deduplicates them by the content hash of their
// params and indexes them by creator and by deployment sequence.
type Factory struct {
	cfg       Config
	roles     *access.Roles
	directory *ledger.Directory
	resolver  Resolver
	sink      event.Sink
	clock     types.Clock
	log       zerolog.Logger

	mu           sync.RWMutex
	paused       bool
	oracleID     types.AccountID
	feeCollector types.AccountID
	byKey        map[string]*entry
	byID         map[types.AccountID]string
	byCreator    map[types.AccountID][]string
	sequence     []string
}

func New(cfg Config, directory *ledger.Directory, resolver Resolver, sink event.Sink, clock types.Clock, log zerolog.Logger) *Factory {
	if cfg.MaxPageLimit == 0 {
		cfg.MaxPageLimit = MaxPageLimit
	}
	if sink == nil {
		sink = event.Discard
	}
	return &Factory{
		cfg:          cfg,
		roles:        access.NewRoles(cfg.Owner, cfg.Guardian),
		directory:    directory,
		resolver:     resolver,
		sink:         sink,
		clock:        clock,
		log:          log.With().Str("component", "factory").Logger(),
		oracleID:     cfg.Oracle,
		feeCollector: cfg.FeeCollector,
		byKey:        make(map[string]*entry),
		byID:         make(map[types.AccountID]string),
		byCreator:    make(map[types.AccountID][]string),
	}
}

func (f *Factory) ID() types.AccountID { return f.cfg.ID }

// Roles is the role table shared with every deployed market.
func (f *Factory) Roles() *access.Roles { return f.roles }

// DeployMarket returns the market for params, deploying it if no market
// with the same content hash exists. The deposit must cover the storage
// cost even when the call resolves to an existing market; only a new
// deployment charges it. created reports whether a market was deployed.
func (f *Factory) DeployMarket(ctx context.Context, caller types.AccountID, params market.Params, deposit sdkmath.Int) (info market.Info, created bool, err error) {
	if err := caller.Validate(); err != nil {
		return market.Info{}, false, err
	}
	now := f.clock()

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.paused {
		return market.Info{}, false, types.ErrFactoryPaused
	}
	if err := params.Validate(now); err != nil {
		return market.Info{}, false, err
	}
	required := f.cfg.RequiredDeposit()
	if deposit.IsNil() || deposit.LT(required) {
		return market.Info{}, false, errorsmod.Wrapf(types.ErrInsufficientDeposit, "attached %s, required %s", deposit, required)
	}

	key := params.Key()
	if e, ok := f.byKey[key]; ok {
		f.log.Debug().Str("key", key).Str("market", e.info.MarketID.String()).Msg("deploy resolved to existing market")
		return e.info, false, nil
	}

	quote, ok := f.directory.Ledger(params.Quote)
	if !ok {
		return market.Info{}, false, errorsmod.Wrapf(types.ErrUnknownToken, "quote %s", params.Quote)
	}
	priceOracle, ok := f.resolver.Oracle(f.oracleID)
	if !ok {
		return market.Info{}, false, errorsmod.Wrapf(types.ErrInvalidAccount, "oracle %s is not reachable", f.oracleID)
	}
	collector, ok := f.resolver.FeeCollector(f.feeCollector)
	if !ok {
		return market.Info{}, false, errorsmod.Wrapf(types.ErrInvalidAccount, "fee collector %s is not reachable", f.feeCollector)
	}

	if required.IsPositive() {
		native, ok := f.directory.Ledger(f.cfg.NativeToken)
		if !ok {
			return market.Info{}, false, errorsmod.Wrapf(types.ErrUnknownToken, "native token %s", f.cfg.NativeToken)
		}
		if err := native.Transfer(ctx, caller, f.cfg.ID, required, "deploy_market"); err != nil {
			return market.Info{}, false, err
		}
	}

	index := uint64(len(f.sequence))
	n := index + 1
	info = market.Info{
		MarketID:     types.AccountID(fmt.Sprintf("market-%d.%s", n, f.cfg.ID)),
		Key:          key,
		LongToken:    types.AccountID(fmt.Sprintf("long-%d.%s", n, f.cfg.ID)),
		ShortToken:   types.AccountID(fmt.Sprintf("short-%d.%s", n, f.cfg.ID)),
		Params:       params,
		CreatedAt:    now,
		Creator:      caller,
		Index:        index,
		Oracle:       f.oracleID,
		FeeCollector: f.feeCollector,
	}

	m, err := f.instantiate(ctx, info, quote, priceOracle)
	if err != nil {
		// nothing was indexed; the deposit is returned
		if required.IsPositive() {
			native, _ := f.directory.Ledger(f.cfg.NativeToken)
			if rerr := native.Transfer(ctx, f.cfg.ID, caller, required, "deploy_market refund"); rerr != nil {
				f.log.Error().Err(rerr).Str("caller", caller.String()).Msg("deposit refund failed")
			}
		}
		return market.Info{}, false, err
	}
	if err := collector.AuthorizeMarket(ctx, f.cfg.ID, info.MarketID); err != nil {
		// fees are deferred on the market until the collector admits it
		f.log.Warn().Err(err).Str("market", info.MarketID.String()).Msg("fee collector did not authorize market")
	}

	f.indexLocked(&entry{info: info, market: m})

	f.log.Info().
		Str("market", info.MarketID.String()).
		Str("key", key).
		Str("creator", caller.String()).
		Str("pair", params.Pair().Key()).
		Time("maturity", params.Maturity).
		Msg("market deployed")
	f.sink.Emit(&event.MarketDeployed{
		Base:         event.NewBase(info.MarketID.String(), now),
		Key:          key,
		LongToken:    info.LongToken.String(),
		ShortToken:   info.ShortToken.String(),
		Creator:      caller.String(),
		Underlying:   params.Underlying.String(),
		Quote:        params.Quote.String(),
		Maturity:     params.Maturity.Unix(),
		StrikeK:      params.StrikeK,
		LowerBoundL:  params.LowerBoundL,
		UpperBoundU:  params.UpperBoundU,
		MintFeeBps:   params.MintFeeBps,
		SettleFeeBps: params.SettleFeeBps,
		RedeemFeeBps: params.RedeemFeeBps,
		Index:        index,
	})
	return info, true, nil
}

// instantiate creates the claim ledgers and the market and registers the
// market on the quote ledger.
func (f *Factory) instantiate(ctx context.Context, info market.Info, quote *ledger.TokenLedger, priceOracle market.PriceOracle) (*market.Market, error) {
	decimals := quote.Metadata().Decimals
	underlying := info.Params.Underlying.String()
	long := ledger.NewTokenLedger(info.LongToken, ledger.Metadata{
		Name:     "LONG-" + underlying,
		Symbol:   "LONG-" + underlying,
		Decimals: decimals,
	}, info.MarketID, f.directory, f.log)
	short := ledger.NewTokenLedger(info.ShortToken, ledger.Metadata{
		Name:     "SHORT-" + underlying,
		Symbol:   "SHORT-" + underlying,
		Decimals: decimals,
	}, info.MarketID, f.directory, f.log)

	if _, err := quote.StorageDeposit(ctx, info.MarketID); err != nil {
		return nil, err
	}
	return market.New(info, market.Deps{
		Quote:     quote,
		Long:      long,
		Short:     short,
		Oracle:    priceOracle,
		Roles:     f.roles,
		Directory: f.directory,
		Sink:      f.sink,
		Clock:     f.clock,
		Log:       f.log,
	})
}

func (f *Factory) indexLocked(e *entry) {
	key := e.info.Key
	f.byKey[key] = e
	f.byID[e.info.MarketID] = key
	f.byCreator[e.info.Creator] = append(f.byCreator[e.info.Creator], key)
	f.sequence = append(f.sequence, key)
}

// StaticResolver is a Resolver over fixed maps.
type StaticResolver struct {
	Oracles    map[types.AccountID]market.PriceOracle
	Collectors map[types.AccountID]FeeAuthorizer
}

func (r StaticResolver) Oracle(id types.AccountID) (market.PriceOracle, bool) {
	o, ok := r.Oracles[id]
	return o, ok
}

func (r StaticResolver) FeeCollector(id types.AccountID) (FeeAuthorizer, bool) {
	c, ok := r.Collectors[id]
	return c, ok
}
