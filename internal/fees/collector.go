package fees

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"ForwardLedger/internal/access"
	"ForwardLedger/internal/event"
	"ForwardLedger/internal/ledger"
	"ForwardLedger/internal/types"
)

// Kind tags a fee line item with the operation that charged it.
type Kind string

const (
	KindMint   Kind = "mint"
	KindSettle Kind = "settle"
	KindRedeem Kind = "redeem"
)

func (k Kind) Valid() bool {
	return k == KindMint || k == KindSettle || k == KindRedeem
}

// Memo is the TransferAndNotify message a market attaches to a fee transfer.
type Memo struct {
	Market types.AccountID `json:"market"`
	Kind   Kind            `json:"kind"`
}

func (m Memo) Encode() string {
	b, _ := json.Marshal(m)
	return string(b)
}

// Config holds the collector's identity and initial roles.
type Config struct {
	ID        types.AccountID
	Owner     types.AccountID
	Registrar types.AccountID
	Treasury  types.AccountID
}

// Collector accumulates protocol fees per token and per market.
type Collector struct {
	mu         sync.Mutex
	id         types.AccountID
	roles      *access.Roles
	treasury   types.AccountID
	authorized map[types.AccountID]struct{}
	collected  map[types.AccountID]sdkmath.Int
	byMarket   map[types.AccountID]map[Kind]sdkmath.Int
	directory  *ledger.Directory
	sink       event.Sink
	clock      types.Clock
	log        zerolog.Logger
}

func NewCollector(cfg Config, directory *ledger.Directory, sink event.Sink, clock types.Clock, log zerolog.Logger) *Collector {
	roles := access.NewRoles(cfg.Owner, "")
	if cfg.Registrar != "" {
		roles.Assign(access.RoleRegistrar, cfg.Registrar)
	}
	if sink == nil {
		sink = event.Discard
	}
	c := &Collector{
		id:         cfg.ID,
		roles:      roles,
		treasury:   cfg.Treasury,
		authorized: make(map[types.AccountID]struct{}),
		collected:  make(map[types.AccountID]sdkmath.Int),
		byMarket:   make(map[types.AccountID]map[Kind]sdkmath.Int),
		directory:  directory,
		sink:       sink,
		clock:      clock,
		log:        log,
	}
	if directory != nil {
		directory.RegisterReceiver(cfg.ID, c)
	}
	return c
}

func (c *Collector) ID() types.AccountID { return c.id }

// AuthorizeMarket allows market to deliver fees. Owner or registrar.
func (c *Collector) AuthorizeMarket(_ context.Context, caller, market types.AccountID) error {
	if !c.roles.Has(caller, access.RoleOwner, access.RoleRegistrar) {
		return errorsmod.Wrapf(types.ErrUnauthorized, "%s cannot authorize markets", caller)
	}
	c.mu.Lock()
	c.authorized[market] = struct{}{}
	c.mu.Unlock()
	c.log.Info().Str("market", string(market)).Msg("market authorized")
	return nil
}

// RevokeMarket is owner only.
func (c *Collector) RevokeMarket(_ context.Context, caller, market types.AccountID) error {
	if err := c.roles.RequireOwner(caller); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.authorized, market)
	c.mu.Unlock()
	c.log.Info().Str("market", string(market)).Msg("market revoked")
	return nil
}

func (c *Collector) IsMarketAuthorized(market types.AccountID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.authorized[market]
	return ok
}

// SetRegistrar hands the registrar role to another account. Owner only.
func (c *Collector) SetRegistrar(_ context.Context, caller, registrar types.AccountID) error {
	if err := c.roles.RequireOwner(caller); err != nil {
		return err
	}
	c.roles.Assign(access.RoleRegistrar, registrar)
	return nil
}

func (c *Collector) SetTreasury(_ context.Context, caller, treasury types.AccountID) error {
	if err := c.roles.RequireOwner(caller); err != nil {
		return err
	}
	if err := treasury.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.treasury = treasury
	c.mu.Unlock()
	c.sink.Emit(&event.AdminUpdated{Base: event.NewBase("", c.clock()), Field: "treasury", Value: string(treasury), By: string(caller)})
	c.log.Info().Str("treasury", string(treasury)).Msg("treasury set")
	return nil
}

func (c *Collector) Treasury() types.AccountID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.treasury
}

// OnTransfer credits a fee delivered by an authorized market. Anything
// else is returned to the sender in full.
func (c *Collector) OnTransfer(_ context.Context, token, sender types.AccountID, amount sdkmath.Int, msg string) (sdkmath.Int, error) {
	var memo Memo
	if err := json.Unmarshal([]byte(msg), &memo); err != nil || !memo.Kind.Valid() || memo.Market != sender {
		c.log.Warn().Str("sender", string(sender)).Str("msg", msg).Msg("rejecting transfer with malformed fee memo")
		return amount, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.authorized[sender]; !ok {
		c.log.Warn().Str("sender", string(sender)).Msg("rejecting fee from unauthorized market")
		return amount, nil
	}

	c.collected[token] = c.collectedLocked(token).Add(amount)
	items, ok := c.byMarket[sender]
	if !ok {
		items = make(map[Kind]sdkmath.Int)
		c.byMarket[sender] = items
	}
	if prev, ok := items[memo.Kind]; ok {
		items[memo.Kind] = prev.Add(amount)
	} else {
		items[memo.Kind] = amount
	}

	c.log.Debug().
		Str("market", string(sender)).
		Str("kind", string(memo.Kind)).
		Str("amount", amount.String()).
		Msg("fee recorded")
	return sdkmath.ZeroInt(), nil
}

func (c *Collector) collectedLocked(token types.AccountID) sdkmath.Int {
	if v, ok := c.collected[token]; ok {
		return v
	}
	return sdkmath.ZeroInt()
}

// CollectedFees returns the withdrawable balance for token.
func (c *Collector) CollectedFees(token types.AccountID) sdkmath.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collectedLocked(token)
}

// MarketFees returns the lifetime fee line items of one market.
func (c *Collector) MarketFees(market types.AccountID) map[Kind]sdkmath.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Kind]sdkmath.Int, 3)
	for k, v := range c.byMarket[market] {
		out[k] = v
	}
	return out
}

// WithdrawFees sends amount (or everything when amount is nil) of token to
// the treasury. Owner only. The balance is restored if the transfer fails.
func (c *Collector) WithdrawFees(ctx context.Context, caller, token types.AccountID, amount *sdkmath.Int) (sdkmath.Int, error) {
	if err := c.roles.RequireOwner(caller); err != nil {
		return sdkmath.ZeroInt(), err
	}
	l, ok := c.lookupLedger(token)
	if !ok {
		return sdkmath.ZeroInt(), errorsmod.Wrapf(types.ErrUnknownToken, "%s", token)
	}

	c.mu.Lock()
	collected := c.collectedLocked(token)
	withdraw := collected
	if amount != nil {
		withdraw = *amount
	}
	if !withdraw.IsPositive() {
		c.mu.Unlock()
		return sdkmath.ZeroInt(), errorsmod.Wrapf(types.ErrZeroAmount, "nothing to withdraw for %s", token)
	}
	if withdraw.GT(collected) {
		c.mu.Unlock()
		return sdkmath.ZeroInt(), errorsmod.Wrapf(types.ErrInsufficientFees, "have %s, requested %s", collected, withdraw)
	}
	c.collected[token] = collected.Sub(withdraw)
	treasury := c.treasury
	c.mu.Unlock()

	if err := l.Transfer(ctx, c.id, treasury, withdraw, "fee withdrawal"); err != nil {
		c.mu.Lock()
		c.collected[token] = c.collectedLocked(token).Add(withdraw)
		c.mu.Unlock()
		return sdkmath.ZeroInt(), errorsmod.Wrap(err, "withdraw fees")
	}

	c.sink.Emit(&event.FeesWithdrawn{
		Base:     event.NewBase("", c.clock()),
		Token:    string(token),
		Amount:   withdraw,
		Treasury: string(treasury),
		By:       string(caller),
	})
	c.log.Info().Str("token", string(token)).Str("amount", withdraw.String()).Msg("fees withdrawn")
	return withdraw, nil
}

func (c *Collector) lookupLedger(token types.AccountID) (*ledger.TokenLedger, bool) {
	if c.directory == nil {
		return nil, false
	}
	return c.directory.Ledger(token)
}

// State is the serializable form of the collector.
type State struct {
	Roles      map[access.Role]types.AccountID          `json:"roles"`
	Treasury   types.AccountID                          `json:"treasury"`
	Authorized []types.AccountID                        `json:"authorized"`
	Collected  map[types.AccountID]sdkmath.Int          `json:"collected"`
	ByMarket   map[types.AccountID]map[Kind]sdkmath.Int `json:"by_market"`
}

func (c *Collector) Export() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := State{
		Roles:     c.roles.Snapshot(),
		Treasury:  c.treasury,
		Collected: make(map[types.AccountID]sdkmath.Int, len(c.collected)),
		ByMarket:  make(map[types.AccountID]map[Kind]sdkmath.Int, len(c.byMarket)),
	}
	for m := range c.authorized {
		st.Authorized = append(st.Authorized, m)
	}
	sort.Slice(st.Authorized, func(i, j int) bool { return st.Authorized[i] < st.Authorized[j] })
	for k, v := range c.collected {
		st.Collected[k] = v
	}
	for m, items := range c.byMarket {
		cp := make(map[Kind]sdkmath.Int, len(items))
		for k, v := range items {
			cp[k] = v
		}
		st.ByMarket[m] = cp
	}
	return st
}

func (c *Collector) Restore(st State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(st.Roles) > 0 {
		c.roles.Restore(st.Roles)
	}
	c.treasury = st.Treasury
	c.authorized = make(map[types.AccountID]struct{}, len(st.Authorized))
	for _, m := range st.Authorized {
		c.authorized[m] = struct{}{}
	}
	c.collected = make(map[types.AccountID]sdkmath.Int, len(st.Collected))
	for k, v := range st.Collected {
		c.collected[k] = v
	}
	c.byMarket = make(map[types.AccountID]map[Kind]sdkmath.Int, len(st.ByMarket))
	for m, items := range st.ByMarket {
		cp := make(map[Kind]sdkmath.Int, len(items))
		for k, v := range items {
			cp[k] = v
		}
		c.byMarket[m] = cp
	}
}
