package oracle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/rs/zerolog"

	"ForwardLedger/internal/access"
	"ForwardLedger/internal/event"
	fpmath "ForwardLedger/internal/math"
	"ForwardLedger/internal/types"
)

// Router validates raw pool reads and owns the per-pair price cache that
// markets settle against.
//
// A fetch runs in two phases. The source read happens without the router
// lock held; the continuation re-acquires it and re-validates pause state,
// configuration, staleness and deviation against whatever the cache holds
// at that moment before committing.
type Router struct {
	mu      sync.Mutex
	roles   *access.Roles
	configs map[Pair]Config
	cache   map[Pair]PriceData
	paused  bool

	source   PriceSource
	store    PriceStore
	sink     event.Sink
	clock    types.Clock
	decimals DecimalsLookup
	log      zerolog.Logger
}

// NewRouter creates a router owned by owner. store may be nil.
func NewRouter(owner types.AccountID, source PriceSource, store PriceStore, sink event.Sink, clock types.Clock, log zerolog.Logger) *Router {
	if sink == nil {
		sink = event.Discard
	}
	return &Router{
		roles:   access.NewRoles(owner, ""),
		configs: make(map[Pair]Config),
		cache:   make(map[Pair]PriceData),
		source:  source,
		store:   store,
		sink:    sink,
		clock:   clock,
		log:     log.With().Str("component", "oracle").Logger(),
	}
}

// SetDecimalsLookup ties price scales to quote token decimals. Call it
// before any pair is configured.
func (r *Router) SetDecimalsLookup(fn DecimalsLookup) {
	r.mu.Lock()
	r.decimals = fn
	r.mu.Unlock()
}

// Owner returns the account allowed to configure pairs.
func (r *Router) Owner() types.AccountID {
	return r.roles.Holder(access.RoleOwner)
}

// ConfigureOracle sets the validation parameters of a pair. Owner only.
func (r *Router) ConfigureOracle(_ context.Context, caller types.AccountID, pair Pair, cfg Config) error {
	if err := r.roles.RequireOwner(caller); err != nil {
		return err
	}
	if err := pair.Validate(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if r.decimals != nil && cfg.Decimals != 0 {
		if d, ok := r.decimals(pair.Quote); ok && d != cfg.Decimals {
			r.mu.Unlock()
			return errorsmod.Wrapf(types.ErrInvalidOracleConfig, "decimals %d, quote %s has %d", cfg.Decimals, pair.Quote, d)
		}
	}
	r.configs[pair] = cfg
	r.mu.Unlock()

	r.log.Info().
		Str("pair", pair.Key()).
		Uint64("pool_id", cfg.PoolID).
		Dur("twap_window", cfg.TwapWindow).
		Dur("max_staleness", cfg.MaxStaleness).
		Uint16("max_deviation_bps", cfg.MaxDeviationBps).
		Bool("stable", cfg.UseStablePool).
		Msg("oracle configured")

	r.sink.Emit(&event.OracleConfigured{
		Base:            event.NewBase("", r.clock()),
		Underlying:      pair.Underlying.String(),
		Quote:           pair.Quote.String(),
		PoolID:          cfg.PoolID,
		TwapWindowSec:   int64(cfg.TwapWindow.Seconds()),
		MaxStalenessSec: int64(cfg.MaxStaleness.Seconds()),
		MaxDeviationBps: cfg.MaxDeviationBps,
		UseStablePool:   cfg.UseStablePool,
	})
	return nil
}

func (r *Router) GetOracleConfig(pair Pair) (Config, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[pair]
	return cfg, ok
}

// SetPaused stops or resumes fetches. Cached prices stay readable.
func (r *Router) SetPaused(_ context.Context, caller types.AccountID, paused bool) error {
	if err := r.roles.RequireOwner(caller); err != nil {
		return err
	}
	r.mu.Lock()
	r.paused = paused
	r.mu.Unlock()

	r.sink.Emit(&event.PauseChanged{
		Base:   event.NewBase("", r.clock()),
		Scope:  "oracle",
		Paused: paused,
		By:     caller.String(),
	})
	return nil
}

func (r *Router) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// GetPrice is a pure read of the cache.
func (r *Router) GetPrice(pair Pair) (PriceData, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.cache[pair]
	return p, ok
}

// Pairs lists the configured pairs in key order.
func (r *Router) Pairs() []Pair {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Pair, 0, len(r.configs))
	for p := range r.configs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// FetchPrice reads the source, validates the result and updates the cache.
// Writing through to the store is best effort.
func (r *Router) FetchPrice(ctx context.Context, pair Pair) (PriceData, error) {
	return r.fetch(ctx, pair, false)
}

// FetchAndCachePrice is FetchPrice with a mandatory store write: if the
// store rejects the price, the cache is left untouched and the error is
// returned. Markets settle through this call.
func (r *Router) FetchAndCachePrice(ctx context.Context, pair Pair) (PriceData, error) {
	return r.fetch(ctx, pair, true)
}

func (r *Router) fetch(ctx context.Context, pair Pair, persist bool) (PriceData, error) {
	r.mu.Lock()
	if r.paused {
		r.mu.Unlock()
		return PriceData{}, types.ErrOraclePaused
	}
	cfg, ok := r.configs[pair]
	lookup := r.decimals
	r.mu.Unlock()
	if !ok {
		return PriceData{}, errorsmod.Wrapf(types.ErrUnknownPool, "no oracle configured for %s", pair.Key())
	}

	obs, err := r.source.Observe(ctx, cfg.PoolID, pair, cfg.TwapWindow)
	if err != nil {
		if errors.Is(err, types.ErrOracleFailure) {
			return PriceData{}, err
		}
		return PriceData{}, errorsmod.Wrapf(types.ErrSourceUnavailable, "pool %d: %v", cfg.PoolID, err)
	}

	var price PriceData
	price.Decimals = cfg.decimals(pair.Quote, lookup)
	price.Timestamp = obs.Timestamp
	if cfg.UseStablePool {
		price.Price, err = StableSpot(obs.ReserveUnderlying, obs.ReserveQuote, price.Decimals)
	} else {
		price.Price, err = TWAP(obs.Samples, obs.Timestamp, cfg.TwapWindow)
	}
	if err != nil {
		return PriceData{}, err
	}

	now := r.clock()
	if err := checkFresh(pair, obs.Timestamp, now, cfg.MaxStaleness); err != nil {
		r.reject(pair, price, freshnessReason(err))
		return PriceData{}, err
	}

	// continuation: state may have moved while the source was read
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.paused {
		return PriceData{}, types.ErrOraclePaused
	}
	cfg, ok = r.configs[pair]
	if !ok {
		return PriceData{}, errorsmod.Wrapf(types.ErrUnknownPool, "no oracle configured for %s", pair.Key())
	}
	if err := checkFresh(pair, obs.Timestamp, now, cfg.MaxStaleness); err != nil {
		r.rejectLocked(pair, price, freshnessReason(err))
		return PriceData{}, err
	}
	if prev, ok := r.cache[pair]; ok {
		if obs.Timestamp.Before(prev.Timestamp) {
			r.rejectLocked(pair, price, "older than cached")
			return PriceData{}, errorsmod.Wrapf(types.ErrStaleData, "%s observation predates cached price", pair.Key())
		}
		if fpmath.ExceedsDeviation(prev.Price, price.Price, cfg.MaxDeviationBps) {
			r.rejectLocked(pair, price, "deviation")
			return PriceData{}, errorsmod.Wrapf(types.ErrExcessiveDeviation, "%s moved from %s to %s, limit %d bps",
				pair.Key(), prev.Price, price.Price, cfg.MaxDeviationBps)
		}
	}

	if r.store != nil {
		if err := r.store.Save(ctx, pair, price); err != nil {
			if persist {
				return PriceData{}, errorsmod.Wrapf(types.ErrSourceUnavailable, "persist %s: %v", pair.Key(), err)
			}
			r.log.Warn().Err(err).Str("pair", pair.Key()).Msg("price store write failed")
		}
	}
	r.cache[pair] = price

	r.log.Debug().
		Str("pair", pair.Key()).
		Str("price", price.Price.String()).
		Time("observed_at", price.Timestamp).
		Msg("price accepted")

	r.sink.Emit(&event.PriceUpdated{
		Base:       event.NewBase("", now),
		Underlying: pair.Underlying.String(),
		Quote:      pair.Quote.String(),
		Price:      price.Price,
		Decimals:   price.Decimals,
		ObservedAt: price.Timestamp.Unix(),
	})
	return price, nil
}

// checkFresh bounds the age of an observation on both sides: no older than
// maxStaleness, and no further ahead of now than MaxFutureSkew.
func checkFresh(pair Pair, observedAt, now time.Time, maxStaleness time.Duration) error {
	age := now.Sub(observedAt)
	if age < -MaxFutureSkew {
		return errorsmod.Wrapf(types.ErrFutureObservation, "%s observed %s ahead of %s", pair.Key(), -age, now.Format(time.RFC3339))
	}
	if age > maxStaleness {
		return errorsmod.Wrapf(types.ErrStaleData, "%s observed %s ago, limit %s", pair.Key(), age, maxStaleness)
	}
	return nil
}

func freshnessReason(err error) string {
	if errors.Is(err, types.ErrFutureObservation) {
		return "future"
	}
	return "stale"
}

func (r *Router) reject(pair Pair, price PriceData, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejectLocked(pair, price, reason)
}

func (r *Router) rejectLocked(pair Pair, price PriceData, reason string) {
	r.log.Warn().
		Str("pair", pair.Key()).
		Str("price", price.Price.String()).
		Str("reason", reason).
		Msg("price rejected")
	r.sink.Emit(&event.PriceRejected{
		Base:       event.NewBase("", r.clock()),
		Underlying: pair.Underlying.String(),
		Quote:      pair.Quote.String(),
		Price:      price.Price,
		Reason:     reason,
	})
}

// Warm loads the last persisted price of every configured pair into the
// cache. Pairs already cached are left alone.
func (r *Router) Warm(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	loaded := 0
	for _, pair := range r.Pairs() {
		p, ok, err := r.store.Load(ctx, pair)
		if err != nil {
			return loaded, errorsmod.Wrapf(err, "load %s", pair.Key())
		}
		if !ok {
			continue
		}
		r.mu.Lock()
		if _, cached := r.cache[pair]; !cached {
			r.cache[pair] = p
			loaded++
		}
		r.mu.Unlock()
	}
	return loaded, nil
}

// PairState is the snapshot form of one configured pair.
type PairState struct {
	Pair   Pair       `json:"pair"`
	Config Config     `json:"config"`
	Price  *PriceData `json:"price,omitempty"`
}

type State struct {
	Owner  types.AccountID `json:"owner"`
	Paused bool            `json:"paused"`
	Pairs  []PairState     `json:"pairs"`
}

func (r *Router) Export() State {
	pairs := r.Pairs()

	r.mu.Lock()
	defer r.mu.Unlock()
	st := State{Owner: r.roles.Holder(access.RoleOwner), Paused: r.paused}
	for _, p := range pairs {
		ps := PairState{Pair: p, Config: r.configs[p]}
		if price, ok := r.cache[p]; ok {
			price := price
			ps.Price = &price
		}
		st.Pairs = append(st.Pairs, ps)
	}
	return st
}

func (r *Router) Restore(st State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles.Assign(access.RoleOwner, st.Owner)
	r.paused = st.Paused
	r.configs = make(map[Pair]Config, len(st.Pairs))
	r.cache = make(map[Pair]PriceData, len(st.Pairs))
	for _, ps := range st.Pairs {
		r.configs[ps.Pair] = ps.Config
		if ps.Price != nil {
			r.cache[ps.Pair] = *ps.Price
		}
	}
}
