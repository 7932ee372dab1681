package oracle

import (
	"context"
	"sort"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"

	"ForwardLedger/internal/types"
)

// FeedSource is a PriceSource fed by pushed pool observations (the NATS
// price subjects). It retains samples for a bounded horizon per pool.
type FeedSource struct {
	mu        sync.RWMutex
	retention time.Duration
	pools     map[uint64]*poolFeed
}

type poolFeed struct {
	pair              Pair
	samples           []Sample
	reserveUnderlying sdkmath.Int
	reserveQuote      sdkmath.Int
	updated           time.Time
}

func NewFeedSource(retention time.Duration) *FeedSource {
	return &FeedSource{
		retention: retention,
		pools:     make(map[uint64]*poolFeed),
	}
}

// PoolUpdate is one pushed observation. Price feeds TWAP pools; reserves
// feed stable pools. Either may be nil.
type PoolUpdate struct {
	PoolID            uint64      `json:"pool_id"`
	Pair              Pair        `json:"pair"`
	Price             sdkmath.Int `json:"price"`
	ReserveUnderlying sdkmath.Int `json:"reserve_underlying"`
	ReserveQuote      sdkmath.Int `json:"reserve_quote"`
	Timestamp         time.Time   `json:"timestamp"`
}

// Record appends an update. Updates older than the newest sample of the
// pool are dropped and reported as false.
func (f *FeedSource) Record(u PoolUpdate) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	feed, ok := f.pools[u.PoolID]
	if !ok {
		feed = &poolFeed{pair: u.Pair}
		f.pools[u.PoolID] = feed
	}
	if !feed.updated.IsZero() && u.Timestamp.Before(feed.updated) {
		return false
	}
	feed.pair = u.Pair
	feed.updated = u.Timestamp

	if !u.Price.IsNil() && u.Price.IsPositive() {
		feed.samples = append(feed.samples, Sample{Price: u.Price, Timestamp: u.Timestamp})
	}
	// zero reserves mean the update carried none
	if !u.ReserveUnderlying.IsNil() && !u.ReserveQuote.IsNil() && u.ReserveUnderlying.IsPositive() && u.ReserveQuote.IsPositive() {
		feed.reserveUnderlying = u.ReserveUnderlying
		feed.reserveQuote = u.ReserveQuote
	}

	// keep one sample older than the horizon so TWAP has a starting price
	horizon := u.Timestamp.Add(-f.retention)
	cut := sort.Search(len(feed.samples), func(i int) bool {
		return !feed.samples[i].Timestamp.Before(horizon)
	})
	if cut > 1 {
		feed.samples = append([]Sample(nil), feed.samples[cut-1:]...)
	}
	return true
}

func (f *FeedSource) Observe(_ context.Context, poolID uint64, pair Pair, window time.Duration) (Observation, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	feed, ok := f.pools[poolID]
	if !ok {
		return Observation{}, errorsmod.Wrapf(types.ErrUnknownPool, "pool %d has not reported", poolID)
	}
	if feed.pair != pair {
		return Observation{}, errorsmod.Wrapf(types.ErrUnknownPool, "pool %d quotes %s, not %s", poolID, feed.pair.Key(), pair.Key())
	}

	obs := Observation{
		ReserveUnderlying: feed.reserveUnderlying,
		ReserveQuote:      feed.reserveQuote,
		Timestamp:         feed.updated,
	}
	start := feed.updated.Add(-window)
	for i, s := range feed.samples {
		if s.Timestamp.Before(start) && i+1 < len(feed.samples) && !feed.samples[i+1].Timestamp.After(start) {
			continue
		}
		obs.Samples = append(obs.Samples, s)
	}
	return obs, nil
}

// PoolState is the retained feed of one pool.
type PoolState struct {
	PoolID            uint64      `json:"pool_id"`
	Pair              Pair        `json:"pair"`
	Samples           []Sample    `json:"samples"`
	ReserveUnderlying sdkmath.Int `json:"reserve_underlying"`
	ReserveQuote      sdkmath.Int `json:"reserve_quote"`
	Updated           time.Time   `json:"updated"`
}

// Export returns every pool ordered by id.
func (f *FeedSource) Export() []PoolState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]PoolState, 0, len(f.pools))
	for id, feed := range f.pools {
		out = append(out, PoolState{
			PoolID:            id,
			Pair:              feed.pair,
			Samples:           append([]Sample(nil), feed.samples...),
			ReserveUnderlying: feed.reserveUnderlying,
			ReserveQuote:      feed.reserveQuote,
			Updated:           feed.updated,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PoolID < out[j].PoolID })
	return out
}

func (f *FeedSource) Restore(pools []PoolState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pools = make(map[uint64]*poolFeed, len(pools))
	for _, p := range pools {
		f.pools[p.PoolID] = &poolFeed{
			pair:              p.Pair,
			samples:           append([]Sample(nil), p.Samples...),
			reserveUnderlying: p.ReserveUnderlying,
			reserveQuote:      p.ReserveQuote,
			updated:           p.Updated,
		}
	}
}
