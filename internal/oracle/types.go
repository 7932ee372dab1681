package oracle

import (
	"context"
	"fmt"
	"time"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"

	"ForwardLedger/internal/types"
)

// DefaultDecimals is the price precision when neither the config nor the
// quote token's metadata sets one.
const DefaultDecimals = 24

// MaxFutureSkew is how far past the router clock an observation may be
// stamped before it is refused.
const MaxFutureSkew = 5 * time.Second

// DecimalsLookup returns the decimals of a token, false when unknown.
type DecimalsLookup func(token types.AccountID) (uint8, bool)

// Pair identifies an (underlying, quote) price feed.
type Pair struct {
	Underlying types.AccountID `json:"underlying"`
	Quote      types.AccountID `json:"quote"`
}

// Key is the storage key of the pair, "underlying:quote".
func (p Pair) Key() string {
	return fmt.Sprintf("%s:%s", p.Underlying, p.Quote)
}

func (p Pair) Validate() error {
	if err := p.Underlying.Validate(); err != nil {
		return errorsmod.Wrapf(types.ErrInvalidAsset, "underlying: %v", err)
	}
	if err := p.Quote.Validate(); err != nil {
		return errorsmod.Wrapf(types.ErrInvalidAsset, "quote: %v", err)
	}
	if p.Underlying == p.Quote {
		return errorsmod.Wrapf(types.ErrInvalidAsset, "underlying and quote are both %s", p.Quote)
	}
	return nil
}

// Config is the per-pair oracle configuration.
type Config struct {
	PoolID          uint64        `json:"pool_id"`
	TwapWindow      time.Duration `json:"twap_window"`
	MaxStaleness    time.Duration `json:"max_staleness"`
	MaxDeviationBps uint16        `json:"max_deviation_bps"`
	UseStablePool   bool          `json:"use_stable_pool"`
	Decimals        uint8         `json:"decimals"`
}

func (c Config) Validate() error {
	switch {
	case c.PoolID == 0:
		return errorsmod.Wrap(types.ErrInvalidOracleConfig, "pool id is required")
	case c.MaxStaleness <= 0:
		return errorsmod.Wrap(types.ErrInvalidOracleConfig, "max staleness must be positive")
	case !c.UseStablePool && c.TwapWindow <= 0:
		return errorsmod.Wrap(types.ErrInvalidOracleConfig, "twap window must be positive")
	case c.MaxDeviationBps == 0:
		return errorsmod.Wrap(types.ErrInvalidOracleConfig, "max deviation must be positive")
	}
	return nil
}

// decimals is the price scale of a pair. Prices are quote amounts per
// whole underlying, so a known quote token fixes the scale.
func (c Config) decimals(quote types.AccountID, lookup DecimalsLookup) uint8 {
	if lookup != nil {
		if d, ok := lookup(quote); ok {
			return d
		}
	}
	if c.Decimals == 0 {
		return DefaultDecimals
	}
	return c.Decimals
}

// PriceData is a validated, cached observation.
type PriceData struct {
	Price     sdkmath.Int `json:"price"`
	Timestamp time.Time   `json:"timestamp"`
	Decimals  uint8       `json:"decimals"`
}

// Sample is one raw price point reported by a pool.
type Sample struct {
	Price     sdkmath.Int `json:"price"`
	Timestamp time.Time   `json:"timestamp"`
}

// Observation is what a price source returns for one read.
type Observation struct {
	// Samples in ascending time order, used for TWAP pricing.
	Samples []Sample
	// Reserves, used for stable pool spot pricing.
	ReserveUnderlying sdkmath.Int
	ReserveQuote      sdkmath.Int
	// Observation time reported by the source itself.
	Timestamp time.Time
}

// PriceSource reads raw pool data. Implementations return ErrUnknownPool
// for pools they do not track.
type PriceSource interface {
	Observe(ctx context.Context, poolID uint64, pair Pair, window time.Duration) (Observation, error)
}

// PriceStore persists the last accepted price per pair.
type PriceStore interface {
	Save(ctx context.Context, pair Pair, price PriceData) error
	Load(ctx context.Context, pair Pair) (PriceData, bool, error)
}
