package oracle

import (
	"context"
	"errors"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/rs/zerolog"

	"ForwardLedger/internal/types"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerOpen                         // failing, reject reads
	BreakerHalfOpen                     // probing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

// BreakerSource wraps a PriceSource and stops calling it after repeated
// failures until the cooldown has passed. Unknown-pool answers are not
// failures of the source.
type BreakerSource struct {
	next  PriceSource
	cfg   BreakerConfig
	clock types.Clock
	log   zerolog.Logger

	mu           sync.Mutex
	state        BreakerState
	failureCount int
	successCount int
	lastFailure  time.Time
}

func NewBreakerSource(next PriceSource, cfg BreakerConfig, clock types.Clock, log zerolog.Logger) *BreakerSource {
	return &BreakerSource{
		next:  next,
		cfg:   cfg,
		clock: clock,
		log:   log,
		state: BreakerClosed,
	}
}

func (b *BreakerSource) Observe(ctx context.Context, poolID uint64, pair Pair, window time.Duration) (Observation, error) {
	if !b.allow() {
		return Observation{}, errorsmod.Wrapf(types.ErrSourceUnavailable, "circuit open for pool %d", poolID)
	}
	obs, err := b.next.Observe(ctx, poolID, pair, window)
	if err != nil && !errors.Is(err, types.ErrUnknownPool) {
		b.recordFailure()
		return obs, err
	}
	b.recordSuccess()
	return obs, err
}

// State returns the current breaker state.
func (b *BreakerSource) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *BreakerSource) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if b.clock().Sub(b.lastFailure) > b.cfg.Cooldown {
			b.state = BreakerHalfOpen
			b.successCount = 0
			b.log.Info().Msg("price source breaker half-open")
			return true
		}
		return false
	default:
		return false
	}
}

func (b *BreakerSource) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failureCount = 0
	case BreakerHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failureCount = 0
			b.successCount = 0
			b.log.Info().Msg("price source breaker closed")
		}
	}
}

func (b *BreakerSource) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.clock()
	switch b.state {
	case BreakerClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
			b.log.Warn().Int("failures", b.failureCount).Msg("price source breaker open")
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.successCount = 0
		b.log.Warn().Msg("price source breaker re-opened, probe failed")
	}
}
