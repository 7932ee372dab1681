package market

import (
	"context"
	"time"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"

	"ForwardLedger/internal/event"
	"ForwardLedger/internal/fees"
	fpmath "ForwardLedger/internal/math"
	"ForwardLedger/internal/types"
)

// Settlement is the outcome of a successful Settle.
type Settlement struct {
	Price           sdkmath.Int `json:"price"`
	Factor          sdkmath.Int `json:"factor"`
	Fee             sdkmath.Int `json:"fee"`
	TotalCollateral sdkmath.Int `json:"total_collateral"`
	PriceTimestamp  time.Time   `json:"price_timestamp"`
}

// Settle prices the market exactly once. The entry checks run before the
// oracle is asked; the commit re-checks them, so of two overlapping calls
// only the first to return from the oracle settles and the other fails
// with ErrSettlementRaceLost. An oracle failure, a price not scaled to the
// quote token's decimals included, leaves the market as it was.
func (m *Market) Settle(ctx context.Context) (Settlement, error) {
	m.mu.Lock()
	err := m.checkSettleableLocked(types.ErrAlreadySettled)
	m.mu.Unlock()
	if err != nil {
		return Settlement{}, err
	}
	if m.oracle == nil {
		return Settlement{}, errorsmod.Wrapf(types.ErrUnknownPool, "market %s has no oracle", m.info.MarketID)
	}

	price, err := m.oracle.FetchAndCachePrice(ctx, m.info.Params.Pair())
	if err != nil {
		m.log.Warn().Err(err).Msg("settlement aborted, price rejected")
		return Settlement{}, err
	}
	if want := m.quote.Metadata().Decimals; price.Decimals != want {
		m.log.Warn().
			Uint8("price_decimals", price.Decimals).
			Uint8("quote_decimals", want).
			Msg("settlement aborted, price scale mismatch")
		return Settlement{}, errorsmod.Wrapf(types.ErrPriceScale, "price has %d decimals, %s has %d", price.Decimals, m.info.Params.Quote, want)
	}

	m.mu.Lock()
	s, err := m.commitSettlementLocked(price.Price, price.Timestamp)
	m.mu.Unlock()
	if err != nil {
		return Settlement{}, err
	}

	m.routeFee(ctx, fees.KindSettle, s.Fee)
	return s, nil
}

func (m *Market) checkSettleableLocked(settledErr error) error {
	switch {
	case m.st.PausedSettle:
		return types.ErrSettlePaused
	case m.st.IsSettled:
		return settledErr
	case m.clock().Before(m.info.Params.Maturity):
		return errorsmod.Wrapf(types.ErrNotMature, "matures at %s", m.info.Params.Maturity.UTC().Format(time.RFC3339))
	}
	return nil
}

func (m *Market) commitSettlementLocked(price sdkmath.Int, observedAt time.Time) (Settlement, error) {
	if err := m.checkSettleableLocked(types.ErrSettlementRaceLost); err != nil {
		return Settlement{}, err
	}

	factor := fpmath.SettlementFactor(price, m.info.Params.LowerBoundL, m.info.Params.UpperBoundU)
	fee := fpmath.FeeFromBps(m.st.TotalCollateral, m.info.Params.SettleFeeBps)
	pool := m.st.TotalCollateral.Sub(fee)
	supply := m.st.LongTokenSupply
	now := m.clock()

	m.st.TotalCollateral = pool
	m.st.SettlementPrice = &price
	m.st.SettlementFactor = &factor
	m.st.SettlementSupply = &supply
	m.st.PayoutPool = &pool
	m.st.SettledAt = &now
	m.st.IsSettled = true

	m.log.Info().
		Str("price", price.String()).
		Str("factor", fpmath.FormatUnits(factor, fpmath.FactorDecimals)).
		Str("fee", fee.String()).
		Str("collateral", pool.String()).
		Msg("market settled")
	m.sink.Emit(&event.MarketSettled{
		Base:            m.base(),
		Price:           price,
		Factor:          factor,
		Fee:             fee,
		TotalCollateral: pool,
		PriceTimestamp:  observedAt.Unix(),
	})

	return Settlement{
		Price:           price,
		Factor:          factor,
		Fee:             fee,
		TotalCollateral: pool,
		PriceTimestamp:  observedAt,
	}, nil
}
