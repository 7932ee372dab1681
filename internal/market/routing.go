package market

import (
	"context"

	sdkmath "cosmossdk.io/math"

	"ForwardLedger/internal/event"
	"ForwardLedger/internal/fees"
)

// routeFee hands a collected fee to the fee collector. The amount is
// already outside TotalCollateral; if the collector does not take it, it
// stays on the market's books as unrouted until RetryFeeRouting succeeds.
func (m *Market) routeFee(ctx context.Context, kind fees.Kind, amount sdkmath.Int) {
	if amount.IsNil() || !amount.IsPositive() {
		return
	}
	used, err := m.quote.TransferAndNotify(ctx, m.info.MarketID, m.info.FeeCollector, amount, "fee:"+string(kind),
		fees.Memo{Market: m.info.MarketID, Kind: kind}.Encode())
	if used.IsNil() {
		used = sdkmath.ZeroInt()
	}

	if used.IsPositive() {
		m.sink.Emit(&event.FeeRouted{
			Base:   m.base(),
			Kind:   string(kind),
			Token:  m.info.Params.Quote.String(),
			Amount: used,
		})
	}

	left := amount.Sub(used)
	if !left.IsPositive() {
		return
	}

	reason := "collector refused"
	if err != nil {
		reason = err.Error()
	}
	m.mu.Lock()
	m.unrouted[kind] = m.unroutedLocked(kind).Add(left)
	m.mu.Unlock()

	m.log.Warn().
		Str("kind", string(kind)).
		Str("amount", left.String()).
		Str("reason", reason).
		Msg("fee routing deferred")
	m.sink.Emit(&event.FeeDeferred{
		Base:   m.base(),
		Kind:   string(kind),
		Token:  m.info.Params.Quote.String(),
		Amount: left,
		Reason: reason,
	})
}

// RetryFeeRouting re-sends every unrouted fee. Returns the amount the
// collector accepted.
func (m *Market) RetryFeeRouting(ctx context.Context) sdkmath.Int {
	m.mu.Lock()
	owed := make(map[fees.Kind]sdkmath.Int, len(m.unrouted))
	for k, v := range m.unrouted {
		if v.IsPositive() {
			owed[k] = v
		}
	}
	m.unrouted = make(map[fees.Kind]sdkmath.Int)
	m.mu.Unlock()

	routed := sdkmath.ZeroInt()
	for _, kind := range []fees.Kind{fees.KindMint, fees.KindSettle, fees.KindRedeem} {
		amount, ok := owed[kind]
		if !ok {
			continue
		}
		before := m.UnroutedFees()
		m.routeFee(ctx, kind, amount)
		routed = routed.Add(amount.Sub(m.UnroutedFees().Sub(before)))
	}
	return routed
}

// UnroutedFees is the total fee amount still held by the market.
func (m *Market) UnroutedFees() sdkmath.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unroutedTotalLocked()
}

func (m *Market) unroutedLocked(kind fees.Kind) sdkmath.Int {
	if v, ok := m.unrouted[kind]; ok {
		return v
	}
	return sdkmath.ZeroInt()
}

func (m *Market) unroutedTotalLocked() sdkmath.Int {
	total := sdkmath.ZeroInt()
	for _, v := range m.unrouted {
		total = total.Add(v)
	}
	return total
}
