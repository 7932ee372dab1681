package oracle

import (
	"time"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"

	fpmath "ForwardLedger/internal/math"
	"ForwardLedger/internal/types"
)

// TWAP returns the time-weighted average of samples over [end-window, end].
// Each sample holds until the next one; the last sample before the window
// start sets the price at the start. With no elapsed time inside the window
// the latest sample price is returned.
func TWAP(samples []Sample, end time.Time, window time.Duration) (sdkmath.Int, error) {
	if len(samples) == 0 {
		return sdkmath.Int{}, errorsmod.Wrap(types.ErrPriceUnavailable, "no samples")
	}
	start := end.Add(-window)

	weighted := sdkmath.ZeroInt()
	var elapsed int64
	var latest *Sample

	for i := range samples {
		s := samples[i]
		if s.Timestamp.After(end) {
			break
		}
		latest = &samples[i]

		from := s.Timestamp
		if from.Before(start) {
			from = start
		}
		to := end
		if i+1 < len(samples) && !samples[i+1].Timestamp.After(end) {
			to = samples[i+1].Timestamp
		}
		if !to.After(from) {
			continue
		}
		dt := int64(to.Sub(from) / time.Millisecond)
		if dt <= 0 {
			continue
		}
		weighted = weighted.Add(s.Price.MulRaw(dt))
		elapsed += dt
	}

	if latest == nil {
		return sdkmath.Int{}, errorsmod.Wrap(types.ErrPriceUnavailable, "no samples at or before observation time")
	}
	if elapsed == 0 {
		return latest.Price, nil
	}
	return weighted.QuoRaw(elapsed), nil
}

// StableSpot prices a stable-swap pool at its reserve ratio, scaled to
// decimals. Truncates.
func StableSpot(reserveUnderlying, reserveQuote sdkmath.Int, decimals uint8) (sdkmath.Int, error) {
	if reserveUnderlying.IsNil() || reserveQuote.IsNil() || !reserveUnderlying.IsPositive() || !reserveQuote.IsPositive() {
		return sdkmath.Int{}, errorsmod.Wrap(types.ErrPriceUnavailable, "empty pool reserves")
	}
	scale := sdkmath.NewIntWithDecimal(1, int(decimals))
	return fpmath.MulDiv(reserveQuote, scale, reserveUnderlying, fpmath.RoundDown), nil
}
