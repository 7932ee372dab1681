package oracle_test

import (
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/require"

	"ForwardLedger/internal/oracle"
	"ForwardLedger/internal/types"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

func sample(price int64, at time.Duration) oracle.Sample {
	return oracle.Sample{Price: sdkmath.NewInt(price), Timestamp: t0.Add(at)}
}

func TestTWAPWeightsByTime(t *testing.T) {
	// 100 for 30s, 200 for 10s inside a 40s window
	samples := []oracle.Sample{sample(100, 0), sample(200, 30*time.Second)}
	got, err := oracle.TWAP(samples, t0.Add(40*time.Second), 40*time.Second)
	require.NoError(t, err)
	require.Equal(t, sdkmath.NewInt(125), got)
}

func TestTWAPCarriesPriceIntoWindowStart(t *testing.T) {
	// the 100 sample predates the window but sets the opening price
	samples := []oracle.Sample{sample(100, 0), sample(300, 50*time.Second)}
	got, err := oracle.TWAP(samples, t0.Add(60*time.Second), 20*time.Second)
	require.NoError(t, err)
	require.Equal(t, sdkmath.NewInt(200), got)
}

func TestTWAPIgnoresFutureSamples(t *testing.T) {
	samples := []oracle.Sample{sample(100, 0), sample(900, 90*time.Second)}
	got, err := oracle.TWAP(samples, t0.Add(10*time.Second), 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, sdkmath.NewInt(100), got)
}

func TestTWAPSingleSampleAtEnd(t *testing.T) {
	samples := []oracle.Sample{sample(42, 10*time.Second)}
	got, err := oracle.TWAP(samples, t0.Add(10*time.Second), time.Minute)
	require.NoError(t, err)
	require.Equal(t, sdkmath.NewInt(42), got)
}

func TestTWAPNoSamples(t *testing.T) {
	_, err := oracle.TWAP(nil, t0, time.Minute)
	require.ErrorIs(t, err, types.ErrPriceUnavailable)

	_, err = oracle.TWAP([]oracle.Sample{sample(1, time.Hour)}, t0, time.Minute)
	require.ErrorIs(t, err, types.ErrPriceUnavailable)
}

func TestStableSpot(t *testing.T) {
	got, err := oracle.StableSpot(sdkmath.NewInt(2_000), sdkmath.NewInt(1_000), 6)
	require.NoError(t, err)
	require.Equal(t, sdkmath.NewInt(500_000), got)

	_, err = oracle.StableSpot(sdkmath.ZeroInt(), sdkmath.NewInt(1), 6)
	require.ErrorIs(t, err, types.ErrPriceUnavailable)
}
