package market

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"

	fpmath "ForwardLedger/internal/math"
	"ForwardLedger/internal/oracle"
	"ForwardLedger/internal/types"
)

// Params are the immutable terms of a market.
type Params struct {
	Underlying   types.AccountID `json:"underlying"`
	Quote        types.AccountID `json:"quote"`
	Maturity     time.Time       `json:"maturity"`
	StrikeK      sdkmath.Int     `json:"strike_k"`
	LowerBoundL  sdkmath.Int     `json:"lower_bound_l"`
	UpperBoundU  sdkmath.Int     `json:"upper_bound_u"`
	MintFeeBps   uint16          `json:"mint_fee_bps"`
	SettleFeeBps uint16          `json:"settle_fee_bps"`
	RedeemFeeBps uint16          `json:"redeem_fee_bps"`
}

// Pair is the oracle feed the market settles against.
func (p Params) Pair() oracle.Pair {
	return oracle.Pair{Underlying: p.Underlying, Quote: p.Quote}
}

// Validate checks the terms against now. Strike is advisory but must sit
// inside the bounds.
func (p Params) Validate(now time.Time) error {
	if err := p.Pair().Validate(); err != nil {
		return err
	}
	for i, v := range []sdkmath.Int{p.StrikeK, p.LowerBoundL, p.UpperBoundU} {
		if v.IsNil() || v.IsNegative() || v.GT(fpmath.MaxAmount) {
			return errorsmod.Wrapf(types.ErrInvalidAmount, "%s", [...]string{"strike_k", "lower_bound_l", "upper_bound_u"}[i])
		}
	}
	if !p.LowerBoundL.LT(p.UpperBoundU) {
		return errorsmod.Wrapf(types.ErrInvalidBounds, "L=%s U=%s", p.LowerBoundL, p.UpperBoundU)
	}
	if p.StrikeK.LT(p.LowerBoundL) || p.StrikeK.GT(p.UpperBoundU) {
		return errorsmod.Wrapf(types.ErrInvalidStrike, "K=%s not in [%s, %s]", p.StrikeK, p.LowerBoundL, p.UpperBoundU)
	}
	for i, bps := range []uint16{p.MintFeeBps, p.SettleFeeBps, p.RedeemFeeBps} {
		if bps >= fpmath.BpsDenominator {
			return errorsmod.Wrapf(types.ErrInvalidFee, "%s fee %d bps", [...]string{"mint", "settle", "redeem"}[i], bps)
		}
	}
	if !p.Maturity.After(now) {
		return errorsmod.Wrapf(types.ErrMaturityInPast, "maturity %s, now %s", p.Maturity.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}
	return nil
}

// Key is the content hash of the terms: hex(sha256) over a fixed field
// order with length-prefixed identifiers, the maturity as unix
// nanoseconds and every amount as a 32-byte big-endian word.
func (p Params) Key() string {
	h := sha256.New()
	var buf [32]byte

	writeID := func(id types.AccountID) {
		binary.BigEndian.PutUint16(buf[:2], uint16(len(id)))
		h.Write(buf[:2])
		h.Write([]byte(id))
	}
	writeInt := func(v sdkmath.Int) {
		var word [32]byte
		if !v.IsNil() {
			v.BigInt().FillBytes(word[:])
		}
		h.Write(word[:])
	}

	writeID(p.Underlying)
	writeID(p.Quote)
	binary.BigEndian.PutUint64(buf[:8], uint64(p.Maturity.UnixNano()))
	h.Write(buf[:8])
	writeInt(p.StrikeK)
	writeInt(p.LowerBoundL)
	writeInt(p.UpperBoundU)
	for _, bps := range []uint16{p.MintFeeBps, p.SettleFeeBps, p.RedeemFeeBps} {
		binary.BigEndian.PutUint16(buf[:2], bps)
		h.Write(buf[:2])
	}
	return hex.EncodeToString(h.Sum(nil))
}
