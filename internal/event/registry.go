package event

import (
	sdkmath "cosmossdk.io/math"
)

type MarketDeployed struct {
	Base
	Key          string      `json:"key"`
	LongToken    string      `json:"long_token"`
	ShortToken   string      `json:"short_token"`
	Creator      string      `json:"creator"`
	Underlying   string      `json:"underlying"`
	Quote        string      `json:"quote"`
	Maturity     int64       `json:"maturity"`
	StrikeK      sdkmath.Int `json:"strike_k"`
	LowerBoundL  sdkmath.Int `json:"lower_bound_l"`
	UpperBoundU  sdkmath.Int `json:"upper_bound_u"`
	MintFeeBps   uint16      `json:"mint_fee_bps"`
	SettleFeeBps uint16      `json:"settle_fee_bps"`
	RedeemFeeBps uint16      `json:"redeem_fee_bps"`
	Index        uint64      `json:"index"`
}

func (e *MarketDeployed) EventType() EventType { return EventTypeMarketDeployed }

// AdminUpdated records a change of oracle, fee collector, guardian or treasury.
type AdminUpdated struct {
	Base
	Field string `json:"field"`
	Value string `json:"value"`
	By    string `json:"by"`
}

func (e *AdminUpdated) EventType() EventType { return EventTypeAdminUpdated }
