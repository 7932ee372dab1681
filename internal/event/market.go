package event

import (
	sdkmath "cosmossdk.io/math"
)

// PositionCreated: collateral received, paired claims minted.
type PositionCreated struct {
	Base
	ActionID string      `json:"action_id"`
	Account  string      `json:"account"`
	Amount   sdkmath.Int `json:"amount"`
	Fee      sdkmath.Int `json:"fee"`
	Minted   sdkmath.Int `json:"minted"`
}

func (e *PositionCreated) EventType() EventType { return EventTypePositionCreated }

// PositionRejected: a pending mint whose transfer arrived but was refunded.
type PositionRejected struct {
	Base
	ActionID string      `json:"action_id"`
	Account  string      `json:"account"`
	Amount   sdkmath.Int `json:"amount"`
	Reason   string      `json:"reason"`
}

func (e *PositionRejected) EventType() EventType { return EventTypePositionRejected }

// MarketSettled is the single pricing event of a market.
type MarketSettled struct {
	Base
	Price           sdkmath.Int `json:"price"`
	Factor          sdkmath.Int `json:"factor"`
	Fee             sdkmath.Int `json:"fee"`
	TotalCollateral sdkmath.Int `json:"total_collateral"`
	PriceTimestamp  int64       `json:"price_timestamp"`
}

func (e *MarketSettled) EventType() EventType { return EventTypeMarketSettled }

type PositionRedeemed struct {
	Base
	Account     string      `json:"account"`
	LongAmount  sdkmath.Int `json:"long_amount"`
	ShortAmount sdkmath.Int `json:"short_amount"`
	Payout      sdkmath.Int `json:"payout"`
	Fee         sdkmath.Int `json:"fee"`
	NetPayout   sdkmath.Int `json:"net_payout"`
}

func (e *PositionRedeemed) EventType() EventType { return EventTypePositionRedeemed }

// PauseChanged covers market, factory and oracle pause flags.
type PauseChanged struct {
	Base
	Scope        string `json:"scope"`
	PausedMint   bool   `json:"paused_mint,omitempty"`
	PausedSettle bool   `json:"paused_settle,omitempty"`
	Paused       bool   `json:"paused,omitempty"`
	By           string `json:"by"`
}

func (e *PauseChanged) EventType() EventType { return EventTypePauseChanged }
