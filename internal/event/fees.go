package event

import (
	sdkmath "cosmossdk.io/math"
)

// FeeRouted: a fee line item reached the fee collector.
type FeeRouted struct {
	Base
	Kind   string      `json:"kind"`
	Token  string      `json:"token"`
	Amount sdkmath.Int `json:"amount"`
}

func (e *FeeRouted) EventType() EventType { return EventTypeFeeRouted }

// FeeDeferred: routing failed and the fee stays with the market for retry.
type FeeDeferred struct {
	Base
	Kind   string      `json:"kind"`
	Token  string      `json:"token"`
	Amount sdkmath.Int `json:"amount"`
	Reason string      `json:"reason"`
}

func (e *FeeDeferred) EventType() EventType { return EventTypeFeeDeferred }

type FeesWithdrawn struct {
	Base
	Token    string      `json:"token"`
	Amount   sdkmath.Int `json:"amount"`
	Treasury string      `json:"treasury"`
	By       string      `json:"by"`
}

func (e *FeesWithdrawn) EventType() EventType { return EventTypeFeesWithdrawn }
