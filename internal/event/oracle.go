package event

import (
	sdkmath "cosmossdk.io/math"
)

type OracleConfigured struct {
	Base
	Underlying      string `json:"underlying"`
	Quote           string `json:"quote"`
	PoolID          uint64 `json:"pool_id"`
	TwapWindowSec   int64  `json:"twap_window_sec"`
	MaxStalenessSec int64  `json:"max_staleness_sec"`
	MaxDeviationBps uint16 `json:"max_deviation_bps"`
	UseStablePool   bool   `json:"use_stable_pool"`
}

func (e *OracleConfigured) EventType() EventType { return EventTypeOracleConfigured }

// PriceUpdated: a validated observation replaced the cached price.
type PriceUpdated struct {
	Base
	Underlying string      `json:"underlying"`
	Quote      string      `json:"quote"`
	Price      sdkmath.Int `json:"price"`
	Decimals   uint8       `json:"decimals"`
	ObservedAt int64       `json:"observed_at"`
}

func (e *PriceUpdated) EventType() EventType { return EventTypePriceUpdated }

// PriceRejected: an observation failed staleness or deviation checks.
type PriceRejected struct {
	Base
	Underlying string      `json:"underlying"`
	Quote      string      `json:"quote"`
	Price      sdkmath.Int `json:"price"`
	Reason     string      `json:"reason"`
}

func (e *PriceRejected) EventType() EventType { return EventTypePriceRejected }
