package query

import "time"

// MarketSummary is one row of the market read model. Amounts are
// base-unit integer strings.
type MarketSummary struct {
	MarketID          string     `json:"market_id"`
	Key               string     `json:"key"`
	Creator           string     `json:"creator"`
	Underlying        string     `json:"underlying"`
	Quote             string     `json:"quote"`
	LongToken         string     `json:"long_token"`
	ShortToken        string     `json:"short_token"`
	Maturity          time.Time  `json:"maturity"`
	StrikeK           string     `json:"strike_k"`
	LowerBoundL       string     `json:"lower_bound_l"`
	UpperBoundU       string     `json:"upper_bound_u"`
	TotalCollateral   string     `json:"total_collateral"`
	PositionsCreated  int64      `json:"positions_created"`
	PositionsRedeemed int64      `json:"positions_redeemed"`
	FeesRouted        string     `json:"fees_routed"`
	IsSettled         bool       `json:"is_settled"`
	SettlementPrice   *string    `json:"settlement_price,omitempty"`
	SettledAt         *time.Time `json:"settled_at,omitempty"`
	DeployedAt        time.Time  `json:"deployed_at"`
	DeploySequence    int64      `json:"deploy_sequence"`
	LastSequence      int64      `json:"last_sequence"`
	AsOfSequence      int64      `json:"as_of_sequence"`
}

// MarketFilter narrows ListMarketSummaries. Zero fields do not filter.
type MarketFilter struct {
	Creator    string
	Underlying string
	Quote      string
	Settled    *bool
	// MaturedBy keeps markets whose maturity is at or before the time.
	MaturedBy *time.Time
}

// ActivityEntry is one account-scoped line of the activity read model.
type ActivityEntry struct {
	Sequence   int64                  `json:"sequence"`
	Account    string                 `json:"account"`
	MarketID   *string                `json:"market_id,omitempty"`
	Activity   string                 `json:"activity"`
	Amount     string                 `json:"amount"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// CommandEntry is one row of the command log as callers see it.
type CommandEntry struct {
	CommandSeq  int64     `json:"command_seq"`
	RequestID   string    `json:"request_id"`
	CommandType string    `json:"command_type"`
	Caller      string    `json:"caller"`
	At          time.Time `json:"at"`
	Error       *string   `json:"error,omitempty"`
	ErrorKind   *string   `json:"error_kind,omitempty"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64 `json:"sequence_gaps,omitempty"`
	LatestSequence  int64   `json:"latest_sequence"`
	ProjectedUpTo   int64   `json:"projected_up_to"`
}
