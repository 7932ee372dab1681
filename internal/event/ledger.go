package event

import (
	sdkmath "cosmossdk.io/math"
)

// JournalPosted mirrors one double-entry journal applied to a token ledger.
// Debit is the account whose balance increased.
type JournalPosted struct {
	Base
	Token       string      `json:"token"`
	JournalType string      `json:"journal_type"`
	Debit       string      `json:"debit"`
	Credit      string      `json:"credit"`
	Amount      sdkmath.Int `json:"amount"`
	Memo        string      `json:"memo,omitempty"`
}

func (e *JournalPosted) EventType() EventType { return EventTypeJournalPosted }
