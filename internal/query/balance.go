package query

import (
	"ForwardLedger/internal/ledger"
	fpmath "ForwardLedger/internal/math"
	"ForwardLedger/internal/types"
)

// BalanceResponse is a live token balance read from the engine's ledgers,
// not from the read models.
type BalanceResponse struct {
	Account    string `json:"account"`
	Token      string `json:"token"`
	Balance    string `json:"balance"`
	Display    string `json:"display"`
	Decimals   uint8  `json:"decimals"`
	Registered bool   `json:"registered"`

	// Metadata
	AsOfSequence int64 `json:"as_of_sequence"` // last applied event sequence
}

// NewBalanceResponse reads account's balance on l.
func NewBalanceResponse(l *ledger.TokenLedger, account types.AccountID, asOf int64) BalanceResponse {
	bal := l.BalanceOf(account)
	meta := l.Metadata()
	return BalanceResponse{
		Account:      account.String(),
		Token:        l.ID().String(),
		Balance:      bal.String(),
		Display:      fpmath.FormatUnits(bal, meta.Decimals),
		Decimals:     meta.Decimals,
		Registered:   l.IsRegistered(account),
		AsOfSequence: asOf,
	}
}

// SupplyResponse describes a token ledger.
type SupplyResponse struct {
	Token       string `json:"token"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Decimals    uint8  `json:"decimals"`
	TotalSupply string `json:"total_supply"`
	Display     string `json:"display"`
}

func NewSupplyResponse(l *ledger.TokenLedger) SupplyResponse {
	meta := l.Metadata()
	supply := l.TotalSupply()
	return SupplyResponse{
		Token:       l.ID().String(),
		Name:        meta.Name,
		Symbol:      meta.Symbol,
		Decimals:    meta.Decimals,
		TotalSupply: supply.String(),
		Display:     fpmath.FormatUnits(supply, meta.Decimals),
	}
}
