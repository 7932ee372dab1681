package ledger

import (
	"fmt"

	"ForwardLedger/internal/types"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeHolder AccountScope = iota
	AccountScopeSystem
)

// IssuanceAccount is the system account debited by burns and credited by
// mints. Its balance is always minus the total supply.
var IssuanceAccount = AccountKey{Scope: AccountScopeSystem, Account: "issuance"}

// AccountKey uniquely identifies a balance slot inside one token ledger.
type AccountKey struct {
	Scope   AccountScope
	Account types.AccountID
}

// HolderKey is the balance slot of an ordinary account.
func HolderKey(account types.AccountID) AccountKey {
	return AccountKey{Scope: AccountScopeHolder, Account: account}
}

// AccountPath returns the canonical string path, e.g. "holder:alice.near".
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s", k.Account)
	default:
		return fmt.Sprintf("holder:%s", k.Account)
	}
}

func (k AccountKey) IsSystem() bool {
	return k.Scope == AccountScopeSystem
}
