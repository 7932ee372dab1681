package types

import (
	"regexp"
	"time"

	errorsmod "cosmossdk.io/errors"
)

// AccountID identifies a principal: a user, a market, a token ledger or
// the fee collector. Asset identifiers are the account ids of their ledgers.
type AccountID string

var accountPattern = regexp.MustCompile(`^(([a-z0-9]+[-_])*[a-z0-9]+\.)*([a-z0-9]+[-_])*[a-z0-9]+$`)

// Validate checks length and character rules for an account id.
func (a AccountID) Validate() error {
	if len(a) < 2 || len(a) > 64 || !accountPattern.MatchString(string(a)) {
		return errorsmod.Wrapf(ErrInvalidAccount, "%q", string(a))
	}
	return nil
}

func (a AccountID) String() string {
	return string(a)
}

// Clock returns the current protocol time. Components never read the wall
// clock directly.
type Clock func() time.Time

// SystemClock is the production clock.
func SystemClock() time.Time {
	return time.Now().UTC()
}
