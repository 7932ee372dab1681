package types

import (
	"errors"

	errorsmod "cosmossdk.io/errors"
)

// Codespace is the error codespace for every protocol error.
const Codespace = "forward"

// Taxonomy roots. Every protocol error wraps exactly one of these.
var (
	ErrValidation        = errorsmod.Register(Codespace, 2, "validation error")
	ErrUnauthorized      = errorsmod.Register(Codespace, 3, "unauthorized")
	ErrStateConflict     = errorsmod.Register(Codespace, 4, "state conflict")
	ErrInsufficientFunds = errorsmod.Register(Codespace, 5, "insufficient funds")
	ErrOracleFailure     = errorsmod.Register(Codespace, 6, "oracle failure")
)

// Validation
var (
	ErrZeroAmount           = errorsmod.Wrap(ErrValidation, "amount must be positive")
	ErrInvalidAmount        = errorsmod.Wrap(ErrValidation, "amount is not a base-unit integer")
	ErrInvalidBounds        = errorsmod.Wrap(ErrValidation, "lower bound must be below upper bound")
	ErrInvalidStrike        = errorsmod.Wrap(ErrValidation, "strike outside bounds")
	ErrInvalidFee           = errorsmod.Wrap(ErrValidation, "fee bps out of range")
	ErrMaturityInPast       = errorsmod.Wrap(ErrValidation, "maturity must be in the future")
	ErrInvalidAsset         = errorsmod.Wrap(ErrValidation, "invalid asset identifier")
	ErrInvalidAccount       = errorsmod.Wrap(ErrValidation, "invalid account identifier")
	ErrInvalidOracleConfig  = errorsmod.Wrap(ErrValidation, "invalid oracle config")
	ErrUnknownMarket        = errorsmod.Wrap(ErrValidation, "unknown market")
	ErrUnknownToken         = errorsmod.Wrap(ErrValidation, "unknown token")
	ErrAccountNotRegistered = errorsmod.Wrap(ErrValidation, "account not registered")
	ErrWrongToken           = errorsmod.Wrap(ErrValidation, "wrong token")
	ErrInvalidPage          = errorsmod.Wrap(ErrValidation, "invalid page")
	ErrMalformedCommand     = errorsmod.Wrap(ErrValidation, "malformed command")
	ErrClockSkew            = errorsmod.Wrap(ErrValidation, "command time ahead of wall clock")
)

// Authorization
var (
	ErrNotOwner            = errorsmod.Wrap(ErrUnauthorized, "owner role required")
	ErrNotPrivileged       = errorsmod.Wrap(ErrUnauthorized, "owner or guardian role required")
	ErrNotMinter           = errorsmod.Wrap(ErrUnauthorized, "only the owning market may mint or burn")
	ErrNotAuthorizedMarket = errorsmod.Wrap(ErrUnauthorized, "market not authorized")
)

// State conflicts
var (
	ErrNotMature          = errorsmod.Wrap(ErrStateConflict, "market not mature")
	ErrMarketExpired      = errorsmod.Wrap(ErrStateConflict, "market past maturity")
	ErrNotSettled         = errorsmod.Wrap(ErrStateConflict, "market not settled")
	ErrAlreadySettled     = errorsmod.Wrap(ErrStateConflict, "market already settled")
	ErrSettlementRaceLost = errorsmod.Wrap(ErrStateConflict, "settlement committed by a concurrent call")
	ErrMintPaused         = errorsmod.Wrap(ErrStateConflict, "minting is paused")
	ErrSettlePaused       = errorsmod.Wrap(ErrStateConflict, "settlement is paused")
	ErrFactoryPaused      = errorsmod.Wrap(ErrStateConflict, "factory is paused")
	ErrNoPendingAction    = errorsmod.Wrap(ErrStateConflict, "no matching pending action")
	ErrDuplicateRequest   = errorsmod.Wrap(ErrStateConflict, "request already processed")
)

// Funds
var (
	ErrInsufficientBalance    = errorsmod.Wrap(ErrInsufficientFunds, "insufficient balance")
	ErrInsufficientDeposit    = errorsmod.Wrap(ErrInsufficientFunds, "insufficient deposit for deployment")
	ErrInsufficientCollateral = errorsmod.Wrap(ErrInsufficientFunds, "insufficient collateral")
	ErrInsufficientFees       = errorsmod.Wrap(ErrInsufficientFunds, "insufficient collected fees")
)

// Oracle
var (
	ErrStaleData          = errorsmod.Wrap(ErrOracleFailure, "stale price data")
	ErrExcessiveDeviation = errorsmod.Wrap(ErrOracleFailure, "price deviation exceeds limit")
	ErrUnknownPool        = errorsmod.Wrap(ErrOracleFailure, "unknown pool")
	ErrOraclePaused       = errorsmod.Wrap(ErrOracleFailure, "oracle is paused")
	ErrPriceUnavailable   = errorsmod.Wrap(ErrOracleFailure, "price unavailable")
	ErrSourceUnavailable  = errorsmod.Wrap(ErrOracleFailure, "price source unavailable")
	ErrFutureObservation  = errorsmod.Wrap(ErrOracleFailure, "observation timestamp in the future")
	ErrPriceScale         = errorsmod.Wrap(ErrOracleFailure, "price scale does not match quote decimals")
)

// Kind is the taxonomy kind of a protocol error.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindUnauthorized
	KindStateConflict
	KindInsufficientFunds
	KindOracleFailure
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindUnauthorized:
		return "Unauthorized"
	case KindStateConflict:
		return "StateConflict"
	case KindInsufficientFunds:
		return "InsufficientFunds"
	case KindOracleFailure:
		return "OracleFailure"
	default:
		return "Unknown"
	}
}

// KindOf returns the taxonomy kind of err, or KindUnknown for
// infrastructure errors.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrStateConflict):
		return KindStateConflict
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrOracleFailure):
		return KindOracleFailure
	default:
		return KindUnknown
	}
}
