package types

import (
	"cosmossdk.io/errors"
)

// Module error codes
var (
	ErrAccountNotFound      = errors.Register("ledger", 1, "account not found")
	ErrAccountInactive      = errors.Register("ledger", 2, "account is inactive")
	ErrInsufficientFunds    = errors.Register("ledger", 3, "insufficient funds")
	ErrInsufficientPosition = errors.Register("ledger", 4, "insufficient position")
	ErrInvalidAmount        = errors.Register("ledger", 5, "invalid amount")
	ErrReservationNotFound  = errors.Register("ledger", 6, "reservation not found")
	ErrInvalidTransaction   = errors.Register("ledger", 7, "invalid transaction")
	ErrShortingNotAllowed   = errors.Register("ledger", 8, "short selling requires high risk level")
)
