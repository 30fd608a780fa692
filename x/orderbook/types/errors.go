package types

import (
	"cosmossdk.io/errors"
)

// Module error codes
var (
	ErrOrderNotFound      = errors.Register("orderbook", 1, "order not found")
	ErrInvalidPrice       = errors.Register("orderbook", 2, "invalid price")
	ErrInvalidQuantity    = errors.Register("orderbook", 3, "invalid quantity")
	ErrInvalidSide        = errors.Register("orderbook", 4, "invalid order side")
	ErrInvalidOrderType   = errors.Register("orderbook", 5, "invalid order type")
	ErrInvalidSymbol      = errors.Register("orderbook", 6, "invalid symbol")
	ErrInvalidVenue       = errors.Register("orderbook", 7, "invalid venue")
	ErrInvalidTimeInForce = errors.Register("orderbook", 8, "invalid time in force")

	// Lifecycle errors
	ErrAlreadyTerminal = errors.Register("orderbook", 10, "order already in a terminal state")
	ErrStaleOrder      = errors.Register("orderbook", 11, "order changed concurrently")
	ErrInvalidAmend    = errors.Register("orderbook", 12, "amendment below executed quantity")
	ErrNotFillable     = errors.Register("orderbook", 13, "order cannot be fully filled")
	ErrOrderRejected   = errors.Register("orderbook", 14, "order rejected")

	// Risk limit errors
	ErrOrderTooLarge   = errors.Register("orderbook", 20, "order size above maximum")
	ErrOrderTooSmall   = errors.Register("orderbook", 21, "order size below minimum")
	ErrPriceOutOfRange = errors.Register("orderbook", 22, "price outside allowed range")
	ErrPriceDeviation  = errors.Register("orderbook", 23, "price deviates too far from last trade")

	// Matching errors
	ErrMatchingFailed = errors.Register("orderbook", 30, "matching failed after retries")
)
