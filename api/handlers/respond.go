package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/openalpha/oes/store"
	ledgertypes "github.com/openalpha/oes/x/ledger/types"
	obtypes "github.com/openalpha/oes/x/orderbook/types"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{
		"code":   code,
		"detail": detail,
	})
}

// writeServiceError maps a service error onto its HTTP status and stable
// code, with the wrapped message as the detail.
func writeServiceError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeError(w, status, code, err.Error())
}

// classify buckets domain errors into the wire error classes.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, obtypes.ErrOrderNotFound):
		return http.StatusNotFound, "UNKNOWN_ORDER"
	case errors.Is(err, ledgertypes.ErrAccountNotFound):
		return http.StatusNotFound, "UNKNOWN_ACCOUNT"

	case errors.Is(err, obtypes.ErrAlreadyTerminal):
		return http.StatusConflict, "ALREADY_TERMINAL"
	case errors.Is(err, obtypes.ErrStaleOrder),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "STALE"

	case errors.Is(err, obtypes.ErrInvalidAmend):
		return http.StatusBadRequest, "INVALID_AMEND"

	case errors.Is(err, obtypes.ErrNotFillable):
		return http.StatusUnprocessableEntity, "NOT_FILLABLE"
	case errors.Is(err, ledgertypes.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS"
	case errors.Is(err, ledgertypes.ErrInsufficientPosition),
		errors.Is(err, ledgertypes.ErrShortingNotAllowed):
		return http.StatusUnprocessableEntity, "INSUFFICIENT_POSITION"

	case errors.Is(err, store.ErrUnavailable),
		errors.Is(err, store.ErrClosed):
		return http.StatusServiceUnavailable, "UNAVAILABLE"

	case errors.Is(err, obtypes.ErrInvalidPrice),
		errors.Is(err, obtypes.ErrInvalidQuantity),
		errors.Is(err, obtypes.ErrInvalidSide),
		errors.Is(err, obtypes.ErrInvalidOrderType),
		errors.Is(err, obtypes.ErrInvalidSymbol),
		errors.Is(err, obtypes.ErrInvalidVenue),
		errors.Is(err, obtypes.ErrInvalidTimeInForce),
		errors.Is(err, obtypes.ErrOrderTooLarge),
		errors.Is(err, obtypes.ErrOrderTooSmall),
		errors.Is(err, obtypes.ErrPriceOutOfRange),
		errors.Is(err, obtypes.ErrPriceDeviation),
		errors.Is(err, ledgertypes.ErrInvalidAmount),
		errors.Is(err, ledgertypes.ErrInvalidTransaction),
		errors.Is(err, ledgertypes.ErrAccountInactive):
		return http.StatusBadRequest, "VALIDATION"
	}
	return http.StatusInternalServerError, "INTERNAL"
}
