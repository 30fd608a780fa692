package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/openalpha/oes/api/types"
	obtypes "github.com/openalpha/oes/x/orderbook/types"
)

// MarketHandler serves public market data: books, tapes and the dark pool
// summary.
type MarketHandler struct {
	service types.MarketDataService
}

func NewMarketHandler(service types.MarketDataService) *MarketHandler {
	return &MarketHandler{service: service}
}

// HandleOrderbook serves /orderbook/{symbol}. The lit book is the default;
// the dark book is only returned when venue=dark is asked for explicitly.
func (h *MarketHandler) HandleOrderbook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
		return
	}
	symbol := strings.TrimPrefix(r.URL.Path, "/orderbook/")
	if symbol == "" || symbol == r.URL.Path || strings.Contains(symbol, "/") {
		writeError(w, http.StatusBadRequest, "VALIDATION", "symbol is required")
		return
	}
	symbol = strings.ToUpper(symbol)

	query := r.URL.Query()
	depth := 20
	if v := query.Get("depth"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "VALIDATION", "depth must be a positive integer")
			return
		}
		depth = parsed
	}

	snap, err := h.service.Orderbook(r.Context(), symbol, query.Get("venue"), depth)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleTrades serves /trades/{symbol}.
func (h *MarketHandler) HandleTrades(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
		return
	}
	symbol := strings.TrimPrefix(r.URL.Path, "/trades/")
	if symbol == "" || symbol == r.URL.Path || strings.Contains(symbol, "/") {
		writeError(w, http.StatusBadRequest, "VALIDATION", "symbol is required")
		return
	}
	symbol = strings.ToUpper(symbol)

	query := r.URL.Query()
	limit := int64(50)
	if v := query.Get("limit"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "VALIDATION", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	trades, err := h.service.Trades(r.Context(), symbol, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	// Optional venue filter on the tape.
	if v := query.Get("venue"); v != "" {
		venue, err := obtypes.ParseVenue(v)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		filtered := trades[:0]
		for _, trade := range trades {
			if trade.Venue == venue {
				filtered = append(filtered, trade)
			}
		}
		trades = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"symbol": symbol,
		"trades": trades,
		"total":  len(trades),
	})
}

// HandleDarkPool serves /darkpool/status.
func (h *MarketHandler) HandleDarkPool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
		return
	}
	status, err := h.service.DarkPool(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
