package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/openalpha/oes/api/types"
)

// OrderHandler serves the /orders routes.
type OrderHandler struct {
	service types.OrderService
}

func NewOrderHandler(service types.OrderService) *OrderHandler {
	return &OrderHandler{service: service}
}

// HandleOrders serves /orders: POST submits, GET lists.
func (h *OrderHandler) HandleOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.submitOrder(w, r)
	case http.MethodGet:
		h.listOrders(w, r)
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		writeError(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
	}
}

// HandleOrder serves /orders/{id} plus the /edit and /cancel actions.
func (h *OrderHandler) HandleOrder(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/orders/")
	if rest == "" || rest == r.URL.Path {
		writeError(w, http.StatusBadRequest, "VALIDATION", "order id is required")
		return
	}

	orderID := rest
	action := ""
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		orderID, action = rest[:i], rest[i+1:]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.getOrder(w, r, orderID)
	case action == "edit" && r.Method == http.MethodPost:
		h.amendOrder(w, r, orderID)
	case action == "cancel" && r.Method == http.MethodPost:
		h.cancelOrder(w, r, orderID)
	case r.Method == http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		writeError(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
	}
}

func (h *OrderHandler) submitOrder(w http.ResponseWriter, r *http.Request) {
	var req types.SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "invalid JSON body")
		return
	}

	switch {
	case req.AccountID == "":
		writeError(w, http.StatusBadRequest, "VALIDATION", "account_id is required")
		return
	case req.Symbol == "":
		writeError(w, http.StatusBadRequest, "VALIDATION", "symbol is required")
		return
	case req.Type == "":
		writeError(w, http.StatusBadRequest, "VALIDATION", "type is required")
		return
	case req.Quantity == "":
		writeError(w, http.StatusBadRequest, "VALIDATION", "quantity is required")
		return
	}

	resp, err := h.service.SubmitOrder(r.Context(), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *OrderHandler) getOrder(w http.ResponseWriter, r *http.Request, orderID string) {
	order, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *OrderHandler) amendOrder(w http.ResponseWriter, r *http.Request, orderID string) {
	var req types.AmendOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "invalid JSON body")
		return
	}
	if req.Price == "" && req.Quantity == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION", "at least one of price or quantity is required")
		return
	}

	resp, err := h.service.AmendOrder(r.Context(), orderID, &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *OrderHandler) cancelOrder(w http.ResponseWriter, r *http.Request, orderID string) {
	resp, err := h.service.CancelOrder(r.Context(), orderID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *OrderHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	req := &types.ListOrdersRequest{
		AccountID:  query.Get("account_id"),
		Symbol:     strings.ToUpper(query.Get("symbol")),
		ActiveOnly: query.Get("active") == "true" || query.Get("active") == "1",
	}

	orders, err := h.service.ListOrders(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orders": orders,
		"total":  len(orders),
	})
}
