package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/openalpha/oes/api/types"
)

// AccountHandler serves the /accounts routes.
type AccountHandler struct {
	service types.AccountService
}

func NewAccountHandler(service types.AccountService) *AccountHandler {
	return &AccountHandler{service: service}
}

// HandleAccounts serves /accounts: POST creates, GET lists.
func (h *AccountHandler) HandleAccounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createAccount(w, r)
	case http.MethodGet:
		h.listAccounts(w, r)
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		writeError(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
	}
}

// HandleAccount serves /accounts/{id} and its positions, transactions and
// orders subresources.
func (h *AccountHandler) HandleAccount(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/accounts/")
	if rest == "" || rest == r.URL.Path {
		writeError(w, http.StatusBadRequest, "VALIDATION", "account id is required")
		return
	}

	accountID := rest
	sub := ""
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		accountID, sub = rest[:i], rest[i+1:]
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		h.getAccount(w, r, accountID)
	case sub == "" && r.Method == http.MethodPut:
		h.updateAccount(w, r, accountID)
	case sub == "positions" && r.Method == http.MethodGet:
		h.positions(w, r, accountID)
	case sub == "transactions" && r.Method == http.MethodGet:
		h.transactions(w, r, accountID)
	case sub == "transactions" && r.Method == http.MethodPost:
		h.applyTransaction(w, r, accountID)
	case sub == "orders" && r.Method == http.MethodGet:
		h.orders(w, r, accountID)
	case r.Method == http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		writeError(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
	}
}

func (h *AccountHandler) createAccount(w http.ResponseWriter, r *http.Request) {
	var req types.CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION", "name is required")
		return
	}

	account, err := h.service.CreateAccount(r.Context(), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (h *AccountHandler) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.service.ListAccounts(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accounts": accounts,
		"total":    len(accounts),
	})
}

func (h *AccountHandler) getAccount(w http.ResponseWriter, r *http.Request, accountID string) {
	account, err := h.service.GetAccount(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (h *AccountHandler) updateAccount(w http.ResponseWriter, r *http.Request, accountID string) {
	var req types.UpdateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "invalid JSON body")
		return
	}
	if req.Name == nil && req.RiskLevel == nil && req.Active == nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "no fields to update")
		return
	}

	account, err := h.service.UpdateAccount(r.Context(), accountID, &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (h *AccountHandler) positions(w http.ResponseWriter, r *http.Request, accountID string) {
	positions, err := h.service.AccountPositions(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": accountID,
		"positions":  positions,
	})
}

func (h *AccountHandler) transactions(w http.ResponseWriter, r *http.Request, accountID string) {
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "VALIDATION", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	txns, err := h.service.AccountTransactions(r.Context(), accountID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id":   accountID,
		"transactions": txns,
	})
}

func (h *AccountHandler) applyTransaction(w http.ResponseWriter, r *http.Request, accountID string) {
	var req types.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "invalid JSON body")
		return
	}
	if req.Amount == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION", "amount is required")
		return
	}
	if req.TransactionType == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION", "transaction_type is required")
		return
	}

	txn, err := h.service.ApplyTransaction(r.Context(), accountID, &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

func (h *AccountHandler) orders(w http.ResponseWriter, r *http.Request, accountID string) {
	orders, err := h.service.AccountOrders(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": accountID,
		"orders":     orders,
	})
}
