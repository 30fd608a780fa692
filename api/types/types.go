package types

import (
	"context"

	ledgertypes "github.com/openalpha/oes/x/ledger/types"
	obtypes "github.com/openalpha/oes/x/orderbook/types"
)

// Order is the wire representation of an order. Decimals travel as strings.
type Order struct {
	OrderID   string `json:"order_id"`
	AccountID string `json:"account_id"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	OrderType string `json:"order_type"`
	Venue     string `json:"venue"`
	TIF       string `json:"tif"`
	Price     string `json:"price"`
	Quantity  string `json:"quantity"`
	Remaining string `json:"remaining_quantity"`
	FilledQty string `json:"filled_quantity"`
	AvgPrice  string `json:"avg_fill_price"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Account is the wire representation of a ledger account.
type Account struct {
	AccountID   string `json:"account_id"`
	Name        string `json:"name"`
	Balance     string `json:"balance"`
	Reserved    string `json:"reserved_balance"`
	Available   string `json:"available_balance"`
	AccountType string `json:"account_type"`
	RiskLevel   string `json:"risk_level"`
	Active      bool   `json:"active"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// DarkPoolStatus is the wire representation of the dark venue summary.
type DarkPoolStatus struct {
	Enabled    bool   `json:"enabled"`
	BuyOrders  int64  `json:"buy_orders"`
	SellOrders int64  `json:"sell_orders"`
	Trades     int64  `json:"trades"`
	Volume     string `json:"volume"`
}

// SubmitOrderRequest is the POST /orders body. "type" carries the side, as
// in the original protocol; "order_type" selects limit or market.
type SubmitOrderRequest struct {
	Type      string `json:"type"`
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Quantity  string `json:"quantity"`
	AccountID string `json:"account_id"`
	OrderType string `json:"order_type,omitempty"`
	TIF       string `json:"tif,omitempty"`
	Venue     string `json:"venue,omitempty"`
}

// SubmitOrderResponse acknowledges an accepted order.
type SubmitOrderResponse struct {
	OrderID   string  `json:"order_id"`
	Status    string  `json:"status"`
	LatencyMs float64 `json:"latency_ms"`
}

// AmendOrderRequest carries the optional new price and quantity. Empty
// means "leave unchanged"; at least one must be present.
type AmendOrderRequest struct {
	Price    string `json:"price,omitempty"`
	Quantity string `json:"quantity,omitempty"`
}

// AmendOrderResponse returns the amended order plus any fills triggered by
// a newly crossing price.
type AmendOrderResponse struct {
	Order  *Order           `json:"order"`
	Trades []*obtypes.Trade `json:"trades,omitempty"`
}

// CancelOrderResponse reports the final order state. AlreadyTerminal is set
// when the cancel arrived after the order had finished on its own.
type CancelOrderResponse struct {
	Order           *Order `json:"order"`
	AlreadyTerminal bool   `json:"already_terminal"`
}

// ListOrdersRequest filters GET /orders.
type ListOrdersRequest struct {
	AccountID  string
	Symbol     string
	ActiveOnly bool
}

// CreateAccountRequest is the POST /accounts body.
type CreateAccountRequest struct {
	Name           string `json:"name"`
	InitialBalance string `json:"initial_balance"`
	AccountType    string `json:"account_type,omitempty"`
	RiskLevel      string `json:"risk_level,omitempty"`
}

// UpdateAccountRequest is the PUT /accounts/{id} body. Nil fields are left
// unchanged.
type UpdateAccountRequest struct {
	Name      *string `json:"name,omitempty"`
	RiskLevel *string `json:"risk_level,omitempty"`
	Active    *bool   `json:"active,omitempty"`
}

// TransactionRequest is the POST /accounts/{id}/transactions body.
// TransactionType is deposit, withdrawal or adjustment.
type TransactionRequest struct {
	Amount          string `json:"amount"`
	TransactionType string `json:"transaction_type"`
	Description     string `json:"description,omitempty"`
}

// OrderService places, amends, cancels and reads orders.
type OrderService interface {
	SubmitOrder(ctx context.Context, req *SubmitOrderRequest) (*SubmitOrderResponse, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	AmendOrder(ctx context.Context, orderID string, req *AmendOrderRequest) (*AmendOrderResponse, error)
	CancelOrder(ctx context.Context, orderID string) (*CancelOrderResponse, error)
	ListOrders(ctx context.Context, req *ListOrdersRequest) ([]*Order, error)
}

// AccountService manages ledger accounts and their histories.
type AccountService interface {
	CreateAccount(ctx context.Context, req *CreateAccountRequest) (*Account, error)
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	UpdateAccount(ctx context.Context, accountID string, req *UpdateAccountRequest) (*Account, error)
	ApplyTransaction(ctx context.Context, accountID string, req *TransactionRequest) (*ledgertypes.Transaction, error)
	AccountPositions(ctx context.Context, accountID string) ([]*ledgertypes.Position, error)
	AccountTransactions(ctx context.Context, accountID string, limit int64) ([]*ledgertypes.Transaction, error)
	AccountOrders(ctx context.Context, accountID string) ([]*Order, error)
}

// MarketDataService reads books, tapes and venue status.
type MarketDataService interface {
	Orderbook(ctx context.Context, symbol, venue string, depth int) (*obtypes.BookSnapshot, error)
	Trades(ctx context.Context, symbol string, limit int64) ([]*obtypes.Trade, error)
	DarkPool(ctx context.Context) (*DarkPoolStatus, error)
}
