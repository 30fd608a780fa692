package types

import (
	"time"

	"cosmossdk.io/math"
)

// Pub/sub topics. Market data topics are per symbol; notifications and
// system are shared fan-out channels.
const (
	TopicNotifications = "notifications"
	TopicSystem        = "system"
)

// TopicOrderbook is the depth stream for a symbol.
func TopicOrderbook(symbol string) string { return "orderbook:" + symbol }

// TopicTrades is the execution stream for a symbol.
func TopicTrades(symbol string) string { return "trades:" + symbol }

// Event type tags. Every published payload is a JSON object whose first
// fields are type and timestamp.
const (
	EventOrderbook     = "orderbook"
	EventTrade         = "trade"
	EventTradeExecuted = "trade_executed"
	EventOrdersUpdated = "orders_updated"
	EventLatency       = "latency"
	EventToast         = "toast"
	EventError         = "error"
)

// OrderbookEvent carries a depth snapshot on orderbook:{symbol}.
type OrderbookEvent struct {
	Type      string        `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Data      *BookSnapshot `json:"data"`
}

func NewOrderbookEvent(snap *BookSnapshot) *OrderbookEvent {
	return &OrderbookEvent{Type: EventOrderbook, Timestamp: time.Now().UTC(), Data: snap}
}

// TradeEvent carries one execution on trades:{symbol}.
type TradeEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      *Trade    `json:"data"`
}

func NewTradeEvent(trade *Trade) *TradeEvent {
	return &TradeEvent{Type: EventTrade, Timestamp: time.Now().UTC(), Data: trade}
}

// TradeExecutedEvent notifies the accounts involved in a fill. Published on
// notifications.
type TradeExecutedEvent struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TradeID   string         `json:"trade_id"`
	Symbol    string         `json:"symbol"`
	Price     math.LegacyDec `json:"price"`
	Quantity  math.LegacyDec `json:"quantity"`
	Venue     Venue          `json:"venue"`
	Accounts  []string       `json:"accounts"`
}

func NewTradeExecutedEvent(trade *Trade) *TradeExecutedEvent {
	return &TradeExecutedEvent{
		Type:      EventTradeExecuted,
		Timestamp: time.Now().UTC(),
		TradeID:   trade.ID,
		Symbol:    trade.Symbol,
		Price:     trade.Price,
		Quantity:  trade.Quantity,
		Venue:     trade.Venue,
		Accounts:  []string{trade.BuyerAccountID, trade.SellerAccountID},
	}
}

// OrdersUpdatedEvent prompts clients to refresh their open order views.
type OrdersUpdatedEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	AccountID string    `json:"account_id,omitempty"`
	Symbol    string    `json:"symbol,omitempty"`
}

func NewOrdersUpdatedEvent(accountID, symbol string) *OrdersUpdatedEvent {
	return &OrdersUpdatedEvent{
		Type:      EventOrdersUpdated,
		Timestamp: time.Now().UTC(),
		AccountID: accountID,
		Symbol:    symbol,
	}
}

// LatencyEvent reports the store round-trip moving average in milliseconds.
// Published on system.
type LatencyEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

func NewLatencyEvent(ms float64) *LatencyEvent {
	return &LatencyEvent{Type: EventLatency, Timestamp: time.Now().UTC(), Value: ms}
}

// ToastEvent is a human-readable notice for UIs.
type ToastEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

func NewToastEvent(level, message string) *ToastEvent {
	return &ToastEvent{Type: EventToast, Timestamp: time.Now().UTC(), Level: level, Message: message}
}

// ErrorEvent reports a server-side failure to subscribers.
type ErrorEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message"`
}

func NewErrorEvent(code, message string) *ErrorEvent {
	return &ErrorEvent{Type: EventError, Timestamp: time.Now().UTC(), Code: code, Message: message}
}
