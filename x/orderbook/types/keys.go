package types

import "fmt"

// Shared keyspace. Every key is flat and ':'-separated so the admin clear
// can target order state by pattern without touching account state.
const (
	KeyAllOrders = "orders"    // set of every order id
	KeySymbols   = "symbols"   // set of symbols that ever traded
	KeyOrderSeq  = "seq:order" // book priority counter
	KeyTradeSeq  = "seq:trade" // trade id counter
)

// OrderKey is the canonical order hash.
func OrderKey(id string) string { return "order:" + id }

// BookKey is one side of one venue's book for a symbol.
func BookKey(venue Venue, symbol string, side Side) string {
	half := "asks"
	if side == SideBuy {
		half = "bids"
	}
	return fmt.Sprintf("book:%s:%s:%s", venue, symbol, half)
}

// AccountOrdersKey indexes a customer's orders.
func AccountOrdersKey(accountID string) string { return "account:" + accountID + ":orders" }

// SymbolOrdersKey indexes a symbol's orders.
func SymbolOrdersKey(symbol string) string { return "symbol:" + symbol + ":orders" }

// TradesKey is the recent trade tape for a symbol, newest first.
func TradesKey(symbol string) string { return "trades:" + symbol }

// LastPriceKey holds the price of the symbol's most recent trade.
func LastPriceKey(symbol string) string { return "lastprice:" + symbol }
