package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"cosmossdk.io/math"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// ParseSide normalizes a wire value into a Side.
func ParseSide(v string) (Side, error) {
	s := Side(strings.ToLower(v))
	if !s.Valid() {
		return "", ErrInvalidSide.Wrap(v)
	}
	return s, nil
}

// OrderType distinguishes priced orders from unpriced ones.
type OrderType string

const (
	TypeLimit  OrderType = "limit"
	TypeMarket OrderType = "market"
)

func (t OrderType) Valid() bool {
	return t == TypeLimit || t == TypeMarket
}

// ParseOrderType normalizes a wire value into an OrderType. Empty defaults
// to limit.
func ParseOrderType(v string) (OrderType, error) {
	if v == "" {
		return TypeLimit, nil
	}
	t := OrderType(strings.ToLower(v))
	if !t.Valid() {
		return "", ErrInvalidOrderType.Wrap(v)
	}
	return t, nil
}

// Venue identifies which book an order rests on. Dark orders match ahead of
// lit ones and are excluded from public depth.
type Venue string

const (
	VenueLit  Venue = "lit"
	VenueDark Venue = "dark"
)

func (v Venue) Valid() bool {
	return v == VenueLit || v == VenueDark
}

// ParseVenue normalizes a wire value into a Venue. Empty defaults to lit.
func ParseVenue(s string) (Venue, error) {
	if s == "" {
		return VenueLit, nil
	}
	v := Venue(strings.ToLower(s))
	if !v.Valid() {
		return "", ErrInvalidVenue.Wrap(s)
	}
	return v, nil
}

// TimeInForce controls what happens to the unfilled remainder of an order.
type TimeInForce string

const (
	TIFDay TimeInForce = "day" // rests until the end-of-session sweep
	TIFGTC TimeInForce = "gtc" // rests until cancelled
	TIFIOC TimeInForce = "ioc" // fills what it can, remainder cancels
	TIFFOK TimeInForce = "fok" // fills completely or not at all
)

func (t TimeInForce) Valid() bool {
	switch t {
	case TIFDay, TIFGTC, TIFIOC, TIFFOK:
		return true
	}
	return false
}

// ParseTimeInForce normalizes a wire value. Empty defaults to gtc.
func ParseTimeInForce(v string) (TimeInForce, error) {
	if v == "" {
		return TIFGTC, nil
	}
	t := TimeInForce(strings.ToLower(v))
	if !t.Valid() {
		return "", ErrInvalidTimeInForce.Wrap(v)
	}
	return t, nil
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusNew             OrderStatus = "new"
	StatusOpen            OrderStatus = "open"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Order is the canonical order record. Quantity is the current target size,
// Remaining the unfilled part, and ExecutedQty/ExecutedValue accumulate
// fills so the average execution price survives quantity amendments.
type Order struct {
	ID            string
	AccountID     string
	Symbol        string
	Side          Side
	Type          OrderType
	Price         math.LegacyDec // limit price; for market orders a protection cap when positive
	Quantity      math.LegacyDec
	Remaining     math.LegacyDec
	ExecutedQty   math.LegacyDec
	ExecutedValue math.LegacyDec
	Status        OrderStatus
	Venue         Venue
	TIF           TimeInForce
	Sequence      uint64 // book priority; reassigned when priority is forfeited
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewOrder creates an order in status new.
func NewOrder(id, accountID, symbol string, side Side, typ OrderType, price, qty math.LegacyDec, venue Venue, tif TimeInForce, seq uint64) *Order {
	now := time.Now().UTC()
	return &Order{
		ID:            id,
		AccountID:     accountID,
		Symbol:        symbol,
		Side:          side,
		Type:          typ,
		Price:         price,
		Quantity:      qty,
		Remaining:     qty,
		ExecutedQty:   math.LegacyZeroDec(),
		ExecutedValue: math.LegacyZeroDec(),
		Status:        StatusNew,
		Venue:         venue,
		TIF:           tif,
		Sequence:      seq,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsActive reports whether the order can still trade or rest on a book.
func (o *Order) IsActive() bool {
	return o.Status == StatusNew || o.Status == StatusOpen || o.Status == StatusPartiallyFilled
}

// IsTerminal reports whether the order reached a final state.
func (o *Order) IsTerminal() bool {
	return o.Status.Terminal()
}

// Fill applies an execution at the given price.
func (o *Order) Fill(qty, price math.LegacyDec) error {
	if qty.GT(o.Remaining) {
		return fmt.Errorf("fill quantity %s exceeds remaining %s", qty, o.Remaining)
	}
	o.Remaining = o.Remaining.Sub(qty)
	o.ExecutedQty = o.ExecutedQty.Add(qty)
	o.ExecutedValue = o.ExecutedValue.Add(qty.Mul(price))
	if o.Remaining.IsZero() {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// Cancel marks the order cancelled. Fills already made stand.
func (o *Order) Cancel() {
	o.Status = StatusCancelled
	o.UpdatedAt = time.Now().UTC()
}

// Reject marks the order rejected before it ever rested.
func (o *Order) Reject() {
	o.Status = StatusRejected
	o.UpdatedAt = time.Now().UTC()
}

// AvgPrice is the volume-weighted price of the order's executions, zero when
// nothing filled.
func (o *Order) AvgPrice() math.LegacyDec {
	if !o.ExecutedQty.IsPositive() {
		return math.LegacyZeroDec()
	}
	return o.ExecutedValue.Quo(o.ExecutedQty)
}

// BookScore is the sorted set score that realizes price priority: ascending
// iteration yields best-first on both sides.
func (o *Order) BookScore() float64 {
	f, _ := o.Price.Float64()
	if o.Side == SideBuy {
		return -f
	}
	return f
}

// BookMember encodes time priority into the member so equal prices order
// FIFO lexicographically.
func (o *Order) BookMember() string {
	return fmt.Sprintf("%020d:%s", o.Sequence, o.ID)
}

// ParseBookMember splits a book member back into sequence and order ID.
func ParseBookMember(member string) (uint64, string, error) {
	i := strings.IndexByte(member, ':')
	if i < 0 {
		return 0, "", fmt.Errorf("malformed book member %q", member)
	}
	seq, err := strconv.ParseUint(member[:i], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed book member %q: %v", member, err)
	}
	return seq, member[i+1:], nil
}

// ToFields flattens the order for hash storage.
func (o *Order) ToFields() map[string]string {
	return map[string]string{
		"id":                 o.ID,
		"account_id":         o.AccountID,
		"symbol":             o.Symbol,
		"side":               string(o.Side),
		"type":               string(o.Type),
		"price":              o.Price.String(),
		"quantity":           o.Quantity.String(),
		"remaining_quantity": o.Remaining.String(),
		"executed_quantity":  o.ExecutedQty.String(),
		"executed_value":     o.ExecutedValue.String(),
		"status":             string(o.Status),
		"venue":              string(o.Venue),
		"tif":                string(o.TIF),
		"sequence":           strconv.FormatUint(o.Sequence, 10),
		"created_at":         o.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":         o.UpdatedAt.Format(time.RFC3339Nano),
	}
}

// OrderFromFields rebuilds an order from hash storage.
func OrderFromFields(fields map[string]string) (*Order, error) {
	if len(fields) == 0 || fields["id"] == "" {
		return nil, ErrOrderNotFound
	}
	o := &Order{
		ID:        fields["id"],
		AccountID: fields["account_id"],
		Symbol:    fields["symbol"],
		Side:      Side(fields["side"]),
		Type:      OrderType(fields["type"]),
		Status:    OrderStatus(fields["status"]),
		Venue:     Venue(fields["venue"]),
		TIF:       TimeInForce(fields["tif"]),
	}
	var err error
	if o.Price, err = math.LegacyNewDecFromStr(fields["price"]); err != nil {
		return nil, fmt.Errorf("order %s: bad price: %v", o.ID, err)
	}
	if o.Quantity, err = math.LegacyNewDecFromStr(fields["quantity"]); err != nil {
		return nil, fmt.Errorf("order %s: bad quantity: %v", o.ID, err)
	}
	if o.Remaining, err = math.LegacyNewDecFromStr(fields["remaining_quantity"]); err != nil {
		return nil, fmt.Errorf("order %s: bad remaining_quantity: %v", o.ID, err)
	}
	if o.ExecutedQty, err = math.LegacyNewDecFromStr(fields["executed_quantity"]); err != nil {
		return nil, fmt.Errorf("order %s: bad executed_quantity: %v", o.ID, err)
	}
	if o.ExecutedValue, err = math.LegacyNewDecFromStr(fields["executed_value"]); err != nil {
		return nil, fmt.Errorf("order %s: bad executed_value: %v", o.ID, err)
	}
	if o.Sequence, err = strconv.ParseUint(fields["sequence"], 10, 64); err != nil {
		return nil, fmt.Errorf("order %s: bad sequence: %v", o.ID, err)
	}
	if o.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return nil, fmt.Errorf("order %s: bad created_at: %v", o.ID, err)
	}
	if o.UpdatedAt, err = time.Parse(time.RFC3339Nano, fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("order %s: bad updated_at: %v", o.ID, err)
	}
	return o, nil
}

// Trade is one execution between two orders.
type Trade struct {
	ID              string         `json:"id"`
	Symbol          string         `json:"symbol"`
	Price           math.LegacyDec `json:"price"`
	Quantity        math.LegacyDec `json:"quantity"`
	BuyOrderID      string         `json:"buy_order_id"`
	SellOrderID     string         `json:"sell_order_id"`
	BuyerAccountID  string         `json:"buyer_account_id"`
	SellerAccountID string         `json:"seller_account_id"`
	TakerSide       Side           `json:"taker_side"`
	Venue           Venue          `json:"venue"`
	Timestamp       time.Time      `json:"timestamp"`
}

// NewTrade records an execution. Price is always the resting order's price
// and venue the book the resting order sat on.
func NewTrade(id string, taker, maker *Order, price, qty math.LegacyDec) *Trade {
	t := &Trade{
		ID:        id,
		Symbol:    taker.Symbol,
		Price:     price,
		Quantity:  qty,
		TakerSide: taker.Side,
		Venue:     maker.Venue,
		Timestamp: time.Now().UTC(),
	}
	if taker.Side == SideBuy {
		t.BuyOrderID, t.BuyerAccountID = taker.ID, taker.AccountID
		t.SellOrderID, t.SellerAccountID = maker.ID, maker.AccountID
	} else {
		t.BuyOrderID, t.BuyerAccountID = maker.ID, maker.AccountID
		t.SellOrderID, t.SellerAccountID = taker.ID, taker.AccountID
	}
	return t
}

// Value is the cash amount exchanged.
func (t *Trade) Value() math.LegacyDec {
	return t.Price.Mul(t.Quantity)
}

// PriceLevel is one aggregated row of book depth.
type PriceLevel struct {
	Price    math.LegacyDec `json:"price"`
	Quantity math.LegacyDec `json:"quantity"`
	Orders   int            `json:"orders"`
}

// BookSnapshot is the depth view served over HTTP and pushed to subscribers.
type BookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Venue     Venue        `json:"venue"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}
