package types

import (
	"strconv"
	"time"

	"cosmossdk.io/math"
)

// Account classifications.
const (
	AccountTypePersonal      = "personal"
	AccountTypeStandard      = "standard"
	AccountTypeInstitutional = "institutional"
)

// Risk levels. High risk unlocks short selling.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Transaction kinds. Reservation and release record holds and carry a zero
// amount, so summing amounts over the log always reproduces the balance.
const (
	TxnDeposit     = "deposit"
	TxnWithdrawal  = "withdrawal"
	TxnAdjustment  = "adjustment"
	TxnTradeBuy    = "trade_buy"
	TxnTradeSell   = "trade_sell"
	TxnFee         = "fee"
	TxnReservation = "reservation"
	TxnRelease     = "release"
)

// ValidTxnKind reports whether k is a known transaction kind.
func ValidTxnKind(k string) bool {
	switch k {
	case TxnDeposit, TxnWithdrawal, TxnAdjustment, TxnTradeBuy, TxnTradeSell, TxnFee, TxnReservation, TxnRelease:
		return true
	}
	return false
}

// Account is a customer cash account. Reserved tracks the cash held for open
// buy orders; it is part of Balance, never in addition to it.
type Account struct {
	AccountID   string
	Name        string
	Balance     math.LegacyDec
	Reserved    math.LegacyDec
	AccountType string
	RiskLevel   string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewAccount creates an active account with the given opening balance.
func NewAccount(id, name string, balance math.LegacyDec, accountType, riskLevel string) *Account {
	now := time.Now().UTC()
	return &Account{
		AccountID:   id,
		Name:        name,
		Balance:     balance,
		Reserved:    math.LegacyZeroDec(),
		AccountType: accountType,
		RiskLevel:   riskLevel,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// AvailableBalance is the cash not held for open orders.
func (a *Account) AvailableBalance() math.LegacyDec {
	return a.Balance.Sub(a.Reserved)
}

// Deposit credits the account.
func (a *Account) Deposit(amount math.LegacyDec) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount.Wrap("deposit must be positive")
	}
	a.Balance = a.Balance.Add(amount)
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// Withdraw debits the account, limited by the available balance so held
// funds cannot leave.
func (a *Account) Withdraw(amount math.LegacyDec) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount.Wrap("withdrawal must be positive")
	}
	if amount.GT(a.AvailableBalance()) {
		return ErrInsufficientFunds.Wrapf("available %s, requested %s", a.AvailableBalance(), amount)
	}
	a.Balance = a.Balance.Sub(amount)
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// Hold reserves cash for an open order.
func (a *Account) Hold(amount math.LegacyDec) error {
	if amount.GT(a.AvailableBalance()) {
		return ErrInsufficientFunds.Wrapf("available %s, requested hold %s", a.AvailableBalance(), amount)
	}
	a.Reserved = a.Reserved.Add(amount)
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// ReleaseHold returns reserved cash, flooring at zero.
func (a *Account) ReleaseHold(amount math.LegacyDec) {
	a.Reserved = a.Reserved.Sub(amount)
	if a.Reserved.IsNegative() {
		a.Reserved = math.LegacyZeroDec()
	}
	a.UpdatedAt = time.Now().UTC()
}

// CanShort reports whether the account may sell without holding the
// position.
func (a *Account) CanShort() bool {
	return a.RiskLevel == RiskHigh
}

// ToFields flattens the account for hash storage.
func (a *Account) ToFields() map[string]string {
	return map[string]string{
		"account_id":   a.AccountID,
		"name":         a.Name,
		"balance":      a.Balance.String(),
		"reserved":     a.Reserved.String(),
		"account_type": a.AccountType,
		"risk_level":   a.RiskLevel,
		"active":       strconv.FormatBool(a.Active),
		"created_at":   a.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":   a.UpdatedAt.Format(time.RFC3339Nano),
	}
}

// AccountFromFields rebuilds an account from hash storage.
func AccountFromFields(fields map[string]string) (*Account, error) {
	if len(fields) == 0 || fields["account_id"] == "" {
		return nil, ErrAccountNotFound
	}
	a := &Account{
		AccountID:   fields["account_id"],
		Name:        fields["name"],
		AccountType: fields["account_type"],
		RiskLevel:   fields["risk_level"],
	}
	var err error
	if a.Balance, err = math.LegacyNewDecFromStr(fields["balance"]); err != nil {
		return nil, ErrInvalidAmount.Wrapf("account %s: bad balance: %v", a.AccountID, err)
	}
	if a.Reserved, err = math.LegacyNewDecFromStr(fields["reserved"]); err != nil {
		return nil, ErrInvalidAmount.Wrapf("account %s: bad reserved: %v", a.AccountID, err)
	}
	if a.Active, err = strconv.ParseBool(fields["active"]); err != nil {
		return nil, ErrInvalidAmount.Wrapf("account %s: bad active flag: %v", a.AccountID, err)
	}
	if a.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return nil, ErrInvalidAmount.Wrapf("account %s: bad created_at: %v", a.AccountID, err)
	}
	if a.UpdatedAt, err = time.Parse(time.RFC3339Nano, fields["updated_at"]); err != nil {
		return nil, ErrInvalidAmount.Wrapf("account %s: bad updated_at: %v", a.AccountID, err)
	}
	return a, nil
}

// Position is a holding in one symbol. Quantity is signed: negative means
// short. Reserved is the quantity held for open sell orders.
type Position struct {
	Symbol    string         `json:"symbol"`
	Quantity  math.LegacyDec `json:"quantity"`
	Reserved  math.LegacyDec `json:"reserved"`
	AvgPrice  math.LegacyDec `json:"avg_price"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewPosition creates an empty position.
func NewPosition(symbol string) *Position {
	return &Position{
		Symbol:    symbol,
		Quantity:  math.LegacyZeroDec(),
		Reserved:  math.LegacyZeroDec(),
		AvgPrice:  math.LegacyZeroDec(),
		UpdatedAt: time.Now().UTC(),
	}
}

// Available is the quantity not held for open sell orders.
func (p *Position) Available() math.LegacyDec {
	return p.Quantity.Sub(p.Reserved)
}

// Apply adjusts the position by a signed quantity executed at price. Growing
// the position re-averages the entry price volume-weighted; shrinking keeps
// it; crossing through zero starts a fresh position at the trade price.
func (p *Position) Apply(qty, price math.LegacyDec) {
	defer func() { p.UpdatedAt = time.Now().UTC() }()

	newQty := p.Quantity.Add(qty)
	switch {
	case p.Quantity.IsZero():
		p.AvgPrice = price
	case p.Quantity.IsPositive() == qty.IsPositive():
		// Same direction: volume-weighted re-average.
		total := p.Quantity.Abs().Mul(p.AvgPrice).Add(qty.Abs().Mul(price))
		p.AvgPrice = total.Quo(newQty.Abs())
	case newQty.IsZero():
		p.AvgPrice = math.LegacyZeroDec()
	case p.Quantity.IsPositive() != newQty.IsPositive():
		// Crossed through zero: the residual opened at the trade price.
		p.AvgPrice = price
	}
	p.Quantity = newQty
}

// Hold reserves quantity for an open sell order.
func (p *Position) Hold(qty math.LegacyDec) error {
	if qty.GT(p.Available()) {
		return ErrInsufficientPosition.Wrapf("%s available %s, requested hold %s", p.Symbol, p.Available(), qty)
	}
	p.Reserved = p.Reserved.Add(qty)
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// ReleaseHold returns reserved quantity, flooring at zero.
func (p *Position) ReleaseHold(qty math.LegacyDec) {
	p.Reserved = p.Reserved.Sub(qty)
	if p.Reserved.IsNegative() {
		p.Reserved = math.LegacyZeroDec()
	}
	p.UpdatedAt = time.Now().UTC()
}

// IsFlat reports whether the position can be deleted from storage.
func (p *Position) IsFlat() bool {
	return p.Quantity.IsZero() && p.Reserved.IsZero()
}

// Transaction is one immutable ledger entry.
type Transaction struct {
	ID           string         `json:"id"`
	AccountID    string         `json:"account_id"`
	Kind         string         `json:"type"`
	Amount       math.LegacyDec `json:"amount"`
	BalanceAfter math.LegacyDec `json:"balance_after"`
	Description  string         `json:"description"`
	Timestamp    time.Time      `json:"timestamp"`
}

// NewTransaction stamps a ledger entry.
func NewTransaction(id, accountID, kind string, amount, balanceAfter math.LegacyDec, description string) *Transaction {
	return &Transaction{
		ID:           id,
		AccountID:    accountID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Description:  description,
		Timestamp:    time.Now().UTC(),
	}
}

// Fill is the ledger-facing view of one execution: both accounts settle the
// same quantity at the same price.
type Fill struct {
	TradeID         string
	Symbol          string
	Price           math.LegacyDec
	Quantity        math.LegacyDec
	BuyOrderID      string
	SellOrderID     string
	BuyerAccountID  string
	SellerAccountID string
}

// Value is the cash leg of the fill.
func (f Fill) Value() math.LegacyDec {
	return f.Price.Mul(f.Quantity)
}

// Reservation is the hold backing one open order. Buy orders hold cash
// (Remaining * UnitPrice), sell orders hold position quantity.
type Reservation struct {
	OrderID   string
	AccountID string
	Symbol    string
	Side      string // "buy" or "sell"
	Quantity  math.LegacyDec
	Remaining math.LegacyDec
	UnitPrice math.LegacyDec
	CreatedAt time.Time
}

// NewReservation creates a hold for the full order quantity.
func NewReservation(orderID, accountID, symbol, side string, qty, unitPrice math.LegacyDec) *Reservation {
	return &Reservation{
		OrderID:   orderID,
		AccountID: accountID,
		Symbol:    symbol,
		Side:      side,
		Quantity:  qty,
		Remaining: qty,
		UnitPrice: unitPrice,
		CreatedAt: time.Now().UTC(),
	}
}

// HeldCash is the cash this reservation still holds (zero for sells).
func (r *Reservation) HeldCash() math.LegacyDec {
	if r.Side != "buy" {
		return math.LegacyZeroDec()
	}
	return r.Remaining.Mul(r.UnitPrice)
}

// ToFields flattens the reservation for hash storage.
func (r *Reservation) ToFields() map[string]string {
	return map[string]string{
		"order_id":   r.OrderID,
		"account_id": r.AccountID,
		"symbol":     r.Symbol,
		"side":       r.Side,
		"quantity":   r.Quantity.String(),
		"remaining":  r.Remaining.String(),
		"unit_price": r.UnitPrice.String(),
		"created_at": r.CreatedAt.Format(time.RFC3339Nano),
	}
}

// ReservationFromFields rebuilds a reservation from hash storage.
func ReservationFromFields(fields map[string]string) (*Reservation, error) {
	if len(fields) == 0 || fields["order_id"] == "" {
		return nil, ErrReservationNotFound
	}
	r := &Reservation{
		OrderID:   fields["order_id"],
		AccountID: fields["account_id"],
		Symbol:    fields["symbol"],
		Side:      fields["side"],
	}
	var err error
	if r.Quantity, err = math.LegacyNewDecFromStr(fields["quantity"]); err != nil {
		return nil, ErrInvalidAmount.Wrapf("reservation %s: bad quantity: %v", r.OrderID, err)
	}
	if r.Remaining, err = math.LegacyNewDecFromStr(fields["remaining"]); err != nil {
		return nil, ErrInvalidAmount.Wrapf("reservation %s: bad remaining: %v", r.OrderID, err)
	}
	if r.UnitPrice, err = math.LegacyNewDecFromStr(fields["unit_price"]); err != nil {
		return nil, ErrInvalidAmount.Wrapf("reservation %s: bad unit_price: %v", r.OrderID, err)
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return nil, ErrInvalidAmount.Wrapf("reservation %s: bad created_at: %v", r.OrderID, err)
	}
	return r, nil
}
