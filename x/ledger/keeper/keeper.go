package keeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cosmossdk.io/log"
	"cosmossdk.io/math"
	"github.com/google/uuid"

	"github.com/openalpha/oes/metrics"
	"github.com/openalpha/oes/store"
	"github.com/openalpha/oes/x/ledger/types"
)

// Keeper manages accounts, positions, holds and the transaction log. Every
// mutation of one account serializes through a per-account lock held across
// the whole read-modify-write, so balances never interleave.
type Keeper struct {
	store  store.Store
	logger log.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeeper creates a ledger keeper on the given store.
func NewKeeper(st store.Store, logger log.Logger) *Keeper {
	return &Keeper{
		store:  st,
		logger: logger.With("module", "x/ledger"),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Logger returns the module logger
func (k *Keeper) Logger() log.Logger {
	return k.logger
}

func (k *Keeper) accountLock(accountID string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		k.locks[accountID] = l
	}
	return l
}

// lockAccounts acquires the locks for the given accounts in a stable order
// so concurrent fills can never deadlock.
func (k *Keeper) lockAccounts(ids ...string) func() {
	uniq := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}
	sort.Strings(uniq)
	locks := make([]*sync.Mutex, len(uniq))
	for i, id := range uniq {
		locks[i] = k.accountLock(id)
		locks[i].Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

func newAccountID() string { return "acc-" + uuid.New().String() }
func newTxnID() string     { return "txn-" + uuid.New().String() }

// ============ Accounts ============

// CreateAccount opens an account and books the opening deposit.
func (k *Keeper) CreateAccount(ctx context.Context, name string, balance math.LegacyDec, accountType, riskLevel string) (*types.Account, error) {
	if name == "" {
		return nil, types.ErrInvalidAmount.Wrap("account name required")
	}
	if balance.IsNegative() {
		return nil, types.ErrInvalidAmount.Wrap("opening balance cannot be negative")
	}
	if accountType == "" {
		accountType = types.AccountTypeStandard
	}
	if riskLevel == "" {
		riskLevel = types.RiskMedium
	}

	account := types.NewAccount(newAccountID(), name, balance, accountType, riskLevel)

	unlock := k.lockAccounts(account.AccountID)
	defer unlock()

	if err := k.saveAccount(ctx, account); err != nil {
		return nil, err
	}
	if err := k.store.SAdd(ctx, types.KeyAccounts, account.AccountID); err != nil {
		return nil, err
	}
	if balance.IsPositive() {
		if err := k.appendTxn(ctx, account.AccountID, types.TxnDeposit, balance, account.Balance, "Initial account funding"); err != nil {
			return nil, err
		}
	}
	if ids, err := k.store.SMembers(ctx, types.KeyAccounts); err == nil {
		metrics.GetCollector().SetAccounts(len(ids))
	}

	k.logger.Info("account created",
		"account_id", account.AccountID,
		"type", account.AccountType,
		"risk", account.RiskLevel,
		"balance", account.Balance.String(),
	)
	return account, nil
}

// GetAccount loads one account.
func (k *Keeper) GetAccount(ctx context.Context, accountID string) (*types.Account, error) {
	fields, err := k.store.HGetAll(ctx, types.AccountKey(accountID))
	if err != nil {
		return nil, err
	}
	account, err := types.AccountFromFields(fields)
	if err != nil {
		if errors.Is(err, types.ErrAccountNotFound) {
			return nil, types.ErrAccountNotFound.Wrap(accountID)
		}
		return nil, err
	}
	return account, nil
}

// ListAccounts returns every account ordered by id.
func (k *Keeper) ListAccounts(ctx context.Context) ([]*types.Account, error) {
	ids, err := k.store.SMembers(ctx, types.KeyAccounts)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	accounts := make([]*types.Account, 0, len(ids))
	for _, id := range ids {
		account, err := k.GetAccount(ctx, id)
		if err != nil {
			if errors.Is(err, types.ErrAccountNotFound) {
				continue
			}
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

// UpdateAccount applies mutate to the account under its lock and persists
// the result.
func (k *Keeper) UpdateAccount(ctx context.Context, accountID string, mutate func(*types.Account) error) (*types.Account, error) {
	unlock := k.lockAccounts(accountID)
	defer unlock()

	account, err := k.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := mutate(account); err != nil {
		return nil, err
	}
	if err := k.saveAccount(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// Deposit credits cash and books the transaction.
func (k *Keeper) Deposit(ctx context.Context, accountID string, amount math.LegacyDec, description string) (*types.Transaction, error) {
	unlock := k.lockAccounts(accountID)
	defer unlock()

	account, err := k.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.Active {
		return nil, types.ErrAccountInactive.Wrap(accountID)
	}
	if err := account.Deposit(amount); err != nil {
		return nil, err
	}
	if err := k.saveAccount(ctx, account); err != nil {
		return nil, err
	}
	if description == "" {
		description = "Deposit"
	}
	return k.recordTxn(ctx, accountID, types.TxnDeposit, amount, account.Balance, description)
}

// Withdraw debits cash limited by the available balance.
func (k *Keeper) Withdraw(ctx context.Context, accountID string, amount math.LegacyDec, description string) (*types.Transaction, error) {
	unlock := k.lockAccounts(accountID)
	defer unlock()

	account, err := k.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.Active {
		return nil, types.ErrAccountInactive.Wrap(accountID)
	}
	if err := account.Withdraw(amount); err != nil {
		return nil, err
	}
	if err := k.saveAccount(ctx, account); err != nil {
		return nil, err
	}
	if description == "" {
		description = "Withdrawal"
	}
	return k.recordTxn(ctx, accountID, types.TxnWithdrawal, amount.Neg(), account.Balance, description)
}

// Adjust applies a signed balance correction. Credits behave like deposits;
// debits are limited by the available balance so holds stay covered.
func (k *Keeper) Adjust(ctx context.Context, accountID string, amount math.LegacyDec, description string) (*types.Transaction, error) {
	unlock := k.lockAccounts(accountID)
	defer unlock()

	account, err := k.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.Active {
		return nil, types.ErrAccountInactive.Wrap(accountID)
	}
	if amount.IsZero() {
		return nil, types.ErrInvalidAmount.Wrap("adjustment of zero")
	}
	if amount.IsNegative() {
		if err := account.Withdraw(amount.Neg()); err != nil {
			return nil, err
		}
	} else if err := account.Deposit(amount); err != nil {
		return nil, err
	}
	if err := k.saveAccount(ctx, account); err != nil {
		return nil, err
	}
	if description == "" {
		description = "Balance adjustment"
	}
	return k.recordTxn(ctx, accountID, types.TxnAdjustment, amount, account.Balance, description)
}

func (k *Keeper) saveAccount(ctx context.Context, account *types.Account) error {
	return k.store.HSet(ctx, types.AccountKey(account.AccountID), account.ToFields())
}

// ============ Positions ============

// GetPosition loads one position, returning an empty one when none exists.
func (k *Keeper) GetPosition(ctx context.Context, accountID, symbol string) (*types.Position, error) {
	raw, err := k.store.HGet(ctx, types.PositionsKey(accountID), symbol)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.NewPosition(symbol), nil
		}
		return nil, err
	}
	var pos types.Position
	if err := json.Unmarshal([]byte(raw), &pos); err != nil {
		return nil, fmt.Errorf("position %s/%s: %w", accountID, symbol, err)
	}
	return &pos, nil
}

// Positions returns every open position for the account.
func (k *Keeper) Positions(ctx context.Context, accountID string) ([]*types.Position, error) {
	fields, err := k.store.HGetAll(ctx, types.PositionsKey(accountID))
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(fields))
	for symbol := range fields {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	positions := make([]*types.Position, 0, len(symbols))
	for _, symbol := range symbols {
		var pos types.Position
		if err := json.Unmarshal([]byte(fields[symbol]), &pos); err != nil {
			return nil, fmt.Errorf("position %s/%s: %w", accountID, symbol, err)
		}
		positions = append(positions, &pos)
	}
	return positions, nil
}

func (k *Keeper) savePosition(ctx context.Context, accountID string, pos *types.Position) error {
	if pos.IsFlat() {
		err := k.store.HDel(ctx, types.PositionsKey(accountID), pos.Symbol)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil
	}
	raw, err := json.Marshal(pos)
	if err != nil {
		return err
	}
	return k.store.HSet(ctx, types.PositionsKey(accountID), map[string]string{pos.Symbol: string(raw)})
}

// ============ Transactions ============

// Transactions returns the newest entries of the account's log.
func (k *Keeper) Transactions(ctx context.Context, accountID string, limit int64) ([]*types.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	raws, err := k.store.LRange(ctx, types.TransactionsKey(accountID), 0, limit-1)
	if err != nil {
		return nil, err
	}
	txns := make([]*types.Transaction, 0, len(raws))
	for _, raw := range raws {
		var txn types.Transaction
		if err := json.Unmarshal([]byte(raw), &txn); err != nil {
			return nil, fmt.Errorf("transaction log %s: %w", accountID, err)
		}
		txns = append(txns, &txn)
	}
	return txns, nil
}

func (k *Keeper) recordTxn(ctx context.Context, accountID, kind string, amount, balanceAfter math.LegacyDec, description string) (*types.Transaction, error) {
	txn := types.NewTransaction(newTxnID(), accountID, kind, amount, balanceAfter, description)
	raw, err := json.Marshal(txn)
	if err != nil {
		return nil, err
	}
	if err := k.store.LPush(ctx, types.TransactionsKey(accountID), string(raw)); err != nil {
		return nil, err
	}
	metrics.GetCollector().RecordTransaction(kind)
	return txn, nil
}

func (k *Keeper) appendTxn(ctx context.Context, accountID, kind string, amount, balanceAfter math.LegacyDec, description string) error {
	_, err := k.recordTxn(ctx, accountID, kind, amount, balanceAfter, description)
	return err
}

// ============ Reservations ============

// Reserve places the hold backing an order. Buys hold cash at the given
// unit price; sells hold position quantity. High risk accounts may sell
// beyond their holding, in which case only the held part is reserved.
func (k *Keeper) Reserve(ctx context.Context, orderID, accountID, symbol, side string, qty, unitPrice math.LegacyDec) error {
	unlock := k.lockAccounts(accountID)
	defer unlock()

	account, err := k.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !account.Active {
		return types.ErrAccountInactive.Wrap(accountID)
	}

	res := types.NewReservation(orderID, accountID, symbol, side, qty, unitPrice)

	switch side {
	case "buy":
		if err := account.Hold(qty.Mul(unitPrice)); err != nil {
			return err
		}
		if err := k.saveAccount(ctx, account); err != nil {
			return err
		}
	case "sell":
		pos, err := k.GetPosition(ctx, accountID, symbol)
		if err != nil {
			return err
		}
		hold := qty
		if available := pos.Available(); hold.GT(available) {
			if !account.CanShort() {
				if !pos.Quantity.IsPositive() {
					return types.ErrShortingNotAllowed.Wrapf("account %s holds no %s", accountID, symbol)
				}
				return types.ErrInsufficientPosition.Wrapf("%s available %s, selling %s", symbol, available, qty)
			}
			// Short sale: hold whatever real quantity exists.
			hold = math.LegacyMaxDec(available, math.LegacyZeroDec())
		}
		if hold.IsPositive() {
			if err := pos.Hold(hold); err != nil {
				return err
			}
			if err := k.savePosition(ctx, accountID, pos); err != nil {
				return err
			}
		}
		res.Remaining = hold
	default:
		return types.ErrInvalidTransaction.Wrapf("unknown side %q", side)
	}

	if err := k.store.HSet(ctx, types.ReservationKey(orderID), res.ToFields()); err != nil {
		return err
	}
	return k.appendTxn(ctx, accountID, types.TxnReservation, math.LegacyZeroDec(), account.Balance,
		fmt.Sprintf("Hold for order %s: %s %s %s", orderID, side, qty, symbol))
}

// Release returns whatever the order's reservation still holds and removes
// it. Releasing an unknown order is a no-op, so cancel paths can always
// call it.
func (k *Keeper) Release(ctx context.Context, orderID string) error {
	fields, err := k.store.HGetAll(ctx, types.ReservationKey(orderID))
	if err != nil {
		return err
	}
	res, err := types.ReservationFromFields(fields)
	if err != nil {
		if errors.Is(err, types.ErrReservationNotFound) {
			return nil
		}
		return err
	}

	unlock := k.lockAccounts(res.AccountID)
	defer unlock()

	account, err := k.GetAccount(ctx, res.AccountID)
	if err != nil {
		return err
	}

	if res.Remaining.IsPositive() {
		switch res.Side {
		case "buy":
			account.ReleaseHold(res.HeldCash())
			if err := k.saveAccount(ctx, account); err != nil {
				return err
			}
		case "sell":
			pos, err := k.GetPosition(ctx, res.AccountID, res.Symbol)
			if err != nil {
				return err
			}
			pos.ReleaseHold(res.Remaining)
			if err := k.savePosition(ctx, res.AccountID, pos); err != nil {
				return err
			}
		}
	}

	if err := k.store.Del(ctx, types.ReservationKey(orderID)); err != nil {
		return err
	}
	return k.appendTxn(ctx, res.AccountID, types.TxnRelease, math.LegacyZeroDec(), account.Balance,
		fmt.Sprintf("Released hold for order %s", orderID))
}

// ReduceReservation shrinks the hold after a quantity-decrease amendment.
func (k *Keeper) ReduceReservation(ctx context.Context, orderID string, newQty math.LegacyDec) error {
	fields, err := k.store.HGetAll(ctx, types.ReservationKey(orderID))
	if err != nil {
		return err
	}
	res, err := types.ReservationFromFields(fields)
	if err != nil {
		if errors.Is(err, types.ErrReservationNotFound) {
			return nil
		}
		return err
	}
	if newQty.GTE(res.Remaining) {
		return nil
	}

	unlock := k.lockAccounts(res.AccountID)
	defer unlock()

	delta := res.Remaining.Sub(newQty)
	switch res.Side {
	case "buy":
		account, err := k.GetAccount(ctx, res.AccountID)
		if err != nil {
			return err
		}
		account.ReleaseHold(delta.Mul(res.UnitPrice))
		if err := k.saveAccount(ctx, account); err != nil {
			return err
		}
	case "sell":
		pos, err := k.GetPosition(ctx, res.AccountID, res.Symbol)
		if err != nil {
			return err
		}
		pos.ReleaseHold(delta)
		if err := k.savePosition(ctx, res.AccountID, pos); err != nil {
			return err
		}
	}
	res.Remaining = newQty
	return k.store.HSet(ctx, types.ReservationKey(orderID), res.ToFields())
}

// Rereserve swaps an order's hold for a new quantity and unit price in one
// step, as a price or size amendment requires. The new hold is netted
// against the old one, so an amendment the account cannot fund fails with
// the original reservation intact.
func (k *Keeper) Rereserve(ctx context.Context, orderID string, newQty, newUnitPrice math.LegacyDec) error {
	fields, err := k.store.HGetAll(ctx, types.ReservationKey(orderID))
	if err != nil {
		return err
	}
	res, err := types.ReservationFromFields(fields)
	if err != nil {
		return err
	}

	unlock := k.lockAccounts(res.AccountID)
	defer unlock()

	account, err := k.GetAccount(ctx, res.AccountID)
	if err != nil {
		return err
	}

	switch res.Side {
	case "buy":
		oldHold := res.HeldCash()
		newHold := newQty.Mul(newUnitPrice)
		if newHold.GT(oldHold) {
			if err := account.Hold(newHold.Sub(oldHold)); err != nil {
				return err
			}
		} else {
			account.ReleaseHold(oldHold.Sub(newHold))
		}
		if err := k.saveAccount(ctx, account); err != nil {
			return err
		}
		res.Remaining = newQty
	case "sell":
		pos, err := k.GetPosition(ctx, res.AccountID, res.Symbol)
		if err != nil {
			return err
		}
		// The most this order could hold is what it holds now plus
		// whatever is still free.
		target := newQty
		reachable := res.Remaining.Add(pos.Available())
		if target.GT(reachable) {
			if !account.CanShort() {
				return types.ErrInsufficientPosition.Wrapf("%s available %s, amending to %s",
					res.Symbol, reachable, newQty)
			}
			target = math.LegacyMaxDec(reachable, math.LegacyZeroDec())
		}
		if target.GT(res.Remaining) {
			if err := pos.Hold(target.Sub(res.Remaining)); err != nil {
				return err
			}
		} else {
			pos.ReleaseHold(res.Remaining.Sub(target))
		}
		if err := k.savePosition(ctx, res.AccountID, pos); err != nil {
			return err
		}
		res.Remaining = target
	}

	res.Quantity = newQty
	res.UnitPrice = newUnitPrice
	if err := k.store.HSet(ctx, types.ReservationKey(orderID), res.ToFields()); err != nil {
		return err
	}
	return k.appendTxn(ctx, res.AccountID, types.TxnReservation, math.LegacyZeroDec(), account.Balance,
		fmt.Sprintf("Adjusted hold for order %s: %s %s at %s", orderID, newQty, res.Symbol, newUnitPrice))
}

// ============ Settlement ============

// ApplyFill settles one execution on both accounts: the buyer pays cash and
// gains position, the seller the reverse. Holds consumed by the fill are
// released first, and every check runs before anything is written, so a
// rejected fill leaves both accounts untouched.
func (k *Keeper) ApplyFill(ctx context.Context, fill types.Fill) error {
	if !fill.Quantity.IsPositive() || fill.Price.IsNegative() {
		return types.ErrInvalidAmount.Wrapf("fill %s: qty %s price %s", fill.TradeID, fill.Quantity, fill.Price)
	}

	unlock := k.lockAccounts(fill.BuyerAccountID, fill.SellerAccountID)
	defer unlock()

	buyer, err := k.GetAccount(ctx, fill.BuyerAccountID)
	if err != nil {
		return err
	}
	seller, err := k.GetAccount(ctx, fill.SellerAccountID)
	if err != nil {
		return err
	}
	buyerPos, err := k.GetPosition(ctx, fill.BuyerAccountID, fill.Symbol)
	if err != nil {
		return err
	}
	sellerPos, err := k.GetPosition(ctx, fill.SellerAccountID, fill.Symbol)
	if err != nil {
		return err
	}
	buyRes, err := k.loadReservation(ctx, fill.BuyOrderID)
	if err != nil {
		return err
	}
	sellRes, err := k.loadReservation(ctx, fill.SellOrderID)
	if err != nil {
		return err
	}

	value := fill.Value()

	// Stage the buyer: release the consumed part of the cash hold, then pay.
	if buyRes != nil && buyRes.Remaining.IsPositive() {
		consumed := math.LegacyMinDec(fill.Quantity, buyRes.Remaining)
		buyer.ReleaseHold(consumed.Mul(buyRes.UnitPrice))
		buyRes.Remaining = buyRes.Remaining.Sub(consumed)
	}
	if value.GT(buyer.AvailableBalance()) {
		return types.ErrInsufficientFunds.Wrapf("buyer %s: available %s, trade value %s",
			fill.BuyerAccountID, buyer.AvailableBalance(), value)
	}
	buyer.Balance = buyer.Balance.Sub(value)
	buyerPos.Apply(fill.Quantity, fill.Price)

	// Stage the seller: release the consumed part of the position hold,
	// hand over the quantity, collect the cash.
	if sellRes != nil && sellRes.Remaining.IsPositive() {
		consumed := math.LegacyMinDec(fill.Quantity, sellRes.Remaining)
		sellerPos.ReleaseHold(consumed)
		sellRes.Remaining = sellRes.Remaining.Sub(consumed)
	}
	if fill.Quantity.GT(sellerPos.Quantity) && !seller.CanShort() {
		return types.ErrInsufficientPosition.Wrapf("seller %s: holding %s, selling %s",
			fill.SellerAccountID, sellerPos.Quantity, fill.Quantity)
	}
	sellerPos.Apply(fill.Quantity.Neg(), fill.Price)
	seller.Balance = seller.Balance.Add(value)

	// All checks passed: persist both sides.
	if err := k.saveAccount(ctx, buyer); err != nil {
		return err
	}
	if err := k.savePosition(ctx, fill.BuyerAccountID, buyerPos); err != nil {
		return err
	}
	if err := k.saveAccount(ctx, seller); err != nil {
		return err
	}
	if err := k.savePosition(ctx, fill.SellerAccountID, sellerPos); err != nil {
		return err
	}
	if err := k.saveReservation(ctx, buyRes); err != nil {
		return err
	}
	if err := k.saveReservation(ctx, sellRes); err != nil {
		return err
	}

	desc := fmt.Sprintf("%s %s %s @ %s", fill.Quantity, fill.Symbol, fill.TradeID, fill.Price)
	if err := k.appendTxn(ctx, fill.BuyerAccountID, types.TxnTradeBuy, value.Neg(), buyer.Balance, "Buy "+desc); err != nil {
		return err
	}
	if err := k.appendTxn(ctx, fill.SellerAccountID, types.TxnTradeSell, value, seller.Balance, "Sell "+desc); err != nil {
		return err
	}

	k.logger.Debug("fill settled",
		"trade_id", fill.TradeID,
		"symbol", fill.Symbol,
		"price", fill.Price.String(),
		"quantity", fill.Quantity.String(),
		"buyer", fill.BuyerAccountID,
		"seller", fill.SellerAccountID,
	)
	return nil
}

func (k *Keeper) loadReservation(ctx context.Context, orderID string) (*types.Reservation, error) {
	fields, err := k.store.HGetAll(ctx, types.ReservationKey(orderID))
	if err != nil {
		return nil, err
	}
	res, err := types.ReservationFromFields(fields)
	if err != nil {
		if errors.Is(err, types.ErrReservationNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return res, nil
}

func (k *Keeper) saveReservation(ctx context.Context, res *types.Reservation) error {
	if res == nil {
		return nil
	}
	return k.store.HSet(ctx, types.ReservationKey(res.OrderID), res.ToFields())
}

// ============ Seeding ============

type seedAccount struct {
	name        string
	balance     string
	accountType string
	riskLevel   string
}

var sampleAccounts = []seedAccount{
	{"Alpha Fund", "1000000", types.AccountTypeInstitutional, types.RiskHigh},
	{"Beta Capital", "500000", types.AccountTypeStandard, types.RiskMedium},
	{"Gamma Trading", "250000", types.AccountTypeStandard, types.RiskLow},
	{"Delta Household", "100000", types.AccountTypePersonal, types.RiskMedium},
	{"Echo Savings", "50000", types.AccountTypePersonal, types.RiskLow},
}

// SeedSampleAccounts creates demonstration accounts when the ledger is
// empty. Returns the created accounts, or nil when seeding was skipped.
func (k *Keeper) SeedSampleAccounts(ctx context.Context) ([]*types.Account, error) {
	existing, err := k.store.SMembers(ctx, types.KeyAccounts)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, nil
	}
	accounts := make([]*types.Account, 0, len(sampleAccounts))
	for _, seed := range sampleAccounts {
		account, err := k.CreateAccount(ctx, seed.name, math.LegacyMustNewDecFromStr(seed.balance), seed.accountType, seed.riskLevel)
		if err != nil {
			return accounts, err
		}
		accounts = append(accounts, account)
	}
	k.logger.Info("seeded sample accounts", "count", len(accounts))
	return accounts, nil
}

// ============ Maintenance ============

// ClearAll wipes accounts, positions, transactions and reservations. Order
// index keys share the "account:" prefix but belong to the book, so they
// are left alone.
// ReleaseAllHolds returns every outstanding reservation to its account.
// Runs alongside the startup order wipe so cleared orders cannot leave
// orphaned holds behind on a persistent store.
func (k *Keeper) ReleaseAllHolds(ctx context.Context) (int, error) {
	keys, err := k.store.Keys(ctx, "reservation:*")
	if err != nil {
		return 0, err
	}
	released := 0
	for _, key := range keys {
		orderID := strings.TrimPrefix(key, "reservation:")
		if err := k.Release(ctx, orderID); err != nil {
			return released, err
		}
		released++
	}
	if released > 0 {
		k.logger.Info("released stale holds", "count", released)
	}
	return released, nil
}

func (k *Keeper) ClearAll(ctx context.Context) error {
	patterns := []string{"account:*", "positions:*", "txn:*", "reservation:*", types.KeyAccounts}
	removed := 0
	for _, pattern := range patterns {
		keys, err := k.store.Keys(ctx, pattern)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if strings.HasSuffix(key, ":orders") {
				continue
			}
			if err := k.store.Del(ctx, key); err != nil {
				return err
			}
			removed++
		}
	}
	k.logger.Info("cleared ledger data", "keys", removed)
	return nil
}
