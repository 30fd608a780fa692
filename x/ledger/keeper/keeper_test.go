package keeper

import (
	"context"
	"errors"
	"testing"

	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/openalpha/oes/store"
	"github.com/openalpha/oes/x/ledger/types"
)

func dec(s string) math.LegacyDec {
	return math.LegacyMustNewDecFromStr(s)
}

func newTestKeeper() *Keeper {
	return NewKeeper(store.NewMemory(log.NewNopLogger()), log.NewNopLogger())
}

func mustAccount(t *testing.T, k *Keeper, name, balance, accountType, risk string) *types.Account {
	t.Helper()
	account, err := k.CreateAccount(context.Background(), name, dec(balance), accountType, risk)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return account
}

// seedPosition gives the account a holding without going through a trade.
func seedPosition(t *testing.T, k *Keeper, accountID, symbol, qty, avgPrice string) {
	t.Helper()
	pos := types.NewPosition(symbol)
	pos.Apply(dec(qty), dec(avgPrice))
	if err := k.savePosition(context.Background(), accountID, pos); err != nil {
		t.Fatalf("seed position: %v", err)
	}
}

func TestCreateAccountBooksOpeningDeposit(t *testing.T) {
	ctx := context.Background()
	k := newTestKeeper()

	account := mustAccount(t, k, "Test Fund", "1000", types.AccountTypeStandard, types.RiskMedium)
	if !account.Balance.Equal(dec("1000")) {
		t.Errorf("expected balance 1000, got %s", account.Balance)
	}
	if !account.Active {
		t.Error("expected new account to be active")
	}

	txns, err := k.Transactions(ctx, account.AccountID, 10)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txns) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(txns))
	}
	if txns[0].Kind != types.TxnDeposit {
		t.Errorf("expected deposit, got %s", txns[0].Kind)
	}
	if txns[0].Description != "Initial account funding" {
		t.Errorf("unexpected description %q", txns[0].Description)
	}
	if !txns[0].BalanceAfter.Equal(dec("1000")) {
		t.Errorf("expected balance_after 1000, got %s", txns[0].BalanceAfter)
	}
}

func TestWithdrawLimitedByAvailable(t *testing.T) {
	ctx := context.Background()
	k := newTestKeeper()
	account := mustAccount(t, k, "Cash", "1000", "", "")

	// Hold 400 for an open order; only 600 may leave.
	if err := k.Reserve(ctx, "order-1", account.AccountID, "AAPL", "buy", dec("4"), dec("100")); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := k.Withdraw(ctx, account.AccountID, dec("700"), ""); !errors.Is(err, types.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds for withdrawal into held cash, got %v", err)
	}
	if _, err := k.Withdraw(ctx, account.AccountID, dec("600"), ""); err != nil {
		t.Errorf("withdrawal of available cash should pass: %v", err)
	}

	got, _ := k.GetAccount(ctx, account.AccountID)
	if !got.Balance.Equal(dec("400")) {
		t.Errorf("expected balance 400, got %s", got.Balance)
	}
	if !got.AvailableBalance().IsZero() {
		t.Errorf("expected zero available, got %s", got.AvailableBalance())
	}
}

func TestTransactionAmountsSumToBalance(t *testing.T) {
	ctx := context.Background()
	k := newTestKeeper()
	buyer := mustAccount(t, k, "Buyer", "10000", "", "")
	seller := mustAccount(t, k, "Seller", "5000", "", "")
	seedPosition(t, k, seller.AccountID, "AAPL", "50", "140")

	if err := k.Reserve(ctx, "order-b", buyer.AccountID, "AAPL", "buy", dec("10"), dec("150")); err != nil {
		t.Fatalf("reserve buy: %v", err)
	}
	if err := k.Reserve(ctx, "order-s", seller.AccountID, "AAPL", "sell", dec("10"), dec("150")); err != nil {
		t.Fatalf("reserve sell: %v", err)
	}
	err := k.ApplyFill(ctx, types.Fill{
		TradeID:         "trade-1",
		Symbol:          "AAPL",
		Price:           dec("150"),
		Quantity:        dec("10"),
		BuyOrderID:      "order-b",
		SellOrderID:     "order-s",
		BuyerAccountID:  buyer.AccountID,
		SellerAccountID: seller.AccountID,
	})
	if err != nil {
		t.Fatalf("apply fill: %v", err)
	}
	if _, err := k.Deposit(ctx, buyer.AccountID, dec("250"), "top up"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := k.Withdraw(ctx, seller.AccountID, dec("100"), ""); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	for _, accountID := range []string{buyer.AccountID, seller.AccountID} {
		account, err := k.GetAccount(ctx, accountID)
		if err != nil {
			t.Fatalf("get account: %v", err)
		}
		txns, err := k.Transactions(ctx, accountID, 100)
		if err != nil {
			t.Fatalf("transactions: %v", err)
		}
		sum := math.LegacyZeroDec()
		for _, txn := range txns {
			sum = sum.Add(txn.Amount)
		}
		if !sum.Equal(account.Balance) {
			t.Errorf("account %s: transaction sum %s != balance %s", accountID, sum, account.Balance)
		}
	}
}

func TestApplyFillMovesCashAndPosition(t *testing.T) {
	ctx := context.Background()
	k := newTestKeeper()
	buyer := mustAccount(t, k, "Buyer", "10000", "", "")
	seller := mustAccount(t, k, "Seller", "0", "", "")
	seedPosition(t, k, seller.AccountID, "AAPL", "20", "145")

	if err := k.Reserve(ctx, "order-b", buyer.AccountID, "AAPL", "buy", dec("10"), dec("151")); err != nil {
		t.Fatalf("reserve buy: %v", err)
	}
	if err := k.Reserve(ctx, "order-s", seller.AccountID, "AAPL", "sell", dec("10"), dec("0")); err != nil {
		t.Fatalf("reserve sell: %v", err)
	}

	// Maker price better than the buyer's limit: fill at 150, hold was at 151.
	err := k.ApplyFill(ctx, types.Fill{
		TradeID:         "trade-1",
		Symbol:          "AAPL",
		Price:           dec("150"),
		Quantity:        dec("10"),
		BuyOrderID:      "order-b",
		SellOrderID:     "order-s",
		BuyerAccountID:  buyer.AccountID,
		SellerAccountID: seller.AccountID,
	})
	if err != nil {
		t.Fatalf("apply fill: %v", err)
	}

	gotBuyer, _ := k.GetAccount(ctx, buyer.AccountID)
	if !gotBuyer.Balance.Equal(dec("8500")) {
		t.Errorf("expected buyer balance 8500, got %s", gotBuyer.Balance)
	}
	if !gotBuyer.Reserved.IsZero() {
		t.Errorf("expected buyer hold fully consumed, got %s", gotBuyer.Reserved)
	}
	buyerPos, _ := k.GetPosition(ctx, buyer.AccountID, "AAPL")
	if !buyerPos.Quantity.Equal(dec("10")) || !buyerPos.AvgPrice.Equal(dec("150")) {
		t.Errorf("expected buyer position 10@150, got %s@%s", buyerPos.Quantity, buyerPos.AvgPrice)
	}

	gotSeller, _ := k.GetAccount(ctx, seller.AccountID)
	if !gotSeller.Balance.Equal(dec("1500")) {
		t.Errorf("expected seller balance 1500, got %s", gotSeller.Balance)
	}
	sellerPos, _ := k.GetPosition(ctx, seller.AccountID, "AAPL")
	if !sellerPos.Quantity.Equal(dec("10")) {
		t.Errorf("expected seller position 10, got %s", sellerPos.Quantity)
	}
	if !sellerPos.AvgPrice.Equal(dec("145")) {
		t.Errorf("selling must keep the entry price, got %s", sellerPos.AvgPrice)
	}
	if !sellerPos.Reserved.IsZero() {
		t.Errorf("expected seller hold fully consumed, got %s", sellerPos.Reserved)
	}
}

func TestBuyVWAPReaveragesOnlyOnGrowth(t *testing.T) {
	pos := types.NewPosition("AAPL")

	pos.Apply(dec("10"), dec("100"))
	if !pos.AvgPrice.Equal(dec("100")) {
		t.Fatalf("expected 100, got %s", pos.AvgPrice)
	}

	// Growing: (10*100 + 10*120) / 20 = 110.
	pos.Apply(dec("10"), dec("120"))
	if !pos.AvgPrice.Equal(dec("110")) {
		t.Errorf("expected VWAP 110, got %s", pos.AvgPrice)
	}

	// Shrinking keeps the average.
	pos.Apply(dec("-15"), dec("130"))
	if !pos.AvgPrice.Equal(dec("110")) {
		t.Errorf("expected average unchanged on sell, got %s", pos.AvgPrice)
	}
	if !pos.Quantity.Equal(dec("5")) {
		t.Errorf("expected quantity 5, got %s", pos.Quantity)
	}

	// Crossing zero restarts at the trade price.
	pos.Apply(dec("-8"), dec("125"))
	if !pos.Quantity.Equal(dec("-3")) {
		t.Errorf("expected quantity -3, got %s", pos.Quantity)
	}
	if !pos.AvgPrice.Equal(dec("125")) {
		t.Errorf("expected restarted average 125, got %s", pos.AvgPrice)
	}

	// Growing a short re-averages on magnitude: (3*125 + 3*115) / 6 = 120.
	pos.Apply(dec("-3"), dec("115"))
	if !pos.AvgPrice.Equal(dec("120")) {
		t.Errorf("expected short VWAP 120, got %s", pos.AvgPrice)
	}
}

func TestSellRequiresPositionUnlessHighRisk(t *testing.T) {
	ctx := context.Background()
	k := newTestKeeper()

	standard := mustAccount(t, k, "Standard", "1000", types.AccountTypeStandard, types.RiskMedium)
	err := k.Reserve(ctx, "order-1", standard.AccountID, "AAPL", "sell", dec("5"), dec("0"))
	if !errors.Is(err, types.ErrInsufficientPosition) {
		t.Errorf("expected ErrInsufficientPosition for shortless account, got %v", err)
	}

	risky := mustAccount(t, k, "Risky", "1000", types.AccountTypeInstitutional, types.RiskHigh)
	if err := k.Reserve(ctx, "order-2", risky.AccountID, "AAPL", "sell", dec("5"), dec("0")); err != nil {
		t.Errorf("high risk account should short: %v", err)
	}

	// Partial holding: hold what exists, short the rest.
	seedPosition(t, k, risky.AccountID, "MSFT", "3", "300")
	if err := k.Reserve(ctx, "order-3", risky.AccountID, "MSFT", "sell", dec("5"), dec("0")); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	pos, _ := k.GetPosition(ctx, risky.AccountID, "MSFT")
	if !pos.Reserved.Equal(dec("3")) {
		t.Errorf("expected hold limited to held quantity 3, got %s", pos.Reserved)
	}
}

func TestReleaseReturnsHoldAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	k := newTestKeeper()
	account := mustAccount(t, k, "Cash", "1000", "", "")

	if err := k.Reserve(ctx, "order-1", account.AccountID, "AAPL", "buy", dec("4"), dec("100")); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	got, _ := k.GetAccount(ctx, account.AccountID)
	if !got.Reserved.Equal(dec("400")) {
		t.Fatalf("expected hold 400, got %s", got.Reserved)
	}

	if err := k.Release(ctx, "order-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, _ = k.GetAccount(ctx, account.AccountID)
	if !got.Reserved.IsZero() {
		t.Errorf("expected hold returned, got %s", got.Reserved)
	}

	// Releasing again, or releasing an unknown order, is a no-op.
	if err := k.Release(ctx, "order-1"); err != nil {
		t.Errorf("second release should be silent: %v", err)
	}
	if err := k.Release(ctx, "order-never-existed"); err != nil {
		t.Errorf("unknown release should be silent: %v", err)
	}
}

func TestReleaseAllHoldsSweepsEveryReservation(t *testing.T) {
	ctx := context.Background()
	k := newTestKeeper()
	buyer := mustAccount(t, k, "Cash", "1000", "", "")
	seller := mustAccount(t, k, "Holder", "0", "", "")
	seedPosition(t, k, seller.AccountID, "AAPL", "10", "90")

	if err := k.Reserve(ctx, "order-1", buyer.AccountID, "AAPL", "buy", dec("4"), dec("100")); err != nil {
		t.Fatalf("reserve buy: %v", err)
	}
	if err := k.Reserve(ctx, "order-2", seller.AccountID, "AAPL", "sell", dec("6"), dec("100")); err != nil {
		t.Fatalf("reserve sell: %v", err)
	}

	released, err := k.ReleaseAllHolds(ctx)
	if err != nil {
		t.Fatalf("release all: %v", err)
	}
	if released != 2 {
		t.Errorf("expected 2 holds released, got %d", released)
	}

	gotBuyer, _ := k.GetAccount(ctx, buyer.AccountID)
	if !gotBuyer.Reserved.IsZero() {
		t.Errorf("expected buyer hold returned, got %s", gotBuyer.Reserved)
	}
	if !gotBuyer.Balance.Equal(dec("1000")) {
		t.Errorf("expected buyer balance untouched, got %s", gotBuyer.Balance)
	}
	pos, err := k.GetPosition(ctx, seller.AccountID, "AAPL")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !pos.Available().Equal(dec("10")) {
		t.Errorf("expected full position available again, got %s", pos.Available())
	}

	// Nothing left to sweep.
	released, err = k.ReleaseAllHolds(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if released != 0 {
		t.Errorf("expected empty sweep, got %d", released)
	}
}

func TestApplyFillRejectsUnderfundedBuyer(t *testing.T) {
	ctx := context.Background()
	k := newTestKeeper()
	buyer := mustAccount(t, k, "Poor", "100", "", "")
	seller := mustAccount(t, k, "Seller", "0", "", "")
	seedPosition(t, k, seller.AccountID, "AAPL", "10", "140")

	// Market buy without a hold: cash check happens at fill time.
	err := k.ApplyFill(ctx, types.Fill{
		TradeID:         "trade-1",
		Symbol:          "AAPL",
		Price:           dec("150"),
		Quantity:        dec("10"),
		BuyOrderID:      "order-b",
		SellOrderID:     "order-s",
		BuyerAccountID:  buyer.AccountID,
		SellerAccountID: seller.AccountID,
	})
	if !errors.Is(err, types.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// Nothing moved on either side.
	gotBuyer, _ := k.GetAccount(ctx, buyer.AccountID)
	if !gotBuyer.Balance.Equal(dec("100")) {
		t.Errorf("buyer balance moved on rejected fill: %s", gotBuyer.Balance)
	}
	gotSeller, _ := k.GetAccount(ctx, seller.AccountID)
	if !gotSeller.Balance.IsZero() {
		t.Errorf("seller balance moved on rejected fill: %s", gotSeller.Balance)
	}
	sellerPos, _ := k.GetPosition(ctx, seller.AccountID, "AAPL")
	if !sellerPos.Quantity.Equal(dec("10")) {
		t.Errorf("seller position moved on rejected fill: %s", sellerPos.Quantity)
	}
}

func TestSeedSampleAccountsOnlyWhenEmpty(t *testing.T) {
	ctx := context.Background()
	k := newTestKeeper()

	seeded, err := k.SeedSampleAccounts(ctx)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if len(seeded) != 5 {
		t.Fatalf("expected 5 sample accounts, got %d", len(seeded))
	}

	total := math.LegacyZeroDec()
	for _, account := range seeded {
		total = total.Add(account.Balance)
	}
	if !total.Equal(dec("1900000")) {
		t.Errorf("expected seeded balances to total 1900000, got %s", total)
	}

	again, err := k.SeedSampleAccounts(ctx)
	if err != nil {
		t.Fatalf("second seed: %v", err)
	}
	if again != nil {
		t.Errorf("expected no-op on populated ledger, created %d", len(again))
	}
	accounts, _ := k.ListAccounts(ctx)
	if len(accounts) != 5 {
		t.Errorf("expected 5 accounts, got %d", len(accounts))
	}
}

func TestDepositWithdrawValidation(t *testing.T) {
	ctx := context.Background()
	k := newTestKeeper()
	account := mustAccount(t, k, "Cash", "100", "", "")

	testCases := []struct {
		name    string
		run     func() error
		wantErr error
	}{
		{"zero deposit", func() error { _, err := k.Deposit(ctx, account.AccountID, dec("0"), ""); return err }, types.ErrInvalidAmount},
		{"negative deposit", func() error { _, err := k.Deposit(ctx, account.AccountID, dec("-5"), ""); return err }, types.ErrInvalidAmount},
		{"zero withdrawal", func() error { _, err := k.Withdraw(ctx, account.AccountID, dec("0"), ""); return err }, types.ErrInvalidAmount},
		{"overdraw", func() error { _, err := k.Withdraw(ctx, account.AccountID, dec("101"), ""); return err }, types.ErrInsufficientFunds},
		{"unknown account", func() error { _, err := k.Deposit(ctx, "acc-missing", dec("5"), ""); return err }, types.ErrAccountNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.run(); !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}

	inactive := mustAccount(t, k, "Gone", "100", "", "")
	if _, err := k.UpdateAccount(ctx, inactive.AccountID, func(a *types.Account) error {
		a.Active = false
		return nil
	}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := k.Deposit(ctx, inactive.AccountID, dec("5"), ""); !errors.Is(err, types.ErrAccountInactive) {
		t.Errorf("expected ErrAccountInactive, got %v", err)
	}
}
