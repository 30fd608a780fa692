package keeper

import (
	"context"
	"errors"
	"testing"

	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/openalpha/oes/store"
	ledgerkeeper "github.com/openalpha/oes/x/ledger/keeper"
	ledgertypes "github.com/openalpha/oes/x/ledger/types"
	"github.com/openalpha/oes/x/orderbook/types"
)

// conflictStore fails every order CAS while armed, standing in for another
// engine instance racing on the same books.
type conflictStore struct {
	*store.Memory
	conflict bool
}

func (s *conflictStore) Update(ctx context.Context, key string, fn store.UpdateFunc) error {
	if s.conflict {
		return store.ErrConflict
	}
	return s.Memory.Update(ctx, key, fn)
}

type matchFixture struct {
	engine *Engine
	books  *Keeper
	ledger *ledgerkeeper.Keeper
}

// newMatchFixture builds an engine over a fresh memory store. The deviation
// guard is off because the scenarios trade far from the last price.
func newMatchFixture(t *testing.T) *matchFixture {
	t.Helper()
	return newMatchFixtureOn(t, store.NewMemory(log.NewNopLogger()))
}

func newMatchFixtureOn(t *testing.T, st store.Store) *matchFixture {
	t.Helper()
	logger := log.NewNopLogger()
	books := NewKeeper(st, logger)
	ledger := ledgerkeeper.NewKeeper(st, logger)
	cfg := DefaultConfig()
	cfg.PriceDeviationPct = math.LegacyZeroDec()
	return &matchFixture{
		engine: NewEngine(books, ledger, st, cfg, logger),
		books:  books,
		ledger: ledger,
	}
}

func (f *matchFixture) account(t *testing.T, name, balance, riskLevel string) *ledgertypes.Account {
	t.Helper()
	account, err := f.ledger.CreateAccount(context.Background(), name, dec(balance), ledgertypes.AccountTypeStandard, riskLevel)
	if err != nil {
		t.Fatalf("create account %s: %v", name, err)
	}
	return account
}

func (f *matchFixture) submit(t *testing.T, p SubmitParams) *SubmitResult {
	t.Helper()
	res, err := f.engine.SubmitOrder(context.Background(), p)
	if err != nil {
		t.Fatalf("submit %s %s %s@%s: %v", p.AccountID, p.Side, p.Quantity, p.Price, err)
	}
	return res
}

// holding hands the account qty of AAPL at the given price through a real
// trade against a short seller, so the position carries an honest cost basis.
func (f *matchFixture) holding(t *testing.T, accountID, qty, price string) {
	t.Helper()
	seeder := f.account(t, "Position Seeder", "0", ledgertypes.RiskHigh)
	f.submit(t, limitParams(seeder.AccountID, types.SideSell, price, qty))
	res := f.submit(t, limitParams(accountID, types.SideBuy, price, qty))
	if res.Order.Status != types.StatusFilled {
		t.Fatalf("holding seed did not fill: %s", res.Order.Status)
	}
}

func limitParams(accountID string, side types.Side, price, qty string) SubmitParams {
	return SubmitParams{
		AccountID: accountID,
		Symbol:    "AAPL",
		Side:      side,
		Type:      types.TypeLimit,
		Venue:     types.VenueLit,
		TIF:       types.TIFGTC,
		Price:     dec(price),
		Quantity:  dec(qty),
	}
}

func marketParams(accountID string, side types.Side, qty string) SubmitParams {
	return SubmitParams{
		AccountID: accountID,
		Symbol:    "AAPL",
		Side:      side,
		Type:      types.TypeMarket,
		Venue:     types.VenueLit,
		TIF:       types.TIFIOC,
		Price:     math.LegacyZeroDec(),
		Quantity:  dec(qty),
	}
}

func TestSimpleCrossPaysMakerPrice(t *testing.T) {
	ctx := context.Background()
	f := newMatchFixture(t)

	buyer := f.account(t, "Account A", "10000", ledgertypes.RiskMedium)
	seller := f.account(t, "Account B", "1000", ledgertypes.RiskMedium)
	f.holding(t, seller.AccountID, "10", "100")

	rest := f.submit(t, limitParams(buyer.AccountID, types.SideBuy, "150", "5"))
	if rest.Order.Status != types.StatusOpen {
		t.Fatalf("expected resting buy open, got %s", rest.Order.Status)
	}
	if len(rest.Trades) != 0 {
		t.Fatalf("expected no trades against an empty ask side, got %d", len(rest.Trades))
	}

	res := f.submit(t, limitParams(seller.AccountID, types.SideSell, "140", "5"))
	if len(res.Trades) != 1 {
		t.Fatalf("expected one trade, got %d", len(res.Trades))
	}
	trade := res.Trades[0]
	if !trade.Price.Equal(dec("150")) {
		t.Errorf("expected trade at the resting price 150, got %s", trade.Price)
	}
	if !trade.Quantity.Equal(dec("5")) {
		t.Errorf("expected trade quantity 5, got %s", trade.Quantity)
	}
	if trade.BuyOrderID != rest.Order.ID {
		t.Errorf("expected buy side %s, got %s", rest.Order.ID, trade.BuyOrderID)
	}
	if trade.SellerAccountID != seller.AccountID {
		t.Errorf("expected seller %s, got %s", seller.AccountID, trade.SellerAccountID)
	}
	if res.Order.Status != types.StatusFilled {
		t.Errorf("expected incoming sell filled, got %s", res.Order.Status)
	}

	buyerAfter, err := f.ledger.GetAccount(ctx, buyer.AccountID)
	if err != nil {
		t.Fatalf("get buyer: %v", err)
	}
	if !buyerAfter.Balance.Equal(dec("9250")) {
		t.Errorf("expected buyer balance 9250, got %s", buyerAfter.Balance)
	}
	if !buyerAfter.Reserved.IsZero() {
		t.Errorf("expected buyer hold fully consumed, got %s", buyerAfter.Reserved)
	}
	buyerPos, err := f.ledger.GetPosition(ctx, buyer.AccountID, "AAPL")
	if err != nil {
		t.Fatalf("get buyer position: %v", err)
	}
	if !buyerPos.Quantity.Equal(dec("5")) || !buyerPos.AvgPrice.Equal(dec("150")) {
		t.Errorf("expected buyer position 5 @ 150, got %s @ %s", buyerPos.Quantity, buyerPos.AvgPrice)
	}

	sellerAfter, err := f.ledger.GetAccount(ctx, seller.AccountID)
	if err != nil {
		t.Fatalf("get seller: %v", err)
	}
	if !sellerAfter.Balance.Equal(dec("750")) {
		t.Errorf("expected seller balance 750, got %s", sellerAfter.Balance)
	}
	sellerPos, err := f.ledger.GetPosition(ctx, seller.AccountID, "AAPL")
	if err != nil {
		t.Fatalf("get seller position: %v", err)
	}
	if !sellerPos.Quantity.Equal(dec("5")) || !sellerPos.AvgPrice.Equal(dec("100")) {
		t.Errorf("expected seller position 5 @ 100 after selling half, got %s @ %s", sellerPos.Quantity, sellerPos.AvgPrice)
	}

	filled, err := f.books.GetOrder(ctx, rest.Order.ID)
	if err != nil {
		t.Fatalf("get resting order: %v", err)
	}
	if filled.Status != types.StatusFilled {
		t.Errorf("expected resting buy filled, got %s", filled.Status)
	}
}

func TestDarkLiquidityTradesFirst(t *testing.T) {
	ctx := context.Background()
	f := newMatchFixture(t)

	litSeller := f.account(t, "Lit Seller", "0", ledgertypes.RiskHigh)
	darkSeller := f.account(t, "Dark Seller", "0", ledgertypes.RiskHigh)
	buyer := f.account(t, "Buyer", "1000", ledgertypes.RiskMedium)

	lit := f.submit(t, limitParams(litSeller.AccountID, types.SideSell, "100", "5"))
	darkAsk := limitParams(darkSeller.AccountID, types.SideSell, "100", "5")
	darkAsk.Venue = types.VenueDark
	f.submit(t, darkAsk)

	res := f.submit(t, limitParams(buyer.AccountID, types.SideBuy, "100", "5"))
	if len(res.Trades) != 1 {
		t.Fatalf("expected one trade, got %d", len(res.Trades))
	}
	trade := res.Trades[0]
	if trade.SellerAccountID != darkSeller.AccountID {
		t.Errorf("expected the dark resting order to fill first, got seller %s", trade.SellerAccountID)
	}
	if trade.Venue != types.VenueDark {
		t.Errorf("expected a dark venue trade, got %s", trade.Venue)
	}

	litAfter, err := f.books.GetOrder(ctx, lit.Order.ID)
	if err != nil {
		t.Fatalf("get lit order: %v", err)
	}
	if litAfter.Status != types.StatusOpen || !litAfter.Remaining.Equal(dec("5")) {
		t.Errorf("expected lit order untouched, got %s remaining %s", litAfter.Status, litAfter.Remaining)
	}
}

func TestPartialFillRestsRemainder(t *testing.T) {
	ctx := context.Background()
	f := newMatchFixture(t)

	maker := f.account(t, "Maker", "0", ledgertypes.RiskHigh)
	taker := f.account(t, "Taker", "10000", ledgertypes.RiskMedium)

	f.submit(t, limitParams(maker.AccountID, types.SideSell, "100", "3"))
	res := f.submit(t, limitParams(taker.AccountID, types.SideBuy, "100", "10"))

	if len(res.Trades) != 1 || !res.Trades[0].Quantity.Equal(dec("3")) {
		t.Fatalf("expected one trade of 3, got %v", res.Trades)
	}
	if res.Order.Status != types.StatusPartiallyFilled {
		t.Errorf("expected partially_filled, got %s", res.Order.Status)
	}
	if !res.Order.Remaining.Equal(dec("7")) {
		t.Errorf("expected remaining 7, got %s", res.Order.Remaining)
	}

	best, err := f.books.PeekBest(ctx, types.VenueLit, "AAPL", types.SideBuy)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if best == nil || best.ID != res.Order.ID {
		t.Fatalf("expected the remainder resting on the bid side, got %+v", best)
	}
	if !best.Remaining.Equal(dec("7")) {
		t.Errorf("expected resting remainder 7, got %s", best.Remaining)
	}

	takerAfter, err := f.ledger.GetAccount(ctx, taker.AccountID)
	if err != nil {
		t.Fatalf("get taker: %v", err)
	}
	if !takerAfter.Reserved.Equal(dec("700")) {
		t.Errorf("expected hold of 700 backing the remainder, got %s", takerAfter.Reserved)
	}
}

func TestIOCCancelsRemainder(t *testing.T) {
	ctx := context.Background()
	f := newMatchFixture(t)

	maker := f.account(t, "Maker", "0", ledgertypes.RiskHigh)
	taker := f.account(t, "Taker", "10000", ledgertypes.RiskMedium)

	f.submit(t, limitParams(maker.AccountID, types.SideSell, "100", "3"))
	ioc := limitParams(taker.AccountID, types.SideBuy, "100", "10")
	ioc.TIF = types.TIFIOC
	res := f.submit(t, ioc)

	if len(res.Trades) != 1 || !res.Trades[0].Quantity.Equal(dec("3")) {
		t.Fatalf("expected one trade of 3, got %v", res.Trades)
	}
	if res.Order.Status != types.StatusCancelled {
		t.Errorf("expected cancelled, got %s", res.Order.Status)
	}
	if !res.Order.Remaining.Equal(dec("7")) {
		t.Errorf("expected remaining 7 on the cancelled order, got %s", res.Order.Remaining)
	}

	best, err := f.books.PeekBest(ctx, types.VenueLit, "AAPL", types.SideBuy)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if best != nil {
		t.Errorf("expected no resting remainder, found %s", best.ID)
	}

	takerAfter, err := f.ledger.GetAccount(ctx, taker.AccountID)
	if err != nil {
		t.Fatalf("get taker: %v", err)
	}
	if !takerAfter.Reserved.IsZero() {
		t.Errorf("expected hold released with the remainder, got %s", takerAfter.Reserved)
	}
}

func TestFOKRejectsWhenUnderfilled(t *testing.T) {
	ctx := context.Background()
	f := newMatchFixture(t)

	maker := f.account(t, "Maker", "0", ledgertypes.RiskHigh)
	taker := f.account(t, "Taker", "10000", ledgertypes.RiskMedium)

	f.submit(t, limitParams(maker.AccountID, types.SideSell, "100", "3"))

	fok := limitParams(taker.AccountID, types.SideBuy, "100", "10")
	fok.TIF = types.TIFFOK
	_, err := f.engine.SubmitOrder(ctx, fok)
	if !errors.Is(err, types.ErrNotFillable) {
		t.Fatalf("expected ErrNotFillable, got %v", err)
	}

	trades, err := f.books.RecentTrades(ctx, "AAPL", 10)
	if err != nil {
		t.Fatalf("recent trades: %v", err)
	}
	if len(trades) != 0 {
		t.Errorf("expected no trades from a rejected fill-or-kill, got %d", len(trades))
	}

	best, err := f.books.PeekBest(ctx, types.VenueLit, "AAPL", types.SideSell)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if best == nil || !best.Remaining.Equal(dec("3")) {
		t.Errorf("expected resting sell untouched, got %+v", best)
	}

	takerAfter, err := f.ledger.GetAccount(ctx, taker.AccountID)
	if err != nil {
		t.Fatalf("get taker: %v", err)
	}
	if !takerAfter.Balance.Equal(dec("10000")) || !takerAfter.Reserved.IsZero() {
		t.Errorf("expected taker funds untouched, got balance %s reserved %s",
			takerAfter.Balance, takerAfter.Reserved)
	}
}

func TestFOKIgnoresOwnLiquidity(t *testing.T) {
	ctx := context.Background()
	f := newMatchFixture(t)

	trader := f.account(t, "Trader", "10000", ledgertypes.RiskHigh)
	f.submit(t, limitParams(trader.AccountID, types.SideSell, "100", "5"))

	fok := limitParams(trader.AccountID, types.SideBuy, "100", "5")
	fok.TIF = types.TIFFOK
	_, err := f.engine.SubmitOrder(ctx, fok)
	if !errors.Is(err, types.ErrNotFillable) {
		t.Fatalf("expected ErrNotFillable against own liquidity only, got %v", err)
	}

	other := f.account(t, "Other", "500", ledgertypes.RiskMedium)
	otherFok := limitParams(other.AccountID, types.SideBuy, "100", "5")
	otherFok.TIF = types.TIFFOK
	res := f.submit(t, otherFok)
	if res.Order.Status != types.StatusFilled {
		t.Errorf("expected another account's fill-or-kill to fill, got %s", res.Order.Status)
	}
}

func TestSelfLiquidityNeverMatches(t *testing.T) {
	ctx := context.Background()
	f := newMatchFixture(t)

	trader := f.account(t, "Trader", "10000", ledgertypes.RiskHigh)
	ask := f.submit(t, limitParams(trader.AccountID, types.SideSell, "100", "5"))
	bid := f.submit(t, limitParams(trader.AccountID, types.SideBuy, "100", "5"))

	if len(bid.Trades) != 0 {
		t.Fatalf("expected no self trade, got %d trades", len(bid.Trades))
	}
	if bid.Order.Status != types.StatusOpen {
		t.Errorf("expected the crossing buy to rest, got %s", bid.Order.Status)
	}

	// The tick must not trade the self-cross away either.
	if err := f.engine.uncross(ctx, "AAPL"); err != nil {
		t.Fatalf("uncross: %v", err)
	}
	for _, id := range []string{ask.Order.ID, bid.Order.ID} {
		order, err := f.books.GetOrder(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if order.Status != types.StatusOpen {
			t.Errorf("expected %s still open after tick, got %s", id, order.Status)
		}
	}
}

func TestUncrossTradesPastSelfOwnership(t *testing.T) {
	ctx := context.Background()
	f := newMatchFixture(t)

	self := f.account(t, "Self", "10000", ledgertypes.RiskHigh)
	other := f.account(t, "Other", "0", ledgertypes.RiskHigh)

	// One account tops both sides; a deeper ask from someone else is
	// still tradable against the bid.
	restingOrder(t, f.books, "order-self-ask", self.AccountID, types.SideSell, "100", "5", 1)
	restingOrder(t, f.books, "order-other-ask", other.AccountID, types.SideSell, "101", "5", 2)
	restingOrder(t, f.books, "order-self-bid", self.AccountID, types.SideBuy, "102", "5", 3)

	if err := f.engine.uncross(ctx, "AAPL"); err != nil {
		t.Fatalf("uncross: %v", err)
	}

	trades, err := f.books.RecentTrades(ctx, "AAPL", 10)
	if err != nil {
		t.Fatalf("recent trades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected one trade, got %d", len(trades))
	}
	if !trades[0].Price.Equal(dec("101")) {
		t.Errorf("expected trade at the outside ask 101, got %s", trades[0].Price)
	}
	if trades[0].BuyerAccountID != self.AccountID || trades[0].SellerAccountID != other.AccountID {
		t.Errorf("expected self buying from other, got buyer %s seller %s",
			trades[0].BuyerAccountID, trades[0].SellerAccountID)
	}

	selfAsk, err := f.books.GetOrder(ctx, "order-self-ask")
	if err != nil {
		t.Fatalf("get self ask: %v", err)
	}
	if selfAsk.Status != types.StatusOpen || !selfAsk.Remaining.Equal(dec("5")) {
		t.Errorf("expected own ask untouched, got %s remaining %s", selfAsk.Status, selfAsk.Remaining)
	}
}

func TestAmendPriceChangeForfeitsPriority(t *testing.T) {
	ctx := context.Background()
	f := newMatchFixture(t)

	alice := f.account(t, "Alice", "10000", ledgertypes.RiskMedium)
	bob := f.account(t, "Bob", "10000", ledgertypes.RiskMedium)
	carol := f.account(t, "Carol", "0", ledgertypes.RiskHigh)

	a := f.submit(t, limitParams(alice.AccountID, types.SideBuy, "100", "5"))
	b := f.submit(t, limitParams(bob.AccountID, types.SideBuy, "100", "5"))

	// Numeric no-op keeps the queue position.
	if _, _, err := f.engine.AmendOrder(ctx, a.Order.ID, dec("100"), dec("5")); err != nil {
		t.Fatalf("no-op amend: %v", err)
	}
	best, err := f.books.PeekBest(ctx, types.VenueLit, "AAPL", types.SideBuy)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if best.ID != a.Order.ID {
		t.Fatalf("expected priority kept after no-op amend, best is %s", best.ID)
	}

	// A real price change re-queues.
	if _, _, err := f.engine.AmendOrder(ctx, a.Order.ID, dec("101"), dec("5")); err != nil {
		t.Fatalf("amend to 101: %v", err)
	}
	best, err = f.books.PeekBest(ctx, types.VenueLit, "AAPL", types.SideBuy)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if best.ID != a.Order.ID {
		t.Fatalf("expected the better-priced bid on top, best is %s", best.ID)
	}

	// Coming back to the old price lands behind everyone already there.
	if _, _, err := f.engine.AmendOrder(ctx, a.Order.ID, dec("100"), dec("5")); err != nil {
		t.Fatalf("amend back to 100: %v", err)
	}
	best, err = f.books.PeekBest(ctx, types.VenueLit, "AAPL", types.SideBuy)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if best.ID != b.Order.ID {
		t.Fatalf("expected the unamended bid first at 100, best is %s", best.ID)
	}

	res := f.submit(t, limitParams(carol.AccountID, types.SideSell, "100", "5"))
	if len(res.Trades) != 1 {
		t.Fatalf("expected one trade, got %d", len(res.Trades))
	}
	if res.Trades[0].BuyOrderID != b.Order.ID {
		t.Errorf("expected the incoming sell to fill %s first, filled %s", b.Order.ID, res.Trades[0].BuyOrderID)
	}
}

func TestAmendSizeDecreaseKeepsPriority(t *testing.T) {
	ctx := context.Background()
	f := newMatchFixture(t)

	alice := f.account(t, "Alice", "10000", ledgertypes.RiskMedium)
	bob := f.account(t, "Bob", "10000", ledgertypes.RiskMedium)
	carol := f.account(t, "Carol", "0", ledgertypes.RiskHigh)

	a := f.submit(t, limitParams(alice.AccountID, types.SideBuy, "100", "5"))
	f.submit(t, limitParams(bob.AccountID, types.SideBuy, "100", "5"))

	order, _, err := f.engine.AmendOrder(ctx, a.Order.ID, dec("100"), dec("3"))
	if err != nil {
		t.Fatalf("amend down: %v", err)
	}
	if !order.Remaining.Equal(dec("3")) {
		t.Errorf("expected remaining 3 after size decrease, got %s", order.Remaining)
	}

	aliceAfter, err := f.ledger.GetAccount(ctx, alice.AccountID)
	if err != nil {
		t.Fatalf("get alice: %v", err)
	}
	if !aliceAfter.Reserved.Equal(dec("300")) {
		t.Errorf("expected hold shrunk to 300, got %s", aliceAfter.Reserved)
	}

	res := f.submit(t, limitParams(carol.AccountID, types.SideSell, "100", "3"))
	if len(res.Trades) != 1 || res.Trades[0].BuyOrderID != a.Order.ID {
		t.Fatalf("expected the size-decreased bid to keep first fill, got %v", res.Trades)
	}
}

func TestAmendBelowExecutedRejected(t *testing.T) {
	ctx := context.Background()
	f := newMatchFixture(t)

	maker := f.account(t, "Maker", "0", ledgertypes.RiskHigh)
	taker := f.account(t, "Taker", "10000", ledgertypes.RiskMedium)

	f.submit(t, limitParams(maker.AccountID, types.SideSell, "100", "3"))
	res := f.submit(t, limitParams(taker.AccountID, types.SideBuy, "100", "10"))
	if !res.Order.ExecutedQty.Equal(dec("3")) {
		t.Fatalf("expected executed 3, got %s", res.Order.ExecutedQty)
	}

	_, _, err := f.engine.AmendOrder(ctx, res.Order.ID, dec("100"), dec("2"))
	if !errors.Is(err, types.ErrInvalidAmend) {
		t.Fatalf("expected ErrInvalidAmend below executed quantity, got %v", err)
	}
}

func TestMarketOrderFillsAtVWAP(t *testing.T) {
	ctx := context.Background()
	f := newMatchFixture(t)

	m1 := f.account(t, "Maker One", "0", ledgertypes.RiskHigh)
	m2 := f.account(t, "Maker Two", "0", ledgertypes.RiskHigh)
	taker := f.account(t, "Taker", "630", ledgertypes.RiskMedium)

	f.submit(t, limitParams(m1.AccountID, types.SideSell, "100", "3"))
	f.submit(t, limitParams(m2.AccountID, types.SideSell, "110", "3"))

	res := f.submit(t, marketParams(taker.AccountID, types.SideBuy, "6"))
	if len(res.Trades) != 2 {
		t.Fatalf("expected two fills walking the book, got %d", len(res.Trades))
	}
	if !res.Trades[0].Price.Equal(dec("100")) || !res.Trades[1].Price.Equal(dec("110")) {
		t.Errorf("expected fills at 100 then 110, got %s then %s",
			res.Trades[0].Price, res.Trades[1].Price)
	}
	if res.Order.Status != types.StatusFilled {
		t.Errorf("expected market order filled, got %s", res.Order.Status)
	}
	if !res.Order.AvgPrice().Equal(dec("105")) {
		t.Errorf("expected volume-weighted price 105, got %s", res.Order.AvgPrice())
	}

	takerAfter, err := f.ledger.GetAccount(ctx, taker.AccountID)
	if err != nil {
		t.Fatalf("get taker: %v", err)
	}
	if !takerAfter.Balance.IsZero() {
		t.Errorf("expected the book walk to cost exactly 630, balance %s", takerAfter.Balance)
	}
}

func TestMarketOrderRespectsProtectionCap(t *testing.T) {
	ctx := context.Background()
	f := newMatchFixture(t)

	m1 := f.account(t, "Maker One", "0", ledgertypes.RiskHigh)
	m2 := f.account(t, "Maker Two", "0", ledgertypes.RiskHigh)
	taker := f.account(t, "Taker", "10000", ledgertypes.RiskMedium)

	f.submit(t, limitParams(m1.AccountID, types.SideSell, "100", "3"))
	far := f.submit(t, limitParams(m2.AccountID, types.SideSell, "110", "3"))

	capped := marketParams(taker.AccountID, types.SideBuy, "6")
	capped.Price = dec("105")
	res := f.submit(t, capped)

	if len(res.Trades) != 1 || !res.Trades[0].Price.Equal(dec("100")) {
		t.Fatalf("expected a single fill under the cap, got %v", res.Trades)
	}
	if res.Order.Status != types.StatusCancelled {
		t.Errorf("expected the capped remainder cancelled, got %s", res.Order.Status)
	}
	if !res.Order.ExecutedQty.Equal(dec("3")) {
		t.Errorf("expected executed 3, got %s", res.Order.ExecutedQty)
	}

	farAfter, err := f.books.GetOrder(ctx, far.Order.ID)
	if err != nil {
		t.Fatalf("get far ask: %v", err)
	}
	if farAfter.Status != types.StatusOpen || !farAfter.Remaining.Equal(dec("3")) {
		t.Errorf("expected the ask beyond the cap untouched, got %s remaining %s",
			farAfter.Status, farAfter.Remaining)
	}
}

func TestMarketOrderCancelsOnEmptyBook(t *testing.T) {
	f := newMatchFixture(t)
	taker := f.account(t, "Taker", "1000", ledgertypes.RiskMedium)

	res := f.submit(t, marketParams(taker.AccountID, types.SideBuy, "5"))
	if len(res.Trades) != 0 {
		t.Fatalf("expected no fills on an empty book, got %d", len(res.Trades))
	}
	if res.Order.Status != types.StatusCancelled {
		t.Errorf("expected market order cancelled, got %s", res.Order.Status)
	}
}

func TestInsufficientFundsRejectsBuy(t *testing.T) {
	ctx := context.Background()
	f := newMatchFixture(t)

	poor := f.account(t, "Poor", "100", ledgertypes.RiskMedium)
	_, err := f.engine.SubmitOrder(ctx, limitParams(poor.AccountID, types.SideBuy, "150", "5"))
	if !errors.Is(err, ledgertypes.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	after, err := f.ledger.GetAccount(ctx, poor.AccountID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !after.Balance.Equal(dec("100")) || !after.Reserved.IsZero() {
		t.Errorf("expected account untouched, got balance %s reserved %s", after.Balance, after.Reserved)
	}

	best, err := f.books.PeekBest(ctx, types.VenueLit, "AAPL", types.SideBuy)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if best != nil {
		t.Errorf("expected nothing resting, found %s", best.ID)
	}
}

func TestSellWithoutPositionRejected(t *testing.T) {
	ctx := context.Background()
	f := newMatchFixture(t)

	trader := f.account(t, "Trader", "1000", ledgertypes.RiskMedium)
	_, err := f.engine.SubmitOrder(ctx, limitParams(trader.AccountID, types.SideSell, "100", "5"))
	if !errors.Is(err, ledgertypes.ErrShortingNotAllowed) {
		t.Fatalf("expected ErrShortingNotAllowed with no position, got %v", err)
	}

	// Holding part of the quantity is an insufficient position, not a short.
	f.holding(t, trader.AccountID, "3", "100")
	_, err = f.engine.SubmitOrder(ctx, limitParams(trader.AccountID, types.SideSell, "100", "5"))
	if !errors.Is(err, ledgertypes.ErrInsufficientPosition) {
		t.Fatalf("expected ErrInsufficientPosition, got %v", err)
	}
}

func TestHighRiskAccountSellsShort(t *testing.T) {
	ctx := context.Background()
	f := newMatchFixture(t)

	shorty := f.account(t, "Shorty", "0", ledgertypes.RiskHigh)
	buyer := f.account(t, "Buyer", "500", ledgertypes.RiskMedium)

	rest := f.submit(t, limitParams(shorty.AccountID, types.SideSell, "100", "5"))
	if rest.Order.Status != types.StatusOpen {
		t.Fatalf("expected the naked sell to rest, got %s", rest.Order.Status)
	}

	f.submit(t, limitParams(buyer.AccountID, types.SideBuy, "100", "5"))

	pos, err := f.ledger.GetPosition(ctx, shorty.AccountID, "AAPL")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if !pos.Quantity.Equal(dec("-5")) {
		t.Errorf("expected short position -5, got %s", pos.Quantity)
	}
	after, err := f.ledger.GetAccount(ctx, shorty.AccountID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !after.Balance.Equal(dec("500")) {
		t.Errorf("expected short sale proceeds 500, got %s", after.Balance)
	}
}

func TestPriceDeviationGuard(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(log.NewNopLogger())
	books := NewKeeper(st, log.NewNopLogger())
	ledger := ledgerkeeper.NewKeeper(st, log.NewNopLogger())
	f := &matchFixture{
		engine: NewEngine(books, ledger, st, DefaultConfig(), log.NewNopLogger()),
		books:  books,
		ledger: ledger,
	}

	seller := f.account(t, "Seller", "0", ledgertypes.RiskHigh)
	buyer := f.account(t, "Buyer", "10000", ledgertypes.RiskMedium)

	// Establish a last trade at 100.
	f.submit(t, limitParams(seller.AccountID, types.SideSell, "100", "1"))
	f.submit(t, limitParams(buyer.AccountID, types.SideBuy, "100", "1"))

	_, err := f.engine.SubmitOrder(ctx, limitParams(buyer.AccountID, types.SideBuy, "150", "1"))
	if !errors.Is(err, types.ErrPriceDeviation) {
		t.Fatalf("expected ErrPriceDeviation at 50%% from last, got %v", err)
	}

	res := f.submit(t, limitParams(buyer.AccountID, types.SideBuy, "109", "1"))
	if res.Order.Status != types.StatusOpen {
		t.Errorf("expected a 9%% deviation accepted, got %s", res.Order.Status)
	}
}

func TestCancelIsIdempotentAndReleasesHold(t *testing.T) {
	ctx := context.Background()
	f := newMatchFixture(t)

	trader := f.account(t, "Trader", "10000", ledgertypes.RiskMedium)
	res := f.submit(t, limitParams(trader.AccountID, types.SideBuy, "100", "5"))

	held, err := f.ledger.GetAccount(ctx, trader.AccountID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !held.Reserved.Equal(dec("500")) {
		t.Fatalf("expected hold 500 while resting, got %s", held.Reserved)
	}

	cancelled, err := f.engine.CancelOrder(ctx, res.Order.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != types.StatusCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}

	after, err := f.ledger.GetAccount(ctx, trader.AccountID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !after.Reserved.IsZero() || !after.Balance.Equal(dec("10000")) {
		t.Errorf("expected hold returned, got balance %s reserved %s", after.Balance, after.Reserved)
	}

	if _, err := f.engine.CancelOrder(ctx, res.Order.ID); !errors.Is(err, types.ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal on repeat cancel, got %v", err)
	}
}

func TestConsumeConflictBoundSurfacesMatchingFailed(t *testing.T) {
	ctx := context.Background()
	cs := &conflictStore{Memory: store.NewMemory(log.NewNopLogger())}
	f := newMatchFixtureOn(t, cs)

	maker := f.account(t, "Maker", "0", ledgertypes.RiskHigh)
	taker := f.account(t, "Taker", "10000", ledgertypes.RiskMedium)
	f.submit(t, limitParams(maker.AccountID, types.SideSell, "100", "5"))

	cs.conflict = true
	_, err := f.engine.SubmitOrder(ctx, limitParams(taker.AccountID, types.SideBuy, "100", "5"))
	cs.conflict = false
	if !errors.Is(err, types.ErrMatchingFailed) {
		t.Fatalf("expected ErrMatchingFailed after the retry budget, got %v", err)
	}

	takerAfter, err := f.ledger.GetAccount(ctx, taker.AccountID)
	if err != nil {
		t.Fatalf("get taker: %v", err)
	}
	if !takerAfter.Reserved.IsZero() || !takerAfter.Balance.Equal(dec("10000")) {
		t.Errorf("expected taker funds returned, got balance %s reserved %s",
			takerAfter.Balance, takerAfter.Reserved)
	}

	best, err := f.books.PeekBest(ctx, types.VenueLit, "AAPL", types.SideSell)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if best == nil || !best.Remaining.Equal(dec("5")) {
		t.Errorf("expected resting sell intact after abandoned match, got %+v", best)
	}
}

func TestSweepDayOrdersCancelsOnlyDay(t *testing.T) {
	ctx := context.Background()
	f := newMatchFixture(t)

	dayTrader := f.account(t, "Day Trader", "10000", ledgertypes.RiskMedium)
	keeper := f.account(t, "Keeper", "10000", ledgertypes.RiskMedium)

	day := limitParams(dayTrader.AccountID, types.SideBuy, "100", "5")
	day.TIF = types.TIFDay
	dayRes := f.submit(t, day)
	gtcRes := f.submit(t, limitParams(keeper.AccountID, types.SideBuy, "99", "5"))

	swept, err := f.engine.SweepDayOrders(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected one day order swept, got %d", swept)
	}

	dayAfter, err := f.books.GetOrder(ctx, dayRes.Order.ID)
	if err != nil {
		t.Fatalf("get day order: %v", err)
	}
	if dayAfter.Status != types.StatusCancelled {
		t.Errorf("expected day order cancelled, got %s", dayAfter.Status)
	}
	gtcAfter, err := f.books.GetOrder(ctx, gtcRes.Order.ID)
	if err != nil {
		t.Fatalf("get gtc order: %v", err)
	}
	if gtcAfter.Status != types.StatusOpen {
		t.Errorf("expected gtc order to survive the sweep, got %s", gtcAfter.Status)
	}

	trader, err := f.ledger.GetAccount(ctx, dayTrader.AccountID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !trader.Reserved.IsZero() {
		t.Errorf("expected the swept order's hold released, got %s", trader.Reserved)
	}
}
