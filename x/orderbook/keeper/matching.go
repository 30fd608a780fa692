package keeper

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/openalpha/oes/metrics"
	"github.com/openalpha/oes/store"
	ledgertypes "github.com/openalpha/oes/x/ledger/types"
	"github.com/openalpha/oes/x/orderbook/types"
)

// LedgerKeeper is the account side of the exchange as the matching engine
// needs it: holds placed when orders arrive, settlement applied per fill.
type LedgerKeeper interface {
	GetAccount(ctx context.Context, accountID string) (*ledgertypes.Account, error)
	Reserve(ctx context.Context, orderID, accountID, symbol, side string, qty, unitPrice math.LegacyDec) error
	Release(ctx context.Context, orderID string) error
	ReduceReservation(ctx context.Context, orderID string, newQty math.LegacyDec) error
	Rereserve(ctx context.Context, orderID string, newQty, newUnitPrice math.LegacyDec) error
	ApplyFill(ctx context.Context, fill ledgertypes.Fill) error
}

// Config tunes the matching engine.
type Config struct {
	// MatchTick is how often resting books are swept for crosses that
	// arrival-time matching missed.
	MatchTick time.Duration

	// MaxRetries bounds how many times one matching step is retried after
	// losing a compare-and-set race before the whole match is abandoned.
	MaxRetries int

	// DarkPoolEnabled opens the dark venue. When off, dark submissions are
	// rejected and matching never consults dark books.
	DarkPoolEnabled bool

	MinOrderSize math.LegacyDec
	MaxOrderSize math.LegacyDec
	MinPrice     math.LegacyDec
	MaxPrice     math.LegacyDec

	// PriceDeviationPct rejects limit prices further than this percentage
	// from the symbol's last trade. Zero disables the check.
	PriceDeviationPct math.LegacyDec
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MatchTick:         100 * time.Millisecond,
		MaxRetries:        8,
		DarkPoolEnabled:   true,
		MinOrderSize:      math.LegacyMustNewDecFromStr("0.01"),
		MaxOrderSize:      math.LegacyMustNewDecFromStr("1000000"),
		MinPrice:          math.LegacyMustNewDecFromStr("0.01"),
		MaxPrice:          math.LegacyMustNewDecFromStr("1000000"),
		PriceDeviationPct: math.LegacyMustNewDecFromStr("10"),
	}
}

// EngineStats is a running tally of matching activity since startup.
type EngineStats struct {
	OrdersProcessed int64          `json:"orders_processed"`
	TradesExecuted  int64          `json:"trades_executed"`
	TotalVolume     math.LegacyDec `json:"total_volume"`
	TotalValue      math.LegacyDec `json:"total_value"`
	DarkTrades      int64          `json:"dark_trades"`
	DarkValue       math.LegacyDec `json:"dark_value"`
	Retries         int64          `json:"retries"`
	LastTickAt      time.Time      `json:"last_tick_at"`
}

// Engine matches orders with price-time priority across the lit and dark
// venues. One match runs at a time; concurrent submissions queue on the
// engine mutex while reads stay lock free.
type Engine struct {
	keeper *Keeper
	ledger LedgerKeeper
	bus    store.Store
	cfg    Config
	logger log.Logger

	mu sync.Mutex

	statsMu sync.Mutex
	stats   EngineStats
}

// NewEngine creates a matching engine over the given keepers. The bus is
// used for event publishing and the liveness probe gating each tick.
func NewEngine(keeper *Keeper, ledger LedgerKeeper, bus store.Store, cfg Config, logger log.Logger) *Engine {
	return &Engine{
		keeper: keeper,
		ledger: ledger,
		bus:    bus,
		cfg:    cfg,
		logger: logger.With("module", "x/orderbook/matching"),
		stats: EngineStats{
			TotalVolume: math.LegacyZeroDec(),
			TotalValue:  math.LegacyZeroDec(),
			DarkValue:   math.LegacyZeroDec(),
		},
	}
}

// SubmitParams describes an incoming order.
type SubmitParams struct {
	AccountID string
	Symbol    string
	Side      types.Side
	Type      types.OrderType
	Venue     types.Venue
	TIF       types.TimeInForce
	Price     math.LegacyDec
	Quantity  math.LegacyDec
}

// SubmitResult is what an accepted order produced.
type SubmitResult struct {
	Order  *types.Order
	Trades []*types.Trade
}

// ============================================================
// Order entry
// ============================================================

// SubmitOrder validates, funds and matches a new order. Limit remainders
// rest on the order's venue according to its time in force; market orders
// never rest. Fills are settled one by one, so a funding failure midway
// keeps the completed fills and cancels only the remainder.
func (e *Engine) SubmitOrder(ctx context.Context, p SubmitParams) (*SubmitResult, error) {
	timer := metrics.NewTimer()

	p.Symbol = strings.ToUpper(strings.TrimSpace(p.Symbol))
	if err := e.validate(ctx, &p); err != nil {
		return nil, err
	}

	account, err := e.ledger.GetAccount(ctx, p.AccountID)
	if err != nil {
		return nil, err
	}
	if !account.Active {
		return nil, ledgertypes.ErrAccountInactive.Wrap(p.AccountID)
	}

	// Market orders execute now or not at all.
	if p.Type == types.TypeMarket && (p.TIF == types.TIFDay || p.TIF == types.TIFGTC) {
		p.TIF = types.TIFIOC
	}

	seq, err := e.keeper.NextSequence(ctx)
	if err != nil {
		return nil, err
	}
	order := types.NewOrder(e.keeper.NewOrderID(), p.AccountID, p.Symbol, p.Side, p.Type, p.Price, p.Quantity, p.Venue, p.TIF, seq)

	// Place the hold. Market buys carry no hold; each fill settles against
	// the available balance instead.
	if !(order.Side == types.SideBuy && order.Type == types.TypeMarket) {
		if err := e.ledger.Reserve(ctx, order.ID, order.AccountID, order.Symbol, string(order.Side), order.Quantity, order.Price); err != nil {
			e.noteRejection(order, err)
			e.rejectOrder(ctx, order)
			return nil, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if order.TIF == types.TIFFOK {
		available, err := e.crossableLiquidity(ctx, order)
		if err != nil {
			e.releaseQuietly(ctx, order.ID)
			return nil, err
		}
		if available.LT(order.Quantity) {
			// The decision is read-only: no book entry moved.
			e.releaseQuietly(ctx, order.ID)
			e.rejectOrder(ctx, order)
			metrics.GetCollector().RecordOrder(order.Symbol, string(order.Side), string(order.Type), "rejected")
			return nil, types.ErrNotFillable.Wrapf("%s of %s available", available, order.Quantity)
		}
	}

	trades, err := e.cross(ctx, order)
	if err != nil {
		if e.isFundingError(err) && len(trades) == 0 {
			// Nothing filled and the account cannot fund the order.
			e.releaseQuietly(ctx, order.ID)
			e.noteRejection(order, err)
			return nil, err
		}
		if !e.isFundingError(err) {
			// Infrastructure trouble. Completed fills are settled and
			// stand; the remainder is withdrawn.
			e.abandonRemainder(ctx, order)
			return nil, err
		}
		// Funding ran out after some fills: keep them, drop the rest.
		e.logger.Info("order truncated by funding",
			"order_id", order.ID,
			"account_id", order.AccountID,
			"filled", order.ExecutedQty.String(),
		)
	}

	forced := err != nil
	if err := e.settleRemainder(ctx, order, forced); err != nil {
		return nil, err
	}

	e.noteSubmit()
	e.publishOrderFlow(ctx, order)

	metrics.GetCollector().RecordOrder(order.Symbol, string(order.Side), string(order.Type), string(order.Status))
	metrics.GetCollector().RecordOrderLatency(order.Symbol, string(order.Type), timer.ElapsedMs())

	return &SubmitResult{Order: order, Trades: trades}, nil
}

// settleRemainder decides what happens to the unfilled part of a matched
// order and persists the final state. forced marks remainders that must go
// regardless of time in force (the account stopped funding them).
func (e *Engine) settleRemainder(ctx context.Context, order *types.Order, forced bool) error {
	switch {
	case order.Remaining.IsZero():
		e.releaseQuietly(ctx, order.ID)
		return e.keeper.SaveOrder(ctx, order)
	case forced || order.Type == types.TypeMarket || order.TIF == types.TIFIOC:
		order.Cancel()
		e.releaseQuietly(ctx, order.ID)
		return e.keeper.SaveOrder(ctx, order)
	case order.TIF == types.TIFFOK:
		// The liquidity the pre-check saw is gone, which takes another
		// engine instance racing on the same books.
		order.Cancel()
		e.releaseQuietly(ctx, order.ID)
		if err := e.keeper.SaveOrder(ctx, order); err != nil {
			return err
		}
		return types.ErrNotFillable.Wrap(order.ID)
	default:
		return e.keeper.InsertOrder(ctx, order)
	}
}

// abandonRemainder cancels what is left of an order after an unrecoverable
// matching error, keeping settled fills intact.
func (e *Engine) abandonRemainder(ctx context.Context, order *types.Order) {
	if order.IsActive() {
		order.Cancel()
	}
	e.releaseQuietly(ctx, order.ID)
	if err := e.keeper.SaveOrder(ctx, order); err != nil {
		e.logger.Error("failed to persist abandoned order", "order_id", order.ID, "error", err)
	}
}

func (e *Engine) releaseQuietly(ctx context.Context, orderID string) {
	if err := e.ledger.Release(ctx, orderID); err != nil {
		e.logger.Warn("failed to release hold", "order_id", orderID, "error", err)
	}
}

// rejectOrder records an order that never reached the book, so the account
// history shows what was refused and why the submission bounced.
func (e *Engine) rejectOrder(ctx context.Context, order *types.Order) {
	order.Reject()
	if err := e.keeper.SaveOrder(ctx, order); err != nil {
		e.logger.Warn("failed to persist rejected order", "order_id", order.ID, "error", err)
	}
}

func (e *Engine) isFundingError(err error) bool {
	return errors.Is(err, ledgertypes.ErrInsufficientFunds) || errors.Is(err, ledgertypes.ErrInsufficientPosition)
}

// validate applies the static order checks.
func (e *Engine) validate(ctx context.Context, p *SubmitParams) error {
	if p.Symbol == "" {
		return types.ErrInvalidSymbol.Wrap("symbol required")
	}
	if !p.Side.Valid() {
		return types.ErrInvalidSide.Wrapf("%q", p.Side)
	}
	if !p.Type.Valid() {
		return types.ErrInvalidOrderType.Wrapf("%q", p.Type)
	}
	if !p.Venue.Valid() {
		return types.ErrInvalidVenue.Wrapf("%q", p.Venue)
	}
	if p.Venue == types.VenueDark && !e.cfg.DarkPoolEnabled {
		return types.ErrInvalidVenue.Wrap("dark pool is disabled")
	}
	if !p.TIF.Valid() {
		return types.ErrInvalidTimeInForce.Wrapf("%q", p.TIF)
	}
	if !p.Quantity.IsPositive() {
		return types.ErrInvalidQuantity.Wrapf("%s", p.Quantity)
	}
	if p.Quantity.LT(e.cfg.MinOrderSize) {
		return types.ErrOrderTooSmall.Wrapf("%s below minimum %s", p.Quantity, e.cfg.MinOrderSize)
	}
	if p.Quantity.GT(e.cfg.MaxOrderSize) {
		return types.ErrOrderTooLarge.Wrapf("%s above maximum %s", p.Quantity, e.cfg.MaxOrderSize)
	}

	if p.Type == types.TypeMarket {
		// A positive price on a market order is a protection cap.
		if p.Price.IsNegative() {
			return types.ErrInvalidPrice.Wrapf("%s", p.Price)
		}
		if p.Price.IsPositive() && p.Price.GT(e.cfg.MaxPrice) {
			return types.ErrPriceOutOfRange.Wrapf("%s above maximum %s", p.Price, e.cfg.MaxPrice)
		}
		return nil
	}

	if !p.Price.IsPositive() {
		return types.ErrInvalidPrice.Wrapf("%s", p.Price)
	}
	if p.Price.LT(e.cfg.MinPrice) || p.Price.GT(e.cfg.MaxPrice) {
		return types.ErrPriceOutOfRange.Wrapf("%s outside [%s, %s]", p.Price, e.cfg.MinPrice, e.cfg.MaxPrice)
	}
	return e.checkDeviation(ctx, p.Symbol, p.Price)
}

// checkDeviation rejects limit prices too far from the last trade.
func (e *Engine) checkDeviation(ctx context.Context, symbol string, price math.LegacyDec) error {
	if !e.cfg.PriceDeviationPct.IsPositive() {
		return nil
	}
	last, ok, err := e.keeper.LastPrice(ctx, symbol)
	if err != nil {
		return err
	}
	if !ok || !last.IsPositive() {
		return nil
	}
	deviation := price.Sub(last).Abs().Quo(last).MulInt64(100)
	if deviation.GT(e.cfg.PriceDeviationPct) {
		return types.ErrPriceDeviation.Wrapf("price %s deviates %s%% from last trade %s (limit %s%%)",
			price, deviation, last, e.cfg.PriceDeviationPct)
	}
	return nil
}

// ============================================================
// Crossing
// ============================================================

// cross matches the taker against resting liquidity until it is filled,
// the books stop crossing, or funding runs out. Each fill is one atomic
// unit: consume the maker, settle the ledger, record the trade. A ledger
// failure rolls the maker take back before anything else happens.
func (e *Engine) cross(ctx context.Context, taker *types.Order) ([]*types.Trade, error) {
	timer := metrics.NewTimer()
	var trades []*types.Trade
	retries := 0

	for taker.Remaining.IsPositive() {
		maker, err := e.bestCounterparty(ctx, taker)
		if err != nil {
			return trades, err
		}
		if maker == nil {
			break
		}

		qty := math.LegacyMinDec(taker.Remaining, maker.Remaining)
		price := maker.Price

		consumed, err := e.keeper.ConsumeOrder(ctx, maker.ID, qty, price)
		if err != nil {
			if errors.Is(err, types.ErrStaleOrder) || errors.Is(err, types.ErrAlreadyTerminal) {
				retries++
				e.noteRetry(taker.Symbol)
				if retries > e.cfg.MaxRetries {
					metrics.GetCollector().RecordMatchingFailure(taker.Symbol, "stale")
					return trades, types.ErrMatchingFailed.Wrapf("%s: %d consecutive stale takes", taker.Symbol, retries)
				}
				continue
			}
			return trades, err
		}
		retries = 0

		trade, err := e.executeFill(ctx, taker, consumed, qty, price)
		if err != nil {
			if e.isFundingError(err) {
				if e.faultIsTaker(taker, err) {
					return trades, err
				}
				// The maker cannot honor its own order; pull it and move on.
				e.evictUnfundable(ctx, consumed, err)
				continue
			}
			return trades, err
		}

		if err := taker.Fill(qty, price); err != nil {
			return trades, err
		}
		trades = append(trades, trade)
	}

	if len(trades) > 0 {
		metrics.GetCollector().RecordMatchingLatency(taker.Symbol, timer.ElapsedMs())
	}
	return trades, nil
}

// executeFill settles one maker take: ledger first, tape and events after.
// On a ledger failure the maker's consumed quantity is restored.
func (e *Engine) executeFill(ctx context.Context, taker, maker *types.Order, qty, price math.LegacyDec) (*types.Trade, error) {
	tradeID, err := e.keeper.NextTradeID(ctx)
	if err != nil {
		e.restoreQuietly(ctx, maker.ID, qty, price)
		return nil, err
	}
	trade := types.NewTrade(tradeID, taker, maker, price, qty)

	if err := e.ledger.ApplyFill(ctx, ledgertypes.Fill{
		TradeID:         trade.ID,
		Symbol:          trade.Symbol,
		Price:           trade.Price,
		Quantity:        trade.Quantity,
		BuyOrderID:      trade.BuyOrderID,
		SellOrderID:     trade.SellOrderID,
		BuyerAccountID:  trade.BuyerAccountID,
		SellerAccountID: trade.SellerAccountID,
	}); err != nil {
		e.restoreQuietly(ctx, maker.ID, qty, price)
		return nil, err
	}

	if err := e.keeper.RecordTrade(ctx, trade); err != nil {
		e.logger.Error("trade settled but tape write failed", "trade_id", trade.ID, "error", err)
	}
	e.noteTrade(trade)
	e.publishTrade(ctx, trade)
	return trade, nil
}

func (e *Engine) restoreQuietly(ctx context.Context, orderID string, qty, price math.LegacyDec) {
	if err := e.keeper.RestoreConsume(ctx, orderID, qty, price); err != nil {
		e.logger.Error("failed to restore consumed order", "order_id", orderID, "error", err)
	}
}

// faultIsTaker reports whether a funding failure on a fill traces to the
// taker's account: a buyer out of cash or a seller out of position.
func (e *Engine) faultIsTaker(taker *types.Order, err error) bool {
	if errors.Is(err, ledgertypes.ErrInsufficientFunds) {
		return taker.Side == types.SideBuy
	}
	return taker.Side == types.SideSell
}

// evictUnfundable cancels a resting order whose account can no longer
// honor it, so the rest of the book can trade past it.
func (e *Engine) evictUnfundable(ctx context.Context, order *types.Order, cause error) {
	e.logger.Warn("evicting unfundable order",
		"order_id", order.ID,
		"account_id", order.AccountID,
		"error", cause,
	)
	metrics.GetCollector().RecordLedgerRejection("order_evicted")
	if _, err := e.keeper.CancelOrder(ctx, order.ID); err != nil && !errors.Is(err, types.ErrAlreadyTerminal) {
		e.logger.Error("failed to cancel evicted order", "order_id", order.ID, "error", err)
		return
	}
	e.releaseQuietly(ctx, order.ID)
	e.publish(ctx, types.TopicNotifications, types.NewOrdersUpdatedEvent(order.AccountID, order.Symbol))
	e.publish(ctx, types.TopicNotifications, types.NewToastEvent("warning",
		"Order "+order.ID+" was cancelled: account could not fund the fill"))
}

// bestCounterparty returns the best crossable resting order for the taker,
// trying the dark venue before the lit one. The taker's own orders never
// count as liquidity.
func (e *Engine) bestCounterparty(ctx context.Context, taker *types.Order) (*types.Order, error) {
	side := taker.Side.Opposite()
	if e.cfg.DarkPoolEnabled {
		maker, err := e.keeper.PeekBestExcluding(ctx, types.VenueDark, taker.Symbol, side, taker.AccountID)
		if err != nil {
			return nil, err
		}
		if maker != nil && e.crossable(taker, maker.Price) {
			return maker, nil
		}
	}
	maker, err := e.keeper.PeekBestExcluding(ctx, types.VenueLit, taker.Symbol, side, taker.AccountID)
	if err != nil {
		return nil, err
	}
	if maker != nil && e.crossable(taker, maker.Price) {
		return maker, nil
	}
	return nil, nil
}

// crossable reports whether the taker accepts the maker's price.
func (e *Engine) crossable(taker *types.Order, makerPrice math.LegacyDec) bool {
	if taker.Type == types.TypeMarket {
		if taker.Price.IsPositive() {
			if taker.Side == types.SideBuy {
				return makerPrice.LTE(taker.Price)
			}
			return makerPrice.GTE(taker.Price)
		}
		return true
	}
	if taker.Side == types.SideBuy {
		return taker.Price.GTE(makerPrice)
	}
	return taker.Price.LTE(makerPrice)
}

// crossableLiquidity sums what the taker could fill right now across both
// venues, for the fill-or-kill decision. Own-account liquidity is excluded
// the same way matching excludes it.
func (e *Engine) crossableLiquidity(ctx context.Context, taker *types.Order) (math.LegacyDec, error) {
	side := taker.Side.Opposite()
	accept := func(price math.LegacyDec) bool { return e.crossable(taker, price) }

	total := math.LegacyZeroDec()
	venues := []types.Venue{types.VenueLit}
	if e.cfg.DarkPoolEnabled {
		venues = append(venues, types.VenueDark)
	}
	for _, venue := range venues {
		sum, err := e.keeper.CrossableQuantity(ctx, venue, taker.Symbol, side, taker.AccountID, accept, taker.Quantity.Sub(total))
		if err != nil {
			return math.LegacyZeroDec(), err
		}
		total = total.Add(sum)
		if total.GTE(taker.Quantity) {
			break
		}
	}
	return total, nil
}

// ============================================================
// Amend and cancel
// ============================================================

// AmendOrder rewrites a resting order's price and quantity. A price change
// or a size increase sends the order to the back of the queue and re-runs
// matching, since the new price may cross; a pure size decrease keeps its
// place. The hold is adjusted before the book is touched, so an amendment
// the account cannot fund changes nothing.
func (e *Engine) AmendOrder(ctx context.Context, orderID string, newPrice, newQty math.LegacyDec) (*types.Order, []*types.Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, err := e.keeper.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if current.IsTerminal() {
		return nil, nil, types.ErrAlreadyTerminal.Wrapf("%s is %s", orderID, current.Status)
	}
	if !newPrice.IsPositive() {
		return nil, nil, types.ErrInvalidPrice.Wrapf("%s", newPrice)
	}
	if newPrice.LT(e.cfg.MinPrice) || newPrice.GT(e.cfg.MaxPrice) {
		return nil, nil, types.ErrPriceOutOfRange.Wrapf("%s outside [%s, %s]", newPrice, e.cfg.MinPrice, e.cfg.MaxPrice)
	}
	if !newQty.IsPositive() || newQty.GT(e.cfg.MaxOrderSize) {
		return nil, nil, types.ErrInvalidQuantity.Wrapf("%s", newQty)
	}
	if newQty.LT(current.ExecutedQty) {
		return nil, nil, types.ErrInvalidAmend.Wrapf("quantity %s below executed %s", newQty, current.ExecutedQty)
	}

	newRemaining := newQty.Sub(current.ExecutedQty)
	if newPrice.Equal(current.Price) && newQty.LTE(current.Quantity) {
		if err := e.ledger.ReduceReservation(ctx, orderID, newRemaining); err != nil {
			return nil, nil, err
		}
	} else {
		if err := e.ledger.Rereserve(ctx, orderID, newRemaining, newPrice); err != nil {
			e.noteRejection(current, err)
			return nil, nil, err
		}
	}

	order, rearm, err := e.keeper.AmendOrder(ctx, orderID, newPrice, newQty)
	if err != nil {
		// Put the hold back; the book was not touched.
		if rbErr := e.ledger.Rereserve(ctx, orderID, current.Remaining, current.Price); rbErr != nil {
			e.logger.Error("failed to restore hold after amend failure", "order_id", orderID, "error", rbErr)
		}
		return nil, nil, err
	}

	var trades []*types.Trade
	if rearm {
		trades, err = e.cross(ctx, order)
		if err != nil && !e.isFundingError(err) {
			e.abandonRemainder(ctx, order)
			return order, trades, err
		}
		forced := err != nil
		if err := e.settleRemainder(ctx, order, forced); err != nil {
			return order, trades, err
		}
	} else {
		if order.Remaining.IsZero() {
			e.releaseQuietly(ctx, order.ID)
		}
		if err := e.keeper.SaveOrder(ctx, order); err != nil {
			return order, trades, err
		}
	}

	e.publishOrderFlow(ctx, order)
	metrics.GetCollector().RecordOrder(order.Symbol, string(order.Side), string(order.Type), "amended")
	e.logger.Info("order amended",
		"order_id", order.ID,
		"price", order.Price.String(),
		"quantity", order.Quantity.String(),
		"requeued", rearm,
	)
	return order, trades, nil
}

// CancelOrder withdraws a resting order and returns its hold. Cancelling
// an order that already finished reports ErrAlreadyTerminal.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) (*types.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelLocked(ctx, orderID)
}

func (e *Engine) cancelLocked(ctx context.Context, orderID string) (*types.Order, error) {
	order, err := e.keeper.CancelOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	e.releaseQuietly(ctx, order.ID)
	if err := e.keeper.SaveOrder(ctx, order); err != nil {
		return nil, err
	}

	e.publish(ctx, types.TopicNotifications, types.NewOrdersUpdatedEvent(order.AccountID, order.Symbol))
	e.publish(ctx, types.TopicNotifications, types.NewToastEvent("info", "Order "+order.ID+" cancelled"))
	metrics.GetCollector().RecordOrder(order.Symbol, string(order.Side), string(order.Type), "cancelled")
	return order, nil
}

// SweepDayOrders cancels every active day order. Runs at shutdown, which
// stands in for the end of the trading session.
func (e *Engine) SweepDayOrders(ctx context.Context) (int, error) {
	orders, err := e.keeper.AllOrders(ctx, true)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, order := range orders {
		if order.TIF != types.TIFDay {
			continue
		}
		if _, err := e.CancelOrder(ctx, order.ID); err != nil {
			if errors.Is(err, types.ErrAlreadyTerminal) {
				continue
			}
			e.logger.Warn("failed to sweep day order", "order_id", order.ID, "error", err)
			continue
		}
		swept++
	}
	if swept > 0 {
		e.logger.Info("day orders swept", "cancelled", swept)
	}
	return swept, nil
}

// ============================================================
// Tick loop
// ============================================================

// Run drives the periodic matching tick until the context ends.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.MatchTick)
	defer ticker.Stop()

	e.logger.Info("matching engine started",
		"tick", e.cfg.MatchTick.String(),
		"dark_pool", e.cfg.DarkPoolEnabled,
	)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("matching engine stopped")
			return nil
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick sweeps all books for crosses that arrival-time matching missed
// (rollbacks and races leave them behind). The store is probed first; a
// dead store skips the tick rather than spraying errors.
func (e *Engine) tick(ctx context.Context) {
	timer := metrics.NewTimer()
	if err := e.bus.Ping(ctx); err != nil {
		e.logger.Warn("store unavailable, skipping matching tick", "error", err)
		metrics.GetCollector().RecordStoreError("ping")
		return
	}
	metrics.GetCollector().SetStorePing(timer.ElapsedMs())

	symbols, err := e.keeper.Symbols(ctx)
	if err != nil {
		e.logger.Warn("failed to list symbols", "error", err)
		return
	}
	for _, symbol := range symbols {
		if err := e.uncross(ctx, symbol); err != nil {
			e.logger.Warn("tick matching failed", "symbol", symbol, "error", err)
		}
	}

	e.statsMu.Lock()
	e.stats.LastTickAt = time.Now().UTC()
	e.statsMu.Unlock()
}

// uncross trades away any overlap between a symbol's best bid and best ask.
// The older order is the maker and sets the price.
func (e *Engine) uncross(ctx context.Context, symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	retries := 0
	for {
		bid, err := e.bestResting(ctx, symbol, types.SideBuy, "")
		if err != nil {
			return err
		}
		ask, err := e.bestResting(ctx, symbol, types.SideSell, "")
		if err != nil {
			return err
		}
		if bid == nil || ask == nil || bid.Price.LT(ask.Price) {
			return nil
		}

		taker, maker := bid, ask
		if bid.Sequence < ask.Sequence {
			taker, maker = ask, bid
		}
		if bid.AccountID == ask.AccountID {
			// The overlap is one account crossing itself. Either top may
			// still trade with a deeper order from someone else; the own
			// orders are skipped, never matched.
			taker, maker, err = e.crossPastSelf(ctx, symbol, bid, ask)
			if err != nil {
				return err
			}
			if taker == nil {
				return nil
			}
		}
		qty := math.LegacyMinDec(taker.Remaining, maker.Remaining)
		price := maker.Price

		consumedMaker, err := e.keeper.ConsumeOrder(ctx, maker.ID, qty, price)
		if err != nil {
			if errors.Is(err, types.ErrStaleOrder) || errors.Is(err, types.ErrAlreadyTerminal) {
				retries++
				e.noteRetry(symbol)
				if retries > e.cfg.MaxRetries {
					metrics.GetCollector().RecordMatchingFailure(symbol, "stale")
					return types.ErrMatchingFailed.Wrapf("%s: %d consecutive stale takes", symbol, retries)
				}
				continue
			}
			return err
		}
		consumedTaker, err := e.keeper.ConsumeOrder(ctx, taker.ID, qty, price)
		if err != nil {
			e.restoreQuietly(ctx, maker.ID, qty, price)
			if errors.Is(err, types.ErrStaleOrder) || errors.Is(err, types.ErrAlreadyTerminal) {
				retries++
				e.noteRetry(symbol)
				if retries > e.cfg.MaxRetries {
					metrics.GetCollector().RecordMatchingFailure(symbol, "stale")
					return types.ErrMatchingFailed.Wrapf("%s: %d consecutive stale takes", symbol, retries)
				}
				continue
			}
			return err
		}
		retries = 0

		if _, err := e.executeFill(ctx, consumedTaker, consumedMaker, qty, price); err != nil {
			e.restoreQuietly(ctx, taker.ID, qty, price)
			if e.isFundingError(err) {
				// One side cannot fund the cross; remove it so the books
				// can uncross with the next order in line.
				fault := consumedMaker
				if e.faultIsTaker(consumedTaker, err) {
					fault = consumedTaker
				}
				e.evictUnfundable(ctx, fault, err)
				continue
			}
			return err
		}
	}
}

// crossPastSelf finds a tradable pairing when the top of both sides belongs
// to one account. Either top may cross a deeper order from another account.
func (e *Engine) crossPastSelf(ctx context.Context, symbol string, bid, ask *types.Order) (taker, maker *types.Order, err error) {
	counterAsk, err := e.bestResting(ctx, symbol, types.SideSell, bid.AccountID)
	if err != nil {
		return nil, nil, err
	}
	if counterAsk != nil && bid.Price.GTE(counterAsk.Price) {
		return bid, counterAsk, nil
	}
	counterBid, err := e.bestResting(ctx, symbol, types.SideBuy, ask.AccountID)
	if err != nil {
		return nil, nil, err
	}
	if counterBid != nil && counterBid.Price.GTE(ask.Price) {
		return ask, counterBid, nil
	}
	return nil, nil, nil
}

// bestResting picks the better of the two venues' best orders on one side:
// highest bid or lowest ask, older order on a tie.
func (e *Engine) bestResting(ctx context.Context, symbol string, side types.Side, except string) (*types.Order, error) {
	lit, err := e.keeper.PeekBestExcluding(ctx, types.VenueLit, symbol, side, except)
	if err != nil {
		return nil, err
	}
	if !e.cfg.DarkPoolEnabled {
		return lit, nil
	}
	dark, err := e.keeper.PeekBestExcluding(ctx, types.VenueDark, symbol, side, except)
	if err != nil {
		return nil, err
	}
	if lit == nil {
		return dark, nil
	}
	if dark == nil {
		return lit, nil
	}
	var litBetter bool
	switch {
	case lit.Price.Equal(dark.Price):
		litBetter = lit.Sequence < dark.Sequence
	case side == types.SideBuy:
		litBetter = lit.Price.GT(dark.Price)
	default:
		litBetter = lit.Price.LT(dark.Price)
	}
	if litBetter {
		return lit, nil
	}
	return dark, nil
}

// ============================================================
// Observation
// ============================================================

// Stats returns a copy of the running engine tallies.
func (e *Engine) Stats() EngineStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// DarkPoolStatus summarizes the dark venue.
type DarkPoolStatus struct {
	Enabled    bool           `json:"enabled"`
	BuyOrders  int64          `json:"buy_orders"`
	SellOrders int64          `json:"sell_orders"`
	Trades     int64          `json:"trades"`
	Volume     math.LegacyDec `json:"volume"`
}

// DarkPoolStatusNow reports the dark venue's current book size and its
// trade tallies since startup.
func (e *Engine) DarkPoolStatusNow(ctx context.Context) (*DarkPoolStatus, error) {
	status := &DarkPoolStatus{Enabled: e.cfg.DarkPoolEnabled}

	e.statsMu.Lock()
	status.Trades = e.stats.DarkTrades
	status.Volume = e.stats.DarkValue
	e.statsMu.Unlock()

	if !e.cfg.DarkPoolEnabled {
		return status, nil
	}
	symbols, err := e.keeper.Symbols(ctx)
	if err != nil {
		return nil, err
	}
	for _, symbol := range symbols {
		bids, asks, err := e.keeper.BookSize(ctx, types.VenueDark, symbol)
		if err != nil {
			return nil, err
		}
		status.BuyOrders += bids
		status.SellOrders += asks
	}
	return status, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) noteSubmit() {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats.OrdersProcessed++
}

func (e *Engine) noteTrade(trade *types.Trade) {
	e.statsMu.Lock()
	e.stats.TradesExecuted++
	e.stats.TotalVolume = e.stats.TotalVolume.Add(trade.Quantity)
	e.stats.TotalValue = e.stats.TotalValue.Add(trade.Value())
	if trade.Venue == types.VenueDark {
		e.stats.DarkTrades++
		e.stats.DarkValue = e.stats.DarkValue.Add(trade.Value())
	}
	e.statsMu.Unlock()

	volume, _ := trade.Quantity.Float64()
	value, _ := trade.Value().Float64()
	metrics.GetCollector().RecordTrade(trade.Symbol, string(trade.Venue), volume, value)
}

func (e *Engine) noteRetry(symbol string) {
	e.statsMu.Lock()
	e.stats.Retries++
	e.statsMu.Unlock()
	metrics.GetCollector().RecordMatchingRetry(symbol)
}

func (e *Engine) noteRejection(order *types.Order, err error) {
	reason := "rejected"
	switch {
	case errors.Is(err, ledgertypes.ErrInsufficientFunds):
		reason = "insufficient_funds"
	case errors.Is(err, ledgertypes.ErrInsufficientPosition):
		reason = "insufficient_position"
	}
	metrics.GetCollector().RecordLedgerRejection(reason)
	e.logger.Info("order rejected by ledger",
		"order_id", order.ID,
		"account_id", order.AccountID,
		"reason", reason,
	)
}

// ============================================================
// Events
// ============================================================

func (e *Engine) publish(ctx context.Context, topic string, event interface{}) {
	payload, err := json.Marshal(event)
	if err != nil {
		e.logger.Error("failed to encode event", "topic", topic, "error", err)
		return
	}
	if err := e.bus.Publish(ctx, topic, payload); err != nil {
		e.logger.Warn("failed to publish event", "topic", topic, "error", err)
	}
}

func (e *Engine) publishTrade(ctx context.Context, trade *types.Trade) {
	e.publish(ctx, types.TopicTrades(trade.Symbol), types.NewTradeEvent(trade))
	e.publish(ctx, types.TopicNotifications, types.NewTradeExecutedEvent(trade))
	e.publish(ctx, types.TopicNotifications, types.NewOrdersUpdatedEvent(trade.BuyerAccountID, trade.Symbol))
	if trade.SellerAccountID != trade.BuyerAccountID {
		e.publish(ctx, types.TopicNotifications, types.NewOrdersUpdatedEvent(trade.SellerAccountID, trade.Symbol))
	}
}

// publishOrderFlow tells the submitting account how its order ended up.
func (e *Engine) publishOrderFlow(ctx context.Context, order *types.Order) {
	e.publish(ctx, types.TopicNotifications, types.NewOrdersUpdatedEvent(order.AccountID, order.Symbol))
	switch order.Status {
	case types.StatusFilled:
		e.publish(ctx, types.TopicNotifications, types.NewToastEvent("success",
			"Order "+order.ID+" filled at average "+order.AvgPrice().String()))
	case types.StatusCancelled:
		if order.ExecutedQty.IsPositive() {
			e.publish(ctx, types.TopicNotifications, types.NewToastEvent("info",
				"Order "+order.ID+" partially filled, remainder cancelled"))
		} else {
			e.publish(ctx, types.TopicNotifications, types.NewToastEvent("info",
				"Order "+order.ID+" cancelled without fills"))
		}
	case types.StatusOpen, types.StatusPartiallyFilled:
		e.publish(ctx, types.TopicNotifications, types.NewToastEvent("info",
			"Order "+order.ID+" resting on "+string(order.Venue)+" book"))
	}
}
