package keeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"
	"github.com/google/uuid"

	"github.com/openalpha/oes/store"
	"github.com/openalpha/oes/x/orderbook/types"
)

const (
	// peekBatch bounds how many book members one PeekBest pass inspects
	// before fetching the next page.
	peekBatch = 16

	// tradeTapeLen is how many recent trades are kept per symbol.
	tradeTapeLen = 1000
)

// Keeper manages order, book and trade state on aggregate of a shared store.
// All book mutations go through compare-and-set updates on the order hash,
// so several engine instances can share one Redis backend.
type Keeper struct {
	store  store.Store
	logger log.Logger
}

// NewKeeper creates a new orderbook keeper.
func NewKeeper(st store.Store, logger log.Logger) *Keeper {
	return &Keeper{
		store:  st,
		logger: logger.With("module", "x/orderbook"),
	}
}

// Logger returns the module logger.
func (k *Keeper) Logger() log.Logger {
	return k.logger
}

// ============================================================
// Identifiers
// ============================================================

// NewOrderID generates a unique order ID.
func (k *Keeper) NewOrderID() string {
	return "order-" + uuid.NewString()
}

// NextSequence hands out the next book priority number. Lower wins.
func (k *Keeper) NextSequence(ctx context.Context) (uint64, error) {
	n, err := k.store.Incr(ctx, types.KeyOrderSeq)
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// NextTradeID generates a unique trade ID.
func (k *Keeper) NextTradeID(ctx context.Context) (string, error) {
	n, err := k.store.Incr(ctx, types.KeyTradeSeq)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("trade-%d", n), nil
}

// ============================================================
// Orders
// ============================================================

// SaveOrder persists an order and keeps the account, symbol and global
// indexes current. Indexes hold terminal orders too; they are the history.
func (k *Keeper) SaveOrder(ctx context.Context, order *types.Order) error {
	if err := k.store.HSet(ctx, types.OrderKey(order.ID), order.ToFields()); err != nil {
		return err
	}
	if err := k.store.SAdd(ctx, types.KeyAllOrders, order.ID); err != nil {
		return err
	}
	if err := k.store.SAdd(ctx, types.AccountOrdersKey(order.AccountID), order.ID); err != nil {
		return err
	}
	if err := k.store.SAdd(ctx, types.SymbolOrdersKey(order.Symbol), order.ID); err != nil {
		return err
	}
	return k.store.SAdd(ctx, types.KeySymbols, order.Symbol)
}

// GetOrder loads one order.
func (k *Keeper) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	fields, err := k.store.HGetAll(ctx, types.OrderKey(orderID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, types.ErrOrderNotFound.Wrap(orderID)
		}
		return nil, err
	}
	order, err := types.OrderFromFields(fields)
	if err != nil {
		return nil, types.ErrOrderNotFound.Wrap(orderID)
	}
	return order, nil
}

// OrdersByAccount returns an account's orders, newest first.
func (k *Keeper) OrdersByAccount(ctx context.Context, accountID string) ([]*types.Order, error) {
	return k.ordersFromIndex(ctx, types.AccountOrdersKey(accountID), false)
}

// OrdersBySymbol returns a symbol's orders, newest first. With activeOnly
// set, terminal orders are filtered out.
func (k *Keeper) OrdersBySymbol(ctx context.Context, symbol string, activeOnly bool) ([]*types.Order, error) {
	return k.ordersFromIndex(ctx, types.SymbolOrdersKey(symbol), activeOnly)
}

// AllOrders returns every order ever accepted, newest first.
func (k *Keeper) AllOrders(ctx context.Context, activeOnly bool) ([]*types.Order, error) {
	return k.ordersFromIndex(ctx, types.KeyAllOrders, activeOnly)
}

func (k *Keeper) ordersFromIndex(ctx context.Context, indexKey string, activeOnly bool) ([]*types.Order, error) {
	ids, err := k.store.SMembers(ctx, indexKey)
	if err != nil {
		return nil, err
	}
	orders := make([]*types.Order, 0, len(ids))
	for _, id := range ids {
		order, err := k.GetOrder(ctx, id)
		if err != nil {
			if errors.Is(err, types.ErrOrderNotFound) {
				continue
			}
			return nil, err
		}
		if activeOnly && !order.IsActive() {
			continue
		}
		orders = append(orders, order)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].Sequence > orders[j].Sequence })
	return orders, nil
}

// Symbols returns every symbol that has seen an order, sorted.
func (k *Keeper) Symbols(ctx context.Context) ([]string, error) {
	symbols, err := k.store.SMembers(ctx, types.KeySymbols)
	if err != nil {
		return nil, err
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ============================================================
// Book
// ============================================================

// InsertOrder rests an order on its venue's book. New orders flip to open;
// partially filled ones keep their status.
func (k *Keeper) InsertOrder(ctx context.Context, order *types.Order) error {
	if order.Status == types.StatusNew {
		order.Status = types.StatusOpen
	}
	order.UpdatedAt = time.Now().UTC()
	if err := k.SaveOrder(ctx, order); err != nil {
		return err
	}
	key := types.BookKey(order.Venue, order.Symbol, order.Side)
	return k.store.ZAdd(ctx, key, order.BookScore(), order.BookMember())
}

// PeekBest returns the highest priority live order on one side of one
// venue's book, or nil when the side is empty. Stale members left behind
// by fills, cancels and amends are retired as they are encountered.
func (k *Keeper) PeekBest(ctx context.Context, venue types.Venue, symbol string, side types.Side) (*types.Order, error) {
	return k.PeekBestExcluding(ctx, venue, symbol, side, "")
}

// PeekBestExcluding is PeekBest without one account's orders. Matching uses
// it so an account never trades with itself; skipped orders keep their
// place for everyone else.
func (k *Keeper) PeekBestExcluding(ctx context.Context, venue types.Venue, symbol string, side types.Side, exceptAccount string) (*types.Order, error) {
	key := types.BookKey(venue, symbol, side)
	// Retired members shrink the set, so the cursor only advances past
	// entries that were inspected and left in place.
	start := int64(0)
	for {
		entries, err := k.store.ZRange(ctx, key, start, start+peekBatch-1, false)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			return nil, nil
		}
		for _, entry := range entries {
			seq, orderID, err := types.ParseBookMember(entry.Member)
			if err != nil {
				k.retireMember(ctx, key, entry.Member)
				continue
			}
			order, err := k.GetOrder(ctx, orderID)
			if err != nil {
				if errors.Is(err, types.ErrOrderNotFound) {
					k.retireMember(ctx, key, entry.Member)
					continue
				}
				return nil, err
			}
			// A sequence mismatch means the order was re-queued by an
			// amend and this member is the abandoned slot.
			if !order.IsActive() || order.Remaining.IsZero() || order.Sequence != seq {
				k.retireMember(ctx, key, entry.Member)
				continue
			}
			if exceptAccount != "" && order.AccountID == exceptAccount {
				start++
				continue
			}
			return order, nil
		}
	}
}

func (k *Keeper) retireMember(ctx context.Context, key, member string) {
	if err := k.store.ZRem(ctx, key, member); err != nil {
		k.logger.Warn("failed to retire book member", "key", key, "member", member, "error", err)
	}
}

// removeFromBook drops an order's current member from its book side.
func (k *Keeper) removeFromBook(ctx context.Context, order *types.Order) error {
	key := types.BookKey(order.Venue, order.Symbol, order.Side)
	return k.store.ZRem(ctx, key, order.BookMember())
}

// ConsumeOrder atomically takes qty from a resting order at the given
// price. The caller works from a peeked copy; if the authoritative order
// changed underneath (already consumed, amended, cancelled) the take fails
// with ErrStaleOrder and the caller should peek again.
func (k *Keeper) ConsumeOrder(ctx context.Context, orderID string, qty, price math.LegacyDec) (*types.Order, error) {
	var updated *types.Order
	err := k.store.Update(ctx, types.OrderKey(orderID), func(fields map[string]string) (map[string]string, error) {
		order, err := types.OrderFromFields(fields)
		if err != nil {
			return nil, types.ErrOrderNotFound.Wrap(orderID)
		}
		if order.IsTerminal() {
			return nil, types.ErrAlreadyTerminal.Wrap(orderID)
		}
		if order.Remaining.LT(qty) {
			return nil, types.ErrStaleOrder.Wrapf("%s: remaining %s, taking %s", orderID, order.Remaining, qty)
		}
		if err := order.Fill(qty, price); err != nil {
			return nil, err
		}
		updated = order
		return order.ToFields(), nil
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, types.ErrStaleOrder.Wrap(orderID)
		}
		return nil, err
	}
	if updated.IsTerminal() {
		if err := k.removeFromBook(ctx, updated); err != nil {
			k.logger.Warn("failed to remove filled order from book", "order_id", orderID, "error", err)
		}
	}
	return updated, nil
}

// RestoreConsume undoes one ConsumeOrder after a downstream failure, giving
// the quantity back and re-listing the order under its original priority.
func (k *Keeper) RestoreConsume(ctx context.Context, orderID string, qty, price math.LegacyDec) error {
	var restored *types.Order
	err := k.store.Update(ctx, types.OrderKey(orderID), func(fields map[string]string) (map[string]string, error) {
		order, err := types.OrderFromFields(fields)
		if err != nil {
			return nil, types.ErrOrderNotFound.Wrap(orderID)
		}
		order.Remaining = order.Remaining.Add(qty)
		order.ExecutedQty = order.ExecutedQty.Sub(qty)
		order.ExecutedValue = order.ExecutedValue.Sub(qty.Mul(price))
		if !order.ExecutedQty.IsPositive() {
			order.ExecutedQty = math.LegacyZeroDec()
			order.ExecutedValue = math.LegacyZeroDec()
		}
		// A cancel that landed between the take and this rollback wins;
		// the quantity still comes back but the order stays off the book.
		if order.Status != types.StatusCancelled {
			if order.ExecutedQty.IsPositive() {
				order.Status = types.StatusPartiallyFilled
			} else {
				order.Status = types.StatusOpen
			}
		}
		order.UpdatedAt = time.Now().UTC()
		restored = order
		return order.ToFields(), nil
	})
	if err != nil {
		return err
	}
	if restored.IsTerminal() {
		return nil
	}
	key := types.BookKey(restored.Venue, restored.Symbol, restored.Side)
	return k.store.ZAdd(ctx, key, restored.BookScore(), restored.BookMember())
}

// AmendOrder rewrites an order's price and quantity under the priority
// rules: a price change or a quantity increase forfeits time priority, a
// pure quantity decrease keeps it. It returns the updated order and
// whether the caller must re-run matching (the order left the book and may
// now be marketable).
func (k *Keeper) AmendOrder(ctx context.Context, orderID string, newPrice, newQty math.LegacyDec) (*types.Order, bool, error) {
	// Reserve the replacement priority up front. Update closures must be
	// free of side effects, so the counter cannot be bumped inside one; an
	// unused sequence is harmless.
	nextSeq, err := k.NextSequence(ctx)
	if err != nil {
		return nil, false, err
	}

	var (
		updated   *types.Order
		oldMember string
		requeued  bool
	)
	err = k.store.Update(ctx, types.OrderKey(orderID), func(fields map[string]string) (map[string]string, error) {
		order, err := types.OrderFromFields(fields)
		if err != nil {
			return nil, types.ErrOrderNotFound.Wrap(orderID)
		}
		if order.IsTerminal() {
			return nil, types.ErrAlreadyTerminal.Wrap(orderID)
		}
		if newQty.LT(order.ExecutedQty) {
			return nil, types.ErrInvalidAmend.Wrapf("quantity %s below executed %s", newQty, order.ExecutedQty)
		}

		oldMember = order.BookMember()
		requeued = !newPrice.Equal(order.Price) || newQty.GT(order.Quantity)

		order.Price = newPrice
		order.Quantity = newQty
		order.Remaining = newQty.Sub(order.ExecutedQty)
		order.UpdatedAt = time.Now().UTC()
		if requeued {
			order.Sequence = nextSeq
		}
		if order.Remaining.IsZero() {
			// Amended down to exactly the executed quantity.
			order.Status = types.StatusFilled
		}
		updated = order
		return order.ToFields(), nil
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, false, types.ErrStaleOrder.Wrap(orderID)
		}
		return nil, false, err
	}

	key := types.BookKey(updated.Venue, updated.Symbol, updated.Side)
	if requeued || updated.IsTerminal() {
		if err := k.store.ZRem(ctx, key, oldMember); err != nil {
			return nil, false, err
		}
	}
	rearm := requeued && updated.IsActive()
	return updated, rearm, nil
}

// CancelOrder marks an order cancelled and removes it from the book.
// Cancelling an order that already reached a terminal state reports
// ErrAlreadyTerminal so repeated cancels are detectable but harmless.
func (k *Keeper) CancelOrder(ctx context.Context, orderID string) (*types.Order, error) {
	var cancelled *types.Order
	err := k.store.Update(ctx, types.OrderKey(orderID), func(fields map[string]string) (map[string]string, error) {
		order, err := types.OrderFromFields(fields)
		if err != nil {
			return nil, types.ErrOrderNotFound.Wrap(orderID)
		}
		if order.IsTerminal() {
			return nil, types.ErrAlreadyTerminal.Wrapf("%s is %s", orderID, order.Status)
		}
		order.Cancel()
		cancelled = order
		return order.ToFields(), nil
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, types.ErrStaleOrder.Wrap(orderID)
		}
		return nil, err
	}
	if err := k.removeFromBook(ctx, cancelled); err != nil {
		k.logger.Warn("failed to remove cancelled order from book", "order_id", orderID, "error", err)
	}
	return cancelled, nil
}

// Depth aggregates one venue's book into price levels, best first on both
// sides, at most levels rows per side.
func (k *Keeper) Depth(ctx context.Context, symbol string, venue types.Venue, levels int) (*types.BookSnapshot, error) {
	if levels <= 0 {
		levels = 20
	}
	bids, err := k.sideDepth(ctx, venue, symbol, types.SideBuy, levels)
	if err != nil {
		return nil, err
	}
	asks, err := k.sideDepth(ctx, venue, symbol, types.SideSell, levels)
	if err != nil {
		return nil, err
	}
	return &types.BookSnapshot{
		Symbol:    symbol,
		Venue:     venue,
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (k *Keeper) sideDepth(ctx context.Context, venue types.Venue, symbol string, side types.Side, levels int) ([]types.PriceLevel, error) {
	entries, err := k.store.ZRange(ctx, types.BookKey(venue, symbol, side), 0, -1, false)
	if err != nil {
		return nil, err
	}
	out := make([]types.PriceLevel, 0, levels)
	for _, entry := range entries {
		seq, orderID, err := types.ParseBookMember(entry.Member)
		if err != nil {
			continue
		}
		order, err := k.GetOrder(ctx, orderID)
		if err != nil {
			if errors.Is(err, types.ErrOrderNotFound) {
				continue
			}
			return nil, err
		}
		if !order.IsActive() || order.Remaining.IsZero() || order.Sequence != seq {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Price.Equal(order.Price) {
			out[n-1].Quantity = out[n-1].Quantity.Add(order.Remaining)
			out[n-1].Orders++
			continue
		}
		if len(out) == levels {
			break
		}
		out = append(out, types.PriceLevel{
			Price:    order.Price,
			Quantity: order.Remaining,
			Orders:   1,
		})
	}
	return out, nil
}

// CrossableQuantity sums the live quantity resting on one side of one
// venue's book at prices the accept function admits, leaving out one
// account's own orders. The walk runs best price first and stops early once
// the sum reaches stop, so fill-or-kill checks do not touch the whole book.
func (k *Keeper) CrossableQuantity(ctx context.Context, venue types.Venue, symbol string, side types.Side, exceptAccount string, accept func(math.LegacyDec) bool, stop math.LegacyDec) (math.LegacyDec, error) {
	entries, err := k.store.ZRange(ctx, types.BookKey(venue, symbol, side), 0, -1, false)
	if err != nil {
		return math.LegacyZeroDec(), err
	}
	sum := math.LegacyZeroDec()
	for _, entry := range entries {
		seq, orderID, err := types.ParseBookMember(entry.Member)
		if err != nil {
			continue
		}
		order, err := k.GetOrder(ctx, orderID)
		if err != nil {
			if errors.Is(err, types.ErrOrderNotFound) {
				continue
			}
			return math.LegacyZeroDec(), err
		}
		if !order.IsActive() || order.Remaining.IsZero() || order.Sequence != seq {
			continue
		}
		if !accept(order.Price) {
			break
		}
		if exceptAccount != "" && order.AccountID == exceptAccount {
			continue
		}
		sum = sum.Add(order.Remaining)
		if sum.GTE(stop) {
			break
		}
	}
	return sum, nil
}

// BookSize reports how many members currently rest on each side of one
// venue's book, stale entries included. Good enough for gauges, not for
// matching.
func (k *Keeper) BookSize(ctx context.Context, venue types.Venue, symbol string) (bids, asks int64, err error) {
	bids, err = k.store.ZCard(ctx, types.BookKey(venue, symbol, types.SideBuy))
	if err != nil {
		return 0, 0, err
	}
	asks, err = k.store.ZCard(ctx, types.BookKey(venue, symbol, types.SideSell))
	if err != nil {
		return 0, 0, err
	}
	return bids, asks, nil
}

// ============================================================
// Trades
// ============================================================

// RecordTrade appends a trade to the symbol's tape and refreshes the last
// trade price used for price deviation checks.
func (k *Keeper) RecordTrade(ctx context.Context, trade *types.Trade) error {
	payload, err := json.Marshal(trade)
	if err != nil {
		return err
	}
	key := types.TradesKey(trade.Symbol)
	if err := k.store.LPush(ctx, key, string(payload)); err != nil {
		return err
	}
	if err := k.store.LTrim(ctx, key, 0, tradeTapeLen-1); err != nil {
		return err
	}
	return k.store.Set(ctx, types.LastPriceKey(trade.Symbol), trade.Price.String())
}

// RecentTrades returns the newest trades for a symbol, newest first.
func (k *Keeper) RecentTrades(ctx context.Context, symbol string, limit int64) ([]*types.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := k.store.LRange(ctx, types.TradesKey(symbol), 0, limit-1)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	trades := make([]*types.Trade, 0, len(raw))
	for _, item := range raw {
		var trade types.Trade
		if err := json.Unmarshal([]byte(item), &trade); err != nil {
			k.logger.Warn("skipping undecodable trade", "symbol", symbol, "error", err)
			continue
		}
		trades = append(trades, &trade)
	}
	return trades, nil
}

// LastPrice returns the most recent trade price for a symbol. The second
// return is false when the symbol has never traded.
func (k *Keeper) LastPrice(ctx context.Context, symbol string) (math.LegacyDec, bool, error) {
	raw, err := k.store.Get(ctx, types.LastPriceKey(symbol))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return math.LegacyZeroDec(), false, nil
		}
		return math.LegacyZeroDec(), false, err
	}
	price, err := math.LegacyNewDecFromStr(raw)
	if err != nil {
		return math.LegacyZeroDec(), false, err
	}
	return price, true, nil
}

// ============================================================
// Maintenance
// ============================================================

// clearPatterns is every market data key family. Account state is owned by
// the ledger and deliberately not listed here.
var clearPatterns = []string{
	"order:*",
	"book:*",
	"trades:*",
	"lastprice:*",
	"symbol:*:orders",
	"account:*:orders",
	types.KeyAllOrders,
	types.KeySymbols,
	types.KeyOrderSeq,
	types.KeyTradeSeq,
}

// ClearAll wipes orders, books and trade tapes. Used at startup when the
// operator has not asked to keep prior data.
func (k *Keeper) ClearAll(ctx context.Context) error {
	removed := 0
	for _, pattern := range clearPatterns {
		keys, err := k.store.Keys(ctx, pattern)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := k.store.Del(ctx, key); err != nil {
				return err
			}
			removed++
		}
	}
	k.logger.Info("cleared market data", "keys", removed)
	return nil
}
