package api

import (
	"context"
	"errors"

	sdkerrors "cosmossdk.io/errors"
	"cosmossdk.io/log"
	"cosmossdk.io/math"

	apitypes "github.com/openalpha/oes/api/types"
	"github.com/openalpha/oes/metrics"
	ledgerkeeper "github.com/openalpha/oes/x/ledger/keeper"
	ledgertypes "github.com/openalpha/oes/x/ledger/types"
	obkeeper "github.com/openalpha/oes/x/orderbook/keeper"
	obtypes "github.com/openalpha/oes/x/orderbook/types"
)

// EngineService backs the HTTP surface with the matching engine and the
// keepers. It implements OrderService, AccountService and
// MarketDataService.
type EngineService struct {
	engine *obkeeper.Engine
	books  *obkeeper.Keeper
	ledger *ledgerkeeper.Keeper
	logger log.Logger
}

// NewEngineService wires the service to a running engine and its keepers.
func NewEngineService(engine *obkeeper.Engine, books *obkeeper.Keeper, ledger *ledgerkeeper.Keeper, logger log.Logger) *EngineService {
	return &EngineService{
		engine: engine,
		books:  books,
		ledger: ledger,
		logger: logger.With("module", "api"),
	}
}

var (
	_ apitypes.OrderService      = (*EngineService)(nil)
	_ apitypes.AccountService    = (*EngineService)(nil)
	_ apitypes.MarketDataService = (*EngineService)(nil)
)

// ============================================================
// Orders
// ============================================================

func (s *EngineService) SubmitOrder(ctx context.Context, req *apitypes.SubmitOrderRequest) (*apitypes.SubmitOrderResponse, error) {
	timer := metrics.NewTimer()

	side, err := obtypes.ParseSide(req.Type)
	if err != nil {
		return nil, err
	}
	orderType, err := obtypes.ParseOrderType(req.OrderType)
	if err != nil {
		return nil, err
	}
	venue, err := obtypes.ParseVenue(req.Venue)
	if err != nil {
		return nil, err
	}
	tif, err := obtypes.ParseTimeInForce(req.TIF)
	if err != nil {
		return nil, err
	}

	qty, err := parseDec(req.Quantity, obtypes.ErrInvalidQuantity)
	if err != nil {
		return nil, err
	}
	// Market orders may omit the price; when present it acts as a
	// protection cap.
	price := math.LegacyZeroDec()
	if req.Price != "" {
		if price, err = parseDec(req.Price, obtypes.ErrInvalidPrice); err != nil {
			return nil, err
		}
	} else if orderType == obtypes.TypeLimit {
		return nil, obtypes.ErrInvalidPrice.Wrap("limit orders require a price")
	}

	res, err := s.engine.SubmitOrder(ctx, obkeeper.SubmitParams{
		AccountID: req.AccountID,
		Symbol:    req.Symbol,
		Side:      side,
		Type:      orderType,
		Venue:     venue,
		TIF:       tif,
		Price:     price,
		Quantity:  qty,
	})
	if err != nil {
		return nil, err
	}

	return &apitypes.SubmitOrderResponse{
		OrderID:   res.Order.ID,
		Status:    string(res.Order.Status),
		LatencyMs: timer.ElapsedMs(),
	}, nil
}

func (s *EngineService) GetOrder(ctx context.Context, orderID string) (*apitypes.Order, error) {
	order, err := s.books.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return orderToAPI(order), nil
}

func (s *EngineService) AmendOrder(ctx context.Context, orderID string, req *apitypes.AmendOrderRequest) (*apitypes.AmendOrderResponse, error) {
	current, err := s.books.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	// Untouched fields keep their current values; the engine always takes
	// the full target shape.
	price := current.Price
	if req.Price != "" {
		if price, err = parseDec(req.Price, obtypes.ErrInvalidPrice); err != nil {
			return nil, err
		}
	}
	qty := current.Quantity
	if req.Quantity != "" {
		if qty, err = parseDec(req.Quantity, obtypes.ErrInvalidQuantity); err != nil {
			return nil, err
		}
	}

	order, trades, err := s.engine.AmendOrder(ctx, orderID, price, qty)
	if err != nil {
		return nil, err
	}
	return &apitypes.AmendOrderResponse{Order: orderToAPI(order), Trades: trades}, nil
}

func (s *EngineService) CancelOrder(ctx context.Context, orderID string) (*apitypes.CancelOrderResponse, error) {
	order, err := s.engine.CancelOrder(ctx, orderID)
	if err == nil {
		return &apitypes.CancelOrderResponse{Order: orderToAPI(order)}, nil
	}
	// Cancelling a finished order is reported, not failed.
	if errors.Is(err, obtypes.ErrAlreadyTerminal) {
		order, getErr := s.books.GetOrder(ctx, orderID)
		if getErr != nil {
			return nil, getErr
		}
		return &apitypes.CancelOrderResponse{Order: orderToAPI(order), AlreadyTerminal: true}, nil
	}
	return nil, err
}

func (s *EngineService) ListOrders(ctx context.Context, req *apitypes.ListOrdersRequest) ([]*apitypes.Order, error) {
	var (
		orders []*obtypes.Order
		err    error
	)
	switch {
	case req.AccountID != "":
		orders, err = s.books.OrdersByAccount(ctx, req.AccountID)
	case req.Symbol != "":
		orders, err = s.books.OrdersBySymbol(ctx, req.Symbol, req.ActiveOnly)
	default:
		orders, err = s.books.AllOrders(ctx, req.ActiveOnly)
	}
	if err != nil {
		return nil, err
	}

	out := make([]*apitypes.Order, 0, len(orders))
	for _, order := range orders {
		if req.ActiveOnly && !order.IsActive() {
			continue
		}
		if req.AccountID != "" && req.Symbol != "" && order.Symbol != req.Symbol {
			continue
		}
		out = append(out, orderToAPI(order))
	}
	return out, nil
}

// ============================================================
// Accounts
// ============================================================

func (s *EngineService) CreateAccount(ctx context.Context, req *apitypes.CreateAccountRequest) (*apitypes.Account, error) {
	balance := math.LegacyZeroDec()
	if req.InitialBalance != "" {
		var err error
		if balance, err = parseDec(req.InitialBalance, ledgertypes.ErrInvalidAmount); err != nil {
			return nil, err
		}
	}
	account, err := s.ledger.CreateAccount(ctx, req.Name, balance, req.AccountType, req.RiskLevel)
	if err != nil {
		return nil, err
	}
	return accountToAPI(account), nil
}

func (s *EngineService) GetAccount(ctx context.Context, accountID string) (*apitypes.Account, error) {
	account, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return accountToAPI(account), nil
}

func (s *EngineService) ListAccounts(ctx context.Context) ([]*apitypes.Account, error) {
	accounts, err := s.ledger.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*apitypes.Account, 0, len(accounts))
	for _, account := range accounts {
		out = append(out, accountToAPI(account))
	}
	return out, nil
}

func (s *EngineService) UpdateAccount(ctx context.Context, accountID string, req *apitypes.UpdateAccountRequest) (*apitypes.Account, error) {
	account, err := s.ledger.UpdateAccount(ctx, accountID, func(a *ledgertypes.Account) error {
		if req.Name != nil {
			a.Name = *req.Name
		}
		if req.RiskLevel != nil {
			switch *req.RiskLevel {
			case ledgertypes.RiskLow, ledgertypes.RiskMedium, ledgertypes.RiskHigh:
				a.RiskLevel = *req.RiskLevel
			default:
				return ledgertypes.ErrInvalidTransaction.Wrapf("unknown risk level %q", *req.RiskLevel)
			}
		}
		if req.Active != nil {
			a.Active = *req.Active
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return accountToAPI(account), nil
}

func (s *EngineService) ApplyTransaction(ctx context.Context, accountID string, req *apitypes.TransactionRequest) (*ledgertypes.Transaction, error) {
	amount, err := parseDec(req.Amount, ledgertypes.ErrInvalidAmount)
	if err != nil {
		return nil, err
	}
	switch req.TransactionType {
	case ledgertypes.TxnDeposit:
		return s.ledger.Deposit(ctx, accountID, amount, req.Description)
	case ledgertypes.TxnWithdrawal:
		return s.ledger.Withdraw(ctx, accountID, amount, req.Description)
	case ledgertypes.TxnAdjustment:
		return s.ledger.Adjust(ctx, accountID, amount, req.Description)
	default:
		return nil, ledgertypes.ErrInvalidTransaction.Wrapf("unknown transaction type %q", req.TransactionType)
	}
}

func (s *EngineService) AccountPositions(ctx context.Context, accountID string) ([]*ledgertypes.Position, error) {
	if _, err := s.ledger.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.ledger.Positions(ctx, accountID)
}

func (s *EngineService) AccountTransactions(ctx context.Context, accountID string, limit int64) ([]*ledgertypes.Transaction, error) {
	if _, err := s.ledger.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.ledger.Transactions(ctx, accountID, limit)
}

func (s *EngineService) AccountOrders(ctx context.Context, accountID string) ([]*apitypes.Order, error) {
	if _, err := s.ledger.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	orders, err := s.books.OrdersByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out := make([]*apitypes.Order, 0, len(orders))
	for _, order := range orders {
		out = append(out, orderToAPI(order))
	}
	return out, nil
}

// ============================================================
// Market data
// ============================================================

func (s *EngineService) Orderbook(ctx context.Context, symbol, venue string, depth int) (*obtypes.BookSnapshot, error) {
	v, err := obtypes.ParseVenue(venue)
	if err != nil {
		return nil, err
	}
	return s.books.Depth(ctx, symbol, v, depth)
}

func (s *EngineService) Trades(ctx context.Context, symbol string, limit int64) ([]*obtypes.Trade, error) {
	return s.books.RecentTrades(ctx, symbol, limit)
}

func (s *EngineService) DarkPool(ctx context.Context) (*apitypes.DarkPoolStatus, error) {
	status, err := s.engine.DarkPoolStatusNow(ctx)
	if err != nil {
		return nil, err
	}
	return &apitypes.DarkPoolStatus{
		Enabled:    status.Enabled,
		BuyOrders:  status.BuyOrders,
		SellOrders: status.SellOrders,
		Trades:     status.Trades,
		Volume:     status.Volume.String(),
	}, nil
}

// ============================================================
// Conversions
// ============================================================

func parseDec(v string, class *sdkerrors.Error) (math.LegacyDec, error) {
	dec, err := math.LegacyNewDecFromStr(v)
	if err != nil {
		return math.LegacyDec{}, class.Wrapf("%q is not a decimal", v)
	}
	return dec, nil
}

func orderToAPI(o *obtypes.Order) *apitypes.Order {
	return &apitypes.Order{
		OrderID:   o.ID,
		AccountID: o.AccountID,
		Symbol:    o.Symbol,
		Side:      string(o.Side),
		OrderType: string(o.Type),
		Venue:     string(o.Venue),
		TIF:       string(o.TIF),
		Price:     o.Price.String(),
		Quantity:  o.Quantity.String(),
		Remaining: o.Remaining.String(),
		FilledQty: o.ExecutedQty.String(),
		AvgPrice:  o.AvgPrice().String(),
		Status:    string(o.Status),
		CreatedAt: o.CreatedAt.UnixMilli(),
		UpdatedAt: o.UpdatedAt.UnixMilli(),
	}
}

func accountToAPI(a *ledgertypes.Account) *apitypes.Account {
	return &apitypes.Account{
		AccountID:   a.AccountID,
		Name:        a.Name,
		Balance:     a.Balance.String(),
		Reserved:    a.Reserved.String(),
		Available:   a.AvailableBalance().String(),
		AccountType: a.AccountType,
		RiskLevel:   a.RiskLevel,
		Active:      a.Active,
		CreatedAt:   a.CreatedAt.UnixMilli(),
		UpdatedAt:   a.UpdatedAt.UnixMilli(),
	}
}
