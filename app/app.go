package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cosmossdk.io/log"

	"github.com/openalpha/oes/api"
	"github.com/openalpha/oes/api/websocket"
	"github.com/openalpha/oes/store"
	ledgerkeeper "github.com/openalpha/oes/x/ledger/keeper"
	obkeeper "github.com/openalpha/oes/x/orderbook/keeper"
)

// Name is the service name used in logs.
const Name = "oes"

// Config aggregates the per-component configurations.
type Config struct {
	// Store selects the backend: an empty Host runs everything on the
	// in-memory store, anything else connects to redis.
	Store  store.RedisConfig
	Engine obkeeper.Config
	Hub    websocket.HubConfig
	API    api.Config

	// ClearOnStart wipes orders, books and trade tapes at startup.
	// Accounts survive restarts either way.
	ClearOnStart bool
	// SeedAccounts creates sample accounts when the ledger is empty.
	SeedAccounts bool
}

// DefaultConfig returns a single-process setup on the in-memory store.
func DefaultConfig() Config {
	storeCfg := store.DefaultRedisConfig()
	storeCfg.Host = ""
	return Config{
		Store:        storeCfg,
		Engine:       obkeeper.DefaultConfig(),
		Hub:          websocket.DefaultHubConfig(),
		API:          api.DefaultConfig(),
		ClearOnStart: true,
		SeedAccounts: true,
	}
}

// App owns the service graph: store, keepers, matching engine, websocket
// hub and the HTTP server.
type App struct {
	cfg    Config
	logger log.Logger

	store store.Store

	Books  *obkeeper.Keeper
	Ledger *ledgerkeeper.Keeper
	Engine *obkeeper.Engine
	Hub    *websocket.Hub
	Server *api.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the service graph. The store is not touched until Start.
func New(cfg Config, logger log.Logger) *App {
	var st store.Store
	if cfg.Store.Host == "" {
		st = store.NewMemory(logger)
		logger.Info("using in-memory store")
	} else {
		st = store.NewRedis(cfg.Store, logger)
		logger.Info("using redis store", "host", cfg.Store.Host, "port", cfg.Store.Port)
	}

	books := obkeeper.NewKeeper(st, logger)
	ledger := ledgerkeeper.NewKeeper(st, logger)
	engine := obkeeper.NewEngine(books, ledger, st, cfg.Engine, logger)
	service := api.NewEngineService(engine, books, ledger, logger)
	hub := websocket.NewHub(st, books, cfg.Hub, logger)
	server := api.NewServer(cfg.API, service, service, service, hub, st, logger)

	return &App{
		cfg:    cfg,
		logger: logger.With("app", Name),
		store:  st,
		Books:  books,
		Ledger: ledger,
		Engine: engine,
		Hub:    hub,
		Server: server,
	}
}

// Start verifies the store, prepares data and launches the matching tick,
// the hub and the HTTP listener. It returns once everything is running.
func (a *App) Start(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.store.Ping(pingCtx); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}

	if a.cfg.ClearOnStart {
		if err := a.Books.ClearAll(ctx); err != nil {
			return fmt.Errorf("clear market data: %w", err)
		}
		// Wiping the orders leaves their holds dangling on a persistent
		// store; return them so no reservation outlives its order.
		if _, err := a.Ledger.ReleaseAllHolds(ctx); err != nil {
			return fmt.Errorf("release stale holds: %w", err)
		}
	}
	if a.cfg.SeedAccounts {
		if _, err := a.Ledger.SeedSampleAccounts(ctx); err != nil {
			return fmt.Errorf("seed accounts: %w", err)
		}
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	a.cancel = cancelRun

	a.wg.Add(3)
	go func() {
		defer a.wg.Done()
		if err := a.Engine.Run(runCtx); err != nil {
			a.logger.Error("matching engine exited", "error", err)
		}
	}()
	go func() {
		defer a.wg.Done()
		a.Hub.Run(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		if err := a.Server.Start(); err != nil {
			a.logger.Error("http server exited", "error", err)
		}
	}()

	a.logger.Info("order entry system started",
		"addr", fmt.Sprintf("%s:%d", a.cfg.API.Host, a.cfg.API.Port),
		"dark_pool", a.cfg.Engine.DarkPoolEnabled,
	)
	return nil
}

// Shutdown closes the trading session: day orders are swept, background
// loops stopped and the HTTP server drained until ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	if _, err := a.Engine.SweepDayOrders(ctx); err != nil {
		a.logger.Warn("day order sweep failed", "error", err)
	}

	if a.cancel != nil {
		a.cancel()
	}
	err := a.Server.Stop(ctx)
	a.wg.Wait()

	if closeErr := a.store.Close(); closeErr != nil {
		a.logger.Warn("store close failed", "error", closeErr)
	}

	a.logger.Info("order entry system stopped")
	return err
}
