package cmd

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"
	"github.com/spf13/cobra"

	"github.com/openalpha/oes/app"
)

// NewServeCmd runs the order entry system until interrupted.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the order entry system",
		Long: `Starts the matching engine, websocket hub and HTTP API.

Environment:
  STORE_HOST, STORE_PORT, STORE_PASSWORD, STORE_DB
                        redis connection; empty STORE_HOST uses the
                        in-memory store
  OES_HOST, OES_PORT    listen address (default 0.0.0.0:8002)
  OES_NO_CLEAR_DATA     1 keeps orders and trades from a previous run
  OES_SEED_ACCOUNTS     0 skips sample account seeding (default 1)
  OES_DARK_POOL         0 disables the dark venue (default 1)
  OES_MATCH_TICK_MS     matching sweep interval (default 100)
  OES_SNAPSHOT_MS       orderbook broadcast interval (default 100)
  OES_LATENCY_MS        latency heartbeat interval (default 5000)
  MIN_ORDER_SIZE, MAX_ORDER_SIZE, MIN_PRICE, MAX_PRICE,
  PRICE_DEVIATION_PCT   validation bounds`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := log.NewLogger(os.Stderr)
			cfg := configFromEnv(logger)
			cfg.API.Version = Version

			a := app.New(cfg, logger)
			if err := a.Start(cmd.Context()); err != nil {
				return err
			}

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			logger.Info("shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return a.Shutdown(ctx)
		},
	}
}

// configFromEnv overlays environment settings onto the defaults.
func configFromEnv(logger log.Logger) app.Config {
	cfg := app.DefaultConfig()

	cfg.Store.Host = os.Getenv("STORE_HOST")
	cfg.Store.Port = envInt("STORE_PORT", cfg.Store.Port)
	cfg.Store.Password = os.Getenv("STORE_PASSWORD")
	cfg.Store.DB = envInt("STORE_DB", cfg.Store.DB)

	if host := os.Getenv("OES_HOST"); host != "" {
		cfg.API.Host = host
	}
	cfg.API.Port = envInt("OES_PORT", cfg.API.Port)

	cfg.ClearOnStart = !envBool("OES_NO_CLEAR_DATA", false)
	cfg.SeedAccounts = envBool("OES_SEED_ACCOUNTS", true)

	cfg.Engine.MatchTick = envMillis("OES_MATCH_TICK_MS", cfg.Engine.MatchTick)
	cfg.Engine.DarkPoolEnabled = envBool("OES_DARK_POOL", true)
	cfg.Engine.MinOrderSize = envDec(logger, "MIN_ORDER_SIZE", cfg.Engine.MinOrderSize)
	cfg.Engine.MaxOrderSize = envDec(logger, "MAX_ORDER_SIZE", cfg.Engine.MaxOrderSize)
	cfg.Engine.MinPrice = envDec(logger, "MIN_PRICE", cfg.Engine.MinPrice)
	cfg.Engine.MaxPrice = envDec(logger, "MAX_PRICE", cfg.Engine.MaxPrice)
	cfg.Engine.PriceDeviationPct = envDec(logger, "PRICE_DEVIATION_PCT", cfg.Engine.PriceDeviationPct)

	cfg.Hub.SnapshotInterval = envMillis("OES_SNAPSHOT_MS", cfg.Hub.SnapshotInterval)
	cfg.Hub.LatencyInterval = envMillis("OES_LATENCY_MS", cfg.Hub.LatencyInterval)

	return cfg
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(name string, fallback bool) bool {
	switch os.Getenv(name) {
	case "":
		return fallback
	case "0", "false", "no":
		return false
	default:
		return true
	}
}

func envMillis(name string, fallback time.Duration) time.Duration {
	ms := envInt(name, 0)
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func envDec(logger log.Logger, name string, fallback math.LegacyDec) math.LegacyDec {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	d, err := math.LegacyNewDecFromStr(v)
	if err != nil {
		logger.Warn("ignoring invalid decimal in environment", "name", name, "value", v)
		return fallback
	}
	return d
}
