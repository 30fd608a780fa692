package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cosmossdk.io/log"

	"github.com/openalpha/oes/api/handlers"
	"github.com/openalpha/oes/api/middleware"
	apitypes "github.com/openalpha/oes/api/types"
	"github.com/openalpha/oes/api/websocket"
	"github.com/openalpha/oes/metrics"
	"github.com/openalpha/oes/store"
)

// Config holds the HTTP server settings.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// RateLimit zero-value falls back to middleware defaults.
	RateLimit middleware.Config
	Version   string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Host:         "0.0.0.0",
		Port:         8002,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		RateLimit:    middleware.DefaultConfig(),
		Version:      "dev",
	}
}

// Server is the HTTP surface: REST routes, the metrics endpoint and the
// websocket upgrade.
type Server struct {
	cfg        Config
	httpServer *http.Server
	limiter    *middleware.RateLimiter
	hub        *websocket.Hub
	logger     log.Logger

	orderHandler   *handlers.OrderHandler
	accountHandler *handlers.AccountHandler
	marketHandler  *handlers.MarketHandler
	statusHandler  *handlers.StatusHandler
}

// NewServer wires the route handlers to their services.
func NewServer(
	cfg Config,
	orders apitypes.OrderService,
	accounts apitypes.AccountService,
	market apitypes.MarketDataService,
	hub *websocket.Hub,
	st store.Store,
	logger log.Logger,
) *Server {
	return &Server{
		cfg:            cfg,
		limiter:        middleware.NewRateLimiter(cfg.RateLimit),
		hub:            hub,
		logger:         logger.With("module", "api"),
		orderHandler:   handlers.NewOrderHandler(orders),
		accountHandler: handlers.NewAccountHandler(accounts),
		marketHandler:  handlers.NewMarketHandler(market),
		statusHandler:  handlers.NewStatusHandler(st, cfg.Version),
	}
}

// Start blocks serving HTTP until Stop is called or the listener fails.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Order entry and lifecycle.
	mux.HandleFunc("/orders", s.limitOrders(s.orderHandler.HandleOrders))
	mux.HandleFunc("/orders/", s.orderHandler.HandleOrder)

	// Market data.
	mux.HandleFunc("/orderbook/", s.marketHandler.HandleOrderbook)
	mux.HandleFunc("/trades/", s.marketHandler.HandleTrades)
	mux.HandleFunc("/darkpool/status", s.marketHandler.HandleDarkPool)

	// Accounts.
	mux.HandleFunc("/accounts", s.accountHandler.HandleAccounts)
	mux.HandleFunc("/accounts/", s.accountHandler.HandleAccount)

	// Operational.
	mux.HandleFunc("/status", s.statusHandler.HandleStatus)
	mux.HandleFunc("/health", s.statusHandler.HandleHealth)
	mux.Handle("/metrics", metrics.Handler())

	// Streaming.
	mux.HandleFunc("/ws", s.hub.ServeWS)

	handler := corsMiddleware(
		middleware.Middleware(s.limiter, clientIP)(
			s.instrument(mux),
		),
	)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.Info("http server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.limiter.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// limitOrders applies the per-account order bucket to submissions. The body
// is buffered so the handler can decode it again.
func (s *Server) limitOrders(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		var peek struct {
			AccountID string `json:"account_id"`
		}
		if json.Unmarshal(body, &peek) == nil && peek.AccountID != "" {
			if info := s.limiter.AllowOrder(peek.AccountID); !info.Allowed {
				middleware.WriteOrderLimit(w, info)
				return
			}
		}
		next(w, r)
	}
}

// instrument records request metrics with low-cardinality route labels.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.GetCollector().RecordAPIRequest(r.Method, routeLabel(r.URL.Path), strconv.Itoa(rec.status), timer.ElapsedMs())
	})
}

// routeLabel keeps only the first path segment so order and symbol names do
// not blow up metric cardinality.
func routeLabel(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[:i]
	}
	if trimmed == "" {
		return "/"
	}
	return "/" + trimmed
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack keeps the websocket upgrade working through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// corsMiddleware opens the API to browser clients and short-circuits
// preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers proxy headers over the socket address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
