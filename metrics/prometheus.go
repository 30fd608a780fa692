package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OES metrics collector. Everything lives under the "oes" namespace so one
// Prometheus scrape covers orders, matching, the ledger and the gateway.

const namespace = "oes"

var (
	// Singleton collector
	collector     *Collector
	collectorOnce sync.Once
)

// Collector holds all OES metrics
type Collector struct {
	// Order metrics
	OrdersTotal  *prometheus.CounterVec
	OrdersActive *prometheus.GaugeVec
	OrderLatency *prometheus.HistogramVec

	// Matching engine metrics
	MatchingLatency  *prometheus.HistogramVec
	MatchingRetries  *prometheus.CounterVec
	MatchingFailures *prometheus.CounterVec

	// Trade metrics
	TradesTotal *prometheus.CounterVec
	TradeVolume *prometheus.CounterVec
	TradeValue  *prometheus.CounterVec

	// Orderbook metrics
	OrderbookDepth *prometheus.GaugeVec
	SpreadBps      *prometheus.GaugeVec

	// Ledger metrics
	AccountsTotal     prometheus.Gauge
	TransactionsTotal *prometheus.CounterVec
	LedgerRejections  *prometheus.CounterVec

	// WebSocket metrics
	WSConnectionsActive prometheus.Gauge
	WSMessagesTotal     *prometheus.CounterVec
	WSDroppedTotal      *prometheus.CounterVec
	WSSubscriptions     *prometheus.GaugeVec

	// API metrics
	APIRequestsTotal  *prometheus.CounterVec
	APIRequestLatency *prometheus.HistogramVec
	RateLimitHits     *prometheus.CounterVec

	// Store metrics
	StorePingLatency prometheus.Gauge
	StoreErrors      *prometheus.CounterVec
}

// GetCollector returns the singleton metrics collector
func GetCollector() *Collector {
	collectorOnce.Do(func() {
		collector = newCollector()
	})
	return collector
}

// newCollector creates a new metrics collector
func newCollector() *Collector {
	c := &Collector{}

	// Order metrics
	c.OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "total",
			Help:      "Total number of orders submitted",
		},
		[]string{"symbol", "side", "type", "status"},
	)

	c.OrdersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "active",
			Help:      "Number of resting orders per book",
		},
		[]string{"symbol", "venue"},
	)

	c.OrderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "latency_ms",
			Help:      "Order processing latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"symbol", "type"},
	)

	// Matching engine metrics
	c.MatchingLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "matching",
			Name:      "latency_ms",
			Help:      "Matching engine latency in milliseconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50},
		},
		[]string{"symbol"},
	)

	c.MatchingRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matching",
			Name:      "retries_total",
			Help:      "Matching steps retried after losing a compare-and-set race",
		},
		[]string{"symbol"},
	)

	c.MatchingFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matching",
			Name:      "failures_total",
			Help:      "Matching steps abandoned after exhausting retries or rollbacks",
		},
		[]string{"symbol", "reason"},
	)

	// Trade metrics
	c.TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trades",
			Name:      "total",
			Help:      "Total number of trades executed",
		},
		[]string{"symbol", "venue"},
	)

	c.TradeVolume = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trades",
			Name:      "volume",
			Help:      "Total traded quantity",
		},
		[]string{"symbol", "venue"},
	)

	c.TradeValue = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trades",
			Name:      "value",
			Help:      "Total traded value",
		},
		[]string{"symbol", "venue"},
	)

	// Orderbook metrics
	c.OrderbookDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orderbook",
			Name:      "depth",
			Help:      "Orderbook depth (number of price levels)",
		},
		[]string{"symbol", "venue", "side"},
	)

	c.SpreadBps = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orderbook",
			Name:      "spread_bps",
			Help:      "Bid-ask spread in basis points on the lit book",
		},
		[]string{"symbol"},
	)

	// Ledger metrics
	c.AccountsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "accounts",
			Help:      "Number of accounts",
		},
	)

	c.TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "transactions_total",
			Help:      "Ledger transactions appended, by kind",
		},
		[]string{"kind"},
	)

	c.LedgerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "rejections_total",
			Help:      "Orders and fills rejected by the ledger",
		},
		[]string{"reason"},
	)

	// WebSocket metrics
	c.WSConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections_active",
			Help:      "Number of active WebSocket connections",
		},
	)

	c.WSMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_total",
			Help:      "Total WebSocket messages sent",
		},
		[]string{"channel"},
	)

	c.WSDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "dropped_total",
			Help:      "WebSocket messages dropped on slow connections",
		},
		[]string{"channel"},
	)

	c.WSSubscriptions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "subscriptions",
			Help:      "Number of active subscriptions per channel",
		},
		[]string{"channel"},
	)

	// API metrics
	c.APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total API requests",
		},
		[]string{"method", "path", "status"},
	)

	c.APIRequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_latency_ms",
			Help:      "API request latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"method", "path"},
	)

	c.RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "rate_limit_hits",
			Help:      "Total rate limit hits",
		},
		[]string{"limit_type"},
	)

	// Store metrics
	c.StorePingLatency = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "ping_latency_ms",
			Help:      "Most recent store round trip in milliseconds",
		},
	)

	c.StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Store operations that failed",
		},
		[]string{"op"},
	)

	c.registerAll()

	return c
}

// registerAll registers all metrics with Prometheus
func (c *Collector) registerAll() {
	prometheus.MustRegister(c.OrdersTotal)
	prometheus.MustRegister(c.OrdersActive)
	prometheus.MustRegister(c.OrderLatency)

	prometheus.MustRegister(c.MatchingLatency)
	prometheus.MustRegister(c.MatchingRetries)
	prometheus.MustRegister(c.MatchingFailures)

	prometheus.MustRegister(c.TradesTotal)
	prometheus.MustRegister(c.TradeVolume)
	prometheus.MustRegister(c.TradeValue)

	prometheus.MustRegister(c.OrderbookDepth)
	prometheus.MustRegister(c.SpreadBps)

	prometheus.MustRegister(c.AccountsTotal)
	prometheus.MustRegister(c.TransactionsTotal)
	prometheus.MustRegister(c.LedgerRejections)

	prometheus.MustRegister(c.WSConnectionsActive)
	prometheus.MustRegister(c.WSMessagesTotal)
	prometheus.MustRegister(c.WSDroppedTotal)
	prometheus.MustRegister(c.WSSubscriptions)

	prometheus.MustRegister(c.APIRequestsTotal)
	prometheus.MustRegister(c.APIRequestLatency)
	prometheus.MustRegister(c.RateLimitHits)

	prometheus.MustRegister(c.StorePingLatency)
	prometheus.MustRegister(c.StoreErrors)
}

// ============ Recording Helpers ============

// RecordOrder records an order event
func (c *Collector) RecordOrder(symbol, side, orderType, status string) {
	c.OrdersTotal.WithLabelValues(symbol, side, orderType, status).Inc()
}

// RecordOrderLatency records order processing latency
func (c *Collector) RecordOrderLatency(symbol, orderType string, latencyMs float64) {
	c.OrderLatency.WithLabelValues(symbol, orderType).Observe(latencyMs)
}

// RecordTrade records a trade event
func (c *Collector) RecordTrade(symbol, venue string, volume, value float64) {
	c.TradesTotal.WithLabelValues(symbol, venue).Inc()
	c.TradeVolume.WithLabelValues(symbol, venue).Add(volume)
	c.TradeValue.WithLabelValues(symbol, venue).Add(value)
}

// RecordMatchingLatency records matching engine latency
func (c *Collector) RecordMatchingLatency(symbol string, latencyMs float64) {
	c.MatchingLatency.WithLabelValues(symbol).Observe(latencyMs)
}

// RecordMatchingRetry records a lost compare-and-set race
func (c *Collector) RecordMatchingRetry(symbol string) {
	c.MatchingRetries.WithLabelValues(symbol).Inc()
}

// RecordMatchingFailure records an abandoned matching step
func (c *Collector) RecordMatchingFailure(symbol, reason string) {
	c.MatchingFailures.WithLabelValues(symbol, reason).Inc()
}

// RecordTransaction records a ledger transaction
func (c *Collector) RecordTransaction(kind string) {
	c.TransactionsTotal.WithLabelValues(kind).Inc()
}

// RecordLedgerRejection records a ledger rejection
func (c *Collector) RecordLedgerRejection(reason string) {
	c.LedgerRejections.WithLabelValues(reason).Inc()
}

// RecordAPIRequest records an API request
func (c *Collector) RecordAPIRequest(method, path, status string, latencyMs float64) {
	c.APIRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.APIRequestLatency.WithLabelValues(method, path).Observe(latencyMs)
}

// RecordRateLimitHit records a request rejected by a rate limiter
func (c *Collector) RecordRateLimitHit(limitType string) {
	c.RateLimitHits.WithLabelValues(limitType).Inc()
}

// RecordWSConnection records WebSocket connection changes
func (c *Collector) RecordWSConnection(delta int) {
	c.WSConnectionsActive.Add(float64(delta))
}

// RecordWSMessage records a WebSocket message
func (c *Collector) RecordWSMessage(channel string) {
	c.WSMessagesTotal.WithLabelValues(channel).Inc()
}

// RecordWSDrop records a message dropped on a slow connection
func (c *Collector) RecordWSDrop(channel string) {
	c.WSDroppedTotal.WithLabelValues(channel).Inc()
}

// SetSubscriptions sets the subscriber count for one channel
func (c *Collector) SetSubscriptions(channel string, count int) {
	c.WSSubscriptions.WithLabelValues(channel).Set(float64(count))
}

// SetBookDepth sets the price level count for one book side
func (c *Collector) SetBookDepth(symbol, venue, side string, levels int) {
	c.OrderbookDepth.WithLabelValues(symbol, venue, side).Set(float64(levels))
}

// SetActiveOrders sets the resting order count for one book
func (c *Collector) SetActiveOrders(symbol, venue string, count int) {
	c.OrdersActive.WithLabelValues(symbol, venue).Set(float64(count))
}

// SetSpread sets the lit book spread in basis points
func (c *Collector) SetSpread(symbol string, bps float64) {
	c.SpreadBps.WithLabelValues(symbol).Set(bps)
}

// SetAccounts sets the account count
func (c *Collector) SetAccounts(count int) {
	c.AccountsTotal.Set(float64(count))
}

// SetStorePing sets the last store round trip
func (c *Collector) SetStorePing(latencyMs float64) {
	c.StorePingLatency.Set(latencyMs)
}

// RecordStoreError records a failed store operation
func (c *Collector) RecordStoreError(op string) {
	c.StoreErrors.WithLabelValues(op).Inc()
}

// ============ HTTP Handler ============

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for measuring latency
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ElapsedMs returns the elapsed time in milliseconds
func (t *Timer) ElapsedMs() float64 {
	return float64(time.Since(t.start).Microseconds()) / 1000.0
}
