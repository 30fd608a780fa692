package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"cosmossdk.io/log"
	"github.com/gorilla/websocket"

	"github.com/openalpha/oes/metrics"
	"github.com/openalpha/oes/store"
	obtypes "github.com/openalpha/oes/x/orderbook/types"
)

// BookSource supplies the depth snapshots the hub streams to orderbook
// subscribers.
type BookSource interface {
	Depth(ctx context.Context, symbol string, venue obtypes.Venue, levels int) (*obtypes.BookSnapshot, error)
	BookSize(ctx context.Context, venue obtypes.Venue, symbol string) (bids, asks int64, err error)
}

// HubConfig tunes fan-out behavior.
type HubConfig struct {
	// SnapshotInterval is how often subscribed order books are re-sent.
	SnapshotInterval time.Duration
	// LatencyInterval is how often the store round-trip is sampled and
	// broadcast on the system channel.
	LatencyInterval time.Duration
	// SendBuffer is the per-client queue for snapshots and system events.
	// Overflow drops the oldest entry; a fresher snapshot supersedes it.
	SendBuffer int
	// TradeBuffer is the per-client queue for trades and notifications.
	// Overflow disconnects the client instead of losing executions.
	TradeBuffer int
	// MaxClientsPerIP caps concurrent connections per remote address.
	MaxClientsPerIP int
	// MaxSubscriptions caps channels per client.
	MaxSubscriptions int
	// SnapshotDepth is how many price levels each snapshot carries.
	SnapshotDepth int
}

// DefaultHubConfig returns the production defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		SnapshotInterval: 100 * time.Millisecond,
		LatencyInterval:  5 * time.Second,
		SendBuffer:       256,
		TradeBuffer:      4096,
		MaxClientsPerIP:  10,
		MaxSubscriptions: 64,
		SnapshotDepth:    20,
	}
}

// latencySamples is the moving-average window for store round-trip times.
const latencySamples = 10

type subscription struct {
	client  *Client
	channel string
}

// Hub fans store pub/sub traffic out to websocket sessions. All client and
// channel bookkeeping happens on the Run goroutine; HTTP handlers only push
// through the register channels.
type Hub struct {
	cfg    HubConfig
	store  store.Store
	books  BookSource
	logger log.Logger

	register    chan *Client
	unregister  chan *Client
	subscribe   chan subscription
	unsubscribe chan subscription

	clients  map[*Client]bool
	channels map[string]map[*Client]bool

	// Connection counts per IP, read by ServeWS off the Run goroutine.
	ipMu  sync.Mutex
	perIP map[string]int

	latency []float64

	upgrader websocket.Upgrader
}

// NewHub creates a hub that reads events from st and snapshots from books.
func NewHub(st store.Store, books BookSource, cfg HubConfig, logger log.Logger) *Hub {
	def := DefaultHubConfig()
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = def.SnapshotInterval
	}
	if cfg.LatencyInterval <= 0 {
		cfg.LatencyInterval = def.LatencyInterval
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.TradeBuffer <= 0 {
		cfg.TradeBuffer = def.TradeBuffer
	}
	if cfg.SnapshotDepth <= 0 {
		cfg.SnapshotDepth = def.SnapshotDepth
	}

	return &Hub{
		cfg:         cfg,
		store:       st,
		books:       books,
		logger:      logger.With("module", "websocket"),
		register:    make(chan *Client, 64),
		unregister:  make(chan *Client, 64),
		subscribe:   make(chan subscription, 256),
		unsubscribe: make(chan subscription, 256),
		clients:     make(map[*Client]bool),
		channels:    make(map[string]map[*Client]bool),
		perIP:       make(map[string]int),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers hit the API from arbitrary origins; auth lives
			// elsewhere.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run processes registrations, store events and the periodic tickers until
// ctx is canceled. It must run in its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	events, err := h.store.Subscribe(ctx,
		"orderbook:*",
		"trades:*",
		obtypes.TopicNotifications,
		obtypes.TopicSystem,
	)
	if err != nil {
		h.logger.Error("event subscription failed", "err", err)
		return
	}

	snapshots := time.NewTicker(h.cfg.SnapshotInterval)
	defer snapshots.Stop()
	heartbeat := time.NewTicker(h.cfg.LatencyInterval)
	defer heartbeat.Stop()

	h.logger.Info("hub started",
		"snapshot_interval", h.cfg.SnapshotInterval,
		"latency_interval", h.cfg.LatencyInterval)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case sub := <-h.subscribe:
			h.addSubscription(ctx, sub)

		case sub := <-h.unsubscribe:
			h.removeSubscription(sub)

		case msg, ok := <-events:
			if !ok {
				h.logger.Error("event stream closed")
				h.closeAll()
				return
			}
			h.routeEvent(msg)

		case <-snapshots.C:
			h.broadcastSnapshots(ctx)

		case <-heartbeat.C:
			h.publishLatency(ctx)
		}
	}
}

// ============================================================
// Run-goroutine state transitions
// ============================================================

func (h *Hub) addClient(c *Client) {
	h.clients[c] = true
	metrics.GetCollector().RecordWSConnection(1)
	h.logger.Info("client connected", "client", c.id, "ip", c.ip, "total", len(h.clients))
}

func (h *Hub) removeClient(c *Client) {
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	for channel, members := range h.channels {
		if members[c] {
			delete(members, c)
			if len(members) == 0 {
				delete(h.channels, channel)
			}
			metrics.GetCollector().SetSubscriptions(channel, len(members))
		}
	}

	h.releaseIP(c.ip)
	c.shutdown()
	metrics.GetCollector().RecordWSConnection(-1)
	h.logger.Info("client disconnected", "client", c.id, "total", len(h.clients))
}

func (h *Hub) addSubscription(ctx context.Context, sub subscription) {
	c, channel := sub.client, sub.channel
	if !h.clients[c] {
		return
	}

	members := h.channels[channel]
	if members == nil {
		members = make(map[*Client]bool)
		h.channels[channel] = members
	}
	if !members[c] && h.cfg.MaxSubscriptions > 0 && c.subscriptionCount() >= h.cfg.MaxSubscriptions {
		c.queueSend(errorPayload("subscription_limit", "too many subscriptions"))
		return
	}
	members[c] = true
	c.trackSubscribe(channel)
	metrics.GetCollector().SetSubscriptions(channel, len(members))

	// Subscribing is idempotent; the confirmation is re-sent either way.
	c.queueSend(subscriptionPayload(channel, "subscribed"))

	// Orderbook subscribers get a snapshot immediately rather than waiting
	// out the ticker.
	if symbol, ok := orderbookSymbol(channel); ok {
		if payload := h.snapshotPayload(ctx, symbol); payload != nil {
			c.queueSend(payload)
		}
	}
}

func (h *Hub) removeSubscription(sub subscription) {
	c, channel := sub.client, sub.channel
	if members := h.channels[channel]; members != nil && members[c] {
		delete(members, c)
		if len(members) == 0 {
			delete(h.channels, channel)
		}
		metrics.GetCollector().SetSubscriptions(channel, len(members))
	}
	c.trackUnsubscribe(channel)
	if h.clients[c] {
		c.queueSend(subscriptionPayload(channel, "unsubscribed"))
	}
}

func (h *Hub) closeAll() {
	for c := range h.clients {
		c.shutdown()
		metrics.GetCollector().RecordWSConnection(-1)
	}
	h.clients = make(map[*Client]bool)
	h.channels = make(map[string]map[*Client]bool)

	h.ipMu.Lock()
	h.perIP = make(map[string]int)
	h.ipMu.Unlock()

	h.logger.Info("hub stopped")
}

// ============================================================
// Event routing
// ============================================================

// routeEvent forwards one store pub/sub delivery to every session
// subscribed to its channel. Trades and notifications ride the deep queue;
// everything else rides the snapshot queue.
func (h *Hub) routeEvent(msg store.Message) {
	members := h.channels[msg.Channel]
	if len(members) == 0 {
		return
	}
	metrics.GetCollector().RecordWSMessage(msg.Channel)

	critical := strings.HasPrefix(msg.Channel, "trades:") ||
		msg.Channel == obtypes.TopicNotifications
	for c := range members {
		if critical {
			h.deliverCritical(c, msg.Payload)
		} else {
			c.queueSend(msg.Payload)
		}
	}
}

// deliverCritical enqueues onto the trade queue. A full trade queue means
// the consumer is hopelessly behind; losing the connection is recoverable,
// losing an execution report is not.
func (h *Hub) deliverCritical(c *Client, payload []byte) {
	if !c.queueTrade(payload) {
		metrics.GetCollector().RecordWSDrop("trades")
		h.logger.Error("trade queue overflow, dropping client", "client", c.id)
		h.removeClient(c)
	}
}

// broadcastSnapshots re-sends the lit book for every symbol that currently
// has at least one orderbook subscriber.
func (h *Hub) broadcastSnapshots(ctx context.Context) {
	for channel, members := range h.channels {
		symbol, ok := orderbookSymbol(channel)
		if !ok || len(members) == 0 {
			continue
		}
		payload := h.snapshotPayload(ctx, symbol)
		if payload == nil {
			continue
		}
		for c := range members {
			c.queueSend(payload)
		}
	}
}

func (h *Hub) snapshotPayload(ctx context.Context, symbol string) []byte {
	snap, err := h.books.Depth(ctx, symbol, obtypes.VenueLit, h.cfg.SnapshotDepth)
	if err != nil {
		h.logger.Error("depth snapshot failed", "symbol", symbol, "err", err)
		return nil
	}
	h.observeBook(ctx, snap)
	payload, err := json.Marshal(obtypes.NewOrderbookEvent(snap))
	if err != nil {
		h.logger.Error("snapshot encode failed", "symbol", symbol, "err", err)
		return nil
	}
	return payload
}

// observeBook refreshes the lit book gauges from the snapshot just taken.
// Dark books stay opaque; only their aggregate counts show up via the
// darkpool status endpoint.
func (h *Hub) observeBook(ctx context.Context, snap *obtypes.BookSnapshot) {
	col := metrics.GetCollector()
	col.SetBookDepth(snap.Symbol, string(snap.Venue), string(obtypes.SideBuy), len(snap.Bids))
	col.SetBookDepth(snap.Symbol, string(snap.Venue), string(obtypes.SideSell), len(snap.Asks))
	if len(snap.Bids) > 0 && len(snap.Asks) > 0 {
		bid, ask := snap.Bids[0].Price, snap.Asks[0].Price
		mid := bid.Add(ask).QuoInt64(2)
		if mid.IsPositive() {
			bps, _ := ask.Sub(bid).Quo(mid).MulInt64(10000).Float64()
			col.SetSpread(snap.Symbol, bps)
		}
	}
	if bids, asks, err := h.books.BookSize(ctx, snap.Venue, snap.Symbol); err == nil {
		col.SetActiveOrders(snap.Symbol, string(snap.Venue), int(bids+asks))
	}
}

// publishLatency samples the store round-trip and broadcasts the moving
// average on the system channel. Going through store.Publish keeps every
// hub instance consistent with other publishers.
func (h *Hub) publishLatency(ctx context.Context) {
	start := time.Now()
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Error("latency probe failed", "err", err)
		return
	}
	sample := float64(time.Since(start).Microseconds()) / 1000.0

	h.latency = append(h.latency, sample)
	if len(h.latency) > latencySamples {
		h.latency = h.latency[len(h.latency)-latencySamples:]
	}
	var sum float64
	for _, v := range h.latency {
		sum += v
	}
	avg := sum / float64(len(h.latency))
	metrics.GetCollector().SetStorePing(avg)

	payload, err := json.Marshal(obtypes.NewLatencyEvent(avg))
	if err != nil {
		return
	}
	if err := h.store.Publish(ctx, obtypes.TopicSystem, payload); err != nil {
		h.logger.Error("latency publish failed", "err", err)
	}
}

// ============================================================
// Helpers
// ============================================================

func orderbookSymbol(channel string) (string, bool) {
	const prefix = "orderbook:"
	if !strings.HasPrefix(channel, prefix) {
		return "", false
	}
	symbol := channel[len(prefix):]
	return symbol, symbol != ""
}

func subscriptionPayload(channel, status string) []byte {
	payload, _ := json.Marshal(map[string]any{
		"type":      "subscription",
		"channel":   channel,
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
	return payload
}

func errorPayload(code, message string) []byte {
	payload, _ := json.Marshal(obtypes.NewErrorEvent(code, message))
	return payload
}

