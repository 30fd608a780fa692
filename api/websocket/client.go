package websocket

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openalpha/oes/metrics"
	obtypes "github.com/openalpha/oes/x/orderbook/types"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 30 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	// Inbound messages per second before the session is told to slow down.
	inboundRateLimit = 100
)

// Client is one websocket session. The hub owns the subscription routing;
// the client owns the socket and its two outbound queues.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// send carries snapshots, system events and control replies. Bounded;
	// overflow drops the oldest entry.
	send chan []byte
	// sendTrades carries trades and notifications. Deep; overflow
	// disconnects the session.
	sendTrades chan []byte

	id string
	ip string

	subMu         sync.Mutex
	subscriptions map[string]bool

	// Guards the queues against enqueue-after-close. The hub shuts a
	// client down on its own goroutine while readPump may still be
	// queueing replies.
	sendMu sync.Mutex
	closed bool

	rateMu       sync.Mutex
	messageCount int
	lastReset    time.Time

	connectedAt time.Time
	lastSeen    time.Time
}

// clientMessage is the inbound request envelope. Original-protocol clients
// send "action" instead of "type"; both are accepted.
type clientMessage struct {
	Type    string `json:"type"`
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

func (m *clientMessage) kind() string {
	if m.Type != "" {
		return m.Type
	}
	return m.Action
}

func newClient(hub *Hub, conn *websocket.Conn, ip string) *Client {
	now := time.Now()
	return &Client{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, hub.cfg.SendBuffer),
		sendTrades:    make(chan []byte, hub.cfg.TradeBuffer),
		id:            "ws-" + uuid.New().String()[:8],
		ip:            ip,
		subscriptions: make(map[string]bool),
		lastReset:     now,
		connectedAt:   now,
		lastSeen:      now,
	}
}

// readPump reads client requests until the connection drops, then tells the
// hub to forget the session.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket read failed", "client", c.id, "err", err)
			}
			return
		}
		c.lastSeen = time.Now()

		if !c.withinRateLimit() {
			c.queueSend(errorPayload("rate_limit", "too many messages, slow down"))
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.queueSend(errorPayload("invalid_message", "failed to parse message"))
			continue
		}
		c.handleMessage(&msg)
	}
}

// writePump drains both outbound queues onto the socket and keeps the peer
// alive with pings. It exits when the hub closes the queues or a write
// fails, closing the connection either way.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.sendTrades:
			if !c.writeFrame(message, ok, c.sendTrades) {
				return
			}

		case message, ok := <-c.send:
			if !c.writeFrame(message, ok, c.send) {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeFrame writes one message plus whatever else is already queued on the
// same channel, newline separated. Returns false when the pump should exit.
func (c *Client) writeFrame(message []byte, ok bool, queue chan []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if !ok {
		_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
		return false
	}

	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return false
	}
	_, _ = w.Write(message)

	n := len(queue)
	for i := 0; i < n; i++ {
		more, ok := <-queue
		if !ok {
			break
		}
		_, _ = w.Write([]byte{'\n'})
		_, _ = w.Write(more)
	}
	return w.Close() == nil
}

// ============================================================
// Inbound requests
// ============================================================

func (c *Client) handleMessage(msg *clientMessage) {
	switch msg.kind() {
	case "subscribe":
		c.handleSubscribe(msg.Channel)
	case "unsubscribe":
		c.handleUnsubscribe(msg.Channel)
	case "ping":
		c.queueSend(pongPayload())
	default:
		c.queueSend(errorPayload("unknown_type", "unknown message type: "+msg.kind()))
	}
}

func (c *Client) handleSubscribe(channel string) {
	if !validChannel(channel) {
		c.queueSend(errorPayload("invalid_channel", "unknown channel: "+channel))
		return
	}
	c.hub.subscribe <- subscription{client: c, channel: channel}
}

func (c *Client) handleUnsubscribe(channel string) {
	if !validChannel(channel) {
		c.queueSend(errorPayload("invalid_channel", "unknown channel: "+channel))
		return
	}
	c.hub.unsubscribe <- subscription{client: c, channel: channel}
}

// validChannel accepts the four channel families clients may follow.
func validChannel(channel string) bool {
	if channel == obtypes.TopicNotifications || channel == obtypes.TopicSystem {
		return true
	}
	if _, ok := orderbookSymbol(channel); ok {
		return true
	}
	const trades = "trades:"
	return strings.HasPrefix(channel, trades) && len(channel) > len(trades)
}

func (c *Client) withinRateLimit() bool {
	c.rateMu.Lock()
	defer c.rateMu.Unlock()

	now := time.Now()
	if now.Sub(c.lastReset) >= time.Second {
		c.messageCount = 0
		c.lastReset = now
	}
	c.messageCount++
	return c.messageCount <= inboundRateLimit
}

// ============================================================
// Outbound queues
// ============================================================

// queueSend enqueues onto the bounded queue, evicting the oldest entry when
// full. Snapshots supersede each other, so losing an old one is harmless.
func (c *Client) queueSend(payload []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}

	select {
	case c.send <- payload:
		return
	default:
	}
	select {
	case <-c.send:
		metrics.GetCollector().RecordWSDrop("send")
	default:
	}
	select {
	case c.send <- payload:
	default:
	}
}

// queueTrade enqueues onto the trade queue. Reports false when the queue is
// full so the hub can disconnect the laggard; a closed client reports true
// because there is nothing left to do.
func (c *Client) queueTrade(payload []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return true
	}

	select {
	case c.sendTrades <- payload:
		return true
	default:
		return false
	}
}

// shutdown closes both queues exactly once. Later enqueue attempts become
// no-ops.
func (c *Client) shutdown() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	close(c.sendTrades)
}

// ============================================================
// Subscription bookkeeping (hub-owned counters)
// ============================================================

func (c *Client) trackSubscribe(channel string) {
	c.subMu.Lock()
	c.subscriptions[channel] = true
	c.subMu.Unlock()
}

func (c *Client) trackUnsubscribe(channel string) {
	c.subMu.Lock()
	delete(c.subscriptions, channel)
	c.subMu.Unlock()
}

func (c *Client) subscriptionCount() int {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return len(c.subscriptions)
}

// Subscriptions returns a copy of the client's channel set.
func (c *Client) Subscriptions() []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	subs := make([]string, 0, len(c.subscriptions))
	for channel := range c.subscriptions {
		subs = append(subs, channel)
	}
	return subs
}

func pongPayload() []byte {
	payload, _ := json.Marshal(map[string]any{
		"type":      "pong",
		"timestamp": time.Now().UTC(),
	})
	return payload
}
