package websocket

// Connection admission. The HTTP side of the hub lives here: upgrade,
// per-IP caps and client construction. Routing stays in hub.go.

import (
	"net"
	"net/http"
	"strings"
)

// ServeWS upgrades an HTTP request and registers the session with the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if !h.tryAdmit(ip) {
		http.Error(w, "too many connections from this address", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.releaseIP(ip)
		h.logger.Error("websocket upgrade failed", "ip", ip, "err", err)
		return
	}

	client := newClient(h, conn, ip)
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// tryAdmit reserves a connection slot for ip. The slot is released when the
// hub removes the client, or by releaseIP when the upgrade never completes.
func (h *Hub) tryAdmit(ip string) bool {
	h.ipMu.Lock()
	defer h.ipMu.Unlock()
	if h.cfg.MaxClientsPerIP > 0 && h.perIP[ip] >= h.cfg.MaxClientsPerIP {
		return false
	}
	h.perIP[ip]++
	return true
}

func (h *Hub) releaseIP(ip string) {
	h.ipMu.Lock()
	defer h.ipMu.Unlock()
	if h.perIP[ip] <= 1 {
		delete(h.perIP, ip)
	} else {
		h.perIP[ip]--
	}
}

// ConnectionsFor reports the live connection count for one address.
func (h *Hub) ConnectionsFor(ip string) int {
	h.ipMu.Lock()
	defer h.ipMu.Unlock()
	return h.perIP[ip]
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
