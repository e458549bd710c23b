package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"futures-screener/internal/notify"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendQueueSize  = 64
)

// AlertHub fans alert notifications out to the WebSocket connections of
// each subscribed user. It satisfies the notification sink contract, so
// the engine treats it like any other delivery channel; a user may hold
// several connections and each gets every notification.
type AlertHub struct {
	alerts Alerts
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[int64]map[*pushConn]struct{}
}

// pushConn is one user WebSocket. Writes go through a buffered send
// queue drained by writePump; enqueue and shut coordinate over closed so
// a drop from either side never writes to a closed channel.
type pushConn struct {
	hub    *AlertHub
	userID int64
	conn   *websocket.Conn

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

// pushMessage is the outbound alert frame.
type pushMessage struct {
	Type string `json:"type"`
	notify.Notification
}

// inboundMessage is the client-to-server frame; only Type matters. The
// density feed decodes the same shape from msgpack consumers.
type inboundMessage struct {
	Type string `json:"type" msgpack:"type"`
}

func NewAlertHub(alerts Alerts, logger *slog.Logger) *AlertHub {
	return &AlertHub{
		alerts: alerts,
		logger: logger.With("component", "alert-hub"),
		conns:  make(map[int64]map[*pushConn]struct{}),
	}
}

// Name implements the sink contract.
func (h *AlertHub) Name() string { return "websocket" }

// Send enqueues the notification on every open connection of userID. A
// user with no connections is fine; a connection that cannot keep up is
// dropped rather than blocked on.
func (h *AlertHub) Send(ctx context.Context, userID int64, n notify.Notification) error {
	payload, err := json.Marshal(pushMessage{Type: "alert", Notification: n})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	h.mu.RLock()
	targets := make([]*pushConn, 0, len(h.conns[userID]))
	for c := range h.conns[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(payload) {
			h.logger.Warn("push client too slow, dropping", "user_id", userID)
			h.unregister(c)
		}
	}
	return nil
}

// attach wraps an upgraded connection and starts its pumps.
func (h *AlertHub) attach(userID int64, conn *websocket.Conn) {
	c := &pushConn{
		hub:    h,
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
	}

	h.mu.Lock()
	set, ok := h.conns[userID]
	if !ok {
		set = make(map[*pushConn]struct{})
		h.conns[userID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("push client connected", "user_id", userID)

	go c.writePump()
	go c.readPump()
}

func (h *AlertHub) unregister(c *pushConn) {
	h.mu.Lock()
	removed := false
	if set, ok := h.conns[c.userID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			removed = true
			if len(set) == 0 {
				delete(h.conns, c.userID)
			}
		}
	}
	h.mu.Unlock()

	if removed {
		c.shut()
		h.logger.Info("push client disconnected", "user_id", c.userID)
	}
}

// closeAll drops every connection; used on server shutdown.
func (h *AlertHub) closeAll() {
	h.mu.Lock()
	targets := make([]*pushConn, 0)
	for _, set := range h.conns {
		for c := range set {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		h.unregister(c)
	}
}

// enqueue delivers payload unless the connection is closed or its queue
// is full. It reports false when the client should be dropped.
func (c *pushConn) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// shut marks the connection closed and wakes the write pump. Safe to
// call more than once.
func (c *pushConn) shut() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
	c.conn.Close()
}

// writePump drains the send queue to the socket and keeps the
// connection alive with protocol pings.
func (c *pushConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes client frames and answers the small inbound command
// set until the connection errors out.
func (c *pushConn) readPump() {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket error", "user_id", c.userID, "error", err)
			}
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		c.handleInbound(msg.Type)
	}
}

func (c *pushConn) handleInbound(kind string) {
	switch kind {
	case "ping":
		c.reply(map[string]string{"type": "pong"})
	case "get_status":
		c.reply(map[string]any{
			"type":          "status",
			"subscriptions": len(c.hub.alerts.ListUser(c.userID)),
		})
	case "get_my_alerts":
		c.reply(map[string]any{
			"type":   "alerts",
			"alerts": c.hub.alerts.ListUser(c.userID),
		})
	}
}

func (c *pushConn) reply(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	if !c.enqueue(payload) {
		c.hub.unregister(c)
	}
}
