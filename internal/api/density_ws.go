package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"futures-screener/internal/density"
	"futures-screener/internal/metrics"
	"futures-screener/pkg/types"
)

// broadcastPeriod is the delta cadence of the density live feed.
const broadcastPeriod = 2 * time.Second

// Wire formats a feed consumer can negotiate at connect time.
const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

// SnapshotSource supplies the current density map. Implemented by the
// density tracker.
type SnapshotSource interface {
	Snapshot() map[types.LevelKey]types.DensityRecord
}

// DensityHub maintains the consumer-visible density state and pushes
// threshold-filtered deltas against it. Every consumer starts from a
// snapshot of that state, so one shared delta stream keeps them all
// consistent regardless of when they connected.
type DensityHub struct {
	source SnapshotSource
	logger *slog.Logger

	mu        sync.Mutex
	consumers map[*densityConn]struct{}
	base      map[types.LevelKey]types.DensityRecord
	sentAt    map[types.LevelKey]time.Time
}

type densityConn struct {
	hub    *DensityHub
	conn   *websocket.Conn
	format string

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

// densityMessage is the envelope for snapshot, delta and pong frames. A
// snapshot carries Densities; a delta carries Add/Update/Remove.
type densityMessage struct {
	Type      string                `json:"type" msgpack:"type"`
	Ts        time.Time             `json:"ts" msgpack:"ts"`
	Densities []types.DensityRecord `json:"densities,omitempty" msgpack:"densities,omitempty"`
	Add       []types.DensityRecord `json:"add,omitempty" msgpack:"add,omitempty"`
	Update    []types.DensityRecord `json:"update,omitempty" msgpack:"update,omitempty"`
	Remove    []types.LevelKey      `json:"remove,omitempty" msgpack:"remove,omitempty"`
}

func NewDensityHub(source SnapshotSource, logger *slog.Logger) *DensityHub {
	return &DensityHub{
		source:    source,
		logger:    logger.With("component", "density-hub"),
		consumers: make(map[*densityConn]struct{}),
		base:      make(map[types.LevelKey]types.DensityRecord),
		sentAt:    make(map[types.LevelKey]time.Time),
	}
}

// Run drives the delta loop until ctx is canceled, then drops every
// consumer.
func (h *DensityHub) Run(ctx context.Context) {
	h.logger.Info("density feed started", "period", broadcastPeriod)

	ticker := time.NewTicker(broadcastPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("density feed stopped")
			return
		case now := <-ticker.C:
			h.broadcast(now)
		}
	}
}

// broadcast diffs the tracker against the consumer-visible state and
// fans out one frame per wire format. With no consumers the base is left
// alone; attach reseeds it.
func (h *DensityHub) broadcast(now time.Time) {
	h.mu.Lock()
	if len(h.consumers) == 0 {
		h.mu.Unlock()
		return
	}
	delta := density.Diff(h.base, h.source.Snapshot(), h.sentAt, now)
	if delta.Empty() {
		h.mu.Unlock()
		return
	}
	delta.Apply(h.base, h.sentAt, now)
	targets := make([]*densityConn, 0, len(h.consumers))
	for c := range h.consumers {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	msg := densityMessage{
		Type:   "delta",
		Ts:     now,
		Add:    delta.Add,
		Update: delta.Update,
		Remove: delta.Remove,
	}
	frames := make(map[string][]byte, 2)
	for _, c := range targets {
		frame, ok := frames[c.format]
		if !ok {
			var err error
			frame, err = encodeDensityMessage(c.format, msg)
			if err != nil {
				h.logger.Error("encode delta failed", "format", c.format, "error", err)
				continue
			}
			frames[c.format] = frame
		}
		if !c.enqueue(frame) {
			h.logger.Warn("density consumer too slow, dropping")
			h.drop(c)
		}
	}
}

// attach registers the consumer and sends it the consumer-visible
// snapshot. The first consumer reseeds the base from the tracker, since
// the base stops advancing while nobody listens.
//
// The snapshot frame is enqueued and the consumer registered under one
// lock hold, snapshot first: a concurrent broadcast can only queue
// deltas diffed after the state this snapshot was rendered from, so the
// first frame a consumer reads is always its snapshot.
func (h *DensityHub) attach(conn *websocket.Conn, format string, now time.Time) {
	c := &densityConn{
		hub:    h,
		conn:   conn,
		format: format,
		send:   make(chan []byte, sendQueueSize),
	}

	h.mu.Lock()
	if len(h.consumers) == 0 {
		h.base = h.source.Snapshot()
		h.sentAt = make(map[types.LevelKey]time.Time, len(h.base))
		for key := range h.base {
			h.sentAt[key] = now
		}
	}
	snap := make([]types.DensityRecord, 0, len(h.base))
	for _, rec := range h.base {
		snap = append(snap, rec)
	}
	sort.Slice(snap, func(i, j int) bool {
		if snap[i].Symbol != snap[j].Symbol {
			return snap[i].Symbol < snap[j].Symbol
		}
		return snap[i].Price < snap[j].Price
	})

	frame, err := encodeDensityMessage(format, densityMessage{Type: "snapshot", Ts: now, Densities: snap})
	if err != nil {
		h.mu.Unlock()
		h.logger.Error("encode snapshot failed", "format", format, "error", err)
		conn.Close()
		return
	}
	c.enqueue(frame) // fresh queue, cannot be full
	h.consumers[c] = struct{}{}
	metrics.DensityConsumers.Set(float64(len(h.consumers)))
	h.mu.Unlock()

	h.logger.Info("density consumer connected", "format", format, "records", len(snap))

	go c.writePump()
	go c.readPump()
}

func (h *DensityHub) drop(c *densityConn) {
	h.mu.Lock()
	removed := false
	if _, ok := h.consumers[c]; ok {
		delete(h.consumers, c)
		removed = true
	}
	metrics.DensityConsumers.Set(float64(len(h.consumers)))
	h.mu.Unlock()

	if removed {
		c.shut()
		h.logger.Info("density consumer disconnected")
	}
}

func (h *DensityHub) closeAll() {
	h.mu.Lock()
	targets := make([]*densityConn, 0, len(h.consumers))
	for c := range h.consumers {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		h.drop(c)
	}
}

func encodeDensityMessage(format string, msg densityMessage) ([]byte, error) {
	if format == FormatMsgpack {
		return msgpack.Marshal(msg)
	}
	return json.Marshal(msg)
}

func (c *densityConn) enqueue(payload []byte) bool {
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

func (c *densityConn) shut() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
	c.conn.Close()
}

// writePump mirrors the alert push pump, with the message type matching
// the negotiated format: msgpack frames go out binary.
func (c *densityConn) writePump() {
	msgType := websocket.TextMessage
	if c.format == FormatMsgpack {
		msgType = websocket.BinaryMessage
	}

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
			if err := c.conn.WriteMessage(msgType, payload); err != nil {
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

// readPump answers liveness probes in the consumer's own format and
// tears the connection down on read errors.
func (c *densityConn) readPump() {
	defer c.hub.drop(c)

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
				c.hub.logger.Error("websocket error", "error", err)
			}
			return
		}

		var probe inboundMessage
		if c.format == FormatMsgpack {
			err = msgpack.Unmarshal(data, &probe)
		} else {
			err = json.Unmarshal(data, &probe)
		}
		if err != nil || probe.Type != "ping" {
			continue
		}

		frame, err := encodeDensityMessage(c.format, densityMessage{Type: "pong", Ts: time.Now()})
		if err != nil {
			continue
		}
		if !c.enqueue(frame) {
			c.hub.drop(c)
			return
		}
	}
}
