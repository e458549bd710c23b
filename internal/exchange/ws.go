// ws.go implements the combined-stream WebSocket feeds for real-time
// futures market data.
//
// Three stream kinds are consumed per symbol:
//
//   - {sym}@kline_1m    — 1-minute candlesticks (volume + trade counts)
//   - {sym}@depth       — incremental order book updates (density tracker)
//   - {sym}@bookTicker  — best bid/ask (density mid-price reference)
//
// The exchange caps streams per connection, so Streams splits the
// universe into groups and runs one Feed (one socket) per group. Feeds
// auto-reconnect with exponential backoff (1s → 30s max); the whole set
// is torn down and rebuilt on every universe refresh, which also serves
// as the pre-emptive re-dial before the server's session age limit.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"futures-screener/internal/config"
	"futures-screener/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING frames
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing frames

	klineBufferSize  = 1024
	depthBufferSize  = 4096 // depth updates dominate traffic
	tickerBufferSize = 1024
)

// Streams owns the full set of market-data sockets. It fetches the
// symbol universe, fans it out across Feeds, and republishes their
// events on shared typed channels.
type Streams struct {
	wsBaseURL string
	perConn   int
	refresh   time.Duration
	client    *Client

	klineCh  chan types.KlineEvent
	depthCh  chan types.DepthEvent
	tickerCh chan types.BookTickerEvent

	logger *slog.Logger
}

// NewStreams creates the stream manager. Feeds are not dialed until Run.
func NewStreams(cfg config.ExchangeConfig, client *Client, logger *slog.Logger) *Streams {
	return &Streams{
		wsBaseURL: cfg.WSBaseURL,
		perConn:   cfg.StreamsPerConn,
		refresh:   cfg.UniverseRefresh,
		client:    client,
		klineCh:   make(chan types.KlineEvent, klineBufferSize),
		depthCh:   make(chan types.DepthEvent, depthBufferSize),
		tickerCh:  make(chan types.BookTickerEvent, tickerBufferSize),
		logger:    logger.With("component", "ws"),
	}
}

// Klines returns a read-only channel of kline events.
func (s *Streams) Klines() <-chan types.KlineEvent { return s.klineCh }

// Depths returns a read-only channel of depth update events.
func (s *Streams) Depths() <-chan types.DepthEvent { return s.depthCh }

// BookTickers returns a read-only channel of best bid/ask events.
func (s *Streams) BookTickers() <-chan types.BookTickerEvent { return s.tickerCh }

// Run builds the stream groups and keeps them connected. On every
// refresh interval the universe is re-fetched and all sockets are
// recycled against the new stream list. Blocks until ctx is cancelled.
func (s *Streams) Run(ctx context.Context) error {
	for {
		symbols, err := s.client.Universe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("universe fetch failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}

		groups := groupStreams(streamNames(symbols), s.perConn)
		s.logger.Info("starting stream groups", "symbols", len(symbols), "sockets", len(groups))

		groupCtx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		for _, group := range groups {
			feed := newFeed(s.wsBaseURL, group, s)
			wg.Add(1)
			go func() {
				defer wg.Done()
				feed.run(groupCtx)
			}()
		}

		select {
		case <-ctx.Done():
			cancel()
			wg.Wait()
			return ctx.Err()
		case <-time.After(s.refresh):
			cancel()
			wg.Wait()
		}
	}
}

// streamNames expands symbols into the three per-symbol stream names.
func streamNames(symbols []string) []string {
	out := make([]string, 0, len(symbols)*3)
	for _, sym := range symbols {
		lower := strings.ToLower(sym)
		out = append(out, lower+"@kline_1m", lower+"@depth", lower+"@bookTicker")
	}
	return out
}

// groupStreams splits streams into chunks of at most perConn entries.
func groupStreams(streams []string, perConn int) [][]string {
	if perConn <= 0 {
		perConn = 1
	}
	var groups [][]string
	for start := 0; start < len(streams); start += perConn {
		end := start + perConn
		if end > len(streams) {
			end = len(streams)
		}
		groups = append(groups, streams[start:end])
	}
	return groups
}

// feed manages a single combined-stream socket for a fixed stream list.
type feed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn writes
	owner  *Streams
	logger *slog.Logger
}

func newFeed(wsBaseURL string, streams []string, owner *Streams) *feed {
	return &feed{
		url:    wsBaseURL + "/stream?streams=" + strings.Join(streams, "/"),
		owner:  owner,
		logger: owner.logger.With("streams", len(streams)),
	}
}

// run connects and maintains the socket with auto-reconnect.
// Returns when ctx is cancelled.
func (f *feed) run(ctx context.Context) {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (f *feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	f.logger.Info("websocket connected")

	// Start ping goroutine
	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if the server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

// dispatchMessage routes one combined-stream envelope to its typed
// channel. Full channels drop the event; consumers reconcile from the
// store or the next update.
func (f *feed) dispatchMessage(data []byte) {
	var envelope struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	_, kind, ok := strings.Cut(envelope.Stream, "@")
	if !ok {
		f.logger.Debug("unknown stream name", "stream", envelope.Stream)
		return
	}

	switch {
	case strings.HasPrefix(kind, "kline"):
		var evt types.KlineEvent
		if err := json.Unmarshal(envelope.Data, &evt); err != nil {
			f.logger.Error("unmarshal kline event", "error", err)
			return
		}
		select {
		case f.owner.klineCh <- evt:
		default:
			f.logger.Warn("kline channel full, dropping event", "symbol", evt.Symbol)
		}

	case kind == "depth":
		var evt types.DepthEvent
		if err := json.Unmarshal(envelope.Data, &evt); err != nil {
			f.logger.Error("unmarshal depth event", "error", err)
			return
		}
		select {
		case f.owner.depthCh <- evt:
		default:
			f.logger.Warn("depth channel full, dropping event", "symbol", evt.Symbol)
		}

	case kind == "bookTicker":
		var evt types.BookTickerEvent
		if err := json.Unmarshal(envelope.Data, &evt); err != nil {
			f.logger.Error("unmarshal bookTicker event", "error", err)
			return
		}
		select {
		case f.owner.tickerCh <- evt:
		default:
			f.logger.Warn("bookTicker channel full, dropping event", "symbol", evt.Symbol)
		}

	default:
		f.logger.Debug("unknown ws stream kind", "kind", kind)
	}
}

func (f *feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
