// Futures Screener — a crypto derivatives market screener that watches
// every USDT perpetual on the exchange and alerts users when composite
// market conditions fire.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	ingest/              — REST polling pipelines: prices, volumes, trade counts, open interest, funding
//	exchange/client.go   — rate-limited REST client for the futures API with a symbol blacklist
//	exchange/ws.go       — multiplexed WebSocket streams (klines, depth, book tickers) with auto-reconnect
//	density/tracker.go   — in-memory map of large resting orders within ±10% of mid, flushed to the store
//	storage/             — PostgreSQL rolling history: five series tables plus order densities
//	alert/               — expression parser: leaf conditions, & | composition, @cooldown suffix
//	listener/            — shared leaf listeners, one evaluation goroutine per distinct condition
//	engine/              — composite registry and tick scheduler; fires notifications on match
//	notify/              — delivery fan-out: Telegram sink plus the WebSocket push hub
//	telegram/bot.go      — chat command adapter (/alert, /alerts, /unsubscribe, ...)
//	api/                 — HTTP/WS surface: alert CRUD, notification push, density live feed, metrics
//
// How screening works:
//
//	Ingestion keeps a rolling window of market data per instrument in
//	PostgreSQL. Users subscribe to Boolean expressions over that data
//	("price > 5 & volume > 1000000 @300"). Identical conditions share
//	one leaf listener; identical expressions share one composite. The
//	scheduler re-evaluates due composites against the leaves' matched
//	sets and pushes notifications to every subscriber over Telegram and
//	WebSocket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"futures-screener/internal/api"
	"futures-screener/internal/config"
	"futures-screener/internal/density"
	"futures-screener/internal/engine"
	"futures-screener/internal/exchange"
	"futures-screener/internal/ingest"
	"futures-screener/internal/listener"
	"futures-screener/internal/notify"
	"futures-screener/internal/storage"
	"futures-screener/internal/telegram"
)

func main() {
	// Secrets come from the environment; .env is a dev convenience.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("SCREENER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store must be reachable at bootstrap; everything downstream
	// assumes it.
	store, err := storage.Open(cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	if err := store.Ping(ctx); err != nil {
		logger.Error("store unreachable", "error", err, "host", cfg.Database.Host)
		os.Exit(1)
	}

	client := exchange.NewClient(cfg.Exchange, logger)
	streams := exchange.NewStreams(cfg.Exchange, client, logger)
	tracker := density.NewTracker(cfg.Density, store, streams.Depths(), streams.BookTickers(), logger)
	leaves := listener.NewRegistry(store, logger)
	notifier := notify.NewNotifier(logger)
	eng := engine.New(cfg.Engine, leaves, notifier, logger)
	runner := ingest.NewRunner(cfg.Ingest, store, client, streams, logger)

	server := api.NewServer(cfg.Server, eng, tracker, logger)
	notifier.Register(server.PushSink())

	var bot *telegram.Bot
	if cfg.Telegram.Enabled {
		sink := notify.NewTelegram(cfg.Telegram, logger)
		notifier.Register(sink)
		bot = telegram.NewBot(cfg.Telegram, eng, sink, logger)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := streams.Run(ctx); err != nil {
			logger.Error("websocket streams stopped", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		tracker.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runner.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		server.Run(ctx)
	}()

	if bot != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bot.Run(ctx)
		}()
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	logger.Info("futures screener started",
		"api", fmt.Sprintf("http://localhost:%d", cfg.Server.Port),
		"telegram", cfg.Telegram.Enabled,
		"base_step", cfg.Engine.BaseStep,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	if err := server.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	wg.Wait()
	leaves.Close()
	if err := store.Close(); err != nil {
		logger.Error("failed to close store", "error", err)
	}

	logger.Info("futures screener stopped")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
