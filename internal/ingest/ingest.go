// Package ingest runs the five market-data write pipelines:
//
//   - prices:        bulk ticker poll, every second
//   - volumes:       closed 1m klines from the WS stream, flushed in batches
//   - trade counts:  per-symbol kline fetch with bounded concurrency
//   - open interest: per-symbol OI poll, converted to USD via latest price
//   - funding:       premium-index poll (rate + next settlement)
//
// Pipelines never exit on errors. Failed iterations back off
// exponentially and per-row parse failures are logged and skipped;
// cancellation of the root context is the only way out.
package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"futures-screener/internal/config"
	"futures-screener/internal/exchange"
	"futures-screener/internal/metrics"
	"futures-screener/pkg/types"
)

// maxBackoff caps the sleep between failed iterations regardless of the
// pipeline's cadence.
const maxBackoff = 5 * time.Minute

// Store is the slice of the storage API the pipelines write through.
type Store interface {
	UpsertSeries(ctx context.Context, family types.Family, rows []types.SeriesRow) error
	UpsertFunding(ctx context.Context, rows []types.FundingRow) error
	LatestPerSymbol(ctx context.Context, family types.Family) ([]types.ValueRow, error)
}

// MarketData is the REST surface the pipelines poll.
type MarketData interface {
	Universe(ctx context.Context) ([]string, error)
	AllPrices(ctx context.Context) ([]exchange.SymbolPrice, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Bar, error)
	OpenInterest(ctx context.Context, symbol string) (exchange.OpenInterest, error)
	PremiumIndex(ctx context.Context) ([]exchange.PremiumIndex, error)
	Blacklisted(symbol string) bool
}

// KlineSource feeds the volume pipeline from the WS streams.
type KlineSource interface {
	Klines() <-chan types.KlineEvent
}

// Runner owns the pipeline goroutines.
type Runner struct {
	cfg     config.IngestConfig
	store   Store
	client  MarketData
	streams KlineSource
	logger  *slog.Logger
}

// NewRunner wires the pipelines. Nothing runs until Run.
func NewRunner(cfg config.IngestConfig, store Store, client MarketData, streams KlineSource, logger *slog.Logger) *Runner {
	return &Runner{
		cfg:     cfg,
		store:   store,
		client:  client,
		streams: streams,
		logger:  logger.With("component", "ingest"),
	}
}

// Run starts all five pipelines and blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(5)
	go func() { defer wg.Done(); r.runPrices(ctx) }()
	go func() { defer wg.Done(); r.runVolumes(ctx) }()
	go func() { defer wg.Done(); r.runTrades(ctx) }()
	go func() { defer wg.Done(); r.runOpenInterest(ctx) }()
	go func() { defer wg.Done(); r.runFunding(ctx) }()
	wg.Wait()
}

// pollLoop runs step immediately and then on its cadence until ctx is
// cancelled. Consecutive failures stretch the sleep per backoffDelay;
// any success resets the counter.
func pollLoop(ctx context.Context, logger *slog.Logger, name string, interval time.Duration, step func(context.Context) error) {
	failures := 0
	for {
		err := step(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := interval
		if err != nil {
			failures++
			metrics.IngestErrors.WithLabelValues(name).Inc()
			wait = backoffDelay(interval, failures)
			logger.Error("pipeline iteration failed",
				"pipeline", name,
				"failures", failures,
				"backoff", wait,
				"error", err,
			)
		} else {
			failures = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// backoffDelay doubles the pipeline cadence per consecutive failure, up
// to min(5×cadence, maxBackoff). From the fifth straight failure on, the
// cap itself is used as an extended sleep.
func backoffDelay(interval time.Duration, failures int) time.Duration {
	limit := 5 * interval
	if limit > maxBackoff {
		limit = maxBackoff
	}
	if failures <= 0 {
		return interval
	}
	if failures >= 5 {
		return limit
	}
	d := interval << uint(failures)
	if d > limit {
		d = limit
	}
	return d
}
