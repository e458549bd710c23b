package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"futures-screener/internal/exchange"
	"futures-screener/internal/metrics"
	"futures-screener/pkg/types"
)

// runTrades polls per-symbol klines for trade counts. The universe fan-out
// is bounded by a channel semaphore so one sweep never floods the budget.
func (r *Runner) runTrades(ctx context.Context) {
	pollLoop(ctx, r.logger, "trade_counts", r.cfg.TradesInterval, r.pollTrades)
}

func (r *Runner) pollTrades(ctx context.Context) error {
	symbols, err := r.client.Universe(ctx)
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		rows []types.SeriesRow
		wg   sync.WaitGroup
		sem  = make(chan struct{}, r.cfg.TradesConcurrency)
	)

	for _, sym := range symbols {
		if r.client.Blacklisted(sym) {
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}

		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			defer func() { <-sem }()

			bars, err := r.client.Klines(ctx, sym, "1m", 2)
			if err != nil {
				if !errors.Is(err, exchange.ErrSymbolRejected) && ctx.Err() == nil {
					r.logger.Warn("trade count fetch failed", "symbol", sym, "error", err)
				}
				return
			}
			row, ok := lastClosedTradeCount(sym, bars, time.Now().UTC())
			if !ok {
				return
			}
			mu.Lock()
			rows = append(rows, row)
			mu.Unlock()
		}(sym)
	}
	wg.Wait()

	if len(rows) == 0 {
		return nil
	}
	if err := r.store.UpsertSeries(ctx, types.FamilyTradeCount, rows); err != nil {
		return err
	}
	metrics.IngestRows.WithLabelValues(string(types.FamilyTradeCount)).Add(float64(len(rows)))
	return nil
}

// lastClosedTradeCount picks the newest bar that has actually closed.
// The exchange returns bars oldest-first with the in-progress bar last;
// its trade count is still moving, so it must not be stored.
func lastClosedTradeCount(symbol string, bars []exchange.Bar, now time.Time) (types.SeriesRow, bool) {
	for i := len(bars) - 1; i >= 0; i-- {
		if bars[i].CloseTime.After(now) {
			continue
		}
		return types.SeriesRow{
			Ts:     bars[i].CloseTime,
			Symbol: symbol,
			Value:  float64(bars[i].Trades),
		}, true
	}
	return types.SeriesRow{}, false
}
