package ingest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"futures-screener/internal/exchange"
	"futures-screener/internal/metrics"
	"futures-screener/pkg/types"
)

// runOpenInterest polls raw OI per symbol and stores it in USD, priced
// with the latest stored price for that symbol. Symbols without a stored
// price yet are skipped for the round rather than stored with a bogus
// notional.
func (r *Runner) runOpenInterest(ctx context.Context) {
	pollLoop(ctx, r.logger, "open_interest", r.cfg.OpenInterestInterval, r.pollOpenInterest)
}

func (r *Runner) pollOpenInterest(ctx context.Context) error {
	latest, err := r.store.LatestPerSymbol(ctx, types.FamilyPrice)
	if err != nil {
		return err
	}
	prices := make(map[string]float64, len(latest))
	for _, row := range latest {
		prices[row.Symbol] = row.Value
	}

	symbols, err := r.client.Universe(ctx)
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		rows []types.SeriesRow
		wg   sync.WaitGroup
		sem  = make(chan struct{}, r.cfg.OpenInterestConcurrency)
	)

	for _, sym := range symbols {
		if r.client.Blacklisted(sym) {
			continue
		}
		price, ok := prices[sym]
		if !ok || price <= 0 {
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}

		wg.Add(1)
		go func(sym string, price float64) {
			defer wg.Done()
			defer func() { <-sem }()

			oi, err := r.client.OpenInterest(ctx, sym)
			if err != nil {
				if !errors.Is(err, exchange.ErrSymbolRejected) && ctx.Err() == nil {
					r.logger.Warn("open interest fetch failed", "symbol", sym, "error", err)
				}
				return
			}
			row, ok := openInterestRow(oi, price, time.Now().UTC())
			if !ok {
				return
			}
			mu.Lock()
			rows = append(rows, row)
			mu.Unlock()
		}(sym, price)
	}
	wg.Wait()

	if len(rows) == 0 {
		return nil
	}
	if err := r.store.UpsertSeries(ctx, types.FamilyOpenInterest, rows); err != nil {
		return err
	}
	metrics.IngestRows.WithLabelValues(string(types.FamilyOpenInterest)).Add(float64(len(rows)))
	return nil
}

// openInterestRow converts a raw OI response into a USD-denominated row.
func openInterestRow(oi exchange.OpenInterest, price float64, now time.Time) (types.SeriesRow, bool) {
	raw, err := strconv.ParseFloat(oi.OpenInterest, 64)
	if err != nil || oi.Symbol == "" {
		return types.SeriesRow{}, false
	}
	ts := now
	if oi.Time > 0 {
		ts = time.UnixMilli(oi.Time).UTC()
	}
	return types.SeriesRow{Ts: ts, Symbol: oi.Symbol, Value: raw * price}, true
}
