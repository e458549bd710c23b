package ingest

import (
	"context"
	"strconv"
	"time"

	"futures-screener/internal/exchange"
	"futures-screener/internal/metrics"
	"futures-screener/pkg/types"
)

// runPrices polls the bulk ticker on the configured cadence and upserts
// every parseable row immediately.
func (r *Runner) runPrices(ctx context.Context) {
	pollLoop(ctx, r.logger, "prices", r.cfg.PriceInterval, r.pollPrices)
}

func (r *Runner) pollPrices(ctx context.Context) error {
	ticks, err := r.client.AllPrices(ctx)
	if err != nil {
		return err
	}

	rows, skipped := normalizePrices(ticks, time.Now().UTC())
	if skipped > 0 {
		r.logger.Warn("skipped unparseable price rows", "count", skipped)
	}
	if err := r.store.UpsertSeries(ctx, types.FamilyPrice, rows); err != nil {
		return err
	}
	metrics.IngestRows.WithLabelValues(string(types.FamilyPrice)).Add(float64(len(rows)))
	return nil
}

// normalizePrices converts ticker rows into series rows. The exchange
// timestamp is preferred; rows without one get the poll time. Rows with
// unparseable prices are counted and dropped rather than failing the batch.
func normalizePrices(ticks []exchange.SymbolPrice, now time.Time) ([]types.SeriesRow, int) {
	rows := make([]types.SeriesRow, 0, len(ticks))
	skipped := 0
	for _, t := range ticks {
		price, err := strconv.ParseFloat(t.Price, 64)
		if err != nil || t.Symbol == "" {
			skipped++
			continue
		}
		ts := now
		if t.Time > 0 {
			ts = time.UnixMilli(t.Time).UTC()
		}
		rows = append(rows, types.SeriesRow{Ts: ts, Symbol: t.Symbol, Value: price})
	}
	return rows, skipped
}
