package ingest

import (
	"context"
	"strconv"
	"time"

	"futures-screener/internal/exchange"
	"futures-screener/internal/metrics"
	"futures-screener/pkg/types"
)

// runFunding polls the premium index for every symbol in one call and
// stores the raw funding rate together with the next settlement time.
func (r *Runner) runFunding(ctx context.Context) {
	pollLoop(ctx, r.logger, "funding", r.cfg.FundingInterval, r.pollFunding)
}

func (r *Runner) pollFunding(ctx context.Context) error {
	idx, err := r.client.PremiumIndex(ctx)
	if err != nil {
		return err
	}

	rows, skipped := normalizeFunding(idx, time.Now().UTC())
	if skipped > 0 {
		r.logger.Warn("skipped unparseable funding rows", "count", skipped)
	}
	if err := r.store.UpsertFunding(ctx, rows); err != nil {
		return err
	}
	metrics.IngestRows.WithLabelValues("funding").Add(float64(len(rows)))
	return nil
}

// normalizeFunding converts premium-index entries into funding rows.
// Entries without a parseable rate or a settlement time are dropped.
func normalizeFunding(idx []exchange.PremiumIndex, now time.Time) ([]types.FundingRow, int) {
	rows := make([]types.FundingRow, 0, len(idx))
	skipped := 0
	for _, p := range idx {
		rate, err := strconv.ParseFloat(p.LastFundingRate, 64)
		if err != nil || p.Symbol == "" || p.NextFundingTime <= 0 {
			skipped++
			continue
		}
		ts := now
		if p.Time > 0 {
			ts = time.UnixMilli(p.Time).UTC()
		}
		rows = append(rows, types.FundingRow{
			Ts:             ts,
			Symbol:         p.Symbol,
			Rate:           rate,
			NextSettlement: time.UnixMilli(p.NextFundingTime).UTC(),
		})
	}
	return rows, skipped
}
