package ingest

import (
	"context"
	"strconv"
	"time"

	"futures-screener/internal/metrics"
	"futures-screener/pkg/types"
)

// volumeDrainTimeout bounds the final flush during shutdown.
const volumeDrainTimeout = 5 * time.Second

// runVolumes buffers closed 1-minute klines from the WS stream and
// flushes them to the store on the configured interval. In-progress bars
// (Closed=false) are ignored; only final bars become volume rows, keyed
// by the bar's close time, so reconnect replays of the same bar are
// idempotent upserts. On shutdown any buffered rows get one final
// bounded flush so closed bars are not lost.
func (r *Runner) runVolumes(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.KlineFlushInterval)
	defer ticker.Stop()

	var buf []types.SeriesRow
	for {
		select {
		case <-ctx.Done():
			if len(buf) == 0 {
				return
			}
			drainCtx, cancel := context.WithTimeout(context.Background(), volumeDrainTimeout)
			if err := r.store.UpsertSeries(drainCtx, types.FamilyVolume, buf); err != nil {
				metrics.IngestErrors.WithLabelValues("volumes").Inc()
				r.logger.Error("final volume flush failed, batch dropped", "rows", len(buf), "error", err)
			} else {
				metrics.IngestRows.WithLabelValues(string(types.FamilyVolume)).Add(float64(len(buf)))
			}
			cancel()
			return

		case evt := <-r.streams.Klines():
			row, ok := volumeRow(evt)
			if !ok {
				continue
			}
			buf = append(buf, row)

		case <-ticker.C:
			if len(buf) == 0 {
				continue
			}
			batch := buf
			buf = nil
			if err := r.store.UpsertSeries(ctx, types.FamilyVolume, batch); err != nil {
				// Store already retried once; drop the batch and keep streaming.
				metrics.IngestErrors.WithLabelValues("volumes").Inc()
				r.logger.Error("volume flush failed, batch dropped", "rows", len(batch), "error", err)
				continue
			}
			metrics.IngestRows.WithLabelValues(string(types.FamilyVolume)).Add(float64(len(batch)))
		}
	}
}

// volumeRow converts one closed kline event into a volume series row.
func volumeRow(evt types.KlineEvent) (types.SeriesRow, bool) {
	if !evt.Kline.Closed || evt.Symbol == "" {
		return types.SeriesRow{}, false
	}
	quote, err := strconv.ParseFloat(evt.Kline.QuoteVolume, 64)
	if err != nil {
		return types.SeriesRow{}, false
	}
	return types.SeriesRow{
		Ts:     time.UnixMilli(evt.Kline.CloseTime).UTC(),
		Symbol: evt.Symbol,
		Value:  quote,
	}, true
}
