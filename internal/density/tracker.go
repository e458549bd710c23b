// Package density tracks large resting orders on the books of every
// tracked instrument.
//
// The tracker consumes two interleaved stream kinds per symbol: best
// bid/ask updates, which maintain the reference mid price, and depth
// deltas, which drive the level map. A price level is tracked while its
// notional stays at or above the size floor and the level sits within
// the configured band around the mid. Every map mutation is buffered as
// a typed op and flushed to the store in batches on a fixed cadence.
package density

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"futures-screener/internal/config"
	"futures-screener/internal/metrics"
	"futures-screener/pkg/types"
)

// flushDrainTimeout bounds the final flush during shutdown.
const flushDrainTimeout = 5 * time.Second

// Store is the slice of the storage API the tracker flushes through.
type Store interface {
	ApplyDensityOps(ctx context.Context, ops []types.DensityOp) error
}

// Tracker owns the in-memory level map. All mutations happen on the Run
// goroutine; the mutex exists for Snapshot readers (the broadcast hub).
type Tracker struct {
	cfg     config.DensityConfig
	store   Store
	depths  <-chan types.DepthEvent
	tickers <-chan types.BookTickerEvent
	logger  *slog.Logger

	mu      sync.RWMutex
	mids    map[string]float64
	records map[types.LevelKey]*types.DensityRecord

	// op buffer, owned by the Run goroutine between flushes
	ops []types.DensityOp
}

// NewTracker wires the tracker to its input channels. Nothing runs
// until Run.
func NewTracker(cfg config.DensityConfig, store Store, depths <-chan types.DepthEvent, tickers <-chan types.BookTickerEvent, logger *slog.Logger) *Tracker {
	return &Tracker{
		cfg:     cfg,
		store:   store,
		depths:  depths,
		tickers: tickers,
		logger:  logger.With("component", "density"),
		mids:    make(map[string]float64),
		records: make(map[types.LevelKey]*types.DensityRecord),
	}
}

// Run consumes events and drives the flush and sweep cadences. Blocks
// until ctx is cancelled, then performs one final flush so buffered ops
// are not lost on shutdown.
func (t *Tracker) Run(ctx context.Context) {
	flush := time.NewTicker(t.cfg.FlushInterval)
	defer flush.Stop()
	stale := time.NewTicker(t.cfg.StaleSweepInterval)
	defer stale.Stop()
	band := time.NewTicker(t.cfg.BandSweepInterval)
	defer band.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), flushDrainTimeout)
			t.flush(drainCtx)
			cancel()
			return

		case evt := <-t.tickers:
			t.applyTicker(evt)

		case evt := <-t.depths:
			t.applyDepth(evt, time.Now().UTC())

		case <-flush.C:
			t.flush(ctx)

		case <-stale.C:
			t.sweepStale(time.Now().UTC())

		case <-band.C:
			t.sweepBand()
		}
	}
}

// applyTicker refreshes the symbol's reference mid price.
func (t *Tracker) applyTicker(evt types.BookTickerEvent) {
	bid, err1 := decimal.NewFromString(evt.BidPrice)
	ask, err2 := decimal.NewFromString(evt.AskPrice)
	if err1 != nil || err2 != nil || evt.Symbol == "" {
		return
	}
	if bid.Sign() <= 0 || ask.Sign() <= 0 {
		return
	}
	mid := bid.Add(ask).Div(decimal.NewFromInt(2)).InexactFloat64()

	t.mu.Lock()
	t.mids[evt.Symbol] = mid
	t.mu.Unlock()
}

// applyDepth runs the level transitions for every level in the update.
// Depth received before any mid-price reference for the symbol is
// ignored entirely.
func (t *Tracker) applyDepth(evt types.DepthEvent, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	mid := t.mids[evt.Symbol]
	if mid <= 0 {
		return
	}
	for _, lvl := range evt.Bids {
		t.applyLevel(evt.Symbol, lvl, types.LONG, mid, now)
	}
	for _, lvl := range evt.Asks {
		t.applyLevel(evt.Symbol, lvl, types.SHORT, mid, now)
	}
	metrics.DensityRecords.Set(float64(len(t.records)))
}

// applyLevel applies one observed (price, qty) to the map. Caller holds
// the write lock.
//
// Transitions, in order:
//  1. outside the band  → drop any existing record
//  2. below the floor   → drop any existing record (qty 0 lands here)
//  3. new large level   → insert
//  4. tracked level     → update size, high-water mark, touched state
func (t *Tracker) applyLevel(symbol string, lvl types.DepthLevel, side types.Side, mid float64, now time.Time) {
	price, err := decimal.NewFromString(lvl.Price())
	if err != nil || price.Sign() <= 0 {
		return
	}
	qty, err := decimal.NewFromString(lvl.Qty())
	if err != nil || qty.Sign() < 0 {
		return
	}

	priceF := price.InexactFloat64()
	key := types.LevelKey{Symbol: symbol, Price: priceF}
	pct := (priceF/mid - 1) * 100
	notional := price.Mul(qty).InexactFloat64()

	rec, exists := t.records[key]
	switch {
	case math.Abs(pct) > t.cfg.BandPct:
		if exists {
			t.drop(key, rec)
		}

	case notional < t.cfg.MinSizeUSD:
		if exists {
			t.drop(key, rec)
		}

	case !exists:
		fresh := &types.DensityRecord{
			Symbol:            symbol,
			Price:             priceF,
			Side:              side,
			CurrentSizeUSD:    notional,
			MaxSizeUSD:        notional,
			PercentFromMarket: pct,
			FirstSeen:         now,
			LastUpdated:       now,
		}
		t.records[key] = fresh
		t.ops = append(t.ops, types.DensityOp{Kind: types.OpInsert, Record: *fresh})

	default:
		rec.CurrentSizeUSD = notional
		if notional > rec.MaxSizeUSD {
			rec.MaxSizeUSD = notional
		}
		rec.Touched = rec.CurrentSizeUSD < rec.MaxSizeUSD
		if rec.Touched {
			rec.ReductionUSD = rec.MaxSizeUSD - rec.CurrentSizeUSD
		} else {
			rec.ReductionUSD = 0
		}
		rec.Side = side
		rec.PercentFromMarket = pct
		rec.LastUpdated = now
		t.ops = append(t.ops, types.DensityOp{Kind: types.OpUpdate, Record: *rec})
	}
}

// drop removes a record and buffers its DELETE. Caller holds the write lock.
func (t *Tracker) drop(key types.LevelKey, rec *types.DensityRecord) {
	delete(t.records, key)
	t.ops = append(t.ops, types.DensityOp{Kind: types.OpDelete, Record: *rec})
}

// flush hands the buffered ops to the store. A batch that still fails
// after the store's internal retry is dropped; the map remains the
// source of truth and subsequent updates re-converge the table.
func (t *Tracker) flush(ctx context.Context) {
	if len(t.ops) == 0 {
		return
	}
	batch := t.ops
	t.ops = nil

	if err := t.store.ApplyDensityOps(ctx, batch); err != nil {
		t.logger.Error("density flush failed, batch dropped", "ops", len(batch), "error", err)
	}
}

// sweepStale drops records with no book update for StaleAfter.
func (t *Tracker) sweepStale(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, rec := range t.records {
		if now.Sub(rec.LastUpdated) > t.cfg.StaleAfter {
			t.drop(key, rec)
			removed++
		}
	}
	if removed > 0 {
		t.logger.Info("stale densities swept", "removed", removed)
	}
	metrics.DensityRecords.Set(float64(len(t.records)))
}

// sweepBand drops records that drifted outside the band under the
// latest mid. Symbols without a current mid are left alone; the stale
// sweep handles dead symbols.
func (t *Tracker) sweepBand() {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, rec := range t.records {
		mid := t.mids[rec.Symbol]
		if mid <= 0 {
			continue
		}
		pct := (rec.Price/mid - 1) * 100
		if math.Abs(pct) > t.cfg.BandPct {
			t.drop(key, rec)
			removed++
		}
	}
	if removed > 0 {
		t.logger.Info("out-of-band densities swept", "removed", removed)
	}
	metrics.DensityRecords.Set(float64(len(t.records)))
}

// Snapshot returns a value copy of the current map for broadcast diffing.
func (t *Tracker) Snapshot() map[types.LevelKey]types.DensityRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[types.LevelKey]types.DensityRecord, len(t.records))
	for key, rec := range t.records {
		out[key] = *rec
	}
	return out
}
