// leaves.go builds the per-module evaluators. Each factory turns a
// parsed condition into an eval closure over the store; the shared leaf
// type handles publication and scheduling.
package listener

import (
	"context"
	"fmt"
	"math"
	"time"

	"futures-screener/internal/alert"
	"futures-screener/pkg/types"
)

// oiHistory is the lookback for the OI-deviation median.
const oiHistory = 24 * time.Hour

// pollIntervals fixes each module's evaluation cadence. Heavier queries
// evaluate less often; the composite's tick period is the minimum over
// its leaves.
var pollIntervals = map[string]time.Duration{
	"price":         5 * time.Second,
	"volume":        15 * time.Second,
	"volume_change": 15 * time.Second,
	"order_num":     30 * time.Second,
	"oi":            60 * time.Second,
	"oi_sum":        60 * time.Second,
	"funding":       30 * time.Second,
	"order":         5 * time.Second,
}

// newLeaf builds the evaluator for one condition. The condition has
// already passed arity checks in the parser; unknown modules here mean
// the parser and this table drifted apart.
func newLeaf(cond *alert.Condition, store Store) (*leaf, error) {
	interval, ok := pollIntervals[cond.Module]
	if !ok {
		return nil, fmt.Errorf("no evaluator for module %q", cond.Module)
	}

	var eval func(ctx context.Context) (types.SymbolSet, error)
	switch cond.Module {
	case "price":
		eval = priceEval(store, cond.Op, cond.Params[0], seconds(cond.Params[1]))
	case "volume":
		eval = volumeEval(store, cond.Op, cond.Params[0], seconds(cond.Params[1]))
	case "volume_change":
		eval = twoWindowEval(store, types.FamilyVolume, cond.Op, cond.Params[0], seconds(cond.Params[1]))
	case "order_num":
		eval = twoWindowEval(store, types.FamilyTradeCount, cond.Op, cond.Params[0], seconds(cond.Params[1]))
	case "oi":
		eval = oiDeviationEval(store, cond.Op, cond.Params[0])
	case "oi_sum":
		eval = oiAbsoluteEval(store, cond.Op, cond.Params[0])
	case "funding":
		eval = fundingEval(store, cond.Op, cond.Params[0], seconds(cond.Params[1]))
	case "order":
		eval = densityEval(store, cond.Op, cond.Params[0], cond.Params[1], seconds(cond.Params[2]))
	default:
		return nil, fmt.Errorf("no evaluator for module %q", cond.Module)
	}

	return &leaf{
		fp:       alert.Fingerprint(cond),
		interval: interval,
		eval:     eval,
	}, nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// compare applies op to a plain value/threshold pair.
func compare(op alert.Op, value, threshold float64) bool {
	switch op {
	case alert.OpGT:
		return value > threshold
	case alert.OpLT:
		return value < threshold
	case alert.OpGE:
		return value >= threshold
	case alert.OpLE:
		return value <= threshold
	case alert.OpEQ:
		return value == threshold
	case alert.OpNE:
		return value != threshold
	default:
		return false
	}
}

// bandCompare applies op to the magnitude of a signed change: '>' fires
// beyond ±threshold, '<' fires within the band.
func bandCompare(op alert.Op, change, threshold float64) bool {
	return compare(op, math.Abs(change), threshold)
}

// directionalCompare treats '<' as a drop: the change must be at or
// below −threshold. '>' keeps its plain meaning, and the equality ops
// act on the magnitude.
func directionalCompare(op alert.Op, change, threshold float64) bool {
	switch op {
	case alert.OpGT:
		return change > threshold
	case alert.OpGE:
		return change >= threshold
	case alert.OpLT:
		return change < -threshold
	case alert.OpLE:
		return change <= -threshold
	case alert.OpEQ:
		return math.Abs(change) == threshold
	case alert.OpNE:
		return math.Abs(change) != threshold
	default:
		return false
	}
}

// priceEval matches symbols whose price change over the window clears
// the percent band.
func priceEval(store Store, op alert.Op, percent float64, window time.Duration) func(context.Context) (types.SymbolSet, error) {
	return func(ctx context.Context) (types.SymbolSet, error) {
		rows, err := store.WindowChangePct(ctx, types.FamilyPrice, window)
		if err != nil {
			return nil, err
		}
		set := make(types.SymbolSet)
		for _, r := range rows {
			if bandCompare(op, r.Value, percent) {
				set.Add(r.Symbol)
			}
		}
		return set, nil
	}
}

// volumeEval matches symbols whose quote volume summed over the window
// clears the USD threshold.
func volumeEval(store Store, op alert.Op, thresholdUSD float64, window time.Duration) func(context.Context) (types.SymbolSet, error) {
	return func(ctx context.Context) (types.SymbolSet, error) {
		rows, err := store.WindowSum(ctx, types.FamilyVolume, window)
		if err != nil {
			return nil, err
		}
		set := make(types.SymbolSet)
		for _, r := range rows {
			if compare(op, r.Value, thresholdUSD) {
				set.Add(r.Symbol)
			}
		}
		return set, nil
	}
}

// twoWindowEval matches symbols whose current-window aggregate changed
// by the given percentage against the previous window. Serves both the
// volume-change and trade-count modules; '<' means a drop.
func twoWindowEval(store Store, family types.Family, op alert.Op, percent float64, window time.Duration) func(context.Context) (types.SymbolSet, error) {
	return func(ctx context.Context) (types.SymbolSet, error) {
		rows, err := store.TwoWindowSums(ctx, family, window)
		if err != nil {
			return nil, err
		}
		set := make(types.SymbolSet)
		for _, r := range rows {
			if r.Prev == 0 {
				continue
			}
			change := (r.Cur/r.Prev - 1) * 100
			if directionalCompare(op, change, percent) {
				set.Add(r.Symbol)
			}
		}
		return set, nil
	}
}

// oiDeviationEval matches symbols whose latest open interest deviates
// from its 24h median by the given percentage band.
func oiDeviationEval(store Store, op alert.Op, percent float64) func(context.Context) (types.SymbolSet, error) {
	return func(ctx context.Context) (types.SymbolSet, error) {
		latest, err := store.LatestPerSymbol(ctx, types.FamilyOpenInterest)
		if err != nil {
			return nil, err
		}
		medians, err := store.Median(ctx, types.FamilyOpenInterest, oiHistory)
		if err != nil {
			return nil, err
		}
		medianBy := make(map[string]float64, len(medians))
		for _, m := range medians {
			medianBy[m.Symbol] = m.Value
		}

		set := make(types.SymbolSet)
		for _, r := range latest {
			median, ok := medianBy[r.Symbol]
			if !ok || median == 0 {
				continue
			}
			deviation := (r.Value/median - 1) * 100
			if bandCompare(op, deviation, percent) {
				set.Add(r.Symbol)
			}
		}
		return set, nil
	}
}

// oiAbsoluteEval matches symbols whose latest open interest in USD
// clears the threshold.
func oiAbsoluteEval(store Store, op alert.Op, thresholdUSD float64) func(context.Context) (types.SymbolSet, error) {
	return func(ctx context.Context) (types.SymbolSet, error) {
		rows, err := store.LatestPerSymbol(ctx, types.FamilyOpenInterest)
		if err != nil {
			return nil, err
		}
		set := make(types.SymbolSet)
		for _, r := range rows {
			if compare(op, r.Value, thresholdUSD) {
				set.Add(r.Symbol)
			}
		}
		return set, nil
	}
}

// fundingEval matches symbols whose funding-rate magnitude (in percent)
// clears the threshold and whose next settlement is at most settleWithin
// away.
func fundingEval(store Store, op alert.Op, percent float64, settleWithin time.Duration) func(context.Context) (types.SymbolSet, error) {
	return func(ctx context.Context) (types.SymbolSet, error) {
		rows, err := store.LatestFunding(ctx)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		set := make(types.SymbolSet)
		for _, r := range rows {
			magnitude := math.Abs(r.Rate) * 100
			if !compare(op, magnitude, percent) {
				continue
			}
			if r.NextSettlement.Sub(now) > settleWithin {
				continue
			}
			set.Add(r.Symbol)
		}
		return set, nil
	}
}

// densityEval matches symbols with a live order wall of at least the
// threshold size, within maxPct of the mid, resting for minDuration.
func densityEval(store Store, op alert.Op, thresholdUSD, maxPct float64, minDuration time.Duration) func(context.Context) (types.SymbolSet, error) {
	return func(ctx context.Context) (types.SymbolSet, error) {
		records, err := store.LiveDensities(ctx)
		if err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		set := make(types.SymbolSet)
		for _, rec := range records {
			if !compare(op, rec.CurrentSizeUSD, thresholdUSD) {
				continue
			}
			if math.Abs(rec.PercentFromMarket) > maxPct {
				continue
			}
			if rec.Duration(now) < minDuration {
				continue
			}
			set.Add(rec.Symbol)
		}
		return set, nil
	}
}
