package density

import (
	"sort"
	"time"

	"futures-screener/pkg/types"
)

// Broadcast thresholds. A record is re-sent only once it has moved
// enough for a feed consumer to care.
const (
	deltaSizeUSD      = 1000.0
	deltaReductionUSD = 1000.0
	deltaDuration     = 10 * time.Second
)

// Delta is one live-feed frame: records that appeared, records that
// changed materially, and keys that went away since the consumer-visible
// state last advanced.
type Delta struct {
	Add    []types.DensityRecord `json:"add" msgpack:"add"`
	Update []types.DensityRecord `json:"update" msgpack:"update"`
	Remove []types.LevelKey      `json:"remove" msgpack:"remove"`
}

// Empty reports whether the frame carries nothing worth broadcasting.
func (d Delta) Empty() bool {
	return len(d.Add) == 0 && len(d.Update) == 0 && len(d.Remove) == 0
}

// Diff compares the tracker state cur, observed at curAt, against the
// consumer-visible base, where sentAt records when each base entry was
// last broadcast. Output slices are ordered by symbol then price so two
// identical states always encode to identical frames.
func Diff(base, cur map[types.LevelKey]types.DensityRecord, sentAt map[types.LevelKey]time.Time, curAt time.Time) Delta {
	var d Delta
	for key, rec := range cur {
		old, ok := base[key]
		if !ok {
			d.Add = append(d.Add, rec)
			continue
		}
		if materialChange(old, rec, sentAt[key], curAt) {
			d.Update = append(d.Update, rec)
		}
	}
	for key := range base {
		if _, ok := cur[key]; !ok {
			d.Remove = append(d.Remove, key)
		}
	}

	sortRecords(d.Add)
	sortRecords(d.Update)
	sort.Slice(d.Remove, func(i, j int) bool {
		if d.Remove[i].Symbol != d.Remove[j].Symbol {
			return d.Remove[i].Symbol < d.Remove[j].Symbol
		}
		return d.Remove[i].Price < d.Remove[j].Price
	})
	return d
}

// Apply advances the consumer-visible state by one broadcast frame.
func (d Delta) Apply(base map[types.LevelKey]types.DensityRecord, sentAt map[types.LevelKey]time.Time, now time.Time) {
	for _, rec := range d.Add {
		base[rec.Key()] = rec
		sentAt[rec.Key()] = now
	}
	for _, rec := range d.Update {
		base[rec.Key()] = rec
		sentAt[rec.Key()] = now
	}
	for _, key := range d.Remove {
		delete(base, key)
		delete(sentAt, key)
	}
}

// materialChange applies the broadcast thresholds to one record pair.
// The duration clause compares the tracking duration each side would
// derive at its own send instant, so an untouched record is still
// refreshed once its age has drifted past the threshold and a level that
// was dropped and re-created shows up even when sizes happen to match.
func materialChange(old, rec types.DensityRecord, sentAt, curAt time.Time) bool {
	if abs(rec.CurrentSizeUSD-old.CurrentSizeUSD) > deltaSizeUSD {
		return true
	}
	if rec.Touched != old.Touched {
		return true
	}
	if abs(rec.ReductionUSD-old.ReductionUSD) > deltaReductionUSD {
		return true
	}
	drift := rec.Duration(curAt) - old.Duration(sentAt)
	if drift < 0 {
		drift = -drift
	}
	return drift > deltaDuration
}

func sortRecords(recs []types.DensityRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Symbol != recs[j].Symbol {
			return recs[i].Symbol < recs[j].Symbol
		}
		return recs[i].Price < recs[j].Price
	})
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
