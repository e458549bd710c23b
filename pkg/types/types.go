// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the screener — time-series
// samples, order-density records, symbol sets, and WebSocket stream payloads.
// It has no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"sort"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the resting side of a large order relative to the book:
// LONG for bids (buy walls), SHORT for asks (sell walls).
type Side string

const (
	LONG  Side = "LONG"
	SHORT Side = "SHORT"
)

// Family identifies one of the time-series metric families persisted in the store.
type Family string

const (
	FamilyPrice        Family = "price"
	FamilyVolume       Family = "volume"
	FamilyTradeCount   Family = "trade_count"
	FamilyOpenInterest Family = "open_interest"
)

// ————————————————————————————————————————————————————————————————————————
// Time-series samples
// ————————————————————————————————————————————————————————————————————————

// SeriesRow is one normalized observation for a metric family.
// Primary key in the store is (Ts, Symbol); re-upserting the same key
// with a newer value overwrites it.
type SeriesRow struct {
	Ts     time.Time
	Symbol string
	Value  float64 // price, quote volume (USD), trade count, or OI in USD
}

// FundingRow is one funding-rate observation. Kept separate from SeriesRow
// because it carries the upcoming settlement time alongside the rate.
type FundingRow struct {
	Ts             time.Time
	Symbol         string
	Rate           float64   // raw exchange rate, e.g. 0.0001 = 0.01%
	NextSettlement time.Time // when the rate is next applied
}

// TwoWindowRow holds the trailing-window aggregate and the immediately
// preceding window's aggregate for one symbol, both anchored at the
// symbol's latest timestamp rather than wall-clock.
type TwoWindowRow struct {
	Symbol string
	Cur    float64 // sum over (latest − window, latest]
	Prev   float64 // sum over (latest − 2·window, latest − window]
}

// ValueRow is a per-symbol scalar query result (latest value, window sum,
// percent change, median — depends on the query that produced it).
type ValueRow struct {
	Symbol string
	Value  float64
	Ts     time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Order density
// ————————————————————————————————————————————————————————————————————————

// LevelKey identifies one tracked price level of one instrument. It is
// also the wire shape for density removals, so it carries codec tags.
type LevelKey struct {
	Symbol string  `json:"symbol" msgpack:"symbol"`
	Price  float64 `json:"price" msgpack:"price"`
}

// DensityRecord tracks a large resting order observed at a price level.
// A record exists only while the level holds at least the size floor and
// sits within the ±10% band around the mid price.
//
// Invariants maintained by the tracker:
//
//	MaxSizeUSD ≥ CurrentSizeUSD
//	Touched     ⇔ CurrentSizeUSD < MaxSizeUSD
//	ReductionUSD = MaxSizeUSD − CurrentSizeUSD when Touched, else 0
type DensityRecord struct {
	Symbol            string    `json:"symbol" msgpack:"symbol"`
	Price             float64   `json:"price" msgpack:"price"`
	Side              Side      `json:"side" msgpack:"side"`
	CurrentSizeUSD    float64   `json:"current_size_usd" msgpack:"current_size_usd"`
	MaxSizeUSD        float64   `json:"max_size_usd" msgpack:"max_size_usd"`
	Touched           bool      `json:"touched" msgpack:"touched"`
	ReductionUSD      float64   `json:"reduction_usd" msgpack:"reduction_usd"`
	PercentFromMarket float64   `json:"percent_from_market" msgpack:"percent_from_market"`
	FirstSeen         time.Time `json:"first_seen" msgpack:"first_seen"`
	LastUpdated       time.Time `json:"last_updated" msgpack:"last_updated"`
}

// Key returns the map key for this record.
func (r DensityRecord) Key() LevelKey {
	return LevelKey{Symbol: r.Symbol, Price: r.Price}
}

// Duration is how long the level has been continuously tracked, as of now.
func (r DensityRecord) Duration(now time.Time) time.Duration {
	return now.Sub(r.FirstSeen)
}

// OpKind tags a density mutation for the store flush batches.
type OpKind string

const (
	OpInsert OpKind = "INSERT"
	OpUpdate OpKind = "UPDATE"
	OpDelete OpKind = "DELETE"
)

// DensityOp is one tracked mutation of the density map, buffered between
// periodic store flushes.
type DensityOp struct {
	Kind   OpKind
	Record DensityRecord
}

// ————————————————————————————————————————————————————————————————————————
// Symbol sets
// ————————————————————————————————————————————————————————————————————————

// SymbolSet is an immutable-by-convention set of instrument symbols.
// Leaf listeners publish a fresh set on every update and never mutate a
// published set, so readers can hold a reference without copying.
type SymbolSet map[string]struct{}

// NewSymbolSet builds a set from the given symbols.
func NewSymbolSet(symbols ...string) SymbolSet {
	s := make(SymbolSet, len(symbols))
	for _, sym := range symbols {
		s[sym] = struct{}{}
	}
	return s
}

// Has reports whether sym is in the set.
func (s SymbolSet) Has(sym string) bool {
	_, ok := s[sym]
	return ok
}

// Add inserts sym. Only call on sets that have not been published yet.
func (s SymbolSet) Add(sym string) {
	s[sym] = struct{}{}
}

// Intersect returns a new set with the symbols present in both s and other.
func (s SymbolSet) Intersect(other SymbolSet) SymbolSet {
	small, big := s, other
	if len(big) < len(small) {
		small, big = big, small
	}
	out := make(SymbolSet)
	for sym := range small {
		if big.Has(sym) {
			out[sym] = struct{}{}
		}
	}
	return out
}

// Union returns a new set with the symbols present in either s or other.
func (s SymbolSet) Union(other SymbolSet) SymbolSet {
	out := make(SymbolSet, len(s)+len(other))
	for sym := range s {
		out[sym] = struct{}{}
	}
	for sym := range other {
		out[sym] = struct{}{}
	}
	return out
}

// Sorted returns the symbols in lexical order.
func (s SymbolSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for sym := range s {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket stream events
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON payloads of the exchange's combined
// streams. Price and quantity fields are strings on the wire to preserve
// decimal precision; consumers parse them as needed.

// KlineEvent is one update from a {symbol}@kline_1m stream. The embedded
// Kline carries the bar; only bars with Closed=true are ingested.
type KlineEvent struct {
	EventType string `json:"e"` // "kline"
	EventTime int64  `json:"E"` // ms since epoch
	Symbol    string `json:"s"`
	Kline     Kline  `json:"k"`
}

// Kline is the candlestick payload inside a KlineEvent.
type Kline struct {
	OpenTime    int64  `json:"t"` // bar open, ms
	CloseTime   int64  `json:"T"` // bar close, ms
	Symbol      string `json:"s"`
	Interval    string `json:"i"` // e.g. "1m"
	Open        string `json:"o"`
	Close       string `json:"c"`
	High        string `json:"h"`
	Low         string `json:"l"`
	BaseVolume  string `json:"v"` // volume in base asset
	Trades      int64  `json:"n"` // number of trades in the bar
	Closed      bool   `json:"x"` // true once the bar is final
	QuoteVolume string `json:"q"` // volume in quote asset (USD)
}

// DepthLevel is one [price, quantity] pair from a depth stream.
type DepthLevel [2]string

// Price returns the price component.
func (l DepthLevel) Price() string { return l[0] }

// Qty returns the quantity component.
func (l DepthLevel) Qty() string { return l[1] }

// DepthEvent is one incremental book update from a {symbol}@depth stream.
// A quantity of "0" removes the level.
type DepthEvent struct {
	EventType string       `json:"e"` // "depthUpdate"
	EventTime int64        `json:"E"` // ms since epoch
	Symbol    string       `json:"s"`
	Bids      []DepthLevel `json:"b"`
	Asks      []DepthLevel `json:"a"`
}

// BookTickerEvent is a best bid/ask update from a {symbol}@bookTicker
// stream. The density tracker derives its reference mid price from it.
type BookTickerEvent struct {
	UpdateID int64  `json:"u"`
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}
