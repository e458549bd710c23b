// Package exchange implements the futures REST and WebSocket market-data clients.
//
// The REST client (Client) talks to the USDT-margined futures API:
//   - Universe:     GET /fapi/v1/exchangeInfo  — tradeable perpetual symbols (cached 60s)
//   - AllPrices:    GET /fapi/v1/ticker/price  — last price for every symbol
//   - Klines:       GET /fapi/v1/klines        — candlesticks for one symbol
//   - OpenInterest: GET /fapi/v1/openInterest  — raw OI for one symbol
//   - PremiumIndex: GET /fapi/v1/premiumIndex  — funding rate + next settlement, all symbols
//
// Every request waits on its pipeline's Budget, is automatically retried
// on 5xx errors, honors Retry-After on 429, and feeds the symbol
// blacklist on 400/404 rejections.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"futures-screener/internal/config"
	"futures-screener/internal/metrics"
)

// universeTTL is how long a fetched symbol universe is served from cache.
const universeTTL = 60 * time.Second

// ErrSymbolRejected marks a 400/404 response to a symbol-scoped request.
// The symbol is already blacklisted when this is returned; callers skip it.
var ErrSymbolRejected = errors.New("symbol rejected by exchange")

// statusError is a non-200 REST response.
type statusError struct {
	endpoint string
	code     int
	body     string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("get %s: status %d: %s", e.endpoint, e.code, e.body)
}

// SymbolPrice is one entry of the bulk ticker response.
type SymbolPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	Time   int64  `json:"time"`
}

// OpenInterest is the raw open interest of one symbol, in contracts.
type OpenInterest struct {
	Symbol       string `json:"symbol"`
	OpenInterest string `json:"openInterest"`
	Time         int64  `json:"time"`
}

// PremiumIndex carries the current funding rate and the next settlement
// time of one symbol.
type PremiumIndex struct {
	Symbol          string `json:"symbol"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"` // ms since epoch
	Time            int64  `json:"time"`
}

// Bar is one parsed kline row. The REST payload is an array of arrays;
// parseKlineRow converts each row into this struct.
type Bar struct {
	OpenTime    time.Time
	CloseTime   time.Time
	QuoteVolume float64
	Trades      int64
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol       string `json:"symbol"`
		Status       string `json:"status"`
		ContractType string `json:"contractType"`
		QuoteAsset   string `json:"quoteAsset"`
	} `json:"symbols"`
}

// budgetFamilies maps each REST endpoint to the ingestion pipeline it
// serves. Every pipeline throttles on its own Budget; a klines fan-out
// burst cannot delay the price poll.
var budgetFamilies = map[string]string{
	"/fapi/v1/exchangeInfo": "universe",
	"/fapi/v1/ticker/price": "prices",
	"/fapi/v1/klines":       "klines",
	"/fapi/v1/openInterest": "open_interest",
	"/fapi/v1/premiumIndex": "funding",
}

// Client is the futures REST API client. It wraps a resty HTTP client
// with per-pipeline request budgets, retry, and the symbol blacklist.
type Client struct {
	http      *resty.Client
	budgets   map[string]*Budget // keyed by endpoint
	fallback  *Budget            // for endpoints outside budgetFamilies
	blacklist *Blacklist
	exclude   []string // universe filter: drop symbols containing any of these
	logger    *slog.Logger

	// 60s universe cache; fetch is single-flight under the mutex.
	uniMu        sync.Mutex
	universe     []string
	universeFrom time.Time
}

// NewClient creates a REST client with per-pipeline budgets, retry, and
// the symbol blacklist. Each endpoint family gets its own token bucket,
// sized from the default rps/burst unless cfg.RateLimits overrides it.
func NewClient(cfg config.ExchangeConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")

	budgets := make(map[string]*Budget, len(budgetFamilies))
	for endpoint, family := range budgetFamilies {
		rps, burst := cfg.RateLimitRPS, cfg.RateLimitBurst
		if o, ok := cfg.RateLimits[family]; ok {
			if o.RPS > 0 {
				rps = o.RPS
			}
			if o.Burst > 0 {
				burst = o.Burst
			}
		}
		budgets[endpoint] = NewBudget(rps, burst)
	}

	return &Client{
		http:      httpClient,
		budgets:   budgets,
		fallback:  NewBudget(cfg.RateLimitRPS, cfg.RateLimitBurst),
		blacklist: NewBlacklist(),
		exclude:   cfg.ExcludeSubstrings,
		logger:    logger.With("component", "exchange"),
	}
}

// budgetFor returns the budget throttling the given endpoint.
func (c *Client) budgetFor(endpoint string) *Budget {
	if b, ok := c.budgets[endpoint]; ok {
		return b
	}
	return c.fallback
}

// Blacklisted reports whether symbol is currently excluded from polling.
func (c *Client) Blacklisted(symbol string) bool {
	return c.blacklist.Banned(symbol)
}

// get runs one budgeted GET. On 429 it sleeps the advertised Retry-After
// (60s when absent) and retries once; any other non-200 is an error.
func (c *Client) get(ctx context.Context, endpoint string, query map[string]string, out interface{}) error {
	retried := false
	for {
		if err := c.budgetFor(endpoint).Wait(ctx); err != nil {
			return err
		}
		metrics.ExchangeRequests.WithLabelValues(endpoint).Inc()

		req := c.http.R().SetContext(ctx)
		if query != nil {
			req.SetQueryParams(query)
		}
		if out != nil {
			req.SetResult(out)
		}
		resp, err := req.Get(endpoint)
		if err != nil {
			return fmt.Errorf("get %s: %w", endpoint, err)
		}

		switch {
		case resp.StatusCode() == http.StatusOK:
			return nil

		case resp.StatusCode() == http.StatusTooManyRequests && !retried:
			wait := retryAfter(resp)
			c.logger.Warn("rate limited by exchange", "endpoint", endpoint, "wait", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			retried = true

		default:
			return &statusError{endpoint: endpoint, code: resp.StatusCode(), body: resp.String()}
		}
	}
}

// retryAfter reads the Retry-After header in seconds, defaulting to 60s.
func retryAfter(resp *resty.Response) time.Duration {
	if v := resp.Header().Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 60 * time.Second
}

// Universe returns the tradeable symbol universe: perpetual USDT-quoted
// contracts in TRADING status that match no exclusion substring. Results
// are cached for 60 seconds; concurrent callers share one fetch.
func (c *Client) Universe(ctx context.Context) ([]string, error) {
	c.uniMu.Lock()
	defer c.uniMu.Unlock()

	if time.Since(c.universeFrom) < universeTTL && c.universe != nil {
		return c.universe, nil
	}

	var info exchangeInfo
	if err := c.get(ctx, "/fapi/v1/exchangeInfo", nil, &info); err != nil {
		return nil, err
	}

	symbols := filterUniverse(info, c.exclude)
	c.universe = symbols
	c.universeFrom = time.Now()
	c.logger.Info("universe refreshed", "symbols", len(symbols))
	return symbols, nil
}

func filterUniverse(info exchangeInfo, exclude []string) []string {
	var out []string
	for _, s := range info.Symbols {
		if s.Status != "TRADING" || s.ContractType != "PERPETUAL" || s.QuoteAsset != "USDT" {
			continue
		}
		if containsAny(s.Symbol, exclude) {
			continue
		}
		out = append(out, s.Symbol)
	}
	return out
}

func containsAny(symbol string, subs []string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(symbol, sub) {
			return true
		}
	}
	return false
}

// AllPrices fetches the last price of every symbol in one call.
func (c *Client) AllPrices(ctx context.Context) ([]SymbolPrice, error) {
	var out []SymbolPrice
	if err := c.get(ctx, "/fapi/v1/ticker/price", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Klines fetches up to limit bars for one symbol. 400/404 blacklists the
// symbol and returns ErrSymbolRejected.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]Bar, error) {
	var raw [][]interface{}
	err := c.get(ctx, "/fapi/v1/klines", map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}, &raw)
	if err != nil {
		return nil, c.symbolErr(symbol, err)
	}

	bars := make([]Bar, 0, len(raw))
	for _, row := range raw {
		bar, perr := parseKlineRow(row)
		if perr != nil {
			c.logger.Warn("skipping malformed kline row", "symbol", symbol, "error", perr)
			continue
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// parseKlineRow converts one raw kline array into a Bar. Row layout:
// [openTime, open, high, low, close, baseVolume, closeTime, quoteVolume,
// trades, ...]. Numbers arrive as JSON numbers, prices/volumes as strings.
func parseKlineRow(row []interface{}) (Bar, error) {
	if len(row) < 9 {
		return Bar{}, fmt.Errorf("kline row has %d fields, want at least 9", len(row))
	}
	openMs, ok := row[0].(float64)
	if !ok {
		return Bar{}, fmt.Errorf("kline open time is %T", row[0])
	}
	closeMs, ok := row[6].(float64)
	if !ok {
		return Bar{}, fmt.Errorf("kline close time is %T", row[6])
	}
	quoteStr, ok := row[7].(string)
	if !ok {
		return Bar{}, fmt.Errorf("kline quote volume is %T", row[7])
	}
	quote, err := strconv.ParseFloat(quoteStr, 64)
	if err != nil {
		return Bar{}, fmt.Errorf("parse quote volume: %w", err)
	}
	trades, ok := row[8].(float64)
	if !ok {
		return Bar{}, fmt.Errorf("kline trade count is %T", row[8])
	}

	return Bar{
		OpenTime:    time.UnixMilli(int64(openMs)).UTC(),
		CloseTime:   time.UnixMilli(int64(closeMs)).UTC(),
		QuoteVolume: quote,
		Trades:      int64(trades),
	}, nil
}

// OpenInterest fetches the raw OI of one symbol. 400/404 blacklists the
// symbol and returns ErrSymbolRejected.
func (c *Client) OpenInterest(ctx context.Context, symbol string) (OpenInterest, error) {
	var out OpenInterest
	err := c.get(ctx, "/fapi/v1/openInterest", map[string]string{"symbol": symbol}, &out)
	if err != nil {
		return OpenInterest{}, c.symbolErr(symbol, err)
	}
	return out, nil
}

// PremiumIndex fetches funding data for every symbol in one call.
func (c *Client) PremiumIndex(ctx context.Context) ([]PremiumIndex, error) {
	var out []PremiumIndex
	if err := c.get(ctx, "/fapi/v1/premiumIndex", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// symbolErr converts a 400/404 on a symbol-scoped request into
// ErrSymbolRejected and blacklists the symbol.
func (c *Client) symbolErr(symbol string, err error) error {
	var se *statusError
	if errors.As(err, &se) && (se.code == http.StatusBadRequest || se.code == http.StatusNotFound) {
		c.blacklist.Ban(symbol)
		c.logger.Warn("symbol blacklisted", "symbol", symbol, "ttl", blacklistTTL)
		return fmt.Errorf("%s: %w", symbol, ErrSymbolRejected)
	}
	return err
}
