// ratelimit.go implements the client-side request budgets and the
// rejected-symbol blacklist.
//
// The exchange meters REST traffic by request weight per minute. Each
// ingestion pipeline owns its own smooth token bucket, sized from config
// and kept well under the published budget, so a burst from one pipeline
// cannot starve another into 429 territory.
//
// Symbols the exchange rejects with 400/404 (delistings, settlement
// pauses) go on a TTL blacklist so per-symbol pollers stop burning
// budget on them for an hour. The blacklist stays shared across
// pipelines: a rejection marks the symbol, not the endpoint.
package exchange

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// blacklistTTL is how long a rejected symbol stays excluded from
// per-symbol polling before it is retried.
const blacklistTTL = time.Hour

// Budget is one pipeline's REST request throttle. Callers block in Wait
// until a slot is available or the context is cancelled.
type Budget struct {
	lim *rate.Limiter
}

// NewBudget creates a throttle refilling at rps with the given burst.
func NewBudget(rps float64, burst int) *Budget {
	return &Budget{lim: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a request slot is available or ctx is cancelled.
func (b *Budget) Wait(ctx context.Context) error {
	return b.lim.Wait(ctx)
}

// Blacklist tracks symbols the exchange recently rejected. Entries
// expire after blacklistTTL; expiry is checked lazily on read.
type Blacklist struct {
	mu    sync.Mutex
	until map[string]time.Time
	ttl   time.Duration
}

// NewBlacklist creates an empty blacklist with the standard TTL.
func NewBlacklist() *Blacklist {
	return &Blacklist{
		until: make(map[string]time.Time),
		ttl:   blacklistTTL,
	}
}

// Ban excludes symbol from polling until its TTL elapses.
func (b *Blacklist) Ban(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.until[symbol] = time.Now().Add(b.ttl)
}

// Banned reports whether symbol is currently excluded.
func (b *Blacklist) Banned(symbol string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	deadline, ok := b.until[symbol]
	if !ok {
		return false
	}
	if time.Now().After(deadline) {
		delete(b.until, symbol)
		return false
	}
	return true
}

// Len returns the number of live entries, pruning expired ones.
func (b *Blacklist) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	for sym, deadline := range b.until {
		if now.After(deadline) {
			delete(b.until, sym)
		}
	}
	return len(b.until)
}
