package engine

import (
	"sort"
	"sync"
	"time"

	"futures-screener/internal/alert"
	"futures-screener/internal/listener"
	"futures-screener/pkg/types"
)

// AlertInfo is the externally visible description of one composite,
// served by the HTTP API and the bot adapter.
type AlertInfo struct {
	ID               string `json:"alert_id"`
	Expression       string `json:"expression"`
	SubscribersCount int    `json:"subscribers_count"`
	Connected        bool   `json:"connected"`
}

// leafRef binds one condition of the expression to its shared leaf
// listener. release returns the engine's reference to the registry.
type leafRef struct {
	fp      string
	leaf    listener.Leaf
	release func()
}

// Composite is one deduplicated alert expression together with its
// subscribers and per-instrument cooldown state. The engine keys
// composites by the fingerprint of the canonical expression text, so any
// number of users subscribing the same expression share one instance.
type Composite struct {
	ID         string
	Expression string        // canonical rendering
	Cooldown   time.Duration // 0 = re-fire on every matching tick
	Period     time.Duration // min over the leaves' poll intervals

	plan   alert.Plan
	leaves []leafRef

	// mu guards the maps and the deadline; held only for O(1) sections.
	mu           sync.Mutex
	subscribers  map[int64]struct{}
	lastFired    map[string]time.Time
	nextDeadline time.Time

	// tickMu serializes evaluations: ticks of one composite never overlap.
	tickMu sync.Mutex
}

func newComposite(id, expression string, plan alert.Plan, leaves []leafRef, cooldown, period time.Duration) *Composite {
	return &Composite{
		ID:          id,
		Expression:  expression,
		Cooldown:    cooldown,
		Period:      period,
		plan:        plan,
		leaves:      leaves,
		subscribers: make(map[int64]struct{}),
		lastFired:   make(map[string]time.Time),
	}
}

// info snapshots the composite for listings.
func (c *Composite) info() AlertInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return AlertInfo{
		ID:               c.ID,
		Expression:       c.Expression,
		SubscribersCount: len(c.subscribers),
		Connected:        true,
	}
}

// addSubscriber inserts userID, reporting whether it was new. Set
// semantics: a user appears at most once.
func (c *Composite) addSubscriber(userID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscribers[userID]; ok {
		return false
	}
	c.subscribers[userID] = struct{}{}
	return true
}

// removeSubscriber deletes userID, reporting whether it was present and
// how many subscribers remain.
func (c *Composite) removeSubscriber(userID int64) (removed bool, remaining int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscribers[userID]; !ok {
		return false, len(c.subscribers)
	}
	delete(c.subscribers, userID)
	return true, len(c.subscribers)
}

// hasSubscriber reports whether userID is subscribed.
func (c *Composite) hasSubscriber(userID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscribers[userID]
	return ok
}

// subscriberSnapshot returns the current subscribers in stable order.
// A composite destroyed mid-tick has been emptied, so an in-flight tick
// naturally fans out to nobody.
func (c *Composite) subscriberSnapshot() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, 0, len(c.subscribers))
	for uid := range c.subscribers {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// claim reports whether the composite is due at now, advancing the
// deadline when it is so consecutive scheduler wakes cannot double-submit
// the same tick.
func (c *Composite) claim(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Before(c.nextDeadline) {
		return false
	}
	c.nextDeadline = now.Add(c.Period)
	return true
}

// applyCooldown filters the matched set against per-instrument cooldowns
// and records the fire time for the survivors. Without a cooldown every
// matched symbol survives and nothing is recorded.
func (c *Composite) applyCooldown(matched types.SymbolSet, now time.Time) []string {
	sorted := matched.Sorted()
	if c.Cooldown <= 0 {
		return sorted
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	survivors := make([]string, 0, len(sorted))
	for _, sym := range sorted {
		if last, ok := c.lastFired[sym]; ok && now.Sub(last) < c.Cooldown {
			continue
		}
		c.lastFired[sym] = now
		survivors = append(survivors, sym)
	}
	return survivors
}

// destroy empties the subscriber set and releases every leaf reference.
// Called by the engine after the composite left the registry; an
// in-flight tick completes against its own snapshot and finds no
// subscribers.
func (c *Composite) destroy() {
	c.mu.Lock()
	c.subscribers = make(map[int64]struct{})
	c.mu.Unlock()

	for _, lr := range c.leaves {
		lr.release()
	}
}
