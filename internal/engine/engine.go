// Package engine owns the composite alert population.
//
// It wires the alert pipeline together:
//
//  1. Subscribe parses the expression, canonicalizes it and deduplicates
//     composites by fingerprint — two users asking for the same alert
//     share one composite, which shares its leaf listeners with every
//     other composite through the listener registry.
//  2. A scheduler goroutine sweeps the population on a fixed base step
//     and re-evaluates every due composite under a resizable semaphore
//     (see scheduler.go).
//  3. A firing composite formats one message naming the matched symbols
//     and the expression, applies the per-instrument cooldown, and hands
//     the notification to the Notifier for every subscriber.
//
// Lifecycle: a composite is created when its first user subscribes and
// destroyed when its last subscriber leaves, releasing its leaf
// references; a leaf with no references stops evaluating.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"futures-screener/internal/alert"
	"futures-screener/internal/config"
	"futures-screener/internal/listener"
	"futures-screener/internal/metrics"
	"futures-screener/internal/notify"
)

var (
	// ErrUnknownAlert rejects an unsubscribe for an id not in the registry.
	ErrUnknownAlert = errors.New("unknown alert id")
	// ErrNotSubscribed rejects an unsubscribe by a user who never subscribed.
	ErrNotSubscribed = errors.New("user is not subscribed to this alert")
)

// Notifier delivers one notification to one user. Implemented by
// notify.Notifier; delivery errors are contained on that side.
type Notifier interface {
	Notify(ctx context.Context, userID int64, n notify.Notification)
}

// Engine is the composite registry plus its evaluation scheduler.
type Engine struct {
	cfg      config.EngineConfig
	leaves   *listener.Registry
	notifier Notifier
	logger   *slog.Logger

	mu         sync.RWMutex
	composites map[string]*Composite

	sem *semaphore
}

// New creates the engine. The scheduler does not run until Run.
func New(cfg config.EngineConfig, leaves *listener.Registry, notifier Notifier, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		leaves:     leaves,
		notifier:   notifier,
		logger:     logger.With("component", "engine"),
		composites: make(map[string]*Composite),
		sem:        newSemaphore(0),
	}
}

// Subscribe registers userID on the composite for expr, creating the
// composite — and lazily its leaves — when this is the first subscriber.
// The returned descriptor carries the canonical expression and id.
// Parse failures are *alert.ParseError and leave the registry untouched.
func (e *Engine) Subscribe(expr string, userID int64) (AlertInfo, error) {
	root, err := alert.Parse(expr)
	if err != nil {
		return AlertInfo{}, err
	}
	canonical := root.Canonical()
	id := alert.Fingerprint(root)

	e.mu.Lock()
	c, ok := e.composites[id]
	if !ok {
		c, err = e.buildComposite(root, canonical, id)
		if err != nil {
			e.mu.Unlock()
			return AlertInfo{}, err
		}
		e.composites[id] = c
		metrics.Composites.Set(float64(len(e.composites)))
		e.logger.Info("composite created", "alert_id", id, "expression", canonical)
	}
	added := c.addSubscriber(userID)
	e.mu.Unlock()

	if added {
		e.logger.Info("subscriber added", "alert_id", id, "user_id", userID)
	}
	return c.info(), nil
}

// buildComposite resolves every condition of the expression through the
// leaf registry and compiles the evaluation plan. Caller holds e.mu.
func (e *Engine) buildComposite(root alert.Node, canonical, id string) (*Composite, error) {
	conds := alert.Conditions(root)
	leaves := make([]leafRef, 0, len(conds))

	release := func() {
		for _, lr := range leaves {
			lr.release()
		}
	}

	var period time.Duration
	for _, cond := range conds {
		lf, rel, err := e.leaves.Acquire(cond)
		if err != nil {
			release()
			return nil, fmt.Errorf("resolve condition %q: %w", cond.Canonical(), err)
		}
		leaves = append(leaves, leafRef{fp: alert.Fingerprint(cond), leaf: lf, release: rel})
		if period == 0 || lf.Interval() < period {
			period = lf.Interval()
		}
	}

	cooldown := time.Duration(alert.CooldownSeconds(root)) * time.Second
	if cooldown == 0 {
		cooldown = e.cfg.DefaultCooldown
	}

	return newComposite(id, canonical, alert.Compile(root), leaves, cooldown, period), nil
}

// Unsubscribe removes userID from the composite. Removing the last
// subscriber destroys the composite and releases its leaf references.
func (e *Engine) Unsubscribe(id string, userID int64) error {
	e.mu.Lock()
	c, ok := e.composites[id]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownAlert
	}
	removed, remaining := c.removeSubscriber(userID)
	if !removed {
		e.mu.Unlock()
		return ErrNotSubscribed
	}
	if remaining == 0 {
		delete(e.composites, id)
		metrics.Composites.Set(float64(len(e.composites)))
	}
	e.mu.Unlock()

	if remaining == 0 {
		// Leaf releases happen outside the registry lock; they may stop
		// leaf goroutines.
		c.destroy()
		e.logger.Info("composite destroyed", "alert_id", id)
	}
	e.logger.Info("subscriber removed", "alert_id", id, "user_id", userID)
	return nil
}

// UnsubscribeAll removes userID from every composite, returning how many
// subscriptions were dropped.
func (e *Engine) UnsubscribeAll(userID int64) int {
	e.mu.Lock()
	var destroyed []*Composite
	removedCount := 0
	for id, c := range e.composites {
		removed, remaining := c.removeSubscriber(userID)
		if !removed {
			continue
		}
		removedCount++
		if remaining == 0 {
			delete(e.composites, id)
			destroyed = append(destroyed, c)
		}
	}
	if len(destroyed) > 0 {
		metrics.Composites.Set(float64(len(e.composites)))
	}
	e.mu.Unlock()

	for _, c := range destroyed {
		c.destroy()
		e.logger.Info("composite destroyed", "alert_id", c.ID)
	}
	return removedCount
}

// ListUser returns the composites userID subscribes to, ordered by
// expression for stable output.
func (e *Engine) ListUser(userID int64) []AlertInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]AlertInfo, 0, 4)
	for _, c := range e.composites {
		if c.hasSubscriber(userID) {
			out = append(out, c.info())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Expression < out[j].Expression })
	return out
}

// ListAll returns every live composite, ordered by expression.
func (e *Engine) ListAll() []AlertInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]AlertInfo, 0, len(e.composites))
	for _, c := range e.composites {
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Expression < out[j].Expression })
	return out
}

// Len reports the number of live composites.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.composites)
}

// snapshot captures the current composite population for one sweep.
func (e *Engine) snapshot() []*Composite {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Composite, 0, len(e.composites))
	for _, c := range e.composites {
		out = append(out, c)
	}
	return out
}
