package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"futures-screener/internal/metrics"
	"futures-screener/internal/notify"
	"futures-screener/pkg/types"
)

// Run drives the evaluation scheduler until ctx is canceled. Every base
// step it sweeps the population once and submits due composites for
// evaluation.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("engine started", "base_step", e.cfg.BaseStep)

	// Wake semaphore waiters when the engine shuts down so sweep can
	// observe the cancellation instead of blocking on a full semaphore.
	go func() {
		<-ctx.Done()
		e.sem.interrupt()
	}()

	ticker := time.NewTicker(e.cfg.BaseStep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopped")
			return
		case now := <-ticker.C:
			e.sweep(ctx, now)
		}
	}
}

// sweep walks the population once, claiming and submitting every
// composite whose deadline has passed. Submission is paced in batches so
// a large population does not dump thousands of evaluations on the
// database at the same instant.
func (e *Engine) sweep(ctx context.Context, now time.Time) {
	population := e.snapshot()
	if len(population) == 0 {
		return
	}
	e.sem.resize(len(population))

	batch, pause := batchPolicy(len(population))
	submitted := 0
	for _, c := range population {
		if ctx.Err() != nil {
			return
		}
		// Claiming advances the deadline immediately, so a slow tick
		// cannot be submitted twice by consecutive sweeps.
		if !c.claim(now) {
			continue
		}
		if err := e.sem.acquire(ctx); err != nil {
			return
		}
		go func() {
			defer e.sem.release()
			e.tickComposite(ctx, c, now)
		}()

		submitted++
		if submitted%batch == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pause):
			}
		}
	}
}

// batchPolicy sizes submission bursts by population. Larger populations
// get bigger bursts with shorter pauses so one sweep still finishes well
// inside the base step.
func batchPolicy(population int) (batch int, pause time.Duration) {
	switch {
	case population <= 1000:
		return 500, 100 * time.Millisecond
	case population <= 5000:
		return 1000, 50 * time.Millisecond
	case population <= 15000:
		return 1500, 20 * time.Millisecond
	default:
		return 2000, 20 * time.Millisecond
	}
}

// tickComposite evaluates one composite: collect each leaf's matched
// set, run the set-algebra plan over them, filter through the cooldown
// and notify every subscriber. Ticks of the same composite never
// overlap; tickMu serializes stragglers from a previous sweep.
func (e *Engine) tickComposite(ctx context.Context, c *Composite, now time.Time) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("composite tick panicked", "alert_id", c.ID, "panic", r)
		}
	}()

	metrics.EngineTicks.Inc()

	leafCtx := make(map[string]types.SymbolSet, len(c.leaves))
	for _, lr := range c.leaves {
		leafCtx[lr.fp] = lr.leaf.Matched()
	}
	matched := c.plan(leafCtx)
	if len(matched) == 0 {
		return
	}

	symbols := c.applyCooldown(matched, now)
	if len(symbols) == 0 {
		return
	}

	n := notify.Notification{
		AlertID:    c.ID,
		Expression: c.Expression,
		Symbols:    symbols,
		Text:       formatAlert(c.Expression, symbols),
		Ts:         now,
	}
	for _, uid := range c.subscriberSnapshot() {
		e.notifier.Notify(ctx, uid, n)
	}
	e.logger.Info("alert fired", "alert_id", c.ID, "symbols", len(symbols))
}

// formatAlert renders the notification text shared by every sink.
func formatAlert(expression string, symbols []string) string {
	return fmt.Sprintf("Alert: %s\nMatched: %s", expression, strings.Join(symbols, ", "))
}

// semaphore is a counting semaphore whose capacity tracks the composite
// population. Shrinking never evicts holders; it only blocks new
// acquires until in-flight ticks drain below the new capacity.
type semaphore struct {
	mu    sync.Mutex
	cond  *sync.Cond
	cap   int
	inUse int
	basis int // population the current capacity was derived from
}

func newSemaphore(population int) *semaphore {
	s := &semaphore{cap: semCapacity(population), basis: population}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// semCapacity allots one evaluation slot per 40 composites, clamped to
// [50, 500].
func semCapacity(population int) int {
	c := population / 40
	if c < 50 {
		c = 50
	}
	if c > 500 {
		c = 500
	}
	return c
}

// acquire blocks until a slot frees up or ctx is canceled. Cancellation
// is observed through interrupt, which Run wires to ctx.Done.
func (s *semaphore) acquire(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.inUse < s.cap {
			s.inUse++
			return nil
		}
		s.cond.Wait()
	}
}

func (s *semaphore) release() {
	s.mu.Lock()
	s.inUse--
	s.mu.Unlock()
	s.cond.Signal()
}

// interrupt wakes every waiter so it can re-check its context. Taking
// the lock first guarantees a waiter is either queued (woken by the
// broadcast) or has not yet checked ctx (sees the cancellation).
func (s *semaphore) interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cond.Broadcast()
}

// resize re-derives capacity once the population drifts more than 20%
// from the basis the current capacity was computed for. Small churn is
// ignored so capacity stays stable under subscribe/unsubscribe noise.
func (s *semaphore) resize(population int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	drift := population - s.basis
	if drift < 0 {
		drift = -drift
	}
	if s.basis > 0 && drift*5 < s.basis {
		return
	}
	s.basis = population
	next := semCapacity(population)
	grew := next > s.cap
	s.cap = next
	if grew {
		s.cond.Broadcast()
	}
}
