// Package listener implements the leaf evaluators behind alert
// conditions and the registry that deduplicates and schedules them.
//
// A leaf periodically queries the store for one elementary predicate and
// publishes the set of symbols currently satisfying it. Leaves are
// shared: the registry keys them by condition fingerprint, refcounts
// acquisitions, starts a leaf's update loop on first acquire and stops
// it when the last reference is released.
package listener

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"futures-screener/internal/alert"
	"futures-screener/pkg/types"
)

// Store is the read surface leaves evaluate against.
type Store interface {
	LatestPerSymbol(ctx context.Context, family types.Family) ([]types.ValueRow, error)
	WindowSum(ctx context.Context, family types.Family, window time.Duration) ([]types.ValueRow, error)
	WindowChangePct(ctx context.Context, family types.Family, window time.Duration) ([]types.ValueRow, error)
	Median(ctx context.Context, family types.Family, history time.Duration) ([]types.ValueRow, error)
	TwoWindowSums(ctx context.Context, family types.Family, window time.Duration) ([]types.TwoWindowRow, error)
	LatestFunding(ctx context.Context) ([]types.FundingRow, error)
	LiveDensities(ctx context.Context) ([]types.DensityRecord, error)
}

// Leaf is one elementary predicate evaluator.
type Leaf interface {
	// Fingerprint identifies the leaf; equal to the fingerprint of the
	// condition it was built from.
	Fingerprint() string
	// Update recomputes the matched set. Calls are serialized by the
	// registry's update loop.
	Update(ctx context.Context) error
	// Matched returns the set published by the last Update. The set is
	// immutable; callers must not modify it.
	Matched() types.SymbolSet
	// Interval is the evaluation cadence.
	Interval() time.Duration
}

// leaf is the shared implementation: a fingerprint, a cadence, and an
// eval closure chosen by the module factory.
type leaf struct {
	fp       string
	interval time.Duration
	eval     func(ctx context.Context) (types.SymbolSet, error)

	mu      sync.RWMutex
	matched types.SymbolSet
}

func (l *leaf) Fingerprint() string     { return l.fp }
func (l *leaf) Interval() time.Duration { return l.interval }

func (l *leaf) Matched() types.SymbolSet {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.matched
}

func (l *leaf) Update(ctx context.Context) error {
	set, err := l.eval(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.matched = set
	l.mu.Unlock()
	return nil
}

type entry struct {
	leaf   *leaf
	refs   int
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry deduplicates leaves by fingerprint and owns their update loops.
type Registry struct {
	store  Store
	logger *slog.Logger

	mu     sync.Mutex
	leaves map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry(store Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger.With("component", "listener"),
		leaves: make(map[string]*entry),
	}
}

// Acquire returns the leaf for cond, creating and starting it when this
// is the first reference. The returned release function is idempotent;
// releasing the last reference stops the leaf's loop.
func (r *Registry) Acquire(cond *alert.Condition) (Leaf, func(), error) {
	fp := alert.Fingerprint(cond)

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.leaves[fp]; ok {
		e.refs++
		return e.leaf, r.releaseFunc(fp), nil
	}

	lf, err := newLeaf(cond, r.store)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{leaf: lf, refs: 1, cancel: cancel, done: make(chan struct{})}
	r.leaves[fp] = e
	go r.runLeaf(ctx, lf, e.done)

	return lf, r.releaseFunc(fp), nil
}

func (r *Registry) releaseFunc(fp string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { r.release(fp) })
	}
}

func (r *Registry) release(fp string) {
	r.mu.Lock()
	e, ok := r.leaves[fp]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.leaves, fp)
	r.mu.Unlock()

	// Loop drains asynchronously; release never blocks on an in-flight query.
	e.cancel()
}

// Len reports the number of live leaves.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.leaves)
}

// Close stops every leaf loop and waits for them to drain.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.leaves))
	for fp, e := range r.leaves {
		entries = append(entries, e)
		delete(r.leaves, fp)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
	for _, e := range entries {
		<-e.done
	}
}

// runLeaf evaluates immediately, then on the leaf's cadence, until the
// leaf is released. Update failures and panics are contained here and
// never cascade past the leaf.
func (r *Registry) runLeaf(ctx context.Context, lf *leaf, done chan struct{}) {
	defer close(done)

	r.updateLeaf(ctx, lf)

	ticker := time.NewTicker(lf.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.updateLeaf(ctx, lf)
		}
	}
}

func (r *Registry) updateLeaf(ctx context.Context, lf *leaf) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("leaf update panicked", "fingerprint", lf.fp, "panic", p)
		}
	}()

	if err := lf.Update(ctx); err != nil && ctx.Err() == nil {
		r.logger.Warn("leaf update failed", "fingerprint", lf.fp, "error", err)
	}
}
