// Package notify delivers alert notifications to users.
//
// The Notifier fans one notification out across every registered sink
// (Telegram, WebSocket push). Delivery is best-effort with per-recipient
// isolation: a sink failing for one user is logged and never blocks the
// other sinks or other recipients.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"futures-screener/internal/metrics"
)

// Notification is one fired alert, addressed to a single user by the
// engine's fan-out loop.
type Notification struct {
	AlertID    string    `json:"alert_id"`
	Expression string    `json:"expression"`
	Symbols    []string  `json:"symbols"`
	Text       string    `json:"text"`
	Ts         time.Time `json:"ts"`
}

// Sink is one delivery channel. Send failures are the sink's own
// problem to report; the Notifier logs them and moves on.
type Sink interface {
	Name() string
	Send(ctx context.Context, userID int64, n Notification) error
}

// Notifier fans notifications out across all registered sinks.
type Notifier struct {
	logger *slog.Logger

	mu    sync.RWMutex
	sinks []Sink
}

// NewNotifier creates a Notifier with no sinks registered.
func NewNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{logger: logger.With("component", "notify")}
}

// Register adds a delivery sink. Meant to be called during wiring,
// before the engine starts ticking, but safe at any time.
func (f *Notifier) Register(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

// Notify delivers n to one user on every sink. Errors are contained
// here: a failed sink is logged and the remaining sinks still run.
func (f *Notifier) Notify(ctx context.Context, userID int64, n Notification) {
	f.mu.RLock()
	sinks := make([]Sink, len(f.sinks))
	copy(sinks, f.sinks)
	f.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Send(ctx, userID, n); err != nil {
			f.logger.Warn("notification delivery failed",
				"sink", s.Name(),
				"user_id", userID,
				"alert_id", n.AlertID,
				"error", err,
			)
			continue
		}
		metrics.Notifications.WithLabelValues(s.Name()).Inc()
	}
}
