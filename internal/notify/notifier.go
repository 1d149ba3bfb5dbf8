// Package notify fans risk and unwind alerts out to operator channels.
// Deliveries go to every registered sender (Telegram, Discord, signed
// webhooks) and can be filtered by event type so operators receive only
// the alerts they care about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Event types emitted by the engine. The notify.events config list filters
// on these names.
const (
	EventRiskChanged    = "risk_changed"
	EventUnwindExecuted = "unwind_executed"
	EventLiquidatable   = "liquidatable"
	EventError          = "error"
)

// Notification is one alert as handed to a sender. Webhook receivers get
// it verbatim as JSON.
type Notification struct {
	Event   string    `json:"event"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Sender is the interface each notification channel implements.
type Sender interface {
	// Send delivers one notification.
	Send(ctx context.Context, n Notification) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches notifications to one or more Senders. It maintains a
// set of allowed event types; Notify only forwards events in the allowed
// set, while NotifyAll bypasses the filter.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event types
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to the given senders. Only
// events whose type appears in the events slice are forwarded by Notify;
// an empty slice allows every event.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify sends a notification to all senders if the event type is allowed.
// Satisfies the Alerter interfaces of the risk monitor and the keeper.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[strings.ToLower(event)] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", event),
		)
		return nil
	}

	return n.dispatch(ctx, Notification{
		Event:   event,
		Title:   title,
		Message: message,
		At:      time.Now().UTC(),
	})
}

// NotifyAll sends a notification to all senders regardless of the event
// filter. Used for fatal conditions that must never be muted.
func (n *Notifier) NotifyAll(ctx context.Context, event, title, message string) error {
	return n.dispatch(ctx, Notification{
		Event:   event,
		Title:   title,
		Message: message,
		At:      time.Now().UTC(),
	})
}

// dispatch delivers to every sender. Errors are collected and returned as
// one combined error; a single sender failure does not prevent delivery to
// the remaining senders.
func (n *Notifier) dispatch(ctx context.Context, note Notification) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, note); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", note.Event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("event", note.Event),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
