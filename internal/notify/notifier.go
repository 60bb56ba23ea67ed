// Package notify delivers risk and error alerts to operator channels
// (Telegram, Discord). Events can be filtered so operators only receive
// the alert classes they subscribe to.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/delquant/delphibot/internal/domain"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	// Name identifies the channel in logs, e.g. "telegram".
	Name() string
}

// Notifier implements domain.Alerter by fanning each alert out to every
// configured sender. A failing channel never blocks the others.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

var _ domain.Alerter = (*Notifier)(nil)

// NewNotifier creates a Notifier delivering to the given senders. When the
// events list is non-empty, only those event types are forwarded.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With("component", "notifier"),
	}
}

// Alert dispatches one event to all senders, subject to the event filter.
// Callers are responsible for putting the trade id, symbol, and decision
// context into the message.
func (n *Notifier) Alert(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", "event", event)
		return nil
	}
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, "["+event+"] "+title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				"sender", s.Name(),
				"event", event,
				"error", err.Error(),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "alert sent",
			"sender", s.Name(),
			"event", event,
			"title", title,
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
