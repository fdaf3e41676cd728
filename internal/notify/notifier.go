// Package notify pushes operator alerts for selected engine events to
// external channels (Telegram, Discord). The notifier subscribes to the
// event bus, renders each event into a short title and body, and fans it out
// to every configured sender.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quantfold/chainbot/internal/domain"
	"github.com/quantfold/chainbot/internal/eventbus"
)

// sendTimeout bounds one delivery attempt per event across all senders.
const sendTimeout = 15 * time.Second

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier renders engine events and dispatches them to the configured
// senders. Only event kinds in the allowed set are forwarded; an empty set
// allows everything.
type Notifier struct {
	senders []Sender
	allowed map[domain.EventKind]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to senders. events lists the
// event kinds to forward, e.g. "trade_closed", "bot_stopped", "cycle_error".
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventKind]bool, len(events))
	for _, e := range events {
		allowed[domain.EventKind(strings.TrimSpace(e))] = true
	}
	return &Notifier{
		senders: senders,
		allowed: allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Attach subscribes the notifier to the bus. The returned function detaches
// it.
func (n *Notifier) Attach(ctx context.Context, bus *eventbus.Bus) func() {
	return bus.Subscribe(func(ev domain.Event) {
		if len(n.allowed) > 0 && !n.allowed[ev.Kind()] {
			return
		}
		title, message, ok := renderEvent(ev)
		if !ok {
			return
		}
		opCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		n.dispatch(opCtx, title, message)
	})
}

// dispatch sends to every sender. One failing channel never blocks the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) {
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.Error("sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		n.logger.Debug("notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
}

// renderEvent turns an event into a human-readable alert. Events with no
// operator-facing story (cycle starts, price ticks) return ok=false.
func renderEvent(ev domain.Event) (title, message string, ok bool) {
	switch e := ev.(type) {
	case domain.TradeClosedEvent:
		t := e.Trade
		return fmt.Sprintf("Trade closed: %s", t.AssetSymbol),
			fmt.Sprintf("%s on %s\nStatus: %s (%s)\nPnL: %.2f USD (%.2f%%)",
				t.AssetSymbol, t.Chain, t.Status, t.CloseReason, t.ProfitLoss, t.ProfitLossPct),
			true

	case domain.NewTradeEvent:
		t := e.Trade
		return fmt.Sprintf("Trade opened: %s", t.AssetSymbol),
			fmt.Sprintf("%s on %s\nSize: %.2f USD\nStrategy: %s (confidence %d)",
				t.AssetSymbol, t.Chain, t.Amount, t.StrategyName, t.StrategyConfidence),
			true

	case domain.CycleErrorEvent:
		return "Cycle error",
			fmt.Sprintf("Cycle %d failed (%d consecutive)\n%s", e.Cycle, e.Consecutive, e.Err),
			true

	case domain.BotStoppedEvent:
		return "Bot stopped",
			fmt.Sprintf("Reason: %s", e.Reason),
			true

	case domain.BotStatusEvent:
		state := "stopped"
		if e.Running {
			state = "running"
		}
		return "Bot status", "Engine is now " + state, true
	}
	return "", "", false
}
