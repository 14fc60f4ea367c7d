// Package notify delivers engine-initiated close events (liquidations,
// stop-loss and take-profit fills) to users and downstream systems. Events
// are dispatched to every registered Sender; one sender failing never
// prevents delivery to the others.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prokazin/telegram-trading-game/internal/metrics"
	"github.com/prokazin/telegram-trading-game/internal/model"
)

// Notifier is the boundary the monitor hands close events to.
type Notifier interface {
	Notify(ctx context.Context, userID string, event model.CloseEvent) error
}

// Sender is implemented by each delivery channel.
type Sender interface {
	// Send delivers one event addressed to userID.
	Send(ctx context.Context, userID string, event model.CloseEvent) error
	// Name returns a short identifier for logs and metrics (e.g. "telegram").
	Name() string
}

// Dispatcher fans an event out to all senders.
type Dispatcher struct {
	senders []Sender
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher over senders. With no senders every
// Notify is a no-op.
func NewDispatcher(senders []Sender, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		senders: senders,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify sends event through every sender. Failures are logged, counted and
// returned combined once all senders have been tried.
func (n *Dispatcher) Notify(ctx context.Context, userID string, event model.CloseEvent) error {
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, userID, event); err != nil {
			metrics.NotifyFailures.WithLabelValues(s.Name()).Inc()
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("user_id", userID),
				slog.String("position_id", event.PositionID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("position_id", event.PositionID),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// FormatMessage renders an event as a short chat message.
func FormatMessage(e model.CloseEvent) (title, body string) {
	head := fmt.Sprintf("%s %s %dx", e.Symbol, strings.ToUpper(string(e.Side)), e.Leverage)
	switch e.Reason {
	case model.CloseLiquidation:
		title = "Position liquidated"
		body = fmt.Sprintf("%s\nMargin lost: $%s\nEntry price: $%s\nLiquidation price: $%s\nNew balance: $%s\n\nLower leverage reduces liquidation risk.",
			head, e.Margin.StringFixed(2), e.EntryPrice.StringFixed(2), e.LiquidationPrice.StringFixed(2), e.BalanceAfter.StringFixed(2))
	case model.CloseStopLoss:
		title = "Stop-loss triggered"
		body = fmt.Sprintf("%s\nClosed at: $%s\nPnL: $%s\nNew balance: $%s",
			head, e.ClosePrice.StringFixed(2), e.RealizedPnL.StringFixed(2), e.BalanceAfter.StringFixed(2))
	case model.CloseTakeProfit:
		title = "Take-profit reached"
		body = fmt.Sprintf("%s\nClosed at: $%s\nPnL: $%s\nNew balance: $%s",
			head, e.ClosePrice.StringFixed(2), e.RealizedPnL.StringFixed(2), e.BalanceAfter.StringFixed(2))
	default:
		title = "Position closed"
		body = fmt.Sprintf("%s\nClosed at: $%s\nPnL: $%s",
			head, e.ClosePrice.StringFixed(2), e.RealizedPnL.StringFixed(2))
	}
	return title, body
}
