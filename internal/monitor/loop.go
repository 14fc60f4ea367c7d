// Package monitor runs the periodic engine cycle: refresh prices, mark every
// open position to market, close the positions whose liquidation, stop-loss
// or take-profit level has been crossed, and notify the affected users.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/prokazin/telegram-trading-game/internal/metrics"
	"github.com/prokazin/telegram-trading-game/internal/model"
	"github.com/prokazin/telegram-trading-game/internal/notify"
	"github.com/prokazin/telegram-trading-game/internal/risk"
	"github.com/prokazin/telegram-trading-game/internal/store"
	"github.com/prokazin/telegram-trading-game/internal/trade"
)

const (
	cycleLockKey  = "monitor:cycle"
	notifyTimeout = 10 * time.Second
)

// Feed is the part of market.Feed the loop drives.
type Feed interface {
	Refresh(ctx context.Context) map[string]error
	Price(symbol string) (model.PriceTick, bool)
	Prices() []model.PriceTick
}

// Closer executes engine-initiated closes. trade.Service implements it.
type Closer interface {
	Close(ctx context.Context, positionID string, price decimal.Decimal, reason model.CloseReason) (*trade.CloseResult, error)
}

// PricePublisher receives the snapshot after each refresh.
type PricePublisher interface {
	PublishPrices(ticks []model.PriceTick)
}

// Config tunes the loop.
type Config struct {
	Interval time.Duration // time between cycle starts
	Budget   time.Duration // hard deadline for one cycle
}

// CycleReport summarises one cycle.
type CycleReport struct {
	Skipped      bool // another instance held the cycle lock
	PriceErrors  int
	Open         int
	Marked       int
	Liquidated   int
	StopLoss     int
	TakeProfit   int
	CloseErrors  int
	NotifyErrors int
	Duration     time.Duration
}

// Closed returns how many positions the cycle closed.
func (r CycleReport) Closed() int {
	return r.Liquidated + r.StopLoss + r.TakeProfit
}

// Loop is the single recurring engine cycle.
type Loop struct {
	store     store.Store
	feed      Feed
	closer    Closer
	notifier  notify.Notifier
	locker    Locker
	publisher PricePublisher
	cfg       Config
	logger    *slog.Logger
}

// NewLoop creates a Loop. locker and publisher may be nil.
func NewLoop(st store.Store, feed Feed, closer Closer, notifier notify.Notifier, locker Locker, publisher PricePublisher, cfg Config, logger *slog.Logger) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Budget <= 0 || cfg.Budget > cfg.Interval {
		cfg.Budget = cfg.Interval
	}
	return &Loop{
		store:     st,
		feed:      feed,
		closer:    closer,
		notifier:  notifier,
		locker:    locker,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "monitor")),
	}
}

// Run executes one cycle immediately and then one per interval until ctx is
// cancelled. A cycle that overruns the interval delays the next one; cycles
// never overlap.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("monitor started", "interval", l.cfg.Interval, "budget", l.cfg.Budget)

	l.RunCycle(ctx)

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("monitor stopped")
			return nil
		case <-ticker.C:
			l.RunCycle(ctx)
		}
	}
}

type dueClose struct {
	pos    model.Position
	price  decimal.Decimal
	reason model.CloseReason
}

// RunCycle executes one cycle. Cancelling ctx does not interrupt a cycle in
// progress; it is bounded by the configured budget instead. Per-symbol and
// per-position failures are logged and counted, never fatal: a position
// that could not be closed is re-evaluated on the next cycle.
func (l *Loop) RunCycle(parent context.Context) (rep CycleReport) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), l.cfg.Budget)
	defer cancel()

	defer func() {
		rep.Duration = time.Since(start)
		metrics.MonitorCycleDuration.Observe(rep.Duration.Seconds())
	}()

	if l.locker != nil {
		unlock, err := l.locker.Acquire(ctx, cycleLockKey, l.cfg.Budget)
		switch {
		case errors.Is(err, ErrLockHeld):
			l.logger.Debug("cycle skipped, lock held elsewhere")
			rep.Skipped = true
			return rep
		case err != nil:
			// Closes are guarded per position, so running unlocked is safe.
			l.logger.Warn("cycle lock unavailable, running unlocked", "err", err)
		default:
			defer unlock()
		}
	}

	// 1. Prices.
	for sym, err := range l.feed.Refresh(ctx) {
		rep.PriceErrors++
		metrics.MonitorCycleErrors.WithLabelValues("price").Inc()
		l.logger.Warn("price refresh failed, keeping last known", "symbol", sym, "err", err)
	}
	if l.publisher != nil {
		l.publisher.PublishPrices(l.feed.Prices())
	}

	// 2. Mark to market and evaluate.
	positions, err := l.store.ListOpenPositions(ctx)
	if err != nil {
		metrics.MonitorCycleErrors.WithLabelValues("load").Inc()
		l.logger.Error("load open positions failed", "err", err)
		return rep
	}
	rep.Open = len(positions)

	marks := make([]model.Mark, 0, len(positions))
	var due []dueClose
	for i := range positions {
		p := &positions[i]
		// A recorded mark past the liquidation level stays due even if the
		// price has since recovered: an earlier close did not land.
		if p.CurrentPrice.IsPositive() && risk.IsLiquidated(p.Side, p.CurrentPrice, p.LiquidationPrice) {
			due = append(due, dueClose{pos: *p, price: p.CurrentPrice, reason: model.CloseLiquidation})
			continue
		}
		price := p.CurrentPrice
		if tick, ok := l.feed.Price(p.Symbol); ok {
			price = tick.Price
			marks = append(marks, model.Mark{
				PositionID:    p.ID,
				CurrentPrice:  price,
				UnrealizedPnL: risk.ComputePnL(p.EntryPrice, price, p.Amount, p.Leverage, p.Side),
			})
		}
		if reason, hit := risk.Evaluate(p, price); hit {
			due = append(due, dueClose{pos: *p, price: price, reason: reason})
		}
	}
	if len(marks) > 0 {
		if err := l.store.MarkPositions(ctx, marks); err != nil {
			metrics.MonitorCycleErrors.WithLabelValues("mark").Inc()
			l.logger.Error("mark to market failed", "positions", len(marks), "err", err)
		} else {
			rep.Marked = len(marks)
		}
	}

	// 3. Forced closes, one transaction each.
	events := make([]model.CloseEvent, 0, len(due))
	for _, dc := range due {
		res, err := l.closer.Close(ctx, dc.pos.ID, dc.price, dc.reason)
		if errors.Is(err, model.ErrAlreadyClosed) {
			// The owner closed it between the scan and now.
			continue
		}
		if err != nil {
			rep.CloseErrors++
			metrics.MonitorCycleErrors.WithLabelValues("close").Inc()
			l.logger.Error("forced close failed",
				"position_id", dc.pos.ID,
				"user_id", dc.pos.UserID,
				"reason", dc.reason,
				"price", dc.price.String(),
				"err", err,
			)
			continue
		}
		switch dc.reason {
		case model.CloseLiquidation:
			rep.Liquidated++
		case model.CloseStopLoss:
			rep.StopLoss++
		case model.CloseTakeProfit:
			rep.TakeProfit++
		}
		events = append(events, res.Event)
	}
	metrics.OpenPositions.Set(float64(rep.Open - rep.Closed()))

	// 4. Notifications, best effort, under their own deadline rather than the
	// cycle budget. The notifier logs per-sender failures.
	if len(events) > 0 {
		nctx, ncancel := context.WithTimeout(context.WithoutCancel(parent), notifyTimeout)
		for _, e := range events {
			if err := l.notifier.Notify(nctx, e.UserID, e); err != nil {
				rep.NotifyErrors++
				metrics.MonitorCycleErrors.WithLabelValues("notify").Inc()
			}
		}
		ncancel()
	}

	level := slog.LevelDebug
	if rep.Closed() > 0 || rep.CloseErrors > 0 {
		level = slog.LevelInfo
	}
	l.logger.Log(ctx, level, "cycle complete",
		"open", rep.Open,
		"marked", rep.Marked,
		"liquidated", rep.Liquidated,
		"stop_loss", rep.StopLoss,
		"take_profit", rep.TakeProfit,
		"close_errors", rep.CloseErrors,
		"price_errors", rep.PriceErrors,
		"elapsed", time.Since(start),
	)
	return rep
}
