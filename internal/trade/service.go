// Package trade provides the position lifecycle: opening leveraged positions,
// closing them manually or on behalf of the engine, and the read models the
// chat layer renders (portfolio, positions, ledger history).
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/prokazin/telegram-trading-game/internal/ledger"
	"github.com/prokazin/telegram-trading-game/internal/limits"
	"github.com/prokazin/telegram-trading-game/internal/metrics"
	"github.com/prokazin/telegram-trading-game/internal/model"
	"github.com/prokazin/telegram-trading-game/internal/risk"
	"github.com/prokazin/telegram-trading-game/internal/store"
)

// PriceSource is the read side of the market feed.
type PriceSource interface {
	Price(symbol string) (model.PriceTick, bool)
	Prices() []model.PriceTick
	OHLC(ctx context.Context, symbol, timeframe string, limit int) ([]model.Candle, error)
}

// Config holds the account parameters the service needs.
type Config struct {
	InitialBalance        decimal.Decimal
	MaintenanceMarginRate decimal.Decimal
}

// Service handles position operations. Balance mutations are serialized per
// user by store.WithinUserTx; there is no process-wide lock, so the service
// is safe to run on several instances sharing one Postgres store.
type Service struct {
	store   store.Store
	limiter *limits.OrderLimiter
	prices  PriceSource
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a new trade service. prices may be nil if the HTTP
// handlers are not used.
func NewService(st store.Store, limiter *limits.OrderLimiter, prices PriceSource, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:   st,
		limiter: limiter,
		prices:  prices,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "trade")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// OpenRequest describes a new position. Price is the entry price; the HTTP
// layer fills it from the feed.
type OpenRequest struct {
	UserID     string           `json:"user_id"`
	Symbol     string           `json:"symbol"`
	Side       model.Side       `json:"side"`
	Leverage   int              `json:"leverage"`
	Amount     decimal.Decimal  `json:"amount"`
	Price      decimal.Decimal  `json:"-"`
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
}

// CloseResult is returned by a successful Close.
type CloseResult struct {
	Position *model.Position    `json:"position"`
	Entry    *model.Transaction `json:"transaction"`
	Event    model.CloseEvent   `json:"event"`
}

// EnsureUser returns the user, creating it with the initial balance and an
// opening deposit entry on first contact. created reports whether this call
// created it.
func (s *Service) EnsureUser(ctx context.Context, userID string) (user *model.User, created bool, err error) {
	if userID == "" {
		return nil, false, fmt.Errorf("%w: user_id is required", model.ErrValidation)
	}

	u, err := s.store.GetUser(ctx, userID)
	if err == nil {
		return u, false, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, false, fmt.Errorf("trade: load user %s: %w", userID, err)
	}

	now := s.now()
	u = &model.User{
		ID:          userID,
		Balance:     s.cfg.InitialBalance,
		TotalProfit: decimal.Zero,
		WinRate:     decimal.Zero,
		CreatedAt:   now,
		LastActive:  now,
	}
	if err := s.store.CreateUser(ctx, u, ledger.Opening(u, now)); err != nil {
		if errors.Is(err, model.ErrAlreadyExists) {
			// Lost a race with a concurrent first contact.
			u, err = s.store.GetUser(ctx, userID)
			if err != nil {
				return nil, false, fmt.Errorf("trade: reload user %s: %w", userID, err)
			}
			return u, false, nil
		}
		return nil, false, fmt.Errorf("trade: create user %s: %w", userID, err)
	}

	s.logger.InfoContext(ctx, "user created", "user_id", userID, "balance", u.Balance.String())
	return u, true, nil
}

// Open reserves margin from the user's balance and records a new open
// position together with its ledger entry, all in one transaction.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*model.Position, error) {
	if req.UserID == "" {
		return nil, s.reject(ctx, "open", fmt.Errorf("%w: user_id is required", model.ErrValidation))
	}
	if err := s.limiter.CheckOrder(req.Symbol, req.Side, req.Leverage, req.Amount); err != nil {
		return nil, s.reject(ctx, "open", err)
	}
	if !req.Price.IsPositive() {
		return nil, s.reject(ctx, "open", fmt.Errorf("%w: entry %s", model.ErrInvalidPrice, req.Price))
	}
	if err := risk.ValidateProtectiveLevels(req.Side, req.Price, req.StopLoss, req.TakeProfit); err != nil {
		return nil, s.reject(ctx, "open", err)
	}

	now := s.now()
	margin := risk.ComputeMargin(req.Amount, req.Leverage)
	pos := &model.Position{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		Symbol:           req.Symbol,
		Side:             req.Side,
		EntryPrice:       req.Price,
		CurrentPrice:     req.Price,
		Amount:           req.Amount,
		Leverage:         req.Leverage,
		Margin:           margin,
		LiquidationPrice: risk.ComputeLiquidationPrice(req.Price, req.Leverage, req.Side, s.cfg.MaintenanceMarginRate),
		UnrealizedPnL:    decimal.Zero,
		RealizedPnL:      decimal.Zero,
		StopLoss:         req.StopLoss,
		TakeProfit:       req.TakeProfit,
		IsOpen:           true,
		OpenedAt:         now,
	}

	var entry *model.Transaction
	err := s.store.WithinUserTx(ctx, req.UserID, func(ctx context.Context, tx store.Tx) error {
		user, err := tx.GetUser(ctx, req.UserID)
		if err != nil {
			return err
		}
		open, err := tx.CountOpenPositions(ctx, req.UserID)
		if err != nil {
			return err
		}
		if err := s.limiter.CheckOpenCount(open); err != nil {
			return err
		}
		if margin.GreaterThan(user.Balance) {
			return fmt.Errorf("%w: margin %s exceeds balance %s", model.ErrInsufficientFunds, margin, user.Balance)
		}
		if err := tx.InsertPosition(ctx, pos); err != nil {
			return err
		}
		entry, err = ledger.Post(ctx, tx, user, model.TxTrade, margin.Neg(), map[string]any{
			"action":      "open",
			"position_id": pos.ID,
			"symbol":      pos.Symbol,
			"side":        string(pos.Side),
			"leverage":    pos.Leverage,
			"entry_price": pos.EntryPrice.String(),
			"margin":      margin.String(),
		}, now)
		return err
	})
	if err != nil {
		return nil, s.reject(ctx, "open", err)
	}

	metrics.PositionsOpened.WithLabelValues(pos.Symbol, string(pos.Side)).Inc()
	s.logger.InfoContext(ctx, "position opened",
		"position_id", pos.ID,
		"user_id", pos.UserID,
		"symbol", pos.Symbol,
		"side", pos.Side,
		"leverage", pos.Leverage,
		"amount", pos.Amount.String(),
		"entry_price", pos.EntryPrice.String(),
		"margin", margin.String(),
		"liquidation_price", pos.LiquidationPrice.String(),
		"balance_after", entry.BalanceAfter.String(),
	)
	return pos, nil
}

// Close settles an open position at price. Exactly one concurrent Close per
// position succeeds; the others return model.ErrAlreadyClosed without
// touching the balance or the ledger.
//
// A liquidation books realized PnL of −margin and credits nothing, since the
// margin already left the balance at open. Every other reason credits margin
// plus PnL, clamped so the balance never goes negative.
func (s *Service) Close(ctx context.Context, positionID string, price decimal.Decimal, reason model.CloseReason) (*CloseResult, error) {
	if !price.IsPositive() {
		return nil, s.reject(ctx, "close", fmt.Errorf("%w: close %s", model.ErrInvalidPrice, price))
	}

	current, err := s.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, s.reject(ctx, "close", err)
	}
	if !current.IsOpen {
		return nil, s.reject(ctx, "close", fmt.Errorf("%w: %s", model.ErrAlreadyClosed, positionID))
	}

	var (
		pos   *model.Position
		entry *model.Transaction
		event model.CloseEvent
	)
	err = s.store.WithinUserTx(ctx, current.UserID, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.GetPosition(ctx, positionID)
		if err != nil {
			return err
		}
		if !p.IsOpen {
			return fmt.Errorf("%w: %s", model.ErrAlreadyClosed, positionID)
		}

		now := s.now()
		pnl := risk.SettlePnL(p, price, reason)
		closed, err := tx.ClosePosition(ctx, model.PositionClose{
			PositionID:   p.ID,
			CurrentPrice: price,
			RealizedPnL:  pnl,
			Reason:       reason,
			ClosedAt:     now,
		})
		if err != nil {
			return err
		}
		if !closed {
			return fmt.Errorf("%w: %s", model.ErrAlreadyClosed, positionID)
		}

		user, err := tx.GetUser(ctx, p.UserID)
		if err != nil {
			return err
		}
		user.TotalTrades++
		if pnl.IsPositive() {
			user.WinningTrades++
		}
		user.WinRate = WinRate(user.WinningTrades, user.TotalTrades)
		user.TotalProfit = user.TotalProfit.Add(pnl)

		kind, credit := model.TxTrade, p.Margin.Add(pnl)
		if reason == model.CloseLiquidation {
			kind, credit = model.TxLiquidation, decimal.Zero
		}
		entry, err = ledger.Post(ctx, tx, user, kind, credit, map[string]any{
			"action":       "close",
			"reason":       string(reason),
			"position_id":  p.ID,
			"symbol":       p.Symbol,
			"close_price":  price.String(),
			"margin":       p.Margin.String(),
			"realized_pnl": pnl.String(),
		}, now)
		if err != nil {
			return err
		}

		p.CurrentPrice = price
		p.UnrealizedPnL = decimal.Zero
		p.RealizedPnL = pnl
		p.IsOpen = false
		p.CloseReason = reason
		p.ClosedAt = &now
		pos = p
		event = model.CloseEvent{
			UserID:           p.UserID,
			PositionID:       p.ID,
			Symbol:           p.Symbol,
			Side:             p.Side,
			Leverage:         p.Leverage,
			Reason:           reason,
			EntryPrice:       p.EntryPrice,
			ClosePrice:       price,
			LiquidationPrice: p.LiquidationPrice,
			Margin:           p.Margin,
			RealizedPnL:      pnl,
			BalanceAfter:     entry.BalanceAfter,
			ClosedAt:         now,
		}
		return nil
	})
	if err != nil {
		return nil, s.reject(ctx, "close", err)
	}

	metrics.PositionsClosed.WithLabelValues(string(reason)).Inc()
	s.logger.InfoContext(ctx, "position closed",
		"position_id", pos.ID,
		"user_id", pos.UserID,
		"reason", reason,
		"close_price", price.String(),
		"realized_pnl", pos.RealizedPnL.String(),
		"balance_after", entry.BalanceAfter.String(),
	)
	return &CloseResult{Position: pos, Entry: entry, Event: event}, nil
}

// Portfolio aggregates the user's account state over their open positions.
func (s *Service) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	positions, err := s.store.ListUserPositions(ctx, userID, true)
	if err != nil {
		return nil, fmt.Errorf("trade: positions for %s: %w", userID, err)
	}
	if positions == nil {
		positions = []model.Position{}
	}

	pf := &model.Portfolio{
		UserID:          user.ID,
		Balance:         user.Balance,
		TotalProfit:     user.TotalProfit,
		WinRate:         user.WinRate,
		Rank:            user.Rank,
		OpenPositions:   len(positions),
		TotalValue:      decimal.Zero,
		UnrealizedPnL:   decimal.Zero,
		TotalMargin:     decimal.Zero,
		AverageLeverage: decimal.Zero,
		Positions:       positions,
	}
	leverageSum := 0
	for _, p := range positions {
		lev := decimal.NewFromInt(int64(p.Leverage))
		pf.TotalValue = pf.TotalValue.Add(p.Amount.Mul(p.CurrentPrice).Mul(lev))
		pf.UnrealizedPnL = pf.UnrealizedPnL.Add(p.UnrealizedPnL)
		pf.TotalMargin = pf.TotalMargin.Add(p.Margin)
		leverageSum += p.Leverage
	}
	if len(positions) > 0 {
		pf.AverageLeverage = decimal.NewFromInt(int64(leverageSum)).
			DivRound(decimal.NewFromInt(int64(len(positions))), 2)
	}
	return pf, nil
}

// Positions lists a user's positions, newest first.
func (s *Service) Positions(ctx context.Context, userID string, openOnly bool) ([]model.Position, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.ListUserPositions(ctx, userID, openOnly)
}

// Transactions lists a user's ledger entries in creation order.
func (s *Service) Transactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.ListTransactions(ctx, userID)
}

// Reconcile replays the user's ledger and checks it against the stored
// balance. A mismatch is reported as model.ErrConsistencyViolation.
func (s *Service) Reconcile(ctx context.Context, userID string) error {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	entries, err := s.store.ListTransactions(ctx, userID)
	if err != nil {
		return fmt.Errorf("trade: ledger for %s: %w", userID, err)
	}
	if err := ledger.Verify(user, entries); err != nil {
		return s.reject(ctx, "reconcile", err)
	}
	return nil
}

// statsActiveWindow is how recently a user must have acted to count as active.
const statsActiveWindow = 24 * time.Hour

// Stats returns the admin overview of users and positions.
func (s *Service) Stats(ctx context.Context) (*model.Stats, error) {
	now := s.now()
	st, err := s.store.Stats(ctx, now.Add(-statsActiveWindow))
	if err != nil {
		return nil, fmt.Errorf("trade: stats: %w", err)
	}
	st.GeneratedAt = now
	return st, nil
}

// WinRate returns winning/total as a percentage rounded to two decimals.
func WinRate(winning, total int) decimal.Decimal {
	if total <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(winning)).Mul(decimal.NewFromInt(100)).
		DivRound(decimal.NewFromInt(int64(total)), 2)
}

// reject records a failed operation and returns err unchanged.
func (s *Service) reject(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, model.ErrConsistencyViolation):
		metrics.ConsistencyViolations.Inc()
		s.logger.ErrorContext(ctx, "consistency violation", "op", op, "alert", true, "err", err)
	case errors.Is(err, model.ErrValidation):
		metrics.OrderRejections.WithLabelValues("validation").Inc()
	case errors.Is(err, model.ErrInsufficientFunds):
		metrics.OrderRejections.WithLabelValues("insufficient_funds").Inc()
	case errors.Is(err, model.ErrPositionLimitReached):
		metrics.OrderRejections.WithLabelValues("position_limit").Inc()
	case errors.Is(err, model.ErrAlreadyClosed):
		metrics.OrderRejections.WithLabelValues("already_closed").Inc()
	case errors.Is(err, model.ErrNotFound):
	default:
		s.logger.ErrorContext(ctx, "operation failed", "op", op, "err", err)
	}
	return err
}
