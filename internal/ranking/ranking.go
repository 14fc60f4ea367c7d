// Package ranking computes the leaderboard from aggregate trade statistics.
//
//	score = total_profit*0.5 + win_rate*1000 + total_trades*10
//
// Only users with at least one closed trade are ranked; everyone else keeps
// rank 0. Ranking never touches balances.
package ranking

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/prokazin/telegram-trading-game/internal/metrics"
	"github.com/prokazin/telegram-trading-game/internal/model"
	"github.com/prokazin/telegram-trading-game/internal/store"
)

// DefaultLeaderboardSize is the number of rows Leaderboard returns when
// asked for n <= 0.
const DefaultLeaderboardSize = 20

var (
	profitWeight  = decimal.NewFromFloat(0.5)
	winRateWeight = decimal.NewFromInt(1000)
	tradeWeight   = decimal.NewFromInt(10)
)

// Score returns the leaderboard score for u.
func Score(u *model.User) decimal.Decimal {
	return u.TotalProfit.Mul(profitWeight).
		Add(u.WinRate.Mul(winRateWeight)).
		Add(decimal.NewFromInt(int64(u.TotalTrades)).Mul(tradeWeight))
}

// Rank orders the users with trades by score descending and assigns ranks
// 1..N. Equal scores are ordered by user ID ascending, numerically when both
// IDs are integers, so the result is deterministic.
func Rank(users []model.User) []model.Standing {
	standings := make([]model.Standing, 0, len(users))
	for i := range users {
		u := &users[i]
		if u.TotalTrades <= 0 {
			continue
		}
		standings = append(standings, model.Standing{
			UserID:      u.ID,
			Score:       Score(u),
			TotalProfit: u.TotalProfit,
			WinRate:     u.WinRate,
			TotalTrades: u.TotalTrades,
		})
	}

	sort.SliceStable(standings, func(i, j int) bool {
		if c := standings[i].Score.Cmp(standings[j].Score); c != 0 {
			return c > 0
		}
		return lessID(standings[i].UserID, standings[j].UserID)
	})
	for i := range standings {
		standings[i].Rank = i + 1
	}
	return standings
}

func lessID(a, b string) bool {
	ai, errA := strconv.ParseInt(a, 10, 64)
	bi, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return ai < bi
	}
	return a < b
}

// Service recomputes and serves the leaderboard.
type Service struct {
	store    store.Store
	interval time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	latest []model.Standing
}

// NewService creates a ranking service that recomputes every interval when
// Run is used.
func NewService(st store.Store, interval time.Duration, logger *slog.Logger) *Service {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Service{
		store:    st,
		interval: interval,
		logger:   logger.With(slog.String("component", "ranking")),
	}
}

// Recompute ranks every user and persists the ranks.
func (s *Service) Recompute(ctx context.Context) ([]model.Standing, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("ranking: list users: %w", err)
	}

	standings := Rank(users)
	ranks := make(map[string]int, len(standings))
	for _, st := range standings {
		ranks[st.UserID] = st.Rank
	}
	if err := s.store.UpdateRanks(ctx, ranks); err != nil {
		return nil, fmt.Errorf("ranking: update ranks: %w", err)
	}

	s.mu.Lock()
	s.latest = standings
	s.mu.Unlock()

	metrics.RankedUsers.Set(float64(len(standings)))
	s.logger.InfoContext(ctx, "ranks updated", "ranked", len(standings), "users", len(users))
	return standings, nil
}

// Leaderboard returns the top n standings from the last recompute,
// recomputing first if none has run yet.
func (s *Service) Leaderboard(ctx context.Context, n int) ([]model.Standing, error) {
	if n <= 0 {
		n = DefaultLeaderboardSize
	}

	s.mu.RLock()
	latest := s.latest
	s.mu.RUnlock()

	if latest == nil {
		var err error
		if latest, err = s.Recompute(ctx); err != nil {
			return nil, err
		}
	}
	if len(latest) > n {
		latest = latest[:n]
	}
	return append([]model.Standing{}, latest...), nil
}

// Run recomputes once immediately and then every interval until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) error {
	if _, err := s.Recompute(ctx); err != nil {
		s.logger.Error("recompute failed", "err", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Recompute(ctx); err != nil {
				s.logger.Error("recompute failed", "err", err)
			}
		}
	}
}
