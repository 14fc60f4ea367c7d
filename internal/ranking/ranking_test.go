package ranking

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/prokazin/telegram-trading-game/internal/model"
	"github.com/prokazin/telegram-trading-game/internal/store"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func user(id string, profit, winRate float64, trades int) model.User {
	return model.User{ID: id, Balance: d(2000), TotalProfit: d(profit), WinRate: d(winRate), TotalTrades: trades}
}

func TestScore(t *testing.T) {
	u := user("1", 200, 50, 4)
	// 200*0.5 + 50*1000 + 4*10
	if got := Score(&u); !got.Equal(d(50140)) {
		t.Errorf("Score = %s, want 50140", got)
	}
	loss := user("2", -300, 0, 1)
	if got := Score(&loss); !got.Equal(d(-140)) {
		t.Errorf("Score = %s, want -140", got)
	}
}

func TestRank_OrderAndTieBreak(t *testing.T) {
	users := []model.User{
		user("900", 0, 100, 1), // 100010
		user("10", 0, 100, 1),  // 100010, ties with 900 and wins on ID
		user("5", 100, 0, 0),   // no trades, unranked
		user("42", 2000, 0, 3), // 1030
		user("abc", -50, 0, 1), // -15
	}
	got := Rank(users)

	want := []string{"10", "900", "42", "abc"}
	if len(got) != len(want) {
		t.Fatalf("ranked %d users, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].UserID != id || got[i].Rank != i+1 {
			t.Errorf("position %d = %s rank %d, want %s rank %d", i, got[i].UserID, got[i].Rank, id, i+1)
		}
	}
}

func TestRank_MixedIDsFallBackToLexicographic(t *testing.T) {
	got := Rank([]model.User{user("b", 0, 0, 1), user("a", 0, 0, 1), user("7", 0, 0, 1)})
	if got[0].UserID != "7" || got[1].UserID != "a" || got[2].UserID != "b" {
		t.Errorf("order = %s %s %s", got[0].UserID, got[1].UserID, got[2].UserID)
	}
}

func seed(t *testing.T, ms *store.MemoryStore, u model.User) {
	t.Helper()
	u.CreatedAt = time.Now()
	opening := &model.Transaction{
		ID: "open-" + u.ID, UserID: u.ID, Kind: model.TxDeposit,
		Amount: u.Balance, BalanceAfter: u.Balance,
	}
	if err := ms.CreateUser(context.Background(), &u, opening); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
}

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	seed(t, ms, user("1", 100, 100, 1))
	seed(t, ms, user("2", 500, 50, 2))
	seed(t, ms, user("3", 0, 0, 0))
	return NewService(ms, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil))), ms
}

func TestService_RecomputePersistsRanks(t *testing.T) {
	svc, ms := newTestService(t)
	ctx := context.Background()

	standings, err := svc.Recompute(ctx)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if len(standings) != 2 {
		t.Fatalf("standings = %d, want 2", len(standings))
	}

	for id, want := range map[string]int{"1": 1, "2": 2, "3": 0} {
		u, _ := ms.GetUser(ctx, id)
		if u.Rank != want {
			t.Errorf("user %s rank = %d, want %d", id, u.Rank, want)
		}
		if !u.Balance.Equal(d(2000)) {
			t.Errorf("user %s balance changed to %s", id, u.Balance)
		}
	}
}

func TestService_LeaderboardLimit(t *testing.T) {
	svc, _ := newTestService(t)

	top, err := svc.Leaderboard(context.Background(), 1)
	if err != nil {
		t.Fatalf("Leaderboard: %v", err)
	}
	if len(top) != 1 || top[0].UserID != "1" {
		t.Errorf("top = %+v", top)
	}

	all, _ := svc.Leaderboard(context.Background(), 0)
	if len(all) != 2 {
		t.Errorf("default leaderboard = %d rows, want 2", len(all))
	}
}

func TestHandlers(t *testing.T) {
	svc, _ := newTestService(t)

	w := httptest.NewRecorder()
	svc.RecomputeHandler(w, httptest.NewRequest("POST", "/api/v1/leaderboard/recompute", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("recompute status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	svc.GetLeaderboard(w, httptest.NewRequest("GET", "/api/v1/leaderboard?limit=5", nil))
	var rows []model.Standing
	if err := json.NewDecoder(w.Body).Decode(&rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 2 || rows[0].Rank != 1 {
		t.Errorf("rows = %+v", rows)
	}

	w = httptest.NewRecorder()
	svc.GetLeaderboard(w, httptest.NewRequest("GET", "/api/v1/leaderboard?limit=abc", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", w.Code)
	}
}
