package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prokazin/telegram-trading-game/internal/model"
	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func seedUser(t *testing.T, s *MemoryStore, id string, balance float64) {
	t.Helper()
	u := &model.User{ID: id, Balance: d(balance), CreatedAt: time.Now()}
	opening := &model.Transaction{
		ID: "open-" + id, UserID: id, Kind: model.TxDeposit,
		Amount: d(balance), BalanceAfter: d(balance),
	}
	if err := s.CreateUser(context.Background(), u, opening); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
}

func openPosition(id, userID string) *model.Position {
	return &model.Position{
		ID: id, UserID: userID, Symbol: "BTC/USDT", Side: model.SideLong,
		EntryPrice: d(50000), CurrentPrice: d(50000), Amount: d(100), Leverage: 10,
		Margin: d(100), LiquidationPrice: d(45250), IsOpen: true, OpenedAt: time.Now(),
	}
}

func TestMemoryStore_CreateUserDuplicate(t *testing.T) {
	s := NewMemoryStore()
	seedUser(t, s, "1", 2000)
	err := s.CreateUser(context.Background(), &model.User{ID: "1"}, nil)
	if !errors.Is(err, model.ErrAlreadyExists) {
		t.Fatalf("got %v, want ErrAlreadyExists", err)
	}
	entries, _ := s.ListTransactions(context.Background(), "1")
	if len(entries) != 1 || entries[0].Seq != 1 {
		t.Errorf("opening entry = %+v", entries)
	}
}

func TestMemoryStore_TxRollback(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedUser(t, s, "1", 2000)

	boom := errors.New("boom")
	err := s.WithinUserTx(ctx, "1", func(ctx context.Context, tx Tx) error {
		u, _ := tx.GetUser(ctx, "1")
		u.Balance = d(1900)
		_ = tx.SaveUser(ctx, u)
		_ = tx.InsertPosition(ctx, openPosition("p1", "1"))
		_ = tx.AppendTransaction(ctx, &model.Transaction{ID: "t1", UserID: "1"})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}

	u, _ := s.GetUser(ctx, "1")
	if !u.Balance.Equal(d(2000)) {
		t.Errorf("balance = %s after rollback, want 2000", u.Balance)
	}
	if _, err := s.GetPosition(ctx, "p1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("position persisted after rollback: %v", err)
	}
	entries, _ := s.ListTransactions(ctx, "1")
	if len(entries) != 1 {
		t.Errorf("entries = %d after rollback, want 1", len(entries))
	}
}

func TestMemoryStore_TxSeesOwnWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedUser(t, s, "1", 2000)

	err := s.WithinUserTx(ctx, "1", func(ctx context.Context, tx Tx) error {
		if err := tx.InsertPosition(ctx, openPosition("p1", "1")); err != nil {
			return err
		}
		n, _ := tx.CountOpenPositions(ctx, "1")
		if n != 1 {
			t.Errorf("open count inside tx = %d, want 1", n)
		}
		if err := tx.AppendTransaction(ctx, &model.Transaction{ID: "t1", UserID: "1", BalanceAfter: d(1900)}); err != nil {
			return err
		}
		last, _ := tx.LastTransaction(ctx, "1")
		if last == nil || last.ID != "t1" {
			t.Errorf("last entry inside tx = %+v, want t1", last)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithinUserTx: %v", err)
	}
	entries, _ := s.ListTransactions(ctx, "1")
	if len(entries) != 2 || entries[1].Seq <= entries[0].Seq {
		t.Errorf("entries not in seq order: %+v", entries)
	}
}

func TestMemoryStore_ClosePositionOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedUser(t, s, "1", 2000)
	_ = s.WithinUserTx(ctx, "1", func(ctx context.Context, tx Tx) error {
		return tx.InsertPosition(ctx, openPosition("p1", "1"))
	})

	closeOnce := func() bool {
		var won bool
		err := s.WithinUserTx(ctx, "1", func(ctx context.Context, tx Tx) error {
			ok, err := tx.ClosePosition(ctx, model.PositionClose{
				PositionID: "p1", CurrentPrice: d(45000), RealizedPnL: d(-100),
				Reason: model.CloseLiquidation, ClosedAt: time.Now(),
			})
			won = ok
			return err
		})
		if err != nil {
			t.Errorf("WithinUserTx: %v", err)
		}
		return won
	}

	if !closeOnce() {
		t.Fatal("first close should win")
	}
	if closeOnce() {
		t.Fatal("second close should observe the position already closed")
	}

	p, _ := s.GetPosition(ctx, "p1")
	if p.IsOpen || p.ClosedAt == nil || p.CloseReason != model.CloseLiquidation || !p.RealizedPnL.Equal(d(-100)) {
		t.Errorf("closed position = %+v", p)
	}
}

func TestMemoryStore_WithinUserTxSerializes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedUser(t, s, "1", 0)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithinUserTx(ctx, "1", func(ctx context.Context, tx Tx) error {
				u, err := tx.GetUser(ctx, "1")
				if err != nil {
					return err
				}
				u.Balance = u.Balance.Add(d(1))
				return tx.SaveUser(ctx, u)
			})
		}()
	}
	wg.Wait()

	u, _ := s.GetUser(ctx, "1")
	if !u.Balance.Equal(d(n)) {
		t.Errorf("balance = %s, want %d (lost update)", u.Balance, n)
	}
}

func TestMemoryStore_WithinUserTxUnknownUser(t *testing.T) {
	s := NewMemoryStore()
	err := s.WithinUserTx(context.Background(), "nobody", func(context.Context, Tx) error { return nil })
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_MarkSkipsClosed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedUser(t, s, "1", 2000)
	_ = s.WithinUserTx(ctx, "1", func(ctx context.Context, tx Tx) error {
		_ = tx.InsertPosition(ctx, openPosition("open", "1"))
		_ = tx.InsertPosition(ctx, openPosition("closed", "1"))
		return nil
	})
	_ = s.WithinUserTx(ctx, "1", func(ctx context.Context, tx Tx) error {
		_, err := tx.ClosePosition(ctx, model.PositionClose{PositionID: "closed", CurrentPrice: d(50000), Reason: model.CloseManual, ClosedAt: time.Now()})
		return err
	})

	err := s.MarkPositions(ctx, []model.Mark{
		{PositionID: "open", CurrentPrice: d(51000), UnrealizedPnL: d(1000000)},
		{PositionID: "closed", CurrentPrice: d(1), UnrealizedPnL: d(-1)},
	})
	if err != nil {
		t.Fatalf("MarkPositions: %v", err)
	}

	open, _ := s.GetPosition(ctx, "open")
	if !open.CurrentPrice.Equal(d(51000)) {
		t.Errorf("open position not marked: %s", open.CurrentPrice)
	}
	closed, _ := s.GetPosition(ctx, "closed")
	if !closed.CurrentPrice.Equal(d(50000)) {
		t.Errorf("closed position was marked: %s", closed.CurrentPrice)
	}
}

func TestMemoryStore_UpdateRanksAndPurge(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedUser(t, s, "1", 2000)
	seedUser(t, s, "2", 2000)

	_ = s.UpdateRanks(ctx, map[string]int{"1": 1, "2": 2})
	_ = s.UpdateRanks(ctx, map[string]int{"2": 1})
	u1, _ := s.GetUser(ctx, "1")
	u2, _ := s.GetUser(ctx, "2")
	if u1.Rank != 0 || u2.Rank != 1 {
		t.Errorf("ranks = %d,%d, want 0,1", u1.Rank, u2.Rank)
	}

	_ = s.WithinUserTx(ctx, "1", func(ctx context.Context, tx Tx) error {
		_ = tx.InsertPosition(ctx, openPosition("old", "1"))
		_ = tx.InsertPosition(ctx, openPosition("live", "1"))
		_, err := tx.ClosePosition(ctx, model.PositionClose{PositionID: "old", Reason: model.CloseManual, ClosedAt: time.Now().AddDate(0, 0, -31)})
		return err
	})

	purged, err := s.PurgeClosedPositions(ctx, time.Now().AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if len(purged) != 1 || purged[0] != "old" {
		t.Errorf("purged = %v, want [old]", purged)
	}
	if _, err := s.GetPosition(ctx, "live"); err != nil {
		t.Errorf("open position purged: %v", err)
	}
}

func TestMemoryStore_Stats(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	empty, err := s.Stats(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if empty.TotalUsers != 0 || !empty.AverageBalance.IsZero() || !empty.AverageOpenLeverage.IsZero() {
		t.Errorf("empty stats = %+v", empty)
	}

	users := []*model.User{
		{ID: "a", Balance: d(1000), TotalProfit: d(50), WinRate: d(50), LastActive: now},
		{ID: "b", Balance: d(2001), TotalProfit: d(-20), WinRate: d(0), LastActive: now.Add(-48 * time.Hour)},
	}
	for _, u := range users {
		if err := s.CreateUser(ctx, u, nil); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
	}
	_ = s.WithinUserTx(ctx, "a", func(ctx context.Context, tx Tx) error {
		low := openPosition("p2", "a")
		low.Leverage = 5
		_ = tx.InsertPosition(ctx, openPosition("p1", "a"))
		_ = tx.InsertPosition(ctx, low)
		_ = tx.InsertPosition(ctx, openPosition("p3", "a"))
		_, err := tx.ClosePosition(ctx, model.PositionClose{PositionID: "p3", Reason: model.CloseManual, ClosedAt: now})
		return err
	})

	st, err := s.Stats(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.TotalUsers != 2 || st.ActiveUsers != 1 || st.TotalPositions != 3 || st.OpenPositions != 2 {
		t.Errorf("counts = %+v", st)
	}
	checks := []struct {
		name      string
		got, want decimal.Decimal
	}{
		{"closed volume", st.ClosedVolume, d(50000000)}, // 100 · 50000 · 10
		{"total profit", st.TotalProfit, d(30)},
		{"average balance", st.AverageBalance, d(1500.5)},
		{"average win rate", st.AverageWinRate, d(25)},
		{"average open leverage", st.AverageOpenLeverage, d(7.5)},
	}
	for _, c := range checks {
		if !c.got.Equal(c.want) {
			t.Errorf("%s = %s, want %s", c.name, c.got, c.want)
		}
	}
}
