package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prokazin/telegram-trading-game/internal/model"
	"github.com/shopspring/decimal"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Per-user serialization comes from userLocks; s.mu only guards the maps
// themselves and is never held while a transaction callback runs.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*model.User
	positions map[string]*model.Position
	ledger    []model.Transaction
	seq       int64

	locksMu   sync.Mutex
	userLocks map[string]*sync.Mutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*model.User),
		positions: make(map[string]*model.Position),
		userLocks: make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User, opening *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, model.ErrAlreadyExists)
	}
	copy := *u
	s.users[u.ID] = &copy
	if opening != nil {
		s.seq++
		opening.Seq = s.seq
		s.ledger = append(s.ledger, *opening)
	}
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, model.ErrNotFound)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *MemoryStore) UpdateRanks(_ context.Context, ranks map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, u := range s.users {
		u.Rank = ranks[id]
	}
	return nil
}

func (s *MemoryStore) Stats(_ context.Context, activeSince time.Time) (*model.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &model.Stats{
		TotalUsers:     len(s.users),
		TotalPositions: len(s.positions),
		ClosedVolume:   decimal.Zero,
		TotalProfit:    decimal.Zero,
		ActiveSince:    activeSince,
	}
	balances, winRates := decimal.Zero, decimal.Zero
	for _, u := range s.users {
		if !u.LastActive.Before(activeSince) {
			st.ActiveUsers++
		}
		st.TotalProfit = st.TotalProfit.Add(u.TotalProfit)
		balances = balances.Add(u.Balance)
		winRates = winRates.Add(u.WinRate)
	}
	leverage := 0
	for _, p := range s.positions {
		if p.IsOpen {
			st.OpenPositions++
			leverage += p.Leverage
			continue
		}
		st.ClosedVolume = st.ClosedVolume.Add(p.Amount.Mul(p.EntryPrice).Mul(decimal.NewFromInt(int64(p.Leverage))))
	}
	st.AverageBalance = average(balances, st.TotalUsers)
	st.AverageWinRate = average(winRates, st.TotalUsers)
	st.AverageOpenLeverage = average(decimal.NewFromInt(int64(leverage)), st.OpenPositions)
	return st, nil
}

func average(sum decimal.Decimal, n int) decimal.Decimal {
	if n == 0 {
		return decimal.Zero
	}
	return sum.DivRound(decimal.NewFromInt(int64(n)), 2)
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, model.ErrNotFound)
	}
	return clonePosition(p), nil
}

func (s *MemoryStore) ListOpenPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.IsOpen {
			result = append(result, *clonePosition(p))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OpenedAt.Before(result[j].OpenedAt) })
	return result, nil
}

func (s *MemoryStore) ListUserPositions(_ context.Context, userID string, openOnly bool) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.UserID != userID || (openOnly && !p.IsOpen) {
			continue
		}
		result = append(result, *clonePosition(p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OpenedAt.After(result[j].OpenedAt) })
	return result, nil
}

func (s *MemoryStore) MarkPositions(_ context.Context, marks []model.Mark) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range marks {
		p, ok := s.positions[m.PositionID]
		if !ok || !p.IsOpen {
			continue
		}
		p.CurrentPrice = m.CurrentPrice
		p.UnrealizedPnL = m.UnrealizedPnL
	}
	return nil
}

func (s *MemoryStore) PurgeClosedPositions(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged []string
	for id, p := range s.positions {
		if !p.IsOpen && p.ClosedAt != nil && p.ClosedAt.Before(cutoff) {
			delete(s.positions, id)
			purged = append(purged, id)
		}
	}
	sort.Strings(purged)
	return purged, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, e := range s.ledger {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

// WithinUserTx stages every write in a memTx and applies them under s.mu
// only if fn succeeds.
func (s *MemoryStore) WithinUserTx(ctx context.Context, userID string, fn func(ctx context.Context, tx Tx) error) error {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return err
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	tx := &memTx{
		s:       s,
		userID:  userID,
		inserts: make(map[string]*model.Position),
		closes:  make(map[string]model.PositionClose),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

func (s *MemoryStore) userLock(userID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.userLocks[userID] = l
	}
	return l
}

// memTx buffers writes for one WithinUserTx call.
type memTx struct {
	s       *MemoryStore
	userID  string
	user    *model.User
	inserts map[string]*model.Position
	closes  map[string]model.PositionClose
	entries []model.Transaction
}

func (t *memTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	if id != t.userID {
		return nil, fmt.Errorf("user %s is not locked by this transaction", id)
	}
	if t.user != nil {
		copy := *t.user
		return &copy, nil
	}
	return t.s.GetUser(ctx, id)
}

func (t *memTx) SaveUser(_ context.Context, u *model.User) error {
	if u.ID != t.userID {
		return fmt.Errorf("user %s is not locked by this transaction", u.ID)
	}
	copy := *u
	t.user = &copy
	return nil
}

func (t *memTx) CountOpenPositions(_ context.Context, userID string) (int, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	n := 0
	for id, p := range t.s.positions {
		if _, closing := t.closes[id]; p.UserID == userID && p.IsOpen && !closing {
			n++
		}
	}
	for _, p := range t.inserts {
		if p.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	if p, ok := t.inserts[id]; ok {
		return clonePosition(p), nil
	}
	p, err := t.s.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if c, ok := t.closes[id]; ok {
		applyClose(p, c)
	}
	return p, nil
}

func (t *memTx) InsertPosition(_ context.Context, p *model.Position) error {
	t.s.mu.RLock()
	_, exists := t.s.positions[p.ID]
	t.s.mu.RUnlock()
	if _, staged := t.inserts[p.ID]; exists || staged {
		return fmt.Errorf("position %s: %w", p.ID, model.ErrAlreadyExists)
	}
	t.inserts[p.ID] = clonePosition(p)
	return nil
}

func (t *memTx) ClosePosition(ctx context.Context, c model.PositionClose) (bool, error) {
	if _, ok := t.closes[c.PositionID]; ok {
		return false, nil
	}
	p, err := t.GetPosition(ctx, c.PositionID)
	if err != nil {
		return false, err
	}
	if !p.IsOpen {
		return false, nil
	}
	t.closes[c.PositionID] = c
	return true, nil
}

func (t *memTx) LastTransaction(_ context.Context, userID string) (*model.Transaction, error) {
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].UserID == userID {
			e := t.entries[i]
			return &e, nil
		}
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for i := len(t.s.ledger) - 1; i >= 0; i-- {
		if t.s.ledger[i].UserID == userID {
			e := t.s.ledger[i]
			return &e, nil
		}
	}
	return nil, nil
}

func (t *memTx) AppendTransaction(_ context.Context, e *model.Transaction) error {
	t.entries = append(t.entries, *e)
	return nil
}

// commit re-checks the open→closed transition under the write lock so a
// close can never be applied twice, then publishes every staged write.
func (t *memTx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range t.closes {
		p, ok := s.positions[id]
		if !ok {
			if _, staged := t.inserts[id]; staged {
				continue
			}
			return fmt.Errorf("position %s: %w", id, model.ErrNotFound)
		}
		if !p.IsOpen {
			return fmt.Errorf("position %s: %w", id, model.ErrAlreadyClosed)
		}
	}

	for id, p := range t.inserts {
		s.positions[id] = p
	}
	for id, c := range t.closes {
		applyClose(s.positions[id], c)
	}
	for i := range t.entries {
		s.seq++
		t.entries[i].Seq = s.seq
		s.ledger = append(s.ledger, t.entries[i])
	}
	if t.user != nil {
		u := *t.user
		if existing, ok := s.users[u.ID]; ok {
			u.Rank = existing.Rank
		}
		s.users[u.ID] = &u
	}
	return nil
}

func applyClose(p *model.Position, c model.PositionClose) {
	closedAt := c.ClosedAt
	p.IsOpen = false
	p.CurrentPrice = c.CurrentPrice
	p.RealizedPnL = c.RealizedPnL
	p.UnrealizedPnL = decimal.Zero
	p.CloseReason = c.Reason
	p.ClosedAt = &closedAt
}

func clonePosition(p *model.Position) *model.Position {
	copy := *p
	if p.StopLoss != nil {
		sl := *p.StopLoss
		copy.StopLoss = &sl
	}
	if p.TakeProfit != nil {
		tp := *p.TakeProfit
		copy.TakeProfit = &tp
	}
	if p.ClosedAt != nil {
		at := *p.ClosedAt
		copy.ClosedAt = &at
	}
	return &copy
}
