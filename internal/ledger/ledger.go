// Package ledger is the only place a user's balance changes. Every mutation
// is recorded as an immutable Transaction whose balance_before/after bracket
// the change, so replaying a user's entries from zero reproduces the balance.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prokazin/telegram-trading-game/internal/model"
	"github.com/shopspring/decimal"
)

// Writer is the transactional surface Post needs. store.Tx satisfies it; the
// caller must hold the user's lock for the duration of the transaction.
type Writer interface {
	LastTransaction(ctx context.Context, userID string) (*model.Transaction, error)
	AppendTransaction(ctx context.Context, entry *model.Transaction) error
	SaveUser(ctx context.Context, user *model.User) error
}

// Opening builds the deposit entry that funds a new user, taking the balance
// from zero to user.Balance.
func Opening(user *model.User, now time.Time) *model.Transaction {
	return &model.Transaction{
		ID:            uuid.New().String(),
		UserID:        user.ID,
		Kind:          model.TxDeposit,
		Amount:        user.Balance,
		BalanceBefore: decimal.Zero,
		BalanceAfter:  user.Balance,
		Details:       map[string]any{"reason": "initial_balance"},
		CreatedAt:     now,
	}
}

// Post applies delta to user's balance and appends the matching entry.
//
// The resulting balance is clamped at zero; the entry's Amount is the
// effective change, not the requested delta. Before mutating, Post checks
// that the user's latest entry agrees with the stored balance and fails with
// ErrConsistencyViolation if it does not. user is updated in place.
func Post(ctx context.Context, w Writer, user *model.User, kind model.TxKind, delta decimal.Decimal, details map[string]any, now time.Time) (*model.Transaction, error) {
	last, err := w.LastTransaction(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("ledger: last entry for %s: %w", user.ID, err)
	}
	if last == nil {
		return nil, fmt.Errorf("%w: user %s has no ledger entries", model.ErrConsistencyViolation, user.ID)
	}
	if !last.BalanceAfter.Equal(user.Balance) {
		return nil, fmt.Errorf("%w: user %s balance %s, latest entry %s says %s",
			model.ErrConsistencyViolation, user.ID, user.Balance, last.ID, last.BalanceAfter)
	}

	before := user.Balance
	after := before.Add(delta)
	if after.IsNegative() {
		after = decimal.Zero
	}

	entry := &model.Transaction{
		ID:            uuid.New().String(),
		UserID:        user.ID,
		Kind:          kind,
		Amount:        after.Sub(before),
		BalanceBefore: before,
		BalanceAfter:  after,
		Details:       details,
		CreatedAt:     now,
	}
	if err := w.AppendTransaction(ctx, entry); err != nil {
		return nil, fmt.Errorf("ledger: append: %w", err)
	}

	user.Balance = after
	user.LastActive = now
	if err := w.SaveUser(ctx, user); err != nil {
		return nil, fmt.Errorf("ledger: save user: %w", err)
	}
	return entry, nil
}

// Replay folds entries (in creation order) from a zero balance and returns
// the final balance. Each entry must start where the previous one ended and
// satisfy before + amount = after.
func Replay(entries []model.Transaction) (decimal.Decimal, error) {
	balance := decimal.Zero
	for i := range entries {
		e := &entries[i]
		if !e.BalanceBefore.Equal(balance) {
			return balance, fmt.Errorf("%w: entry %s starts at %s, expected %s",
				model.ErrConsistencyViolation, e.ID, e.BalanceBefore, balance)
		}
		if !e.BalanceBefore.Add(e.Amount).Equal(e.BalanceAfter) {
			return balance, fmt.Errorf("%w: entry %s: %s + %s != %s",
				model.ErrConsistencyViolation, e.ID, e.BalanceBefore, e.Amount, e.BalanceAfter)
		}
		balance = e.BalanceAfter
	}
	return balance, nil
}

// Verify replays entries and checks the result against user's balance.
func Verify(user *model.User, entries []model.Transaction) error {
	replayed, err := Replay(entries)
	if err != nil {
		return err
	}
	if !replayed.Equal(user.Balance) {
		return fmt.Errorf("%w: user %s balance %s, ledger replays to %s",
			model.ErrConsistencyViolation, user.ID, user.Balance, replayed)
	}
	return nil
}
