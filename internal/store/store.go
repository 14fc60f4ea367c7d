// Package store defines the persistence interface for the trading engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-process deployments).
package store

import (
	"context"
	"time"

	"github.com/prokazin/telegram-trading-game/internal/model"
)

// Store is the persistence interface. Reads outside a transaction may be
// stale by the time the caller acts on them; every balance or position
// mutation goes through WithinUserTx.
type Store interface {
	// --- Users ---

	// CreateUser persists a new user together with its opening ledger entry.
	// Returns model.ErrAlreadyExists if the ID is taken.
	CreateUser(ctx context.Context, user *model.User, opening *model.Transaction) error

	// GetUser retrieves a user by ID or returns model.ErrNotFound.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// ListUsers returns all users.
	ListUsers(ctx context.Context) ([]model.User, error)

	// UpdateRanks writes rank for every user: users present in ranks get the
	// mapped value, everyone else is reset to 0. No other field is touched.
	UpdateRanks(ctx context.Context, ranks map[string]int) error

	// Stats aggregates users and positions for the admin overview. A user is
	// active if last_active is at or after activeSince.
	Stats(ctx context.Context, activeSince time.Time) (*model.Stats, error)

	// --- Positions ---

	// GetPosition retrieves a position by ID or returns model.ErrNotFound.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListOpenPositions returns every open position across all users.
	ListOpenPositions(ctx context.Context) ([]model.Position, error)

	// ListUserPositions returns a user's positions, newest first.
	ListUserPositions(ctx context.Context, userID string, openOnly bool) ([]model.Position, error)

	// MarkPositions applies mark-to-market updates. Marks for positions that
	// are no longer open are ignored.
	MarkPositions(ctx context.Context, marks []model.Mark) error

	// PurgeClosedPositions deletes positions closed before cutoff and returns
	// their IDs. Ledger entries are never purged.
	PurgeClosedPositions(ctx context.Context, cutoff time.Time) ([]string, error)

	// --- Immutable ledger ---

	// ListTransactions returns a user's ledger entries in creation order.
	ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error)

	// --- Transactions ---

	// WithinUserTx runs fn in a transaction that holds userID's lock, so
	// balance mutations for one user are serialized. If fn returns an error
	// nothing it wrote is persisted. Returns model.ErrNotFound if the user
	// does not exist.
	WithinUserTx(ctx context.Context, userID string, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the write surface available inside WithinUserTx.
type Tx interface {
	// GetUser returns the locked user, reflecting writes made in this Tx.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// SaveUser persists balance and trade statistics. Rank is not written.
	SaveUser(ctx context.Context, user *model.User) error

	// CountOpenPositions returns how many open positions the user holds.
	CountOpenPositions(ctx context.Context, userID string) (int, error)

	// GetPosition reads a position as seen by this Tx.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// InsertPosition persists a new open position.
	InsertPosition(ctx context.Context, p *model.Position) error

	// ClosePosition atomically flips is_open from true to false and records
	// the close fields. It returns false, with no error, if the position was
	// already closed; the caller must then perform no other mutation.
	ClosePosition(ctx context.Context, c model.PositionClose) (bool, error)

	// LastTransaction returns the user's most recent ledger entry, or nil.
	LastTransaction(ctx context.Context, userID string) (*model.Transaction, error)

	// AppendTransaction appends an immutable ledger entry and assigns Seq.
	AppendTransaction(ctx context.Context, entry *model.Transaction) error
}
