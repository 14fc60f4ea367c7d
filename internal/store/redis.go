package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/prokazin/telegram-trading-game/internal/model"
)

// setIfCurrentLua writes a cache entry only if the key's generation is still
// the one the reader saw before loading from the primary.
//
// KEYS[1] = cache key, KEYS[2] = generation key
// ARGV[1] = expected generation, ARGV[2] = payload, ARGV[3] = ttl in ms
const setIfCurrentLua = `
local gen = redis.call('GET', KEYS[2]) or '0'
if gen ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for users and positions. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary. Transactions are never served from cache.
//
// Every invalidation bumps a per-key generation. A reader that missed the
// cache only writes its value back if the generation is unchanged, so a
// load that raced a commit cannot repopulate the cache with the old row.
type CachedStore struct {
	primary    Store
	rdb        *redis.Client
	ttl        time.Duration
	setCurrent *redis.Script
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedStore{
		primary:    primary,
		rdb:        rdb,
		ttl:        ttl,
		setCurrent: redis.NewScript(setIfCurrentLua),
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User, opening *model.Transaction) error {
	if err := s.primary.CreateUser(ctx, u, opening); err != nil {
		return err
	}
	s.del(ctx, userKey(u.ID))
	return nil
}

// UpdateRanks touches every user row, so every cached user is dropped.
func (s *CachedStore) UpdateRanks(ctx context.Context, ranks map[string]int) error {
	if err := s.primary.UpdateRanks(ctx, ranks); err != nil {
		return err
	}
	users, err := s.primary.ListUsers(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(users))
	for _, u := range users {
		keys = append(keys, userKey(u.ID))
	}
	s.del(ctx, keys...)
	return nil
}

func (s *CachedStore) MarkPositions(ctx context.Context, marks []model.Mark) error {
	if err := s.primary.MarkPositions(ctx, marks); err != nil {
		return err
	}
	keys := make([]string, 0, len(marks))
	for _, m := range marks {
		keys = append(keys, positionKey(m.PositionID))
	}
	s.del(ctx, keys...)
	return nil
}

func (s *CachedStore) PurgeClosedPositions(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := s.primary.PurgeClosedPositions(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, positionKey(id))
	}
	s.del(ctx, keys...)
	return ids, nil
}

// WithinUserTx records which positions the transaction touched and
// invalidates them, plus the user, once the primary has committed.
func (s *CachedStore) WithinUserTx(ctx context.Context, userID string, fn func(ctx context.Context, tx Tx) error) error {
	var touched []string
	err := s.primary.WithinUserTx(ctx, userID, func(ctx context.Context, tx Tx) error {
		touched = touched[:0]
		return fn(ctx, &trackingTx{Tx: tx, touched: &touched})
	})
	if err != nil {
		return err
	}
	keys := []string{userKey(userID)}
	for _, id := range touched {
		keys = append(keys, positionKey(id))
	}
	s.del(ctx, keys...)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	key := userKey(id)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	gen := s.generation(ctx, key)
	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, key, gen, u)
	return u, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	key := positionKey(id)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	gen := s.generation(ctx, key)
	p, err := s.primary.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, key, gen, p)
	return p, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.primary.ListUsers(ctx)
}

func (s *CachedStore) Stats(ctx context.Context, activeSince time.Time) (*model.Stats, error) {
	return s.primary.Stats(ctx, activeSince)
}

func (s *CachedStore) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	return s.primary.ListOpenPositions(ctx)
}

func (s *CachedStore) ListUserPositions(ctx context.Context, userID string, openOnly bool) ([]model.Position, error) {
	return s.primary.ListUserPositions(ctx, userID, openOnly)
}

func (s *CachedStore) ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.ListTransactions(ctx, userID)
}

// trackingTx forwards to the primary Tx and remembers position writes.
type trackingTx struct {
	Tx
	touched *[]string
}

func (t *trackingTx) InsertPosition(ctx context.Context, p *model.Position) error {
	*t.touched = append(*t.touched, p.ID)
	return t.Tx.InsertPosition(ctx, p)
}

func (t *trackingTx) ClosePosition(ctx context.Context, c model.PositionClose) (bool, error) {
	*t.touched = append(*t.touched, c.PositionID)
	return t.Tx.ClosePosition(ctx, c)
}

// --- Cache helpers ---

// generation returns the key's current generation, "0" if it has none.
func (s *CachedStore) generation(ctx context.Context, key string) string {
	gen, err := s.rdb.Get(ctx, genKey(key)).Result()
	if err != nil {
		return "0"
	}
	return gen
}

func (s *CachedStore) cache(ctx context.Context, key, gen string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.setCurrent.Run(ctx, s.rdb, []string{key, genKey(key)}, gen, data, s.ttl.Milliseconds())
}

// del drops keys and bumps their generations in one round trip. Generations
// outlive entries by a wide margin so an in-flight reader never sees one
// expire and reset.
func (s *CachedStore) del(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, keys...)
	for _, k := range keys {
		pipe.Incr(ctx, genKey(k))
		pipe.PExpire(ctx, genKey(k), 10*s.ttl+time.Minute)
	}
	pipe.Exec(ctx)
}

func userKey(id string) string     { return fmt.Sprintf("user:%s", id) }
func positionKey(id string) string { return fmt.Sprintf("position:%s", id) }
func genKey(key string) string     { return "gen:" + key }
