package market

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prokazin/telegram-trading-game/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// ErrNoSnapshot is returned by a Mirror that holds no price for a symbol.
var ErrNoSnapshot = errors.New("market: no mirrored price")

// Mirror persists the latest price snapshot outside the process so other
// replicas can read it and a restarted process can start from it.
type Mirror interface {
	Store(ctx context.Context, tick model.PriceTick) error
	Load(ctx context.Context, symbol string) (model.PriceTick, error)
}

// RedisMirror stores each symbol's tick as a hash at "price:{symbol}" with
// fields price, ts (Unix nanoseconds) and synthetic.
type RedisMirror struct {
	rdb *redis.Client
}

// NewRedisMirror creates a mirror backed by rdb.
func NewRedisMirror(rdb *redis.Client) *RedisMirror {
	return &RedisMirror{rdb: rdb}
}

func priceKey(symbol string) string {
	return "price:" + symbol
}

// Store writes the tick.
func (m *RedisMirror) Store(ctx context.Context, tick model.PriceTick) error {
	fields := map[string]interface{}{
		"price":     tick.Price.String(),
		"ts":        strconv.FormatInt(tick.UpdatedAt.UnixNano(), 10),
		"synthetic": strconv.FormatBool(tick.Synthetic),
	}
	if err := m.rdb.HSet(ctx, priceKey(tick.Symbol), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", tick.Symbol, err)
	}
	return nil
}

// Load reads the tick for symbol or returns ErrNoSnapshot.
func (m *RedisMirror) Load(ctx context.Context, symbol string) (model.PriceTick, error) {
	vals, err := m.rdb.HGetAll(ctx, priceKey(symbol)).Result()
	if err != nil {
		return model.PriceTick{}, fmt.Errorf("redis: get price %s: %w", symbol, err)
	}
	priceStr, ok := vals["price"]
	if !ok {
		return model.PriceTick{}, ErrNoSnapshot
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return model.PriceTick{}, fmt.Errorf("redis: parse price %s: %w", symbol, err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return model.PriceTick{}, fmt.Errorf("redis: parse ts %s: %w", symbol, err)
	}
	synthetic, _ := strconv.ParseBool(vals["synthetic"])
	return model.PriceTick{
		Symbol:    symbol,
		Price:     price,
		UpdatedAt: time.Unix(0, tsNano),
		Synthetic: synthetic,
	}, nil
}
