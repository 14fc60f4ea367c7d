package market

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"github.com/prokazin/telegram-trading-game/internal/model"
	"github.com/shopspring/decimal"
)

// DefaultBasePrices anchor the synthetic generator for the default symbols.
var DefaultBasePrices = map[string]decimal.Decimal{
	"BTC/USDT": decimal.NewFromInt(45000),
	"ETH/USDT": decimal.NewFromInt(2400),
	"BNB/USDT": decimal.NewFromInt(300),
}

// fallbackBasePrice is used for symbols without a configured anchor.
var fallbackBasePrice = decimal.NewFromInt(100)

// syntheticScale is the number of decimal places synthetic prices carry.
const syntheticScale int32 = 2

// SyntheticProvider generates deterministic prices. The same symbol and
// time bucket always yield the same value, so restarts and replicas agree.
// It never fails.
type SyntheticProvider struct {
	basePrices map[string]decimal.Decimal
	step       time.Duration
	now        func() time.Time
}

// NewSyntheticProvider creates a generator anchored at basePrices. step is
// the bucket width for last-price jitter; zero means one minute.
func NewSyntheticProvider(basePrices map[string]decimal.Decimal, step time.Duration) *SyntheticProvider {
	if basePrices == nil {
		basePrices = DefaultBasePrices
	}
	if step <= 0 {
		step = time.Minute
	}
	return &SyntheticProvider{basePrices: basePrices, step: step, now: time.Now}
}

// FetchLastPrice returns base · exp(N(0, 1%)) for the current time bucket.
func (p *SyntheticProvider) FetchLastPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	base := p.base(symbol)
	bucket := p.now().UnixNano() / int64(p.step)
	rng := rand.New(rand.NewSource(symbolSeed(symbol) ^ bucket))
	factor := math.Exp(rng.NormFloat64() * 0.01)
	return scale(base, factor), nil
}

// FetchOHLC returns a geometric random walk of limit candles ending at the
// current timeframe boundary, oldest first. Unknown timeframes fall back to
// one hour.
func (p *SyntheticProvider) FetchOHLC(_ context.Context, symbol, timeframe string, limit int) ([]model.Candle, error) {
	interval, err := ParseTimeframe(timeframe)
	if err != nil {
		interval = time.Hour
	}
	if limit <= 0 {
		return nil, nil
	}

	base := p.base(symbol)
	rng := rand.New(rand.NewSource(symbolSeed(symbol)))
	end := p.now().Truncate(interval)

	candles := make([]model.Candle, limit)
	walk := 0.0
	for i := 0; i < limit; i++ {
		walk += rng.NormFloat64() * 0.02
		level := math.Exp(walk)
		open := level * (1 + rng.NormFloat64()*0.01)
		high := math.Max(level, open) * (1 + math.Abs(rng.NormFloat64()*0.02))
		low := math.Min(level, open) * (1 - math.Min(math.Abs(rng.NormFloat64()*0.02), 0.5))
		volume := 1000 + rng.Intn(99000)

		candles[i] = model.Candle{
			Timestamp: end.Add(-time.Duration(limit-1-i) * interval).UTC(),
			Open:      scale(base, open),
			High:      scale(base, high),
			Low:       scale(base, low),
			Close:     scale(base, level),
			Volume:    decimal.NewFromInt(int64(volume)),
		}
	}
	return candles, nil
}

func (p *SyntheticProvider) base(symbol string) decimal.Decimal {
	if b, ok := p.basePrices[symbol]; ok {
		return b
	}
	return fallbackBasePrice
}

func symbolSeed(symbol string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	return int64(h.Sum64() & math.MaxInt64)
}

func scale(base decimal.Decimal, factor float64) decimal.Decimal {
	v := base.Mul(decimal.NewFromFloat(factor)).Round(syntheticScale)
	if !v.IsPositive() {
		return decimal.New(1, -syntheticScale)
	}
	return v
}
