package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prokazin/telegram-trading-game/internal/metrics"
	"github.com/prokazin/telegram-trading-game/internal/model"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// FeedConfig tunes a Feed.
type FeedConfig struct {
	Symbols      []string
	FetchTimeout time.Duration // per attempt
	Retries      uint          // extra attempts after the first
	RetryBackoff time.Duration // initial backoff interval
	OHLCCacheTTL time.Duration
}

// Feed owns the price snapshot. Refresh is its only writer; Price, Prices
// and OHLC may be called concurrently from any goroutine.
type Feed struct {
	primary  Provider // nil when live market data is disabled
	fallback *SyntheticProvider
	mirror   Mirror
	cfg      FeedConfig
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	prices map[string]model.PriceTick

	ohlcMu sync.Mutex
	ohlc   map[string]ohlcEntry
}

type ohlcEntry struct {
	candles   []model.Candle
	fetchedAt time.Time
}

// NewFeed creates a feed. primary may be nil, in which case every price is
// synthetic. mirror may be nil.
func NewFeed(primary Provider, fallback *SyntheticProvider, mirror Mirror, cfg FeedConfig, logger *slog.Logger) *Feed {
	if fallback == nil {
		fallback = NewSyntheticProvider(nil, 0)
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.OHLCCacheTTL <= 0 {
		cfg.OHLCCacheTTL = 300 * time.Second
	}
	return &Feed{
		primary:  primary,
		fallback: fallback,
		mirror:   mirror,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "market_feed")),
		now:      time.Now,
		prices:   make(map[string]model.PriceTick),
		ohlc:     make(map[string]ohlcEntry),
	}
}

// Symbols returns the tracked symbols.
func (f *Feed) Symbols() []string {
	return append([]string(nil), f.cfg.Symbols...)
}

// Warm seeds the snapshot from the mirror so a restarted process resumes
// from the last published prices instead of an empty cache.
func (f *Feed) Warm(ctx context.Context) {
	if f.mirror == nil {
		return
	}
	for _, sym := range f.cfg.Symbols {
		tick, err := f.mirror.Load(ctx, sym)
		if err != nil {
			if !errors.Is(err, ErrNoSnapshot) {
				f.logger.Warn("load mirrored price failed", "symbol", sym, "err", err)
			}
			continue
		}
		f.mu.Lock()
		if _, ok := f.prices[sym]; !ok {
			f.prices[sym] = tick
		}
		f.mu.Unlock()
	}
}

// Refresh fetches every tracked symbol concurrently. A symbol whose fetch
// fails keeps its last-known price; a symbol with no known price gets a
// synthetic one. The returned map holds the per-symbol fetch errors and is
// nil when every fetch succeeded. Refresh never fails as a whole.
func (f *Feed) Refresh(ctx context.Context) map[string]error {
	var (
		mu       sync.Mutex
		failures map[string]error
	)
	var g errgroup.Group
	for _, sym := range f.cfg.Symbols {
		g.Go(func() error {
			if err := f.refreshSymbol(ctx, sym); err != nil {
				mu.Lock()
				if failures == nil {
					failures = make(map[string]error)
				}
				failures[sym] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failures
}

func (f *Feed) refreshSymbol(ctx context.Context, sym string) error {
	if f.primary == nil {
		price, _ := f.fallback.FetchLastPrice(ctx, sym)
		f.publish(ctx, model.PriceTick{Symbol: sym, Price: price, UpdatedAt: f.now(), Synthetic: true})
		return nil
	}

	price, err := f.fetchWithRetry(ctx, sym)
	if err == nil {
		f.publish(ctx, model.PriceTick{Symbol: sym, Price: price, UpdatedAt: f.now()})
		return nil
	}

	metrics.PriceFetchFailures.WithLabelValues(sym).Inc()
	if last, ok := f.Price(sym); ok {
		f.logger.Warn("price fetch failed, keeping last known price",
			"symbol", sym, "price", last.Price.String(), "age", f.now().Sub(last.UpdatedAt).String(), "err", err)
		return err
	}

	synthetic, _ := f.fallback.FetchLastPrice(ctx, sym)
	metrics.SyntheticPrices.WithLabelValues(sym).Inc()
	f.logger.Warn("price fetch failed, no known price, using synthetic",
		"symbol", sym, "price", synthetic.String(), "err", err)
	f.publish(ctx, model.PriceTick{Symbol: sym, Price: synthetic, UpdatedAt: f.now(), Synthetic: true})
	return err
}

// fetchWithRetry bounds each attempt by FetchTimeout and retries transient
// failures with exponential backoff. Non-transient errors stop immediately.
func (f *Feed) fetchWithRetry(ctx context.Context, sym string) (decimal.Decimal, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.cfg.RetryBackoff
	bo.MaxInterval = 4 * f.cfg.RetryBackoff

	op := func() (decimal.Decimal, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.FetchTimeout)
		defer cancel()
		price, err := f.primary.FetchLastPrice(attemptCtx, sym)
		if err == nil {
			return price, nil
		}
		if errors.Is(err, model.ErrTransientSource) {
			return decimal.Zero, err
		}
		return decimal.Zero, backoff.Permanent(err)
	}

	price, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(f.cfg.Retries+1),
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch %s: %w", sym, err)
	}
	return price, nil
}

func (f *Feed) publish(ctx context.Context, tick model.PriceTick) {
	f.mu.Lock()
	f.prices[tick.Symbol] = tick
	f.mu.Unlock()

	if f.mirror != nil {
		if err := f.mirror.Store(ctx, tick); err != nil {
			f.logger.Warn("mirror price failed", "symbol", tick.Symbol, "err", err)
		}
	}
}

// Price returns the latest snapshot for symbol.
func (f *Feed) Price(symbol string) (model.PriceTick, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.prices[symbol]
	return t, ok
}

// Prices returns every known tick, sorted by symbol.
func (f *Feed) Prices() []model.PriceTick {
	f.mu.RLock()
	ticks := make([]model.PriceTick, 0, len(f.prices))
	for _, t := range f.prices {
		ticks = append(ticks, t)
	}
	f.mu.RUnlock()

	sort.Slice(ticks, func(i, j int) bool { return ticks[i].Symbol < ticks[j].Symbol })
	return ticks
}

// OHLC returns candles for (symbol, timeframe), served from a cache that is
// considered fresh for OHLCCacheTTL. Provider failures degrade to synthetic
// candles, which are not cached.
func (f *Feed) OHLC(ctx context.Context, symbol, timeframe string, limit int) ([]model.Candle, error) {
	if _, err := ParseTimeframe(timeframe); err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s_%s_%d", symbol, timeframe, limit)

	f.ohlcMu.Lock()
	entry, ok := f.ohlc[key]
	f.ohlcMu.Unlock()
	if ok && f.now().Sub(entry.fetchedAt) <= f.cfg.OHLCCacheTTL {
		return cloneCandles(entry.candles), nil
	}

	if f.primary != nil {
		fetchCtx, cancel := context.WithTimeout(ctx, f.cfg.FetchTimeout)
		candles, err := f.primary.FetchOHLC(fetchCtx, symbol, timeframe, limit)
		cancel()
		if err == nil {
			f.ohlcMu.Lock()
			f.ohlc[key] = ohlcEntry{candles: candles, fetchedAt: f.now()}
			f.ohlcMu.Unlock()
			return cloneCandles(candles), nil
		}
		f.logger.Warn("ohlc fetch failed, using synthetic", "symbol", symbol, "timeframe", timeframe, "err", err)
	}

	metrics.SyntheticPrices.WithLabelValues(symbol).Inc()
	return f.fallback.FetchOHLC(ctx, symbol, timeframe, limit)
}

func cloneCandles(c []model.Candle) []model.Candle {
	return append([]model.Candle(nil), c...)
}
