package market

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prokazin/telegram-trading-game/internal/model"
	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Symbols ---

func TestParseSymbol(t *testing.T) {
	s, err := ParseSymbol("btc/usdt")
	if err != nil {
		t.Fatalf("ParseSymbol: %v", err)
	}
	if s.String() != "BTC/USDT" || s.ExchangeID() != "BTCUSDT" {
		t.Errorf("got %s / %s", s, s.ExchangeID())
	}

	for _, bad := range []string{"", "BTCUSDT", "BTC/", "/USDT", "BTC-USDT", "B/USDT"} {
		if _, err := ParseSymbol(bad); !errors.Is(err, model.ErrValidation) {
			t.Errorf("ParseSymbol(%q) = %v, want validation error", bad, err)
		}
	}
}

func TestParseTimeframe(t *testing.T) {
	if dur, err := ParseTimeframe("4h"); err != nil || dur != 4*time.Hour {
		t.Errorf("4h = %v, %v", dur, err)
	}
	if _, err := ParseTimeframe("2h"); !errors.Is(err, ErrInvalidTimeframe) {
		t.Errorf("2h: got %v", err)
	}
}

// --- Synthetic ---

func TestSynthetic_Deterministic(t *testing.T) {
	fixed := time.Date(2025, 1, 1, 12, 0, 30, 0, time.UTC)
	a := NewSyntheticProvider(nil, time.Minute)
	b := NewSyntheticProvider(nil, time.Minute)
	a.now = func() time.Time { return fixed }
	b.now = func() time.Time { return fixed.Add(10 * time.Second) }

	pa, _ := a.FetchLastPrice(context.Background(), "BTC/USDT")
	pb, _ := b.FetchLastPrice(context.Background(), "BTC/USDT")
	if !pa.Equal(pb) {
		t.Errorf("same bucket gave %s and %s", pa, pb)
	}
	if pa.LessThan(d(40000)) || pa.GreaterThan(d(50000)) {
		t.Errorf("BTC synthetic price %s far from anchor 45000", pa)
	}
}

func TestSynthetic_OHLCShape(t *testing.T) {
	p := NewSyntheticProvider(nil, 0)
	p.now = func() time.Time { return time.Date(2025, 3, 1, 10, 17, 0, 0, time.UTC) }

	candles, err := p.FetchOHLC(context.Background(), "ETH/USDT", "1h", 100)
	if err != nil {
		t.Fatalf("FetchOHLC: %v", err)
	}
	if len(candles) != 100 {
		t.Fatalf("len = %d, want 100", len(candles))
	}
	last := candles[len(candles)-1]
	if !last.Timestamp.Equal(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("last candle at %v, want 10:00", last.Timestamp)
	}
	for i, c := range candles {
		if i > 0 && !c.Timestamp.After(candles[i-1].Timestamp) {
			t.Fatalf("candle %d not after previous", i)
		}
		if c.High.LessThan(c.Open) || c.High.LessThan(c.Close) || c.Low.GreaterThan(c.Open) || c.Low.GreaterThan(c.Close) {
			t.Fatalf("candle %d breaks high/low bounds: %+v", i, c)
		}
		if !c.Low.IsPositive() {
			t.Fatalf("candle %d has non-positive low %s", i, c.Low)
		}
	}

	again, _ := p.FetchOHLC(context.Background(), "ETH/USDT", "1h", 100)
	if !again[50].Close.Equal(candles[50].Close) {
		t.Error("OHLC series is not deterministic")
	}
}

// --- Binance ---

func newBinanceServer(t *testing.T, handler http.HandlerFunc) *BinanceClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewBinanceClient(srv.URL, 2*time.Second)
}

func TestBinance_FetchLastPrice(t *testing.T) {
	c := newBinanceServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/ticker/price" || r.URL.Query().Get("symbol") != "BTCUSDT" {
			t.Errorf("unexpected request %s", r.URL)
		}
		_, _ = io.WriteString(w, `{"symbol":"BTCUSDT","price":"45123.45000000"}`)
	})

	price, err := c.FetchLastPrice(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("FetchLastPrice: %v", err)
	}
	if !price.Equal(d(45123.45)) {
		t.Errorf("price = %s, want 45123.45", price)
	}
}

func TestBinance_FetchOHLC(t *testing.T) {
	c := newBinanceServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("interval") != "15m" || q.Get("limit") != "2" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = io.WriteString(w, `[
			[1700000000000,"100.0","110.0","95.0","105.0","12.5",1700000899999,"0",1,"0","0","0"],
			[1700000900000,"105.0","106.0","101.0","102.0","8.0",1700001799999,"0",1,"0","0","0"]
		]`)
	})

	candles, err := c.FetchOHLC(context.Background(), "BNB/USDT", "15m", 2)
	if err != nil {
		t.Fatalf("FetchOHLC: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("len = %d, want 2", len(candles))
	}
	if !candles[0].Timestamp.Equal(time.UnixMilli(1700000000000)) || !candles[0].High.Equal(d(110)) || !candles[1].Close.Equal(d(102)) {
		t.Errorf("candles = %+v", candles)
	}
}

func TestBinance_StatusClassification(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	c := newBinanceServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		_, _ = io.WriteString(w, `{"code":-1,"msg":"nope"}`)
	})

	if _, err := c.FetchLastPrice(context.Background(), "BTC/USDT"); !errors.Is(err, model.ErrTransientSource) {
		t.Errorf("503: got %v, want transient", err)
	}
	status.Store(http.StatusBadRequest)
	_, err := c.FetchLastPrice(context.Background(), "BTC/USDT")
	if err == nil || errors.Is(err, model.ErrTransientSource) {
		t.Errorf("400: got %v, want non-transient error", err)
	}
}

// --- Feed ---

type scriptedProvider struct {
	mu     sync.Mutex
	calls  atomic.Int32
	prices map[string]decimal.Decimal
	err    error
	ohlc   []model.Candle
}

func (p *scriptedProvider) FetchLastPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return decimal.Zero, p.err
	}
	return p.prices[symbol], nil
}

func (p *scriptedProvider) FetchOHLC(context.Context, string, string, int) ([]model.Candle, error) {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return p.ohlc, nil
}

func (p *scriptedProvider) fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

type memMirror struct {
	mu    sync.Mutex
	ticks map[string]model.PriceTick
}

func (m *memMirror) Store(_ context.Context, t model.PriceTick) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks[t.Symbol] = t
	return nil
}

func (m *memMirror) Load(_ context.Context, symbol string) (model.PriceTick, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.ticks[symbol]
	if !ok {
		return model.PriceTick{}, ErrNoSnapshot
	}
	return t, nil
}

func newTestFeed(p Provider, mirror Mirror) *Feed {
	return NewFeed(p, nil, mirror, FeedConfig{
		Symbols:      []string{"BTC/USDT", "ETH/USDT"},
		FetchTimeout: time.Second,
		Retries:      2,
		RetryBackoff: time.Millisecond,
		OHLCCacheTTL: 300 * time.Second,
	}, discardLogger())
}

func TestFeed_RefreshPublishes(t *testing.T) {
	p := &scriptedProvider{prices: map[string]decimal.Decimal{"BTC/USDT": d(50000), "ETH/USDT": d(2500)}}
	mirror := &memMirror{ticks: map[string]model.PriceTick{}}
	f := newTestFeed(p, mirror)

	if failures := f.Refresh(context.Background()); failures != nil {
		t.Fatalf("unexpected failures: %v", failures)
	}
	tick, ok := f.Price("BTC/USDT")
	if !ok || !tick.Price.Equal(d(50000)) || tick.Synthetic {
		t.Errorf("BTC tick = %+v", tick)
	}
	if len(f.Prices()) != 2 {
		t.Errorf("prices = %d, want 2", len(f.Prices()))
	}
	if _, err := mirror.Load(context.Background(), "ETH/USDT"); err != nil {
		t.Errorf("ETH not mirrored: %v", err)
	}
}

func TestFeed_RetainsLastKnownOnFailure(t *testing.T) {
	p := &scriptedProvider{prices: map[string]decimal.Decimal{"BTC/USDT": d(50000), "ETH/USDT": d(2500)}}
	f := newTestFeed(p, nil)
	f.Refresh(context.Background())

	p.fail(model.ErrTransientSource)
	before := p.calls.Load()
	failures := f.Refresh(context.Background())
	if len(failures) != 2 {
		t.Fatalf("failures = %v, want both symbols", failures)
	}
	// 2 symbols × (1 attempt + 2 retries)
	if got := p.calls.Load() - before; got != 6 {
		t.Errorf("provider calls = %d, want 6", got)
	}
	tick, _ := f.Price("BTC/USDT")
	if !tick.Price.Equal(d(50000)) || tick.Synthetic {
		t.Errorf("last known price not retained: %+v", tick)
	}
}

func TestFeed_PermanentErrorNotRetried(t *testing.T) {
	p := &scriptedProvider{err: errors.New("status 400: bad symbol")}
	f := newTestFeed(p, nil)
	f.cfg.Symbols = []string{"BTC/USDT"}

	failures := f.Refresh(context.Background())
	if failures["BTC/USDT"] == nil {
		t.Fatal("expected a failure for BTC/USDT")
	}
	if got := p.calls.Load(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
	tick, ok := f.Price("BTC/USDT")
	if !ok || !tick.Synthetic || !tick.Price.IsPositive() {
		t.Errorf("expected synthetic fallback, got %+v", tick)
	}
}

// hangingProvider blocks on one symbol until the attempt context expires.
type hangingProvider struct {
	scriptedProvider
	hang string
}

func (p *hangingProvider) FetchLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if symbol == p.hang {
		<-ctx.Done()
		return decimal.Zero, ctx.Err()
	}
	return p.scriptedProvider.FetchLastPrice(ctx, symbol)
}

func TestFeed_HungFetchTimesOut(t *testing.T) {
	p := &hangingProvider{
		scriptedProvider: scriptedProvider{prices: map[string]decimal.Decimal{"ETH/USDT": d(2500)}},
		hang:             "BTC/USDT",
	}
	f := newTestFeed(p, nil)
	f.cfg.FetchTimeout = 50 * time.Millisecond

	start := time.Now()
	failures := f.Refresh(context.Background())
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Errorf("Refresh took %s with a hung symbol", elapsed)
	}
	if !errors.Is(failures["BTC/USDT"], context.DeadlineExceeded) {
		t.Errorf("BTC failure = %v, want deadline exceeded", failures["BTC/USDT"])
	}
	if _, ok := failures["ETH/USDT"]; ok {
		t.Errorf("ETH should not fail: %v", failures)
	}
	if tick, ok := f.Price("ETH/USDT"); !ok || !tick.Price.Equal(d(2500)) {
		t.Errorf("ETH tick = %+v", tick)
	}
}

func TestFeed_DisabledProviderIsSynthetic(t *testing.T) {
	f := newTestFeed(nil, nil)
	if failures := f.Refresh(context.Background()); failures != nil {
		t.Fatalf("synthetic refresh should not fail: %v", failures)
	}
	for _, tick := range f.Prices() {
		if !tick.Synthetic {
			t.Errorf("%s not synthetic", tick.Symbol)
		}
	}
}

func TestFeed_WarmFromMirror(t *testing.T) {
	mirror := &memMirror{ticks: map[string]model.PriceTick{
		"BTC/USDT": {Symbol: "BTC/USDT", Price: d(47000), UpdatedAt: time.Now()},
	}}
	f := newTestFeed(&scriptedProvider{}, mirror)
	f.Warm(context.Background())

	tick, ok := f.Price("BTC/USDT")
	if !ok || !tick.Price.Equal(d(47000)) {
		t.Errorf("warm tick = %+v, %v", tick, ok)
	}
	if _, ok := f.Price("ETH/USDT"); ok {
		t.Error("ETH should stay unknown")
	}
}

func TestFeed_OHLCCache(t *testing.T) {
	candle := model.Candle{Timestamp: time.Unix(0, 0), Open: d(1), High: d(2), Low: d(1), Close: d(2), Volume: d(10)}
	p := &scriptedProvider{ohlc: []model.Candle{candle}}
	f := newTestFeed(p, nil)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := f.OHLC(context.Background(), "BTC/USDT", "1h", 1); err != nil {
			t.Fatalf("OHLC: %v", err)
		}
	}
	if got := p.calls.Load(); got != 1 {
		t.Errorf("provider calls within TTL = %d, want 1", got)
	}

	now = now.Add(301 * time.Second)
	_, _ = f.OHLC(context.Background(), "BTC/USDT", "1h", 1)
	if got := p.calls.Load(); got != 2 {
		t.Errorf("provider calls after TTL = %d, want 2", got)
	}

	p.fail(model.ErrTransientSource)
	now = now.Add(301 * time.Second)
	candles, err := f.OHLC(context.Background(), "BTC/USDT", "1h", 5)
	if err != nil || len(candles) != 5 {
		t.Errorf("synthetic fallback = %d candles, %v", len(candles), err)
	}

	if _, err := f.OHLC(context.Background(), "BTC/USDT", "7m", 5); !errors.Is(err, ErrInvalidTimeframe) {
		t.Errorf("bad timeframe: got %v", err)
	}
}
