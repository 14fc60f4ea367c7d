package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prokazin/telegram-trading-game/internal/model"
	"github.com/shopspring/decimal"
)

// DefaultBinanceURL is the public spot REST root.
const DefaultBinanceURL = "https://api.binance.com"

// Provider is an external market-data source. Calls must honour ctx.
type Provider interface {
	FetchLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	FetchOHLC(ctx context.Context, symbol, timeframe string, limit int) ([]model.Candle, error)
}

// BinanceClient reads public spot market data from the Binance REST API.
// No API key is needed.
type BinanceClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewBinanceClient creates a client. baseURL is the REST root, e.g.
// DefaultBinanceURL; tests point it at an httptest server.
func NewBinanceClient(baseURL string, timeout time.Duration) *BinanceClient {
	if baseURL == "" {
		baseURL = DefaultBinanceURL
	}
	return &BinanceClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// FetchLastPrice returns the last traded price for symbol.
func (c *BinanceClient) FetchLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	sym, err := ParseSymbol(symbol)
	if err != nil {
		return decimal.Zero, err
	}

	params := url.Values{}
	params.Set("symbol", sym.ExchangeID())
	body, err := c.doGet(ctx, "/api/v3/ticker/price?"+params.Encode())
	if err != nil {
		return decimal.Zero, fmt.Errorf("binance: ticker %s: %w", symbol, err)
	}

	var t tickerPrice
	if err := json.Unmarshal(body, &t); err != nil {
		return decimal.Zero, fmt.Errorf("binance: decode ticker %s: %w", symbol, err)
	}
	price, err := decimal.NewFromString(t.Price)
	if err != nil || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("binance: ticker %s: bad price %q", symbol, t.Price)
	}
	return price, nil
}

// FetchOHLC returns up to limit candles, oldest first.
func (c *BinanceClient) FetchOHLC(ctx context.Context, symbol, timeframe string, limit int) ([]model.Candle, error) {
	sym, err := ParseSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if _, err := ParseTimeframe(timeframe); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", sym.ExchangeID())
	params.Set("interval", timeframe)
	params.Set("limit", strconv.Itoa(limit))
	body, err := c.doGet(ctx, "/api/v3/klines?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("binance: klines %s %s: %w", symbol, timeframe, err)
	}

	// Each kline is a heterogeneous array:
	// [openTime, open, high, low, close, volume, closeTime, ...]
	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance: decode klines %s: %w", symbol, err)
	}

	candles := make([]model.Candle, 0, len(raw))
	for i, k := range raw {
		c, err := parseKline(k)
		if err != nil {
			return nil, fmt.Errorf("binance: kline %d for %s: %w", i, symbol, err)
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func parseKline(k []json.RawMessage) (model.Candle, error) {
	if len(k) < 6 {
		return model.Candle{}, fmt.Errorf("expected at least 6 fields, got %d", len(k))
	}
	var openTime int64
	if err := json.Unmarshal(k[0], &openTime); err != nil {
		return model.Candle{}, fmt.Errorf("open time: %w", err)
	}
	var fields [5]decimal.Decimal
	for i := range fields {
		var s string
		if err := json.Unmarshal(k[i+1], &s); err != nil {
			return model.Candle{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return model.Candle{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		fields[i] = v
	}
	return model.Candle{
		Timestamp: time.UnixMilli(openTime).UTC(),
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
	}, nil
}

// doGet performs a GET and returns the body. Network failures, 429 and 5xx
// are reported as model.ErrTransientSource; other non-2xx statuses are not.
func (c *BinanceClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", model.ErrTransientSource, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", model.ErrTransientSource, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: status %d: %s", model.ErrTransientSource, resp.StatusCode, snippet)
		}
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, snippet)
	}
	return body, nil
}
