// Package market supplies prices to the trading engine. A Feed owns the
// latest price snapshot, refreshes it from a Provider (Binance REST in
// production) with bounded retries, and degrades to a deterministic
// synthetic generator when the provider is unavailable.
package market

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/prokazin/telegram-trading-game/internal/model"
)

// symbolRegex matches: {BASE}/{QUOTE}
// Example: BTC/USDT
var symbolRegex = regexp.MustCompile(`^([A-Z0-9]{2,10})/([A-Z0-9]{2,10})$`)

// ErrInvalidSymbol is returned for strings that are not BASE/QUOTE pairs.
var ErrInvalidSymbol = fmt.Errorf("%w: invalid symbol format", model.ErrValidation)

// Symbol is a parsed trading pair.
type Symbol struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// ParseSymbol parses and validates a pair such as "BTC/USDT". Lower-case
// input is accepted and normalised.
func ParseSymbol(s string) (Symbol, error) {
	m := symbolRegex.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(s)))
	if m == nil {
		return Symbol{}, fmt.Errorf("%w: %q (expected BASE/QUOTE, e.g. BTC/USDT)", ErrInvalidSymbol, s)
	}
	return Symbol{Base: m[1], Quote: m[2]}, nil
}

// String returns the canonical BASE/QUOTE form.
func (s Symbol) String() string {
	return s.Base + "/" + s.Quote
}

// ExchangeID returns the concatenated form used by exchange REST APIs.
func (s Symbol) ExchangeID() string {
	return s.Base + s.Quote
}

// timeframes maps supported candle intervals to their duration.
var timeframes = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// ErrInvalidTimeframe is returned for unsupported candle intervals.
var ErrInvalidTimeframe = fmt.Errorf("%w: unsupported timeframe", model.ErrValidation)

// ParseTimeframe returns the duration of a candle interval.
func ParseTimeframe(tf string) (time.Duration, error) {
	d, ok := timeframes[tf]
	if !ok {
		return 0, fmt.Errorf("%w: %q (supported: 1m 5m 15m 1h 4h 1d)", ErrInvalidTimeframe, tf)
	}
	return d, nil
}
