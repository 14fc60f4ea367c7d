// Package config defines the server configuration and its validation.
// Values come from built-in defaults, an optional TOML file, a .env file and
// finally environment variables, in increasing order of precedence.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/prokazin/telegram-trading-game/internal/market"
)

// Config is the root configuration structure.
type Config struct {
	Game     GameConfig     `toml:"game"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Market   MarketConfig   `toml:"market"`
	Ranking  RankingConfig  `toml:"ranking"`
	Server   ServerConfig   `toml:"server"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Notify   NotifyConfig   `toml:"notify"`
	LogLevel string         `toml:"log_level"`
}

// GameConfig holds the trading rules.
type GameConfig struct {
	InitialBalance        decimal.Decimal `toml:"initial_balance"`
	Symbols               []string        `toml:"symbols"`
	LeverageOptions       []int           `toml:"leverage_options"`
	MaintenanceMarginRate decimal.Decimal `toml:"maintenance_margin_rate"`
	MinTradeAmount        decimal.Decimal `toml:"min_trade_amount"`
	MaxOpenPositions      int             `toml:"max_open_positions"` // 0 = unlimited
	RetentionDays         int             `toml:"retention_days"`     // 0 = keep forever
}

// Retention returns the closed-position retention window.
func (g GameConfig) Retention() time.Duration {
	return time.Duration(g.RetentionDays) * 24 * time.Hour
}

// MaxLeverage returns the largest allowed leverage, or 0 if none is set.
func (g GameConfig) MaxLeverage() int {
	top := 0
	for _, l := range g.LeverageOptions {
		if l > top {
			top = l
		}
	}
	return top
}

// MonitorConfig tunes the engine cycle.
type MonitorConfig struct {
	Interval duration `toml:"interval"`
	Budget   duration `toml:"budget"`
}

// MarketConfig configures the price feed.
type MarketConfig struct {
	DataURL      string   `toml:"data_url"`
	Disabled     bool     `toml:"disabled"` // synthetic prices only
	FetchTimeout duration `toml:"fetch_timeout"`
	Retries      int      `toml:"retries"`
	RetryBackoff duration `toml:"retry_backoff"`
	OHLCCacheTTL duration `toml:"ohlc_cache_ttl"`
}

// RankingConfig configures leaderboard recomputation.
type RankingConfig struct {
	Interval duration `toml:"interval"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port     int      `toml:"port"`
	AdminIDs []string `toml:"admin_ids"` // chat user IDs allowed on admin routes
}

// PostgresConfig selects the persistent store. An empty URL means the
// in-memory store.
type PostgresConfig struct {
	URL string `toml:"url"`
}

// RedisConfig enables the read-through cache, the price mirror and the
// monitor lock. An empty URL disables all three.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
}

// NotifyConfig selects notification channels. Each is off when empty.
type NotifyConfig struct {
	TelegramToken string `toml:"telegram_token"`
	TelegramURL   string `toml:"telegram_url"`
	KafkaBrokers  string `toml:"kafka_brokers"` // comma separated
	KafkaTopic    string `toml:"kafka_topic"`
}

// duration wraps time.Duration so TOML strings like "30s" decode.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Game: GameConfig{
			InitialBalance:        decimal.NewFromInt(2000),
			Symbols:               []string{"BTC/USDT", "ETH/USDT", "BNB/USDT"},
			LeverageOptions:       []int{2, 5, 10},
			MaintenanceMarginRate: decimal.RequireFromString("0.005"),
			MinTradeAmount:        decimal.NewFromInt(10),
			MaxOpenPositions:      5,
			RetentionDays:         30,
		},
		Monitor: MonitorConfig{
			Interval: duration{30 * time.Second},
			Budget:   duration{25 * time.Second},
		},
		Market: MarketConfig{
			DataURL:      market.DefaultBinanceURL,
			FetchTimeout: duration{5 * time.Second},
			Retries:      2,
			RetryBackoff: duration{200 * time.Millisecond},
			OHLCCacheTTL: duration{300 * time.Second},
		},
		Ranking: RankingConfig{
			Interval: duration{5 * time.Minute},
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
		},
		Notify: NotifyConfig{
			KafkaTopic: "position-closed",
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogLevel returns the configured log level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	if l, ok := validLogLevels[strings.ToLower(c.LogLevel)]; ok {
		return l
	}
	return slog.LevelInfo
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	g := c.Game
	if !g.InitialBalance.IsPositive() {
		errs = append(errs, "game: initial_balance must be > 0")
	}
	if len(g.Symbols) == 0 {
		errs = append(errs, "game: symbols must not be empty")
	}
	for _, s := range g.Symbols {
		if _, err := market.ParseSymbol(s); err != nil {
			errs = append(errs, fmt.Sprintf("game: %v", err))
		}
	}
	if len(g.LeverageOptions) == 0 {
		errs = append(errs, "game: leverage_options must not be empty")
	}
	for _, l := range g.LeverageOptions {
		if l < 1 {
			errs = append(errs, fmt.Sprintf("game: leverage %d must be >= 1", l))
		}
	}
	if g.MaintenanceMarginRate.IsNegative() || g.MaintenanceMarginRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, "game: maintenance_margin_rate must be in [0, 1)")
	} else if top := g.MaxLeverage(); top > 0 {
		// At or above 1/leverage the liquidation price lands on the wrong
		// side of entry and positions would liquidate on open.
		limit := decimal.NewFromInt(1).DivRound(decimal.NewFromInt(int64(top)), 16)
		if g.MaintenanceMarginRate.GreaterThanOrEqual(limit) {
			errs = append(errs, fmt.Sprintf("game: maintenance_margin_rate %s must be below 1/%d", g.MaintenanceMarginRate, top))
		}
	}
	if !g.MinTradeAmount.IsPositive() {
		errs = append(errs, "game: min_trade_amount must be > 0")
	}
	if g.MaxOpenPositions < 0 {
		errs = append(errs, "game: max_open_positions must be >= 0")
	}
	if g.RetentionDays < 0 {
		errs = append(errs, "game: retention_days must be >= 0")
	}

	if c.Monitor.Interval.Duration <= 0 {
		errs = append(errs, "monitor: interval must be > 0")
	}
	if c.Monitor.Budget.Duration <= 0 || c.Monitor.Budget.Duration > c.Monitor.Interval.Duration {
		errs = append(errs, "monitor: budget must be > 0 and <= interval")
	}

	if !c.Market.Disabled && c.Market.DataURL == "" {
		errs = append(errs, "market: data_url must not be empty unless disabled")
	}
	if c.Market.FetchTimeout.Duration <= 0 {
		errs = append(errs, "market: fetch_timeout must be > 0")
	}
	if c.Market.Retries < 0 {
		errs = append(errs, "market: retries must be >= 0")
	}
	if c.Market.OHLCCacheTTL.Duration <= 0 {
		errs = append(errs, "market: ohlc_cache_ttl must be > 0")
	}

	if c.Ranking.Interval.Duration <= 0 {
		errs = append(errs, "ranking: interval must be > 0")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Notify.KafkaBrokers != "" && c.Notify.KafkaTopic == "" {
		errs = append(errs, "notify: kafka_topic is required when kafka_brokers is set")
	}
	if _, ok := validLogLevels[strings.ToLower(c.LogLevel)]; !ok {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
