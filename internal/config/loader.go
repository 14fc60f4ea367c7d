package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads the TOML file at path on top of the built-in defaults, then
// applies environment overrides. A missing file, or an empty path, leaves the
// defaults in place. The result is not validated; call Config.Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites Config fields from well-known environment
// variables when they are set and parse. Unparseable values are ignored and
// the previous value kept.
func applyEnvOverrides(cfg *Config) {
	// ── Game ──
	setDecimal(&cfg.Game.InitialBalance, "INITIAL_BALANCE")
	setStringSlice(&cfg.Game.Symbols, "AVAILABLE_SYMBOLS")
	setIntSlice(&cfg.Game.LeverageOptions, "LEVERAGE_OPTIONS")
	setDecimal(&cfg.Game.MaintenanceMarginRate, "MAINTENANCE_MARGIN_RATE")
	setDecimal(&cfg.Game.MinTradeAmount, "MIN_TRADE_AMOUNT")
	setInt(&cfg.Game.MaxOpenPositions, "MAX_OPEN_POSITIONS")
	setInt(&cfg.Game.RetentionDays, "RETENTION_DAYS")

	// ── Monitor ──
	setDuration(&cfg.Monitor.Interval, "MONITOR_CYCLE_INTERVAL")
	setDuration(&cfg.Monitor.Budget, "MONITOR_CYCLE_BUDGET")

	// ── Market ──
	setStr(&cfg.Market.DataURL, "MARKET_DATA_URL")
	setBool(&cfg.Market.Disabled, "MARKET_DATA_DISABLED")
	setDuration(&cfg.Market.FetchTimeout, "PRICE_FETCH_TIMEOUT")
	setInt(&cfg.Market.Retries, "PRICE_FETCH_RETRIES")
	setDuration(&cfg.Market.OHLCCacheTTL, "OHLC_CACHE_TTL")

	// ── Ranking ──
	setDuration(&cfg.Ranking.Interval, "RANKING_INTERVAL")

	// ── Server / storage ──
	setInt(&cfg.Server.Port, "PORT")
	setStringSlice(&cfg.Server.AdminIDs, "ADMIN_IDS")
	setStr(&cfg.Postgres.URL, "DATABASE_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TELEGRAM_BOT_TOKEN")
	setStr(&cfg.Notify.KafkaBrokers, "KAFKA_BROKERS")
	setStr(&cfg.Notify.KafkaTopic, "KAFKA_TOPIC")

	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil {
			*dst = d
		}
	}
}

// setDuration accepts Go durations ("30s") and bare integers as seconds.
func setDuration(dst *duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		dst.Duration = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		dst.Duration = time.Duration(n) * time.Second
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

// setIntSlice replaces dst only if every element parses.
func setIntSlice(dst *[]int, key string) {
	var parts []string
	setStringSlice(&parts, key)
	if len(parts) == 0 {
		return
	}
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return
		}
		out = append(out, n)
	}
	*dst = out
}
