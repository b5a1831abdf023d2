// Package config loads server settings from an optional .env file and the
// process environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/coinpool/capital-engine/internal/coin"
	"github.com/coinpool/capital-engine/internal/model"
)

type Config struct {
	Port             string
	DatabaseURL      string // empty: in-memory store
	RedisURL         string // empty: no cache
	CacheTTL         time.Duration
	OpTimeout        time.Duration
	SupportedCoins   []string
	SnapshotInterval time.Duration // 0 disables the snapshot job
	Prices           map[model.Coin]decimal.Decimal
}

func Default() Config {
	return Config{
		Port:           "8080",
		CacheTTL:       30 * time.Second,
		OpTimeout:      5 * time.Second,
		SupportedCoins: append([]string(nil), coin.DefaultCoins...),
		Prices:         map[model.Coin]decimal.Decimal{},
	}
}

// Load reads envPath (or ./.env when empty) if it exists, then applies
// environment overrides on top of Default. Priority: env > .env > defaults.
// Malformed values are logged and the default is kept.
func Load(envPath string) Config {
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) Config {
	cfg := Default()

	if v := getenv("PORT"); v != "" {
		cfg.Port = v
	}
	cfg.DatabaseURL = getenv("DATABASE_URL")
	cfg.RedisURL = getenv("REDIS_URL")

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"CACHE_TTL", &cfg.CacheTTL},
		{"LEDGER_OP_TIMEOUT", &cfg.OpTimeout},
		{"SNAPSHOT_INTERVAL", &cfg.SnapshotInterval},
	}
	for _, d := range durations {
		v := getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed < 0 {
			slog.Warn("ignoring invalid duration", "key", d.key, "value", v)
			continue
		}
		*d.dst = parsed
	}

	if v := getenv("SUPPORTED_COINS"); v != "" {
		cfg.SupportedCoins = splitList(v)
	}

	if v := getenv("PRICE_FEED"); v != "" {
		prices, err := ParsePrices(v)
		if err != nil {
			slog.Warn("ignoring invalid PRICE_FEED", "err", err)
		} else {
			cfg.Prices = prices
		}
	}
	return cfg
}

// ParsePrices parses "btc=65000,eth=3000" into a price table. Symbols are
// lowercased; every price must be positive.
func ParsePrices(raw string) (map[model.Coin]decimal.Decimal, error) {
	out := make(map[model.Coin]decimal.Decimal)
	for _, pair := range splitList(raw) {
		sym, val, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("price entry %q: expected coin=price", pair)
		}
		p, err := decimal.NewFromString(strings.TrimSpace(val))
		if err != nil {
			return nil, fmt.Errorf("price entry %q: %w", pair, err)
		}
		if !p.IsPositive() {
			return nil, fmt.Errorf("price entry %q: price must be positive", pair)
		}
		out[model.Coin(strings.ToLower(strings.TrimSpace(sym)))] = p
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
