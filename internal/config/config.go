// Package config loads arena engine settings from defaults, an optional
// YAML file, a .env file, and environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/coinwise/arena-engine/internal/competition"
	"github.com/coinwise/arena-engine/internal/symbol"
)

type Config struct {
	LogLevel string `yaml:"log_level"`

	HTTP        HTTPConfig        `yaml:"http"`
	Store       StoreConfig       `yaml:"store"`
	Arena       ArenaConfig       `yaml:"arena"`
	Feed        FeedConfig        `yaml:"feed"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Advisor     AdvisorConfig     `yaml:"advisor"`
}

type HTTPConfig struct {
	Port           string        `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	AllowedOrigin  string        `yaml:"allowed_origin"`
}

type StoreConfig struct {
	Driver      string        `yaml:"driver"` // memory, sqlite, postgres
	DatabaseURL string        `yaml:"database_url"`
	SQLitePath  string        `yaml:"sqlite_path"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// ArenaConfig holds money as decimals; YAML values may be quoted strings
// or plain numbers.
type ArenaConfig struct {
	StartingBalance    decimal.Decimal `yaml:"starting_balance"` // cash a new account opens with
	Baseline           decimal.Decimal `yaml:"baseline"`         // cash and entry net worth of every round
	EntryFee           decimal.Decimal `yaml:"entry_fee"`
	RoundDuration      time.Duration   `yaml:"round_duration"`
	ClockSkew          time.Duration   `yaml:"clock_skew"`
	LeaderboardRefresh time.Duration   `yaml:"leaderboard_refresh"`
}

type FeedConfig struct {
	BinanceURL   string                     `yaml:"binance_url"`
	Symbols      []string                   `yaml:"symbols"`
	PollInterval time.Duration              `yaml:"poll_interval"`
	Offline      bool                       `yaml:"offline"` // serve StaticPrices instead of polling
	StaticPrices map[string]decimal.Decimal `yaml:"static_prices"`
}

type PersistenceConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

type AdvisorConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

func Default() Config {
	arena := competition.DefaultConfig()
	return Config{
		LogLevel: "info",
		HTTP: HTTPConfig{
			Port:           "8080",
			RequestTimeout: 30 * time.Second,
			AllowedOrigin:  "*",
		},
		Store: StoreConfig{
			Driver:     "memory",
			SQLitePath: "arena.db",
			CacheTTL:   30 * time.Second,
		},
		Arena: ArenaConfig{
			StartingBalance:    arena.Baseline,
			Baseline:           arena.Baseline,
			EntryFee:           arena.EntryFee,
			RoundDuration:      arena.Duration,
			ClockSkew:          arena.ClockSkew,
			LeaderboardRefresh: 4 * time.Second,
		},
		Feed: FeedConfig{
			Symbols:      append([]string(nil), symbol.Default...),
			PollInterval: 10 * time.Second,
		},
		Persistence: PersistenceConfig{
			Attempts:   1,
			Backoff:    100 * time.Millisecond,
			MaxBackoff: 2 * time.Second,
		},
		Advisor: AdvisorConfig{
			Model: "gemini-2.5-flash",
		},
	}
}

func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Load reads .env (if present), then path (if non-empty), then applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("config: .env not loaded", "err", err)
	}

	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return cfg, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.HTTP.Port = v
	}
	if v := os.Getenv("CORS_ORIGIN"); v != "" {
		c.HTTP.AllowedOrigin = v
	}
	if v := os.Getenv("STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.DatabaseURL = v
		if os.Getenv("STORE_DRIVER") == "" {
			c.Store.Driver = "postgres"
		}
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Store.SQLitePath = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Store.RedisURL = v
	}
	if v := os.Getenv("BINANCE_URL"); v != "" {
		c.Feed.BinanceURL = v
	}
	if v := os.Getenv("ARENA_SYMBOLS"); v != "" {
		symbols, err := symbol.ParseList(v)
		if err != nil {
			return fmt.Errorf("ARENA_SYMBOLS: %w", err)
		}
		c.Feed.Symbols = symbols
	}
	if v := os.Getenv("ARENA_OFFLINE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ARENA_OFFLINE: %w", err)
		}
		c.Feed.Offline = b
	}
	if v := os.Getenv("ARENA_STARTING_BALANCE"); v != "" {
		amount, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("ARENA_STARTING_BALANCE: %w", err)
		}
		c.Arena.StartingBalance = amount
	}
	if v := os.Getenv("ARENA_ROUND_DURATION"); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ARENA_ROUND_DURATION: %w", err)
		}
		c.Arena.RoundDuration = dur
	}
	if v := os.Getenv("PERSIST_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PERSIST_ATTEMPTS: %w", err)
		}
		c.Persistence.Attempts = n
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Advisor.APIKey = v
	}
	if v := os.Getenv("GEMINI_MODEL"); v != "" {
		c.Advisor.Model = v
	}
	return nil
}

// Validate checks constraints the engine relies on.
func (c Config) Validate() error {
	switch strings.ToLower(c.Store.Driver) {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("store.database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be memory, sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.Driver == "sqlite" && c.Store.SQLitePath == "" {
		return fmt.Errorf("store.sqlite_path is required for the sqlite driver")
	}

	if !c.Arena.StartingBalance.IsPositive() {
		return fmt.Errorf("arena.starting_balance must be > 0, got %s", c.Arena.StartingBalance)
	}
	if !c.Arena.Baseline.IsPositive() {
		return fmt.Errorf("arena.baseline must be > 0, got %s", c.Arena.Baseline)
	}
	if c.Arena.EntryFee.IsNegative() {
		return fmt.Errorf("arena.entry_fee must be >= 0, got %s", c.Arena.EntryFee)
	}
	if c.Arena.RoundDuration <= 0 {
		return fmt.Errorf("arena.round_duration must be > 0, got %s", c.Arena.RoundDuration)
	}
	if c.Arena.ClockSkew < 0 {
		return fmt.Errorf("arena.clock_skew must be >= 0, got %s", c.Arena.ClockSkew)
	}
	if c.Arena.LeaderboardRefresh <= 0 {
		return fmt.Errorf("arena.leaderboard_refresh must be > 0, got %s", c.Arena.LeaderboardRefresh)
	}

	if len(c.Feed.Symbols) == 0 {
		return fmt.Errorf("feed.symbols must not be empty")
	}
	for _, s := range c.Feed.Symbols {
		if _, err := symbol.Parse(s); err != nil {
			return fmt.Errorf("feed.symbols: %w", err)
		}
	}
	if c.Feed.Offline && len(c.Feed.StaticPrices) == 0 {
		return fmt.Errorf("feed.static_prices is required in offline mode")
	}
	for sym, p := range c.Feed.StaticPrices {
		if !p.IsPositive() {
			return fmt.Errorf("feed.static_prices: %s must be > 0, got %s", sym, p)
		}
	}
	if c.Feed.PollInterval <= 0 {
		return fmt.Errorf("feed.poll_interval must be > 0, got %s", c.Feed.PollInterval)
	}

	if c.Persistence.Attempts < 1 {
		return fmt.Errorf("persistence.attempts must be >= 1, got %d", c.Persistence.Attempts)
	}
	return nil
}

// Competition converts the arena settings into the competition engine
// config.
func (c Config) Competition() competition.Config {
	return competition.Config{
		Baseline:  c.Arena.Baseline,
		EntryFee:  c.Arena.EntryFee,
		Duration:  c.Arena.RoundDuration,
		ClockSkew: c.Arena.ClockSkew,
	}
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
