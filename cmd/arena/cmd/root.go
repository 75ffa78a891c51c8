package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/coinwise/arena-engine/internal/config"
	"github.com/coinwise/arena-engine/internal/pricefeed"
	"github.com/coinwise/arena-engine/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "arena",
	Short: "Paper-trading ledger and competition arena",
	Long: `Arena runs a simulated crypto trading venue: accounts trade against
live Binance prices with play money, and can enter one-minute competition
rounds ranked by PnL%.

Settings come from defaults, an optional YAML file (--config), a .env
file, and environment variables, in increasing precedence.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = c
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
		return nil
	},
}

var (
	cfgFile string
	cfg     config.Config
)

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to YAML config file")
}

// openStore builds the configured store. The returned cleanup releases
// every connection it opened.
func openStore(ctx context.Context, sc config.StoreConfig) (store.Store, func(), error) {
	var (
		st      store.Store
		cleanup []func()
	)
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	switch strings.ToLower(sc.Driver) {
	case "postgres":
		pool, err := pgxpool.New(ctx, sc.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case "sqlite":
		lite, err := store.NewSQLiteStore(sc.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", sc.SQLitePath, err)
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		slog.Info("opened SQLite store", "path", sc.SQLitePath)

	default:
		slog.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if sc.RedisURL != "" {
		opt, err := redis.ParseURL(sc.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, sc.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", sc.CacheTTL)
	}

	return st, closeAll, nil
}

// openFeed returns the configured price feed and, for Binance, its candle
// source.
func openFeed(fc config.FeedConfig) (pricefeed.Feed, pricefeed.CandleSource) {
	if fc.Offline {
		prices := make(map[string]decimal.Decimal, len(fc.StaticPrices))
		for sym, p := range fc.StaticPrices {
			prices[strings.ToUpper(sym)] = p
		}
		slog.Warn("offline mode: serving static prices", "symbols", len(prices))
		return pricefeed.NewStaticFeed(prices), nil
	}
	bf := pricefeed.NewBinanceFeed(fc.BinanceURL)
	return bf, bf
}
