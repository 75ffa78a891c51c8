package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/coinwise/arena-engine/internal/account"
	"github.com/coinwise/arena-engine/internal/advisor"
	"github.com/coinwise/arena-engine/internal/competition"
	"github.com/coinwise/arena-engine/internal/ledger"
	"github.com/coinwise/arena-engine/internal/metrics"
	"github.com/coinwise/arena-engine/internal/pricefeed"
	"github.com/coinwise/arena-engine/internal/trade"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket API",
	Long: `Serve starts the price poller, the leaderboard refresher, and the HTTP
API under /api/v1, with health and Prometheus endpoints at the root.

Example:
  arena serve --config arena.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Ledger, competition, and account sessions ---
	le := ledger.New()
	arena := competition.NewEngine(cfg.Competition(), le)
	accounts := account.NewManager(st, arena, le,
		account.WithStartingBalance(cfg.Arena.StartingBalance),
		account.WithRetryPolicy(account.RetryPolicy{
			Attempts:   cfg.Persistence.Attempts,
			Backoff:    cfg.Persistence.Backoff,
			MaxBackoff: cfg.Persistence.MaxBackoff,
		}),
	)

	// --- Price feed ---
	feed, candles := openFeed(cfg.Feed)
	poller := pricefeed.NewPoller(feed, cfg.Feed.Symbols, cfg.Feed.PollInterval)
	slog.Info("price feed configured", "symbols", poller.Symbols(), "interval", cfg.Feed.PollInterval)

	// --- Advisor (optional) ---
	var adv *advisor.Advisor
	if cfg.Advisor.APIKey != "" {
		gen, err := advisor.NewGeminiGenerator(ctx, cfg.Advisor.APIKey, cfg.Advisor.Model)
		if err != nil {
			return err
		}
		adv = advisor.New(gen)
		slog.Info("advisor enabled", "model", cfg.Advisor.Model)
	} else {
		slog.Warn("GEMINI_API_KEY not set, advisor disabled")
	}

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	// --- Trade service ---
	tradeSvc := trade.NewService(accounts, poller, candles, adv, wsHub)

	poller.Subscribe(tradeSvc.PublishPrices)
	poller.Subscribe(func(pricefeed.Snapshot) {
		if n := accounts.FlushUnsynced(ctx); n > 0 {
			slog.Warn("ledgers still unsynced", "count", n)
		}
	})
	go poller.Run(ctx)
	go refreshLeaderboard(ctx, tradeSvc, cfg.Arena.LeaderboardRefresh)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.HTTP.RequestTimeout))
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.HTTP.AllowedOrigin))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"arena-engine","prices":%t,"ws_clients":%d}`,
			!poller.Latest().Empty(), wsHub.ClientCount())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for prices, leaderboard, and trade events.
		r.Get("/ws", wsHub.HandleWS)
		tradeSvc.Mount(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.HTTP.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("arena-engine listening", "port", cfg.HTTP.Port, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down arena-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if n := accounts.FlushUnsynced(shutdownCtx); n > 0 {
		slog.Error("ledgers lost on shutdown", "count", n)
	}
	fmt.Println("arena-engine stopped")
	return nil
}

// refreshLeaderboard recomputes and broadcasts the board every interval.
func refreshLeaderboard(ctx context.Context, svc *trade.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			board, err := svc.RefreshLeaderboard(ctx)
			if err != nil {
				slog.Warn("leaderboard refresh failed", "err", err)
				continue
			}
			if board != nil {
				metrics.Competitors.Set(float64(len(board)))
			}
		}
	}
}

// cors allows cross-origin requests from the frontend.
func cors(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
