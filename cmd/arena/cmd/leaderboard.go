package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/coinwise/arena-engine/internal/account"
	"github.com/coinwise/arena-engine/internal/competition"
	"github.com/coinwise/arena-engine/internal/ledger"
	"github.com/coinwise/arena-engine/internal/pricefeed"
)

var lbTimeout time.Duration

var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard",
	Short: "Print the current competition leaderboard",
	Long: `Leaderboard fetches one price snapshot, ranks every competitor in the
pool by PnL%, and prints the board.

Example:
  arena leaderboard --config arena.yaml`,
	RunE: runLeaderboard,
}

func init() {
	rootCmd.AddCommand(leaderboardCmd)
	leaderboardCmd.Flags().DurationVar(&lbTimeout, "timeout", 15*time.Second, "overall timeout")
}

func runLeaderboard(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), lbTimeout)
	defer cancel()

	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	feed, _ := openFeed(cfg.Feed)
	snap := pricefeed.NewPoller(feed, cfg.Feed.Symbols, cfg.Feed.PollInterval).Poll(ctx)
	if snap.Empty() {
		return fmt.Errorf("leaderboard: no prices available")
	}

	le := ledger.New()
	accounts := account.NewManager(st, competition.NewEngine(cfg.Competition(), le), le)
	board := accounts.Board()
	entries, err := board.Refresh(ctx, snap.Prices())
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Println("No competitors.")
		return nil
	}
	fmt.Printf("Prize pool: $%s (%d entrants)\n\n", board.PrizePool(len(entries)).StringFixed(2), len(entries))
	fmt.Printf("%-5s %-24s %12s %18s\n", "RANK", "TRADER", "PNL%", "NET WORTH")
	for _, e := range entries {
		name := e.DisplayName
		if name == "" {
			name = e.AccountID
		}
		fmt.Printf("%-5d %-24s %11s%% %18s\n", e.Rank, name, e.PnLPercent.StringFixed(2), e.NetWorth.StringFixed(2))
	}
	return nil
}
