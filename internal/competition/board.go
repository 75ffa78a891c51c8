package competition

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinwise/arena-engine/internal/metrics"
	"github.com/coinwise/arena-engine/internal/model"
)

// Pool is the shared leaderboard repository keyed by account ID. Writes are
// last-write-wins; each competitor only ever writes its own entry.
type Pool interface {
	// SaveLeaderboardEntry upserts an entry, keeping its original join slot.
	SaveLeaderboardEntry(ctx context.Context, e model.LeaderboardEntry) error

	// RemoveLeaderboardEntry deletes an entry. Missing entries are not an error.
	RemoveLeaderboardEntry(ctx context.Context, accountID string) error

	// ListLeaderboardEntries returns all entries in join order.
	ListLeaderboardEntries(ctx context.Context) ([]model.LeaderboardEntry, error)

	// ClearLeaderboard removes every entry, ending the round for everyone.
	ClearLeaderboard(ctx context.Context) error

	// RecordPayout appends a prize payout record.
	RecordPayout(ctx context.Context, p model.Payout) error
}

// LedgerSource reads competitor ledgers and applies updates through the
// owning session, so the board never bypasses a user's writer.
type LedgerSource interface {
	Ledger(ctx context.Context, accountID string) (model.Ledger, error)
	Update(ctx context.Context, accountID string, fn func(model.Ledger) (model.Ledger, error)) (model.Ledger, error)
}

// Board maintains the ranked leaderboard of all competitors.
type Board struct {
	engine  *Engine
	pool    Pool
	ledgers LedgerSource

	mu     sync.Mutex
	latest []model.LeaderboardEntry
}

// NewBoard creates a board over the given pool and ledger source.
func NewBoard(engine *Engine, pool Pool, ledgers LedgerSource) *Board {
	return &Board{engine: engine, pool: pool, ledgers: ledgers}
}

// Engine returns the board's competition engine.
func (b *Board) Engine() *Engine { return b.engine }

// Join registers l's competitor with zero PnL. Joining twice keeps the
// original slot.
func (b *Board) Join(ctx context.Context, l model.Ledger) error {
	a, ok := b.engine.Mode(l).(model.Active)
	if !ok {
		return ErrNotEntered
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := b.pool.ListLeaderboardEntries(ctx)
	if err != nil {
		return fmt.Errorf("list leaderboard: %w", err)
	}
	for _, e := range entries {
		if e.AccountID == l.AccountID {
			return nil
		}
	}

	return b.pool.SaveLeaderboardEntry(ctx, model.LeaderboardEntry{
		AccountID:   l.AccountID,
		DisplayName: l.DisplayName,
		PnLPercent:  decimal.Zero,
		NetWorth:    a.Epoch.EntryNetWorth,
		Rank:        len(entries) + 1,
		JoinedAt:    a.Epoch.StartTime,
	})
}

// Leave removes accountID from the pool.
func (b *Board) Leave(ctx context.Context, accountID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pool.RemoveLeaderboardEntry(ctx, accountID)
}

// Latest returns the most recently computed board without recomputing it.
func (b *Board) Latest() []model.LeaderboardEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.LeaderboardEntry, len(b.latest))
	copy(out, b.latest)
	return out
}

// Refresh recomputes every competitor's PnL% against one price snapshot,
// ranks them, and writes the entries back to the pool.
func (b *Board) Refresh(ctx context.Context, prices map[string]decimal.Decimal) ([]model.LeaderboardEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshLocked(ctx, prices)
}

func (b *Board) refreshLocked(ctx context.Context, prices map[string]decimal.Decimal) ([]model.LeaderboardEntry, error) {
	entries, err := b.pool.ListLeaderboardEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("list leaderboard: %w", err)
	}

	standings := make([]Standing, 0, len(entries))
	for _, e := range entries {
		l, err := b.ledgers.Ledger(ctx, e.AccountID)
		if err != nil {
			// Keep the last published figures; the next pass may succeed.
			slog.Warn("leaderboard: ledger unavailable", "account", e.AccountID, "err", err)
			standings = append(standings, Standing{
				AccountID:   e.AccountID,
				DisplayName: e.DisplayName,
				PnLPercent:  e.PnLPercent,
				NetWorth:    e.NetWorth,
				JoinedAt:    e.JoinedAt,
			})
			continue
		}

		if l.Competition == nil {
			// Competitor reset elsewhere; drop the stale slot.
			if err := b.pool.RemoveLeaderboardEntry(ctx, e.AccountID); err != nil {
				slog.Warn("leaderboard: remove stale entry failed", "account", e.AccountID, "err", err)
			}
			continue
		}

		if settled, changed := b.engine.Settle(l, prices); changed {
			_, err := b.ledgers.Update(ctx, e.AccountID, func(cur model.Ledger) (model.Ledger, error) {
				next, _ := b.engine.Settle(cur, prices)
				return next, nil
			})
			if err != nil {
				slog.Warn("leaderboard: persist settlement failed", "account", e.AccountID, "err", err)
			}
			l = settled
		}

		pnl, netWorth := b.engine.PnL(l, prices)
		standings = append(standings, Standing{
			AccountID:   e.AccountID,
			DisplayName: l.DisplayName,
			PnLPercent:  pnl,
			NetWorth:    netWorth,
			JoinedAt:    e.JoinedAt,
		})
	}

	board := Rank(standings)
	for _, e := range board {
		if err := b.pool.SaveLeaderboardEntry(ctx, e); err != nil {
			slog.Warn("leaderboard: save entry failed", "account", e.AccountID, "err", err)
		}
	}
	b.latest = board
	return board, nil
}

// Standing returns accountID's ranked entry after a refresh. ok is false
// when the account is not on the board.
func (b *Board) Standing(ctx context.Context, accountID string, prices map[string]decimal.Decimal) (entry model.LeaderboardEntry, total int, ok bool, err error) {
	board, err := b.Refresh(ctx, prices)
	if err != nil {
		return model.LeaderboardEntry{}, 0, false, err
	}
	for _, e := range board {
		if e.AccountID == accountID {
			return e, len(board), true, nil
		}
	}
	return model.LeaderboardEntry{}, len(board), false, nil
}

// Winner returns the rank-1 competitor if their round has finished.
func (b *Board) Winner(ctx context.Context, prices map[string]decimal.Decimal) (model.LeaderboardEntry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	top, ok, _, err := b.winnerLocked(ctx, prices)
	return top, ok, err
}

// winnerLocked refreshes the board and reports its rank-1 competitor when
// their round has finished, along with the number of entrants. b.mu must
// be held.
func (b *Board) winnerLocked(ctx context.Context, prices map[string]decimal.Decimal) (model.LeaderboardEntry, bool, int, error) {
	board, err := b.refreshLocked(ctx, prices)
	if err != nil || len(board) == 0 {
		return model.LeaderboardEntry{}, false, 0, err
	}
	top := board[0]
	l, err := b.ledgers.Ledger(ctx, top.AccountID)
	if err != nil {
		return model.LeaderboardEntry{}, false, len(board), err
	}
	if _, finished := b.engine.Mode(l).(model.Finished); !finished {
		return model.LeaderboardEntry{}, false, len(board), nil
	}
	return top, true, len(board), nil
}

// Reconcile resets l's epoch if its competitor is no longer in the pool,
// which happens when a payout ended the round. The second return value
// reports whether l changed.
func (b *Board) Reconcile(ctx context.Context, l model.Ledger) (model.Ledger, bool, error) {
	if l.Competition == nil {
		return l, false, nil
	}
	entries, err := b.pool.ListLeaderboardEntries(ctx)
	if err != nil {
		return l, false, fmt.Errorf("list leaderboard: %w", err)
	}
	for _, e := range entries {
		if e.AccountID == l.AccountID {
			return l, false, nil
		}
	}
	next, err := b.engine.Reset(l)
	if err != nil {
		return l, false, err
	}
	return next, true, nil
}

// PrizePool is the winner-takes-all prize for a round with n entrants.
func (b *Board) PrizePool(n int) decimal.Decimal {
	return b.engine.cfg.EntryFee.Mul(decimal.NewFromInt(int64(n)))
}

// EstimatedPrize is a display-only estimate. Once the round has finished
// it is the authoritative winner-takes-all amount; while running, the top
// 10% of entrants are shown an even split of 40% of the pool.
func (b *Board) EstimatedPrize(rank, n int, finished bool) decimal.Decimal {
	if rank < 1 || n < 1 {
		return decimal.Zero
	}
	pool := b.PrizePool(n)
	if finished {
		if rank == 1 {
			return pool
		}
		return decimal.Zero
	}

	topSlots := decimal.NewFromInt(int64(n)).Mul(decimal.NewFromFloat(0.10))
	if decimal.NewFromInt(int64(rank)).GreaterThan(topSlots) {
		return decimal.Zero
	}
	return pool.Mul(decimal.NewFromFloat(0.40)).Div(topSlots)
}

// ClaimPrize pays the round's prize to accountID. The claimant must be
// rank 1 and their round must have finished, allowing for clock skew. A
// successful claim records the payout and clears the pool, so a round can
// only pay once.
func (b *Board) ClaimPrize(ctx context.Context, accountID string, prices map[string]decimal.Decimal) (model.Payout, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, err := b.ledgers.Ledger(ctx, accountID)
	if err != nil {
		return model.Payout{}, err
	}
	switch b.engine.Mode(l).(type) {
	case model.NotEntered:
		return model.Payout{}, ErrNotEntered
	case model.Active:
		return model.Payout{}, ErrRoundRunning
	}
	if !b.engine.Payable(l) {
		return model.Payout{}, ErrRoundRunning
	}

	winner, ok, entrants, err := b.winnerLocked(ctx, prices)
	if err != nil {
		return model.Payout{}, err
	}
	if !ok || winner.AccountID != accountID {
		return model.Payout{}, ErrNotWinner
	}

	payout := model.Payout{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Amount:    b.PrizePool(entrants),
		Entrants:  entrants,
		PaidAt:    b.engine.Now().UTC(),
	}
	if err := b.pool.RecordPayout(ctx, payout); err != nil {
		return model.Payout{}, fmt.Errorf("record payout: %w", err)
	}
	metrics.Payouts.Inc()

	if err := b.pool.ClearLeaderboard(ctx); err != nil {
		return payout, fmt.Errorf("clear leaderboard: %w", err)
	}
	b.latest = nil

	if _, err := b.ledgers.Update(ctx, accountID, b.engine.Reset); err != nil {
		slog.Warn("competition: winner reset not persisted", "account", accountID, "err", err)
	}

	slog.Info("prize paid",
		"payout_id", payout.ID,
		"account", accountID,
		"amount", payout.Amount.String(),
		"entrants", payout.Entrants,
	)
	return payout, nil
}
