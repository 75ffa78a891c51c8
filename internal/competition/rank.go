package competition

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinwise/arena-engine/internal/model"
)

// Standing is one competitor's unranked result, in pool join order.
type Standing struct {
	AccountID   string
	DisplayName string
	PnLPercent  decimal.Decimal
	NetWorth    decimal.Decimal
	JoinedAt    time.Time
}

// Rank orders standings by strictly descending PnL% and assigns dense ranks
// 1..N. Equal PnL% keeps the input order, so the earlier entrant wins a tie.
func Rank(standings []Standing) []model.LeaderboardEntry {
	sorted := make([]Standing, len(standings))
	copy(sorted, standings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PnLPercent.GreaterThan(sorted[j].PnLPercent)
	})

	board := make([]model.LeaderboardEntry, len(sorted))
	for i, s := range sorted {
		board[i] = model.LeaderboardEntry{
			AccountID:   s.AccountID,
			DisplayName: s.DisplayName,
			PnLPercent:  s.PnLPercent,
			NetWorth:    s.NetWorth,
			Rank:        i + 1,
			JoinedAt:    s.JoinedAt,
		}
	}
	return board
}
