// Package store defines the persistence interface for the arena engine.
// Implementations include PostgreSQL (source of truth), SQLite (single-file
// local deployments), Redis (read-through cache), and in-memory (for
// testing).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/coinwise/arena-engine/internal/model"
)

// ErrNotFound is returned by LoadLedger when the account has no stored
// ledger. Callers treat it as "initialize a fresh ledger", not a failure.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Each ledger is stored whole as one
// keyed document; the leaderboard pool is a shared map keyed by account ID
// that keeps join order.
type Store interface {
	// --- Ledger documents ---

	// LoadLedger retrieves an account's full ledger, or ErrNotFound.
	LoadLedger(ctx context.Context, accountID string) (*model.Ledger, error)

	// SaveLedger replaces an account's stored ledger.
	SaveLedger(ctx context.Context, l *model.Ledger) error

	// --- Leaderboard pool ---

	// SaveLeaderboardEntry upserts an entry, keeping its join slot.
	SaveLeaderboardEntry(ctx context.Context, e model.LeaderboardEntry) error

	// RemoveLeaderboardEntry deletes an entry if present.
	RemoveLeaderboardEntry(ctx context.Context, accountID string) error

	// ListLeaderboardEntries returns all entries in join order.
	ListLeaderboardEntries(ctx context.Context) ([]model.LeaderboardEntry, error)

	// ClearLeaderboard removes every entry.
	ClearLeaderboard(ctx context.Context) error

	// --- Payouts ---

	// RecordPayout appends an immutable payout record.
	RecordPayout(ctx context.Context, p model.Payout) error

	// ListPayouts returns an account's payouts, oldest first.
	ListPayouts(ctx context.Context, accountID string) ([]model.Payout, error)
}

// parseAmount decodes a NUMERIC/TEXT money column. A value that does not
// parse means the row is corrupt, so it is reported rather than zeroed.
func parseAmount(column, key, raw string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s of %s: %w", column, key, err)
	}
	return v, nil
}
