package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/coinwise/arena-engine/internal/model"
)

// SQLiteSchema mirrors PostgresSchema for single-file deployments. Decimals
// are stored as TEXT and times as unix milliseconds.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS ledgers (
	account_id   TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	document     TEXT NOT NULL,
	updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS leaderboard_pool (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id   TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL,
	pnl_percent  TEXT NOT NULL,
	net_worth    TEXT NOT NULL,
	rank         INTEGER NOT NULL,
	joined_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS payouts (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	amount     TEXT NOT NULL,
	entrants   INTEGER NOT NULL,
	paid_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS payouts_account_idx ON payouts (account_id, paid_at);
`

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens path and applies SQLiteSchema. Use ":memory:" for a
// throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers, which SQLite requires anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(SQLiteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) LoadLedger(ctx context.Context, accountID string) (*model.Ledger, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM ledgers WHERE account_id = ?`, accountID).
		Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load ledger %s: %w", accountID, err)
	}

	var l model.Ledger
	if err := json.Unmarshal([]byte(doc), &l); err != nil {
		return nil, fmt.Errorf("decode ledger %s: %w", accountID, err)
	}
	return &l, nil
}

func (s *SQLiteStore) SaveLedger(ctx context.Context, l *model.Ledger) error {
	doc, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode ledger %s: %w", l.AccountID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ledgers (account_id, display_name, document, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (account_id) DO UPDATE
		 SET display_name = excluded.display_name,
		     document     = excluded.document,
		     updated_at   = excluded.updated_at`,
		l.AccountID, l.DisplayName, string(doc), time.Now().UnixMilli(),
	)
	return err
}

func (s *SQLiteStore) SaveLeaderboardEntry(ctx context.Context, e model.LeaderboardEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leaderboard_pool (account_id, display_name, pnl_percent, net_worth, rank, joined_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id) DO UPDATE
		 SET display_name = excluded.display_name,
		     pnl_percent  = excluded.pnl_percent,
		     net_worth    = excluded.net_worth,
		     rank         = excluded.rank`,
		e.AccountID, e.DisplayName, e.PnLPercent.String(), e.NetWorth.String(), e.Rank, e.JoinedAt.UnixMilli(),
	)
	return err
}

func (s *SQLiteStore) RemoveLeaderboardEntry(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leaderboard_pool WHERE account_id = ?`, accountID)
	return err
}

func (s *SQLiteStore) ListLeaderboardEntries(ctx context.Context) ([]model.LeaderboardEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, display_name, pnl_percent, net_worth, rank, joined_at
		 FROM leaderboard_pool ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LeaderboardEntry
	for rows.Next() {
		var e model.LeaderboardEntry
		var pnlS, worthS string
		var joinedMs int64
		if err := rows.Scan(&e.AccountID, &e.DisplayName, &pnlS, &worthS, &e.Rank, &joinedMs); err != nil {
			return nil, err
		}
		if e.PnLPercent, err = parseAmount("pnl_percent", e.AccountID, pnlS); err != nil {
			return nil, err
		}
		if e.NetWorth, err = parseAmount("net_worth", e.AccountID, worthS); err != nil {
			return nil, err
		}
		e.JoinedAt = time.UnixMilli(joinedMs).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) ClearLeaderboard(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leaderboard_pool`)
	return err
}

func (s *SQLiteStore) RecordPayout(ctx context.Context, p model.Payout) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payouts (id, account_id, amount, entrants, paid_at)
		 VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.AccountID, p.Amount.String(), p.Entrants, p.PaidAt.UnixMilli(),
	)
	return err
}

func (s *SQLiteStore) ListPayouts(ctx context.Context, accountID string) ([]model.Payout, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, amount, entrants, paid_at
		 FROM payouts WHERE account_id = ? ORDER BY paid_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []model.Payout
	for rows.Next() {
		var p model.Payout
		var amountS string
		var paidMs int64
		if err := rows.Scan(&p.ID, &p.AccountID, &amountS, &p.Entrants, &paidMs); err != nil {
			return nil, err
		}
		var err error
		if p.Amount, err = parseAmount("payout amount", p.ID, amountS); err != nil {
			return nil, err
		}
		p.PaidAt = time.UnixMilli(paidMs).UTC()
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}
