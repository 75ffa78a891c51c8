package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coinwise/arena-engine/internal/model"
)

// PostgresSchema creates the arena tables. Ledgers are JSONB documents;
// money columns are NUMERIC for exact decimal precision.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS ledgers (
	account_id   TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	document     JSONB NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS leaderboard_pool (
	seq          BIGSERIAL,
	account_id   TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	pnl_percent  NUMERIC NOT NULL,
	net_worth    NUMERIC NOT NULL,
	rank         INTEGER NOT NULL,
	joined_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS payouts (
	id         UUID PRIMARY KEY,
	account_id TEXT NOT NULL,
	amount     NUMERIC NOT NULL,
	entrants   INTEGER NOT NULL,
	paid_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS payouts_account_idx ON payouts (account_id, paid_at);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies PostgresSchema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, PostgresSchema)
	return err
}

func (s *PostgresStore) LoadLedger(ctx context.Context, accountID string) (*model.Ledger, error) {
	var doc string
	err := s.pool.QueryRow(ctx,
		`SELECT document::TEXT FROM ledgers WHERE account_id = $1`, accountID).
		Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *PostgresStore) SaveLedger(ctx context.Context, l *model.Ledger) error {
	doc, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode ledger %s: %w", l.AccountID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO ledgers (account_id, display_name, document, updated_at)
		 VALUES ($1, $2, $3::JSONB, now())
		 ON CONFLICT (account_id) DO UPDATE
		 SET display_name = EXCLUDED.display_name,
		     document     = EXCLUDED.document,
		     updated_at   = now()`,
		l.AccountID, l.DisplayName, string(doc),
	)
	return err
}

func (s *PostgresStore) SaveLeaderboardEntry(ctx context.Context, e model.LeaderboardEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO leaderboard_pool (account_id, display_name, pnl_percent, net_worth, rank, joined_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6)
		 ON CONFLICT (account_id) DO UPDATE
		 SET display_name = EXCLUDED.display_name,
		     pnl_percent  = EXCLUDED.pnl_percent,
		     net_worth    = EXCLUDED.net_worth,
		     rank         = EXCLUDED.rank`,
		e.AccountID, e.DisplayName, e.PnLPercent.String(), e.NetWorth.String(), e.Rank, e.JoinedAt,
	)
	return err
}

func (s *PostgresStore) RemoveLeaderboardEntry(ctx context.Context, accountID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM leaderboard_pool WHERE account_id = $1`, accountID)
	return err
}

func (s *PostgresStore) ListLeaderboardEntries(ctx context.Context) ([]model.LeaderboardEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, display_name, pnl_percent::TEXT, net_worth::TEXT, rank, joined_at
		 FROM leaderboard_pool ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LeaderboardEntry
	for rows.Next() {
		var e model.LeaderboardEntry
		var pnlS, worthS string
		if err := rows.Scan(&e.AccountID, &e.DisplayName, &pnlS, &worthS, &e.Rank, &e.JoinedAt); err != nil {
			return nil, err
		}
		if e.PnLPercent, err = parseAmount("pnl_percent", e.AccountID, pnlS); err != nil {
			return nil, err
		}
		if e.NetWorth, err = parseAmount("net_worth", e.AccountID, worthS); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) ClearLeaderboard(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM leaderboard_pool`)
	return err
}

func (s *PostgresStore) RecordPayout(ctx context.Context, p model.Payout) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO payouts (id, account_id, amount, entrants, paid_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)`,
		p.ID, p.AccountID, p.Amount.String(), p.Entrants, p.PaidAt,
	)
	return err
}

func (s *PostgresStore) ListPayouts(ctx context.Context, accountID string) ([]model.Payout, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, account_id, amount::TEXT, entrants, paid_at
		 FROM payouts WHERE account_id = $1 ORDER BY paid_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPayouts(rows)
}

// rowScanner is the subset of pgx.Rows used by the scan helpers.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanPayouts(rows rowScanner) ([]model.Payout, error) {
	var payouts []model.Payout
	for rows.Next() {
		var p model.Payout
		var amountS string
		if err := rows.Scan(&p.ID, &p.AccountID, &amountS, &p.Entrants, &p.PaidAt); err != nil {
			return nil, err
		}
		var err error
		if p.Amount, err = parseAmount("payout amount", p.ID, amountS); err != nil {
			return nil, err
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}
