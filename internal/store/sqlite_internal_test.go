package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore_CorruptAmountsAreErrors(t *testing.T) {
	st, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	_, err = st.db.Exec(`INSERT INTO leaderboard_pool
		(account_id, display_name, pnl_percent, net_worth, rank, joined_at)
		VALUES ('alice', 'Alice', 'abc', '1000000', 1, 0)`)
	require.NoError(t, err)
	_, err = st.db.Exec(`INSERT INTO payouts (id, account_id, amount, entrants, paid_at)
		VALUES ('p1', 'alice', 'x', 2, 0)`)
	require.NoError(t, err)

	entries, err := st.ListLeaderboardEntries(ctx)
	assert.ErrorContains(t, err, "pnl_percent of alice")
	assert.Nil(t, entries)

	payouts, err := st.ListPayouts(ctx, "alice")
	assert.ErrorContains(t, err, "payout amount of p1")
	assert.Nil(t, payouts)
}

func TestParseAmount(t *testing.T) {
	v, err := parseAmount("net_worth", "bob", "1000000.125")
	require.NoError(t, err)
	assert.Equal(t, "1000000.125", v.String())

	_, err = parseAmount("net_worth", "bob", "")
	assert.ErrorContains(t, err, "net_worth of bob")
}
