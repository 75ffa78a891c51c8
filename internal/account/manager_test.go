package account_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinwise/arena-engine/internal/account"
	"github.com/coinwise/arena-engine/internal/competition"
	"github.com/coinwise/arena-engine/internal/ledger"
	"github.com/coinwise/arena-engine/internal/model"
	"github.com/coinwise/arena-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var errDown = errors.New("store unavailable")

// flakyStore fails SaveLedger while failures > 0.
type flakyStore struct {
	*store.MemoryStore

	mu       sync.Mutex
	failures int
	saves    int
}

func (s *flakyStore) SaveLedger(ctx context.Context, l *model.Ledger) error {
	s.mu.Lock()
	s.saves++
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errDown
	}
	s.mu.Unlock()
	return s.MemoryStore.SaveLedger(ctx, l)
}

func (s *flakyStore) fail(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

func newManager(st store.Store, opts ...account.Option) *account.Manager {
	le := ledger.New()
	arena := competition.NewEngine(competition.DefaultConfig(), le)
	return account.NewManager(st, arena, le, opts...)
}

func TestOpen_FreshAccount(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	m := newManager(st)

	l, err := m.Open(ctx, "alice", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", l.DisplayName)
	assert.True(t, l.CashBalance.Equal(d(1000000)))
	assert.NotNil(t, l.Holdings)
	assert.Empty(t, l.Transactions)

	stored, err := st.LoadLedger(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, stored.CashBalance.Equal(d(1000000)))
}

func TestOpen_ResumesStoredLedger(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	first := newManager(st)
	_, err := first.Open(ctx, "alice", "Alice")
	require.NoError(t, err)
	_, err = first.Deposit(ctx, "alice", d(500))
	require.NoError(t, err)

	second := newManager(st)
	l, err := second.Open(ctx, "alice", "ignored")
	require.NoError(t, err)
	assert.Equal(t, "Alice", l.DisplayName)
	assert.True(t, l.CashBalance.Equal(d(1000500)))
	assert.Len(t, l.Transactions, 1)
}

func TestOpen_CustomStartingBalance(t *testing.T) {
	m := newManager(store.NewMemoryStore(), account.WithStartingBalance(d(250)))
	l, err := m.Open(context.Background(), "alice", "")
	require.NoError(t, err)
	assert.True(t, l.CashBalance.Equal(d(250)))
	assert.Equal(t, "alice", l.DisplayName)
}

func TestLedger_UnknownAccount(t *testing.T) {
	m := newManager(store.NewMemoryStore())
	_, err := m.Ledger(context.Background(), "ghost")
	assert.ErrorIs(t, err, account.ErrUnknownAccount)

	_, err = m.Buy(context.Background(), "ghost", "BTCUSDT", d(1), d(1))
	assert.ErrorIs(t, err, account.ErrUnknownAccount)
}

func TestTrade_PersistsEachStep(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	m := newManager(st)
	_, err := m.Open(ctx, "alice", "Alice")
	require.NoError(t, err)

	_, err = m.Buy(ctx, "alice", "btcusdt", d(1), d(50000))
	require.NoError(t, err)
	l, err := m.Sell(ctx, "alice", "BTCUSDT", d(1), d(60000))
	require.NoError(t, err)

	assert.True(t, l.CashBalance.Equal(d(1010000)))
	assert.Empty(t, l.Holdings)
	require.Len(t, l.Transactions, 2)
	assert.Equal(t, model.KindBuy, l.Transactions[0].Kind)
	assert.Equal(t, model.KindSell, l.Transactions[1].Kind)

	stored, err := st.LoadLedger(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, stored.CashBalance.Equal(d(1010000)))
	assert.Len(t, stored.Transactions, 2)
}

func TestTrade_RejectedLeavesLedgerUnchanged(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	m := newManager(st)
	before, err := m.Open(ctx, "alice", "Alice")
	require.NoError(t, err)
	saves := st.saves

	after, err := m.Buy(ctx, "alice", "BTCUSDT", d(100), d(50000))
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.True(t, after.CashBalance.Equal(before.CashBalance))
	assert.Empty(t, after.Transactions)
	assert.Equal(t, saves, st.saves, "rejected operations are not persisted")

	_, err = m.Sell(ctx, "alice", "ETHUSDT", d(1), d(3000))
	assert.ErrorIs(t, err, ledger.ErrInsufficientHoldings)
}

func TestPersistenceFailure_KeepsLocalState(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	m := newManager(st)
	_, err := m.Open(ctx, "alice", "Alice")
	require.NoError(t, err)

	st.fail(1)
	l, err := m.Deposit(ctx, "alice", d(100))
	require.ErrorIs(t, err, account.ErrPersistenceFailure)
	assert.ErrorIs(t, err, errDown)
	assert.True(t, l.CashBalance.Equal(d(1000100)), "optimistic result is returned")
	assert.True(t, m.Unsynced("alice"))

	got, unsynced, err := m.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, unsynced)
	assert.True(t, got.CashBalance.Equal(d(1000100)))

	stored, err := st.LoadLedger(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, stored.CashBalance.Equal(d(1000000)), "store still has the old ledger")

	assert.Equal(t, 0, m.FlushUnsynced(ctx))
	assert.False(t, m.Unsynced("alice"))

	stored, err = st.LoadLedger(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, stored.CashBalance.Equal(d(1000100)))
}

func TestFlushUnsynced_StillFailing(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	m := newManager(st)
	_, err := m.Open(ctx, "alice", "Alice")
	require.NoError(t, err)

	st.fail(2)
	_, err = m.Deposit(ctx, "alice", d(1))
	require.ErrorIs(t, err, account.ErrPersistenceFailure)

	assert.Equal(t, 1, m.FlushUnsynced(ctx))
	assert.True(t, m.Unsynced("alice"))
	assert.Equal(t, 0, m.FlushUnsynced(ctx))
}

func TestRetryPolicy_RetriesBeforeFailing(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	m := newManager(st, account.WithRetryPolicy(account.RetryPolicy{
		Attempts:   3,
		Backoff:    time.Millisecond,
		MaxBackoff: 2 * time.Millisecond,
	}))
	_, err := m.Open(ctx, "alice", "Alice")
	require.NoError(t, err)

	st.fail(2)
	saves := st.saves
	_, err = m.Deposit(ctx, "alice", d(1))
	require.NoError(t, err)
	assert.Equal(t, saves+3, st.saves)
	assert.False(t, m.Unsynced("alice"))
}

func TestDefaultRetryPolicy_NoSilentRetry(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	m := newManager(st)
	_, err := m.Open(ctx, "alice", "Alice")
	require.NoError(t, err)

	st.fail(1)
	saves := st.saves
	_, err = m.Deposit(ctx, "alice", d(1))
	assert.ErrorIs(t, err, account.ErrPersistenceFailure)
	assert.Equal(t, saves+1, st.saves)
}

func TestCompetition_EnterAndReset(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	m := newManager(st)
	_, err := m.Open(ctx, "alice", "Alice")
	require.NoError(t, err)
	_, err = m.Deposit(ctx, "alice", d(5000))
	require.NoError(t, err)

	l, err := m.EnterCompetition(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "active", l.Mode(time.Now()).Name())
	assert.True(t, l.CashBalance.Equal(d(1000000)))

	entries, err := st.ListLeaderboardEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].AccountID)

	_, err = m.EnterCompetition(ctx, "alice")
	assert.ErrorIs(t, err, competition.ErrAlreadyEntered)

	l, err = m.ResetCompetition(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, l.Competition)

	entries, err = st.ListLeaderboardEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = m.ResetCompetition(ctx, "alice")
	assert.ErrorIs(t, err, competition.ErrNotEntered)
}

func TestOpen_ClearsRoundEndedByPayout(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	m := newManager(st)
	_, err := m.Open(ctx, "bob", "Bob")
	require.NoError(t, err)
	_, err = m.EnterCompetition(ctx, "bob")
	require.NoError(t, err)

	// Another competitor's payout clears the shared pool.
	require.NoError(t, st.ClearLeaderboard(ctx))

	l, err := m.Open(ctx, "bob", "Bob")
	require.NoError(t, err)
	assert.Nil(t, l.Competition)

	stored, err := st.LoadLedger(ctx, "bob")
	require.NoError(t, err)
	assert.Nil(t, stored.Competition)
}

func TestManager_ServesBoard(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	m := newManager(st)
	for _, id := range []string{"alice", "bob"} {
		_, err := m.Open(ctx, id, id)
		require.NoError(t, err)
		_, err = m.EnterCompetition(ctx, id)
		require.NoError(t, err)
	}
	_, err := m.Buy(ctx, "bob", "ETHUSDT", d(10), d(1000))
	require.NoError(t, err)

	board, err := m.Board().Refresh(ctx, map[string]decimal.Decimal{"ETHUSDT": d(2000)})
	require.NoError(t, err)
	require.Len(t, board, 2)
	assert.Equal(t, "bob", board[0].AccountID)
	assert.True(t, board[0].PnLPercent.Equal(d(1)), "pnl %s", board[0].PnLPercent)
	assert.Equal(t, "alice", board[1].AccountID)
}

func TestGet_ClearsRoundEndedByPayout(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	m := newManager(st)
	for _, id := range []string{"alice", "bob"} {
		_, err := m.Open(ctx, id, id)
		require.NoError(t, err)
		_, err = m.EnterCompetition(ctx, id)
		require.NoError(t, err)
	}

	// A payout clears the shared pool while bob's session stays open.
	require.NoError(t, st.ClearLeaderboard(ctx))

	l, unsynced, err := m.Get(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, unsynced)
	assert.Nil(t, l.Competition)
	assert.Equal(t, "not_entered", l.Mode(time.Now()).Name())

	stored, err := st.LoadLedger(ctx, "bob")
	require.NoError(t, err)
	assert.Nil(t, stored.Competition)
}

func TestEnterCompetition_AfterPayoutStartsNewRound(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	m := newManager(st)
	_, err := m.Open(ctx, "bob", "Bob")
	require.NoError(t, err)
	_, err = m.EnterCompetition(ctx, "bob")
	require.NoError(t, err)

	require.NoError(t, st.ClearLeaderboard(ctx))

	l, err := m.EnterCompetition(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "active", l.Mode(time.Now()).Name())

	entries, err := st.ListLeaderboardEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bob", entries[0].AccountID)
}
