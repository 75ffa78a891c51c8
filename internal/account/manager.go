// Package account owns per-user ledger sessions. Every state change runs
// the pure ledger or competition transition in memory first, then persists
// the whole ledger through the store. The in-memory ledger stays
// authoritative when the write fails; the session is marked unsynced and
// retried later.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinwise/arena-engine/internal/competition"
	"github.com/coinwise/arena-engine/internal/ledger"
	"github.com/coinwise/arena-engine/internal/metrics"
	"github.com/coinwise/arena-engine/internal/model"
	"github.com/coinwise/arena-engine/internal/store"
)

var (
	// ErrPersistenceFailure wraps a store error after the in-memory ledger
	// has already been updated. The returned ledger is still valid.
	ErrPersistenceFailure = errors.New("account: ledger not persisted")

	// ErrUnknownAccount is returned for accounts that were never opened.
	ErrUnknownAccount = errors.New("account: unknown account")
)

// RetryPolicy controls how many times a ledger write is attempted before
// the session is marked unsynced.
type RetryPolicy struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultRetryPolicy writes once and leaves recovery to FlushUnsynced.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 1, Backoff: 100 * time.Millisecond, MaxBackoff: 2 * time.Second}
}

type session struct {
	mu       sync.Mutex
	ledger   model.Ledger
	unsynced bool
	joining  bool // entered but not yet on the board
}

// Manager holds open ledger sessions and the competition board that reads
// them. It implements competition.LedgerSource.
type Manager struct {
	store           store.Store
	ledger          *ledger.Engine
	arena           *competition.Engine
	board           *competition.Board
	startingBalance decimal.Decimal
	retry           RetryPolicy

	mu       sync.Mutex
	sessions map[string]*session
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(m *Manager) { m.retry = p }
}

// WithStartingBalance sets the cash a fresh account opens with. It defaults
// to the arena baseline.
func WithStartingBalance(v decimal.Decimal) Option {
	return func(m *Manager) { m.startingBalance = v }
}

// NewManager creates a manager and the competition board backed by st.
func NewManager(st store.Store, arena *competition.Engine, le *ledger.Engine, opts ...Option) *Manager {
	m := &Manager{
		store:           st,
		ledger:          le,
		arena:           arena,
		startingBalance: arena.Config().Baseline,
		retry:           DefaultRetryPolicy(),
		sessions:        make(map[string]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.retry.Attempts < 1 {
		m.retry.Attempts = 1
	}
	m.board = competition.NewBoard(arena, st, m)
	return m
}

// Board returns the competition board.
func (m *Manager) Board() *competition.Board { return m.board }

// Open starts or resumes a session. A missing stored ledger is initialized
// with the starting balance. An epoch whose round was already paid out is
// cleared.
func (m *Manager) Open(ctx context.Context, accountID, displayName string) (model.Ledger, error) {
	s, err := m.session(ctx, accountID)
	switch {
	case errors.Is(err, ErrUnknownAccount):
		s, err = m.create(ctx, accountID, displayName)
	case err != nil:
		return model.Ledger{}, err
	}
	if err != nil {
		return s.snapshot(), err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = m.reconcileLocked(ctx, s)
	return s.ledger, err
}

// Ledger returns the account's current ledger, loading it from the store if
// no session is open.
func (m *Manager) Ledger(ctx context.Context, accountID string) (model.Ledger, error) {
	s, err := m.session(ctx, accountID)
	if err != nil {
		return model.Ledger{}, err
	}
	return s.snapshot(), nil
}

// Get returns the account's ledger and whether it has unsynced changes.
func (m *Manager) Get(ctx context.Context, accountID string) (model.Ledger, bool, error) {
	s, err := m.session(ctx, accountID)
	if err != nil {
		return model.Ledger{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// A failed write is already tracked by the unsynced flag.
	_ = m.reconcileLocked(ctx, s)
	return s.ledger, s.unsynced, nil
}

// Update applies fn to the account's ledger and persists the result. If fn
// fails the ledger is unchanged and fn's error is returned. If the write
// fails the new ledger is kept and returned with ErrPersistenceFailure.
func (m *Manager) Update(ctx context.Context, accountID string, fn func(model.Ledger) (model.Ledger, error)) (model.Ledger, error) {
	s, err := m.session(ctx, accountID)
	if err != nil {
		return model.Ledger{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := fn(s.ledger)
	if err != nil {
		return s.ledger, err
	}
	s.ledger = next
	return next, m.persistLocked(ctx, s)
}

// Deposit credits cash.
func (m *Manager) Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (model.Ledger, error) {
	l, err := m.Update(ctx, accountID, func(l model.Ledger) (model.Ledger, error) {
		return m.ledger.Deposit(l, amount)
	})
	observe("deposit", err)
	return l, err
}

// Buy purchases amount of symbol at unitPrice.
func (m *Manager) Buy(ctx context.Context, accountID, symbol string, amount, unitPrice decimal.Decimal) (model.Ledger, error) {
	l, err := m.Update(ctx, accountID, func(l model.Ledger) (model.Ledger, error) {
		return m.ledger.Buy(l, symbol, amount, unitPrice)
	})
	observe("buy", err)
	return l, err
}

// Sell disposes of amount of symbol at unitPrice.
func (m *Manager) Sell(ctx context.Context, accountID, symbol string, amount, unitPrice decimal.Decimal) (model.Ledger, error) {
	l, err := m.Update(ctx, accountID, func(l model.Ledger) (model.Ledger, error) {
		return m.ledger.Sell(l, symbol, amount, unitPrice)
	})
	observe("sell", err)
	return l, err
}

// EnterCompetition starts a round for the account and joins the board. An
// epoch left over from a round that was already paid out is cleared first.
func (m *Manager) EnterCompetition(ctx context.Context, accountID string) (model.Ledger, error) {
	s, err := m.session(ctx, accountID)
	if err != nil {
		return model.Ledger{}, err
	}

	s.mu.Lock()
	_ = m.reconcileLocked(ctx, s)
	next, err := m.arena.Enter(s.ledger)
	if err != nil {
		l := s.ledger
		s.mu.Unlock()
		observe("enter", err)
		return l, err
	}
	s.ledger = next
	s.joining = true
	err = m.persistLocked(ctx, s)
	s.mu.Unlock()
	observe("enter", err)

	// Joining takes the board lock, so it runs without the session lock.
	joinErr := m.board.Join(ctx, next)

	s.mu.Lock()
	s.joining = false
	s.mu.Unlock()

	if joinErr != nil {
		return next, fmt.Errorf("join leaderboard: %w", joinErr)
	}
	return next, err
}

// ResetCompetition clears the account's round and leaves the board.
func (m *Manager) ResetCompetition(ctx context.Context, accountID string) (model.Ledger, error) {
	l, err := m.Update(ctx, accountID, m.arena.Reset)
	observe("reset", err)
	if err != nil && !errors.Is(err, ErrPersistenceFailure) {
		return l, err
	}
	if leaveErr := m.board.Leave(ctx, accountID); leaveErr != nil {
		return l, fmt.Errorf("leave leaderboard: %w", leaveErr)
	}
	return l, err
}

// Payouts lists the account's prize payouts.
func (m *Manager) Payouts(ctx context.Context, accountID string) ([]model.Payout, error) {
	return m.store.ListPayouts(ctx, accountID)
}

// Unsynced reports whether the account has in-memory state the store has
// not yet accepted.
func (m *Manager) Unsynced(accountID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[accountID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsynced
}

// FlushUnsynced retries the write for every unsynced session and returns
// how many are still unsynced.
func (m *Manager) FlushUnsynced(ctx context.Context) int {
	m.mu.Lock()
	pending := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		pending = append(pending, s)
	}
	m.mu.Unlock()

	remaining := 0
	for _, s := range pending {
		s.mu.Lock()
		if s.unsynced {
			if err := m.persistLocked(ctx, s); err != nil {
				remaining++
			} else {
				slog.Info("account: ledger resynced", "account", s.ledger.AccountID)
			}
		}
		s.mu.Unlock()
	}
	return remaining
}

// session returns the open session for accountID, loading it from the store
// on first use.
func (m *Manager) session(ctx context.Context, accountID string) (*session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[accountID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	stored, err := m.store.LoadLedger(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownAccount
	}
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	return m.install(&session{ledger: *stored}), nil
}

func (m *Manager) create(ctx context.Context, accountID, displayName string) (*session, error) {
	if displayName == "" {
		displayName = accountID
	}
	s := m.install(&session{ledger: ledger.Open(accountID, displayName, m.startingBalance)})

	s.mu.Lock()
	defer s.mu.Unlock()
	slog.Info("account: opened", "account", accountID, "balance", s.ledger.CashBalance.String())
	return s, m.persistLocked(ctx, s)
}

// install registers s unless a concurrent caller won the race, in which
// case the existing session is returned.
func (m *Manager) install(s *session) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[s.ledger.AccountID]; ok {
		return existing
	}
	m.sessions[s.ledger.AccountID] = s
	return s
}

// reconcileLocked clears s.ledger's epoch when its round was ended by a
// payout. Only a write failure is returned. s.mu must be held; Reconcile
// reads the pool without taking the board lock.
func (m *Manager) reconcileLocked(ctx context.Context, s *session) error {
	if s.joining {
		return nil
	}
	next, changed, err := m.board.Reconcile(ctx, s.ledger)
	if err != nil {
		slog.Warn("account: reconcile failed", "account", s.ledger.AccountID, "err", err)
		return nil
	}
	if !changed {
		return nil
	}
	slog.Info("account: cleared finished round", "account", s.ledger.AccountID)
	s.ledger = next
	return m.persistLocked(ctx, s)
}

// persistLocked writes s.ledger under the retry policy. s.mu must be held.
func (m *Manager) persistLocked(ctx context.Context, s *session) error {
	l := s.ledger
	backoff := m.retry.Backoff

	var err error
retry:
	for attempt := 1; attempt <= m.retry.Attempts; attempt++ {
		if err = m.store.SaveLedger(ctx, &l); err == nil {
			if s.unsynced {
				s.unsynced = false
				metrics.UnsyncedSessions.Dec()
			}
			return nil
		}
		if attempt == m.retry.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break retry
		case <-time.After(backoff):
		}
		backoff *= 2
		if m.retry.MaxBackoff > 0 && backoff > m.retry.MaxBackoff {
			backoff = m.retry.MaxBackoff
		}
	}

	metrics.PersistenceFailures.Inc()
	if !s.unsynced {
		s.unsynced = true
		metrics.UnsyncedSessions.Inc()
	}
	slog.Error("account: persist ledger failed",
		"account", l.AccountID,
		"attempts", m.retry.Attempts,
		"err", err,
	)
	return fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
}

func (s *session) snapshot() model.Ledger {
	if s == nil {
		return model.Ledger{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger
}

func observe(op string, err error) {
	result := "ok"
	switch {
	case errors.Is(err, ErrPersistenceFailure):
		result = "unsynced"
	case err != nil:
		result = "rejected"
	}
	metrics.LedgerOps.WithLabelValues(op, result).Inc()
}
