package store

import (
	"context"
	"sync"

	"github.com/coinwise/arena-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	ledgers map[string]model.Ledger
	pool    []model.LeaderboardEntry
	payouts []model.Payout
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ledgers: make(map[string]model.Ledger),
	}
}

func (s *MemoryStore) LoadLedger(_ context.Context, accountID string) (*model.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.ledgers[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	copy := l.Clone()
	return &copy, nil
}

func (s *MemoryStore) SaveLedger(_ context.Context, l *model.Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	s.ledgers[l.AccountID] = l.Clone()
	return nil
}

func (s *MemoryStore) SaveLeaderboardEntry(_ context.Context, e model.LeaderboardEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.pool {
		if existing.AccountID == e.AccountID {
			e.JoinedAt = existing.JoinedAt
			s.pool[i] = e
			return nil
		}
	}
	s.pool = append(s.pool, e)
	return nil
}

func (s *MemoryStore) RemoveLeaderboardEntry(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.pool {
		if e.AccountID == accountID {
			s.pool = append(s.pool[:i], s.pool[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) ListLeaderboardEntries(_ context.Context) ([]model.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]model.LeaderboardEntry, len(s.pool))
	copy(entries, s.pool)
	return entries, nil
}

func (s *MemoryStore) ClearLeaderboard(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pool = nil
	return nil
}

func (s *MemoryStore) RecordPayout(_ context.Context, p model.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.payouts = append(s.payouts, p)
	return nil
}

func (s *MemoryStore) ListPayouts(_ context.Context, accountID string) ([]model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Payout
	for _, p := range s.payouts {
		if p.AccountID == accountID {
			result = append(result, p)
		}
	}
	return result, nil
}
