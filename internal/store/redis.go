package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coinwise/arena-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache. Ledger writes go to the primary store and then
// refresh the cache. Pool writes bump a version key and invalidate the
// cached board listing, and a listing read across a write is not cached.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) SaveLedger(ctx context.Context, l *model.Ledger) error {
	if err := s.primary.SaveLedger(ctx, l); err != nil {
		// The cached copy may now be older than the caller's state.
		s.rdb.Del(ctx, ledgerKey(l.AccountID))
		return err
	}
	s.cacheJSON(ctx, ledgerKey(l.AccountID), l)
	return nil
}

func (s *CachedStore) SaveLeaderboardEntry(ctx context.Context, e model.LeaderboardEntry) error {
	if err := s.primary.SaveLeaderboardEntry(ctx, e); err != nil {
		return err
	}
	s.invalidateLeaderboard(ctx)
	return nil
}

func (s *CachedStore) RemoveLeaderboardEntry(ctx context.Context, accountID string) error {
	if err := s.primary.RemoveLeaderboardEntry(ctx, accountID); err != nil {
		return err
	}
	s.invalidateLeaderboard(ctx)
	return nil
}

func (s *CachedStore) ClearLeaderboard(ctx context.Context) error {
	if err := s.primary.ClearLeaderboard(ctx); err != nil {
		return err
	}
	s.invalidateLeaderboard(ctx)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LoadLedger(ctx context.Context, accountID string) (*model.Ledger, error) {
	data, err := s.rdb.Get(ctx, ledgerKey(accountID)).Bytes()
	if err == nil {
		var l model.Ledger
		if json.Unmarshal(data, &l) == nil {
			return &l, nil
		}
	}

	// Cache miss: read from primary.
	l, err := s.primary.LoadLedger(ctx, accountID)
	if err != nil {
		return nil, err
	}

	s.cacheJSON(ctx, ledgerKey(accountID), l)
	return l, nil
}

func (s *CachedStore) ListLeaderboardEntries(ctx context.Context) ([]model.LeaderboardEntry, error) {
	data, err := s.rdb.Get(ctx, leaderboardKey).Bytes()
	if err == nil {
		var entries []model.LeaderboardEntry
		if json.Unmarshal(data, &entries) == nil {
			return entries, nil
		}
	}

	// The version is read before the primary so that a write landing in
	// between leaves the stale listing uncached.
	ver, err := s.leaderboardVersion(ctx)
	if err != nil {
		slog.Debug("redis leaderboard version read failed", "err", err)
	}

	entries, err := s.primary.ListLeaderboardEntries(ctx)
	if err != nil {
		return nil, err
	}

	if ver >= 0 {
		s.cacheLeaderboard(ctx, ver, entries)
	}
	return entries, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) RecordPayout(ctx context.Context, p model.Payout) error {
	return s.primary.RecordPayout(ctx, p)
}

func (s *CachedStore) ListPayouts(ctx context.Context, accountID string) ([]model.Payout, error) {
	return s.primary.ListPayouts(ctx, accountID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		slog.Debug("redis cache set failed", "key", key, "err", err)
	}
}

// invalidateLeaderboard bumps the pool version and drops the cached listing
// in one round trip.
func (s *CachedStore) invalidateLeaderboard(ctx context.Context) {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, leaderboardVersionKey)
		pipe.Del(ctx, leaderboardKey)
		return nil
	})
	if err != nil {
		slog.Warn("redis leaderboard invalidation failed", "err", err)
	}
}

// leaderboardVersion returns the current pool version, 0 if none was ever
// written, or -1 when Redis cannot be read.
func (s *CachedStore) leaderboardVersion(ctx context.Context) (int64, error) {
	ver, err := s.rdb.Get(ctx, leaderboardVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return -1, err
	}
	return ver, nil
}

// cacheLeaderboard stores entries only if the pool version still equals ver.
func (s *CachedStore) cacheLeaderboard(ctx context.Context, ver int64, entries []model.LeaderboardEntry) {
	data, err := json.Marshal(entries)
	if err != nil {
		return
	}
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, leaderboardVersionKey).Int64()
		if errors.Is(err, redis.Nil) {
			cur, err = 0, nil
		}
		if err != nil {
			return err
		}
		if cur != ver {
			return errStaleListing
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, leaderboardKey, data, s.ttl)
			return nil
		})
		return err
	}, leaderboardVersionKey)
	switch {
	case err == nil, errors.Is(err, errStaleListing), errors.Is(err, redis.TxFailedErr):
	default:
		slog.Debug("redis leaderboard cache set failed", "err", err)
	}
}

var errStaleListing = errors.New("leaderboard changed during read")

const (
	leaderboardKey        = "arena:leaderboard"
	leaderboardVersionKey = "arena:leaderboard:version"
)

func ledgerKey(accountID string) string { return fmt.Sprintf("arena:ledger:%s", accountID) }
