package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinwise/arena-engine/internal/model"
)

func TestCachedStore_ListingReadAcrossWriteIsNotCached(t *testing.T) {
	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(redisURL)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { rdb.Close() })
	ctx := context.Background()
	require.NoError(t, rdb.FlushDB(ctx).Err())

	st := NewCachedStore(NewMemoryStore(), rdb, time.Minute)
	stale, err := st.primary.ListLeaderboardEntries(ctx)
	require.NoError(t, err)
	ver, err := st.leaderboardVersion(ctx)
	require.NoError(t, err)

	// A join lands after the reader took its version and primary snapshot.
	require.NoError(t, st.SaveLeaderboardEntry(ctx, model.LeaderboardEntry{
		AccountID:  "alice",
		PnLPercent: decimal.Zero,
		NetWorth:   decimal.NewFromInt(1000000),
		JoinedAt:   time.Now().UTC(),
	}))
	st.cacheLeaderboard(ctx, ver, stale)

	n, err := rdb.Exists(ctx, leaderboardKey).Result()
	require.NoError(t, err)
	assert.Zero(t, n, "stale listing must not be cached")

	entries, err := st.ListLeaderboardEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].AccountID)

	n, err = rdb.Exists(ctx, leaderboardKey).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "current listing is cached")
}
