package redis_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/farm-engine/farming"
	"github.com/warp/farm-engine/farming/storetest"
	"github.com/warp/farm-engine/store/redis"
)

func setupTestStore(t *testing.T) (*redis.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	store := redis.New(client, "test")
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) farming.Store {
		store, _ := setupTestStore(t)
		return store
	})
}

func TestStore_KeyLayout(t *testing.T) {
	// GIVEN: A referred user
	store, mr := setupTestStore(t)
	ctx := context.Background()

	rec := storetest.User("u2", 200)
	rec.ReferredBy = "u1"
	require.NoError(t, store.Create(ctx, rec))

	// THEN: Record, code index, balance score and referral set are written
	assert.True(t, mr.Exists("test:user:u2"))
	code, err := mr.Get("test:code:" + rec.ReferralCode)
	require.NoError(t, err)
	assert.Equal(t, "u2", code)

	score, err := mr.ZScore("test:balances", "u2")
	require.NoError(t, err)
	assert.Equal(t, float64(200), score)

	members, err := mr.ZMembers("test:referrals:u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, members)
}

func TestStore_SaveUpdatesBalanceScore(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, storetest.User("u1", 200)))

	rec, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	rec.Balance = 245
	require.NoError(t, store.Save(ctx, rec))

	score, err := mr.ZScore("test:balances", "u1")
	require.NoError(t, err)
	assert.Equal(t, float64(245), score)
}

func TestStore_TopOrdersTiesByCreationNotMemberName(t *testing.T) {
	// GIVEN: Ties whose member names sort opposite to creation order
	store, _ := setupTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"zed", "mid", "abe"} {
		require.NoError(t, store.Create(ctx, storetest.User(id, 100)))
	}
	require.NoError(t, store.Create(ctx, storetest.User("top", 900)))

	// WHEN: The cut falls inside the tie
	recs, err := store.Top(ctx, 3)
	require.NoError(t, err)

	// THEN: Earliest created wins the tie
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"top", "zed", "mid"}, ids)
}

func TestStore_Unavailable(t *testing.T) {
	store, mr := setupTestStore(t)
	mr.Close()

	_, err := store.Get(context.Background(), "u1")

	require.Error(t, err)
	assert.NotErrorIs(t, err, farming.ErrNotFound)
}
