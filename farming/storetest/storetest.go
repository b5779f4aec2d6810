// Package storetest is the behavioral contract every farming.Store must pass.
// Each implementation's tests call Run with a constructor for a fresh store.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/farm-engine/farming"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) farming.Store

// User builds a minimal record ready for Create.
func User(id string, balance int64) *farming.UserRecord {
	return &farming.UserRecord{
		ID:           id,
		DisplayName:  "user " + id,
		Balance:      balance,
		ReferralCode: farming.DeriveReferralCode(id),
	}
}

// Run executes the full contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, newStore(t)) })
	t.Run("SaveCompareAndSwap", func(t *testing.T) { testSaveCAS(t, newStore(t)) })
	t.Run("SaveMissing", func(t *testing.T) { testSaveMissing(t, newStore(t)) })
	t.Run("SaveKeepsIdentity", func(t *testing.T) { testSaveKeepsIdentity(t, newStore(t)) })
	t.Run("ConcurrentSaveOneWinner", func(t *testing.T) { testConcurrentSave(t, newStore(t)) })
	t.Run("CountBalanceAbove", func(t *testing.T) { testCountBalanceAbove(t, newStore(t)) })
	t.Run("TopOrdering", func(t *testing.T) { testTopOrdering(t, newStore(t)) })
	t.Run("TopTracksSaves", func(t *testing.T) { testTopTracksSaves(t, newStore(t)) })
	t.Run("ListReferredBy", func(t *testing.T) { testListReferredBy(t, newStore(t)) })
}

func testGetMissing(t *testing.T, s farming.Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "nobody")
	assert.ErrorIs(t, err, farming.ErrNotFound)

	_, err = s.GetByReferralCode(ctx, "deadbeefdeadbeef")
	assert.ErrorIs(t, err, farming.ErrNotFound)
}

func testCreateAndGet(t *testing.T, s farming.Store) {
	// GIVEN: A record with every field populated
	ctx := context.Background()
	start := time.Date(2025, time.March, 1, 10, 0, 0, 0, time.UTC)
	deadline := start.Add(4 * time.Hour)

	rec := User("u1", 200)
	rec.PendingClaim = 45
	rec.LastAccrualStart = &start
	rec.CooldownDeadline = &deadline
	rec.ReferredBy = "u0"
	rec.ReferralCount = 2
	rec.Tasks = []farming.Task{{Name: "follow", RewardPoints: 50}, {Name: "share", RewardPoints: 10, Completed: true}}
	rec.CreditedReferees = []string{"a", "b"}
	rec.CreatedAt = start

	// WHEN: Created then read back by id and by code
	require.NoError(t, s.Create(ctx, rec))
	assert.Equal(t, int64(1), rec.Version)
	assert.Positive(t, rec.CreatedSeq)

	got, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	byCode, err := s.GetByReferralCode(ctx, rec.ReferralCode)
	require.NoError(t, err)

	// THEN: Every field survives
	for _, r := range []*farming.UserRecord{got, byCode} {
		assert.Equal(t, "u1", r.ID)
		assert.Equal(t, "user u1", r.DisplayName)
		assert.Equal(t, int64(200), r.Balance)
		assert.Equal(t, int64(45), r.PendingClaim)
		require.NotNil(t, r.LastAccrualStart)
		require.NotNil(t, r.CooldownDeadline)
		assert.True(t, start.Equal(*r.LastAccrualStart))
		assert.True(t, deadline.Equal(*r.CooldownDeadline))
		assert.Equal(t, "u0", r.ReferredBy)
		assert.Equal(t, int64(2), r.ReferralCount)
		assert.Equal(t, rec.Tasks, r.Tasks)
		assert.Equal(t, []string{"a", "b"}, r.CreditedReferees)
		assert.Equal(t, int64(1), r.Version)
		assert.Equal(t, rec.CreatedSeq, r.CreatedSeq)
		assert.True(t, start.Equal(r.CreatedAt))
	}
}

func testCreateDuplicate(t *testing.T, s farming.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, User("u1", 200)))

	// Same id
	err := s.Create(ctx, User("u1", 999))
	assert.ErrorIs(t, err, farming.ErrAlreadyExists)

	// Same referral code under another id
	clash := User("u2", 0)
	clash.ReferralCode = farming.DeriveReferralCode("u1")
	err = s.Create(ctx, clash)
	assert.ErrorIs(t, err, farming.ErrAlreadyExists)

	got, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.Balance, "first record must be untouched")
}

func testSaveCAS(t *testing.T, s farming.Store) {
	// GIVEN: Two copies of the same version
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, User("u1", 200)))

	a, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	b, err := s.Get(ctx, "u1")
	require.NoError(t, err)

	// WHEN: Both are saved
	a.Balance = 300
	require.NoError(t, s.Save(ctx, a))
	assert.Equal(t, int64(2), a.Version)

	b.Balance = 999
	err = s.Save(ctx, b)

	// THEN: The stale one is rejected and nothing changes
	assert.ErrorIs(t, err, farming.ErrConflict)
	got, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), got.Balance)
	assert.Equal(t, int64(2), got.Version)
}

func testSaveMissing(t *testing.T, s farming.Store) {
	rec := User("ghost", 0)
	rec.Version = 1
	err := s.Save(context.Background(), rec)
	assert.ErrorIs(t, err, farming.ErrNotFound)
}

func testSaveKeepsIdentity(t *testing.T, s farming.Store) {
	ctx := context.Background()
	orig := User("u1", 0)
	orig.ReferredBy = "u0"
	require.NoError(t, s.Create(ctx, orig))

	rec, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	rec.ReferredBy = "someone-else"
	rec.ReferralCode = "0000000000000000"
	rec.Balance = 10
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u0", got.ReferredBy)
	assert.Equal(t, orig.ReferralCode, got.ReferralCode)
	assert.Equal(t, orig.CreatedSeq, got.CreatedSeq)
	assert.Equal(t, int64(10), got.Balance)

	_, err = s.GetByReferralCode(ctx, "0000000000000000")
	assert.ErrorIs(t, err, farming.ErrNotFound)
}

func testConcurrentSave(t *testing.T, s farming.Store) {
	// GIVEN: N writers holding the same version
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, User("u1", 0)))

	const writers = 8
	copies := make([]*farming.UserRecord, writers)
	for i := range copies {
		rec, err := s.Get(ctx, "u1")
		require.NoError(t, err)
		rec.Balance = int64(i + 1)
		copies[i] = rec
	}

	// WHEN: All save at once
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := range copies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Save(ctx, copies[i])
		}(i)
	}
	wg.Wait()

	// THEN: Exactly one wins
	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, farming.ErrConflict)
	}
	assert.Equal(t, 1, wins)

	got, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func testCountBalanceAbove(t *testing.T, s farming.Store) {
	ctx := context.Background()
	for i, bal := range []int64{100, 300, 300, 500} {
		require.NoError(t, s.Create(ctx, User(fmt.Sprintf("u%d", i), bal)))
	}

	cases := map[int64]int64{
		50:  4,
		100: 3,
		300: 1,
		500: 0,
	}
	for balance, want := range cases {
		got, err := s.CountBalanceAbove(ctx, balance)
		require.NoError(t, err)
		assert.Equal(t, want, got, "above %d", balance)
	}
}

func testTopOrdering(t *testing.T, s farming.Store) {
	// GIVEN: Ties on balance created in a known order
	ctx := context.Background()
	for _, u := range []struct {
		id  string
		bal int64
	}{
		{"a", 100}, {"b", 300}, {"c", 300}, {"d", 50}, {"e", 300},
	} {
		require.NoError(t, s.Create(ctx, User(u.id, u.bal)))
	}

	// WHEN
	all, err := s.Top(ctx, 10)
	require.NoError(t, err)
	two, err := s.Top(ctx, 2)
	require.NoError(t, err)

	// THEN: Balance descending, ties by creation order
	assert.Equal(t, []string{"b", "c", "e", "a", "d"}, ids(all))
	assert.Equal(t, []string{"b", "c"}, ids(two))
}

func testTopTracksSaves(t *testing.T, s farming.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, User("a", 100)))
	require.NoError(t, s.Create(ctx, User("b", 200)))

	rec, err := s.Get(ctx, "a")
	require.NoError(t, err)
	rec.Balance = 500
	require.NoError(t, s.Save(ctx, rec))

	top, err := s.Top(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(top))

	n, err := s.CountBalanceAbove(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testListReferredBy(t *testing.T, s farming.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, User("root", 0)))
	for _, id := range []string{"r1", "x", "r2"} {
		rec := User(id, 0)
		if id != "x" {
			rec.ReferredBy = "root"
		}
		require.NoError(t, s.Create(ctx, rec))
	}

	got, err := s.ListReferredBy(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, ids(got))

	none, err := s.ListReferredBy(ctx, "x")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func ids(recs []*farming.UserRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}
