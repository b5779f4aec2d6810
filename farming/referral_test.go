package farming_test

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/farm-engine/farming"
)

// =============================================================================
// REFERRAL CODES & LINKS
// =============================================================================

func TestDeriveReferralCode(t *testing.T) {
	a := farming.DeriveReferralCode("123456789")

	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{16}$`), a)
	assert.Equal(t, a, farming.DeriveReferralCode("123456789"), "must be deterministic")
	assert.NotEqual(t, a, farming.DeriveReferralCode("987654321"))
}

func TestReferralLink(t *testing.T) {
	svc, _, _ := newTestService(t)
	assert.Equal(t, "https://t.me/proofcoin_bot/?start=42", svc.ReferralLink("42"))
}

// =============================================================================
// ONBOARDING
// =============================================================================

func TestOnboard_WithReferralCode_CreditsReferrer(t *testing.T) {
	// GIVEN: U1 exists
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	u1 := onboard(t, svc, "u1", "")

	// WHEN: U2 joins with U1's code
	res := onboard(t, svc, "u2", u1.Record.ReferralCode)

	// THEN
	assert.True(t, res.Created)
	assert.Equal(t, "u1", res.Record.ReferredBy)
	assert.True(t, res.Record.ReferralCredited)
	assert.Equal(t, "u1", res.CreditedReferrer)
	assert.Equal(t, int64(120), res.Bonus)
	assert.Equal(t, int64(200), res.Record.Balance)
	assert.Equal(t, "https://t.me/proofcoin_bot/?start=u2", res.ReferralLink)

	referrer, err := svc.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), referrer.ReferralCount)
	assert.Equal(t, int64(320), referrer.Balance)
}

func TestOnboard_WithReferrerID(t *testing.T) {
	svc, _, _ := newTestService(t)
	onboard(t, svc, "u1", "")

	res := onboard(t, svc, "u2", "u1")

	assert.Equal(t, "u1", res.Record.ReferredBy)
	referrer, _ := svc.GetUser(context.Background(), "u1")
	assert.Equal(t, int64(1), referrer.ReferralCount)
}

func TestOnboard_UnknownOrSelfReferrer_NoReferral(t *testing.T) {
	svc, _, _ := newTestService(t)

	unknown := onboard(t, svc, "u1", "nobody")
	self := onboard(t, svc, "u2", "u2")
	selfCode := onboard(t, svc, "u3", farming.DeriveReferralCode("u3"))

	for _, res := range []farming.OnboardResult{unknown, self, selfCode} {
		assert.True(t, res.Created)
		assert.Empty(t, res.Record.ReferredBy)
		assert.Empty(t, res.CreditedReferrer)
		assert.Equal(t, int64(200), res.Record.Balance)
	}
}

func TestOnboard_Twice_SameRecordNoSecondBonus(t *testing.T) {
	// GIVEN: U2 joined through U1
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	onboard(t, svc, "u1", "")
	first := onboard(t, svc, "u2", "u1")

	// WHEN: U2 starts the bot again, even with another referrer
	onboard(t, svc, "u3", "")
	second := onboard(t, svc, "u2", "u3")

	// THEN: Same record, nobody paid again
	assert.False(t, second.Created)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.Equal(t, "u1", second.Record.ReferredBy)
	assert.Empty(t, second.CreditedReferrer)

	u1, _ := svc.GetUser(ctx, "u1")
	u3, _ := svc.GetUser(ctx, "u3")
	assert.Equal(t, int64(1), u1.ReferralCount)
	assert.Equal(t, int64(320), u1.Balance)
	assert.Zero(t, u3.ReferralCount)
	assert.Equal(t, int64(200), u3.Balance)
}

func TestOnboard_Concurrent_BonusExactlyOnce(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	onboard(t, svc, "u1", "")

	const n = 16
	var wg sync.WaitGroup
	var created atomic.Int64
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Onboard(ctx, "u2", "User u2", "u1")
			if !assert.NoError(t, err) {
				return
			}
			if res.Created {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), created.Load())
	u1, _ := svc.GetUser(ctx, "u1")
	assert.Equal(t, int64(1), u1.ReferralCount)
	assert.Equal(t, int64(320), u1.Balance)
}

func TestOnboard_ResumesUnsettledCredit(t *testing.T) {
	// GIVEN: U2 was created referring U1 but the bonus step never ran
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	onboard(t, svc, "u1", "")
	require.NoError(t, st.Create(ctx, &farming.UserRecord{
		ID:           "u2",
		DisplayName:  "User u2",
		Balance:      200,
		ReferralCode: farming.DeriveReferralCode("u2"),
		ReferredBy:   "u1",
	}))

	// WHEN: U2 comes back, twice
	first := onboard(t, svc, "u2", "")
	second := onboard(t, svc, "u2", "")

	// THEN: The bonus lands once
	assert.Equal(t, "u1", first.CreditedReferrer)
	assert.True(t, first.Record.ReferralCredited)
	assert.Empty(t, second.CreditedReferrer)

	u1, _ := svc.GetUser(ctx, "u1")
	assert.Equal(t, int64(1), u1.ReferralCount)
	assert.Equal(t, []string{"u2"}, u1.CreditedReferees)
}

func TestOnboard_LostFlagWrite_GuardPreventsDoublePay(t *testing.T) {
	// GIVEN: The referrer was paid but the referee flag was never written
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	onboard(t, svc, "u1", "")
	require.NoError(t, st.Create(ctx, &farming.UserRecord{
		ID: "u2", DisplayName: "User u2", Balance: 200,
		ReferralCode: farming.DeriveReferralCode("u2"), ReferredBy: "u1",
	}))
	_, err := svc.AddCredit(ctx, "u1", 120)
	require.NoError(t, err)
	u1, _ := svc.GetUser(ctx, "u1")
	u1.ReferralCount = 1
	u1.CreditedReferees = []string{"u2"}
	require.NoError(t, st.Save(ctx, u1))

	// WHEN: U2 re-enters
	res := onboard(t, svc, "u2", "")

	// THEN: The flag is healed without a second payment
	assert.True(t, res.Record.ReferralCredited)
	assert.Empty(t, res.CreditedReferrer)
	u1, _ = svc.GetUser(ctx, "u1")
	assert.Equal(t, int64(1), u1.ReferralCount)
	assert.Equal(t, int64(320), u1.Balance)
}

func TestOnboard_InvalidInput(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Onboard(ctx, "", "Alice", "")
	assert.ErrorIs(t, err, farming.ErrInvalidInput)
	_, err = svc.Onboard(ctx, "u1", "  ", "")
	assert.ErrorIs(t, err, farming.ErrInvalidInput)
}

func TestOnboard_ConfiguredGrants(t *testing.T) {
	econ := farming.DefaultEconomy()
	econ.RetryDelay = 0
	econ.StartingGrant = 10
	econ.ReferralBonus = 5
	svc, _, _ := newTestServiceWith(t, econ)
	onboard(t, svc, "u1", "")

	res := onboard(t, svc, "u2", "u1")

	assert.Equal(t, int64(10), res.Record.Balance)
	assert.Equal(t, int64(5), res.Bonus)
	u1, _ := svc.GetUser(context.Background(), "u1")
	assert.Equal(t, int64(15), u1.Balance)
}

// =============================================================================
// LISTING
// =============================================================================

func TestListReferrals(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	onboard(t, svc, "u1", "")
	onboard(t, svc, "u2", "u1")
	onboard(t, svc, "u3", "")
	onboard(t, svc, "u4", farming.DeriveReferralCode("u1"))

	info, err := svc.ListReferrals(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, "https://t.me/proofcoin_bot/?start=u1", info.ReferralLink)
	assert.Equal(t, farming.DeriveReferralCode("u1"), info.ReferralCode)
	assert.Equal(t, int64(2), info.ReferralCount)
	assert.Equal(t, []farming.ReferralSummary{
		{UserID: "u2", DisplayName: "User u2", Balance: 200},
		{UserID: "u4", DisplayName: "User u4", Balance: 200},
	}, info.Referred)

	empty, err := svc.ListReferrals(ctx, "u3")
	require.NoError(t, err)
	assert.Zero(t, empty.ReferralCount)
	assert.Empty(t, empty.Referred)
}
