/*
handlers_test.go - HTTP tests for the farming API

Tests for:
- Onboarding, welcome back and referral credit through /api/start
- The accrual cycle (/api/farm, /api/claim) and its blocked responses
- Tasks, manual credit, rank and leaderboard endpoints
- Error mapping (validation, not found, storage failure)
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/farm-engine/farming"
	"github.com/warp/farm-engine/farming/store"
	"github.com/warp/farm-engine/logging"
	"github.com/warp/farm-engine/metrics"
)

var testNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type testServer struct {
	svc    *farming.Service
	router http.Handler
	now    time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithStore(t, store.NewMemory())
}

func newTestServerWithStore(t *testing.T, st farming.Store) *testServer {
	t.Helper()
	econ := farming.DefaultEconomy()
	econ.RetryDelay = 0
	svc, err := farming.NewService(st, econ, logging.Discard())
	require.NoError(t, err)

	ts := &testServer{svc: svc, now: testNow}
	svc.Now = func() time.Time { return ts.now }

	h := NewHandler(svc, metrics.NewCollector(), logging.Discard())
	ts.router = NewRouter(h, RouterOptions{})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) start(t *testing.T, id any, name, referrer string) StartResponse {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/start", map[string]any{
		"telegramId": id,
		"name":       name,
		"referrer":   referrer,
	})
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, rec.Code, rec.Body.String())
	return decode[StartResponse](t, rec)
}

// =============================================================================
// ONBOARDING
// =============================================================================

func TestStart_CreatesThenWelcomesBack(t *testing.T) {
	ts := newTestServer(t)

	// WHEN: A new user starts with a numeric telegram id
	rec := ts.do(t, http.MethodPost, "/api/start", map[string]any{"telegramId": 1001, "name": "Alice"})

	// THEN: The record is created with the starting grant
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[StartResponse](t, rec)
	assert.True(t, first.Created)
	assert.Equal(t, int64(200), first.Coins)
	assert.Equal(t, "Welcome, Alice!", first.Message)
	assert.Equal(t, "https://t.me/proofcoin_bot/?start=1001", first.ReferralLink)

	// WHEN: The same user starts again with a string id
	rec = ts.do(t, http.MethodPost, "/api/start", map[string]any{"telegramId": "1001", "name": "Alice"})

	// THEN: Nothing is created or re-granted
	require.Equal(t, http.StatusOK, rec.Code)
	again := decode[StartResponse](t, rec)
	assert.False(t, again.Created)
	assert.Equal(t, int64(200), again.Coins)
	assert.Equal(t, "Welcome back, Alice!", again.Message)
}

func TestStart_RefreshesDisplayName(t *testing.T) {
	ts := newTestServer(t)
	ts.start(t, "7", "Old Name", "")

	ts.start(t, "7", "New Name", "")

	got := decode[UserDTO](t, ts.do(t, http.MethodGet, "/api/user/7", nil))
	assert.Equal(t, "New Name", got.Name)
}

func TestStart_ReferralBonus(t *testing.T) {
	ts := newTestServer(t)
	ts.start(t, "ref", "Referrer", "")

	// WHEN: A new user arrives through the referrer's id, twice
	ts.start(t, "new", "Newbie", "ref")
	ts.start(t, "new", "Newbie", "ref")

	// THEN: The referrer is credited exactly once
	info := decode[ReferralInfoResponse](t, ts.do(t, http.MethodGet, "/api/user/referral/ref", nil))
	assert.Equal(t, int64(1), info.Referrals)
	require.Len(t, info.ReferredUsers, 1)
	assert.Equal(t, ReferredUserDTO{TelegramID: "new", Name: "Newbie", Coins: 200}, info.ReferredUsers[0])

	referrer := decode[UserDTO](t, ts.do(t, http.MethodGet, "/api/user/ref", nil))
	assert.Equal(t, int64(320), referrer.Coins)

	referee := decode[UserDTO](t, ts.do(t, http.MethodGet, "/api/user/new", nil))
	assert.Equal(t, "ref", referee.ReferredBy)
}

func TestStart_Validation(t *testing.T) {
	ts := newTestServer(t)

	cases := map[string]struct {
		body  any
		field string
	}{
		"missing name":   {map[string]any{"telegramId": "1"}, "name"},
		"missing id":     {map[string]any{"name": "x"}, "telegramId"},
		"fractional id":  {`{"telegramId": 1.5, "name": "x"}`, "telegramId"},
		"malformed json": {`{"telegramId":`, "body"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/start", tc.body)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, "invalid_input", resp.Code)
			assert.Contains(t, resp.Details, tc.field)
		})
	}
}

// =============================================================================
// ACCRUAL CYCLE
// =============================================================================

func TestFarmAndClaim(t *testing.T) {
	ts := newTestServer(t)
	ts.start(t, "42", "Farmer", "")

	// WHEN: Farming starts
	rec := ts.do(t, http.MethodPost, "/api/farm", map[string]any{"telegramId": 42})

	// THEN: The grant is pending and the cooldown is set
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	farm := decode[FarmResponse](t, rec)
	assert.Equal(t, int64(45), farm.CoinsToClaim)
	assert.Equal(t, "2025-03-10T13:00:00Z", farm.FarmingCooldownEnd)
	assert.Equal(t, "Farming initiated! You will be able to claim your 45 coins after 4 hours.", farm.Message)

	// WHEN: Farming again before claiming
	rec = ts.do(t, http.MethodPost, "/api/farm", map[string]any{"telegramId": "42"})

	// THEN: Blocked by the unclaimed credit
	require.Equal(t, http.StatusForbidden, rec.Code)
	blocked := decode[ErrorResponse](t, rec)
	assert.Equal(t, "blocked", blocked.Code)
	assert.Equal(t, farming.ReasonUnclaimedPending, blocked.Reason)

	// WHEN: Claiming
	rec = ts.do(t, http.MethodPost, "/api/claim", map[string]any{"telegramId": "42"})

	// THEN: Pending moves into the balance
	require.Equal(t, http.StatusOK, rec.Code)
	claim := decode[CoinsResponse](t, rec)
	assert.Equal(t, int64(245), claim.TotalCoins)
	assert.Equal(t, "You have successfully claimed your coins! Total coins: 245", claim.Message)

	// WHEN: Farming again 90 minutes later
	ts.now = testNow.Add(90 * time.Minute)
	rec = ts.do(t, http.MethodPost, "/api/farm", map[string]any{"telegramId": "42"})

	// THEN: Blocked by the cooldown, with the remaining wait
	require.Equal(t, http.StatusForbidden, rec.Code)
	cooldown := decode[ErrorResponse](t, rec)
	assert.Equal(t, farming.ReasonCooldownActive, cooldown.Reason)
	assert.Equal(t, "02 hours, 30 minutes, 00 seconds", cooldown.RetryAfter)
	assert.Equal(t, int64(9000), cooldown.RetryAfterSeconds)
	assert.Equal(t, "Please wait 02 hours, 30 minutes, 00 seconds to farm again.", cooldown.Error)

	// WHEN: Claiming with nothing pending
	rec = ts.do(t, http.MethodPost, "/api/claim", map[string]any{"telegramId": "42"})

	// THEN: Refused
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "nothing_to_claim", decode[ErrorResponse](t, rec).Code)

	// WHEN: The cooldown elapses
	ts.now = testNow.Add(4 * time.Hour)
	rec = ts.do(t, http.MethodPost, "/api/farm", map[string]any{"telegramId": "42"})

	// THEN: A new cycle starts
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestFarm_UnknownUser(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/farm", map[string]any{"telegramId": "nobody"})

	require.Equal(t, http.StatusNotFound, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "not_found", resp.Code)
	assert.Equal(t, "User not found.", resp.Error)
}

// =============================================================================
// TASKS AND CREDIT
// =============================================================================

func TestTasks(t *testing.T) {
	ts := newTestServer(t)
	ts.start(t, "5", "Tasker", "")

	// WHEN: A task is added
	rec := ts.do(t, http.MethodPost, "/api/user/5/add-task", map[string]any{"taskName": "Join channel", "points": 50})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, []TaskDTO{{Name: "Join channel", Points: 50}}, decode[TasksResponse](t, rec).Tasks)

	// THEN: Duplicate names are rejected
	rec = ts.do(t, http.MethodPost, "/api/user/5/add-task", map[string]any{"taskName": "Join channel", "points": 10})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// AND: Non-positive points fail validation
	rec = ts.do(t, http.MethodPost, "/api/user/5/add-task", map[string]any{"taskName": "Other", "points": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Details, "points")

	// WHEN: The task is completed
	rec = ts.do(t, http.MethodPost, "/api/user/5/complete-task", map[string]any{"taskName": "Join channel"})
	require.Equal(t, http.StatusOK, rec.Code)
	done := decode[CompleteTaskResponse](t, rec)
	assert.Equal(t, int64(50), done.Awarded)
	assert.Equal(t, int64(250), done.TotalCoins)

	// THEN: Completing it again is refused
	rec = ts.do(t, http.MethodPost, "/api/user/5/complete-task", map[string]any{"taskName": "Join channel"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "already_completed", decode[ErrorResponse](t, rec).Code)

	// AND: Unknown tasks are not found
	rec = ts.do(t, http.MethodPost, "/api/user/5/complete-task", map[string]any{"taskName": "Missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Task not found.", decode[ErrorResponse](t, rec).Error)

	tasks := decode[TasksResponse](t, ts.do(t, http.MethodGet, "/api/user/5/tasks", nil))
	assert.Equal(t, []TaskDTO{{Name: "Join channel", Points: 50, IsCompleted: true}}, tasks.Tasks)
}

func TestAddCoins(t *testing.T) {
	ts := newTestServer(t)
	ts.start(t, "9", "Nine", "")

	rec := ts.do(t, http.MethodPost, "/api/user/add-coins", map[string]any{"telegramId": 9, "coins": 300})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(500), decode[CoinsResponse](t, rec).TotalCoins)

	rec = ts.do(t, http.MethodPost, "/api/user/add-coins", map[string]any{"telegramId": 9, "coins": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// RANKING
// =============================================================================

func TestRankAndLeaderboard(t *testing.T) {
	ts := newTestServer(t)
	for _, id := range []string{"a", "b", "c"} {
		ts.start(t, id, "User "+id, "")
	}
	ts.do(t, http.MethodPost, "/api/user/add-coins", map[string]any{"telegramId": "b", "coins": 900})
	ts.do(t, http.MethodPost, "/api/user/add-coins", map[string]any{"telegramId": "c", "coins": 300})

	rank := decode[RankResponse](t, ts.do(t, http.MethodGet, "/api/rank/c", nil))
	assert.Equal(t, RankResponse{TelegramID: "c", Name: "User c", Coins: 500, Rank: 2, RankTitle: "Iron"}, rank)

	rec := ts.do(t, http.MethodGet, "/api/leaderboard?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	board := decode[[]LeaderboardEntryDTO](t, rec)
	require.Len(t, board, 2)
	assert.Equal(t, LeaderboardEntryDTO{Position: 1, TelegramID: "b", Name: "User b", Coins: 1100, RankTitle: "Bronze"}, board[0])
	assert.Equal(t, "c", board[1].TelegramID)

	for _, bad := range []string{"0", "-3", "abc", "100000"} {
		rec := ts.do(t, http.MethodGet, "/api/leaderboard?limit="+bad, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", bad)
	}
}

func TestReferralLink(t *testing.T) {
	ts := newTestServer(t)
	ts.start(t, "77", "Linker", "")

	rec := ts.do(t, http.MethodGet, "/api/user/referral-link/77", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://t.me/proofcoin_bot/?start=77", decode[ReferralLinkResponse](t, rec).ReferralLink)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/user/referral-link/88", nil).Code)
}

// =============================================================================
// FAILURES
// =============================================================================

type brokenStore struct {
	farming.Store
}

func (brokenStore) Get(context.Context, string) (*farming.UserRecord, error) {
	return nil, errors.New("disk on fire")
}

func (brokenStore) Ping(context.Context) error { return errors.New("disk on fire") }

func TestStorageFailure_IsOpaque(t *testing.T) {
	ts := newTestServerWithStore(t, brokenStore{Store: store.NewMemory()})

	rec := ts.do(t, http.MethodGet, "/api/user/1", nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "storage_failure", resp.Code)
	assert.NotContains(t, rec.Body.String(), "disk on fire")
}

func TestHealthzAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	ts.start(t, "m", "Metrics", "")
	rec = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `farm_operations_total{operation="onboard",outcome="ok"} 1`)
}

func TestHealthz_Unavailable(t *testing.T) {
	econ := farming.DefaultEconomy()
	svc, err := farming.NewService(store.NewMemory(), econ, nil)
	require.NoError(t, err)
	h := NewHandler(svc, nil, logging.Discard())
	h.Health = brokenStore{}

	rec := httptest.NewRecorder()
	NewRouter(h, RouterOptions{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
