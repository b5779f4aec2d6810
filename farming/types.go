/*
Package farming provides the reward-farming engine.

PURPOSE:
  This package holds the domain model and every rule that mutates it:
  the cooldown-gated accrual engine, claim, tasks, manual credit,
  referral onboarding and ranking. HTTP and chat-bot adapters call the
  same Service; no rule lives in an adapter.

KEY CONCEPTS IN THIS FILE (types.go):
  - UserRecord: one per identity, carries balance, pending claim, cooldown
  - Task: name + reward, completion is monotonic
  - Version: compare-and-swap token used by every Store implementation

RECORD LIFECYCLE:
  1. Onboard creates the record with the starting grant
  2. StartAccrual moves it into cooldown with pending credit
  3. Claim merges pending credit into balance
  4. Tasks, manual credit and referral bonuses add to balance
  Records are never deleted.

SEE ALSO:
  - engine.go: Accrual decision rules
  - service.go: Persisted operations
  - store.go: Persistence contract
*/
package farming

import "time"

// =============================================================================
// USER RECORD
// =============================================================================

// UserRecord is the per-identity balance record.
type UserRecord struct {
	ID          string
	DisplayName string

	Balance      int64
	PendingClaim int64

	LastAccrualStart *time.Time
	CooldownDeadline *time.Time

	ReferralCode  string
	ReferredBy    string // empty when the user joined without a referrer
	ReferralCount int64

	Tasks []Task

	// ReferralCredited is set on the referred record once its referrer
	// has received the bonus.
	ReferralCredited bool

	// CreditedReferees lists the ids whose referral bonus has already been
	// applied to this record. It is the guard that keeps the bonus
	// exactly-once across the two record writes.
	CreditedReferees []string

	// Store bookkeeping
	Version    int64
	CreatedSeq int64
	CreatedAt  time.Time
}

// Task is a bonus objective owned by one UserRecord.
type Task struct {
	Name         string
	RewardPoints int64
	Completed    bool
}

// Clone returns a deep copy so mutations never leak into a caller's value.
func (r *UserRecord) Clone() *UserRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.LastAccrualStart != nil {
		t := *r.LastAccrualStart
		c.LastAccrualStart = &t
	}
	if r.CooldownDeadline != nil {
		t := *r.CooldownDeadline
		c.CooldownDeadline = &t
	}
	if r.Tasks != nil {
		c.Tasks = append([]Task(nil), r.Tasks...)
	}
	if r.CreditedReferees != nil {
		c.CreditedReferees = append([]string(nil), r.CreditedReferees...)
	}
	return &c
}

// FindTask returns the index of the named task, or -1.
func (r *UserRecord) FindTask(name string) int {
	for i, t := range r.Tasks {
		if t.Name == name {
			return i
		}
	}
	return -1
}

// HasCreditedReferee reports whether the bonus for refereeID was applied.
func (r *UserRecord) HasCreditedReferee(refereeID string) bool {
	for _, id := range r.CreditedReferees {
		if id == refereeID {
			return true
		}
	}
	return false
}

// CooldownRemaining returns how long until a new cycle may start, or zero.
func (r *UserRecord) CooldownRemaining(now time.Time) time.Duration {
	if r.CooldownDeadline == nil || !now.Before(*r.CooldownDeadline) {
		return 0
	}
	return r.CooldownDeadline.Sub(now)
}

// =============================================================================
// OPERATION RESULTS
// =============================================================================

// AccrualResult is returned by a successful StartAccrual.
type AccrualResult struct {
	PendingClaim     int64
	Granted          int64
	CooldownDeadline time.Time
}

// TaskResult is returned by a successful CompleteTask.
type TaskResult struct {
	Balance int64
	Awarded int64
}

// OnboardResult is returned by Onboard.
type OnboardResult struct {
	Record       *UserRecord
	ReferralLink string
	Created      bool

	// CreditedReferrer is the referrer id when this call applied the
	// referral bonus; empty otherwise.
	CreditedReferrer string
	Bonus            int64
}

// RankInfo is the rank of one user over the full population.
type RankInfo struct {
	UserID      string
	DisplayName string
	Balance     int64
	Rank        int64
	Title       string
}

// LeaderboardEntry is one row of the top-N view.
type LeaderboardEntry struct {
	Position    int
	UserID      string
	DisplayName string
	Balance     int64
	Title       string
}

// ReferralSummary describes a referred user.
type ReferralSummary struct {
	UserID      string
	DisplayName string
	Balance     int64
}

// ReferralInfo is returned by ListReferrals.
type ReferralInfo struct {
	ReferralLink  string
	ReferralCode  string
	ReferralCount int64
	Referred      []ReferralSummary
}
