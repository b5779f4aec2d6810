/*
engine.go - Accrual decision rules

PURPOSE:
  Decides whether a user may start a new accrual cycle. Pure function of
  (record, now, economy): no I/O, no clock, no mutation. The Service
  applies the decision; tests fabricate records and times directly.

RULES (evaluated in order):
  1. PendingClaim > 0            -> Blocked(unclaimed-pending)
  2. now < CooldownDeadline      -> Blocked(cooldown-active, deadline - now)
  3. otherwise                   -> Start(now + cooldown, grant)

  Rule 1 wins even while a cooldown is active: the user must claim first.
  A deadline equal to now is expired.

EXAMPLE:
  T0 start   -> pending 45, deadline T0+4h
  T0+10m     -> Blocked(unclaimed-pending)
  claim      -> pending 0
  T0+10m     -> Blocked(cooldown-active, 3h50m)
  T0+4h      -> Start

SEE ALSO:
  - service.go: StartAccrual persists a Start decision
*/
package farming

import "time"

// Outcome is the engine verdict.
type Outcome int

const (
	OutcomeStart Outcome = iota
	OutcomeBlocked
)

// Decision is the result of Decide.
type Decision struct {
	Outcome Outcome

	// Set when Outcome == OutcomeStart
	NewCooldownDeadline time.Time
	GrantedPending      int64

	// Set when Outcome == OutcomeBlocked
	Reason     string
	RetryAfter time.Duration
}

// Engine evaluates accrual rules for one Economy.
type Engine struct {
	Cooldown time.Duration
	Grant    int64
}

// NewEngine builds an engine from the economy constants.
func NewEngine(e Economy) Engine {
	return Engine{Cooldown: e.CooldownDuration, Grant: e.AccrualGrant}
}

// Decide applies the accrual rules to rec at now.
func (e Engine) Decide(rec *UserRecord, now time.Time) Decision {
	if rec.PendingClaim > 0 {
		return Decision{Outcome: OutcomeBlocked, Reason: ReasonUnclaimedPending}
	}
	if rec.CooldownDeadline != nil && now.Before(*rec.CooldownDeadline) {
		return Decision{
			Outcome:    OutcomeBlocked,
			Reason:     ReasonCooldownActive,
			RetryAfter: rec.CooldownDeadline.Sub(now),
		}
	}
	return Decision{
		Outcome:             OutcomeStart,
		NewCooldownDeadline: now.Add(e.Cooldown),
		GrantedPending:      e.Grant,
	}
}

// Err converts a blocked decision into a *BlockedError; nil for Start.
func (d Decision) Err(rec *UserRecord) error {
	if d.Outcome != OutcomeBlocked {
		return nil
	}
	return &BlockedError{Reason: d.Reason, RetryAfter: d.RetryAfter, Pending: rec.PendingClaim}
}
