/*
service.go - Persisted balance operations

PURPOSE:
  Wraps the accrual engine and the balance rules with persistence. Every
  operation is one read-modify-write against one record:

    load -> copy -> apply rule -> compare-and-swap save

  A rule violation returns before the save, so nothing is ever partially
  written. A version conflict (another writer got there first) reloads
  and reapplies the rule against the fresh state.

RETRY POLICY:
  Conflicts are retried through a failsafe-go retry policy that only
  handles ErrConflict. After Economy.MaxRetries the operation fails with
  a *StorageError. Domain errors are never retried.

OPERATIONS:
  StartAccrual, Claim, AddTask, CompleteTask, AddCredit, RefreshIdentity
  (this file), Onboard and ListReferrals (referral.go), RankOf and
  Leaderboard (rank.go).

SEE ALSO:
  - engine.go: Accrual rules
  - store.go: Compare-and-swap contract
*/
package farming

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sirupsen/logrus"
)

// errNoChange lets an apply func finish without a write.
var errNoChange = errors.New("no change")

// Service exposes the farming operations. Safe for concurrent use.
type Service struct {
	Store   Store
	Economy Economy
	Engine  Engine

	// Now is the clock; tests replace it.
	Now func() time.Time

	Logger logrus.FieldLogger

	retry retrypolicy.RetryPolicy[*UserRecord]
}

// NewService validates econ and builds a service over store.
// A nil logger discards service logs.
func NewService(store Store, econ Economy, logger logrus.FieldLogger) (*Service, error) {
	if err := econ.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Service{
		Store:   store,
		Economy: econ,
		Engine:  NewEngine(econ),
		Now:     time.Now,
		Logger:  logger,
		retry:   newConflictRetry(econ),
	}, nil
}

func newConflictRetry(econ Economy) retrypolicy.RetryPolicy[*UserRecord] {
	builder := retrypolicy.NewBuilder[*UserRecord]().
		HandleErrors(ErrConflict).
		WithMaxRetries(econ.MaxRetries).
		ReturnLastFailure()
	if econ.RetryDelay > 0 {
		builder = builder.
			WithBackoff(econ.RetryDelay, 20*econ.RetryDelay).
			WithJitterFactor(0.25)
	}
	return builder.Build()
}

func (s *Service) now() time.Time {
	return s.Now().UTC()
}

// mutate runs apply against a fresh copy of the record and saves it.
// apply may run more than once; it must derive everything from its argument.
func (s *Service) mutate(ctx context.Context, op, id string, apply func(*UserRecord) error) (*UserRecord, error) {
	rec, err := failsafe.With[*UserRecord](s.retry).WithContext(ctx).Get(func() (*UserRecord, error) {
		current, err := s.Store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next := current.Clone()
		if err := apply(next); err != nil {
			if errors.Is(err, errNoChange) {
				return current, nil
			}
			return nil, err
		}
		if err := s.Store.Save(ctx, next); err != nil {
			return nil, err
		}
		return next, nil
	})
	if err != nil {
		return nil, s.classify(op, id, err)
	}
	return rec, nil
}

// classify passes domain errors through and wraps everything else.
func (s *Service) classify(op, id string, err error) error {
	if errors.Is(err, ErrStorage) || IsClientError(err) {
		return err
	}
	if errors.Is(err, ErrConflict) {
		s.Logger.WithFields(logrus.Fields{
			"op":      op,
			"user_id": id,
			"retries": s.Economy.MaxRetries,
		}).Warn("Conflict retries exhausted")
	}
	return &StorageError{Op: op, Err: err}
}

// =============================================================================
// READS
// =============================================================================

// GetUser returns the current record.
func (s *Service) GetUser(ctx context.Context, id string) (*UserRecord, error) {
	rec, err := s.Store.Get(ctx, id)
	if err != nil {
		return nil, s.classify("get_user", id, err)
	}
	return rec, nil
}

// =============================================================================
// ACCRUAL
// =============================================================================

// StartAccrual begins a new accrual cycle if the engine allows it.
// A blocked attempt returns a *BlockedError and writes nothing.
func (s *Service) StartAccrual(ctx context.Context, id string) (AccrualResult, error) {
	now := s.now()
	var res AccrualResult
	_, err := s.mutate(ctx, "start_accrual", id, func(rec *UserRecord) error {
		d := s.Engine.Decide(rec, now)
		if err := d.Err(rec); err != nil {
			return err
		}
		started := now
		deadline := d.NewCooldownDeadline
		rec.LastAccrualStart = &started
		rec.CooldownDeadline = &deadline
		rec.PendingClaim += d.GrantedPending
		res = AccrualResult{
			PendingClaim:     rec.PendingClaim,
			Granted:          d.GrantedPending,
			CooldownDeadline: deadline,
		}
		return nil
	})
	if err != nil {
		return AccrualResult{}, err
	}
	return res, nil
}

// Claim moves all pending credit into the balance and returns the new balance.
func (s *Service) Claim(ctx context.Context, id string) (int64, error) {
	rec, err := s.mutate(ctx, "claim", id, func(rec *UserRecord) error {
		if rec.PendingClaim <= 0 {
			return ErrNothingToClaim
		}
		rec.Balance += rec.PendingClaim
		rec.PendingClaim = 0
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rec.Balance, nil
}

// =============================================================================
// TASKS
// =============================================================================

// AddTask appends an uncompleted task and returns the task list.
func (s *Service) AddTask(ctx context.Context, id, name string, rewardPoints int64) ([]Task, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &InvalidInputError{Field: "task_name", Reason: "must not be empty"}
	}
	if rewardPoints <= 0 {
		return nil, &InvalidInputError{Field: "points", Reason: "must be positive"}
	}
	rec, err := s.mutate(ctx, "add_task", id, func(rec *UserRecord) error {
		if rec.FindTask(name) >= 0 {
			return ErrDuplicateTask
		}
		rec.Tasks = append(rec.Tasks, Task{Name: name, RewardPoints: rewardPoints})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec.Tasks, nil
}

// CompleteTask marks the named task completed and awards its points once.
func (s *Service) CompleteTask(ctx context.Context, id, name string) (TaskResult, error) {
	name = strings.TrimSpace(name)
	var awarded int64
	rec, err := s.mutate(ctx, "complete_task", id, func(rec *UserRecord) error {
		i := rec.FindTask(name)
		if i < 0 {
			return taskNotFound(name)
		}
		if rec.Tasks[i].Completed {
			return ErrAlreadyCompleted
		}
		rec.Tasks[i].Completed = true
		awarded = rec.Tasks[i].RewardPoints
		rec.Balance += awarded
		return nil
	})
	if err != nil {
		return TaskResult{}, err
	}
	return TaskResult{Balance: rec.Balance, Awarded: awarded}, nil
}

// =============================================================================
// MANUAL CREDIT & IDENTITY
// =============================================================================

// AddCredit adds amount to the balance and returns the new balance.
func (s *Service) AddCredit(ctx context.Context, id string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, &InvalidInputError{Field: "amount", Reason: "must be positive"}
	}
	rec, err := s.mutate(ctx, "add_credit", id, func(rec *UserRecord) error {
		rec.Balance += amount
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rec.Balance, nil
}

// RefreshIdentity updates the display name supplied by the identity provider.
func (s *Service) RefreshIdentity(ctx context.Context, id, displayName string) (*UserRecord, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, &InvalidInputError{Field: "display_name", Reason: "must not be empty"}
	}
	return s.mutate(ctx, "refresh_identity", id, func(rec *UserRecord) error {
		if rec.DisplayName == displayName {
			return errNoChange
		}
		rec.DisplayName = displayName
		return nil
	})
}
