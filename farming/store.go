/*
store.go - Persistence contract for user records

PURPOSE:
  Defines the interface between the farming rules and the database.
  The Store persists whole records and guarantees per-record atomicity
  through compare-and-swap on Version. It never applies rules itself.

COMPARE-AND-SWAP:
  Save(rec) writes only if the stored Version equals rec.Version, then
  stores Version+1. A mismatch returns ErrConflict and writes nothing.
  The Service reloads and reapplies on ErrConflict, bounded by
  Economy.MaxRetries. This holds across processes for the SQLite and
  Redis stores, not just goroutines.

UNIQUE CREATION:
  Create fails with ErrAlreadyExists when the id (or referral code) is
  taken. Onboarding relies on this to grant the referral bonus at most
  once per referred identity.

IMPLEMENTATIONS:
  - farming/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go: Durable single-node store
  - store/redis/redis.go:   Shared store for multi-process deployments

SEE ALSO:
  - service.go: The read-modify-write loop
*/
package farming

import "context"

// =============================================================================
// STORE - Interface for user record persistence
// =============================================================================

// Store persists UserRecords. Returned records are copies owned by the caller.
type Store interface {
	// Get returns the record or an error wrapping ErrNotFound.
	Get(ctx context.Context, id string) (*UserRecord, error)

	// GetByReferralCode returns the record owning code or an error wrapping ErrNotFound.
	GetByReferralCode(ctx context.Context, code string) (*UserRecord, error)

	// Create inserts a new record with Version 1 and assigns CreatedSeq.
	// Returns ErrAlreadyExists if the id or referral code is taken.
	Create(ctx context.Context, rec *UserRecord) error

	// Save writes rec if the stored version equals rec.Version.
	// On success rec.Version is incremented. Returns ErrConflict otherwise.
	Save(ctx context.Context, rec *UserRecord) error

	// CountBalanceAbove counts records with Balance strictly greater than balance.
	CountBalanceAbove(ctx context.Context, balance int64) (int64, error)

	// Top returns up to n records by Balance descending, ties by CreatedSeq ascending.
	Top(ctx context.Context, n int) ([]*UserRecord, error)

	// ListReferredBy returns records whose ReferredBy equals id, in creation order.
	ListReferredBy(ctx context.Context, id string) ([]*UserRecord, error)
}
