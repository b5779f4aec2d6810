/*
Package sqlite provides a SQLite-backed implementation of farming.Store.

PURPOSE:
  Durable single-node persistence for user records. One row per user;
  nested task and referral lists are JSON columns.

COMPARE-AND-SWAP:
  Save is a single conditional UPDATE:

    UPDATE users SET ..., version = version + 1
     WHERE id = ? AND version = ?

  Zero rows affected means another writer moved the version (ErrConflict)
  or the row is gone (ErrNotFound). The guard lives in SQL, so it also
  holds between processes sharing one database file.

KEY TABLE:
  users: id, balance, pending_claim, cooldown fields, referral fields,
         tasks_json, credited_referees_json, version, created_seq

INDEXES:
  - idx_users_balance:     Rank counting and leaderboard (hot path)
  - idx_users_referred_by: Referral listing
  - referral_code UNIQUE:  Code lookup and creation uniqueness

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time

USAGE:
  store, err := sqlite.New("./data/farm.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc, _ := farming.NewService(store, farming.DefaultEconomy(), logger)

SEE ALSO:
  - farming/store.go: Interface definition
  - farming/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/farm-engine/farming"
)

// Store implements farming.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ farming.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every :memory: connection is its own database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store, err := NewWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewWithDB wraps an already opened database and migrates it.
func NewWithDB(db *sql.DB) (*Store, error) {
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection; used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		balance INTEGER NOT NULL DEFAULT 0,
		pending_claim INTEGER NOT NULL DEFAULT 0,
		last_accrual_start TEXT,
		cooldown_deadline TEXT,
		referral_code TEXT NOT NULL UNIQUE,
		referred_by TEXT,
		referral_count INTEGER NOT NULL DEFAULT 0,
		tasks_json TEXT NOT NULL DEFAULT '[]',
		referral_credited INTEGER NOT NULL DEFAULT 0,
		credited_referees_json TEXT NOT NULL DEFAULT '[]',
		version INTEGER NOT NULL,
		created_seq INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Rank = 1 + COUNT(balance > mine); leaderboard scans this index
	CREATE INDEX IF NOT EXISTS idx_users_balance
		ON users(balance DESC, created_seq ASC);

	CREATE INDEX IF NOT EXISTS idx_users_referred_by
		ON users(referred_by) WHERE referred_by IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

const userColumns = `id, display_name, balance, pending_claim, last_accrual_start,
	cooldown_deadline, referral_code, referred_by, referral_count, tasks_json,
	referral_credited, credited_referees_json, version, created_seq, created_at`

// =============================================================================
// READS
// =============================================================================

func (s *Store) Get(ctx context.Context, id string) (*farming.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	rec, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &farming.NotFoundError{Entity: "user", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) GetByReferralCode(ctx context.Context, code string) (*farming.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE referral_code = ?`, code)
	rec, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &farming.NotFoundError{Entity: "user", ID: code}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load referral code %s: %w", code, err)
	}
	return rec, nil
}

func (s *Store) CountBalanceAbove(ctx context.Context, balance int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE balance > ?`, balance).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count balances: %w", err)
	}
	return n, nil
}

func (s *Store) Top(ctx context.Context, n int) ([]*farming.UserRecord, error) {
	return s.queryUsers(ctx, `SELECT `+userColumns+` FROM users
		ORDER BY balance DESC, created_seq ASC LIMIT ?`, n)
}

func (s *Store) ListReferredBy(ctx context.Context, id string) ([]*farming.UserRecord, error) {
	return s.queryUsers(ctx, `SELECT `+userColumns+` FROM users
		WHERE referred_by = ? ORDER BY created_seq ASC`, id)
}

func (s *Store) queryUsers(ctx context.Context, query string, args ...any) ([]*farming.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var result []*farming.UserRecord
	for rows.Next() {
		rec, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// =============================================================================
// WRITES
// =============================================================================

// Create inserts rec with Version 1 and the next creation sequence.
func (s *Store) Create(ctx context.Context, rec *farming.UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	cols, err := encodeUser(rec)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO users (` + userColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1,
			(SELECT COALESCE(MAX(created_seq), 0) + 1 FROM users), ?)
		RETURNING created_seq`

	var seq int64
	err = s.db.QueryRowContext(ctx, query,
		rec.ID, cols.displayName, rec.Balance, rec.PendingClaim,
		cols.lastAccrualStart, cols.cooldownDeadline, rec.ReferralCode,
		cols.referredBy, rec.ReferralCount, cols.tasks,
		rec.ReferralCredited, cols.creditedReferees, cols.createdAt,
	).Scan(&seq)
	if err != nil {
		if isUniqueConstraintError(err) {
			return farming.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert user %s: %w", rec.ID, err)
	}

	rec.Version = 1
	rec.CreatedSeq = seq
	return nil
}

// Save is a compare-and-swap on version. Identity columns are never updated.
func (s *Store) Save(ctx context.Context, rec *farming.UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cols, err := encodeUser(rec)
	if err != nil {
		return err
	}

	query := `
		UPDATE users SET
			display_name = ?, balance = ?, pending_claim = ?,
			last_accrual_start = ?, cooldown_deadline = ?,
			referral_count = ?, tasks_json = ?,
			referral_credited = ?, credited_referees_json = ?,
			version = version + 1
		WHERE id = ? AND version = ?`

	res, err := s.db.ExecContext(ctx, query,
		cols.displayName, rec.Balance, rec.PendingClaim,
		cols.lastAccrualStart, cols.cooldownDeadline,
		rec.ReferralCount, cols.tasks,
		rec.ReferralCredited, cols.creditedReferees,
		rec.ID, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update user %s: %w", rec.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update user %s: %w", rec.ID, err)
	}
	if affected == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, rec.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return &farming.NotFoundError{Entity: "user", ID: rec.ID}
		}
		if err != nil {
			return fmt.Errorf("failed to check user %s: %w", rec.ID, err)
		}
		return farming.ErrConflict
	}

	rec.Version++
	return nil
}

// =============================================================================
// ENCODING
// =============================================================================

type encodedUser struct {
	displayName      string
	lastAccrualStart sql.NullString
	cooldownDeadline sql.NullString
	referredBy       sql.NullString
	tasks            string
	creditedReferees string
	createdAt        string
}

func encodeUser(rec *farming.UserRecord) (encodedUser, error) {
	tasks := rec.Tasks
	if tasks == nil {
		tasks = []farming.Task{}
	}
	tasksJSON, err := json.Marshal(tasks)
	if err != nil {
		return encodedUser{}, fmt.Errorf("failed to encode tasks: %w", err)
	}
	referees := rec.CreditedReferees
	if referees == nil {
		referees = []string{}
	}
	refereesJSON, err := json.Marshal(referees)
	if err != nil {
		return encodedUser{}, fmt.Errorf("failed to encode credited referees: %w", err)
	}
	return encodedUser{
		displayName:      rec.DisplayName,
		lastAccrualStart: formatTime(rec.LastAccrualStart),
		cooldownDeadline: formatTime(rec.CooldownDeadline),
		referredBy:       sql.NullString{String: rec.ReferredBy, Valid: rec.ReferredBy != ""},
		tasks:            string(tasksJSON),
		creditedReferees: string(refereesJSON),
		createdAt:        rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*farming.UserRecord, error) {
	var (
		rec                                farming.UserRecord
		lastStart, deadline, referredBy    sql.NullString
		tasksJSON, refereesJSON, createdAt string
	)
	err := row.Scan(
		&rec.ID, &rec.DisplayName, &rec.Balance, &rec.PendingClaim,
		&lastStart, &deadline, &rec.ReferralCode, &referredBy,
		&rec.ReferralCount, &tasksJSON, &rec.ReferralCredited,
		&refereesJSON, &rec.Version, &rec.CreatedSeq, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	rec.ReferredBy = referredBy.String
	rec.LastAccrualStart = parseTime(lastStart)
	rec.CooldownDeadline = parseTime(deadline)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	if err := json.Unmarshal([]byte(tasksJSON), &rec.Tasks); err != nil {
		return nil, fmt.Errorf("failed to decode tasks: %w", err)
	}
	if err := json.Unmarshal([]byte(refereesJSON), &rec.CreditedReferees); err != nil {
		return nil, fmt.Errorf("failed to decode credited referees: %w", err)
	}
	if len(rec.Tasks) == 0 {
		rec.Tasks = nil
	}
	if len(rec.CreditedReferees) == 0 {
		rec.CreditedReferees = nil
	}
	return &rec, nil
}

func formatTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
