/*
Package redis provides a Redis-backed implementation of farming.Store.

PURPOSE:
  Shared persistence for deployments that run the HTTP server and the bot
  as separate processes. All state lives in Redis; the processes hold
  nothing but a client.

KEY LAYOUT (prefix defaults to "farm"):
  {prefix}:user:{id}         JSON-encoded UserRecord
  {prefix}:code:{code}       referral code -> user id
  {prefix}:balances          ZSET member=id score=balance (rank, leaderboard)
  {prefix}:referrals:{id}    ZSET member=referee id score=created_seq
  {prefix}:seq               INCR counter for created_seq

COMPARE-AND-SWAP:
  Save WATCHes the user key, checks the stored version and writes the
  record and its balance score in one MULTI/EXEC. A concurrent write to
  the key aborts EXEC (TxFailedErr), reported as ErrConflict. Create
  does the same on the user and code keys so double onboarding yields
  ErrAlreadyExists for the loser.

LEADERBOARD TIES:
  The ZSET orders equal scores by member name, not creation order. Top
  fetches the first n scores, widens to every member tied with the last
  one, then sorts by (balance desc, created_seq asc) in process.

SEE ALSO:
  - farming/store.go: Interface definition
  - store/sqlite/sqlite.go: Single-node alternative
*/
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/warp/farm-engine/farming"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "farm"

// Store implements farming.Store on Redis.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

var _ farming.Store = (*Store)(nil)

// New wraps client. An empty prefix uses DefaultPrefix.
func New(client goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks the connection; used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// --- Key helpers ---

func (s *Store) keyUser(id string) string { return s.prefix + ":user:" + id }
func (s *Store) keyCode(code string) string { return s.prefix + ":code:" + code }
func (s *Store) keyBalances() string { return s.prefix + ":balances" }
func (s *Store) keyReferrals(id string) string { return s.prefix + ":referrals:" + id }
func (s *Store) keySeq() string { return s.prefix + ":seq" }

// =============================================================================
// READS
// =============================================================================

func (s *Store) Get(ctx context.Context, id string) (*farming.UserRecord, error) {
	raw, err := s.client.Get(ctx, s.keyUser(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, &farming.NotFoundError{Entity: "user", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", id, err)
	}
	return decodeUser(raw)
}

func (s *Store) GetByReferralCode(ctx context.Context, code string) (*farming.UserRecord, error) {
	id, err := s.client.Get(ctx, s.keyCode(code)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, &farming.NotFoundError{Entity: "user", ID: code}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve referral code %s: %w", code, err)
	}
	return s.Get(ctx, id)
}

func (s *Store) CountBalanceAbove(ctx context.Context, balance int64) (int64, error) {
	n, err := s.client.ZCount(ctx, s.keyBalances(), "("+strconv.FormatInt(balance, 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count balances: %w", err)
	}
	return n, nil
}

func (s *Store) Top(ctx context.Context, n int) ([]*farming.UserRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	head, err := s.client.ZRevRangeWithScores(ctx, s.keyBalances(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read leaderboard: %w", err)
	}
	if len(head) == 0 {
		return nil, nil
	}

	last := head[len(head)-1].Score
	bound := strconv.FormatFloat(last, 'f', -1, 64)
	tied, err := s.client.ZRangeByScore(ctx, s.keyBalances(), &goredis.ZRangeBy{Min: bound, Max: bound}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read leaderboard ties: %w", err)
	}

	ids := make([]string, 0, len(head)+len(tied))
	for _, z := range head {
		if z.Score > last {
			ids = append(ids, z.Member.(string))
		}
	}
	ids = append(ids, tied...)

	recs, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Balance != recs[j].Balance {
			return recs[i].Balance > recs[j].Balance
		}
		return recs[i].CreatedSeq < recs[j].CreatedSeq
	})
	if len(recs) > n {
		recs = recs[:n]
	}
	return recs, nil
}

func (s *Store) ListReferredBy(ctx context.Context, id string) ([]*farming.UserRecord, error) {
	ids, err := s.client.ZRange(ctx, s.keyReferrals(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list referrals of %s: %w", id, err)
	}
	return s.loadMany(ctx, ids)
}

// loadMany fetches records in id order, skipping ids with no record.
func (s *Store) loadMany(ctx context.Context, ids []string) ([]*farming.UserRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keyUser(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}

	result := make([]*farming.UserRecord, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decodeUser([]byte(raw))
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, nil
}

// =============================================================================
// WRITES
// =============================================================================

// Create inserts rec with Version 1 and the next creation sequence.
func (s *Store) Create(ctx context.Context, rec *farming.UserRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	userKey := s.keyUser(rec.ID)
	watched := []string{userKey}
	if rec.ReferralCode != "" {
		watched = append(watched, s.keyCode(rec.ReferralCode))
	}

	var created *farming.UserRecord
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		exists, err := tx.Exists(ctx, watched...).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return farming.ErrAlreadyExists
		}
		seq, err := tx.Incr(ctx, s.keySeq()).Result()
		if err != nil {
			return err
		}

		next := rec.Clone()
		next.Version = 1
		next.CreatedSeq = seq
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, userKey, data, 0)
			if next.ReferralCode != "" {
				pipe.Set(ctx, s.keyCode(next.ReferralCode), next.ID, 0)
			}
			pipe.ZAdd(ctx, s.keyBalances(), goredis.Z{Score: float64(next.Balance), Member: next.ID})
			if next.ReferredBy != "" {
				pipe.ZAdd(ctx, s.keyReferrals(next.ReferredBy), goredis.Z{Score: float64(seq), Member: next.ID})
			}
			return nil
		})
		if err != nil {
			return err
		}
		created = next
		return nil
	}, watched...)

	switch {
	case errors.Is(err, farming.ErrAlreadyExists), errors.Is(err, goredis.TxFailedErr):
		return farming.ErrAlreadyExists
	case err != nil:
		return fmt.Errorf("failed to create user %s: %w", rec.ID, err)
	}

	rec.Version = created.Version
	rec.CreatedSeq = created.CreatedSeq
	return nil
}

// Save is a compare-and-swap on version. Identity fields keep their stored values.
func (s *Store) Save(ctx context.Context, rec *farming.UserRecord) error {
	key := s.keyUser(rec.ID)

	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return &farming.NotFoundError{Entity: "user", ID: rec.ID}
		}
		if err != nil {
			return err
		}
		stored, err := decodeUser(raw)
		if err != nil {
			return err
		}
		if stored.Version != rec.Version {
			return farming.ErrConflict
		}

		next := rec.Clone()
		next.Version = stored.Version + 1
		next.ReferralCode = stored.ReferralCode
		next.ReferredBy = stored.ReferredBy
		next.CreatedSeq = stored.CreatedSeq
		next.CreatedAt = stored.CreatedAt
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, s.keyBalances(), goredis.Z{Score: float64(next.Balance), Member: next.ID})
			return nil
		})
		return err
	}, key)

	switch {
	case errors.Is(err, goredis.TxFailedErr):
		return farming.ErrConflict
	case errors.Is(err, farming.ErrConflict), errors.Is(err, farming.ErrNotFound):
		return err
	case err != nil:
		return fmt.Errorf("failed to save user %s: %w", rec.ID, err)
	}

	rec.Version++
	return nil
}

func decodeUser(raw []byte) (*farming.UserRecord, error) {
	var rec farming.UserRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	return &rec, nil
}
