// Package store provides farming.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/farm-engine/farming"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps records in process. A single RWMutex makes every
// compare-and-swap atomic.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*farming.UserRecord
	byCode  map[string]string
	seq     int64
}

var _ farming.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*farming.UserRecord),
		byCode:  make(map[string]string),
	}
}

func (m *Memory) Get(_ context.Context, id string) (*farming.UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, &farming.NotFoundError{Entity: "user", ID: id}
	}
	return rec.Clone(), nil
}

func (m *Memory) GetByReferralCode(_ context.Context, code string) (*farming.UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byCode[code]
	if !ok {
		return nil, &farming.NotFoundError{Entity: "user", ID: code}
	}
	return m.records[id].Clone(), nil
}

// Create inserts rec. Unique on id and referral code.
func (m *Memory) Create(_ context.Context, rec *farming.UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.ID]; ok {
		return farming.ErrAlreadyExists
	}
	if rec.ReferralCode != "" {
		if _, ok := m.byCode[rec.ReferralCode]; ok {
			return farming.ErrAlreadyExists
		}
	}

	m.seq++
	rec.Version = 1
	rec.CreatedSeq = m.seq
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.records[rec.ID] = rec.Clone()
	if rec.ReferralCode != "" {
		m.byCode[rec.ReferralCode] = rec.ID
	}
	return nil
}

// Save is a compare-and-swap on Version.
func (m *Memory) Save(_ context.Context, rec *farming.UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.records[rec.ID]
	if !ok {
		return &farming.NotFoundError{Entity: "user", ID: rec.ID}
	}
	if stored.Version != rec.Version {
		return farming.ErrConflict
	}

	rec.Version++
	next := rec.Clone()
	// Immutable after creation
	next.ReferralCode = stored.ReferralCode
	next.ReferredBy = stored.ReferredBy
	next.CreatedSeq = stored.CreatedSeq
	next.CreatedAt = stored.CreatedAt
	m.records[rec.ID] = next
	return nil
}

func (m *Memory) CountBalanceAbove(_ context.Context, balance int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, rec := range m.records {
		if rec.Balance > balance {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Top(_ context.Context, n int) ([]*farming.UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.sortedLocked(func(*farming.UserRecord) bool { return true })
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Balance > all[j].Balance
	})
	if n >= 0 && len(all) > n {
		all = all[:n]
	}
	return all, nil
}

func (m *Memory) ListReferredBy(_ context.Context, id string) ([]*farming.UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sortedLocked(func(r *farming.UserRecord) bool { return r.ReferredBy == id }), nil
}

// sortedLocked returns copies of matching records in creation order.
func (m *Memory) sortedLocked(keep func(*farming.UserRecord) bool) []*farming.UserRecord {
	result := make([]*farming.UserRecord, 0, len(m.records))
	for _, rec := range m.records {
		if keep(rec) {
			result = append(result, rec.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedSeq < result[j].CreatedSeq
	})
	return result
}
