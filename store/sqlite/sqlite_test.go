package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/farm-engine/farming"
	"github.com/warp/farm-engine/farming/storetest"
	"github.com/warp/farm-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newMockStore(t *testing.T) (*sqlite.Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := sqlite.NewWithDB(db)
	require.NoError(t, err)
	return store, mock
}

// =============================================================================
// CONTRACT
// =============================================================================

func TestStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) farming.Store { return newTestStore(t) })
}

func TestStore_FileSurvivesReopen(t *testing.T) {
	// GIVEN: A record written to a database file
	path := filepath.Join(t.TempDir(), "farm.db")
	ctx := context.Background()

	first, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, first.Create(ctx, storetest.User("u1", 245)))
	require.NoError(t, first.Close())

	// WHEN: The file is reopened
	second, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { second.Close() })

	// THEN: The record and its sequence are intact, new rows continue the sequence
	got, err := second.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(245), got.Balance)

	next := storetest.User("u2", 0)
	require.NoError(t, second.Create(ctx, next))
	assert.Greater(t, next.CreatedSeq, got.CreatedSeq)
}

// =============================================================================
// FAILURE PATHS
// =============================================================================

func TestStore_GetQueryError_NotNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT .* FROM users WHERE id = ").
		WithArgs("u1").
		WillReturnError(errors.New("disk I/O error"))

	_, err := store.Get(context.Background(), "u1")

	require.Error(t, err)
	assert.NotErrorIs(t, err, farming.ErrNotFound)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateUniqueViolation_MapsToAlreadyExists(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO users").
		WillReturnError(errors.New("UNIQUE constraint failed: users.id"))

	err := store.Create(context.Background(), storetest.User("u1", 200))

	assert.ErrorIs(t, err, farming.ErrAlreadyExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SaveZeroRows_ExistingRowIsConflict(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE users SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1 FROM users WHERE id = ").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	rec := storetest.User("u1", 200)
	rec.Version = 3
	err := store.Save(context.Background(), rec)

	assert.ErrorIs(t, err, farming.ErrConflict)
	assert.Equal(t, int64(3), rec.Version, "version must not move on conflict")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SaveZeroRows_MissingRowIsNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE users SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1 FROM users WHERE id = ").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}))

	rec := storetest.User("u1", 200)
	rec.Version = 1
	err := store.Save(context.Background(), rec)

	assert.ErrorIs(t, err, farming.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SaveExecError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE users SET").WillReturnError(errors.New("database is locked"))

	rec := storetest.User("u1", 200)
	rec.Version = 1
	err := store.Save(context.Background(), rec)

	require.Error(t, err)
	assert.NotErrorIs(t, err, farming.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ServiceWrapsStoreFailure(t *testing.T) {
	// GIVEN: A service over a database that fails every read
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT .* FROM users WHERE id = ").
		WillReturnError(errors.New("connection reset"))

	svc, err := farming.NewService(store, farming.DefaultEconomy(), nil)
	require.NoError(t, err)

	// WHEN
	_, err = svc.Claim(context.Background(), "u1")

	// THEN: Callers see a storage failure, not a domain error
	assert.ErrorIs(t, err, farming.ErrStorage)
	assert.Equal(t, farming.KindStorageFailure, farming.KindOf(err))
}
