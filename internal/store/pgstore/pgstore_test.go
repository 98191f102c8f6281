package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yyupcompany/kyyupgame-sub087/internal/store"
)

func setupMockDB(t *testing.T) (sqlmock.Sqlmock, *Store) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return mock, New(db)
}

func TestGet_Success(t *testing.T) {
	mock, s := setupMockDB(t)

	rows := sqlmock.NewRows([]string{"payload", "version"}).AddRow(`{"name":"A"}`, int64(3))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT payload, version FROM records WHERE id = $1`)).
		WithArgs("student/1").
		WillReturnRows(rows)

	payload, version, err := s.Get(context.Background(), "student/1")
	require.NoError(t, err)
	assert.Equal(t, `{"name":"A"}`, string(payload))
	assert.Equal(t, uint64(3), version)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_NotFound(t *testing.T) {
	mock, s := setupMockDB(t)

	mock.ExpectQuery(`SELECT payload, version FROM records`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, _, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompareAndSet_SingleConditionalUpdate(t *testing.T) {
	mock, s := setupMockDB(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE records SET version = version + 1, payload = $3, updated_at = now() WHERE id = $1 AND version = $2`)).
		WithArgs("student/1", int64(2), `{"name":"B"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, version, err := s.CompareAndSet(context.Background(), "student/1", 2, []byte(`{"name":"B"}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(3), version)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompareAndSet_Create(t *testing.T) {
	mock, s := setupMockDB(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO records (id, version, payload) VALUES ($1, 1, $2) ON CONFLICT (id) DO NOTHING`)).
		WithArgs("student/1", `{}`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, version, err := s.CompareAndSet(context.Background(), "student/1", 0, []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), version)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompareAndSet_ConflictReportsCurrentVersion(t *testing.T) {
	mock, s := setupMockDB(t)

	mock.ExpectExec(`UPDATE records`).
		WithArgs("student/1", int64(1), `{"name":"C"}`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT version FROM records WHERE id = $1`)).
		WithArgs("student/1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(2)))

	ok, current, err := s.CompareAndSet(context.Background(), "student/1", 1, []byte(`{"name":"C"}`))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(2), current)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompareAndSet_DriverError(t *testing.T) {
	mock, s := setupMockDB(t)

	mock.ExpectExec(`UPDATE records`).
		WillReturnError(errors.New("connection reset"))

	_, _, err := s.CompareAndSet(context.Background(), "student/1", 1, []byte(`{}`))
	assert.ErrorContains(t, err, "connection reset")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete_StaleVersion(t *testing.T) {
	mock, s := setupMockDB(t)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM records WHERE id = $1 AND version = $2`)).
		WithArgs("student/1", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version FROM records`).
		WithArgs("student/1").
		WillReturnError(sql.ErrNoRows)

	ok, current, err := s.Delete(context.Background(), "student/1", 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(0), current)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	mock, s := setupMockDB(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS records`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
