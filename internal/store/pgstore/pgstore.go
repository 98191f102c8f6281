// Package pgstore is an EntityStore backed by PostgreSQL.
//
// Every compare-and-set is one conditional statement
// (UPDATE ... WHERE id = $1 AND version = $2), so atomicity comes from the
// row lock PostgreSQL takes for the update.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/yyupcompany/kyyupgame-sub087/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
    id         TEXT PRIMARY KEY,
    version    BIGINT NOT NULL CHECK (version > 0),
    payload    TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Store is a PostgreSQL EntityStore.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL using a lib/pq connection string.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(db), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSchema creates the records table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Get returns the payload and version of a record.
// Returns store.ErrNotFound if the record does not exist.
func (s *Store) Get(ctx context.Context, id string) ([]byte, uint64, error) {
	var (
		payload string
		version int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, version FROM records WHERE id = $1`, id,
	).Scan(&payload, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, store.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get record %s: %w", id, err)
	}
	return []byte(payload), uint64(version), nil
}

// CompareAndSet writes payload only if the stored version equals
// expectedVersion. expectedVersion 0 creates the record.
func (s *Store) CompareAndSet(ctx context.Context, id string, expectedVersion uint64, payload []byte) (bool, uint64, error) {
	var (
		res sql.Result
		err error
	)
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO records (id, version, payload) VALUES ($1, 1, $2) ON CONFLICT (id) DO NOTHING`,
			id, string(payload))
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE records SET version = version + 1, payload = $3, updated_at = now() WHERE id = $1 AND version = $2`,
			id, int64(expectedVersion), string(payload))
	}
	if err != nil {
		return false, 0, fmt.Errorf("compare and set %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("compare and set %s: rows affected: %w", id, err)
	}
	if n == 1 {
		return true, expectedVersion + 1, nil
	}

	current, err := s.currentVersion(ctx, id)
	if err != nil {
		return false, 0, err
	}
	return false, current, nil
}

// Delete removes the record only if the stored version equals
// expectedVersion.
func (s *Store) Delete(ctx context.Context, id string, expectedVersion uint64) (bool, uint64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE id = $1 AND version = $2`,
		id, int64(expectedVersion))
	if err != nil {
		return false, 0, fmt.Errorf("delete record %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("delete record %s: rows affected: %w", id, err)
	}
	if n == 1 {
		return true, 0, nil
	}

	current, err := s.currentVersion(ctx, id)
	if err != nil {
		return false, 0, err
	}
	return false, current, nil
}

func (s *Store) currentVersion(ctx context.Context, id string) (uint64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM records WHERE id = $1`, id,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read version %s: %w", id, err)
	}
	return uint64(version), nil
}
