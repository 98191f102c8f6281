package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Get returns the payload and version of a record.
// Returns ErrNotFound if the record does not exist.
func (s *Store) Get(ctx context.Context, id string) ([]byte, uint64, error) {
	var (
		payload string
		version uint64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, version FROM records WHERE id = ?
	`, id).Scan(&payload, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get record %s: %w", id, err)
	}
	return []byte(payload), version, nil
}

// CompareAndSet writes payload only if the stored version equals
// expectedVersion. expectedVersion 0 means "create only if absent".
//
// Each call is a single conditional statement, so the check and the
// increment are atomic at the storage layer. On a mismatch the current
// version is returned (0 if the record does not exist).
func (s *Store) CompareAndSet(ctx context.Context, id string, expectedVersion uint64, payload []byte) (bool, uint64, error) {
	now := time.Now().UnixNano()

	var (
		res sql.Result
		err error
	)
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO records (id, version, payload, updated_at)
			VALUES (?, 1, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, id, string(payload), now)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE records
			SET version = version + 1, payload = ?, updated_at = ?
			WHERE id = ? AND version = ?
		`, string(payload), now, id, expectedVersion)
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

// Delete removes a record only if the stored version equals expectedVersion.
// Deleting an absent record reports ok=false with current version 0.
func (s *Store) Delete(ctx context.Context, id string, expectedVersion uint64) (bool, uint64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM records WHERE id = ? AND version = ?
	`, id, expectedVersion)
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

// Exists reports whether a record is currently observable.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	v, err := s.currentVersion(ctx, id)
	if err != nil {
		return false, err
	}
	return v > 0, nil
}

// CountRecords returns the number of records whose id starts with prefix.
func (s *Store) CountRecords(ctx context.Context, prefix string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records WHERE instr(id, ?) = 1
	`, prefix).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func (s *Store) currentVersion(ctx context.Context, id string) (uint64, error) {
	var version uint64
	err := s.db.QueryRowContext(ctx, `
		SELECT version FROM records WHERE id = ?
	`, id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read version %s: %w", id, err)
	}
	return version, nil
}
