package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
)

// SavePool creates a pool or updates its capacity. The allocated counter is
// never overwritten; it only moves through allocation deltas.
func (s *Store) SavePool(ctx context.Context, pool model.ResourcePool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pools (pool_id, kind, total_capacity, allocated)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(pool_id) DO UPDATE SET total_capacity = excluded.total_capacity
	`, pool.PoolID, string(pool.Kind), pool.TotalCapacity)
	if err != nil {
		return fmt.Errorf("save pool %s: %w", pool.PoolID, err)
	}
	return nil
}

// DeletePool removes a pool together with its allocation ledger.
func (s *Store) DeletePool(ctx context.Context, poolID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pools WHERE pool_id = ?`, poolID); err != nil {
		return fmt.Errorf("delete pool %s: %w", poolID, err)
	}
	return nil
}

// ReadPool returns the persisted state of a pool.
// Returns ErrNotFound if the pool does not exist.
func (s *Store) ReadPool(ctx context.Context, poolID string) (model.ResourcePool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pool_id, kind, total_capacity, allocated FROM pools WHERE pool_id = ?
	`, poolID)
	pool, err := scanPool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ResourcePool{}, ErrNotFound
	}
	return pool, err
}

// LoadPools returns every pool ordered by id.
func (s *Store) LoadPools(ctx context.Context) ([]model.ResourcePool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pool_id, kind, total_capacity, allocated
		FROM pools
		ORDER BY pool_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query pools: %w", err)
	}
	defer rows.Close()

	pools := []model.ResourcePool{}
	for rows.Next() {
		pool, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, pool)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pools: %w", err)
	}
	return pools, nil
}

// RecordAllocation appends an allocation to the ledger and adds its granted
// quantity to the pool counter in one database transaction.
func (s *Store) RecordAllocation(ctx context.Context, a model.Allocation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record allocation: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO allocations
		(allocation_id, pool_id, requester_id, requested_qty, granted_qty, seq, status, reason, remaining, seat_number, released)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(allocation_id) DO NOTHING
	`,
		a.AllocationID,
		a.PoolID,
		a.RequesterID,
		a.RequestedQty,
		a.GrantedQty,
		a.Seq,
		string(a.Status),
		string(a.Reason),
		a.Remaining,
		a.SeatNumber,
	)
	if err != nil {
		return fmt.Errorf("record allocation %s: %w", a.AllocationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already recorded.
		return nil
	}

	if a.GrantedQty > 0 {
		res, err := tx.ExecContext(ctx, `
			UPDATE pools SET allocated = allocated + ? WHERE pool_id = ?
		`, a.GrantedQty, a.PoolID)
		if err != nil {
			return fmt.Errorf("record allocation %s: update pool: %w", a.AllocationID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("record allocation %s: pool %s: %w", a.AllocationID, a.PoolID, ErrNotFound)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record allocation %s: commit: %w", a.AllocationID, err)
	}
	return nil
}

// RecordRelease marks an allocation released and returns its granted
// quantity to the pool. Releasing twice changes nothing the second time.
// Returns ErrNotFound if the allocation is not in the ledger.
func (s *Store) RecordRelease(ctx context.Context, allocationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record release: begin tx: %w", err)
	}
	defer tx.Rollback()

	var (
		poolID  string
		granted uint64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT pool_id, granted_qty FROM allocations WHERE allocation_id = ?
	`, allocationID).Scan(&poolID, &granted)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("record release %s: %w", allocationID, err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE allocations SET released = 1 WHERE allocation_id = ? AND released = 0
	`, allocationID)
	if err != nil {
		return fmt.Errorf("record release %s: %w", allocationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	if granted > 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE pools SET allocated = allocated - ? WHERE pool_id = ?
		`, granted, poolID)
		if err != nil {
			return fmt.Errorf("record release %s: update pool: %w", allocationID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record release %s: commit: %w", allocationID, err)
	}
	return nil
}

// ReadAllocation retrieves one allocation by id.
// Returns ErrNotFound if it does not exist.
func (s *Store) ReadAllocation(ctx context.Context, allocationID string) (model.Allocation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT allocation_id, pool_id, requester_id, requested_qty, granted_qty, seq,
		       status, reason, remaining, seat_number, released
		FROM allocations
		WHERE allocation_id = ?
	`, allocationID)
	a, err := scanAllocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Allocation{}, ErrNotFound
	}
	return a, err
}

// LoadAllocations returns the full ledger of a pool in arrival order,
// including denied and released entries.
func (s *Store) LoadAllocations(ctx context.Context, poolID string) ([]model.Allocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT allocation_id, pool_id, requester_id, requested_qty, granted_qty, seq,
		       status, reason, remaining, seat_number, released
		FROM allocations
		WHERE pool_id = ?
		ORDER BY seq ASC, allocation_id COLLATE BINARY ASC
	`, poolID)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close()

	allocs := []model.Allocation{}
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		allocs = append(allocs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate allocations: %w", err)
	}
	return allocs, nil
}
