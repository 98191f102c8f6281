package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
)

// BeginTransaction inserts a new transaction header. It returns ErrExists
// if the id is already journaled; the check and the insert are one
// statement.
func (s *Store) BeginTransaction(ctx context.Context, rec model.TransactionRecord) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions
		(transaction_id, status, failed_operation, failure_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id) DO NOTHING
	`,
		rec.TransactionID,
		string(rec.Status),
		rec.FailedOperation,
		rec.FailureReason,
		unixNano(rec.CreatedAt),
		unixNano(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("begin transaction %s: %w", rec.TransactionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("begin transaction %s: %w", rec.TransactionID, err)
	}
	if n == 0 {
		return fmt.Errorf("begin transaction %s: %w", rec.TransactionID, ErrExists)
	}
	return nil
}

// WriteTransaction inserts or updates a transaction header.
// created_at is kept from the first write.
func (s *Store) WriteTransaction(ctx context.Context, rec model.TransactionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions
		(transaction_id, status, failed_operation, failure_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id) DO UPDATE SET
			status = excluded.status,
			failed_operation = excluded.failed_operation,
			failure_reason = excluded.failure_reason,
			updated_at = excluded.updated_at
	`,
		rec.TransactionID,
		string(rec.Status),
		rec.FailedOperation,
		rec.FailureReason,
		unixNano(rec.CreatedAt),
		unixNano(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("write transaction %s: %w", rec.TransactionID, err)
	}
	return nil
}

// WriteOperation records the current state of an operation.
func (s *Store) WriteOperation(ctx context.Context, rec model.OperationRecord) error {
	resultJSON, err := marshalObject(rec.Result)
	if err != nil {
		return fmt.Errorf("write operation %s: %w", rec.OperationID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO operations
		(transaction_id, operation_id, type, target_id, status, result, error, seq, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id, operation_id) DO UPDATE SET
			target_id = excluded.target_id,
			status = excluded.status,
			result = excluded.result,
			error = excluded.error,
			seq = excluded.seq,
			executed_at = excluded.executed_at
	`,
		rec.TransactionID,
		rec.OperationID,
		rec.Type,
		rec.TargetID,
		string(rec.Status),
		resultJSON,
		rec.Error,
		rec.Seq,
		unixNano(rec.ExecutedAt),
	)
	if err != nil {
		return fmt.Errorf("write operation %s: %w", rec.OperationID, err)
	}
	return nil
}

// AppendRollback appends one rollback log entry.
// Uses ON CONFLICT DO NOTHING so an operation is logged at most once.
func (s *Store) AppendRollback(ctx context.Context, entry model.RollbackLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rollback_log
		(transaction_id, operation_id, action, target_id, seq, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		entry.TransactionID,
		entry.OperationID,
		entry.Action,
		entry.TargetID,
		entry.Seq,
		unixNano(entry.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("append rollback %s/%s: %w", entry.TransactionID, entry.OperationID, err)
	}
	return nil
}

// ReadTransaction returns a transaction header.
// Returns ErrNotFound if the transaction was never journaled.
func (s *Store) ReadTransaction(ctx context.Context, txID string) (model.TransactionRecord, error) {
	var (
		rec                  model.TransactionRecord
		status               string
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT transaction_id, status, failed_operation, failure_reason, created_at, updated_at
		FROM transactions
		WHERE transaction_id = ?
	`, txID).Scan(&rec.TransactionID, &status, &rec.FailedOperation, &rec.FailureReason, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TransactionRecord{}, ErrNotFound
	}
	if err != nil {
		return model.TransactionRecord{}, fmt.Errorf("read transaction %s: %w", txID, err)
	}
	rec.Status = model.TransactionStatus(status)
	rec.CreatedAt = fromUnixNano(createdAt)
	rec.UpdatedAt = fromUnixNano(updatedAt)
	return rec, nil
}

// ReadOperations returns the operations of a transaction ordered by seq.
func (s *Store) ReadOperations(ctx context.Context, txID string) ([]model.OperationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, operation_id, type, target_id, status, result, error, seq, executed_at
		FROM operations
		WHERE transaction_id = ?
		ORDER BY seq ASC, operation_id COLLATE BINARY ASC
	`, txID)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	ops := []model.OperationRecord{}
	for rows.Next() {
		var (
			rec        model.OperationRecord
			status     string
			resultJSON string
			executedAt int64
		)
		if err := rows.Scan(&rec.TransactionID, &rec.OperationID, &rec.Type, &rec.TargetID,
			&status, &resultJSON, &rec.Error, &rec.Seq, &executedAt); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		rec.Status = model.OperationStatus(status)
		rec.ExecutedAt = fromUnixNano(executedAt)
		if rec.Result, err = unmarshalObject(resultJSON); err != nil {
			return nil, fmt.Errorf("scan operation %s: %w", rec.OperationID, err)
		}
		ops = append(ops, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

// ReadRollbackLog returns the rollback log of a transaction in the order
// compensations ran.
func (s *Store) ReadRollbackLog(ctx context.Context, txID string) ([]model.RollbackLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, operation_id, action, target_id, seq, timestamp
		FROM rollback_log
		WHERE transaction_id = ?
		ORDER BY seq ASC, operation_id COLLATE BINARY ASC
	`, txID)
	if err != nil {
		return nil, fmt.Errorf("query rollback log: %w", err)
	}
	defer rows.Close()

	entries := []model.RollbackLogEntry{}
	for rows.Next() {
		var (
			e  model.RollbackLogEntry
			ts int64
		)
		if err := rows.Scan(&e.TransactionID, &e.OperationID, &e.Action, &e.TargetID, &e.Seq, &ts); err != nil {
			return nil, fmt.Errorf("scan rollback entry: %w", err)
		}
		e.Timestamp = fromUnixNano(ts)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rollback log: %w", err)
	}
	return entries, nil
}
