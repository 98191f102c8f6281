package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
)

// SaveConflict inserts or updates a conflict record.
func (s *Store) SaveConflict(ctx context.Context, rec model.ConflictRecord) error {
	valuesJSON, err := marshalFieldValues(rec.ConflictingValues)
	if err != nil {
		return fmt.Errorf("save conflict %s: %w", rec.ConflictID, err)
	}

	resolvedJSON := ""
	if rec.ResolvedValue != nil {
		if resolvedJSON, err = marshalObject(rec.ResolvedValue); err != nil {
			return fmt.Errorf("save conflict %s: %w", rec.ConflictID, err)
		}
	}

	appliedTo := rec.AppliedTo
	if appliedTo == nil {
		appliedTo = []string{}
	}
	appliedJSON, err := json.Marshal(appliedTo)
	if err != nil {
		return fmt.Errorf("save conflict %s: %w", rec.ConflictID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflicts
		(conflict_id, entity_id, values_json, strategy, resolved_json, applied_to, status, detected_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conflict_id) DO UPDATE SET
			strategy = excluded.strategy,
			resolved_json = excluded.resolved_json,
			applied_to = excluded.applied_to,
			status = excluded.status,
			resolved_at = excluded.resolved_at
	`,
		rec.ConflictID,
		rec.EntityID,
		valuesJSON,
		string(rec.ResolutionStrategy),
		resolvedJSON,
		string(appliedJSON),
		string(rec.Status),
		unixNano(rec.DetectedAt),
		unixNano(rec.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("save conflict %s: %w", rec.ConflictID, err)
	}
	return nil
}

// LoadConflict returns one conflict record.
// Returns ErrNotFound if it does not exist.
func (s *Store) LoadConflict(ctx context.Context, conflictID string) (model.ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conflict_id, entity_id, values_json, strategy, resolved_json, applied_to, status, detected_at, resolved_at
		FROM conflicts
		WHERE conflict_id = ?
	`, conflictID)
	rec, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ConflictRecord{}, ErrNotFound
	}
	return rec, err
}

// ConflictsForEntity returns the conflicts of an entity with the given
// status, oldest first. An empty status returns all of them.
func (s *Store) ConflictsForEntity(ctx context.Context, entityID string, status model.ConflictStatus) ([]model.ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conflict_id, entity_id, values_json, strategy, resolved_json, applied_to, status, detected_at, resolved_at
		FROM conflicts
		WHERE entity_id = ? AND (? = '' OR status = ?)
		ORDER BY detected_at ASC, conflict_id COLLATE BINARY ASC
	`, entityID, string(status), string(status))
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	recs := []model.ConflictRecord{}
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return recs, nil
}
