package store

import (
	"context"
	"fmt"
	"time"

	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
)

// Replica is the SQLite view of one subsystem's synchronized field values.
// All replicas of a Store share the replica_values table, keyed by system.
type Replica struct {
	store  *Store
	system string
}

// Replica returns the replica of the named subsystem.
func (s *Store) Replica(system string) *Replica {
	return &Replica{store: s, system: system}
}

// Name returns the subsystem name.
func (r *Replica) Name() string {
	return r.system
}

// Snapshot returns every field the subsystem holds for an entity, ordered
// by field name. An unknown entity yields an empty slice.
func (r *Replica) Snapshot(ctx context.Context, entityID string) ([]model.FieldValue, error) {
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT field, value, updated_at
		FROM replica_values
		WHERE system = ? AND entity_id = ?
		ORDER BY field COLLATE BINARY ASC
	`, r.system, entityID)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s/%s: %w", r.system, entityID, err)
	}
	defer rows.Close()

	values := []model.FieldValue{}
	for rows.Next() {
		var (
			field, raw string
			ts         int64
		)
		if err := rows.Scan(&field, &raw, &ts); err != nil {
			return nil, fmt.Errorf("snapshot %s/%s: scan: %w", r.system, entityID, err)
		}
		v, err := model.ParseValue([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("snapshot %s/%s: field %q: %w", r.system, entityID, field, err)
		}
		values = append(values, model.FieldValue{
			System:    r.system,
			Field:     field,
			Value:     v,
			Timestamp: fromUnixNano(ts),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot %s/%s: iterate: %w", r.system, entityID, err)
	}
	return values, nil
}

// Apply writes field values in one database transaction. A Null value
// removes the field.
func (r *Replica) Apply(ctx context.Context, entityID string, values []model.FieldValue) error {
	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply %s/%s: begin tx: %w", r.system, entityID, err)
	}
	defer tx.Rollback()

	for _, fv := range values {
		if _, isNull := fv.Value.(model.Null); isNull || fv.Value == nil {
			_, err = tx.ExecContext(ctx, `
				DELETE FROM replica_values WHERE system = ? AND entity_id = ? AND field = ?
			`, r.system, entityID, fv.Field)
		} else {
			var data []byte
			if data, err = model.MarshalCanonical(fv.Value); err != nil {
				return fmt.Errorf("apply %s/%s: field %q: %w", r.system, entityID, fv.Field, err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO replica_values (system, entity_id, field, value, updated_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(system, entity_id, field) DO UPDATE SET
					value = excluded.value,
					updated_at = excluded.updated_at
			`, r.system, entityID, fv.Field, string(data), unixNano(fv.Timestamp))
		}
		if err != nil {
			return fmt.Errorf("apply %s/%s: field %q: %w", r.system, entityID, fv.Field, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("apply %s/%s: commit: %w", r.system, entityID, err)
	}
	return nil
}

// Report records a single value as last synchronized by the subsystem.
func (r *Replica) Report(ctx context.Context, entityID, field string, value model.Value, at time.Time) error {
	return r.Apply(ctx, entityID, []model.FieldValue{{
		System:    r.system,
		Field:     field,
		Value:     value,
		Timestamp: at,
	}})
}
