package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
)

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// marshalObject converts an Object to canonical JSON TEXT for storage.
func marshalObject(obj model.Object) (string, error) {
	if obj == nil {
		return "{}", nil
	}
	data, err := model.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal object: %w", err)
	}
	return string(data), nil
}

// unmarshalObject parses stored JSON TEXT into an Object.
func unmarshalObject(data string) (model.Object, error) {
	if data == "" || data == "{}" {
		return model.Object{}, nil
	}
	obj, err := model.ParseObject([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal object: %w", err)
	}
	return obj, nil
}

// storedFieldValue is the persisted shape of a model.FieldValue. Value stays
// raw so it can be decoded through model.ParseValue.
type storedFieldValue struct {
	System    string          `json:"system"`
	Field     string          `json:"field"`
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
}

func marshalFieldValues(values []model.FieldValue) (string, error) {
	out := make([]storedFieldValue, len(values))
	for i, fv := range values {
		data, err := model.MarshalCanonical(fv.Value)
		if err != nil {
			return "", fmt.Errorf("marshal field %q: %w", fv.Field, err)
		}
		out[i] = storedFieldValue{
			System:    fv.System,
			Field:     fv.Field,
			Value:     data,
			Timestamp: unixNano(fv.Timestamp),
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("marshal field values: %w", err)
	}
	return string(data), nil
}

func unmarshalFieldValues(data string) ([]model.FieldValue, error) {
	var stored []storedFieldValue
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, fmt.Errorf("unmarshal field values: %w", err)
	}
	values := make([]model.FieldValue, len(stored))
	for i, sv := range stored {
		v, err := model.ParseValue(sv.Value)
		if err != nil {
			return nil, fmt.Errorf("unmarshal field %q: %w", sv.Field, err)
		}
		values[i] = model.FieldValue{
			System:    sv.System,
			Field:     sv.Field,
			Value:     v,
			Timestamp: fromUnixNano(sv.Timestamp),
		}
	}
	return values, nil
}

// unixNano stores the zero time as 0 rather than a negative number.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func scanPool(row scanner) (model.ResourcePool, error) {
	var (
		pool model.ResourcePool
		kind string
	)
	if err := row.Scan(&pool.PoolID, &kind, &pool.TotalCapacity, &pool.Allocated); err != nil {
		return model.ResourcePool{}, err
	}
	pool.Kind = model.PoolKind(kind)
	return pool, nil
}

func scanAllocation(row scanner) (model.Allocation, error) {
	var (
		a        model.Allocation
		status   string
		reason   string
		released int
	)
	err := row.Scan(&a.AllocationID, &a.PoolID, &a.RequesterID, &a.RequestedQty, &a.GrantedQty,
		&a.Seq, &status, &reason, &a.Remaining, &a.SeatNumber, &released)
	if err != nil {
		return model.Allocation{}, err
	}
	a.Status = model.AllocationStatus(status)
	a.Reason = model.DenialReason(reason)
	a.Released = released != 0
	return a, nil
}

func scanConflict(row scanner) (model.ConflictRecord, error) {
	var (
		rec                    model.ConflictRecord
		valuesJSON             string
		strategy, resolvedJSON string
		appliedJSON, status    string
		detectedAt, resolvedAt int64
	)
	err := row.Scan(&rec.ConflictID, &rec.EntityID, &valuesJSON, &strategy, &resolvedJSON,
		&appliedJSON, &status, &detectedAt, &resolvedAt)
	if err != nil {
		return model.ConflictRecord{}, err
	}

	if rec.ConflictingValues, err = unmarshalFieldValues(valuesJSON); err != nil {
		return model.ConflictRecord{}, fmt.Errorf("scan conflict %s: %w", rec.ConflictID, err)
	}
	if resolvedJSON != "" {
		if rec.ResolvedValue, err = unmarshalObject(resolvedJSON); err != nil {
			return model.ConflictRecord{}, fmt.Errorf("scan conflict %s: %w", rec.ConflictID, err)
		}
	}
	if err := json.Unmarshal([]byte(appliedJSON), &rec.AppliedTo); err != nil {
		return model.ConflictRecord{}, fmt.Errorf("scan conflict %s: applied_to: %w", rec.ConflictID, err)
	}
	if len(rec.AppliedTo) == 0 {
		rec.AppliedTo = nil
	}

	rec.ResolutionStrategy = model.Strategy(strategy)
	rec.Status = model.ConflictStatus(status)
	rec.DetectedAt = fromUnixNano(detectedAt)
	rec.ResolvedAt = fromUnixNano(resolvedAt)
	return rec, nil
}
