package txn

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/yyupcompany/kyyupgame-sub087/internal/guard"
	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
)

// Step types recorded on built-in operations.
const (
	StepCreateRecord = "create_record"
	StepUpdateRecord = "update_record"
	StepDeleteRecord = "delete_record"
	StepAllocate     = "allocate"
	StepRelease      = "release"
)

// Records is the versioned record store the record steps write through.
type Records = *guard.Guard[model.Object]

// Pools is the allocator the allocation steps use. Both allocator.Allocator
// and redispool.Pools implement it.
type Pools interface {
	Allocate(ctx context.Context, poolID, requesterID string, qty uint64) (model.Allocation, error)
	Release(ctx context.Context, allocationID string) (bool, error)
	Lookup(ctx context.Context, allocationID string) (model.Allocation, error)
}

var refPattern = regexp.MustCompile(`\$\{([^.}]+)\.([^}]+)\}`)

// Expand replaces ${op.field} references in s with fields of dependency
// results. A referenced field must be a string or an integer.
func Expand(s string, deps Deps) (string, error) {
	var firstErr error
	out := refPattern.ReplaceAllStringFunc(s, func(m string) string {
		parts := refPattern.FindStringSubmatch(m)
		opID, field := parts[1], parts[2]
		result, ok := deps[opID]
		if !ok {
			if firstErr == nil {
				firstErr = fmt.Errorf("reference %s: %s is not a dependency", m, opID)
			}
			return m
		}
		switch v := result[field].(type) {
		case model.String:
			return string(v)
		case model.Int:
			return strconv.FormatInt(int64(v), 10)
		default:
			if firstErr == nil {
				firstErr = fmt.Errorf("reference %s: field %q is not a string or integer", m, field)
			}
			return m
		}
	})
	return out, firstErr
}

// ExpandObject applies Expand to every string in obj, recursively. obj is
// not modified.
func ExpandObject(obj model.Object, deps Deps) (model.Object, error) {
	v, err := expandValue(obj, deps)
	if err != nil {
		return nil, err
	}
	out, _ := v.(model.Object)
	return out, nil
}

func expandValue(v model.Value, deps Deps) (model.Value, error) {
	switch val := v.(type) {
	case model.String:
		s, err := Expand(string(val), deps)
		return model.String(s), err
	case model.Array:
		out := make(model.Array, len(val))
		for i, elem := range val {
			e, err := expandValue(elem, deps)
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case model.Object:
		if val == nil {
			return model.Object(nil), nil
		}
		out := make(model.Object, len(val))
		for k, elem := range val {
			e, err := expandValue(elem, deps)
			if err != nil {
				return nil, err
			}
			out[k] = e
		}
		return out, nil
	default:
		return v, nil
	}
}

// CreateRecord creates a record at version 1. The compensation deletes it
// if it is still at the created version.
func CreateRecord(opID string, records Records, recordID string, payload model.Object, dependsOn ...string) Operation {
	return Operation{
		ID:        opID,
		Type:      StepCreateRecord,
		TargetID:  recordID,
		DependsOn: dependsOn,
		Forward: func(ctx context.Context, deps Deps) (model.Object, error) {
			id, err := Expand(recordID, deps)
			if err != nil {
				return nil, err
			}
			payload, err := ExpandObject(payload, deps)
			if err != nil {
				return nil, err
			}
			res, err := records.Create(ctx, id, payload)
			if err != nil {
				return nil, err
			}
			if res.Conflict != nil {
				return nil, fmt.Errorf("create %s: record exists at version %d", id, res.Conflict.CurrentVersion)
			}
			return model.Object{
				"record_id": model.String(id),
				"version":   model.Int(res.NewVersion),
			}, nil
		},
		Compensate: func(ctx context.Context, result model.Object) error {
			id, version := recordRef(result)
			res, err := records.Delete(ctx, id, version)
			if errors.Is(err, guard.ErrUnknownEntity) {
				return nil
			}
			if err != nil {
				return err
			}
			if res.Conflict != nil {
				return res.Conflict
			}
			return nil
		},
	}
}

// UpdateRecord merges patch into an existing record. A version conflict
// with a concurrent writer re-reads and retries the merge within the
// guard's retry budget. The compensation writes the previous payload back
// if nobody changed the record since.
func UpdateRecord(opID string, records Records, recordID string, patch model.Object, dependsOn ...string) Operation {
	return Operation{
		ID:        opID,
		Type:      StepUpdateRecord,
		TargetID:  recordID,
		DependsOn: dependsOn,
		Forward: func(ctx context.Context, deps Deps) (model.Object, error) {
			id, err := Expand(recordID, deps)
			if err != nil {
				return nil, err
			}
			patch, err := ExpandObject(patch, deps)
			if err != nil {
				return nil, err
			}
			// Update calls the mutation once per attempt; the last call is
			// the attempt that committed.
			var before model.Object
			rec, err := records.Update(ctx, id, func(current model.Object) (model.Object, error) {
				before = current
				return guard.MergePatch(current, patch), nil
			})
			if err != nil {
				return nil, err
			}
			return model.Object{
				"record_id":        model.String(id),
				"version":          model.Int(rec.Version),
				"previous_version": model.Int(rec.Version - 1),
				"before":           before,
				"after":            rec.Payload,
			}, nil
		},
		Compensate: func(ctx context.Context, result model.Object) error {
			id, version := recordRef(result)
			before, _ := result["before"].(model.Object)
			res, err := records.Write(ctx, id, version, func(model.Object) (model.Object, error) {
				return before, nil
			})
			if err != nil {
				return err
			}
			if res.Conflict != nil {
				return res.Conflict
			}
			return nil
		},
	}
}

// DeleteRecord deletes a record at its current version. The compensation
// creates it again, at version 1, with the deleted payload.
func DeleteRecord(opID string, records Records, recordID string, dependsOn ...string) Operation {
	return Operation{
		ID:        opID,
		Type:      StepDeleteRecord,
		TargetID:  recordID,
		DependsOn: dependsOn,
		Forward: func(ctx context.Context, deps Deps) (model.Object, error) {
			id, err := Expand(recordID, deps)
			if err != nil {
				return nil, err
			}
			current, err := records.Read(ctx, id)
			if err != nil {
				return nil, err
			}
			res, err := records.Delete(ctx, id, current.Version)
			if err != nil {
				return nil, err
			}
			if res.Conflict != nil {
				return nil, res.Conflict
			}
			return model.Object{
				"record_id":        model.String(id),
				"previous_version": model.Int(current.Version),
				"before":           current.Payload,
			}, nil
		},
		Compensate: func(ctx context.Context, result model.Object) error {
			id, _ := recordRef(result)
			before, _ := result["before"].(model.Object)
			res, err := records.Create(ctx, id, before)
			if err != nil {
				return err
			}
			if res.Conflict != nil {
				return fmt.Errorf("restore %s: record was re-created at version %d", id, res.Conflict.CurrentVersion)
			}
			return nil
		},
	}
}

// Allocate takes qty units from a pool. Anything short of the full
// quantity fails the step; a partial grant is released first. The
// compensation releases the allocation.
func Allocate(opID string, pools Pools, poolID, requesterID string, qty uint64, dependsOn ...string) Operation {
	return allocate(opID, pools, poolID, requesterID, qty, false, dependsOn)
}

// AllocateUpTo is Allocate but keeps a partial grant. Only a denial fails
// the step.
func AllocateUpTo(opID string, pools Pools, poolID, requesterID string, qty uint64, dependsOn ...string) Operation {
	return allocate(opID, pools, poolID, requesterID, qty, true, dependsOn)
}

func allocate(opID string, pools Pools, poolID, requesterID string, qty uint64, allowPartial bool, dependsOn []string) Operation {
	return Operation{
		ID:        opID,
		Type:      StepAllocate,
		TargetID:  poolID,
		DependsOn: dependsOn,
		Forward: func(ctx context.Context, deps Deps) (model.Object, error) {
			pool, err := Expand(poolID, deps)
			if err != nil {
				return nil, err
			}
			requester, err := Expand(requesterID, deps)
			if err != nil {
				return nil, err
			}
			alloc, err := pools.Allocate(ctx, pool, requester, qty)
			if err != nil {
				return nil, err
			}
			switch alloc.Status {
			case model.AllocationDenied:
				return nil, fmt.Errorf("%w: pool %s: %s", ErrAllocationDenied, pool, alloc.Reason)
			case model.AllocationPartial:
				if allowPartial {
					break
				}
				if _, err := pools.Release(ctx, alloc.AllocationID); err != nil {
					return nil, fmt.Errorf("release partial grant %s: %w", alloc.AllocationID, err)
				}
				return nil, fmt.Errorf("%w: pool %s: only %d of %d available", ErrAllocationDenied, pool, alloc.GrantedQty, qty)
			}
			return allocationResult(alloc), nil
		},
		Compensate: func(ctx context.Context, result model.Object) error {
			id, _ := result["allocation_id"].(model.String)
			_, err := pools.Release(ctx, string(id))
			return err
		},
	}
}

// Release returns an allocation's units to its pool. The compensation
// allocates the same quantity again for the same requester; the restored
// allocation gets a new id.
func Release(opID string, pools Pools, allocationID string, dependsOn ...string) Operation {
	return Operation{
		ID:        opID,
		Type:      StepRelease,
		TargetID:  allocationID,
		DependsOn: dependsOn,
		Forward: func(ctx context.Context, deps Deps) (model.Object, error) {
			id, err := Expand(allocationID, deps)
			if err != nil {
				return nil, err
			}
			alloc, err := pools.Lookup(ctx, id)
			if err != nil {
				return nil, err
			}
			released, err := pools.Release(ctx, id)
			if err != nil {
				return nil, err
			}
			result := allocationResult(alloc)
			result["released"] = model.Bool(released)
			return result, nil
		},
		Compensate: func(ctx context.Context, result model.Object) error {
			if released, _ := result["released"].(model.Bool); !released {
				return nil
			}
			pool, _ := result["pool_id"].(model.String)
			requester, _ := result["requester_id"].(model.String)
			granted, _ := result["granted"].(model.Int)
			alloc, err := pools.Allocate(ctx, string(pool), string(requester), uint64(granted))
			if err != nil {
				return err
			}
			if alloc.Status != model.AllocationGranted {
				err := fmt.Errorf("%w: restoring %d units in pool %s", ErrAllocationDenied, granted, pool)
				if alloc.GrantedQty > 0 {
					if _, relErr := pools.Release(ctx, alloc.AllocationID); relErr != nil {
						err = errors.Join(err, fmt.Errorf("release partial grant %s: %w", alloc.AllocationID, relErr))
					}
				}
				return err
			}
			return nil
		},
	}
}

func allocationResult(alloc model.Allocation) model.Object {
	return model.Object{
		"allocation_id": model.String(alloc.AllocationID),
		"pool_id":       model.String(alloc.PoolID),
		"requester_id":  model.String(alloc.RequesterID),
		"requested":     model.Int(alloc.RequestedQty),
		"granted":       model.Int(alloc.GrantedQty),
		"status":        model.String(alloc.Status),
		"seat_number":   model.Int(alloc.SeatNumber),
	}
}

func recordRef(result model.Object) (string, uint64) {
	id, _ := result["record_id"].(model.String)
	version, _ := result["version"].(model.Int)
	return string(id), uint64(version)
}
