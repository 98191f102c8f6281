package model

import "time"

// VersionedRecord wraps any persisted payload with its optimistic-lock
// version. Version 0 means the record does not exist; the first write
// creates it at version 1 and every later successful write adds exactly 1.
type VersionedRecord[T any] struct {
	ID      string `json:"id"`
	Version uint64 `json:"version"`
	Payload T      `json:"payload"`
}

// PoolKind selects the grant policy of a resource pool.
type PoolKind string

const (
	// PoolKindStock pools hand out divisible quantities and grant partially.
	PoolKindStock PoolKind = "stock"
	// PoolKindMembership pools hand out exactly one seat per requester.
	PoolKindMembership PoolKind = "membership"
)

// Valid reports whether k is a known pool kind.
func (k PoolKind) Valid() bool {
	return k == PoolKindStock || k == PoolKindMembership
}

// PoolStatus is the derived availability of a pool.
type PoolStatus string

const (
	PoolStatusAvailable     PoolStatus = "available"
	PoolStatusFull          PoolStatus = "full"
	PoolStatusOutOfStock    PoolStatus = "out_of_stock"
	PoolStatusOverCommitted PoolStatus = "over_committed"
)

// ResourcePool is a finite countable resource.
//
// INVARIANT: Allocated <= TotalCapacity unless the capacity was reduced
// after allocations were granted; in that case no new grant is made until
// Allocated drops below TotalCapacity again.
type ResourcePool struct {
	PoolID        string   `json:"pool_id"`
	Kind          PoolKind `json:"kind"`
	TotalCapacity uint64   `json:"total_capacity"`
	Allocated     uint64   `json:"allocated"`
}

// Remaining returns the units still available for new grants.
func (p ResourcePool) Remaining() uint64 {
	if p.Allocated >= p.TotalCapacity {
		return 0
	}
	return p.TotalCapacity - p.Allocated
}

// Status derives the pool's availability.
func (p ResourcePool) Status() PoolStatus {
	switch {
	case p.Allocated > p.TotalCapacity:
		return PoolStatusOverCommitted
	case p.Remaining() > 0:
		return PoolStatusAvailable
	case p.Kind == PoolKindMembership:
		return PoolStatusFull
	default:
		return PoolStatusOutOfStock
	}
}

// AllocationStatus is the outcome of an allocation request.
type AllocationStatus string

const (
	AllocationGranted AllocationStatus = "granted"
	AllocationPartial AllocationStatus = "partial"
	AllocationDenied  AllocationStatus = "denied"
)

// DenialReason explains a denied allocation.
type DenialReason string

const (
	ReasonNone             DenialReason = ""
	ReasonCapacityExceeded DenialReason = "CapacityExceeded"
	ReasonAlreadyAllocated DenialReason = "AlreadyAllocated"
)

// Allocation is one grant (possibly zero) from a pool.
// Immutable once created except for Released.
type Allocation struct {
	AllocationID string           `json:"allocation_id"`
	PoolID       string           `json:"pool_id"`
	RequesterID  string           `json:"requester_id"`
	RequestedQty uint64           `json:"requested_qty"`
	GrantedQty   uint64           `json:"granted_qty"`
	Seq          int64            `json:"seq"`
	Status       AllocationStatus `json:"status"`
	Reason       DenialReason     `json:"reason,omitempty"`
	Remaining    uint64           `json:"remaining"`
	SeatNumber   uint64           `json:"seat_number,omitempty"`
	Released     bool             `json:"released"`
}

// TransactionStatus is the lifecycle state of a transaction.
type TransactionStatus string

const (
	TransactionPending    TransactionStatus = "pending"
	TransactionCompleted  TransactionStatus = "completed"
	TransactionRolledBack TransactionStatus = "rolled_back"
	TransactionFailed     TransactionStatus = "failed"
	TransactionCancelled  TransactionStatus = "cancelled"
)

// OperationStatus is the lifecycle state of one operation.
//
//	pending -> running -> completed
//	pending -> running -> failed
//	completed -> compensating -> rolled_back
//	pending -> cancelled
type OperationStatus string

const (
	OperationPending      OperationStatus = "pending"
	OperationRunning      OperationStatus = "running"
	OperationCompleted    OperationStatus = "completed"
	OperationFailed       OperationStatus = "failed"
	OperationCompensating OperationStatus = "compensating"
	OperationRolledBack   OperationStatus = "rolled_back"
	OperationCancelled    OperationStatus = "cancelled"
)

// TransactionRecord is the journaled header of a transaction.
type TransactionRecord struct {
	TransactionID   string            `json:"transaction_id"`
	Status          TransactionStatus `json:"status"`
	FailedOperation string            `json:"failed_operation,omitempty"`
	FailureReason   string            `json:"failure_reason,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// OperationRecord is the journaled state of one operation. Seq is the
// logical time of the last transition and orders completions.
type OperationRecord struct {
	TransactionID string          `json:"transaction_id"`
	OperationID   string          `json:"operation_id"`
	Type          string          `json:"type"`
	TargetID      string          `json:"target_id,omitempty"`
	Status        OperationStatus `json:"status"`
	Result        Object          `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	Seq           int64           `json:"seq"`
	ExecutedAt    time.Time       `json:"executed_at,omitzero"`
}

// RollbackLogEntry records one compensation. Append-only.
type RollbackLogEntry struct {
	TransactionID string    `json:"transaction_id"`
	OperationID   string    `json:"operation_id"`
	Action        string    `json:"action"`
	TargetID      string    `json:"target_id"`
	Seq           int64     `json:"seq"`
	Timestamp     time.Time `json:"timestamp"`
}

// FieldValue is a value reported by one subsystem for one field.
type FieldValue struct {
	System    string    `json:"system"`
	Field     string    `json:"field"`
	Value     Value     `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Strategy names a conflict resolution strategy.
type Strategy string

const (
	StrategyUseMasterData      Strategy = "use_master_data"
	StrategyUseLatestTimestamp Strategy = "use_latest_timestamp"
	StrategyManualResolution   Strategy = "manual_resolution"
)

// Strategies lists the supported strategies in documentation order.
var Strategies = []Strategy{
	StrategyUseMasterData,
	StrategyUseLatestTimestamp,
	StrategyManualResolution,
}

// Valid reports whether s is a supported strategy.
func (s Strategy) Valid() bool {
	for _, known := range Strategies {
		if s == known {
			return true
		}
	}
	return false
}

// ConflictStatus is the lifecycle state of a conflict record.
type ConflictStatus string

const (
	ConflictOpen     ConflictStatus = "open"
	ConflictResolved ConflictStatus = "resolved"
	ConflictFailed   ConflictStatus = "failed"
)

// ConflictRecord captures divergent replicated values for one entity.
type ConflictRecord struct {
	ConflictID         string         `json:"conflict_id"`
	EntityID           string         `json:"entity_id"`
	ConflictingValues  []FieldValue   `json:"conflicting_values"`
	ResolutionStrategy Strategy       `json:"resolution_strategy,omitempty"`
	ResolvedValue      Object         `json:"resolved_value,omitempty"`
	AppliedTo          []string       `json:"applied_to,omitempty"`
	Status             ConflictStatus `json:"status"`
	DetectedAt         time.Time      `json:"detected_at"`
	ResolvedAt         time.Time      `json:"resolved_at,omitzero"`
}

// Fields returns the distinct conflicting field names in first-seen order.
func (c *ConflictRecord) Fields() []string {
	seen := make(map[string]bool)
	var fields []string
	for _, fv := range c.ConflictingValues {
		if !seen[fv.Field] {
			seen[fv.Field] = true
			fields = append(fields, fv.Field)
		}
	}
	return fields
}
