package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yyupcompany/kyyupgame-sub087/internal/guard"
	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
	"github.com/yyupcompany/kyyupgame-sub087/internal/plan"
	"github.com/yyupcompany/kyyupgame-sub087/internal/reconcile"
	"github.com/yyupcompany/kyyupgame-sub087/internal/store"
	"github.com/yyupcompany/kyyupgame-sub087/internal/txn"
)

// RegisterPoolRequest creates a resource pool.
type RegisterPoolRequest struct {
	PoolID   string         `json:"pool_id"`
	Capacity uint64         `json:"capacity"`
	Kind     model.PoolKind `json:"kind"`
}

// RegisterPool creates a pool and returns its state. Registering an
// identical pool again is not an error.
func (e *Engine) RegisterPool(ctx context.Context, req RegisterPoolRequest) (model.ResourcePool, error) {
	if req.Kind == "" {
		req.Kind = model.PoolKindStock
	}
	if err := e.pools.RegisterPool(ctx, req.PoolID, req.Capacity, req.Kind); err != nil {
		return model.ResourcePool{}, err
	}
	return e.pools.Inspect(ctx, req.PoolID)
}

// InspectPool returns the current state of a pool.
func (e *Engine) InspectPool(ctx context.Context, poolID string) (model.ResourcePool, error) {
	return e.pools.Inspect(ctx, poolID)
}

// ResizePool changes a pool's capacity. Existing allocations are kept.
func (e *Engine) ResizePool(ctx context.Context, poolID string, capacity uint64) (model.ResourcePool, error) {
	if err := e.pools.Resize(ctx, poolID, capacity); err != nil {
		return model.ResourcePool{}, err
	}
	return e.pools.Inspect(ctx, poolID)
}

// DeletePool destroys a pool and invalidates its allocations.
func (e *Engine) DeletePool(ctx context.Context, poolID string) error {
	return e.pools.DeletePool(ctx, poolID)
}

// AllocateRequest asks for units of a pool.
type AllocateRequest struct {
	PoolID      string `json:"pool_id"`
	RequesterID string `json:"requester_id"`
	Quantity    uint64 `json:"quantity"`
}

// AllocateResponse is the outcome of an allocation. A denial is reported
// through Status and Reason, not as an error.
type AllocateResponse struct {
	AllocationID string                 `json:"allocation_id"`
	Granted      uint64                 `json:"granted"`
	Remaining    uint64                 `json:"remaining"`
	Status       model.AllocationStatus `json:"status"`
	Reason       model.DenialReason     `json:"reason,omitempty"`
	SeatNumber   uint64                 `json:"seat_number,omitempty"`
}

// Allocate requests units from a pool.
func (e *Engine) Allocate(ctx context.Context, req AllocateRequest) (AllocateResponse, error) {
	if req.RequesterID == "" {
		return AllocateResponse{}, invalidRequest("requester id is required")
	}
	a, err := e.pools.Allocate(ctx, req.PoolID, req.RequesterID, req.Quantity)
	if err != nil {
		return AllocateResponse{}, err
	}
	return AllocateResponse{
		AllocationID: a.AllocationID,
		Granted:      a.GrantedQty,
		Remaining:    a.Remaining,
		Status:       a.Status,
		Reason:       a.Reason,
		SeatNumber:   a.SeatNumber,
	}, nil
}

// ReleaseResponse reports whether a release returned units to the pool.
type ReleaseResponse struct {
	AllocationID string `json:"allocation_id"`
	Released     bool   `json:"released"`
}

// Release returns an allocation's units. Releasing twice is a no-op.
func (e *Engine) Release(ctx context.Context, allocationID string) (ReleaseResponse, error) {
	released, err := e.pools.Release(ctx, allocationID)
	if err != nil {
		return ReleaseResponse{}, err
	}
	return ReleaseResponse{AllocationID: allocationID, Released: released}, nil
}

// Read returns the latest committed version of a record.
func (e *Engine) Read(ctx context.Context, id string) (model.VersionedRecord[model.Object], error) {
	return e.records.Read(ctx, id)
}

// WriteRequest is a versioned merge-patch of a record. ExpectedVersion 0
// creates the record from the patch.
type WriteRequest struct {
	ID              string       `json:"id"`
	ExpectedVersion uint64       `json:"expected_version"`
	Patch           model.Object `json:"patch"`
}

// WriteResponse reports a committed write or the conflict that prevented
// it. On conflict the caller re-merges against CurrentPayload and retries
// with CurrentVersion.
type WriteResponse struct {
	Committed      bool         `json:"committed"`
	NewVersion     uint64       `json:"new_version,omitempty"`
	Conflict       bool         `json:"conflict"`
	CurrentVersion uint64       `json:"current_version,omitempty"`
	CurrentPayload model.Object `json:"current_payload,omitempty"`
}

// WriteVersioned applies a patch if the record is still at the expected
// version. A version mismatch is returned as a conflict response.
func (e *Engine) WriteVersioned(ctx context.Context, req WriteRequest) (WriteResponse, error) {
	if req.ID == "" {
		return WriteResponse{}, invalidRequest("record id is required")
	}
	res, err := e.records.Write(ctx, req.ID, req.ExpectedVersion, guard.PatchMutation(req.Patch))
	if err != nil {
		return WriteResponse{}, err
	}
	if res.Conflict != nil {
		return WriteResponse{
			Conflict:       true,
			CurrentVersion: res.Conflict.CurrentVersion,
			CurrentPayload: res.Conflict.CurrentPayload,
		}, nil
	}
	return WriteResponse{Committed: true, NewVersion: res.NewVersion}, nil
}

// Patch merges patch into the latest version of a record, retrying on
// conflicts up to the retry budget.
func (e *Engine) Patch(ctx context.Context, id string, patch model.Object) (model.VersionedRecord[model.Object], error) {
	return e.records.Update(ctx, id, guard.PatchMutation(patch))
}

// RunTransactionRequest is a transaction given as plan steps.
type RunTransactionRequest struct {
	TransactionID string      `json:"transaction_id,omitempty"`
	Operations    []plan.Step `json:"operations"`
}

// RunTransactionResponse is the outcome of a transaction.
type RunTransactionResponse struct {
	TransactionID       string                   `json:"transaction_id"`
	Status              model.TransactionStatus  `json:"status"`
	CompletedOperations []string                 `json:"completed_operations"`
	RollbackLog         []model.RollbackLogEntry `json:"rollback_log"`
	FailedOperation     string                   `json:"failed_operation,omitempty"`
	FailureReason       string                   `json:"failure_reason,omitempty"`
	Operations          []txn.OperationReport    `json:"operations"`
}

// RunTransaction compiles and executes a transaction. A rolled back
// transaction is a response, not an error. A failed compensation returns
// the response together with a RollbackFailureError.
func (e *Engine) RunTransaction(ctx context.Context, req RunTransactionRequest) (*RunTransactionResponse, error) {
	tx, err := plan.Compile(&plan.Plan{TransactionID: req.TransactionID, Operations: req.Operations},
		plan.Bindings{Records: e.records, Pools: e.pools})
	if err != nil {
		return nil, err
	}

	out, err := e.orch.Execute(ctx, tx)
	if out == nil {
		return nil, err
	}
	resp := &RunTransactionResponse{
		TransactionID:       out.TransactionID,
		Status:              out.Status,
		CompletedOperations: out.CompletedOperations,
		RollbackLog:         out.RollbackLog,
		FailedOperation:     out.FailedOperation,
		FailureReason:       out.FailureReason,
		Operations:          out.Operations,
	}
	return resp, err
}

// ValidatePlan compiles a plan and checks its dependency graph without
// running anything.
func (e *Engine) ValidatePlan(p *plan.Plan) error {
	tx, err := plan.Compile(p, plan.Bindings{Records: e.records, Pools: e.pools})
	if err != nil {
		return err
	}
	return txn.Validate(tx)
}

// RunPlan executes a loaded plan.
func (e *Engine) RunPlan(ctx context.Context, p *plan.Plan) (*RunTransactionResponse, error) {
	return e.RunTransaction(ctx, RunTransactionRequest{TransactionID: p.TransactionID, Operations: p.Operations})
}

// VerifyTransaction checks that a rolled back transaction left no
// observable effects behind.
func (e *Engine) VerifyTransaction(ctx context.Context, txID string) (txn.RollbackVerification, error) {
	v, err := e.orch.VerifyRollback(ctx, txID, txn.StepEffects(e.records, e.pools))
	if errors.Is(err, store.ErrNotFound) {
		return txn.RollbackVerification{}, unknownTransaction(txID, err)
	}
	return v, err
}

// TransactionDetail is the journaled state of a transaction.
type TransactionDetail struct {
	Transaction model.TransactionRecord  `json:"transaction"`
	Operations  []model.OperationRecord  `json:"operations"`
	RollbackLog []model.RollbackLogEntry `json:"rollback_log"`
}

// Transaction reads a transaction back from the journal.
func (e *Engine) Transaction(ctx context.Context, txID string) (*TransactionDetail, error) {
	j := e.orch.Journal()
	rec, err := j.ReadTransaction(ctx, txID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, unknownTransaction(txID, err)
	}
	if err != nil {
		return nil, err
	}
	ops, err := j.ReadOperations(ctx, txID)
	if err != nil {
		return nil, err
	}
	rollbacks, err := j.ReadRollbackLog(ctx, txID)
	if err != nil {
		return nil, err
	}
	return &TransactionDetail{Transaction: rec, Operations: ops, RollbackLog: rollbacks}, nil
}

func unknownTransaction(txID string, err error) *Error {
	return &Error{Code: CodeUnknownTransaction, Message: fmt.Sprintf("unknown transaction %q", txID), Err: err}
}

// ReportRequest records a field value as last synchronized by a subsystem.
// A zero At means now.
type ReportRequest struct {
	System   string      `json:"system"`
	EntityID string      `json:"entity_id"`
	Field    string      `json:"field"`
	Value    model.Value `json:"value"`
	At       time.Time   `json:"at"`
}

// ReportValue stores a subsystem's view of one field.
func (e *Engine) ReportValue(ctx context.Context, req ReportRequest) error {
	rep, ok := e.replicas[req.System]
	if !ok {
		return &Error{Code: CodeUnknownSystem, Message: fmt.Sprintf("unknown subsystem %q", req.System)}
	}
	if req.EntityID == "" || req.Field == "" {
		return invalidRequest("entity id and field are required")
	}
	at := req.At
	if at.IsZero() {
		at = e.wall.Now()
	}
	value := req.Value
	if value == nil {
		value = model.Null{}
	}
	return rep.Apply(ctx, req.EntityID, []model.FieldValue{{
		System:    req.System,
		Field:     req.Field,
		Value:     value,
		Timestamp: at,
	}})
}

// DetectConflict compares the subsystems' views of an entity. It returns
// nil if they agree.
func (e *Engine) DetectConflict(ctx context.Context, entityID string) (*model.ConflictRecord, error) {
	r, err := e.reconciler()
	if err != nil {
		return nil, err
	}
	return r.DetectConflict(ctx, entityID)
}

// ResolveRequest resolves whatever conflict an entity currently has.
type ResolveRequest struct {
	EntityID    string         `json:"entity_id"`
	Strategy    model.Strategy `json:"strategy"`
	ManualValue model.Object   `json:"manual_value,omitempty"`
}

// ResolveResponse is the outcome of ResolveConflict. Consistent without a
// ConflictID means there was nothing to resolve.
type ResolveResponse struct {
	ConflictID    string       `json:"conflict_id,omitempty"`
	ResolvedValue model.Object `json:"resolved_value,omitempty"`
	AppliedTo     []string     `json:"applied_to,omitempty"`
	Consistent    bool         `json:"consistent"`
}

// ResolveConflict detects the entity's conflict and resolves it with the
// given strategy, then verifies that all subsystems agree.
func (e *Engine) ResolveConflict(ctx context.Context, req ResolveRequest) (*ResolveResponse, error) {
	r, err := e.reconciler()
	if err != nil {
		return nil, err
	}
	if !req.Strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", reconcile.ErrInvalidStrategy, req.Strategy)
	}

	rec, err := r.DetectConflict(ctx, req.EntityID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &ResolveResponse{Consistent: true}, nil
	}

	res, err := r.Resolve(ctx, rec.ConflictID, req.Strategy, req.ManualValue)
	if err != nil {
		return nil, err
	}
	v, err := r.Verify(ctx, rec.ConflictID)
	if err != nil {
		return nil, err
	}
	if !v.AllSystemsConsistent {
		// A subsystem was written to concurrently.
		slog.Warn("subsystems diverged again after resolution",
			"conflict_id", rec.ConflictID,
			"entity_id", req.EntityID,
		)
	}
	return &ResolveResponse{
		ConflictID:    res.ConflictID,
		ResolvedValue: res.ResolvedValue,
		AppliedTo:     res.AppliedTo,
		Consistent:    v.AllSystemsConsistent,
	}, nil
}

// Conflicts lists the recorded conflicts of an entity; an empty status
// lists all of them.
func (e *Engine) Conflicts(ctx context.Context, entityID string, status model.ConflictStatus) ([]model.ConflictRecord, error) {
	r, err := e.reconciler()
	if err != nil {
		return nil, err
	}
	return r.Conflicts(ctx, entityID, status)
}

var errNoResolver = errors.New("no subsystems are registered")

func (e *Engine) reconciler() (*reconcile.Resolver, error) {
	if e.resolver == nil {
		return nil, &Error{Code: CodeUnknownSystem, Message: "conflict resolution unavailable", Err: errNoResolver}
	}
	return e.resolver, nil
}
