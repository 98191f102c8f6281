// Package allocator hands out units of finite resource pools under
// concurrent demand.
//
// Each pool has exactly one serialization point, its own mutex, held only
// for the sequence assignment, bounds check and counter increment. Pools
// live in a sync.Map, so unrelated pools never contend and there is no
// global lock. Requests to one pool are served in the order they acquire
// that mutex; the sequence number recorded on each Allocation is that
// arrival order.
//
// Persistence goes through a Ledger after the critical section. A grant
// whose ledger write fails is reversed before the error is returned. A
// release keeps its units counted until the ledger write succeeds, so a
// failed release never leaves the pool over capacity.
package allocator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/yyupcompany/kyyupgame-sub087/internal/idgen"
	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
)

// Ledger persists pools and allocations. store.Store implements it.
type Ledger interface {
	SavePool(ctx context.Context, pool model.ResourcePool) error
	DeletePool(ctx context.Context, poolID string) error
	RecordAllocation(ctx context.Context, a model.Allocation) error
	RecordRelease(ctx context.Context, allocationID string) error
	LoadPools(ctx context.Context) ([]model.ResourcePool, error)
	LoadAllocations(ctx context.Context, poolID string) ([]model.Allocation, error)
}

// Allocator manages resource pools.
//
// Thread-safety: all methods are safe for concurrent use.
type Allocator struct {
	pools       sync.Map // pool id -> *pool
	index       sync.Map // allocation id -> *pool
	invalidated sync.Map // allocation id -> struct{}, for deleted pools

	ledger Ledger
	ids    idgen.Generator
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithLedger persists every pool change through l.
func WithLedger(l Ledger) Option {
	return func(a *Allocator) {
		a.ledger = l
	}
}

// WithIDGenerator sets the allocation id generator.
// Default: idgen.UUIDv7Generator.
func WithIDGenerator(g idgen.Generator) Option {
	return func(a *Allocator) {
		a.ids = g
	}
}

// New creates an allocator. Without WithLedger state is kept in memory only.
func New(opts ...Option) *Allocator {
	a := &Allocator{
		ledger: nopLedger{},
		ids:    idgen.UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Load rebuilds in-memory state from the ledger. Call once, before serving
// requests.
func (a *Allocator) Load(ctx context.Context) error {
	pools, err := a.ledger.LoadPools(ctx)
	if err != nil {
		return fmt.Errorf("load pools: %w", err)
	}

	for _, rp := range pools {
		p := newPool(rp.PoolID, rp.Kind, rp.TotalCapacity)

		allocs, err := a.ledger.LoadAllocations(ctx, rp.PoolID)
		if err != nil {
			return fmt.Errorf("load allocations for %s: %w", rp.PoolID, err)
		}
		for _, alloc := range allocs {
			p.seq = max(p.seq, alloc.Seq)
			a.index.Store(alloc.AllocationID, p)
			if alloc.GrantedQty > 0 && !alloc.Released {
				p.addLocked(alloc)
			}
		}

		if got := p.allocated.Load(); got != rp.Allocated {
			slog.Warn("pool counter differs from ledger",
				"pool_id", rp.PoolID,
				"counter", rp.Allocated,
				"ledger", got,
			)
		}
		a.pools.Store(rp.PoolID, p)
	}

	slog.Info("allocator loaded", "pools", len(pools))
	return nil
}

// RegisterPool creates a pool. Registering the same id again with the same
// capacity and kind is a no-op; a different capacity or kind returns
// ErrPoolAlreadyExists.
func (a *Allocator) RegisterPool(ctx context.Context, poolID string, capacity uint64, kind model.PoolKind) error {
	if poolID == "" {
		return fmt.Errorf("register pool: %w", ErrEmptyPoolID)
	}
	if kind == "" {
		kind = model.PoolKindStock
	}
	if !kind.Valid() {
		return fmt.Errorf("register pool %s: %w: %q", poolID, ErrInvalidKind, kind)
	}

	p := newPool(poolID, kind, capacity)
	existing, loaded := a.pools.LoadOrStore(poolID, p)
	if loaded {
		ep := existing.(*pool)
		if ep.kind == kind && ep.capacity.Load() == capacity {
			return nil
		}
		return &PoolExistsError{PoolID: poolID, Capacity: ep.capacity.Load(), Kind: ep.kind}
	}

	if err := a.ledger.SavePool(ctx, p.snapshot()); err != nil {
		a.pools.CompareAndDelete(poolID, p)
		return fmt.Errorf("register pool %s: %w", poolID, err)
	}

	slog.Info("pool registered",
		"pool_id", poolID,
		"capacity", capacity,
		"kind", string(kind),
	)
	return nil
}

// Allocate grants min(qty, remaining) units from a pool.
//
// Outcomes are results, not errors: a zero grant is status denied with
// reason CapacityExceeded (or AlreadyAllocated for a membership requester
// who already holds a seat), and 0 < granted < qty is status partial.
// Errors are reserved for misuse (ErrUnknownPool, ErrInvalidQuantity) and
// ledger failures.
func (a *Allocator) Allocate(ctx context.Context, poolID, requesterID string, qty uint64) (model.Allocation, error) {
	p, err := a.pool(poolID)
	if err != nil {
		return model.Allocation{}, err
	}
	if qty == 0 {
		return model.Allocation{}, fmt.Errorf("allocate from %s: %w: quantity must be positive", poolID, ErrInvalidQuantity)
	}
	if p.kind == model.PoolKindMembership && qty != 1 {
		return model.Allocation{}, fmt.Errorf("allocate from %s: %w: membership pools grant exactly 1", poolID, ErrInvalidQuantity)
	}

	alloc, err := p.grant(a.ids.Generate(), requesterID, qty)
	if err != nil {
		return model.Allocation{}, fmt.Errorf("allocate from %s: %w", poolID, err)
	}
	a.index.Store(alloc.AllocationID, p)

	if err := a.ledger.RecordAllocation(ctx, alloc); err != nil {
		if alloc.GrantedQty > 0 {
			p.revoke(alloc)
		}
		a.index.Delete(alloc.AllocationID)
		return model.Allocation{}, fmt.Errorf("allocate from %s: %w", poolID, err)
	}

	slog.Debug("allocation",
		"pool_id", poolID,
		"allocation_id", alloc.AllocationID,
		"requester_id", requesterID,
		"requested", qty,
		"granted", alloc.GrantedQty,
		"status", string(alloc.Status),
		"reason", string(alloc.Reason),
		"seq", alloc.Seq,
	)
	return alloc, nil
}

// Release returns an allocation's granted units to its pool once the
// release is persisted. It reports whether units were returned; releasing
// an already released, denied or invalidated allocation is a no-op, as is
// a release racing another release of the same allocation.
func (a *Allocator) Release(ctx context.Context, allocationID string) (bool, error) {
	v, ok := a.index.Load(allocationID)
	if !ok {
		if _, gone := a.invalidated.Load(allocationID); gone {
			return false, nil
		}
		return false, fmt.Errorf("release %s: %w", allocationID, ErrUnknownAllocation)
	}
	p := v.(*pool)

	alloc, ok := p.beginRelease(allocationID)
	if !ok {
		return false, nil
	}

	if err := a.ledger.RecordRelease(ctx, allocationID); err != nil {
		p.abortRelease(allocationID)
		return false, fmt.Errorf("release %s: %w", allocationID, err)
	}
	p.finishRelease(allocationID)

	slog.Debug("allocation released",
		"pool_id", p.id,
		"allocation_id", allocationID,
		"granted", alloc.GrantedQty,
	)
	return true, nil
}

// Resize changes a pool's capacity. Reducing capacity below the allocated
// amount revokes nothing; new grants are denied until allocations drop
// below the new capacity.
func (a *Allocator) Resize(ctx context.Context, poolID string, capacity uint64) error {
	p, err := a.pool(poolID)
	if err != nil {
		return err
	}

	old, err := p.resize(capacity)
	if err != nil {
		return fmt.Errorf("resize %s: %w", poolID, err)
	}
	if err := a.ledger.SavePool(ctx, p.snapshot()); err != nil {
		p.resize(old)
		return fmt.Errorf("resize %s: %w", poolID, err)
	}

	slog.Info("pool resized",
		"pool_id", poolID,
		"old_capacity", old,
		"capacity", capacity,
		"status", string(p.snapshot().Status()),
	)
	return nil
}

// DeletePool destroys a pool. Its outstanding allocations become invalid
// and releasing them afterwards is a no-op.
func (a *Allocator) DeletePool(ctx context.Context, poolID string) error {
	p, err := a.pool(poolID)
	if err != nil {
		return err
	}

	ids := p.markDeleted()
	a.pools.CompareAndDelete(poolID, p)
	a.index.Range(func(k, v any) bool {
		if v.(*pool) == p {
			a.index.Delete(k)
			a.invalidated.Store(k, struct{}{})
		}
		return true
	})

	if err := a.ledger.DeletePool(ctx, poolID); err != nil {
		return fmt.Errorf("delete pool %s: %w", poolID, err)
	}

	slog.Info("pool deleted",
		"pool_id", poolID,
		"invalidated_allocations", len(ids),
	)
	return nil
}

// Inspect returns a snapshot of a pool. It never blocks on allocators.
func (a *Allocator) Inspect(poolID string) (model.ResourcePool, error) {
	p, err := a.pool(poolID)
	if err != nil {
		return model.ResourcePool{}, err
	}
	return p.snapshot(), nil
}

// Allocations returns the active allocations of a pool in arrival order.
func (a *Allocator) Allocations(poolID string) ([]model.Allocation, error) {
	p, err := a.pool(poolID)
	if err != nil {
		return nil, err
	}
	return p.activeAllocations(), nil
}

// Lookup returns an active allocation. Released, denied and invalidated
// allocations return ErrUnknownAllocation.
func (a *Allocator) Lookup(_ context.Context, allocationID string) (model.Allocation, error) {
	v, ok := a.index.Load(allocationID)
	if !ok {
		return model.Allocation{}, fmt.Errorf("%w: %s", ErrUnknownAllocation, allocationID)
	}
	alloc, ok := v.(*pool).lookup(allocationID)
	if !ok {
		return model.Allocation{}, fmt.Errorf("%w: %s", ErrUnknownAllocation, allocationID)
	}
	return alloc, nil
}

func (a *Allocator) pool(poolID string) (*pool, error) {
	v, ok := a.pools.Load(poolID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, poolID)
	}
	return v.(*pool), nil
}

// nopLedger keeps the allocator purely in memory.
type nopLedger struct{}

func (nopLedger) SavePool(context.Context, model.ResourcePool) error { return nil }
func (nopLedger) DeletePool(context.Context, string) error { return nil }
func (nopLedger) RecordAllocation(context.Context, model.Allocation) error { return nil }
func (nopLedger) RecordRelease(context.Context, string) error { return nil }
func (nopLedger) LoadPools(context.Context) ([]model.ResourcePool, error) { return nil, nil }
func (nopLedger) LoadAllocations(context.Context, string) ([]model.Allocation, error) {
	return nil, nil
}
