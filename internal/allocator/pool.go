package allocator

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
)

// pool is the in-memory state of one resource pool.
//
// mu is the pool's single serialization point. capacity and allocated are
// atomics so Inspect can read them without taking mu; they are only written
// while mu is held.
type pool struct {
	id   string
	kind model.PoolKind

	capacity  atomic.Uint64
	allocated atomic.Uint64

	mu      sync.Mutex
	seq     int64
	deleted bool
	active  map[string]model.Allocation // allocation id -> granted allocation
	holders map[string]string           // requester id -> allocation id (membership only)

	// releasing holds allocations whose release is being persisted. Their
	// units and seats stay counted until the ledger write succeeds.
	releasing map[string]struct{}

	// Seat numbers start at 1. freed holds released seats in ascending order
	// so the lowest free seat is reused first.
	nextSeat uint64
	freed    []uint64
}

func newPool(id string, kind model.PoolKind, capacity uint64) *pool {
	p := &pool{
		id:       id,
		kind:     kind,
		active:    make(map[string]model.Allocation),
		holders:   make(map[string]string),
		releasing: make(map[string]struct{}),
		nextSeat:  1,
	}
	p.capacity.Store(capacity)
	return p
}

// snapshot reads the pool without locking.
func (p *pool) snapshot() model.ResourcePool {
	return model.ResourcePool{
		PoolID:        p.id,
		Kind:          p.kind,
		TotalCapacity: p.capacity.Load(),
		Allocated:     p.allocated.Load(),
	}
}

// grant serves one request. This is the critical section: sequence
// assignment, bounds check and counter increment happen under mu.
func (p *pool) grant(allocationID, requesterID string, qty uint64) (model.Allocation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.deleted {
		return model.Allocation{}, ErrUnknownPool
	}

	p.seq++
	a := model.Allocation{
		AllocationID: allocationID,
		PoolID:       p.id,
		RequesterID:  requesterID,
		RequestedQty: qty,
		Seq:          p.seq,
	}

	capacity, allocated := p.capacity.Load(), p.allocated.Load()
	var remaining uint64
	if allocated < capacity {
		remaining = capacity - allocated
	}

	if p.kind == model.PoolKindMembership {
		if _, held := p.holders[requesterID]; held {
			a.Status = model.AllocationDenied
			a.Reason = model.ReasonAlreadyAllocated
			a.Remaining = remaining
			return a, nil
		}
	}

	granted := min(qty, remaining)
	a.GrantedQty = granted
	a.Remaining = remaining - granted
	switch {
	case granted == 0:
		a.Status = model.AllocationDenied
		a.Reason = model.ReasonCapacityExceeded
		return a, nil
	case granted < qty:
		a.Status = model.AllocationPartial
	default:
		a.Status = model.AllocationGranted
	}

	p.allocated.Add(granted)
	if p.kind == model.PoolKindMembership {
		a.SeatNumber = p.takeSeat()
		p.holders[requesterID] = allocationID
	}
	p.active[allocationID] = a
	return a, nil
}

// beginRelease marks an active allocation as releasing. Its units stay
// allocated until finishRelease. ok is false if the allocation is not
// active (already released, denied or invalidated) or another release of
// it is in flight.
func (p *pool) beginRelease(allocationID string) (model.Allocation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.active[allocationID]
	if !ok || p.deleted {
		return model.Allocation{}, false
	}
	if _, busy := p.releasing[allocationID]; busy {
		return model.Allocation{}, false
	}
	p.releasing[allocationID] = struct{}{}
	return a, true
}

// finishRelease returns the units of an allocation whose release was
// persisted.
func (p *pool) finishRelease(allocationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.releasing, allocationID)
	if a, ok := p.active[allocationID]; ok && !p.deleted {
		p.removeLocked(a)
	}
}

// abortRelease keeps an allocation whose release failed to persist.
func (p *pool) abortRelease(allocationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.releasing, allocationID)
}

// revoke undoes a grant whose persistence failed.
func (p *pool) revoke(a model.Allocation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.active[a.AllocationID]; ok {
		p.removeLocked(a)
	}
}

func (p *pool) removeLocked(a model.Allocation) {
	delete(p.active, a.AllocationID)
	p.allocated.Add(^(a.GrantedQty - 1))
	if p.kind == model.PoolKindMembership {
		delete(p.holders, a.RequesterID)
		p.freeSeat(a.SeatNumber)
	}
}

func (p *pool) addLocked(a model.Allocation) {
	p.active[a.AllocationID] = a
	p.allocated.Add(a.GrantedQty)
	if p.kind == model.PoolKindMembership {
		p.holders[a.RequesterID] = a.AllocationID
		p.claimSeat(a.SeatNumber)
	}
}

// resize changes the capacity. Existing allocations are never revoked.
func (p *pool) resize(capacity uint64) (old uint64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.deleted {
		return 0, ErrUnknownPool
	}
	old = p.capacity.Load()
	p.capacity.Store(capacity)
	return old, nil
}

// markDeleted invalidates the pool and returns the ids of allocations that
// were active.
func (p *pool) markDeleted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.deleted = true
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	clear(p.active)
	clear(p.holders)
	clear(p.releasing)
	return ids
}

func (p *pool) lookup(allocationID string) (model.Allocation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.active[allocationID]
	return a, ok
}

// activeAllocations returns active allocations in arrival order.
func (p *pool) activeAllocations() []model.Allocation {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]model.Allocation, 0, len(p.active))
	for _, a := range p.active {
		out = append(out, a)
	}
	slices.SortFunc(out, func(x, y model.Allocation) int {
		return cmp.Compare(x.Seq, y.Seq)
	})
	return out
}

func (p *pool) takeSeat() uint64 {
	if len(p.freed) > 0 {
		seat := p.freed[0]
		p.freed = p.freed[1:]
		return seat
	}
	seat := p.nextSeat
	p.nextSeat++
	return seat
}

func (p *pool) freeSeat(seat uint64) {
	if seat == 0 {
		return
	}
	i, _ := slices.BinarySearch(p.freed, seat)
	p.freed = slices.Insert(p.freed, i, seat)
}

// claimSeat marks a specific seat as taken, used when restoring state.
func (p *pool) claimSeat(seat uint64) {
	if seat == 0 {
		return
	}
	if i, found := slices.BinarySearch(p.freed, seat); found {
		p.freed = slices.Delete(p.freed, i, i+1)
		return
	}
	for p.nextSeat < seat {
		i, _ := slices.BinarySearch(p.freed, p.nextSeat)
		p.freed = slices.Insert(p.freed, i, p.nextSeat)
		p.nextSeat++
	}
	if p.nextSeat == seat {
		p.nextSeat++
	}
}
