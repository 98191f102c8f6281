package allocator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yyupcompany/kyyupgame-sub087/internal/idgen"
	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
	"github.com/yyupcompany/kyyupgame-sub087/internal/store"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	return New(WithIDGenerator(idgen.NewSequenceGenerator("alloc")))
}

func newPersistentAllocator(t *testing.T) (*Allocator, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(WithLedger(s), WithIDGenerator(idgen.NewSequenceGenerator("alloc"))), s
}

// allocateConcurrently fires n requests of qty units at once and returns the
// results sorted by arrival sequence.
func allocateConcurrently(t *testing.T, a *Allocator, poolID string, n int, qty uint64) []model.Allocation {
	t.Helper()
	results := make([]model.Allocation, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			alloc, err := a.Allocate(context.Background(), poolID, fmt.Sprintf("requester-%d", i), qty)
			assert.NoError(t, err)
			results[i] = alloc
		}(i)
	}
	close(start)
	wg.Wait()

	slices.SortFunc(results, func(x, y model.Allocation) int { return cmp.Compare(x.Seq, y.Seq) })
	return results
}

func TestAllocate_MembershipExactCapacity(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.RegisterPool(ctx, "activity-1", 3, model.PoolKindMembership))

	results := allocateConcurrently(t, a, "activity-1", 5, 1)

	var granted, denied int
	for _, r := range results {
		switch r.Status {
		case model.AllocationGranted:
			granted++
			assert.Equal(t, uint64(1), r.GrantedQty)
		case model.AllocationDenied:
			denied++
			assert.Equal(t, uint64(0), r.GrantedQty)
			assert.Equal(t, model.ReasonCapacityExceeded, r.Reason)
		default:
			t.Errorf("unexpected status %s", r.Status)
		}
	}
	assert.Equal(t, 3, granted)
	assert.Equal(t, 2, denied)

	// Arrival order decides: the first three sequence numbers win.
	for i, r := range results {
		assert.Equal(t, int64(i+1), r.Seq)
		if i < 3 {
			assert.Equal(t, model.AllocationGranted, r.Status)
		}
	}

	pool, err := a.Inspect("activity-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), pool.Allocated)
	assert.Equal(t, model.PoolStatusFull, pool.Status())
}

func TestAllocate_StockRemainderGoesToLastSatisfiable(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.RegisterPool(ctx, "item-1", 100, model.PoolKindStock))

	results := allocateConcurrently(t, a, "item-1", 15, 8)

	var total uint64
	for i, r := range results {
		total += r.GrantedQty
		switch {
		case i < 12:
			assert.Equal(t, uint64(8), r.GrantedQty, "requester %d", i+1)
			assert.Equal(t, model.AllocationGranted, r.Status)
		case i == 12:
			assert.Equal(t, uint64(4), r.GrantedQty)
			assert.Equal(t, model.AllocationPartial, r.Status)
			assert.Equal(t, uint64(0), r.Remaining)
		default:
			assert.Equal(t, uint64(0), r.GrantedQty)
			assert.Equal(t, model.AllocationDenied, r.Status)
			assert.Equal(t, model.ReasonCapacityExceeded, r.Reason)
		}
	}
	assert.Equal(t, uint64(100), total)

	pool, err := a.Inspect("item-1")
	require.NoError(t, err)
	assert.Equal(t, model.PoolStatusOutOfStock, pool.Status())
}

func TestAllocate_GrantsNeverExceedCapacity(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.RegisterPool(ctx, "p", 37, model.PoolKindStock))

	results := allocateConcurrently(t, a, "p", 40, 3)

	var total uint64
	for _, r := range results {
		total += r.GrantedQty
	}
	assert.Equal(t, uint64(37), total)
}

func TestAllocate_UnrelatedPoolsIndependent(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, a.RegisterPool(ctx, fmt.Sprintf("p%d", i), 10, model.PoolKindStock))
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := a.Allocate(ctx, fmt.Sprintf("p%d", i), "r", 1)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		pool, err := a.Inspect(fmt.Sprintf("p%d", i))
		require.NoError(t, err)
		assert.Equal(t, uint64(10), pool.Allocated)
	}
}

func TestAllocate_ZeroCapacityAlwaysDenies(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.RegisterPool(ctx, "empty", 0, model.PoolKindStock))

	alloc, err := a.Allocate(ctx, "empty", "r", 1)
	require.NoError(t, err)
	assert.Equal(t, model.AllocationDenied, alloc.Status)
	assert.Equal(t, model.ReasonCapacityExceeded, alloc.Reason)
	assert.NotEmpty(t, alloc.AllocationID)
}

func TestAllocate_MembershipRules(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.RegisterPool(ctx, "act", 50, model.PoolKindMembership))

	_, err := a.Allocate(ctx, "act", "student-1", 2)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	first, err := a.Allocate(ctx, "act", "student-1", 1)
	require.NoError(t, err)
	assert.Equal(t, model.AllocationGranted, first.Status)
	assert.Equal(t, uint64(1), first.SeatNumber)

	again, err := a.Allocate(ctx, "act", "student-1", 1)
	require.NoError(t, err)
	assert.Equal(t, model.AllocationDenied, again.Status)
	assert.Equal(t, model.ReasonAlreadyAllocated, again.Reason)
}

func TestAllocate_UniqueSeatNumbers(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.RegisterPool(ctx, "activity", 50, model.PoolKindMembership))

	results := allocateConcurrently(t, a, "activity", 55, 1)

	seats := make(map[uint64]bool)
	granted := 0
	for _, r := range results {
		if r.Status != model.AllocationGranted {
			continue
		}
		granted++
		assert.False(t, seats[r.SeatNumber], "seat %d assigned twice", r.SeatNumber)
		assert.GreaterOrEqual(t, r.SeatNumber, uint64(1))
		assert.LessOrEqual(t, r.SeatNumber, uint64(50))
		seats[r.SeatNumber] = true
	}
	assert.Equal(t, 50, granted)

	pool, err := a.Inspect("activity")
	require.NoError(t, err)
	assert.Equal(t, model.PoolStatusFull, pool.Status())
}

func TestRelease_ReusesLowestSeat(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.RegisterPool(ctx, "act", 3, model.PoolKindMembership))

	var allocs []model.Allocation
	for i := 0; i < 3; i++ {
		alloc, err := a.Allocate(ctx, "act", fmt.Sprintf("s%d", i), 1)
		require.NoError(t, err)
		allocs = append(allocs, alloc)
	}

	_, err := a.Release(ctx, allocs[2].AllocationID)
	require.NoError(t, err)
	_, err = a.Release(ctx, allocs[0].AllocationID)
	require.NoError(t, err)

	next, err := a.Allocate(ctx, "act", "s9", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next.SeatNumber)

	// The released requester may register again.
	back, err := a.Allocate(ctx, "act", "s0", 1)
	require.NoError(t, err)
	assert.Equal(t, model.AllocationGranted, back.Status)
	assert.Equal(t, uint64(3), back.SeatNumber)
}

func TestRelease_Idempotent(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.RegisterPool(ctx, "p", 10, model.PoolKindStock))

	alloc, err := a.Allocate(ctx, "p", "r", 6)
	require.NoError(t, err)

	released, err := a.Release(ctx, alloc.AllocationID)
	require.NoError(t, err)
	assert.True(t, released)
	once, err := a.Inspect("p")
	require.NoError(t, err)

	released, err = a.Release(ctx, alloc.AllocationID)
	require.NoError(t, err)
	assert.False(t, released)
	twice, err := a.Inspect("p")
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.Equal(t, uint64(0), twice.Allocated)
}

func TestRelease_Unknown(t *testing.T) {
	a := newTestAllocator(t)

	_, err := a.Release(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownAllocation)
}

func TestRelease_DeniedIsNoop(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.RegisterPool(ctx, "p", 0, model.PoolKindStock))

	alloc, err := a.Allocate(ctx, "p", "r", 1)
	require.NoError(t, err)

	released, err := a.Release(ctx, alloc.AllocationID)
	require.NoError(t, err)
	assert.False(t, released)
}

func TestRegisterPool_Idempotent(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()

	require.NoError(t, a.RegisterPool(ctx, "p", 5, model.PoolKindStock))
	require.NoError(t, a.RegisterPool(ctx, "p", 5, model.PoolKindStock))

	err := a.RegisterPool(ctx, "p", 6, model.PoolKindStock)
	assert.ErrorIs(t, err, ErrPoolAlreadyExists)

	var exists *PoolExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, uint64(5), exists.Capacity)

	err = a.RegisterPool(ctx, "p", 5, model.PoolKindMembership)
	assert.ErrorIs(t, err, ErrPoolAlreadyExists)
}

func TestRegisterPool_InvalidKind(t *testing.T) {
	a := newTestAllocator(t)

	err := a.RegisterPool(context.Background(), "p", 5, model.PoolKind("tickets"))
	assert.ErrorIs(t, err, ErrInvalidKind)
}

func TestAllocate_UnknownPool(t *testing.T) {
	a := newTestAllocator(t)

	_, err := a.Allocate(context.Background(), "ghost", "r", 1)
	assert.ErrorIs(t, err, ErrUnknownPool)
}

func TestResize_BelowAllocatedBlocksNewGrants(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.RegisterPool(ctx, "p", 10, model.PoolKindStock))

	first, err := a.Allocate(ctx, "p", "r1", 8)
	require.NoError(t, err)

	require.NoError(t, a.Resize(ctx, "p", 5))
	pool, err := a.Inspect("p")
	require.NoError(t, err)
	assert.Equal(t, uint64(8), pool.Allocated, "existing allocations are not revoked")
	assert.Equal(t, model.PoolStatusOverCommitted, pool.Status())

	denied, err := a.Allocate(ctx, "p", "r2", 1)
	require.NoError(t, err)
	assert.Equal(t, model.AllocationDenied, denied.Status)

	_, err = a.Release(ctx, first.AllocationID)
	require.NoError(t, err)

	ok, err := a.Allocate(ctx, "p", "r2", 1)
	require.NoError(t, err)
	assert.Equal(t, model.AllocationGranted, ok.Status)
	assert.Equal(t, uint64(4), ok.Remaining)
}

func TestDeletePool_InvalidatesAllocations(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.RegisterPool(ctx, "p", 10, model.PoolKindStock))

	alloc, err := a.Allocate(ctx, "p", "r", 2)
	require.NoError(t, err)

	require.NoError(t, a.DeletePool(ctx, "p"))

	_, err = a.Inspect("p")
	assert.ErrorIs(t, err, ErrUnknownPool)

	released, err := a.Release(ctx, alloc.AllocationID)
	require.NoError(t, err)
	assert.False(t, released)

	// The id can be registered again from scratch.
	require.NoError(t, a.RegisterPool(ctx, "p", 3, model.PoolKindStock))
	pool, err := a.Inspect("p")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), pool.Allocated)
}

func TestAllocations_ArrivalOrder(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.RegisterPool(ctx, "p", 10, model.PoolKindStock))

	for i := 0; i < 3; i++ {
		_, err := a.Allocate(ctx, "p", fmt.Sprintf("r%d", i), 2)
		require.NoError(t, err)
	}

	allocs, err := a.Allocations("p")
	require.NoError(t, err)
	require.Len(t, allocs, 3)
	for i, alloc := range allocs {
		assert.Equal(t, int64(i+1), alloc.Seq)
		assert.Equal(t, fmt.Sprintf("r%d", i), alloc.RequesterID)
	}
}

// failingLedger fails every allocation write.
type failingLedger struct {
	nopLedger
}

func (failingLedger) RecordAllocation(context.Context, model.Allocation) error {
	return errors.New("disk full")
}

func TestAllocate_LedgerFailureReversesGrant(t *testing.T) {
	a := New(WithLedger(failingLedger{}))
	ctx := context.Background()
	require.NoError(t, a.RegisterPool(ctx, "act", 2, model.PoolKindMembership))

	_, err := a.Allocate(ctx, "act", "s1", 1)
	require.ErrorContains(t, err, "disk full")

	pool, err := a.Inspect("act")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), pool.Allocated)

	allocs, err := a.Allocations("act")
	require.NoError(t, err)
	assert.Empty(t, allocs)
}

// releaseFailingLedger runs beforeFail inside RecordRelease and then fails.
type releaseFailingLedger struct {
	nopLedger
	beforeFail func()
}

func (l releaseFailingLedger) RecordRelease(context.Context, string) error {
	if l.beforeFail != nil {
		l.beforeFail()
	}
	return errors.New("disk full")
}

func TestRelease_LedgerFailureKeepsUnits(t *testing.T) {
	tests := []struct {
		name string
		kind model.PoolKind
	}{
		{"membership", model.PoolKindMembership},
		{"stock", model.PoolKindStock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			ledger := &releaseFailingLedger{}
			a := New(WithLedger(ledger), WithIDGenerator(idgen.NewSequenceGenerator("alloc")))
			require.NoError(t, a.RegisterPool(ctx, "p", 1, tt.kind))

			held, err := a.Allocate(ctx, "p", "r1", 1)
			require.NoError(t, err)
			require.Equal(t, model.AllocationGranted, held.Status)

			// Another requester arrives while the release is being persisted.
			var during model.Allocation
			ledger.beforeFail = func() {
				alloc, err := a.Allocate(ctx, "p", "r2", 1)
				require.NoError(t, err)
				during = alloc
			}

			released, err := a.Release(ctx, held.AllocationID)
			require.ErrorContains(t, err, "disk full")
			assert.False(t, released)

			assert.Equal(t, model.AllocationDenied, during.Status)
			assert.Equal(t, model.ReasonCapacityExceeded, during.Reason)

			pool, err := a.Inspect("p")
			require.NoError(t, err)
			assert.Equal(t, uint64(1), pool.Allocated)
			assert.LessOrEqual(t, pool.Allocated, pool.TotalCapacity)

			still, err := a.Lookup(ctx, held.AllocationID)
			require.NoError(t, err)
			assert.Equal(t, held.SeatNumber, still.SeatNumber)

			allocs, err := a.Allocations("p")
			require.NoError(t, err)
			require.Len(t, allocs, 1)
			assert.Equal(t, "r1", allocs[0].RequesterID)
		})
	}
}

func TestRelease_PersistedBeforeUnitsReturn(t *testing.T) {
	a, s := newPersistentAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.RegisterPool(ctx, "act", 1, model.PoolKindMembership))

	held, err := a.Allocate(ctx, "act", "s1", 1)
	require.NoError(t, err)

	released, err := a.Release(ctx, held.AllocationID)
	require.NoError(t, err)
	assert.True(t, released)

	next, err := a.Allocate(ctx, "act", "s2", 1)
	require.NoError(t, err)
	assert.Equal(t, model.AllocationGranted, next.Status)
	assert.Equal(t, uint64(1), next.SeatNumber)

	persisted, err := s.ReadPool(ctx, "act")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), persisted.Allocated)
}

func TestPersistentAllocator_LedgerMatchesMemory(t *testing.T) {
	a, s := newPersistentAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.RegisterPool(ctx, "item", 100, model.PoolKindStock))

	results := allocateConcurrently(t, a, "item", 15, 8)
	_, err := a.Release(ctx, results[0].AllocationID)
	require.NoError(t, err)

	persisted, err := s.ReadPool(ctx, "item")
	require.NoError(t, err)
	mem, err := a.Inspect("item")
	require.NoError(t, err)
	assert.Equal(t, mem.Allocated, persisted.Allocated)
	assert.Equal(t, uint64(92), persisted.Allocated)

	ledger, err := s.LoadAllocations(ctx, "item")
	require.NoError(t, err)
	assert.Len(t, ledger, 15)
}

func TestLoad_RestoresState(t *testing.T) {
	a, s := newPersistentAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.RegisterPool(ctx, "act", 3, model.PoolKindMembership))

	var allocs []model.Allocation
	for i := 0; i < 3; i++ {
		alloc, err := a.Allocate(ctx, "act", fmt.Sprintf("s%d", i), 1)
		require.NoError(t, err)
		allocs = append(allocs, alloc)
	}
	_, err := a.Release(ctx, allocs[1].AllocationID)
	require.NoError(t, err)

	restored := New(WithLedger(s), WithIDGenerator(idgen.NewSequenceGenerator("restored")))
	require.NoError(t, restored.Load(ctx))

	pool, err := restored.Inspect("act")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), pool.Allocated)

	// s0 still holds a seat; seat 2 is free again.
	dup, err := restored.Allocate(ctx, "act", "s0", 1)
	require.NoError(t, err)
	assert.Equal(t, model.ReasonAlreadyAllocated, dup.Reason)
	assert.Equal(t, int64(4), dup.Seq)

	next, err := restored.Allocate(ctx, "act", "s7", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next.SeatNumber)

	// Releasing an allocation made before the restart still works.
	released, err := restored.Release(ctx, allocs[0].AllocationID)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestLookup_ActiveOnly(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.RegisterPool(ctx, "p", 1, model.PoolKindStock))

	granted, err := a.Allocate(ctx, "p", "r1", 1)
	require.NoError(t, err)
	denied, err := a.Allocate(ctx, "p", "r2", 1)
	require.NoError(t, err)

	got, err := a.Lookup(ctx, granted.AllocationID)
	require.NoError(t, err)
	assert.Equal(t, granted, got)

	_, err = a.Lookup(ctx, denied.AllocationID)
	assert.ErrorIs(t, err, ErrUnknownAllocation)

	_, err = a.Release(ctx, granted.AllocationID)
	require.NoError(t, err)
	_, err = a.Lookup(ctx, granted.AllocationID)
	assert.ErrorIs(t, err, ErrUnknownAllocation)
}
