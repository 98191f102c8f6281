package redispool

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yyupcompany/kyyupgame-sub087/internal/allocator"
	"github.com/yyupcompany/kyyupgame-sub087/internal/idgen"
	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
)

func setupTestPools(t *testing.T) (*miniredis.Miniredis, *Pools) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })

	return mr, New(client, WithIDGenerator(idgen.NewSequenceGenerator("alloc")))
}

func TestPools_RegisterAndInspect(t *testing.T) {
	mr, pools := setupTestPools(t)
	ctx := context.Background()

	require.NoError(t, pools.RegisterPool(ctx, "item-1", 100, model.PoolKindStock))
	require.NoError(t, pools.RegisterPool(ctx, "item-1", 100, model.PoolKindStock))

	pool, err := pools.Inspect(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, model.ResourcePool{PoolID: "item-1", Kind: model.PoolKindStock, TotalCapacity: 100}, pool)
	assert.Equal(t, "100", mr.HGet("consistd:{item-1}", "capacity"))

	err = pools.RegisterPool(ctx, "item-1", 50, model.PoolKindStock)
	assert.ErrorIs(t, err, allocator.ErrPoolAlreadyExists)
}

func TestPools_ConcurrentMembership(t *testing.T) {
	_, pools := setupTestPools(t)
	ctx := context.Background()
	require.NoError(t, pools.RegisterPool(ctx, "activity-1", 3, model.PoolKindMembership))

	results := make([]model.Allocation, 5)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			alloc, err := pools.Allocate(ctx, "activity-1", fmt.Sprintf("student-%d", i), 1)
			assert.NoError(t, err)
			results[i] = alloc
		}(i)
	}
	wg.Wait()

	granted := 0
	seats := map[uint64]bool{}
	for _, r := range results {
		if r.Status == model.AllocationGranted {
			granted++
			assert.False(t, seats[r.SeatNumber])
			seats[r.SeatNumber] = true
		} else {
			assert.Equal(t, model.ReasonCapacityExceeded, r.Reason)
		}
	}
	assert.Equal(t, 3, granted)

	pool, err := pools.Inspect(ctx, "activity-1")
	require.NoError(t, err)
	assert.Equal(t, model.PoolStatusFull, pool.Status())
}

func TestPools_StockPartialGrant(t *testing.T) {
	_, pools := setupTestPools(t)
	ctx := context.Background()
	require.NoError(t, pools.RegisterPool(ctx, "item", 100, model.PoolKindStock))

	var last model.Allocation
	for i := 0; i < 13; i++ {
		alloc, err := pools.Allocate(ctx, "item", fmt.Sprintf("r%d", i), 8)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), alloc.Seq)
		last = alloc
	}
	assert.Equal(t, model.AllocationPartial, last.Status)
	assert.Equal(t, uint64(4), last.GrantedQty)

	denied, err := pools.Allocate(ctx, "item", "r13", 8)
	require.NoError(t, err)
	assert.Equal(t, model.AllocationDenied, denied.Status)
	assert.Equal(t, model.ReasonCapacityExceeded, denied.Reason)
}

func TestPools_MembershipRules(t *testing.T) {
	_, pools := setupTestPools(t)
	ctx := context.Background()
	require.NoError(t, pools.RegisterPool(ctx, "act", 5, model.PoolKindMembership))

	_, err := pools.Allocate(ctx, "act", "s1", 2)
	assert.ErrorIs(t, err, allocator.ErrInvalidQuantity)

	first, err := pools.Allocate(ctx, "act", "s1", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.SeatNumber)

	dup, err := pools.Allocate(ctx, "act", "s1", 1)
	require.NoError(t, err)
	assert.Equal(t, model.ReasonAlreadyAllocated, dup.Reason)

	second, err := pools.Allocate(ctx, "act", "s2", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.SeatNumber)

	released, err := pools.Release(ctx, first.AllocationID)
	require.NoError(t, err)
	assert.True(t, released)

	again, err := pools.Allocate(ctx, "act", "s1", 1)
	require.NoError(t, err)
	assert.Equal(t, model.AllocationGranted, again.Status)
	assert.Equal(t, uint64(1), again.SeatNumber)
}

func TestPools_ReleaseIdempotent(t *testing.T) {
	_, pools := setupTestPools(t)
	ctx := context.Background()
	require.NoError(t, pools.RegisterPool(ctx, "p", 10, model.PoolKindStock))

	alloc, err := pools.Allocate(ctx, "p", "r", 6)
	require.NoError(t, err)

	released, err := pools.Release(ctx, alloc.AllocationID)
	require.NoError(t, err)
	assert.True(t, released)

	released, err = pools.Release(ctx, alloc.AllocationID)
	require.NoError(t, err)
	assert.False(t, released)

	pool, err := pools.Inspect(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), pool.Allocated)

	_, err = pools.Release(ctx, "missing")
	assert.ErrorIs(t, err, allocator.ErrUnknownAllocation)
}

func TestPools_ResizeAndDelete(t *testing.T) {
	_, pools := setupTestPools(t)
	ctx := context.Background()
	require.NoError(t, pools.RegisterPool(ctx, "p", 10, model.PoolKindStock))

	alloc, err := pools.Allocate(ctx, "p", "r", 8)
	require.NoError(t, err)

	require.NoError(t, pools.Resize(ctx, "p", 5))
	pool, err := pools.Inspect(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, model.PoolStatusOverCommitted, pool.Status())

	denied, err := pools.Allocate(ctx, "p", "r2", 1)
	require.NoError(t, err)
	assert.Equal(t, model.AllocationDenied, denied.Status)

	require.NoError(t, pools.DeletePool(ctx, "p"))
	_, err = pools.Inspect(ctx, "p")
	assert.ErrorIs(t, err, allocator.ErrUnknownPool)

	// A re-registered pool is not affected by allocations of the old one.
	require.NoError(t, pools.RegisterPool(ctx, "p", 10, model.PoolKindStock))
	released, err := pools.Release(ctx, alloc.AllocationID)
	require.NoError(t, err)
	assert.False(t, released)

	pool, err = pools.Inspect(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), pool.Allocated)
}

func TestPools_UnknownPool(t *testing.T) {
	_, pools := setupTestPools(t)
	ctx := context.Background()

	_, err := pools.Allocate(ctx, "ghost", "r", 1)
	assert.ErrorIs(t, err, allocator.ErrUnknownPool)

	assert.ErrorIs(t, pools.Resize(ctx, "ghost", 1), allocator.ErrUnknownPool)
	assert.ErrorIs(t, pools.DeletePool(ctx, "ghost"), allocator.ErrUnknownPool)
}

func TestPools_Lookup(t *testing.T) {
	_, pools := setupTestPools(t)
	ctx := context.Background()
	require.NoError(t, pools.RegisterPool(ctx, "act", 2, model.PoolKindMembership))

	alloc, err := pools.Allocate(ctx, "act", "s1", 1)
	require.NoError(t, err)

	got, err := pools.Lookup(ctx, alloc.AllocationID)
	require.NoError(t, err)
	assert.Equal(t, "act", got.PoolID)
	assert.Equal(t, "s1", got.RequesterID)
	assert.Equal(t, uint64(1), got.GrantedQty)
	assert.Equal(t, uint64(1), got.SeatNumber)

	_, err = pools.Release(ctx, alloc.AllocationID)
	require.NoError(t, err)
	_, err = pools.Lookup(ctx, alloc.AllocationID)
	assert.ErrorIs(t, err, allocator.ErrUnknownAllocation)
}
