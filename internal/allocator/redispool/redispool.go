// Package redispool keeps resource pools in Redis so several processes can
// allocate from the same pool.
//
// Every state change is one Lua script. Redis runs a script atomically, and
// all keys of a pool share a hash tag, so a script is the pool's single
// serialization point just as the per-pool mutex is in package allocator.
package redispool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/go-redis/redis/v8"

	"github.com/yyupcompany/kyyupgame-sub087/internal/allocator"
	"github.com/yyupcompany/kyyupgame-sub087/internal/idgen"
	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
)

// DefaultPrefix is prepended to every key.
const DefaultPrefix = "consistd:"

// KEYS: pool, holders, freed, epoch. ARGV: capacity, kind.
// Returns 1 when created, 0 when an identical pool exists, -1 on mismatch.
var registerScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	local cap = redis.call('HGET', KEYS[1], 'capacity')
	local kind = redis.call('HGET', KEYS[1], 'kind')
	if cap == ARGV[1] and kind == ARGV[2] then
		return 0
	end
	return -1
end
local epoch = redis.call('INCR', KEYS[4])
redis.call('DEL', KEYS[2], KEYS[3])
redis.call('HSET', KEYS[1], 'capacity', ARGV[1], 'kind', ARGV[2], 'allocated', 0, 'seq', 0, 'next_seat', 0, 'epoch', epoch)
return 1
`)

// KEYS: pool, holders, freed, allocation. ARGV: requester, qty.
// Returns {seq, granted, remaining, seat, already_allocated}, or {-1} for
// an unknown pool.
var allocateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {-1}
end
local seq = redis.call('HINCRBY', KEYS[1], 'seq', 1)
local cap = tonumber(redis.call('HGET', KEYS[1], 'capacity'))
local allocated = tonumber(redis.call('HGET', KEYS[1], 'allocated'))
local kind = redis.call('HGET', KEYS[1], 'kind')
local epoch = redis.call('HGET', KEYS[1], 'epoch')
local qty = tonumber(ARGV[2])
local remaining = 0
if allocated < cap then
	remaining = cap - allocated
end
if kind == 'membership' and redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then
	redis.call('HSET', KEYS[4], 'requester', ARGV[1], 'granted', 0, 'seat', 0, 'released', 0, 'epoch', epoch)
	return {seq, 0, remaining, 0, 1}
end
local granted = math.min(qty, remaining)
local seat = 0
if granted > 0 then
	redis.call('HINCRBY', KEYS[1], 'allocated', granted)
	if kind == 'membership' then
		local freed = redis.call('ZRANGE', KEYS[3], 0, 0)
		if #freed > 0 then
			seat = tonumber(freed[1])
			redis.call('ZREM', KEYS[3], freed[1])
		else
			seat = redis.call('HINCRBY', KEYS[1], 'next_seat', 1)
		end
		redis.call('HSET', KEYS[2], ARGV[1], KEYS[4])
	end
end
redis.call('HSET', KEYS[4], 'requester', ARGV[1], 'granted', granted, 'seat', seat, 'released', 0, 'epoch', epoch)
return {seq, granted, remaining - granted, seat, 0}
`)

// KEYS: pool, holders, freed, allocation.
// Returns the units returned, 0 for a no-op, -1 for an unknown allocation.
var releaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[4]) == 0 then
	return -1
end
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
if redis.call('HGET', KEYS[1], 'epoch') ~= redis.call('HGET', KEYS[4], 'epoch') then
	return 0
end
if redis.call('HGET', KEYS[4], 'released') == '1' then
	return 0
end
local granted = tonumber(redis.call('HGET', KEYS[4], 'granted'))
if granted == 0 then
	return 0
end
redis.call('HSET', KEYS[4], 'released', 1)
redis.call('HINCRBY', KEYS[1], 'allocated', -granted)
local seat = tonumber(redis.call('HGET', KEYS[4], 'seat'))
if seat > 0 then
	redis.call('ZADD', KEYS[3], seat, seat)
	redis.call('HDEL', KEYS[2], redis.call('HGET', KEYS[4], 'requester'))
end
return granted
`)

// KEYS: pool. ARGV: capacity. Returns the old capacity, or -1 for an
// unknown pool.
var resizeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local old = tonumber(redis.call('HGET', KEYS[1], 'capacity'))
redis.call('HSET', KEYS[1], 'capacity', ARGV[1])
return old
`)

// Pools is a Redis-backed allocator. It returns the same results and
// errors as allocator.Allocator.
type Pools struct {
	client *redis.Client
	prefix string
	ids    idgen.Generator
}

// Option configures Pools.
type Option func(*Pools)

// WithPrefix sets the key prefix. Default: DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(p *Pools) {
		p.prefix = prefix
	}
}

// WithIDGenerator sets the allocation id generator.
// Default: idgen.UUIDv7Generator.
func WithIDGenerator(g idgen.Generator) Option {
	return func(p *Pools) {
		p.ids = g
	}
}

// New creates Pools on top of an existing client.
func New(client *redis.Client, opts ...Option) *Pools {
	p := &Pools{
		client: client,
		prefix: DefaultPrefix,
		ids:    idgen.UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr string, opts ...Option) (*Pools, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return New(client, opts...), nil
}

// Close closes the underlying client.
func (p *Pools) Close() error {
	return p.client.Close()
}

type poolKeys struct {
	pool, holders, freed, epoch string
}

// keys of one pool share the {poolID} hash tag.
func (p *Pools) keys(poolID string) poolKeys {
	base := p.prefix + "{" + poolID + "}"
	return poolKeys{
		pool:    base,
		holders: base + ":holders",
		freed:   base + ":freed",
		epoch:   base + ":epoch",
	}
}

func (p *Pools) allocationKey(poolID, allocationID string) string {
	return p.prefix + "{" + poolID + "}:alloc:" + allocationID
}

func (p *Pools) indexKey(allocationID string) string {
	return p.prefix + "allocation:" + allocationID
}

// RegisterPool creates a pool. Registering the same id again with the same
// capacity and kind is a no-op.
func (p *Pools) RegisterPool(ctx context.Context, poolID string, capacity uint64, kind model.PoolKind) error {
	if poolID == "" {
		return fmt.Errorf("register pool: %w", allocator.ErrEmptyPoolID)
	}
	if kind == "" {
		kind = model.PoolKindStock
	}
	if !kind.Valid() {
		return fmt.Errorf("register pool %s: %w: %q", poolID, allocator.ErrInvalidKind, kind)
	}

	k := p.keys(poolID)
	created, err := registerScript.Run(ctx, p.client,
		[]string{k.pool, k.holders, k.freed, k.epoch},
		strconv.FormatUint(capacity, 10), string(kind),
	).Int64()
	if err != nil {
		return fmt.Errorf("register pool %s: %w", poolID, err)
	}

	switch created {
	case 0:
		return nil
	case -1:
		existing, err := p.Inspect(ctx, poolID)
		if err != nil {
			return fmt.Errorf("register pool %s: %w", poolID, err)
		}
		return &allocator.PoolExistsError{PoolID: poolID, Capacity: existing.TotalCapacity, Kind: existing.Kind}
	}

	slog.Info("pool registered",
		"pool_id", poolID,
		"capacity", capacity,
		"kind", string(kind),
		"backend", "redis",
	)
	return nil
}

// Allocate grants min(qty, remaining) units from a pool.
func (p *Pools) Allocate(ctx context.Context, poolID, requesterID string, qty uint64) (model.Allocation, error) {
	if qty == 0 {
		return model.Allocation{}, fmt.Errorf("allocate from %s: %w: quantity must be positive", poolID, allocator.ErrInvalidQuantity)
	}
	pool, err := p.Inspect(ctx, poolID)
	if err != nil {
		return model.Allocation{}, err
	}
	if pool.Kind == model.PoolKindMembership && qty != 1 {
		return model.Allocation{}, fmt.Errorf("allocate from %s: %w: membership pools grant exactly 1", poolID, allocator.ErrInvalidQuantity)
	}

	allocationID := p.ids.Generate()
	k := p.keys(poolID)
	res, err := allocateScript.Run(ctx, p.client,
		[]string{k.pool, k.holders, k.freed, p.allocationKey(poolID, allocationID)},
		requesterID, strconv.FormatUint(qty, 10),
	).Int64Slice()
	if err != nil {
		return model.Allocation{}, fmt.Errorf("allocate from %s: %w", poolID, err)
	}
	if len(res) == 1 && res[0] == -1 {
		return model.Allocation{}, fmt.Errorf("%w: %s", allocator.ErrUnknownPool, poolID)
	}
	if len(res) != 5 {
		return model.Allocation{}, fmt.Errorf("allocate from %s: unexpected script reply %v", poolID, res)
	}

	if err := p.client.Set(ctx, p.indexKey(allocationID), poolID, 0).Err(); err != nil {
		return model.Allocation{}, fmt.Errorf("allocate from %s: index %s: %w", poolID, allocationID, err)
	}

	alloc := model.Allocation{
		AllocationID: allocationID,
		PoolID:       poolID,
		RequesterID:  requesterID,
		RequestedQty: qty,
		Seq:          res[0],
		GrantedQty:   uint64(res[1]),
		Remaining:    uint64(res[2]),
		SeatNumber:   uint64(res[3]),
	}
	switch {
	case res[4] == 1:
		alloc.Status = model.AllocationDenied
		alloc.Reason = model.ReasonAlreadyAllocated
	case alloc.GrantedQty == 0:
		alloc.Status = model.AllocationDenied
		alloc.Reason = model.ReasonCapacityExceeded
	case alloc.GrantedQty < qty:
		alloc.Status = model.AllocationPartial
	default:
		alloc.Status = model.AllocationGranted
	}

	slog.Debug("allocation",
		"pool_id", poolID,
		"allocation_id", allocationID,
		"requester_id", requesterID,
		"requested", qty,
		"granted", alloc.GrantedQty,
		"status", string(alloc.Status),
		"seq", alloc.Seq,
		"backend", "redis",
	)
	return alloc, nil
}

// Release returns an allocation's granted units to its pool and reports
// whether any were returned.
func (p *Pools) Release(ctx context.Context, allocationID string) (bool, error) {
	poolID, err := p.client.Get(ctx, p.indexKey(allocationID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("release %s: %w", allocationID, allocator.ErrUnknownAllocation)
	}
	if err != nil {
		return false, fmt.Errorf("release %s: %w", allocationID, err)
	}

	k := p.keys(poolID)
	returned, err := releaseScript.Run(ctx, p.client,
		[]string{k.pool, k.holders, k.freed, p.allocationKey(poolID, allocationID)},
	).Int64()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", allocationID, err)
	}
	if returned == -1 {
		return false, fmt.Errorf("release %s: %w", allocationID, allocator.ErrUnknownAllocation)
	}
	return returned > 0, nil
}

// Lookup returns an active allocation. Released, denied and invalidated
// allocations return allocator.ErrUnknownAllocation.
func (p *Pools) Lookup(ctx context.Context, allocationID string) (model.Allocation, error) {
	poolID, err := p.client.Get(ctx, p.indexKey(allocationID)).Result()
	if errors.Is(err, redis.Nil) {
		return model.Allocation{}, fmt.Errorf("%w: %s", allocator.ErrUnknownAllocation, allocationID)
	}
	if err != nil {
		return model.Allocation{}, fmt.Errorf("lookup %s: %w", allocationID, err)
	}

	fields, err := p.client.HGetAll(ctx, p.allocationKey(poolID, allocationID)).Result()
	if err != nil {
		return model.Allocation{}, fmt.Errorf("lookup %s: %w", allocationID, err)
	}
	epoch, err := p.client.HGet(ctx, p.keys(poolID).pool, "epoch").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return model.Allocation{}, fmt.Errorf("lookup %s: %w", allocationID, err)
	}
	if fields["released"] != "0" || fields["granted"] == "0" || fields["epoch"] != epoch {
		return model.Allocation{}, fmt.Errorf("%w: %s", allocator.ErrUnknownAllocation, allocationID)
	}

	alloc := model.Allocation{
		AllocationID: allocationID,
		PoolID:       poolID,
		RequesterID:  fields["requester"],
		Status:       model.AllocationGranted,
	}
	if alloc.GrantedQty, err = strconv.ParseUint(fields["granted"], 10, 64); err != nil {
		return model.Allocation{}, fmt.Errorf("lookup %s: granted: %w", allocationID, err)
	}
	if alloc.SeatNumber, err = strconv.ParseUint(fields["seat"], 10, 64); err != nil {
		return model.Allocation{}, fmt.Errorf("lookup %s: seat: %w", allocationID, err)
	}
	return alloc, nil
}

// Resize changes a pool's capacity without revoking allocations.
func (p *Pools) Resize(ctx context.Context, poolID string, capacity uint64) error {
	old, err := resizeScript.Run(ctx, p.client,
		[]string{p.keys(poolID).pool},
		strconv.FormatUint(capacity, 10),
	).Int64()
	if err != nil {
		return fmt.Errorf("resize %s: %w", poolID, err)
	}
	if old == -1 {
		return fmt.Errorf("%w: %s", allocator.ErrUnknownPool, poolID)
	}

	slog.Info("pool resized",
		"pool_id", poolID,
		"old_capacity", old,
		"capacity", capacity,
		"backend", "redis",
	)
	return nil
}

// DeletePool destroys a pool. The epoch counter survives so allocations
// from before the delete never touch a re-registered pool.
func (p *Pools) DeletePool(ctx context.Context, poolID string) error {
	k := p.keys(poolID)
	n, err := p.client.Del(ctx, k.pool, k.holders, k.freed).Result()
	if err != nil {
		return fmt.Errorf("delete pool %s: %w", poolID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", allocator.ErrUnknownPool, poolID)
	}
	slog.Info("pool deleted", "pool_id", poolID, "backend", "redis")
	return nil
}

// Inspect returns the current state of a pool.
func (p *Pools) Inspect(ctx context.Context, poolID string) (model.ResourcePool, error) {
	vals, err := p.client.HMGet(ctx, p.keys(poolID).pool, "kind", "capacity", "allocated").Result()
	if err != nil {
		return model.ResourcePool{}, fmt.Errorf("inspect %s: %w", poolID, err)
	}
	if vals[0] == nil {
		return model.ResourcePool{}, fmt.Errorf("%w: %s", allocator.ErrUnknownPool, poolID)
	}

	pool := model.ResourcePool{PoolID: poolID, Kind: model.PoolKind(vals[0].(string))}
	if pool.TotalCapacity, err = parseCounter(vals[1]); err != nil {
		return model.ResourcePool{}, fmt.Errorf("inspect %s: capacity: %w", poolID, err)
	}
	if pool.Allocated, err = parseCounter(vals[2]); err != nil {
		return model.ResourcePool{}, fmt.Errorf("inspect %s: allocated: %w", poolID, err)
	}
	return pool, nil
}

func parseCounter(v any) (uint64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected value %v", v)
	}
	return strconv.ParseUint(s, 10, 64)
}
