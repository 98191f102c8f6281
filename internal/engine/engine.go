package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/yyupcompany/kyyupgame-sub087/internal/allocator"
	"github.com/yyupcompany/kyyupgame-sub087/internal/allocator/redispool"
	"github.com/yyupcompany/kyyupgame-sub087/internal/clock"
	"github.com/yyupcompany/kyyupgame-sub087/internal/config"
	"github.com/yyupcompany/kyyupgame-sub087/internal/guard"
	"github.com/yyupcompany/kyyupgame-sub087/internal/idgen"
	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
	"github.com/yyupcompany/kyyupgame-sub087/internal/reconcile"
	"github.com/yyupcompany/kyyupgame-sub087/internal/store"
	"github.com/yyupcompany/kyyupgame-sub087/internal/store/pgstore"
	"github.com/yyupcompany/kyyupgame-sub087/internal/txn"
)

// Pools is the allocator backend of an engine. LocalPools adapts an
// allocator.Allocator; redispool.Pools implements it directly.
type Pools interface {
	txn.Pools
	RegisterPool(ctx context.Context, poolID string, capacity uint64, kind model.PoolKind) error
	Resize(ctx context.Context, poolID string, capacity uint64) error
	DeletePool(ctx context.Context, poolID string) error
	Inspect(ctx context.Context, poolID string) (model.ResourcePool, error)
}

type localPools struct {
	*allocator.Allocator
}

// LocalPools exposes an in-process allocator as Pools.
func LocalPools(a *allocator.Allocator) Pools {
	return localPools{a}
}

func (p localPools) Inspect(_ context.Context, poolID string) (model.ResourcePool, error) {
	return p.Allocator.Inspect(poolID)
}

// Components are the parts an engine is assembled from.
type Components struct {
	// Records stores versioned records. Required.
	Records guard.EntityStore

	// Pools allocates capacity. Required.
	Pools Pools

	// Journal persists transaction state. Default: txn.MemoryJournal.
	Journal txn.Journal

	// Conflicts persists conflict records. Default: reconcile.MemoryLog.
	Conflicts reconcile.ConflictLog

	// Replicas are the subsystems kept consistent by the resolver, in
	// priority order. Master names the authoritative one. If Replicas is
	// empty the engine has no resolver.
	Replicas []reconcile.Replica
	Master   string
}

// Engine is the facade over records, pools, transactions and conflict
// resolution.
//
// Thread-safety: all methods are safe for concurrent use.
type Engine struct {
	records  *guard.Guard[model.Object]
	pools    Pools
	orch     *txn.Orchestrator
	resolver *reconcile.Resolver
	replicas map[string]reconcile.Replica
	wall     clock.Wall
	closers  []io.Closer
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	retryBudget      int
	maxParallel      int
	operationTimeout time.Duration
	wall             clock.Wall
	ids              idgen.Generator
}

// WithRetryBudget sets how often Patch retries on version conflicts.
// Default: guard.DefaultRetryBudget.
func WithRetryBudget(n int) Option {
	return func(o *options) {
		o.retryBudget = n
	}
}

// WithMaxParallel bounds concurrently running transaction operations.
// Default: 0 (unbounded).
func WithMaxParallel(n int) Option {
	return func(o *options) {
		o.maxParallel = n
	}
}

// WithOperationTimeout sets the timeout of operations that do not set
// their own. Default: txn.DefaultOperationTimeout.
func WithOperationTimeout(d time.Duration) Option {
	return func(o *options) {
		o.operationTimeout = d
	}
}

// WithClock sets the wall clock for journal and resolution timestamps.
func WithClock(c clock.Wall) Option {
	return func(o *options) {
		o.wall = c
	}
}

// WithIDGenerator sets the transaction id generator.
// Default: idgen.UUIDv7Generator.
func WithIDGenerator(g idgen.Generator) Option {
	return func(o *options) {
		o.ids = g
	}
}

// New assembles an engine.
func New(c Components, opts ...Option) (*Engine, error) {
	if c.Records == nil {
		return nil, errors.New("engine: records store is required")
	}
	if c.Pools == nil {
		return nil, errors.New("engine: pools are required")
	}

	o := options{
		retryBudget:      guard.DefaultRetryBudget,
		operationTimeout: txn.DefaultOperationTimeout,
		wall:             clock.System{},
		ids:              idgen.UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	txnOpts := []txn.Option{
		txn.WithClock(o.wall),
		txn.WithIDGenerator(o.ids),
		txn.WithMaxParallel(o.maxParallel),
		txn.WithDefaultTimeout(o.operationTimeout),
	}
	if c.Journal != nil {
		txnOpts = append(txnOpts, txn.WithJournal(c.Journal))
	}

	e := &Engine{
		records:  guard.NewObjectGuard(c.Records, guard.WithRetryBudget(o.retryBudget)),
		pools:    c.Pools,
		orch:     txn.New(txnOpts...),
		replicas: make(map[string]reconcile.Replica, len(c.Replicas)),
		wall:     o.wall,
	}

	if len(c.Replicas) > 0 {
		resOpts := []reconcile.Option{reconcile.WithClock(o.wall)}
		if c.Conflicts != nil {
			resOpts = append(resOpts, reconcile.WithConflictLog(c.Conflicts))
		}
		r, err := reconcile.New(c.Master, c.Replicas, resOpts...)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		e.resolver = r
		for _, rep := range c.Replicas {
			e.replicas[rep.Name()] = rep
		}
	}
	return e, nil
}

// Open builds an engine from configuration. SQLite at cfg.DBPath holds the
// journal, conflict log and subsystem replicas; records go to PostgreSQL
// when cfg.PostgresDSN is set and pools to Redis when cfg.RedisAddr is set.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Engine, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	closers := []io.Closer{st}
	fail := func(err error) (*Engine, error) {
		closeAll(closers)
		return nil, err
	}

	var records guard.EntityStore = st
	if cfg.PostgresDSN != "" {
		pg, err := pgstore.Open(cfg.PostgresDSN)
		if err != nil {
			return fail(fmt.Errorf("open postgres: %w", err))
		}
		closers = append(closers, pg)
		if err := pg.EnsureSchema(ctx); err != nil {
			return fail(err)
		}
		records = pg
	}

	var pools Pools
	if cfg.RedisAddr != "" {
		rp, err := redispool.Dial(ctx, cfg.RedisAddr, redispool.WithPrefix(cfg.RedisPrefix))
		if err != nil {
			return fail(err)
		}
		closers = append(closers, rp)
		pools = rp
	} else {
		a := allocator.New(allocator.WithLedger(st))
		if err := a.Load(ctx); err != nil {
			return fail(fmt.Errorf("load pools: %w", err))
		}
		pools = LocalPools(a)
	}

	replicas := make([]reconcile.Replica, len(cfg.Subsystems))
	for i, name := range cfg.Subsystems {
		replicas[i] = st.Replica(name)
	}

	opts = append([]Option{
		WithRetryBudget(cfg.RetryBudget),
		WithMaxParallel(cfg.MaxParallel),
		WithOperationTimeout(cfg.OperationTimeout),
	}, opts...)

	e, err := New(Components{
		Records:   records,
		Pools:     pools,
		Journal:   st,
		Conflicts: st,
		Replicas:  replicas,
		Master:    cfg.MasterSystem,
	}, opts...)
	if err != nil {
		return fail(err)
	}
	e.closers = closers

	slog.Debug("engine opened",
		"db", cfg.DBPath,
		"postgres", cfg.PostgresDSN != "",
		"redis", cfg.RedisAddr != "",
		"subsystems", cfg.Subsystems,
	)
	return e, nil
}

// Close releases the resources opened by Open.
func (e *Engine) Close() error {
	return closeAll(e.closers)
}

func closeAll(closers []io.Closer) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
