// Package reconcile detects and resolves divergent field values that
// several subsystems hold for the same logical entity.
//
// Detection compares what each subsystem last synchronized. Resolution
// picks one value per conflicting field with a named strategy and applies
// it to every subsystem; if any apply fails, the subsystems already
// updated are restored from snapshots taken just before. Resolutions of the
// same entity are serialized; different entities resolve in parallel.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/yyupcompany/kyyupgame-sub087/internal/clock"
	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
	"github.com/yyupcompany/kyyupgame-sub087/internal/store"
)

// Replica is one subsystem's copy of entity fields.
type Replica interface {
	Name() string

	// Snapshot returns the fields the subsystem holds for an entity, each
	// stamped with its last synchronization time.
	Snapshot(ctx context.Context, entityID string) ([]model.FieldValue, error)

	// Apply writes field values. A Null value removes the field.
	Apply(ctx context.Context, entityID string, values []model.FieldValue) error
}

// Resolution is the result of a successful Resolve.
type Resolution struct {
	ConflictID    string
	EntityID      string
	Strategy      model.Strategy
	ResolvedValue model.Object
	AppliedTo     []string
	ResolvedAt    time.Time
}

// Verification is the result of Verify.
type Verification struct {
	ConflictID           string
	EntityID             string
	AllSystemsConsistent bool
}

// Resolver detects and resolves conflicts across a fixed set of replicas.
//
// Thread-safety: all methods are safe for concurrent use.
type Resolver struct {
	replicas []Replica // priority order
	master   string
	log      ConflictLog
	wall     clock.Wall
	locks    *keyedMutex
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithConflictLog persists conflict records in l. Default: a MemoryLog.
func WithConflictLog(l ConflictLog) Option {
	return func(r *Resolver) {
		r.log = l
	}
}

// WithClock sets the wall clock used for detection and resolution times.
func WithClock(c clock.Wall) Option {
	return func(r *Resolver) {
		r.wall = c
	}
}

// New creates a resolver. The order of replicas is their priority order
// for timestamp ties; master names the authoritative one.
func New(master string, replicas []Replica, opts ...Option) (*Resolver, error) {
	if len(replicas) == 0 {
		return nil, ErrNoReplicas
	}
	seen := make(map[string]bool, len(replicas))
	for _, rep := range replicas {
		if seen[rep.Name()] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateReplica, rep.Name())
		}
		seen[rep.Name()] = true
	}
	if !seen[master] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMaster, master)
	}

	r := &Resolver{
		replicas: slices.Clone(replicas),
		master:   master,
		log:      NewMemoryLog(),
		wall:     clock.System{},
		locks:    newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Master returns the name of the authoritative replica.
func (r *Resolver) Master() string {
	return r.master
}

// Systems returns the replica names in priority order.
func (r *Resolver) Systems() []string {
	names := make([]string, len(r.replicas))
	for i, rep := range r.replicas {
		names[i] = rep.Name()
	}
	return names
}

// DetectConflict compares the replicas' values for an entity. It returns
// nil if they agree. A field conflicts when two or more replicas hold it
// with different values; a field only one replica holds is not a conflict.
//
// A detected conflict is recorded as open. Detecting the same divergence
// again returns the existing record.
func (r *Resolver) DetectConflict(ctx context.Context, entityID string) (*model.ConflictRecord, error) {
	values, err := r.compare(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}

	id, err := model.ConflictID(entityID, values)
	if err != nil {
		return nil, err
	}

	existing, err := r.log.LoadConflict(ctx, id)
	switch {
	case err == nil && existing.Status != model.ConflictResolved:
		return &existing, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("detect conflict on %s: %w", entityID, err)
	}

	rec := model.ConflictRecord{
		ConflictID:        id,
		EntityID:          entityID,
		ConflictingValues: values,
		Status:            model.ConflictOpen,
		DetectedAt:        r.wall.Now(),
	}
	if err := r.log.SaveConflict(ctx, rec); err != nil {
		return nil, fmt.Errorf("detect conflict on %s: %w", entityID, err)
	}

	slog.Info("conflict detected",
		"conflict_id", id,
		"entity_id", entityID,
		"fields", rec.Fields(),
	)
	return &rec, nil
}

// Resolve picks a value for every conflicting field and applies it to all
// replicas with a common resolution timestamp. manual is required for
// StrategyManualResolution and ignored otherwise.
//
// If an apply fails, already updated replicas are restored, the record is
// marked failed and a ResolutionFailedError is returned; calling Resolve
// again retries. Resolving an already resolved conflict returns the
// archived resolution.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, strategy model.Strategy, manual model.Object) (*Resolution, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}

	rec, err := r.load(ctx, conflictID)
	if err != nil {
		return nil, err
	}

	unlock := r.locks.Lock(rec.EntityID)
	defer unlock()

	// Reload under the lock: a concurrent Resolve may have finished.
	if rec, err = r.load(ctx, conflictID); err != nil {
		return nil, err
	}
	if rec.Status == model.ConflictResolved {
		return resolutionOf(rec), nil
	}

	resolved, err := r.choose(rec, strategy, manual)
	if err != nil {
		return nil, err
	}

	resolvedAt := r.wall.Now()
	applied, applyErr := r.applyAll(ctx, rec, resolved, resolvedAt)

	rec.ResolutionStrategy = strategy
	rec.ResolvedValue = resolved
	if applyErr != nil {
		rec.Status = model.ConflictFailed
		rec.AppliedTo = nil
		if err := r.log.SaveConflict(ctx, rec); err != nil {
			slog.Error("failed to record failed resolution",
				"conflict_id", conflictID,
				"error", err,
			)
		}
		slog.Warn("conflict resolution failed",
			"conflict_id", conflictID,
			"entity_id", rec.EntityID,
			"strategy", string(strategy),
			"error", applyErr,
		)
		return nil, applyErr
	}

	rec.Status = model.ConflictResolved
	rec.AppliedTo = applied
	rec.ResolvedAt = resolvedAt
	if err := r.log.SaveConflict(ctx, rec); err != nil {
		return nil, fmt.Errorf("resolve %s: archive: %w", conflictID, err)
	}

	slog.Info("conflict resolved",
		"conflict_id", conflictID,
		"entity_id", rec.EntityID,
		"strategy", string(strategy),
		"applied_to", applied,
	)
	return resolutionOf(rec), nil
}

// Verify re-compares the replicas of the conflict's entity.
func (r *Resolver) Verify(ctx context.Context, conflictID string) (Verification, error) {
	rec, err := r.load(ctx, conflictID)
	if err != nil {
		return Verification{}, err
	}
	values, err := r.compare(ctx, rec.EntityID)
	if err != nil {
		return Verification{}, err
	}
	return Verification{
		ConflictID:           conflictID,
		EntityID:             rec.EntityID,
		AllSystemsConsistent: len(values) == 0,
	}, nil
}

// Conflicts returns the recorded conflicts of an entity with the given
// status; an empty status returns all of them.
func (r *Resolver) Conflicts(ctx context.Context, entityID string, status model.ConflictStatus) ([]model.ConflictRecord, error) {
	return r.log.ConflictsForEntity(ctx, entityID, status)
}

func (r *Resolver) load(ctx context.Context, conflictID string) (model.ConflictRecord, error) {
	rec, err := r.log.LoadConflict(ctx, conflictID)
	if errors.Is(err, store.ErrNotFound) {
		return model.ConflictRecord{}, fmt.Errorf("%w: %s", ErrUnknownConflict, conflictID)
	}
	if err != nil {
		return model.ConflictRecord{}, fmt.Errorf("load conflict %s: %w", conflictID, err)
	}
	return rec, nil
}

func resolutionOf(rec model.ConflictRecord) *Resolution {
	return &Resolution{
		ConflictID:    rec.ConflictID,
		EntityID:      rec.EntityID,
		Strategy:      rec.ResolutionStrategy,
		ResolvedValue: rec.ResolvedValue,
		AppliedTo:     rec.AppliedTo,
		ResolvedAt:    rec.ResolvedAt,
	}
}
