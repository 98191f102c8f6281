// Package guard implements optimistic concurrency control over an
// EntityStore.
//
// A Guard never holds a lock across the read-decide-write window. The only
// serialization point is the store's compare-and-set, so writes to the same
// id race and exactly one wins per version while writes to different ids
// never contend.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
	"github.com/yyupcompany/kyyupgame-sub087/internal/store"
)

// DefaultRetryBudget is the number of attempts Update makes before giving up.
const DefaultRetryBudget = 5

// EntityStore is the storage primitive the guard depends on. Implementations
// must make CompareAndSet and Delete atomic at the storage layer.
// Get returns store.ErrNotFound for absent records.
type EntityStore interface {
	Get(ctx context.Context, id string) ([]byte, uint64, error)
	CompareAndSet(ctx context.Context, id string, expectedVersion uint64, payload []byte) (bool, uint64, error)
	Delete(ctx context.Context, id string, expectedVersion uint64) (bool, uint64, error)
}

// Mutation derives the next payload from the current one. For a create the
// current payload is the zero value of T.
type Mutation[T any] func(current T) (T, error)

// WriteResult is the outcome of a write. Exactly one of Committed or
// Conflict is set.
type WriteResult[T any] struct {
	Committed  bool
	NewVersion uint64
	Conflict   *VersionConflict[T]
}

// Guard provides versioned reads and compare-and-set writes for payloads
// of type T.
type Guard[T any] struct {
	store       EntityStore
	codec       Codec[T]
	retryBudget int
}

// Option configures a Guard.
type Option func(*options)

type options struct {
	retryBudget int
}

// WithRetryBudget sets how many attempts Update makes. Values below 1 are
// treated as 1.
func WithRetryBudget(n int) Option {
	return func(o *options) {
		o.retryBudget = max(n, 1)
	}
}

// New creates a Guard over s using codec to encode payloads.
func New[T any](s EntityStore, codec Codec[T], opts ...Option) *Guard[T] {
	o := options{retryBudget: DefaultRetryBudget}
	for _, opt := range opts {
		opt(&o)
	}
	return &Guard[T]{
		store:       s,
		codec:       codec,
		retryBudget: o.retryBudget,
	}
}

// NewObjectGuard creates a Guard over model.Object payloads stored as
// canonical JSON.
func NewObjectGuard(s EntityStore, opts ...Option) *Guard[model.Object] {
	return New[model.Object](s, ObjectCodec{}, opts...)
}

// RetryBudget returns the configured number of Update attempts.
func (g *Guard[T]) RetryBudget() int {
	return g.retryBudget
}

// Read returns the latest committed record. It never blocks on writers.
// Returns ErrUnknownEntity if the record does not exist.
func (g *Guard[T]) Read(ctx context.Context, id string) (model.VersionedRecord[T], error) {
	data, version, err := g.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.VersionedRecord[T]{}, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	if err != nil {
		return model.VersionedRecord[T]{}, fmt.Errorf("read %s: %w", id, err)
	}

	payload, err := g.codec.Decode(data)
	if err != nil {
		return model.VersionedRecord[T]{}, fmt.Errorf("read %s: decode: %w", id, err)
	}
	return model.VersionedRecord[T]{ID: id, Version: version, Payload: payload}, nil
}

// Write applies mutate to the payload at expectedVersion and commits it with
// a single compare-and-set. If the stored version differs, before or at
// commit time, the result carries a VersionConflict with the current
// version and payload instead of an error.
//
// expectedVersion 0 creates the record; mutate then receives the zero T.
// Writing a non-zero expectedVersion to an absent record returns
// ErrUnknownEntity.
func (g *Guard[T]) Write(ctx context.Context, id string, expectedVersion uint64, mutate Mutation[T]) (WriteResult[T], error) {
	var current T
	if expectedVersion > 0 {
		rec, err := g.Read(ctx, id)
		if err != nil {
			return WriteResult[T]{}, err
		}
		if rec.Version != expectedVersion {
			return g.conflict(id, expectedVersion, rec), nil
		}
		current = rec.Payload
	}

	next, err := mutate(current)
	if err != nil {
		return WriteResult[T]{}, fmt.Errorf("write %s: mutation: %w", id, err)
	}
	data, err := g.codec.Encode(next)
	if err != nil {
		return WriteResult[T]{}, fmt.Errorf("write %s: encode: %w", id, err)
	}

	ok, version, err := g.store.CompareAndSet(ctx, id, expectedVersion, data)
	if err != nil {
		return WriteResult[T]{}, fmt.Errorf("write %s: %w", id, err)
	}
	if ok {
		return WriteResult[T]{Committed: true, NewVersion: version}, nil
	}
	return g.reloadConflict(ctx, id, expectedVersion)
}

// Create stores value as version 1 if id does not exist yet.
func (g *Guard[T]) Create(ctx context.Context, id string, value T) (WriteResult[T], error) {
	return g.Write(ctx, id, 0, func(T) (T, error) { return value, nil })
}

// Delete removes the record if its version equals expectedVersion.
// A version mismatch is reported as a conflict. Deleting an absent record
// returns ErrUnknownEntity.
func (g *Guard[T]) Delete(ctx context.Context, id string, expectedVersion uint64) (WriteResult[T], error) {
	ok, current, err := g.store.Delete(ctx, id, expectedVersion)
	if err != nil {
		return WriteResult[T]{}, fmt.Errorf("delete %s: %w", id, err)
	}
	if ok {
		return WriteResult[T]{Committed: true}, nil
	}
	if current == 0 {
		return WriteResult[T]{}, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	return g.reloadConflict(ctx, id, expectedVersion)
}

// Update runs read, mutate and compare-and-set until the write commits or
// the retry budget is spent. Each attempt re-reads the record, so mutate
// always sees the latest committed payload.
func (g *Guard[T]) Update(ctx context.Context, id string, mutate Mutation[T]) (model.VersionedRecord[T], error) {
	var lastVersion uint64
	for attempt := 1; attempt <= g.retryBudget; attempt++ {
		if err := ctx.Err(); err != nil {
			return model.VersionedRecord[T]{}, err
		}

		rec, err := g.Read(ctx, id)
		if err != nil {
			return model.VersionedRecord[T]{}, err
		}

		var next T
		res, err := g.Write(ctx, id, rec.Version, func(current T) (T, error) {
			v, err := mutate(current)
			next = v
			return v, err
		})
		if err != nil {
			return model.VersionedRecord[T]{}, err
		}
		if res.Committed {
			return model.VersionedRecord[T]{ID: id, Version: res.NewVersion, Payload: next}, nil
		}

		lastVersion = res.Conflict.CurrentVersion
		slog.Debug("version conflict, retrying",
			"id", id,
			"attempt", attempt,
			"expected_version", rec.Version,
			"current_version", lastVersion,
		)
	}

	slog.Warn("conflict retry budget exhausted",
		"id", id,
		"attempts", g.retryBudget,
		"last_version", lastVersion,
	)
	return model.VersionedRecord[T]{}, &ConflictExhaustedError{
		ID:          id,
		Attempts:    g.retryBudget,
		LastVersion: lastVersion,
	}
}

// reloadConflict builds a conflict result after a failed compare-and-set.
// The record may have been deleted in between, in which case the conflict
// reports version 0 and a zero payload.
func (g *Guard[T]) reloadConflict(ctx context.Context, id string, expectedVersion uint64) (WriteResult[T], error) {
	rec, err := g.Read(ctx, id)
	if err != nil && !errors.Is(err, ErrUnknownEntity) {
		return WriteResult[T]{}, err
	}
	if err != nil {
		rec = model.VersionedRecord[T]{ID: id}
	}
	return g.conflict(id, expectedVersion, rec), nil
}

func (g *Guard[T]) conflict(id string, expectedVersion uint64, current model.VersionedRecord[T]) WriteResult[T] {
	slog.Debug("version conflict",
		"id", id,
		"expected_version", expectedVersion,
		"current_version", current.Version,
	)
	return WriteResult[T]{Conflict: &VersionConflict[T]{
		ID:              id,
		ExpectedVersion: expectedVersion,
		CurrentVersion:  current.Version,
		CurrentPayload:  current.Payload,
	}}
}
