package reconcile

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
)

// compare snapshots every replica and returns the values of conflicting
// fields, ordered by field name and then replica priority.
func (r *Resolver) compare(ctx context.Context, entityID string) ([]model.FieldValue, error) {
	byField := make(map[string][]model.FieldValue)
	for _, rep := range r.replicas {
		snap, err := rep.Snapshot(ctx, entityID)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s of %s: %w", rep.Name(), entityID, err)
		}
		for _, fv := range snap {
			fv.System = rep.Name()
			byField[fv.Field] = append(byField[fv.Field], fv)
		}
	}

	fields := make([]string, 0, len(byField))
	for f := range byField {
		fields = append(fields, f)
	}
	slices.Sort(fields)

	var out []model.FieldValue
	for _, f := range fields {
		values := byField[f]
		if len(values) < 2 {
			continue
		}
		for _, fv := range values[1:] {
			if !model.Equal(fv.Value, values[0].Value) {
				out = append(out, values...)
				break
			}
		}
	}
	return out, nil
}

// choose computes the resolved value of every conflicting field.
func (r *Resolver) choose(rec model.ConflictRecord, strategy model.Strategy, manual model.Object) (model.Object, error) {
	resolved := make(model.Object)
	for _, field := range rec.Fields() {
		var candidates []model.FieldValue
		for _, fv := range rec.ConflictingValues {
			if fv.Field == field {
				candidates = append(candidates, fv)
			}
		}

		switch strategy {
		case model.StrategyUseMasterData:
			// The master is authoritative: a field it does not hold is
			// removed everywhere.
			resolved[field] = model.Null{}
			for _, fv := range candidates {
				if fv.System == r.master {
					resolved[field] = fv.Value
				}
			}

		case model.StrategyUseLatestTimestamp:
			resolved[field] = latest(candidates).Value

		case model.StrategyManualResolution:
			v, ok := manual[field]
			if !ok {
				return nil, fmt.Errorf("resolve %s: %w: missing %q", rec.ConflictID, ErrManualValueRequired, field)
			}
			resolved[field] = v
		}
	}
	return resolved, nil
}

// latest returns the value with the most recent timestamp. candidates are
// in replica priority order, so the first of equal timestamps wins.
func latest(candidates []model.FieldValue) model.FieldValue {
	best := candidates[0]
	for _, fv := range candidates[1:] {
		if fv.Timestamp.After(best.Timestamp) {
			best = fv
		}
	}
	return best
}

type replicaSnapshot struct {
	rep  Replica
	snap []model.FieldValue
}

// applyAll writes the resolved fields to every replica in priority order.
// On the first failure, replicas already written (and the failing one,
// which may have applied partially) are restored from their snapshots.
func (r *Resolver) applyAll(ctx context.Context, rec model.ConflictRecord, resolved model.Object, at time.Time) ([]string, error) {
	var done []replicaSnapshot

	for _, rep := range r.replicas {
		snap, err := rep.Snapshot(ctx, rec.EntityID)
		if err != nil {
			return nil, r.restore(ctx, rec, rep.Name(), err, done)
		}
		done = append(done, replicaSnapshot{rep: rep, snap: snap})

		values := make([]model.FieldValue, 0, len(resolved))
		for _, field := range resolved.SortedKeys() {
			values = append(values, model.FieldValue{
				System:    rep.Name(),
				Field:     field,
				Value:     resolved[field],
				Timestamp: at,
			})
		}
		if err := rep.Apply(ctx, rec.EntityID, values); err != nil {
			return nil, r.restore(ctx, rec, rep.Name(), err, done)
		}
	}

	applied := make([]string, len(done))
	for i, s := range done {
		applied[i] = s.rep.Name()
	}
	return applied, nil
}

// restore puts the resolved fields of each saved replica back to their
// snapshot values, most recent first.
func (r *Resolver) restore(ctx context.Context, rec model.ConflictRecord, system string, cause error, done []replicaSnapshot) error {
	failure := &ResolutionFailedError{ConflictID: rec.ConflictID, System: system, Err: cause}
	fields := rec.Fields()

	for i := len(done) - 1; i >= 0; i-- {
		rep, snap := done[i].rep, done[i].snap
		values := make([]model.FieldValue, 0, len(fields))
		for _, field := range fields {
			prev := model.FieldValue{System: rep.Name(), Field: field, Value: model.Null{}}
			for _, fv := range snap {
				if fv.Field == field {
					prev = fv
				}
			}
			values = append(values, prev)
		}
		if err := rep.Apply(context.WithoutCancel(ctx), rec.EntityID, values); err != nil && failure.RestoreErr == nil {
			failure.RestoreErr = fmt.Errorf("restore %s: %w", rep.Name(), err)
		}
	}
	return failure
}
