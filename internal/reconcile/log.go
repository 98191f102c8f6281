package reconcile

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
	"github.com/yyupcompany/kyyupgame-sub087/internal/store"
)

// ConflictLog persists conflict records. store.Store implements it.
// LoadConflict returns store.ErrNotFound for unknown ids.
type ConflictLog interface {
	SaveConflict(ctx context.Context, rec model.ConflictRecord) error
	LoadConflict(ctx context.Context, conflictID string) (model.ConflictRecord, error)
	ConflictsForEntity(ctx context.Context, entityID string, status model.ConflictStatus) ([]model.ConflictRecord, error)
}

// MemoryLog is an in-process ConflictLog.
type MemoryLog struct {
	mu   sync.Mutex
	recs map[string]model.ConflictRecord
}

// NewMemoryLog creates an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{recs: make(map[string]model.ConflictRecord)}
}

// SaveConflict implements ConflictLog.
func (l *MemoryLog) SaveConflict(_ context.Context, rec model.ConflictRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.recs[rec.ConflictID]; ok {
		rec.DetectedAt = prev.DetectedAt
	}
	l.recs[rec.ConflictID] = rec
	return nil
}

// LoadConflict implements ConflictLog.
func (l *MemoryLog) LoadConflict(_ context.Context, conflictID string) (model.ConflictRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.recs[conflictID]
	if !ok {
		return model.ConflictRecord{}, store.ErrNotFound
	}
	return rec, nil
}

// ConflictsForEntity implements ConflictLog.
func (l *MemoryLog) ConflictsForEntity(_ context.Context, entityID string, status model.ConflictStatus) ([]model.ConflictRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := []model.ConflictRecord{}
	for _, rec := range l.recs {
		if rec.EntityID == entityID && (status == "" || rec.Status == status) {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b model.ConflictRecord) int {
		return cmp.Or(a.DetectedAt.Compare(b.DetectedAt), cmp.Compare(a.ConflictID, b.ConflictID))
	})
	return out, nil
}
