package txn

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
	"github.com/yyupcompany/kyyupgame-sub087/internal/store"
)

// Journal records transaction progress. store.Store implements it.
// Read methods return store.ErrNotFound for unknown transactions.
type Journal interface {
	// BeginTransaction records a new transaction, or returns
	// store.ErrExists if its id was journaled before.
	BeginTransaction(ctx context.Context, rec model.TransactionRecord) error
	WriteTransaction(ctx context.Context, rec model.TransactionRecord) error
	WriteOperation(ctx context.Context, rec model.OperationRecord) error
	AppendRollback(ctx context.Context, entry model.RollbackLogEntry) error

	ReadTransaction(ctx context.Context, txID string) (model.TransactionRecord, error)
	ReadOperations(ctx context.Context, txID string) ([]model.OperationRecord, error)
	ReadRollbackLog(ctx context.Context, txID string) ([]model.RollbackLogEntry, error)
}

// MemoryJournal is an in-process Journal.
//
// Thread-safety: safe for concurrent use.
type MemoryJournal struct {
	mu        sync.Mutex
	txs       map[string]model.TransactionRecord
	ops       map[string]map[string]model.OperationRecord
	rollbacks map[string][]model.RollbackLogEntry
}

// NewMemoryJournal creates an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		txs:       make(map[string]model.TransactionRecord),
		ops:       make(map[string]map[string]model.OperationRecord),
		rollbacks: make(map[string][]model.RollbackLogEntry),
	}
}

// BeginTransaction implements Journal.
func (j *MemoryJournal) BeginTransaction(_ context.Context, rec model.TransactionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.txs[rec.TransactionID]; ok {
		return store.ErrExists
	}
	j.txs[rec.TransactionID] = rec
	return nil
}

// WriteTransaction implements Journal. CreatedAt is kept from the first
// write.
func (j *MemoryJournal) WriteTransaction(_ context.Context, rec model.TransactionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if prev, ok := j.txs[rec.TransactionID]; ok {
		rec.CreatedAt = prev.CreatedAt
	}
	j.txs[rec.TransactionID] = rec
	return nil
}

// WriteOperation implements Journal.
func (j *MemoryJournal) WriteOperation(_ context.Context, rec model.OperationRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	ops := j.ops[rec.TransactionID]
	if ops == nil {
		ops = make(map[string]model.OperationRecord)
		j.ops[rec.TransactionID] = ops
	}
	rec.Result = rec.Result.Clone()
	ops[rec.OperationID] = rec
	return nil
}

// AppendRollback implements Journal. An operation is logged at most once.
func (j *MemoryJournal) AppendRollback(_ context.Context, entry model.RollbackLogEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, e := range j.rollbacks[entry.TransactionID] {
		if e.OperationID == entry.OperationID {
			return nil
		}
	}
	j.rollbacks[entry.TransactionID] = append(j.rollbacks[entry.TransactionID], entry)
	return nil
}

// ReadTransaction implements Journal.
func (j *MemoryJournal) ReadTransaction(_ context.Context, txID string) (model.TransactionRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec, ok := j.txs[txID]
	if !ok {
		return model.TransactionRecord{}, store.ErrNotFound
	}
	return rec, nil
}

// ReadOperations implements Journal. Operations are ordered by seq, then id.
func (j *MemoryJournal) ReadOperations(_ context.Context, txID string) ([]model.OperationRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]model.OperationRecord, 0, len(j.ops[txID]))
	for _, rec := range j.ops[txID] {
		rec.Result = rec.Result.Clone()
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b model.OperationRecord) int {
		return cmp.Or(cmp.Compare(a.Seq, b.Seq), cmp.Compare(a.OperationID, b.OperationID))
	})
	return out, nil
}

// ReadRollbackLog implements Journal.
func (j *MemoryJournal) ReadRollbackLog(_ context.Context, txID string) ([]model.RollbackLogEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	return slices.Clone(j.rollbacks[txID]), nil
}
