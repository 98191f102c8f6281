// Package memstore provides an in-process EntityStore.
//
// Each record lives behind its own atomic pointer, so reads never lock and
// writes to different ids never contend. A write is a single
// CompareAndSwap on the record's pointer.
package memstore

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/yyupcompany/kyyupgame-sub087/internal/store"
)

// entry is an immutable snapshot of one record. A nil payload marks a
// deleted record.
type entry struct {
	version uint64
	payload []byte
}

// Store is an in-memory EntityStore safe for concurrent use.
type Store struct {
	records sync.Map // id -> *atomic.Pointer[entry]
}

// New returns an empty store.
func New() *Store {
	return &Store{}
}

func (s *Store) slot(id string) *atomic.Pointer[entry] {
	if p, ok := s.records.Load(id); ok {
		return p.(*atomic.Pointer[entry])
	}
	p, _ := s.records.LoadOrStore(id, new(atomic.Pointer[entry]))
	return p.(*atomic.Pointer[entry])
}

// Get returns a copy of the stored payload and its version.
// Returns store.ErrNotFound if the record does not exist.
func (s *Store) Get(_ context.Context, id string) ([]byte, uint64, error) {
	p, ok := s.records.Load(id)
	if !ok {
		return nil, 0, store.ErrNotFound
	}
	e := p.(*atomic.Pointer[entry]).Load()
	if e == nil || e.payload == nil {
		return nil, 0, store.ErrNotFound
	}
	return append([]byte(nil), e.payload...), e.version, nil
}

// CompareAndSet stores payload if the current version equals
// expectedVersion. expectedVersion 0 creates the record.
func (s *Store) CompareAndSet(_ context.Context, id string, expectedVersion uint64, payload []byte) (bool, uint64, error) {
	slot := s.slot(id)
	next := &entry{
		version: expectedVersion + 1,
		payload: append([]byte{}, payload...),
	}
	for {
		cur := slot.Load()
		current := versionOf(cur)
		if current != expectedVersion {
			return false, current, nil
		}
		if slot.CompareAndSwap(cur, next) {
			return true, next.version, nil
		}
	}
}

// Delete removes the record if the current version equals expectedVersion.
func (s *Store) Delete(_ context.Context, id string, expectedVersion uint64) (bool, uint64, error) {
	p, ok := s.records.Load(id)
	if !ok {
		return false, 0, nil
	}
	slot := p.(*atomic.Pointer[entry])
	for {
		cur := slot.Load()
		current := versionOf(cur)
		if current == 0 || current != expectedVersion {
			return false, current, nil
		}
		if slot.CompareAndSwap(cur, nil) {
			return true, 0, nil
		}
	}
}

// Len returns the number of live records.
func (s *Store) Len() int {
	n := 0
	s.records.Range(func(_, p any) bool {
		if versionOf(p.(*atomic.Pointer[entry]).Load()) > 0 {
			n++
		}
		return true
	})
	return n
}

func versionOf(e *entry) uint64 {
	if e == nil || e.payload == nil {
		return 0
	}
	return e.version
}
