package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestPool creates a pool definition with nothing allocated.
func createTestPool(id string, kind model.PoolKind, capacity uint64) model.ResourcePool {
	return model.ResourcePool{
		PoolID:        id,
		Kind:          kind,
		TotalCapacity: capacity,
	}
}

// createTestAllocation creates a granted allocation of qty units.
func createTestAllocation(id, poolID, requester string, qty uint64, seq int64) model.Allocation {
	return model.Allocation{
		AllocationID: id,
		PoolID:       poolID,
		RequesterID:  requester,
		RequestedQty: qty,
		GrantedQty:   qty,
		Seq:          seq,
		Status:       model.AllocationGranted,
	}
}

// testTime returns a fixed UTC instant offset by n seconds.
func testTime(n int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, n, 0, time.UTC)
}
