package memstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yyupcompany/kyyupgame-sub087/internal/store"
)

func TestGet_NotFound(t *testing.T) {
	s := New()
	_, _, err := s.Get(context.Background(), "x")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCompareAndSet_Lifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	ok, v, err := s.CompareAndSet(ctx, "r", 0, []byte(`{"a":1}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), v)

	ok, current, err := s.CompareAndSet(ctx, "r", 0, []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), current)

	ok, v, err = s.CompareAndSet(ctx, "r", 1, []byte(`{"a":2}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), v)

	payload, version, err := s.Get(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(payload))
	assert.Equal(t, uint64(2), version)
}

func TestGet_ReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()

	buf := []byte(`{"a":1}`)
	_, _, err := s.CompareAndSet(ctx, "r", 0, buf)
	require.NoError(t, err)
	buf[2] = 'z'

	payload, _, err := s.Get(ctx, "r")
	require.NoError(t, err)
	payload[2] = 'q'

	again, _, err := s.Get(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(again))
}

func TestDelete(t *testing.T) {
	s := New()
	ctx := context.Background()

	ok, current, err := s.Delete(ctx, "missing", 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(0), current)

	_, _, err = s.CompareAndSet(ctx, "r", 0, []byte(`{}`))
	require.NoError(t, err)

	ok, current, err = s.Delete(ctx, "r", 5)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), current)

	ok, _, err = s.Delete(ctx, "r", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, s.Len())

	_, _, err = s.Get(ctx, "r")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// A deleted id can be created again.
	ok, v, err := s.CompareAndSet(ctx, "r", 0, []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), v)
}

func TestCompareAndSet_ConcurrentSameVersion(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, _, err := s.CompareAndSet(ctx, "r", 0, []byte(`{}`))
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, current, err := s.CompareAndSet(ctx, "r", 1, []byte(`{"w":true}`))
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			} else {
				assert.Equal(t, uint64(2), current)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}
