package cache

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/chunkcache/pkg/memmon"
	"github.com/objectfs/chunkcache/pkg/types"
)

var (
	arrA = types.ArrayKey{Record: "run1", Field: "a"}
	arrB = types.ArrayKey{Record: "run1", Field: "b"}
	arrC = types.ArrayKey{Record: "run2", Field: "c"}
)

// newTestStore returns a store with a steady clock and no memory pressure.
// Each seqArray(10) chunk is 80 bytes.
func newTestStore(maxBytes int64, scope EvictionScope) *ChunkStore {
	s := newChunkStore(maxBytes, 0, scope, memmon.StaticProbe{Total: 100, Available: 100}, nil)
	var tick int64
	s.now = func() time.Time {
		return time.Unix(0, atomic.AddInt64(&tick, 1))
	}
	return s
}

func assertBudget(t *testing.T, s *ChunkStore) {
	t.Helper()
	var sum int64
	for _, e := range s.entries {
		sum += e.sizeBytes
	}
	assert.Equal(t, sum, s.SizeBytes())
	assert.LessOrEqual(t, s.SizeBytes(), s.MaxBytes())
	assert.Equal(t, len(s.entries), s.lru.Len())
}

func TestChunkStore_EvictsLeastRecentlyUsed(t *testing.T) {
	s := newTestStore(240, ScopeGlobal)

	require.True(t, s.TryInsert(arrA, 0, seqArray(10)))
	require.True(t, s.TryInsert(arrA, 1, seqArray(10)))
	require.True(t, s.TryInsert(arrA, 2, seqArray(10)))

	require.True(t, s.TryInsert(arrA, 3, seqArray(10)))
	assert.False(t, s.Contains(arrA, 0), "oldest entry should be evicted")
	assert.True(t, s.Contains(arrA, 1))
	assert.Equal(t, uint64(1), s.evictions)
	assertBudget(t, s)
}

func TestChunkStore_HitProtectsEntry(t *testing.T) {
	s := newTestStore(240, ScopeGlobal)

	require.True(t, s.TryInsert(arrA, 0, seqArray(10)))
	require.True(t, s.TryInsert(arrA, 1, seqArray(10)))
	require.True(t, s.TryInsert(arrA, 2, seqArray(10)))

	_, ok := s.Get(arrA, 0)
	require.True(t, ok)

	require.True(t, s.TryInsert(arrA, 3, seqArray(10)))
	assert.True(t, s.Contains(arrA, 0), "recently hit entry should survive")
	assert.False(t, s.Contains(arrA, 1))
	assert.Equal(t, int64(2), s.entries[entryKey{arrA, 0}].accessCount)
}

func TestChunkStore_EvictsAcrossArraysByDefault(t *testing.T) {
	s := newTestStore(160, ScopeGlobal)

	require.True(t, s.TryInsert(arrB, 0, seqArray(10)))
	require.True(t, s.TryInsert(arrA, 0, seqArray(10)))
	require.True(t, s.TryInsert(arrA, 1, seqArray(10)))

	assert.False(t, s.Contains(arrB, 0))
	assert.Equal(t, 1, s.ArrayCount())
}

func TestChunkStore_ArrayFirstScope(t *testing.T) {
	s := newTestStore(240, ScopeArrayFirst)

	require.True(t, s.TryInsert(arrB, 0, seqArray(10)))
	require.True(t, s.TryInsert(arrA, 0, seqArray(10)))
	require.True(t, s.TryInsert(arrA, 1, seqArray(10)))

	require.True(t, s.TryInsert(arrA, 2, seqArray(10)))
	assert.True(t, s.Contains(arrB, 0), "other arrays are spared while the target has entries")
	assert.False(t, s.Contains(arrA, 0))

	// An array with nothing resident falls back to global order.
	require.True(t, s.TryInsert(arrC, 0, seqArray(10)))
	assert.False(t, s.Contains(arrB, 0))
	assertBudget(t, s)
}

func TestChunkStore_OversizeRejected(t *testing.T) {
	s := newTestStore(100, ScopeGlobal)
	require.True(t, s.TryInsert(arrA, 0, seqArray(10)))

	assert.False(t, s.TryInsert(arrA, 1, seqArray(20)))
	assert.True(t, s.Contains(arrA, 0), "oversize admission must not evict")
	assert.Equal(t, uint64(0), s.evictions)
	assert.Equal(t, uint64(1), s.rejected)
	assertBudget(t, s)
}

func TestChunkStore_FreeMemoryFloor(t *testing.T) {
	var free atomic.Uint64
	var reads atomic.Int64
	free.Store(5000)
	mem := memmon.ProbeFunc(func() (memmon.SystemMemory, error) {
		reads.Add(1)
		return memmon.SystemMemory{Total: 10000, Available: free.Load()}, nil
	})
	s := newChunkStore(1<<20, 0.2, ScopeGlobal, mem, nil)

	for id := uint32(0); id < 4; id++ {
		require.True(t, s.TryInsert(arrA, id, seqArray(10)))
	}
	assert.Equal(t, int64(4), reads.Load())

	t.Run("evicts only the shortfall", func(t *testing.T) {
		// 100 bytes short of the 2000 byte floor: two 80 byte chunks go.
		free.Store(1900)
		reads.Store(0)
		require.True(t, s.TryInsert(arrA, 4, seqArray(10)))
		assert.Equal(t, int64(1), reads.Load(), "host memory is read once per admission")
		assert.Equal(t, 3, s.Len())
		assert.Equal(t, uint64(2), s.evictions)
		assert.False(t, s.Contains(arrA, 0))
		assert.False(t, s.Contains(arrA, 1))
		assert.True(t, s.Contains(arrA, 2))
		assertBudget(t, s)
	})

	t.Run("rejects when the store cannot cover the shortfall", func(t *testing.T) {
		free.Store(1000)
		reads.Store(0)
		assert.False(t, s.TryInsert(arrA, 5, seqArray(10)))
		assert.Equal(t, int64(1), reads.Load())
		assert.Equal(t, 0, s.Len())
		assert.Equal(t, uint64(5), s.evictions)
		assert.Equal(t, uint64(1), s.rejected)
		assertBudget(t, s)
	})

	t.Run("ignores the floor when memory cannot be read", func(t *testing.T) {
		broken := memmon.ProbeFunc(func() (memmon.SystemMemory, error) {
			return memmon.SystemMemory{}, fmt.Errorf("meminfo unavailable")
		})
		s := newChunkStore(1<<20, 0.2, ScopeGlobal, broken, nil)
		require.True(t, s.TryInsert(arrA, 0, seqArray(10)))
		assert.Equal(t, uint64(0), s.evictions)
	})
}

func TestChunkStore_ReplaceSameKey(t *testing.T) {
	s := newTestStore(1000, ScopeGlobal)
	require.True(t, s.TryInsert(arrA, 0, seqArray(10)))
	require.True(t, s.TryInsert(arrA, 0, seqArray(5)))
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, int64(40), s.SizeBytes())
	assertBudget(t, s)
}

func TestChunkStore_ClearAndResident(t *testing.T) {
	s := newTestStore(10000, ScopeGlobal)
	for _, id := range []uint32{7, 2, 5} {
		require.True(t, s.TryInsert(arrA, id, seqArray(10)))
	}
	require.True(t, s.TryInsert(arrB, 0, seqArray(10)))
	require.True(t, s.TryInsert(arrC, 0, seqArray(10)))

	assert.Equal(t, []uint32{2, 5, 7}, s.Resident(arrA))
	assert.Equal(t, 3, s.ArrayCount())

	assert.Equal(t, 3, s.ClearArray(arrA))
	assert.Equal(t, 0, s.ClearArray(arrA))
	assert.Nil(t, s.Resident(arrA))

	assert.Equal(t, 1, s.ClearRecord("run1"))
	assert.True(t, s.Contains(arrC, 0))

	s.ClearAll()
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, int64(0), s.SizeBytes())
	assertBudget(t, s)
}

func TestChunkStore_BudgetInvariantUnderChurn(t *testing.T) {
	s := newTestStore(1000, ScopeGlobal)
	for i := 0; i < 200; i++ {
		key := []types.ArrayKey{arrA, arrB, arrC}[i%3]
		n := 1 + (i*7)%30
		s.TryInsert(key, uint32(i%17), seqArray(n))
		if i%11 == 0 {
			s.Get(key, uint32((i+3)%17))
		}
		if i%37 == 0 {
			s.ClearArray(arrB)
		}
		assertBudget(t, s)
	}
}
