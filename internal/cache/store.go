package cache

import (
	"container/list"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/objectfs/chunkcache/pkg/memmon"
	"github.com/objectfs/chunkcache/pkg/ndarray"
	"github.com/objectfs/chunkcache/pkg/types"
	"github.com/objectfs/chunkcache/pkg/utils"
)

// EvictionScope selects which entries are eviction candidates
type EvictionScope string

const (
	// ScopeGlobal evicts the least recently used entry of any array
	ScopeGlobal EvictionScope = "global"
	// ScopeArrayFirst prefers the least recently used entry of the array
	// being inserted, then falls back to global order
	ScopeArrayFirst EvictionScope = "array_first"
)

type entryKey struct {
	array types.ArrayKey
	id    uint32
}

// cacheEntry is one resident chunk
type cacheEntry struct {
	key         entryKey
	data        *ndarray.Array
	sizeBytes   int64
	lastAccess  time.Time
	accessCount int64
	element     *list.Element
}

// ChunkStore holds materialized chunks under a byte budget and a host
// free-memory floor. It is not safe for concurrent use; ChunkCache guards it
// with its mutex.
type ChunkStore struct {
	maxBytes int64
	minFree  float64
	scope    EvictionScope
	probe    memmon.Probe
	now      func() time.Time

	entries map[entryKey]*cacheEntry
	// lru is ordered by last access, most recent at the front
	lru      *list.List
	resident map[types.ArrayKey]*roaring.Bitmap
	cur      int64

	evictions uint64
	rejected  uint64
	onEvict   func(sizeBytes int64)
	logger    *utils.StructuredLogger
}

func newChunkStore(maxBytes int64, minFree float64, scope EvictionScope, probe memmon.Probe, logger *utils.StructuredLogger) *ChunkStore {
	if probe == nil {
		probe = memmon.SystemProbe{}
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &ChunkStore{
		maxBytes: maxBytes,
		minFree:  minFree,
		scope:    scope,
		probe:    probe,
		now:      time.Now,
		entries:  make(map[entryKey]*cacheEntry),
		lru:      list.New(),
		resident: make(map[types.ArrayKey]*roaring.Bitmap),
		logger:   logger.WithComponent("chunk-store"),
	}
}

// Get returns a resident chunk and marks it as used
func (s *ChunkStore) Get(array types.ArrayKey, id uint32) (*ndarray.Array, bool) {
	e, ok := s.entries[entryKey{array, id}]
	if !ok {
		return nil, false
	}
	e.lastAccess = s.now()
	e.accessCount++
	s.lru.MoveToFront(e.element)
	return e.data, true
}

// Contains reports residency without touching the entry
func (s *ChunkStore) Contains(array types.ArrayKey, id uint32) bool {
	_, ok := s.entries[entryKey{array, id}]
	return ok
}

// TryInsert admits a chunk, evicting least recently used entries until both
// the byte budget and the free-memory floor hold. It gives up without
// evicting anything for a chunk larger than the whole budget, and gives up
// after emptying the candidates if memory is still short.
func (s *ChunkStore) TryInsert(array types.ArrayKey, id uint32, data *ndarray.Array) bool {
	size := data.SizeBytes()
	key := entryKey{array, id}

	if size > s.maxBytes {
		s.rejected++
		s.logger.Info("Chunk larger than cache budget, not cached", map[string]interface{}{
			"array":     array.String(),
			"chunk":     id,
			"size":      utils.FormatBytes(size),
			"max_bytes": utils.FormatBytes(s.maxBytes),
		})
		return false
	}

	if old, ok := s.entries[key]; ok {
		s.remove(old)
	}

	deficit := s.memoryDeficit()
	var freed int64
	for s.cur+size > s.maxBytes || freed < deficit {
		victim := s.victim(array)
		if victim == nil {
			s.rejected++
			s.logger.Info("Cannot free enough memory to cache chunk", map[string]interface{}{
				"array":     array.String(),
				"chunk":     id,
				"size":      utils.FormatBytes(size),
				"cache_now": utils.FormatBytes(s.cur),
			})
			return false
		}
		freed += victim.sizeBytes
		s.evict(victim)
	}

	e := &cacheEntry{
		key:         key,
		data:        data,
		sizeBytes:   size,
		lastAccess:  s.now(),
		accessCount: 1,
	}
	e.element = s.lru.PushFront(e)
	s.entries[key] = e
	s.cur += size

	bm, ok := s.resident[array]
	if !ok {
		bm = roaring.New()
		s.resident[array] = bm
	}
	bm.Add(id)
	return true
}

// memoryDeficit reports how many bytes must leave the store to lift host
// free memory back to the floor. It is read once per admission; evicted
// chunks only show up as free host memory after a GC cycle.
func (s *ChunkStore) memoryDeficit() int64 {
	if s.minFree <= 0 {
		return 0
	}
	mem, err := s.probe.Read()
	if err != nil || mem.Total == 0 {
		return 0
	}
	want := uint64(s.minFree * float64(mem.Total))
	if mem.Available >= want {
		return 0
	}
	return int64(want - mem.Available)
}

// victim picks the next entry to evict, or nil when the store is empty
func (s *ChunkStore) victim(array types.ArrayKey) *cacheEntry {
	if s.scope == ScopeArrayFirst {
		for el := s.lru.Back(); el != nil; el = el.Prev() {
			if e := el.Value.(*cacheEntry); e.key.array == array {
				return e
			}
		}
	}
	if el := s.lru.Back(); el != nil {
		return el.Value.(*cacheEntry)
	}
	return nil
}

func (s *ChunkStore) evict(e *cacheEntry) {
	s.remove(e)
	s.evictions++
	s.logger.Debug("Evicted chunk", map[string]interface{}{
		"array":        e.key.array.String(),
		"chunk":        e.key.id,
		"size":         e.sizeBytes,
		"access_count": e.accessCount,
	})
	if s.onEvict != nil {
		s.onEvict(e.sizeBytes)
	}
}

func (s *ChunkStore) remove(e *cacheEntry) {
	s.lru.Remove(e.element)
	delete(s.entries, e.key)
	s.cur -= e.sizeBytes

	if bm, ok := s.resident[e.key.array]; ok {
		bm.Remove(e.key.id)
		if bm.IsEmpty() {
			delete(s.resident, e.key.array)
		}
	}
}

// ClearArray drops every resident chunk of array and returns how many
func (s *ChunkStore) ClearArray(array types.ArrayKey) int {
	bm, ok := s.resident[array]
	if !ok {
		return 0
	}
	ids := bm.ToArray()
	for _, id := range ids {
		if e, ok := s.entries[entryKey{array, id}]; ok {
			s.remove(e)
		}
	}
	return len(ids)
}

// ClearRecord drops every resident chunk whose array belongs to record
func (s *ChunkStore) ClearRecord(record string) int {
	var keys []types.ArrayKey
	for key := range s.resident {
		if key.Record == record {
			keys = append(keys, key)
		}
	}
	n := 0
	for _, key := range keys {
		n += s.ClearArray(key)
	}
	return n
}

// ClearAll drops everything. Counters survive.
func (s *ChunkStore) ClearAll() {
	s.entries = make(map[entryKey]*cacheEntry)
	s.lru.Init()
	s.resident = make(map[types.ArrayKey]*roaring.Bitmap)
	s.cur = 0
}

// Resident returns the linear ids of the resident chunks of array in
// ascending order
func (s *ChunkStore) Resident(array types.ArrayKey) []uint32 {
	bm, ok := s.resident[array]
	if !ok {
		return nil
	}
	return bm.ToArray()
}

func (s *ChunkStore) SizeBytes() int64 { return s.cur }

func (s *ChunkStore) MaxBytes() int64 { return s.maxBytes }

func (s *ChunkStore) Len() int { return len(s.entries) }

func (s *ChunkStore) ArrayCount() int { return len(s.resident) }

// systemUsedFraction reports host memory use, 0 if unknown
func (s *ChunkStore) systemUsedFraction() float64 {
	mem, err := s.probe.Read()
	if err != nil {
		return 0
	}
	return mem.UsedFraction()
}
