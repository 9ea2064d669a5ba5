package cache

import (
	"context"
	"math"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/objectfs/chunkcache/pkg/errors"
	"github.com/objectfs/chunkcache/pkg/types"
	"github.com/objectfs/chunkcache/pkg/utils"
)

// ChunkIndex caches normalized chunk layouts per array. Concurrent first
// reads of one array share a single introspection call.
type ChunkIndex struct {
	mu    sync.RWMutex
	infos map[types.ArrayKey]types.ChunkInfo
	gens  map[types.ArrayKey]uint64
	// recordGens covers arrays of a record whose first introspection is
	// still running when the record is invalidated
	recordGens map[string]uint64
	loading    map[types.ArrayKey]int
	epoch      uint64

	group  singleflight.Group
	logger *utils.StructuredLogger
}

// NewChunkIndex creates an empty index
func NewChunkIndex(logger *utils.StructuredLogger) *ChunkIndex {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &ChunkIndex{
		infos:      make(map[types.ArrayKey]types.ChunkInfo),
		gens:       make(map[types.ArrayKey]uint64),
		recordGens: make(map[string]uint64),
		loading:    make(map[types.ArrayKey]int),
		logger:     logger.WithComponent("chunk-index"),
	}
}

// Get returns the cached layout for key, if any
func (ix *ChunkIndex) Get(key types.ArrayKey) (types.ChunkInfo, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	info, ok := ix.infos[key]
	return info, ok
}

// Set stores a layout after checking the sum invariant
func (ix *ChunkIndex) Set(key types.ArrayKey, info types.ChunkInfo) error {
	if err := checkInfo(info); err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.infos[key] = info
	return nil
}

// EnsureInfo returns the layout for key, asking source on first use. A
// failed introspection is not cached.
func (ix *ChunkIndex) EnsureInfo(ctx context.Context, key types.ArrayKey, source types.ChunkedArraySource) (types.ChunkInfo, error) {
	ix.mu.Lock()
	info, ok := ix.infos[key]
	if ok {
		ix.mu.Unlock()
		return info, nil
	}
	gen, rgen, epoch := ix.gens[key], ix.recordGens[key.Record], ix.epoch
	ix.loading[key]++
	ix.mu.Unlock()

	defer func() {
		ix.mu.Lock()
		if ix.loading[key]--; ix.loading[key] <= 0 {
			delete(ix.loading, key)
		}
		ix.mu.Unlock()
	}()

	// The shared call must outlive any single reader's cancellation.
	shared := context.WithoutCancel(ctx)
	ch := ix.group.DoChan(groupKey(key), func() (interface{}, error) {
		layout, err := source.ShapeAndChunks(shared, key)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeIntrospectionFailed, "shape and chunk introspection failed").
				WithComponent("chunk-index").
				WithOperation("EnsureInfo").
				WithDetail("array", key.String())
		}
		info, err := Normalize(layout)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeIntrospectionFailed, "source reported an invalid chunk layout").
				WithComponent("chunk-index").
				WithOperation("EnsureInfo").
				WithDetail("array", key.String())
		}

		ix.mu.Lock()
		if ix.gens[key] == gen && ix.recordGens[key.Record] == rgen && ix.epoch == epoch {
			ix.infos[key] = info
		}
		ix.mu.Unlock()
		return info, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			ix.logger.Warn("Chunk introspection failed", map[string]interface{}{
				"array": key.String(),
				"error": res.Err,
			})
			return types.ChunkInfo{}, res.Err
		}
		return res.Val.(types.ChunkInfo), nil
	case <-ctx.Done():
		return types.ChunkInfo{}, errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "read canceled during introspection").
			WithComponent("chunk-index")
	}
}

// Invalidate forgets the layout of one array
func (ix *ChunkIndex) Invalidate(key types.ArrayKey) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.infos, key)
	ix.gens[key]++
	ix.group.Forget(groupKey(key))
}

// InvalidateRecord forgets every array of record, including arrays whose
// first introspection is in flight. It returns the arrays it touched.
func (ix *ChunkIndex) InvalidateRecord(record string) []types.ArrayKey {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.recordGens[record]++
	seen := make(map[types.ArrayKey]bool)
	var dropped []types.ArrayKey
	for key := range ix.infos {
		if key.Record == record {
			seen[key] = true
			dropped = append(dropped, key)
		}
	}
	for key := range ix.loading {
		if key.Record == record && !seen[key] {
			seen[key] = true
			dropped = append(dropped, key)
		}
	}
	for _, key := range dropped {
		delete(ix.infos, key)
		ix.gens[key]++
		ix.group.Forget(groupKey(key))
	}
	return dropped
}

// Clear forgets everything
func (ix *ChunkIndex) Clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for key := range ix.infos {
		ix.group.Forget(groupKey(key))
	}
	for key := range ix.loading {
		ix.group.Forget(groupKey(key))
	}
	ix.infos = make(map[types.ArrayKey]types.ChunkInfo)
	ix.gens = make(map[types.ArrayKey]uint64)
	ix.recordGens = make(map[string]uint64)
	ix.epoch++
}

// groupKey names the shared introspection call of key. Quoting keeps
// {"a:b","c"} and {"a","b:c"} apart.
func groupKey(key types.ArrayKey) string {
	return strconv.Quote(key.Record) + "/" + strconv.Quote(key.Field)
}

// Len returns the number of arrays with a cached layout
func (ix *ChunkIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.infos)
}

// Normalize expands a source layout into explicit per-dimension chunk
// lengths. A uniform length is repeated and the last chunk shortened to fit.
func Normalize(layout types.ChunkLayout) (types.ChunkInfo, error) {
	if len(layout.Chunks) != len(layout.Shape) {
		return types.ChunkInfo{}, errors.Newf(errors.ErrCodeInvalidChunkInfo,
			"layout has %d chunk dimensions for shape %v", len(layout.Chunks), layout.Shape)
	}

	info := types.ChunkInfo{
		Shape:      append([]int(nil), layout.Shape...),
		ChunkSizes: make([][]int, len(layout.Shape)),
	}
	for d, dim := range layout.Chunks {
		extent := layout.Shape[d]
		switch {
		case len(dim.Sizes) > 0:
			info.ChunkSizes[d] = append([]int(nil), dim.Sizes...)
		case dim.Uniform > 0:
			sizes := make([]int, 0, (extent+dim.Uniform-1)/dim.Uniform)
			for pos := 0; pos < extent; pos += dim.Uniform {
				n := dim.Uniform
				if pos+n > extent {
					n = extent - pos
				}
				sizes = append(sizes, n)
			}
			info.ChunkSizes[d] = sizes
		case extent == 0:
			info.ChunkSizes[d] = []int{}
		default:
			return types.ChunkInfo{}, errors.Newf(errors.ErrCodeInvalidChunkInfo,
				"dimension %d has no chunk length", d)
		}
	}

	if err := checkInfo(info); err != nil {
		return types.ChunkInfo{}, err
	}
	return info, nil
}

// checkInfo validates info and bounds the grid to what the resident bitmaps
// can address
func checkInfo(info types.ChunkInfo) error {
	if err := info.Validate(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidChunkInfo, "invalid chunk info")
	}
	n := uint64(1)
	for _, g := range info.Grid() {
		if g == 0 {
			return nil
		}
		if n > math.MaxUint32/uint64(g) {
			return errors.NewError(errors.ErrCodeInvalidChunkInfo, "chunk grid exceeds 2^32 chunks")
		}
		n *= uint64(g)
	}
	return nil
}
