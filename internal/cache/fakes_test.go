package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/chunkcache/pkg/ndarray"
	"github.com/objectfs/chunkcache/pkg/types"
)

// fakeSource serves slices of in-memory arrays and counts FetchRange calls
type fakeSource struct {
	mu      sync.Mutex
	arrays  map[types.ArrayKey]*ndarray.Array
	layouts map[types.ArrayKey]types.ChunkLayout
	fetches map[string]int

	introspections atomic.Int64
	totalFetches   atomic.Int64

	// gate, when set, blocks every FetchRange until it is closed or the
	// fetch context ends
	gate chan struct{}
	// started receives one value per FetchRange call once it begins
	started chan struct{}
	// ignoreCancel makes gated fetches wait for the gate even after their
	// context ends, like a transport that does not honour cancellation
	ignoreCancel bool

	failFetch func(key types.ArrayKey, ranges []types.Range) error
	failShape error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		arrays:  make(map[types.ArrayKey]*ndarray.Array),
		layouts: make(map[types.ArrayKey]types.ChunkLayout),
		fetches: make(map[string]int),
	}
}

func (f *fakeSource) add(key types.ArrayKey, arr *ndarray.Array, layout types.ChunkLayout) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.arrays[key] = arr
	f.layouts[key] = layout
}

func (f *fakeSource) ShapeAndChunks(ctx context.Context, key types.ArrayKey) (types.ChunkLayout, error) {
	f.introspections.Add(1)
	if f.failShape != nil {
		return types.ChunkLayout{}, f.failShape
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	layout, ok := f.layouts[key]
	if !ok {
		return types.ChunkLayout{}, fmt.Errorf("no array %s", key)
	}
	return layout, nil
}

func (f *fakeSource) FetchRange(ctx context.Context, key types.ArrayKey, ranges []types.Range) (*ndarray.Array, error) {
	f.totalFetches.Add(1)
	f.mu.Lock()
	f.fetches[fetchKey(key, ranges)]++
	arr := f.arrays[key]
	gate, started, fail, stubborn := f.gate, f.started, f.failFetch, f.ignoreCancel
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		if stubborn {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if fail != nil {
		if err := fail(key, ranges); err != nil {
			return nil, err
		}
	}
	if arr == nil {
		return nil, fmt.Errorf("no array %s", key)
	}
	return arr.Slice(ranges)
}

func (f *fakeSource) fetchCount(key types.ArrayKey, ranges []types.Range) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[fetchKey(key, ranges)]
}

func fetchKey(key types.ArrayKey, ranges []types.Range) string {
	return fmt.Sprintf("%s%v", key, ranges)
}

// seqArray returns a float64 array holding 0, 1, 2, ... in C order
func seqArray(shape ...int) *ndarray.Array {
	values := make([]float64, ndarray.Size(shape))
	for i := range values {
		values[i] = float64(i)
	}
	arr, err := ndarray.FromFloat64s(shape, values)
	if err != nil {
		panic(err)
	}
	return arr
}

// recordingObserver counts observer callbacks
type recordingObserver struct {
	reads      atomic.Int64
	fetches    atomic.Int64
	hits       atomic.Int64
	misses     atomic.Int64
	evictions  atomic.Int64
	rejections atomic.Int64
	lastSize   atomic.Int64
}

func (o *recordingObserver) RecordRead(time.Duration, error) { o.reads.Add(1) }

func (o *recordingObserver) RecordFetch(time.Duration, int64, error) { o.fetches.Add(1) }

func (o *recordingObserver) RecordLookup(hit bool) {
	if hit {
		o.hits.Add(1)
	} else {
		o.misses.Add(1)
	}
}

func (o *recordingObserver) RecordEviction(int64) { o.evictions.Add(1) }

func (o *recordingObserver) RecordRejection() { o.rejections.Add(1) }

func (o *recordingObserver) RecordResidency(sizeBytes int64, _, _ int) { o.lastSize.Store(sizeBytes) }
