package zarr

import (
	"context"
	stderrors "errors"
	"fmt"
	"path"
	"sync"

	"github.com/objectfs/chunkcache/internal/storage"
	"github.com/objectfs/chunkcache/pkg/errors"
	"github.com/objectfs/chunkcache/pkg/ndarray"
	"github.com/objectfs/chunkcache/pkg/types"
	"github.com/objectfs/chunkcache/pkg/utils"
)

// Source serves zarr v2 arrays laid out as <prefix>/<record>/<field>/ over
// a BlobStore. It satisfies types.ChunkedArraySource.
type Source struct {
	store  storage.BlobStore
	prefix string
	logger *utils.StructuredLogger

	mu    sync.RWMutex
	metas map[types.ArrayKey]*ArrayMeta
}

var _ types.ChunkedArraySource = (*Source)(nil)

// NewSource creates a source rooted at prefix
func NewSource(store storage.BlobStore, prefix string, logger *utils.StructuredLogger) *Source {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Source{
		store:  store,
		prefix: prefix,
		logger: logger.WithComponent("zarr-source"),
		metas:  make(map[types.ArrayKey]*ArrayMeta),
	}
}

// ArrayPath is the object prefix of key
func (s *Source) ArrayPath(key types.ArrayKey) string {
	return path.Join(s.prefix, key.Record, key.Field)
}

// Meta returns the array's metadata, reading it on first use
func (s *Source) Meta(ctx context.Context, key types.ArrayKey) (*ArrayMeta, error) {
	s.mu.RLock()
	meta, ok := s.metas[key]
	s.mu.RUnlock()
	if ok {
		return meta, nil
	}

	name := path.Join(s.ArrayPath(key), MetaKey)
	data, err := s.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	meta, err = ParseArrayMeta(data)
	if err != nil {
		var ce *errors.CacheError
		if stderrors.As(err, &ce) {
			ce.WithDetail("object", name)
		}
		return nil, err
	}

	s.mu.Lock()
	s.metas[key] = meta
	s.mu.Unlock()

	s.logger.Debug("Loaded array metadata", map[string]interface{}{
		"array":  key.String(),
		"shape":  meta.Shape,
		"chunks": meta.Chunks,
		"dtype":  string(meta.Dtype),
	})
	return meta, nil
}

// Forget drops cached metadata for key
func (s *Source) Forget(key types.ArrayKey) {
	s.mu.Lock()
	delete(s.metas, key)
	s.mu.Unlock()
}

// ForgetRecord drops cached metadata for every field of record
func (s *Source) ForgetRecord(record string) {
	s.mu.Lock()
	for k := range s.metas {
		if k.Record == record {
			delete(s.metas, k)
		}
	}
	s.mu.Unlock()
}

// ShapeAndChunks reports the array's uniform chunking
func (s *Source) ShapeAndChunks(ctx context.Context, key types.ArrayKey) (types.ChunkLayout, error) {
	meta, err := s.Meta(ctx, key)
	if err != nil {
		return types.ChunkLayout{}, err
	}
	return types.UniformLayout(meta.Shape, meta.Chunks), nil
}

// FetchRange reads the chunk covering ranges and crops it to them. The
// ranges must fall inside a single chunk. A chunk object that was never
// written reads as the fill value.
func (s *Source) FetchRange(ctx context.Context, key types.ArrayKey, ranges []types.Range) (*ndarray.Array, error) {
	meta, err := s.Meta(ctx, key)
	if err != nil {
		return nil, err
	}
	coord, local, err := locate(meta, ranges)
	if err != nil {
		return nil, err.(*errors.CacheError).WithDetail("array", key.String())
	}

	name := path.Join(s.ArrayPath(key), meta.ChunkKey(coord))
	chunk, err := s.readChunk(ctx, meta, name)
	if err != nil {
		return nil, err
	}
	return chunk.Slice(local)
}

func (s *Source) readChunk(ctx context.Context, meta *ArrayMeta, name string) (*ndarray.Array, error) {
	data, err := s.store.Get(ctx, name)
	if stderrors.Is(err, errors.ErrObjectNotFound) {
		fill, _ := meta.Fill()
		s.logger.Trace("Chunk absent, using fill value", map[string]interface{}{
			"object": name,
		})
		return ndarray.Full(meta.Dtype, meta.Chunks, fill)
	}
	if err != nil {
		return nil, err
	}

	codec, err := codecFor(meta.Compressor)
	if err != nil {
		return nil, err
	}
	raw, err := codec.Decode(data)
	if err != nil {
		return nil, err.(*errors.CacheError).WithDetail("object", name)
	}
	if len(raw) != meta.ChunkBytes() {
		return nil, errors.NewError(errors.ErrCodeCodecFailed,
			fmt.Sprintf("decoded chunk has %d bytes, want %d", len(raw), meta.ChunkBytes())).
			WithComponent("zarr-source").
			WithDetail("object", name)
	}
	return ndarray.New(meta.Dtype, meta.Chunks, raw)
}

// locate maps element ranges to the chunk holding them and the ranges
// relative to that chunk's origin
func locate(meta *ArrayMeta, ranges []types.Range) ([]int, []types.Range, error) {
	if len(ranges) != len(meta.Shape) {
		return nil, nil, errors.NewError(errors.ErrCodeDimensionMismatch,
			fmt.Sprintf("%d ranges for a rank %d array", len(ranges), len(meta.Shape))).
			WithComponent("zarr-source")
	}

	coord := make([]int, len(ranges))
	local := make([]types.Range, len(ranges))
	for d, r := range ranges {
		size := meta.Chunks[d]
		if r.Start < 0 || r.Stop > meta.Shape[d] || r.Start >= r.Stop {
			return nil, nil, errors.NewError(errors.ErrCodeInvalidLayout,
				fmt.Sprintf("range %s outside dimension %d of extent %d", r, d, meta.Shape[d])).
				WithComponent("zarr-source")
		}
		c := r.Start / size
		origin := c * size
		if r.Stop > origin+size {
			return nil, nil, errors.NewError(errors.ErrCodeInvalidLayout,
				fmt.Sprintf("range %s crosses a chunk boundary in dimension %d", r, d)).
				WithComponent("zarr-source")
		}
		coord[d] = c
		local[d] = types.Range{Start: r.Start - origin, Stop: r.Stop - origin}
	}
	return coord, local, nil
}
