package zarr

import (
	"context"
	"encoding/json"
	"path"

	"github.com/objectfs/chunkcache/internal/storage"
	"github.com/objectfs/chunkcache/pkg/errors"
	"github.com/objectfs/chunkcache/pkg/ndarray"
	"github.com/objectfs/chunkcache/pkg/types"
)

// Writer lays arrays out in the format Source reads. It is used to seed
// the in-memory store and to build fixtures.
type Writer struct {
	store  storage.BlobWriter
	prefix string
}

// NewWriter creates a writer rooted at prefix
func NewWriter(store storage.BlobWriter, prefix string) *Writer {
	return &Writer{store: store, prefix: prefix}
}

// WriteArray stores arr under key split into chunks of the given lengths.
// Edge chunks are padded with zeros to the full chunk shape.
func (w *Writer) WriteArray(ctx context.Context, key types.ArrayKey, arr *ndarray.Array, chunks []int, compressor *Compressor) error {
	meta := &ArrayMeta{
		ZarrFormat: 2,
		Shape:      arr.Shape(),
		Chunks:     append([]int(nil), chunks...),
		Dtype:      arr.DType(),
		Compressor: compressor,
		FillValue:  json.RawMessage("0"),
		Order:      "C",
	}
	if err := meta.Validate(); err != nil {
		return err
	}
	codec, err := codecFor(compressor)
	if err != nil {
		return err
	}

	base := path.Join(w.prefix, key.Record, key.Field)
	doc, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "encode array metadata").WithComponent("zarr")
	}
	if err := w.store.Put(ctx, path.Join(base, MetaKey), doc); err != nil {
		return err
	}

	info := types.ChunkInfo{Shape: meta.Shape, ChunkSizes: make([][]int, len(chunks))}
	for d, c := range chunks {
		for off := 0; off < meta.Shape[d]; off += c {
			info.ChunkSizes[d] = append(info.ChunkSizes[d], min(c, meta.Shape[d]-off))
		}
	}
	if info.NumChunks() == 0 {
		return nil
	}

	for lin := uint64(0); lin < info.NumChunks(); lin++ {
		coord := info.Coordinate(lin)
		bounds, err := info.ChunkBounds(coord)
		if err != nil {
			return err
		}
		part, err := arr.Slice(bounds)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternalError, "slice chunk").WithComponent("zarr")
		}
		raw, err := pad(part, meta.Chunks)
		if err != nil {
			return err
		}
		data, err := codec.Encode(raw)
		if err != nil {
			return err
		}
		if err := w.store.Put(ctx, path.Join(base, meta.ChunkKey(coord)), data); err != nil {
			return err
		}
	}
	return nil
}

// pad embeds part at the origin of a zero array of the full chunk shape
func pad(part *ndarray.Array, full []int) ([]byte, error) {
	shape := part.Shape()
	same := true
	for i := range shape {
		if shape[i] != full[i] {
			same = false
			break
		}
	}
	if same {
		return part.Bytes(), nil
	}

	zero, err := ndarray.Full(part.DType(), full, 0)
	if err != nil {
		return nil, err
	}
	out := zero.Bytes()
	item := part.DType().ItemSize()
	src := part.Bytes()
	rowLen := shape[len(shape)-1] * item

	// copy one innermost row at a time
	rows := ndarray.Size(shape[:len(shape)-1])
	idx := make([]int, len(shape)-1)
	for r := 0; r < rows; r++ {
		off := 0
		for d, i := range idx {
			off = off*full[d] + i
		}
		off *= full[len(full)-1] * item
		copy(out[off:off+rowLen], src[r*rowLen:(r+1)*rowLen])

		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out, nil
}
