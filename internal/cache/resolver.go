package cache

import (
	"github.com/objectfs/chunkcache/pkg/errors"
	"github.com/objectfs/chunkcache/pkg/types"
)

// ChunkRequest is one chunk a selection touches and the part of it to keep
type ChunkRequest struct {
	Coord types.ChunkCoordinate

	// ChunkShape is the actual extent of the chunk, short at array edges
	ChunkShape []int

	// Internal is the selection clipped to the chunk, in chunk-local
	// coordinates. Scalar dimensions get a length-1 range.
	Internal []types.Range
}

// dimHit is one chunk along a single dimension and the slice within it
type dimHit struct {
	chunk    int
	internal types.Range
}

// Resolve maps a selection onto the chunks it overlaps. Coordinates are
// produced in row-major order with the last dimension varying fastest. The
// returned shape is the full array shape.
func Resolve(info types.ChunkInfo, sel types.Selection) ([]ChunkRequest, []int, error) {
	if len(sel) != info.Rank() {
		return nil, nil, errors.Newf(errors.ErrCodeDimensionMismatch,
			"selection has %d dimensions, array has %d", len(sel), info.Rank()).
			WithComponent("resolver").
			WithOperation("Resolve")
	}

	perDim := make([][]dimHit, len(sel))
	for d, s := range sel {
		perDim[d] = resolveDim(info.Offsets(d), s.Bounds(info.Shape[d]))
		if len(perDim[d]) == 0 {
			return nil, nil, errors.Newf(errors.ErrCodeNoChunks,
				"selection %s matches no chunk in dimension %d (extent %d)", sel, d, info.Shape[d]).
				WithComponent("resolver").
				WithOperation("Resolve")
		}
	}

	total := 1
	for _, hits := range perDim {
		total *= len(hits)
	}

	requests := make([]ChunkRequest, 0, total)
	idx := make([]int, len(perDim))
	for {
		req := ChunkRequest{
			Coord:      make(types.ChunkCoordinate, len(perDim)),
			ChunkShape: make([]int, len(perDim)),
			Internal:   make([]types.Range, len(perDim)),
		}
		for d, i := range idx {
			hit := perDim[d][i]
			req.Coord[d] = hit.chunk
			req.ChunkShape[d] = info.ChunkSizes[d][hit.chunk]
			req.Internal[d] = hit.internal
		}
		requests = append(requests, req)

		d := len(idx) - 1
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < len(perDim[d]) {
				break
			}
			idx[d] = 0
		}
		if d < 0 {
			break
		}
	}

	return requests, append([]int(nil), info.Shape...), nil
}

// resolveDim returns every chunk c with start_c < stop && end_c > start.
// offsets holds the cumulative chunk boundaries of the dimension. An empty
// range hits nothing.
func resolveDim(offsets []int, want types.Range) []dimHit {
	if want.Len() == 0 {
		return nil
	}
	var hits []dimHit
	for c := 0; c+1 < len(offsets); c++ {
		start, end := offsets[c], offsets[c+1]
		if start >= want.Stop {
			break
		}
		if end <= want.Start {
			continue
		}
		lo, hi := want.Start, want.Stop
		if lo < start {
			lo = start
		}
		if hi > end {
			hi = end
		}
		hits = append(hits, dimHit{
			chunk:    c,
			internal: types.Range{Start: lo - start, Stop: hi - start},
		})
	}
	return hits
}
