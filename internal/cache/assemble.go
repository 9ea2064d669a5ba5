package cache

import (
	"sort"

	"github.com/objectfs/chunkcache/pkg/errors"
	"github.com/objectfs/chunkcache/pkg/ndarray"
	"github.com/objectfs/chunkcache/pkg/types"
)

type piece struct {
	coord types.ChunkCoordinate
	arr   *ndarray.Array
}

// Assemble slices every requested chunk and stitches the pieces into one
// array that keeps the full rank. chunks is keyed by coordinate key. Scalar
// dimensions are still present as length-1 axes in the result, which never
// exceeds fullShape in any dimension.
func Assemble(chunks map[string]*ndarray.Array, requests []ChunkRequest, fullShape []int) (*ndarray.Array, error) {
	if len(requests) == 0 {
		return nil, errors.NewError(errors.ErrCodeNoChunks, "nothing to assemble").
			WithComponent("assembler")
	}

	pieces := make([]piece, 0, len(requests))
	var missing []string
	for _, req := range requests {
		if len(req.Coord) != len(fullShape) {
			return nil, errors.Newf(errors.ErrCodeDimensionMismatch,
				"chunk %s has %d dimensions, array has %d", req.Coord, len(req.Coord), len(fullShape)).
				WithComponent("assembler")
		}
		arr, ok := chunks[req.Coord.Key()]
		if !ok {
			missing = append(missing, req.Coord.String())
			continue
		}
		sliced, err := arr.Slice(req.Internal)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternalError, "cannot slice chunk "+req.Coord.String()).
				WithComponent("assembler")
		}
		pieces = append(pieces, piece{coord: req.Coord, arr: sliced})
	}
	if len(missing) > 0 {
		return nil, errors.Newf(errors.ErrCodeMissingChunks, "%d of %d chunks missing", len(missing), len(requests)).
			WithComponent("assembler").
			WithDetail("missing", missing)
	}

	out, err := assemble(pieces, 0)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "cannot concatenate chunks").
			WithComponent("assembler")
	}
	for d, n := range out.Shape() {
		if n > fullShape[d] {
			return nil, errors.Newf(errors.ErrCodeInternalError,
				"assembled shape %v exceeds array shape %v", out.Shape(), fullShape).
				WithComponent("assembler")
		}
	}
	return out, nil
}

// assemble groups pieces by their coordinate at depth, assembles each group
// over the deeper dimensions and concatenates the groups along depth
func assemble(pieces []piece, depth int) (*ndarray.Array, error) {
	if len(pieces) == 1 || depth >= len(pieces[0].coord) {
		return pieces[0].arr, nil
	}

	groups := make(map[int][]piece)
	var order []int
	for _, p := range pieces {
		c := p.coord[depth]
		if _, ok := groups[c]; !ok {
			order = append(order, c)
		}
		groups[c] = append(groups[c], p)
	}
	sort.Ints(order)

	parts := make([]*ndarray.Array, 0, len(order))
	for _, c := range order {
		part, err := assemble(groups[c], depth+1)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return ndarray.Concatenate(parts, depth)
}
