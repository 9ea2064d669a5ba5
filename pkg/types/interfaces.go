package types

import (
	"context"
	"fmt"
	"strings"

	"github.com/objectfs/chunkcache/pkg/ndarray"
)

// ChunkedArraySource is a remote store of chunked N-dimensional arrays
type ChunkedArraySource interface {
	// ShapeAndChunks reports the shape and chunking of an array
	ShapeAndChunks(ctx context.Context, key ArrayKey) (ChunkLayout, error)

	// FetchRange materializes the elements covered by one range per
	// dimension. The cache only asks for whole chunks.
	FetchRange(ctx context.Context, key ArrayKey, ranges []Range) (*ndarray.Array, error)
}

// Selector addresses one dimension of a read: a half-open range with
// optional bounds, or a single scalar index
type Selector struct {
	scalar   bool
	index    int
	start    int
	stop     int
	hasStart bool
	hasStop  bool
}

// All selects a whole dimension
func All() Selector {
	return Selector{}
}

// Span selects [start, stop)
func Span(start, stop int) Selector {
	return Selector{start: start, stop: stop, hasStart: true, hasStop: true}
}

// From selects [start, extent)
func From(start int) Selector {
	return Selector{start: start, hasStart: true}
}

// To selects [0, stop)
func To(stop int) Selector {
	return Selector{stop: stop, hasStop: true}
}

// Index selects a single position and drops the dimension from the result
func Index(i int) Selector {
	return Selector{scalar: true, index: i}
}

func (s Selector) IsScalar() bool {
	return s.scalar
}

// ScalarIndex returns the index of a scalar selector
func (s Selector) ScalarIndex() int {
	return s.index
}

// Bounds resolves the selector against a dimension of the given extent.
// Range bounds are clipped to [0, extent]; a scalar yields [i, i+1) without
// clipping so out-of-range indices match no chunk.
func (s Selector) Bounds(extent int) Range {
	if s.scalar {
		return Range{Start: s.index, Stop: s.index + 1}
	}
	start, stop := 0, extent
	if s.hasStart {
		start = clamp(s.start, 0, extent)
	}
	if s.hasStop {
		stop = clamp(s.stop, 0, extent)
	}
	if stop < start {
		stop = start
	}
	return Range{Start: start, Stop: stop}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (s Selector) String() string {
	if s.scalar {
		return fmt.Sprintf("%d", s.index)
	}
	var sb strings.Builder
	if s.hasStart {
		fmt.Fprintf(&sb, "%d", s.start)
	}
	sb.WriteByte(':')
	if s.hasStop {
		fmt.Fprintf(&sb, "%d", s.stop)
	}
	return sb.String()
}

// Selection is one Selector per array dimension
type Selection []Selector

// ScalarDims returns the dimensions addressed by scalar selectors
func (sel Selection) ScalarDims() []int {
	var dims []int
	for d, s := range sel {
		if s.scalar {
			dims = append(dims, d)
		}
	}
	return dims
}

func (sel Selection) String() string {
	parts := make([]string, len(sel))
	for i, s := range sel {
		parts[i] = s.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
