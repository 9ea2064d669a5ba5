package types

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/objectfs/chunkcache/pkg/ndarray"
)

// Range is a half-open element interval along one dimension
type Range = ndarray.Range

// ArrayKey identifies one logical array: the owning record and a field name
type ArrayKey struct {
	Record string `json:"record" yaml:"record"`
	Field  string `json:"field" yaml:"field"`
}

func (k ArrayKey) String() string {
	return k.Record + ":" + k.Field
}

// ChunkCoordinate holds one chunk index per dimension
type ChunkCoordinate []int

// Key returns a comparable form of the coordinate ("1.0.3")
func (c ChunkCoordinate) Key() string {
	if len(c) == 0 {
		return "0"
	}
	var sb strings.Builder
	for i, idx := range c {
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(strconv.Itoa(idx))
	}
	return sb.String()
}

func (c ChunkCoordinate) String() string {
	return "(" + strings.ReplaceAll(c.Key(), ".", ", ") + ")"
}

// Equal reports whether two coordinates select the same chunk
func (c ChunkCoordinate) Equal(o ChunkCoordinate) bool {
	if len(c) != len(o) {
		return false
	}
	for i := range c {
		if c[i] != o[i] {
			return false
		}
	}
	return true
}

// ChunkInfo is the shape and per-dimension chunk lengths of one array.
// Invariant: sum(ChunkSizes[d]) == Shape[d] for every dimension.
type ChunkInfo struct {
	Shape      []int   `json:"shape"`
	ChunkSizes [][]int `json:"chunk_sizes"`
}

func (ci ChunkInfo) Rank() int {
	return len(ci.Shape)
}

// Validate checks ranks, chunk lengths and the sum invariant
func (ci ChunkInfo) Validate() error {
	if len(ci.ChunkSizes) != len(ci.Shape) {
		return fmt.Errorf("chunk sizes have %d dimensions, shape has %d", len(ci.ChunkSizes), len(ci.Shape))
	}
	for d, sizes := range ci.ChunkSizes {
		if ci.Shape[d] < 0 {
			return fmt.Errorf("dimension %d has negative extent %d", d, ci.Shape[d])
		}
		total := 0
		for _, s := range sizes {
			if s <= 0 {
				return fmt.Errorf("dimension %d has non-positive chunk length %d", d, s)
			}
			total += s
		}
		if total != ci.Shape[d] {
			return fmt.Errorf("dimension %d chunk lengths sum to %d, shape is %d", d, total, ci.Shape[d])
		}
	}
	return nil
}

// Grid returns the number of chunks along each dimension
func (ci ChunkInfo) Grid() []int {
	grid := make([]int, len(ci.ChunkSizes))
	for d, sizes := range ci.ChunkSizes {
		grid[d] = len(sizes)
	}
	return grid
}

// NumChunks returns the total number of chunks
func (ci ChunkInfo) NumChunks() uint64 {
	n := uint64(1)
	for _, g := range ci.Grid() {
		n *= uint64(g)
	}
	return n
}

// Offsets returns the cumulative chunk boundaries along dim, starting at 0
// and ending at Shape[dim]
func (ci ChunkInfo) Offsets(dim int) []int {
	sizes := ci.ChunkSizes[dim]
	pos := make([]int, len(sizes)+1)
	for i, s := range sizes {
		pos[i+1] = pos[i] + s
	}
	return pos
}

// ChunkBounds returns the element ranges covered by the chunk at coord
func (ci ChunkInfo) ChunkBounds(coord ChunkCoordinate) ([]Range, error) {
	if err := ci.checkCoordinate(coord); err != nil {
		return nil, err
	}
	bounds := make([]Range, len(coord))
	for d, idx := range coord {
		start := 0
		for _, s := range ci.ChunkSizes[d][:idx] {
			start += s
		}
		bounds[d] = Range{Start: start, Stop: start + ci.ChunkSizes[d][idx]}
	}
	return bounds, nil
}

// Linear maps coord to its row-major position in the chunk grid
func (ci ChunkInfo) Linear(coord ChunkCoordinate) (uint64, error) {
	if err := ci.checkCoordinate(coord); err != nil {
		return 0, err
	}
	var linear uint64
	for d, idx := range coord {
		linear = linear*uint64(len(ci.ChunkSizes[d])) + uint64(idx)
	}
	return linear, nil
}

// Coordinate is the inverse of Linear
func (ci ChunkInfo) Coordinate(linear uint64) ChunkCoordinate {
	coord := make(ChunkCoordinate, len(ci.ChunkSizes))
	for d := len(ci.ChunkSizes) - 1; d >= 0; d-- {
		n := uint64(len(ci.ChunkSizes[d]))
		coord[d] = int(linear % n)
		linear /= n
	}
	return coord
}

func (ci ChunkInfo) checkCoordinate(coord ChunkCoordinate) error {
	if len(coord) != len(ci.ChunkSizes) {
		return fmt.Errorf("coordinate %v has rank %d, array has rank %d", coord, len(coord), len(ci.ChunkSizes))
	}
	for d, idx := range coord {
		if idx < 0 || idx >= len(ci.ChunkSizes[d]) {
			return fmt.Errorf("coordinate %v out of range in dimension %d", coord, d)
		}
	}
	return nil
}

// DimChunks is the chunking of one dimension as reported by a source: either
// one Uniform length repeated to fill the extent, or explicit Sizes
type DimChunks struct {
	Uniform int   `json:"uniform,omitempty"`
	Sizes   []int `json:"sizes,omitempty"`
}

// ChunkLayout is what a source reports before normalization
type ChunkLayout struct {
	Shape  []int       `json:"shape"`
	Chunks []DimChunks `json:"chunks"`
}

// UniformLayout builds a layout where every dimension uses a single
// repeated chunk length
func UniformLayout(shape, chunks []int) ChunkLayout {
	layout := ChunkLayout{Shape: append([]int(nil), shape...)}
	for _, c := range chunks {
		layout.Chunks = append(layout.Chunks, DimChunks{Uniform: c})
	}
	return layout
}

// CacheStats is a point-in-time snapshot of cache diagnostics
type CacheStats struct {
	SizeBytes                int64   `json:"size_bytes"`
	MaxSizeBytes             int64   `json:"max_size_bytes"`
	EntryCount               int     `json:"entry_count"`
	ArrayCount               int     `json:"array_count"`
	Hits                     uint64  `json:"hits"`
	Misses                   uint64  `json:"misses"`
	HitRate                  float64 `json:"hit_rate"`
	Evictions                uint64  `json:"evictions"`
	Rejected                 uint64  `json:"rejected"`
	InFlight                 int     `json:"in_flight"`
	SystemMemoryUsedFraction float64 `json:"system_memory_used_fraction"`
}
