package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkInfoValidate(t *testing.T) {
	tests := []struct {
		name    string
		info    ChunkInfo
		wantErr bool
	}{
		{"uniform", ChunkInfo{Shape: []int{100}, ChunkSizes: [][]int{{30, 30, 30, 10}}}, false},
		{"2d", ChunkInfo{Shape: []int{4, 3}, ChunkSizes: [][]int{{4}, {3}}}, false},
		{"rank mismatch", ChunkInfo{Shape: []int{4, 3}, ChunkSizes: [][]int{{4}}}, true},
		{"sum mismatch", ChunkInfo{Shape: []int{10}, ChunkSizes: [][]int{{4, 4}}}, true},
		{"zero length chunk", ChunkInfo{Shape: []int{4}, ChunkSizes: [][]int{{4, 0}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.info.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChunkInfoLinearRoundTrip(t *testing.T) {
	info := ChunkInfo{Shape: []int{10, 7, 5}, ChunkSizes: [][]int{{4, 4, 2}, {7}, {2, 2, 1}}}
	require.NoError(t, info.Validate())
	assert.Equal(t, uint64(9), info.NumChunks())

	seen := map[uint64]bool{}
	for i := 0; i < 3; i++ {
		for k := 0; k < 3; k++ {
			coord := ChunkCoordinate{i, 0, k}
			lin, err := info.Linear(coord)
			require.NoError(t, err)
			assert.False(t, seen[lin])
			seen[lin] = true
			assert.True(t, coord.Equal(info.Coordinate(lin)))
		}
	}

	_, err := info.Linear(ChunkCoordinate{3, 0, 0})
	assert.Error(t, err)
	_, err = info.Linear(ChunkCoordinate{0, 0})
	assert.Error(t, err)
}

func TestChunkBounds(t *testing.T) {
	info := ChunkInfo{Shape: []int{100}, ChunkSizes: [][]int{{30, 30, 30, 10}}}
	b, err := info.ChunkBounds(ChunkCoordinate{3})
	require.NoError(t, err)
	assert.Equal(t, []Range{{Start: 90, Stop: 100}}, b)
	assert.Equal(t, []int{0, 30, 60, 90, 100}, info.Offsets(0))
}

func TestCoordinateKey(t *testing.T) {
	assert.Equal(t, "1.0.3", ChunkCoordinate{1, 0, 3}.Key())
	assert.Equal(t, "(1, 0, 3)", ChunkCoordinate{1, 0, 3}.String())
	assert.Equal(t, "0", ChunkCoordinate{}.Key())
}

func TestSelectorBounds(t *testing.T) {
	tests := []struct {
		name string
		sel  Selector
		want Range
	}{
		{"all", All(), Range{Start: 0, Stop: 10}},
		{"span", Span(2, 5), Range{Start: 2, Stop: 5}},
		{"from", From(7), Range{Start: 7, Stop: 10}},
		{"to", To(3), Range{Start: 0, Stop: 3}},
		{"clipped", Span(-4, 40), Range{Start: 0, Stop: 10}},
		{"inverted", Span(6, 2), Range{Start: 6, Stop: 6}},
		{"scalar", Index(4), Range{Start: 4, Stop: 5}},
		{"scalar out of range", Index(12), Range{Start: 12, Stop: 13}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sel.Bounds(10))
		})
	}
}

func TestSelectionScalarDims(t *testing.T) {
	sel := Selection{Index(2), All(), Index(0)}
	assert.Equal(t, []int{0, 2}, sel.ScalarDims())
	assert.Equal(t, "[2, :, 0]", sel.String())
	assert.Nil(t, Selection{All()}.ScalarDims())
}
