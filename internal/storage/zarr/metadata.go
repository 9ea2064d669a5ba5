package zarr

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/objectfs/chunkcache/pkg/errors"
	"github.com/objectfs/chunkcache/pkg/ndarray"
)

// MetaKey is the object name holding array metadata
const MetaKey = ".zarray"

// Fill value spellings for non-finite floats
const (
	FillValueNaN              = "NaN"
	FillValueInfinity         = "Infinity"
	FillValueNegativeInfinity = "-Infinity"
)

// Compressor names the codec applied to every chunk. A nil compressor
// stores chunks raw.
type Compressor struct {
	ID    string `json:"id"`
	Level int    `json:"level,omitempty"`
}

// ArrayMeta is the JSON document stored under .zarray
type ArrayMeta struct {
	ZarrFormat int           `json:"zarr_format"`
	Shape      []int         `json:"shape"`
	Chunks     []int         `json:"chunks"`
	Dtype      ndarray.DType `json:"dtype"`
	Compressor *Compressor   `json:"compressor"`

	// FillValue is a number, one of the non-finite spellings or null
	FillValue json.RawMessage `json:"fill_value"`

	// Order must be "C"; column-major chunks are not supported
	Order              string            `json:"order"`
	Filters            []json.RawMessage `json:"filters"`
	DimensionSeparator string            `json:"dimension_separator,omitempty"`
}

// ParseArrayMeta decodes and validates a .zarray document
func ParseArrayMeta(data []byte) (*ArrayMeta, error) {
	var meta ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidLayout, "malformed array metadata").
			WithComponent("zarr")
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Validate checks that the array can be served
func (m *ArrayMeta) Validate() error {
	invalid := func(msg string) error {
		return errors.NewError(errors.ErrCodeInvalidLayout, msg).WithComponent("zarr")
	}

	if m.ZarrFormat != 2 {
		return invalid("unsupported zarr_format " + strconv.Itoa(m.ZarrFormat))
	}
	if len(m.Shape) != len(m.Chunks) {
		return invalid("shape and chunks differ in rank")
	}
	for i := range m.Shape {
		if m.Shape[i] < 0 {
			return invalid("negative extent in shape")
		}
		if m.Chunks[i] <= 0 {
			return invalid("chunk lengths must be positive")
		}
	}
	if err := m.Dtype.Validate(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidLayout, "unsupported dtype").WithComponent("zarr")
	}
	if m.Order != "" && m.Order != "C" {
		return invalid("only C order chunks are supported")
	}
	if len(m.Filters) > 0 {
		return invalid("filters are not supported")
	}
	switch m.DimensionSeparator {
	case "", ".", "/":
	default:
		return invalid("invalid dimension_separator " + strconv.Quote(m.DimensionSeparator))
	}
	if _, err := m.Fill(); err != nil {
		return err
	}
	if _, err := codecFor(m.Compressor); err != nil {
		return err
	}
	return nil
}

// Fill returns the fill value as a float64. Null means zero.
func (m *ArrayMeta) Fill() (float64, error) {
	raw := strings.TrimSpace(string(m.FillValue))
	if raw == "" || raw == "null" {
		return 0, nil
	}

	var s string
	if err := json.Unmarshal(m.FillValue, &s); err == nil {
		switch s {
		case FillValueNaN:
			return math.NaN(), nil
		case FillValueInfinity:
			return math.Inf(1), nil
		case FillValueNegativeInfinity:
			return math.Inf(-1), nil
		}
		return 0, errors.NewError(errors.ErrCodeInvalidLayout, "unsupported fill_value "+strconv.Quote(s)).
			WithComponent("zarr")
	}

	var b bool
	if err := json.Unmarshal(m.FillValue, &b); err == nil {
		if b {
			return 1, nil
		}
		return 0, nil
	}

	var f float64
	if err := json.Unmarshal(m.FillValue, &f); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInvalidLayout, "invalid fill_value").WithComponent("zarr")
	}
	return f, nil
}

// ChunkKey names the object holding the chunk at coord
func (m *ArrayMeta) ChunkKey(coord []int) string {
	sep := m.DimensionSeparator
	if sep == "" {
		sep = "."
	}
	if len(coord) == 0 {
		return "0"
	}
	parts := make([]string, len(coord))
	for i, c := range coord {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, sep)
}

// ChunkBytes is the decoded size of one full chunk
func (m *ArrayMeta) ChunkBytes() int {
	return ndarray.Size(m.Chunks) * m.Dtype.ItemSize()
}
