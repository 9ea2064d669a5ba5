// Package ndarray provides a minimal dense N-dimensional array in C order,
// enough to slice chunks, stitch them back together and drop scalar axes.
package ndarray

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Range is a half-open interval [Start, Stop) along one dimension
type Range struct {
	Start int `json:"start"`
	Stop  int `json:"stop"`
}

// Len returns the number of elements covered by the range
func (r Range) Len() int {
	if r.Stop <= r.Start {
		return 0
	}
	return r.Stop - r.Start
}

func (r Range) String() string {
	return fmt.Sprintf("[%d:%d)", r.Start, r.Stop)
}

// Array is an immutable dense array. Element bytes are stored in C order.
type Array struct {
	dtype DType
	shape []int
	data  []byte
}

// New wraps data as an array of the given dtype and shape. The data slice is
// owned by the array afterwards.
func New(dtype DType, shape []int, data []byte) (*Array, error) {
	if err := dtype.Validate(); err != nil {
		return nil, err
	}
	for i, n := range shape {
		if n < 0 {
			return nil, fmt.Errorf("negative extent %d in dimension %d", n, i)
		}
	}

	want := Size(shape) * dtype.ItemSize()
	if len(data) != want {
		return nil, fmt.Errorf("data length %d does not match shape %v of %s (%d bytes)", len(data), shape, dtype, want)
	}

	return &Array{
		dtype: dtype,
		shape: append([]int(nil), shape...),
		data:  data,
	}, nil
}

// FromFloat64s builds a little-endian float64 array
func FromFloat64s(shape []int, values []float64) (*Array, error) {
	if len(values) != Size(shape) {
		return nil, fmt.Errorf("%d values do not fill shape %v", len(values), shape)
	}
	data := make([]byte, len(values)*8)
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[i*8:], math.Float64bits(v))
	}
	return New(Float64, shape, data)
}

// Size returns the number of elements in shape
func Size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (a *Array) DType() DType { return a.dtype }

func (a *Array) Rank() int { return len(a.shape) }

// Shape returns a copy of the array's shape
func (a *Array) Shape() []int {
	return append([]int(nil), a.shape...)
}

// Len returns the number of elements
func (a *Array) Len() int {
	return Size(a.shape)
}

// SizeBytes returns the memory held by the element buffer
func (a *Array) SizeBytes() int64 {
	return int64(len(a.data))
}

// Bytes returns a copy of the raw element buffer
func (a *Array) Bytes() []byte {
	return append([]byte(nil), a.data...)
}

// Float64s decodes every element to float64 in C order
func (a *Array) Float64s() []float64 {
	item := a.dtype.ItemSize()
	out := make([]float64, a.Len())
	for i := range out {
		out[i] = a.dtype.decode(a.data[i*item : (i+1)*item])
	}
	return out
}

// Equal reports whether both arrays have the same dtype, shape and bytes
func (a *Array) Equal(b *Array) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.dtype != b.dtype || len(a.shape) != len(b.shape) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	return bytes.Equal(a.data, b.data)
}

func (a *Array) String() string {
	return fmt.Sprintf("ndarray(%s, shape=%v)", a.dtype, a.shape)
}

// strides returns byte strides for a C-ordered shape
func strides(shape []int, item int) []int {
	st := make([]int, len(shape))
	acc := item
	for d := len(shape) - 1; d >= 0; d-- {
		st[d] = acc
		acc *= shape[d]
	}
	return st
}

// Slice copies the sub-array selected by one range per dimension. The
// result keeps the full rank.
func (a *Array) Slice(ranges []Range) (*Array, error) {
	if len(ranges) != len(a.shape) {
		return nil, fmt.Errorf("slice has %d ranges for rank %d array", len(ranges), len(a.shape))
	}

	outShape := make([]int, len(ranges))
	for d, r := range ranges {
		if r.Start < 0 || r.Stop > a.shape[d] || r.Start > r.Stop {
			return nil, fmt.Errorf("range %s out of bounds for dimension %d of extent %d", r, d, a.shape[d])
		}
		outShape[d] = r.Len()
	}

	item := a.dtype.ItemSize()
	out := make([]byte, Size(outShape)*item)
	if len(ranges) == 0 {
		copy(out, a.data)
		return &Array{dtype: a.dtype, shape: outShape, data: out}, nil
	}
	if len(out) == 0 {
		return &Array{dtype: a.dtype, shape: outShape, data: out}, nil
	}

	st := strides(a.shape, item)
	last := len(ranges) - 1
	run := outShape[last] * item
	idx := make([]int, last)
	dst := 0
	for {
		off := ranges[last].Start * item
		for d := 0; d < last; d++ {
			off += (ranges[d].Start + idx[d]) * st[d]
		}
		copy(out[dst:dst+run], a.data[off:off+run])
		dst += run

		d := last - 1
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < outShape[d] {
				break
			}
			idx[d] = 0
		}
		if d < 0 {
			break
		}
	}

	return &Array{dtype: a.dtype, shape: outShape, data: out}, nil
}

// Concatenate joins arrays along axis. All inputs must share dtype, rank
// and every extent except the one along axis.
func Concatenate(arrays []*Array, axis int) (*Array, error) {
	if len(arrays) == 0 {
		return nil, fmt.Errorf("nothing to concatenate")
	}
	first := arrays[0]
	if axis < 0 || axis >= first.Rank() {
		return nil, fmt.Errorf("axis %d out of range for rank %d", axis, first.Rank())
	}
	if len(arrays) == 1 {
		return first, nil
	}

	outShape := first.Shape()
	outShape[axis] = 0
	for i, arr := range arrays {
		if arr.dtype != first.dtype {
			return nil, fmt.Errorf("array %d has dtype %s, want %s", i, arr.dtype, first.dtype)
		}
		if arr.Rank() != first.Rank() {
			return nil, fmt.Errorf("array %d has rank %d, want %d", i, arr.Rank(), first.Rank())
		}
		for d := range arr.shape {
			if d != axis && arr.shape[d] != first.shape[d] {
				return nil, fmt.Errorf("array %d has extent %d in dimension %d, want %d", i, arr.shape[d], d, first.shape[d])
			}
		}
		outShape[axis] += arr.shape[axis]
	}

	item := first.dtype.ItemSize()
	outer := Size(first.shape[:axis])
	inner := Size(first.shape[axis+1:]) * item

	out := make([]byte, 0, Size(outShape)*item)
	for o := 0; o < outer; o++ {
		for _, arr := range arrays {
			block := arr.shape[axis] * inner
			out = append(out, arr.data[o*block:(o+1)*block]...)
		}
	}

	return &Array{dtype: first.dtype, shape: outShape, data: out}, nil
}

// Squeeze removes the given axes, each of which must have extent 1
func (a *Array) Squeeze(axes []int) (*Array, error) {
	drop := make(map[int]bool, len(axes))
	for _, ax := range axes {
		if ax < 0 || ax >= a.Rank() {
			return nil, fmt.Errorf("squeeze axis %d out of range for rank %d", ax, a.Rank())
		}
		if a.shape[ax] != 1 {
			return nil, fmt.Errorf("cannot squeeze axis %d with extent %d", ax, a.shape[ax])
		}
		drop[ax] = true
	}

	shape := make([]int, 0, a.Rank()-len(drop))
	for d, n := range a.shape {
		if !drop[d] {
			shape = append(shape, n)
		}
	}
	return &Array{dtype: a.dtype, shape: shape, data: a.data}, nil
}

// Full builds an array of shape with every element set to v
func Full(dtype DType, shape []int, v float64) (*Array, error) {
	if err := dtype.Validate(); err != nil {
		return nil, err
	}
	item := dtype.ItemSize()
	n := Size(shape)
	data := make([]byte, n*item)
	if n > 0 && (v != 0 || math.Signbit(v)) {
		dtype.Encode(data[:item], v)
		for filled := item; filled < len(data); filled *= 2 {
			copy(data[filled:], data[:filled])
		}
	}
	return New(dtype, shape, data)
}
