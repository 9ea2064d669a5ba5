package ndarray

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// DType is a numpy-style type string such as "<f8", "<i4" or "|u1".
type DType string

// Common element types
const (
	Float64 DType = "<f8"
	Float32 DType = "<f4"
	Int64   DType = "<i8"
	Int32   DType = "<i4"
	Int16   DType = "<i2"
	Uint8   DType = "|u1"
	Bool    DType = "|b1"
)

// Validate checks the byte-order prefix, kind and item size
func (d DType) Validate() error {
	if len(d) < 3 {
		return fmt.Errorf("invalid dtype %q", string(d))
	}
	switch d[0] {
	case '<', '>', '|', '=':
	default:
		return fmt.Errorf("invalid dtype byte order in %q", string(d))
	}

	size, err := strconv.Atoi(string(d[2:]))
	if err != nil || size <= 0 {
		return fmt.Errorf("invalid dtype item size in %q", string(d))
	}

	switch d[1] {
	case 'f':
		if size != 4 && size != 8 {
			return fmt.Errorf("unsupported float size %d", size)
		}
	case 'i', 'u':
		if size != 1 && size != 2 && size != 4 && size != 8 {
			return fmt.Errorf("unsupported integer size %d", size)
		}
	case 'b':
		if size != 1 {
			return fmt.Errorf("unsupported bool size %d", size)
		}
	default:
		return fmt.Errorf("unsupported dtype kind %q", d[1])
	}
	return nil
}

// Kind returns the kind character ('f', 'i', 'u' or 'b')
func (d DType) Kind() byte {
	if len(d) < 2 {
		return 0
	}
	return d[1]
}

// ItemSize returns the element size in bytes, or 0 for an invalid dtype
func (d DType) ItemSize() int {
	if len(d) < 3 {
		return 0
	}
	size, err := strconv.Atoi(string(d[2:]))
	if err != nil {
		return 0
	}
	return size
}

// ByteOrder returns the element byte order
func (d DType) ByteOrder() binary.ByteOrder {
	if len(d) > 0 && d[0] == '>' {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (d DType) decode(b []byte) float64 {
	order := d.ByteOrder()
	switch d.Kind() {
	case 'f':
		if len(b) == 4 {
			return float64(math.Float32frombits(order.Uint32(b)))
		}
		return math.Float64frombits(order.Uint64(b))
	case 'i':
		switch len(b) {
		case 1:
			return float64(int8(b[0]))
		case 2:
			return float64(int16(order.Uint16(b)))
		case 4:
			return float64(int32(order.Uint32(b)))
		default:
			return float64(int64(order.Uint64(b)))
		}
	case 'u':
		switch len(b) {
		case 1:
			return float64(b[0])
		case 2:
			return float64(order.Uint16(b))
		case 4:
			return float64(order.Uint32(b))
		default:
			return float64(order.Uint64(b))
		}
	case 'b':
		if b[0] != 0 {
			return 1
		}
		return 0
	}
	return math.NaN()
}

// Encode writes v as one element of d into b, which must hold ItemSize bytes.
// Integer kinds truncate toward zero.
func (d DType) Encode(b []byte, v float64) {
	order := d.ByteOrder()
	switch d.Kind() {
	case 'f':
		if len(b) == 4 {
			order.PutUint32(b, math.Float32bits(float32(v)))
			return
		}
		order.PutUint64(b, math.Float64bits(v))
	case 'i':
		switch len(b) {
		case 1:
			b[0] = byte(int8(v))
		case 2:
			order.PutUint16(b, uint16(int16(v)))
		case 4:
			order.PutUint32(b, uint32(int32(v)))
		default:
			order.PutUint64(b, uint64(int64(v)))
		}
	case 'u':
		switch len(b) {
		case 1:
			b[0] = uint8(v)
		case 2:
			order.PutUint16(b, uint16(v))
		case 4:
			order.PutUint32(b, uint32(v))
		default:
			order.PutUint64(b, uint64(v))
		}
	case 'b':
		b[0] = 0
		if v != 0 {
			b[0] = 1
		}
	}
}
