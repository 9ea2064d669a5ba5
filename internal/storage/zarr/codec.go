package zarr

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/objectfs/chunkcache/pkg/errors"
)

// Codec compresses and decompresses whole chunks
type Codec interface {
	Encode(raw []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// Codec IDs as written in .zarray
const (
	CodecZstd = "zstd"
	CodecGzip = "gzip"
	CodecZlib = "zlib"
	CodecLZ4  = "lz4"
)

func codecFor(c *Compressor) (Codec, error) {
	if c == nil {
		return rawCodec{}, nil
	}
	switch c.ID {
	case "", "raw":
		return rawCodec{}, nil
	case CodecZstd:
		return zstdCodec{level: c.Level}, nil
	case CodecGzip:
		return gzipCodec{level: c.Level}, nil
	case CodecZlib:
		return zlibCodec{level: c.Level}, nil
	case CodecLZ4:
		return lz4Codec{}, nil
	}
	return nil, errors.NewError(errors.ErrCodeInvalidLayout, "unsupported compressor "+c.ID).
		WithComponent("zarr")
}

func codecError(err error, id, op string) error {
	return errors.Wrap(err, errors.ErrCodeCodecFailed, id+" "+op+" failed").
		WithComponent("zarr")
}

type rawCodec struct{}

func (rawCodec) Encode(raw []byte) ([]byte, error)  { return raw, nil }
func (rawCodec) Decode(data []byte) ([]byte, error) { return data, nil }

// zstd readers and writers are safe for concurrent EncodeAll/DecodeAll
var (
	zstdDecoderOnce sync.Once
	zstdDecoder     *zstd.Decoder
	zstdDecoderErr  error
)

func sharedZstdDecoder() (*zstd.Decoder, error) {
	zstdDecoderOnce.Do(func() {
		zstdDecoder, zstdDecoderErr = zstd.NewReader(nil)
	})
	return zstdDecoder, zstdDecoderErr
}

type zstdCodec struct{ level int }

func (c zstdCodec) Encode(raw []byte) ([]byte, error) {
	level := zstd.SpeedDefault
	if c.level > 0 {
		level = zstd.EncoderLevelFromZstd(c.level)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, codecError(err, CodecZstd, "encode")
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

func (zstdCodec) Decode(data []byte) ([]byte, error) {
	dec, err := sharedZstdDecoder()
	if err != nil {
		return nil, codecError(err, CodecZstd, "decode")
	}
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, codecError(err, CodecZstd, "decode")
	}
	return out, nil
}

type gzipCodec struct{ level int }

func (c gzipCodec) Encode(raw []byte) ([]byte, error) {
	level := gzip.DefaultCompression
	if c.level > 0 {
		level = c.level
	}
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, codecError(err, CodecGzip, "encode")
	}
	if _, err := w.Write(raw); err != nil {
		return nil, codecError(err, CodecGzip, "encode")
	}
	if err := w.Close(); err != nil {
		return nil, codecError(err, CodecGzip, "encode")
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decode(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, codecError(err, CodecGzip, "decode")
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, codecError(err, CodecGzip, "decode")
	}
	return out, nil
}

type zlibCodec struct{ level int }

func (c zlibCodec) Encode(raw []byte) ([]byte, error) {
	level := zlib.DefaultCompression
	if c.level > 0 {
		level = c.level
	}
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, codecError(err, CodecZlib, "encode")
	}
	if _, err := w.Write(raw); err != nil {
		return nil, codecError(err, CodecZlib, "encode")
	}
	if err := w.Close(); err != nil {
		return nil, codecError(err, CodecZlib, "encode")
	}
	return buf.Bytes(), nil
}

func (zlibCodec) Decode(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, codecError(err, CodecZlib, "decode")
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, codecError(err, CodecZlib, "decode")
	}
	return out, nil
}

// lz4Codec uses the numcodecs framing: a little-endian uint32 holding the
// decoded length, then one lz4 block.
type lz4Codec struct{}

func (lz4Codec) Encode(raw []byte) ([]byte, error) {
	out := make([]byte, 4+lz4.CompressBlockBound(len(raw)))
	binary.LittleEndian.PutUint32(out, uint32(len(raw)))
	if len(raw) == 0 {
		return out[:4], nil
	}
	var c lz4.Compressor
	n, err := c.CompressBlock(raw, out[4:])
	if err != nil {
		return nil, codecError(err, CodecLZ4, "encode")
	}
	if n == 0 {
		return nil, codecError(io.ErrShortBuffer, CodecLZ4, "encode")
	}
	return out[:4+n], nil
}

func (lz4Codec) Decode(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, codecError(io.ErrUnexpectedEOF, CodecLZ4, "decode")
	}
	size := binary.LittleEndian.Uint32(data)
	out := make([]byte, size)
	if size == 0 {
		return out, nil
	}
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil {
		return nil, codecError(err, CodecLZ4, "decode")
	}
	return out[:n], nil
}
