package zarr

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/chunkcache/pkg/errors"
)

func TestCodecs(t *testing.T) {
	payload := bytes.Repeat([]byte("chunk-bytes-"), 512)

	for _, c := range []*Compressor{
		nil,
		{ID: "raw"},
		{ID: CodecZstd},
		{ID: CodecZstd, Level: 9},
		{ID: CodecGzip},
		{ID: CodecZlib, Level: 1},
		{ID: CodecLZ4},
	} {
		name := "nil"
		if c != nil {
			name = c.ID
		}
		t.Run(name, func(t *testing.T) {
			codec, err := codecFor(c)
			require.NoError(t, err)

			enc, err := codec.Encode(payload)
			require.NoError(t, err)
			if c != nil && c.ID != "raw" {
				assert.Less(t, len(enc), len(payload))
			}

			dec, err := codec.Decode(enc)
			require.NoError(t, err)
			assert.Equal(t, payload, dec)
		})
	}
}

func TestCodecErrors(t *testing.T) {
	_, err := codecFor(&Compressor{ID: "blosc"})
	assert.Equal(t, errors.ErrCodeInvalidLayout, errors.CodeOf(err))

	for _, id := range []string{CodecZstd, CodecGzip, CodecZlib, CodecLZ4} {
		codec, err := codecFor(&Compressor{ID: id})
		require.NoError(t, err)
		_, err = codec.Decode([]byte{1, 2, 3})
		assert.Equal(t, errors.ErrCodeCodecFailed, errors.CodeOf(err), id)
	}
}

func TestLZ4EmptyPayload(t *testing.T) {
	enc, err := lz4Codec{}.Encode(nil)
	require.NoError(t, err)
	dec, err := lz4Codec{}.Decode(enc)
	require.NoError(t, err)
	assert.Empty(t, dec)
}
