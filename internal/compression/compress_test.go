package compression

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	for in, want := range map[string]Type{"": TypeZstd, "ZSTD": TypeZstd, "lz4": TypeLZ4, "gzip": TypeGzip, "none": TypeNone} {
		got, err := ParseType(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseType("brotli")
	assert.Error(t, err)
}

func TestCodec_RoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("hello, dedup world\n"), 512)
	for _, typ := range []Type{TypeZstd, TypeLZ4, TypeGzip, TypeNone} {
		t.Run(string(typ), func(t *testing.T) {
			framed, err := NewCodec(typ).Encode(data)
			require.NoError(t, err)

			h, err := ParseHeader(framed)
			require.NoError(t, err)
			assert.Equal(t, int64(len(data)), h.Size)
			assert.Equal(t, typ.tag(), h.Tag)
			if typ != TypeNone {
				assert.Less(t, len(framed), len(data))
			}

			out, err := Decode(framed)
			require.NoError(t, err)
			assert.Equal(t, data, out)
		})
	}
}

func TestCodec_IncompressibleFallsBackToNone(t *testing.T) {
	data := make([]byte, 4096)
	_, err := rand.Read(data)
	require.NoError(t, err)

	framed, err := NewCodec(TypeZstd).Encode(data)
	require.NoError(t, err)

	h, err := ParseHeader(framed)
	require.NoError(t, err)
	assert.Equal(t, TagNone, h.Tag)
	assert.Len(t, framed, HeaderSize+len(data))

	out, err := Decode(framed)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestCodec_Empty(t *testing.T) {
	framed, err := NewCodec(TypeLZ4).Encode(nil)
	require.NoError(t, err)
	assert.Len(t, framed, HeaderSize)

	out, err := Decode(framed)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDecode_Truncated(t *testing.T) {
	_, err := Decode([]byte{2, 0, 0})
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecode_UnknownTag(t *testing.T) {
	framed := make([]byte, HeaderSize)
	framed[0] = 9
	_, err := Decode(framed)
	assert.ErrorContains(t, err, "unsupported compression tag")
}

func TestDecode_SizeMismatch(t *testing.T) {
	framed, err := NewCodec(TypeZstd).Encode(bytes.Repeat([]byte("a"), 1000))
	require.NoError(t, err)
	framed[8]++ // header now claims one extra byte

	_, err = Decode(framed)
	assert.Error(t, err)
}

func TestTagString(t *testing.T) {
	assert.Equal(t, "zstd", TagZstd.String())
	assert.Equal(t, "unknown(7)", Tag(7).String())
}
