package compress

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/securestore/internal/domain"
)

func TestCodecRoundTrip(t *testing.T) {
	inputs := map[string][]byte{
		"small":   []byte(`{"id":1,"title":"X"}`),
		"unicode": []byte(`{"name":"Zoë 日本語 ✓"}`),
		"large":   bytes.Repeat([]byte(`{"k":"v","n":[1,2,3]},`), 20000),
	}
	for _, ct := range domain.CompressionTypes {
		for _, level := range []int{0, 1, 6, 9, 15} {
			c, err := New(ct, level)
			require.NoError(t, err)
			for name, in := range inputs {
				out, err := c.Compress(in)
				require.NoError(t, err, "%s/%d/%s", ct, level, name)
				back, err := c.Decompress(out)
				require.NoError(t, err, "%s/%d/%s", ct, level, name)
				assert.True(t, bytes.Equal(in, back), "%s/%d/%s mismatch", ct, level, name)
			}
		}
	}
}

func TestCodecLevelClamped(t *testing.T) {
	c, err := New(domain.CompressionGzip, 99)
	require.NoError(t, err)
	assert.Equal(t, 9, c.Level)
	c, err = New(domain.CompressionGzip, -1)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Level)
}

func TestCodecUnknownType(t *testing.T) {
	_, err := New("snappy", 6)
	assert.True(t, errors.Is(err, domain.ErrUnknownCompression))
}

func TestNoneIsIdentity(t *testing.T) {
	c, _ := New(domain.CompressionNone, 6)
	in := []byte("plain")
	out, err := c.Compress(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	back, err := c.Decompress(out)
	require.NoError(t, err)
	assert.Equal(t, in, back)
}

func TestEmptyInput(t *testing.T) {
	for _, ct := range domain.CompressionTypes {
		c, _ := New(ct, 6)
		out, err := c.Compress(nil)
		require.NoError(t, err)
		assert.Empty(t, out)
		back, err := c.Decompress(nil)
		require.NoError(t, err)
		assert.Empty(t, back)
	}
}

func TestDecompressGarbage(t *testing.T) {
	garbage := []byte("definitely not a compressed stream")
	for _, ct := range domain.CompressionTypes {
		if ct == domain.CompressionNone {
			continue
		}
		c, _ := New(ct, 6)
		_, err := c.Decompress(garbage)
		assert.True(t, errors.Is(err, domain.ErrDecompress), "%s: %v", ct, err)
	}
}

func TestDecompressWrongAlgorithm(t *testing.T) {
	gz, _ := New(domain.CompressionGzip, 6)
	bz, _ := New(domain.CompressionBzip2, 6)
	out, err := gz.Compress([]byte(strings.Repeat("abc", 100)))
	require.NoError(t, err)
	_, err = bz.Decompress(out)
	assert.True(t, errors.Is(err, domain.ErrDecompress))
}

func TestDecompressTruncated(t *testing.T) {
	for _, ct := range []domain.CompressionType{domain.CompressionGzip, domain.CompressionZlib, domain.CompressionBzip2, domain.CompressionLZMA} {
		c, _ := New(ct, 6)
		out, err := c.Compress(bytes.Repeat([]byte("truncate me "), 500))
		require.NoError(t, err)
		_, err = c.Decompress(out[:len(out)/2])
		assert.True(t, errors.Is(err, domain.ErrDecompress), "%s: %v", ct, err)
	}
}

func TestDictCap(t *testing.T) {
	assert.Equal(t, 4096, dictCap(9, 10))
	assert.Equal(t, 8<<20, dictCap(6, 100<<20))
	assert.Equal(t, 1<<20, dictCap(1, 3<<20))
	assert.Equal(t, 8192, dictCap(6, 5000))
}

func TestEstimateBenefit(t *testing.T) {
	data := bytes.Repeat([]byte("repetitive content "), 1000)
	est := EstimateBenefit(data, 6)
	assert.Equal(t, len(data), est.OriginalSize)
	assert.Len(t, est.Results, 4)
	for ct, r := range est.Results {
		assert.Empty(t, r.Err, ct)
		assert.Less(t, r.CompressedSize, len(data), ct)
		assert.Greater(t, r.SpaceSavedPercent, 50.0, ct)
	}
	assert.Equal(t, 0.0, Ratio(0, 10))
	assert.Equal(t, 0.5, Ratio(10, 5))
}
