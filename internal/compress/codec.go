// Package compress implements the pluggable compression codec. Every
// algorithm of domain.CompressionTypes is supported; none is a passthrough.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"

	"github.com/haukened/securestore/internal/domain"
)

// MaxDecompressedSize caps decompressed output to 512 MiB so a crafted
// stream cannot exhaust memory.
const MaxDecompressedSize = 512 << 20

var errTooLarge = errors.New("decompressed size exceeds limit")

// Codec compresses with one algorithm at one level.
type Codec struct {
	Type  domain.CompressionType
	Level int
}

// New returns a Codec for ct with level clamped into [1,9].
func New(ct domain.CompressionType, level int) (Codec, error) {
	if !ct.Valid() {
		return Codec{}, fmt.Errorf("%w: %q", domain.ErrUnknownCompression, ct)
	}
	return Codec{Type: ct, Level: domain.ClampLevel(level)}, nil
}

// Compress returns the compressed form of data. Empty input yields empty output.
func (c Codec) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 || c.Type == domain.CompressionNone {
		return data, nil
	}
	level := domain.ClampLevel(c.Level)
	var buf bytes.Buffer
	w, err := c.writer(&buf, level, len(data))
	if err != nil {
		return nil, fmt.Errorf("compress %s: %w", c.Type, err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("compress %s: %w", c.Type, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress %s: %w", c.Type, err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress. A malformed stream returns an error wrapping
// domain.ErrDecompress.
func (c Codec) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 || c.Type == domain.CompressionNone {
		return data, nil
	}
	r, err := c.reader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrDecompress, c.Type, err)
	}
	if cl, ok := r.(io.Closer); ok {
		defer cl.Close()
	}
	out, err := io.ReadAll(io.LimitReader(r, MaxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrDecompress, c.Type, err)
	}
	if len(out) > MaxDecompressedSize {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrDecompress, c.Type, errTooLarge)
	}
	return out, nil
}

func (c Codec) writer(w io.Writer, level, size int) (io.WriteCloser, error) {
	switch c.Type {
	case domain.CompressionGzip:
		return gzip.NewWriterLevel(w, level)
	case domain.CompressionZlib:
		return zlib.NewWriterLevel(w, level)
	case domain.CompressionBzip2:
		return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: level})
	case domain.CompressionLZMA:
		cfg := xz.WriterConfig{DictCap: dictCap(level, size)}
		return cfg.NewWriter(w)
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownCompression, c.Type)
	}
}

func (c Codec) reader(r io.Reader) (io.Reader, error) {
	switch c.Type {
	case domain.CompressionGzip:
		return gzip.NewReader(r)
	case domain.CompressionZlib:
		return zlib.NewReader(r)
	case domain.CompressionBzip2:
		return bzip2.NewReader(r, nil)
	case domain.CompressionLZMA:
		return xz.NewReader(r)
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownCompression, c.Type)
	}
}

// xzPresetDict mirrors the dictionary sizes of the xz presets 1..9.
var xzPresetDict = [...]int{
	1: 1 << 20, 2: 2 << 20, 3: 4 << 20, 4: 4 << 20, 5: 8 << 20,
	6: 8 << 20, 7: 16 << 20, 8: 32 << 20, 9: 64 << 20,
}

// dictCap picks the preset dictionary size, shrunk to the input size since a
// dictionary larger than the data only costs memory.
func dictCap(level, size int) int {
	dc := xzPresetDict[level]
	fit := lzma.MinDictCap
	for fit < size && fit < dc {
		fit <<= 1
	}
	if fit < dc {
		return fit
	}
	return dc
}
