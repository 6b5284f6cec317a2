package sstfile

import (
	"fmt"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the block compression algorithm.
type Compression uint8

const (
	NoCompression Compression = iota
	Snappy
	Zstd
	LZ4
)

var compressionNames = []string{"none", "snappy", "zstd", "lz4"}

func (c Compression) String() string {
	if int(c) < len(compressionNames) {
		return compressionNames[c]
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

func ParseCompression(s string) (Compression, error) {
	s = strings.ToLower(s)
	if s == "" {
		return NoCompression, nil
	}
	for i, name := range compressionNames {
		if name == s {
			return Compression(i), nil
		}
	}
	return NoCompression, fmt.Errorf("unknown compression %q", s)
}

func (c Compression) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Compression) UnmarshalText(b []byte) error {
	v, err := ParseCompression(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder) {
	zstdOnce.Do(func() {
		zstdEnc = must(zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1)))
		zstdDec = must(zstd.NewReader(nil, zstd.WithDecoderConcurrency(1)))
	})
	return zstdEnc, zstdDec
}

// compressBlock returns the block type actually used; incompressible input
// is stored raw.
func compressBlock(c Compression, dst, src []byte) (Compression, []byte, error) {
	switch c {
	case NoCompression:
		return NoCompression, append(dst[:0], src...), nil
	case Snappy:
		return Snappy, snappy.Encode(dst[:cap(dst)], src), nil
	case Zstd:
		enc, _ := zstdCodecs()
		return Zstd, enc.EncodeAll(src, dst[:0]), nil
	case LZ4:
		bound := lz4.CompressBlockBound(len(src))
		if cap(dst) < bound {
			dst = make([]byte, bound)
		}
		n, err := lz4.CompressBlock(src, dst[:bound], nil)
		if err != nil {
			return 0, nil, err
		}
		if n == 0 || n >= len(src) {
			return NoCompression, append(dst[:0], src...), nil
		}
		return LZ4, dst[:n], nil
	default:
		return 0, nil, fmt.Errorf("unsupported compression %v", c)
	}
}

func decompressBlock(c Compression, dst, src []byte, rawLen int) ([]byte, error) {
	switch c {
	case NoCompression:
		if len(src) != rawLen {
			return nil, fmt.Errorf("%w: block size mismatch", ErrCorrupted)
		}
		return src, nil
	case Snappy:
		out, err := snappy.Decode(dst[:cap(dst)], src)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %v", ErrCorrupted, err)
		}
		return out, nil
	case Zstd:
		_, dec := zstdCodecs()
		out, err := dec.DecodeAll(src, dst[:0])
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupted, err)
		}
		return out, nil
	case LZ4:
		if cap(dst) < rawLen {
			dst = make([]byte, rawLen)
		}
		n, err := lz4.UncompressBlock(src, dst[:rawLen])
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrCorrupted, err)
		}
		return dst[:n], nil
	default:
		return nil, fmt.Errorf("%w: unknown block type %d", ErrCorrupted, c)
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
