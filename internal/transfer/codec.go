package transfer

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

var ErrUnknownCodec = errors.New("transfer: unknown codec")

type Codec string

const (
	CodecZstd Codec = "zstd"
	CodecLZ4  Codec = "lz4"
	CodecGzip Codec = "gzip"
)

func ParseCodec(raw string) (Codec, error) {
	switch Codec(strings.ToLower(strings.TrimSpace(raw))) {
	case "", CodecZstd:
		return CodecZstd, nil
	case CodecLZ4:
		return CodecLZ4, nil
	case CodecGzip, "gz":
		return CodecGzip, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCodec, raw)
	}
}

// Ext is the archive suffix after ".tar".
func (c Codec) Ext() string {
	switch c {
	case CodecLZ4:
		return "lz4"
	case CodecGzip:
		return "gz"
	default:
		return "zst"
	}
}

// CodecForName infers the codec from an archive file name.
func CodecForName(name string) (Codec, error) {
	switch {
	case strings.HasSuffix(name, ".tar.zst"):
		return CodecZstd, nil
	case strings.HasSuffix(name, ".tar.lz4"):
		return CodecLZ4, nil
	case strings.HasSuffix(name, ".tar.gz"):
		return CodecGzip, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// NewCompressor wraps w; closing the result flushes the codec but not w.
func NewCompressor(w io.Writer, c Codec) (io.WriteCloser, error) {
	switch c {
	case CodecZstd, "":
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case CodecLZ4:
		return lz4.NewWriter(w), nil
	case CodecGzip:
		return gzip.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, c)
	}
}

func NewDecompressor(r io.Reader, c Codec) (io.ReadCloser, error) {
	switch c {
	case CodecZstd, "":
		dec, err := zstd.NewReader(r, zstd.WithDecoderMaxMemory(256<<20))
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	case CodecLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case CodecGzip:
		return gzip.NewReader(r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, c)
	}
}
