package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Codec identifies how a payload is compressed. The value is stored next to
// the payload, so it must never be renumbered.
type Codec uint8

const (
	None Codec = iota
	Zstd
	Gzip
)

// MinSize is the payload size below which Compress keeps the data as is.
const MinSize = 256

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case Gzip:
		return "gzip"
	}
	return fmt.Sprintf("codec(%d)", uint8(c))
}

// Parse maps a config value to a codec. Empty means None.
func Parse(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return None, nil
	case "zstd":
		return Zstd, nil
	case "gzip":
		return Gzip, nil
	}
	return None, fmt.Errorf("unknown compression %q", name)
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

// EncodeAll/DecodeAll are safe for concurrent use, one pair serves all logs.
func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec, zstdErr
}

// Compress returns the encoded payload and the codec actually used. Small
// payloads and payloads that do not shrink are returned unchanged with None.
func Compress(c Codec, src []byte) ([]byte, Codec, error) {
	if c == None || len(src) < MinSize {
		return src, None, nil
	}

	var out []byte
	switch c {
	case Zstd:
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, None, fmt.Errorf("zstd: %w", err)
		}
		out = enc.EncodeAll(src, make([]byte, 0, len(src)/2))
	case Gzip:
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(src); err != nil {
			return nil, None, fmt.Errorf("gzip: %w", err)
		}
		if err := gz.Close(); err != nil {
			return nil, None, fmt.Errorf("gzip: %w", err)
		}
		out = buf.Bytes()
	default:
		return nil, None, fmt.Errorf("unknown codec %d", c)
	}

	if len(out) >= len(src) {
		return src, None, nil
	}
	return out, c, nil
}

// Decompress reverses Compress. limit bounds the decoded size.
func Decompress(c Codec, src []byte, limit int) ([]byte, error) {
	switch c {
	case None:
		return src, nil
	case Zstd:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		out, err := dec.DecodeAll(src, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		if len(out) > limit {
			return nil, fmt.Errorf("zstd: decoded %d bytes, limit %d", len(out), limit)
		}
		return out, nil
	case Gzip:
		gz, err := gzip.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer gz.Close()

		out, err := io.ReadAll(io.LimitReader(gz, int64(limit)+1))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		if len(out) > limit {
			return nil, fmt.Errorf("gzip: decoded more than %d bytes", limit)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown codec %d", c)
}
