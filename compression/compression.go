// Package compression is the message codec collaborator: identity, gzip
// and deflate, keyed by the grpc-encoding algorithm name.
package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

const (
	Identity = "identity"
	Gzip     = "gzip"
	Deflate  = "deflate"
)

// Supported reports whether algo names a known algorithm.
func Supported(algo string) bool {
	switch algo {
	case Identity, Gzip, Deflate, "":
		return true
	}
	return false
}

func Compress(b []byte, algo string) ([]byte, error) {
	switch algo {
	case Identity, "":
		return b, nil
	case Gzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(b); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		return buf.Bytes(), nil
	case Deflate:
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("deflate compress: %w", err)
		}
		if _, err := w.Write(b); err != nil {
			return nil, fmt.Errorf("deflate compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("deflate compress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", algo)
	}
}

func Decompress(b []byte, algo string) ([]byte, error) {
	switch algo {
	case Identity, "":
		return b, nil
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		defer r.Close() //nolint:errcheck // ошибки чтения ловим в ReadAll
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		return out, nil
	case Deflate:
		r := flate.NewReader(bytes.NewReader(b))
		defer r.Close() //nolint:errcheck
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("deflate decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", algo)
	}
}
