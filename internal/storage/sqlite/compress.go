package sqlite

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
)

// compressThreshold is the minimum text length, in bytes, before extracted
// text is stored zlib-compressed instead of inline.
const compressThreshold = 512

// compressText deflates s with zlib at the default compression level.
func compressText(s string) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write([]byte(s)); err != nil {
		return nil, fmt.Errorf("sqlite: failed to compress text: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("sqlite: failed to flush compressed text: %w", err)
	}
	return buf.Bytes(), nil
}

// decompressText inflates a zlib-compressed blob back to the original text.
func decompressText(data []byte) (string, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("sqlite: failed to open compressed text: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("sqlite: failed to decompress text: %w", err)
	}
	return string(out), nil
}
