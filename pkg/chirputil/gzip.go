// Package chirputil provides optional convenience helpers for chirp message
// bodies. Compression here is purely a body-content transform: it runs
// before msg_set_data/after msg_data and is invisible to wire framing (the
// header's data_len is always the length of whatever bytes were actually
// handed to the writer).
package chirputil

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// CompressData gzips buf if doing so makes it smaller, matching the
// size-gated compression chirp's teacher uses for pdata storage. The second
// return value reports whether compression was applied; callers that need
// to communicate this to a peer must carry that bit themselves (e.g. in the
// message header), since chirp's wire format has no compression flag.
func CompressData(buf []byte) (out []byte, compressed bool, err error) {
	var b bytes.Buffer
	b.Grow(len(buf) / 2)

	w := gzip.NewWriter(&b)
	if _, err := w.Write(buf); err != nil {
		return nil, false, fmt.Errorf("chirputil: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, false, fmt.Errorf("chirputil: compress: %w", err)
	}

	if b.Len() >= len(buf) {
		return buf, false, nil
	}
	return b.Bytes(), true, nil
}

// DecompressData reverses CompressData.
func DecompressData(buf []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("chirputil: decompress: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("chirputil: decompress: %w", err)
	}
	if err := r.Close(); err != nil {
		return nil, fmt.Errorf("chirputil: decompress: %w", err)
	}
	return out, nil
}
