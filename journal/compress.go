package journal

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// ErrDecompressionFailed wraps any LZ4 frame error encountered while
// inflating a transaction payload. It is always a recoverable tail defect,
// never structural corruption.
var ErrDecompressionFailed = errors.New("journal: payload decompression failed")

// DecompressPayload inflates compressed into dst, which must already be
// sized to exactly the transaction's UncompressedSize. It uses the LZ4
// frame reader rather than the fixed-size block API so that transactions
// whose compressed or uncompressed length would overflow a 32-bit block
// size still decode correctly; the frame reader streams regardless of
// how large dst is.
func DecompressPayload(dst, compressed []byte) error {
	r := lz4.NewReader(bytes.NewReader(compressed))
	n, err := io.ReadFull(r, dst)
	if err != nil && err != io.EOF {
		return errors.Wrapf(ErrDecompressionFailed, "wanted %d bytes, got %d: %v", len(dst), n, err)
	}
	if n != len(dst) {
		return errors.Wrapf(ErrDecompressionFailed, "short payload: wanted %d bytes, got %d", len(dst), n)
	}
	return nil
}

// CompressPayload is the writer-side counterpart used by tests to
// synthesize fixtures; production recovery never compresses anything.
func CompressPayload(uncompressed []byte) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := lz4.NewWriter(buf)
	if _, err := w.Write(uncompressed); err != nil {
		return nil, errors.Wrap(err, "journal: lz4 compress")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "journal: lz4 flush")
	}
	return buf.Bytes(), nil
}
