// Package diff implements C2: a pure, allocation-free applier for the
// compact page-diff encoding the journal writer uses for pages that are
// not copied verbatim. Records are varint length-prefixed offset/length/
// bytes runs.
package diff

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrMalformedDiff is returned (wrapped with the offending detail) when a
// diff is internally inconsistent - a truncated record or an offset past
// the destination's length. This is always fatal and must be surfaced as
// journal corruption by the caller.
var ErrMalformedDiff = errors.New("diff: malformed diff record")

// Apply decodes diffData - a sequence of (offset, length, bytes) records -
// and overwrites the corresponding ranges of destination in place. It
// performs no I/O and no allocation beyond what decoding requires.
//
// destination must already hold the pre-image (the previous page's
// content, or zeros for a never-written page); Apply only overwrites the
// byte ranges the diff names.
func Apply(destination, diffData []byte) error {
	pos := 0
	for pos < len(diffData) {
		offset, n := binary.Uvarint(diffData[pos:])
		if n <= 0 {
			return errors.Wrapf(ErrMalformedDiff, "truncated offset at byte %d", pos)
		}
		pos += n

		length, n := binary.Uvarint(diffData[pos:])
		if n <= 0 {
			return errors.Wrapf(ErrMalformedDiff, "truncated length at byte %d", pos)
		}
		pos += n

		end := offset + length
		if end > uint64(len(destination)) {
			return errors.Wrapf(ErrMalformedDiff, "record [%d,%d) exceeds destination length %d", offset, end, len(destination))
		}
		if uint64(pos)+length > uint64(len(diffData)) {
			return errors.Wrapf(ErrMalformedDiff, "record body at byte %d truncated, need %d bytes", pos, length)
		}

		copy(destination[offset:end], diffData[pos:pos+int(length)])
		pos += int(length)
	}
	return nil
}

// Encode produces the diff that, applied to oldImage, yields newImage. It
// is the writer-side counterpart used to build test fixtures; production
// recovery never calls it. oldImage and newImage must be the same length.
func Encode(oldImage, newImage []byte) ([]byte, error) {
	if len(oldImage) != len(newImage) {
		return nil, errors.New("diff: Encode requires equal-length images")
	}

	var out []byte
	var buf [binary.MaxVarintLen64]byte

	i := 0
	for i < len(newImage) {
		if oldImage[i] == newImage[i] {
			i++
			continue
		}
		start := i
		for i < len(newImage) && oldImage[i] != newImage[i] {
			i++
		}
		n := binary.PutUvarint(buf[:], uint64(start))
		out = append(out, buf[:n]...)
		n = binary.PutUvarint(buf[:], uint64(i-start))
		out = append(out, buf[:n]...)
		out = append(out, newImage[start:i]...)
	}
	return out, nil
}
