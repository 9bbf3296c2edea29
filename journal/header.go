// Package journal implements C3 (the transaction header validator) and C4
// (the journal reader) of the recovery engine: parsing, classifying, and
// replaying the fixed-layout transaction records a Voron-style journal
// file holds at every 4 KiB boundary.
package journal

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// HeaderMarker is the fixed 64-bit magic that opens every transaction
// header. A mismatch at a candidate position means the bytes there are not
// a header at all.
const HeaderMarker uint64 = 0x5641524f4e4a524c // "VARONJRL" in ASCII bytes

// headerSize is the on-disk size of Header, including reserved padding.
// Header is decoded field by field with encoding/binary rather than
// overlaid as a Go struct on the raw bytes via unsafe, since it mixes
// 8-, 4-, and 1-byte fields whose Go struct padding is not guaranteed to
// match an arbitrary on-disk layout across platforms.
const headerSize = 64

// TxMarker is a bitfield describing how a transaction completed.
type TxMarker uint8

// Commit must be set for a transaction to count as durable.
const (
	TxMarkerCommit TxMarker = 1 << iota
)

// Has reports whether flag is set in m.
func (m TxMarker) Has(flag TxMarker) bool { return m&flag != 0 }

// Header is the owned, zero-dependency value produced by ReadHeader. It
// never aliases pager memory: every field has already been copied out, so
// it safely outlives the pager mapping it was parsed from.
type Header struct {
	HeaderMarker     uint64
	TransactionId    int64
	LastPageNumber   uint32
	PageCount        uint32
	CompressedSize   int64
	UncompressedSize int64
	Hash             uint64
	TxMarker         TxMarker
}

// ReadHeader parses a candidate header out of buf, which must be at least
// headerSize bytes - typically a window acquired from the journal pager at
// a 4 KiB-aligned cursor position. It never returns a view into buf.
func ReadHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, errors.Wrapf(errShortBuffer, "header needs %d bytes, got %d", headerSize, len(buf))
	}
	le := binary.LittleEndian
	h := Header{
		HeaderMarker:     le.Uint64(buf[0:8]),
		TransactionId:    int64(le.Uint64(buf[8:16])),
		LastPageNumber:   le.Uint32(buf[16:20]),
		PageCount:        le.Uint32(buf[20:24]),
		CompressedSize:   int64(le.Uint64(buf[24:32])),
		UncompressedSize: int64(le.Uint64(buf[32:40])),
		Hash:             le.Uint64(buf[40:48]),
		TxMarker:         TxMarker(buf[48]),
	}
	return h, nil
}

// WriteHeader encodes h into buf (which must be at least headerSize long),
// zeroing the reserved trailer bytes. Production recovery never calls
// this; it exists for tests, which need to synthesize well-formed
// journal fixtures.
func WriteHeader(buf []byte, h Header) error {
	if len(buf) < headerSize {
		return errors.Wrapf(errShortBuffer, "header needs %d bytes, got %d", headerSize, len(buf))
	}
	le := binary.LittleEndian
	le.PutUint64(buf[0:8], h.HeaderMarker)
	le.PutUint64(buf[8:16], uint64(h.TransactionId))
	le.PutUint32(buf[16:20], h.LastPageNumber)
	le.PutUint32(buf[20:24], h.PageCount)
	le.PutUint64(buf[24:32], uint64(h.CompressedSize))
	le.PutUint64(buf[32:40], uint64(h.UncompressedSize))
	le.PutUint64(buf[40:48], h.Hash)
	buf[48] = byte(h.TxMarker)
	for i := 49; i < headerSize; i++ {
		buf[i] = 0
	}
	return nil
}

// HeaderSize exposes headerSize for callers (cmd/voroninspect, tests) that
// need to lay out buffers without importing unexported constants.
func HeaderSize() int { return headerSize }

// pageInfoSize is the on-disk size of one PageInfo record.
const pageInfoSize = 12

// PageInfo describes one page-level change carried by a transaction's
// payload: PageCount of these sit at the start of the uncompressed
// payload, in order.
type PageInfo struct {
	PageNumber uint32
	Size       uint32
	DiffSize   uint32
}

// ReadPageInfos decodes count PageInfo records starting at the beginning
// of buf, returning the byte offset immediately after them (the start of
// the per-page body section of the payload).
func ReadPageInfos(buf []byte, count uint32) ([]PageInfo, int, error) {
	need := int(count) * pageInfoSize
	if len(buf) < need {
		return nil, 0, errors.Wrapf(errShortBuffer, "page-info array needs %d bytes, got %d", need, len(buf))
	}
	le := binary.LittleEndian
	infos := make([]PageInfo, count)
	for i := range infos {
		off := i * pageInfoSize
		infos[i] = PageInfo{
			PageNumber: le.Uint32(buf[off : off+4]),
			Size:       le.Uint32(buf[off+4 : off+8]),
			DiffSize:   le.Uint32(buf[off+8 : off+12]),
		}
	}
	return infos, need, nil
}

// WritePageInfos is the Encode-side counterpart of ReadPageInfos, used by
// tests to build fixtures.
func WritePageInfos(buf []byte, infos []PageInfo) (int, error) {
	need := len(infos) * pageInfoSize
	if len(buf) < need {
		return 0, errors.Wrapf(errShortBuffer, "page-info array needs %d bytes, got %d", need, len(buf))
	}
	le := binary.LittleEndian
	for i, info := range infos {
		off := i * pageInfoSize
		le.PutUint32(buf[off:off+4], info.PageNumber)
		le.PutUint32(buf[off+4:off+8], info.Size)
		le.PutUint32(buf[off+8:off+12], info.DiffSize)
	}
	return need, nil
}

var errShortBuffer = errors.New("journal: buffer too short")
