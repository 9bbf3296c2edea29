package journal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ravendb/voronrecovery/diff"
	"github.com/ravendb/voronrecovery/pager"
)

// fixtureTx is the pager.TxState stand-in tests use instead of a real
// Reader, for validator-level tests that exercise Validate directly.
type fixtureTx string

func (f fixtureTx) ID() string { return string(f) }

// txSpec describes one transaction to bake into a synthetic journal file.
type txSpec struct {
	id             int64
	lastPageNumber uint32
	commit         bool
	pages          []pageSpec
	// corruptHash, when true, flips a byte of the stored hash so the
	// transaction looks torn.
	corruptHash bool
}

type pageSpec struct {
	pageNumber uint32
	image      []byte // verbatim image
	diffFrom   []byte // if set, encode a diff against diffFrom instead of a verbatim copy
}

// buildJournal writes the given transactions sequentially at 4 KiB
// boundaries into an MmapPager-backed file and returns the pager, the
// 4 KiB start offset of each transaction, and the final cursor (in 4 KiB
// units) after the last transaction.
func buildJournal(t *testing.T, pageSize int, specs []txSpec) (*pager.MmapPager, []uint32, uint32) {
	t.Helper()
	require := require.New(t)

	path := t.TempDir() + "/journal.voron"
	p, err := pager.OpenMmapPager(path, pageSize, false, nil)
	require.NoError(err)
	t.Cleanup(func() { _ = p.Close() })

	tx := fixtureTx("fixture-writer")
	var cursor4Kb uint32
	starts := make([]uint32, 0, len(specs))

	for _, spec := range specs {
		starts = append(starts, cursor4Kb)
		uncompressed := encodePayload(t, spec.pages)
		compressed, err := CompressPayload(uncompressed)
		require.NoError(err)

		hash := ComputePayloadHash(compressed, spec.id)
		if spec.corruptHash {
			hash ^= 0xFF
		}

		marker := TxMarker(0)
		if spec.commit {
			marker |= TxMarkerCommit
		}

		h := Header{
			HeaderMarker:     HeaderMarker,
			TransactionId:    spec.id,
			LastPageNumber:   spec.lastPageNumber,
			PageCount:        uint32(len(spec.pages)),
			CompressedSize:   int64(len(compressed)),
			UncompressedSize: int64(len(uncompressed)),
			Hash:             hash,
			TxMarker:         marker,
		}

		txSize4Kb := uint32((int64(headerSize) + h.CompressedSize + 4095) / 4096)
		totalBytes := txSize4Kb * 4096
		buf := make([]byte, totalBytes)
		require.NoError(WriteHeader(buf, h))
		copy(buf[headerSize:], compressed)

		pageNumber, offsetInPage := cursorPosition(cursor4Kb, pageSize)
		requiredPages := pagesToCover(offsetInPage+int(totalBytes), pageSize)
		require.NoError(p.EnsureContinuous(pageNumber, requiredPages))
		require.NoError(p.EnsureMapped(tx, pageNumber, requiredPages))

		dest, err := p.AcquirePagePointer(tx, pageNumber)
		require.NoError(err)
		copy(dest[offsetInPage:], buf)

		cursor4Kb += txSize4Kb
	}

	p.Dispose(tx)
	return p, starts, cursor4Kb
}

// patchTransactionId rewrites the header at start4Kb so its TransactionId
// becomes newID, recomputing Hash over the unchanged compressed payload.
// Used to simulate a journal-reuse tail without having to byte-align two
// independently compressed journals.
func patchTransactionId(t *testing.T, p *pager.MmapPager, pageSize int, start4Kb uint32, newID int64) {
	t.Helper()
	require := require.New(t)

	tx := fixtureTx("fixture-patcher")
	pageNumber, offsetInPage := cursorPosition(start4Kb, pageSize)
	page, err := p.AcquirePagePointer(tx, pageNumber)
	require.NoError(err)

	h, err := ReadHeader(page[offsetInPage:])
	require.NoError(err)

	compressed := page[offsetInPage+headerSize : offsetInPage+headerSize+int(h.CompressedSize)]
	h.TransactionId = newID
	h.Hash = ComputePayloadHash(compressed, newID)

	require.NoError(WriteHeader(page[offsetInPage:], h))
	p.Dispose(tx)
}

// encodePayload lays out the page-info array followed by each page's
// echoed number and body, matching the on-disk payload shape.
func encodePayload(t *testing.T, pages []pageSpec) []byte {
	t.Helper()
	require := require.New(t)

	infos := make([]PageInfo, len(pages))
	bodies := make([][]byte, len(pages))
	for i, p := range pages {
		if p.diffFrom != nil {
			d, err := diff.Encode(p.diffFrom, p.image)
			require.NoError(err)
			infos[i] = PageInfo{PageNumber: p.pageNumber, Size: uint32(len(p.image)), DiffSize: uint32(len(d))}
			bodies[i] = d
		} else {
			infos[i] = PageInfo{PageNumber: p.pageNumber, Size: uint32(len(p.image)), DiffSize: 0}
			bodies[i] = p.image
		}
	}

	infoBytes := make([]byte, len(infos)*pageInfoSize)
	n, err := WritePageInfos(infoBytes, infos)
	require.NoError(err)
	infoBytes = infoBytes[:n]

	out := append([]byte{}, infoBytes...)
	for i, info := range infos {
		var echoed [8]byte
		putLE64(echoed[:], uint64(info.PageNumber))
		out = append(out, echoed[:]...)
		out = append(out, bodies[i]...)
	}
	return out
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}
