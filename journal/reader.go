package journal

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ravendb/voronrecovery/diff"
	"github.com/ravendb/voronrecovery/pager"
)

// Reader drives C4: it walks the journal pager's 4 KiB cursor, resolves
// each candidate header through Validate, and materialises accepted
// transactions into the data pager via the recovery (scratch) pager. A
// Reader is itself the pager.TxState every pager call is made under - the
// reader is the transaction-state object for the whole recovery pass,
// which is also why Dispose on each pager is wired to Reader.Close
// rather than to some separate handle type.
type Reader struct {
	journalPager  pager.Pager
	dataPager     pager.Pager
	recoveryPager *pager.ScratchPager

	runID string

	journalName        string
	pageSize           int
	journalCapacity4Kb uint32
	lastSyncedTxId     int64

	cursor4Kb           uint32
	lastHeader          *Header
	requireHeaderUpdate bool

	onDefect RecoveryCallback
	log      logrus.FieldLogger
}

// ID implements pager.TxState.
func (r *Reader) ID() string { return r.runID }

// Config bundles everything NewReader needs to construct a Reader for one
// recovery pass.
type Config struct {
	JournalPager  pager.Pager
	DataPager     pager.Pager
	RecoveryPager *pager.ScratchPager

	JournalName        string
	PageSize           int
	JournalCapacity4Kb uint32
	LastSyncedTxId     int64
	// Anchor is the previous-transaction anchor the outer store supplies;
	// nil on a fresh store.
	Anchor *Header
	// OnDefect is invoked for every recoverable defect. If nil, a default
	// logrus-backed implementation is installed.
	OnDefect RecoveryCallback
	Log      logrus.FieldLogger
}

// NewReader constructs a Reader ready to run RecoverAndValidate or ReadOne
// starting at cursor 0 (or wherever SetStartPage later moves it).
func NewReader(cfg Config) *Reader {
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	runID := uuid.NewString()
	log = log.WithFields(logrus.Fields{"journal": cfg.JournalName, "run_id": runID})

	onDefect := cfg.OnDefect
	if onDefect == nil {
		onDefect = func(source, message string, cause error) {
			entry := log.WithField("source", source)
			if cause != nil {
				entry = entry.WithError(cause)
			}
			entry.Warn(message)
		}
	}

	return &Reader{
		journalPager:        cfg.JournalPager,
		dataPager:           cfg.DataPager,
		recoveryPager:       cfg.RecoveryPager,
		runID:               runID,
		journalName:         cfg.JournalName,
		pageSize:            cfg.PageSize,
		journalCapacity4Kb:  cfg.JournalCapacity4Kb,
		lastSyncedTxId:      cfg.LastSyncedTxId,
		lastHeader:          cfg.Anchor,
		onDefect:            onDefect,
		log:                 log,
	}
}

// SetStartPage seeds the cursor, used when resuming from a checkpoint.
func (r *Reader) SetStartPage(cursor4Kb uint32) { r.cursor4Kb = cursor4Kb }

// Next4Kb exposes the cursor so the outer store knows where to append new
// writes.
func (r *Reader) Next4Kb() uint32 { return r.cursor4Kb }

// LastTransactionHeader exposes the final accepted header.
func (r *Reader) LastTransactionHeader() *Header { return r.lastHeader }

// RequireHeaderUpdate reports the sticky recovery flag.
func (r *Reader) RequireHeaderUpdate() bool { return r.requireHeaderUpdate }

// HeaderUpdate bundles what the outer store needs to rewrite its file
// header after a recovery pass.
type HeaderUpdate struct {
	Required   bool
	LastHeader *Header
	Next4Kb    uint32
}

// PendingHeaderUpdate returns the bundled header-update state.
func (r *Reader) PendingHeaderUpdate() HeaderUpdate {
	return HeaderUpdate{
		Required:   r.requireHeaderUpdate,
		LastHeader: r.lastHeader,
		Next4Kb:    r.cursor4Kb,
	}
}

// Close fires the disposal event on all three pagers so they can drop any
// per-run bookkeeping keyed by this Reader's TxState id.
func (r *Reader) Close() {
	r.journalPager.Dispose(r)
	r.dataPager.Dispose(r)
	r.recoveryPager.Dispose(r)
}

// RecoverAndValidate drives ReadOne to termination. A nil error and false
// cursor advancement at the end just means the journal is exhausted or a
// recoverable tail was reached; inspect RequireHeaderUpdate afterward.
func (r *Reader) RecoverAndValidate() error {
	for {
		more, err := r.ReadOne()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// ReadOne processes one transaction and reports whether it did work.
// false with a nil error means recovery stopped cleanly (journal
// exhausted, or a recoverable tail defect was reached); a non-nil error
// means structural corruption was found and the pass must abort.
func (r *Reader) ReadOne() (bool, error) {
	if r.cursor4Kb >= r.journalCapacity4Kb {
		return false, nil
	}

	result := Validate(r.journalPager, r, r.cursor4Kb, r.lastHeader, ValidateOptions{
		JournalCapacity4Kb: r.journalCapacity4Kb,
		PageSize:           r.pageSize,
		JournalName:        r.journalName,
		OnDefect:           r.onDefect,
	})

	switch result.Class {
	case ClassEnd:
		return false, nil

	case ClassFatal:
		return false, result.Err

	case ClassTorn:
		r.requireHeaderUpdate = true
		return false, nil

	case ClassGarbage:
		r.handleGarbage(result.Header)
		return false, nil

	case ClassValid:
		return r.applyValid(result.Header)
	}
	return false, errors.Errorf("journal: unreachable classification %d", result.Class)
}

// handleGarbage scans forward for diagnostic purposes only, then always
// rewinds the cursor to the last accepted position and sets
// requireHeaderUpdate: any garbage or stale header at the tail is a
// recoverable tail defect, full stop, independent of whether the scan
// finds a later valid-looking header further on.
func (r *Reader) handleGarbage(candidate Header) {
	lastValid4Kb := r.cursor4Kb
	found := r.forwardScan()

	r.cursor4Kb = lastValid4Kb
	r.requireHeaderUpdate = true

	msg := "garbage transaction header"
	if candidate.HeaderMarker == HeaderMarker {
		msg = "stale transaction header, journal was reused"
	}
	if found {
		msg += " (a later valid header exists further in the journal)"
	}
	r.onDefect("reader", msg, nil)
}

// forwardScan looks one 4 KiB step at a time past the current cursor for
// a later header that would classify as Valid, purely to decide the
// defect message's wording; it never advances r.cursor4Kb itself.
func (r *Reader) forwardScan() bool {
	for probe := r.cursor4Kb + 1; probe < r.journalCapacity4Kb; probe++ {
		result := Validate(r.journalPager, r, probe, r.lastHeader, ValidateOptions{
			JournalCapacity4Kb: r.journalCapacity4Kb,
			PageSize:           r.pageSize,
			JournalName:        r.journalName,
		})
		if result.Class == ClassValid {
			return true
		}
	}
	return false
}

// applyValid decompresses, checks, and replays a header that Validate has
// already classified as structurally and hash-valid.
func (r *Reader) applyValid(h Header) (bool, error) {
	txSize4Kb := txSize4Kb(h.CompressedSize, r.pageSize)

	if h.TransactionId <= r.lastSyncedTxId {
		r.cursor4Kb += txSize4Kb
		r.lastHeader = &h
		return true, nil
	}

	compressed, err := r.acquireCompressedPayload(h)
	if err != nil {
		return false, errors.Wrap(err, "journal: acquire compressed payload")
	}

	uncompressedPages := pagesForBytes(h.UncompressedSize, r.pageSize)
	if err := r.recoveryPager.EnsureContinuous(0, uncompressedPages); err != nil {
		return false, errors.Wrap(err, "journal: grow recovery pager")
	}
	if err := r.recoveryPager.EnsureMapped(r, 0, uncompressedPages); err != nil {
		return false, errors.Wrap(err, "journal: map recovery pager")
	}
	if err := r.recoveryPager.Zero(0, uncompressedPages); err != nil {
		return false, errors.Wrap(err, "journal: zero recovery pager")
	}

	recoveryBuf, err := r.recoveryPager.AcquirePagePointer(r, 0)
	if err != nil {
		return false, errors.Wrap(err, "journal: acquire recovery buffer")
	}
	recoveryBuf = recoveryBuf[:h.UncompressedSize]

	if err := DecompressPayload(recoveryBuf, compressed); err != nil {
		r.requireHeaderUpdate = true
		r.onDefect("reader", "payload decompression failed", err)
		return false, nil
	}

	infos, offset, err := ReadPageInfos(recoveryBuf, h.PageCount)
	if err != nil {
		return false, newCorruption(r.journalName, h.TransactionId, "page-info array fits within uncompressed payload", err)
	}

	for _, info := range infos {
		if info.PageNumber > h.LastPageNumber {
			return false, newCorruption(r.journalName, h.TransactionId, "PageNumber <= LastPageNumber", nil)
		}
	}

	for _, info := range infos {
		if offset > int(h.UncompressedSize) {
			return false, newCorruption(r.journalName, h.TransactionId, "total bytes consumed <= UncompressedSize", nil)
		}

		if err := r.materialisePage(h, info, recoveryBuf, &offset); err != nil {
			return false, err
		}
	}

	r.cursor4Kb += txSize4Kb
	r.lastHeader = &h
	return true, nil
}

// materialisePage applies a single page-info record to the data pager:
// it checks the echoed page number, then copies the verbatim body or
// applies the diff.
func (r *Reader) materialisePage(h Header, info PageInfo, recoveryBuf []byte, offset *int) error {
	destPages := pagesForBytes(int64(info.Size), r.pageSize)
	if err := r.dataPager.EnsureContinuous(info.PageNumber, destPages); err != nil {
		return errors.Wrap(err, "journal: grow data pager")
	}
	if err := r.dataPager.EnsureMapped(r, info.PageNumber, destPages); err != nil {
		return errors.Wrap(err, "journal: map data pager")
	}
	dest, err := r.dataPager.AcquirePagePointer(r, info.PageNumber)
	if err != nil {
		return errors.Wrap(err, "journal: acquire destination page")
	}

	if *offset+8 > len(recoveryBuf) {
		return newCorruption(r.journalName, h.TransactionId, "echoed page number fits within payload", nil)
	}
	echoed := binary.LittleEndian.Uint64(recoveryBuf[*offset : *offset+8])
	*offset += 8
	if uint32(echoed) != info.PageNumber {
		return newCorruption(r.journalName, h.TransactionId, "echoed page number matches page-info record", nil)
	}

	size := int(info.Size)
	if info.DiffSize == 0 && *offset+size > len(recoveryBuf) {
		return newCorruption(r.journalName, h.TransactionId, "page body fits within payload", nil)
	}

	if err := r.dataPager.UnprotectRange(dest[:size]); err != nil {
		return errors.Wrap(err, "journal: unprotect destination page")
	}

	if info.DiffSize == 0 {
		copy(dest[:size], recoveryBuf[*offset:*offset+size])
		*offset += size
	} else {
		diffSize := int(info.DiffSize)
		if *offset+diffSize > len(recoveryBuf) {
			_ = r.dataPager.ProtectRange(dest[:size])
			return newCorruption(r.journalName, h.TransactionId, "diff body fits within payload", nil)
		}
		if err := diff.Apply(dest[:size], recoveryBuf[*offset:*offset+diffSize]); err != nil {
			_ = r.dataPager.ProtectRange(dest[:size])
			return newCorruption(r.journalName, h.TransactionId, "diff applies cleanly", err)
		}
		*offset += diffSize
	}

	if err := r.dataPager.ProtectRange(dest[:size]); err != nil {
		return errors.Wrap(err, "journal: protect destination page")
	}
	return nil
}

// acquireCompressedPayload re-resolves the header's page and slices out
// its compressed payload region; Validate has already ensured it is
// mapped.
func (r *Reader) acquireCompressedPayload(h Header) ([]byte, error) {
	pageNumber, offsetInPage := cursorPosition(r.cursor4Kb, r.pageSize)
	page, err := r.journalPager.AcquirePagePointer(r, pageNumber)
	if err != nil {
		return nil, err
	}
	start := offsetInPage + headerSize
	end := start + int(h.CompressedSize)
	if end > len(page) {
		return nil, errors.New("journal: compressed payload not mapped")
	}
	return page[start:end], nil
}

// txSize4Kb is a whole transaction (header + compressed payload) rounded
// up to 4 KiB units.
func txSize4Kb(compressedSize int64, pageSize int) uint32 {
	total := int64(headerSize) + compressedSize
	return uint32((total + 4095) / 4096)
}

// pagesForBytes returns how many whole pages of pageSize are needed to
// hold n bytes.
func pagesForBytes(n int64, pageSize int) uint32 {
	if n <= 0 {
		return 0
	}
	return uint32((n + int64(pageSize) - 1) / int64(pageSize))
}

