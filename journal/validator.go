package journal

import (
	"github.com/pkg/errors"

	"github.com/ravendb/voronrecovery/pager"
)

// Classification is C3's verdict on a candidate header.
type Classification int

const (
	// ClassEnd means cursor4Kb is past the journal's allocated capacity:
	// recovery is done.
	ClassEnd Classification = iota
	// ClassGarbage means the bytes at cursor4Kb are not a usable header -
	// the magic did not match, the id or CompressedSize is out of range
	// for this position, or the header is structurally plausible but
	// stale (an out-of-order id from a reused journal).
	ClassGarbage
	// ClassTorn means the header parses and orders correctly but its hash
	// does not verify: the writer started this transaction and never
	// finished it.
	ClassTorn
	// ClassFatal means a hash-valid header violates an invariant no
	// recoverable story explains; the caller must raise corruption.
	ClassFatal
	// ClassValid means the header passed every check.
	ClassValid
)

// RecoveryCallback is invoked for every recoverable defect the validator
// or reader observes. The core never logs directly; source names the
// component (e.g. "validator", "reader"), message is human-readable, and
// cause may be nil.
type RecoveryCallback func(source, message string, cause error)

// ValidateOptions bundles the inputs Validate needs beyond the pager and
// cursor.
type ValidateOptions struct {
	JournalCapacity4Kb uint32
	PageSize           int
	JournalName        string
	OnDefect           RecoveryCallback
}

// ValidationResult is Validate's output.
type ValidationResult struct {
	Class  Classification
	Header Header
	Err    error // set only when Class == ClassFatal
}

// kb4PerPage is how many 4 KiB units make up one data page.
func kb4PerPage(pageSize int) uint32 { return uint32(pageSize / 4096) }

// cursorPosition maps a 4 KiB cursor to the journal page and in-page byte
// offset that holds it.
func cursorPosition(cursor4Kb uint32, pageSize int) (pageNumber uint32, offsetInPage int) {
	ratio := kb4PerPage(pageSize)
	return cursor4Kb / ratio, int(cursor4Kb%ratio) * 4096
}

// Validate resolves the header candidate at cursor4Kb against lastHeader
// (nil on a fresh store or when no header has been accepted yet) and
// classifies it.
func Validate(journalPager pager.Pager, tx pager.TxState, cursor4Kb uint32, lastHeader *Header, opts ValidateOptions) ValidationResult {
	if cursor4Kb > opts.JournalCapacity4Kb {
		return ValidationResult{Class: ClassEnd}
	}

	pageNumber, offsetInPage := cursorPosition(cursor4Kb, opts.PageSize)
	page, err := journalPager.AcquirePagePointer(tx, pageNumber)
	if err != nil {
		return ValidationResult{Class: ClassFatal, Err: errors.Wrap(err, "journal: acquire candidate header page")}
	}
	if offsetInPage+headerSize > len(page) {
		return ValidationResult{Class: ClassFatal, Err: errors.New("journal: candidate header runs past mapped page")}
	}
	candidate, err := ReadHeader(page[offsetInPage:])
	if err != nil {
		return ValidationResult{Class: ClassFatal, Err: errors.Wrap(err, "journal: parse candidate header")}
	}

	if candidate.HeaderMarker != HeaderMarker {
		return ValidationResult{Class: ClassGarbage, Header: candidate}
	}
	if candidate.TransactionId < 0 {
		return ValidationResult{Class: ClassGarbage, Header: candidate}
	}
	// Invariant 3: CompressedSize must fit within what remains of the
	// journal's allocated capacity from this cursor position.
	if candidate.CompressedSize < 0 {
		return ValidationResult{Class: ClassGarbage, Header: candidate}
	}
	txKb := uint32((int64(headerSize) + candidate.CompressedSize + 4095) / 4096)
	if txKb > opts.JournalCapacity4Kb-cursor4Kb {
		return ValidationResult{Class: ClassGarbage, Header: candidate}
	}

	// Ensure the compressed payload region is mapped before hashing it;
	// it may extend several pages past the header's own page.
	neededPages := pagesToCover(offsetInPage+headerSize+int(candidate.CompressedSize), opts.PageSize)
	if err := journalPager.EnsureMapped(tx, pageNumber, neededPages); err != nil {
		return ValidationResult{Class: ClassFatal, Err: errors.Wrap(err, "journal: map compressed payload")}
	}
	page, err = journalPager.AcquirePagePointer(tx, pageNumber)
	if err != nil {
		return ValidationResult{Class: ClassFatal, Err: errors.Wrap(err, "journal: reacquire header page after mapping payload")}
	}
	payloadStart := offsetInPage + headerSize
	if candidate.CompressedSize < 0 || payloadStart+int(candidate.CompressedSize) > len(page) {
		return ValidationResult{Class: ClassGarbage, Header: candidate}
	}
	compressed := page[payloadStart : payloadStart+int(candidate.CompressedSize)]

	hashOK := VerifyPayloadHash(compressed, candidate.TransactionId, candidate.Hash)

	if lastHeader != nil && candidate.TransactionId != 1 {
		diff := candidate.TransactionId - lastHeader.TransactionId
		switch {
		case diff < 0:
			// Stale record left over from a reused journal.
			return ValidationResult{Class: ClassGarbage, Header: candidate}
		case diff > 1, diff == 0 && hashOK:
			return ValidationResult{
				Class: ClassFatal,
				Header: candidate,
				Err: newCorruption(opts.JournalName, candidate.TransactionId,
					"sequential transaction ids (missing or duplicate transaction)", nil),
			}
		}
		if hashOK && candidate.TxMarker.Has(TxMarkerCommit) && candidate.LastPageNumber == 0 {
			return ValidationResult{
				Class: ClassFatal,
				Header: candidate,
				Err: newCorruption(opts.JournalName, candidate.TransactionId,
					"LastPageNumber > 0 for a committed follower transaction", nil),
			}
		}
	}

	if !hashOK {
		if opts.OnDefect != nil {
			opts.OnDefect("validator", "transaction not committed", nil)
		}
		return ValidationResult{Class: ClassTorn, Header: candidate}
	}

	return ValidationResult{Class: ClassValid, Header: candidate}
}

// pagesToCover returns how many whole pages, starting at page 0, are
// needed to contain byteLen bytes.
func pagesToCover(byteLen, pageSize int) uint32 {
	if byteLen <= 0 {
		return 1
	}
	return uint32((byteLen + pageSize - 1) / pageSize)
}
