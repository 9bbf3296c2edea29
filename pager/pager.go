// Package pager implements C1 of the recovery engine: a page-addressed,
// growable byte window over a backing store. Three roles share the same
// Pager contract during a recovery pass - a read-only journal pager, a
// mutable data pager, and an in-memory scratch pager for decompressed
// transaction payloads - rather than an inheritance hierarchy.
package pager

import "github.com/pkg/errors"

// ErrOutOfSpace is returned when a backing store cannot grow to satisfy
// EnsureContinuous. It is always fatal to the caller.
var ErrOutOfSpace = errors.New("pager: out of space")

// ErrReadPastEnd is returned when a caller asks for a page range beyond
// what has been allocated.
var ErrReadPastEnd = errors.New("pager: read past end of allocation")

// TxState identifies the in-flight transaction (or recovery pass) making
// pager calls. The journal reader is itself the TxState implementation it
// hands to every pager it drives - see the doc of journal.Reader for why
// that one-way registration exists.
type TxState interface {
	ID() string
}

// Pager is the capability set every backing store exposes. It intentionally
// has no notion of "the" transaction beyond the TxState handle passed into
// each call, since a single recovery pass is the reader's sole writer to
// the data pager for its whole duration.
type Pager interface {
	// EnsureContinuous guarantees the backing store has at least
	// pageNumber+count pages allocated, growing the file or mapping if
	// required.
	EnsureContinuous(pageNumber, count uint32) error

	// EnsureMapped makes [pageNumber, pageNumber+count) accessible to tx.
	// On 64-bit builds this is a no-op once the range has been mapped
	// once; EnsureContinuous already guarantees the backing allocation.
	EnsureMapped(tx TxState, pageNumber, count uint32) error

	// AcquirePagePointer returns a byte window starting at pageNumber's
	// first byte and extending to the end of the allocated region,
	// mirroring a raw pointer into an mmap: the caller may index past a
	// single page's worth of bytes when the record it holds spans pages.
	// The slice is only valid for the lifetime of tx; see journal.Header
	// for why callers must copy out of it before tx disposes.
	AcquirePagePointer(tx TxState, pageNumber uint32) ([]byte, error)

	// UnprotectRange and ProtectRange bracket a write to a destination
	// range acquired via AcquirePagePointer. Every destination page must
	// be unprotected exactly once before writing and protected exactly
	// once after, in that order; implementations that cannot toggle page
	// protection (no OS support, or a pure in-memory scratch buffer) may
	// treat both as no-ops but must still accept the calls.
	UnprotectRange(ptr []byte) error
	ProtectRange(ptr []byte) error

	// TotalAllocationSize reports the backing store's total size in bytes.
	TotalAllocationSize() int64

	// NumberOfAllocatedPages reports the backing store's total size in
	// whole pages.
	NumberOfAllocatedPages() uint32

	// PageSize reports the page size this pager was opened with.
	PageSize() int

	// Dispose fires the per-tx disposal event so the pager can drop any
	// bookkeeping it keeps about tx. Pagers never hold tx past Dispose;
	// the reference is a lookup key, never ownership.
	Dispose(tx TxState)
}
