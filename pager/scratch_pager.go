package pager

import (
	"sync"

	"github.com/pkg/errors"
)

// ScratchPager is the recovery pager (C1's third role): an in-memory
// buffer sized to the largest uncompressed transaction seen so far. It
// never touches disk and has no write-protection to offer - Protect/
// UnprotectRange are no-ops since there is no OS mapping at all.
type ScratchPager struct {
	mu       sync.Mutex
	buf      []byte
	pageSize int
}

// NewScratchPager creates an empty scratch pager for the given page size.
func NewScratchPager(pageSize int) *ScratchPager {
	return &ScratchPager{pageSize: pageSize}
}

func (s *ScratchPager) PageSize() int { return s.pageSize }

func (s *ScratchPager) TotalAllocationSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.buf))
}

func (s *ScratchPager) NumberOfAllocatedPages() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(len(s.buf) / s.pageSize)
}

// EnsureContinuous grows buf to at least (pageNumber+count) pages, zeroing
// any newly added bytes.
func (s *ScratchPager) EnsureContinuous(pageNumber, count uint32) error {
	want := int(pageNumber+count) * s.pageSize

	s.mu.Lock()
	defer s.mu.Unlock()

	if want <= len(s.buf) {
		return nil
	}
	grown := make([]byte, want)
	copy(grown, s.buf)
	s.buf = grown
	return nil
}

// EnsureMapped maps nothing, since an in-memory buffer is always fully
// "mapped" once EnsureContinuous has sized it; it only returns
// ErrReadPastEnd when the range is not yet covered by the buffer.
func (s *ScratchPager) EnsureMapped(tx TxState, pageNumber, count uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(pageNumber+count)*s.pageSize > len(s.buf) {
		return errors.Wrap(ErrReadPastEnd, "pager: scratch EnsureMapped before EnsureContinuous")
	}
	return nil
}

func (s *ScratchPager) AcquirePagePointer(tx TxState, pageNumber uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	off := int(pageNumber) * s.pageSize
	if off >= len(s.buf) {
		return nil, errors.Wrapf(ErrReadPastEnd, "pager: scratch page %d past size %d", pageNumber, len(s.buf))
	}
	return s.buf[off:], nil
}

// UnprotectRange and ProtectRange are no-ops: the scratch buffer is a
// private Go slice, never mapped with OS write protection.
func (s *ScratchPager) UnprotectRange(ptr []byte) error { return nil }
func (s *ScratchPager) ProtectRange(ptr []byte) error   { return nil }

func (s *ScratchPager) Dispose(tx TxState) {}

// Zero clears [pageNumber, pageNumber+count) before a transaction's
// decompressed payload is written into it.
func (s *ScratchPager) Zero(pageNumber, count uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := int(pageNumber) * s.pageSize
	end := int(pageNumber+count) * s.pageSize
	if end > len(s.buf) {
		return errors.Wrap(ErrReadPastEnd, "pager: scratch Zero before EnsureContinuous")
	}
	for i := start; i < end; i++ {
		s.buf[i] = 0
	}
	return nil
}
