package pager

import (
	"os"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// maxMapSize is the largest mmap size this pager will ever request.
const maxMapSize = 0xFFFFFFFFFFFF // 256TB

// maxMmapStep is the largest step taken when growing the mmap once it is
// past the doubling phase.
const maxMmapStep = 1 << 30 // 1GB

// allocPages is the number of extra pages added beyond the requested size
// on each grow once the backing file is at least allocPages pages long.
const allocPages = 8

// is64Bit decides whether EnsureMapped may treat an already-sufficient
// mapping as a no-op. On 32-bit builds that early return is skipped and
// the tx's generation is recorded on every call; a remap still happens
// only when the mapping is smaller than the requested range.
const is64Bit = strconv.IntSize == 64

var errWriteLocked = errors.New("pager: file opened for writing by another process")

// MmapPager is the Pager (C1) implementation backing the journal and data
// roles: a single memory-mapped file, grown in place and remapped when a
// transaction needs pages beyond the current mapping.
type MmapPager struct {
	mu sync.RWMutex

	path     string
	file     *os.File
	readOnly bool
	pageSize int

	dataref []byte // the raw mmap'd slice, passed to syscall.Munmap verbatim
	filesz  int64  // current on-disk file size
	mapsz   int    // current mmap size

	// mappedEpoch tracks, per TxState, which mmap generation that tx has
	// already observed. EnsureMapped is a real no-op only when the tx's
	// last-seen generation matches the pager's current one; Dispose drops
	// the entry so the map never outlives a recovery pass - the pager
	// holds a weak back-reference to the tx, never ownership.
	mappedEpoch map[string]int
	epoch       int

	log logrus.FieldLogger
}

// OpenMmapPager opens (creating if necessary) the file at path and memory
// maps it read-only or read-write. pageSize must be a power of two multiple
// of 4096.
func OpenMmapPager(path string, pageSize int, readOnly bool, log logrus.FieldLogger) (*MmapPager, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		if os.IsNotExist(err) && !readOnly {
			file, err = os.OpenFile(path, flag|os.O_CREATE, 0o644)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "pager: open %s", path)
		}
	}

	if err := flockFile(file, readOnly); err != nil {
		_ = file.Close()
		return nil, err
	}

	p := &MmapPager{
		path:        path,
		file:        file,
		readOnly:    readOnly,
		pageSize:    pageSize,
		mappedEpoch: make(map[string]int),
		log:         log.WithField("journal_file", path),
	}

	info, err := file.Stat()
	if err != nil {
		_ = p.Close()
		return nil, errors.Wrap(err, "pager: stat")
	}
	p.filesz = info.Size()

	if err := p.remap(int(p.filesz)); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// Close unmaps the file and releases the file handle and advisory lock.
func (p *MmapPager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.unmapLocked(); err != nil {
		return err
	}
	if p.file == nil {
		return nil
	}
	if !p.readOnly {
		if err := funlockFile(p.file); err != nil {
			p.log.WithError(err).Warn("pager: funlock failed")
		}
	}
	err := p.file.Close()
	p.file = nil
	return err
}

func (p *MmapPager) PageSize() int { return p.pageSize }

func (p *MmapPager) TotalAllocationSize() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.filesz
}

func (p *MmapPager) NumberOfAllocatedPages() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return uint32(p.filesz / int64(p.pageSize))
}

// EnsureContinuous guarantees the file is at least (pageNumber+count)*pageSize
// bytes, growing and resyncing it if not.
func (p *MmapPager) EnsureContinuous(pageNumber, count uint32) error {
	want := int64(pageNumber+count) * int64(p.pageSize)

	p.mu.Lock()
	defer p.mu.Unlock()

	if want <= p.filesz {
		return nil
	}
	if p.readOnly {
		return errors.Wrapf(ErrOutOfSpace, "pager: %s is read-only, cannot grow to %s", p.path, humanize.Bytes(uint64(want)))
	}

	grown := p.growSizeLocked(want)
	if runtime.GOOS != "windows" {
		if err := p.file.Truncate(grown); err != nil {
			return errors.Wrap(err, "pager: truncate")
		}
	}
	if err := p.file.Sync(); err != nil {
		return errors.Wrap(err, "pager: sync after grow")
	}
	p.log.WithFields(logrus.Fields{
		"from": humanize.Bytes(uint64(p.filesz)),
		"to":   humanize.Bytes(uint64(grown)),
	}).Debug("pager: grew backing file")
	p.filesz = grown

	if grown > int64(p.mapsz) {
		if err := p.remapLocked(int(grown)); err != nil {
			return err
		}
	}
	return nil
}

// growSizeLocked returns exactly want while the backing file is smaller
// than allocSize, and want plus one allocSize chunk after that.
func (p *MmapPager) growSizeLocked(want int64) int64 {
	allocSize := int64(allocPages * p.pageSize)
	if p.filesz < allocSize {
		return want
	}
	return want + allocSize
}

// EnsureMapped makes [pageNumber, pageNumber+count) visible to tx. On a
// 64-bit build this is a no-op once tx has already observed the current
// mmap generation; EnsureContinuous is responsible for growing the
// backing allocation itself.
func (p *MmapPager) EnsureMapped(tx TxState, pageNumber, count uint32) error {
	need := int64(pageNumber+count) * int64(p.pageSize)

	p.mu.Lock()
	defer p.mu.Unlock()

	if is64Bit && int64(p.mapsz) >= need && p.mappedEpoch[tx.ID()] == p.epoch {
		return nil
	}
	if int64(p.mapsz) < need {
		if err := p.remapLocked(int(need)); err != nil {
			return err
		}
	}
	p.mappedEpoch[tx.ID()] = p.epoch
	return nil
}

// AcquirePagePointer returns the byte window starting at pageNumber,
// extending to the end of the backing file. The mapping may be larger
// than the file, but bytes past the file's end are never handed out.
func (p *MmapPager) AcquirePagePointer(tx TxState, pageNumber uint32) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	end := p.filesz
	if end > int64(len(p.dataref)) {
		end = int64(len(p.dataref))
	}
	off := int64(pageNumber) * int64(p.pageSize)
	if off >= end {
		return nil, errors.Wrapf(ErrReadPastEnd, "pager: page %d past allocated size %d", pageNumber, end)
	}
	return p.dataref[off:end], nil
}

// UnprotectRange marks the underlying mmap pages of ptr writable.
func (p *MmapPager) UnprotectRange(ptr []byte) error {
	if p.readOnly || len(ptr) == 0 {
		return nil
	}
	return mprotectRange(ptr, syscall.PROT_READ|syscall.PROT_WRITE)
}

// ProtectRange restores the underlying mmap pages of ptr to read-only,
// catching any stray write outside the bracketed window.
func (p *MmapPager) ProtectRange(ptr []byte) error {
	if p.readOnly || len(ptr) == 0 {
		return nil
	}
	return mprotectRange(ptr, syscall.PROT_READ)
}

// Dispose drops tx's remembered mapping generation - this is the only
// thing the pager remembers about a TxState.
func (p *MmapPager) Dispose(tx TxState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.mappedEpoch, tx.ID())
}

func (p *MmapPager) remap(minsz int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remapLocked(minsz)
}

// remapLocked mirrors DB.mmap/mmapSize: picks a rounded-up size, remaps,
// and bumps the epoch counter so every live TxState must EnsureMapped again.
func (p *MmapPager) remapLocked(minsz int) error {
	size, err := mmapSize(minsz, p.pageSize)
	if err != nil {
		return err
	}
	if err := p.unmapLocked(); err != nil {
		return err
	}

	prot := syscall.PROT_READ
	if !p.readOnly {
		prot |= syscall.PROT_WRITE
	}
	b, err := syscall.Mmap(int(p.file.Fd()), 0, size, prot, syscall.MAP_SHARED)
	if err != nil {
		return errors.Wrap(err, "pager: mmap")
	}
	if len(b) > 0 {
		if err := madvise(b, syscall.MADV_RANDOM); err != nil {
			_ = syscall.Munmap(b)
			return errors.Wrap(err, "pager: madvise")
		}
	}
	p.dataref = b
	p.mapsz = size
	p.epoch++
	return nil
}

func (p *MmapPager) unmapLocked() error {
	if p.dataref == nil {
		return nil
	}
	err := syscall.Munmap(p.dataref)
	p.dataref = nil
	p.mapsz = 0
	return err
}

// mmapSize determines the appropriate mmap size given the requested
// minimum, doubling from 32KB up to 1GB and then growing in 1GB steps,
// always rounded up to a multiple of pageSize. Ported from DB.mmapSize.
func mmapSize(size, pageSize int) (int, error) {
	for i := uint(15); i <= 30; i++ {
		if size <= 1<<i {
			return 1 << i, nil
		}
	}
	if size > maxMapSize {
		return 0, errors.New("pager: mmap size exceeds maximum")
	}
	sz := int64(size)
	if rem := sz % maxMmapStep; rem > 0 {
		sz += maxMmapStep - rem
	}
	ps := int64(pageSize)
	if sz%ps != 0 {
		sz = ((sz / ps) + 1) * ps
	}
	if sz > maxMapSize {
		sz = maxMapSize
	}
	return int(sz), nil
}

func mprotectRange(b []byte, prot int) error {
	if len(b) == 0 {
		return nil
	}
	return syscall.Mprotect(b, prot)
}

// madvise calls MADV_RANDOM directly: the stdlib syscall package does
// not expose it on every platform this pager targets.
func madvise(b []byte, advice int) error {
	_, _, e1 := syscall.Syscall(syscall.SYS_MADVISE, uintptr(unsafe.Pointer(&b[0])), uintptr(len(b)), uintptr(advice))
	if e1 != 0 {
		return e1
	}
	return nil
}

func flockFile(file *os.File, readOnly bool) error {
	flag := syscall.LOCK_SH
	if !readOnly {
		flag = syscall.LOCK_EX
	}
	err := syscall.Flock(int(file.Fd()), flag|syscall.LOCK_NB)
	if err == nil {
		return nil
	}
	if errno, ok := err.(syscall.Errno); ok && (errno == syscall.EWOULDBLOCK || errno == syscall.EAGAIN) {
		return errWriteLocked
	}
	return errors.Wrap(err, "pager: flock")
}

func funlockFile(file *os.File) error {
	return syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
}
