package journal

import (
	"bytes"
	"testing"

	assertion "github.com/stretchr/testify/assert"

	"github.com/ravendb/voronrecovery/pager"
)

const testPageSize = 8192

func readHeaderAt(t *testing.T, p *pager.MmapPager, start4Kb uint32) Header {
	t.Helper()
	pageNumber, offsetInPage := cursorPosition(start4Kb, testPageSize)
	page, err := p.AcquirePagePointer(fixtureTx("reader-helper"), pageNumber)
	if err != nil {
		t.Fatalf("acquire page: %v", err)
	}
	h, err := ReadHeader(page[offsetInPage:])
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	return h
}

func TestValidateEndWhenPastCapacity(t *testing.T) {
	assert := assertion.New(t)

	p, _, cursor := buildJournal(t, testPageSize, []txSpec{
		{id: 1, lastPageNumber: 1, commit: true, pages: []pageSpec{{pageNumber: 1, image: bytes.Repeat([]byte{0xAA}, testPageSize)}}},
	})

	result := Validate(p, fixtureTx("reader"), cursor+1000, nil, ValidateOptions{
		JournalCapacity4Kb: cursor,
		PageSize:           testPageSize,
	})
	assert.Equal(ClassEnd, result.Class)
}

func TestValidateAcceptsFirstTransactionRegardlessOfAnchor(t *testing.T) {
	assert := assertion.New(t)

	p, starts, cursor := buildJournal(t, testPageSize, []txSpec{
		{id: 1, lastPageNumber: 1, commit: true, pages: []pageSpec{{pageNumber: 1, image: bytes.Repeat([]byte{0xAA}, testPageSize)}}},
	})

	// An anchor far ahead of id 1 must not trigger the ordering check.
	anchor := Header{HeaderMarker: HeaderMarker, TransactionId: 7, LastPageNumber: 1, TxMarker: TxMarkerCommit}

	result := Validate(p, fixtureTx("reader"), starts[0], &anchor, ValidateOptions{
		JournalCapacity4Kb: cursor + 4,
		PageSize:           testPageSize,
	})
	assert.Equal(ClassValid, result.Class)
	assert.Equal(int64(1), result.Header.TransactionId)
}

func TestValidateGarbageOnBadMagic(t *testing.T) {
	assert := assertion.New(t)

	p, starts, cursor := buildJournal(t, testPageSize, []txSpec{
		{id: 1, lastPageNumber: 1, commit: true, pages: []pageSpec{{pageNumber: 1, image: bytes.Repeat([]byte{0xAA}, testPageSize)}}},
	})

	tx := fixtureTx("corruptor")
	page, err := p.AcquirePagePointer(tx, 0)
	assert.NoError(err)
	page[0] ^= 0xFF

	result := Validate(p, fixtureTx("reader"), starts[0], nil, ValidateOptions{
		JournalCapacity4Kb: cursor + 4,
		PageSize:           testPageSize,
	})
	assert.Equal(ClassGarbage, result.Class)
}

func TestValidateTornOnBadHash(t *testing.T) {
	assert := assertion.New(t)

	p, starts, cursor := buildJournal(t, testPageSize, []txSpec{
		{id: 1, lastPageNumber: 1, commit: true, corruptHash: true,
			pages: []pageSpec{{pageNumber: 1, image: bytes.Repeat([]byte{0xAA}, testPageSize)}}},
	})

	var called bool
	result := Validate(p, fixtureTx("reader"), starts[0], nil, ValidateOptions{
		JournalCapacity4Kb: cursor + 4,
		PageSize:           testPageSize,
		OnDefect: func(source, message string, cause error) {
			called = true
			assert.Equal("transaction not committed", message)
		},
	})
	assert.Equal(ClassTorn, result.Class)
	assert.True(called)
}

func TestValidateFatalOnGapInSequence(t *testing.T) {
	assert := assertion.New(t)

	p, starts, cursor := buildJournal(t, testPageSize, []txSpec{
		{id: 1, lastPageNumber: 1, commit: true, pages: []pageSpec{{pageNumber: 1, image: bytes.Repeat([]byte{0x01}, testPageSize)}}},
		{id: 2, lastPageNumber: 1, commit: true, pages: []pageSpec{{pageNumber: 1, image: bytes.Repeat([]byte{0x02}, testPageSize)}}},
		// id 4 is hash-valid but does not continue from id 2: a missing id 3.
		{id: 4, lastPageNumber: 1, commit: true, pages: []pageSpec{{pageNumber: 1, image: bytes.Repeat([]byte{0x04}, testPageSize)}}},
	})

	h2 := readHeaderAt(t, p, starts[1])

	result := Validate(p, fixtureTx("reader"), starts[2], &h2, ValidateOptions{
		JournalCapacity4Kb: cursor + 4,
		PageSize:           testPageSize,
		JournalName:        "test.journal",
	})
	assert.Equal(ClassFatal, result.Class)
	assert.Error(result.Err)
	var ce *CorruptionError
	assert.ErrorAs(result.Err, &ce)
	assert.Equal(int64(4), ce.TransactionId)
}

func TestValidateGarbageOnStaleTransaction(t *testing.T) {
	assert := assertion.New(t)

	p, starts, cursor := buildJournal(t, testPageSize, []txSpec{
		{id: 20, lastPageNumber: 1, commit: true, pages: []pageSpec{{pageNumber: 1, image: bytes.Repeat([]byte{0x01}, testPageSize)}}},
		{id: 12, lastPageNumber: 1, commit: true, pages: []pageSpec{{pageNumber: 1, image: bytes.Repeat([]byte{0x02}, testPageSize)}}},
	})

	h20 := readHeaderAt(t, p, starts[0])

	result := Validate(p, fixtureTx("reader"), starts[1], &h20, ValidateOptions{
		JournalCapacity4Kb: cursor + 4,
		PageSize:           testPageSize,
	})
	assert.Equal(ClassGarbage, result.Class)
}

func TestPatchTransactionIdKeepsHeaderValid(t *testing.T) {
	assert := assertion.New(t)

	p, starts, cursor := buildJournal(t, testPageSize, []txSpec{
		{id: 10, lastPageNumber: 1, commit: true, pages: []pageSpec{{pageNumber: 1, image: bytes.Repeat([]byte{0x01}, testPageSize)}}},
	})
	h10 := readHeaderAt(t, p, starts[0])

	patchTransactionId(t, p, testPageSize, starts[0], 20)
	h20 := readHeaderAt(t, p, starts[0])
	assert.Equal(int64(20), h20.TransactionId)
	assert.Equal(h10.CompressedSize, h20.CompressedSize)

	result := Validate(p, fixtureTx("reader"), starts[0], nil, ValidateOptions{
		JournalCapacity4Kb: cursor + 4,
		PageSize:           testPageSize,
	})
	assert.Equal(ClassValid, result.Class)
	assert.Equal(int64(20), result.Header.TransactionId)
}
