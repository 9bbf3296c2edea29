package journal

import (
	"testing"

	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	assert := assertion.New(t)
	require := require.New(t)

	want := Header{
		HeaderMarker:     HeaderMarker,
		TransactionId:    42,
		LastPageNumber:   7,
		PageCount:        3,
		CompressedSize:   128,
		UncompressedSize: 4096,
		Hash:             0xDEADBEEFCAFEF00D,
		TxMarker:         TxMarkerCommit,
	}

	buf := make([]byte, HeaderSize())
	require.NoError(WriteHeader(buf, want))

	got, err := ReadHeader(buf)
	require.NoError(err)
	assert.Equal(want, got)
}

func TestReadHeaderShortBuffer(t *testing.T) {
	assert := assertion.New(t)
	_, err := ReadHeader(make([]byte, 10))
	assert.ErrorIs(err, errShortBuffer)
}

func TestTxMarkerHas(t *testing.T) {
	assert := assertion.New(t)
	assert.True(TxMarkerCommit.Has(TxMarkerCommit))
	assert.False(TxMarker(0).Has(TxMarkerCommit))
}

func TestPageInfoRoundTrip(t *testing.T) {
	assert := assertion.New(t)
	require := require.New(t)

	infos := []PageInfo{
		{PageNumber: 3, Size: 8192, DiffSize: 0},
		{PageNumber: 9, Size: 8192, DiffSize: 64},
	}
	buf := make([]byte, len(infos)*pageInfoSize)
	n, err := WritePageInfos(buf, infos)
	require.NoError(err)
	assert.Equal(len(buf), n)

	got, consumed, err := ReadPageInfos(buf, uint32(len(infos)))
	require.NoError(err)
	assert.Equal(len(buf), consumed)
	assert.Equal(infos, got)
}
