package piece

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCountAndLengthAt(t *testing.T) {
	// 3 full pieces of 16 plus an 5-byte remainder.
	total := int64(16*3 + 5)
	pieceLen := int64(16)

	require.Equal(t, 4, Count(total, pieceLen))

	for i := 0; i < 3; i++ {
		l, err := LengthAt(i, total, pieceLen)
		require.NoError(t, err)
		require.Equal(t, pieceLen, l)
	}

	last, err := LengthAt(3, total, pieceLen)
	require.NoError(t, err)
	require.Equal(t, int64(5), last)

	_, err = LengthAt(4, total, pieceLen)
	require.Error(t, err)
}

func TestSingleBlockTorrent(t *testing.T) {
	// Exactly one block: piece length equals the block length.
	total := int64(16384)
	pieceLen := int64(16384)

	require.Equal(t, 1, Count(total, pieceLen))
	l, err := LengthAt(0, total, pieceLen)
	require.NoError(t, err)
	require.Equal(t, total, l)
	require.Equal(t, 1, BlockCount(l, BlockLength))

	bl, err := BlockLengthAt(0, l, BlockLength)
	require.NoError(t, err)
	require.Equal(t, 16384, bl)
}

func TestShortLastBlock(t *testing.T) {
	pieceLen := int64(16384 + 100)
	require.Equal(t, 2, BlockCount(pieceLen, BlockLength))

	bl, err := BlockLengthAt(16384, pieceLen, BlockLength)
	require.NoError(t, err)
	require.Equal(t, 100, bl)
}

func TestBlockBeginMustBeAligned(t *testing.T) {
	_, err := BlockLengthAt(100, 16384, BlockLength)
	require.Error(t, err)
}

func TestBlockIndexForBegin(t *testing.T) {
	require.Equal(t, 0, BlockIndexForBegin(0, BlockLength))
	require.Equal(t, 1, BlockIndexForBegin(BlockLength, BlockLength))
	require.Equal(t, 2, BlockIndexForBegin(2*BlockLength, BlockLength))
}
