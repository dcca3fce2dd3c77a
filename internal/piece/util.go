// Package piece implements piece/block arithmetic and the single-writer
// piece store that owns the output file for a download.
package piece

import "fmt"

// BlockLength is the conventional pipelined request unit.
const BlockLength = 16 * 1024

// Count returns the number of pieces needed to cover totalLength bytes at
// pieceLength each (the last piece may be shorter).
func Count(totalLength, pieceLength int64) int {
	if totalLength <= 0 || pieceLength <= 0 {
		return 0
	}
	return int((totalLength + pieceLength - 1) / pieceLength)
}

// LengthAt returns the byte length of piece index, given totalLength and
// pieceLength: pieceLength for every piece but the last, and the remainder
// for the last.
func LengthAt(index int, totalLength, pieceLength int64) (int64, error) {
	n := Count(totalLength, pieceLength)
	if index < 0 || index >= n {
		return 0, fmt.Errorf("piece: index %d out of range (count=%d)", index, n)
	}
	if index < n-1 {
		return pieceLength, nil
	}
	rem := totalLength - pieceLength*int64(n-1)
	return rem, nil
}

// BlockCount returns ceil(pieceLength / blockLength).
func BlockCount(pieceLength int64, blockLength int) int {
	if pieceLength <= 0 || blockLength <= 0 {
		return 0
	}
	n := int(pieceLength) / blockLength
	if int(pieceLength)%blockLength != 0 {
		n++
	}
	return n
}

// BlockLengthAt returns min(blockLength, pieceLength-begin) for a block
// starting at begin within a piece, validating alignment and range.
func BlockLengthAt(begin int64, pieceLength int64, blockLength int) (int, error) {
	if begin < 0 || begin >= pieceLength {
		return 0, fmt.Errorf("piece: block begin %d out of range (pieceLength=%d)", begin, pieceLength)
	}
	if begin%int64(blockLength) != 0 {
		return 0, fmt.Errorf("piece: block begin %d not a multiple of blockLength %d", begin, blockLength)
	}
	remaining := pieceLength - begin
	if remaining < int64(blockLength) {
		return int(remaining), nil
	}
	return blockLength, nil
}

// BlockIndexForBegin maps a byte offset within a piece to its block index.
func BlockIndexForBegin(begin int64, blockLength int) int {
	return int(begin) / blockLength
}
