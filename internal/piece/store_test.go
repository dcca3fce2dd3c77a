package piece

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitFor[T any](t *testing.T, events <-chan any, timeout time.Duration) T {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if v, ok := ev.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestSinglePieceTorrentCompletesOnFirstAddBlock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	data := make([]byte, 16384)
	for i := range data {
		data[i] = byte(i)
	}
	hash := sha1.Sum(data)

	s, err := Open(path, int64(len(data)), int64(len(data)), BlockLength, [][sha1.Size]byte{hash}, false, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.AddBlock(0, 0, data))

	ev := waitFor[Completed](t, s.Events(), time.Second)
	require.Equal(t, 0, ev.PieceIndex)

	done := waitFor[DownloadComplete](t, s.Events(), time.Second)
	_ = done

	require.True(t, s.IsComplete())

	on, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, data, on)
}

func TestHashMismatchThenRecovery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	good := make([]byte, 16384)
	for i := range good {
		good[i] = byte(i)
	}
	hash := sha1.Sum(good)

	bad := make([]byte, 16384)
	copy(bad, good)
	bad[0] ^= 0xFF

	s, err := Open(path, int64(len(good)), int64(len(good)), BlockLength, [][sha1.Size]byte{hash}, false, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.AddBlock(0, 0, bad))
	failEv := waitFor[HashFailed](t, s.Events(), time.Second)
	require.Equal(t, 0, failEv.PieceIndex)
	require.False(t, s.IsComplete())

	require.NoError(t, s.AddBlock(0, 0, good))
	okEv := waitFor[Completed](t, s.Events(), time.Second)
	require.Equal(t, 0, okEv.PieceIndex)
	require.True(t, s.IsComplete())
}

func TestDuplicateAddBlockIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	pieceLen := int64(BlockLength * 2)
	data := make([]byte, pieceLen)
	for i := range data {
		data[i] = byte(i % 251)
	}
	hash := sha1.Sum(data)

	s, err := Open(path, pieceLen, pieceLen, BlockLength, [][sha1.Size]byte{hash}, false, nil)
	require.NoError(t, err)
	defer s.Close()

	block0 := data[:BlockLength]
	block1 := data[BlockLength:]

	require.NoError(t, s.AddBlock(0, 0, block0))
	// Re-send the same block before the piece completes; must not panic
	// or corrupt state, and the piece must not complete early.
	require.NoError(t, s.AddBlock(0, 0, block0))
	require.False(t, s.IsComplete())

	require.NoError(t, s.AddBlock(0, int64(BlockLength), block1))
	waitFor[Completed](t, s.Events(), time.Second)
	require.True(t, s.IsComplete())

	// A block for an already-complete piece is silently discarded.
	require.NoError(t, s.AddBlock(0, 0, block0))
}

func TestAddBlockRejectsMisalignedBegin(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	pieceLen := int64(16384)
	data := make([]byte, pieceLen)
	hash := sha1.Sum(data)

	s, err := Open(path, pieceLen, pieceLen, BlockLength, [][sha1.Size]byte{hash}, false, nil)
	require.NoError(t, err)
	defer s.Close()

	err = s.AddBlock(0, 100, data[:100])
	require.Error(t, err)
}

func TestOpenRescanMarksExistingDataComplete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	pieceLen := int64(16384)
	data := make([]byte, pieceLen)
	for i := range data {
		data[i] = byte(i)
	}
	hash := sha1.Sum(data)

	require.NoError(t, os.WriteFile(path, data, 0o644))

	s, err := Open(path, pieceLen, pieceLen, BlockLength, [][sha1.Size]byte{hash}, true, nil)
	require.NoError(t, err)
	defer s.Close()

	require.True(t, s.IsComplete())
	require.Equal(t, []int{0}, s.CompletedPieces())
	require.Equal(t, pieceLen, s.Downloaded())
}
