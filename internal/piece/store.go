package piece

import (
	"crypto/sha1"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Events emitted by Store, consumed by the scheduler.
type (
	// Completed reports that pieceIndex was verified and durably written.
	Completed struct{ PieceIndex int }
	// HashFailed reports that the assembled buffer for pieceIndex did not
	// match its expected hash; the scheduler should return all of its
	// blocks to the needed set.
	HashFailed struct{ PieceIndex int }
	// WriteFailed reports a durable-write error for pieceIndex; the piece
	// must be re-downloaded.
	WriteFailed struct {
		PieceIndex int
		Err        error
	}
	// DownloadComplete reports that every piece has been verified.
	DownloadComplete struct{}
)

// buffer accumulates blocks for one in-flight piece until every block has
// arrived.
type buffer struct {
	blocks     map[int][]byte // blockIndex -> data
	blockCount int
}

func (b *buffer) received() int { return len(b.blocks) }

// Store is the single writer to the output file and sole authority for piece
// verification. All addBlock/completion work for a given piece is
// serialized by mu.
type Store struct {
	log *slog.Logger

	f *os.File

	totalLength int64
	pieceLength int64
	blockLength int
	hashes      [][sha1.Size]byte

	mu         sync.Mutex
	buffers    map[int]*buffer
	complete   map[int]bool
	numPieces  int
	numDone    int
	downloaded int64

	events chan any
}

// Open creates (or opens) the output file, pre-allocating it to the
// torrent's total length, and optionally full-file-verifies existing
// content. verify gates the up-front rescan: cmd/riptide leaves it off for
// a fresh download and turns it on when resuming into an existing file of
// the right size.
func Open(path string, totalLength, pieceLength int64, blockLength int, hashes [][sha1.Size]byte, verify bool, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "piece_store")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("piece: mkdir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("piece: open %s: %w", path, err)
	}

	numPieces := Count(totalLength, pieceLength)
	if numPieces != len(hashes) {
		_ = f.Close()
		return nil, fmt.Errorf("piece: hash count %d does not match piece count %d", len(hashes), numPieces)
	}

	s := &Store{
		log:         log,
		f:           f,
		totalLength: totalLength,
		pieceLength: pieceLength,
		blockLength: blockLength,
		hashes:      hashes,
		buffers:     make(map[int]*buffer),
		complete:    make(map[int]bool),
		numPieces:   numPieces,
		events:      make(chan any, 64),
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("piece: stat: %w", err)
	}

	if verify && info.Size() == totalLength {
		s.rescan()
	}
	if info.Size() != totalLength {
		if err := f.Truncate(totalLength); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("piece: truncate: %w", err)
		}
	}

	return s, nil
}

// rescan verifies every piece already on disk, marking matches complete.
// Read failures are treated as an absent piece.
func (s *Store) rescan() {
	for i := 0; i < s.numPieces; i++ {
		pl, err := LengthAt(i, s.totalLength, s.pieceLength)
		if err != nil {
			continue
		}
		buf := make([]byte, pl)
		if _, err := s.f.ReadAt(buf, int64(i)*s.pieceLength); err != nil && err != io.EOF {
			continue
		}
		if sha1.Sum(buf) == s.hashes[i] {
			s.complete[i] = true
			s.numDone++
			s.downloaded += pl
		}
	}
	s.log.Info("full-file rescan complete", "verified", s.numDone, "total", s.numPieces)
}

// Events returns the channel on which the store publishes Completed,
// HashFailed, WriteFailed, and DownloadComplete events.
func (s *Store) Events() <-chan any { return s.events }

// Downloaded reports total verified bytes, used for tracker announces.
func (s *Store) Downloaded() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloaded
}

// IsComplete reports whether every piece has been verified.
func (s *Store) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numDone == s.numPieces
}

// CompletedPieces returns the set of verified piece indices, used to seed
// the scheduler's initial bitfield at startup (e.g. after a full rescan).
func (s *Store) CompletedPieces() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.complete))
	for i := range s.complete {
		out = append(out, i)
	}
	return out
}

// AddBlock validates bounds, discards duplicates and blocks for
// already-complete pieces silently, buffers the block, and triggers
// verification once every block for the piece has arrived.
func (s *Store) AddBlock(pieceIndex int, begin int64, data []byte) error {
	if pieceIndex < 0 || pieceIndex >= s.numPieces {
		return fmt.Errorf("piece: addBlock: index %d out of range", pieceIndex)
	}

	pieceLen, err := LengthAt(pieceIndex, s.totalLength, s.pieceLength)
	if err != nil {
		return err
	}
	if begin < 0 || begin >= pieceLen {
		return fmt.Errorf("piece: addBlock: begin %d out of range for piece %d (len=%d)", begin, pieceIndex, pieceLen)
	}
	wantLen, err := BlockLengthAt(begin, pieceLen, s.blockLength)
	if err != nil {
		return err
	}
	if int64(len(data)) != int64(wantLen) {
		return fmt.Errorf("piece: addBlock: data length %d != expected %d", len(data), wantLen)
	}

	s.mu.Lock()

	if s.complete[pieceIndex] {
		s.mu.Unlock()
		return nil // already verified; silently discard
	}

	buf, ok := s.buffers[pieceIndex]
	if !ok {
		buf = &buffer{
			blocks:     make(map[int][]byte),
			blockCount: BlockCount(pieceLen, s.blockLength),
		}
		s.buffers[pieceIndex] = buf
	}

	blockIdx := BlockIndexForBegin(begin, s.blockLength)
	if _, dup := buf.blocks[blockIdx]; dup {
		s.mu.Unlock()
		return nil // duplicate block; idempotent discard
	}

	buf.blocks[blockIdx] = append([]byte(nil), data...)
	complete := buf.received() == buf.blockCount
	s.mu.Unlock()

	if complete {
		s.completePiece(pieceIndex, pieceLen, buf)
	}
	return nil
}

// completePiece assembles the buffered blocks, verifies SHA-1, and on a
// match writes and fsyncs the piece to its offset in the output file; on a
// mismatch it discards the buffer so the blocks get re-requested.
func (s *Store) completePiece(pieceIndex int, pieceLen int64, buf *buffer) {
	data := make([]byte, 0, pieceLen)
	for i := 0; i < buf.blockCount; i++ {
		data = append(data, buf.blocks[i]...)
	}

	sum := sha1.Sum(data)
	if sum != s.hashes[pieceIndex] {
		s.mu.Lock()
		delete(s.buffers, pieceIndex)
		s.mu.Unlock()

		s.log.Warn("piece hash mismatch", "piece", pieceIndex)
		s.publish(HashFailed{PieceIndex: pieceIndex})
		return
	}

	offset := int64(pieceIndex) * s.pieceLength
	if _, err := s.f.WriteAt(data, offset); err != nil {
		s.mu.Lock()
		delete(s.buffers, pieceIndex)
		s.mu.Unlock()

		s.log.Error("piece write failed", "piece", pieceIndex, "err", err)
		s.publish(WriteFailed{PieceIndex: pieceIndex, Err: err})
		return
	}
	if err := s.f.Sync(); err != nil {
		s.mu.Lock()
		delete(s.buffers, pieceIndex)
		s.mu.Unlock()

		s.log.Error("piece fsync failed", "piece", pieceIndex, "err", err)
		s.publish(WriteFailed{PieceIndex: pieceIndex, Err: err})
		return
	}

	s.mu.Lock()
	delete(s.buffers, pieceIndex)
	s.complete[pieceIndex] = true
	s.numDone++
	s.downloaded += pieceLen
	done := s.numDone == s.numPieces
	s.mu.Unlock()

	s.log.Info("piece completed", "piece", pieceIndex)
	s.publish(Completed{PieceIndex: pieceIndex})

	if done {
		s.log.Info("download complete")
		s.publish(DownloadComplete{})
	}
}

func (s *Store) publish(ev any) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("event channel full; dropping event", "event", fmt.Sprintf("%T", ev))
	}
}

// Close closes the output file. Each piece is already fsynced when it is
// written; Close does not wait for a piece write running on another
// goroutine, and a write attempted after Close fails and is reported as
// WriteFailed.
func (s *Store) Close() error {
	return s.f.Close()
}
