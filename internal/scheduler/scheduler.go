// Package scheduler implements rarest-first piece/block selection,
// request pipelining, endgame duplication, and timeout reclamation for one
// torrent's download.
package scheduler

import (
	"crypto/sha1"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelcode/riptide/internal/bitfield"
	"github.com/kestrelcode/riptide/internal/piece"
)

// Config tunes the scheduler's behavior. Defaults live in internal/config.
type Config struct {
	// Window is the maximum number of outstanding block requests allowed
	// per peer at once (pipelining depth).
	Window int

	// EndgameThreshold enables duplicate requests for the remaining
	// not-yet-received blocks once the global remaining-block count drops
	// to or below this value.
	EndgameThreshold int

	// RequestTimeout is how long a block request may stay unanswered
	// before it is reclaimed and reassignable to another peer.
	RequestTimeout time.Duration

	// MaxKnownPeers bounds the availability bucket's levels; it need only
	// be an upper estimate, not an exact peer count.
	MaxKnownPeers int
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 12
	}
	if c.EndgameThreshold <= 0 {
		c.EndgameThreshold = 20
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxKnownPeers <= 0 {
		c.MaxKnownPeers = 200
	}
	return c
}

type blockStatus int

const (
	blockWant blockStatus = iota
	blockInflight
	blockDone
)

type owner struct {
	sentAt time.Time
}

type block struct {
	status blockStatus
	owners map[string]owner
}

type pieceState struct {
	index      int
	length     int64
	blockCount int
	doneBlocks int
	verified   bool
	hash       [sha1.Size]byte
	blocks     []*block
}

// Request is a single block fetch assigned to a peer.
type Request struct {
	PeerID string
	Piece  int
	Begin  int64
	Length int
}

// Cancel tells the caller to send a cancel message to PeerID for a block
// another peer has already delivered (endgame de-duplication).
type Cancel struct {
	PeerID string
	Piece  int
	Begin  int64
}

// PeerView is what the scheduler needs to know about a peer to decide what
// (if anything) to request from it next.
type PeerView struct {
	PeerID   string
	Has      bitfield.Bitfield
	Unchoked bool
}

// Scheduler is the per-torrent download planner: it owns piece/block state,
// tracks per-piece availability across known peers, and hands out block
// requests rarest-piece-first.
type Scheduler struct {
	log *slog.Logger
	cfg Config

	totalLength int64
	pieceLength int64
	blockLength int

	mu              sync.Mutex
	pieces          []*pieceState
	availability    *availabilityBucket
	bf              bitfield.Bitfield
	remainingBlocks int
	verifiedCount   int
	endgame         bool

	peerAssignments map[string]map[blockKey]struct{}
	peerInflight    map[string]int
}

type blockKey struct {
	piece int
	block int
}

// New builds a Scheduler for a torrent with the given total length, piece
// length, and per-piece SHA-1 hashes.
func New(totalLength, pieceLength int64, blockLength int, hashes [][sha1.Size]byte, cfg Config, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	n := len(hashes)
	pieces := make([]*pieceState, n)
	total := 0
	for i := 0; i < n; i++ {
		pl, _ := piece.LengthAt(i, totalLength, pieceLength)
		bc := piece.BlockCount(pl, blockLength)
		total += bc
		blocks := make([]*block, bc)
		for j := range blocks {
			blocks[j] = &block{status: blockWant, owners: make(map[string]owner)}
		}
		pieces[i] = &pieceState{
			index:      i,
			length:     pl,
			blockCount: bc,
			hash:       hashes[i],
			blocks:     blocks,
		}
	}

	return &Scheduler{
		log:             log.With("component", "scheduler"),
		cfg:             cfg,
		totalLength:     totalLength,
		pieceLength:     pieceLength,
		blockLength:     blockLength,
		pieces:          pieces,
		availability:    newAvailabilityBucket(n, cfg.MaxKnownPeers),
		bf:              bitfield.New(n),
		remainingBlocks: total,
		peerAssignments: make(map[string]map[blockKey]struct{}),
		peerInflight:    make(map[string]int),
	}
}

// MarkLocallyComplete seeds the scheduler's view of already-verified pieces,
// used at startup after a piece store rescan so already-downloaded pieces
// are neither re-requested nor counted toward remaining work.
func (s *Scheduler) MarkLocallyComplete(pieceIndices []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, idx := range pieceIndices {
		if idx < 0 || idx >= len(s.pieces) {
			continue
		}
		ps := s.pieces[idx]
		if ps.verified {
			continue
		}
		for _, b := range ps.blocks {
			if b.status != blockDone {
				b.status = blockDone
				s.remainingBlocks--
			}
		}
		ps.doneBlocks = ps.blockCount
		ps.verified = true
		s.verifiedCount++
		s.bf.Set(idx)
	}
}

// Bitfield returns the scheduler's snapshot of which pieces are verified.
func (s *Scheduler) Bitfield() bitfield.Bitfield {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bf.Clone()
}

// IsComplete reports whether every piece has been verified. Having received
// all blocks of a piece (remainingBlocks reaching 0) is not enough on its
// own: the piece store still has to confirm the SHA-1 check before
// OnPieceVerified marks it done.
func (s *Scheduler) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifiedCount == len(s.pieces)
}

// OnPeerBitfield records a peer's initial full bitfield, bumping
// availability for every piece it reports having.
func (s *Scheduler) OnPeerBitfield(peerID string, bf bitfield.Bitfield) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < len(s.pieces); i++ {
		if bf.Has(i) {
			s.availability.move(i, 1)
		}
	}
}

// OnPeerHave records a single piece a peer announced via a have message.
func (s *Scheduler) OnPeerHave(peerID string, pieceIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pieceIndex < 0 || pieceIndex >= len(s.pieces) {
		return
	}
	s.availability.move(pieceIndex, 1)
}

// OnPeerGone releases every block the departing peer owned back to WANT
// (if it was the last owner) and removes it from the availability count for
// pieces in its bitfield.
func (s *Scheduler) OnPeerGone(peerID string, bf bitfield.Bitfield) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bf != nil {
		for i := 0; i < len(s.pieces); i++ {
			if bf.Has(i) {
				s.availability.move(i, -1)
			}
		}
	}

	for key := range s.peerAssignments[peerID] {
		ps := s.pieces[key.piece]
		blk := ps.blocks[key.block]
		delete(blk.owners, peerID)
		if blk.status == blockInflight && len(blk.owners) == 0 {
			blk.status = blockWant
		}
	}
	delete(s.peerAssignments, peerID)
	delete(s.peerInflight, peerID)
}

// HasAnyWantedPiece reports whether the peer (per its bitfield bf) has any
// piece this scheduler still wants, used to decide whether to send
// interested.
func (s *Scheduler) HasAnyWantedPiece(bf bitfield.Bitfield) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ps := range s.pieces {
		if ps.verified || !bf.Has(ps.index) {
			continue
		}
		for _, b := range ps.blocks {
			if b.status == blockWant || (s.endgame && b.status != blockDone) {
				return true
			}
		}
	}
	return false
}

// NextForPeer returns up to the peer's remaining pipeline budget worth of
// block requests, chosen rarest-piece-first among pieces the peer has and
// this scheduler still wants. Ties within an availability level are broken
// by ascending piece index for determinism.
func (s *Scheduler) NextForPeer(pv PeerView) []Request {
	if !pv.Unchoked {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	budget := s.cfg.Window - s.peerInflight[pv.PeerID]
	if budget <= 0 {
		return nil
	}

	var out []Request
	maxA := s.availability.maxAvail
	for a := 0; a <= maxA && len(out) < budget; a++ {
		for _, idx := range s.availability.bucketSorted(a) {
			if len(out) >= budget {
				break
			}
			ps := s.pieces[idx]
			if ps.verified || !pv.Has.Has(idx) {
				continue
			}
			for bi, blk := range ps.blocks {
				if len(out) >= budget {
					break
				}
				if !s.blockEligible(blk, pv.PeerID) {
					continue
				}
				out = append(out, s.assign(pv.PeerID, ps, bi))
			}
		}
	}
	return out
}

// blockEligible reports whether blk can be assigned to peerID: either it is
// still unclaimed, or endgame mode is on and peerID does not already own it.
func (s *Scheduler) blockEligible(blk *block, peerID string) bool {
	if blk.status == blockDone {
		return false
	}
	if blk.status == blockWant {
		return true
	}
	if !s.endgame {
		return false
	}
	_, already := blk.owners[peerID]
	return !already
}

func (s *Scheduler) assign(peerID string, ps *pieceState, blockIdx int) Request {
	blk := ps.blocks[blockIdx]
	blk.status = blockInflight
	blk.owners[peerID] = owner{sentAt: time.Now()}

	begin := int64(blockIdx) * int64(s.blockLength)
	length, _ := piece.BlockLengthAt(begin, ps.length, s.blockLength)

	key := blockKey{piece: ps.index, block: blockIdx}
	if s.peerAssignments[peerID] == nil {
		s.peerAssignments[peerID] = make(map[blockKey]struct{})
	}
	s.peerAssignments[peerID][key] = struct{}{}
	s.peerInflight[peerID]++

	return Request{PeerID: peerID, Piece: ps.index, Begin: begin, Length: length}
}

// OnBlockReceived marks a block done and returns whether its piece is now
// fully received (ready for the piece store to verify) along with cancels
// to send any other peers who were also fetching the same block (endgame).
func (s *Scheduler) OnBlockReceived(peerID string, pieceIndex int, begin int64) (pieceDone bool, cancels []Cancel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pieceIndex < 0 || pieceIndex >= len(s.pieces) {
		return false, nil
	}
	ps := s.pieces[pieceIndex]
	bi := piece.BlockIndexForBegin(begin, s.blockLength)
	if bi < 0 || bi >= ps.blockCount {
		return false, nil
	}
	blk := ps.blocks[bi]
	if blk.status == blockDone {
		return ps.doneBlocks == ps.blockCount, nil
	}

	for owner := range blk.owners {
		delete(s.peerAssignments[owner], blockKey{piece: pieceIndex, block: bi})
		s.peerInflight[owner]--
		if s.peerInflight[owner] < 0 {
			s.peerInflight[owner] = 0
		}
		if owner != peerID {
			cancels = append(cancels, Cancel{PeerID: owner, Piece: pieceIndex, Begin: begin})
		}
	}

	blk.status = blockDone
	blk.owners = make(map[string]owner)
	ps.doneBlocks++
	s.remainingBlocks--

	return ps.doneBlocks == ps.blockCount, cancels
}

// OnPieceVerified marks the piece's bit set in the scheduler's bitfield
// once the piece store confirms the SHA-1 check passed.
func (s *Scheduler) OnPieceVerified(pieceIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pieceIndex < 0 || pieceIndex >= len(s.pieces) {
		return
	}
	ps := s.pieces[pieceIndex]
	if !ps.verified {
		ps.verified = true
		s.verifiedCount++
	}
	s.bf.Set(pieceIndex)
}

// OnPieceHashFailed returns every block of pieceIndex to WANT so it gets
// re-requested, called after the piece store reports a failed SHA-1 check.
func (s *Scheduler) OnPieceHashFailed(pieceIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pieceIndex < 0 || pieceIndex >= len(s.pieces) {
		return
	}
	ps := s.pieces[pieceIndex]
	for _, b := range ps.blocks {
		if b.status != blockDone {
			continue
		}
		b.status = blockWant
		b.owners = make(map[string]owner)
		ps.doneBlocks--
		s.remainingBlocks++
	}
}

// ReapTimeouts walks all inflight blocks and releases every request that
// has exceeded the configured timeout; a block whose requests have all
// timed out returns to WANT so another peer can pick it up. Intended to run on a periodic maintenance
// tick (every 5s by default, reclaiming requests unanswered for 30s).
func (s *Scheduler) ReapTimeouts(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ps := range s.pieces {
		if ps.verified {
			continue
		}
		for _, blk := range ps.blocks {
			if blk.status != blockInflight {
				continue
			}
			for peerID, o := range blk.owners {
				if now.Sub(o.sentAt) < s.cfg.RequestTimeout {
					continue
				}
				delete(blk.owners, peerID)
				s.peerInflight[peerID]--
				if s.peerInflight[peerID] < 0 {
					s.peerInflight[peerID] = 0
				}
			}
			if len(blk.owners) == 0 {
				blk.status = blockWant
			}
		}
	}

	if !s.endgame && s.remainingBlocks <= s.cfg.EndgameThreshold {
		s.endgame = true
		s.log.Info("endgame mode engaged", "remaining_blocks", s.remainingBlocks)
	}
}
