// Package peer implements one bidirectional connection to a remote
// BitTorrent peer: handshake, framing, and a typed event/command surface
// over the wire protocol.
package peer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelcode/riptide/internal/bitfield"
	"github.com/kestrelcode/riptide/internal/protocol"
)

const (
	dialTimeout       = 10 * time.Second
	keepAliveInterval = 120 * time.Second
	idleTimeout       = 120 * time.Second
	outboundQueueLen  = 64
)

// Events delivered on Session.Events(). Exactly one Closed event terminates
// the stream.
type (
	Choke             struct{}
	Unchoke           struct{}
	Interested        struct{}
	NotInterested     struct{}
	Have              struct{ PieceIndex int }
	BitfieldReceived  struct{ Bitfield bitfield.Bitfield }
	PieceReceived     struct {
		PieceIndex int
		Begin      int64
		Block      []byte
	}
	RequestReceived struct {
		PieceIndex int
		Begin      int64
		Length     int
	}
	CancelReceived struct {
		PieceIndex int
		Begin      int64
		Length     int
	}
	Closed struct{ Err error }
)

var (
	// ErrSessionDead is returned by Send* methods once the session has
	// torn down its write path.
	ErrSessionDead = errors.New("peer: session is dead")
)

// Session speaks the post-handshake wire protocol with one remote peer. All
// state mutation happens on the readLoop goroutine except for the choke/
// interested flags the caller sets via Send*, which are guarded by mu.
type Session struct {
	PeerID string
	conn   net.Conn
	log    *slog.Logger
	pieceN int

	mu             sync.Mutex
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	bitfieldSet    bool

	out    chan *protocol.Message
	events chan any

	cancel context.CancelFunc
	grp    *errgroup.Group
}

// Dial opens a TCP connection to addr, performs the handshake, and returns a
// Session ready to Start. The dial and handshake together are bounded by a
// 10-second deadline.
func Dial(ctx context.Context, addr string, infoHash, clientID [sha1.Size]byte, pieceCount int, log *slog.Logger) (*Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}

	deadline, _ := dialCtx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return nil, err
	}

	hs, err := protocol.Perform(conn, infoHash, clientID)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("peer: handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	peerID := hex.EncodeToString(hs.PeerID[:])
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "peer_session", "remote", addr, "peer_id", peerID)
	log.Info("handshake complete")

	return &Session{
		PeerID:      peerID,
		conn:        conn,
		log:         log,
		pieceN:      pieceCount,
		amChoking:   true,
		peerChoking: true,
		out:         make(chan *protocol.Message, outboundQueueLen),
		events:      make(chan any, 256),
	}, nil
}

// Events returns the session's inbound event stream.
func (s *Session) Events() <-chan any { return s.events }

// Start launches the read and write loops. ctx governs the session's
// lifetime; cancelling it (or a fatal socket/protocol error) tears the
// session down and delivers exactly one Closed event.
func (s *Session) Start(ctx context.Context) {
	childCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(childCtx)
	s.cancel = cancel
	s.grp = g

	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })

	go func() {
		err := g.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.events <- Closed{Err: err}
		close(s.events)
	}()
}

// Stop closes the socket and cancels the session's goroutines, waiting for
// them to exit.
func (s *Session) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	_ = s.conn.Close()
	if s.grp != nil {
		if err := s.grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

func (s *Session) emit(ev any) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("event channel full; dropping event", "event", fmt.Sprintf("%T", ev))
	}
}

// AmInterested reports our current interested state toward the peer.
func (s *Session) AmInterested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amInterested
}

// PeerChoking reports whether the remote peer currently has us choked.
func (s *Session) PeerChoking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerChoking
}

func (s *Session) enqueue(m *protocol.Message) error {
	select {
	case s.out <- m:
		return nil
	default:
	}
	// Outbound queue momentarily full; block briefly rather than drop a
	// protocol message outright, but give up if the session is dead.
	select {
	case s.out <- m:
		return nil
	case <-time.After(5 * time.Second):
		return ErrSessionDead
	}
}

func (s *Session) SendChoke() error {
	s.mu.Lock()
	if s.amChoking {
		s.mu.Unlock()
		return nil
	}
	s.amChoking = true
	s.mu.Unlock()
	return s.enqueue(protocol.MessageChoke())
}

func (s *Session) SendUnchoke() error {
	s.mu.Lock()
	if !s.amChoking {
		s.mu.Unlock()
		return nil
	}
	s.amChoking = false
	s.mu.Unlock()
	return s.enqueue(protocol.MessageUnchoke())
}

func (s *Session) SendInterested() error {
	s.mu.Lock()
	if s.amInterested {
		s.mu.Unlock()
		return nil
	}
	s.amInterested = true
	s.mu.Unlock()
	return s.enqueue(protocol.MessageInterested())
}

func (s *Session) SendNotInterested() error {
	s.mu.Lock()
	if !s.amInterested {
		s.mu.Unlock()
		return nil
	}
	s.amInterested = false
	s.mu.Unlock()
	return s.enqueue(protocol.MessageNotInterested())
}

func (s *Session) SendHave(pieceIndex int) error {
	return s.enqueue(protocol.MessageHave(uint32(pieceIndex)))
}

func (s *Session) SendBitfield(bf bitfield.Bitfield) error {
	return s.enqueue(protocol.MessageBitfield(bf.Bytes()))
}

func (s *Session) SendRequest(pieceIndex int, begin int64, length int) error {
	return s.enqueue(protocol.MessageRequest(uint32(pieceIndex), uint32(begin), uint32(length)))
}

func (s *Session) SendCancel(pieceIndex int, begin int64, length int) error {
	return s.enqueue(protocol.MessageCancel(uint32(pieceIndex), uint32(begin), uint32(length)))
}

func (s *Session) SendPiece(pieceIndex int, begin int64, block []byte) error {
	return s.enqueue(protocol.MessagePiece(uint32(pieceIndex), uint32(begin), block))
}

func (s *Session) readLoop(ctx context.Context) error {
	lastRecv := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
			return err
		}
		msg, err := protocol.ReadMessage(s.conn, s.pieceN)
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			if time.Since(lastRecv) > idleTimeout {
				s.log.Warn("peer idle timeout", "idle", time.Since(lastRecv))
				return fmt.Errorf("peer: idle for %s", time.Since(lastRecv))
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("peer: read: %w", err)
		}

		lastRecv = time.Now()

		if msg == nil {
			continue // keep-alive
		}

		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg *protocol.Message) {
	switch msg.ID {
	case protocol.Choke:
		s.mu.Lock()
		s.peerChoking = true
		s.mu.Unlock()
		s.emit(Choke{})
	case protocol.Unchoke:
		s.mu.Lock()
		s.peerChoking = false
		s.mu.Unlock()
		s.emit(Unchoke{})
	case protocol.Interested:
		s.mu.Lock()
		s.peerInterested = true
		s.mu.Unlock()
		s.emit(Interested{})
	case protocol.NotInterested:
		s.mu.Lock()
		s.peerInterested = false
		s.mu.Unlock()
		s.emit(NotInterested{})
	case protocol.Have:
		idx, ok := msg.ParseHave()
		if ok {
			s.emit(Have{PieceIndex: int(idx)})
		}
	case protocol.BitfieldMsg:
		bf, err := bitfield.FromWire(msg.Payload, s.pieceN)
		if err != nil {
			s.log.Warn("dropping malformed bitfield", "err", err)
			return
		}
		s.mu.Lock()
		alreadySet := s.bitfieldSet
		s.bitfieldSet = true
		s.mu.Unlock()
		if alreadySet {
			s.log.Warn("received bitfield after data-plane traffic began; accepting as full replacement")
		}
		s.emit(BitfieldReceived{Bitfield: bf})
	case protocol.Piece:
		idx, begin, block, ok := msg.ParsePiece()
		if ok {
			s.mu.Lock()
			s.bitfieldSet = true
			s.mu.Unlock()
			s.emit(PieceReceived{PieceIndex: int(idx), Begin: int64(begin), Block: block})
		}
	case protocol.Request:
		idx, begin, length, ok := msg.ParseRequest()
		if ok {
			s.emit(RequestReceived{PieceIndex: int(idx), Begin: int64(begin), Length: int(length)})
		}
	case protocol.Cancel:
		idx, begin, length, ok := msg.ParseRequest()
		if ok {
			s.emit(CancelReceived{PieceIndex: int(idx), Begin: int64(begin), Length: int(length)})
		}
	case protocol.Port:
		// DHT port advertisement; out of scope, no-op.
	default:
		s.log.Debug("ignoring unknown message id", "id", int(msg.ID))
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	lastSent := time.Now()

	write := func(m *protocol.Message) error {
		if err := s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
			return err
		}
		if err := protocol.WriteMessage(s.conn, m); err != nil {
			return fmt.Errorf("peer: write: %w", err)
		}
		lastSent = time.Now()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-s.out:
			if !ok {
				return nil
			}
			if err := write(m); err != nil {
				return err
			}
		case <-keepAlive.C:
			if time.Since(lastSent) < keepAliveInterval {
				continue
			}
			if err := write(nil); err != nil {
				return err
			}
		}
	}
}
