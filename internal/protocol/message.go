package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ID identifies a BitTorrent wire message.
type ID uint8

const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	BitfieldMsg   ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
	Port          ID = 9
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case BitfieldMsg:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Message is a single length-prefixed frame. A nil *Message denotes a
// keep-alive (length-0 frame, no id, no payload).
type Message struct {
	ID      ID
	Payload []byte
}

var (
	ErrShortMessage   = errors.New("protocol: short message")
	ErrBadPayloadSize = errors.New("protocol: invalid payload size for message id")

	// maxFrameLength bounds the length prefix we'll allocate for, guarding
	// against a malicious/buggy peer claiming a multi-gigabyte frame.
	maxFrameLength uint32 = 1 << 20 // generous over BlockLength + 8 byte header
)

func MessageChoke() *Message         { return &Message{ID: Choke} }
func MessageUnchoke() *Message       { return &Message{ID: Unchoke} }
func MessageInterested() *Message    { return &Message{ID: Interested} }
func MessageNotInterested() *Message { return &Message{ID: NotInterested} }

func MessageHave(index uint32) *Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, index)
	return &Message{ID: Have, Payload: p}
}

func MessageBitfield(bits []byte) *Message {
	return &Message{ID: BitfieldMsg, Payload: append([]byte(nil), bits...)}
}

func MessageRequest(index, begin, length uint32) *Message {
	p := make([]byte, 12)
	binary.BigEndian.PutUint32(p[0:4], index)
	binary.BigEndian.PutUint32(p[4:8], begin)
	binary.BigEndian.PutUint32(p[8:12], length)
	return &Message{ID: Request, Payload: p}
}

func MessageCancel(index, begin, length uint32) *Message {
	m := MessageRequest(index, begin, length)
	m.ID = Cancel
	return m
}

func MessagePiece(index, begin uint32, block []byte) *Message {
	p := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(p[0:4], index)
	binary.BigEndian.PutUint32(p[4:8], begin)
	copy(p[8:], block)
	return &Message{ID: Piece, Payload: p}
}

// ParseHave extracts the piece index from a Have message.
func (m *Message) ParseHave() (index uint32, ok bool) {
	if m == nil || m.ID != Have || len(m.Payload) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(m.Payload), true
}

// ParseRequest extracts index/begin/length from a Request or Cancel message.
func (m *Message) ParseRequest() (index, begin, length uint32, ok bool) {
	if m == nil || (m.ID != Request && m.ID != Cancel) || len(m.Payload) != 12 {
		return 0, 0, 0, false
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		binary.BigEndian.Uint32(m.Payload[8:12]),
		true
}

// ParsePiece extracts index/begin/block from a Piece message.
func (m *Message) ParsePiece() (index, begin uint32, block []byte, ok bool) {
	if m == nil || m.ID != Piece || len(m.Payload) < 8 {
		return 0, 0, nil, false
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		m.Payload[8:],
		true
}

// ValidatePayloadSize enforces strict per-id payload-length rules. Unknown
// ids are exempt for forward compatibility: a peer may send a message id we
// don't recognize, and we treat its payload as an opaque no-op.
func (m *Message) ValidatePayloadSize(pieceCount int) error {
	if m == nil {
		return nil
	}
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
		if len(m.Payload) != 0 {
			return fmt.Errorf("%w: id=%s len=%d", ErrBadPayloadSize, m.ID, len(m.Payload))
		}
	case Have:
		if len(m.Payload) != 4 {
			return fmt.Errorf("%w: id=%s len=%d", ErrBadPayloadSize, m.ID, len(m.Payload))
		}
	case BitfieldMsg:
		want := (pieceCount + 7) / 8
		if len(m.Payload) < want {
			return fmt.Errorf("%w: id=%s len=%d want>=%d", ErrBadPayloadSize, m.ID, len(m.Payload), want)
		}
	case Request, Cancel:
		if len(m.Payload) != 12 {
			return fmt.Errorf("%w: id=%s len=%d", ErrBadPayloadSize, m.ID, len(m.Payload))
		}
	case Piece:
		if len(m.Payload) < 8 {
			return fmt.Errorf("%w: id=%s len=%d", ErrBadPayloadSize, m.ID, len(m.Payload))
		}
	case Port:
		if len(m.Payload) != 2 {
			return fmt.Errorf("%w: id=%s len=%d", ErrBadPayloadSize, m.ID, len(m.Payload))
		}
	}
	return nil
}

// WriteMessage writes m to w in wire format. m == nil writes a keep-alive
// (four zero bytes).
func WriteMessage(w io.Writer, m *Message) error {
	if m == nil {
		_, err := w.Write([]byte{0, 0, 0, 0})
		return err
	}

	length := uint32(1 + len(m.Payload))
	hdr := make([]byte, 5)
	binary.BigEndian.PutUint32(hdr[0:4], length)
	hdr[4] = byte(m.ID)

	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(m.Payload) == 0 {
		return nil
	}
	_, err := w.Write(m.Payload)
	return err
}

// ReadMessage reads one frame from r. A nil *Message, nil error result is a
// keep-alive.
func ReadMessage(r io.Reader, pieceCount int) (*Message, error) {
	var lp [4]byte
	if _, err := io.ReadFull(r, lp[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lp[:])
	if length == 0 {
		return nil, nil
	}
	if length > maxFrameLength {
		return nil, fmt.Errorf("%w: length prefix %d exceeds max", ErrShortMessage, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	m := &Message{ID: ID(body[0]), Payload: body[1:]}
	if err := m.ValidatePayloadSize(pieceCount); err != nil {
		return nil, err
	}
	return m, nil
}
