package protocol

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
)

const (
	pstr           = "BitTorrent protocol"
	reservedBytes  = 8
	handshakeLen   = 1 + len(pstr) + reservedBytes + sha1.Size + sha1.Size
	peerIDSize     = sha1.Size
	infoHashOffset = 1 + len(pstr) + reservedBytes
	peerIDOffset   = infoHashOffset + sha1.Size
)

// ErrInfoHashMismatch is returned by ReadHandshake/Perform when the
// remote peer's info-hash does not match ours, byte-for-byte.
var ErrInfoHashMismatch = errors.New("protocol: info hash mismatch")

// ErrBadProtocolString is returned when the remote's pstr differs from
// "BitTorrent protocol".
var ErrBadProtocolString = errors.New("protocol: unexpected protocol string")

// Handshake is the 68-byte BitTorrent v1 handshake.
type Handshake struct {
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
}

// Marshal serializes the handshake to its 68-byte wire form: pstrlen, pstr,
// 8 reserved zero bytes, info-hash, peer-id.
func (h Handshake) Marshal() []byte {
	buf := make([]byte, handshakeLen)
	buf[0] = byte(len(pstr))
	offset := 1
	offset += copy(buf[offset:], pstr)
	offset += reservedBytes // left zero: extension protocol unused
	offset += copy(buf[offset:], h.InfoHash[:])
	copy(buf[offset:], h.PeerID[:])
	return buf
}

// ReadHandshake reads and validates a 68-byte handshake from r, rejecting it
// if the protocol string or info-hash don't match expectedInfoHash.
func ReadHandshake(r io.Reader, expectedInfoHash [sha1.Size]byte) (Handshake, error) {
	buf := make([]byte, handshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, fmt.Errorf("protocol: read handshake: %w", err)
	}

	pstrlen := int(buf[0])
	if pstrlen != len(pstr) || string(buf[1:1+pstrlen]) != pstr {
		return Handshake{}, ErrBadProtocolString
	}

	var hs Handshake
	copy(hs.InfoHash[:], buf[infoHashOffset:infoHashOffset+sha1.Size])
	copy(hs.PeerID[:], buf[peerIDOffset:peerIDOffset+sha1.Size])

	if !bytes.Equal(hs.InfoHash[:], expectedInfoHash[:]) {
		return Handshake{}, ErrInfoHashMismatch
	}

	return hs, nil
}

// Perform writes our handshake and reads/validates the peer's. The protocol
// string must match and the info-hash must equal ours byte-for-byte; the
// remote peer-id is recorded but not checked against any expected value.
func Perform(rw io.ReadWriter, infoHash, peerID [sha1.Size]byte) (Handshake, error) {
	ours := Handshake{InfoHash: infoHash, PeerID: peerID}
	if _, err := rw.Write(ours.Marshal()); err != nil {
		return Handshake{}, fmt.Errorf("protocol: write handshake: %w", err)
	}
	return ReadHandshake(rw, infoHash)
}
