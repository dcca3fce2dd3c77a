package protocol

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerIDA, peerIDB [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(peerIDA[:], "-RT0001-aaaaaaaaaaaa")
	copy(peerIDB[:], "-RT0001-bbbbbbbbbbbb")

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	_ = a.SetDeadline(time.Now().Add(2 * time.Second))
	_ = b.SetDeadline(time.Now().Add(2 * time.Second))

	done := make(chan Handshake, 1)
	go func() {
		hs, err := Perform(b, infoHash, peerIDB)
		require.NoError(t, err)
		done <- hs
	}()

	hs, err := Perform(a, infoHash, peerIDA)
	require.NoError(t, err)
	require.Equal(t, infoHash, hs.InfoHash)
	require.Equal(t, peerIDB, hs.PeerID)

	remote := <-done
	require.Equal(t, peerIDA, remote.PeerID)
}

func TestHandshakeInfoHashMismatch(t *testing.T) {
	var infoHashA, infoHashB, peerID [20]byte
	copy(infoHashA[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(infoHashB[:], "bbbbbbbbbbbbbbbbbbbb")
	copy(peerID[:], "-RT0001-aaaaaaaaaaaa")

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	_ = a.SetDeadline(time.Now().Add(2 * time.Second))
	_ = b.SetDeadline(time.Now().Add(2 * time.Second))

	go func() {
		_, _ = Perform(b, infoHashB, peerID)
	}()

	_, err := Perform(a, infoHashA, peerID)
	require.ErrorIs(t, err, ErrInfoHashMismatch)
}
