package swarm

import (
	"bytes"
	"context"
	"crypto/sha1"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"

	"github.com/kestrelcode/riptide/internal/config"
	"github.com/kestrelcode/riptide/internal/meta"
	"github.com/kestrelcode/riptide/internal/piece"
	"github.com/kestrelcode/riptide/internal/protocol"
	"github.com/kestrelcode/riptide/internal/scheduler"
	"github.com/kestrelcode/riptide/internal/tracker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startFakeSeeder runs a single-connection fake peer that serves one piece
// of pieceData to whoever connects, handshaking with infoHash.
func startFakeSeeder(t *testing.T, infoHash [sha1.Size]byte, pieceData []byte) netip.AddrPort {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	peerID := sha1.Sum([]byte("fake-seeder"))

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		if _, err := protocol.Perform(conn, infoHash, peerID); err != nil {
			return
		}

		bf := make([]byte, 1)
		bf[0] = 0x80 // piece 0 present
		_ = protocol.WriteMessage(conn, protocol.MessageBitfield(bf))

		for {
			msg, err := protocol.ReadMessage(conn, 1)
			if err != nil {
				return
			}
			if msg == nil {
				continue
			}
			switch msg.ID {
			case protocol.Interested:
				_ = protocol.WriteMessage(conn, protocol.MessageUnchoke())
			case protocol.Request:
				idx, begin, length, ok := msg.ParseRequest()
				if !ok {
					continue
				}
				block := pieceData[begin : begin+uint32(length)]
				_ = protocol.WriteMessage(conn, protocol.MessagePiece(idx, begin, block))
			}
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	ip, _ := netip.AddrFromSlice(addr.IP.To4())
	return netip.AddrPortFrom(ip, uint16(addr.Port))
}

func startFakeTracker(t *testing.T, peerAddr netip.AddrPort) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		compact := make([]byte, 6)
		ip4 := peerAddr.Addr().As4()
		copy(compact[0:4], ip4[:])
		compact[4] = byte(peerAddr.Port() >> 8)
		compact[5] = byte(peerAddr.Port())

		var buf bytes.Buffer
		_ = bencode.Marshal(&buf, map[string]any{
			"interval": int64(3600),
			"peers":    string(compact),
		})
		w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOrchestratorDownloadsSinglePieceTorrentEndToEnd(t *testing.T) {
	pieceData := bytes.Repeat([]byte{0xAB}, 16384)
	hash := sha1.Sum(pieceData)
	infoHash := sha1.Sum([]byte("orchestrator-test-info-hash"))

	peerAddr := startFakeSeeder(t, infoHash, pieceData)
	trackerSrv := startFakeTracker(t, peerAddr)

	m := &meta.TorrentMeta{
		InfoHash:    infoHash,
		Name:        "test.bin",
		Length:      16384,
		PieceLength: 16384,
		PieceHashes: [][sha1.Size]byte{hash},
		Announce:    trackerSrv.URL,
	}

	dir := t.TempDir()
	store, err := piece.Open(filepath.Join(dir, "test.bin"), m.Length, m.PieceLength, 16384, m.PieceHashes, false, discardLogger())
	require.NoError(t, err)
	defer store.Close()

	sched := scheduler.New(m.Length, m.PieceLength, 16384, m.PieceHashes, scheduler.Config{
		Window: 4, EndgameThreshold: 1, RequestTimeout: 5 * time.Second, MaxKnownPeers: 10,
	}, discardLogger())

	tr, err := tracker.New(m.Trackers(), discardLogger())
	require.NoError(t, err)

	cfg := config.Config{
		Port: 6881, NumWant: 10, MaxPeers: 5,
		Window: 4, EndgameThreshold: 1, BlockLength: 16384,
		RequestTimeout: 5 * time.Second, DialTimeout: 2 * time.Second,
		AnnounceInterval: time.Hour, PeerIdlePeriod: 2 * time.Minute,
		ClientIDPrefix: "-RT0001-",
	}
	clientID := sha1.Sum([]byte("this-client-peer-id!"))

	orch := New(cfg, m, store, sched, tr, clientID, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- orch.Run(ctx) }()

	deadline := time.Now().Add(4 * time.Second)
	for !store.IsComplete() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	require.True(t, store.IsComplete(), "expected download to complete before deadline")

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after download completion")
	}

	written, err := os.ReadFile(filepath.Join(dir, "test.bin"))
	require.NoError(t, err)
	require.True(t, bytes.Equal(pieceData, written))
}

func TestStatsReportsPieceProgress(t *testing.T) {
	m := &meta.TorrentMeta{
		InfoHash:    sha1.Sum([]byte("stats-test")),
		Length:      32768,
		PieceLength: 16384,
		PieceHashes: [][sha1.Size]byte{{}, {}},
		Announce:    "http://tracker.example.com/announce",
	}
	dir := t.TempDir()
	store, err := piece.Open(filepath.Join(dir, "f.bin"), m.Length, m.PieceLength, 16384, m.PieceHashes, false, discardLogger())
	require.NoError(t, err)
	defer store.Close()

	sched := scheduler.New(m.Length, m.PieceLength, 16384, m.PieceHashes, scheduler.Config{}, discardLogger())
	sched.MarkLocallyComplete([]int{0})

	tr, err := tracker.New(m.Trackers(), discardLogger())
	require.NoError(t, err)

	orch := New(config.Config{MaxPeers: 5}, m, store, sched, tr, sha1.Sum([]byte("client")), discardLogger())

	stats := orch.Stats()
	require.Equal(t, 0, stats.ActivePeers)
	require.Equal(t, 1, stats.PiecesComplete)
	require.Equal(t, 2, stats.PiecesTotal)
}

func TestAdmitPeersDropsExcessWithoutBlocking(t *testing.T) {
	m := &meta.TorrentMeta{
		InfoHash:    sha1.Sum([]byte("drop-test")),
		Length:      16384,
		PieceLength: 16384,
		PieceHashes: [][sha1.Size]byte{{}},
		Announce:    "http://tracker.example.com/announce",
	}
	dir := t.TempDir()
	store, err := piece.Open(filepath.Join(dir, "f.bin"), m.Length, m.PieceLength, 16384, m.PieceHashes, false, discardLogger())
	require.NoError(t, err)
	defer store.Close()

	sched := scheduler.New(m.Length, m.PieceLength, 16384, m.PieceHashes, scheduler.Config{}, discardLogger())
	tr, err := tracker.New(m.Trackers(), discardLogger())
	require.NoError(t, err)

	cfg := config.Config{MaxPeers: 1}
	orch := New(cfg, m, store, sched, tr, sha1.Sum([]byte("client")), discardLogger())

	addrs := make([]netip.AddrPort, 0, 100)
	for i := 0; i < 100; i++ {
		addrs = append(addrs, netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), uint16(1000+i)))
	}

	done := make(chan struct{})
	go func() {
		orch.AdmitPeers(addrs)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AdmitPeers blocked instead of dropping excess")
	}
}
