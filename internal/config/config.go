// Package config holds the tunable runtime parameters for a download: peer
// limits, pipelining window, timeouts, and where to write the output file.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config defines behavior and resource limits for one torrent download.
// DHT/PEX/IPv6 peer discovery and multi-file layouts are out of scope for
// this client, so the knobs below are the full surface the teacher's wider
// Config exposed.
type Config struct {
	// DownloadDir is the directory the single output file is written to.
	DownloadDir string

	// Port is the TCP port this client advertises to trackers. The client
	// does not listen on it: all peer connections are outbound.
	Port uint16

	// NumWant is the peer count requested per tracker announce.
	NumWant int

	// MaxPeers caps the number of concurrent outbound peer connections.
	MaxPeers int

	// Window is the per-peer pipelining depth: how many block requests a
	// peer may have outstanding at once.
	Window int

	// EndgameThreshold is the number of blocks remaining across the whole
	// download at which point the scheduler starts duplicating requests
	// across peers to close out the last, slowest pieces quickly.
	EndgameThreshold int

	// BlockLength is the size of one pipelined block request.
	BlockLength int

	// RequestTimeout is how long an in-flight block request may go
	// unanswered before the scheduler reclaims it for another peer.
	RequestTimeout time.Duration

	// DialTimeout bounds how long a single outbound peer connection
	// attempt (TCP connect + handshake) may take.
	DialTimeout time.Duration

	// AnnounceInterval is the re-announce interval the orchestrator falls
	// back to when the tracker client reports a non-positive interval.
	// tracker.Tracker starts at 30 minutes and keeps the last positive
	// interval a tracker returned, so with it this fallback is not reached.
	AnnounceInterval time.Duration

	// PeerIdlePeriod records how long a peer connection may go without
	// receiving any message (including keep-alives) before it's
	// considered dead. peer.Session does not read it; sessions apply their
	// own fixed 120-second idle timeout.
	PeerIdlePeriod time.Duration

	// ClientIDPrefix seeds the 8-byte client identifier embedded in the
	// 20-byte peer-id sent during handshakes.
	ClientIDPrefix string
}

// Default returns the parameters this client runs with absent any
// command-line overrides.
func Default() Config {
	return Config{
		DownloadDir:      defaultDownloadDir(),
		Port:             6881,
		NumWant:          50,
		MaxPeers:         30,
		Window:           12,
		EndgameThreshold: 20,
		BlockLength:      16 * 1024,
		RequestTimeout:   30 * time.Second,
		DialTimeout:      10 * time.Second,
		AnnounceInterval: 30 * time.Minute,
		PeerIdlePeriod:   120 * time.Second,
		ClientIDPrefix:   "-RT0001-",
	}
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}
	return filepath.Join(home, "Downloads", "riptide")
}
