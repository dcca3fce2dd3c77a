// Command riptide downloads a single-file torrent over TCP from HTTP
// trackers and exits once every piece has been verified.
package main

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kingpin/v2"

	"github.com/kestrelcode/riptide/internal/config"
	"github.com/kestrelcode/riptide/internal/meta"
	"github.com/kestrelcode/riptide/internal/piece"
	"github.com/kestrelcode/riptide/internal/rlog"
	"github.com/kestrelcode/riptide/internal/scheduler"
	"github.com/kestrelcode/riptide/internal/swarm"
	"github.com/kestrelcode/riptide/internal/tracker"
)

var (
	app = kingpin.New("riptide", "Single-file, download-only BitTorrent v1 client")

	torrentPath = app.Arg("torrent", ".torrent file to download").Required().String()
	downloadDir = app.Flag("dir", "directory to write the downloaded file to").Short('d').String()
	port        = app.Flag("port", "TCP port advertised to trackers").Default("6881").Uint16()
	maxPeers    = app.Flag("max-peers", "maximum concurrent peer connections").Default("30").Int()
	window      = app.Flag("window", "per-peer pipelined block request depth").Default("12").Int()
	resume      = app.Flag("resume", "verify the existing output file instead of starting over").Bool()
	verbose     = app.Flag("verbose", "enable debug logging").Short('v').Bool()
	noColor     = app.Flag("no-color", "disable colorized log output").Bool()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	log := setupLogger()

	if err := run(log); err != nil {
		log.Error("download failed", "err", err)
		os.Exit(1)
	}
}

func setupLogger() *slog.Logger {
	opts := rlog.DefaultOptions()
	opts.UseColor = !*noColor
	if *verbose {
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	}

	log := rlog.New(os.Stdout, opts)
	slog.SetDefault(log)
	return log
}

func run(log *slog.Logger) error {
	m, err := meta.LoadFile(*torrentPath)
	if err != nil {
		return fmt.Errorf("load torrent: %w", err)
	}
	log.Info("torrent loaded", "name", m.Name, "length", m.Length, "pieces", len(m.PieceHashes))

	cfg := config.Default()
	cfg.Port = *port
	cfg.MaxPeers = *maxPeers
	cfg.Window = *window
	if *downloadDir != "" {
		cfg.DownloadDir = *downloadDir
	}

	outputPath := filepath.Join(cfg.DownloadDir, m.Name)

	store, err := piece.Open(outputPath, m.Length, m.PieceLength, cfg.BlockLength, m.PieceHashes, *resume, log)
	if err != nil {
		return fmt.Errorf("open piece store: %w", err)
	}
	defer store.Close()

	if store.IsComplete() {
		log.Info("download already complete", "path", outputPath)
		return nil
	}

	sched := scheduler.New(m.Length, m.PieceLength, cfg.BlockLength, m.PieceHashes, scheduler.Config{
		Window:           cfg.Window,
		EndgameThreshold: cfg.EndgameThreshold,
		RequestTimeout:   cfg.RequestTimeout,
		MaxKnownPeers:    cfg.MaxPeers * 2,
	}, log)
	sched.MarkLocallyComplete(store.CompletedPieces())

	tr, err := tracker.New(m.Trackers(), log)
	if err != nil {
		return fmt.Errorf("init tracker: %w", err)
	}

	clientID, err := newPeerID(cfg.ClientIDPrefix)
	if err != nil {
		return fmt.Errorf("generate peer id: %w", err)
	}

	orch := swarm.New(cfg, m, store, sched, tr, clientID, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Run(ctx); err != nil {
		return fmt.Errorf("run: %w", err)
	}

	if !store.IsComplete() {
		return fmt.Errorf("stopped before download finished")
	}
	log.Info("download complete", "path", outputPath)
	return nil
}

// newPeerID builds the 20-byte peer-id sent in every handshake: an 8-byte
// client identifier prefix followed by 12 URL-safe random characters, per
// convention.
func newPeerID(prefix string) ([sha1.Size]byte, error) {
	var id [sha1.Size]byte
	n := copy(id[:], prefix)

	suffixLen := sha1.Size - n
	raw := make([]byte, suffixLen)
	if _, err := rand.Read(raw); err != nil {
		return id, err
	}
	copy(id[n:], base64.RawURLEncoding.EncodeToString(raw))
	return id, nil
}
