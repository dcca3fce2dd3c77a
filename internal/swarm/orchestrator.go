// Package swarm wires the piece store, scheduler, and tracker together into
// one torrent's download lifecycle: announcing, dialing peers, and driving
// each connection's request pipeline from scheduler decisions.
package swarm

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelcode/riptide/internal/bitfield"
	"github.com/kestrelcode/riptide/internal/config"
	"github.com/kestrelcode/riptide/internal/meta"
	"github.com/kestrelcode/riptide/internal/peer"
	"github.com/kestrelcode/riptide/internal/piece"
	"github.com/kestrelcode/riptide/internal/scheduler"
	"github.com/kestrelcode/riptide/internal/tracker"
)

// Orchestrator drives one torrent's download: it announces to trackers,
// dials candidate peers under a bounded concurrency limit, and turns each
// peer session's events into scheduler decisions and piece-store writes.
// It never unchokes a peer or answers a block request: this client is
// download-only and does not seed.
type Orchestrator struct {
	cfg  config.Config
	log  *slog.Logger
	meta *meta.TorrentMeta

	store *piece.Store
	sched *scheduler.Scheduler
	tr    *tracker.Tracker

	clientID [sha1.Size]byte

	mu            sync.Mutex
	sessions      map[string]*peer.Session
	peerBitfields map[string]bitfield.Bitfield
	dialed        map[netip.AddrPort]bool
	cancel        context.CancelFunc

	peerCh  chan netip.AddrPort
	dialSem chan struct{}

	statsMu         sync.Mutex
	lastSampleAt    time.Time
	lastSampleBytes int64
}

// Stats is a read-only snapshot of download progress, exposed for a caller
// such as a CLI progress renderer to poll; nothing in this package consumes
// it itself.
type Stats struct {
	ActivePeers     int
	Downloaded      int64
	PiecesComplete  int
	PiecesTotal     int
	DownloadRateBps float64
}

// Stats reports current progress. Calling it at roughly regular intervals
// also makes DownloadRateBps meaningful, since the rate is computed from the
// bytes downloaded since the previous call.
func (o *Orchestrator) Stats() Stats {
	downloaded := o.store.Downloaded()
	now := time.Now()

	o.statsMu.Lock()
	var rate float64
	if !o.lastSampleAt.IsZero() {
		if elapsed := now.Sub(o.lastSampleAt).Seconds(); elapsed > 0 {
			rate = float64(downloaded-o.lastSampleBytes) / elapsed
		}
	}
	o.lastSampleAt = now
	o.lastSampleBytes = downloaded
	o.statsMu.Unlock()

	return Stats{
		ActivePeers:     o.sessionCount(),
		Downloaded:      downloaded,
		PiecesComplete:  o.sched.Bitfield().Count(),
		PiecesTotal:     len(o.meta.PieceHashes),
		DownloadRateBps: rate,
	}
}

// New builds an Orchestrator for one torrent. The caller is responsible for
// constructing the store, scheduler, and tracker beforehand (typically in
// cmd/riptide's startup sequence) and seeding the scheduler's already-done
// pieces via Scheduler.MarkLocallyComplete.
func New(cfg config.Config, m *meta.TorrentMeta, store *piece.Store, sched *scheduler.Scheduler, tr *tracker.Tracker, clientID [sha1.Size]byte, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "swarm", "info_hash", hex.EncodeToString(m.InfoHash[:]))

	maxPeers := cfg.MaxPeers
	if maxPeers <= 0 {
		maxPeers = 50
	}
	dialSlots := maxPeers / 2
	if dialSlots < 1 {
		dialSlots = 1
	}

	return &Orchestrator{
		cfg:           cfg,
		log:           log,
		meta:          m,
		store:         store,
		sched:         sched,
		tr:            tr,
		clientID:      clientID,
		sessions:      make(map[string]*peer.Session),
		peerBitfields: make(map[string]bitfield.Bitfield),
		dialed:        make(map[netip.AddrPort]bool),
		peerCh:        make(chan netip.AddrPort, maxPeers*4),
		dialSem:       make(chan struct{}, dialSlots),
	}
}

// AdmitPeers queues candidate peer addresses (typically from a tracker
// announce response) for dialing. Addresses beyond the queue's capacity are
// dropped with a warning rather than blocking the caller.
func (o *Orchestrator) AdmitPeers(addrs []netip.AddrPort) {
	for _, a := range addrs {
		select {
		case o.peerCh <- a:
		default:
			o.log.Warn("peer queue full; dropping candidate", "addr", a.String())
		}
	}
}

// Run drives the download until ctx is cancelled or the download completes
// (at which point Run sends a final "completed" announce and returns nil).
func (o *Orchestrator) Run(ctx context.Context) error {
	childCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	defer cancel()

	eg, gctx := errgroup.WithContext(childCtx)

	eg.Go(func() error { return o.announceLoop(gctx) })
	eg.Go(func() error { return o.dialLoop(gctx) })
	eg.Go(func() error { return o.reapLoop(gctx) })
	eg.Go(func() error { return o.storeEventLoop(gctx) })
	eg.Go(func() error {
		<-gctx.Done()
		o.closeAllSessions()
		return nil
	})

	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (o *Orchestrator) announceParams(ev tracker.Event) tracker.AnnounceParams {
	downloaded := o.store.Downloaded()
	left := o.meta.Length - downloaded
	if left < 0 {
		left = 0
	}
	return tracker.AnnounceParams{
		InfoHash:   o.meta.InfoHash,
		PeerID:     o.clientID,
		Downloaded: uint64(downloaded),
		Left:       uint64(left),
		Event:      ev,
		Port:       o.cfg.Port,
		NumWant:    o.cfg.NumWant,
	}
}

func (o *Orchestrator) announceLoop(ctx context.Context) error {
	resp, err := o.tr.Announce(ctx, o.announceParams(tracker.EventStarted))
	if err != nil {
		o.log.Warn("initial announce failed", "err", err)
	} else {
		o.AdmitPeers(resp.Peers)
	}

	for {
		interval := o.tr.Interval()
		if interval <= 0 {
			interval = o.cfg.AnnounceInterval
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
			resp, err := o.tr.Announce(ctx, o.announceParams(tracker.EventNone))
			if err != nil {
				o.log.Warn("periodic announce failed", "err", err)
				continue
			}
			o.AdmitPeers(resp.Peers)
		}
	}
}

func (o *Orchestrator) reapLoop(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.sched.ReapTimeouts(time.Now())
			o.refillAll()
		}
	}
}

func (o *Orchestrator) storeEventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-o.store.Events():
			if !ok {
				return nil
			}
			switch e := ev.(type) {
			case piece.Completed:
				o.sched.OnPieceVerified(e.PieceIndex)
				o.broadcastHave(e.PieceIndex)
				o.refillAll()
			case piece.HashFailed:
				o.sched.OnPieceHashFailed(e.PieceIndex)
				o.refillAll()
			case piece.WriteFailed:
				o.log.Error("piece write failed; will retry on re-request", "piece", e.PieceIndex, "err", e.Err)
				o.sched.OnPieceHashFailed(e.PieceIndex)
				o.refillAll()
			case piece.DownloadComplete:
				o.log.Info("download complete")
				o.announceCompletedAndStop()
				return nil
			}
		}
	}
}

func (o *Orchestrator) announceCompletedAndStop() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := o.tr.Announce(ctx, o.announceParams(tracker.EventCompleted)); err != nil {
			o.log.Warn("completed announce failed", "err", err)
		}
		o.mu.Lock()
		c := o.cancel
		o.mu.Unlock()
		if c != nil {
			c()
		}
	}()
}

func (o *Orchestrator) dialLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case addr, ok := <-o.peerCh:
			if !ok {
				return nil
			}
			if o.alreadyKnown(addr) || o.sessionCount() >= o.cfg.MaxPeers {
				continue
			}
			o.markKnown(addr)

			select {
			case o.dialSem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}

			go func(addr netip.AddrPort) {
				defer func() { <-o.dialSem }()
				o.dialAndHandle(ctx, addr)
			}(addr)
		}
	}
}

func (o *Orchestrator) dialAndHandle(ctx context.Context, addr netip.AddrPort) {
	dctx, cancel := context.WithTimeout(ctx, o.cfg.DialTimeout)
	defer cancel()

	sess, err := peer.Dial(dctx, addr.String(), o.meta.InfoHash, o.clientID, len(o.meta.PieceHashes), o.log)
	if err != nil {
		o.log.Debug("dial failed", "addr", addr.String(), "err", err)
		return
	}
	if o.sessionCount() >= o.cfg.MaxPeers {
		_ = sess.Stop()
		return
	}

	o.registerSession(sess)
	defer o.unregisterSession(sess)

	sess.Start(ctx)
	o.handleSession(sess)
}

func (o *Orchestrator) handleSession(sess *peer.Session) {
	pieceCount := len(o.meta.PieceHashes)
	peerBF := bitfield.New(pieceCount)
	unchoked := false

	if ourBF := o.sched.Bitfield(); ourBF.Count() > 0 {
		_ = sess.SendBitfield(ourBF)
	}

	refill := func() {
		reqs := o.sched.NextForPeer(scheduler.PeerView{PeerID: sess.PeerID, Has: peerBF, Unchoked: unchoked})
		for _, r := range reqs {
			if err := sess.SendRequest(r.Piece, r.Begin, r.Length); err != nil {
				o.log.Debug("send request failed", "peer", sess.PeerID, "err", err)
			}
		}
	}
	updateInterest := func() {
		if o.sched.HasAnyWantedPiece(peerBF) {
			_ = sess.SendInterested()
		} else {
			_ = sess.SendNotInterested()
		}
	}

	for ev := range sess.Events() {
		switch e := ev.(type) {
		case peer.BitfieldReceived:
			peerBF = e.Bitfield
			o.sched.OnPeerBitfield(sess.PeerID, peerBF)
			o.setPeerBitfield(sess.PeerID, peerBF)
			updateInterest()
		case peer.Have:
			peerBF.Set(e.PieceIndex)
			o.sched.OnPeerHave(sess.PeerID, e.PieceIndex)
			o.setPeerBitfield(sess.PeerID, peerBF)
			updateInterest()
		case peer.Unchoke:
			unchoked = true
			refill()
		case peer.Choke:
			unchoked = false
		case peer.PieceReceived:
			if err := o.store.AddBlock(e.PieceIndex, e.Begin, e.Block); err != nil {
				o.log.Warn("rejected block", "peer", sess.PeerID, "piece", e.PieceIndex, "err", err)
				continue
			}
			_, cancels := o.sched.OnBlockReceived(sess.PeerID, e.PieceIndex, e.Begin)
			for _, c := range cancels {
				o.sendCancel(c)
			}
			refill()
		case peer.RequestReceived, peer.CancelReceived:
			// Download-only client: never unchokes, so never serves data.
		case peer.Closed:
			if e.Err != nil {
				o.log.Debug("peer session closed", "peer", sess.PeerID, "err", e.Err)
			}
		}
	}

	o.sched.OnPeerGone(sess.PeerID, peerBF)
}

func (o *Orchestrator) sendCancel(c scheduler.Cancel) {
	o.mu.Lock()
	sess, ok := o.sessions[c.PeerID]
	o.mu.Unlock()
	if !ok {
		return
	}
	pieceLen, err := piece.LengthAt(c.Piece, o.meta.Length, o.meta.PieceLength)
	if err != nil {
		return
	}
	length, err := piece.BlockLengthAt(c.Begin, pieceLen, o.cfg.BlockLength)
	if err != nil {
		return
	}
	_ = sess.SendCancel(c.Piece, c.Begin, length)
}

func (o *Orchestrator) broadcastHave(pieceIndex int) {
	o.mu.Lock()
	sessions := make([]*peer.Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()

	for _, s := range sessions {
		if err := s.SendHave(pieceIndex); err != nil {
			o.log.Debug("broadcast have failed", "peer", s.PeerID, "err", err)
		}
	}
}

func (o *Orchestrator) closeAllSessions() {
	o.mu.Lock()
	sessions := make([]*peer.Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *peer.Session) {
			defer wg.Done()
			_ = s.Stop()
		}(s)
	}
	wg.Wait()
}

func (o *Orchestrator) registerSession(sess *peer.Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sessions[sess.PeerID] = sess
}

func (o *Orchestrator) unregisterSession(sess *peer.Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.sessions, sess.PeerID)
	delete(o.peerBitfields, sess.PeerID)
}

func (o *Orchestrator) setPeerBitfield(peerID string, bf bitfield.Bitfield) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.peerBitfields[peerID] = bf.Clone()
}

// refillAll re-runs scheduling for every currently connected, unchoked peer.
// It catches work freed by events that aren't tied to any one peer's own
// wire traffic: a reaped timeout, a piece completing, or a piece failing its
// hash check all free blocks that some other, already-unchoked peer could
// pick up immediately rather than waiting on its next Unchoke/Have/Piece
// message to trigger a refill.
func (o *Orchestrator) refillAll() {
	type target struct {
		sess *peer.Session
		bf   bitfield.Bitfield
	}

	o.mu.Lock()
	targets := make([]target, 0, len(o.sessions))
	for id, sess := range o.sessions {
		bf, ok := o.peerBitfields[id]
		if !ok {
			continue
		}
		targets = append(targets, target{sess: sess, bf: bf})
	}
	o.mu.Unlock()

	for _, t := range targets {
		if t.sess.PeerChoking() {
			continue
		}
		reqs := o.sched.NextForPeer(scheduler.PeerView{PeerID: t.sess.PeerID, Has: t.bf, Unchoked: true})
		for _, r := range reqs {
			if err := t.sess.SendRequest(r.Piece, r.Begin, r.Length); err != nil {
				o.log.Debug("send request failed", "peer", t.sess.PeerID, "err", err)
			}
		}
	}
}

func (o *Orchestrator) sessionCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

func (o *Orchestrator) alreadyKnown(addr netip.AddrPort) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dialed[addr]
}

func (o *Orchestrator) markKnown(addr netip.AddrPort) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dialed[addr] = true
}
