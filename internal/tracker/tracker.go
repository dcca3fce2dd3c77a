// Package tracker announces to single-file-torrent HTTP trackers and
// decodes their peer lists.
package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"sync"
	"time"
)

// Event signals a lifecycle transition to the tracker.
type Event uint32

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

// AnnounceParams carries everything a single announce request needs.
type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	Port       uint16
	NumWant    int
	TrackerID  string
}

// AnnounceResponse is a tracker's reply to one announce.
type AnnounceResponse struct {
	TrackerID   string
	Interval    time.Duration
	MinInterval time.Duration
	Seeders     int64
	Leechers    int64
	Peers       []netip.AddrPort
}

var ErrAllTrackersExhausted = errors.New("tracker: all tiers exhausted")

// Tracker manages a tiered list of HTTP announce URLs with failover and
// within-tier promotion of whichever URL most recently succeeded.
type Tracker struct {
	mu       sync.Mutex
	tiers    [][]*url.URL
	clients  map[string]*httpClient
	log      *slog.Logger
	interval time.Duration
}

// New builds a Tracker from a torrent's tiered URL list (as returned by
// meta.TorrentMeta.Trackers). Non-HTTP(S) URLs are dropped; UDP/DHT/PEX
// peer discovery is out of scope for this client.
func New(tiers [][]string, log *slog.Logger) (*Tracker, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "tracker")

	parsed := make([][]*url.URL, 0, len(tiers))
	for _, tier := range tiers {
		out := make([]*url.URL, 0, len(tier))
		for _, raw := range tier {
			u, err := url.Parse(raw)
			if err != nil {
				log.Warn("dropping unparseable announce url", "url", raw, "err", err)
				continue
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				log.Debug("dropping non-HTTP announce url", "url", raw)
				continue
			}
			out = append(out, u)
		}
		if len(out) > 0 {
			parsed = append(parsed, out)
		}
	}
	if len(parsed) == 0 {
		return nil, errors.New("tracker: no usable HTTP announce urls")
	}

	return &Tracker{
		tiers:    parsed,
		clients:  make(map[string]*httpClient),
		log:      log,
		interval: 30 * time.Minute,
	}, nil
}

// Interval returns the announce interval to wait before the next regular
// announce, defaulting to 30 minutes until a tracker response overrides it.
func (t *Tracker) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// Announce tries every tracker in tier order, promoting whichever URL
// within a tier answers successfully to the front of that tier so future
// announces try it first.
func (t *Tracker) Announce(ctx context.Context, params AnnounceParams) (*AnnounceResponse, error) {
	var lastErr error

	for tierIdx := 0; tierIdx < t.tierCount(); tierIdx++ {
		tier := t.snapshotTier(tierIdx)

		for i, u := range tier {
			client := t.clientFor(u)

			resp, err := client.announce(ctx, params)
			if err != nil {
				lastErr = err
				t.log.Warn("announce failed", "url", u.String(), "err", err)
				continue
			}

			t.promote(tierIdx, i)
			t.mu.Lock()
			if resp.Interval > 0 {
				t.interval = resp.Interval
			}
			t.mu.Unlock()

			t.log.Info("announce succeeded",
				"url", u.String(), "peers", len(resp.Peers),
				"seeders", resp.Seeders, "leechers", resp.Leechers)
			return resp, nil
		}

		t.log.Warn("tier exhausted", "tier", tierIdx)
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllTrackersExhausted, lastErr)
	}
	return nil, ErrAllTrackersExhausted
}

func (t *Tracker) tierCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tiers)
}

func (t *Tracker) snapshotTier(idx int) []*url.URL {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*url.URL(nil), t.tiers[idx]...)
}

func (t *Tracker) promote(tierIdx, urlIdx int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tier := t.tiers[tierIdx]
	if urlIdx <= 0 || urlIdx >= len(tier) {
		return
	}
	u := tier[urlIdx]
	copy(tier[1:urlIdx+1], tier[0:urlIdx])
	tier[0] = u
}

func (t *Tracker) clientFor(u *url.URL) *httpClient {
	key := u.String()

	t.mu.Lock()
	c, ok := t.clients[key]
	t.mu.Unlock()
	if ok {
		return c
	}

	c = newHTTPClient(u, t.log.With("tracker_url", key))

	t.mu.Lock()
	t.clients[key] = c
	t.mu.Unlock()
	return c
}
