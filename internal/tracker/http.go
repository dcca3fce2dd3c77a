package tracker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackpal/bencode-go"
)

const compactPeerStride = 6 // 4 bytes IPv4 + 2 bytes port

// httpClient announces to one HTTP(S) tracker URL, retrying transient
// failures with a bounded exponential backoff before giving up so a single
// flaky response doesn't immediately fall through to the next tier.
type httpClient struct {
	base      *url.URL
	client    *http.Client
	log       *slog.Logger
	trackerID string
}

func newHTTPClient(base *url.URL, log *slog.Logger) *httpClient {
	return &httpClient{
		base: base,
		log:  log,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:          20,
				IdleConnTimeout:       30 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 15 * time.Second,
			},
		},
	}
}

func (c *httpClient) announce(ctx context.Context, params AnnounceParams) (*AnnounceResponse, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, 2), ctx)

	var resp *AnnounceResponse
	operation := func() error {
		r, err := c.announceOnce(ctx, params)
		if err != nil {
			c.log.Debug("announce attempt failed", "err", err)
			return err
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(operation, bo); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *httpClient) announceOnce(ctx context.Context, params AnnounceParams) (*AnnounceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL(params), nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("tracker: http status %d: %s", resp.StatusCode, body)
	}

	parsed, err := decodeAnnounceResponse(resp.Body)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	if parsed.TrackerID != "" {
		c.trackerID = parsed.TrackerID
	}
	return parsed, nil
}

func (c *httpClient) buildURL(params AnnounceParams) string {
	u := *c.base
	q := u.Query()

	q.Set("info_hash", string(params.InfoHash[:]))
	q.Set("peer_id", string(params.PeerID[:]))
	q.Set("port", strconv.Itoa(int(params.Port)))
	q.Set("uploaded", strconv.FormatUint(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(params.Downloaded, 10))
	q.Set("left", strconv.FormatUint(params.Left, 10))
	q.Set("compact", "1")

	if params.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(params.NumWant))
	}
	if params.Event != EventNone {
		q.Set("event", params.Event.String())
	}
	trackerID := params.TrackerID
	if trackerID == "" {
		trackerID = c.trackerID
	}
	if trackerID != "" {
		q.Set("trackerid", trackerID)
	}

	u.RawQuery = q.Encode()
	return u.String()
}

func decodeAnnounceResponse(r io.Reader) (*AnnounceResponse, error) {
	var raw any
	if err := bencode.Unmarshal(r, &raw); err != nil {
		return nil, fmt.Errorf("tracker: decode: %w", err)
	}
	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tracker: expected dict, got %T", raw)
	}

	if reason, ok := dict["failure reason"]; ok {
		s, _ := toString(reason)
		return nil, fmt.Errorf("tracker: failure reason: %s", s)
	}

	interval, err := toInt(dict["interval"])
	if err != nil {
		return nil, fmt.Errorf("tracker: 'interval': %w", err)
	}

	peers, err := decodeCompactPeers(dict["peers"])
	if err != nil {
		return nil, fmt.Errorf("tracker: 'peers': %w", err)
	}

	minInterval, _ := toInt(dict["min interval"])
	seeders, _ := toInt(dict["complete"])
	leechers, _ := toInt(dict["incomplete"])
	trackerID, _ := toString(dict["trackerid"])

	return &AnnounceResponse{
		TrackerID:   trackerID,
		Interval:    time.Duration(interval) * time.Second,
		MinInterval: time.Duration(minInterval) * time.Second,
		Seeders:     seeders,
		Leechers:    leechers,
		Peers:       peers,
	}, nil
}

// decodeCompactPeers handles the compact (string of 6-byte IPv4+port
// records) peer list format. Dict-style peer lists and IPv6 peers are not
// supported; this client only dials IPv4 TCP peers.
func decodeCompactPeers(v any) ([]netip.AddrPort, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := toBytes(v)
	if err != nil {
		return nil, fmt.Errorf("unsupported peers encoding: %w", err)
	}
	if len(raw)%compactPeerStride != 0 {
		return nil, errors.New("compact peers length not a multiple of 6")
	}

	n := len(raw) / compactPeerStride
	peers := make([]netip.AddrPort, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+compactPeerStride {
		addr := netip.AddrFrom4([4]byte{raw[off], raw[off+1], raw[off+2], raw[off+3]})
		port := binary.BigEndian.Uint16(raw[off+4 : off+6])
		peers[i] = netip.AddrPortFrom(addr, port)
	}
	return peers, nil
}

func toString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		return "", fmt.Errorf("not a string: %T", v)
	}
}

func toBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case string:
		return []byte(t), nil
	case []byte:
		return t, nil
	default:
		return nil, fmt.Errorf("not a byte string: %T", v)
	}
}

func toInt(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	default:
		return 0, fmt.Errorf("not an integer: %T", v)
	}
}
