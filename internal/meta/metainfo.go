// Package meta decodes a single-file .torrent into an immutable TorrentMeta
// and its derived per-piece descriptors.
package meta

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"os"

	"github.com/jackpal/bencode-go"
)

var (
	ErrTopLevelNotDict     = errors.New("meta: top-level value is not a dict")
	ErrAnnounceMissing     = errors.New("meta: announce missing")
	ErrInfoMissing         = errors.New("meta: 'info' missing")
	ErrInfoNotDict         = errors.New("meta: 'info' is not a dict")
	ErrNameMissing         = errors.New("meta: 'info' name missing")
	ErrPieceLenMissing     = errors.New("meta: 'info' piece length missing")
	ErrPieceLenNonPositive = errors.New("meta: 'info' piece length must be > 0")
	ErrPiecesMissing       = errors.New("meta: 'info' pieces missing")
	ErrPiecesLenInvalid    = errors.New("meta: 'info' pieces length is not a multiple of 20")
	ErrMultiFileUnsupported = errors.New("meta: multi-file torrents are not supported")
	ErrLengthMissing       = errors.New("meta: 'info' length missing")
)

// TorrentMeta is the immutable, fully-validated contents of a single-file
// .torrent, constructed once at startup and shared read-only thereafter.
type TorrentMeta struct {
	InfoHash     [sha1.Size]byte
	Name         string
	Length       int64
	PieceLength  int64
	PieceHashes  [][sha1.Size]byte
	Announce     string
	AnnounceList [][]string
	Private      bool
}

// PieceDescriptor is the derived, immutable per-piece record built from a
// TorrentMeta at initialization.
type PieceDescriptor struct {
	Index  int
	Length int64
	Hash   [sha1.Size]byte
}

// Descriptors builds the immutable per-piece table implied by m.
func (m *TorrentMeta) Descriptors() []PieceDescriptor {
	out := make([]PieceDescriptor, len(m.PieceHashes))
	for i := range out {
		length := m.PieceLength
		if i == len(out)-1 {
			length = m.Length - m.PieceLength*int64(len(out)-1)
		}
		out[i] = PieceDescriptor{Index: i, Length: length, Hash: m.PieceHashes[i]}
	}
	return out
}

// Trackers returns the announce URLs to try, grouped by tier as in the
// announce-list (not flattened or de-duplicated), with the primary announce
// URL as the sole entry in tier 0 when no announce-list was present.
func (m *TorrentMeta) Trackers() [][]string {
	if len(m.AnnounceList) > 0 {
		return m.AnnounceList
	}
	if m.Announce == "" {
		return nil
	}
	return [][]string{{m.Announce}}
}

// LoadFile reads and parses the .torrent file at path.
func LoadFile(path string) (*TorrentMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("meta: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw .torrent bytes into a validated TorrentMeta.
func Parse(data []byte) (*TorrentMeta, error) {
	var raw any
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("meta: bencode decode: %w", err)
	}

	root, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrTopLevelNotDict
	}

	announce, err := optionalString(root["announce"])
	if err != nil {
		return nil, err
	}
	announceList, err := parseAnnounceList(root["announce-list"])
	if err != nil {
		return nil, err
	}
	if announce == "" && len(announceList) == 0 {
		return nil, ErrAnnounceMissing
	}

	infoVal, ok := root["info"]
	if !ok {
		return nil, ErrInfoMissing
	}
	infoDict, ok := infoVal.(map[string]any)
	if !ok {
		return nil, ErrInfoNotDict
	}

	hash, err := infoHash(infoDict)
	if err != nil {
		return nil, fmt.Errorf("meta: info hash: %w", err)
	}

	nameVal, ok := infoDict["name"]
	if !ok {
		return nil, ErrNameMissing
	}
	name, err := toString(nameVal)
	if err != nil || name == "" {
		return nil, fmt.Errorf("meta: invalid 'name': %w", err)
	}

	plVal, ok := infoDict["piece length"]
	if !ok {
		return nil, ErrPieceLenMissing
	}
	pieceLength, err := toInt(plVal)
	if err != nil || pieceLength <= 0 {
		return nil, ErrPieceLenNonPositive
	}

	pieceHashes, err := parsePieces(infoDict["pieces"])
	if err != nil {
		return nil, err
	}

	if _, hasFiles := infoDict["files"]; hasFiles {
		return nil, ErrMultiFileUnsupported
	}
	lengthVal, ok := infoDict["length"]
	if !ok {
		return nil, ErrLengthMissing
	}
	length, err := toInt(lengthVal)
	if err != nil || length < 0 {
		return nil, fmt.Errorf("meta: invalid 'length'")
	}

	private := false
	if v, ok := infoDict["private"]; ok {
		p, err := toInt(v)
		if err != nil || (p != 0 && p != 1) {
			return nil, fmt.Errorf("meta: invalid 'private' flag")
		}
		private = p == 1
	}

	wantPieces := Count(length, pieceLength)
	if len(pieceHashes) != wantPieces {
		return nil, fmt.Errorf("meta: piece hash count %d does not match expected %d for length=%d pieceLength=%d", len(pieceHashes), wantPieces, length, pieceLength)
	}

	return &TorrentMeta{
		InfoHash:     hash,
		Name:         name,
		Length:       length,
		PieceLength:  pieceLength,
		PieceHashes:  pieceHashes,
		Announce:     announce,
		AnnounceList: announceList,
		Private:      private,
	}, nil
}

// Count returns the number of pieces implied by a torrent's total length and
// piece length (mirrors internal/piece.Count without importing it, since
// validating a .torrent's own piece table shouldn't depend on the
// downloader's runtime state).
func Count(length, pieceLength int64) int {
	if length <= 0 || pieceLength <= 0 {
		return 0
	}
	return int((length + pieceLength - 1) / pieceLength)
}

func infoHash(infoDict map[string]any) ([sha1.Size]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, infoDict); err != nil {
		return [sha1.Size]byte{}, err
	}
	return sha1.Sum(buf.Bytes()), nil
}

func parsePieces(v any) ([][sha1.Size]byte, error) {
	if v == nil {
		return nil, ErrPiecesMissing
	}
	raw, err := toBytes(v)
	if err != nil {
		return nil, fmt.Errorf("meta: 'pieces': %w", err)
	}
	if len(raw)%sha1.Size != 0 {
		return nil, ErrPiecesLenInvalid
	}
	n := len(raw) / sha1.Size
	out := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], raw[i*sha1.Size:(i+1)*sha1.Size])
	}
	return out, nil
}

func parseAnnounceList(v any) ([][]string, error) {
	if v == nil {
		return nil, nil
	}
	tiered, err := toTieredStrings(v)
	if err != nil {
		return nil, fmt.Errorf("meta: invalid announce-list: %w", err)
	}
	out := make([][]string, 0, len(tiered))
	for _, tier := range tiered {
		if len(tier) > 0 {
			out = append(out, tier)
		}
	}
	return out, nil
}

func optionalString(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	return toString(v)
}
