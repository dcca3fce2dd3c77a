package meta

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, v any) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, v))
	return buf.Bytes()
}

func validInfoDict() map[string]any {
	return map[string]any{
		"name":         "movie.mkv",
		"piece length": int64(16384),
		"pieces":       string(make([]byte, sha1.Size*2)),
		"length":       int64(16384*2 - 100),
	}
}

func TestParseValidSingleFileTorrent(t *testing.T) {
	info := validInfoDict()
	raw := map[string]any{
		"announce": "http://tracker.example.com/announce",
		"info":     info,
	}

	m, err := Parse(encode(t, raw))
	require.NoError(t, err)
	require.Equal(t, "movie.mkv", m.Name)
	require.Equal(t, int64(16384), m.PieceLength)
	require.Equal(t, int64(16384*2-100), m.Length)
	require.Equal(t, "http://tracker.example.com/announce", m.Announce)
	require.Len(t, m.PieceHashes, 2)

	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, info))
	want := sha1.Sum(buf.Bytes())
	require.Equal(t, want, m.InfoHash)
}

func TestParseRejectsMissingAnnounce(t *testing.T) {
	raw := map[string]any{"info": validInfoDict()}
	_, err := Parse(encode(t, raw))
	require.ErrorIs(t, err, ErrAnnounceMissing)
}

func TestParseAcceptsAnnounceListWithoutPrimaryAnnounce(t *testing.T) {
	raw := map[string]any{
		"announce-list": []any{
			[]any{"http://tracker-a.example.com/announce"},
			[]any{"http://tracker-b.example.com/announce", "http://tracker-c.example.com/announce"},
		},
		"info": validInfoDict(),
	}
	m, err := Parse(encode(t, raw))
	require.NoError(t, err)
	require.Equal(t, "", m.Announce)
	require.Equal(t, [][]string{
		{"http://tracker-a.example.com/announce"},
		{"http://tracker-b.example.com/announce", "http://tracker-c.example.com/announce"},
	}, m.AnnounceList)
}

func TestParseRejectsMissingInfo(t *testing.T) {
	raw := map[string]any{"announce": "http://tracker.example.com/announce"}
	_, err := Parse(encode(t, raw))
	require.ErrorIs(t, err, ErrInfoMissing)
}

func TestParseRejectsMultiFileLayout(t *testing.T) {
	info := validInfoDict()
	delete(info, "length")
	info["files"] = []any{
		map[string]any{"length": int64(100), "path": []any{"a.txt"}},
	}
	raw := map[string]any{
		"announce": "http://tracker.example.com/announce",
		"info":     info,
	}
	_, err := Parse(encode(t, raw))
	require.ErrorIs(t, err, ErrMultiFileUnsupported)
}

func TestParseRejectsPiecesLengthNotMultipleOf20(t *testing.T) {
	info := validInfoDict()
	info["pieces"] = string(make([]byte, sha1.Size+3))
	raw := map[string]any{
		"announce": "http://tracker.example.com/announce",
		"info":     info,
	}
	_, err := Parse(encode(t, raw))
	require.ErrorIs(t, err, ErrPiecesLenInvalid)
}

func TestParseRejectsZeroPieceLength(t *testing.T) {
	info := validInfoDict()
	info["piece length"] = int64(0)
	raw := map[string]any{
		"announce": "http://tracker.example.com/announce",
		"info":     info,
	}
	_, err := Parse(encode(t, raw))
	require.ErrorIs(t, err, ErrPieceLenNonPositive)
}

func TestParseRejectsPieceHashCountMismatch(t *testing.T) {
	info := validInfoDict()
	info["pieces"] = string(make([]byte, sha1.Size)) // only one hash for a 2-piece file
	raw := map[string]any{
		"announce": "http://tracker.example.com/announce",
		"info":     info,
	}
	_, err := Parse(encode(t, raw))
	require.Error(t, err)
}

func TestParseRejectsTopLevelNotDict(t *testing.T) {
	_, err := Parse(encode(t, []any{"not", "a", "dict"}))
	require.ErrorIs(t, err, ErrTopLevelNotDict)
}

func TestDescriptorsLastPieceIsShort(t *testing.T) {
	m := &TorrentMeta{
		Length:      16384 + 100,
		PieceLength: 16384,
		PieceHashes: [][sha1.Size]byte{{1}, {2}},
	}
	descs := m.Descriptors()
	require.Len(t, descs, 2)
	require.Equal(t, int64(16384), descs[0].Length)
	require.Equal(t, int64(100), descs[1].Length)
}

func TestTrackersFallsBackToAnnounceWhenNoList(t *testing.T) {
	m := &TorrentMeta{Announce: "http://tracker.example.com/announce"}
	require.Equal(t, [][]string{{"http://tracker.example.com/announce"}}, m.Trackers())
}

func TestTrackersPrefersAnnounceList(t *testing.T) {
	m := &TorrentMeta{
		Announce:     "http://primary.example.com/announce",
		AnnounceList: [][]string{{"http://tier0.example.com/announce"}},
	}
	require.Equal(t, [][]string{{"http://tier0.example.com/announce"}}, m.Trackers())
}
