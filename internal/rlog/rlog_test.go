package rlog

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerWritesOneLinePerRecord(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false
	logger := New(&buf, opts)

	logger.Info("announce ok", "peers", 12)
	logger.Warn("tier exhausted")

	lines := bytes.Split(bytes.TrimRight(buf.Bytes(), "\n"), []byte("\n"))
	require.Len(t, lines, 2)
	require.Contains(t, string(lines[0]), "announce ok")
	require.Contains(t, string(lines[0]), `"peers":12`)
	require.Contains(t, string(lines[1]), "tier exhausted")
}

func TestHandlerRespectsLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false
	opts.Level = slog.LevelWarn
	logger := New(&buf, opts)

	logger.Debug("should not appear")
	logger.Info("also should not appear")
	require.Empty(t, buf.Bytes())

	logger.Warn("this one should")
	require.Contains(t, buf.String(), "this one should")
}

func TestWithAttrsAppliesToSubsequentRecords(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false
	logger := New(&buf, opts).With("component", "tracker")

	logger.Info("announce begin")
	require.Contains(t, buf.String(), `"component":"tracker"`)
}
