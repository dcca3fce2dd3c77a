package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesDocumentedBaseline(t *testing.T) {
	c := Default()
	require.Equal(t, 30, c.MaxPeers)
	require.Equal(t, 12, c.Window)
	require.Equal(t, 20, c.EndgameThreshold)
	require.Equal(t, 16*1024, c.BlockLength)
	require.Equal(t, uint16(6881), c.Port)
	require.NotEmpty(t, c.DownloadDir)
	require.Len(t, c.ClientIDPrefix, 8)
}
