package bitfield

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	bf := New(20)
	set := []int{0, 1, 7, 8, 15, 19}
	for _, i := range set {
		bf.Set(i)
	}

	wire, err := FromWire(bf.Bytes(), 20)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		want := false
		for _, s := range set {
			if s == i {
				want = true
			}
		}
		require.Equalf(t, want, wire.Has(i), "bit %d", i)
	}
}

func TestFromWireShort(t *testing.T) {
	_, err := FromWire([]byte{0x00}, 20)
	require.Error(t, err)
}

func TestMSBFirst(t *testing.T) {
	bf := New(9)
	bf.Set(0)
	bf.Set(8)
	require.Equal(t, byte(0x80), bf.Bytes()[0])
	require.Equal(t, byte(0x80), bf.Bytes()[1])
}

func TestCountAndAll(t *testing.T) {
	bf := New(4)
	require.False(t, bf.All(4))
	for i := 0; i < 4; i++ {
		bf.Set(i)
	}
	require.Equal(t, 4, bf.Count())
	require.True(t, bf.All(4))
}
