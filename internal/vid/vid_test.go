package vid_test

import (
	"testing"

	"github.com/nsakamura/bkv/internal/vid"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		class int
		slot  uint64
	}{
		{0, 0},
		{1, 1},
		{7, 1<<20 + 5},
		{int(vid.MaxClass), vid.MaxSlot},
	}

	for _, c := range cases {
		encoded := vid.Encode(c.class, c.slot)
		gotClass, gotSlot := vid.Decode(encoded)
		require.Equal(t, c.class, gotClass)
		require.Equal(t, c.slot, gotSlot)
	}
}

func TestEncodeDistinctForDistinctInputs(t *testing.T) {
	a := vid.Encode(2, 10)
	b := vid.Encode(3, 10)
	c := vid.Encode(2, 11)
	require.NotEqual(t, a, b)
	require.NotEqual(t, a, c)
}
