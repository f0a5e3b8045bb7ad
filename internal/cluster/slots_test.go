package cluster

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotBitmapBasics(t *testing.T) {
	var bm SlotBitmap
	assert.True(t, bm.Empty())

	bm.Set(0)
	bm.Set(16383)
	bm.Set(5000)
	assert.True(t, bm.Test(0))
	assert.True(t, bm.Test(16383))
	assert.False(t, bm.Test(1))
	assert.Equal(t, 3, bm.Count())

	bm.Clear(5000)
	assert.False(t, bm.Test(5000))
	assert.Equal(t, []uint16{0, 16383}, bm.Slots())
}

func TestSlotRunsRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		slots []uint16
	}{
		{"empty", nil},
		{"single", []uint16{42}},
		{"range", []uint16{100, 101, 102, 103}},
		{"sparse", []uint16{0, 2, 4, 8000, 8001, 16383}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var bm SlotBitmap
			for _, s := range tc.slots {
				bm.Set(s)
			}
			enc := bm.EncodeRuns()
			dec, n, err := DecodeRuns(enc)
			require.NoError(t, err)
			assert.Equal(t, len(enc), n)
			assert.Equal(t, bm, *dec)
		})
	}
}

func TestSlotRunsRoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 50; trial++ {
		var bm SlotBitmap
		for i := 0; i < 200; i++ {
			bm.Set(uint16(rng.Intn(SlotCount)))
		}
		dec, _, err := DecodeRuns(bm.EncodeRuns())
		require.NoError(t, err)
		require.Equal(t, bm, *dec)
	}
}

func TestDecodeRunsRejectsOverlap(t *testing.T) {
	// Two runs: 10-19 and 15-24 overlap.
	data := []byte{8, 0, 10, 0, 10, 0, 15, 0, 10, 0}
	_, _, err := DecodeRuns(data)
	assert.Error(t, err)
}

func TestDecodeRunsToleratesEmptyRun(t *testing.T) {
	// Runs: (5, len 0), (7, len 1).
	data := []byte{8, 0, 5, 0, 0, 0, 7, 0, 1, 0}
	bm, _, err := DecodeRuns(data)
	require.NoError(t, err)
	assert.Equal(t, []uint16{7}, bm.Slots())
}

func TestSlotTextRoundTrip(t *testing.T) {
	var bm SlotBitmap
	for s := uint16(0); s <= 100; s++ {
		bm.Set(s)
	}
	bm.Set(4096)
	for s := uint16(5000); s <= 5010; s++ {
		bm.Set(s)
	}
	text := bm.String()
	assert.Equal(t, "0-100 4096 5000-5010", text)

	parsed, err := ParseSlotText(" " + text + " ")
	require.NoError(t, err)
	assert.Equal(t, bm, *parsed)
}

func TestParseSlotArgs(t *testing.T) {
	slots, err := ParseSlotArgs([]string{"5", "{10..12}", "9000"})
	require.NoError(t, err)
	assert.Equal(t, []uint16{5, 10, 11, 12, 9000}, slots)

	_, err = ParseSlotArgs([]string{"16384"})
	assert.Error(t, err)

	_, err = ParseSlotArgs([]string{"{9..3}"})
	assert.Error(t, err)

	_, err = ParseSlotArgs([]string{"abc"})
	assert.Error(t, err)
}
