package datagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameWireFormat(t *testing.T) {
	// "hi" + CRC 0x45, COBS/R reduced, zero terminated.
	assert.Equal(t, []byte{0x45, 'h', 'i', 0x00}, frame([]byte("hi")))
	assert.Equal(t,
		[]byte{0x1c, 'H', 'e', 'l', 'l', 'o', 'S', 'e', 'a', 0x00},
		frame([]byte("HelloSea")))
}

func TestFrameRoundTrip(t *testing.T) {
	inputs := [][]byte{
		[]byte("x"),
		[]byte("HelloSea"),
		[]byte("a considerably longer datagram with spaces and, punctuation!"),
		{0x00, 0x01, 0x02, 0xFF, 0x00},
	}
	for _, in := range inputs {
		framed := frame(in)
		require.Equal(t, byte(frameDelimiter), framed[len(framed)-1])
		assert.NotContains(t, framed[:len(framed)-1], byte(frameDelimiter),
			"delimiter must only terminate the frame")

		out, err := unframe(framed[:len(framed)-1])
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestUnframeDetectsCorruption(t *testing.T) {
	framed := frame([]byte("HelloSea"))
	body := framed[:len(framed)-1]

	for i := range body {
		corrupted := append([]byte(nil), body...)
		corrupted[i] ^= 0x04
		out, err := unframe(corrupted)
		if err == nil && out != nil {
			assert.NotEqual(t, []byte("HelloSea"), out,
				"flipped byte %d produced the original datagram", i)
		}
	}
}

func TestUnframePadding(t *testing.T) {
	out, err := unframe(nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = unframe([]byte{0x01})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestPadPayload(t *testing.T) {
	assert.Equal(t, []byte{'a', 'b', 0x01, 0x00, 0x01, 0x00, 0x01, 0x00},
		padPayload([]byte("ab"), 8))
	assert.Equal(t, []byte{'a', 'b', 'c', 0x01, 0x00, 0x01, 0x00, 0x00},
		padPayload([]byte("abc"), 8))
	assert.Equal(t, []byte("12345678"), padPayload([]byte("12345678"), 8))

	// Every padding tail decodes to nothing.
	for _, chunk := range [][]byte{
		padPayload([]byte("ab"), 8)[2:],
		padPayload([]byte("abc"), 8)[3:],
	} {
		for _, piece := range splitOnDelimiter(chunk) {
			out, err := unframe(piece)
			require.NoError(t, err)
			assert.Nil(t, out)
		}
	}
}

func splitOnDelimiter(buf []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range buf {
		if b == frameDelimiter {
			out = append(out, buf[start:i])
			start = i + 1
		}
	}
	return out
}
