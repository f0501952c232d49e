package cursor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBasicIntegerReads(t *testing.T) {
	c := New([]byte{0x01, 0x02, 0x03, 0x04})
	require.Equal(t, uint8(0x01), c.Uint8())
	require.Equal(t, uint8(0x02), c.Uint8())
	require.Equal(t, uint16(0x0403), New([]byte{0x03, 0x04}).Uint16LE())
}

func TestUint24LEAndSignExtension(t *testing.T) {
	require.Equal(t, int32(-1), New([]byte{0xff, 0xff, 0xff}).Int24LE())
	require.Equal(t, int32(1), New([]byte{0x01, 0x00, 0x00}).Int24LE())
}

func TestLengthEncodedInt(t *testing.T) {
	require.Equal(t, uint64(5), New([]byte{0x05}).LengthEncodedInt())
	require.Equal(t, uint64(300), New([]byte{0xfc, 0x2c, 0x01}).LengthEncodedInt())
}

func TestNullTerminatedString(t *testing.T) {
	c := New([]byte("hello\x00world"))
	require.Equal(t, "hello", c.NullTerminatedString())
	require.Equal(t, []byte("world"), c.Remaining())
}

func TestStickyErrorOnShortRead(t *testing.T) {
	c := New([]byte{0x01})
	c.Uint32LE()
	require.Error(t, c.Err())
	// Further reads after the first error must not panic and must
	// return zero values rather than reinterpreting stale state.
	require.Equal(t, uint8(0), c.Uint8())
}

func TestUint40BE(t *testing.T) {
	c := New([]byte{0x00, 0x00, 0x00, 0x00, 0x01})
	require.Equal(t, uint64(1), c.Uint40BE())
}
