package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKey   = "ABCDEFGHIJKLMNOPQRST"
	testNonce = [8]byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}
	testSig   = func() [32]byte {
		var sig [32]byte
		for i := range sig {
			sig[i] = byte(i)
		}
		return sig
	}()
)

func TestAuthFrameLayout(t *testing.T) {
	t.Parallel()
	var f Auth
	require.NoError(t, f.Pack(testKey, testNonce, testSig, "2024-01-02T03:04:05.678Z"))

	b, err := f.Encode()
	require.NoError(t, err)
	require.Len(t, b, 93)
	assert.Equal(t, byte(0x00), b[0], "type tag")
	assert.Equal(t, []byte{0x00, 0x00, 0x00}, b[1:4], "stream id bits")
	assert.Equal(t, byte(0x00), b[4], "version")
	assert.Equal(t, testKey, string(b[8:28]))
	assert.Equal(t, testNonce[:], b[28:36])
	assert.Equal(t, testSig[:], b[36:68])
	assert.Equal(t, byte(0x00), b[68], "date length flag")
	assert.Equal(t, "2024-01-02T03:04:05.678Z", string(b[69:93]))
}

func TestAuthFrameLongDate(t *testing.T) {
	t.Parallel()
	var f Auth
	require.NoError(t, f.Pack(testKey, testNonce, testSig, "2024-01-02T03:04:05.678901Z"))

	b, err := f.Encode()
	require.NoError(t, err)
	require.Len(t, b, 96)
	assert.Equal(t, byte(0x01), b[68], "date length flag")
	assert.Equal(t, "2024-01-02T03:04:05.678901Z", string(b[69:96]))
}

func TestAuthFrameRoundTrip(t *testing.T) {
	t.Parallel()
	for _, date := range []string{"2024-01-02T03:04:05.678Z", "2024-01-02T03:04:05.678901Z"} {
		var f Auth
		require.NoError(t, f.Pack(testKey, testNonce, testSig, date))
		b, err := f.Encode()
		require.NoError(t, err)

		d, err := Decode(b)
		require.NoError(t, err)
		af, ok := d.(*Auth)
		require.True(t, ok)
		assert.Equal(t, byte(0), af.Version)
		assert.Equal(t, testKey, af.AccessKey)
		assert.Equal(t, testNonce, af.Nonce)
		assert.Equal(t, testSig, af.Signature)
		assert.Equal(t, date, af.Date)
	}
}

func TestAuthFrameDateLength(t *testing.T) {
	t.Parallel()
	var f Auth
	require.Error(t, f.Pack(testKey, testNonce, testSig, "2024-01-02T03:04:05Z"))
	require.Error(t, f.Pack(testKey, testNonce, testSig, ""))
}

func TestAuthFrameAccessKeyLength(t *testing.T) {
	t.Parallel()
	var f Auth
	require.Error(t, f.Pack("TOOSHORT", testNonce, testSig, "2024-01-02T03:04:05.678Z"))
	require.Error(t, f.Pack(testKey+"X", testNonce, testSig, "2024-01-02T03:04:05.678Z"))
}

func TestAuthFrameFlagMismatch(t *testing.T) {
	t.Parallel()
	var f Auth
	require.NoError(t, f.Pack(testKey, testNonce, testSig, "2024-01-02T03:04:05.678901Z"))
	b, err := f.Encode()
	require.NoError(t, err)

	b[68] = 0
	_, err = Decode(b)
	require.Error(t, err)
}

func TestAuthFrameBadLength(t *testing.T) {
	t.Parallel()
	_, err := Decode(make([]byte, 90))
	require.Error(t, err)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrorFrameSize, fe.Type())
}
