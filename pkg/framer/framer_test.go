package framer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConstructParseRoundTrip(t *testing.T) {
	f := New(Config{})

	var gotID, gotMeta uint16
	var gotPayload []byte
	calls := 0
	f.OnData(func(frameID uint16, metadata uint16, payload []byte) {
		calls++
		gotID, gotMeta, gotPayload = frameID, metadata, payload
	})

	msg := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	out := make([]byte, MaxDataFrameSize)
	n, err := f.ConstructData(out, 1, 2, msg)
	require.NoError(t, err)
	require.Equal(t, 20, n)

	frame := append(out[:n:n], eof) // extra trailing 0x55 before next SOF
	f.Recv(frame)

	require.Equal(t, 1, calls)
	require.Equal(t, uint16(1), gotID)
	require.Equal(t, uint16(2), gotMeta)
	require.Equal(t, msg, gotPayload)
}

func TestConstructLinkRoundTrip(t *testing.T) {
	f := New(Config{})

	var gotType FrameType
	var gotID uint16
	calls := 0
	f.OnLink(func(frameType FrameType, frameID uint16) {
		calls++
		gotType, gotID = frameType, frameID
	})

	out := make([]byte, linkFrameLen)
	n, err := f.ConstructLink(out, FrameTypeAckAll, 42)
	require.NoError(t, err)
	require.Equal(t, linkFrameLen, n)

	f.Recv(out[:n])
	require.Equal(t, 1, calls)
	require.Equal(t, FrameTypeAckAll, gotType)
	require.Equal(t, uint16(42), gotID)
}

func TestCRCFailureRecoversOnNextFrame(t *testing.T) {
	f := New(Config{})

	dataCalls := 0
	errCalls := 0
	f.OnData(func(uint16, uint16, []byte) { dataCalls++ })
	f.OnFramingError(func() { errCalls++ })

	msg := []byte("hello")
	out := make([]byte, MaxDataFrameSize)
	n, err := f.ConstructData(out, 5, 9, msg)
	require.NoError(t, err)

	// First feed a good frame (plus its trailing shared EOF byte) so the
	// framer becomes synchronized ...
	f.Recv(out[:n+1])
	require.Equal(t, 1, dataCalls)

	// ... then flip a payload byte and feed a second, now-corrupt frame.
	corrupt := append([]byte{}, out[:n+1]...)
	corrupt[10] ^= 0xFF
	f.Recv(corrupt)
	require.Equal(t, 1, dataCalls, "corrupt frame must not be delivered")
	require.Equal(t, 1, errCalls, "exactly one framing error per resync")
	require.Equal(t, uint64(1), f.ResyncCount())

	// Recovery: a valid frame appended right after must still parse.
	n2, err := f.ConstructData(out, 6, 9, msg)
	require.NoError(t, err)
	f.Recv(out[:n2+1])
	require.Equal(t, 2, dataCalls)
}

func TestSOFRunTolerance(t *testing.T) {
	f := New(Config{})
	calls := 0
	f.OnData(func(uint16, uint16, []byte) { calls++ })

	filler := make([]byte, 64)
	for i := range filler {
		filler[i] = sof1
	}

	out := make([]byte, MaxDataFrameSize)
	n, err := f.ConstructData(out, 0, 0, []byte{0x42})
	require.NoError(t, err)

	f.Recv(append(filler, out[:n+1]...))
	require.Equal(t, 1, calls)
}

func TestTruncatedFrameThenNewSOF(t *testing.T) {
	f := New(Config{})
	calls := 0
	f.OnData(func(uint16, uint16, []byte) { calls++ })

	out := make([]byte, MaxDataFrameSize)
	n, err := f.ConstructData(out, 3, 7, []byte{1, 2, 3})
	require.NoError(t, err)

	truncated := out[:n-5] // cut off before CRC32+EOF fully arrive
	f.Recv(truncated)
	require.Equal(t, 0, calls)

	// A fresh, complete frame following the truncated one must still parse:
	// feed it after the truncated bytes, as the wire would deliver more data.
	n2, err := f.ConstructData(out, 4, 7, []byte{9, 9})
	require.NoError(t, err)
	f.Recv(out[:n2+1])
	require.Equal(t, 1, calls)
}

func TestValidateDataPayloadBounds(t *testing.T) {
	f := New(Config{})
	out := make([]byte, MaxDataFrameSize)

	_, err := f.ConstructData(out, 0, 0, nil)
	require.Error(t, err)

	tooBig := make([]byte, 257)
	_, err = f.ConstructData(out, 0, 0, tooBig)
	require.Error(t, err)

	ok256 := make([]byte, 256)
	n, err := f.ConstructData(out, 0, 0, ok256)
	require.NoError(t, err)
	require.Equal(t, dataHeaderLen+256+dataTrailerLen, n)

	ok1 := make([]byte, 1)
	n, err = f.ConstructData(out, 0, 0, ok1)
	require.NoError(t, err)
	require.Equal(t, dataHeaderLen+1+dataTrailerLen, n)
}

func TestSubtractFrameID(t *testing.T) {
	require.Equal(t, int32(0), SubtractFrameID(5, 5))
	require.Equal(t, int32(1), SubtractFrameID(6, 5))
	require.Equal(t, int32(-1), SubtractFrameID(5, 6))
	require.Equal(t, SubtractFrameID(10, 20), -SubtractFrameID(20, 10))

	// wraps around the 2048 modulus
	require.Equal(t, int32(1), SubtractFrameID(0, FrameIDMax))
	require.Equal(t, int32(-1), SubtractFrameID(FrameIDMax, 0))
}
