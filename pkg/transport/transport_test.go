package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/librescoot/fitterbap-go/pkg/datalink"
)

type nullLL struct{}

func (nullLL) Send(buffer []byte) error { return nil }
func (nullLL) SendAvailable() uint32     { return 4096 }

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	dl := datalink.New(datalink.Config{TxTimeout: time.Hour}, nullLL{}, nil)
	return New(dl, nil)
}

func TestMetadataRoundTrip(t *testing.T) {
	cases := []struct {
		seq      Seq
		portID   uint8
		portData uint8
	}{
		{SeqSingle, 0, 0},
		{SeqStart, 31, 0xFF},
		{SeqMiddle, 15, 0x42},
		{SeqStop, 1, 0x00},
	}
	for _, c := range cases {
		m := EncodeMetadata(c.seq, c.portID, c.portData)
		gotSeq, gotPort, gotData := DecodeMetadata(m)
		require.Equal(t, c.seq, gotSeq)
		require.Equal(t, c.portID, gotPort)
		require.Equal(t, c.portData, gotData)
	}
}

func TestPortRegisterRejectsOutOfRange(t *testing.T) {
	tr := newTestTransport(t)
	err := tr.PortRegister(32, "", nil, nil, nil)
	require.Error(t, err)
}

func TestPortRegisterDuplicateRejected(t *testing.T) {
	tr := newTestTransport(t)
	require.NoError(t, tr.PortRegister(3, "", nil, nil, nil))
	require.Error(t, tr.PortRegister(3, "", nil, nil, nil))
}

func TestDispatchToRegisteredPort(t *testing.T) {
	tr := newTestTransport(t)

	var gotSeq Seq
	var gotData uint8
	var gotMsg []byte
	require.NoError(t, tr.PortRegister(5, `{"dtype":"str"}`, nil, func(seq Seq, portData uint8, msg []byte, userData interface{}) {
		gotSeq, gotData, gotMsg = seq, portData, msg
	}, nil))

	metadata := EncodeMetadata(SeqSingle, 5, 0x7A)
	tr.onRecv(metadata, []byte("hello"))

	require.Equal(t, SeqSingle, gotSeq)
	require.Equal(t, uint8(0x7A), gotData)
	require.Equal(t, []byte("hello"), gotMsg)
}

func TestDispatchFallsBackToDefault(t *testing.T) {
	tr := newTestTransport(t)

	called := false
	tr.PortRegisterDefault(nil, func(seq Seq, portData uint8, msg []byte, userData interface{}) {
		called = true
	}, nil)

	metadata := EncodeMetadata(SeqSingle, 9, 0)
	tr.onRecv(metadata, []byte("x"))
	require.True(t, called)
}

func TestEventFanOutToAllRegisteredPorts(t *testing.T) {
	tr := newTestTransport(t)

	var seen []datalink.Event
	require.NoError(t, tr.PortRegister(0, "", func(ev datalink.Event, userData interface{}) {
		seen = append(seen, ev)
	}, nil, nil))
	require.NoError(t, tr.PortRegister(1, "", func(ev datalink.Event, userData interface{}) {
		seen = append(seen, ev)
	}, nil, nil))

	tr.onEvent(datalink.EventConnected)
	require.Equal(t, []datalink.Event{datalink.EventConnected, datalink.EventConnected}, seen)
}

func TestLateRegistrationReplaysLastEvent(t *testing.T) {
	tr := newTestTransport(t)
	tr.onEvent(datalink.EventConnected)

	var got datalink.Event
	var gotCalled bool
	require.NoError(t, tr.PortRegister(2, "", func(ev datalink.Event, userData interface{}) {
		got, gotCalled = ev, true
	}, nil, nil))

	require.True(t, gotCalled)
	require.Equal(t, datalink.EventConnected, got)
}

func TestEventInjectRejectsArbitraryEvents(t *testing.T) {
	tr := newTestTransport(t)
	require.Error(t, tr.EventInject(datalink.EventDisconnected))
	require.NoError(t, tr.EventInject(datalink.EventTransportConnected))
}

func TestMetaGet(t *testing.T) {
	tr := newTestTransport(t)
	require.NoError(t, tr.PortRegister(7, `{"dtype":"u32"}`, nil, nil, nil))

	got, ok := tr.MetaGet(7)
	require.True(t, ok)
	require.Equal(t, `{"dtype":"u32"}`, got)

	_, ok = tr.MetaGet(8)
	require.False(t, ok)
}
