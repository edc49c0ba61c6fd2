package datalink

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/librescoot/fitterbap-go/pkg/fbperr"
	"github.com/librescoot/fitterbap-go/pkg/framer"
)

// fakeLL records every buffer handed to Send, for inspection, and
// reports an effectively unlimited SendAvailable.
type fakeLL struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeLL) Send(buffer []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte{}, buffer...)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeLL) SendAvailable() uint32 { return 4096 }

func (f *fakeLL) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func newTestDataLink(t *testing.T, rxWindow int) (*DataLink, *fakeLL) {
	t.Helper()
	ll := &fakeLL{}
	dl := New(Config{
		TxRingSize:   16,
		TxWindowMax:  8,
		RxWindowSize: rxWindow,
		TxTimeout:    time.Hour,
	}, ll, nil)
	return dl, ll
}

// encodeData builds the raw wire bytes for a DATA frame with the given
// id/metadata/payload using a fresh, independent Framer — standing in
// for "the peer" in these single-sided DataLink tests.
func encodeData(t *testing.T, id uint16, metadata uint16, payload []byte) []byte {
	t.Helper()
	f := framer.New(framer.Config{})
	out := make([]byte, framer.MaxDataFrameSize)
	n, err := f.ConstructData(out, id, metadata, payload)
	require.NoError(t, err)
	// n+1: include the trailing shared EOF byte ConstructData writes but
	// does not count, since this buffer is fed whole into LLRecv below.
	return out[:n+1]
}

func decodeLink(t *testing.T, buf []byte) (framer.FrameType, uint16) {
	t.Helper()
	f := framer.New(framer.Config{})
	var gotType framer.FrameType
	var gotID uint16
	f.OnLink(func(frameType framer.FrameType, frameID uint16) {
		gotType, gotID = frameType, frameID
	})
	f.Recv(buf)
	return gotType, gotID
}

func TestSRARQReorder(t *testing.T) {
	dl, ll := newTestDataLink(t, 4)

	var delivered []uint16
	dl.RegisterUpperLayer(UpperLayer{
		OnRecv: func(metadata uint16, msg []byte) {
			delivered = append(delivered, metadata)
		},
	})

	order := []uint16{0, 2, 3, 1}
	for _, id := range order {
		dl.LLRecv(encodeData(t, id, id, []byte{byte(id)}))
	}

	require.Equal(t, []uint16{0, 1, 2, 3}, delivered)

	frameType, ackID := decodeLink(t, ll.last())
	require.Equal(t, framer.FrameTypeAckAll, frameType)
	require.Equal(t, uint16(3), ackID)
}

func TestSendFullReturnsImmediatelyWithoutTimeout(t *testing.T) {
	// Window defaults to 1 and nothing drains it (no peer acking), so the
	// second concurrent send should find the ring slot still occupied only
	// once tx_frame_next wraps back onto a QUEUED/SENT slot; to force FULL
	// deterministically here we shrink the ring to size 1 purely for this
	// scenario by sending and then trying again before any ack.
	tiny := &fakeLL{}
	dl2 := New(Config{TxRingSize: 1, TxWindowMax: 1, RxWindowSize: 4, TxTimeout: time.Hour}, tiny, nil)

	require.NoError(t, dl2.Send(0, []byte{1}, 0))
	err := dl2.Send(0, []byte{2}, 0)
	require.ErrorIs(t, err, fbperr.ErrFull)
}

func TestAckAllFreesRingSlot(t *testing.T) {
	ll := &fakeLL{}
	dl := New(Config{TxRingSize: 1, TxWindowMax: 1, RxWindowSize: 4, TxTimeout: time.Hour}, ll, nil)

	require.NoError(t, dl.Send(0, []byte{1}, 0))
	require.Len(t, ll.sent, 1)

	dl.handleLinkFrame(framer.FrameTypeAckAll, 0)

	require.NoError(t, dl.Send(0, []byte{2}, 0))
	require.Len(t, ll.sent, 2)
}

func TestTxWindowSetNegotiation(t *testing.T) {
	dl, _ := newTestDataLink(t, 4)
	require.Equal(t, 1, dl.TxWindow())

	require.NoError(t, dl.TxWindowSet(8))
	require.Equal(t, 8, dl.TxWindow())

	// Cannot decrease before a reset.
	require.Error(t, dl.TxWindowSet(4))
	require.Equal(t, 8, dl.TxWindow())

	// Cannot exceed the configured max.
	require.Error(t, dl.TxWindowSet(100))
}

func TestResetClearsWindowAndCounters(t *testing.T) {
	dl, _ := newTestDataLink(t, 4)
	require.NoError(t, dl.TxWindowSet(8))
	dl.Connect()
	require.Equal(t, 1, dl.TxWindow())
	require.Equal(t, StateConnectingWaitReset, dl.State())
}
