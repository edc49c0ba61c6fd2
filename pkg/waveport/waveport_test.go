package waveport

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/librescoot/fitterbap-go/pkg/datalink"
	"github.com/librescoot/fitterbap-go/pkg/transport"
)

type nullLL struct{}

func (nullLL) Send(buffer []byte) error { return nil }
func (nullLL) SendAvailable() uint32     { return 4096 }

func newTestTransport(t *testing.T) *transport.Transport {
	t.Helper()
	dl := datalink.New(datalink.Config{TxTimeout: time.Hour}, nullLL{}, nil)
	return transport.New(dl, nil)
}

func TestOnRecvDecodesF32(t *testing.T) {
	tr := newTestTransport(t)
	w, err := New(tr, DefaultPortID, 4, nil)
	require.NoError(t, err)

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], math.Float32bits(3.5))
	w.onRecv(transport.SeqSingle, 2, buf[:], nil)

	select {
	case s := <-w.Samples():
		require.Equal(t, uint8(2), s.Channel)
		require.InDelta(t, 3.5, s.Value, 1e-6)
	default:
		t.Fatal("expected a decoded sample")
	}
}

func TestOnRecvDecodesF64(t *testing.T) {
	tr := newTestTransport(t)
	w, err := New(tr, DefaultPortID, 4, nil)
	require.NoError(t, err)

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(-1.25))
	w.onRecv(transport.SeqSingle, 7, buf[:], nil)

	s := <-w.Samples()
	require.Equal(t, uint8(7), s.Channel)
	require.Equal(t, -1.25, s.Value)
}

func TestOnRecvDropsMalformedPayload(t *testing.T) {
	tr := newTestTransport(t)
	w, err := New(tr, DefaultPortID, 4, nil)
	require.NoError(t, err)

	w.onRecv(transport.SeqSingle, 0, []byte{0x01, 0x02}, nil)

	select {
	case <-w.Samples():
		t.Fatal("expected no sample for a malformed payload")
	default:
	}
}

func TestFullBufferDropsRatherThanBlocks(t *testing.T) {
	tr := newTestTransport(t)
	w, err := New(tr, DefaultPortID, 1, nil)
	require.NoError(t, err)

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(1))
	w.onRecv(transport.SeqSingle, 0, buf[:], nil)
	w.onRecv(transport.SeqSingle, 0, buf[:], nil) // buffer already full, must not block

	require.Len(t, w.Samples(), 1)
}
