package port0

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/librescoot/fitterbap-go/pkg/datalink"
	"github.com/librescoot/fitterbap-go/pkg/fbptime"
	"github.com/librescoot/fitterbap-go/pkg/transport"
)

// loopbackLL forwards every Send'd buffer to peer's LLRecv on its own
// goroutine, so the call never reenters the sender's DataLink mutex
// (a synchronous in-process round trip would self-deadlock, since the
// sender's Send holds its DataLink.mu for the whole send-then-pump path).
type loopbackLL struct {
	peer *datalink.DataLink
}

func (l *loopbackLL) Send(buffer []byte) error {
	cp := append([]byte{}, buffer...)
	go l.peer.LLRecv(cp)
	return nil
}

func (l *loopbackLL) SendAvailable() uint32 { return 4096 }

// wirePair builds two DataLink+Transport+Port0 stacks whose LLs forward
// to each other, standing in for a real UART loop in these tests.
func wirePair(t *testing.T) (*Port0, *Port0) {
	t.Helper()

	llA := &loopbackLL{}
	llB := &loopbackLL{}

	dlA := datalink.New(datalink.Config{TxTimeout: time.Hour}, llA, nil)
	dlB := datalink.New(datalink.Config{TxTimeout: time.Hour}, llB, nil)
	llA.peer = dlB
	llB.peer = dlA

	trA := transport.New(dlA, nil)
	trB := transport.New(dlB, nil)

	clock := fbptime.SystemCounter{}

	p0A, err := New(trA, dlA, clock, nil)
	require.NoError(t, err)
	p0B, err := New(trB, dlB, clock, nil)
	require.NoError(t, err)

	return p0A, p0B
}

func TestEchoRoundTrip(t *testing.T) {
	a, _ := wirePair(t)
	resp, err := a.Echo([]byte("ping"), 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), resp)
}

func TestStatusRoundTrip(t *testing.T) {
	a, _ := wirePair(t)
	st, err := a.Status(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, datalink.StateDisconnected, st.State)
}

func TestNegotiateAdoptsMinWindow(t *testing.T) {
	a, _ := wirePair(t)
	err := a.Negotiate(2 * time.Second)
	require.NoError(t, err)
	// Both sides use the default window sizes, so min(peer_rx, local_max) is 8.
	require.Equal(t, 8, a.dl.TxWindow())
}

func TestMetaQueryUnboundPort(t *testing.T) {
	a, _ := wirePair(t)
	metaStr, ok, err := a.MetaQuery(17, 2*time.Second)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "", metaStr)
}
