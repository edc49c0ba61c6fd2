package pubsubport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/librescoot/fitterbap-go/pkg/datalink"
	"github.com/librescoot/fitterbap-go/pkg/pubsub"
	"github.com/librescoot/fitterbap-go/pkg/transport"
)

type loopbackLL struct{ peer *datalink.DataLink }

func (l *loopbackLL) Send(buffer []byte) error {
	cp := append([]byte{}, buffer...)
	go l.peer.LLRecv(cp)
	return nil
}
func (l *loopbackLL) SendAvailable() uint32 { return 4096 }

func TestDecideRecoveryRule(t *testing.T) {
	require.True(t, decide(1, 1))  // both sides reset together: client wins arbitrarily
	require.True(t, decide(5, 3))  // client reconnected more times: client is fresher
	require.False(t, decide(2, 5)) // server reconnected more times: server is fresher
}

func TestPublishEncodeDecodeRoundTrip(t *testing.T) {
	buf := encodePublish("a/b/c", []byte("hello"))
	topic, payload, err := decodePublish(buf)
	require.NoError(t, err)
	require.Equal(t, "a/b/c", topic)
	require.Equal(t, []byte("hello"), payload)
}

func TestJSONCBORTranscodeRoundTrip(t *testing.T) {
	in := `{"b":2,"a":[1,2,3]}`
	cborData, err := jsonToCBOR(in)
	require.NoError(t, err)

	back, err := cborToJSON(cborData)
	require.NoError(t, err)

	var want, got interface{}
	require.NoError(t, json.Unmarshal([]byte(in), &want))
	require.NoError(t, json.Unmarshal([]byte(back), &got))
	require.Equal(t, want, got)
}

func TestJSONCBORTranscodeRejectsMalformedJSON(t *testing.T) {
	_, err := jsonToCBOR("{not json")
	require.Error(t, err)
}

func TestConnEncodeDecodeRoundTrip(t *testing.T) {
	buf := encodeConn(connPayload{IsResponse: true, ServerConnCount: 3, ClientConnCount: 7})
	got, err := decodeConn(buf)
	require.NoError(t, err)
	require.True(t, got.IsResponse)
	require.Equal(t, uint64(3), got.ServerConnCount)
	require.Equal(t, uint64(7), got.ClientConnCount)
}

// wirePair builds a downstream (server) and upstream (client)
// PubSubPort bridging two independent PubSub trees over a looped-back
// DataLink pair, exercising the full CONN handshake.
func wirePair(t *testing.T) (serverPort *PubSubPort, serverPS *pubsub.PubSub, clientPort *PubSubPort, clientPS *pubsub.PubSub) {
	t.Helper()

	llServer := &loopbackLL{}
	llClient := &loopbackLL{}
	dlServer := datalink.New(datalink.Config{TxTimeout: time.Hour}, llServer, nil)
	dlClient := datalink.New(datalink.Config{TxTimeout: time.Hour}, llClient, nil)
	llServer.peer = dlClient
	llClient.peer = dlServer

	trServer := transport.New(dlServer, nil)
	trClient := transport.New(dlClient, nil)

	serverPS = pubsub.New(pubsub.Config{})
	clientPS = pubsub.New(pubsub.Config{})

	var err error
	serverPort, err = New(trServer, serverPS, 1, Downstream, nil)
	require.NoError(t, err)
	clientPort, err = New(trClient, clientPS, 1, Upstream, nil)
	require.NoError(t, err)

	// Drive the Connection FSM: Connect() sends RESET asynchronously via
	// loopbackLL, and onReset's single-round-trip convergence (see
	// datalink.go) brings both sides to StateConnected without further
	// action here. Give the two forwarded goroutines a moment to settle.
	dlClient.Connect()
	waitForState(t, dlServer, datalink.StateConnected)
	waitForState(t, dlClient, datalink.StateConnected)
	return
}

func waitForState(t *testing.T, dl *datalink.DataLink, want datalink.State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if dl.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, want, dl.State())
}

func TestHandshakePropagatesRetainedStateFromFreshClient(t *testing.T) {
	serverPort, serverPS, clientPort, clientPS := wirePair(t)

	// Both sides reach connCount 1 on this first connect, so decide(1, 1)
	// picks the client as authoritative: it forwards, the server sinks.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		serverPS.Process()
		clientPS.Process()
		if clientPort.IsSource() && !serverPort.IsSource() {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, clientPort.IsSource())
	require.False(t, serverPort.IsSource())

	received := make(chan string, 1)
	serverPS.Subscribe("device/name", 0, func(topic string, value pubsub.Value, _ interface{}) {
		s, err := value.Str()
		if err == nil {
			received <- s
		}
	}, nil)

	require.NoError(t, clientPS.Publish("device/name", pubsub.NewStr("scooter-1", pubsub.FlagRetain)))
	clientPS.Process()

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		serverPS.Process()
		clientPS.Process()
		select {
		case got := <-received:
			require.Equal(t, "scooter-1", got)
			return
		default:
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("server never received forwarded publish from client")
}

func TestHandshakeForwardsJSONValueViaCBOR(t *testing.T) {
	serverPort, serverPS, clientPort, clientPS := wirePair(t)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		serverPS.Process()
		clientPS.Process()
		if clientPort.IsSource() && !serverPort.IsSource() {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, clientPort.IsSource())

	received := make(chan string, 1)
	serverPS.Subscribe("device/config", 0, func(topic string, value pubsub.Value, _ interface{}) {
		s, err := value.Str()
		if err == nil {
			received <- s
		}
	}, nil)

	require.NoError(t, clientPS.Publish("device/config", pubsub.NewJSON(`{"interval":5,"name":"scooter-1"}`, pubsub.FlagRetain)))
	clientPS.Process()

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		serverPS.Process()
		clientPS.Process()
		select {
		case got := <-received:
			var v map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(got), &v))
			require.Equal(t, "scooter-1", v["name"])
			require.Equal(t, float64(5), v["interval"])
			return
		default:
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("server never received forwarded json publish from client")
}
