package logport

import (
	"bytes"
	"log"
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

func TestOnRecvWritesThroughLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	tr := newTestTransport(t)
	lp, err := New(tr, DefaultPortID, "remote", logger)
	require.NoError(t, err)

	lp.onRecv(transport.SeqSingle, 0, []byte("boot complete"), nil)
	require.Contains(t, buf.String(), "remote: boot complete")
}

func TestOnRecvWithoutPrefix(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	tr := newTestTransport(t)
	lp, err := New(tr, DefaultPortID, "", logger)
	require.NoError(t, err)

	lp.onRecv(transport.SeqSingle, 0, []byte("hello"), nil)
	require.Equal(t, "hello\n", buf.String())
}

func TestPrintfLogsAndSends(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	tr := newTestTransport(t)
	lp, err := New(tr, DefaultPortID, "", logger)
	require.NoError(t, err)

	lp.Printf("value=%d", 42)
	require.Contains(t, buf.String(), "value=42")
}
