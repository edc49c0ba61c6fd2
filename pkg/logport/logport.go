// Package logport implements the log-message external collaborator of
// spec.md §1/§6: a transport port that receives free-form log lines
// from the remote side and writes them through a local *log.Logger. It
// plays the same role the teacher's usock payload handler plays when it
// pipes nRF52 diagnostic strings into log.Printf, generalized to run
// over a Transport port instead of directly over the wire.
package logport

import (
	"fmt"
	"log"
	"sync"

	"github.com/librescoot/fitterbap-go/pkg/datalink"
	"github.com/librescoot/fitterbap-go/pkg/transport"
)

// DefaultPortID is the conventional port_id for the log port, leaving
// ports 0 (RPC) and the lower numbers free for protocol use.
const DefaultPortID uint8 = 31

// LogPort receives remote log lines on one Transport port and emits
// them through log. Sending a local line to the peer is symmetric:
// Printf both logs locally and forwards the line across the link, the
// same "mirror everything" behavior the teacher's bridge gives Redis.
type LogPort struct {
	portID uint8
	tr     *transport.Transport
	log    *log.Logger

	mu     sync.Mutex
	prefix string
}

// New registers a LogPort on portID. logger may be nil, in which case
// log.Default() is used.
func New(tr *transport.Transport, portID uint8, prefix string, logger *log.Logger) (*LogPort, error) {
	if logger == nil {
		logger = log.Default()
	}
	l := &LogPort{portID: portID, tr: tr, log: logger, prefix: prefix}
	if err := tr.PortRegister(portID, `{"dtype":"str","brief":"remote log line"}`, l.onEvent, l.onRecv, nil); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *LogPort) onEvent(_ datalink.Event, _ interface{}) {}

func (l *LogPort) onRecv(_ transport.Seq, _ uint8, msg []byte, _ interface{}) {
	l.mu.Lock()
	prefix := l.prefix
	l.mu.Unlock()

	if prefix == "" {
		l.log.Printf("%s", msg)
		return
	}
	l.log.Printf("%s: %s", prefix, msg)
}

// Printf formats and sends a line to the peer, also logging it locally
// so the daemon's own log carries everything it ever sent remotely.
func (l *LogPort) Printf(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	l.log.Printf("%s", line)
	if err := l.tr.Send(l.portID, transport.SeqSingle, 0, []byte(line)); err != nil {
		l.log.Printf("logport: send failed: %v", err)
	}
}
