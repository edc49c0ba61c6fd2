// Package waveport implements the waveform-sink external collaborator
// of spec.md §1/§6: a transport port that receives tagged numeric
// sample streams from the remote side and fans them out over a Go
// channel for a host plotting tool to consume. It is the minimal
// placeholder the spec calls for, not a full scope/oscilloscope
// protocol.
package waveport

import (
	"encoding/binary"
	"log"
	"math"
	"sync"

	"github.com/librescoot/fitterbap-go/pkg/datalink"
	"github.com/librescoot/fitterbap-go/pkg/transport"
)

// DefaultPortID is the conventional port_id for the waveform sink.
const DefaultPortID uint8 = 30

// Sample is one tagged measurement: channel identifies which waveform
// (port_data carries it on the wire), value is the float64-widened
// sample.
type Sample struct {
	Channel uint8
	Value   float64
}

// WavePort receives float32/float64 samples tagged by channel and
// publishes them on Samples() for a consumer goroutine to drain.
// Samples() is unbuffered-adjacent (a small fixed buffer): a slow
// consumer drops samples rather than blocking the Transport's receive
// path, the same trade-off the teacher's usock.handler goroutine
// dispatch makes implicitly by firing `go u.handler(...)` per frame.
type WavePort struct {
	portID uint8
	tr     *transport.Transport
	log    *log.Logger

	mu      sync.Mutex
	samples chan Sample
}

// New registers a WavePort on portID with the given channel buffer
// depth. logger may be nil.
func New(tr *transport.Transport, portID uint8, bufferDepth int, logger *log.Logger) (*WavePort, error) {
	if logger == nil {
		logger = log.Default()
	}
	if bufferDepth <= 0 {
		bufferDepth = 256
	}
	w := &WavePort{
		portID:  portID,
		tr:      tr,
		log:     logger,
		samples: make(chan Sample, bufferDepth),
	}
	if err := tr.PortRegister(portID, `{"dtype":"f64","brief":"waveform sample stream"}`, w.onEvent, w.onRecv, nil); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WavePort) onEvent(_ datalink.Event, _ interface{}) {}

// onRecv decodes portData as the channel number and msg as either a
// 4-byte float32 or an 8-byte float64 sample, little-endian.
func (w *WavePort) onRecv(_ transport.Seq, portData uint8, msg []byte, _ interface{}) {
	var value float64
	switch len(msg) {
	case 4:
		value = float64(math.Float32frombits(binary.LittleEndian.Uint32(msg)))
	case 8:
		value = math.Float64frombits(binary.LittleEndian.Uint64(msg))
	default:
		w.log.Printf("waveport: dropping sample with unexpected payload length %d", len(msg))
		return
	}

	select {
	case w.samples <- Sample{Channel: portData, Value: value}:
	default:
		w.log.Printf("waveport: sample buffer full, dropping sample on channel %d", portData)
	}
}

// Samples returns the channel a plotting consumer should range over.
func (w *WavePort) Samples() <-chan Sample {
	return w.samples
}

// SendF32 forwards a float32 sample on channel to the peer.
func (w *WavePort) SendF32(channel uint8, value float32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], math.Float32bits(value))
	return w.tr.Send(w.portID, transport.SeqSingle, channel, buf[:])
}

// SendF64 forwards a float64 sample on channel to the peer.
func (w *WavePort) SendF64(channel uint8, value float64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(value))
	return w.tr.Send(w.portID, transport.SeqSingle, channel, buf[:])
}
