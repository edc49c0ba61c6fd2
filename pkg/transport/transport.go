// Package transport implements the 32-port multiplexer of spec.md §4.3,
// sitting directly on top of a DataLink. It owns the 16-bit frame
// metadata layout (start/stop/port_id/port_data) and fans received
// frames out to whichever port registered for port_id, falling back to
// a default handler for unbound ports.
package transport

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/librescoot/fitterbap-go/pkg/datalink"
	"github.com/librescoot/fitterbap-go/pkg/fbperr"
)

const (
	// MaxPorts is the number of addressable ports (port_id is 5 bits, 0..31).
	MaxPorts = 32

	bitStart = 1 << 15
	bitStop  = 1 << 14
	// bit 13 is reserved and always 0.
	portIDShift = 8
	portIDMask  = 0x1F
	portDataMask = 0xFF
)

// Seq is the {start, stop} pair collapsed into the four values spec.md
// §4.3 names.
type Seq int

const (
	SeqSingle Seq = iota // 11: a complete, unsegmented message
	SeqStart             // 10: first frame of a multi-frame message
	SeqMiddle            // 00: a middle frame
	SeqStop              // 01: the last frame
)

func (s Seq) startStop() (start, stop bool) {
	switch s {
	case SeqSingle:
		return true, true
	case SeqStart:
		return true, false
	case SeqStop:
		return false, true
	default:
		return false, false
	}
}

func seqFromBits(start, stop bool) Seq {
	switch {
	case start && stop:
		return SeqSingle
	case start:
		return SeqStart
	case stop:
		return SeqStop
	default:
		return SeqMiddle
	}
}

// EncodeMetadata packs {seq, portID, portData} into the 16-bit DataLink
// metadata field.
func EncodeMetadata(seq Seq, portID uint8, portData uint8) uint16 {
	start, stop := seq.startStop()
	var m uint16
	if start {
		m |= bitStart
	}
	if stop {
		m |= bitStop
	}
	m |= uint16(portID&portIDMask) << portIDShift
	m |= uint16(portData) & portDataMask
	return m
}

// DecodeMetadata is the inverse of EncodeMetadata.
func DecodeMetadata(metadata uint16) (seq Seq, portID uint8, portData uint8) {
	start := metadata&bitStart != 0
	stop := metadata&bitStop != 0
	seq = seqFromBits(start, stop)
	portID = uint8((metadata >> portIDShift) & portIDMask)
	portData = uint8(metadata & portDataMask)
	return
}

// OnEventFn and OnRecvFn are the per-port callbacks a caller of
// PortRegister supplies.
type OnEventFn func(ev datalink.Event, userData interface{})
type OnRecvFn func(seq Seq, portData uint8, msg []byte, userData interface{})

type port struct {
	registered bool
	metaJSON   string
	onEvent    OnEventFn
	onRecv     OnRecvFn
	userData   interface{}
}

// Transport implements spec.md §4.3 over a *datalink.DataLink.
type Transport struct {
	dl  *datalink.DataLink
	log *log.Logger

	mu        sync.Mutex
	ports     [MaxPorts]port
	defaultEv OnEventFn
	defaultRv OnRecvFn
	defUser   interface{}
	lastEvent datalink.Event
	haveEvent bool
}

// New constructs a Transport over dl and registers as its upper layer.
// logger may be nil, matching the teacher's log.Default() fallback.
func New(dl *datalink.DataLink, logger *log.Logger) *Transport {
	if logger == nil {
		logger = log.Default()
	}
	t := &Transport{dl: dl, log: logger}
	dl.RegisterUpperLayer(datalink.UpperLayer{
		OnEvent: t.onEvent,
		OnRecv:  t.onRecv,
	})
	return t
}

// PortRegister binds onEvent/onRecv to portID. metaJSON is an opaque
// metadata blob returned verbatim by MetaGet (spec.md's meta_json
// describing the port for introspection). Registering a port
// immediately delivers the transport's current connection event, if
// one has already fired, so a late-registering port still learns
// whether the link is up.
func (t *Transport) PortRegister(portID uint8, metaJSON string, onEvent OnEventFn, onRecv OnRecvFn, userData interface{}) error {
	if int(portID) >= MaxPorts {
		return fbperr.ErrParameterInvalid
	}
	t.mu.Lock()
	if t.ports[portID].registered {
		t.mu.Unlock()
		return fbperr.ErrAlreadyExists
	}
	t.ports[portID] = port{
		registered: true,
		metaJSON:   metaJSON,
		onEvent:    onEvent,
		onRecv:     onRecv,
		userData:   userData,
	}
	ev, have := t.lastEvent, t.haveEvent
	t.mu.Unlock()

	if have && onEvent != nil {
		onEvent(ev, userData)
	}
	return nil
}

// PortRegisterDefault installs the fallback handler for frames whose
// port_id has no registered port.
func (t *Transport) PortRegisterDefault(onEvent OnEventFn, onRecv OnRecvFn, userData interface{}) {
	t.mu.Lock()
	t.defaultEv = onEvent
	t.defaultRv = onRecv
	t.defUser = userData
	ev, have := t.lastEvent, t.haveEvent
	t.mu.Unlock()

	if have && onEvent != nil {
		onEvent(ev, userData)
	}
}

// Send encodes {seq, portID, portData} into the DataLink metadata field
// and hands msg to the Data Link for transmission.
func (t *Transport) Send(portID uint8, seq Seq, portData uint8, msg []byte) error {
	if int(portID) >= MaxPorts {
		return fbperr.ErrParameterInvalid
	}
	metadata := EncodeMetadata(seq, portID, portData)
	return t.dl.Send(metadata, msg, 0)
}

func (t *Transport) onRecv(metadata uint16, msg []byte) {
	seq, portID, portData := DecodeMetadata(metadata)
	if int(portID) >= MaxPorts {
		t.log.Printf("transport: dropping frame with out-of-range port_id %d", portID)
		return
	}

	t.mu.Lock()
	p := t.ports[portID]
	useDefault := !p.registered
	defRv := t.defaultRv
	defUser := t.defUser
	t.mu.Unlock()

	if useDefault {
		if defRv != nil {
			defRv(seq, portData, msg, defUser)
		}
		return
	}
	if p.onRecv != nil {
		p.onRecv(seq, portData, msg, p.userData)
	}
}

func (t *Transport) onEvent(ev datalink.Event) {
	t.mu.Lock()
	t.lastEvent = ev
	t.haveEvent = true
	handlers := make([]OnEventFn, 0, MaxPorts+1)
	users := make([]interface{}, 0, MaxPorts+1)
	for i := range t.ports {
		if t.ports[i].registered && t.ports[i].onEvent != nil {
			handlers = append(handlers, t.ports[i].onEvent)
			users = append(users, t.ports[i].userData)
		}
	}
	if t.defaultEv != nil {
		handlers = append(handlers, t.defaultEv)
		users = append(users, t.defUser)
	}
	t.mu.Unlock()

	for i, h := range handlers {
		h(ev, users[i])
	}
}

// EventInject re-raises a control event through the normal fan-out path.
// Restricted to the two events Transport is allowed to originate
// (spec.md §4.3); any other value is rejected.
func (t *Transport) EventInject(ev datalink.Event) error {
	switch ev {
	case datalink.EventTransportConnected:
		t.dl.InjectTransportConnected()
	case datalink.EventAppConnected:
		t.dl.InjectAppConnected()
	default:
		return fbperr.ErrParameterInvalid
	}
	return nil
}

// MetaGet returns the JSON metadata registered for portID, or false if
// the port is unregistered.
func (t *Transport) MetaGet(portID uint8) (string, bool) {
	if int(portID) >= MaxPorts {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.ports[portID]
	if !p.registered {
		return "", false
	}
	return p.metaJSON, true
}

// ValidMetaJSON reports whether s parses as a JSON value, the minimum
// bar spec.md's §4.4 metadata contract asks of a stored meta_json blob.
func ValidMetaJSON(s string) bool {
	if s == "" {
		return true
	}
	return json.Valid([]byte(s))
}
