// Package pubsubport implements spec.md §4.5: bridging two PubSub
// instances across one Transport port, with the distributed-state
// recovery rule that decides which side's retained state wins after a
// link reset. It plays the same "external system on the other end of a
// single channel" role the teacher's pkg/redis client plays for Redis,
// but the remote peer here is another PubSub instance instead of a
// Redis server.
package pubsubport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/librescoot/fitterbap-go/pkg/datalink"
	"github.com/librescoot/fitterbap-go/pkg/fbperr"
	"github.com/librescoot/fitterbap-go/pkg/pubsub"
	"github.com/librescoot/fitterbap-go/pkg/transport"
)

// jsonToCBOR transcodes a JSON document into CBOR for the wire: CBOR
// packs the same structured data into fewer bytes, the same trade the
// teacher made encoding its NRF52 command payloads.
func jsonToCBOR(s string) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("decoding json value: %w", err)
	}
	out, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding cbor value: %w", err)
	}
	return out, nil
}

// cborToJSON reverses jsonToCBOR on receipt, handing subscribers back
// the plain JSON string pubsub.Value.Str expects for KindJSON.
func cborToJSON(b []byte) (string, error) {
	var v interface{}
	if err := cbor.Unmarshal(b, &v); err != nil {
		return "", fmt.Errorf("decoding cbor value: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding json value: %w", err)
	}
	return string(out), nil
}

// Mode selects which side of the handshake a PubSubPort plays.
type Mode int

const (
	// Upstream is the client: it responds to the server's CONN request.
	Upstream Mode = iota
	// Downstream is the server: it initiates the CONN handshake.
	Downstream
)

// subtype is the port_data[2:0] value identifying the message kind;
// port_data[7:3] is reinterpreted per-subtype (PUBLISH alone uses it,
// for the value Kind + RETAIN flag — there is no spare byte elsewhere
// in the frame to carry that, so PUBLISH's own port_data is locally
// repurposed rather than left at the 5-subtype ceiling bits[2:0] imply).
type subtype uint8

const (
	subConn         subtype = 0
	subTopicList    subtype = 1
	subTopicAdd     subtype = 2
	subTopicRemove  subtype = 3
	subPublish      subtype = 4
	subtypeMask             = 0x07
	publishKindShift        = 3
	publishRetainBit        = 0x80
)

func encodePortData(st subtype) uint8 { return uint8(st) & subtypeMask }

func encodePublishPortData(kind pubsub.Kind, retained bool) uint8 {
	b := uint8(subPublish) & subtypeMask
	b |= uint8(kind) << publishKindShift
	if retained {
		b |= publishRetainBit
	}
	return b
}

func decodeSubtype(portData uint8) subtype { return subtype(portData & subtypeMask) }

func decodePublishPortData(portData uint8) (kind pubsub.Kind, retained bool) {
	kind = pubsub.Kind(portData >> publishKindShift & 0x0F)
	retained = portData&publishRetainBit != 0
	return
}

type connPayload struct {
	IsResponse      bool
	ServerConnCount uint64
	ClientConnCount uint64
}

func encodeConn(p connPayload) []byte {
	buf := make([]byte, 24)
	if p.IsResponse {
		binary.LittleEndian.PutUint64(buf[0:8], 1)
	}
	binary.LittleEndian.PutUint64(buf[8:16], p.ServerConnCount)
	binary.LittleEndian.PutUint64(buf[16:24], p.ClientConnCount)
	return buf
}

func decodeConn(buf []byte) (connPayload, error) {
	if len(buf) < 24 {
		return connPayload{}, fmt.Errorf("pubsubport: short CONN payload: %w", fbperr.ErrSyntaxError)
	}
	return connPayload{
		IsResponse:      binary.LittleEndian.Uint64(buf[0:8]) != 0,
		ServerConnCount: binary.LittleEndian.Uint64(buf[8:16]),
		ClientConnCount: binary.LittleEndian.Uint64(buf[16:24]),
	}, nil
}

func encodePublish(topic string, payload []byte) []byte {
	out := make([]byte, 0, 1+len(topic)+1+2+len(payload))
	out = append(out, byte(len(topic)))
	out = append(out, topic...)
	out = append(out, 0)
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	out = append(out, lenBuf[:]...)
	out = append(out, payload...)
	return out
}

func decodePublish(buf []byte) (topic string, payload []byte, err error) {
	if len(buf) < 1 {
		return "", nil, fmt.Errorf("pubsubport: empty PUBLISH payload: %w", fbperr.ErrSyntaxError)
	}
	topicLen := int(buf[0])
	if len(buf) < 1+topicLen+1+2 {
		return "", nil, fmt.Errorf("pubsubport: truncated PUBLISH payload: %w", fbperr.ErrSyntaxError)
	}
	topic = string(buf[1 : 1+topicLen])
	rest := buf[1+topicLen+1:]
	payloadLen := int(binary.LittleEndian.Uint16(rest[0:2]))
	if len(rest) < 2+payloadLen {
		return "", nil, fmt.Errorf("pubsubport: PUBLISH payload_len overruns frame: %w", fbperr.ErrSyntaxError)
	}
	payload = rest[2 : 2+payloadLen]
	return topic, payload, nil
}

// decide implements spec.md §4.5's recovery rule: true means the
// client's retained state is authoritative and should propagate to the
// server; false means the server's state propagates to the client.
func decide(clientConnCount, serverConnCount uint64) bool {
	if clientConnCount == 1 && serverConnCount == 1 {
		return true
	}
	return clientConnCount > serverConnCount
}

// PubSubPort bridges a local *pubsub.PubSub to its counterpart across
// one Transport port (spec.md §4.5).
type PubSubPort struct {
	mode   Mode
	portID uint8
	tr     *transport.Transport
	ps     *pubsub.PubSub
	log    *log.Logger

	mu          sync.Mutex
	connCount   uint64
	peerCount   uint64
	source      bool // true once this side is confirmed authoritative and forwarding
	forwardSub  pubsub.SubscriptionID
	haveForward bool
	interested  map[string]bool // topics the peer has told us it wants (TOPIC_ADD/LIST), empty == all
}

// New registers a PubSubPort on portID, bridging ps across tr.
func New(tr *transport.Transport, ps *pubsub.PubSub, portID uint8, mode Mode, logger *log.Logger) (*PubSubPort, error) {
	if logger == nil {
		logger = log.Default()
	}
	p := &PubSubPort{
		mode:       mode,
		portID:     portID,
		tr:         tr,
		ps:         ps,
		log:        logger,
		interested: make(map[string]bool),
	}
	if err := tr.PortRegister(portID, "", p.onEvent, p.onRecv, nil); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PubSubPort) onEvent(ev datalink.Event, userData interface{}) {
	switch ev {
	case datalink.EventConnected:
		p.handleConnected()
	case datalink.EventDisconnected:
		p.handleDisconnected()
	}
}

func (p *PubSubPort) handleConnected() {
	p.mu.Lock()
	p.connCount++
	mine := p.connCount
	p.mu.Unlock()

	_ = p.ps.Publish("./conn/add", pubsub.NewStr(fmt.Sprintf("port%d", p.portID), 0))

	if p.mode == Downstream {
		p.send(subConn, encodeConn(connPayload{IsResponse: false, ServerConnCount: mine}))
	}
}

func (p *PubSubPort) handleDisconnected() {
	p.mu.Lock()
	if p.haveForward {
		p.haveForward = false
	}
	p.source = false
	p.mu.Unlock()

	p.ps.UnsubscribeFromAll()
	_ = p.ps.Publish("./conn/remove", pubsub.NewStr(fmt.Sprintf("port%d", p.portID), 0))
}

func (p *PubSubPort) send(st subtype, payload []byte) {
	if err := p.tr.Send(p.portID, transport.SeqSingle, encodePortData(st), payload); err != nil {
		p.log.Printf("pubsubport: send subtype %d failed: %v", st, err)
	}
}

func (p *PubSubPort) onRecv(seq transport.Seq, portData uint8, msg []byte, userData interface{}) {
	switch decodeSubtype(portData) {
	case subConn:
		p.handleConn(msg)
	case subTopicList:
		p.handleTopicList(msg)
	case subTopicAdd:
		p.handleTopicAdd(string(msg))
	case subTopicRemove:
		p.handleTopicRemove(string(msg))
	case subPublish:
		p.handlePublish(portData, msg)
	default:
		p.log.Printf("pubsubport: unknown subtype in port_data 0x%02x", portData)
	}
}

func (p *PubSubPort) handleConn(msg []byte) {
	conn, err := decodeConn(msg)
	if err != nil {
		p.log.Printf("pubsubport: %v", err)
		return
	}

	if !conn.IsResponse {
		// We are the client: a CONN request just arrived carrying the
		// server's count.
		p.mu.Lock()
		mine := p.connCount
		p.peerCount = conn.ServerConnCount
		wins := decide(mine, conn.ServerConnCount)
		p.mu.Unlock()

		p.send(subConn, encodeConn(connPayload{IsResponse: true, ServerConnCount: conn.ServerConnCount, ClientConnCount: mine}))
		p.applyRecoveryDecision(wins)
		return
	}

	// We are the server: this is the client's CONN response.
	p.mu.Lock()
	p.peerCount = conn.ClientConnCount
	wins := !decide(conn.ClientConnCount, conn.ServerConnCount)
	p.mu.Unlock()
	p.applyRecoveryDecision(wins)
}

// applyRecoveryDecision starts forwarding our retained state to the
// peer if wins is true; otherwise we are the sink and simply wait for
// incoming PUBLISH messages.
func (p *PubSubPort) applyRecoveryDecision(wins bool) {
	p.mu.Lock()
	if p.haveForward {
		_ = p.ps.Unsubscribe(p.forwardSub)
		p.haveForward = false
	}
	p.source = wins
	p.mu.Unlock()

	if !wins {
		return
	}

	// userData is this *PubSubPort itself, used as the origin token so
	// PublishFrom (in handlePublish) can suppress echoing a
	// peer-applied update straight back out to that same peer.
	id := p.ps.Subscribe("", pubsub.SubRetain, p.forwardLocalUpdate, p)
	p.mu.Lock()
	p.forwardSub = id
	p.haveForward = true
	p.mu.Unlock()
}

// forwardLocalUpdate is the subscriber callback that turns a local
// publication into an outgoing PUBLISH, scoped to whatever topics the
// peer has declared interest in via TOPIC_LIST/TOPIC_ADD (an empty
// interest set means "forward everything").
func (p *PubSubPort) forwardLocalUpdate(topic string, value pubsub.Value, userData interface{}) {
	p.mu.Lock()
	if len(p.interested) > 0 && !p.interested[topic] {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	var raw []byte
	var retained bool
	switch value.Kind {
	case pubsub.KindStr:
		s, _ := value.Str()
		raw = []byte(s)
	case pubsub.KindJSON:
		s, _ := value.Str()
		cborData, err := jsonToCBOR(s)
		if err != nil {
			p.log.Printf("pubsubport: encoding %q as cbor: %v", topic, err)
			return
		}
		raw = cborData
	case pubsub.KindBin:
		raw, _ = value.Bin()
	default:
		u, _ := value.U64()
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], u)
		raw = buf[:]
	}
	retained = value.Flags&pubsub.FlagRetain != 0

	payload := encodePublish(topic, raw)
	if err := p.tr.Send(p.portID, transport.SeqSingle, encodePublishPortData(value.Kind, retained), payload); err != nil {
		p.log.Printf("pubsubport: forward publish of %q failed: %v", topic, err)
	}
}

func (p *PubSubPort) handlePublish(portData uint8, msg []byte) {
	kind, retained := decodePublishPortData(portData)
	topic, payload, err := decodePublish(msg)
	if err != nil {
		p.log.Printf("pubsubport: %v", err)
		return
	}

	var flags pubsub.Flags
	if retained {
		flags |= pubsub.FlagRetain
	}

	var value pubsub.Value
	switch kind {
	case pubsub.KindStr:
		value = pubsub.NewStr(string(payload), flags)
	case pubsub.KindJSON:
		s, err := cborToJSON(payload)
		if err != nil {
			p.log.Printf("pubsubport: %v", err)
			return
		}
		value = pubsub.NewJSON(s, flags)
	case pubsub.KindBin:
		value = pubsub.NewBin(payload, flags)
	default:
		var u uint64
		if len(payload) >= 8 {
			u = binary.LittleEndian.Uint64(payload)
		}
		value = pubsub.NewU64(u, flags)
	}

	if err := p.ps.PublishFrom(topic, value, p); err != nil {
		p.log.Printf("pubsubport: applying forwarded publish to %q: %v", topic, err)
	}
}

// Subscribe registers the caller's interest in topic, both locally
// (forwarding incoming updates to cb) and to the peer (via TOPIC_ADD),
// so an upstream forwarding source can scope what it sends.
func (p *PubSubPort) Subscribe(topic string, cb pubsub.Callback, userData interface{}) pubsub.SubscriptionID {
	p.mu.Lock()
	p.interested[topic] = true
	p.mu.Unlock()

	p.send(subTopicAdd, []byte(topic))
	return p.ps.Subscribe(topic, pubsub.SubRetain, cb, userData)
}

// TopicList sends the full current interest set to the peer, typically
// called once right after the CONN handshake completes.
func (p *PubSubPort) TopicList() {
	p.mu.Lock()
	topics := make([]string, 0, len(p.interested))
	for t := range p.interested {
		topics = append(topics, t)
	}
	p.mu.Unlock()

	p.send(subTopicList, []byte(strings.Join(topics, "\x1F")))
}

func (p *PubSubPort) handleTopicList(msg []byte) {
	topics := strings.Split(string(msg), "\x1F")
	p.mu.Lock()
	p.interested = make(map[string]bool, len(topics))
	for _, t := range topics {
		if t != "" {
			p.interested[t] = true
		}
	}
	p.mu.Unlock()
}

func (p *PubSubPort) handleTopicAdd(topic string) {
	p.mu.Lock()
	p.interested[topic] = true
	p.mu.Unlock()
}

func (p *PubSubPort) handleTopicRemove(topic string) {
	p.mu.Lock()
	delete(p.interested, topic)
	p.mu.Unlock()
}

// IsSource reports whether this side's retained state is currently the
// authoritative one being forwarded to the peer.
func (p *PubSubPort) IsSource() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.source
}
