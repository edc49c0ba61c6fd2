// Package port0 implements the always-present server/client RPC channel
// of spec.md §6 "Port 0 operations": link status, echo, clock-offset
// time sync, port metadata lookup, and TX-window negotiation. It is the
// Go analogue of the teacher's nrf_commands.go request/response
// dispatch, adapted from BLE command codes to Transport port_data ops.
package port0

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/librescoot/fitterbap-go/pkg/datalink"
	"github.com/librescoot/fitterbap-go/pkg/fbperr"
	"github.com/librescoot/fitterbap-go/pkg/fbptime"
	"github.com/librescoot/fitterbap-go/pkg/transport"
)

// PortID is the well-known port number Port0 registers on.
const PortID = 0

// OpCode is the low 3 bits of port0's port_data byte.
type OpCode uint8

const (
	OpStatus    OpCode = 1
	OpEcho      OpCode = 2
	OpTimesync  OpCode = 3
	OpMeta      OpCode = 4
	OpNegotiate OpCode = 5
	OpRaw       OpCode = 6
)

const responseBit = 0x80

func encodePortData(op OpCode, isResponse bool) uint8 {
	b := uint8(op) & 0x07
	if isResponse {
		b |= responseBit
	}
	return b
}

func decodePortData(pd uint8) (op OpCode, isResponse bool) {
	return OpCode(pd & 0x07), pd&responseBit != 0
}

// Status mirrors datalink.Status on the wire: four little-endian u64
// counters followed by a one-byte FSM state.
type Status struct {
	TotalBytes      uint64
	IgnoredBytes    uint64
	Resync          uint64
	Retransmissions uint64
	State           datalink.State
}

func encodeStatus(s Status) []byte {
	buf := make([]byte, 33)
	binary.LittleEndian.PutUint64(buf[0:8], s.TotalBytes)
	binary.LittleEndian.PutUint64(buf[8:16], s.IgnoredBytes)
	binary.LittleEndian.PutUint64(buf[16:24], s.Resync)
	binary.LittleEndian.PutUint64(buf[24:32], s.Retransmissions)
	buf[32] = byte(s.State)
	return buf
}

func decodeStatus(buf []byte) (Status, error) {
	if len(buf) < 33 {
		return Status{}, fmt.Errorf("port0: short status payload (%d bytes): %w", len(buf), fbperr.ErrSyntaxError)
	}
	return Status{
		TotalBytes:      binary.LittleEndian.Uint64(buf[0:8]),
		IgnoredBytes:    binary.LittleEndian.Uint64(buf[8:16]),
		Resync:          binary.LittleEndian.Uint64(buf[16:24]),
		Retransmissions: binary.LittleEndian.Uint64(buf[24:32]),
		State:           datalink.State(buf[32]),
	}, nil
}

// TimeSync is the five-u64 payload of the TIMESYNC op.
type TimeSync struct {
	Reserved0 uint64
	SrcTx     uint64
	TgtRx     uint64
	TgtTx     uint64
	Reserved1 uint64
}

func encodeTimeSync(ts TimeSync) []byte {
	buf := make([]byte, 40)
	binary.LittleEndian.PutUint64(buf[0:8], ts.Reserved0)
	binary.LittleEndian.PutUint64(buf[8:16], ts.SrcTx)
	binary.LittleEndian.PutUint64(buf[16:24], ts.TgtRx)
	binary.LittleEndian.PutUint64(buf[24:32], ts.TgtTx)
	binary.LittleEndian.PutUint64(buf[32:40], ts.Reserved1)
	return buf
}

func decodeTimeSync(buf []byte) (TimeSync, error) {
	if len(buf) < 40 {
		return TimeSync{}, fmt.Errorf("port0: short timesync payload (%d bytes): %w", len(buf), fbperr.ErrSyntaxError)
	}
	return TimeSync{
		Reserved0: binary.LittleEndian.Uint64(buf[0:8]),
		SrcTx:     binary.LittleEndian.Uint64(buf[8:16]),
		TgtRx:     binary.LittleEndian.Uint64(buf[16:24]),
		TgtTx:     binary.LittleEndian.Uint64(buf[24:32]),
		Reserved1: binary.LittleEndian.Uint64(buf[32:40]),
	}, nil
}

type negotiatePayload struct {
	Version   uint32
	RxWindow  uint32
}

func encodeNegotiate(p negotiatePayload) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], p.Version)
	binary.LittleEndian.PutUint32(buf[4:8], p.RxWindow)
	return buf
}

func decodeNegotiate(buf []byte) (negotiatePayload, error) {
	if len(buf) < 8 {
		return negotiatePayload{}, fmt.Errorf("port0: short negotiate payload (%d bytes): %w", len(buf), fbperr.ErrSyntaxError)
	}
	return negotiatePayload{
		Version:  binary.LittleEndian.Uint32(buf[0:4]),
		RxWindow: binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// ProtocolVersion is the NEGOTIATE version this implementation speaks.
const ProtocolVersion = 1

// StatusSource supplies the link status Port0 reports for STATUS
// requests; *datalink.DataLink satisfies it.
type StatusSource interface {
	GetStatus() datalink.Status
}

// MetaSource supplies port metadata for META requests;
// *transport.Transport satisfies it.
type MetaSource interface {
	MetaGet(portID uint8) (string, bool)
}

// Port0 implements spec.md §6's Port 0 operations over a Transport.
type Port0 struct {
	tr     *transport.Transport
	dl     *datalink.DataLink
	status StatusSource
	meta   MetaSource
	clock  fbptime.Counter
	log    *log.Logger

	mu          sync.Mutex
	pending     chan []byte // single in-flight RPC's response payload
	pendingOp   OpCode
	hasInFlight bool
}

// New registers a Port0 handler on tr. logger may be nil.
func New(tr *transport.Transport, dl *datalink.DataLink, clock fbptime.Counter, logger *log.Logger) (*Port0, error) {
	if logger == nil {
		logger = log.Default()
	}
	p := &Port0{tr: tr, dl: dl, status: dl, meta: tr, clock: clock, log: logger}
	err := tr.PortRegister(PortID, "", nil, p.onRecv, nil)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Port0) onRecv(seq transport.Seq, portData uint8, msg []byte, userData interface{}) {
	op, isResponse := decodePortData(portData)
	if isResponse {
		p.deliverResponse(op, msg)
		return
	}
	p.handleRequest(op, msg)
}

func (p *Port0) deliverResponse(op OpCode, msg []byte) {
	p.mu.Lock()
	if !p.hasInFlight || p.pendingOp != op {
		p.mu.Unlock()
		p.log.Printf("port0: unexpected response for op %d, dropping", op)
		return
	}
	ch := p.pending
	p.mu.Unlock()
	ch <- msg
}

func (p *Port0) handleRequest(op OpCode, msg []byte) {
	switch op {
	case OpStatus:
		s := p.status.GetStatus()
		p.reply(op, encodeStatus(Status{
			TotalBytes:      s.TotalBytes,
			IgnoredBytes:    s.IgnoredBytes,
			Resync:          s.Resync,
			Retransmissions: s.Retransmissions,
			State:           s.State,
		}))

	case OpEcho:
		p.reply(op, msg)

	case OpTimesync:
		ts, err := decodeTimeSync(msg)
		if err != nil {
			p.log.Printf("port0: %v", err)
			return
		}
		ts.TgtRx = uint64(p.now())
		ts.TgtTx = uint64(p.now())
		p.reply(op, encodeTimeSync(ts))

	case OpMeta:
		if len(msg) < 1 {
			p.log.Printf("port0: short META request")
			return
		}
		portID := msg[0]
		metaJSON, _ := p.meta.MetaGet(portID)
		payload := append([]byte{portID + 32}, append([]byte(metaJSON), 0)...)
		p.reply(op, payload)

	case OpNegotiate:
		req, err := decodeNegotiate(msg)
		if err != nil {
			p.log.Printf("port0: %v", err)
			return
		}
		localMax := p.dl.TxWindowMax()
		adopted := req.RxWindow
		if uint32(localMax) < adopted {
			adopted = uint32(localMax)
		}
		if adopted > 0 {
			if err := p.dl.TxWindowSet(int(adopted)); err != nil {
				p.log.Printf("port0: negotiate tx_window_set(%d): %v", adopted, err)
			}
		}
		p.reply(op, encodeNegotiate(negotiatePayload{
			Version:  ProtocolVersion,
			RxWindow: uint32(p.dl.RxWindowSize()),
		}))

	case OpRaw:
		// Reserved; no handler.

	default:
		p.log.Printf("port0: unknown op %d", op)
	}
}

func (p *Port0) now() fbptime.Timestamp {
	if p.clock == nil {
		return fbptime.FromTime(time.Now())
	}
	return p.clock.Now()
}

func (p *Port0) reply(op OpCode, payload []byte) {
	portData := encodePortData(op, true)
	if err := p.tr.Send(PortID, transport.SeqSingle, portData, payload); err != nil {
		p.log.Printf("port0: reply to op %d failed: %v", op, err)
	}
}

// request sends a single request and blocks for its response, or
// returns fbperr.ErrTimedOut. Only one request may be in flight at a
// time (the simple RPC model spec.md §6 describes has no request ID).
func (p *Port0) request(op OpCode, payload []byte, timeout time.Duration) ([]byte, error) {
	p.mu.Lock()
	if p.hasInFlight {
		p.mu.Unlock()
		return nil, fbperr.ErrUnavailable
	}
	ch := make(chan []byte, 1)
	p.pending = ch
	p.pendingOp = op
	p.hasInFlight = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.hasInFlight = false
		p.pending = nil
		p.mu.Unlock()
	}()

	portData := encodePortData(op, false)
	if err := p.tr.Send(PortID, transport.SeqSingle, portData, payload); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(timeout):
		return nil, fbperr.ErrTimedOut
	}
}

// Status queries the peer's link status.
func (p *Port0) Status(timeout time.Duration) (Status, error) {
	resp, err := p.request(OpStatus, nil, timeout)
	if err != nil {
		return Status{}, err
	}
	return decodeStatus(resp)
}

// Echo round-trips payload through the peer.
func (p *Port0) Echo(payload []byte, timeout time.Duration) ([]byte, error) {
	return p.request(OpEcho, payload, timeout)
}

// TimeSync performs a single clock-offset probe: src_tx is stamped with
// this side's current time, and the peer fills tgt_rx/tgt_tx.
func (p *Port0) TimeSync(timeout time.Duration) (TimeSync, error) {
	req := encodeTimeSync(TimeSync{SrcTx: uint64(p.now())})
	resp, err := p.request(OpTimesync, req, timeout)
	if err != nil {
		return TimeSync{}, err
	}
	return decodeTimeSync(resp)
}

// MetaQuery asks the peer for the metadata string bound to portID.
// Returns ("", false) if the port is unbound on the peer.
func (p *Port0) MetaQuery(portID uint8, timeout time.Duration) (string, bool, error) {
	resp, err := p.request(OpMeta, []byte{portID}, timeout)
	if err != nil {
		return "", false, err
	}
	if len(resp) < 1 {
		return "", false, fmt.Errorf("port0: short META response: %w", fbperr.ErrSyntaxError)
	}
	meta := resp[1:]
	if len(meta) > 0 && meta[len(meta)-1] == 0 {
		meta = meta[:len(meta)-1]
	}
	return string(meta), len(meta) > 0, nil
}

// Negotiate exchanges {version, rx_window_size} with the peer and
// adopts tx_window = min(peer_rx, local_max) on success.
func (p *Port0) Negotiate(timeout time.Duration) error {
	req := encodeNegotiate(negotiatePayload{Version: ProtocolVersion, RxWindow: uint32(p.dl.RxWindowSize())})
	resp, err := p.request(OpNegotiate, req, timeout)
	if err != nil {
		return err
	}
	peer, err := decodeNegotiate(resp)
	if err != nil {
		return err
	}
	localMax := p.dl.TxWindowMax()
	adopted := peer.RxWindow
	if uint32(localMax) < adopted {
		adopted = uint32(localMax)
	}
	if adopted == 0 {
		return nil
	}
	return p.dl.TxWindowSet(int(adopted))
}
