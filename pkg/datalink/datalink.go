// Package datalink implements the Selective-Repeat ARQ layer of
// spec.md §4.2: frame-id assignment, the TX ring of full frame buffers,
// the RX reorder window, ACK/NACK handling, retransmit timers, and the
// connection state machine. It drives a framer.Framer single-threaded
// and is itself safe for concurrent Send/LLRecv calls from different
// goroutines (mirroring the teacher's usock.mu guarding frame I/O).
package datalink

import (
	"log"
	"sync"
	"time"

	"github.com/librescoot/fitterbap-go/pkg/fbperr"
	"github.com/librescoot/fitterbap-go/pkg/fbptime"
	"github.com/librescoot/fitterbap-go/pkg/eventmanager"
	"github.com/librescoot/fitterbap-go/pkg/framer"
)

// LL is the link-layer send primitive a DataLink is built on (spec.md §6).
type LL interface {
	// Send enqueues bytes for transmission; it must not block.
	Send(buffer []byte) error
	// SendAvailable reports free bytes in the driver's TX buffer.
	SendAvailable() uint32
}

// Event is a control event flowing upward out of the DataLink.
type Event int

const (
	EventResetRequest Event = iota
	EventConnected
	EventDisconnected
	EventTransportConnected
	EventAppConnected
)

func (e Event) String() string {
	switch e {
	case EventResetRequest:
		return "RESET_REQUEST"
	case EventConnected:
		return "CONNECTED"
	case EventDisconnected:
		return "DISCONNECTED"
	case EventTransportConnected:
		return "TRANSPORT_CONNECTED"
	case EventAppConnected:
		return "APP_CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// UpperLayer is the callback pair a Transport registers with a DataLink.
type UpperLayer struct {
	OnEvent func(ev Event)
	OnRecv  func(metadata uint16, msg []byte)
}

// State is the connection FSM state of spec.md §4.2.
type State int

const (
	StateDisconnected State = iota
	StateConnectingSendReset
	StateConnectingWaitReset
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnectingSendReset:
		return "CONNECTING_SEND_RESET"
	case StateConnectingWaitReset:
		return "CONNECTING_WAIT_RESET"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

type txSlotState int

const (
	txEmpty txSlotState = iota
	txQueued
	txSent
	txAcked
)

type txSlot struct {
	state      txSlotState
	frameID    uint16
	sendTime   fbptime.Timestamp
	retryCount int
	buf        []byte
	size       int
	timer      eventmanager.EventID
}

type rxSlot struct {
	valid    bool
	nacked   bool
	metadata uint16
	payload  []byte
}

// deliverItem is one in-order message handed to the upper layer from
// handleDataFrame's delivery loop.
type deliverItem struct {
	metadata uint16
	payload  []byte
}

// Config configures ring sizes, timeouts, and retry policy. Zero values
// are replaced by sane defaults in New.
type Config struct {
	TxRingSize     int
	TxWindowMax    int
	RxWindowSize   int
	TxTimeout      time.Duration
	RetryThreshold int
	Logger         *log.Logger
}

func (c *Config) setDefaults() {
	if c.TxRingSize <= 0 {
		c.TxRingSize = 64
	}
	if c.TxRingSize > framer.FrameIDMax/2 {
		c.TxRingSize = framer.FrameIDMax / 2
	}
	if c.TxWindowMax <= 0 {
		c.TxWindowMax = 8
	}
	if c.TxWindowMax > c.TxRingSize {
		c.TxWindowMax = c.TxRingSize
	}
	if c.RxWindowSize <= 0 {
		c.RxWindowSize = 8
	}
	if c.TxTimeout <= 0 {
		c.TxTimeout = 200 * time.Millisecond
	}
	if c.RetryThreshold <= 0 {
		c.RetryThreshold = 5
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
}

// DataLink implements spec.md §4.2.
type DataLink struct {
	cfg Config
	f   *framer.Framer
	ll  LL
	em  *eventmanager.Manager
	log *log.Logger

	mu       sync.Mutex
	sendCond *sync.Cond
	recvMu   sync.Mutex // serializes LLRecv; the Framer itself assumes a single caller

	upper UpperLayer

	state State

	txRing           []txSlot
	txFrameNext      uint16 // next id to assign on Send
	txSendFrontier   uint16 // next id eligible to be sent onto the LL
	txFrameLastSent  uint16 // most recent id actually handed to the LL
	txFrameLastAcked uint16 // last cumulatively-acked id (FrameIDMax means "none")
	txWindow         int
	outstanding      int

	rxRing      []rxSlot
	rxFrameNext uint16

	retransmissions uint64
}

// New constructs a DataLink over ll, driven by em for retransmit timers.
func New(cfg Config, ll LL, em *eventmanager.Manager) *DataLink {
	cfg.setDefaults()
	d := &DataLink{
		cfg:    cfg,
		ll:     ll,
		em:     em,
		log:    cfg.Logger,
		state:  StateDisconnected,
		txWindow: 1,
	}
	d.sendCond = sync.NewCond(&d.mu)
	d.resetLocked()

	d.f = framer.New(framer.Config{Logger: cfg.Logger})
	d.f.OnData(d.handleDataFrame)
	d.f.OnLink(d.handleLinkFrame)
	d.f.OnFramingError(d.handleFramingError)

	return d
}

// RegisterUpperLayer installs the Transport-facing callbacks.
func (d *DataLink) RegisterUpperLayer(u UpperLayer) {
	d.mu.Lock()
	d.upper = u
	d.mu.Unlock()
}

func (d *DataLink) emit(ev Event) {
	if d.upper.OnEvent != nil {
		d.upper.OnEvent(ev)
	}
}

// Send copies msg into a TX slot and attempts immediate transmission.
// timeout <= 0 returns fbperr.ErrFull immediately if the ring is full;
// otherwise Send blocks up to timeout waiting for a slot.
func (d *DataLink) Send(metadata uint16, msg []byte, timeout time.Duration) error {
	if len(msg) < framer.MinPayload || len(msg) > framer.MaxPayload {
		return fbperr.ErrParameterInvalid
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var deadline time.Time
	hasDeadline := timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	for {
		idx := int(d.txFrameNext) % len(d.txRing)
		if d.txRing[idx].state == txEmpty {
			break
		}
		if !hasDeadline {
			return fbperr.ErrFull
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fbperr.ErrTimedOut
		}
		d.waitSlotFreedLocked(remaining)
	}

	idx := int(d.txFrameNext) % len(d.txRing)
	slot := &d.txRing[idx]
	if slot.buf == nil {
		slot.buf = make([]byte, framer.MaxDataFrameSize)
	}

	frameID := d.txFrameNext
	n, err := d.f.ConstructData(slot.buf, frameID, metadata, msg)
	if err != nil {
		return err
	}

	slot.state = txQueued
	slot.frameID = frameID
	// n+1: ConstructData's returned length excludes the trailing shared
	// EOF byte it still writes into slot.buf, which every actual send
	// below must include.
	slot.size = n + 1
	slot.retryCount = 0
	slot.sendTime = 0

	d.txFrameNext = (d.txFrameNext + 1) & 0x7FF

	d.pumpFrontier()
	return nil
}

// waitSlotFreedLocked waits for a slot-freed signal or remaining to
// elapse. Must be called with d.mu held; it is released while waiting.
func (d *DataLink) waitSlotFreedLocked(remaining time.Duration) {
	timer := time.AfterFunc(remaining, func() {
		d.mu.Lock()
		d.sendCond.Broadcast()
		d.mu.Unlock()
	})
	d.sendCond.Wait()
	timer.Stop()
}

// pumpFrontier advances the send frontier, one frame at a time, for as
// long as the window and LL allow.
func (d *DataLink) pumpFrontier() {
	for {
		if d.outstanding >= d.txWindow {
			return
		}
		frameID := d.txSendFrontier
		if framer.SubtractFrameID(frameID, d.txFrameNext) >= 0 {
			return // nothing queued beyond the frontier
		}
		idx := int(frameID) % len(d.txRing)
		slot := &d.txRing[idx]
		if slot.state != txQueued || slot.frameID != frameID {
			return
		}
		if d.ll.SendAvailable() < uint32(slot.size) {
			return
		}
		if err := d.ll.Send(slot.buf[:slot.size]); err != nil {
			d.log.Printf("datalink: ll send failed: %v", err)
			return
		}
		slot.state = txSent
		slot.sendTime = d.now()
		d.outstanding++
		d.txFrameLastSent = frameID
		d.txSendFrontier = (frameID + 1) & 0x7FF
		d.scheduleRetransmitLocked(idx, frameID)
	}
}

func (d *DataLink) now() fbptime.Timestamp {
	if d.em != nil {
		return d.em.Timestamp()
	}
	return fbptime.FromTime(time.Now())
}

func (d *DataLink) scheduleRetransmitLocked(idx int, frameID uint16) {
	if d.em == nil {
		return
	}
	deadline := d.now().Add(d.cfg.TxTimeout)
	d.txRing[idx].timer = d.em.Schedule(deadline, d.onRetransmitTimeout, retransmitToken{idx: idx, frameID: frameID})
}

func (d *DataLink) cancelRetransmitLocked(idx int) {
	if d.em == nil {
		return
	}
	if d.txRing[idx].timer != "" {
		_ = d.em.Cancel(d.txRing[idx].timer)
		d.txRing[idx].timer = ""
	}
}

type retransmitToken struct {
	idx     int
	frameID uint16
}

func (d *DataLink) onRetransmitTimeout(now fbptime.Timestamp, user interface{}) {
	tok := user.(retransmitToken)

	d.mu.Lock()
	slot := &d.txRing[tok.idx]
	if slot.state != txSent || slot.frameID != tok.frameID {
		d.mu.Unlock()
		return
	}

	if slot.retryCount >= d.cfg.RetryThreshold {
		d.disconnectLocked()
		d.mu.Unlock()
		return
	}

	if err := d.ll.Send(slot.buf[:slot.size]); err != nil {
		d.log.Printf("datalink: retransmit of frame %d failed: %v", tok.frameID, err)
	}
	slot.retryCount++
	slot.sendTime = now
	d.retransmissions++
	d.scheduleRetransmitLocked(tok.idx, tok.frameID)
	d.mu.Unlock()
}

func (d *DataLink) disconnectLocked() {
	if d.state != StateDisconnected {
		d.state = StateDisconnected
		d.emit(EventDisconnected)
	}
}

// LLRecv feeds newly arrived bytes to the framer, driving the receive
// path synchronously.
func (d *DataLink) LLRecv(data []byte) {
	d.recvMu.Lock()
	defer d.recvMu.Unlock()
	d.f.Recv(data)
}

func (d *DataLink) handleDataFrame(frameID uint16, metadata uint16, payload []byte) {
	d.mu.Lock()
	diff := framer.SubtractFrameID(frameID, d.rxFrameNext)

	switch {
	case diff < 0:
		// Already delivered: re-ack the last cumulative id.
		d.sendAckAllLocked((d.rxFrameNext - 1) & 0x7FF)
		d.mu.Unlock()
		return

	case int(diff) >= len(d.rxRing):
		d.sendNackFrameIDLocked(d.rxFrameNext)
		d.mu.Unlock()
		return

	case diff == 0:
		toDeliver := []deliverItem{{metadata, payload}}
		d.rxFrameNext = (d.rxFrameNext + 1) & 0x7FF
		d.clearRxPendingLocked(frameID)

		for {
			idx := int(d.rxFrameNext) % len(d.rxRing)
			slot := &d.rxRing[idx]
			if !slot.valid {
				break
			}
			toDeliver = append(toDeliver, deliverItem{slot.metadata, slot.payload})
			slot.valid = false
			slot.payload = nil
			d.clearRxPendingLocked(d.rxFrameNext)
			d.rxFrameNext = (d.rxFrameNext + 1) & 0x7FF
		}

		lastDelivered := (d.rxFrameNext - 1) & 0x7FF
		d.sendAckAllLocked(lastDelivered)
		upper := d.upper.OnRecv
		d.mu.Unlock()

		if upper != nil {
			for _, m := range toDeliver {
				upper(m.metadata, m.payload)
			}
		}
		return

	default:
		idx := int(frameID) % len(d.rxRing)
		d.rxRing[idx] = rxSlot{valid: true, metadata: metadata, payload: payload}
		d.sendAckOneLocked(frameID)

		for id := d.rxFrameNext; framer.SubtractFrameID(id, frameID) < 0; id = (id + 1) & 0x7FF {
			gidx := int(id) % len(d.rxRing)
			if !d.rxRing[gidx].nacked {
				d.rxRing[gidx].nacked = true
				d.sendNackFrameIDLocked(id)
			}
		}
		d.mu.Unlock()
		return
	}
}

func (d *DataLink) clearRxPendingLocked(frameID uint16) {
	idx := int(frameID) % len(d.rxRing)
	d.rxRing[idx].nacked = false
}

func (d *DataLink) handleLinkFrame(frameType framer.FrameType, frameID uint16) {
	switch frameType {
	case framer.FrameTypeAckAll:
		d.onAckAll(frameID)
	case framer.FrameTypeAckOne:
		d.onAckOne(frameID)
	case framer.FrameTypeNackFrameID:
		d.onNackFrameID(frameID)
	case framer.FrameTypeNackFramingError:
		d.onNackFramingError(frameID)
	case framer.FrameTypeReset:
		d.onReset()
	}
}

func (d *DataLink) onAckAll(id uint16) {
	d.mu.Lock()
	if framer.SubtractFrameID(id, d.txFrameLastAcked) <= 0 {
		d.mu.Unlock() // stale or duplicate cumulative ack
		return
	}
	for cur := (d.txFrameLastAcked + 1) & 0x7FF; ; cur = (cur + 1) & 0x7FF {
		if framer.SubtractFrameID(cur, id) > 0 {
			break
		}
		idx := int(cur) % len(d.txRing)
		slot := &d.txRing[idx]
		if slot.frameID == cur && (slot.state == txSent || slot.state == txAcked) {
			if slot.state == txSent {
				d.outstanding--
			}
			d.cancelRetransmitLocked(idx)
			*slot = txSlot{buf: slot.buf}
		}
		if cur == id {
			break
		}
	}
	d.txFrameLastAcked = id
	d.sendCond.Broadcast()
	d.pumpFrontier()
	d.mu.Unlock()
}

func (d *DataLink) onAckOne(id uint16) {
	d.mu.Lock()
	idx := int(id) % len(d.txRing)
	slot := &d.txRing[idx]
	if slot.frameID == id && slot.state == txSent {
		d.cancelRetransmitLocked(idx)
		slot.state = txAcked
		d.outstanding--
		d.sendCond.Broadcast()
		d.pumpFrontier()
	}
	d.mu.Unlock()
}

func (d *DataLink) onNackFrameID(id uint16) {
	d.mu.Lock()
	idx := int(id) % len(d.txRing)
	slot := &d.txRing[idx]
	if slot.frameID == id && slot.state == txSent {
		if err := d.ll.Send(slot.buf[:slot.size]); err != nil {
			d.log.Printf("datalink: NACK retransmit of frame %d failed: %v", id, err)
		}
		slot.retryCount++
		slot.sendTime = d.now()
		d.retransmissions++
		d.cancelRetransmitLocked(idx)
		d.scheduleRetransmitLocked(idx, id)
	}
	d.mu.Unlock()
}

func (d *DataLink) onNackFramingError(id uint16) {
	d.mu.Lock()
	for cur := (id + 1) & 0x7FF; framer.SubtractFrameID(cur, d.txFrameLastSent) <= 0; cur = (cur + 1) & 0x7FF {
		idx := int(cur) % len(d.txRing)
		slot := &d.txRing[idx]
		if slot.frameID == cur && slot.state == txSent {
			if err := d.ll.Send(slot.buf[:slot.size]); err != nil {
				d.log.Printf("datalink: framing-error retransmit of frame %d failed: %v", cur, err)
			}
			slot.retryCount++
			slot.sendTime = d.now()
			d.retransmissions++
			d.cancelRetransmitLocked(idx)
			d.scheduleRetransmitLocked(idx, cur)
		}
		if cur == d.txFrameLastSent {
			break
		}
	}
	d.mu.Unlock()
}

// onReset handles a received RESET frame. Both sides converge on
// CONNECTED from a single round trip: whichever side did NOT itself
// initiate the still-pending handshake (i.e. wasn't already waiting
// for this reset to come back) echoes a RESET before transitioning, so
// the initiator's own wait is satisfied by that echo; the initiator,
// recognizing its own pending handshake, transitions without
// re-echoing and the exchange terminates. Simultaneous Connect() calls
// on both sides also converge: each recognizes itself as the
// initiator and neither echoes, so exactly one RESET per side is ever
// sent.
func (d *DataLink) onReset() {
	d.mu.Lock()
	wasConnected := d.state == StateConnected
	initiatedByUs := d.state == StateConnectingWaitReset
	d.resetLocked()

	if !initiatedByUs {
		d.sendResetLocked()
	}
	d.state = StateConnected
	d.mu.Unlock()

	d.emit(EventResetRequest)
	if wasConnected {
		d.emit(EventDisconnected)
	}
	d.emit(EventConnected)
}

func (d *DataLink) handleFramingError() {
	d.mu.Lock()
	id := (d.rxFrameNext - 1) & 0x7FF
	d.sendNackFramingErrorLocked(id)
	d.mu.Unlock()
}

func (d *DataLink) sendAckAllLocked(id uint16)          { d.sendLinkLocked(framer.FrameTypeAckAll, id) }
func (d *DataLink) sendAckOneLocked(id uint16)          { d.sendLinkLocked(framer.FrameTypeAckOne, id) }
func (d *DataLink) sendNackFrameIDLocked(id uint16)     { d.sendLinkLocked(framer.FrameTypeNackFrameID, id) }
func (d *DataLink) sendNackFramingErrorLocked(id uint16) {
	d.sendLinkLocked(framer.FrameTypeNackFramingError, id)
}
func (d *DataLink) sendResetLocked() { d.sendLinkLocked(framer.FrameTypeReset, 0) }

func (d *DataLink) sendLinkLocked(frameType framer.FrameType, id uint16) {
	var buf [9]byte
	n, err := d.f.ConstructLink(buf[:], frameType, id)
	if err != nil {
		d.log.Printf("datalink: construct link frame failed: %v", err)
		return
	}
	if err := d.ll.Send(buf[:n]); err != nil {
		d.log.Printf("datalink: send link frame failed: %v", err)
	}
}

// Connect kicks off the connection FSM by transmitting RESET and moving
// to CONNECTING_WAIT_RESET; the transient CONNECTING_SEND_RESET state of
// spec.md §4.2 collapses to a single synchronous step here since the
// reset frame is constructed and handed to the LL inline.
func (d *DataLink) Connect() {
	d.mu.Lock()
	d.resetLocked()
	d.sendResetLocked()
	d.state = StateConnectingWaitReset
	d.mu.Unlock()
}

func (d *DataLink) resetLocked() {
	ringSize := d.cfg.TxRingSize
	if ringSize == 0 {
		ringSize = 64
	}
	rxSize := d.cfg.RxWindowSize
	if rxSize == 0 {
		rxSize = 8
	}
	oldTxRing := d.txRing
	d.txRing = make([]txSlot, ringSize)
	for i := range d.txRing {
		if oldTxRing != nil && i < len(oldTxRing) {
			d.txRing[i].buf = oldTxRing[i].buf
		}
		if d.txRing[i].buf == nil {
			d.txRing[i].buf = make([]byte, framer.MaxDataFrameSize)
		}
	}
	d.rxRing = make([]rxSlot, rxSize)
	d.txFrameNext = 0
	d.txSendFrontier = 0
	d.txFrameLastSent = framer.FrameIDMax // sentinel: "nothing sent yet"
	d.txFrameLastAcked = framer.FrameIDMax // sentinel: "nothing acked yet"
	d.rxFrameNext = 0
	d.outstanding = 0
	d.txWindow = 1
	if d.f != nil {
		d.f.Reset()
	}
}

// TxWindowSet raises the effective TX window. It cannot be used to
// decrease the window before a reset (spec.md §4.2).
func (d *DataLink) TxWindowSet(n int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n < 1 || n > d.cfg.TxWindowMax {
		return fbperr.ErrParameterInvalid
	}
	if n < d.txWindow {
		return fbperr.ErrParameterInvalid
	}
	d.txWindow = n
	d.pumpFrontier()
	return nil
}

// TxWindow returns the current effective TX window.
func (d *DataLink) TxWindow() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txWindow
}

// TxWindowMax returns the configured ceiling for TxWindowSet.
func (d *DataLink) TxWindowMax() int { return d.cfg.TxWindowMax }

// RxWindowSize returns the configured RX reorder window size.
func (d *DataLink) RxWindowSize() int { return d.cfg.RxWindowSize }

// State returns the current connection FSM state.
func (d *DataLink) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Status bundles the observability counters of spec.md §4.1/§4.2.
type Status struct {
	TotalBytes      uint64
	IgnoredBytes    uint64
	Resync          uint64
	Retransmissions uint64
	State           State
}

// GetStatus returns a snapshot of DataLink/Framer counters.
func (d *DataLink) GetStatus() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		TotalBytes:      d.f.TotalBytes(),
		IgnoredBytes:    d.f.IgnoredBytes(),
		Resync:          d.f.ResyncCount(),
		Retransmissions: d.retransmissions,
		State:           d.state,
	}
}

// InjectTransportConnected and InjectAppConnected let Transport (and
// only Transport) inject the two control events spec.md §6 calls out
// as "injectable at Transport".
func (d *DataLink) InjectTransportConnected() { d.emit(EventTransportConnected) }
func (d *DataLink) InjectAppConnected()       { d.emit(EventAppConnected) }
