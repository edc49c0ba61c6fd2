// Package framer turns a raw byte stream into framed DATA and link
// (ACK/NACK/RESET) messages, and back, per spec.md §3 and §4.1. It is
// owned and driven single-threaded by a datalink.DataLink — it holds no
// internal mutex.
package framer

import (
	"encoding/binary"
	"log"

	"github.com/librescoot/fitterbap-go/pkg/crc"
	"github.com/librescoot/fitterbap-go/pkg/fbperr"
)

// FrameType is the 5-bit frame-type code carried in the high bits of the
// frame's third byte. The codes are spaced so that any DATA<->ACK
// confusion needs >= 4 bit flips and any ACK<->ACK confusion needs >= 2.
type FrameType uint8

const (
	FrameTypeData              FrameType = 0x00
	FrameTypeAckAll            FrameType = 0x0F
	FrameTypeAckOne            FrameType = 0x17
	FrameTypeNackFrameID       FrameType = 0x1B
	FrameTypeNackFramingError  FrameType = 0x1D
	FrameTypeReset             FrameType = 0x1E
)

const (
	sof1 = 0x55
	sof2 = 0x00
	eof  = 0x55

	// MaxPayload and MinPayload bound a DATA frame's msg size.
	MaxPayload = 256
	MinPayload = 1

	// FrameIDMax is the largest representable 11-bit frame id.
	FrameIDMax = (1 << 11) - 1

	dataHeaderLen  = 8 // SOF1,SOF2,type,id_lo,len-1,len_crc8,meta_lo,meta_hi
	dataTrailerLen = 4 // crc32; the trailing EOF is a shared/appended byte, not counted here
	linkFrameLen   = 2 + 1 + 1 + 4 + 1 // SOF1,SOF2,type,id_lo,crc32,EOF

	// MaxDataFrameSize is the largest buffer a DATA frame can occupy,
	// including the trailing shared EOF byte ConstructData still writes
	// (but does not count in its returned length).
	MaxDataFrameSize = dataHeaderLen + MaxPayload + dataTrailerLen + 1
)

func isValidFrameType(t FrameType) bool {
	switch t {
	case FrameTypeData, FrameTypeAckAll, FrameTypeAckOne, FrameTypeNackFrameID, FrameTypeNackFramingError, FrameTypeReset:
		return true
	default:
		return false
	}
}

// DataFn is invoked once per successfully parsed DATA frame.
type DataFn func(frameID uint16, metadata uint16, payload []byte)

// LinkFn is invoked once per successfully parsed link (ACK/NACK/RESET) frame.
type LinkFn func(frameType FrameType, frameID uint16)

// FramingErrorFn is invoked at most once per loss of synchronization.
type FramingErrorFn func()

// Config selects the two CRC choices spec.md §9 leaves open. The zero
// value is the canonical choice: length CRC-8 poly 0xD7, body CRC-32 IEEE.
type Config struct {
	LengthPoly uint8
	Body32     crc.Body32
	Logger     *log.Logger
}

// Framer implements spec.md §4.1.
type Framer struct {
	dataFn         DataFn
	linkFn         LinkFn
	framingErrorFn FramingErrorFn

	lengthPoly uint8
	body32     crc.Body32
	log        *log.Logger

	pending        []byte
	synchronized   bool
	awaitingResync bool

	totalBytes   uint64
	ignoredBytes uint64
	resyncCount  uint64
}

// New constructs a Framer. cfg may be the zero value to get the
// canonical CRC choices.
func New(cfg Config) *Framer {
	if cfg.LengthPoly == 0 {
		cfg.LengthPoly = crc.Poly0xD7
	}
	if cfg.Body32 == nil {
		cfg.Body32 = crc.IEEE
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Framer{
		lengthPoly: cfg.LengthPoly,
		body32:     cfg.Body32,
		log:        cfg.Logger,
	}
}

// OnData sets the callback for successfully parsed DATA frames.
func (f *Framer) OnData(fn DataFn) { f.dataFn = fn }

// OnLink sets the callback for successfully parsed link frames.
func (f *Framer) OnLink(fn LinkFn) { f.linkFn = fn }

// OnFramingError sets the callback fired once per loss of synchronization.
func (f *Framer) OnFramingError(fn FramingErrorFn) { f.framingErrorFn = fn }

// Reset clears parser state and all counters.
func (f *Framer) Reset() {
	f.pending = nil
	f.synchronized = false
	f.awaitingResync = false
	f.totalBytes = 0
	f.ignoredBytes = 0
	f.resyncCount = 0
}

// TotalBytes, IgnoredBytes and ResyncCount are the observability counters of §4.1.
func (f *Framer) TotalBytes() uint64   { return f.totalBytes }
func (f *Framer) IgnoredBytes() uint64 { return f.ignoredBytes }
func (f *Framer) ResyncCount() uint64  { return f.resyncCount }

// Recv appends newly arrived bytes and drives the receiver state
// machine, invoking OnData/OnLink/OnFramingError synchronously.
func (f *Framer) Recv(data []byte) {
	if len(data) == 0 {
		return
	}
	f.totalBytes += uint64(len(data))
	f.pending = append(f.pending, data...)
	f.process()
}

func (f *Framer) reportFramingError() {
	if f.synchronized && !f.awaitingResync {
		f.resyncCount++
		f.awaitingResync = true
		if f.framingErrorFn != nil {
			f.framingErrorFn()
		}
	}
}

// process runs the SOF1/SOF2/TYPE/DATA_LENGTH/STORE state machine over
// f.pending, dispatching every complete frame and applying every resync
// shift it meets, until the buffer is exhausted or holds only an
// incomplete frame.
func (f *Framer) process() {
	for {
		if len(f.pending) == 0 {
			return
		}

		idx := indexOfByte(f.pending, sof1)
		if idx < 0 {
			f.ignoredBytes += uint64(len(f.pending))
			f.pending = nil
			return
		}
		if idx > 0 {
			f.ignoredBytes += uint64(idx)
			f.pending = f.pending[idx:]
		}

		if len(f.pending) < 2 {
			return // need SOF2, wait for more bytes
		}
		switch f.pending[1] {
		case sof1:
			// Run of extra SOF1 bytes (autobaud filler). Absorb one and
			// keep scanning — the new leading byte is itself a SOF1 candidate.
			f.pending = f.pending[1:]
			continue
		case sof2:
			// fall through to TYPE parsing below
		default:
			f.reportFramingError()
			f.ignoredBytes++
			f.pending = f.pending[1:]
			continue
		}

		if len(f.pending) < 3 {
			return // need the type byte
		}
		typeByte := f.pending[2]
		frameType := FrameType(typeByte >> 3)
		frameIDHi := uint16(typeByte & 0x07)
		if !isValidFrameType(frameType) {
			f.reportFramingError()
			f.pending = f.pending[1:]
			continue
		}

		if frameType == FrameTypeData {
			if f.tryParseData(frameIDHi) == parseNeedMore {
				return
			}
			continue
		}

		if f.tryParseLink(frameType, frameIDHi) == parseNeedMore {
			return
		}
	}
}

// parseResult distinguishes "need more bytes, try again after the next
// Recv" from "consumed a frame or shifted past one resync byte, keep
// scanning now".
type parseResult int

const (
	parseNeedMore parseResult = iota
	parseAdvanced
)

// tryParseData attempts to parse a DATA frame at the head of f.pending.
func (f *Framer) tryParseData(frameIDHi uint16) parseResult {
	if len(f.pending) < 6 {
		return parseNeedMore
	}
	frameIDLo := f.pending[3]
	lengthMinus1 := f.pending[4]
	lengthCRC8 := f.pending[5]

	if crc.Length8(f.lengthPoly, lengthMinus1) != lengthCRC8 {
		f.reportFramingError()
		f.pending = f.pending[1:]
		return parseAdvanced
	}

	payloadLen := int(lengthMinus1) + 1
	bodyEnd := dataHeaderLen + payloadLen
	total := bodyEnd + dataTrailerLen
	// total+1: the trailing EOF is shared with whatever comes next (the
	// next frame's SOF1 if sent back-to-back, or an explicit 0x55 if
	// not), so it must be present before the frame is complete but is
	// never consumed as this frame's own bytes below.
	if len(f.pending) < total+1 {
		return parseNeedMore // wait for the rest of the frame
	}

	body := f.pending[2:bodyEnd]
	gotCRC := binary.LittleEndian.Uint32(f.pending[bodyEnd : bodyEnd+4])
	eofByte := f.pending[total]
	wantCRC := f.body32(body)

	if gotCRC != wantCRC || eofByte != eof {
		f.reportFramingError()
		f.pending = f.pending[1:]
		return parseAdvanced
	}

	frameID := frameIDHi<<8 | uint16(frameIDLo)
	metadata := uint16(f.pending[6]) | uint16(f.pending[7])<<8
	payload := make([]byte, payloadLen)
	copy(payload, f.pending[dataHeaderLen:bodyEnd])

	// Leave the shared EOF byte in f.pending: it is itself a valid SOF1
	// candidate, so the next process() iteration's sync scan picks it up
	// whether it doubles as the next frame's SOF1 or is absorbed as an
	// extra leading byte the same way autobaud filler is.
	f.pending = f.pending[total:]
	f.synchronized = true
	f.awaitingResync = false

	if f.dataFn != nil {
		f.dataFn(frameID, metadata, payload)
	}
	return parseAdvanced
}

func (f *Framer) tryParseLink(frameType FrameType, frameIDHi uint16) parseResult {
	if len(f.pending) < linkFrameLen {
		return parseNeedMore
	}
	frameIDLo := f.pending[3]
	body := f.pending[2:4]
	gotCRC := binary.LittleEndian.Uint32(f.pending[4:8])
	eofByte := f.pending[8]
	wantCRC := f.body32(body)

	if gotCRC != wantCRC || eofByte != eof {
		f.reportFramingError()
		f.pending = f.pending[1:]
		return parseAdvanced
	}

	frameID := frameIDHi<<8 | uint16(frameIDLo)
	f.pending = f.pending[linkFrameLen:]
	f.synchronized = true
	f.awaitingResync = false

	if f.linkFn != nil {
		f.linkFn(frameType, frameID)
	}
	return parseAdvanced
}

// ConstructData encodes a DATA frame into out, returning the number of
// bytes in the frame itself: dataHeaderLen+len(msg)+dataTrailerLen,
// i.e. not counting the trailing EOF byte. ConstructData still writes
// that EOF byte immediately after the returned length (out must have
// capacity for one more byte than the length it returns) because it is
// shared/appended rather than part of the frame proper: a sender
// transmitting frames back-to-back can let one frame's EOF double as
// the next frame's SOF1, so it is not counted as this frame's own.
func (f *Framer) ConstructData(out []byte, frameID uint16, metadata uint16, msg []byte) (int, error) {
	if len(msg) < MinPayload || len(msg) > MaxPayload {
		return 0, fbperr.ErrParameterInvalid
	}
	if frameID > FrameIDMax {
		return 0, fbperr.ErrParameterInvalid
	}
	total := dataHeaderLen + len(msg) + dataTrailerLen
	if len(out) < total+1 {
		return 0, fbperr.ErrParameterInvalid
	}

	frameIDHi := byte((frameID >> 8) & 0x07)
	frameIDLo := byte(frameID & 0xFF)
	lengthMinus1 := byte(len(msg) - 1)

	out[0] = sof1
	out[1] = sof2
	out[2] = byte(FrameTypeData)<<3 | frameIDHi
	out[3] = frameIDLo
	out[4] = lengthMinus1
	out[5] = crc.Length8(f.lengthPoly, lengthMinus1)
	out[6] = byte(metadata & 0xFF)
	out[7] = byte(metadata >> 8)
	copy(out[dataHeaderLen:dataHeaderLen+len(msg)], msg)

	bodyEnd := dataHeaderLen + len(msg)
	bodyCRC := f.body32(out[2:bodyEnd])
	binary.LittleEndian.PutUint32(out[bodyEnd:bodyEnd+4], bodyCRC)
	out[total] = eof

	return total, nil
}

// ConstructLink encodes a link (ACK/NACK/RESET) frame into out.
func (f *Framer) ConstructLink(out []byte, frameType FrameType, frameID uint16) (int, error) {
	if frameType == FrameTypeData || !isValidFrameType(frameType) {
		return 0, fbperr.ErrParameterInvalid
	}
	if frameID > FrameIDMax {
		return 0, fbperr.ErrParameterInvalid
	}
	if len(out) < linkFrameLen {
		return 0, fbperr.ErrParameterInvalid
	}

	frameIDHi := byte((frameID >> 8) & 0x07)
	frameIDLo := byte(frameID & 0xFF)

	out[0] = sof1
	out[1] = sof2
	out[2] = byte(frameType)<<3 | frameIDHi
	out[3] = frameIDLo
	bodyCRC := f.body32(out[2:4])
	binary.LittleEndian.PutUint32(out[4:8], bodyCRC)
	out[8] = eof

	return linkFrameLen, nil
}

// SubtractFrameID computes (a - b) mod 2048 reinterpreted into [-1024, 1023].
func SubtractFrameID(a, b uint16) int32 {
	d := (int32(a) - int32(b)) & 0x7FF
	if d >= 1024 {
		d -= 2048
	}
	return d
}

func indexOfByte(buf []byte, b byte) int {
	for i, v := range buf {
		if v == b {
			return i
		}
	}
	return -1
}
