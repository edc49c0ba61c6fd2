// Package pubsub implements the topic tree, retained-value store, and
// publish/subscribe dispatch of spec.md §4.4. Updates are queued by
// Publish and dispatched only from Process, mirroring the teacher's
// separation between the UART read goroutine (enqueue) and the Redis
// publish goroutine (dispatch) in pkg/redis/client.go.
package pubsub

import (
	"fmt"
	"math"

	"github.com/librescoot/fitterbap-go/pkg/fbperr"
)

// Kind tags the variant held by a Value (spec.md §3 "Value (tagged union)").
type Kind uint8

const (
	KindNull Kind = iota
	KindStr
	KindJSON
	KindBin
	KindF32
	KindF64
	KindU8
	KindU16
	KindU32
	KindU64
	KindI8
	KindI16
	KindI32
	KindI64
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindStr:
		return "str"
	case KindJSON:
		return "json"
	case KindBin:
		return "bin"
	case KindF32:
		return "f32"
	case KindF64:
		return "f64"
	case KindU8:
		return "u8"
	case KindU16:
		return "u16"
	case KindU32:
		return "u32"
	case KindU64:
		return "u64"
	case KindI8:
		return "i8"
	case KindI16:
		return "i16"
	case KindI32:
		return "i32"
	case KindI64:
		return "i64"
	default:
		return "unknown"
	}
}

// Flags are the per-value bits of spec.md §3.
type Flags uint8

const (
	// FlagRetain stores the value as the topic's current value.
	FlagRetain Flags = 1 << iota
	// FlagConst declares the pointer-backed payload (Str/Bin) caller-owned
	// and valid for the lifetime the spec requires (indefinitely when
	// also RETAIN, otherwise until Process has dispatched it).
	FlagConst
)

// Value is the tagged union of spec.md §3. Exactly one payload field is
// meaningful for a given Kind; the numeric kinds are all widened into
// num for storage simplicity and narrowed back on read.
type Value struct {
	Kind  Kind
	Flags Flags
	Op    byte
	App   byte

	str string
	bin []byte
	num uint64
}

// Null is the zero Value.
var Null = Value{Kind: KindNull}

func NewStr(s string, flags Flags) Value  { return Value{Kind: KindStr, Flags: flags, str: s} }
func NewJSON(s string, flags Flags) Value { return Value{Kind: KindJSON, Flags: flags, str: s} }
func NewBin(b []byte, flags Flags) Value  { return Value{Kind: KindBin, Flags: flags, bin: b} }

func NewF32(v float32, flags Flags) Value {
	return Value{Kind: KindF32, Flags: flags, num: uint64(math.Float32bits(v))}
}
func NewF64(v float64, flags Flags) Value {
	return Value{Kind: KindF64, Flags: flags, num: math.Float64bits(v)}
}
func NewU8(v uint8, flags Flags) Value   { return Value{Kind: KindU8, Flags: flags, num: uint64(v)} }
func NewU16(v uint16, flags Flags) Value { return Value{Kind: KindU16, Flags: flags, num: uint64(v)} }
func NewU32(v uint32, flags Flags) Value { return Value{Kind: KindU32, Flags: flags, num: uint64(v)} }
func NewU64(v uint64, flags Flags) Value { return Value{Kind: KindU64, Flags: flags, num: v} }
func NewI8(v int8, flags Flags) Value {
	return Value{Kind: KindI8, Flags: flags, num: uint64(uint8(v))}
}
func NewI16(v int16, flags Flags) Value {
	return Value{Kind: KindI16, Flags: flags, num: uint64(uint16(v))}
}
func NewI32(v int32, flags Flags) Value {
	return Value{Kind: KindI32, Flags: flags, num: uint64(uint32(v))}
}
func NewI64(v int64, flags Flags) Value { return Value{Kind: KindI64, Flags: flags, num: uint64(v)} }

// IsPointer reports whether the Value carries borrowed/owned byte
// storage (STR, JSON, BIN) rather than an inline scalar.
func (v Value) IsPointer() bool {
	return v.Kind == KindStr || v.Kind == KindJSON || v.Kind == KindBin
}

// Size is the byte length of a pointer-backed value, for NOT_ENOUGH_MEMORY
// accounting against the ring buffer.
func (v Value) Size() int {
	switch v.Kind {
	case KindStr, KindJSON:
		return len(v.str)
	case KindBin:
		return len(v.bin)
	default:
		return 0
	}
}

// clone deep-copies any pointer-backed payload, used when a non-CONST
// value is staged into the message ring buffer by Publish.
func (v Value) clone() Value {
	if v.Kind == KindBin {
		cp := make([]byte, len(v.bin))
		copy(cp, v.bin)
		v.bin = cp
	}
	return v
}

func (v Value) Str() (string, error) {
	if v.Kind != KindStr && v.Kind != KindJSON {
		return "", fmt.Errorf("value is %s, not str/json: %w", v.Kind, fbperr.ErrParameterInvalid)
	}
	return v.str, nil
}

func (v Value) Bin() ([]byte, error) {
	if v.Kind != KindBin {
		return nil, fmt.Errorf("value is %s, not bin: %w", v.Kind, fbperr.ErrParameterInvalid)
	}
	return v.bin, nil
}

func (v Value) F64() (float64, error) {
	switch v.Kind {
	case KindF32:
		return float64(math.Float32frombits(uint32(v.num))), nil
	case KindF64:
		return math.Float64frombits(v.num), nil
	case KindU8, KindU16, KindU32, KindU64:
		return float64(v.num), nil
	case KindI8:
		return float64(int8(v.num)), nil
	case KindI16:
		return float64(int16(v.num)), nil
	case KindI32:
		return float64(int32(v.num)), nil
	case KindI64:
		return float64(int64(v.num)), nil
	default:
		return 0, fmt.Errorf("value is %s, not numeric: %w", v.Kind, fbperr.ErrParameterInvalid)
	}
}

func (v Value) I64() (int64, error) {
	f, err := v.F64()
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

func (v Value) U64() (uint64, error) {
	switch v.Kind {
	case KindU8, KindU16, KindU32, KindU64:
		return v.num, nil
	default:
		i, err := v.I64()
		return uint64(i), err
	}
}
