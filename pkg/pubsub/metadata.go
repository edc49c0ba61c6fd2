package pubsub

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/librescoot/fitterbap-go/pkg/fbperr"
)

// Metadata is the JSON object spec.md §4.4 describes for a topic's `$`
// sibling: {dtype, brief, detail, default, options, range, format, flags}.
type Metadata struct {
	DType   string          `json:"dtype"`
	Brief   string          `json:"brief,omitempty"`
	Detail  string          `json:"detail,omitempty"`
	Default json.RawMessage `json:"default,omitempty"`
	// Options entries are [value, display, alt1, alt2, ...].
	Options [][]string `json:"options,omitempty"`
	Range   *[2]float64 `json:"range,omitempty"`
	Format  string     `json:"format,omitempty"`
	Flags   []string   `json:"flags,omitempty"`
}

// ParseMetadata decodes a stored meta_json blob.
func ParseMetadata(raw string) (Metadata, error) {
	var m Metadata
	if raw == "" {
		return m, fbperr.ErrParameterInvalid
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Metadata{}, fmt.Errorf("pubsub: parse metadata: %w", err)
	}
	return m, nil
}

// Encode serializes m back to its wire JSON form.
func (m Metadata) Encode() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// MetaValue coerces input to meta's declared dtype, per spec.md §4.4:
// strings are matched against the options table (value or any alt
// display form), numbers are range-checked.
func MetaValue(meta Metadata, input Value) (Value, error) {
	switch meta.DType {
	case "str", "":
		s, err := coerceToString(input)
		if err != nil {
			return Value{}, err
		}
		if resolved, ok := resolveOption(meta, s); ok {
			s = resolved
		} else if len(meta.Options) > 0 {
			return Value{}, fmt.Errorf("pubsub: %q is not one of the declared options: %w", s, fbperr.ErrParameterInvalid)
		}
		return NewStr(s, input.Flags), nil

	case "json":
		s, err := coerceToString(input)
		if err != nil {
			return Value{}, err
		}
		if !json.Valid([]byte(s)) {
			return Value{}, fmt.Errorf("pubsub: invalid json value: %w", fbperr.ErrParameterInvalid)
		}
		return NewJSON(s, input.Flags), nil

	case "bin":
		b, err := input.Bin()
		if err != nil {
			return Value{}, err
		}
		return NewBin(b, input.Flags), nil

	case "f32", "f64", "u8", "u16", "u32", "u64", "i8", "i16", "i32", "i64":
		return coerceNumeric(meta, input)

	default:
		return Value{}, fmt.Errorf("pubsub: unknown dtype %q: %w", meta.DType, fbperr.ErrParameterInvalid)
	}
}

func coerceToString(v Value) (string, error) {
	switch v.Kind {
	case KindStr, KindJSON:
		return v.str, nil
	case KindNull:
		return "", nil
	default:
		f, err := v.F64()
		if err != nil {
			return "", err
		}
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	}
}

// resolveOption matches s against any entry's value or alternate
// display forms, returning the canonical option value.
func resolveOption(meta Metadata, s string) (string, bool) {
	for _, opt := range meta.Options {
		for _, alt := range opt {
			if alt == s {
				return opt[0], true
			}
		}
	}
	return "", false
}

func coerceNumeric(meta Metadata, input Value) (Value, error) {
	f, err := input.F64()
	if err != nil {
		if s, serr := coerceToString(input); serr == nil {
			if resolved, ok := resolveOption(meta, s); ok {
				parsed, perr := strconv.ParseFloat(resolved, 64)
				if perr != nil {
					return Value{}, fmt.Errorf("pubsub: option value %q is not numeric: %w", resolved, fbperr.ErrParameterInvalid)
				}
				f = parsed
			} else {
				return Value{}, fmt.Errorf("pubsub: %q is not one of the declared options: %w", s, fbperr.ErrParameterInvalid)
			}
		} else {
			return Value{}, err
		}
	}

	if meta.Range != nil {
		if f < meta.Range[0] || f > meta.Range[1] {
			return Value{}, fmt.Errorf("pubsub: value %v out of range [%v, %v]: %w", f, meta.Range[0], meta.Range[1], fbperr.ErrParameterInvalid)
		}
	}

	flags := input.Flags
	switch meta.DType {
	case "f32":
		return NewF32(float32(f), flags), nil
	case "f64":
		return NewF64(f, flags), nil
	case "u8":
		return NewU8(uint8(f), flags), nil
	case "u16":
		return NewU16(uint16(f), flags), nil
	case "u32":
		return NewU32(uint32(f), flags), nil
	case "u64":
		return NewU64(uint64(f), flags), nil
	case "i8":
		return NewI8(int8(f), flags), nil
	case "i16":
		return NewI16(int16(f), flags), nil
	case "i32":
		return NewI32(int32(f), flags), nil
	default: // i64
		return NewI64(int64(f), flags), nil
	}
}
